package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierhq/courier/internal/apperr"
	"github.com/courierhq/courier/internal/bus"
	"github.com/courierhq/courier/internal/notify"
	"github.com/courierhq/courier/internal/telemetry"
)

type fakeRegistry struct {
	mu          sync.Mutex
	tokens      map[string][]string // userID -> active tokens
	deactivated []string
	touched     []string
	purged      int64
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{tokens: make(map[string][]string)}
}

func (f *fakeRegistry) Register(_ context.Context, userID, token, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[userID] = append(f.tokens[userID], token)
	return nil
}

func (f *fakeRegistry) Remove(context.Context, string) error { return nil }

func (f *fakeRegistry) ActiveTokens(_ context.Context, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens[userID], nil
}

func (f *fakeRegistry) ListForUser(context.Context, string) ([]*DeviceToken, error) {
	return nil, nil
}

func (f *fakeRegistry) Deactivate(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated = append(f.deactivated, token)
	return nil
}

func (f *fakeRegistry) Touch(_ context.Context, tokens []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, tokens...)
	return nil
}

func (f *fakeRegistry) PurgeDormant(context.Context, time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.purged, nil
}

type nopLog struct{}

func (nopLog) Append(context.Context, *notify.DeliveryAttempt) error { return nil }
func (nopLog) Advance(context.Context, uuid.UUID, int, notify.AttemptStatus, time.Time) error {
	return nil
}
func (nopLog) FailAttempt(context.Context, uuid.UUID, int, apperr.Kind, string, time.Time) error {
	return nil
}
func (nopLog) SetProviderMessageID(context.Context, uuid.UUID, int, string) error { return nil }
func (nopLog) UpdateStatusByProviderID(context.Context, string, notify.AttemptStatus, time.Time) error {
	return nil
}
func (nopLog) ListForNotification(context.Context, uuid.UUID) ([]*notify.DeliveryAttempt, error) {
	return nil, nil
}
func (nopLog) LatestForJob(context.Context, uuid.UUID) (*notify.DeliveryAttempt, error) {
	return nil, notify.ErrNotFound
}
func (nopLog) Stats(context.Context, time.Duration, *notify.Channel) (*notify.LogStats, error) {
	return &notify.LogStats{}, nil
}

func pushJob(userID string, p *notify.PushPayload) *notify.DeliveryJob {
	return &notify.DeliveryJob{
		ID:             uuid.New(),
		NotificationID: uuid.New(),
		UserID:         userID,
		Channel:        notify.ChannelPush,
		Payload:        notify.Payload{Push: p},
	}
}

// providerReply programs the provider: token -> error string ("" accepts).
func providerReply(messageID string, tokenErrors map[string]string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pushRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		results := make([]map[string]interface{}, 0, len(req.Tokens))
		for _, tok := range req.Tokens {
			entry := map[string]interface{}{"token": tok}
			if e := tokenErrors[tok]; e != "" {
				entry["error"] = e
			}
			results = append(results, entry)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"message_id": messageID,
			"results":    results,
		})
	}
}

type pushHarness struct {
	adapter  *Adapter
	registry *fakeRegistry
	events   *bus.Bus
}

func newPushHarness(t *testing.T, handler http.HandlerFunc) *pushHarness {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	registry := newFakeRegistry()
	events := bus.New()
	a := New(Config{BaseURL: srv.URL, APIKey: "test-key", Timeout: 2 * time.Second},
		registry, nopLog{}, events, telemetry.NewNopLogger())
	return &pushHarness{adapter: a, registry: registry, events: events}
}

func TestSendExpandsUserTokens(t *testing.T) {
	h := newPushHarness(t, providerReply("pm-1", nil))
	ctx := context.Background()
	require.NoError(t, h.registry.Register(ctx, "u1", "tok-a", "ios"))
	require.NoError(t, h.registry.Register(ctx, "u1", "tok-b", "android"))

	results := h.adapter.Send(ctx, []*notify.DeliveryJob{
		pushJob("u1", &notify.PushPayload{Title: "t", Body: "b"}),
	})
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, "pm-1", results[0].ProviderMessageID)
	assert.ElementsMatch(t, []string{"tok-a", "tok-b"}, h.registry.touched)
}

func TestSendNoDevicesIsPermanent(t *testing.T) {
	h := newPushHarness(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})

	results := h.adapter.Send(context.Background(), []*notify.DeliveryJob{
		pushJob("u-empty", &notify.PushPayload{Title: "t", Body: "b"}),
	})
	require.Len(t, results, 1)
	assert.Equal(t, apperr.KindPermanent, apperr.KindOf(results[0].Err))
}

func TestSendMissingPayload(t *testing.T) {
	h := newPushHarness(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})

	results := h.adapter.Send(context.Background(), []*notify.DeliveryJob{
		{ID: uuid.New(), UserID: "u1", Channel: notify.ChannelPush},
	})
	require.Len(t, results, 1)
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(results[0].Err))
}

func TestSendDeadTokensDeactivatedButJobSucceeds(t *testing.T) {
	h := newPushHarness(t, providerReply("pm-1", map[string]string{"tok-dead": "unregistered"}))
	ctx := context.Background()

	results := h.adapter.Send(ctx, []*notify.DeliveryJob{
		pushJob("u1", &notify.PushPayload{Tokens: []string{"tok-live", "tok-dead"}, Title: "t", Body: "b"}),
	})
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err, "one live device is enough")
	assert.Equal(t, []string{"tok-dead"}, h.registry.deactivated)
	assert.Equal(t, []string{"tok-live"}, h.registry.touched)
}

func TestSendAllTokensDeadIsPermanent(t *testing.T) {
	h := newPushHarness(t, providerReply("pm-1", map[string]string{
		"tok-a": "unregistered", "tok-b": "invalid_token",
	}))

	results := h.adapter.Send(context.Background(), []*notify.DeliveryJob{
		pushJob("u1", &notify.PushPayload{Tokens: []string{"tok-a", "tok-b"}, Title: "t", Body: "b"}),
	})
	require.Len(t, results, 1)
	assert.Equal(t, apperr.KindPermanent, apperr.KindOf(results[0].Err))
	assert.ElementsMatch(t, []string{"tok-a", "tok-b"}, h.registry.deactivated)
}

func TestSendThrottledTokensAreTransient(t *testing.T) {
	h := newPushHarness(t, providerReply("pm-1", map[string]string{
		"tok-a": "throttled", "tok-b": "internal",
	}))

	results := h.adapter.Send(context.Background(), []*notify.DeliveryJob{
		pushJob("u1", &notify.PushPayload{Tokens: []string{"tok-a", "tok-b"}, Title: "t", Body: "b"}),
	})
	require.Len(t, results, 1)
	assert.Equal(t, apperr.KindTransient, apperr.KindOf(results[0].Err))
	assert.Empty(t, h.registry.deactivated)
}

func TestSendTopicBroadcast(t *testing.T) {
	h := newPushHarness(t, providerReply("pm-topic", nil))

	results := h.adapter.Send(context.Background(), []*notify.DeliveryJob{
		pushJob("u1", &notify.PushPayload{Topic: "release-notes", Title: "t", Body: "b"}),
	})
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, "pm-topic", results[0].ProviderMessageID)
}

func TestSendServerErrorIsTransient(t *testing.T) {
	h := newPushHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	results := h.adapter.Send(context.Background(), []*notify.DeliveryJob{
		pushJob("u1", &notify.PushPayload{Tokens: []string{"tok-a"}, Title: "t", Body: "b"}),
	})
	require.Len(t, results, 1)
	assert.Equal(t, apperr.KindTransient, apperr.KindOf(results[0].Err))
}

func TestHandleProviderCallbackUnregisteredDeactivates(t *testing.T) {
	h := newPushHarness(t, providerReply("pm-1", nil))

	err := h.adapter.HandleProviderCallback(context.Background(), notify.ProviderEvent{
		Channel:           notify.ChannelPush,
		ProviderMessageID: "pm-1",
		Status:            "unregistered",
		Handle:            "tok-gone",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"tok-gone"}, h.registry.deactivated)
}

func TestHandleProviderCallbackUnknownStatus(t *testing.T) {
	h := newPushHarness(t, providerReply("pm-1", nil))

	err := h.adapter.HandleProviderCallback(context.Background(), notify.ProviderEvent{
		ProviderMessageID: "pm-1", Status: "vanished",
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
}
