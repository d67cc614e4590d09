package inapp

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierhq/courier/internal/apperr"
	"github.com/courierhq/courier/internal/bus"
	"github.com/courierhq/courier/internal/config"
	"github.com/courierhq/courier/internal/notify"
	"github.com/courierhq/courier/internal/telemetry"
)

type fakeInbox struct {
	mu     sync.Mutex
	items  map[uuid.UUID]*InboxItem
	addErr error
}

func newFakeInbox() *fakeInbox {
	return &fakeInbox{items: make(map[uuid.UUID]*InboxItem)}
}

func (f *fakeInbox) Add(_ context.Context, item *InboxItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	copied := *item
	f.items[item.ID] = &copied
	return nil
}

func (f *fakeInbox) List(_ context.Context, userID string, _, _ int, unreadOnly bool) (*InboxPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	page := &InboxPage{}
	for _, item := range f.items {
		if item.UserID != userID || item.Dismissed {
			continue
		}
		if !item.Read {
			page.UnreadCount++
		}
		if unreadOnly && item.Read {
			continue
		}
		page.Items = append(page.Items, item)
		page.Total++
	}
	sort.Slice(page.Items, func(i, j int) bool {
		return page.Items[i].CreatedAt.After(page.Items[j].CreatedAt)
	})
	return page, nil
}

func (f *fakeInbox) Backlog(_ context.Context, userID string, limit int) ([]*InboxItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*InboxItem
	for _, item := range f.items {
		if item.UserID == userID && !item.Read && !item.Dismissed {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeInbox) MarkRead(_ context.Context, userID string, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok || item.UserID != userID {
		return ErrItemNotFound
	}
	item.Read = true
	return nil
}

func (f *fakeInbox) MarkAllRead(_ context.Context, userID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, item := range f.items {
		if item.UserID == userID && !item.Read && !item.Dismissed {
			item.Read = true
			n++
		}
	}
	return n, nil
}

func (f *fakeInbox) Dismiss(_ context.Context, userID string, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok || item.UserID != userID {
		return ErrItemNotFound
	}
	item.Dismissed = true
	item.Read = true
	return nil
}

func (f *fakeInbox) TrackClick(_ context.Context, userID string, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok || item.UserID != userID {
		return ErrItemNotFound
	}
	now := time.Now()
	item.ClickedAt = &now
	item.Read = true
	return nil
}

func (f *fakeInbox) SweepExpired(_ context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, item := range f.items {
		if item.ExpiresAt != nil && item.ExpiresAt.Before(now) {
			delete(f.items, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeInbox) item(id uuid.UUID) *InboxItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items[id]
}

type recordingLog struct {
	mu      sync.Mutex
	updates map[string]notify.AttemptStatus
	err     error
}

func newRecordingLog() *recordingLog {
	return &recordingLog{updates: make(map[string]notify.AttemptStatus)}
}

func (l *recordingLog) Append(context.Context, *notify.DeliveryAttempt) error { return nil }
func (l *recordingLog) Advance(context.Context, uuid.UUID, int, notify.AttemptStatus, time.Time) error {
	return nil
}
func (l *recordingLog) FailAttempt(context.Context, uuid.UUID, int, apperr.Kind, string, time.Time) error {
	return nil
}
func (l *recordingLog) SetProviderMessageID(context.Context, uuid.UUID, int, string) error {
	return nil
}

func (l *recordingLog) UpdateStatusByProviderID(_ context.Context, providerMessageID string, status notify.AttemptStatus, _ time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.updates[providerMessageID] = status
	return nil
}

func (l *recordingLog) ListForNotification(context.Context, uuid.UUID) ([]*notify.DeliveryAttempt, error) {
	return nil, nil
}
func (l *recordingLog) LatestForJob(context.Context, uuid.UUID) (*notify.DeliveryAttempt, error) {
	return nil, notify.ErrNotFound
}
func (l *recordingLog) Stats(context.Context, time.Duration, *notify.Channel) (*notify.LogStats, error) {
	return &notify.LogStats{}, nil
}

func (l *recordingLog) status(providerID string) (notify.AttemptStatus, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.updates[providerID]
	return s, ok
}

func testSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		IdleTimeout:      5 * time.Second,
		ReconnectBacklog: 50,
		WriteTimeout:     2 * time.Second,
		PingInterval:     time.Hour,
	}
}

type inappHarness struct {
	adapter *Adapter
	inbox   *fakeInbox
	hub     *Hub
	dlog    *recordingLog
}

func newInAppHarness(t *testing.T) *inappHarness {
	t.Helper()
	inbox := newFakeInbox()
	dlog := newRecordingLog()
	hub := NewHub(testSessionConfig(), inbox, bus.New(), telemetry.NewNopLogger())
	t.Cleanup(hub.Close)
	return &inappHarness{
		adapter: New(inbox, hub, dlog, telemetry.NewNopLogger()),
		inbox:   inbox,
		hub:     hub,
		dlog:    dlog,
	}
}

func inAppJob(userID string) *notify.DeliveryJob {
	return &notify.DeliveryJob{
		ID:             uuid.New(),
		NotificationID: uuid.New(),
		UserID:         userID,
		Channel:        notify.ChannelInApp,
		Payload: notify.Payload{InApp: &notify.InAppPayload{
			Title: "Shipped", Body: "Order 42 is on its way", ActionURL: "/orders/42",
		}},
	}
}

func TestSendStoresInboxItem(t *testing.T) {
	h := newInAppHarness(t)
	job := inAppJob("u1")

	results := h.adapter.Send(context.Background(), []*notify.DeliveryJob{job})
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)

	itemID, err := uuid.Parse(results[0].ProviderMessageID)
	require.NoError(t, err, "the item id doubles as the provider message id")

	item := h.inbox.item(itemID)
	require.NotNil(t, item)
	assert.Equal(t, "u1", item.UserID)
	assert.Equal(t, job.NotificationID, item.NotificationID)
	assert.Equal(t, "Shipped", item.Title)
	assert.Equal(t, "/orders/42", item.ActionURL)
	assert.False(t, item.Read)
}

func TestSendMissingPayload(t *testing.T) {
	h := newInAppHarness(t)

	results := h.adapter.Send(context.Background(), []*notify.DeliveryJob{
		{ID: uuid.New(), UserID: "u1", Channel: notify.ChannelInApp},
	})
	require.Len(t, results, 1)
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(results[0].Err))
}

func TestSendInboxWriteFailureIsTransient(t *testing.T) {
	h := newInAppHarness(t)
	h.inbox.addErr = errors.New("connection reset")

	results := h.adapter.Send(context.Background(), []*notify.DeliveryJob{inAppJob("u1")})
	require.Len(t, results, 1)
	assert.Equal(t, apperr.KindTransient, apperr.KindOf(results[0].Err))
}

func TestHandleProviderCallbackStatuses(t *testing.T) {
	h := newInAppHarness(t)
	ctx := context.Background()

	tests := []struct {
		client string
		want   notify.AttemptStatus
	}{
		{"delivered", notify.AttemptDelivered},
		{"read", notify.AttemptOpened},
		{"clicked", notify.AttemptClicked},
		{"dismissed", notify.AttemptDismissed},
	}

	for _, tc := range tests {
		id := uuid.New().String()
		require.NoError(t, h.adapter.HandleProviderCallback(ctx, notify.ProviderEvent{
			Channel: notify.ChannelInApp, ProviderMessageID: id, Status: tc.client,
		}))
		got, ok := h.dlog.status(id)
		require.True(t, ok, tc.client)
		assert.Equal(t, tc.want, got, tc.client)
	}
}

func TestHandleProviderCallbackUnknownStatus(t *testing.T) {
	h := newInAppHarness(t)

	err := h.adapter.HandleProviderCallback(context.Background(), notify.ProviderEvent{
		ProviderMessageID: uuid.New().String(), Status: "glanced",
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
}

func TestHandleProviderCallbackToleratesOutOfOrder(t *testing.T) {
	h := newInAppHarness(t)
	h.dlog.err = notify.ErrRegression

	err := h.adapter.HandleProviderCallback(context.Background(), notify.ProviderEvent{
		ProviderMessageID: uuid.New().String(), Status: "delivered",
	})
	assert.NoError(t, err)
}

func TestMarkReadAdvancesDeliveryLog(t *testing.T) {
	h := newInAppHarness(t)
	ctx := context.Background()

	results := h.adapter.Send(ctx, []*notify.DeliveryJob{inAppJob("u1")})
	require.NoError(t, results[0].Err)
	itemID := uuid.MustParse(results[0].ProviderMessageID)

	require.NoError(t, h.adapter.MarkRead(ctx, "u1", itemID))
	assert.True(t, h.inbox.item(itemID).Read)

	got, ok := h.dlog.status(itemID.String())
	require.True(t, ok)
	assert.Equal(t, notify.AttemptOpened, got)
}

func TestMarkReadUnknownItem(t *testing.T) {
	h := newInAppHarness(t)

	err := h.adapter.MarkRead(context.Background(), "u1", uuid.New())
	assert.ErrorIs(t, err, ErrItemNotFound)
	assert.Empty(t, h.dlog.updates, "the delivery log is untouched when the inbox write fails")
}

func TestMarkReadOtherUsersItem(t *testing.T) {
	h := newInAppHarness(t)
	ctx := context.Background()

	results := h.adapter.Send(ctx, []*notify.DeliveryJob{inAppJob("u1")})
	itemID := uuid.MustParse(results[0].ProviderMessageID)

	err := h.adapter.MarkRead(ctx, "u2", itemID)
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestDismissAdvancesDeliveryLog(t *testing.T) {
	h := newInAppHarness(t)
	ctx := context.Background()

	results := h.adapter.Send(ctx, []*notify.DeliveryJob{inAppJob("u1")})
	itemID := uuid.MustParse(results[0].ProviderMessageID)

	require.NoError(t, h.adapter.Dismiss(ctx, "u1", itemID))
	assert.True(t, h.inbox.item(itemID).Dismissed)

	got, ok := h.dlog.status(itemID.String())
	require.True(t, ok)
	assert.Equal(t, notify.AttemptDismissed, got)
}

func TestTrackClickAdvancesDeliveryLog(t *testing.T) {
	h := newInAppHarness(t)
	ctx := context.Background()

	results := h.adapter.Send(ctx, []*notify.DeliveryJob{inAppJob("u1")})
	itemID := uuid.MustParse(results[0].ProviderMessageID)

	require.NoError(t, h.adapter.TrackClick(ctx, "u1", itemID))
	require.NotNil(t, h.inbox.item(itemID).ClickedAt)

	got, ok := h.dlog.status(itemID.String())
	require.True(t, ok)
	assert.Equal(t, notify.AttemptClicked, got)
}

func TestMarkAllReadSkipsDeliveryLog(t *testing.T) {
	h := newInAppHarness(t)
	ctx := context.Background()

	h.adapter.Send(ctx, []*notify.DeliveryJob{inAppJob("u1"), inAppJob("u1"), inAppJob("u2")})

	n, err := h.adapter.MarkAllRead(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Empty(t, h.dlog.updates, "bulk reads leave the delivery log alone")
}

func TestInboxUnreadFilter(t *testing.T) {
	h := newInAppHarness(t)
	ctx := context.Background()

	results := h.adapter.Send(ctx, []*notify.DeliveryJob{inAppJob("u1"), inAppJob("u1")})
	require.NoError(t, h.adapter.MarkRead(ctx, "u1", uuid.MustParse(results[0].ProviderMessageID)))

	page, err := h.adapter.Inbox(ctx, "u1", 1, 20, true)
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
	assert.Equal(t, int64(1), page.UnreadCount)
}
