package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierhq/courier/internal/adapter/inapp"
	"github.com/courierhq/courier/internal/apperr"
	"github.com/courierhq/courier/internal/config"
	"github.com/courierhq/courier/internal/metrics"
	"github.com/courierhq/courier/internal/telemetry"
	"github.com/courierhq/courier/internal/webhook"
)

type fakeInApp struct {
	page    *inapp.InboxPage
	read    []uuid.UUID
	readAll int64
	err     error
}

func (f *fakeInApp) Inbox(context.Context, string, int, int, bool) (*inapp.InboxPage, error) {
	return f.page, f.err
}

func (f *fakeInApp) MarkRead(_ context.Context, _ string, id uuid.UUID) error {
	if f.err != nil {
		return f.err
	}
	f.read = append(f.read, id)
	return nil
}

func (f *fakeInApp) MarkAllRead(context.Context, string) (int64, error) {
	return f.readAll, f.err
}

func (f *fakeInApp) Dismiss(_ context.Context, _ string, id uuid.UUID) error  { return f.err }
func (f *fakeInApp) TrackClick(_ context.Context, _ string, id uuid.UUID) error { return f.err }

type fakeDevices struct {
	registered map[string]string // token -> platform
	removed    []string
}

func (f *fakeDevices) Register(_ context.Context, _, token, platform string) error {
	if f.registered == nil {
		f.registered = make(map[string]string)
	}
	f.registered[token] = platform
	return nil
}

func (f *fakeDevices) Remove(_ context.Context, token string) error {
	f.removed = append(f.removed, token)
	return nil
}

type serverHarness struct {
	server  *Server
	inapp   *fakeInApp
	devices *fakeDevices
}

// newServerHarness builds the server around fakes. Handlers that need the
// orchestrator or engine are exercised in their own packages; these tests
// cover routing, identity, and the webhook gate.
func newServerHarness(t *testing.T) *serverHarness {
	t.Helper()
	cfg := config.Default()
	cfg.Webhook.EmailSecret = "email-secret"
	cfg.Webhook.SMSSecret = "sms-secret"

	inappSvc := &fakeInApp{page: &inapp.InboxPage{UnreadCount: 2}}
	devices := &fakeDevices{}
	s := New(cfg, nil, nil, inappSvc, nil, devices,
		webhook.NewVerifier(cfg.Webhook), metrics.NewCollector(), telemetry.NewNopLogger())
	return &serverHarness{server: s, inapp: inappSvc, devices: devices}
}

func (h *serverHarness) do(t *testing.T, method, path, userID, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if userID != "" {
		req.Header.Set(UserIDHeader, userID)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.server.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestInboxListRequiresIdentity(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(t, http.MethodGet, "/v1/inbox", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInboxList(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(t, http.MethodGet, "/v1/inbox?unread=true", "u1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var page inapp.InboxPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, int64(2), page.UnreadCount)
}

func TestInboxReadMalformedID(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/inbox/not-a-uuid/read", "u1", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInboxReadUnknownItem(t *testing.T) {
	h := newServerHarness(t)
	h.inapp.err = inapp.ErrItemNotFound

	rec := h.do(t, http.MethodPost, "/v1/inbox/"+uuid.New().String()+"/read", "u1", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInboxRead(t *testing.T) {
	h := newServerHarness(t)
	id := uuid.New()

	rec := h.do(t, http.MethodPost, "/v1/inbox/"+id.String()+"/read", "u1", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, h.inapp.read, 1)
	assert.Equal(t, id, h.inapp.read[0])
}

func TestInboxReadAll(t *testing.T) {
	h := newServerHarness(t)
	h.inapp.readAll = 7

	rec := h.do(t, http.MethodPost, "/v1/inbox/read-all", "u1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"marked_read":7}`, rec.Body.String())
}

func TestDeviceRegister(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/devices", "u1", `{"token":"tok-1","platform":"ios"}`, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "ios", h.devices.registered["tok-1"])
}

func TestDeviceRegisterMissingToken(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/devices", "u1", `{"platform":"ios"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, h.devices.registered)
}

func TestDeviceRegisterRejectsUnknownFields(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/devices", "u1", `{"token":"tok-1","extra":true}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeviceRemove(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(t, http.MethodDelete, "/v1/devices/tok-1", "u1", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"tok-1"}, h.devices.removed)
}

func webhookHeaders(secret, body string) map[string]string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	return map[string]string{
		webhook.SignatureHeader: webhook.Sign(secret, []byte(body), ts),
		webhook.TimestampHeader: ts,
	}
}

func TestWebhookUnknownChannel(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/webhooks/fax", "", "{}", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookInAppChannelRefused(t *testing.T) {
	h := newServerHarness(t)

	// In-app acknowledgements come over the authenticated client API, never
	// the provider webhook.
	rec := h.do(t, http.MethodPost, "/v1/webhooks/in_app", "", "{}", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookMissingSignature(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/webhooks/email", "", `{"status":"delivered"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookBadSignature(t *testing.T) {
	h := newServerHarness(t)
	body := `{"provider_message_id":"em-1","status":"delivered"}`

	rec := h.do(t, http.MethodPost, "/v1/webhooks/email", "", body,
		webhookHeaders("wrong-secret", body))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookSignedButMalformedBody(t *testing.T) {
	h := newServerHarness(t)
	body := `{"provider_message_id":`

	rec := h.do(t, http.MethodPost, "/v1/webhooks/email", "", body,
		webhookHeaders("email-secret", body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookSignedButIncomplete(t *testing.T) {
	h := newServerHarness(t)
	body := `{"status":"delivered"}`

	rec := h.do(t, http.MethodPost, "/v1/webhooks/sms", "", body,
		webhookHeaders("sms-secret", body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(t, http.MethodGet, "/healthz", "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestCorrelationIDEchoed(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(t, http.MethodGet, "/healthz", "", "", map[string]string{
		"X-Correlation-ID": "corr-42",
	})
	assert.Equal(t, "corr-42", rec.Header().Get("X-Correlation-ID"))

	rec = h.do(t, http.MethodGet, "/healthz", "", "", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"), "one is minted when absent")
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperr.Invalid("user_id", "required"), http.StatusBadRequest},
		{apperr.TemplateNotFound("t1", "email"), http.StatusBadRequest},
		{apperr.InvalidHandle("bad number"), http.StatusBadRequest},
		{apperr.New(apperr.KindNotFound, "missing"), http.StatusNotFound},
		{apperr.New(apperr.KindConflict, "duplicate"), http.StatusConflict},
		{apperr.RateLimited("email", time.Minute), http.StatusTooManyRequests},
		{apperr.Internal("boom", nil), http.StatusInternalServerError},
		{apperr.Persistence("insert", nil), http.StatusInternalServerError},
	}

	for _, tc := range tests {
		rec := httptest.NewRecorder()
		writeError(rec, tc.err)
		assert.Equal(t, tc.want, rec.Code, tc.err.Error())

		var resp errorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp.Kind)
	}
}
