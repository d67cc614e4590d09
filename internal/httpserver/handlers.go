package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/courierhq/courier/internal/adapter/inapp"
	"github.com/courierhq/courier/internal/apperr"
	"github.com/courierhq/courier/internal/notify"
	"github.com/courierhq/courier/internal/webhook"
)

// UserIDHeader carries the authenticated recipient identity, set by the
// gateway in front of this service.
const UserIDHeader = "X-User-ID"

const maxBodyBytes = 1 << 20

// InAppService is the slice of the in-app adapter the inbox endpoints use.
type InAppService interface {
	Inbox(ctx context.Context, userID string, page, limit int, unreadOnly bool) (*inapp.InboxPage, error)
	MarkRead(ctx context.Context, userID string, id uuid.UUID) error
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	Dismiss(ctx context.Context, userID string, id uuid.UUID) error
	TrackClick(ctx context.Context, userID string, id uuid.UUID) error
}

// DeviceRegistry is the slice of the push token registry the device
// endpoints use.
type DeviceRegistry interface {
	Register(ctx context.Context, userID, token, platform string) error
	Remove(ctx context.Context, token string) error
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req notify.SubmitRequest
	if !decodeBody(w, r, &req) {
		return
	}

	receipt, err := s.orchestrator.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

func (s *Server) handleSubmitBulk(w http.ResponseWriter, r *http.Request) {
	var req notify.SubmitRequest
	if !decodeBody(w, r, &req) {
		return
	}

	items, err := s.orchestrator.SubmitBulk(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"items": items})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	status, err := s.orchestrator.Status(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	cancelled, err := s.orchestrator.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": cancelled})
}

func (s *Server) handleInboxList(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	unreadOnly := r.URL.Query().Get("unread") == "true"

	result, err := s.inapp.Inbox(r.Context(), userID, page, limit, unreadOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleInboxRead(w http.ResponseWriter, r *http.Request) {
	s.inboxItemAction(w, r, s.inapp.MarkRead)
}

func (s *Server) handleInboxDismiss(w http.ResponseWriter, r *http.Request) {
	s.inboxItemAction(w, r, s.inapp.Dismiss)
}

func (s *Server) handleInboxClick(w http.ResponseWriter, r *http.Request) {
	s.inboxItemAction(w, r, s.inapp.TrackClick)
}

func (s *Server) inboxItemAction(w http.ResponseWriter, r *http.Request, action func(context.Context, string, uuid.UUID) error) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := action(r.Context(), userID, id); err != nil {
		if errors.Is(err, inapp.ErrItemNotFound) {
			writeError(w, apperr.New(apperr.KindNotFound, "inbox item not found"))
			return
		}
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInboxReadAll(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	n, err := s.inapp.MarkAllRead(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"marked_read": n})
}

func (s *Server) handleDeviceRegister(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req struct {
		Token    string `json:"token"`
		Platform string `json:"platform"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Token == "" {
		writeError(w, apperr.Invalid("token", "device token is required"))
		return
	}
	if err := s.devices.Register(r.Context(), userID, req.Token, req.Platform); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeviceRemove(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}
	token := r.PathValue("token")
	if token == "" {
		writeError(w, apperr.Invalid("token", "device token is required"))
		return
	}
	if err := s.devices.Remove(r.Context(), token); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// webhookPayload is the normalized callback body providers are configured
// to send.
type webhookPayload struct {
	ProviderMessageID string    `json:"provider_message_id"`
	Status            string    `json:"status"`
	Handle            string    `json:"handle,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	OccurredAt        time.Time `json:"occurred_at,omitempty"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	channel := notify.Channel(r.PathValue("channel"))
	if !channel.Valid() || channel == notify.ChannelInApp {
		writeError(w, apperr.Invalid("channel", "unknown webhook channel"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, apperr.Invalid("body", "unreadable request body"))
		return
	}

	err = s.verifier.Verify(string(channel), body,
		r.Header.Get(webhook.SignatureHeader), r.Header.Get(webhook.TimestampHeader))
	if err != nil {
		s.logger.WithError(err).WithField("channel", channel).Warn("webhook rejected")
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid signature"})
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, apperr.Invalid("body", "malformed callback body"))
		return
	}
	if payload.ProviderMessageID == "" || payload.Status == "" {
		writeError(w, apperr.Invalid("body", "provider_message_id and status are required"))
		return
	}

	err = s.engine.HandleProviderEvent(r.Context(), notify.ProviderEvent{
		Channel:           channel,
		ProviderMessageID: payload.ProviderMessageID,
		Status:            payload.Status,
		Handle:            payload.Handle,
		Reason:            payload.Reason,
		OccurredAt:        payload.OccurredAt,
	})
	if err != nil {
		if errors.Is(err, notify.ErrNotFound) {
			// Unknown provider id: the provider retries with backoff, and by
			// then the attempt row exists.
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown provider message id"})
			return
		}
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin enforcement happens at the gateway.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote the response
	}

	if _, err := s.hub.Register(r.Context(), userID, conn); err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Error("session registration failed")
		_ = conn.Close()
	}
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	filter := deadLetterFilter(r)
	jobs, err := s.engine.DeadLetters(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleDLQReplay(w http.ResponseWriter, r *http.Request) {
	filter := deadLetterFilter(r)
	replayed, err := s.engine.ReplayDeadLetters(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"replayed": replayed})
}

func deadLetterFilter(r *http.Request) notify.DeadLetterFilter {
	var filter notify.DeadLetterFilter
	q := r.URL.Query()
	if c := notify.Channel(q.Get("channel")); c.Valid() {
		filter.Channel = &c
	}
	if k := q.Get("kind"); k != "" {
		kind := apperr.Kind(k)
		filter.ErrorKind = &kind
	}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filter.Since = &t
		}
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit > 0 {
		filter.Limit = limit
	}
	return filter
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": s.metrics.Uptime().String(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"metrics": s.metrics.Snapshot(),
		"uptime":  s.metrics.Uptime().String(),
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, apperr.Invalid("body", "malformed request body: "+err.Error()))
		return false
	}
	return true
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get(UserIDHeader)
	if userID == "" {
		userID = r.URL.Query().Get("user_id")
	}
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing user identity"})
		return "", false
	}
	return userID, true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, apperr.Invalid(name, "malformed UUID"))
		return uuid.Nil, false
	}
	return id, true
}
