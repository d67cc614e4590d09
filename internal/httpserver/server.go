// Package httpserver exposes the producer API, inbox and device endpoints,
// provider webhooks, and the websocket attach point for in-app sessions.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/courierhq/courier/internal/adapter/inapp"
	"github.com/courierhq/courier/internal/apperr"
	"github.com/courierhq/courier/internal/config"
	"github.com/courierhq/courier/internal/metrics"
	"github.com/courierhq/courier/internal/notify"
	"github.com/courierhq/courier/internal/telemetry"
	"github.com/courierhq/courier/internal/webhook"
)

// Server wires the HTTP surface. Authentication sits in front of this
// service; handlers trust the recipient identity header.
type Server struct {
	cfg          config.Config
	orchestrator *notify.Orchestrator
	engine       *notify.Engine
	inapp        InAppService
	hub          *inapp.Hub
	devices      DeviceRegistry
	verifier     *webhook.Verifier
	metrics      *metrics.Collector
	logger       *telemetry.ContextualLogger

	httpServer *http.Server
}

// New builds the server and its routes.
func New(
	cfg config.Config,
	orchestrator *notify.Orchestrator,
	engine *notify.Engine,
	inappService InAppService,
	hub *inapp.Hub,
	devices DeviceRegistry,
	verifier *webhook.Verifier,
	collector *metrics.Collector,
	logger *telemetry.Logger,
) *Server {
	s := &Server{
		cfg:          cfg,
		orchestrator: orchestrator,
		engine:       engine,
		inapp:        inappService,
		hub:          hub,
		devices:      devices,
		verifier:     verifier,
		metrics:      collector,
		logger:       logger.Component("http"),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/notifications", s.handleSubmit)
	mux.HandleFunc("POST /v1/notifications/bulk", s.handleSubmitBulk)
	mux.HandleFunc("GET /v1/notifications/{id}", s.handleStatus)
	mux.HandleFunc("DELETE /v1/notifications/{id}", s.handleCancel)

	mux.HandleFunc("GET /v1/inbox", s.handleInboxList)
	mux.HandleFunc("POST /v1/inbox/read-all", s.handleInboxReadAll)
	mux.HandleFunc("POST /v1/inbox/{id}/read", s.handleInboxRead)
	mux.HandleFunc("POST /v1/inbox/{id}/dismiss", s.handleInboxDismiss)
	mux.HandleFunc("POST /v1/inbox/{id}/click", s.handleInboxClick)

	mux.HandleFunc("POST /v1/devices", s.handleDeviceRegister)
	mux.HandleFunc("DELETE /v1/devices/{token}", s.handleDeviceRemove)

	mux.HandleFunc("POST /v1/webhooks/{channel}", s.handleWebhook)
	mux.HandleFunc("GET /v1/ws", s.handleWebSocket)

	mux.HandleFunc("GET /v1/queues", s.handleQueueStats)
	mux.HandleFunc("GET /v1/dlq", s.handleDeadLetters)
	mux.HandleFunc("POST /v1/dlq/replay", s.handleDLQReplay)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	s.httpServer = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      s.logging(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}
	return s
}

// ListenAndServe blocks serving until the server is shut down.
func (s *Server) ListenAndServe() error {
	s.logger.WithField("addr", s.cfg.HTTPAddr).Info("http server listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// logging wraps the mux with request logging and a correlation ID.
func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = telemetry.NewCorrelationID()
		}
		ctx := telemetry.WithCorrelationID(r.Context(), correlationID)
		w.Header().Set("X-Correlation-ID", correlationID)

		next.ServeHTTP(w, r.WithContext(ctx))

		s.logger.WithFields(map[string]interface{}{
			"method":         r.Method,
			"path":           r.URL.Path,
			"duration_ms":    time.Since(start).Milliseconds(),
			"correlation_id": correlationID,
		}).Debug("request handled")
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindInvalidInput, apperr.KindTemplateNotFound, apperr.KindTemplateInactive, apperr.KindInvalidHandle:
		status = http.StatusBadRequest
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindConflict:
		status = http.StatusConflict
	case apperr.KindRateLimited:
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: string(apperr.KindOf(err))})
}
