package inapp

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/courierhq/courier/internal/bus"
	"github.com/courierhq/courier/internal/config"
	"github.com/courierhq/courier/internal/telemetry"
)

// Frame is the websocket envelope pushed to clients.
type Frame struct {
	Type  string       `json:"type"` // notification | backlog
	Item  *InboxItem   `json:"item,omitempty"`
	Items []*InboxItem `json:"items,omitempty"`
}

// Session is one live websocket connection of a user. A user can hold many
// sessions (tabs, devices); fan-out reaches all of them.
type Session struct {
	ID          string
	UserID      string
	ConnectedAt time.Time

	conn *websocket.Conn
	send chan Frame
	hub  *Hub
	once sync.Once

	// stopped is guarded by the hub mutex. Set before send closes, so every
	// queue write ordered by the mutex sees it and skips the session.
	stopped bool
}

// Hub is the in-memory session registry. Everything mutating the registry
// runs under one mutex; fan-out only copies session pointers under it.
type Hub struct {
	cfg    config.SessionConfig
	inbox  InboxStore
	events *bus.Bus
	logger *telemetry.ContextualLogger

	mu       sync.Mutex
	sessions map[string]*Session            // session ID -> session
	byUser   map[string]map[string]*Session // user ID -> session ID -> session
	closed   bool
}

// NewHub creates a session hub.
func NewHub(cfg config.SessionConfig, inbox InboxStore, events *bus.Bus, logger *telemetry.Logger) *Hub {
	return &Hub{
		cfg:      cfg,
		inbox:    inbox,
		events:   events,
		logger:   logger.Component("inapp.hub"),
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]*Session),
	}
}

// Register attaches an upgraded websocket connection as a new session,
// starts its pumps, and replays the unread backlog. The session joins the
// fan-out tables before the backlog is read, so an item stored in the gap is
// both pushed and replayed; the write pump dedupes by item ID and each item
// reaches the client exactly once.
func (h *Hub) Register(ctx context.Context, userID string, conn *websocket.Conn) (*Session, error) {
	s := &Session{
		ID:          uuid.New().String(),
		UserID:      userID,
		ConnectedAt: time.Now(),
		conn:        conn,
		send:        make(chan Frame, 32),
		hub:         h,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return nil, context.Canceled
	}
	h.sessions[s.ID] = s
	if h.byUser[userID] == nil {
		h.byUser[userID] = make(map[string]*Session)
	}
	h.byUser[userID][s.ID] = s
	h.mu.Unlock()

	backlog, err := h.inbox.Backlog(ctx, userID, h.cfg.ReconnectBacklog)
	if err != nil {
		s.close()
		return nil, err
	}

	if len(backlog) > 0 {
		h.sendFrame(s, Frame{Type: "backlog", Items: backlog})
	}

	go s.writePump()
	go s.readPump()

	h.events.Publish(bus.Event{Type: bus.EventSessionConnected, Channel: "in_app", UserID: userID})
	h.logger.WithFields(map[string]interface{}{
		"user_id": userID, "session_id": s.ID, "backlog": len(backlog),
	}).Debug("session registered")
	return s, nil
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s.ID)
	if userSessions, ok := h.byUser[s.UserID]; ok {
		delete(userSessions, s.ID)
		if len(userSessions) == 0 {
			delete(h.byUser, s.UserID)
		}
	}
	h.mu.Unlock()

	h.events.Publish(bus.Event{Type: bus.EventSessionClosed, Channel: "in_app", UserID: s.UserID})
}

// Push fans an item out to every active session of a user and returns how
// many sessions took it. A session too slow to keep up is closed rather than
// allowed to stall the rest.
func (h *Hub) Push(userID string, item *InboxItem) int {
	frame := Frame{Type: "notification", Item: item}

	h.mu.Lock()
	delivered := 0
	var slow []*Session
	for _, s := range h.byUser[userID] {
		if s.stopped {
			continue
		}
		select {
		case s.send <- frame:
			delivered++
		default:
			slow = append(slow, s)
		}
	}
	h.mu.Unlock()

	for _, s := range slow {
		h.logger.WithField("session_id", s.ID).Warn("session send queue full; closing")
		s.close()
	}
	return delivered
}

// sendFrame queues a frame without blocking. The mutex orders the write
// against close, so a closing session is skipped, never sent to.
func (h *Hub) sendFrame(s *Session, f Frame) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.stopped {
		return false
	}
	select {
	case s.send <- f:
		return true
	default:
		return false
	}
}

// SessionCount returns the number of active sessions for a user.
func (h *Hub) SessionCount(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byUser[userID])
}

// Close shuts down every session.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

func (s *Session) close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		s.stopped = true
		s.hub.mu.Unlock()
		close(s.send)
		s.hub.unregister(s)
	})
}

// writePump drains the send queue onto the wire and keeps the connection
// alive with pings. Items the session has already been sent are dropped: a
// freshly stored item can arrive both in the reconnect backlog and through
// the fan-out, and the client must see it once.
func (s *Session) writePump() {
	ping := time.NewTicker(s.hub.cfg.PingInterval)
	defer func() {
		ping.Stop()
		_ = s.conn.Close()
	}()

	seen := make(map[uuid.UUID]struct{})
	for {
		select {
		case frame, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteTimeout))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			frame, skip := dedupeFrame(frame, seen)
			if skip {
				continue
			}
			if err := s.conn.WriteJSON(frame); err != nil {
				s.close()
				return
			}
		case <-ping.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		}
	}
}

// dedupeFrame filters items already written to this session. Returns the
// frame to write and whether to skip it entirely.
func dedupeFrame(f Frame, seen map[uuid.UUID]struct{}) (Frame, bool) {
	switch f.Type {
	case "notification":
		if f.Item == nil {
			return f, false
		}
		if _, dup := seen[f.Item.ID]; dup {
			return f, true
		}
		seen[f.Item.ID] = struct{}{}
	case "backlog":
		fresh := make([]*InboxItem, 0, len(f.Items))
		for _, item := range f.Items {
			if _, dup := seen[item.ID]; dup {
				continue
			}
			seen[item.ID] = struct{}{}
			fresh = append(fresh, item)
		}
		if len(fresh) == 0 {
			return f, true
		}
		f.Items = fresh
	}
	return f, false
}

// readPump enforces the idle timeout: pongs and client messages extend the
// read deadline; a silent connection is dropped.
func (s *Session) readPump() {
	defer s.close()

	idle := s.hub.cfg.IdleTimeout
	_ = s.conn.SetReadDeadline(time.Now().Add(idle))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(idle))
	})
	s.conn.SetReadLimit(4096)

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(idle))
	}
}
