package dispatch

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/carpool-settlement/internal/models"
)

// WSSession is one connected user app waiting for settlement pushes.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// WSRegistry holds user sessions keyed by user id. Notification is
// best-effort: a user with no open session simply misses the push and sees
// the result on next app open.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{sessions: make(map[string]*WSSession), logger: logger}
}

// Add registers the connection as the user's current session, displacing any
// previous one, and returns the session handle for Remove.
func (r *WSRegistry) Add(userID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[userID] = s
	return s
}

// Remove drops the session only while it is still the user's current one. A
// read pump reporting a dead connection after the user reconnected must not
// evict the newer session.
func (r *WSRegistry) Remove(userID string, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[userID] == s {
		delete(r.sessions, userID)
	}
}

// Notify pushes a settlement event to the user's open session, if any.
func (r *WSRegistry) Notify(userID string, ev models.SettlementEvent) {
	r.push(userID, map[string]any{"type": "settlement", "event": ev})
}

// NotifyCancellation tells a partner their reservation was canceled or
// repealed underneath them.
func (r *WSRegistry) NotifyCancellation(userID, reservationID, reason string) {
	r.push(userID, map[string]any{
		"type":           "cancellation",
		"reservation_id": reservationID,
		"reason":         reason,
	})
}

func (r *WSRegistry) push(userID string, payload any) {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if err := s.send(payload); err != nil {
		r.logger.Warn("ws push failed", "user_id", userID, "error", err)
		r.Remove(userID, s)
	}
}
