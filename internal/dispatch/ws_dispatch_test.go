package dispatch

import (
	"testing"

	"github.com/gorilla/websocket"
)

func registered(r *WSRegistry, userID string) *WSSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[userID]
}

func TestRemoveIsScopedToSession(t *testing.T) {
	r := NewWSRegistry(nil)

	first := r.Add("u1", &websocket.Conn{})
	second := r.Add("u1", &websocket.Conn{}) // reconnect displaces the first

	// the first connection's read pump reports the old session dead
	r.Remove("u1", first)
	if got := registered(r, "u1"); got != second {
		t.Fatal("stale session removal evicted the reconnected session")
	}

	r.Remove("u1", second)
	if registered(r, "u1") != nil {
		t.Fatal("current session not removed")
	}
}

func TestRemoveUnknownSessionIsNoop(t *testing.T) {
	r := NewWSRegistry(nil)
	current := r.Add("u1", &websocket.Conn{})

	r.Remove("u1", &WSSession{})
	if registered(r, "u1") != current {
		t.Fatal("removing a never-registered session touched the registry")
	}
}
