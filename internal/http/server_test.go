package httpapi

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/example/carpool-settlement/internal/dispatch"
)

func newTestServer() *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Params{
		WSReg:  dispatch.NewWSRegistry(logger),
		Logger: logger,
	})
}

func TestWSUpgradeFailureRespondsOnce(t *testing.T) {
	s := newTestServer()

	// plain GET without the websocket handshake headers
	req := httptest.NewRequest("GET", "/ws/u1", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != 400 {
		t.Fatalf("status %d, want 400 from the upgrader", rec.Code)
	}
	// the upgrader writes the rejection; the handler must not write a second
	// body on top of it
	if strings.Contains(rec.Body.String(), "upgrade failed") {
		t.Fatalf("handler wrote its own error after the upgrader responded: %q", rec.Body.String())
	}
}

func TestRequestIDEchoedOnResponse(t *testing.T) {
	s := newTestServer()

	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "req-abc" {
		t.Fatalf("X-Request-ID %q, want the caller's id echoed back", got)
	}

	// minted when the caller sends none
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("no request id minted for an anonymous request")
	}
}
