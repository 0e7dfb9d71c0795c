package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/carpool-settlement/internal/conflict"
	"github.com/example/carpool-settlement/internal/dispatch"
	"github.com/example/carpool-settlement/internal/escrow"
	"github.com/example/carpool-settlement/internal/ledger"
	"github.com/example/carpool-settlement/internal/settlement"
)

// Server exposes the settlement engine over HTTP: trip verification,
// reservation cancellation, balance reads and the settlement-push websocket.
type Server struct {
	Coordinator *settlement.Coordinator
	Resolver    *conflict.Resolver
	Ledger      *ledger.Ledger
	Escrows     *escrow.Manager
	WSReg       *dispatch.WSRegistry

	logger *slog.Logger
	mux    *mux.Router
}

type Params struct {
	Coordinator *settlement.Coordinator
	Resolver    *conflict.Resolver
	Ledger      *ledger.Ledger
	Escrows     *escrow.Manager
	WSReg       *dispatch.WSRegistry
	Logger      *slog.Logger
}

func New(p Params) *Server {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Coordinator: p.Coordinator,
		Resolver:    p.Resolver,
		Ledger:      p.Ledger,
		Escrows:     p.Escrows,
		WSReg:       p.WSReg,
		logger:      logger,
		mux:         mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/trips/{reservation_id}/verify", s.handleVerifyTrip).Methods("POST")
	s.mux.HandleFunc("/api/v1/reservations/{id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/wallets/{user_id}/balance", s.handleWalletBalance).Methods("GET")
	s.mux.HandleFunc("/api/v1/escrows/{id}/totals", s.handleEscrowTotals).Methods("GET")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["user_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already wrote the HTTP error response
		s.logger.Warn("ws upgrade failed", "user_id", id, "error", err)
		return
	}
	sess := s.WSReg.Add(id, conn)
	// drain reads so we notice the peer going away; removal is scoped to this
	// session so it cannot evict a reconnect that replaced it
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.WSReg.Remove(id, sess)
				conn.Close()
				return
			}
		}
	}()
}
