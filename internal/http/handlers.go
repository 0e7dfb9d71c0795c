package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/carpool-settlement/internal/escrow"
	"github.com/example/carpool-settlement/internal/ledger"
	"github.com/example/carpool-settlement/internal/reservations"
	"github.com/example/carpool-settlement/internal/settlement"
)

// apiError is the structured error body. Code categories: 4xxxx are
// client-correctable conditions, 5xxxx are system conditions worth a retry
// later.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	codeInvalidRequest    = 40001
	codeInsufficientFunds = 40002
	codeNotSettleable     = 40003
	codeNotFound          = 40004
	codeConflict          = 40901
	codeIntegrity         = 50001
	codeUpstream          = 50002
	codeInternal          = 50099
)

func (s *Server) writeError(w http.ResponseWriter, status int, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{Code: code, Message: msg})
}

// mapError translates the engine error taxonomy onto HTTP. Server-side
// conditions are logged with the request id so the access log line and the
// error line can be joined.
func (s *Server) mapError(w http.ResponseWriter, r *http.Request, err error) {
	rid := requestIDFromContext(r.Context())
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		s.writeError(w, http.StatusPaymentRequired, codeInsufficientFunds, "insufficient balance")
	case errors.Is(err, ledger.ErrUnknownAccount):
		s.logger.Error("ledger integrity error", "error", err, "request_id", rid)
		s.writeError(w, http.StatusInternalServerError, codeIntegrity, "account integrity error")
	case errors.Is(err, ledger.ErrUpstreamUnavailable):
		s.logger.Warn("payment gateway unavailable", "error", err, "request_id", rid)
		s.writeError(w, http.StatusBadGateway, codeUpstream, "payment gateway unavailable, retry later")
	case errors.Is(err, settlement.ErrConflict):
		s.writeError(w, http.StatusConflict, codeConflict, "settlement in progress, retry later")
	case errors.Is(err, settlement.ErrNotSettleable):
		s.writeError(w, http.StatusUnprocessableEntity, codeNotSettleable, err.Error())
	case errors.Is(err, reservations.ErrNotFound):
		s.writeError(w, http.StatusNotFound, codeNotFound, "reservation not found")
	case errors.Is(err, escrow.ErrNotFound):
		s.writeError(w, http.StatusNotFound, codeNotFound, "escrow not found")
	case errors.Is(err, reservations.ErrInvalidTransition):
		s.writeError(w, http.StatusUnprocessableEntity, codeNotSettleable, err.Error())
	default:
		s.logger.Error("request failed", "error", err, "request_id", rid)
		s.writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

func (s *Server) handleVerifyTrip(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["reservation_id"]
	if id == "" {
		s.writeError(w, http.StatusBadRequest, codeInvalidRequest, "missing reservation id")
		return
	}
	report, err := s.Coordinator.VerifyTrip(r.Context(), id)
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid body")
		return
	}
	if err := s.Resolver.CancelReservation(r.Context(), id, body.Reason); err != nil {
		s.mapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWalletBalance(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	balance, err := s.Ledger.Balance(r.Context(), ledger.WalletAccountID(userID))
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"user_id": userID, "balance": balance})
}

func (s *Server) handleEscrowTotals(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	totals, err := s.Escrows.Totals(r.Context(), id)
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(totals)
}
