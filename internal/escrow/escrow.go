package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/carpool-settlement/internal/ledger"
	"github.com/example/carpool-settlement/internal/models"
)

// Store persists escrow metadata. The money itself lives in the ledger; an
// escrow row only points at its backing account.
type Store interface {
	Create(ctx context.Context, esc models.EscrowAccount) error
	ByID(ctx context.Context, id string) (models.EscrowAccount, error)
	ByReservation(ctx context.Context, userID, reservationID string) (models.EscrowAccount, bool, error)
	SetStatus(ctx context.Context, id string, status models.EscrowStatus) error
}

// Manager opens escrow accounts and moves funds in and out through the
// double-entry ledger. All amounts it posts are tagged with the escrow id so
// Totals can be derived purely from the entry log.
type Manager struct {
	ledger *ledger.Ledger
	store  Store
}

func NewManager(l *ledger.Ledger, store Store) *Manager {
	return &Manager{ledger: l, store: store}
}

// AddEscrow returns the escrow for (user, reservation), creating it and its
// backing ledger account on first call. Never creates a duplicate.
func (m *Manager) AddEscrow(ctx context.Context, userID, reservationID, offerID, tripID string) (models.EscrowAccount, error) {
	if existing, ok, err := m.store.ByReservation(ctx, userID, reservationID); err != nil {
		return models.EscrowAccount{}, err
	} else if ok {
		return existing, nil
	}
	esc := models.EscrowAccount{
		ID:            uuid.NewString(),
		UserID:        userID,
		ReservationID: reservationID,
		OfferID:       offerID,
		TripID:        tripID,
		Status:        models.EscrowOpen,
		CreatedAt:     time.Now(),
	}
	esc.AccountID = "escrow:" + esc.ID
	if err := m.ledger.RegisterEscrowAccount(ctx, esc.AccountID, userID); err != nil {
		return models.EscrowAccount{}, err
	}
	if err := m.store.Create(ctx, esc); err != nil {
		// lost a create race; the winner's row is the escrow
		if existing, ok, lookupErr := m.store.ByReservation(ctx, userID, reservationID); lookupErr == nil && ok {
			return existing, nil
		}
		return models.EscrowAccount{}, err
	}
	return esc, nil
}

func (m *Manager) ByID(ctx context.Context, escrowID string) (models.EscrowAccount, error) {
	return m.store.ByID(ctx, escrowID)
}

// ByReservation looks up the escrow for (user, reservation) without creating it.
func (m *Manager) ByReservation(ctx context.Context, userID, reservationID string) (models.EscrowAccount, bool, error) {
	return m.store.ByReservation(ctx, userID, reservationID)
}

// Fund moves money from the user's wallet into the escrow. Only income
// activity types are accepted.
func (m *Manager) Fund(ctx context.Context, esc models.EscrowAccount, amount decimal.Decimal, activity models.ActivityType, idemKey string) (ledger.PostResult, error) {
	if !activity.Income() {
		return ledger.PostResult{}, fmt.Errorf("activity %s is not an escrow income type", activity)
	}
	return m.ledger.Post(ctx, ledger.PostRequest{
		IdempotencyKey: idemKey,
		PayerAccountID: ledger.WalletAccountID(esc.UserID),
		PayeeAccountID: esc.AccountID,
		Amount:         amount,
		Activity:       activity,
		EscrowID:       esc.ID,
	})
}

// Release moves money out of the escrow to any ledger account. Only outgoing
// activity types are accepted.
func (m *Manager) Release(ctx context.Context, esc models.EscrowAccount, toAccountID string, amount decimal.Decimal, activity models.ActivityType, idemKey string) (ledger.PostResult, error) {
	if activity.Income() {
		return ledger.PostResult{}, fmt.Errorf("activity %s is not an escrow outgoing type", activity)
	}
	return m.ledger.Post(ctx, ledger.PostRequest{
		IdempotencyKey: idemKey,
		PayerAccountID: esc.AccountID,
		PayeeAccountID: toAccountID,
		Amount:         amount,
		Activity:       activity,
		EscrowID:       esc.ID,
	})
}

// Totals is the read-only projection over the escrow's ledger entries,
// partitioned into the net fare and the ERH premium sub-totals. Remaining
// balance, not gross inflow: outflows subtract.
func (m *Manager) Totals(ctx context.Context, escrowID string) (models.EscrowTotals, error) {
	esc, err := m.store.ByID(ctx, escrowID)
	if err != nil {
		return models.EscrowTotals{}, err
	}
	entries, err := m.ledger.EntriesByEscrow(ctx, escrowID)
	if err != nil {
		return models.EscrowTotals{}, err
	}
	totals := models.EscrowTotals{
		Total:     decimal.Zero,
		Net:       decimal.Zero,
		NetFunded: decimal.Zero,
		Premium:   decimal.Zero,
	}
	for _, e := range entries {
		// a post tags both halves of the pair; only the escrow side counts
		if e.AccountID != esc.AccountID {
			continue
		}
		totals.Total = totals.Total.Add(e.Amount)
		if e.ActivityType.PremiumClass() {
			totals.Premium = totals.Premium.Add(e.Amount)
			if e.ActivityType.Income() {
				totals.HasPremium = true
			}
		} else {
			totals.Net = totals.Net.Add(e.Amount)
			if e.ActivityType.Income() {
				totals.NetFunded = totals.NetFunded.Add(e.Amount)
			}
		}
	}
	return totals, nil
}

// RefundRemainder returns the escrow's remaining net and premium balances to
// the owner's wallet and closes the escrow. Keys are deterministic per
// escrow, so settlement retries and cancellation cascades cannot double-refund.
func (m *Manager) RefundRemainder(ctx context.Context, esc models.EscrowAccount) (net, premium decimal.Decimal, err error) {
	totals, err := m.Totals(ctx, esc.ID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	wallet := ledger.WalletAccountID(esc.UserID)
	if totals.Net.IsPositive() {
		if _, err := m.Release(ctx, esc, wallet, totals.Net, models.ActFareRefund, "refund:"+esc.ID+":net"); err != nil {
			return decimal.Zero, decimal.Zero, err
		}
	}
	if totals.Premium.IsPositive() {
		if _, err := m.Release(ctx, esc, wallet, totals.Premium, models.ActReturnErhPremium, "refund:"+esc.ID+":premium"); err != nil {
			return decimal.Zero, decimal.Zero, err
		}
	}
	if err := m.Close(ctx, esc.ID); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return totals.Net, totals.Premium, nil
}

// Close marks the escrow settled. Entries stay in the ledger for audit.
func (m *Manager) Close(ctx context.Context, escrowID string) error {
	return m.store.SetStatus(ctx, escrowID, models.EscrowClosed)
}
