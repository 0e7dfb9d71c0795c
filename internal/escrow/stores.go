package escrow

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/example/carpool-settlement/internal/models"
)

var ErrNotFound = errors.New("escrow not found")

type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]models.EscrowAccount
	byResrv map[string]string // userID+"/"+reservationID -> escrow id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]models.EscrowAccount),
		byResrv: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, esc models.EscrowAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := esc.UserID + "/" + esc.ReservationID
	if _, ok := m.byResrv[k]; ok {
		return errors.New("escrow exists for reservation")
	}
	m.byID[esc.ID] = esc
	m.byResrv[k] = esc.ID
	return nil
}

func (m *MemoryStore) ByID(ctx context.Context, id string) (models.EscrowAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	esc, ok := m.byID[id]
	if !ok {
		return models.EscrowAccount{}, ErrNotFound
	}
	return esc, nil
}

func (m *MemoryStore) ByReservation(ctx context.Context, userID, reservationID string) (models.EscrowAccount, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byResrv[userID+"/"+reservationID]
	if !ok {
		return models.EscrowAccount{}, false, nil
	}
	return m.byID[id], true, nil
}

func (m *MemoryStore) SetStatus(ctx context.Context, id string, status models.EscrowStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	esc, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	esc.Status = status
	m.byID[id] = esc
	return nil
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (p *PostgresStore) Create(ctx context.Context, esc models.EscrowAccount) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO escrow_accounts(id, user_id, reservation_id, offer_id, trip_id, account_id, status, created_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		esc.ID, esc.UserID, esc.ReservationID, esc.OfferID, esc.TripID, esc.AccountID, esc.Status, esc.CreatedAt)
	return err
}

func (p *PostgresStore) ByID(ctx context.Context, id string) (models.EscrowAccount, error) {
	return p.scanOne(p.db.QueryRowContext(ctx,
		`SELECT id, user_id, reservation_id, offer_id, trip_id, account_id, status, created_at
		   FROM escrow_accounts WHERE id=$1`, id))
}

func (p *PostgresStore) ByReservation(ctx context.Context, userID, reservationID string) (models.EscrowAccount, bool, error) {
	esc, err := p.scanOne(p.db.QueryRowContext(ctx,
		`SELECT id, user_id, reservation_id, offer_id, trip_id, account_id, status, created_at
		   FROM escrow_accounts WHERE user_id=$1 AND reservation_id=$2`, userID, reservationID))
	if err == ErrNotFound {
		return models.EscrowAccount{}, false, nil
	}
	if err != nil {
		return models.EscrowAccount{}, false, err
	}
	return esc, true, nil
}

func (p *PostgresStore) SetStatus(ctx context.Context, id string, status models.EscrowStatus) error {
	_, err := p.db.ExecContext(ctx, `UPDATE escrow_accounts SET status=$1 WHERE id=$2`, status, id)
	return err
}

func (p *PostgresStore) scanOne(row *sql.Row) (models.EscrowAccount, error) {
	var esc models.EscrowAccount
	err := row.Scan(&esc.ID, &esc.UserID, &esc.ReservationID, &esc.OfferID, &esc.TripID,
		&esc.AccountID, &esc.Status, &esc.CreatedAt)
	if err == sql.ErrNoRows {
		return models.EscrowAccount{}, ErrNotFound
	}
	return esc, err
}
