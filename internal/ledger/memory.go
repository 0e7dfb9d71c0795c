package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/carpool-settlement/internal/models"
)

// MemoryStore is the in-process Store used by tests and local runs. It
// mirrors the Postgres store's semantics: atomic pair insert, wallet floor,
// idempotent replay.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]models.Account
	balances map[string]decimal.Decimal
	entries  []models.LedgerEntry
	applied  map[string]PostResult // by idempotency key
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]models.Account),
		balances: make(map[string]decimal.Decimal),
		applied:  make(map[string]PostResult),
	}
}

func (m *MemoryStore) CreateAccount(ctx context.Context, acct models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[acct.ID]; ok {
		return ErrAccountExists
	}
	acct.CreatedAt = time.Now()
	m.accounts[acct.ID] = acct
	m.balances[acct.ID] = decimal.Zero
	return nil
}

func (m *MemoryStore) Account(ctx context.Context, id string) (models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[id]
	if !ok {
		return models.Account{}, ErrUnknownAccount
	}
	return acct, nil
}

func (m *MemoryStore) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[accountID]
	if !ok {
		return decimal.Zero, ErrUnknownAccount
	}
	return b, nil
}

func (m *MemoryStore) EntriesByEscrow(ctx context.Context, escrowID string) ([]models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.LedgerEntry
	for _, e := range m.entries {
		if e.EscrowID == escrowID {
			out = append(out, e)
		}
	}
	return out, nil
}

// EntriesByAccount returns the append-only history of one account, oldest first.
func (m *MemoryStore) EntriesByAccount(ctx context.Context, accountID string) ([]models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.LedgerEntry
	for _, e := range m.entries {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) PostPair(ctx context.Context, req PostRequest) (PostResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prior, ok := m.applied[req.IdempotencyKey]; ok {
		prior.Replayed = true
		return prior, nil
	}

	payer, ok := m.accounts[req.PayerAccountID]
	if !ok {
		return PostResult{}, ErrUnknownAccount
	}
	if _, ok := m.accounts[req.PayeeAccountID]; !ok {
		return PostResult{}, ErrUnknownAccount
	}

	payerBalance := m.balances[req.PayerAccountID]
	after := payerBalance.Sub(req.Amount)
	if payer.Kind == models.AccountWallet && after.IsNegative() {
		return PostResult{}, ErrInsufficientFunds
	}

	now := time.Now()
	payerEntry := models.LedgerEntry{
		ID:             uuid.NewString(),
		AccountID:      req.PayerAccountID,
		EscrowID:       req.EscrowID,
		ActivityType:   req.Activity,
		Amount:         req.Amount.Neg(),
		BalanceAfter:   after,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
	}
	payeeBalance := m.balances[req.PayeeAccountID].Add(req.Amount)
	payeeEntry := models.LedgerEntry{
		ID:             uuid.NewString(),
		AccountID:      req.PayeeAccountID,
		EscrowID:       req.EscrowID,
		ActivityType:   req.Activity,
		Amount:         req.Amount,
		BalanceAfter:   payeeBalance,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
	}
	payerEntry.ReferenceID = payeeEntry.ID
	payeeEntry.ReferenceID = payerEntry.ID

	m.balances[req.PayerAccountID] = after
	m.balances[req.PayeeAccountID] = payeeBalance
	m.entries = append(m.entries, payerEntry, payeeEntry)

	res := PostResult{PayerEntry: payerEntry, PayeeEntry: payeeEntry}
	m.applied[req.IdempotencyKey] = res
	return res, nil
}
