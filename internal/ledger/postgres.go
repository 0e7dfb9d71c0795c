package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/example/carpool-settlement/internal/models"
)

// PostgresStore keeps a materialized running balance on the account row and
// the append-only entry log in ledger_entries. The pair insert, balance
// updates and the idempotency record commit in one transaction.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (p *PostgresStore) CreateAccount(ctx context.Context, acct models.Account) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO accounts(id, owner_id, kind, auto_refill, balance, created_at) VALUES($1,$2,$3,$4,0,$5)`,
		acct.ID, acct.OwnerID, acct.Kind, acct.AutoRefill, time.Now())
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
		return ErrAccountExists
	}
	return err
}

func (p *PostgresStore) Account(ctx context.Context, id string) (models.Account, error) {
	var acct models.Account
	err := p.db.QueryRowContext(ctx,
		`SELECT id, owner_id, kind, auto_refill, created_at FROM accounts WHERE id=$1`, id).
		Scan(&acct.ID, &acct.OwnerID, &acct.Kind, &acct.AutoRefill, &acct.CreatedAt)
	if err == sql.ErrNoRows {
		return models.Account{}, ErrUnknownAccount
	}
	return acct, err
}

func (p *PostgresStore) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var b decimal.Decimal
	err := p.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id=$1`, accountID).Scan(&b)
	if err == sql.ErrNoRows {
		return decimal.Zero, ErrUnknownAccount
	}
	return b, err
}

func (p *PostgresStore) EntriesByEscrow(ctx context.Context, escrowID string) ([]models.LedgerEntry, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, account_id, escrow_id, activity, amount, balance_after, reference_id, idempotency_key, created_at
		   FROM ledger_entries WHERE escrow_id=$1 ORDER BY created_at ASC, id ASC`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (p *PostgresStore) PostPair(ctx context.Context, req PostRequest) (PostResult, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return PostResult{}, err
	}
	defer tx.Rollback()

	// replay check first so duplicates never contend on account locks
	var payerID, payeeID string
	err = tx.QueryRowContext(ctx,
		`SELECT payer_entry_id, payee_entry_id FROM idempotency_keys WHERE key=$1`,
		req.IdempotencyKey).Scan(&payerID, &payeeID)
	switch {
	case err == nil:
		res, err := p.loadPair(ctx, tx, payerID, payeeID)
		if err != nil {
			return PostResult{}, err
		}
		res.Replayed = true
		return res, tx.Commit()
	case err != sql.ErrNoRows:
		return PostResult{}, err
	}

	// lock both account rows in id order to avoid deadlock between posts
	first, second := req.PayerAccountID, req.PayeeAccountID
	if second < first {
		first, second = second, first
	}
	locked := 0
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM accounts WHERE id IN ($1,$2) ORDER BY id FOR UPDATE`, first, second)
	if err != nil {
		return PostResult{}, err
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return PostResult{}, err
		}
		locked++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return PostResult{}, err
	}
	if locked != 2 {
		return PostResult{}, ErrUnknownAccount
	}

	var payerKind models.AccountKind
	var payerBalance decimal.Decimal
	if err := tx.QueryRowContext(ctx,
		`SELECT kind, balance FROM accounts WHERE id=$1`, req.PayerAccountID).
		Scan(&payerKind, &payerBalance); err != nil {
		return PostResult{}, err
	}
	payerAfter := payerBalance.Sub(req.Amount)
	if payerKind == models.AccountWallet && payerAfter.IsNegative() {
		return PostResult{}, ErrInsufficientFunds
	}
	var payeeBalance decimal.Decimal
	if err := tx.QueryRowContext(ctx,
		`SELECT balance FROM accounts WHERE id=$1`, req.PayeeAccountID).Scan(&payeeBalance); err != nil {
		return PostResult{}, err
	}
	payeeAfter := payeeBalance.Add(req.Amount)

	now := time.Now()
	res := PostResult{
		PayerEntry: models.LedgerEntry{
			ID: uuid.NewString(), AccountID: req.PayerAccountID, EscrowID: req.EscrowID,
			ActivityType: req.Activity, Amount: req.Amount.Neg(), BalanceAfter: payerAfter,
			IdempotencyKey: req.IdempotencyKey, CreatedAt: now,
		},
		PayeeEntry: models.LedgerEntry{
			ID: uuid.NewString(), AccountID: req.PayeeAccountID, EscrowID: req.EscrowID,
			ActivityType: req.Activity, Amount: req.Amount, BalanceAfter: payeeAfter,
			IdempotencyKey: req.IdempotencyKey, CreatedAt: now,
		},
	}
	res.PayerEntry.ReferenceID = res.PayeeEntry.ID
	res.PayeeEntry.ReferenceID = res.PayerEntry.ID

	for _, e := range []models.LedgerEntry{res.PayerEntry, res.PayeeEntry} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ledger_entries(id, account_id, escrow_id, activity, amount, balance_after, reference_id, idempotency_key, created_at)
			 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			e.ID, e.AccountID, nullable(e.EscrowID), e.ActivityType, e.Amount, e.BalanceAfter, e.ReferenceID, e.IdempotencyKey, e.CreatedAt); err != nil {
			return PostResult{}, err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance=$1 WHERE id=$2`, payerAfter, req.PayerAccountID); err != nil {
		return PostResult{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance=$1 WHERE id=$2`, payeeAfter, req.PayeeAccountID); err != nil {
		return PostResult{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO idempotency_keys(key, payer_entry_id, payee_entry_id, created_at) VALUES($1,$2,$3,$4)`,
		req.IdempotencyKey, res.PayerEntry.ID, res.PayeeEntry.ID, now); err != nil {
		return PostResult{}, err
	}
	return res, tx.Commit()
}

func (p *PostgresStore) loadPair(ctx context.Context, tx *sql.Tx, payerID, payeeID string) (PostResult, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, account_id, escrow_id, activity, amount, balance_after, reference_id, idempotency_key, created_at
		   FROM ledger_entries WHERE id IN ($1,$2)`, payerID, payeeID)
	if err != nil {
		return PostResult{}, err
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return PostResult{}, err
	}
	if len(entries) != 2 {
		return PostResult{}, fmt.Errorf("idempotency record references %d entries", len(entries))
	}
	res := PostResult{}
	for _, e := range entries {
		if e.ID == payerID {
			res.PayerEntry = e
		} else {
			res.PayeeEntry = e
		}
	}
	return res, nil
}

func scanEntries(rows *sql.Rows) ([]models.LedgerEntry, error) {
	var out []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		var escrowID sql.NullString
		if err := rows.Scan(&e.ID, &e.AccountID, &escrowID, &e.ActivityType, &e.Amount,
			&e.BalanceAfter, &e.ReferenceID, &e.IdempotencyKey, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.EscrowID = escrowID.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
