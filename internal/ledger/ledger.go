package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/example/carpool-settlement/internal/models"
	"github.com/example/carpool-settlement/internal/observability"
)

// PostRequest describes one double-entry movement. Amount is always positive;
// the store negates it on the payer side.
type PostRequest struct {
	IdempotencyKey string
	PayerAccountID string
	PayeeAccountID string
	Amount         decimal.Decimal
	Activity       models.ActivityType
	EscrowID       string // tags both entries when the movement touches an escrow
}

type PostResult struct {
	PayerEntry models.LedgerEntry
	PayeeEntry models.LedgerEntry
	Replayed   bool // true when the idempotency key had already been applied
}

// Store is the durable double-entry log. PostPair commits both entries
// atomically or neither, enforces the payer's balance floor, and replays
// idempotent duplicates without re-applying them.
type Store interface {
	CreateAccount(ctx context.Context, acct models.Account) error
	Account(ctx context.Context, id string) (models.Account, error)
	Balance(ctx context.Context, accountID string) (decimal.Decimal, error)
	EntriesByEscrow(ctx context.Context, escrowID string) ([]models.LedgerEntry, error)
	PostPair(ctx context.Context, req PostRequest) (PostResult, error)
}

// PaymentGateway charges a user's card off-ledger; used only by auto-refill.
// The idempotency key must be honored by the gateway itself so a retry after
// a crash between the charge and the ledger credit cannot bill the card twice.
type PaymentGateway interface {
	Charge(ctx context.Context, userID string, amount decimal.Decimal, currency, idempotencyKey string) (chargeID string, err error)
}

type Config struct {
	PlatformAccountID string
	ClearingAccountID string
	Currency          string
	AutoRefill        bool
	RefillAmount      decimal.Decimal // minimum top-up per charge
}

// Ledger wraps a Store with account conventions, amount rounding and the
// wallet auto-refill path. It is safe for concurrent use as long as the Store
// is.
type Ledger struct {
	store   Store
	gateway PaymentGateway
	cfg     Config
	logger  *slog.Logger
}

func New(store Store, gateway PaymentGateway, cfg Config, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, gateway: gateway, cfg: cfg, logger: logger}
}

// WalletAccountID is the ledger account id convention for user wallets.
func WalletAccountID(userID string) string { return "wallet:" + userID }

// RegisterSystemAccounts creates the platform and clearing accounts named in
// the config. Safe to call on every startup.
func (l *Ledger) RegisterSystemAccounts(ctx context.Context) error {
	for _, acct := range []models.Account{
		{ID: l.cfg.PlatformAccountID, Kind: models.AccountPlatform},
		{ID: l.cfg.ClearingAccountID, Kind: models.AccountClearing},
	} {
		if err := l.register(ctx, acct); err != nil {
			return err
		}
	}
	return nil
}

// EnsureWallet registers the user's wallet account if missing and returns its id.
func (l *Ledger) EnsureWallet(ctx context.Context, userID string, autoRefill bool) (string, error) {
	id := WalletAccountID(userID)
	err := l.register(ctx, models.Account{ID: id, OwnerID: userID, Kind: models.AccountWallet, AutoRefill: autoRefill})
	return id, err
}

// RegisterEscrowAccount registers the backing account for an escrow.
func (l *Ledger) RegisterEscrowAccount(ctx context.Context, accountID, userID string) error {
	return l.register(ctx, models.Account{ID: accountID, OwnerID: userID, Kind: models.AccountEscrow})
}

func (l *Ledger) register(ctx context.Context, acct models.Account) error {
	err := l.store.CreateAccount(ctx, acct)
	if err != nil && err != ErrAccountExists {
		return fmt.Errorf("register account %s: %w", acct.ID, err)
	}
	return nil
}

// Post applies one double-entry movement. Amounts are rounded half-up to two
// decimal places before posting so the stored ledger never carries
// sub-cent residue. When the payer is an auto-refill wallet and the post
// bounces on funds, the gateway is charged once and the post retried once.
func (l *Ledger) Post(ctx context.Context, req PostRequest) (PostResult, error) {
	if !req.Activity.Known() {
		return PostResult{}, fmt.Errorf("unknown activity type %q", req.Activity)
	}
	if req.IdempotencyKey == "" {
		return PostResult{}, fmt.Errorf("missing idempotency key")
	}
	req.Amount = req.Amount.Round(2)
	if !req.Amount.IsPositive() {
		return PostResult{}, fmt.Errorf("amount must be positive, got %s", req.Amount)
	}

	res, err := l.store.PostPair(ctx, req)
	if err == nil {
		observability.LedgerPostsTotal.WithLabelValues(string(req.Activity)).Inc()
		return res, nil
	}
	if err != ErrInsufficientFunds {
		return PostResult{}, err
	}
	if refillErr := l.tryRefill(ctx, req); refillErr != nil {
		return PostResult{}, refillErr
	}
	res, err = l.store.PostPair(ctx, req)
	if err != nil {
		return PostResult{}, err
	}
	observability.LedgerPostsTotal.WithLabelValues(string(req.Activity)).Inc()
	return res, nil
}

// tryRefill charges the payer's card for at least the shortfall and credits
// the wallet from the clearing account. Returns ErrInsufficientFunds when
// refill is not applicable so the original failure surfaces unchanged.
func (l *Ledger) tryRefill(ctx context.Context, req PostRequest) error {
	if !l.cfg.AutoRefill || l.gateway == nil {
		return ErrInsufficientFunds
	}
	acct, err := l.store.Account(ctx, req.PayerAccountID)
	if err != nil {
		return err
	}
	if acct.Kind != models.AccountWallet || !acct.AutoRefill {
		return ErrInsufficientFunds
	}
	balance, err := l.store.Balance(ctx, req.PayerAccountID)
	if err != nil {
		return err
	}
	shortfall := req.Amount.Sub(balance)
	topUp := l.cfg.RefillAmount
	if shortfall.GreaterThan(topUp) {
		topUp = shortfall
	}
	topUp = topUp.Round(2)

	// one key covers both legs: the gateway dedupes the card charge and the
	// store dedupes the wallet credit, so a retry completes without re-billing
	refillKey := req.IdempotencyKey + ":refill"
	chargeID, err := l.gateway.Charge(ctx, acct.OwnerID, topUp, l.cfg.Currency, refillKey)
	if err != nil {
		return fmt.Errorf("%w: refill charge: %v", ErrUpstreamUnavailable, err)
	}
	l.logger.Info("wallet auto-refill",
		"user_id", acct.OwnerID, "amount", topUp.String(), "charge_id", chargeID)
	observability.AutoRefillsTotal.Inc()

	_, err = l.store.PostPair(ctx, PostRequest{
		IdempotencyKey: refillKey,
		PayerAccountID: l.cfg.ClearingAccountID,
		PayeeAccountID: req.PayerAccountID,
		Amount:         topUp,
		Activity:       models.ActWalletRefill,
	})
	return err
}

func (l *Ledger) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	return l.store.Balance(ctx, accountID)
}

func (l *Ledger) EntriesByEscrow(ctx context.Context, escrowID string) ([]models.LedgerEntry, error) {
	return l.store.EntriesByEscrow(ctx, escrowID)
}

func (l *Ledger) PlatformAccountID() string { return l.cfg.PlatformAccountID }
