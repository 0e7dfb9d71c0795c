package escrow

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/example/carpool-settlement/internal/ledger"
	"github.com/example/carpool-settlement/internal/models"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestManager(t *testing.T) (*Manager, *ledger.Ledger) {
	t.Helper()
	store := ledger.NewMemoryStore()
	l := ledger.New(store, nil, ledger.Config{
		PlatformAccountID: "platform",
		ClearingAccountID: "clearing",
		Currency:          "usd",
	}, nil)
	ctx := context.Background()
	if err := l.RegisterSystemAccounts(ctx); err != nil {
		t.Fatal(err)
	}
	return NewManager(l, NewMemoryStore()), l
}

func seedWallet(t *testing.T, l *ledger.Ledger, userID, amount string) {
	t.Helper()
	ctx := context.Background()
	id, err := l.EnsureWallet(ctx, userID, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Post(ctx, ledger.PostRequest{
		IdempotencyKey: "seed:" + userID,
		PayerAccountID: "clearing",
		PayeeAccountID: id,
		Amount:         dec(amount),
		Activity:       models.ActWalletRefill,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestAddEscrowIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	first, err := m.AddEscrow(ctx, "u1", "res1", "offer1", "trip1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.AddEscrow(ctx, "u1", "res1", "offer1", "trip1")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Fatalf("duplicate escrow created: %s vs %s", first.ID, second.ID)
	}
}

func TestTotalsPartitionNetAndPremium(t *testing.T) {
	m, l := newTestManager(t)
	ctx := context.Background()
	seedWallet(t, l, "u1", "100.00")

	esc, err := m.AddEscrow(ctx, "u1", "res1", "offer1", "trip1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Fund(ctx, esc, dec("20.00"), models.ActCarpoolFare, "f1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Fund(ctx, esc, dec("3.00"), models.ActErhPremium, "f2"); err != nil {
		t.Fatal(err)
	}

	totals, err := m.Totals(ctx, esc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !totals.Total.Equal(dec("23.00")) {
		t.Fatalf("total: %s", totals.Total)
	}
	if !totals.Net.Equal(dec("20.00")) {
		t.Fatalf("net: %s", totals.Net)
	}
	if !totals.Premium.Equal(dec("3.00")) {
		t.Fatalf("premium: %s", totals.Premium)
	}
	if !totals.HasPremium {
		t.Fatal("expected HasPremium")
	}
}

func TestReleaseDrainsTotals(t *testing.T) {
	m, l := newTestManager(t)
	ctx := context.Background()
	seedWallet(t, l, "u1", "100.00")

	esc, _ := m.AddEscrow(ctx, "u1", "res1", "offer1", "trip1")
	if _, err := m.Fund(ctx, esc, dec("20.00"), models.ActCarpoolFare, "f1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Release(ctx, esc, "platform", dec("2.50"), models.ActPassengerFee, "r1"); err != nil {
		t.Fatal(err)
	}

	totals, err := m.Totals(ctx, esc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !totals.Net.Equal(dec("17.50")) {
		t.Fatalf("net after release: %s", totals.Net)
	}
	// the funded side is untouched by the outflow
	if !totals.NetFunded.Equal(dec("20.00")) {
		t.Fatalf("net funded after release: %s", totals.NetFunded)
	}
	if totals.HasPremium {
		t.Fatal("premium flagged without premium funding")
	}
}

func TestFundRejectsOutgoingActivity(t *testing.T) {
	m, l := newTestManager(t)
	ctx := context.Background()
	seedWallet(t, l, "u1", "100.00")
	esc, _ := m.AddEscrow(ctx, "u1", "res1", "offer1", "trip1")

	if _, err := m.Fund(ctx, esc, dec("1.00"), models.ActDriverPayout, "f1"); err == nil {
		t.Fatal("expected rejection of outgoing activity on Fund")
	}
	if _, err := m.Release(ctx, esc, "platform", dec("1.00"), models.ActCarpoolFare, "r1"); err == nil {
		t.Fatal("expected rejection of income activity on Release")
	}
}
