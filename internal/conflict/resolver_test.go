package conflict

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/carpool-settlement/internal/escrow"
	"github.com/example/carpool-settlement/internal/ledger"
	"github.com/example/carpool-settlement/internal/locks"
	"github.com/example/carpool-settlement/internal/models"
	"github.com/example/carpool-settlement/internal/reservations"
)

var base = time.Date(2024, 5, 10, 8, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type notified struct {
	users []string
}

func (n *notified) NotifyCancellation(userID, reservationID, reason string) {
	n.users = append(n.users, userID)
}

type env struct {
	resolver *Resolver
	repo     *reservations.MemoryRepository
	escrows  *escrow.Manager
	ledger   *ledger.Ledger
	notify   *notified
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := ledger.NewMemoryStore()
	l := ledger.New(store, nil, ledger.Config{
		PlatformAccountID: "platform",
		ClearingAccountID: "clearing",
		Currency:          "usd",
	}, nil)
	if err := l.RegisterSystemAccounts(context.Background()); err != nil {
		t.Fatal(err)
	}
	e := &env{
		repo:    reservations.NewMemoryRepository(),
		escrows: escrow.NewManager(l, escrow.NewMemoryStore()),
		ledger:  l,
		notify:  &notified{},
	}
	e.resolver = &Resolver{
		Reservations: e.repo,
		Escrows:      e.escrows,
		Locks:        locks.NewMemoryLocker(),
		Notify:       e.notify,
		CarpoolSlack: 15 * time.Minute,
	}
	return e
}

func (e *env) create(t *testing.T, r models.Reservation, advanceTo ...models.Status) models.Reservation {
	t.Helper()
	ctx := context.Background()
	r.Status = models.StatusSearching
	if r.StartedOn.IsZero() {
		r.StartedOn = base
	}
	if r.EstimatedArrivalOn.IsZero() {
		r.EstimatedArrivalOn = base.Add(30 * time.Minute)
	}
	if err := e.repo.Create(ctx, r); err != nil {
		t.Fatal(err)
	}
	for _, s := range advanceTo {
		if _, err := e.repo.Transition(ctx, r.ID, s); err != nil {
			t.Fatal(err)
		}
		r.Status = s
	}
	return r
}

func TestCarpoolConflictUsesSlackWindow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// carpool ending 10 minutes before the queried window starts: inside slack
	e.create(t, models.Reservation{
		ID: "duo", UserID: "u1", TravelMode: TravelModeDuo,
		StartedOn: base.Add(-time.Hour), EstimatedArrivalOn: base.Add(-10 * time.Minute),
	})
	// ordinary reservation in the same slot: outside the exact window
	e.create(t, models.Reservation{
		ID: "bus", UserID: "u1", TravelMode: "transit",
		StartedOn: base.Add(-time.Hour), EstimatedArrivalOn: base.Add(-10 * time.Minute),
	})

	got, err := e.resolver.FindConflicts(ctx, "u1", base, base.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "duo" {
		t.Fatalf("expected only the carpool to conflict, got %v", got)
	}
}

func TestCancelPairedOrganicPartnerRevertsToSearching(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.create(t, models.Reservation{ID: "mine", UserID: "u1", Role: models.RoleRider, OfferID: "o1", TravelMode: TravelModeDuo},
		models.StatusPending, models.StatusMatched)
	e.create(t, models.Reservation{ID: "partner", UserID: "u2", Role: models.RoleDriver, OfferID: "o1", TravelMode: TravelModeDuo},
		models.StatusPending, models.StatusMatched)

	if err := e.resolver.CancelReservation(ctx, "mine", "change of plans"); err != nil {
		t.Fatal(err)
	}
	mine, _ := e.repo.ByID(ctx, "mine")
	if mine.Status != models.StatusCanceled {
		t.Fatalf("mine status %s", mine.Status)
	}
	partner, _ := e.repo.ByID(ctx, "partner")
	if partner.Status != models.StatusSearching {
		t.Fatalf("organic partner should revert to SEARCHING, got %s", partner.Status)
	}
	if len(e.notify.users) != 1 || e.notify.users[0] != "u2" {
		t.Fatalf("partner not notified: %v", e.notify.users)
	}
	if got := e.repo.Penalties("u1"); len(got) != 1 {
		t.Fatalf("expected one penalty for canceling user, got %d", len(got))
	}
}

func TestCancelPairedSuggestionPartnerIsCanceled(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.create(t, models.Reservation{ID: "mine", UserID: "u1", Role: models.RoleRider, OfferID: "o1", TravelMode: TravelModeDuo},
		models.StatusPending, models.StatusMatched)
	e.create(t, models.Reservation{ID: "partner", UserID: "u2", Role: models.RoleDriver, OfferID: "o1",
		TravelMode: TravelModeDuo, FromSuggestion: true},
		models.StatusSuggestion, models.StatusMatched)

	if err := e.resolver.CancelReservation(ctx, "mine", "change of plans"); err != nil {
		t.Fatal(err)
	}
	partner, _ := e.repo.ByID(ctx, "partner")
	if partner.Status != models.StatusCanceled {
		t.Fatalf("suggestion partner should be CANCELED, got %s", partner.Status)
	}
}

func TestDriverRepealCascadesToApplicants(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.create(t, models.Reservation{ID: "offer", UserID: "d1", Role: models.RoleDriver, OfferID: "o1", TravelMode: TravelModeDuo},
		models.StatusChoosing)
	e.create(t, models.Reservation{ID: "app1", UserID: "u1", Role: models.RoleRider, OfferID: "o1", TravelMode: TravelModeDuo},
		models.StatusPending)
	e.create(t, models.Reservation{ID: "app2", UserID: "u2", Role: models.RoleRider, OfferID: "o1", TravelMode: TravelModeDuo},
		models.StatusPending)

	if err := e.resolver.CancelReservation(ctx, "offer", "driver repealed"); err != nil {
		t.Fatal(err)
	}
	offer, _ := e.repo.ByID(ctx, "offer")
	if offer.Status != models.StatusRepealed {
		t.Fatalf("offer status %s, want REPEALED", offer.Status)
	}
	for _, id := range []string{"app1", "app2"} {
		a, _ := e.repo.ByID(ctx, id)
		if a.Status != models.StatusCanceled {
			t.Fatalf("applicant %s status %s, want CANCELED", id, a.Status)
		}
	}
	if len(e.notify.users) != 2 {
		t.Fatalf("expected both applicants notified, got %v", e.notify.users)
	}
}

func TestApplicantCancelDeletesOnlyTheirRow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.create(t, models.Reservation{ID: "offer", UserID: "d1", Role: models.RoleDriver, OfferID: "o1", TravelMode: TravelModeDuo},
		models.StatusChoosing)
	e.create(t, models.Reservation{ID: "app1", UserID: "u1", Role: models.RoleRider, OfferID: "o1", TravelMode: TravelModeDuo},
		models.StatusPending)

	if err := e.resolver.CancelReservation(ctx, "app1", "never mind"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.repo.ByID(ctx, "app1"); err != reservations.ErrNotFound {
		t.Fatalf("applicant row should be gone, got %v", err)
	}
	offer, _ := e.repo.ByID(ctx, "offer")
	if offer.Status != models.StatusChoosing {
		t.Fatalf("offer must be untouched, got %s", offer.Status)
	}
}

func TestCancelRefundsHeldEscrow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	wallet, err := e.ledger.EnsureWallet(ctx, "u1", false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.ledger.Post(ctx, ledger.PostRequest{
		IdempotencyKey: "seed:u1", PayerAccountID: "clearing", PayeeAccountID: wallet,
		Amount: dec("50.00"), Activity: models.ActWalletRefill,
	}); err != nil {
		t.Fatal(err)
	}

	mine := e.create(t, models.Reservation{ID: "mine", UserID: "u1", Role: models.RoleRider, OfferID: "o1", TravelMode: TravelModeDuo},
		models.StatusPending, models.StatusMatched)
	e.create(t, models.Reservation{ID: "partner", UserID: "u2", Role: models.RoleDriver, OfferID: "o1", TravelMode: TravelModeDuo},
		models.StatusPending, models.StatusMatched)

	esc, err := e.escrows.AddEscrow(ctx, "u1", mine.ID, "o1", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.escrows.Fund(ctx, esc, dec("20.00"), models.ActCarpoolFare, "f1"); err != nil {
		t.Fatal(err)
	}

	if err := e.resolver.CancelReservation(ctx, "mine", "change of plans"); err != nil {
		t.Fatal(err)
	}
	b, _ := e.ledger.Balance(ctx, wallet)
	if !b.Equal(dec("50.00")) {
		t.Fatalf("escrow not refunded on cancel: wallet %s", b)
	}
}
