package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/carpool-settlement/internal/config"
	"github.com/example/carpool-settlement/internal/escrow"
	"github.com/example/carpool-settlement/internal/ledger"
	"github.com/example/carpool-settlement/internal/locks"
	"github.com/example/carpool-settlement/internal/matcher"
	"github.com/example/carpool-settlement/internal/models"
	"github.com/example/carpool-settlement/internal/reservations"
	"github.com/example/carpool-settlement/internal/settlement"
	"github.com/example/carpool-settlement/internal/trajectory"
)

type memWatermark struct {
	at    time.Time
	saved bool
}

func (w *memWatermark) Load(ctx context.Context) (time.Time, bool) { return w.at, w.saved }
func (w *memWatermark) Save(ctx context.Context, t time.Time)      { w.at, w.saved = t, true }

type passEnv struct {
	repo   *reservations.MemoryRepository
	locker *locks.MemoryLocker
	coord  *settlement.Coordinator
	wm     *memWatermark
	cfg    config.Config
	logger *slog.Logger
}

func newPassEnv(t *testing.T) *passEnv {
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
	e := &passEnv{
		repo:   reservations.NewMemoryRepository(),
		locker: locks.NewMemoryLocker(),
		wm:     &memWatermark{},
		cfg:    config.Config{RecalcWindow: 72 * time.Hour},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	e.coord = &settlement.Coordinator{
		Trajectories: trajectory.NewMemoryStore(),
		Matcher:      matcher.New(),
		Escrows:      escrow.NewManager(l, escrow.NewMemoryStore()),
		Ledger:       l,
		Reservations: e.repo,
		Locks:        e.locker,
		Logger:       e.logger,
	}
	return e
}

// addStartedDriver creates a driver reservation in STARTED whose estimated
// arrival sits inside the scan window.
func (e *passEnv) addStartedDriver(t *testing.T, id, offerID string, arrival time.Time) models.Reservation {
	t.Helper()
	ctx := context.Background()
	r := models.Reservation{
		ID: id, UserID: "u-" + id, Role: models.RoleDriver, OfferID: offerID, TripID: "t-" + id,
		Status:             models.StatusSearching,
		StartedOn:          arrival.Add(-30 * time.Minute),
		EstimatedArrivalOn: arrival,
	}
	if err := e.repo.Create(ctx, r); err != nil {
		t.Fatal(err)
	}
	for _, s := range []models.Status{models.StatusPending, models.StatusMatched, models.StatusStarted} {
		if _, err := e.repo.Transition(ctx, r.ID, s); err != nil {
			t.Fatal(err)
		}
	}
	r.Status = models.StatusStarted
	return r
}

func TestRunPassSettlesAndAdvancesWatermark(t *testing.T) {
	e := newPassEnv(t)
	ctx := context.Background()
	arrival := time.Now().UTC().Add(-time.Hour)
	driver := e.addStartedDriver(t, "d1", "o1", arrival)

	runPass(ctx, e.cfg, e.logger, e.wm, e.repo, e.coord)

	got, _ := e.repo.ByID(ctx, driver.ID)
	if got.Status != models.StatusFinished {
		t.Fatalf("status %s after pass, want FINISHED", got.Status)
	}
	if !e.wm.saved || !e.wm.at.Equal(arrival) {
		t.Fatalf("watermark not advanced to the trip arrival: saved=%v at=%s", e.wm.saved, e.wm.at)
	}
}

func TestRunPassHoldsWatermarkBehindLockedTrip(t *testing.T) {
	e := newPassEnv(t)
	ctx := context.Background()
	arrival := time.Now().UTC().Add(-time.Hour)
	driver := e.addStartedDriver(t, "d1", "o1", arrival)

	// the live settlement path holds the offer lock for the whole pass
	release, ok, err := e.locker.Acquire(ctx, "o1", time.Minute)
	if err != nil || !ok {
		t.Fatal("test lock acquire failed")
	}

	runPass(ctx, e.cfg, e.logger, e.wm, e.repo, e.coord)

	got, _ := e.repo.ByID(ctx, driver.ID)
	if got.Status != models.StatusStarted {
		t.Fatalf("locked trip moved to %s, want STARTED", got.Status)
	}
	if e.wm.saved {
		t.Fatalf("watermark advanced past a locked trip to %s", e.wm.at)
	}

	// if the live settlement failed, the trip is still findable next pass
	release()
	runPass(ctx, e.cfg, e.logger, e.wm, e.repo, e.coord)

	got, _ = e.repo.ByID(ctx, driver.ID)
	if got.Status != models.StatusFinished {
		t.Fatalf("status %s after retry pass, want FINISHED", got.Status)
	}
	if !e.wm.saved || !e.wm.at.Equal(arrival) {
		t.Fatalf("watermark not advanced after retry: saved=%v at=%s", e.wm.saved, e.wm.at)
	}
}

func TestRunPassSkipsSettledTripAndAdvances(t *testing.T) {
	e := newPassEnv(t)
	ctx := context.Background()
	arrival := time.Now().UTC().Add(-time.Hour)
	driver := e.addStartedDriver(t, "d1", "o1", arrival)

	// live path already settled the trip before the pass started
	if _, err := e.coord.VerifyTrip(ctx, driver.ID); err != nil {
		t.Fatal(err)
	}

	runPass(ctx, e.cfg, e.logger, e.wm, e.repo, e.coord)
	if e.wm.saved {
		// FINISHED trips are no longer returned by the scan at all
		t.Fatalf("watermark moved without any settleable trip: %s", e.wm.at)
	}
}
