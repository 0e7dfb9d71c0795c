package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/example/carpool-settlement/internal/config"
	"github.com/example/carpool-settlement/internal/escrow"
	"github.com/example/carpool-settlement/internal/ledger"
	"github.com/example/carpool-settlement/internal/locks"
	"github.com/example/carpool-settlement/internal/logging"
	"github.com/example/carpool-settlement/internal/matcher"
	"github.com/example/carpool-settlement/internal/models"
	"github.com/example/carpool-settlement/internal/payments"
	"github.com/example/carpool-settlement/internal/reservations"
	"github.com/example/carpool-settlement/internal/settlement"
	"github.com/example/carpool-settlement/internal/trajectory"
)

const watermarkKey = "settle:recalc:watermark"

var (
	tripsScanned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recalc_trips_scanned_total",
		Help: "Driver trips picked up by the recalculation scan",
	})
	tripsSettled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recalc_trips_settled_total",
		Help: "Trips the recalculation job settled",
	})
	tripsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recalc_trips_skipped_total",
		Help: "Trips skipped because they were locked or already settled",
	})
	tripsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recalc_trips_failed_total",
		Help: "Trips whose settlement returned an error",
	})
)

func init() {
	prometheus.MustRegister(tripsScanned, tripsSettled, tripsSkipped, tripsFailed)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	if cfg.PGDSN == "" {
		log.Fatal("PG_DSN is required: recalculation scans the reservation table")
	}
	db, err := sql.Open("postgres", cfg.PGDSN)
	if err != nil {
		log.Fatalf("postgres open: %v", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("postgres ping: %v", err)
	}

	var gateway ledger.PaymentGateway
	if os.Getenv("STRIPE_API_KEY") != "" {
		gateway = payments.NewStripeGateway()
	}
	led := ledger.New(ledger.NewPostgresStoreFromDB(db), gateway, ledger.Config{
		PlatformAccountID: cfg.PlatformAccountID,
		ClearingAccountID: cfg.ClearingAccountID,
		Currency:          cfg.Currency,
		AutoRefill:        cfg.AutoRefill,
		RefillAmount:      cfg.RefillAmount,
	}, logger)

	var rc *redis.Client
	var locker locks.Locker
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		locker = locks.NewRedisLocker(rc, cfg.LockPrefix)
	} else {
		logger.Warn("REDIS_ADDR not set, using in-process locks and an in-memory watermark")
		locker = locks.NewMemoryLocker()
	}

	resvRepo := reservations.NewPostgresRepository(db)
	coord := &settlement.Coordinator{
		Trajectories: trajectory.NewPostgresStoreFromDB(db),
		Matcher: &matcher.Matcher{
			ProximityMeters:    cfg.ProximityMeters,
			BucketSeconds:      cfg.BucketSeconds,
			MinMatchingBuckets: cfg.MinMatchingBuckets,
		},
		Escrows:      escrow.NewManager(led, escrow.NewPostgresStore(db)),
		Ledger:       led,
		Reservations: resvRepo,
		Locks:        locker,
		PayerFee:     cfg.PayerFee,
		PayeeFee:     cfg.PayeeFee,
		LockTTL:      cfg.LockTTL,
		Logger:       logger,
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		if err := http.ListenAndServe(":2113", mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("recalc running window=%s interval=%s", cfg.RecalcWindow, cfg.RecalcInterval)
	ticker := time.NewTicker(cfg.RecalcInterval)
	defer ticker.Stop()

	// first pass immediately, then on the ticker
	wm := redisWatermark{rc: rc}
	runPass(ctx, cfg, logger, wm, resvRepo, coord)
	for {
		select {
		case <-ctx.Done():
			log.Println("shutting down recalc")
			return
		case <-ticker.C:
			runPass(ctx, cfg, logger, wm, resvRepo, coord)
		}
	}
}

// watermarkStore remembers how far the scan has progressed between passes.
type watermarkStore interface {
	Load(ctx context.Context) (time.Time, bool)
	Save(ctx context.Context, t time.Time)
}

// runPass re-verifies driver trips still marked STARTED whose estimated
// arrival fell inside the lookback window. The watermark records the last
// arrival time fully processed, so a crash re-processes at most the trip
// that was in flight; settlement idempotency keys make that replay safe.
//
// The watermark only moves past a trip once that trip is settled or found
// not settleable. A trip whose offer lock is held by the live path stays in
// front of the watermark, because the live settlement may still fail and
// leave the trip STARTED for a later pass to pick up.
func runPass(ctx context.Context, cfg config.Config, logger *slog.Logger, wm watermarkStore, repo reservations.Repository, coord *settlement.Coordinator) {
	now := time.Now().UTC()
	since := now.Add(-cfg.RecalcWindow)
	if t, ok := wm.Load(ctx); ok && t.After(since) {
		since = t
	}

	trips, err := repo.StartedEndedBetween(ctx, since, now)
	if err != nil {
		logger.Error("recalc scan failed", "err", err)
		return
	}
	for _, trip := range trips {
		if ctx.Err() != nil {
			return
		}
		tripsScanned.Inc()
		report, err := coord.VerifyTrip(ctx, trip.ID)
		switch {
		case err == nil:
			tripsSettled.Inc()
			logger.Info("recalc settled trip",
				"reservation_id", trip.ID, "verified", report.Verified, "payout", report.PayoutAmount)
		case errors.Is(err, settlement.ErrNotSettleable):
			// already settled or canceled, nothing left to retry
			tripsSkipped.Inc()
		case errors.Is(err, settlement.ErrConflict):
			tripsSkipped.Inc()
			// the live path holds the offer lock; end the pass here so the
			// watermark stays behind this trip in case that settlement fails
			return
		default:
			tripsFailed.Inc()
			logger.Error("recalc settlement failed", "reservation_id", trip.ID, "err", err)
			// leave the watermark behind this trip so the next pass retries it
			return
		}
		wm.Save(ctx, watermarkFor(trip))
	}
}

func watermarkFor(r models.Reservation) time.Time {
	if !r.EstimatedArrivalOn.IsZero() {
		return r.EstimatedArrivalOn
	}
	return r.StartedOn
}

// redisWatermark persists the scan position in redis. A nil client degrades
// to no persistence, so every pass re-derives from the lookback window.
type redisWatermark struct {
	rc *redis.Client
}

func (w redisWatermark) Load(ctx context.Context) (time.Time, bool) {
	if w.rc == nil {
		return time.Time{}, false
	}
	s, err := w.rc.Get(ctx, watermarkKey).Result()
	if err != nil {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (w redisWatermark) Save(ctx context.Context, t time.Time) {
	if w.rc == nil {
		return
	}
	// no TTL, the watermark is re-derived from the lookback window on loss
	w.rc.Set(ctx, watermarkKey, t.UTC().Format(time.RFC3339Nano), 0)
}
