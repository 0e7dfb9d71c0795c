package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/example/carpool-settlement/internal/config"
	"github.com/example/carpool-settlement/internal/conflict"
	"github.com/example/carpool-settlement/internal/dispatch"
	"github.com/example/carpool-settlement/internal/escrow"
	httpapi "github.com/example/carpool-settlement/internal/http"
	"github.com/example/carpool-settlement/internal/incentive"
	"github.com/example/carpool-settlement/internal/ingest"
	"github.com/example/carpool-settlement/internal/ledger"
	"github.com/example/carpool-settlement/internal/locks"
	"github.com/example/carpool-settlement/internal/logging"
	"github.com/example/carpool-settlement/internal/matcher"
	"github.com/example/carpool-settlement/internal/payments"
	"github.com/example/carpool-settlement/internal/reservations"
	"github.com/example/carpool-settlement/internal/settlement"
	"github.com/example/carpool-settlement/internal/trajectory"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	var db *sql.DB
	if cfg.PGDSN != "" {
		db, err = sql.Open("postgres", cfg.PGDSN)
		if err != nil {
			log.Fatalf("postgres open: %v", err)
		}
		if err := db.Ping(); err != nil {
			log.Fatalf("postgres ping: %v", err)
		}
		if cfg.RunMigrations {
			if err := runMigrations(db); err != nil {
				log.Fatalf("migrations: %v", err)
			}
		}
	}

	// stores: Postgres when a DSN is configured, in-memory otherwise
	var ledgerStore ledger.Store
	var escrowStore escrow.Store
	var resvRepo reservations.Repository
	var trajStore trajectory.Store
	if db != nil {
		ledgerStore = ledger.NewPostgresStoreFromDB(db)
		escrowStore = escrow.NewPostgresStore(db)
		resvRepo = reservations.NewPostgresRepository(db)
		trajStore = trajectory.NewPostgresStoreFromDB(db)
	} else {
		logger.Warn("PG_DSN not set, using in-memory stores")
		ledgerStore = ledger.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		resvRepo = reservations.NewMemoryRepository()
		trajStore = trajectory.NewMemoryStore()
	}

	var gateway ledger.PaymentGateway
	if os.Getenv("STRIPE_API_KEY") != "" {
		gateway = payments.NewStripeGateway()
	}
	led := ledger.New(ledgerStore, gateway, ledger.Config{
		PlatformAccountID: cfg.PlatformAccountID,
		ClearingAccountID: cfg.ClearingAccountID,
		Currency:          cfg.Currency,
		AutoRefill:        cfg.AutoRefill,
		RefillAmount:      cfg.RefillAmount,
	}, logger)
	if err := led.RegisterSystemAccounts(context.Background()); err != nil {
		log.Fatalf("system accounts: %v", err)
	}

	var locker locks.Locker
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		locker = locks.NewRedisLocker(rc, cfg.LockPrefix)
	} else {
		logger.Warn("REDIS_ADDR not set, using in-process locks")
		locker = locks.NewMemoryLocker()
	}

	escrows := escrow.NewManager(led, escrowStore)
	wsreg := dispatch.NewWSRegistry(logger)

	coord := &settlement.Coordinator{
		Trajectories: trajStore,
		Matcher: &matcher.Matcher{
			ProximityMeters:    cfg.ProximityMeters,
			BucketSeconds:      cfg.BucketSeconds,
			MinMatchingBuckets: cfg.MinMatchingBuckets,
		},
		Escrows:      escrows,
		Ledger:       led,
		Reservations: resvRepo,
		Locks:        locker,
		Notify:       wsreg,
		PayerFee:     cfg.PayerFee,
		PayeeFee:     cfg.PayeeFee,
		LockTTL:      cfg.LockTTL,
		Logger:       logger,
	}
	if cfg.IncentiveEndpoint != "" {
		coord.Incentive = incentive.NewClient(cfg.IncentiveEndpoint)
	}
	var producer *ingest.SettlementProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewSettlementProducer(cfg.KafkaBrokers, cfg.SettlementTopic)
		defer producer.Close()
		coord.Events = producer
	}

	resolver := &conflict.Resolver{
		Reservations: resvRepo,
		Escrows:      escrows,
		Locks:        locker,
		Notify:       wsreg,
		CarpoolSlack: cfg.CarpoolSlack,
		LockTTL:      cfg.LockTTL,
		Logger:       logger,
	}

	srv := httpapi.New(httpapi.Params{
		Coordinator: coord,
		Resolver:    resolver,
		Ledger:      led,
		Escrows:     escrows,
		WSReg:       wsreg,
		Logger:      logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("carpool-settlement listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

func runMigrations(db *sql.DB) error {
	files, err := filepath.Glob(filepath.Join("migrations", "*.sql"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		if _, err := db.Exec(string(b)); err != nil {
			return err
		}
		log.Printf("migration applied: %s", filepath.Base(f))
	}
	return nil
}
