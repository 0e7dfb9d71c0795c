package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config captures all tunable parameters for the settlement engine processes.
// Values are primarily loaded from environment variables with sane defaults
// so the binaries can run locally without excessive setup.
type Config struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PGDSN string

	RedisAddr     string
	RedisPassword string
	LockPrefix    string
	LockTTL       time.Duration

	KafkaBrokers    []string
	TrajectoryTopic string
	SettlementTopic string
	KafkaGroup      string

	IncentiveEndpoint string

	// system ledger accounts, injected instead of global state
	PlatformAccountID string
	ClearingAccountID string
	Currency          string
	AutoRefill        bool
	RefillAmount      decimal.Decimal

	PayerFee decimal.Decimal
	PayeeFee decimal.Decimal

	ProximityMeters    float64
	BucketSeconds      int
	MinMatchingBuckets int

	RecalcWindow   time.Duration
	RecalcInterval time.Duration
	CarpoolSlack   time.Duration

	LogLevel      string
	RunMigrations bool
}

func defaultConfig() Config {
	return Config{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,

		LockPrefix: "settle:offer:",
		LockTTL:    30 * time.Second,

		TrajectoryTopic: "trajectory-points",
		SettlementTopic: "settlement-events",
		KafkaGroup:      "carpool-settlement",

		PlatformAccountID: "platform:main",
		ClearingAccountID: "clearing:card",
		Currency:          "usd",
		RefillAmount:      decimal.NewFromInt(10),

		PayerFee: decimal.RequireFromString("1.00"),
		PayeeFee: decimal.RequireFromString("0.75"),

		ProximityMeters:    100,
		BucketSeconds:      5,
		MinMatchingBuckets: 36,

		RecalcWindow:   72 * time.Hour,
		RecalcInterval: 15 * time.Minute,
		CarpoolSlack:   15 * time.Minute,

		LogLevel: "info",
	}
}

func Load() (Config, error) {
	cfg := defaultConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.PGDSN = os.Getenv("PG_DSN")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.LockPrefix, "LOCK_PREFIX")
	setDurationFromEnv(&cfg.LockTTL, "LOCK_TTL", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.TrajectoryTopic, "TRAJECTORY_TOPIC")
	setStringFromEnv(&cfg.SettlementTopic, "SETTLEMENT_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.IncentiveEndpoint = strings.TrimSpace(os.Getenv("INCENTIVE_ENDPOINT"))

	setStringFromEnv(&cfg.PlatformAccountID, "PLATFORM_ACCOUNT_ID")
	setStringFromEnv(&cfg.ClearingAccountID, "CLEARING_ACCOUNT_ID")
	setStringFromEnv(&cfg.Currency, "CURRENCY")
	cfg.AutoRefill = strings.EqualFold(os.Getenv("AUTO_REFILL"), "true")
	setDecimalFromEnv(&cfg.RefillAmount, "REFILL_AMOUNT", &errs)

	setDecimalFromEnv(&cfg.PayerFee, "PAYER_FEE", &errs)
	setDecimalFromEnv(&cfg.PayeeFee, "PAYEE_FEE", &errs)

	setFloatFromEnv(&cfg.ProximityMeters, "PROXIMITY_METERS", &errs)
	setIntFromEnv(&cfg.BucketSeconds, "BUCKET_SECONDS", &errs)
	setIntFromEnv(&cfg.MinMatchingBuckets, "MIN_MATCHING_BUCKETS", &errs)

	setDurationFromEnv(&cfg.RecalcWindow, "RECALC_WINDOW", &errs)
	setDurationFromEnv(&cfg.RecalcInterval, "RECALC_INTERVAL", &errs)
	setDurationFromEnv(&cfg.CarpoolSlack, "CARPOOL_SLACK", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.MinMatchingBuckets <= 0 {
		errs = append(errs, fmt.Errorf("MIN_MATCHING_BUCKETS must be > 0"))
	}
	if cfg.BucketSeconds <= 0 {
		errs = append(errs, fmt.Errorf("BUCKET_SECONDS must be > 0"))
	}
	if cfg.PayerFee.IsNegative() || cfg.PayeeFee.IsNegative() {
		errs = append(errs, fmt.Errorf("fees must not be negative"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setDecimalFromEnv(target *decimal.Decimal, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
