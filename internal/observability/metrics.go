package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	VerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool_settlement", Name: "verifications_total", Help: "Trajectory verifications by outcome"},
		[]string{"outcome"},
	)
	VerificationScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "carpool_settlement",
		Name:      "verification_score",
		Help:      "Matching bucket count per verification",
		Buckets:   []float64{0, 5, 10, 20, 36, 60, 120, 240},
	})

	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool_settlement", Name: "settlements_total", Help: "Settlements by outcome"},
		[]string{"outcome"},
	)
	LedgerPostsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool_settlement", Name: "ledger_posts_total", Help: "Double-entry posts by activity type"},
		[]string{"activity"},
	)
	AutoRefillsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool_settlement", Name: "auto_refills_total", Help: "Wallet auto-refill charges"})

	CancellationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool_settlement", Name: "cancellations_total", Help: "Reservation cancellations by kind"},
		[]string{"kind"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool_settlement", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "carpool_settlement",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
