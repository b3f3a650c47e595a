package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ledger client counters and histograms. Everything lives under the
// bloodledger namespace so a shared Prometheus can scrape several clients.

var (
	// RPC transport
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bloodledger",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Total JSON-RPC calls by endpoint, method and outcome class",
	}, []string{"endpoint", "method", "status"})

	RPCRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bloodledger",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "Total times an RPC call waited for a rate limiter token",
	}, []string{"endpoint"})

	RPCBreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bloodledger",
		Subsystem: "rpc",
		Name:      "breaker_transitions_total",
		Help:      "Circuit breaker state transitions",
	}, []string{"endpoint", "from", "to"})

	// Session
	SessionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bloodledger",
		Subsystem: "session",
		Name:      "transitions_total",
		Help:      "Connection state transitions",
	}, []string{"from", "to"})

	SessionConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bloodledger",
		Subsystem: "session",
		Name:      "connected",
		Help:      "1 while a wallet account is connected",
	})

	WalletNotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bloodledger",
		Subsystem: "wallet",
		Name:      "notifications_total",
		Help:      "Wallet notifications handled by kind",
	}, []string{"kind"})

	// Projections
	ProjectionBuildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bloodledger",
		Subsystem: "projection",
		Name:      "builds_total",
		Help:      "Projection rebuilds by kind and result",
	}, []string{"projection", "result"})

	ProjectionBuildLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bloodledger",
		Subsystem: "projection",
		Name:      "build_duration_seconds",
		Help:      "Projection rebuild duration",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"projection"})

	ProjectionDiscardedResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bloodledger",
		Subsystem: "projection",
		Name:      "discarded_results_total",
		Help:      "Rebuild results dropped because the view was retired or superseded",
	}, []string{"projection"})

	ProjectionInvalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bloodledger",
		Subsystem: "projection",
		Name:      "invalidations_total",
		Help:      "Projection invalidations issued after confirmed writes",
	}, []string{"projection"})

	ProjectionViewsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bloodledger",
		Subsystem: "projection",
		Name:      "views_active",
		Help:      "Views currently held by at least one lease",
	}, []string{"projection"})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bloodledger",
		Subsystem: "projection",
		Name:      "cache_lookups_total",
		Help:      "Lookups against projection side caches",
	}, []string{"cache", "result"})

	// Writes
	WriteSubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bloodledger",
		Subsystem: "write",
		Name:      "submissions_total",
		Help:      "Contract writes by operation and outcome class",
	}, []string{"operation", "result"})

	WriteConfirmLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bloodledger",
		Subsystem: "write",
		Name:      "confirm_duration_seconds",
		Help:      "Time from submission to a mined receipt",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"operation"})

	// Error channel
	ErrorChannelFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bloodledger",
		Subsystem: "errors",
		Name:      "failures_total",
		Help:      "Errors recorded per error context and kind",
	}, []string{"context", "kind"})

	// Session flag store
	FlagStoreOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bloodledger",
		Subsystem: "store",
		Name:      "ops_total",
		Help:      "Disconnect-flag store operations by backend, op and result",
	}, []string{"backend", "op", "result"})
)
