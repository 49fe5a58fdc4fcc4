package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BreakerState exports the current circuit breaker state per external
	// service: 0 closed, 1 half-open, 2 open.
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_circuit_breaker_state",
		Help: "Circuit breaker state per external service (0=closed, 1=half-open, 2=open)",
	}, []string{"service"})

	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_circuit_breaker_transitions_total",
		Help: "Circuit breaker state transitions",
	}, []string{"service", "from", "to"})

	ProviderRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_provider_request_duration_seconds",
		Help:    "Duration of outbound provider API calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "operation"})

	TransactionsInitiated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_transactions_initiated_total",
		Help: "Gateway transactions accepted by a provider and persisted as PENDING",
	}, []string{"provider"})

	TransactionsReconciled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_transactions_reconciled_total",
		Help: "Gateway transactions moved to a terminal status",
	}, []string{"provider", "status"})

	StalePendingTransactions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_stale_pending_transactions",
		Help: "PENDING transactions older than the sweep age at last sweep",
	})

	OrphanedSuccessTransactions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_orphaned_success_transactions",
		Help: "SUCCESS transactions with no linked payment at last sweep",
	})
)
