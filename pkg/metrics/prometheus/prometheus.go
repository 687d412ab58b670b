package prometheus

import (
	"time"

	"ledger-core/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements MetricsCollector for Prometheus.
type PrometheusCollector struct {
	namespace string

	// Settlements
	settlements        *prometheus.CounterVec
	settlementDuration *prometheus.HistogramVec
	commitRetries      *prometheus.CounterVec
	replays            *prometheus.CounterVec

	// Store calls
	storeCalls   *prometheus.CounterVec
	storeErrors  *prometheus.CounterVec
	storeLatency *prometheus.HistogramVec

	// Circuit breaker
	circuitOpens *prometheus.CounterVec
	circuitState *prometheus.GaugeVec
}

// NewPrometheusCollector creates a new Prometheus metrics collector.
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	return &PrometheusCollector{
		namespace: namespace,
		settlements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "settlements_total",
				Help:      "Total number of settlement attempts by outcome",
			},
			[]string{"outcome"},
		),
		settlementDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "settlement_duration_seconds",
				Help:      "Settlement latency by outcome",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15), // 0.1ms to ~3s
			},
			[]string{"outcome"},
		),
		commitRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commit_retries_total",
				Help:      "Total number of commits retried after a conflict",
			},
			[]string{"store"},
		),
		replays: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "idempotent_replays_total",
				Help:      "Total number of settlements answered from an earlier commit",
			},
			[]string{"source"},
		),
		storeCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_calls_total",
				Help:      "Total number of ledger store calls per store and operation",
			},
			[]string{"store", "operation"},
		),
		storeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_errors_total",
				Help:      "Total number of failed ledger store calls per store and operation",
			},
			[]string{"store", "operation"},
		),
		storeLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_call_duration_seconds",
				Help:      "Ledger store call latency",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15),
			},
			[]string{"store", "operation"},
		),
		circuitOpens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_opens_total",
				Help:      "Total number of circuit breaker opens per store",
			},
			[]string{"store"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_state",
				Help:      "Current circuit breaker state per store (0=closed, 1=open, 2=half-open)",
			},
			[]string{"store"},
		),
	}
}

func (pc *PrometheusCollector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		pc.settlements,
		pc.settlementDuration,
		pc.commitRetries,
		pc.replays,
		pc.storeCalls,
		pc.storeErrors,
		pc.storeLatency,
		pc.circuitOpens,
		pc.circuitState,
	}
}

// Register registers all metrics with the given Prometheus registerer.
func (pc *PrometheusCollector) Register(registry prometheus.Registerer) error {
	for _, collector := range pc.collectors() {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// Describe implements prometheus.Collector.
func (pc *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range pc.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (pc *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	for _, c := range pc.collectors() {
		c.Collect(ch)
	}
}

// RecordSettlement records the outcome of one settlement.
func (pc *PrometheusCollector) RecordSettlement(outcome string, duration time.Duration) {
	pc.settlements.WithLabelValues(outcome).Inc()
	pc.settlementDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordCommitRetry records a retried commit.
func (pc *PrometheusCollector) RecordCommitRetry(store string) {
	pc.commitRetries.WithLabelValues(store).Inc()
}

// RecordReplay records a replayed settlement.
func (pc *PrometheusCollector) RecordReplay(source string) {
	pc.replays.WithLabelValues(source).Inc()
}

// RecordStoreCall records a store operation.
func (pc *PrometheusCollector) RecordStoreCall(store string, operation string, success bool, duration time.Duration) {
	pc.storeCalls.WithLabelValues(store, operation).Inc()
	if !success {
		pc.storeErrors.WithLabelValues(store, operation).Inc()
	}
	pc.storeLatency.WithLabelValues(store, operation).Observe(duration.Seconds())
}

// RecordCircuitState records the current circuit breaker state.
func (pc *PrometheusCollector) RecordCircuitState(store string, state metrics.CircuitState) {
	pc.circuitState.WithLabelValues(store).Set(float64(state))
	if state == metrics.CircuitOpen {
		pc.circuitOpens.WithLabelValues(store).Inc()
	}
}
