package metrics

import (
	"time"
)

// MetricsCollector defines the interface for collecting settlement metrics.
// Implementations can export metrics to various backends (Prometheus, in-memory for tests).
type MetricsCollector interface {
	// Settlement outcomes, labelled by ledger.ClassifyError ("none" on success)
	RecordSettlement(outcome string, duration time.Duration)
	RecordCommitRetry(store string)
	RecordReplay(source string)

	// Store calls made through the resilience wrapper
	RecordStoreCall(store string, operation string, success bool, duration time.Duration)

	// Circuit breaker
	RecordCircuitState(store string, state CircuitState)
}

// Replay sources passed to RecordReplay.
const (
	ReplayFromCache = "cache"
	ReplayFromStore = "store"
	ReplayInFlight  = "inflight"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed means the circuit breaker is allowing requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit breaker is blocking requests.
	CircuitOpen
	// CircuitHalfOpen means the circuit breaker is testing if the store has recovered.
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// NoOpCollector is a no-op implementation of MetricsCollector.
// It's used as the default collector when metrics are not needed.
type NoOpCollector struct{}

// RecordSettlement does nothing.
func (NoOpCollector) RecordSettlement(outcome string, duration time.Duration) {}

// RecordCommitRetry does nothing.
func (NoOpCollector) RecordCommitRetry(store string) {}

// RecordReplay does nothing.
func (NoOpCollector) RecordReplay(source string) {}

// RecordStoreCall does nothing.
func (NoOpCollector) RecordStoreCall(store string, operation string, success bool, duration time.Duration) {
}

// RecordCircuitState does nothing.
func (NoOpCollector) RecordCircuitState(store string, state CircuitState) {}
