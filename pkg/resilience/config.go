package resilience

import (
	"time"
)

// ResilientConfig bounds every call to the wrapped ledger store and decides
// when the store is considered down.
type ResilientConfig struct {
	// Timeout bounds each store call. Zero disables the per-call timeout.
	Timeout time.Duration

	CircuitBreakerConfig CircuitBreakerConfig
}

// CircuitBreakerConfig maps onto gobreaker.Settings. Only infrastructure
// errors count as failures; declined settlements never open the circuit.
type CircuitBreakerConfig struct {
	// MaxRequests probe calls are let through while half-open.
	MaxRequests uint32

	// Interval resets the closed-state counts. Zero keeps them forever.
	Interval time.Duration

	// Timeout is how long the circuit stays open before probing the store.
	Timeout time.Duration

	// ReadyToTrip opens the circuit. Nil means five consecutive failures.
	ReadyToTrip func(counts Counts) bool
}

// Counts mirrors gobreaker.Counts for the current interval.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// FailureRatio trips once at least minRequests calls were seen and the
// share of failed ones reaches ratio.
func FailureRatio(minRequests uint32, ratio float64) func(Counts) bool {
	return func(counts Counts) bool {
		if counts.Requests < minRequests {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) >= ratio
	}
}

// ConsecutiveFailures trips after n failed calls in a row.
func ConsecutiveFailures(n uint32) func(Counts) bool {
	return func(counts Counts) bool {
		return counts.ConsecutiveFailures >= n
	}
}

// DefaultResilientConfig opens the circuit when half of at least 20 calls
// in a minute fail, and probes the store again after 30s.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		Timeout: 3 * time.Second,
		CircuitBreakerConfig: CircuitBreakerConfig{
			MaxRequests: 5,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: FailureRatio(20, 0.5),
		},
	}
}

// WithTimeout returns a copy with the per-call timeout replaced.
func (c ResilientConfig) WithTimeout(timeout time.Duration) ResilientConfig {
	c.Timeout = timeout
	return c
}

// WithCircuitBreakerTimeout returns a copy with the open-state duration replaced.
func (c ResilientConfig) WithCircuitBreakerTimeout(timeout time.Duration) ResilientConfig {
	c.CircuitBreakerConfig.Timeout = timeout
	return c
}
