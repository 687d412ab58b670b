package memory

import (
	"sync"
	"time"

	"ledger-core/pkg/metrics"
)

// MemoryCollector implements MetricsCollector for in-memory testing.
type MemoryCollector struct {
	mu sync.RWMutex

	// Settlement outcomes by label
	outcomes            map[string]int64
	settlementDurations []time.Duration

	replays map[string]int64
	retries map[string]int64

	// Per-store call metrics
	storeMetrics map[string]*StoreMetrics
}

// StoreMetrics holds metrics for a single store.
type StoreMetrics struct {
	Calls  int64
	Errors int64

	// Calls by operation name
	CallsByOperation map[string]int64

	CircuitState metrics.CircuitState
	CircuitOpens int64

	Latencies []time.Duration
}

// NewMemoryCollector creates a new in-memory metrics collector.
func NewMemoryCollector() *MemoryCollector {
	return &MemoryCollector{
		outcomes:     make(map[string]int64),
		replays:      make(map[string]int64),
		retries:      make(map[string]int64),
		storeMetrics: make(map[string]*StoreMetrics),
	}
}

// store returns the StoreMetrics for the given store. Callers hold mc.mu.
func (mc *MemoryCollector) store(name string) *StoreMetrics {
	if _, exists := mc.storeMetrics[name]; !exists {
		mc.storeMetrics[name] = &StoreMetrics{
			CallsByOperation: make(map[string]int64),
		}
	}
	return mc.storeMetrics[name]
}

// RecordSettlement records the outcome of one settlement.
func (mc *MemoryCollector) RecordSettlement(outcome string, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.outcomes[outcome]++
	mc.settlementDurations = append(mc.settlementDurations, duration)
}

// RecordCommitRetry records a retried commit.
func (mc *MemoryCollector) RecordCommitRetry(store string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.retries[store]++
}

// RecordReplay records a replayed settlement.
func (mc *MemoryCollector) RecordReplay(source string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.replays[source]++
}

// RecordStoreCall records a store operation.
func (mc *MemoryCollector) RecordStoreCall(store string, operation string, success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	sm := mc.store(store)
	sm.Calls++
	sm.CallsByOperation[operation]++
	if !success {
		sm.Errors++
	}
	sm.Latencies = append(sm.Latencies, duration)
}

// RecordCircuitState records the current circuit breaker state.
func (mc *MemoryCollector) RecordCircuitState(store string, state metrics.CircuitState) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	sm := mc.store(store)
	oldState := sm.CircuitState
	sm.CircuitState = state

	// Count transitions to open
	if oldState != metrics.CircuitOpen && state == metrics.CircuitOpen {
		sm.CircuitOpens++
	}
}

// Outcome returns how many settlements ended with the given outcome label.
func (mc *MemoryCollector) Outcome(outcome string) int64 {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.outcomes[outcome]
}

// Replays returns how many replays came from source.
func (mc *MemoryCollector) Replays(source string) int64 {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.replays[source]
}

// Retries returns how many commits were retried against store.
func (mc *MemoryCollector) Retries(store string) int64 {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.retries[store]
}

// Snapshot is a copy of the collected metrics.
type Snapshot struct {
	Outcomes     map[string]int64
	Replays      map[string]int64
	Retries      map[string]int64
	StoreMetrics map[string]StoreMetrics
}

// Snapshot returns a copy of the current metrics state.
func (mc *MemoryCollector) Snapshot() Snapshot {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	snapshot := Snapshot{
		Outcomes:     copyCounts(mc.outcomes),
		Replays:      copyCounts(mc.replays),
		Retries:      copyCounts(mc.retries),
		StoreMetrics: make(map[string]StoreMetrics),
	}
	for name, sm := range mc.storeMetrics {
		c := *sm
		c.CallsByOperation = copyCounts(sm.CallsByOperation)
		c.Latencies = append([]time.Duration(nil), sm.Latencies...)
		snapshot.StoreMetrics[name] = c
	}
	return snapshot
}

// GetStoreMetrics returns a copy of the metrics for a specific store.
func (mc *MemoryCollector) GetStoreMetrics(store string) *StoreMetrics {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	if sm, exists := mc.storeMetrics[store]; exists {
		c := *sm
		c.CallsByOperation = copyCounts(sm.CallsByOperation)
		return &c
	}
	return nil
}

// Reset clears all collected metrics.
func (mc *MemoryCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.outcomes = make(map[string]int64)
	mc.settlementDurations = nil
	mc.replays = make(map[string]int64)
	mc.retries = make(map[string]int64)
	mc.storeMetrics = make(map[string]*StoreMetrics)
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
