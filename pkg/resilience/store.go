package resilience

import (
	"context"
	"errors"
	"time"

	"ledger-core/pkg/ledger"
	"ledger-core/pkg/logging"
	"ledger-core/pkg/metrics"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var (
	// ErrCircuitOpen is wrapped into StoreUnavailable when the breaker rejects a call
	ErrCircuitOpen = errors.New("ledger: circuit breaker open")

	// ErrTimeout is wrapped into StoreUnavailable when a store call exceeds its timeout
	ErrTimeout = errors.New("ledger: store operation timeout")
)

// ResilientStore wraps a ledger.Store with a circuit breaker and a per-call
// timeout. Only infrastructure failures count against the breaker.
type ResilientStore struct {
	store   ledger.Store
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	metrics metrics.MetricsCollector
	logger  *logging.Logger
}

// NewResilientStore creates a resilient wrapper around the given store.
func NewResilientStore(store ledger.Store, config ResilientConfig) *ResilientStore {
	return NewResilientStoreWithMetrics(store, config, metrics.NoOpCollector{})
}

// NewResilientStoreWithMetrics creates a resilient wrapper with a custom metrics collector.
func NewResilientStoreWithMetrics(store ledger.Store, config ResilientConfig, metricsCollector metrics.MetricsCollector) *ResilientStore {
	if metricsCollector == nil {
		metricsCollector = metrics.NoOpCollector{}
	}
	logger := logging.Global().Named("resilience").Named(store.Name())

	rs := &ResilientStore{
		store:   store,
		timeout: config.Timeout,
		metrics: metricsCollector,
		logger:  logger,
	}

	logger.Info("resilient store initialized",
		zap.String("store", store.Name()),
		zap.Duration("timeout", config.Timeout),
		zap.Uint32("max_requests", config.CircuitBreakerConfig.MaxRequests),
		zap.Duration("circuit_interval", config.CircuitBreakerConfig.Interval),
		zap.Duration("circuit_timeout", config.CircuitBreakerConfig.Timeout),
	)

	readyToTrip := config.CircuitBreakerConfig.ReadyToTrip
	if readyToTrip == nil {
		readyToTrip = ConsecutiveFailures(5)
	}

	settings := gobreaker.Settings{
		Name:        store.Name(),
		MaxRequests: config.CircuitBreakerConfig.MaxRequests,
		Interval:    config.CircuitBreakerConfig.Interval,
		Timeout:     config.CircuitBreakerConfig.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return readyToTrip(Counts{
				Requests:             counts.Requests,
				TotalSuccesses:       counts.TotalSuccesses,
				TotalFailures:        counts.TotalFailures,
				ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
				ConsecutiveFailures:  counts.ConsecutiveFailures,
			})
		},
		IsSuccessful: func(err error) bool {
			return err == nil || ledger.IsBusinessFailure(err) || errors.Is(err, ledger.ErrNotFound)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("store", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)

			var state metrics.CircuitState
			switch to {
			case gobreaker.StateClosed:
				state = metrics.CircuitClosed
			case gobreaker.StateHalfOpen:
				state = metrics.CircuitHalfOpen
			case gobreaker.StateOpen:
				state = metrics.CircuitOpen
			}
			rs.metrics.RecordCircuitState(name, state)
		},
	}

	rs.cb = gobreaker.NewCircuitBreaker(settings)

	return rs
}

// Name returns the name of the underlying store.
func (rs *ResilientStore) Name() string {
	return rs.store.Name()
}

// State returns the current circuit breaker state.
func (rs *ResilientStore) State() metrics.CircuitState {
	switch rs.cb.State() {
	case gobreaker.StateOpen:
		return metrics.CircuitOpen
	case gobreaker.StateHalfOpen:
		return metrics.CircuitHalfOpen
	default:
		return metrics.CircuitClosed
	}
}

// Unwrap returns the wrapped store.
func (rs *ResilientStore) Unwrap() ledger.Store {
	return rs.store
}

// execute runs fn through the breaker under the per-call timeout and
// translates breaker and deadline errors into StoreUnavailable.
func execute[T any](rs *ResilientStore, ctx context.Context, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	start := time.Now()
	storeName := rs.store.Name()

	if rs.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rs.timeout)
		defer cancel()
	}

	result, err := rs.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})

	duration := time.Since(start)
	rs.metrics.RecordStoreCall(storeName, operation, err == nil || ledger.IsBusinessFailure(err), duration)

	var zero T
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			rs.logger.Warn("circuit breaker open - request rejected",
				zap.String("operation", operation),
			)
			return zero, ledger.Wrap(ledger.KindStoreUnavailable, ErrCircuitOpen, storeName+" "+operation)
		}
		if ctx.Err() == context.DeadlineExceeded && !ledger.IsBusinessFailure(err) {
			rs.logger.Warn("operation timeout",
				zap.String("operation", operation),
				zap.Duration("timeout", rs.timeout),
				zap.Duration("elapsed", duration),
			)
			return zero, ledger.Wrap(ledger.KindStoreUnavailable, ErrTimeout, storeName+" "+operation)
		}
		if !ledger.IsBusinessFailure(err) && !errors.Is(err, ledger.ErrNotFound) {
			rs.logger.Error("store operation failed",
				zap.String("operation", operation),
				zap.Duration("duration", duration),
				zap.Error(err),
			)
		}
		return zero, err
	}

	if result == nil {
		return zero, nil
	}
	return result.(T), nil
}

// GetAccount loads an account through the breaker.
func (rs *ResilientStore) GetAccount(ctx context.Context, accountID string) (*ledger.Account, error) {
	return execute(rs, ctx, "get_account", func(ctx context.Context) (*ledger.Account, error) {
		return rs.store.GetAccount(ctx, accountID)
	})
}

// DebitAndAppend commits through the breaker.
func (rs *ResilientStore) DebitAndAppend(ctx context.Context, accountID string, amount int64, tx *ledger.Transaction) (*ledger.Account, error) {
	return execute(rs, ctx, "debit_and_append", func(ctx context.Context) (*ledger.Account, error) {
		return rs.store.DebitAndAppend(ctx, accountID, amount, tx)
	})
}

// FindByIdempotencyKey looks up a committed key through the breaker.
func (rs *ResilientStore) FindByIdempotencyKey(ctx context.Context, userID, key string) (*ledger.Transaction, error) {
	return execute(rs, ctx, "find_by_idempotency_key", func(ctx context.Context) (*ledger.Transaction, error) {
		return rs.store.FindByIdempotencyKey(ctx, userID, key)
	})
}

// ListAccounts forwards to the wrapped store when it serves reads.
func (rs *ResilientStore) ListAccounts(ctx context.Context, ownerID string) ([]*ledger.Account, error) {
	reader, ok := rs.store.(ledger.Reader)
	if !ok {
		return nil, ledger.Fail(ledger.KindStoreUnavailable, "%s does not serve read queries", rs.store.Name())
	}
	return execute(rs, ctx, "list_accounts", func(ctx context.Context) ([]*ledger.Account, error) {
		return reader.ListAccounts(ctx, ownerID)
	})
}

// ListTransactions forwards to the wrapped store when it serves reads.
func (rs *ResilientStore) ListTransactions(ctx context.Context, userID string, limit int) ([]*ledger.Transaction, error) {
	reader, ok := rs.store.(ledger.Reader)
	if !ok {
		return nil, ledger.Fail(ledger.KindStoreUnavailable, "%s does not serve read queries", rs.store.Name())
	}
	return execute(rs, ctx, "list_transactions", func(ctx context.Context) ([]*ledger.Transaction, error) {
		return reader.ListTransactions(ctx, userID, limit)
	})
}

// Ping checks the wrapped store's connection when it supports it. A ping
// does not pass through the breaker, so health checks see the real backend.
func (rs *ResilientStore) Ping(ctx context.Context) error {
	p, ok := rs.store.(interface{ Ping(context.Context) error })
	if !ok {
		return nil
	}
	if rs.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rs.timeout)
		defer cancel()
	}
	return p.Ping(ctx)
}

// Close closes the underlying store.
func (rs *ResilientStore) Close() error {
	return rs.store.Close()
}
