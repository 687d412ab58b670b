// Package settlement validates payment intents and commits them against a
// ledger store as one atomic debit and log append per intent.
package settlement

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"ledger-core/pkg/idempotency"
	"ledger-core/pkg/ledger"
	"ledger-core/pkg/logging"
	"ledger-core/pkg/metrics"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Outcome labels for successful settlements. Failures are labelled by
// ledger.ClassifyError.
const (
	OutcomeSuccess  = "success"
	OutcomeReplayed = "replayed"
)

// Result is the outcome of a successful settlement.
type Result struct {
	Account     *ledger.Account
	Transaction *ledger.Transaction

	// Replayed is true when the result was produced by an earlier request
	// carrying the same idempotency key, and no new debit happened.
	Replayed bool
}

func (r *Result) clone() *Result {
	return &Result{
		Account:     r.Account.Clone(),
		Transaction: r.Transaction.Clone(),
		Replayed:    r.Replayed,
	}
}

// Engine settles payment intents. It is safe for concurrent use.
type Engine struct {
	store  ledger.Store
	config Config
	logger *logging.Logger

	group singleflight.Group

	// inflight tracks commits running detached from their caller.
	// closing is set by Shutdown under mu so no Add races its Wait.
	mu       sync.RWMutex
	closing  bool
	inflight sync.WaitGroup
}

// New creates an engine with DefaultConfig.
func New(store ledger.Store) *Engine {
	engine, _ := NewWithConfig(DefaultConfig(), store)
	return engine
}

// NewWithConfig creates an engine with the given configuration.
func NewWithConfig(config Config, store ledger.Store) (*Engine, error) {
	if store == nil {
		return nil, errors.New("settlement: store is required")
	}
	config = config.withDefaults()

	return &Engine{
		store:  store,
		config: config,
		logger: config.Logger.Named("settlement"),
	}, nil
}

// Store returns the ledger store the engine commits to.
func (e *Engine) Store() ledger.Store {
	return e.store
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.config
}

// Settle validates intent on behalf of userID and, if every precondition
// holds, debits the account and appends the transaction atomically.
//
// If ctx ends before the store has answered, Settle returns a
// StoreUnavailable failure wrapping ctx.Err(). The commit itself keeps
// running under its own CommitTimeout and is either fully applied or not
// at all; retrying with the same idempotency key returns its outcome.
func (e *Engine) Settle(ctx context.Context, userID string, intent ledger.PaymentIntent) (*Result, error) {
	start := e.config.Clock()

	result, err := e.settle(ctx, userID, intent)

	duration := e.config.Clock().Sub(start)
	outcome := outcomeOf(result, err)
	e.config.Metrics.RecordSettlement(outcome, duration)

	fields := []zap.Field{
		zap.String("account_id", intent.AccountID),
		zap.Int64("amount", intent.Amount),
		zap.String("outcome", outcome),
		zap.Duration("duration", duration),
	}
	switch {
	case err == nil:
		fields = append(fields,
			zap.String("transaction_id", result.Transaction.ID),
			zap.Bool("replayed", result.Replayed),
		)
		e.logger.Info("settlement committed", fields...)
	case ledger.IsRetryable(err):
		e.logger.Warn("settlement failed", append(fields, zap.Error(err))...)
	default:
		e.logger.Info("settlement rejected", fields...)
	}

	return result, err
}

func (e *Engine) settle(ctx context.Context, userID string, intent ledger.PaymentIntent) (*Result, error) {
	if err := e.validate(userID, intent); err != nil {
		return nil, err
	}

	if ctx.Err() != nil {
		return nil, e.abandonedCtx(ctx)
	}

	fingerprint := idempotency.Fingerprint(intent.AccountID, intent.Amount, intent.MerchantName)

	if intent.IdempotencyKey == "" {
		return e.detached(ctx, func(commitCtx context.Context) (*Result, error) {
			return e.execute(commitCtx, userID, intent, fingerprint)
		})
	}

	if result, ok, err := e.fromReceipt(ctx, userID, intent.IdempotencyKey, fingerprint); ok || err != nil {
		return result, err
	}

	// Requests with the same key and payload share one execution. A
	// different payload under the same key runs separately and is caught
	// by the store's key uniqueness.
	flightKey := idempotency.ScopedKey(userID, intent.IdempotencyKey) + "\x00" + fingerprint
	if !e.track() {
		return nil, errShuttingDown()
	}
	led := false
	ch := e.group.DoChan(flightKey, func() (interface{}, error) {
		led = true
		commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.CommitTimeout)
		defer cancel()
		return e.execute(commitCtx, userID, intent, fingerprint)
	})

	// Every caller holds the WaitGroup until the flight it joined ends, so
	// the leader stays tracked even after its own caller has left.
	done := make(chan singleflight.Result, 1)
	go func() {
		defer e.inflight.Done()
		done <- <-ch
	}()

	select {
	case r := <-done:
		if r.Err != nil {
			return nil, r.Err
		}
		result := r.Val.(*Result).clone()
		if !led && !result.Replayed {
			result.Replayed = true
			e.config.Metrics.RecordReplay(metrics.ReplayInFlight)
		}
		return result, nil
	case <-ctx.Done():
		return nil, e.abandoned(ctx, intent)
	}
}

// detached runs fn on a context that survives cancellation of ctx and is
// bounded by CommitTimeout. If ctx ends first, the caller gets a
// StoreUnavailable failure while fn runs to completion in the background.
func (e *Engine) detached(ctx context.Context, fn func(ctx context.Context) (*Result, error)) (*Result, error) {
	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)

	if !e.track() {
		return nil, errShuttingDown()
	}
	go func() {
		defer e.inflight.Done()
		commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.CommitTimeout)
		defer cancel()

		result, err := fn(commitCtx)
		done <- outcome{result, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		return nil, e.abandonedCtx(ctx)
	}
}

func (e *Engine) abandonedCtx(ctx context.Context) error {
	return ledger.Wrap(ledger.KindStoreUnavailable, ctx.Err(),
		"request ended before the settlement outcome was known; retry with the same idempotency key")
}

func (e *Engine) abandoned(ctx context.Context, intent ledger.PaymentIntent) error {
	e.logger.Warn("caller left before commit finished",
		zap.String("account_id", intent.AccountID),
		zap.String("idempotency_key", intent.IdempotencyKey),
		zap.Error(ctx.Err()),
	)
	return e.abandonedCtx(ctx)
}

// track registers a detached commit. It reports false once Shutdown has begun.
func (e *Engine) track() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closing {
		return false
	}
	e.inflight.Add(1)
	return true
}

func errShuttingDown() error {
	return ledger.Fail(ledger.KindStoreUnavailable, "settlement engine is shutting down")
}

// Wait blocks until every detached commit has finished.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

// Shutdown rejects new settlements and waits for detached commits until
// ctx ends.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) validate(userID string, intent ledger.PaymentIntent) error {
	if intent.Amount <= 0 {
		return ledger.Fail(ledger.KindInvalidAmount, "amount must be a positive integer")
	}
	if ledger.IsBlank(intent.MerchantName) {
		return ledger.Fail(ledger.KindInvalidRequest, "merchant name is required")
	}
	if ledger.IsBlank(intent.AccountID) {
		return ledger.Fail(ledger.KindInvalidRequest, "source account id is required")
	}
	if ledger.IsBlank(userID) {
		return ledger.Fail(ledger.KindInvalidRequest, "user id is required")
	}
	if intent.IdempotencyKey == "" {
		if e.config.RequireIdempotencyKey {
			return ledger.Fail(ledger.KindInvalidRequest, "idempotency key is required")
		}
		return nil
	}
	return ledger.ValidateIdempotencyKey(intent.IdempotencyKey)
}

// fromReceipt answers from the receipt cache. ok is false on a miss.
func (e *Engine) fromReceipt(ctx context.Context, userID, key, fingerprint string) (*Result, bool, error) {
	rec, err := e.config.Receipts.Get(ctx, userID, key)
	if err != nil {
		if !errors.Is(err, ledger.ErrNotFound) {
			e.logger.Warn("receipt lookup failed",
				zap.String("cache", e.config.Receipts.Name()),
				zap.Error(err),
			)
		}
		return nil, false, nil
	}
	if rec.UserID != userID {
		return nil, false, nil
	}
	if rec.Fingerprint != fingerprint {
		return nil, false, keyReused()
	}

	e.config.Metrics.RecordReplay(metrics.ReplayFromCache)
	return &Result{Account: rec.Account, Transaction: rec.Transaction, Replayed: true}, true, nil
}

// execute runs the read-only precheck and the commit loop.
func (e *Engine) execute(ctx context.Context, userID string, intent ledger.PaymentIntent, fingerprint string) (*Result, error) {
	if err := e.precheck(ctx, userID, intent); err != nil {
		// A key committed earlier (from another replica, or after its
		// receipt expired) must replay even if the precheck now fails.
		if intent.IdempotencyKey != "" && ledger.IsBusinessFailure(err) {
			existing, findErr := e.store.FindByIdempotencyKey(ctx, userID, intent.IdempotencyKey)
			if findErr == nil && existing.UserID == userID {
				result, replayErr := e.replay(ctx, userID, intent.IdempotencyKey, existing, fingerprint)
				if ledger.KindOf(replayErr) == ledger.KindAccountNotOwned {
					return nil, err
				}
				return result, replayErr
			}
		}
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		tx := &ledger.Transaction{
			ID:             e.config.NewID(),
			AccountID:      intent.AccountID,
			UserID:         userID,
			Label:          e.config.LabelPrefix + intent.MerchantName,
			Amount:         -intent.Amount,
			IdempotencyKey: intent.IdempotencyKey,
			CreatedAt:      e.config.Clock().UTC(),
		}

		account, err := e.store.DebitAndAppend(ctx, intent.AccountID, intent.Amount, tx)
		if err == nil {
			result := &Result{Account: account, Transaction: tx}
			e.remember(ctx, userID, intent.IdempotencyKey, fingerprint, result)
			return result, nil
		}

		var dup *ledger.DuplicateError
		if errors.As(err, &dup) {
			return e.replay(ctx, userID, intent.IdempotencyKey, dup.Existing, fingerprint)
		}

		if ledger.KindOf(err) != ledger.KindCommitConflict || attempt >= e.config.MaxCommitRetries {
			return nil, err
		}

		e.config.Metrics.RecordCommitRetry(e.store.Name())
		e.logger.Debug("commit conflict, retrying",
			zap.String("account_id", intent.AccountID),
			zap.Int("attempt", attempt+1),
		)
		if err := sleep(ctx, e.backoff(attempt)); err != nil {
			return nil, ledger.Wrap(ledger.KindCommitConflict, err, "commit retry abandoned")
		}
	}
}

// precheck rejects intents that cannot succeed without attempting a mutation.
// The store re-validates everything at commit time.
func (e *Engine) precheck(ctx context.Context, userID string, intent ledger.PaymentIntent) error {
	account, err := e.store.GetAccount(ctx, intent.AccountID)
	if err != nil {
		return err
	}
	if account.OwnerID != userID {
		return ledger.Fail(ledger.KindAccountNotOwned, "account not owned by caller")
	}
	if account.Balance < intent.Amount {
		return ledger.Fail(ledger.KindInsufficientFunds, "insufficient funds")
	}
	return nil
}

// replay answers with a transaction committed earlier under the same key.
func (e *Engine) replay(ctx context.Context, userID, key string, existing *ledger.Transaction, fingerprint string) (*Result, error) {
	if existing == nil {
		return nil, ledger.Fail(ledger.KindCommitConflict, "idempotency key committed but transaction unavailable")
	}
	if existing.UserID != userID {
		return nil, ledger.Fail(ledger.KindAccountNotOwned, "account not owned by caller")
	}
	if idempotency.FingerprintTransaction(existing, e.config.LabelPrefix) != fingerprint {
		return nil, keyReused()
	}

	account, err := e.store.GetAccount(ctx, existing.AccountID)
	if err != nil {
		return nil, err
	}
	if account.OwnerID != userID {
		return nil, ledger.Fail(ledger.KindAccountNotOwned, "account not owned by caller")
	}

	e.config.Metrics.RecordReplay(metrics.ReplayFromStore)
	result := &Result{Account: account, Transaction: existing, Replayed: true}
	e.remember(ctx, userID, key, fingerprint, result)
	return result, nil
}

func (e *Engine) remember(ctx context.Context, userID, key, fingerprint string, result *Result) {
	if key == "" {
		return
	}
	err := e.config.Receipts.Put(ctx, &idempotency.Record{
		UserID:      userID,
		Key:         key,
		Fingerprint: fingerprint,
		Account:     result.Account.Clone(),
		Transaction: result.Transaction.Clone(),
		CreatedAt:   e.config.Clock(),
	})
	if err != nil {
		e.logger.Warn("failed to store receipt",
			zap.String("cache", e.config.Receipts.Name()),
			zap.String("transaction_id", result.Transaction.ID),
			zap.Error(err),
		)
	}
}

func (e *Engine) backoff(attempt int) time.Duration {
	d := e.config.RetryBackoff << uint(attempt)
	if d <= 0 || d > e.config.MaxRetryBackoff {
		d = e.config.MaxRetryBackoff
	}
	// Full jitter over the upper half keeps retries of racing callers apart.
	half := int64(d / 2)
	return time.Duration(half + rand.Int64N(half+1))
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// outcomeOf labels a settlement for metrics and logs.
func outcomeOf(result *Result, err error) string {
	switch {
	case err != nil:
		return ledger.ClassifyError(err)
	case result.Replayed:
		return OutcomeReplayed
	default:
		return OutcomeSuccess
	}
}

func keyReused() error {
	return ledger.Wrap(ledger.KindInvalidRequest, ledger.ErrIdempotencyKeyReused,
		"idempotency key was already used for a different payment")
}
