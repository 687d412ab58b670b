package mock

import (
	"context"
	"sync/atomic"

	"ledger-core/pkg/ledger"
)

// MockStore is a mock implementation of ledger.Store for testing.
// It allows injecting custom behavior for each method and tracks call counts.
type MockStore struct {
	// Function hooks - set these to customize behavior
	GetAccountFunc           func(ctx context.Context, accountID string) (*ledger.Account, error)
	DebitAndAppendFunc       func(ctx context.Context, accountID string, amount int64, tx *ledger.Transaction) (*ledger.Account, error)
	FindByIdempotencyKeyFunc func(ctx context.Context, userID, key string) (*ledger.Transaction, error)
	NameFunc                 func() string
	CloseFunc                func() error

	// Call tracking (must use atomic operations for race-free access)
	getCalls   int64
	debitCalls int64
	findCalls  int64
	closeCalls int64
}

// NewMockStore creates a MockStore whose lookups miss and whose commits succeed.
func NewMockStore(name string) *MockStore {
	return &MockStore{
		NameFunc: func() string { return name },
	}
}

// GetAccount implements ledger.Store.GetAccount.
func (m *MockStore) GetAccount(ctx context.Context, accountID string) (*ledger.Account, error) {
	atomic.AddInt64(&m.getCalls, 1)
	if m.GetAccountFunc != nil {
		return m.GetAccountFunc(ctx, accountID)
	}
	return nil, ledger.Fail(ledger.KindAccountNotFound, "account not found")
}

// DebitAndAppend implements ledger.Store.DebitAndAppend.
func (m *MockStore) DebitAndAppend(ctx context.Context, accountID string, amount int64, tx *ledger.Transaction) (*ledger.Account, error) {
	atomic.AddInt64(&m.debitCalls, 1)
	if m.DebitAndAppendFunc != nil {
		return m.DebitAndAppendFunc(ctx, accountID, amount, tx)
	}
	return &ledger.Account{ID: accountID, OwnerID: tx.UserID}, nil
}

// FindByIdempotencyKey implements ledger.Store.FindByIdempotencyKey.
func (m *MockStore) FindByIdempotencyKey(ctx context.Context, userID, key string) (*ledger.Transaction, error) {
	atomic.AddInt64(&m.findCalls, 1)
	if m.FindByIdempotencyKeyFunc != nil {
		return m.FindByIdempotencyKeyFunc(ctx, userID, key)
	}
	return nil, ledger.ErrNotFound
}

// Name implements ledger.Store.Name.
func (m *MockStore) Name() string {
	if m.NameFunc != nil {
		return m.NameFunc()
	}
	return "mock"
}

// Close implements ledger.Store.Close.
func (m *MockStore) Close() error {
	atomic.AddInt64(&m.closeCalls, 1)
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

// GetCalls returns the number of GetAccount calls.
func (m *MockStore) GetCalls() int {
	return int(atomic.LoadInt64(&m.getCalls))
}

// DebitCalls returns the number of DebitAndAppend calls.
func (m *MockStore) DebitCalls() int {
	return int(atomic.LoadInt64(&m.debitCalls))
}

// FindCalls returns the number of FindByIdempotencyKey calls.
func (m *MockStore) FindCalls() int {
	return int(atomic.LoadInt64(&m.findCalls))
}

// CloseCalls returns the number of Close calls.
func (m *MockStore) CloseCalls() int {
	return int(atomic.LoadInt64(&m.closeCalls))
}
