package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"ledger-core/pkg/ledger"
	"ledger-core/pkg/logging"

	"go.uber.org/zap"
)

// Store is an in-process ledger store. Each account is guarded by its own
// mutex, so debits against different accounts proceed in parallel while
// debits against the same account are serialized.
type Store struct {
	// accounts maps account id to its record
	accounts map[string]*record

	// mu protects the accounts map itself, not the records
	mu sync.RWMutex

	// indexMu protects txIDs, byKey, pending and log. It is taken after a
	// record's mutex, never before, and only for short reservations.
	indexMu sync.Mutex
	txIDs   map[string]struct{}
	byKey   map[string]*ledger.Transaction
	pending map[string]struct{}
	log     []*ledger.Transaction

	config StoreConfig
	logger *logging.Logger
}

type record struct {
	mu      sync.Mutex
	account ledger.Account
	initial int64
	txs     []*ledger.Transaction
}

// Hooks inject faults for tests. They are read without locking, so set
// them before the store is used concurrently.
type Hooks struct {
	// BeforeCommit runs before the account lock is taken. A non-nil error aborts the commit.
	BeforeCommit func(ctx context.Context, accountID string) error

	// FailAppend runs after the balance has been modified and before the
	// transaction is appended. A non-nil error rolls the debit back.
	FailAppend func(tx *ledger.Transaction) error
}

// StoreConfig holds configuration for the memory store
type StoreConfig struct {
	// Name is the store identifier
	Name string

	// Clock stamps account updates. Defaults to time.Now.
	Clock func() time.Time

	Hooks  Hooks
	Logger *logging.Logger
}

// NewStore creates an empty memory store.
func NewStore(config StoreConfig) *Store {
	if config.Name == "" {
		config.Name = "memory"
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Global()
	}

	return &Store{
		accounts: make(map[string]*record),
		txIDs:    make(map[string]struct{}),
		byKey:    make(map[string]*ledger.Transaction),
		pending:  make(map[string]struct{}),
		config:   config,
		logger:   logger.Named("store").Named(config.Name),
	}
}

// Name returns the store identifier.
func (s *Store) Name() string {
	return s.config.Name
}

// SetHooks replaces the fault-injection hooks.
func (s *Store) SetHooks(h Hooks) {
	s.config.Hooks = h
}

// CreateAccount provisions an account. The balance becomes the initial balance.
func (s *Store) CreateAccount(ctx context.Context, account *ledger.Account) error {
	if account == nil || account.ID == "" {
		return ledger.Fail(ledger.KindInvalidRequest, "account id is required")
	}
	if account.OwnerID == "" {
		return ledger.Fail(ledger.KindInvalidRequest, "account owner is required")
	}
	if account.Balance < 0 {
		return ledger.Fail(ledger.KindInvalidAmount, "initial balance must not be negative")
	}

	acct := *account
	if acct.Currency == "" {
		acct.Currency = ledger.DefaultCurrency
	}
	if acct.UpdatedAt.IsZero() {
		acct.UpdatedAt = s.config.Clock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[acct.ID]; exists {
		return ledger.Fail(ledger.KindInvalidRequest, "account %s already exists", acct.ID)
	}
	s.accounts[acct.ID] = &record{account: acct, initial: acct.Balance}
	return nil
}

// GetAccount returns a copy of the account.
func (s *Store) GetAccount(ctx context.Context, accountID string) (*ledger.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, ledger.Wrap(ledger.KindStoreUnavailable, err, "get account")
	}

	rec := s.lookup(accountID)
	if rec == nil {
		return nil, ledger.Fail(ledger.KindAccountNotFound, "account not found")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.account.Clone(), nil
}

// DebitAndAppend atomically re-validates and applies the debit and appends tx.
func (s *Store) DebitAndAppend(ctx context.Context, accountID string, amount int64, tx *ledger.Transaction) (*ledger.Account, error) {
	if err := ledger.ValidateDebit(accountID, amount, tx); err != nil {
		return nil, err
	}
	if hook := s.config.Hooks.BeforeCommit; hook != nil {
		if err := hook(ctx, accountID); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, ledger.Wrap(ledger.KindStoreUnavailable, err, "commit aborted")
	}

	rec := s.lookup(accountID)
	if rec == nil {
		return nil, ledger.Fail(ledger.KindAccountNotFound, "account not found")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if err := s.reserve(tx); err != nil {
		return nil, err
	}

	if rec.account.OwnerID != tx.UserID {
		s.release(tx)
		return nil, ledger.Fail(ledger.KindAccountNotOwned, "account not owned by caller")
	}
	if rec.account.Balance < amount {
		s.release(tx)
		return nil, ledger.Fail(ledger.KindInsufficientFunds, "insufficient funds")
	}

	before := rec.account
	rec.account.Balance -= amount
	rec.account.Version++
	rec.account.UpdatedAt = s.config.Clock()

	if hook := s.config.Hooks.FailAppend; hook != nil {
		if err := hook(tx); err != nil {
			rec.account = before
			s.release(tx)
			s.logger.Warn("append failed, debit rolled back",
				zap.String("account_id", accountID),
				zap.String("transaction_id", tx.ID),
				zap.Error(err),
			)
			return nil, ledger.Wrap(ledger.KindStoreUnavailable, err, "append transaction")
		}
	}

	stored := tx.Clone()
	rec.txs = append(rec.txs, stored)

	s.indexMu.Lock()
	s.log = append(s.log, stored)
	if stored.IdempotencyKey != "" {
		k := indexKey(stored.UserID, stored.IdempotencyKey)
		delete(s.pending, k)
		s.byKey[k] = stored
	}
	s.indexMu.Unlock()

	return rec.account.Clone(), nil
}

// reserve claims the transaction id and idempotency key of tx until the
// commit finishes or release is called. A key held by a commit still in
// progress on another account is a conflict the caller may retry.
func (s *Store) reserve(tx *ledger.Transaction) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	if tx.IdempotencyKey != "" {
		k := indexKey(tx.UserID, tx.IdempotencyKey)
		if existing, ok := s.byKey[k]; ok {
			return &ledger.DuplicateError{Existing: existing.Clone()}
		}
		if _, busy := s.pending[k]; busy {
			return ledger.Fail(ledger.KindCommitConflict, "idempotency key is being committed")
		}
	}
	if _, taken := s.txIDs[tx.ID]; taken {
		return ledger.Fail(ledger.KindCommitConflict, "transaction id %s already used", tx.ID)
	}

	s.txIDs[tx.ID] = struct{}{}
	if tx.IdempotencyKey != "" {
		s.pending[indexKey(tx.UserID, tx.IdempotencyKey)] = struct{}{}
	}
	return nil
}

func (s *Store) release(tx *ledger.Transaction) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	delete(s.txIDs, tx.ID)
	if tx.IdempotencyKey != "" {
		delete(s.pending, indexKey(tx.UserID, tx.IdempotencyKey))
	}
}

// FindByIdempotencyKey returns the transaction committed under the key.
func (s *Store) FindByIdempotencyKey(ctx context.Context, userID, key string) (*ledger.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, ledger.Wrap(ledger.KindStoreUnavailable, err, "find by idempotency key")
	}

	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	tx, ok := s.byKey[indexKey(userID, key)]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return tx.Clone(), nil
}

// ListAccounts returns the owner's accounts ordered by id.
func (s *Store) ListAccounts(ctx context.Context, ownerID string) ([]*ledger.Account, error) {
	s.mu.RLock()
	recs := make([]*record, 0, len(s.accounts))
	for _, rec := range s.accounts {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	result := make([]*ledger.Account, 0)
	for _, rec := range recs {
		rec.mu.Lock()
		if rec.account.OwnerID == ownerID {
			result = append(result, rec.account.Clone())
		}
		rec.mu.Unlock()
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// ListTransactions returns the user's transactions, newest first.
func (s *Store) ListTransactions(ctx context.Context, userID string, limit int) ([]*ledger.Transaction, error) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	result := make([]*ledger.Transaction, 0)
	for i := len(s.log) - 1; i >= 0; i-- {
		if s.log[i].UserID != userID {
			continue
		}
		result = append(result, s.log[i].Clone())
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

// AccountTransactions returns the transactions appended to one account in commit order.
func (s *Store) AccountTransactions(accountID string) []*ledger.Transaction {
	rec := s.lookup(accountID)
	if rec == nil {
		return nil
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	out := make([]*ledger.Transaction, len(rec.txs))
	for i, tx := range rec.txs {
		out[i] = tx.Clone()
	}
	return out
}

// CheckInvariant verifies that every account's balance equals its initial
// balance plus the sum of its committed transactions and is not negative.
func (s *Store) CheckInvariant() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for id, rec := range s.accounts {
		rec.mu.Lock()
		sum := rec.initial
		for _, tx := range rec.txs {
			sum += tx.Amount
		}
		balance := rec.account.Balance
		rec.mu.Unlock()

		if balance != sum {
			return ledger.Fail(ledger.KindUnknown, "account %s: balance %d diverges from log total %d", id, balance, sum)
		}
		if balance < 0 {
			return ledger.Fail(ledger.KindUnknown, "account %s: negative balance", id)
		}
	}
	return nil
}

type snapshotAccount struct {
	Account      ledger.Account        `json:"account"`
	Transactions []*ledger.Transaction `json:"transactions"`
}

// Snapshot returns a deterministic encoding of all accounts and their logs.
// Two snapshots are byte-identical when no mutation happened in between.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	out := make([]snapshotAccount, 0, len(ids))
	for _, id := range ids {
		rec := s.lookup(id)
		rec.mu.Lock()
		snap := snapshotAccount{
			Account:      rec.account,
			Transactions: make([]*ledger.Transaction, len(rec.txs)),
		}
		for i, tx := range rec.txs {
			snap.Transactions[i] = tx.Clone()
		}
		rec.mu.Unlock()
		out = append(out, snap)
	}

	return json.Marshal(out)
}

// Close is a no-op for the memory store.
func (s *Store) Close() error {
	return nil
}

func (s *Store) lookup(accountID string) *record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accounts[accountID]
}

func indexKey(userID, key string) string {
	return userID + "\x00" + key
}
