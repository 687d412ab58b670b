// Package ledger defines the account and transaction model and the storage
// contract the settlement engine commits through.
package ledger

import (
	"context"
	"strings"
	"time"
	"unicode"
)

// DefaultCurrency is used when an account is created without one.
const DefaultCurrency = "IDR"

// MaxIdempotencyKeyLength bounds caller-supplied idempotency keys.
const MaxIdempotencyKeyLength = 255

// Account is a single balance-holding account. Balance is in minor units.
type Account struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"userId"`
	Balance   int64     `json:"balance"`
	Currency  string    `json:"currency"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a copy so callers never share a store's record.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// Transaction is an immutable ledger entry. Amount is negative for a debit.
type Transaction struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"accountId"`
	UserID         string    `json:"userId"`
	Label          string    `json:"name"`
	Amount         int64     `json:"amount"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time `json:"date"`
}

// Clone returns a copy of the transaction.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// PaymentIntent is the per-request input to a settlement.
type PaymentIntent struct {
	Amount         int64
	MerchantName   string
	AccountID      string
	IdempotencyKey string
}

// Store is the durable account and transaction log backend.
//
// DebitAndAppend must re-validate existence, ownership (against tx.UserID)
// and balance at commit time, then apply the debit and append tx as one
// all-or-nothing unit. A (tx.UserID, tx.IdempotencyKey) pair that was
// already committed yields a *DuplicateError carrying the original entry.
type Store interface {
	// GetAccount returns a copy of the account or ErrAccountNotFound.
	GetAccount(ctx context.Context, accountID string) (*Account, error)

	// DebitAndAppend atomically debits amount and appends tx.
	DebitAndAppend(ctx context.Context, accountID string, amount int64, tx *Transaction) (*Account, error)

	// FindByIdempotencyKey returns the committed transaction for the key or ErrNotFound.
	FindByIdempotencyKey(ctx context.Context, userID, key string) (*Transaction, error)

	// Name returns the backend identifier used in logs and metrics.
	Name() string

	// Close releases backend resources.
	Close() error
}

// Reader is implemented by stores that serve caller-facing read queries.
type Reader interface {
	// ListAccounts returns the accounts held by ownerID ordered by id.
	ListAccounts(ctx context.Context, ownerID string) ([]*Account, error)

	// ListTransactions returns userID's transactions, newest first.
	// A limit <= 0 returns all of them.
	ListTransactions(ctx context.Context, userID string, limit int) ([]*Transaction, error)
}

// AccountCreator is implemented by stores that can provision accounts.
type AccountCreator interface {
	CreateAccount(ctx context.Context, account *Account) error
}

// ValidateDebit checks the arguments a store receives before any mutation.
// Stores call it first so a malformed call never reaches storage.
func ValidateDebit(accountID string, amount int64, tx *Transaction) error {
	if amount <= 0 {
		return Fail(KindInvalidAmount, "amount must be a positive integer")
	}
	if accountID == "" {
		return Fail(KindInvalidRequest, "account id is required")
	}
	if tx == nil || tx.ID == "" {
		return Fail(KindInvalidRequest, "transaction id is required")
	}
	if tx.AccountID != accountID {
		return Fail(KindInvalidRequest, "transaction references account %q, debit targets %q", tx.AccountID, accountID)
	}
	if tx.Amount != -amount {
		return Fail(KindInvalidRequest, "transaction amount must be the negated debit")
	}
	if tx.UserID == "" {
		return Fail(KindInvalidRequest, "user id is required")
	}
	return nil
}

// ValidateIdempotencyKey checks a caller-supplied key.
func ValidateIdempotencyKey(key string) error {
	if len(key) > MaxIdempotencyKeyLength {
		return Fail(KindInvalidRequest, "idempotency key exceeds %d characters", MaxIdempotencyKeyLength)
	}
	for _, r := range key {
		if !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return Fail(KindInvalidRequest, "idempotency key contains invalid characters")
		}
	}
	return nil
}

// IsBlank reports whether s is empty after trimming whitespace.
func IsBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
