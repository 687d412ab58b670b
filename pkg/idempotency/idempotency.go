// Package idempotency caches settlement receipts by (user, idempotency key)
// so a retried request can be answered without touching the ledger store.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"ledger-core/pkg/ledger"
)

// Record is the receipt of one committed settlement.
type Record struct {
	UserID      string              `json:"userId"`
	Key         string              `json:"key"`
	Fingerprint string              `json:"fingerprint"`
	Account     *ledger.Account     `json:"account"`
	Transaction *ledger.Transaction `json:"transaction"`
	CreatedAt   time.Time           `json:"createdAt"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Account = r.Account.Clone()
	c.Transaction = r.Transaction.Clone()
	return &c
}

// Cache stores receipts. Get returns ledger.ErrNotFound on a miss. Put is
// first-writer-wins: an existing receipt for the same key is never replaced.
type Cache interface {
	Get(ctx context.Context, userID, key string) (*Record, error)
	Put(ctx context.Context, record *Record) error
	Name() string
	Close() error
}

// Fingerprint identifies the request a key was first used with.
func Fingerprint(accountID string, amount int64, merchantName string) string {
	h := sha256.New()
	h.Write([]byte(accountID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(amount, 10)))
	h.Write([]byte{0})
	h.Write([]byte(merchantName))
	return hex.EncodeToString(h.Sum(nil))
}

// FingerprintTransaction derives the fingerprint of a committed transaction,
// given the label prefix the engine used.
func FingerprintTransaction(tx *ledger.Transaction, labelPrefix string) string {
	merchant := tx.Label
	if len(merchant) >= len(labelPrefix) && merchant[:len(labelPrefix)] == labelPrefix {
		merchant = merchant[len(labelPrefix):]
	}
	return Fingerprint(tx.AccountID, -tx.Amount, merchant)
}

// ScopedKey joins user and key into a single cache key.
func ScopedKey(userID, key string) string {
	return userID + "\x00" + key
}

// NoOpCache never stores anything.
type NoOpCache struct{}

// Get always misses.
func (NoOpCache) Get(ctx context.Context, userID, key string) (*Record, error) {
	return nil, ledger.ErrNotFound
}

// Put does nothing.
func (NoOpCache) Put(ctx context.Context, record *Record) error { return nil }

// Name returns "noop".
func (NoOpCache) Name() string { return "noop" }

// Close does nothing.
func (NoOpCache) Close() error { return nil }
