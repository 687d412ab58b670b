package idempotency

import (
	"context"
	"errors"
	"sync"

	"ledger-core/pkg/ledger"

	"github.com/bits-and-blooms/bloom/v3"
)

// BloomCache puts a bloom filter in front of a receipt cache. Keys that
// were never Put are answered as misses without a round trip to the
// underlying cache, which matters when that cache is remote.
//
// The filter only knows keys written through this process. Wrap a shared
// remote cache with it only when a false miss is acceptable: the store's
// key uniqueness still catches the duplicate at commit time.
type BloomCache struct {
	cache  Cache
	filter *bloom.BloomFilter
	mu     sync.RWMutex

	expectedItems     uint
	falsePositiveRate float64

	totalQueries   uint64
	bloomRejected  uint64
	falsePositives uint64
}

// NewBloomCache wraps cache with a bloom prefilter sized for expectedItems.
func NewBloomCache(cache Cache, expectedItems uint, falsePositiveRate float64) *BloomCache {
	if expectedItems == 0 {
		expectedItems = 100000
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	return &BloomCache{
		cache:             cache,
		filter:            bloom.NewWithEstimates(expectedItems, falsePositiveRate),
		expectedItems:     expectedItems,
		falsePositiveRate: falsePositiveRate,
	}
}

// Name returns the name of the wrapped cache.
func (b *BloomCache) Name() string {
	return "bloom(" + b.cache.Name() + ")"
}

// Get consults the filter before the wrapped cache.
func (b *BloomCache) Get(ctx context.Context, userID, key string) (*Record, error) {
	scoped := []byte(ScopedKey(userID, key))

	b.mu.Lock()
	b.totalQueries++
	if !b.filter.Test(scoped) {
		b.bloomRejected++
		b.mu.Unlock()
		return nil, ledger.ErrNotFound
	}
	b.mu.Unlock()

	rec, err := b.cache.Get(ctx, userID, key)
	if errors.Is(err, ledger.ErrNotFound) {
		b.mu.Lock()
		b.falsePositives++
		b.mu.Unlock()
	}
	return rec, err
}

// Put records the key in the filter and forwards to the wrapped cache.
func (b *BloomCache) Put(ctx context.Context, record *Record) error {
	if record == nil {
		return nil
	}
	b.mu.Lock()
	b.filter.Add([]byte(ScopedKey(record.UserID, record.Key)))
	b.mu.Unlock()

	return b.cache.Put(ctx, record)
}

// Close closes the wrapped cache.
func (b *BloomCache) Close() error {
	return b.cache.Close()
}

// Reset clears the filter and its counters.
func (b *BloomCache) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.filter = bloom.NewWithEstimates(b.expectedItems, b.falsePositiveRate)
	b.totalQueries = 0
	b.bloomRejected = 0
	b.falsePositives = 0
}

// BloomStats holds statistics about bloom filter performance.
type BloomStats struct {
	TotalQueries   uint64
	BloomRejected  uint64
	FalsePositives uint64
	FilterCapacity uint
}

// Stats returns the filter's counters.
func (b *BloomCache) Stats() BloomStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return BloomStats{
		TotalQueries:   b.totalQueries,
		BloomRejected:  b.bloomRejected,
		FalsePositives: b.falsePositives,
		FilterCapacity: b.filter.Cap(),
	}
}
