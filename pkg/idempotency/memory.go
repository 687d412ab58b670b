package idempotency

import (
	"context"
	"sync"
	"time"

	"ledger-core/pkg/ledger"
)

// MemoryCache is an in-process receipt cache with TTL expiry and a size bound.
type MemoryCache struct {
	// data maps ScopedKey to entry
	data map[string]*entry

	// mu protects data
	mu sync.RWMutex

	config MemoryCacheConfig

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	wg            sync.WaitGroup
	closeOnce     sync.Once
}

type entry struct {
	record    *Record
	expiresAt time.Time
}

// MemoryCacheConfig holds configuration for the memory receipt cache
type MemoryCacheConfig struct {
	Name string

	// TTL is how long a receipt is kept
	TTL time.Duration

	// MaxSize is the maximum number of receipts (0 = unlimited). When full,
	// the receipt closest to expiry is evicted.
	MaxSize int

	// CleanupInterval is how often expired receipts are purged
	CleanupInterval time.Duration
}

// NewMemoryCache creates a receipt cache and starts its cleanup goroutine.
func NewMemoryCache(config MemoryCacheConfig) *MemoryCache {
	if config.Name == "" {
		config.Name = "memory"
	}
	if config.TTL == 0 {
		config.TTL = 24 * time.Hour
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = time.Minute
	}

	c := &MemoryCache{
		data:          make(map[string]*entry),
		config:        config,
		stopCleanup:   make(chan struct{}),
		cleanupTicker: time.NewTicker(config.CleanupInterval),
	}

	c.wg.Add(1)
	go c.cleanup()

	return c
}

// Name returns the cache identifier.
func (c *MemoryCache) Name() string {
	return c.config.Name
}

// Get returns a copy of the stored receipt.
func (c *MemoryCache) Get(ctx context.Context, userID, key string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	scoped := ScopedKey(userID, key)
	c.mu.RLock()
	e, ok := c.data[scoped]
	c.mu.RUnlock()

	if !ok {
		return nil, ledger.ErrNotFound
	}
	if time.Now().After(e.expiresAt) {
		c.mu.Lock()
		if cur, still := c.data[scoped]; still && cur == e {
			delete(c.data, scoped)
		}
		c.mu.Unlock()
		return nil, ledger.ErrNotFound
	}
	return e.record.Clone(), nil
}

// Put stores the receipt unless a live one already exists for the key.
func (c *MemoryCache) Put(ctx context.Context, record *Record) error {
	if record == nil || record.Key == "" {
		return nil
	}

	scoped := ScopedKey(record.UserID, record.Key)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.data[scoped]; ok && now.Before(e.expiresAt) {
		return nil
	}

	if c.config.MaxSize > 0 && len(c.data) >= c.config.MaxSize {
		var victim string
		var earliest time.Time
		for k, e := range c.data {
			if victim == "" || e.expiresAt.Before(earliest) {
				victim = k
				earliest = e.expiresAt
			}
		}
		delete(c.data, victim)
	}

	c.data[scoped] = &entry{record: record.Clone(), expiresAt: now.Add(c.config.TTL)}
	return nil
}

// Len returns the number of stored receipts, including expired ones not yet purged.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Close stops the cleanup goroutine.
func (c *MemoryCache) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopCleanup)
		c.wg.Wait()
		c.cleanupTicker.Stop()
	})
	return nil
}

func (c *MemoryCache) cleanup() {
	defer c.wg.Done()

	for {
		select {
		case <-c.cleanupTicker.C:
			c.removeExpired()
		case <-c.stopCleanup:
			return
		}
	}
}

func (c *MemoryCache) removeExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.data {
		if now.After(e.expiresAt) {
			delete(c.data, k)
		}
	}
}
