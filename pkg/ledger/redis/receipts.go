package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ledger-core/pkg/idempotency"
	"ledger-core/pkg/ledger"

	"github.com/redis/rueidis"
)

// ReceiptCache stores settlement receipts in Redis so that replicas of the
// service share them.
type ReceiptCache struct {
	client    rueidis.Client
	name      string
	keyPrefix string
	ttl       time.Duration
	ownClient bool
}

// NewReceiptCache connects to Redis and returns a receipt cache.
func NewReceiptCache(config Config, ttl time.Duration) (*ReceiptCache, error) {
	client, err := NewClient(config)
	if err != nil {
		return nil, err
	}
	rc := NewReceiptCacheWithClient(client, config, ttl)
	rc.ownClient = true
	return rc, nil
}

// NewReceiptCacheWithClient shares an existing client. Close leaves it open.
func NewReceiptCacheWithClient(client rueidis.Client, config Config, ttl time.Duration) *ReceiptCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ReceiptCache{
		client:    client,
		name:      "redis-receipts",
		keyPrefix: config.KeyPrefix + "receipt:",
		ttl:       ttl,
	}
}

// Name returns the cache identifier.
func (c *ReceiptCache) Name() string {
	return c.name
}

func (c *ReceiptCache) key(userID, key string) string {
	return c.keyPrefix + segment(userID) + ":" + key
}

// Get loads a receipt.
func (c *ReceiptCache) Get(ctx context.Context, userID, key string) (*idempotency.Record, error) {
	data, err := c.client.Do(ctx, c.client.B().Get().Key(c.key(userID, key)).Build()).AsBytes()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, ledger.ErrNotFound
		}
		return nil, fmt.Errorf("redis receipt get: %w", err)
	}

	var rec idempotency.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("redis receipt get: failed to unmarshal: %w", err)
	}
	return &rec, nil
}

// Put stores a receipt with SET NX so the first receipt for a key wins.
func (c *ReceiptCache) Put(ctx context.Context, record *idempotency.Record) error {
	if record == nil || record.Key == "" {
		return nil
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("redis receipt put: failed to marshal: %w", err)
	}

	cmd := c.client.B().Set().Key(c.key(record.UserID, record.Key)).Value(string(data)).Nx().Ex(c.ttl).Build()
	if err := c.client.Do(ctx, cmd).Error(); err != nil && !rueidis.IsRedisNil(err) {
		return fmt.Errorf("redis receipt put: %w", err)
	}
	return nil
}

// Close closes the client if this cache created it.
func (c *ReceiptCache) Close() error {
	if c.ownClient {
		c.client.Close()
	}
	return nil
}
