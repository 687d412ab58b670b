package settlement

import (
	"time"

	"ledger-core/pkg/idempotency"
	"ledger-core/pkg/logging"
	"ledger-core/pkg/metrics"

	"github.com/google/uuid"
)

// DefaultLabelPrefix prefixes the merchant name in transaction labels.
const DefaultLabelPrefix = "QRIS payment: "

// Config configures an Engine.
type Config struct {
	// RequireIdempotencyKey rejects intents without a key. Default: true
	RequireIdempotencyKey bool

	// MaxCommitRetries is how many times a CommitConflict is retried
	// before it is returned to the caller. Default: 3
	MaxCommitRetries int

	// RetryBackoff is the base delay between commit retries; it doubles
	// per attempt up to MaxRetryBackoff, with jitter.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration

	// CommitTimeout bounds a settlement once it has been handed to the
	// store. It is independent of the caller's context. Default: 5s
	CommitTimeout time.Duration

	// LabelPrefix is prepended to the merchant name. Default: "QRIS payment: "
	LabelPrefix string

	// Receipts caches committed settlements per idempotency key. Default: NoOpCache
	Receipts idempotency.Cache

	Clock   func() time.Time
	NewID   func() string
	Metrics metrics.MetricsCollector
	Logger  *logging.Logger
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RequireIdempotencyKey: true,
		MaxCommitRetries:      3,
		RetryBackoff:          10 * time.Millisecond,
		MaxRetryBackoff:       200 * time.Millisecond,
		CommitTimeout:         5 * time.Second,
		LabelPrefix:           DefaultLabelPrefix,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxCommitRetries < 0 {
		c.MaxCommitRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 10 * time.Millisecond
	}
	if c.MaxRetryBackoff < c.RetryBackoff {
		c.MaxRetryBackoff = c.RetryBackoff
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = 5 * time.Second
	}
	if c.LabelPrefix == "" {
		c.LabelPrefix = DefaultLabelPrefix
	}
	if c.Receipts == nil {
		c.Receipts = idempotency.NoOpCache{}
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NoOpCollector{}
	}
	if c.Logger == nil {
		c.Logger = logging.Global()
	}
	return c
}
