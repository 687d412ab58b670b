package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"ledger-core/pkg/ledger"
	"ledger-core/pkg/logging"

	"github.com/redis/rueidis"
	"go.uber.org/zap"
)

// debitScript performs every check and write of a settlement in one
// script execution, which Redis runs without interleaving other commands.
//
// KEYS: account hash, account log, user log, tx id key, idempotency key
// ARGV: amount, user id, tx json, updated_at (unix nanos), has idempotency key
const debitScript = `
if ARGV[5] == '1' then
  local existing = redis.call('GET', KEYS[5])
  if existing then return {'duplicate', existing} end
end
if redis.call('EXISTS', KEYS[1]) == 0 then return {'not_found'} end
if redis.call('EXISTS', KEYS[4]) == 1 then return {'conflict'} end
if redis.call('HGET', KEYS[1], 'owner') ~= ARGV[2] then return {'not_owned'} end
local amount = tonumber(ARGV[1])
if tonumber(redis.call('HGET', KEYS[1], 'balance')) < amount then return {'insufficient'} end
local balance = redis.call('HINCRBY', KEYS[1], 'balance', -amount)
local version = redis.call('HINCRBY', KEYS[1], 'version', 1)
redis.call('HSET', KEYS[1], 'updated_at', ARGV[4])
redis.call('RPUSH', KEYS[2], ARGV[3])
redis.call('LPUSH', KEYS[3], ARGV[3])
redis.call('SET', KEYS[4], ARGV[3])
if ARGV[5] == '1' then redis.call('SET', KEYS[5], ARGV[3]) end
return {'ok', tostring(balance), tostring(version), redis.call('HGET', KEYS[1], 'currency')}
`

// createScript inserts an account only if the id is unused.
//
// KEYS: account hash, owner index
// ARGV: id, owner, balance, currency, updated_at
const createScript = `
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'owner', ARGV[2], 'balance', ARGV[3], 'currency', ARGV[4], 'version', '0', 'updated_at', ARGV[5])
redis.call('SADD', KEYS[2], ARGV[1])
return 1
`

// Store is a ledger store backed by Redis. Only single-node and sentinel
// deployments are supported: the keys of one settlement are not slot-aligned.
type Store struct {
	client rueidis.Client
	config Config
	debit  *rueidis.Lua
	create *rueidis.Lua
	logger *logging.Logger
}

// Config holds Redis connection settings shared by the store and the receipt cache.
type Config struct {
	Name string
	// Addr is the Redis server address for single node mode.
	Addr     string
	Username string
	Password string
	DB       int
	// KeyPrefix namespaces every key written by this package.
	KeyPrefix    string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// Sentinel configuration for high availability
	SentinelMasterSet string
	SentinelAddrs     []string
	SentinelUsername  string
	SentinelPassword  string

	Logger *logging.Logger
}

// DefaultConfig returns a single-node configuration on localhost.
func DefaultConfig() Config {
	return Config{
		Name:         "redis",
		Addr:         "localhost:6379",
		KeyPrefix:    "ledger:",
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewClient creates a rueidis client for the config and verifies it with PING.
func NewClient(config Config) (rueidis.Client, error) {
	var initAddress []string
	if len(config.SentinelAddrs) > 0 {
		initAddress = config.SentinelAddrs
	} else if config.Addr != "" {
		initAddress = []string{config.Addr}
	} else {
		return nil, fmt.Errorf("redis: no addresses configured (set Addr or SentinelAddrs)")
	}

	clientOpts := rueidis.ClientOption{
		InitAddress:      initAddress,
		Username:         config.Username,
		Password:         config.Password,
		SelectDB:         config.DB,
		ConnWriteTimeout: config.WriteTimeout,
		MaxFlushDelay:    100 * time.Microsecond,
	}
	if len(config.SentinelAddrs) > 0 {
		clientOpts.Sentinel = rueidis.SentinelOption{
			MasterSet: config.SentinelMasterSet,
			Username:  config.SentinelUsername,
			Password:  config.SentinelPassword,
		}
	}

	client, err := rueidis.NewClient(clientOpts)
	if err != nil {
		return nil, fmt.Errorf("redis: failed to create client: %w", err)
	}

	dialTimeout := config.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: failed to ping server: %w", err)
	}

	return client, nil
}

// NewStore connects to Redis and returns a store.
func NewStore(config Config) (*Store, error) {
	client, err := NewClient(config)
	if err != nil {
		return nil, err
	}
	return NewStoreWithClient(client, config), nil
}

// NewStoreWithClient builds a store on an existing client. Close closes the client.
func NewStoreWithClient(client rueidis.Client, config Config) *Store {
	if config.Name == "" {
		config.Name = "redis"
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Global()
	}
	return &Store{
		client: client,
		config: config,
		debit:  rueidis.NewLuaScript(debitScript),
		create: rueidis.NewLuaScript(createScript),
		logger: logger.Named("store").Named(config.Name),
	}
}

// Name returns the store identifier.
func (s *Store) Name() string {
	return s.config.Name
}

// segment length-prefixes an id so ids containing ':' cannot collide
// with another key's suffix.
func segment(id string) string {
	return strconv.Itoa(len(id)) + ":" + id
}

func (s *Store) accountKey(id string) string    { return s.config.KeyPrefix + "account:" + segment(id) }
func (s *Store) accountLogKey(id string) string { return s.config.KeyPrefix + "account-txs:" + segment(id) }
func (s *Store) userLogKey(id string) string    { return s.config.KeyPrefix + "user-txs:" + segment(id) }
func (s *Store) ownerKey(id string) string      { return s.config.KeyPrefix + "user-accounts:" + segment(id) }
func (s *Store) txKey(id string) string         { return s.config.KeyPrefix + "tx:" + segment(id) }
func (s *Store) idemKey(userID, key string) string {
	return s.config.KeyPrefix + "idem:" + segment(userID) + ":" + key
}

// CreateAccount inserts a new account.
func (s *Store) CreateAccount(ctx context.Context, account *ledger.Account) error {
	if account == nil || account.ID == "" || account.OwnerID == "" {
		return ledger.Fail(ledger.KindInvalidRequest, "account id and owner are required")
	}
	if account.Balance < 0 {
		return ledger.Fail(ledger.KindInvalidAmount, "initial balance must not be negative")
	}
	currency := account.Currency
	if currency == "" {
		currency = ledger.DefaultCurrency
	}
	updated := account.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	created, err := s.create.Exec(ctx, s.client,
		[]string{s.accountKey(account.ID), s.ownerKey(account.OwnerID)},
		[]string{account.ID, account.OwnerID, strconv.FormatInt(account.Balance, 10), currency, strconv.FormatInt(updated.UnixNano(), 10)},
	).AsInt64()
	if err != nil {
		return unavailable(err, "create account")
	}
	if created == 0 {
		return ledger.Fail(ledger.KindInvalidRequest, "account %s already exists", account.ID)
	}
	return nil
}

// GetAccount loads one account.
func (s *Store) GetAccount(ctx context.Context, accountID string) (*ledger.Account, error) {
	fields, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.accountKey(accountID)).Build()).AsStrMap()
	if err != nil {
		return nil, unavailable(err, "get account")
	}
	if len(fields) == 0 {
		return nil, ledger.Fail(ledger.KindAccountNotFound, "account not found")
	}
	return parseAccount(accountID, fields)
}

// DebitAndAppend runs the debit script.
func (s *Store) DebitAndAppend(ctx context.Context, accountID string, amount int64, tx *ledger.Transaction) (*ledger.Account, error) {
	if err := ledger.ValidateDebit(accountID, amount, tx); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("redis: failed to marshal transaction: %w", err)
	}

	hasKey := "0"
	idem := s.idemKey(tx.UserID, "")
	if tx.IdempotencyKey != "" {
		hasKey = "1"
		idem = s.idemKey(tx.UserID, tx.IdempotencyKey)
	}
	now := time.Now()

	reply, err := s.debit.Exec(ctx, s.client,
		[]string{s.accountKey(accountID), s.accountLogKey(accountID), s.userLogKey(tx.UserID), s.txKey(tx.ID), idem},
		[]string{strconv.FormatInt(amount, 10), tx.UserID, string(payload), strconv.FormatInt(now.UnixNano(), 10), hasKey},
	).ToArray()
	if err != nil {
		return nil, unavailable(err, "debit")
	}
	if len(reply) == 0 {
		return nil, unavailable(fmt.Errorf("empty script reply"), "debit")
	}

	status, err := reply[0].ToString()
	if err != nil {
		return nil, unavailable(err, "debit")
	}

	switch status {
	case "ok":
		return parseDebitReply(accountID, tx.UserID, now, reply)
	case "duplicate":
		raw, err := reply[1].ToString()
		if err != nil {
			return nil, unavailable(err, "debit")
		}
		existing, err := decodeTransaction(raw)
		if err != nil {
			return nil, err
		}
		return nil, &ledger.DuplicateError{Existing: existing}
	case "not_found":
		return nil, ledger.Fail(ledger.KindAccountNotFound, "account not found")
	case "not_owned":
		return nil, ledger.Fail(ledger.KindAccountNotOwned, "account not owned by caller")
	case "insufficient":
		return nil, ledger.Fail(ledger.KindInsufficientFunds, "insufficient funds")
	case "conflict":
		return nil, ledger.Fail(ledger.KindCommitConflict, "transaction id %s already used", tx.ID)
	default:
		return nil, unavailable(fmt.Errorf("unexpected script status %q", status), "debit")
	}
}

// FindByIdempotencyKey returns the transaction committed under the key.
func (s *Store) FindByIdempotencyKey(ctx context.Context, userID, key string) (*ledger.Transaction, error) {
	raw, err := s.client.Do(ctx, s.client.B().Get().Key(s.idemKey(userID, key)).Build()).ToString()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, ledger.ErrNotFound
		}
		return nil, unavailable(err, "find by idempotency key")
	}
	return decodeTransaction(raw)
}

// ListAccounts returns the owner's accounts ordered by id.
func (s *Store) ListAccounts(ctx context.Context, ownerID string) ([]*ledger.Account, error) {
	ids, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.ownerKey(ownerID)).Build()).AsStrSlice()
	if err != nil {
		return nil, unavailable(err, "list accounts")
	}
	sort.Strings(ids)

	result := make([]*ledger.Account, 0, len(ids))
	for _, id := range ids {
		acct, err := s.GetAccount(ctx, id)
		if ledger.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, acct)
	}
	return result, nil
}

// ListTransactions returns the user's transactions, newest first.
func (s *Store) ListTransactions(ctx context.Context, userID string, limit int) ([]*ledger.Transaction, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	raws, err := s.client.Do(ctx, s.client.B().Lrange().Key(s.userLogKey(userID)).Start(0).Stop(stop).Build()).AsStrSlice()
	if err != nil {
		return nil, unavailable(err, "list transactions")
	}

	result := make([]*ledger.Transaction, 0, len(raws))
	for _, raw := range raws {
		tx, err := decodeTransaction(raw)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, nil
}

// Ping checks the connection to Redis.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Do(ctx, s.client.B().Ping().Build()).Error()
}

// FlushDB removes all keys in the selected database. Used by tests.
func (s *Store) FlushDB(ctx context.Context) error {
	return s.client.Do(ctx, s.client.B().Flushdb().Build()).Error()
}

// Close closes the Redis client.
func (s *Store) Close() error {
	s.client.Close()
	return nil
}

func parseAccount(id string, fields map[string]string) (*ledger.Account, error) {
	balance, err := strconv.ParseInt(fields["balance"], 10, 64)
	if err != nil {
		return nil, unavailable(fmt.Errorf("corrupt balance for %s: %w", id, err), "get account")
	}
	version, _ := strconv.ParseInt(fields["version"], 10, 64)
	updated, _ := strconv.ParseInt(fields["updated_at"], 10, 64)

	return &ledger.Account{
		ID:        id,
		OwnerID:   fields["owner"],
		Balance:   balance,
		Currency:  fields["currency"],
		Version:   version,
		UpdatedAt: time.Unix(0, updated).UTC(),
	}, nil
}

func parseDebitReply(accountID, ownerID string, updated time.Time, reply []rueidis.RedisMessage) (*ledger.Account, error) {
	if len(reply) < 4 {
		return nil, unavailable(fmt.Errorf("short script reply"), "debit")
	}
	fields := make([]string, 3)
	for i := range fields {
		v, err := reply[i+1].ToString()
		if err != nil {
			return nil, unavailable(err, "debit")
		}
		fields[i] = v
	}
	return parseAccount(accountID, map[string]string{
		"owner":      ownerID,
		"balance":    fields[0],
		"version":    fields[1],
		"currency":   fields[2],
		"updated_at": strconv.FormatInt(updated.UnixNano(), 10),
	})
}

func decodeTransaction(raw string) (*ledger.Transaction, error) {
	var tx ledger.Transaction
	if err := json.Unmarshal([]byte(raw), &tx); err != nil {
		return nil, unavailable(fmt.Errorf("failed to unmarshal transaction: %w", err), "decode")
	}
	return &tx, nil
}

func unavailable(err error, op string) error {
	logging.Global().Named("store").Named("redis").Warn("redis operation failed",
		zap.String("operation", op),
		zap.Error(err),
	)
	return ledger.Wrap(ledger.KindStoreUnavailable, err, "redis "+op)
}
