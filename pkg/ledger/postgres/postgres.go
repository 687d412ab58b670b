package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ledger-core/pkg/ledger"
	"ledger-core/pkg/logging"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

const idempotencyIndex = "ledger_transactions_user_key_idx"

// Store is a ledger store backed by PostgreSQL.
//
// A debit is one SQL transaction: a conditional UPDATE that only matches
// when the owner is right and the balance covers the amount, followed by
// the INSERT of the transaction row. The row lock taken by the UPDATE
// serializes concurrent debits on the same account, and the condition is
// re-evaluated against the committed row once the lock is granted.
type Store struct {
	db     *sql.DB
	name   string
	logger *logging.Logger
}

// Config holds PostgreSQL connection configuration.
type Config struct {
	Name string

	// DSN, when set, takes precedence over the individual fields.
	DSN string

	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// Migrate creates the schema on startup.
	Migrate bool

	Logger *logging.Logger
}

// DefaultConfig returns default PostgreSQL configuration.
func DefaultConfig() Config {
	return Config{
		Name:            "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "postgres",
		Password:        "postgres",
		Database:        "ledger",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		Migrate:         true,
	}
}

// ConnString returns the lib/pq connection string for the config.
func (c Config) ConnString() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// NewStore opens a connection pool, verifies it and optionally migrates the schema.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to open connection: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to ping: %w", err)
	}

	s := NewStoreFromDB(db, cfg.Name, cfg.Logger)

	if cfg.Migrate {
		if err := s.Migrate(pingCtx); err != nil {
			db.Close()
			return nil, fmt.Errorf("postgres: failed to migrate: %w", err)
		}
	}

	return s, nil
}

// NewStoreFromDB wraps an existing handle. The caller owns the schema.
func NewStoreFromDB(db *sql.DB, name string, logger *logging.Logger) *Store {
	if name == "" {
		name = "postgres"
	}
	if logger == nil {
		logger = logging.Global()
	}
	return &Store{
		db:     db,
		name:   name,
		logger: logger.Named("store").Named(name),
	}
}

// Migrate creates the ledger tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			balance BIGINT NOT NULL CHECK (balance >= 0),
			currency TEXT NOT NULL DEFAULT 'IDR',
			version BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS accounts_owner_idx ON accounts(owner_id)`,
		`CREATE TABLE IF NOT EXISTS ledger_transactions (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES accounts(id),
			user_id TEXT NOT NULL,
			label TEXT NOT NULL,
			amount BIGINT NOT NULL,
			idempotency_key TEXT,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ` + idempotencyIndex + `
			ON ledger_transactions(user_id, idempotency_key)
			WHERE idempotency_key IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS ledger_transactions_user_created_idx
			ON ledger_transactions(user_id, created_at DESC)`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

// Name returns the store identifier.
func (s *Store) Name() string {
	return s.name
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

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, owner_id, balance, currency) VALUES ($1, $2, $3, $4)`,
		account.ID, account.OwnerID, account.Balance, currency,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ledger.Fail(ledger.KindInvalidRequest, "account %s already exists", account.ID)
		}
		return classifyError(err, "create account")
	}
	return nil
}

// GetAccount loads one account.
func (s *Store) GetAccount(ctx context.Context, accountID string) (*ledger.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, balance, currency, version, updated_at FROM accounts WHERE id = $1`,
		accountID,
	)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.Fail(ledger.KindAccountNotFound, "account not found")
	}
	if err != nil {
		return nil, classifyError(err, "get account")
	}
	return acct, nil
}

// DebitAndAppend applies the debit and appends tx in one SQL transaction.
func (s *Store) DebitAndAppend(ctx context.Context, accountID string, amount int64, tx *ledger.Transaction) (*ledger.Account, error) {
	if err := ledger.ValidateDebit(accountID, amount, tx); err != nil {
		return nil, err
	}

	if tx.IdempotencyKey != "" {
		existing, err := s.FindByIdempotencyKey(ctx, tx.UserID, tx.IdempotencyKey)
		if err == nil {
			return nil, &ledger.DuplicateError{Existing: existing}
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			return nil, err
		}
	}

	dbTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, classifyError(err, "begin")
	}
	defer dbTx.Rollback()

	row := dbTx.QueryRowContext(ctx,
		`UPDATE accounts
			SET balance = balance - $1, version = version + 1, updated_at = now()
			WHERE id = $2 AND owner_id = $3 AND balance >= $1
			RETURNING id, owner_id, balance, currency, version, updated_at`,
		amount, accountID, tx.UserID,
	)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.explainRejection(ctx, dbTx, accountID, tx.UserID, amount)
	}
	if err != nil {
		return nil, classifyError(err, "debit")
	}

	var key sql.NullString
	if tx.IdempotencyKey != "" {
		key = sql.NullString{String: tx.IdempotencyKey, Valid: true}
	}
	_, err = dbTx.ExecContext(ctx,
		`INSERT INTO ledger_transactions (id, account_id, user_id, label, amount, idempotency_key, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tx.ID, tx.AccountID, tx.UserID, tx.Label, tx.Amount, key, tx.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			dbTx.Rollback()
			if pqErr.Constraint == idempotencyIndex {
				existing, findErr := s.FindByIdempotencyKey(ctx, tx.UserID, tx.IdempotencyKey)
				if findErr != nil {
					return nil, findErr
				}
				return nil, &ledger.DuplicateError{Existing: existing}
			}
			return nil, ledger.Wrap(ledger.KindCommitConflict, err, "transaction id already used")
		}
		return nil, classifyError(err, "append transaction")
	}

	if err := dbTx.Commit(); err != nil {
		return nil, classifyError(err, "commit")
	}

	return acct, nil
}

// explainRejection tells apart the reasons the conditional UPDATE matched no row.
func (s *Store) explainRejection(ctx context.Context, dbTx *sql.Tx, accountID, userID string, amount int64) error {
	var owner string
	var balance int64
	err := dbTx.QueryRowContext(ctx,
		`SELECT owner_id, balance FROM accounts WHERE id = $1`, accountID,
	).Scan(&owner, &balance)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ledger.Fail(ledger.KindAccountNotFound, "account not found")
	case err != nil:
		return classifyError(err, "debit")
	case owner != userID:
		return ledger.Fail(ledger.KindAccountNotOwned, "account not owned by caller")
	case balance < amount:
		return ledger.Fail(ledger.KindInsufficientFunds, "insufficient funds")
	default:
		// The row changed between the UPDATE and this read.
		return ledger.Fail(ledger.KindCommitConflict, "account changed during commit")
	}
}

// FindByIdempotencyKey returns the transaction committed under the key.
func (s *Store) FindByIdempotencyKey(ctx context.Context, userID, key string) (*ledger.Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, user_id, label, amount, idempotency_key, created_at
			FROM ledger_transactions WHERE user_id = $1 AND idempotency_key = $2`,
		userID, key,
	)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, classifyError(err, "find by idempotency key")
	}
	return tx, nil
}

// ListAccounts returns the owner's accounts ordered by id.
func (s *Store) ListAccounts(ctx context.Context, ownerID string) ([]*ledger.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, balance, currency, version, updated_at
			FROM accounts WHERE owner_id = $1 ORDER BY id`,
		ownerID,
	)
	if err != nil {
		return nil, classifyError(err, "list accounts")
	}
	defer rows.Close()

	result := make([]*ledger.Account, 0)
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, classifyError(err, "list accounts")
		}
		result = append(result, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError(err, "list accounts")
	}
	return result, nil
}

// ListTransactions returns the user's transactions, newest first.
func (s *Store) ListTransactions(ctx context.Context, userID string, limit int) ([]*ledger.Transaction, error) {
	query := `SELECT id, account_id, user_id, label, amount, idempotency_key, created_at
		FROM ledger_transactions WHERE user_id = $1 ORDER BY created_at DESC, id DESC`
	args := []interface{}{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyError(err, "list transactions")
	}
	defer rows.Close()

	result := make([]*ledger.Transaction, 0)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, classifyError(err, "list transactions")
		}
		result = append(result, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError(err, "list transactions")
	}
	return result, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.logger.Info("closing postgres store")
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row scanner) (*ledger.Account, error) {
	var acct ledger.Account
	if err := row.Scan(&acct.ID, &acct.OwnerID, &acct.Balance, &acct.Currency, &acct.Version, &acct.UpdatedAt); err != nil {
		return nil, err
	}
	return &acct, nil
}

func scanTransaction(row scanner) (*ledger.Transaction, error) {
	var tx ledger.Transaction
	var key sql.NullString
	if err := row.Scan(&tx.ID, &tx.AccountID, &tx.UserID, &tx.Label, &tx.Amount, &key, &tx.CreatedAt); err != nil {
		return nil, err
	}
	tx.IdempotencyKey = key.String
	return &tx, nil
}

// classifyError maps driver errors onto settlement failure kinds.
func classifyError(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ledger.Wrap(ledger.KindStoreUnavailable, err, "postgres "+op)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code.Class() == "40":
			// serialization_failure, deadlock_detected
			return ledger.Wrap(ledger.KindCommitConflict, err, "postgres "+op)
		case pqErr.Code == "23514":
			return ledger.Wrap(ledger.KindInsufficientFunds, err, "postgres "+op)
		}
	}

	logging.Global().Named("store").Warn("postgres operation failed",
		zap.String("operation", op),
		zap.Error(err),
	)
	return ledger.Wrap(ledger.KindStoreUnavailable, err, "postgres "+op)
}
