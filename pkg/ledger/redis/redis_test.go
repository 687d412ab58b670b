package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"ledger-core/pkg/idempotency"
	"ledger-core/pkg/ledger"
)

func setupTestStore(t *testing.T) *Store {
	config := DefaultConfig()
	config.Name = "test-redis"
	config.KeyPrefix = "test:ledger:"
	config.DialTimeout = 2 * time.Second

	s, err := NewStore(config)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	ctx := context.Background()
	if err := s.FlushDB(ctx); err != nil {
		s.Close()
		t.Skipf("Redis not usable: %v", err)
	}
	if err := s.CreateAccount(ctx, &ledger.Account{ID: "A1", OwnerID: "U1", Balance: 100}); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	return s
}

func newTx(id string, amount int64, key string) *ledger.Transaction {
	return &ledger.Transaction{
		ID:             id,
		AccountID:      "A1",
		UserID:         "U1",
		Label:          "QRIS payment: Toko Kopi",
		Amount:         -amount,
		IdempotencyKey: key,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	if config.Addr != "localhost:6379" {
		t.Errorf("Expected default addr 'localhost:6379', got '%s'", config.Addr)
	}
	if config.KeyPrefix != "ledger:" {
		t.Errorf("Expected default prefix 'ledger:', got '%s'", config.KeyPrefix)
	}
}

func TestNewClient_NoAddress(t *testing.T) {
	config := DefaultConfig()
	config.Addr = ""
	if _, err := NewClient(config); err == nil {
		t.Error("Expected error without addresses")
	}
}

func TestStore_DebitAndAppend(t *testing.T) {
	s := setupTestStore(t)
	defer s.Close()
	ctx := context.Background()

	acct, err := s.DebitAndAppend(ctx, "A1", 40, newTx("t1", 40, "k1"))
	if err != nil {
		t.Fatalf("DebitAndAppend failed: %v", err)
	}
	if acct.Balance != 60 || acct.Version != 1 || acct.Currency != ledger.DefaultCurrency {
		t.Errorf("Unexpected account after debit: %+v", acct)
	}

	stored, err := s.GetAccount(ctx, "A1")
	if err != nil || stored.Balance != 60 {
		t.Fatalf("Expected stored balance 60, got %+v, %v", stored, err)
	}

	txs, err := s.ListTransactions(ctx, "U1", 10)
	if err != nil || len(txs) != 1 || txs[0].ID != "t1" {
		t.Fatalf("Expected t1 in log, got %+v, %v", txs, err)
	}
}

func TestStore_Rejections(t *testing.T) {
	s := setupTestStore(t)
	defer s.Close()
	ctx := context.Background()

	_, err := s.DebitAndAppend(ctx, "A1", 101, newTx("t1", 101, ""))
	if ledger.KindOf(err) != ledger.KindInsufficientFunds {
		t.Errorf("Expected InsufficientFunds, got %v", err)
	}

	other := newTx("t2", 10, "")
	other.UserID = "U2"
	if _, err := s.DebitAndAppend(ctx, "A1", 10, other); ledger.KindOf(err) != ledger.KindAccountNotOwned {
		t.Errorf("Expected AccountNotOwned, got %v", err)
	}

	if _, err := s.GetAccount(ctx, "missing"); ledger.KindOf(err) != ledger.KindAccountNotFound {
		t.Errorf("Expected AccountNotFound, got %v", err)
	}

	acct, _ := s.GetAccount(ctx, "A1")
	if acct.Balance != 100 {
		t.Errorf("Expected balance unchanged at 100, got %d", acct.Balance)
	}
}

func TestStore_DuplicateKey(t *testing.T) {
	s := setupTestStore(t)
	defer s.Close()
	ctx := context.Background()

	s.DebitAndAppend(ctx, "A1", 10, newTx("t1", 10, "k1"))
	_, err := s.DebitAndAppend(ctx, "A1", 10, newTx("t2", 10, "k1"))

	var dup *ledger.DuplicateError
	if !errors.As(err, &dup) || dup.Existing.ID != "t1" {
		t.Fatalf("Expected DuplicateError for t1, got %v", err)
	}

	found, err := s.FindByIdempotencyKey(ctx, "U1", "k1")
	if err != nil || found.ID != "t1" {
		t.Errorf("Expected t1, got %v, %v", found, err)
	}
}

func TestStore_ConcurrentDebits(t *testing.T) {
	s := setupTestStore(t)
	defer s.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.DebitAndAppend(ctx, "A1", 30, newTx(fmt.Sprintf("c%d", i), 30, ""))
		}(i)
	}
	wg.Wait()

	acct, _ := s.GetAccount(ctx, "A1")
	if acct.Balance != 10 {
		t.Errorf("Expected balance 10 after three debits of 30, got %d", acct.Balance)
	}
	txs, _ := s.ListTransactions(ctx, "U1", 0)
	if len(txs) != 3 {
		t.Errorf("Expected 3 committed transactions, got %d", len(txs))
	}
}

func TestReceiptCache(t *testing.T) {
	s := setupTestStore(t)
	defer s.Close()
	ctx := context.Background()

	rc := NewReceiptCacheWithClient(s.client, s.config, time.Minute)
	defer rc.Close()

	if _, err := rc.Get(ctx, "U1", "k1"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("Expected miss, got %v", err)
	}

	first := &idempotency.Record{UserID: "U1", Key: "k1", Fingerprint: "f1", Transaction: &ledger.Transaction{ID: "t1"}}
	second := &idempotency.Record{UserID: "U1", Key: "k1", Fingerprint: "f2", Transaction: &ledger.Transaction{ID: "t2"}}
	if err := rc.Put(ctx, first); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := rc.Put(ctx, second); err != nil {
		t.Fatalf("Second put failed: %v", err)
	}

	rec, err := rc.Get(ctx, "U1", "k1")
	if err != nil || rec.Transaction.ID != "t1" {
		t.Errorf("Expected first receipt to win, got %+v, %v", rec, err)
	}
}

func TestKeyEncoding_SeparatorsInIDs(t *testing.T) {
	s := NewStoreWithClient(nil, DefaultConfig())
	rc := NewReceiptCacheWithClient(nil, DefaultConfig(), time.Minute)

	if s.idemKey("U1:x", "y") == s.idemKey("U1", "x:y") {
		t.Errorf("Expected distinct idempotency keys, both were %q", s.idemKey("U1", "x:y"))
	}
	if rc.key("U1:x", "y") == rc.key("U1", "x:y") {
		t.Errorf("Expected distinct receipt keys, both were %q", rc.key("U1", "x:y"))
	}
	if s.accountKey("A1:txs") == s.accountLogKey("A1") {
		t.Errorf("Expected account key and account log key not to collide")
	}
	if s.userLogKey("U1:accounts") == s.ownerKey("U1") {
		t.Errorf("Expected user log key and owner key not to collide")
	}
}

func TestStore_KeysWithSeparatorsAreScopedPerUser(t *testing.T) {
	s := setupTestStore(t)
	defer s.Close()
	ctx := context.Background()

	if err := s.CreateAccount(ctx, &ledger.Account{ID: "B", OwnerID: "U1:x", Balance: 1000}); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	foreign := newTx("t1", 10, "y")
	foreign.AccountID = "B"
	foreign.UserID = "U1:x"
	if _, err := s.DebitAndAppend(ctx, "B", 10, foreign); err != nil {
		t.Fatalf("DebitAndAppend failed: %v", err)
	}

	if _, err := s.FindByIdempotencyKey(ctx, "U1", "x:y"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Expected no transaction for U1 under x:y, got %v", err)
	}
	acct, err := s.DebitAndAppend(ctx, "A1", 10, newTx("t2", 10, "x:y"))
	if err != nil {
		t.Fatalf("Expected U1's own debit under x:y to commit, got %v", err)
	}
	if acct.Balance != 90 {
		t.Errorf("Expected balance 90, got %d", acct.Balance)
	}
}

func TestReceiptCache_KeysWithSeparatorsAreScopedPerUser(t *testing.T) {
	s := setupTestStore(t)
	defer s.Close()
	ctx := context.Background()

	rc := NewReceiptCacheWithClient(s.client, s.config, time.Minute)
	defer rc.Close()

	rec := &idempotency.Record{UserID: "U1:x", Key: "y", Fingerprint: "f1", Transaction: &ledger.Transaction{ID: "t1"}}
	if err := rc.Put(ctx, rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := rc.Get(ctx, "U1", "x:y"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Expected miss for U1 under x:y, got %v", err)
	}
}
