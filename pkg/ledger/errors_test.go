package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestFailure_IsMatchesKindSentinel(t *testing.T) {
	tests := []struct {
		kind     Kind
		sentinel error
	}{
		{KindInvalidAmount, ErrInvalidAmount},
		{KindInvalidRequest, ErrInvalidRequest},
		{KindAccountNotFound, ErrAccountNotFound},
		{KindAccountNotOwned, ErrAccountNotOwned},
		{KindInsufficientFunds, ErrInsufficientFunds},
		{KindStoreUnavailable, ErrStoreUnavailable},
		{KindCommitConflict, ErrCommitConflict},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			err := Fail(tt.kind, "failed")
			if !errors.Is(err, tt.sentinel) {
				t.Errorf("Expected errors.Is(%v, %v)", err, tt.sentinel)
			}
			if KindOf(err) != tt.kind {
				t.Errorf("Expected kind %v, got %v", tt.kind, KindOf(err))
			}
			wrapped := fmt.Errorf("outer: %w", err)
			if KindOf(wrapped) != tt.kind {
				t.Errorf("Expected kind %v through wrapping, got %v", tt.kind, KindOf(wrapped))
			}
		})
	}
}

func TestFailure_UnwrapsCause(t *testing.T) {
	err := Wrap(KindStoreUnavailable, context.Canceled, "request cancelled before commit")

	if !errors.Is(err, ErrStoreUnavailable) {
		t.Error("Expected failure to match ErrStoreUnavailable")
	}
	if !errors.Is(err, context.Canceled) {
		t.Error("Expected failure to unwrap to context.Canceled")
	}
	if err.Error() != "request cancelled before commit: context canceled" {
		t.Errorf("Unexpected message: %q", err.Error())
	}
}

func TestKindOf_BareSentinel(t *testing.T) {
	if KindOf(ErrInsufficientFunds) != KindInsufficientFunds {
		t.Errorf("Expected bare sentinel to map to its kind")
	}
	if KindOf(errors.New("boom")) != KindUnknown {
		t.Errorf("Expected unknown kind for foreign error")
	}
	if KindOf(nil) != KindUnknown {
		t.Errorf("Expected unknown kind for nil")
	}
}

func TestNotFoundAndNotOwnedAreDistinct(t *testing.T) {
	notFound := Fail(KindAccountNotFound, "account not found")
	notOwned := Fail(KindAccountNotOwned, "account not found")

	if errors.Is(notFound, ErrAccountNotOwned) {
		t.Error("AccountNotFound must not match ErrAccountNotOwned")
	}
	if errors.Is(notOwned, ErrAccountNotFound) {
		t.Error("AccountNotOwned must not match ErrAccountNotFound")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(Fail(KindStoreUnavailable, "down")) {
		t.Error("StoreUnavailable should be retryable")
	}
	if !IsRetryable(Fail(KindCommitConflict, "conflict")) {
		t.Error("CommitConflict should be retryable")
	}
	if IsRetryable(Fail(KindInsufficientFunds, "short")) {
		t.Error("InsufficientFunds should not be retryable")
	}
}

func TestDuplicateError(t *testing.T) {
	err := error(&DuplicateError{Existing: &Transaction{ID: "tx-1"}})

	if !errors.Is(err, ErrDuplicateKey) {
		t.Error("Expected DuplicateError to match ErrDuplicateKey")
	}
	if !IsBusinessFailure(err) {
		t.Error("Expected duplicate to count as business outcome")
	}

	var dup *DuplicateError
	if !errors.As(fmt.Errorf("commit: %w", err), &dup) {
		t.Fatal("Expected errors.As to find DuplicateError")
	}
	if dup.Existing.ID != "tx-1" {
		t.Errorf("Expected existing tx-1, got %s", dup.Existing.ID)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err      error
		expected string
	}{
		{nil, "none"},
		{Fail(KindInsufficientFunds, "x"), "insufficient_funds"},
		{Fail(KindAccountNotOwned, "x"), "account_not_owned"},
		{Fail(KindCommitConflict, "x"), "commit_conflict"},
		{&DuplicateError{}, "duplicate"},
		{Wrap(KindInvalidRequest, ErrIdempotencyKeyReused, "x"), "key_reused"},
		{errors.New("dial tcp: connection refused"), "connection"},
		{errors.New("boom"), "other"},
	}

	for _, tt := range tests {
		if got := ClassifyError(tt.err); got != tt.expected {
			t.Errorf("ClassifyError(%v) = %q, want %q", tt.err, got, tt.expected)
		}
	}
}

func TestValidateDebit(t *testing.T) {
	good := &Transaction{ID: "t1", AccountID: "A1", UserID: "U1", Amount: -100}
	if err := ValidateDebit("A1", 100, good); err != nil {
		t.Fatalf("Expected valid debit, got %v", err)
	}

	tests := []struct {
		name    string
		account string
		amount  int64
		tx      *Transaction
		kind    Kind
	}{
		{"zero amount", "A1", 0, good, KindInvalidAmount},
		{"negative amount", "A1", -5, good, KindInvalidAmount},
		{"missing account", "", 100, good, KindInvalidRequest},
		{"nil tx", "A1", 100, nil, KindInvalidRequest},
		{"account mismatch", "A2", 100, good, KindInvalidRequest},
		{"amount mismatch", "A1", 99, good, KindInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDebit(tt.account, tt.amount, tt.tx)
			if KindOf(err) != tt.kind {
				t.Errorf("Expected %v, got %v", tt.kind, err)
			}
		})
	}
}

func TestValidateIdempotencyKey(t *testing.T) {
	if err := ValidateIdempotencyKey("order-123_abc"); err != nil {
		t.Errorf("Expected valid key, got %v", err)
	}
	if err := ValidateIdempotencyKey("has space"); err == nil {
		t.Error("Expected key with whitespace to be rejected")
	}
	long := make([]byte, MaxIdempotencyKeyLength+1)
	for i := range long {
		long[i] = 'k'
	}
	if err := ValidateIdempotencyKey(string(long)); err == nil {
		t.Error("Expected overlong key to be rejected")
	}
}
