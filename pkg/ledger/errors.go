package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// Failure kinds. Every settlement failure carries exactly one of these.
var (
	// ErrInvalidAmount is returned for a non-positive or non-integer amount
	ErrInvalidAmount = errors.New("ledger: invalid amount")

	// ErrInvalidRequest is returned when a required field is missing or malformed
	ErrInvalidRequest = errors.New("ledger: invalid request")

	// ErrAccountNotFound is returned when the referenced account does not exist
	ErrAccountNotFound = errors.New("ledger: account not found")

	// ErrAccountNotOwned is returned when the account belongs to a different user
	ErrAccountNotOwned = errors.New("ledger: account not owned by caller")

	// ErrInsufficientFunds is returned when the balance at commit time does not cover the amount
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrStoreUnavailable is returned when the store could not complete the operation
	ErrStoreUnavailable = errors.New("ledger: store unavailable")

	// ErrCommitConflict is returned when a commit lost a race that was not resolved within the retry budget
	ErrCommitConflict = errors.New("ledger: commit conflict")
)

// Idempotency errors.
var (
	// ErrDuplicateKey matches a DuplicateError returned by a store
	ErrDuplicateKey = errors.New("ledger: idempotency key already committed")

	// ErrIdempotencyKeyReused is returned when a key is replayed with a different request
	ErrIdempotencyKeyReused = errors.New("ledger: idempotency key reused with different request")

	// ErrNotFound is returned by lookups that find nothing (transactions, receipts)
	ErrNotFound = errors.New("ledger: not found")
)

// Kind identifies the category of a settlement failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidAmount
	KindInvalidRequest
	KindAccountNotFound
	KindAccountNotOwned
	KindInsufficientFunds
	KindStoreUnavailable
	KindCommitConflict
)

var kindNames = map[Kind]string{
	KindUnknown:           "Unknown",
	KindInvalidAmount:     "InvalidAmount",
	KindInvalidRequest:    "InvalidRequest",
	KindAccountNotFound:   "AccountNotFound",
	KindAccountNotOwned:   "AccountNotOwned",
	KindInsufficientFunds: "InsufficientFunds",
	KindStoreUnavailable:  "StoreUnavailable",
	KindCommitConflict:    "CommitConflict",
}

// String returns the name of the kind as used in API payloads and logs.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindUnknown]
}

func (k Kind) sentinel() error {
	switch k {
	case KindInvalidAmount:
		return ErrInvalidAmount
	case KindInvalidRequest:
		return ErrInvalidRequest
	case KindAccountNotFound:
		return ErrAccountNotFound
	case KindAccountNotOwned:
		return ErrAccountNotOwned
	case KindInsufficientFunds:
		return ErrInsufficientFunds
	case KindStoreUnavailable:
		return ErrStoreUnavailable
	case KindCommitConflict:
		return ErrCommitConflict
	default:
		return nil
	}
}

// Failure is a typed settlement failure. It matches its kind's sentinel
// with errors.Is and also unwraps to the underlying cause, if any.
type Failure struct {
	Kind    Kind
	Message string
	Err     error
}

// Fail creates a Failure of the given kind with a formatted message.
func Fail(kind Kind, format string, args ...interface{}) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a Failure of the given kind around a cause.
func Wrap(kind Kind, err error, message string) *Failure {
	return &Failure{Kind: kind, Message: message, Err: err}
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return f.Message + ": " + f.Err.Error()
	}
	return f.Message
}

// Unwrap exposes both the kind sentinel and the cause.
func (f *Failure) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := f.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if f.Err != nil {
		errs = append(errs, f.Err)
	}
	return errs
}

// DuplicateError is returned by a store when the (user, idempotency key)
// pair was already committed. Existing is the originally committed transaction.
type DuplicateError struct {
	Existing *Transaction
}

func (e *DuplicateError) Error() string {
	if e.Existing == nil {
		return ErrDuplicateKey.Error()
	}
	return fmt.Sprintf("%s (transaction %s)", ErrDuplicateKey.Error(), e.Existing.ID)
}

// Is reports whether target is ErrDuplicateKey.
func (e *DuplicateError) Is(target error) bool {
	return target == ErrDuplicateKey
}

// KindOf returns the failure kind carried by err.
// Errors that are not settlement failures report KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	for k := KindInvalidAmount; k <= KindCommitConflict; k++ {
		if errors.Is(err, k.sentinel()) {
			return k
		}
	}
	return KindUnknown
}

// IsRetryable reports whether the caller should retry the same request
// (with the same idempotency key) after backing off.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindStoreUnavailable, KindCommitConflict:
		return true
	default:
		return false
	}
}

// IsBusinessFailure reports whether err is an expected, caller-correctable
// outcome rather than an infrastructure problem.
func IsBusinessFailure(err error) bool {
	if errors.Is(err, ErrDuplicateKey) {
		return true
	}
	switch KindOf(err) {
	case KindInvalidAmount, KindInvalidRequest, KindAccountNotFound,
		KindAccountNotOwned, KindInsufficientFunds:
		return true
	default:
		return false
	}
}

// IsNotFound checks if the given error indicates a missing account or record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) || errors.Is(err, ErrNotFound)
}

// ClassifyError returns a string classification of the error for metrics labels.
func ClassifyError(err error) string {
	if err == nil {
		return "none"
	}
	if errors.Is(err, ErrDuplicateKey) {
		return "duplicate"
	}
	if errors.Is(err, ErrIdempotencyKeyReused) {
		return "key_reused"
	}
	if k := KindOf(err); k != KindUnknown {
		return strings.ToLower(snake(k.String()))
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "connection"), strings.Contains(errStr, "dial"):
		return "connection"
	case strings.Contains(errStr, "deadline"), strings.Contains(errStr, "timeout"):
		return "timeout"
	default:
		return "other"
	}
}

func snake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' && i > 0 {
			b.WriteByte('_')
		}
		b.WriteRune(r)
	}
	return b.String()
}
