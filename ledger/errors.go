/*
errors.go - Centralized error types for the ledger

ERROR CATEGORIES:
  1. Business outcomes - unknown operation, insufficient balance, not found
  2. Store errors      - conflicts (retryable) and everything else (fatal)

USAGE:
  Callers branch with errors.Is/errors.As:

    if errors.Is(err, ledger.ErrInsufficientBalance) {
        // the audit record was still written; treat the operation as failed
    }
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownOperation is returned when an operation type has no catalog
	// entry. Fatal to the request, never retried.
	ErrUnknownOperation = errors.New("unknown operation type")

	// ErrInsufficientBalance is returned when a charge is rejected because
	// the resolved balance is below the operation's cost. The rejection is
	// still persisted as an ERROR record; this is a terminal business
	// outcome, not a transient failure.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrRecordNotFound is returned when a soft-delete target does not
	// exist, is already deleted, or belongs to another user. A second
	// delete of the same record also fails with this error.
	ErrRecordNotFound = errors.New("record not found")

	// ErrEmailTaken is returned when registering a user with an email that
	// already exists.
	ErrEmailTaken = errors.New("email already registered")

	// ErrStorageConflict is a transient storage-level conflict (lock
	// contention, serialization failure). Charges retry it a bounded number
	// of times before surfacing it.
	ErrStorageConflict = errors.New("storage conflict")

	// ErrInvalidQuery is returned for malformed record queries (page or
	// page size below 1, unknown order column).
	ErrInvalidQuery = errors.New("invalid record query")
)

// InsufficientBalanceError carries the balance and cost that caused a
// charge rejection.
type InsufficientBalanceError struct {
	UserID  string
	Balance decimal.Decimal
	Cost    decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: have %s, operation costs %s", e.Balance, e.Cost)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// IsRetryable reports whether the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageConflict)
}

// IsClientError reports whether the error is a business outcome rather
// than a storage failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrUnknownOperation) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrRecordNotFound) ||
		errors.Is(err, ErrEmailTaken) ||
		errors.Is(err, ErrInvalidQuery)
}
