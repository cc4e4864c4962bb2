/*
Package ledger implements the metered-operation balance ledger.

PURPOSE:
  Every billable operation debits a fixed cost from a user's balance and
  leaves an immutable audit record behind. The ledger is the source of
  truth: a user's current balance is simply the user_balance of their most
  recent non-deleted record, or the starting credit if they have none.

KEY CONCEPTS IN THIS FILE (types.go):
  - OperationType: closed enum of billable operations
  - Operation:     catalog entry mapping a type to its fixed cost
  - Record:        one ledger entry (a charge attempt, approved or rejected)
  - RecordView:    record joined with its operation type for history views

DESIGN PRINCIPLES:
  1. Append-mostly: records are never updated except the soft-delete flag
  2. Precision: decimal.Decimal for every amount, no float money
  3. Closed types: adding an operation is a compile-time-visible change

SEE ALSO:
  - service.go: charge, balance and query logic
  - store.go:   persistence interfaces
  - errors.go:  sentinel and structured errors
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// StartingBalance is the implicit credit every user begins with before
// their first record exists.
var StartingBalance = decimal.NewFromInt(10000)

// =============================================================================
// OPERATION TYPES - closed enum
// =============================================================================

// OperationType identifies a billable operation. The set is closed: cost
// lookup and execution both dispatch on it, so a new type is a deliberate,
// compile-visible addition.
type OperationType string

const (
	OpAddition       OperationType = "addition"
	OpSubtraction    OperationType = "subtraction"
	OpMultiplication OperationType = "multiplication"
	OpDivision       OperationType = "division"
	OpSquareRoot     OperationType = "squareRoot"
	OpRandomString   OperationType = "randomString"
)

// OperationTypes returns every known type in catalog order.
func OperationTypes() []OperationType {
	return []OperationType{
		OpAddition, OpSubtraction, OpMultiplication,
		OpDivision, OpSquareRoot, OpRandomString,
	}
}

// Valid reports whether t is one of the known operation types.
func (t OperationType) Valid() bool {
	switch t {
	case OpAddition, OpSubtraction, OpMultiplication, OpDivision, OpSquareRoot, OpRandomString:
		return true
	}
	return false
}

// ParseOperationType converts a wire string into an OperationType.
// Unknown strings fail with ErrUnknownOperation.
func ParseOperationType(s string) (OperationType, error) {
	t := OperationType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%q: %w", s, ErrUnknownOperation)
	}
	return t, nil
}

// =============================================================================
// OPERATION RESPONSE - charge outcome persisted on every record
// =============================================================================

type OperationResponse string

const (
	ResponseOK    OperationResponse = "OK"
	ResponseError OperationResponse = "ERROR"
)

func (r OperationResponse) Valid() bool {
	return r == ResponseOK || r == ResponseError
}

// =============================================================================
// ENTITIES
// =============================================================================

type UserStatus string

const (
	UserActive   UserStatus = "active"
	UserInactive UserStatus = "inactive"
)

// User is the identity anchor records hang off. Users are never deleted.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Status       UserStatus
}

// Operation is a catalog entry: one operation type and its fixed cost.
// The catalog is static reference data seeded at migration time.
type Operation struct {
	ID   string
	Type OperationType
	Cost decimal.Decimal
}

// Record is one ledger entry. Amount is the cost charged; UserBalance is
// the balance AFTER this record, which equals the prior balance when the
// charge was rejected. CreatedAt is assigned by the store and is the
// ordering key for the balance chain.
type Record struct {
	ID          string
	OperationID string
	UserID      string
	Amount      decimal.Decimal
	UserBalance decimal.Decimal
	Response    OperationResponse
	CreatedAt   time.Time
	Deleted     bool
}

// RecordView is a record joined with its operation type, shaped for
// history listings.
type RecordView struct {
	ID          string
	Type        OperationType
	UserBalance decimal.Decimal
	Response    OperationResponse
	Amount      decimal.Decimal
	Date        time.Time
}
