/*
Package ops executes billable operations: it computes the result and then
charges the user's ledger.

BILLING ORDER:
  The result is computed before charging so that invalid input (division by
  zero, square root of a negative) fails without touching the ledger. When
  the charge itself fails on insufficient balance, the computed result is
  withheld and the declined attempt stays recorded.
*/
package ops

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/warp/metered-ledger/ledger"
)

var (
	// ErrDivisionByZero is returned by division with a zero divisor.
	ErrDivisionByZero = errors.New("division by zero")
	// ErrNegativeSquareRoot is returned by squareRoot with a negative operand.
	ErrNegativeSquareRoot = errors.New("square root of a negative number")
)

// Charger debits a user for one operation. *ledger.Service satisfies it.
type Charger interface {
	Charge(ctx context.Context, userID string, t ledger.OperationType) (*ledger.Record, error)
}

// Provider supplies externally generated random strings.
type Provider interface {
	RandomString(ctx context.Context) (string, error)
}

// Service wires computation, the external provider and the ledger together.
type Service struct {
	ledger   Charger
	provider Provider
}

// NewService creates an operation service.
func NewService(charger Charger, provider Provider) *Service {
	return &Service{ledger: charger, provider: provider}
}

// Outcome is the result of one executed operation.
type Outcome struct {
	Record *ledger.Record
	// Number is set for arithmetic operations, Str for randomString.
	Number *decimal.Decimal
	Str    string
}

// Execute runs one operation for a user: compute first, then charge.
func (s *Service) Execute(ctx context.Context, userID string, t ledger.OperationType, n1, n2 decimal.Decimal) (*Outcome, error) {
	out := &Outcome{}

	switch t {
	case ledger.OpRandomString:
		str, err := s.provider.RandomString(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch random string: %w", err)
		}
		out.Str = str
	default:
		n, err := Calculate(t, n1, n2)
		if err != nil {
			return nil, err
		}
		out.Number = &n
	}

	rec, err := s.ledger.Charge(ctx, userID, t)
	if err != nil {
		return nil, err
	}
	out.Record = rec
	return out, nil
}

// Calculate evaluates one arithmetic operation.
func Calculate(t ledger.OperationType, n1, n2 decimal.Decimal) (decimal.Decimal, error) {
	switch t {
	case ledger.OpAddition:
		return n1.Add(n2), nil
	case ledger.OpSubtraction:
		return n1.Sub(n2), nil
	case ledger.OpMultiplication:
		return n1.Mul(n2), nil
	case ledger.OpDivision:
		if n2.IsZero() {
			return decimal.Decimal{}, ErrDivisionByZero
		}
		return n1.Div(n2), nil
	case ledger.OpSquareRoot:
		if n1.IsNegative() {
			return decimal.Decimal{}, ErrNegativeSquareRoot
		}
		f, _ := n1.Float64()
		return decimal.NewFromFloat(math.Sqrt(f)), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ledger.ErrUnknownOperation, t)
	}
}
