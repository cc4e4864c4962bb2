/*
store.go - Persistence interfaces for the ledger

PURPOSE:
  Defines the contract between ledger logic and the database. Records are
  append-mostly: the only write after insert is the soft-delete flag.

KEY INTERFACES:
  Store:   catalog reads, record insert/list/count, latest-record lookup,
           soft delete, user persistence
  TxStore: Store plus transaction scoping via WithTx

TRANSACTION SCOPING:
  WithTx runs fn against a Store bound to one database transaction.
  An error return rolls back; nil commits. The charge path depends on this:
  latest-record lookup and the dependent insert must share one transaction.

IMPLEMENTATIONS:
  - store/sqlite:   SQLite via mattn/go-sqlite3 (default)
  - store/postgres: PostgreSQL via jackc/pgx stdlib driver
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// QUERY TYPES
// =============================================================================

// OrderColumn is the single explicit-order column a record query may carry.
type OrderColumn string

const (
	OrderByDate     OrderColumn = "date"
	OrderByType     OrderColumn = "type"
	OrderByResponse OrderColumn = "operationResponse"
)

func (c OrderColumn) Valid() bool {
	return c == OrderByDate || c == OrderByType || c == OrderByResponse
}

// Order is an explicit ordering request: one column, ascending or
// descending.
type Order struct {
	Column OrderColumn
	Desc   bool
}

// RecordQuery describes a filtered, ordered, paginated view over one
// user's records. All filters are optional and conjunctive. Pages are
// 1-indexed; an out-of-range page yields an empty result, not an error.
//
// A Date filter matches the calendar day (time-of-day ignored) and forces
// a created-at descending order on top of any explicit Order.
type RecordQuery struct {
	Type     *OperationType
	Response *OperationResponse
	Date     *time.Time
	Order    *Order
	Page     int
	PerPage  int
}

// Offset translates the 1-indexed page into a row offset.
func (q RecordQuery) Offset() int {
	return q.PerPage * (q.Page - 1)
}

// Validate rejects malformed queries with ErrInvalidQuery.
func (q RecordQuery) Validate() error {
	if q.Page < 1 || q.PerPage < 1 {
		return ErrInvalidQuery
	}
	if q.Type != nil && !q.Type.Valid() {
		return ErrInvalidQuery
	}
	if q.Response != nil && !q.Response.Valid() {
		return ErrInvalidQuery
	}
	if q.Order != nil && !q.Order.Column.Valid() {
		return ErrInvalidQuery
	}
	return nil
}

// =============================================================================
// STORE INTERFACES
// =============================================================================

// Store is the persistence contract. Record rows are immutable once
// written except for MarkDeleted. Missing users are reported as (nil, nil);
// a missing soft-delete target is ErrRecordNotFound.
type Store interface {
	// Operations returns the full catalog in a stable order.
	Operations(ctx context.Context) ([]Operation, error)

	// OperationByType returns the catalog entry for t, or (nil, nil) when
	// the catalog has no such row.
	OperationByType(ctx context.Context, t OperationType) (*Operation, error)

	// LatestRecord returns the user's non-deleted record with the greatest
	// (created_at, id), or (nil, nil) when the user has no records. Its
	// user_balance defines the user's current balance.
	LatestRecord(ctx context.Context, userID string) (*Record, error)

	// InsertRecord persists a new record. The store assigns CreatedAt
	// (UTC) when it is zero and writes it back to rec.
	InsertRecord(ctx context.Context, rec *Record) error

	// Records returns the user's non-deleted records matching q, joined
	// with their operation type.
	Records(ctx context.Context, userID string, q RecordQuery) ([]RecordView, error)

	// CountRecords returns how many records match q's filters, ignoring
	// pagination.
	CountRecords(ctx context.Context, userID string, q RecordQuery) (int, error)

	// MarkDeleted sets deleted on the user's record, failing with
	// ErrRecordNotFound unless a non-deleted record with that id belongs
	// to the user.
	MarkDeleted(ctx context.Context, userID, recordID string) error

	// CreateUser inserts a user, failing with ErrEmailTaken on duplicate
	// email.
	CreateUser(ctx context.Context, u User) error

	// UserByEmail returns the user with that email, or (nil, nil).
	UserByEmail(ctx context.Context, email string) (*User, error)

	// UserByID returns the user with that id, or (nil, nil).
	UserByID(ctx context.Context, id string) (*User, error)
}

// UserLocker is an optional capability of transactional stores: an
// exclusive, transaction-scoped lock on one user's balance chain. Stores
// shared by several server processes need it to keep charge serialization
// global; single-writer stores can omit it.
type UserLocker interface {
	LockUser(ctx context.Context, userID string) error
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a single database transaction.
	// If fn returns an error the transaction is rolled back, otherwise it
	// is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
