/*
Package sqlite provides the SQLite-backed implementation of ledger.TxStore.

PURPOSE:
  Default persistence for the metered-operation ledger. The same contract
  is implemented for PostgreSQL in store/postgres - only SQL dialect
  details differ.

KEY TABLES:
  users:      identity anchors (unique email)
  operations: static catalog of operation type -> cost, seeded on New
  records:    the ledger; append-mostly, soft delete is the only update

ORDERING:
  created_at is stored as a fixed-width UTC timestamp string so that
  lexicographic order equals chronological order. Latest-record lookup and
  pagination both order by (created_at, id), which keeps same-timestamp
  rows deterministic.

CONCURRENCY:
  SQLite allows a single writer. The pool is pinned to one connection so
  that :memory: databases stay coherent and writers serialize at the pool;
  WAL mode keeps crash recovery sane. "database is locked" errors map to
  ledger.ErrStorageConflict so the service's bounded retry can absorb them.

USAGE:
  store, err := sqlite.New("./data/ledger.db") // or ":memory:"
  defer store.Close()
  svc := ledger.NewService(store)
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/metered-ledger/ledger"
)

// timeLayout is fixed-width (nanoseconds always padded) so string
// comparison in SQL matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db *sql.DB
	conn
}

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, conn: conn{q: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema and seeds the operation catalog.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		password TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active'
	);

	CREATE TABLE IF NOT EXISTS operations (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL UNIQUE,
		cost TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		operation_id TEXT NOT NULL REFERENCES operations(id),
		user_id TEXT NOT NULL REFERENCES users(id),
		amount TEXT NOT NULL,
		user_balance TEXT NOT NULL,
		operation_response TEXT NOT NULL,
		created_at TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0
	);

	-- Latest-record lookup and ordered pagination (hot path)
	CREATE INDEX IF NOT EXISTS idx_records_user_created
		ON records(user_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_records_user_deleted
		ON records(user_id, deleted);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return seedOperations(s.db)
}

// seedOperations inserts the static catalog. Costs are admin-time data,
// not runtime-mutable; existing rows are left untouched.
func seedOperations(db *sql.DB) error {
	costs := map[ledger.OperationType]int64{
		ledger.OpAddition:       1000,
		ledger.OpSubtraction:    2000,
		ledger.OpMultiplication: 1400,
		ledger.OpDivision:       700,
		ledger.OpSquareRoot:     900,
		ledger.OpRandomString:   1500,
	}

	for _, t := range ledger.OperationTypes() {
		cost := decimal.NewFromInt(costs[t])
		_, err := db.Exec(
			`INSERT INTO operations (id, type, cost) VALUES (?, ?, ?)
			 ON CONFLICT(type) DO NOTHING`,
			uuid.NewString(), string(t), cost.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to seed operation %s: %w", t, err)
		}
	}
	return nil
}

// =============================================================================
// TRANSACTION SCOPING
// =============================================================================

// WithTx executes fn against a Store bound to one SQLite transaction.
// Rollback is deferred on every exit; a nil return from fn commits.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback()

	if err := fn(conn{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}

// dbtx is the subset of *sql.DB and *sql.Tx the queries need.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn implements ledger.Store against either the pool or a transaction.
type conn struct {
	q dbtx
}

// =============================================================================
// OPERATION CATALOG
// =============================================================================

func (c conn) Operations(ctx context.Context) ([]ledger.Operation, error) {
	rows, err := c.q.QueryContext(ctx,
		"SELECT id, type, cost FROM operations ORDER BY rowid")
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var ops []ledger.Operation
	for rows.Next() {
		op, err := scanOperation(rows.Scan)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func (c conn) OperationByType(ctx context.Context, t ledger.OperationType) (*ledger.Operation, error) {
	row := c.q.QueryRowContext(ctx,
		"SELECT id, type, cost FROM operations WHERE type = ?", string(t))

	op, err := scanOperation(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &op, nil
}

func scanOperation(scan func(...any) error) (ledger.Operation, error) {
	var (
		op   ledger.Operation
		typ  string
		cost string
	)
	if err := scan(&op.ID, &typ, &cost); err != nil {
		return op, err
	}

	op.Type = ledger.OperationType(typ)
	d, err := decimal.NewFromString(cost)
	if err != nil {
		return op, fmt.Errorf("failed to parse operation cost %q: %w", cost, err)
	}
	op.Cost = d
	return op, nil
}

// =============================================================================
// RECORDS
// =============================================================================

func (c conn) LatestRecord(ctx context.Context, userID string) (*ledger.Record, error) {
	// Max (created_at, id) among non-deleted rows; the single-row fetch
	// that defines the user's current balance.
	row := c.q.QueryRowContext(ctx, `
		SELECT id, operation_id, user_id, amount, user_balance, operation_response, created_at, deleted
		FROM records
		WHERE user_id = ? AND deleted = 0
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, userID)

	rec, err := scanRecord(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c conn) InsertRecord(ctx context.Context, rec *ledger.Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := c.q.ExecContext(ctx, `
		INSERT INTO records
		(id, operation_id, user_id, amount, user_balance, operation_response, created_at, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.OperationID,
		rec.UserID,
		rec.Amount.String(),
		rec.UserBalance.String(),
		string(rec.Response),
		rec.CreatedAt.UTC().Format(timeLayout),
		boolToInt(rec.Deleted),
	)
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", mapError(err))
	}
	return nil
}

func (c conn) Records(ctx context.Context, userID string, q ledger.RecordQuery) ([]ledger.RecordView, error) {
	where, args := recordFilter(userID, q)

	query := `
		SELECT r.id, o.type, r.user_balance, r.operation_response, r.amount, r.created_at
		FROM records r
		JOIN operations o ON o.id = r.operation_id
		` + where + `
		` + orderClause(q) + `
		LIMIT ? OFFSET ?`
	args = append(args, q.PerPage, q.Offset())

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	views := []ledger.RecordView{}
	for rows.Next() {
		var (
			v                 ledger.RecordView
			typ               string
			balance, amount   string
			response, created string
		)
		if err := rows.Scan(&v.ID, &typ, &balance, &response, &amount, &created); err != nil {
			return nil, err
		}

		v.Type = ledger.OperationType(typ)
		v.Response = ledger.OperationResponse(response)
		if v.UserBalance, err = decimal.NewFromString(balance); err != nil {
			return nil, fmt.Errorf("failed to parse user_balance %q: %w", balance, err)
		}
		if v.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("failed to parse amount %q: %w", amount, err)
		}
		if v.Date, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("failed to parse created_at %q: %w", created, err)
		}

		views = append(views, v)
	}
	return views, rows.Err()
}

func (c conn) CountRecords(ctx context.Context, userID string, q ledger.RecordQuery) (int, error) {
	where, args := recordFilter(userID, q)

	query := `
		SELECT COUNT(*)
		FROM records r
		JOIN operations o ON o.id = r.operation_id
		` + where

	var count int
	if err := c.q.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, mapError(err)
	}
	return count, nil
}

func (c conn) MarkDeleted(ctx context.Context, userID, recordID string) error {
	res, err := c.q.ExecContext(ctx,
		`UPDATE records SET deleted = 1 WHERE id = ? AND user_id = ? AND deleted = 0`,
		recordID, userID)
	if err != nil {
		return mapError(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrRecordNotFound
	}
	return nil
}

// recordFilter builds the shared WHERE clause for Records and CountRecords
// so list and count can never disagree on the predicate.
func recordFilter(userID string, q ledger.RecordQuery) (string, []any) {
	clauses := []string{"r.user_id = ?", "r.deleted = 0"}
	args := []any{userID}

	if q.Response != nil {
		clauses = append(clauses, "r.operation_response = ?")
		args = append(args, string(*q.Response))
	}
	if q.Type != nil {
		clauses = append(clauses, "o.type = ?")
		args = append(args, string(*q.Type))
	}
	if q.Date != nil {
		clauses = append(clauses, "DATE(r.created_at) = ?")
		args = append(args, q.Date.UTC().Format("2006-01-02"))
	}

	return "WHERE " + strings.Join(clauses, " AND "), args
}

func orderClause(q ledger.RecordQuery) string {
	columns := map[ledger.OrderColumn]string{
		ledger.OrderByDate:     "r.created_at",
		ledger.OrderByType:     "o.type",
		ledger.OrderByResponse: "r.operation_response",
	}

	var parts []string
	if q.Order != nil {
		dir := "ASC"
		if q.Order.Desc {
			dir = "DESC"
		}
		parts = append(parts, columns[q.Order.Column]+" "+dir)
	}
	// A date filter pins recency order on top of any explicit ordering.
	if q.Date != nil && (q.Order == nil || q.Order.Column != ledger.OrderByDate) {
		parts = append(parts, "r.created_at DESC")
	}
	if len(parts) == 0 {
		parts = append(parts, "r.created_at ASC")
	}
	// id breaks remaining ties so pagination is stable.
	parts = append(parts, "r.id ASC")

	return "ORDER BY " + strings.Join(parts, ", ")
}

func scanRecord(scan func(...any) error) (ledger.Record, error) {
	var (
		rec               ledger.Record
		amount, balance   string
		response, created string
		deleted           int
	)
	err := scan(&rec.ID, &rec.OperationID, &rec.UserID, &amount, &balance, &response, &created, &deleted)
	if err != nil {
		return rec, err
	}

	rec.Response = ledger.OperationResponse(response)
	rec.Deleted = deleted != 0
	if rec.Amount, err = decimal.NewFromString(amount); err != nil {
		return rec, fmt.Errorf("failed to parse amount %q: %w", amount, err)
	}
	if rec.UserBalance, err = decimal.NewFromString(balance); err != nil {
		return rec, fmt.Errorf("failed to parse user_balance %q: %w", balance, err)
	}
	if rec.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return rec, fmt.Errorf("failed to parse created_at %q: %w", created, err)
	}
	return rec, nil
}

// =============================================================================
// USERS
// =============================================================================

func (c conn) CreateUser(ctx context.Context, u ledger.User) error {
	_, err := c.q.ExecContext(ctx,
		`INSERT INTO users (id, email, password, status) VALUES (?, ?, ?, ?)`,
		u.ID, u.Email, u.PasswordHash, string(u.Status))
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrEmailTaken
		}
		return fmt.Errorf("failed to create user: %w", mapError(err))
	}
	return nil
}

func (c conn) UserByEmail(ctx context.Context, email string) (*ledger.User, error) {
	return c.user(ctx, "SELECT id, email, password, status FROM users WHERE email = ?", email)
}

func (c conn) UserByID(ctx context.Context, id string) (*ledger.User, error) {
	return c.user(ctx, "SELECT id, email, password, status FROM users WHERE id = ?", id)
}

func (c conn) user(ctx context.Context, query string, arg any) (*ledger.User, error) {
	var (
		u      ledger.User
		status string
	)
	err := c.q.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Email, &u.PasswordHash, &status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}

	u.Status = ledger.UserStatus(status)
	return &u, nil
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func mapError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") {
		return fmt.Errorf("%w: %v", ledger.ErrStorageConflict, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
