/*
Package postgres provides the PostgreSQL-backed implementation of
ledger.TxStore, mirroring store/sqlite over the jackc/pgx stdlib driver.

CONCURRENCY:
  The charge path serializes cross-process via LockUser, a transaction
  -scoped advisory lock per user. Transactions run at READ COMMITTED so a
  statement executed after the lock is granted sees the winner's commit
  (a REPEATABLE READ snapshot would be taken by the lock call itself,
  before blocking, and read a stale latest record). Serialization failures
  (SQLSTATE 40001) and deadlocks (40P01) map to ledger.ErrStorageConflict,
  which the service retries a bounded number of times.

SCHEMA:
  Mirrors the SQLite layout with native types: TIMESTAMPTZ created_at,
  NUMERIC amounts, BOOLEAN deleted.
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"github.com/warp/metered-ledger/ledger"
)

// Store implements ledger.TxStore using PostgreSQL.
type Store struct {
	db *sql.DB
	conn
}

// New connects with the given DSN and migrates the schema.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

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

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		password TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active'
	);

	CREATE TABLE IF NOT EXISTS operations (
		id UUID PRIMARY KEY,
		type TEXT NOT NULL UNIQUE,
		cost NUMERIC NOT NULL
	);

	CREATE TABLE IF NOT EXISTS records (
		id UUID PRIMARY KEY,
		operation_id UUID NOT NULL REFERENCES operations(id),
		user_id UUID NOT NULL REFERENCES users(id),
		amount NUMERIC NOT NULL,
		user_balance NUMERIC NOT NULL,
		operation_response TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		deleted BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS idx_records_user_created
		ON records(user_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_records_user_deleted
		ON records(user_id, deleted);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.seedOperations()
}

func (s *Store) seedOperations() error {
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
		_, err := s.db.Exec(
			`INSERT INTO operations (id, type, cost) VALUES ($1, $2, $3)
			 ON CONFLICT (type) DO NOTHING`,
			uuid.NewString(), string(t), cost.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to seed operation %s: %w", t, err)
		}
	}
	return nil
}

// WithTx executes fn within one transaction: rollback on error, commit on
// nil. READ COMMITTED, so reads issued after LockUser is granted see the
// previous lock holder's commit.
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

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type conn struct {
	q dbtx
}

// LockUser takes a transaction-scoped advisory lock keyed on the user id,
// so charges from separate server processes sharing this database
// serialize per user. Released automatically at commit or rollback.
func (c conn) LockUser(ctx context.Context, userID string) error {
	_, err := c.q.ExecContext(ctx,
		"SELECT pg_advisory_xact_lock(hashtext($1)::bigint)", userID)
	return mapError(err)
}

// =============================================================================
// OPERATION CATALOG
// =============================================================================

func (c conn) Operations(ctx context.Context) ([]ledger.Operation, error) {
	rows, err := c.q.QueryContext(ctx,
		"SELECT id, type, cost FROM operations ORDER BY type")
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
		"SELECT id, type, cost FROM operations WHERE type = $1", string(t))

	op, err := scanOperation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
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
	row := c.q.QueryRowContext(ctx, `
		SELECT id, operation_id, user_id, amount, user_balance, operation_response, created_at, deleted
		FROM records
		WHERE user_id = $1 AND NOT deleted
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, userID)

	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		rec.ID,
		rec.OperationID,
		rec.UserID,
		rec.Amount.String(),
		rec.UserBalance.String(),
		string(rec.Response),
		rec.CreatedAt.UTC(),
		rec.Deleted,
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
		LIMIT $` + fmt.Sprint(len(args)+1) + ` OFFSET $` + fmt.Sprint(len(args)+2)
	args = append(args, q.PerPage, q.Offset())

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	views := []ledger.RecordView{}
	for rows.Next() {
		var (
			v               ledger.RecordView
			typ             string
			balance, amount string
			response        string
			created         time.Time
		)
		if err := rows.Scan(&v.ID, &typ, &balance, &response, &amount, &created); err != nil {
			return nil, err
		}

		v.Type = ledger.OperationType(typ)
		v.Response = ledger.OperationResponse(response)
		v.Date = created.UTC()
		if v.UserBalance, err = decimal.NewFromString(balance); err != nil {
			return nil, fmt.Errorf("failed to parse user_balance %q: %w", balance, err)
		}
		if v.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("failed to parse amount %q: %w", amount, err)
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
		`UPDATE records SET deleted = TRUE WHERE id = $1 AND user_id = $2 AND NOT deleted`,
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

func recordFilter(userID string, q ledger.RecordQuery) (string, []any) {
	clauses := []string{"r.user_id = $1", "NOT r.deleted"}
	args := []any{userID}

	if q.Response != nil {
		args = append(args, string(*q.Response))
		clauses = append(clauses, fmt.Sprintf("r.operation_response = $%d", len(args)))
	}
	if q.Type != nil {
		args = append(args, string(*q.Type))
		clauses = append(clauses, fmt.Sprintf("o.type = $%d", len(args)))
	}
	if q.Date != nil {
		args = append(args, q.Date.UTC().Format("2006-01-02"))
		clauses = append(clauses, fmt.Sprintf("(r.created_at AT TIME ZONE 'UTC')::date = $%d::date", len(args)))
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
	if q.Date != nil && (q.Order == nil || q.Order.Column != ledger.OrderByDate) {
		parts = append(parts, "r.created_at DESC")
	}
	if len(parts) == 0 {
		parts = append(parts, "r.created_at ASC")
	}
	parts = append(parts, "r.id ASC")

	return "ORDER BY " + strings.Join(parts, ", ")
}

func scanRecord(scan func(...any) error) (ledger.Record, error) {
	var (
		rec             ledger.Record
		amount, balance string
		response        string
		created         time.Time
	)
	err := scan(&rec.ID, &rec.OperationID, &rec.UserID, &amount, &balance, &response, &created, &rec.Deleted)
	if err != nil {
		return rec, err
	}

	rec.Response = ledger.OperationResponse(response)
	rec.CreatedAt = created.UTC()
	if rec.Amount, err = decimal.NewFromString(amount); err != nil {
		return rec, fmt.Errorf("failed to parse amount %q: %w", amount, err)
	}
	if rec.UserBalance, err = decimal.NewFromString(balance); err != nil {
		return rec, fmt.Errorf("failed to parse user_balance %q: %w", balance, err)
	}
	return rec, nil
}

// =============================================================================
// USERS
// =============================================================================

func (c conn) CreateUser(ctx context.Context, u ledger.User) error {
	_, err := c.q.ExecContext(ctx,
		`INSERT INTO users (id, email, password, status) VALUES ($1, $2, $3, $4)`,
		u.ID, u.Email, u.PasswordHash, string(u.Status))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return ledger.ErrEmailTaken
		}
		return fmt.Errorf("failed to create user: %w", mapError(err))
	}
	return nil
}

func (c conn) UserByEmail(ctx context.Context, email string) (*ledger.User, error) {
	return c.user(ctx, "SELECT id, email, password, status FROM users WHERE email = $1", email)
}

func (c conn) UserByID(ctx context.Context, id string) (*ledger.User, error) {
	return c.user(ctx, "SELECT id, email, password, status FROM users WHERE id = $1", id)
}

func (c conn) user(ctx context.Context, query string, arg any) (*ledger.User, error) {
	var (
		u      ledger.User
		status string
	)
	err := c.q.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Email, &u.PasswordHash, &status)
	if errors.Is(err, sql.ErrNoRows) {
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

// mapError translates transient SQLSTATEs into ledger.ErrStorageConflict.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %v", ledger.ErrStorageConflict, err)
		}
	}
	return err
}
