package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/metered-ledger/ledger"
	"github.com/warp/metered-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func createUser(t *testing.T, store *sqlite.Store, email string) string {
	t.Helper()
	id := uuid.NewString()
	err := store.CreateUser(context.Background(), ledger.User{
		ID: id, Email: email, PasswordHash: "x", Status: ledger.UserActive,
	})
	require.NoError(t, err)
	return id
}

// insertRecord writes a record with a controlled id and timestamp.
func insertRecord(t *testing.T, store *sqlite.Store, userID, recID string, opType ledger.OperationType, resp ledger.OperationResponse, balance int64, at time.Time) {
	t.Helper()
	ctx := context.Background()

	op, err := store.OperationByType(ctx, opType)
	require.NoError(t, err)
	require.NotNil(t, op)

	rec := &ledger.Record{
		ID:          recID,
		OperationID: op.ID,
		UserID:      userID,
		Amount:      op.Cost,
		UserBalance: decimal.NewFromInt(balance),
		Response:    resp,
		CreatedAt:   at,
	}
	require.NoError(t, store.InsertRecord(ctx, rec))
}

// =============================================================================
// CATALOG TESTS
// =============================================================================

func TestNew_SeedsOperationCatalog(t *testing.T) {
	// GIVEN: A freshly migrated database
	// WHEN: Listing operations
	// THEN: All six types exist with their fixed costs

	store := newTestStore(t)

	operations, err := store.Operations(context.Background())
	require.NoError(t, err)
	require.Len(t, operations, 6)

	costs := map[ledger.OperationType]int64{}
	for _, op := range operations {
		assert.NotEmpty(t, op.ID)
		costs[op.Type] = op.Cost.IntPart()
	}

	assert.Equal(t, int64(1000), costs[ledger.OpAddition])
	assert.Equal(t, int64(2000), costs[ledger.OpSubtraction])
	assert.Equal(t, int64(1400), costs[ledger.OpMultiplication])
	assert.Equal(t, int64(700), costs[ledger.OpDivision])
	assert.Equal(t, int64(900), costs[ledger.OpSquareRoot])
	assert.Equal(t, int64(1500), costs[ledger.OpRandomString])
}

func TestSeed_Idempotent(t *testing.T) {
	// Reopening the same file must not duplicate the catalog. With
	// :memory: a second New is a separate database, so this exercises the
	// ON CONFLICT path via a temp file.

	path := t.TempDir() + "/ledger.db"

	first, err := sqlite.New(path)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := sqlite.New(path)
	require.NoError(t, err)
	defer second.Close()

	operations, err := second.Operations(context.Background())
	require.NoError(t, err)
	assert.Len(t, operations, 6)
}

func TestOperationByType_Miss_ReturnsNil(t *testing.T) {
	store := newTestStore(t)

	op, err := store.OperationByType(context.Background(), ledger.OperationType("modulo"))
	require.NoError(t, err)
	assert.Nil(t, op)
}

// =============================================================================
// LATEST RECORD TESTS
// =============================================================================

func TestLatestRecord_NoRecords_ReturnsNil(t *testing.T) {
	store := newTestStore(t)
	userID := createUser(t, store, "alice@example.com")

	rec, err := store.LatestRecord(context.Background(), userID)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestLatestRecord_PicksNewestTimestamp(t *testing.T) {
	// GIVEN: Records at 10:00 and 11:00
	// WHEN: Looking up the latest
	// THEN: The 11:00 record wins

	store := newTestStore(t)
	userID := createUser(t, store, "alice@example.com")

	t0 := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	insertRecord(t, store, userID, "rec-old", ledger.OpAddition, ledger.ResponseOK, 9000, t0)
	insertRecord(t, store, userID, "rec-new", ledger.OpAddition, ledger.ResponseOK, 8000, t0.Add(time.Hour))

	rec, err := store.LatestRecord(context.Background(), userID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "rec-new", rec.ID)
	assert.True(t, rec.UserBalance.Equal(decimal.NewFromInt(8000)))
}

func TestLatestRecord_SameTimestamp_IDBreaksTie(t *testing.T) {
	// GIVEN: Two records sharing one timestamp
	// WHEN: Looking up the latest
	// THEN: The higher id wins, deterministically

	store := newTestStore(t)
	userID := createUser(t, store, "alice@example.com")

	at := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	insertRecord(t, store, userID, "rec-a", ledger.OpAddition, ledger.ResponseOK, 9000, at)
	insertRecord(t, store, userID, "rec-b", ledger.OpAddition, ledger.ResponseOK, 8000, at)

	rec, err := store.LatestRecord(context.Background(), userID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "rec-b", rec.ID)
}

func TestLatestRecord_SkipsDeleted(t *testing.T) {
	store := newTestStore(t)
	userID := createUser(t, store, "alice@example.com")
	ctx := context.Background()

	t0 := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	insertRecord(t, store, userID, "rec-old", ledger.OpAddition, ledger.ResponseOK, 9000, t0)
	insertRecord(t, store, userID, "rec-new", ledger.OpAddition, ledger.ResponseOK, 8000, t0.Add(time.Hour))

	require.NoError(t, store.MarkDeleted(ctx, userID, "rec-new"))

	rec, err := store.LatestRecord(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "rec-old", rec.ID)
}

func TestLatestRecord_IsolatedPerUser(t *testing.T) {
	store := newTestStore(t)
	alice := createUser(t, store, "alice@example.com")
	bob := createUser(t, store, "bob@example.com")

	at := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	insertRecord(t, store, alice, "rec-alice", ledger.OpAddition, ledger.ResponseOK, 9000, at)

	rec, err := store.LatestRecord(context.Background(), bob)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

// =============================================================================
// QUERY ORDERING TESTS
// =============================================================================

func seedHistory(t *testing.T, store *sqlite.Store, userID string) {
	t.Helper()
	day1 := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

	insertRecord(t, store, userID, "rec-1", ledger.OpDivision, ledger.ResponseOK, 9300, day1)
	insertRecord(t, store, userID, "rec-2", ledger.OpAddition, ledger.ResponseOK, 8300, day1.Add(time.Hour))
	insertRecord(t, store, userID, "rec-3", ledger.OpSubtraction, ledger.ResponseOK, 6300, day2)
	insertRecord(t, store, userID, "rec-4", ledger.OpAddition, ledger.ResponseError, 6300, day2.Add(time.Hour))
}

func recordIDs(views []ledger.RecordView) []string {
	ids := make([]string, len(views))
	for i, v := range views {
		ids[i] = v.ID
	}
	return ids
}

func TestRecords_DefaultOrder_OldestFirst(t *testing.T) {
	store := newTestStore(t)
	userID := createUser(t, store, "alice@example.com")
	seedHistory(t, store, userID)

	views, err := store.Records(context.Background(), userID, ledger.RecordQuery{Page: 1, PerPage: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"rec-1", "rec-2", "rec-3", "rec-4"}, recordIDs(views))
}

func TestRecords_ExplicitOrderByType(t *testing.T) {
	// GIVEN: Mixed types
	// WHEN: Ordering by type descending
	// THEN: subtraction > division > addition, ties broken by id

	store := newTestStore(t)
	userID := createUser(t, store, "alice@example.com")
	seedHistory(t, store, userID)

	order := ledger.Order{Column: ledger.OrderByType, Desc: true}
	views, err := store.Records(context.Background(), userID,
		ledger.RecordQuery{Order: &order, Page: 1, PerPage: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"rec-3", "rec-1", "rec-2", "rec-4"}, recordIDs(views))
}

func TestRecords_DateFilter_NewestFirstWithinDay(t *testing.T) {
	// GIVEN: Records across two days
	// WHEN: Filtering by the second day
	// THEN: Only that day's records, newest first

	store := newTestStore(t)
	userID := createUser(t, store, "alice@example.com")
	seedHistory(t, store, userID)

	day2 := time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC)
	views, err := store.Records(context.Background(), userID,
		ledger.RecordQuery{Date: &day2, Page: 1, PerPage: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"rec-4", "rec-3"}, recordIDs(views))
}

func TestRecords_DateFilterKeepsExplicitOrderPrimary(t *testing.T) {
	// GIVEN: A date filter plus an explicit type ascending order
	// WHEN: Querying
	// THEN: Type ordering is primary, recency breaks ties within a type

	store := newTestStore(t)
	userID := createUser(t, store, "alice@example.com")
	seedHistory(t, store, userID)

	day2 := time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC)
	order := ledger.Order{Column: ledger.OrderByType}
	views, err := store.Records(context.Background(), userID,
		ledger.RecordQuery{Date: &day2, Order: &order, Page: 1, PerPage: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"rec-4", "rec-3"}, recordIDs(views))
}

func TestRecords_NoMatches_EmptyNotNil(t *testing.T) {
	store := newTestStore(t)
	userID := createUser(t, store, "alice@example.com")

	views, err := store.Records(context.Background(), userID, ledger.RecordQuery{Page: 1, PerPage: 10})
	require.NoError(t, err)
	assert.NotNil(t, views)
	assert.Empty(t, views)
}

func TestCountRecords_HonorsFilters(t *testing.T) {
	store := newTestStore(t)
	userID := createUser(t, store, "alice@example.com")
	seedHistory(t, store, userID)
	ctx := context.Background()

	count, err := store.CountRecords(ctx, userID, ledger.RecordQuery{Page: 1, PerPage: 10})
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	opType := ledger.OpAddition
	count, err = store.CountRecords(ctx, userID, ledger.RecordQuery{Type: &opType, Page: 1, PerPage: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	resp := ledger.ResponseError
	count, err = store.CountRecords(ctx, userID, ledger.RecordQuery{Response: &resp, Page: 1, PerPage: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

// =============================================================================
// USER TESTS
// =============================================================================

func TestCreateUser_DuplicateEmail_Rejected(t *testing.T) {
	store := newTestStore(t)
	createUser(t, store, "alice@example.com")

	err := store.CreateUser(context.Background(), ledger.User{
		ID: uuid.NewString(), Email: "alice@example.com", PasswordHash: "y", Status: ledger.UserActive,
	})
	assert.ErrorIs(t, err, ledger.ErrEmailTaken)
}

func TestUserByEmail_Miss_ReturnsNil(t *testing.T) {
	store := newTestStore(t)

	user, err := store.UserByEmail(context.Background(), "nobody@example.com")
	require.NoError(t, err)
	assert.Nil(t, user)
}

func TestUserByID_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	userID := createUser(t, store, "alice@example.com")

	user, err := store.UserByID(context.Background(), userID)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "alice@example.com", user.Email)
	assert.Equal(t, ledger.UserActive, user.Status)
}

// =============================================================================
// TRANSACTION TESTS
// =============================================================================

func TestWithTx_RollbackOnError(t *testing.T) {
	// GIVEN: A transaction that inserts a record and then fails
	// WHEN: WithTx returns the error
	// THEN: The insert is rolled back

	store := newTestStore(t)
	userID := createUser(t, store, "alice@example.com")
	ctx := context.Background()

	sentinel := assert.AnError
	err := store.WithTx(ctx, func(tx ledger.Store) error {
		op, err := tx.OperationByType(ctx, ledger.OpAddition)
		if err != nil {
			return err
		}
		rec := &ledger.Record{
			ID:          "rec-rollback",
			OperationID: op.ID,
			UserID:      userID,
			Amount:      op.Cost,
			UserBalance: decimal.NewFromInt(9000),
			Response:    ledger.ResponseOK,
		}
		if err := tx.InsertRecord(ctx, rec); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	rec, err := store.LatestRecord(ctx, userID)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestWithTx_CommitOnNil(t *testing.T) {
	store := newTestStore(t)
	userID := createUser(t, store, "alice@example.com")
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx ledger.Store) error {
		op, err := tx.OperationByType(ctx, ledger.OpAddition)
		if err != nil {
			return err
		}
		return tx.InsertRecord(ctx, &ledger.Record{
			ID:          "rec-commit",
			OperationID: op.ID,
			UserID:      userID,
			Amount:      op.Cost,
			UserBalance: decimal.NewFromInt(9000),
			Response:    ledger.ResponseOK,
		})
	})
	require.NoError(t, err)

	rec, err := store.LatestRecord(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "rec-commit", rec.ID)
}
