/*
service.go - Charge, balance and query logic

PURPOSE:
  Service is the one write path into the ledger. A charge resolves the
  user's current balance, decides approve/reject against the operation's
  cost, and persists the outcome - all inside a single transaction, under
  a per-user lock.

CONCURRENCY:
  Two concurrent charges for the same user must never both read the same
  "latest" record and write two records descending from it. The service
  holds a per-user mutex for the whole resolve-then-write sequence, so the
  balance chain is linear per user. Transient storage conflicts are
  retried a bounded number of times underneath the lock.

PERSIST-THEN-FAIL:
  A rejected charge still commits an ERROR record (the ledger records the
  attempt), and only then surfaces ErrInsufficientBalance to the caller.
  Read paths take no locks; they run concurrently with writers at the
  store's own read isolation.
*/
package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// chargeRetries bounds transparent retries of transient storage conflicts.
const chargeRetries = 3

// Service exposes the ledger operations: charge, balance, history queries,
// soft delete and catalog listing.
type Service struct {
	store TxStore

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewService(store TxStore) *Service {
	return &Service{
		store: store,
		locks: make(map[string]*sync.Mutex),
	}
}

// userLock returns the mutex serializing charges for one user.
// Locks are never evicted.
func (s *Service) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

// =============================================================================
// CHARGE - the single write path
// =============================================================================

// Charge debits the operation's cost from the user's balance and persists
// the outcome as a new record.
//
// On success the returned record has Response OK and the debited balance.
// When the balance is below the cost, an ERROR record with the unchanged
// balance is still committed and Charge returns that record together with
// an *InsufficientBalanceError; the caller must treat the operation as
// failed. Unknown types fail with ErrUnknownOperation before any write.
func (s *Service) Charge(ctx context.Context, userID string, opType OperationType) (*Record, error) {
	if !opType.Valid() {
		return nil, fmt.Errorf("%q: %w", opType, ErrUnknownOperation)
	}

	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	var (
		rec *Record
		err error
	)
	for attempt := 0; attempt < chargeRetries; attempt++ {
		rec, err = s.chargeOnce(ctx, userID, opType)
		if !IsRetryable(err) {
			break
		}
	}
	return rec, err
}

// chargeOnce runs one attempt of the charge algorithm as one atomic unit:
// catalog lookup, balance resolution, outcome decision, record insert.
func (s *Service) chargeOnce(ctx context.Context, userID string, opType OperationType) (*Record, error) {
	var rec *Record

	err := s.store.WithTx(ctx, func(tx Store) error {
		// Stores shared across processes serialize the balance chain at
		// the database; in-process callers are already behind userLock.
		if locker, ok := tx.(UserLocker); ok {
			if err := locker.LockUser(ctx, userID); err != nil {
				return err
			}
		}

		op, err := tx.OperationByType(ctx, opType)
		if err != nil {
			return err
		}
		if op == nil {
			return fmt.Errorf("%q: %w", opType, ErrUnknownOperation)
		}

		balance, err := resolveBalance(ctx, tx, userID)
		if err != nil {
			return err
		}

		rec = &Record{
			ID:          uuid.NewString(),
			OperationID: op.ID,
			UserID:      userID,
			Amount:      op.Cost,
		}
		if balance.GreaterThanOrEqual(op.Cost) {
			rec.Response = ResponseOK
			rec.UserBalance = balance.Sub(op.Cost)
		} else {
			rec.Response = ResponseError
			rec.UserBalance = balance
		}

		return tx.InsertRecord(ctx, rec)
	})
	if err != nil {
		return nil, err
	}

	// The rejection is committed before it is surfaced: the attempt is on
	// the ledger either way.
	if rec.Response == ResponseError {
		return rec, &InsufficientBalanceError{
			UserID:  userID,
			Balance: rec.UserBalance,
			Cost:    rec.Amount,
		}
	}
	return rec, nil
}

// resolveBalance finds the user's chronologically latest non-deleted
// record and returns its user_balance, or StartingBalance when the user
// has no records yet. Callers that write afterwards must pass the same
// transactional store.
func resolveBalance(ctx context.Context, store Store, userID string) (decimal.Decimal, error) {
	last, err := store.LatestRecord(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	if last == nil {
		return StartingBalance, nil
	}
	return last.UserBalance, nil
}

// =============================================================================
// READ PATHS
// =============================================================================

// Balance returns the user's current balance.
func (s *Service) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return resolveBalance(ctx, s.store, userID)
}

// Records returns one page of the user's record history under q's
// filters and ordering. Soft-deleted records never appear.
func (s *Service) Records(ctx context.Context, userID string, q RecordQuery) ([]RecordView, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return s.store.Records(ctx, userID, q)
}

// PageSet is the result of Pages: the page count for a filter plus the
// first page of records, so the common "show pager and first page" case
// is one round trip.
type PageSet struct {
	Pages   int
	Records []RecordView
}

// Pages computes ceil(matching/PerPage), floored at 1 even for an empty
// match, and returns page 1 of the identical filtered view.
func (s *Service) Pages(ctx context.Context, userID string, q RecordQuery) (PageSet, error) {
	q.Page = 1
	if err := q.Validate(); err != nil {
		return PageSet{}, err
	}

	count, err := s.store.CountRecords(ctx, userID, q)
	if err != nil {
		return PageSet{}, err
	}

	pages := (count + q.PerPage - 1) / q.PerPage
	if pages < 1 {
		pages = 1
	}

	records, err := s.store.Records(ctx, userID, q)
	if err != nil {
		return PageSet{}, err
	}

	return PageSet{Pages: pages, Records: records}, nil
}

// DeleteRecord soft-deletes one of the user's records. Deleting a missing,
// already-deleted or foreign record fails with ErrRecordNotFound - a
// second delete is an error, not a no-op. The delete hides the record from
// queries and balance resolution; it does not rewrite the balances of
// later records.
func (s *Service) DeleteRecord(ctx context.Context, userID, recordID string) error {
	return s.store.MarkDeleted(ctx, userID, recordID)
}

// Operations lists the full operation catalog.
func (s *Service) Operations(ctx context.Context) ([]Operation, error) {
	return s.store.Operations(ctx)
}
