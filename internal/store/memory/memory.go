// Package memory is a process-local implementation of the store contracts,
// used by tests and by the api binary when STORE_DRIVER=memory.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/punchamoorthee/ledgerengine/internal/domain"
	"github.com/punchamoorthee/ledgerengine/internal/store"
)

// Store keeps accounts, records and idempotency keys in maps guarded by one RWMutex.
type Store struct {
	mu          sync.RWMutex
	accounts    map[string]*domain.Account
	records     map[string]domain.TransactionRecord
	byAccount   map[string][]string
	byTransfer  map[string][]string
	idempotency map[string]*domain.IdempotencyRecord
}

var (
	_ store.LedgerStore      = (*Store)(nil)
	_ store.TransactionLog   = (*Store)(nil)
	_ store.IdempotencyStore = (*Store)(nil)
)

func New() *Store {
	return &Store{
		accounts:    map[string]*domain.Account{},
		records:     map[string]domain.TransactionRecord{},
		byAccount:   map[string][]string{},
		byTransfer:  map[string][]string{},
		idempotency: map[string]*domain.IdempotencyRecord{},
	}
}

func (s *Store) withWrite(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return fn()
}

func (s *Store) withRead(ctx context.Context, fn func() error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return fn()
}

// GetAccount returns a copy; callers never share the stored pointer.
func (s *Store) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	var out *domain.Account
	err := s.withRead(ctx, func() error {
		acc, ok := s.accounts[id]
		if !ok {
			return store.ErrNotFound
		}
		cp := *acc
		out = &cp
		return nil
	})
	return out, err
}

func (s *Store) CreateAccount(ctx context.Context, acc *domain.Account) error {
	return s.withWrite(ctx, func() error {
		if _, exists := s.accounts[acc.ID]; exists {
			return fmt.Errorf("account %s exists", acc.ID)
		}
		cp := *acc
		s.accounts[acc.ID] = &cp
		return nil
	})
}

func (s *Store) SetAccountActive(ctx context.Context, id string, active bool) (*domain.Account, error) {
	var out *domain.Account
	err := s.withWrite(ctx, func() error {
		acc, ok := s.accounts[id]
		if !ok {
			return store.ErrNotFound
		}
		acc.IsActive = active
		acc.Version++
		cp := *acc
		out = &cp
		return nil
	})
	return out, err
}

// AtomicMultiWrite checks every precondition and record id before touching anything.
func (s *Store) AtomicMultiWrite(ctx context.Context, batch store.Batch) error {
	return s.withWrite(ctx, func() error {
		for _, p := range batch.Preconditions {
			acc, ok := s.accounts[p.AccountID]
			if !ok {
				return store.ErrNotFound
			}
			if acc.Balance != p.Balance || acc.Version != p.Version {
				return store.ErrConflict
			}
		}
		for _, w := range batch.Writes {
			if _, ok := s.accounts[w.AccountID]; !ok {
				return store.ErrNotFound
			}
			if w.Balance < 0 {
				return fmt.Errorf("account %s: negative balance %d", w.AccountID, w.Balance)
			}
		}
		for _, r := range batch.Records {
			if _, exists := s.records[r.ID]; exists {
				return store.ErrDuplicateRecord
			}
		}

		for _, w := range batch.Writes {
			acc := s.accounts[w.AccountID]
			acc.Balance = w.Balance
			acc.DailyTransferTotal = w.DailyTransferTotal
			acc.DailyLimitResetEpochDay = w.DailyLimitResetEpochDay
			acc.Version++
		}
		for _, r := range batch.Records {
			s.appendLocked(r)
		}
		return nil
	})
}

func (s *Store) appendLocked(r domain.TransactionRecord) {
	s.records[r.ID] = r
	s.byAccount[r.AccountID] = append(s.byAccount[r.AccountID], r.ID)
	if r.TransferID != "" {
		s.byTransfer[r.TransferID] = append(s.byTransfer[r.TransferID], r.ID)
	}
}

func (s *Store) Append(ctx context.Context, rec domain.TransactionRecord) error {
	return s.withWrite(ctx, func() error {
		if _, exists := s.records[rec.ID]; exists {
			return nil
		}
		s.appendLocked(rec)
		return nil
	})
}

func (s *Store) RecentByAccount(ctx context.Context, accountID string, since time.Time, limit int, cursor store.Cursor) (store.Page, error) {
	var page store.Page
	err := s.withRead(ctx, func() error {
		var matched []domain.TransactionRecord
		for _, id := range s.byAccount[accountID] {
			r := s.records[id]
			if r.Timestamp.Before(since) || !cursor.Before(r) {
				continue
			}
			matched = append(matched, r)
		}
		sort.Slice(matched, func(i, j int) bool {
			if matched[i].Timestamp.Equal(matched[j].Timestamp) {
				return matched[i].ID > matched[j].ID
			}
			return matched[i].Timestamp.After(matched[j].Timestamp)
		})
		if limit > 0 && len(matched) > limit {
			last := matched[limit-1]
			page.Next = store.Cursor{Timestamp: last.Timestamp, ID: last.ID}
			matched = matched[:limit]
		}
		page.Records = matched
		return nil
	})
	return page, err
}

func (s *Store) GetByTransfer(ctx context.Context, transferID string) ([]domain.TransactionRecord, error) {
	var out []domain.TransactionRecord
	err := s.withRead(ctx, func() error {
		for _, id := range s.byTransfer[transferID] {
			out = append(out, s.records[id])
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Direction == domain.DirectionDebit && out[j].Direction != domain.DirectionDebit })
	return out, err
}

func (s *Store) Begin(ctx context.Context, rec domain.IdempotencyRecord, staleBefore time.Time) (store.BeginResult, error) {
	var res store.BeginResult
	err := s.withWrite(ctx, func() error {
		existing, ok := s.idempotency[rec.Key]
		if ok && !takeable(existing, rec, staleBefore) {
			res = store.BeginResult{Record: *existing}
			return nil
		}
		cp := rec
		s.idempotency[rec.Key] = &cp
		res = store.BeginResult{Record: cp, Created: true}
		return nil
	})
	return res, err
}

// takeable mirrors the Postgres ON CONFLICT predicate: only an abandoned or
// retryable-failed attempt of the same request can be replaced.
func takeable(r *domain.IdempotencyRecord, next domain.IdempotencyRecord, staleBefore time.Time) bool {
	if r.OperationKind != next.OperationKind || r.InputFingerprint != next.InputFingerprint {
		return false
	}
	switch r.Status {
	case domain.IdempotencyProcessing:
		return r.CreatedAt.Before(staleBefore)
	case domain.IdempotencyFailed:
		return r.Retryable
	}
	return false
}

func (s *Store) Complete(ctx context.Context, key, token string, result []byte, at time.Time) error {
	return s.withWrite(ctx, func() error {
		r, err := s.ownedLocked(key, token)
		if err != nil {
			return err
		}
		r.Status = domain.IdempotencyCompleted
		r.Result = append([]byte(nil), result...)
		r.UpdatedAt = at
		return nil
	})
}

func (s *Store) Fail(ctx context.Context, key, token string, failure []byte, retryable bool, at time.Time) error {
	return s.withWrite(ctx, func() error {
		r, err := s.ownedLocked(key, token)
		if err != nil {
			return err
		}
		r.Status = domain.IdempotencyFailed
		r.Failure = append([]byte(nil), failure...)
		r.Retryable = retryable
		r.UpdatedAt = at
		return nil
	})
}

func (s *Store) ownedLocked(key, token string) (*domain.IdempotencyRecord, error) {
	r, ok := s.idempotency[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	if r.Status != domain.IdempotencyProcessing || r.Token != token {
		return nil, store.ErrNotOwner
	}
	return r, nil
}

func (s *Store) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	var out *domain.IdempotencyRecord
	err := s.withRead(ctx, func() error {
		r, ok := s.idempotency[key]
		if !ok {
			return store.ErrNotFound
		}
		cp := *r
		out = &cp
		return nil
	})
	return out, err
}

// TotalBalance sums every account balance. Used to check conservation in tests.
func (s *Store) TotalBalance() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, a := range s.accounts {
		total += a.Balance
	}
	return total
}
