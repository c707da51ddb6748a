package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/ledgerengine/internal/domain"
	"github.com/punchamoorthee/ledgerengine/internal/store"
)

func seed(t *testing.T, s *Store, id string, balance int64) {
	t.Helper()
	require.NoError(t, s.CreateAccount(context.Background(), &domain.Account{
		ID: id, OwnerID: "owner-" + id, Balance: balance, Currency: "USD", IsActive: true,
	}))
}

func TestAtomicMultiWrite_AppliesAll(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(t, s, "a", 1000)
	seed(t, s, "b", 0)

	err := s.AtomicMultiWrite(ctx, store.Batch{
		Preconditions: []store.Precondition{{AccountID: "a", Balance: 1000}, {AccountID: "b", Balance: 0}},
		Writes: []store.AccountWrite{
			{AccountID: "a", Balance: 750, DailyTransferTotal: 250, DailyLimitResetEpochDay: 10},
			{AccountID: "b", Balance: 250},
		},
		Records: []domain.TransactionRecord{{ID: "r1", AccountID: "a"}, {ID: "r2", AccountID: "b"}},
	})
	require.NoError(t, err)

	a, err := s.GetAccount(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(750), a.Balance)
	assert.Equal(t, int64(250), a.DailyTransferTotal)
	assert.Equal(t, int64(1), a.Version)
	assert.Equal(t, int64(1000), s.TotalBalance())
}

func TestAtomicMultiWrite_ConflictLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(t, s, "a", 1000)
	seed(t, s, "b", 0)

	err := s.AtomicMultiWrite(ctx, store.Batch{
		Preconditions: []store.Precondition{{AccountID: "a", Balance: 1000}, {AccountID: "b", Balance: 5}},
		Writes:        []store.AccountWrite{{AccountID: "a", Balance: 0}, {AccountID: "b", Balance: 1000}},
		Records:       []domain.TransactionRecord{{ID: "r1", AccountID: "a"}},
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	a, _ := s.GetAccount(ctx, "a")
	assert.Equal(t, int64(1000), a.Balance)
	page, err := s.RecentByAccount(ctx, "a", time.Time{}, 10, store.Cursor{})
	require.NoError(t, err)
	assert.Empty(t, page.Records)
}

func TestAtomicMultiWrite_StaleVersionConflicts(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(t, s, "a", 100)
	_, err := s.SetAccountActive(ctx, "a", true)
	require.NoError(t, err)

	err = s.AtomicMultiWrite(ctx, store.Batch{
		Preconditions: []store.Precondition{{AccountID: "a", Balance: 100, Version: 0}},
		Writes:        []store.AccountWrite{{AccountID: "a", Balance: 50}},
	})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestAtomicMultiWrite_DuplicateRecord(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(t, s, "a", 100)
	require.NoError(t, s.Append(ctx, domain.TransactionRecord{ID: "dup", AccountID: "a"}))

	err := s.AtomicMultiWrite(ctx, store.Batch{
		Preconditions: []store.Precondition{{AccountID: "a", Balance: 100}},
		Writes:        []store.AccountWrite{{AccountID: "a", Balance: 90}},
		Records:       []domain.TransactionRecord{{ID: "dup", AccountID: "a"}},
	})
	assert.ErrorIs(t, err, store.ErrDuplicateRecord)

	a, _ := s.GetAccount(ctx, "a")
	assert.Equal(t, int64(100), a.Balance)
}

func TestGetByTransfer_DebitFirst(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(t, s, "a", 1000)
	seed(t, s, "b", 0)

	require.NoError(t, s.AtomicMultiWrite(ctx, store.Batch{
		Writes: []store.AccountWrite{{AccountID: "a", Balance: 900}, {AccountID: "b", Balance: 100}},
		Records: []domain.TransactionRecord{
			{ID: "r2", TransferID: "t1", AccountID: "b", Direction: domain.DirectionCredit, Amount: 100},
			{ID: "r1", TransferID: "t1", AccountID: "a", Direction: domain.DirectionDebit, Amount: 100},
		},
	}))
	require.NoError(t, s.Append(ctx, domain.TransactionRecord{ID: "d1", TransferID: "t2", AccountID: "a", Direction: domain.DirectionCredit}))

	recs, err := s.GetByTransfer(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "r1", recs[0].ID)
	assert.Equal(t, "r2", recs[1].ID)

	recs, err = s.GetByTransfer(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestAppend_DuplicateIsNoop(t *testing.T) {
	ctx := context.Background()
	s := New()
	rec := domain.TransactionRecord{ID: "r", AccountID: "a", Amount: 5, Timestamp: time.Now()}
	require.NoError(t, s.Append(ctx, rec))
	rec.Amount = 99
	require.NoError(t, s.Append(ctx, rec))

	page, err := s.RecentByAccount(ctx, "a", time.Time{}, 0, store.Cursor{})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, int64(5), page.Records[0].Amount)
}

func TestRecentByAccount_PaginatesNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(ctx, domain.TransactionRecord{
			ID: fmt.Sprintf("r%d", i), AccountID: "a", Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.Append(ctx, domain.TransactionRecord{ID: "other", AccountID: "b", Timestamp: base}))

	first, err := s.RecentByAccount(ctx, "a", base.Add(time.Minute), 2, store.Cursor{})
	require.NoError(t, err)
	require.Len(t, first.Records, 2)
	assert.Equal(t, "r4", first.Records[0].ID)
	assert.Equal(t, "r3", first.Records[1].ID)
	require.True(t, first.HasMore())

	second, err := s.RecentByAccount(ctx, "a", base.Add(time.Minute), 2, first.Next)
	require.NoError(t, err)
	require.Len(t, second.Records, 2)
	assert.Equal(t, "r2", second.Records[0].ID)
	assert.Equal(t, "r1", second.Records[1].ID)
	assert.False(t, second.HasMore())
}

func TestBegin_TakesOverStaleAndRetryable(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()
	old := domain.IdempotencyRecord{Key: "k", Status: domain.IdempotencyProcessing, Token: "t1", CreatedAt: now.Add(-2 * time.Minute)}

	res, err := s.Begin(ctx, old, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, res.Created)

	fresh := domain.IdempotencyRecord{Key: "k", Status: domain.IdempotencyProcessing, Token: "t2", CreatedAt: now}
	res, err = s.Begin(ctx, fresh, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, res.Created, "stale PROCESSING record is taken over")

	res, err = s.Begin(ctx, domain.IdempotencyRecord{Key: "k", Token: "t3", CreatedAt: now}, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, "t2", res.Record.Token)

	assert.ErrorIs(t, s.Complete(ctx, "k", "t1", nil, now), store.ErrNotOwner)
	require.NoError(t, s.Fail(ctx, "k", "t2", []byte(`{}`), true, now))

	res, err = s.Begin(ctx, domain.IdempotencyRecord{Key: "k", Token: "t4", CreatedAt: now}, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, res.Created, "retryable failure is taken over")
}
