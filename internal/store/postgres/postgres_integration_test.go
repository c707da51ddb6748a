//go:build integration

package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/punchamoorthee/ledgerengine/internal/domain"
	"github.com/punchamoorthee/ledgerengine/internal/store"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("ledger"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, Migrate(dsn))
	require.NoError(t, Migrate(dsn), "second run is a no-op")

	s, err := NewStore(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func newAccount(t *testing.T, s *Store, id, owner string, balance int64) {
	t.Helper()
	require.NoError(t, s.CreateAccount(context.Background(), &domain.Account{
		ID: id, OwnerID: owner, Balance: balance, Currency: "USD", IsActive: true, CreatedAt: time.Now().UTC(),
	}))
}

func record(id, transfer, account string, dir domain.Direction, amount, after int64, at time.Time) domain.TransactionRecord {
	return domain.TransactionRecord{
		ID: id, TransferID: transfer, AccountID: account, Direction: dir, Category: domain.OperationTransfer,
		Amount: amount, Currency: "USD", BalanceAfter: after, Timestamp: at, Status: domain.RecordStatusCompleted,
		Metadata: domain.RecordMetadata{IdempotencyKey: transfer, Initiator: "u1"},
	}
}

func TestPostgres_AtomicMultiWrite(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	newAccount(t, s, "a", "u1", 1000)
	newAccount(t, s, "b", "u2", 0)
	now := time.Now().UTC().Truncate(time.Microsecond)

	batch := store.Batch{
		Preconditions: []store.Precondition{{AccountID: "a", Balance: 1000}, {AccountID: "b", Balance: 0}},
		Writes:        []store.AccountWrite{{AccountID: "a", Balance: 750, DailyTransferTotal: 250}, {AccountID: "b", Balance: 250}},
		Records: []domain.TransactionRecord{
			record("d1", "t1", "a", domain.DirectionDebit, 250, 750, now),
			record("c1", "t1", "b", domain.DirectionCredit, 250, 250, now),
		},
	}
	require.NoError(t, s.AtomicMultiWrite(ctx, batch))

	a, err := s.GetAccount(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(750), a.Balance)
	assert.Equal(t, int64(1), a.Version)

	assert.ErrorIs(t, s.AtomicMultiWrite(ctx, batch), store.ErrConflict)

	batch.Preconditions = []store.Precondition{{AccountID: "a", Balance: 750, Version: 1}, {AccountID: "b", Balance: 250, Version: 1}}
	assert.ErrorIs(t, s.AtomicMultiWrite(ctx, batch), store.ErrDuplicateRecord)

	legs, err := s.GetByTransfer(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, legs, 2)
	assert.Equal(t, domain.DirectionDebit, legs[0].Direction)
}

func TestPostgres_ConcurrentWritesOneWins(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	newAccount(t, s, "a", "u1", 100)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.AtomicMultiWrite(ctx, store.Batch{
				Preconditions: []store.Precondition{{AccountID: "a", Balance: 100}},
				Writes:        []store.AccountWrite{{AccountID: "a", Balance: 0}},
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestPostgres_TransactionLogPagination(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	newAccount(t, s, "a", "u1", 0)
	base := time.Now().UTC().Truncate(time.Microsecond)

	for i, id := range []string{"r0", "r1", "r2"} {
		require.NoError(t, s.Append(ctx, record(id, id, "a", domain.DirectionCredit, 10, 10, base.Add(time.Duration(i)*time.Second))))
	}
	require.NoError(t, s.Append(ctx, record("r0", "r0", "a", domain.DirectionCredit, 999, 999, base)))

	first, err := s.RecentByAccount(ctx, "a", base, 2, store.Cursor{})
	require.NoError(t, err)
	require.Len(t, first.Records, 2)
	assert.Equal(t, "r2", first.Records[0].ID)
	require.True(t, first.HasMore())

	second, err := s.RecentByAccount(ctx, "a", base, 2, first.Next)
	require.NoError(t, err)
	require.Len(t, second.Records, 1)
	assert.Equal(t, "r0", second.Records[0].ID)
	assert.Equal(t, int64(10), second.Records[0].Amount)
}

func TestPostgres_IdempotencyLifecycle(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	now := time.Now().UTC().Truncate(time.Microsecond)
	rec := domain.IdempotencyRecord{
		Key: "k1", Status: domain.IdempotencyProcessing, OperationKind: domain.OperationTransfer,
		InputFingerprint: "fp", Token: "t1", CreatedAt: now, UpdatedAt: now,
	}

	res, err := s.Begin(ctx, rec, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, res.Created)

	rec.Token = "t2"
	res, err = s.Begin(ctx, rec, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, "t1", res.Record.Token)

	assert.ErrorIs(t, s.Complete(ctx, "k1", "t2", []byte(`{}`), now), store.ErrNotOwner)
	require.NoError(t, s.Complete(ctx, "k1", "t1", []byte(`{"transaction_id":"x"}`), now))

	got, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyCompleted, got.Status)
	assert.JSONEq(t, `{"transaction_id":"x"}`, string(got.Result))
	assert.Nil(t, got.Failure)
}
