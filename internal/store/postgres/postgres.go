// Package postgres implements the store contracts on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/punchamoorthee/ledgerengine/internal/domain"
	"github.com/punchamoorthee/ledgerengine/internal/store"
)

const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
)

type Store struct {
	Db *pgxpool.Pool
}

var (
	_ store.LedgerStore      = (*Store)(nil)
	_ store.TransactionLog   = (*Store)(nil)
	_ store.IdempotencyStore = (*Store)(nil)
)

func NewStore(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Db: pool}, nil
}

func (s *Store) Close() {
	s.Db.Close()
}

const accountColumns = `id, owner_id, balance, currency, is_active, daily_transfer_total, daily_limit_reset_epoch_day, version, created_at`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	err := row.Scan(&a.ID, &a.OwnerID, &a.Balance, &a.Currency, &a.IsActive,
		&a.DailyTransferTotal, &a.DailyLimitResetEpochDay, &a.Version, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAccount retrieves a single account by ID.
func (s *Store) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	acc, err := scanAccount(s.Db.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1", id))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("account query failed: %w", err)
	}
	return acc, err
}

// CreateAccount inserts a new account row.
func (s *Store) CreateAccount(ctx context.Context, acc *domain.Account) error {
	_, err := s.Db.Exec(ctx,
		`INSERT INTO accounts (id, owner_id, balance, currency, is_active, daily_transfer_total, daily_limit_reset_epoch_day, version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		acc.ID, acc.OwnerID, acc.Balance, acc.Currency, acc.IsActive,
		acc.DailyTransferTotal, acc.DailyLimitResetEpochDay, acc.Version, acc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("account insert failed: %w", err)
	}
	return nil
}

func (s *Store) SetAccountActive(ctx context.Context, id string, active bool) (*domain.Account, error) {
	acc, err := scanAccount(s.Db.QueryRow(ctx,
		"UPDATE accounts SET is_active = $2, version = version + 1 WHERE id = $1 RETURNING "+accountColumns,
		id, active,
	))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("account update failed: %w", err)
	}
	return acc, err
}

// AtomicMultiWrite applies the batch in one transaction. Account rows are
// updated in ascending id order so concurrent batches cannot deadlock, and
// every UPDATE is conditioned on the balance and version read earlier.
func (s *Store) AtomicMultiWrite(ctx context.Context, batch store.Batch) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	pre := make(map[string]store.Precondition, len(batch.Preconditions))
	for _, p := range batch.Preconditions {
		pre[p.AccountID] = p
	}

	writes := append([]store.AccountWrite(nil), batch.Writes...)
	sort.Slice(writes, func(i, j int) bool { return writes[i].AccountID < writes[j].AccountID })

	for _, w := range writes {
		p, guarded := pre[w.AccountID]
		var tag pgconn.CommandTag
		if guarded {
			tag, err = tx.Exec(ctx,
				`UPDATE accounts SET balance = $2, daily_transfer_total = $3, daily_limit_reset_epoch_day = $4, version = version + 1
				 WHERE id = $1 AND balance = $5 AND version = $6`,
				w.AccountID, w.Balance, w.DailyTransferTotal, w.DailyLimitResetEpochDay, p.Balance, p.Version,
			)
			delete(pre, w.AccountID)
		} else {
			tag, err = tx.Exec(ctx,
				`UPDATE accounts SET balance = $2, daily_transfer_total = $3, daily_limit_reset_epoch_day = $4, version = version + 1
				 WHERE id = $1`,
				w.AccountID, w.Balance, w.DailyTransferTotal, w.DailyLimitResetEpochDay,
			)
		}
		if err != nil {
			return translate(err, "balance update failed")
		}
		if tag.RowsAffected() != 1 {
			return store.ErrConflict
		}
	}

	// Preconditions on accounts that are not written still have to hold at commit.
	for _, p := range pre {
		var one int
		err := tx.QueryRow(ctx,
			"SELECT 1 FROM accounts WHERE id = $1 AND balance = $2 AND version = $3 FOR SHARE",
			p.AccountID, p.Balance, p.Version,
		).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrConflict
		}
		if err != nil {
			return fmt.Errorf("precondition check failed: %w", err)
		}
	}

	for _, r := range batch.Records {
		if _, err := tx.Exec(ctx, insertRecordSQL, recordArgs(r)...); err != nil {
			return translate(err, "transaction insert failed")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return translate(err, "tx commit failed")
	}
	return nil
}

func translate(err error, op string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return store.ErrDuplicateRecord
		case pgCheckViolation:
			return fmt.Errorf("%s: %w: %s", op, store.ErrConflict, pgErr.Message)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
