package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/punchamoorthee/ledgerengine/internal/domain"
	"github.com/punchamoorthee/ledgerengine/internal/store"
)

const recordColumns = `id, transfer_id, account_id, counterpart_account_id, direction, category, amount, currency,
	balance_after, created_at, status, idempotency_key, initiator, channel, description`

const insertRecordSQL = `INSERT INTO transactions (` + recordColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

func recordArgs(r domain.TransactionRecord) []any {
	return []any{
		r.ID, r.TransferID, r.AccountID, r.CounterpartAccountID, string(r.Direction), string(r.Category),
		r.Amount, r.Currency, r.BalanceAfter, r.Timestamp, string(r.Status),
		r.Metadata.IdempotencyKey, r.Metadata.Initiator, r.Metadata.Channel, r.Metadata.Description,
	}
}

func scanRecords(rows pgx.Rows) ([]domain.TransactionRecord, error) {
	defer rows.Close()

	var out []domain.TransactionRecord
	for rows.Next() {
		var (
			r                         domain.TransactionRecord
			direction, category, stat string
		)
		if err := rows.Scan(&r.ID, &r.TransferID, &r.AccountID, &r.CounterpartAccountID, &direction, &category,
			&r.Amount, &r.Currency, &r.BalanceAfter, &r.Timestamp, &stat,
			&r.Metadata.IdempotencyKey, &r.Metadata.Initiator, &r.Metadata.Channel, &r.Metadata.Description); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		r.Direction = domain.Direction(direction)
		r.Category = domain.Operation(category)
		r.Status = domain.RecordStatus(stat)
		r.Timestamp = r.Timestamp.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Append inserts rec unless a record with the same id exists.
func (s *Store) Append(ctx context.Context, rec domain.TransactionRecord) error {
	if _, err := s.Db.Exec(ctx, insertRecordSQL+" ON CONFLICT (id) DO NOTHING", recordArgs(rec)...); err != nil {
		return fmt.Errorf("transaction append failed: %w", err)
	}
	return nil
}

// RecentByAccount pages through an account's records, newest first, using
// (created_at, id) as a keyset.
func (s *Store) RecentByAccount(ctx context.Context, accountID string, since time.Time, limit int, cursor store.Cursor) (store.Page, error) {
	var (
		cursorTS *time.Time
		cursorID string
		fetch    any
	)
	if !cursor.IsZero() {
		cursorTS, cursorID = &cursor.Timestamp, cursor.ID
	}
	if limit > 0 {
		fetch = limit + 1
	}

	rows, err := s.Db.Query(ctx,
		`SELECT `+recordColumns+` FROM transactions
		 WHERE account_id = $1 AND created_at >= $2
		   AND ($3::timestamptz IS NULL OR (created_at, id) < ($3, $4))
		 ORDER BY created_at DESC, id DESC
		 LIMIT $5`,
		accountID, since, cursorTS, cursorID, fetch,
	)
	if err != nil {
		return store.Page{}, fmt.Errorf("transaction query failed: %w", err)
	}
	records, err := scanRecords(rows)
	if err != nil {
		return store.Page{}, err
	}

	var page store.Page
	if limit > 0 && len(records) > limit {
		records = records[:limit]
		last := records[limit-1]
		page.Next = store.Cursor{Timestamp: last.Timestamp, ID: last.ID}
	}
	page.Records = records
	return page, nil
}

// GetByTransfer returns both legs of a transfer, debit first.
func (s *Store) GetByTransfer(ctx context.Context, transferID string) ([]domain.TransactionRecord, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT `+recordColumns+` FROM transactions WHERE transfer_id = $1 ORDER BY direction DESC`,
		transferID,
	)
	if err != nil {
		return nil, fmt.Errorf("transfer query failed: %w", err)
	}
	return scanRecords(rows)
}
