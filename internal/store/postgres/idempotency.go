package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/punchamoorthee/ledgerengine/internal/domain"
	"github.com/punchamoorthee/ledgerengine/internal/store"
)

const idempotencyColumns = `key, status, operation_kind, input_fingerprint, result, failure, retryable, token, created_at, updated_at`

func scanIdempotency(row pgx.Row) (*domain.IdempotencyRecord, error) {
	var (
		r               domain.IdempotencyRecord
		status, kind    string
		result, failure []byte
	)
	err := row.Scan(&r.Key, &status, &kind, &r.InputFingerprint, &result, &failure,
		&r.Retryable, &r.Token, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = domain.IdempotencyStatus(status)
	r.OperationKind = domain.Operation(kind)
	r.Result, r.Failure = result, failure
	return &r, nil
}

// Begin reserves the key. The ON CONFLICT branch only fires for abandoned
// (stale PROCESSING) or retryable FAILED rows with a matching fingerprint;
// otherwise the existing row is read back unchanged.
func (s *Store) Begin(ctx context.Context, rec domain.IdempotencyRecord, staleBefore time.Time) (store.BeginResult, error) {
	created, err := scanIdempotency(s.Db.QueryRow(ctx,
		`INSERT INTO idempotency (key, status, operation_kind, input_fingerprint, retryable, token, created_at, updated_at)
		 VALUES ($1, 'PROCESSING', $2, $3, FALSE, $4, $5, $5)
		 ON CONFLICT (key) DO UPDATE SET
		     status = 'PROCESSING', result = NULL, failure = NULL, retryable = FALSE,
		     token = EXCLUDED.token, created_at = EXCLUDED.created_at, updated_at = EXCLUDED.updated_at
		 WHERE idempotency.operation_kind = EXCLUDED.operation_kind
		   AND idempotency.input_fingerprint = EXCLUDED.input_fingerprint
		   AND ((idempotency.status = 'PROCESSING' AND idempotency.created_at < $6)
		        OR (idempotency.status = 'FAILED' AND idempotency.retryable))
		 RETURNING `+idempotencyColumns,
		rec.Key, string(rec.OperationKind), rec.InputFingerprint, rec.Token, rec.CreatedAt, staleBefore,
	))
	if err == nil {
		return store.BeginResult{Record: *created, Created: true}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.BeginResult{}, fmt.Errorf("key reservation failed: %w", err)
	}

	existing, err := s.Get(ctx, rec.Key)
	if err != nil {
		return store.BeginResult{}, err
	}
	return store.BeginResult{Record: *existing}, nil
}

func (s *Store) Complete(ctx context.Context, key, token string, result []byte, at time.Time) error {
	tag, err := s.Db.Exec(ctx,
		`UPDATE idempotency SET status = 'COMPLETED', result = $3, updated_at = $4
		 WHERE key = $1 AND token = $2 AND status = 'PROCESSING'`,
		key, token, result, at,
	)
	if err != nil {
		return fmt.Errorf("idempotency update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotOwner
	}
	return nil
}

func (s *Store) Fail(ctx context.Context, key, token string, failure []byte, retryable bool, at time.Time) error {
	tag, err := s.Db.Exec(ctx,
		`UPDATE idempotency SET status = 'FAILED', failure = $3, retryable = $4, updated_at = $5
		 WHERE key = $1 AND token = $2 AND status = 'PROCESSING'`,
		key, token, failure, retryable, at,
	)
	if err != nil {
		return fmt.Errorf("idempotency update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotOwner
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	rec, err := scanIdempotency(s.Db.QueryRow(ctx, "SELECT "+idempotencyColumns+" FROM idempotency WHERE key = $1", key))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("idempotency query failed: %w", err)
	}
	return rec, err
}
