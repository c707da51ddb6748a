// Package redis stores idempotency records in Redis hashes. Every state
// transition runs as a Lua script so it is atomic on the server.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/punchamoorthee/ledgerengine/internal/domain"
	"github.com/punchamoorthee/ledgerengine/internal/store"
)

const defaultPrefix = "idempotency:"

var beginScript = redis.NewScript(`
local key = KEYS[1]
local status = redis.call('HGET', key, 'status')
if status then
  local same = redis.call('HGET', key, 'operation_kind') == ARGV[1]
    and redis.call('HGET', key, 'input_fingerprint') == ARGV[2]
  local takeover = false
  if same and status == 'PROCESSING' and tonumber(redis.call('HGET', key, 'created_at')) < tonumber(ARGV[5]) then
    takeover = true
  end
  if same and status == 'FAILED' and redis.call('HGET', key, 'retryable') == '1' then
    takeover = true
  end
  if not takeover then
    return 0
  end
  redis.call('DEL', key)
end
redis.call('HSET', key,
  'status', 'PROCESSING',
  'operation_kind', ARGV[1],
  'input_fingerprint', ARGV[2],
  'token', ARGV[3],
  'created_at', ARGV[4],
  'updated_at', ARGV[4],
  'retryable', '0')
if tonumber(ARGV[6]) > 0 then
  redis.call('PEXPIRE', key, ARGV[6])
end
return 1
`)

var finishScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('HGET', key, 'status') ~= 'PROCESSING' or redis.call('HGET', key, 'token') ~= ARGV[1] then
  return 0
end
redis.call('HSET', key, 'status', ARGV[2], ARGV[3], ARGV[4], 'retryable', ARGV[5], 'updated_at', ARGV[6])
if tonumber(ARGV[7]) > 0 then
  redis.call('PEXPIRE', key, ARGV[7])
end
return 1
`)

// IdempotencyStore implements store.IdempotencyStore.
type IdempotencyStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

var _ store.IdempotencyStore = (*IdempotencyStore)(nil)

// NewIdempotencyStore wraps client. A zero retention keeps records forever.
func NewIdempotencyStore(client redis.UniversalClient, retention time.Duration) *IdempotencyStore {
	return &IdempotencyStore{client: client, prefix: defaultPrefix, retention: retention}
}

// Connect dials addr and verifies connectivity.
func Connect(ctx context.Context, addr, password string, db int) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

func (s *IdempotencyStore) key(k string) string { return s.prefix + k }

func (s *IdempotencyStore) Begin(ctx context.Context, rec domain.IdempotencyRecord, staleBefore time.Time) (store.BeginResult, error) {
	created, err := beginScript.Run(ctx, s.client, []string{s.key(rec.Key)},
		string(rec.OperationKind), rec.InputFingerprint, rec.Token,
		rec.CreatedAt.UnixMilli(), staleBefore.UnixMilli(), s.retention.Milliseconds(),
	).Int()
	if err != nil {
		return store.BeginResult{}, fmt.Errorf("key reservation failed: %w", err)
	}
	if created == 1 {
		rec.Status = domain.IdempotencyProcessing
		rec.UpdatedAt = rec.CreatedAt
		return store.BeginResult{Record: rec, Created: true}, nil
	}

	existing, err := s.Get(ctx, rec.Key)
	if err != nil {
		return store.BeginResult{}, err
	}
	return store.BeginResult{Record: *existing}, nil
}

func (s *IdempotencyStore) Complete(ctx context.Context, key, token string, result []byte, at time.Time) error {
	return s.finish(ctx, key, token, domain.IdempotencyCompleted, "result", result, false, at)
}

func (s *IdempotencyStore) Fail(ctx context.Context, key, token string, failure []byte, retryable bool, at time.Time) error {
	return s.finish(ctx, key, token, domain.IdempotencyFailed, "failure", failure, retryable, at)
}

func (s *IdempotencyStore) finish(ctx context.Context, key, token string, status domain.IdempotencyStatus, field string, payload []byte, retryable bool, at time.Time) error {
	ok, err := finishScript.Run(ctx, s.client, []string{s.key(key)},
		token, string(status), field, string(payload), boolFlag(retryable), at.UnixMilli(), s.retention.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("idempotency update failed: %w", err)
	}
	if ok == 0 {
		return store.ErrNotOwner
	}
	return nil
}

func (s *IdempotencyStore) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("idempotency query failed: %w", err)
	}
	if len(fields) == 0 {
		return nil, store.ErrNotFound
	}

	created, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("idempotency %s: bad created_at: %w", key, err)
	}
	updated, err := strconv.ParseInt(fields["updated_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("idempotency %s: bad updated_at: %w", key, err)
	}

	rec := &domain.IdempotencyRecord{
		Key:              key,
		Status:           domain.IdempotencyStatus(fields["status"]),
		OperationKind:    domain.Operation(fields["operation_kind"]),
		InputFingerprint: fields["input_fingerprint"],
		Retryable:        fields["retryable"] == "1",
		Token:            fields["token"],
		CreatedAt:        time.UnixMilli(created).UTC(),
		UpdatedAt:        time.UnixMilli(updated).UTC(),
	}
	if v, ok := fields["result"]; ok && v != "" {
		rec.Result = []byte(v)
	}
	if v, ok := fields["failure"]; ok && v != "" {
		rec.Failure = []byte(v)
	}
	return rec, nil
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
