// Package store declares the persistence contracts the engine depends on.
// Implementations live in the memory, postgres and redis sub-packages.
package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/punchamoorthee/ledgerengine/internal/domain"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned by AtomicMultiWrite when a precondition no longer holds.
	ErrConflict = errors.New("precondition failed")
	// ErrDuplicateRecord is returned by AtomicMultiWrite when a record id already exists.
	ErrDuplicateRecord = errors.New("transaction record already exists")
	// ErrNotOwner is returned when Complete/Fail target a record that another attempt owns
	// or that already reached a terminal state.
	ErrNotOwner = errors.New("idempotency record not owned by this attempt")
	// ErrInvalidCursor is returned for a cursor that cannot be decoded.
	ErrInvalidCursor = errors.New("invalid cursor")
)

// Precondition pins an account to the state observed during validation.
type Precondition struct {
	AccountID string
	Balance   int64
	Version   int64
}

// AccountWrite sets the new absolute values of an account.
type AccountWrite struct {
	AccountID               string
	Balance                 int64
	DailyTransferTotal      int64
	DailyLimitResetEpochDay int64
}

// Batch is one all-or-nothing unit: every precondition must hold, every write
// applies, and every record is inserted, or nothing changes.
type Batch struct {
	Preconditions []Precondition
	Writes        []AccountWrite
	Records       []domain.TransactionRecord
}

// LedgerStore reads accounts and commits ledger mutations.
type LedgerStore interface {
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	CreateAccount(ctx context.Context, acc *domain.Account) error
	SetAccountActive(ctx context.Context, id string, active bool) (*domain.Account, error)
	AtomicMultiWrite(ctx context.Context, batch Batch) error
}

// TransactionLog is the append-only audit trail.
type TransactionLog interface {
	// Append is idempotent: a duplicate id is a no-op.
	Append(ctx context.Context, rec domain.TransactionRecord) error
	// RecentByAccount returns records with Timestamp >= since, newest first.
	RecentByAccount(ctx context.Context, accountID string, since time.Time, limit int, cursor Cursor) (Page, error)
	// GetByTransfer returns the records that share a transfer id.
	GetByTransfer(ctx context.Context, transferID string) ([]domain.TransactionRecord, error)
}

// BeginResult reports what Begin found or created.
type BeginResult struct {
	Record  domain.IdempotencyRecord
	Created bool
}

// IdempotencyStore persists idempotency records. Every method is a single
// atomic operation against the backing store.
type IdempotencyStore interface {
	// Begin inserts rec if the key is absent, or replaces an existing record
	// that is PROCESSING and created before staleBefore, or FAILED and retryable.
	// Otherwise the existing record is returned with Created false.
	Begin(ctx context.Context, rec domain.IdempotencyRecord, staleBefore time.Time) (BeginResult, error)
	// Complete moves a PROCESSING record held by token to COMPLETED.
	Complete(ctx context.Context, key, token string, result []byte, at time.Time) error
	// Fail moves a PROCESSING record held by token to FAILED.
	Fail(ctx context.Context, key, token string, failure []byte, retryable bool, at time.Time) error
	Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
}

// Cursor marks the position after the last record of a page. The zero value starts at the newest record.
type Cursor struct {
	Timestamp time.Time
	ID        string
}

// IsZero reports whether c points at the start.
func (c Cursor) IsZero() bool { return c.ID == "" && c.Timestamp.IsZero() }

// Encode renders the cursor as an opaque token.
func (c Cursor) Encode() string {
	if c.IsZero() {
		return ""
	}
	raw := fmt.Sprintf("%d|%s", c.Timestamp.UnixNano(), c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token produced by Encode. An empty token is the zero cursor.
func DecodeCursor(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return Cursor{}, ErrInvalidCursor
	}
	var nanos int64
	if _, err := fmt.Sscanf(ts, "%d", &nanos); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return Cursor{Timestamp: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// Before reports whether rec sorts after the cursor in newest-first order.
func (c Cursor) Before(rec domain.TransactionRecord) bool {
	if c.IsZero() {
		return true
	}
	if rec.Timestamp.Equal(c.Timestamp) {
		return rec.ID < c.ID
	}
	return rec.Timestamp.Before(c.Timestamp)
}

// Page is one slice of a RecentByAccount listing.
type Page struct {
	Records []domain.TransactionRecord `json:"records"`
	Next    Cursor                     `json:"-"`
}

// HasMore reports whether another page follows.
func (p Page) HasMore() bool { return !p.Next.IsZero() }
