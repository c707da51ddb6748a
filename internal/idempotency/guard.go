// Package idempotency deduplicates client operations keyed by an idempotency key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/ledgerengine/internal/domain"
	"github.com/punchamoorthee/ledgerengine/internal/store"
)

// DefaultStaleness is how long a PROCESSING key blocks retries before it is considered abandoned.
const DefaultStaleness = 60 * time.Second

// State is what Begin observed for a key.
type State int

const (
	// Fresh means the caller now owns the key and must finish it.
	Fresh State = iota
	// Completed means a previous attempt succeeded; Result holds its payload.
	Completed
	// Failed means a previous attempt was rejected; Failure replays the rejection.
	Failed
	// InFlight means another attempt is still running.
	InFlight
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case InFlight:
		return "in_flight"
	}
	return "unknown"
}

// Ticket identifies the attempt that owns a key.
type Ticket struct {
	Key   string
	Token string
}

// Outcome is the result of Begin.
type Outcome struct {
	State   State
	Ticket  Ticket
	Result  *domain.OperationResult
	Failure *domain.Error
}

type Guard struct {
	store     store.IdempotencyStore
	staleness time.Duration
	now       func() time.Time
}

type Option func(*Guard)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

func NewGuard(s store.IdempotencyStore, staleness time.Duration, opts ...Option) *Guard {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	g := &Guard{store: s, staleness: staleness, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Begin reserves key for kind/fingerprint, or reports the state left by an earlier attempt.
func (g *Guard) Begin(ctx context.Context, key string, kind domain.Operation, fingerprint string) (Outcome, error) {
	now := g.now().UTC()
	rec := domain.IdempotencyRecord{
		Key:              key,
		Status:           domain.IdempotencyProcessing,
		OperationKind:    kind,
		InputFingerprint: fingerprint,
		Token:            uuid.NewString(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	res, err := g.store.Begin(ctx, rec, now.Add(-g.staleness))
	if err != nil {
		return Outcome{}, err
	}
	if res.Created {
		return Outcome{State: Fresh, Ticket: Ticket{Key: key, Token: rec.Token}}, nil
	}

	existing := res.Record
	if existing.OperationKind != kind || existing.InputFingerprint != fingerprint {
		return Outcome{}, domain.Newf(domain.CodeInvalidArgument, domain.ReasonKeyReused, domain.ErrIdempotencyMismatch,
			"idempotency key %q was already used for a different %s request", key, strings.ToLower(string(existing.OperationKind)))
	}

	switch existing.Status {
	case domain.IdempotencyCompleted:
		var result domain.OperationResult
		if err := json.Unmarshal(existing.Result, &result); err != nil {
			return Outcome{}, fmt.Errorf("decode stored result for %q: %w", key, err)
		}
		return Outcome{State: Completed, Result: &result}, nil
	case domain.IdempotencyFailed:
		failure, err := DecodeFailure(existing.Failure)
		if err != nil {
			return Outcome{}, fmt.Errorf("decode stored failure for %q: %w", key, err)
		}
		return Outcome{State: Failed, Failure: failure}, nil
	default:
		retryIn := existing.CreatedAt.Add(g.staleness).Sub(now).Round(time.Second)
		return Outcome{State: InFlight}, domain.Newf(domain.CodeAlreadyExists, domain.ReasonRequestInProgress, domain.ErrIdempotencyInFlight,
			"a request with idempotency key %q is still being processed; retry after %s", key, retryIn)
	}
}

// Complete stores result against the ticket's key.
func (g *Guard) Complete(ctx context.Context, t Ticket, result domain.OperationResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return g.store.Complete(ctx, t.Key, t.Token, body, g.now().UTC())
}

// Fail records failure. Retryable failures let the next Begin take the key over.
func (g *Guard) Fail(ctx context.Context, t Ticket, failure *domain.Error, retryable bool) error {
	body, err := json.Marshal(failure)
	if err != nil {
		return err
	}
	return g.store.Fail(ctx, t.Key, t.Token, body, retryable, g.now().UTC())
}

// DecodeFailure rebuilds a stored rejection, restoring the sentinel cause so
// errors.Is keeps working on replays.
func DecodeFailure(raw []byte) (*domain.Error, error) {
	var e domain.Error
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	e.Err = sentinelFor(e.Reason)
	return &e, nil
}

var reasonSentinels = map[string]error{
	domain.ReasonAccountNotFound:   domain.ErrAccountNotFound,
	domain.ReasonAccountInactive:   domain.ErrAccountInactive,
	domain.ReasonInsufficientFunds: domain.ErrInsufficientFunds,
	domain.ReasonSelfTransfer:      domain.ErrSelfTransfer,
	domain.ReasonSameOwner:         domain.ErrSameOwner,
	domain.ReasonCurrencyMismatch:  domain.ErrCurrencyMismatch,
	domain.ReasonDailyLimit:        domain.ErrDailyLimitExceeded,
	domain.ReasonFraudThreshold:    domain.ErrFraudThreshold,
	domain.ReasonAmountOutOfRange:  domain.ErrAmountOutOfRange,
	domain.ReasonNotOwner:          domain.ErrNotOwner,
	domain.ReasonInvalidInput:      domain.ErrInvalidInput,
}

func sentinelFor(reason string) error {
	if err, ok := reasonSentinels[reason]; ok {
		return err
	}
	return domain.ErrReplayedFailure
}

// Fingerprint hashes the fields that identify a logical request. Two calls
// with the same key must produce the same fingerprint to be treated as retries.
func Fingerprint(op domain.Operation, caller string, fields ...string) string {
	h := sha256.New()
	h.Write([]byte(op))
	h.Write([]byte{0})
	h.Write([]byte(caller))
	for _, f := range fields {
		h.Write([]byte{0})
		h.Write([]byte(strconv.Itoa(len(f))))
		h.Write([]byte{':'})
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// IsNotOwner reports whether a Complete/Fail lost the key to another attempt.
func IsNotOwner(err error) bool { return errors.Is(err, store.ErrNotOwner) }
