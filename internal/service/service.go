// Package service is the money-movement engine: it validates transfers,
// deposits and withdrawals, applies them with one conditional multi-record
// write and finalizes the caller's idempotency key on every exit path.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/punchamoorthee/ledgerengine/internal/domain"
	"github.com/punchamoorthee/ledgerengine/internal/idempotency"
	"github.com/punchamoorthee/ledgerengine/internal/limits"
	"github.com/punchamoorthee/ledgerengine/internal/logger"
	"github.com/punchamoorthee/ledgerengine/internal/notify"
	"github.com/punchamoorthee/ledgerengine/internal/store"
)

const cleanupTimeout = 5 * time.Second

// recordNamespace seeds the deterministic transfer and record ids.
var recordNamespace = uuid.MustParse("6f1c7a52-3a8e-4d0b-9f5e-2c1d8b7e4a90")

type Config struct {
	// MaxTransferAmount is the absolute ceiling for a transfer, in minor units.
	MaxTransferAmount int64
	MinMovementAmount int64
	MaxMovementAmount int64
	// MaxAttempts bounds the optimistic write loop, first attempt included.
	MaxAttempts      int
	RetryInterval    time.Duration
	OperationTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxTransferAmount: 1_000_000,
		MinMovementAmount: 1,
		MaxMovementAmount: 1_000_000,
		MaxAttempts:       3,
		RetryInterval:     10 * time.Millisecond,
		OperationTimeout:  30 * time.Second,
	}
}

// Receipt is returned for every successful call. Replayed is set when the
// result comes from an earlier attempt with the same idempotency key.
type Receipt struct {
	Result   domain.OperationResult
	Replayed bool
}

type LedgerService struct {
	ledger   store.LedgerStore
	txlog    store.TransactionLog
	guard    *idempotency.Guard
	policy   *limits.Policy
	notifier notify.Dispatcher
	cfg      Config
	now      func() time.Time
}

type Option func(*LedgerService)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *LedgerService) { s.now = now }
}

func New(ledger store.LedgerStore, txlog store.TransactionLog, guard *idempotency.Guard, policy *limits.Policy, notifier notify.Dispatcher, cfg Config, opts ...Option) *LedgerService {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = DefaultConfig().OperationTimeout
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	s := &LedgerService{
		ledger:   ledger,
		txlog:    txlog,
		guard:    guard,
		policy:   policy,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// clock returns the current time at the precision every store can hold.
func (s *LedgerService) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

type state string

const (
	stateReceived   state = "RECEIVED"
	stateValidating state = "VALIDATING"
	stateLocking    state = "LOCKING"
	stateApplying   state = "APPLYING"
	stateRecorded   state = "RECORDED"
	stateCompleted  state = "COMPLETED"
	stateRejected   state = "REJECTED"
	stateFailed     state = "FAILED"
)

func transition(log zerolog.Logger, to state) {
	log.Debug().Str("state", string(to)).Msg("state transition")
}

// execute runs fn under the idempotency key. A key that does not reach
// COMPLETED is moved to FAILED before execute returns, whatever the exit path.
func (s *LedgerService) execute(ctx context.Context, op domain.Operation, caller domain.Caller, key, fingerprint string, fn func(ctx context.Context, log zerolog.Logger) (domain.OperationResult, error)) (rcpt Receipt, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	start := time.Now()
	log := logger.FromContext(ctx).With().
		Str("operation", string(op)).
		Str("idempotency_key", key).
		Str("caller", caller.UserID).
		Logger()
	transition(log, stateReceived)

	out, err := s.guard.Begin(ctx, key, op, fingerprint)
	if err != nil {
		if out.State == idempotency.InFlight {
			observe(op, outcomeInFlight, start)
			log.Info().Msg("request already in progress")
			return Receipt{}, err
		}
		if domain.CodeOf(err) == domain.CodeInvalidArgument {
			observe(op, outcomeRejected, start)
			return Receipt{}, err
		}
		observe(op, outcomeFailed, start)
		log.Error().Err(err).Msg("idempotency begin failed")
		return Receipt{}, domain.Internal(err, "could not reserve idempotency key")
	}

	switch out.State {
	case idempotency.Completed:
		observe(op, outcomeReplayed, start)
		log.Info().Str("transaction_id", out.Result.TransactionID).Msg("replaying completed result")
		return Receipt{Result: *out.Result, Replayed: true}, nil
	case idempotency.Failed:
		observe(op, outcomeReplayed, start)
		log.Info().Str("reason", out.Failure.Reason).Msg("replaying recorded rejection")
		return Receipt{}, out.Failure
	}

	completed := false
	defer func() {
		if completed {
			return
		}
		if r := recover(); r != nil {
			err = domain.Internal(fmt.Errorf("panic: %v", r), "%s aborted", op)
		}
		failure, retryable := classify(err)
		cctx, ccancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer ccancel()
		if ferr := s.guard.Fail(cctx, out.Ticket, failure, retryable); ferr != nil {
			log.Error().Err(ferr).Msg("could not mark idempotency key failed; it expires after the staleness window")
		}
		if retryable {
			transition(log, stateFailed)
			observe(op, outcomeFailed, start)
			log.Error().Err(err).Msg("operation failed")
		} else {
			transition(log, stateRejected)
			observe(op, outcomeRejected, start)
			log.Info().Str("reason", failure.Reason).Msg(failure.Message)
		}
		err = failure
	}()

	result, err := fn(ctx, log)
	if err != nil {
		return Receipt{}, err
	}
	completed = true

	// The ledger write has committed: a cancelled request must not stop the key from completing.
	cctx, ccancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer ccancel()
	if cerr := s.guard.Complete(cctx, out.Ticket, result); cerr != nil {
		log.Error().Err(cerr).Str("transaction_id", result.TransactionID).Msg("could not complete idempotency key")
	}
	transition(log, stateCompleted)
	observe(op, outcomeCompleted, start)
	log.Info().Str("transaction_id", result.TransactionID).Int64("amount", result.Amount).Msg("operation completed")
	return Receipt{Result: result}, nil
}

// classify returns the error to store against the key and whether a retry may take it over.
func classify(err error) (*domain.Error, bool) {
	if err == nil {
		return domain.Internal(nil, "operation aborted"), true
	}
	var de *domain.Error
	if errors.As(err, &de) && domain.IsBusinessRejection(de) {
		return de, false
	}
	if de != nil {
		return de, true
	}
	return domain.Internal(err, "%v", err), true
}

func (s *LedgerService) loadAccount(ctx context.Context, id string) (*domain.Account, error) {
	acc, err := s.ledger.GetAccount(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.Newf(domain.CodeNotFound, domain.ReasonAccountNotFound, domain.ErrAccountNotFound, "account %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", id, err)
	}
	return acc, nil
}

func authorize(caller domain.Caller, acc *domain.Account) error {
	if caller.Elevated || caller.UserID == acc.OwnerID {
		return nil
	}
	return domain.Newf(domain.CodePermissionDenied, domain.ReasonNotOwner, domain.ErrNotOwner,
		"caller %s does not own account %s", caller.UserID, acc.ID)
}

func requireActive(acc *domain.Account) error {
	if acc.IsActive {
		return nil
	}
	return domain.Precondition(domain.ReasonAccountInactive, domain.ErrAccountInactive, "account %s is inactive", acc.ID)
}

func requireCurrency(acc *domain.Account, currency string) error {
	if acc.Currency == currency {
		return nil
	}
	return domain.Precondition(domain.ReasonCurrencyMismatch, domain.ErrCurrencyMismatch,
		"account %s holds %s, request is in %s", acc.ID, acc.Currency, currency)
}

func validateCaller(caller domain.Caller) error {
	if caller.UserID == "" {
		return domain.Newf(domain.CodeUnauthenticated, domain.ReasonUnauthenticated, domain.ErrUnauthenticated, "caller identity is required")
	}
	return nil
}

func transferID(key, fingerprint string) string {
	return uuid.NewSHA1(recordNamespace, []byte(key+"\x00"+fingerprint)).String()
}

func recordID(transferID string, d domain.Direction) string {
	return uuid.NewSHA1(recordNamespace, []byte(transferID+"\x00"+string(d))).String()
}
