package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/punchamoorthee/ledgerengine/internal/domain"
	"github.com/punchamoorthee/ledgerengine/internal/limits"
	"github.com/punchamoorthee/ledgerengine/internal/store"
)

// participant is one account touched by a mutation, as it was read.
type participant struct {
	account *domain.Account
	delta   int64
	// reservation replaces the daily totals when set.
	reservation *limits.Reservation
}

func (p participant) balanceAfter() int64 { return p.account.Balance + p.delta }

// mutation is the validated plan of one attempt.
type mutation struct {
	participants []participant
	records      []domain.TransactionRecord
}

func (m mutation) batch() store.Batch {
	var b store.Batch
	for _, p := range m.participants {
		b.Preconditions = append(b.Preconditions, store.Precondition{
			AccountID: p.account.ID,
			Balance:   p.account.Balance,
			Version:   p.account.Version,
		})
		w := store.AccountWrite{
			AccountID:               p.account.ID,
			Balance:                 p.balanceAfter(),
			DailyTransferTotal:      p.account.DailyTransferTotal,
			DailyLimitResetEpochDay: p.account.DailyLimitResetEpochDay,
		}
		if p.reservation != nil {
			w.DailyTransferTotal = p.reservation.DailyTransferTotal
			w.DailyLimitResetEpochDay = p.reservation.DailyLimitResetEpochDay
		}
		b.Writes = append(b.Writes, w)
	}
	b.Records = m.records
	return b
}

// planFunc reads the participants, validates them at now and returns the mutation to commit.
type planFunc func(ctx context.Context, now time.Time) (mutation, error)

// applyLedgerMutation commits the plan with optimistic concurrency. A lost
// race re-runs the plan against fresh reads, up to MaxAttempts in total.
// When the records of transferID already exist, an earlier attempt with the
// same key committed and those records are returned instead.
func (s *LedgerService) applyLedgerMutation(ctx context.Context, log zerolog.Logger, op domain.Operation, id string, plan planFunc) ([]domain.TransactionRecord, error) {
	// A retry that took over an abandoned key finds the records its predecessor committed.
	if prior, err := s.txlog.GetByTransfer(ctx, id); err != nil {
		return nil, fmt.Errorf("look up records of %s: %w", id, err)
	} else if len(prior) > 0 {
		log.Info().Str("transaction_id", id).Msg("earlier attempt already committed, reusing its records")
		return prior, nil
	}

	var committed []domain.TransactionRecord
	attempt := 0

	write := func() error {
		attempt++
		transition(log, stateValidating)
		m, err := plan(ctx, s.clock())
		if err != nil {
			return backoff.Permanent(err)
		}

		transition(log, stateApplying)
		err = s.ledger.AtomicMultiWrite(ctx, m.batch())
		switch {
		case err == nil:
			committed = m.records
			return nil
		case errors.Is(err, store.ErrConflict):
			writeConflicts.WithLabelValues(string(op)).Inc()
			log.Debug().Int("attempt", attempt).Msg("write conflict, re-reading accounts")
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.MaxAttempts-1)), ctx)

	err := backoff.Retry(write, policy)
	switch {
	case err == nil:
		transition(log, stateRecorded)
		return committed, nil
	case errors.Is(err, store.ErrDuplicateRecord):
		records, gerr := s.txlog.GetByTransfer(ctx, id)
		if gerr != nil {
			return nil, fmt.Errorf("load committed records of %s: %w", id, gerr)
		}
		if len(records) == 0 {
			return nil, fmt.Errorf("records of %s reported as duplicate but not found: %w", id, err)
		}
		log.Info().Str("transaction_id", id).Msg("earlier attempt already committed, reusing its records")
		return records, nil
	case errors.Is(err, store.ErrConflict):
		return nil, domain.Newf(domain.CodeInternal, domain.ReasonWriteConflict, domain.ErrWriteConflict,
			"accounts kept changing concurrently; gave up after %d attempts", attempt)
	default:
		return nil, err
	}
}

func newRecord(id string, acc *domain.Account, counterpart *string, dir domain.Direction, op domain.Operation, amount, balanceAfter int64, now time.Time, meta domain.RecordMetadata) domain.TransactionRecord {
	return domain.TransactionRecord{
		ID:                   recordID(id, dir),
		TransferID:           id,
		AccountID:            acc.ID,
		CounterpartAccountID: counterpart,
		Direction:            dir,
		Category:             op,
		Amount:               amount,
		Currency:             acc.Currency,
		BalanceAfter:         balanceAfter,
		Timestamp:            now,
		Status:               domain.RecordStatusCompleted,
		Metadata:             meta,
	}
}
