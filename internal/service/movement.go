package service

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/punchamoorthee/ledgerengine/internal/domain"
	"github.com/punchamoorthee/ledgerengine/internal/idempotency"
	"github.com/punchamoorthee/ledgerengine/internal/money"
	"github.com/punchamoorthee/ledgerengine/internal/notify"
)

// Deposit credits req.Amount to a single account.
func (s *LedgerService) Deposit(ctx context.Context, caller domain.Caller, req domain.MovementRequest) (Receipt, error) {
	return s.move(ctx, caller, domain.OperationDeposit, req)
}

// Withdraw debits req.Amount from a single account.
func (s *LedgerService) Withdraw(ctx context.Context, caller domain.Caller, req domain.MovementRequest) (Receipt, error) {
	return s.move(ctx, caller, domain.OperationWithdrawal, req)
}

func (s *LedgerService) move(ctx context.Context, caller domain.Caller, op domain.Operation, req domain.MovementRequest) (Receipt, error) {
	if err := s.validateMovement(caller, &req); err != nil {
		return Receipt{}, err
	}
	fp := idempotency.Fingerprint(op, caller.UserID, req.AccountID, strconv.FormatInt(req.Amount, 10), req.Currency)
	id := transferID(req.IdempotencyKey, fp)

	dir, sign := domain.DirectionCredit, int64(1)
	if op == domain.OperationWithdrawal {
		dir, sign = domain.DirectionDebit, -1
	}

	return s.execute(ctx, op, caller, req.IdempotencyKey, fp, func(ctx context.Context, log zerolog.Logger) (domain.OperationResult, error) {
		log = log.With().Str("account_id", req.AccountID).Logger()
		meta := domain.RecordMetadata{IdempotencyKey: req.IdempotencyKey, Initiator: caller.UserID, Channel: caller.Channel, Description: req.Description}

		records, err := s.applyLedgerMutation(ctx, log, op, id, func(ctx context.Context, now time.Time) (mutation, error) {
			transition(log, stateLocking)
			acc, err := s.loadAccount(ctx, req.AccountID)
			if err != nil {
				return mutation{}, err
			}
			if err := authorize(caller, acc); err != nil {
				return mutation{}, err
			}
			if err := requireActive(acc); err != nil {
				return mutation{}, err
			}
			if err := requireCurrency(acc, req.Currency); err != nil {
				return mutation{}, err
			}
			if op == domain.OperationWithdrawal {
				if err := requireFunds(acc, req.Amount); err != nil {
					return mutation{}, err
				}
			}
			res, err := s.policy.CheckAndReserve(ctx, acc, op, req.Amount, now)
			if err != nil {
				return mutation{}, err
			}

			p := participant{account: acc, delta: sign * req.Amount, reservation: &res}
			return mutation{
				participants: []participant{p},
				records:      []domain.TransactionRecord{newRecord(id, acc, nil, dir, op, req.Amount, p.balanceAfter(), now, meta)},
			}, nil
		})
		if err != nil {
			return domain.OperationResult{}, err
		}

		rec := records[0]
		bal := rec.BalanceAfter
		result := domain.OperationResult{
			TransactionID: id,
			Operation:     op,
			Amount:        req.Amount,
			Currency:      req.Currency,
			Balance:       &bal,
			CompletedAt:   rec.Timestamp,
		}
		s.notifier.Notify(ctx, notify.Event{
			TransactionID: id,
			Operation:     op,
			AccountID:     req.AccountID,
			InitiatorID:   caller.UserID,
			Amount:        req.Amount,
			Currency:      req.Currency,
			OccurredAt:    rec.Timestamp,
		})
		return result, nil
	})
}

func (s *LedgerService) validateMovement(caller domain.Caller, req *domain.MovementRequest) error {
	if err := validateCaller(caller); err != nil {
		return err
	}
	req.AccountID = strings.TrimSpace(req.AccountID)
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if req.Currency == "" {
		req.Currency = domain.DefaultCurrency
	}
	switch {
	case req.AccountID == "":
		return domain.InvalidArgument("account_id is required")
	case req.IdempotencyKey == "":
		return domain.InvalidArgument("an idempotency key is required")
	case req.Amount <= 0:
		return domain.InvalidArgument("amount must be positive, got %d", req.Amount)
	case req.Amount < s.cfg.MinMovementAmount || req.Amount > s.cfg.MaxMovementAmount:
		return domain.Newf(domain.CodeInvalidArgument, domain.ReasonAmountOutOfRange, domain.ErrAmountOutOfRange,
			"amount %s %s is outside the allowed range %s to %s", money.Format(req.Amount, req.Currency), req.Currency,
			money.Format(s.cfg.MinMovementAmount, req.Currency), money.Format(s.cfg.MaxMovementAmount, req.Currency))
	}
	return nil
}
