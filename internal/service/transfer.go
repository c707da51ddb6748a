package service

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/ledgerengine/internal/domain"
	"github.com/punchamoorthee/ledgerengine/internal/idempotency"
	"github.com/punchamoorthee/ledgerengine/internal/money"
	"github.com/punchamoorthee/ledgerengine/internal/notify"
)

// Transfer moves req.Amount between accounts of different owners as one
// DEBIT/CREDIT pair.
func (s *LedgerService) Transfer(ctx context.Context, caller domain.Caller, req domain.TransferRequest) (Receipt, error) {
	if err := s.validateTransfer(caller, &req); err != nil {
		return Receipt{}, err
	}
	fp := idempotency.Fingerprint(domain.OperationTransfer, caller.UserID,
		req.FromAccountID, req.ToAccountID, strconv.FormatInt(req.Amount, 10), req.Currency)
	id := transferID(req.IdempotencyKey, fp)

	return s.execute(ctx, domain.OperationTransfer, caller, req.IdempotencyKey, fp, func(ctx context.Context, log zerolog.Logger) (domain.OperationResult, error) {
		log = log.With().Str("from_account_id", req.FromAccountID).Str("to_account_id", req.ToAccountID).Logger()
		meta := domain.RecordMetadata{IdempotencyKey: req.IdempotencyKey, Initiator: caller.UserID, Channel: caller.Channel, Description: req.Description}

		records, err := s.applyLedgerMutation(ctx, log, domain.OperationTransfer, id, func(ctx context.Context, now time.Time) (mutation, error) {
			transition(log, stateLocking)
			from, to, err := s.loadPair(ctx, req.FromAccountID, req.ToAccountID)
			if err != nil {
				return mutation{}, err
			}
			if err := s.checkTransfer(caller, from, to, req); err != nil {
				return mutation{}, err
			}
			res, err := s.policy.CheckAndReserve(ctx, from, domain.OperationTransfer, req.Amount, now)
			if err != nil {
				return mutation{}, err
			}

			debit := participant{account: from, delta: -req.Amount, reservation: &res}
			credit := participant{account: to, delta: req.Amount}
			return mutation{
				participants: []participant{debit, credit},
				records: []domain.TransactionRecord{
					newRecord(id, from, &to.ID, domain.DirectionDebit, domain.OperationTransfer, req.Amount, debit.balanceAfter(), now, meta),
					newRecord(id, to, &from.ID, domain.DirectionCredit, domain.OperationTransfer, req.Amount, credit.balanceAfter(), now, meta),
				},
			}, nil
		})
		if err != nil {
			return domain.OperationResult{}, err
		}

		result := domain.OperationResult{TransactionID: id, Operation: domain.OperationTransfer, Amount: req.Amount, Currency: req.Currency}
		for _, r := range records {
			bal := r.BalanceAfter
			if r.Direction == domain.DirectionDebit {
				result.FromBalance = &bal
			} else {
				result.ToBalance = &bal
			}
			result.CompletedAt = r.Timestamp
		}

		s.notifier.Notify(ctx, notify.Event{
			TransactionID: id,
			Operation:     domain.OperationTransfer,
			AccountID:     req.FromAccountID,
			CounterpartID: req.ToAccountID,
			InitiatorID:   caller.UserID,
			Amount:        req.Amount,
			Currency:      req.Currency,
			OccurredAt:    result.CompletedAt,
		})
		return result, nil
	})
}

// validateTransfer rejects malformed requests before the key is reserved.
func (s *LedgerService) validateTransfer(caller domain.Caller, req *domain.TransferRequest) error {
	if err := validateCaller(caller); err != nil {
		return err
	}
	req.FromAccountID = strings.TrimSpace(req.FromAccountID)
	req.ToAccountID = strings.TrimSpace(req.ToAccountID)
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if req.Currency == "" {
		req.Currency = domain.DefaultCurrency
	}
	switch {
	case req.FromAccountID == "" || req.ToAccountID == "":
		return domain.InvalidArgument("from_account_id and to_account_id are required")
	case req.IdempotencyKey == "":
		return domain.InvalidArgument("an idempotency key is required")
	case req.Amount <= 0:
		return domain.InvalidArgument("amount must be positive, got %d", req.Amount)
	case req.Amount > s.cfg.MaxTransferAmount:
		return domain.Newf(domain.CodeInvalidArgument, domain.ReasonAmountOutOfRange, domain.ErrAmountOutOfRange,
			"amount %s %s exceeds the transfer ceiling of %s", money.Format(req.Amount, req.Currency), req.Currency,
			money.Format(s.cfg.MaxTransferAmount, req.Currency))
	case req.FromAccountID == req.ToAccountID:
		return domain.Precondition(domain.ReasonSelfTransfer, domain.ErrSelfTransfer, "cannot transfer from account %s to itself", req.FromAccountID)
	}
	return nil
}

func (s *LedgerService) loadPair(ctx context.Context, fromID, toID string) (from, to *domain.Account, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		from, err = s.loadAccount(gctx, fromID)
		return err
	})
	g.Go(func() (err error) {
		to, err = s.loadAccount(gctx, toID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return from, to, nil
}

func (s *LedgerService) checkTransfer(caller domain.Caller, from, to *domain.Account, req domain.TransferRequest) error {
	if err := authorize(caller, from); err != nil {
		return err
	}
	if from.OwnerID == to.OwnerID {
		return domain.Precondition(domain.ReasonSameOwner, domain.ErrSameOwner,
			"accounts %s and %s belong to the same owner; use an internal transfer", from.ID, to.ID)
	}
	if err := requireActive(from); err != nil {
		return err
	}
	if err := requireActive(to); err != nil {
		return err
	}
	if err := requireCurrency(from, req.Currency); err != nil {
		return err
	}
	if err := requireCurrency(to, req.Currency); err != nil {
		return err
	}
	return requireFunds(from, req.Amount)
}

func requireFunds(acc *domain.Account, amount int64) error {
	if acc.Balance >= amount {
		return nil
	}
	return domain.Precondition(domain.ReasonInsufficientFunds, domain.ErrInsufficientFunds,
		"insufficient funds in account %s: available balance is %s %s, requested %s",
		acc.ID, money.Format(acc.Balance, acc.Currency), acc.Currency, money.Format(amount, acc.Currency))
}
