package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/ledgerengine/internal/domain"
	"github.com/punchamoorthee/ledgerengine/internal/limits"
	"github.com/punchamoorthee/ledgerengine/internal/money"
	"github.com/punchamoorthee/ledgerengine/internal/store"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// OpenAccount creates an empty active account. Only elevated callers may open
// an account on behalf of another owner.
func (s *LedgerService) OpenAccount(ctx context.Context, caller domain.Caller, ownerID, currency string) (*domain.Account, error) {
	if err := validateCaller(caller); err != nil {
		return nil, err
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		ownerID = caller.UserID
	}
	if ownerID != caller.UserID && !caller.Elevated {
		return nil, domain.Newf(domain.CodePermissionDenied, domain.ReasonNotOwner, domain.ErrNotOwner,
			"caller %s cannot open accounts for %s", caller.UserID, ownerID)
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = domain.DefaultCurrency
	}
	if len(currency) != 3 {
		return nil, domain.InvalidArgument("currency must be a 3-letter ISO 4217 code, got %q", currency)
	}

	now := s.clock()
	acc := &domain.Account{
		ID:                      uuid.NewString(),
		OwnerID:                 ownerID,
		Currency:                currency,
		IsActive:                true,
		DailyLimitResetEpochDay: limits.EpochDay(now),
		CreatedAt:               now,
	}
	if err := s.ledger.CreateAccount(ctx, acc); err != nil {
		return nil, domain.Internal(err, "could not create account")
	}
	return acc, nil
}

func (s *LedgerService) GetAccount(ctx context.Context, caller domain.Caller, id string) (*domain.Account, error) {
	if err := validateCaller(caller); err != nil {
		return nil, err
	}
	acc, err := s.loadAccount(ctx, id)
	if err != nil {
		return nil, wrapInternal(err)
	}
	if err := authorize(caller, acc); err != nil {
		return nil, err
	}
	return acc, nil
}

// DeactivateAccount freezes an account. Accounts are never deleted.
func (s *LedgerService) DeactivateAccount(ctx context.Context, caller domain.Caller, id string) (*domain.Account, error) {
	if err := validateCaller(caller); err != nil {
		return nil, err
	}
	if !caller.Elevated {
		return nil, domain.Newf(domain.CodePermissionDenied, domain.ReasonNotOwner, domain.ErrNotOwner,
			"deactivating account %s requires an elevated capability", id)
	}
	acc, err := s.ledger.SetAccountActive(ctx, id, false)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.Newf(domain.CodeNotFound, domain.ReasonAccountNotFound, domain.ErrAccountNotFound, "account %s not found", id)
	}
	if err != nil {
		return nil, domain.Internal(err, "could not deactivate account %s", id)
	}
	return acc, nil
}

// HistoryQuery selects a page of an account's records, newest first.
type HistoryQuery struct {
	AccountID string
	Since     time.Time
	Limit     int
	Cursor    string
}

type HistoryPage struct {
	Records    []domain.TransactionRecord
	NextCursor string
}

func (s *LedgerService) History(ctx context.Context, caller domain.Caller, q HistoryQuery) (HistoryPage, error) {
	if err := validateCaller(caller); err != nil {
		return HistoryPage{}, err
	}
	switch {
	case q.Limit == 0:
		q.Limit = DefaultHistoryLimit
	case q.Limit < 0 || q.Limit > MaxHistoryLimit:
		return HistoryPage{}, domain.InvalidArgument("limit must be between 1 and %d", MaxHistoryLimit)
	}
	cursor, err := store.DecodeCursor(q.Cursor)
	if err != nil {
		return HistoryPage{}, domain.InvalidArgument("malformed cursor")
	}

	acc, err := s.loadAccount(ctx, q.AccountID)
	if err != nil {
		return HistoryPage{}, wrapInternal(err)
	}
	if err := authorize(caller, acc); err != nil {
		return HistoryPage{}, err
	}

	page, err := s.txlog.RecentByAccount(ctx, acc.ID, q.Since, q.Limit, cursor)
	if err != nil {
		return HistoryPage{}, domain.Internal(err, "could not list transactions of %s", acc.ID)
	}
	if page.Records == nil {
		page.Records = []domain.TransactionRecord{}
	}
	return HistoryPage{Records: page.Records, NextCursor: page.Next.Encode()}, nil
}

// Summary renders an account balance for logs and the CLI tools.
func Summary(acc *domain.Account) string {
	return fmt.Sprintf("%s %s %s", acc.ID, money.Format(acc.Balance, acc.Currency), acc.Currency)
}

func wrapInternal(err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	return domain.Internal(err, "%v", err)
}
