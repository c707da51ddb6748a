// Package limits evaluates per-account daily limits and the rolling-window
// fraud threshold. It never writes; the orchestrator persists the returned totals.
package limits

import (
	"context"
	"fmt"
	"time"

	"github.com/punchamoorthee/ledgerengine/internal/domain"
	"github.com/punchamoorthee/ledgerengine/internal/money"
	"github.com/punchamoorthee/ledgerengine/internal/store"
)

const (
	fraudWindow   = 24 * time.Hour
	fraudPageSize = 200
)

type Config struct {
	// DailyLimit caps the running daily total, in minor units.
	DailyLimit int64
	// FraudThreshold triggers the rolling 24h aggregation for amounts above it.
	FraudThreshold int64
	// LimitOperations lists operations subject to the daily limit.
	LimitOperations []domain.Operation
	// FraudOperations lists operations subject to the rolling-window check.
	FraudOperations []domain.Operation
}

// Reservation is what the orchestrator writes back to the account if it commits.
type Reservation struct {
	DailyTransferTotal      int64
	DailyLimitResetEpochDay int64
}

type Policy struct {
	cfg   Config
	log   store.TransactionLog
	limit map[domain.Operation]bool
	fraud map[domain.Operation]bool
}

func NewPolicy(cfg Config, log store.TransactionLog) *Policy {
	p := &Policy{cfg: cfg, log: log, limit: map[domain.Operation]bool{}, fraud: map[domain.Operation]bool{}}
	for _, op := range cfg.LimitOperations {
		p.limit[op] = true
	}
	for _, op := range cfg.FraudOperations {
		p.fraud[op] = true
	}
	return p
}

// EpochDay is the number of whole UTC days since the Unix epoch.
func EpochDay(t time.Time) int64 {
	return t.UTC().Unix() / 86400
}

// CheckAndReserve returns the daily total to persist, or a FAILED_PRECONDITION error.
func (p *Policy) CheckAndReserve(ctx context.Context, acc *domain.Account, op domain.Operation, amount int64, now time.Time) (Reservation, error) {
	today := EpochDay(now)
	res := Reservation{DailyTransferTotal: acc.DailyTransferTotal, DailyLimitResetEpochDay: acc.DailyLimitResetEpochDay}
	if res.DailyLimitResetEpochDay < today {
		res = Reservation{DailyTransferTotal: 0, DailyLimitResetEpochDay: today}
	}

	if p.limit[op] {
		if res.DailyTransferTotal+amount > p.cfg.DailyLimit {
			remaining := max(p.cfg.DailyLimit-res.DailyTransferTotal, 0)
			return Reservation{}, domain.Precondition(domain.ReasonDailyLimit, domain.ErrDailyLimitExceeded,
				"daily limit of %s %s would be exceeded: %s already used today, %s remaining",
				money.Format(p.cfg.DailyLimit, acc.Currency), acc.Currency,
				money.Format(res.DailyTransferTotal, acc.Currency), money.Format(remaining, acc.Currency))
		}
	}

	// The fraud scope is independent of the daily-limit scope.
	if p.fraud[op] && amount > p.cfg.FraudThreshold {
		debited, err := p.rollingDebits(ctx, acc.ID, now)
		if err != nil {
			return Reservation{}, err
		}
		if debited+amount > p.cfg.DailyLimit {
			return Reservation{}, domain.Precondition(domain.ReasonFraudThreshold, domain.ErrFraudThreshold,
				"%s %s debited in the last 24h; another %s would exceed the %s limit",
				money.Format(debited, acc.Currency), acc.Currency,
				money.Format(amount, acc.Currency), money.Format(p.cfg.DailyLimit, acc.Currency))
		}
	}

	if p.limit[op] {
		res.DailyTransferTotal += amount
	}
	return res, nil
}

// rollingDebits sums DEBIT records of the trailing 24h, walking every page.
func (p *Policy) rollingDebits(ctx context.Context, accountID string, now time.Time) (int64, error) {
	var (
		sum    int64
		cursor store.Cursor
	)
	for {
		page, err := p.log.RecentByAccount(ctx, accountID, now.Add(-fraudWindow), fraudPageSize, cursor)
		if err != nil {
			return 0, fmt.Errorf("rolling debit aggregation: %w", err)
		}
		for _, r := range page.Records {
			if r.Direction == domain.DirectionDebit {
				sum += r.Amount
			}
		}
		if !page.HasMore() {
			return sum, nil
		}
		cursor = page.Next
	}
}
