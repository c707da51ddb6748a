package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/ledgerengine/internal/domain"
	"github.com/punchamoorthee/ledgerengine/internal/store/memory"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newGuard() (*Guard, *clock) {
	c := &clock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	return NewGuard(memory.New(), time.Minute, WithClock(c.now)), c
}

func TestBegin_FreshThenCompletedReplay(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard()

	out, err := g.Begin(ctx, "k1", domain.OperationTransfer, "fp")
	require.NoError(t, err)
	require.Equal(t, Fresh, out.State)

	bal := int64(750)
	require.NoError(t, g.Complete(ctx, out.Ticket, domain.OperationResult{TransactionID: "tx-1", FromBalance: &bal}))

	again, err := g.Begin(ctx, "k1", domain.OperationTransfer, "fp")
	require.NoError(t, err)
	assert.Equal(t, Completed, again.State)
	require.NotNil(t, again.Result)
	assert.Equal(t, "tx-1", again.Result.TransactionID)
	assert.Equal(t, int64(750), *again.Result.FromBalance)
}

func TestBegin_InFlightWithinStalenessWindow(t *testing.T) {
	ctx := context.Background()
	g, c := newGuard()

	_, err := g.Begin(ctx, "k1", domain.OperationTransfer, "fp")
	require.NoError(t, err)

	c.advance(30 * time.Second)
	out, err := g.Begin(ctx, "k1", domain.OperationTransfer, "fp")
	assert.Equal(t, InFlight, out.State)
	assert.Equal(t, domain.CodeAlreadyExists, domain.CodeOf(err))
	assert.ErrorIs(t, err, domain.ErrIdempotencyInFlight)
}

func TestBegin_AbandonedKeyIsRetried(t *testing.T) {
	ctx := context.Background()
	g, c := newGuard()

	first, err := g.Begin(ctx, "k1", domain.OperationTransfer, "fp")
	require.NoError(t, err)

	c.advance(61 * time.Second)
	second, err := g.Begin(ctx, "k1", domain.OperationTransfer, "fp")
	require.NoError(t, err)
	assert.Equal(t, Fresh, second.State)
	assert.NotEqual(t, first.Ticket.Token, second.Ticket.Token)

	err = g.Complete(ctx, first.Ticket, domain.OperationResult{TransactionID: "late"})
	assert.True(t, IsNotOwner(err), "the abandoned attempt can no longer finish the key")
}

func TestBegin_MismatchedFingerprint(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard()

	_, err := g.Begin(ctx, "k1", domain.OperationTransfer, "fp-a")
	require.NoError(t, err)

	_, err = g.Begin(ctx, "k1", domain.OperationTransfer, "fp-b")
	assert.Equal(t, domain.CodeInvalidArgument, domain.CodeOf(err))
	assert.ErrorIs(t, err, domain.ErrIdempotencyMismatch)

	_, err = g.Begin(ctx, "k1", domain.OperationDeposit, "fp-a")
	assert.ErrorIs(t, err, domain.ErrIdempotencyMismatch)
}

func TestFail_BusinessRejectionIsReplayed(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard()

	out, err := g.Begin(ctx, "k1", domain.OperationWithdrawal, "fp")
	require.NoError(t, err)
	rejection := domain.Precondition(domain.ReasonInsufficientFunds, domain.ErrInsufficientFunds, "available balance is 10.00 USD")
	require.NoError(t, g.Fail(ctx, out.Ticket, rejection, false))

	again, err := g.Begin(ctx, "k1", domain.OperationWithdrawal, "fp")
	require.NoError(t, err)
	assert.Equal(t, Failed, again.State)
	require.NotNil(t, again.Failure)
	assert.Equal(t, domain.CodeFailedPrecondition, again.Failure.Code)
	assert.Equal(t, rejection.Message, again.Failure.Message)
	assert.ErrorIs(t, again.Failure, domain.ErrInsufficientFunds)
}

func TestFail_RetryableFailureAllowsNewAttempt(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard()

	out, err := g.Begin(ctx, "k1", domain.OperationDeposit, "fp")
	require.NoError(t, err)
	require.NoError(t, g.Fail(ctx, out.Ticket, domain.Internal(nil, "store unavailable"), true))

	again, err := g.Begin(ctx, "k1", domain.OperationDeposit, "fp")
	require.NoError(t, err)
	assert.Equal(t, Fresh, again.State)
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint(domain.OperationTransfer, "u1", "acc-1", "acc-2", "100", "USD")
	b := Fingerprint(domain.OperationTransfer, "u1", "acc-1", "acc-2", "100", "USD")
	c := Fingerprint(domain.OperationTransfer, "u1", "acc-1", "acc-2", "101", "USD")
	d := Fingerprint(domain.OperationTransfer, "u1", "acc-1a", "cc-2", "100", "USD")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d, "field boundaries are part of the hash")
}
