package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/ledgerengine/internal/domain"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	block  chan struct{}
	err    error
}

func (s *recordingSink) Send(ctx context.Context, ev Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestAsync_DeliversAndDrainsOnClose(t *testing.T) {
	sink := &recordingSink{}
	a := NewAsync(sink, zerolog.Nop(), 16, 2, time.Second)

	for i := 0; i < 10; i++ {
		a.Notify(context.Background(), Event{TransactionID: "tx", Operation: domain.OperationDeposit})
	}
	require.NoError(t, a.Close(context.Background()))
	assert.Equal(t, 10, sink.count())

	a.Notify(context.Background(), Event{TransactionID: "late"})
	assert.Equal(t, 10, sink.count(), "events after Close are dropped")
	assert.ErrorIs(t, a.Close(context.Background()), ErrClosed)
}

func TestAsync_DropsWhenBufferFull(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	a := NewAsync(sink, zerolog.Nop(), 1, 1, time.Second)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			a.Notify(context.Background(), Event{TransactionID: "tx"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a full buffer")
	}
	close(sink.block)
	require.NoError(t, a.Close(context.Background()))
	assert.Less(t, sink.count(), 20)
}

func TestAsync_SinkErrorsDoNotStopWorkers(t *testing.T) {
	sink := &recordingSink{err: errors.New("broker down")}
	a := NewAsync(sink, zerolog.Nop(), 4, 1, time.Second)

	a.Notify(context.Background(), Event{TransactionID: "a"})
	a.Notify(context.Background(), Event{TransactionID: "b"})
	require.NoError(t, a.Close(context.Background()))
	assert.Equal(t, 2, sink.count())
}

type fakeChannel struct {
	exchange, key string
	msg           amqp.Publishing
	err           error
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return f.err
}

func (f *fakeChannel) Close() error { return nil }

func TestAMQPSink_Send(t *testing.T) {
	ch := &fakeChannel{}
	sink := NewAMQPSink(ch, "ledger.events")

	ev := Event{TransactionID: "tx-1", Operation: domain.OperationTransfer, AccountID: "a", CounterpartID: "b", Amount: 75000, Currency: "USD"}
	require.NoError(t, sink.Send(context.Background(), ev))

	assert.Equal(t, "ledger.events", ch.exchange)
	assert.Equal(t, "ledger.transfer", ch.key)
	assert.Equal(t, "tx-1", ch.msg.MessageId)
	assert.Equal(t, amqp.Persistent, ch.msg.DeliveryMode)

	var got Event
	require.NoError(t, json.Unmarshal(ch.msg.Body, &got))
	assert.Equal(t, ev, got)
}

func TestAMQPSink_SendError(t *testing.T) {
	ch := &fakeChannel{err: amqp.ErrClosed}
	err := NewAMQPSink(ch, "x").Send(context.Background(), Event{TransactionID: "tx-1"})
	assert.ErrorIs(t, err, amqp.ErrClosed)
}
