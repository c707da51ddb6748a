// Package notify informs external collaborators about committed operations.
// Delivery is best effort: a failed or dropped notification never affects the
// outcome of the operation that produced it.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/punchamoorthee/ledgerengine/internal/domain"
)

var ErrClosed = errors.New("dispatcher is closed")

// Event describes one committed operation.
type Event struct {
	TransactionID string           `json:"transaction_id"`
	Operation     domain.Operation `json:"operation"`
	AccountID     string           `json:"account_id"`
	CounterpartID string           `json:"counterpart_account_id,omitempty"`
	InitiatorID   string           `json:"initiator_id"`
	Amount        int64            `json:"amount"`
	Currency      string           `json:"currency"`
	OccurredAt    time.Time        `json:"occurred_at"`
}

// Dispatcher accepts events without blocking the caller on delivery.
type Dispatcher interface {
	Notify(ctx context.Context, ev Event)
}

// Sink delivers a single event.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// Async fans events out to a Sink from a fixed pool of workers.
// When the buffer is full new events are dropped and counted.
type Async struct {
	sink    Sink
	log     zerolog.Logger
	timeout time.Duration

	events    chan Event
	closeChan chan struct{}
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
}

func NewAsync(sink Sink, log zerolog.Logger, bufferSize, workers int, timeout time.Duration) *Async {
	if workers <= 0 {
		workers = 1
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	a := &Async{
		sink:      sink,
		log:       log,
		timeout:   timeout,
		events:    make(chan Event, bufferSize),
		closeChan: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		a.wg.Add(1)
		go a.worker()
	}
	return a
}

func (a *Async) Notify(_ context.Context, ev Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		notificationsTotal.WithLabelValues("dropped").Inc()
		a.log.Warn().Err(ErrClosed).Str("transaction_id", ev.TransactionID).Msg("event dropped")
		return
	}
	select {
	case a.events <- ev:
	default:
		notificationsTotal.WithLabelValues("dropped").Inc()
		a.log.Warn().Str("transaction_id", ev.TransactionID).Msg("notification buffer full, event dropped")
	}
}

func (a *Async) worker() {
	defer a.wg.Done()
	for {
		select {
		case ev := <-a.events:
			a.deliver(ev)
		case <-a.closeChan:
			// Drain what was accepted before Close.
			for {
				select {
				case ev := <-a.events:
					a.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (a *Async) deliver(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.sink.Send(ctx, ev); err != nil {
		notificationsTotal.WithLabelValues("failed").Inc()
		a.log.Error().Err(err).Str("transaction_id", ev.TransactionID).Msg("notification delivery failed")
		return
	}
	notificationsTotal.WithLabelValues("sent").Inc()
}

// Close stops accepting events and waits for the workers to drain the buffer.
// Closing twice returns ErrClosed.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	a.closed = true
	close(a.closeChan)
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogSink writes events to the structured log. It is the default when no broker is configured.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Send(_ context.Context, ev Event) error {
	s.Log.Info().
		Str("transaction_id", ev.TransactionID).
		Str("operation", string(ev.Operation)).
		Str("account_id", ev.AccountID).
		Int64("amount", ev.Amount).
		Str("currency", ev.Currency).
		Msg("operation completed")
	return nil
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}
