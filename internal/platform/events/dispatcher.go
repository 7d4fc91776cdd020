package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrQueueFull = errors.New("events: dispatch queue full")
	ErrClosed    = errors.New("events: dispatcher closed")
)

const (
	DefaultQueueSize      = 1024
	DefaultPublishTimeout = 5 * time.Second
)

type queued struct {
	ctx context.Context
	evt Event
}

// Dispatcher hands events to a Publisher on one background goroutine so
// the caller never waits for delivery. Events leave in enqueue order.
// Closing the dispatcher drains the queue but leaves the publisher open.
type Dispatcher struct {
	pub     Publisher
	logger  zerolog.Logger
	timeout time.Duration
	queue   chan queued
	done    chan struct{}

	mu      sync.Mutex
	drained *sync.Cond
	pending int
	closed  bool
}

func NewDispatcher(pub Publisher, logger zerolog.Logger, size int, timeout time.Duration) *Dispatcher {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	d := &Dispatcher{
		pub:     pub,
		logger:  logger,
		timeout: timeout,
		queue:   make(chan queued, size),
		done:    make(chan struct{}),
	}
	d.drained = sync.NewCond(&d.mu)
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for q := range d.queue {
		ctx, cancel := context.WithTimeout(q.ctx, d.timeout)
		if err := d.pub.Publish(ctx, q.evt); err != nil {
			d.logger.Error().Err(err).
				Str("event_id", q.evt.ID).
				Str("event_type", q.evt.Type).
				Msg("publish ledger event")
		}
		cancel()

		d.mu.Lock()
		d.pending--
		if d.pending == 0 {
			d.drained.Broadcast()
		}
		d.mu.Unlock()
	}
}

// Publish queues evt and returns at once. The delivery context keeps the
// values of ctx but not its deadline or cancellation.
func (d *Dispatcher) Publish(ctx context.Context, evt Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- queued{ctx: context.WithoutCancel(ctx), evt: evt}:
		d.pending++
		return nil
	default:
		return ErrQueueFull
	}
}

// Flush blocks until every queued event has been handed to the publisher.
func (d *Dispatcher) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.pending > 0 {
		d.drained.Wait()
	}
}

func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	<-d.done
	return nil
}
