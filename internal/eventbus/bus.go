// Package eventbus is the protocol task's event queue: every context posts
// events, one goroutine consumes them in order.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"firestige.xyz/rinashim/internal/core"
	"firestige.xyz/rinashim/internal/log"
	"firestige.xyz/rinashim/internal/metrics"
)

// DefaultQueueSize bounds the number of waiting events.
const DefaultQueueSize = 64

// Bus is a single-consumer event queue. Publish never blocks.
type Bus struct {
	queue    chan Event
	handlers [numTypes]Handler
	discard  func(Event)
	mu       sync.RWMutex
	closed   atomic.Bool
	done     chan struct{}
	logger   log.Logger

	// held shared by Publish and exclusively while closing, so nothing is
	// queued after the final drain
	pubMu sync.RWMutex

	publishedCount atomic.Int64
	processedCount atomic.Int64
	failedCount    atomic.Int64
}

// Option customises a Bus.
type Option func(*Bus)

// WithDiscard sets the function that disposes of events nobody handled,
// e.g. to release their buffers.
func WithDiscard(f func(Event)) Option {
	return func(b *Bus) { b.discard = f }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// New creates a bus holding up to queueSize events.
func New(queueSize int, opts ...Option) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	b := &Bus{
		queue:   make(chan Event, queueSize),
		done:    make(chan struct{}),
		discard: func(Event) {},
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = log.Component("task")
	}
	return b
}

// Publish queues ev. It fails with core.ErrQueueFull or core.ErrTaskStopped
// and then leaves ev.Buf with the caller.
func (b *Bus) Publish(ev Event) error {
	b.pubMu.RLock()
	defer b.pubMu.RUnlock()
	if b.closed.Load() {
		return core.ErrTaskStopped
	}
	select {
	case b.queue <- ev:
		b.publishedCount.Add(1)
		metrics.TaskQueueDepth.Set(float64(len(b.queue)))
		return nil
	default:
		metrics.TaskEventsTotal.WithLabelValues(ev.Type.String(), "rejected").Inc()
		return fmt.Errorf("%s event: %w", ev.Type, core.ErrQueueFull)
	}
}

// Subscribe installs the handler for events of type t, replacing any
// previous one.
func (b *Bus) Subscribe(t Type, h Handler) error {
	if t >= numTypes {
		return fmt.Errorf("subscribe to unknown event type %d", t)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = h
	return nil
}

// Run consumes events until ctx ends or Close is called. Events still
// queued on return are discarded.
func (b *Bus) Run(ctx context.Context) error {
	b.logger.Info("protocol task started")
	defer func() {
		b.pubMu.Lock()
		b.closed.Store(true)
		b.pubMu.Unlock()
		b.drain()
		b.logger.Info("protocol task stopped")
	}()

	for {
		// stop requests win over queued events
		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return nil
		default:
		}

		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return nil
		case ev := <-b.queue:
			metrics.TaskQueueDepth.Set(float64(len(b.queue)))
			b.dispatch(ev)
		}
	}
}

// Close stops Run and rejects further events.
func (b *Bus) Close() error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if b.closed.CompareAndSwap(false, true) {
		close(b.done)
	}
	return nil
}

// Closed reports whether the bus stopped accepting events.
func (b *Bus) Closed() bool {
	return b.closed.Load()
}

// GetStats returns the bus counters.
func (b *Bus) GetStats() Stats {
	return Stats{
		PublishedCount: b.publishedCount.Load(),
		ProcessedCount: b.processedCount.Load(),
		FailedCount:    b.failedCount.Load(),
		QueuedCount:    len(b.queue),
	}
}

func (b *Bus) dispatch(ev Event) {
	b.mu.RLock()
	h := b.handlers[ev.Type]
	b.mu.RUnlock()

	if h == nil {
		b.logger.Debugf("no handler for %s event", ev.Type)
		metrics.TaskEventsTotal.WithLabelValues(ev.Type.String(), "unhandled").Inc()
		if ev.Result != nil {
			ev.Result <- core.ErrNoHandler
		}
		b.discard(ev)
		return
	}

	if err := h(ev); err != nil {
		b.failedCount.Add(1)
		metrics.TaskEventsTotal.WithLabelValues(ev.Type.String(), "error").Inc()
		b.logger.WithError(err).Debugf("%s event failed", ev.Type)
		return
	}
	b.processedCount.Add(1)
	metrics.TaskEventsTotal.WithLabelValues(ev.Type.String(), "ok").Inc()
}

func (b *Bus) drain() {
	for {
		select {
		case ev := <-b.queue:
			if ev.Result != nil {
				ev.Result <- core.ErrTaskStopped
			}
			b.discard(ev)
		default:
			metrics.TaskQueueDepth.Set(0)
			return
		}
	}
}
