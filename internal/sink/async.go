package sink

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/web3messenger/realtime/internal/metrics"
)

type job struct {
	kind string
	fn   func(ctx context.Context) error
}

// Async hands events to a wrapped sink on a background worker. Calls never
// block: when the queue is full the event is dropped and counted.
type Async struct {
	next    Sink
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan job
	wg     sync.WaitGroup
}

// NewAsync starts the worker. Each call to the wrapped sink gets its own
// timeout.
func NewAsync(next Sink, size int, timeout time.Duration) *Async {
	if size <= 0 {
		size = 1
	}
	a := &Async{
		next:    next,
		timeout: timeout,
		queue:   make(chan job, size),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *Async) MessageRouted(_ context.Context, m Message) error {
	a.enqueue("message", func(ctx context.Context) error { return a.next.MessageRouted(ctx, m) })
	return nil
}

func (a *Async) PaymentRouted(_ context.Context, p Payment) error {
	a.enqueue("payment", func(ctx context.Context) error { return a.next.PaymentRouted(ctx, p) })
	return nil
}

func (a *Async) MessageRead(_ context.Context, r Read) error {
	a.enqueue("read", func(ctx context.Context) error { return a.next.MessageRead(ctx, r) })
	return nil
}

func (a *Async) StatusChanged(_ context.Context, s Status) error {
	a.enqueue("status", func(ctx context.Context) error { return a.next.StatusChanged(ctx, s) })
	return nil
}

// Close stops accepting events and waits for the queued ones to finish.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	a.wg.Wait()
}

func (a *Async) enqueue(kind string, fn func(ctx context.Context) error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		metrics.SinkDropped.Inc()
		return
	}
	select {
	case a.queue <- job{kind: kind, fn: fn}:
	default:
		metrics.SinkDropped.Inc()
		zap.L().Warn("sink_queue_full", zap.String("kind", kind))
	}
}

func (a *Async) run() {
	defer a.wg.Done()
	for j := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := j.fn(ctx); err != nil {
			zap.L().Warn("sink_call_failed", zap.String("kind", j.kind), zap.Error(err))
		}
		cancel()
	}
}
