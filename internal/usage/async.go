package usage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/quote-extract/internal/model"
	"github.com/sells-group/quote-extract/internal/resilience"
)

// ErrClosed is returned by Record after Close.
var ErrClosed = eris.New("usage: recorder closed")

// Async buffers events on a channel and hands them to a downstream
// Recorder from a single goroutine. Record never blocks: a full buffer
// drops the event with a warning.
type Async struct {
	next  Recorder
	retry resilience.RetryConfig

	mu     sync.RWMutex
	closed bool
	events chan model.UsageEvent
	done   chan struct{}

	dropped atomic.Int64
}

// NewAsync starts the writer goroutine. buffer <= 0 uses 256.
func NewAsync(next Recorder, buffer int) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("usage", "record")

	a := &Async{
		next:   next,
		retry:  retry,
		events: make(chan model.UsageEvent, buffer),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// Record enqueues ev.
func (a *Async) Record(_ context.Context, ev model.UsageEvent) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}

	select {
	case a.events <- ev:
		return nil
	default:
		a.dropped.Add(1)
		zap.L().Warn("usage: buffer full, dropping event",
			zap.String("model", ev.Model),
			zap.String("request_kind", ev.RequestKind),
			zap.Int("buffer", cap(a.events)),
		)
		return eris.New("usage: buffer full")
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting events and waits until the buffer is drained or
// ctx is done.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "usage: drain")
	}
}

func (a *Async) run() {
	defer close(a.done)
	for ev := range a.events {
		a.write(ev)
	}
}

func (a *Async) write(ev model.UsageEvent) {
	// Writes outlive the request that produced them.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := resilience.Do(ctx, a.retry, func(ctx context.Context) error {
		return a.next.Record(ctx, ev)
	})
	if err != nil {
		zap.L().Warn("usage: record failed",
			zap.String("model", ev.Model),
			zap.String("request_kind", ev.RequestKind),
			zap.Error(err),
		)
	}
}
