// Package export implements the asynchronous path between trace sealing and
// the sinks: a bounded submit queue with an explicit queue-full policy, a
// dispatcher with per-sink workers and bounded retry, and an optional
// write-ahead log so sealed traces survive a crash between sealing and
// delivery.
package export

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/telemetry"
)

// Policy selects the behavior of Submit when the queue is full. Silent
// blocking is deliberately not an option: tracing must not stall the traced
// application, so even the blocking policy carries a timeout.
type Policy string

const (
	// PolicyDropOldest evicts the oldest queued trace to admit the new one.
	// This is the default: under sustained overload the freshest traces win.
	PolicyDropOldest Policy = "drop_oldest"
	// PolicyDropNewest rejects the new trace.
	PolicyDropNewest Policy = "drop_newest"
	// PolicyBlock waits up to the configured timeout for space, then rejects.
	PolicyBlock Policy = "block"
)

const (
	defaultCapacity     = 1024
	defaultBlockTimeout = 250 * time.Millisecond
)

// item is a queued trace plus its WAL position (0 when the WAL is disabled).
type item struct {
	trace model.Trace
	lsn   int64
}

// Queue is the bounded hand-off between the trace assembler and the
// dispatcher. Submit never blocks beyond the policy's bound.
type Queue struct {
	logger       *slog.Logger
	capacity     int
	policy       Policy
	blockTimeout time.Duration

	mu     sync.Mutex
	items  []item
	closed bool

	notEmpty chan struct{} // capacity-1 signal: an item was enqueued
	space    chan struct{} // capacity-1 signal: an item was dequeued

	dropped atomic.Int64
}

// NewQueue creates a queue. Zero capacity and blockTimeout take defaults; an
// empty policy means drop-oldest.
func NewQueue(logger *slog.Logger, capacity int, policy Policy, blockTimeout time.Duration) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if policy == "" {
		policy = PolicyDropOldest
	}
	if blockTimeout <= 0 {
		blockTimeout = defaultBlockTimeout
	}
	return &Queue{
		logger:       logger,
		capacity:     capacity,
		policy:       policy,
		blockTimeout: blockTimeout,
		notEmpty:     make(chan struct{}, 1),
		space:        make(chan struct{}, 1),
	}
}

// Submit enqueues a sealed trace. Returns ErrQueueFull when the policy
// rejects it and ErrInvalidState after Close. The cost is bounded: at most
// the block timeout under PolicyBlock, one mutex acquisition otherwise.
func (q *Queue) Submit(trace model.Trace, lsn int64) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return model.ErrInvalidState
		}
		if len(q.items) < q.capacity {
			q.items = append(q.items, item{trace: trace, lsn: lsn})
			q.mu.Unlock()
			signal(q.notEmpty)
			return nil
		}

		switch q.policy {
		case PolicyDropOldest:
			evicted := q.items[0]
			q.items = q.items[1:]
			q.items = append(q.items, item{trace: trace, lsn: lsn})
			q.dropped.Add(1)
			q.mu.Unlock()
			signal(q.notEmpty)
			q.logger.Warn("export: queue full, dropped oldest trace", "trace_id", evicted.trace.Info.TraceID)
			return nil
		case PolicyDropNewest:
			q.dropped.Add(1)
			q.mu.Unlock()
			q.logger.Warn("export: queue full, dropped trace", "trace_id", trace.Info.TraceID)
			return model.ErrQueueFull
		case PolicyBlock:
			q.mu.Unlock()
			if timer == nil {
				timer = time.NewTimer(q.blockTimeout)
			}
			select {
			case <-q.space:
				// Retry; another submitter may have taken the slot.
			case <-timer.C:
				q.dropped.Add(1)
				q.logger.Warn("export: queue full past block timeout, dropped trace", "trace_id", trace.Info.TraceID)
				return model.ErrQueueFull
			}
		default:
			q.mu.Unlock()
			return model.ErrQueueFull
		}
	}
}

// pop removes the oldest queued item, waiting until one is available. Returns
// false when the queue is closed and fully drained, or ctx is done.
func (q *Queue) pop(ctx context.Context) (item, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			signal(q.space)
			return it, true
		}
		if q.closed {
			q.mu.Unlock()
			return item{}, false
		}
		q.mu.Unlock()

		select {
		case <-q.notEmpty:
		case <-ctx.Done():
			return item{}, false
		}
	}
}

// Close rejects further submissions. Queued items remain poppable so the
// dispatcher can drain them.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	signal(q.notEmpty)
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns the total number of traces rejected or evicted by the
// queue-full policy. A non-zero value indicates data loss.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// registerMetrics registers observable gauges for queue health.
func (q *Queue) registerMetrics() {
	meter := telemetry.Meter("kiroku/export")

	_, _ = meter.Int64ObservableGauge("kiroku.export.queue_depth",
		metric.WithDescription("Current number of sealed traces waiting for dispatch"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(q.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kiroku.export.dropped_total",
		metric.WithDescription("Total traces dropped by the queue-full policy"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(q.Dropped())
			return nil
		}),
	)
}
