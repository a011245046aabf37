package export

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/telemetry"
)

// Sink receives sealed traces. Implementations must be safe for use from a
// single dispatcher-owned goroutine; they do not need internal locking
// against concurrent Write calls.
type Sink interface {
	// Name identifies the sink in logs and metrics. Must be unique per
	// dispatcher and stable for the sink's lifetime.
	Name() string
	// Write persists or forwards one sealed trace. Write may be called again
	// with the same trace after a crash; implementations should be idempotent
	// on trace ID.
	Write(ctx context.Context, trace model.Trace) error
}

const (
	defaultMaxRetries     = 3
	defaultRetryBaseDelay = 100 * time.Millisecond
	defaultSinkQueueSize  = 64
)

// DispatcherConfig configures the fan-out from the queue to the sinks.
type DispatcherConfig struct {
	Logger         *slog.Logger
	MaxRetries     int           // delivery attempts per trace beyond the first
	RetryBaseDelay time.Duration // first backoff step, doubled per attempt with jitter
	SinkQueueSize  int           // per-sink channel depth
}

func (c *DispatcherConfig) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = defaultRetryBaseDelay
	}
	if c.SinkQueueSize <= 0 {
		c.SinkQueueSize = defaultSinkQueueSize
	}
}

// sinkWorker owns one sink. Each sink gets its own goroutine and bounded
// channel so a slow or failing sink cannot stall the others.
type sinkWorker struct {
	sink   Sink
	ch     chan item
	closed bool          // guarded by Dispatcher.mu
	acked  atomic.Uint64 // highest LSN this sink has finished with
}

// Dispatcher drains the submit queue and fans sealed traces out to every
// registered sink. Delivery to one sink is independent of delivery to the
// rest; a trace that exhausts its retries against a sink is logged, counted,
// and abandoned for that sink only.
type Dispatcher struct {
	cfg    DispatcherConfig
	logger *slog.Logger
	queue  *Queue
	wal    *WAL // nil when durability is disabled

	mu      sync.RWMutex
	workers map[string]*sinkWorker

	group    *errgroup.Group
	groupCtx context.Context
	loopDone chan struct{}
	done     chan struct{}
	started  bool

	undelivered atomic.Int64
}

// NewDispatcher creates a dispatcher over the given queue. wal may be nil.
func NewDispatcher(cfg DispatcherConfig, queue *Queue, wal *WAL) *Dispatcher {
	cfg.setDefaults()
	return &Dispatcher{
		cfg:      cfg,
		logger:   cfg.Logger,
		queue:    queue,
		wal:      wal,
		workers:  make(map[string]*sinkWorker),
		loopDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// RegisterSink adds a sink. May be called before or after Start; traces
// already dispatched are not replayed to a late-registered sink.
func (d *Dispatcher) RegisterSink(s Sink) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.workers[s.Name()]; ok {
		return fmt.Errorf("export: sink %q already registered", s.Name())
	}
	w := &sinkWorker{
		sink: s,
		ch:   make(chan item, d.cfg.SinkQueueSize),
	}
	d.workers[s.Name()] = w
	if d.started {
		d.group.Go(func() error {
			d.runWorker(w)
			return nil
		})
	}
	return nil
}

// RemoveSink detaches a sink. Traces already handed to its worker are still
// delivered before the worker exits.
func (d *Dispatcher) RemoveSink(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.workers[name]
	if !ok {
		return fmt.Errorf("export: sink %q not registered: %w", name, model.ErrNotFound)
	}
	delete(d.workers, name)
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
	return nil
}

// Start launches the WAL recovery, the dispatch loop and one worker per
// registered sink. ctx bounds in-flight sink writes; cancelling it abandons
// them, so prefer Drain for an orderly stop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return model.ErrInvalidState
	}
	d.started = true
	d.group, d.groupCtx = errgroup.WithContext(ctx)

	for _, w := range d.workers {
		worker := w
		d.group.Go(func() error {
			d.runWorker(worker)
			return nil
		})
	}
	d.mu.Unlock()

	// Re-enqueue traces that were sealed but not fully delivered before the
	// last shutdown or crash.
	if d.wal != nil {
		err := d.wal.Recover(func(trace model.Trace, lsn uint64) {
			if serr := d.queue.Submit(trace, int64(lsn)); serr != nil {
				d.logger.Warn("export: recovery submit failed", "trace_id", trace.Info.TraceID, "error", serr)
			}
		})
		if err != nil {
			return fmt.Errorf("export: wal recovery: %w", err)
		}
	}

	go d.runLoop()
	go d.runCheckpointer()

	d.queue.registerMetrics()
	d.registerMetrics()
	return nil
}

// Submit records the sealed trace in the WAL (when enabled) and enqueues it
// for dispatch. Safe to call from the sealing path; cost is bounded by the
// queue policy plus one fsync when the WAL is on.
func (d *Dispatcher) Submit(trace model.Trace) error {
	var lsn int64
	if d.wal != nil {
		n, err := d.wal.Append(trace)
		if err != nil {
			// Degrade to non-durable delivery rather than losing the trace.
			d.logger.Error("export: wal append failed, continuing without durability",
				"trace_id", trace.Info.TraceID, "error", err)
		} else {
			lsn = int64(n)
		}
	}
	return d.queue.Submit(trace, lsn)
}

// Undelivered returns the number of trace-sink deliveries abandoned after
// exhausting retries or overflowing a sink's channel.
func (d *Dispatcher) Undelivered() int64 {
	return d.undelivered.Load()
}

// Drain stops intake, delivers everything still queued, and waits for the
// workers, bounded by ctx.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.queue.Close()

	d.mu.RLock()
	started := d.started
	d.mu.RUnlock()
	if !started {
		return nil
	}

	select {
	case <-d.done:
	case <-ctx.Done():
		return fmt.Errorf("export: drain: %w", ctx.Err())
	}

	if d.wal != nil {
		d.checkpoint()
		if err := d.wal.Close(); err != nil {
			d.logger.Warn("export: wal close failed", "error", err)
		}
	}
	return nil
}

// runLoop moves items from the queue to every sink worker.
func (d *Dispatcher) runLoop() {
	defer close(d.loopDone)
	defer func() {
		// Queue exhausted: let the workers finish their backlogs and exit.
		d.mu.Lock()
		for _, w := range d.workers {
			if !w.closed {
				w.closed = true
				close(w.ch)
			}
		}
		d.mu.Unlock()

		_ = d.group.Wait()
		close(d.done)
	}()

	for {
		it, ok := d.queue.pop(d.groupCtx)
		if !ok {
			return
		}

		d.mu.RLock()
		for name, w := range d.workers {
			select {
			case w.ch <- it:
			default:
				// A wedged sink must not stall the dispatch loop. The skipped
				// delivery counts as undelivered and its LSN as handled, so
				// the checkpoint keeps advancing.
				d.undelivered.Add(1)
				advanceAck(&w.acked, uint64(it.lsn))
				d.logger.Warn("export: sink backlog full, skipping delivery",
					"sink", name, "trace_id", it.trace.Info.TraceID)
			}
		}
		d.mu.RUnlock()
	}
}

// runWorker delivers the worker's backlog with bounded retries.
func (d *Dispatcher) runWorker(w *sinkWorker) {
	for it := range w.ch {
		d.deliver(w, it)
		advanceAck(&w.acked, uint64(it.lsn))
	}
}

func (d *Dispatcher) deliver(w *sinkWorker, it item) {
	delay := d.cfg.RetryBaseDelay
	var err error
	for attempt := range d.cfg.MaxRetries + 1 {
		err = w.sink.Write(d.groupCtx, it.trace)
		if err == nil {
			return
		}
		if attempt == d.cfg.MaxRetries {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-d.groupCtx.Done():
			d.undelivered.Add(1)
			return
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	d.undelivered.Add(1)
	d.logger.Error("export: delivery abandoned after retries",
		"sink", w.sink.Name(), "trace_id", it.trace.Info.TraceID,
		"attempts", d.cfg.MaxRetries+1, "error", err)
}

// runCheckpointer periodically advances the WAL checkpoint to the lowest
// LSN every sink has finished with.
func (d *Dispatcher) runCheckpointer() {
	if d.wal == nil {
		return
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-d.loopDone:
			return
		case <-ticker.C:
			d.checkpoint()
		}
	}
}

func (d *Dispatcher) checkpoint() {
	d.mu.RLock()
	minAck := uint64(math.MaxUint64)
	n := 0
	for _, w := range d.workers {
		if a := w.acked.Load(); a < minAck {
			minAck = a
		}
		n++
	}
	d.mu.RUnlock()

	if n == 0 {
		// No sinks: everything appended so far is as delivered as it will get.
		minAck = d.wal.LastLSN()
	}
	if minAck == 0 || minAck == math.MaxUint64 {
		return
	}
	if err := d.wal.Checkpoint(minAck); err != nil {
		d.logger.Warn("export: checkpoint failed", "lsn", minAck, "error", err)
	}
}

// advanceAck raises the ack watermark monotonically. Recovery can replay
// records out of order relative to fresh seals, so plain stores would regress.
func advanceAck(a *atomic.Uint64, lsn uint64) {
	for {
		cur := a.Load()
		if lsn <= cur || a.CompareAndSwap(cur, lsn) {
			return
		}
	}
}

func (d *Dispatcher) registerMetrics() {
	meter := telemetry.Meter("kiroku/export")

	_, _ = meter.Int64ObservableGauge("kiroku.export.undelivered_total",
		metric.WithDescription("Total trace-sink deliveries abandoned after retries"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(d.Undelivered())
			return nil
		}),
	)
}
