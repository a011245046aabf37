package kiroku

import (
	"log/slog"
	"time"
)

// Option configures an Engine.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	logger            *slog.Logger
	version           string
	store             Store
	extraSinks        []Sink
	queueCapacity     int
	queuePolicy       QueuePolicy
	queueBlockTimeout time.Duration
	pendingTimeout    time.Duration
	sweepInterval     time.Duration
	previewBytes      int
	walDir            string
	walSet            bool
	skipOTEL          bool
}

// WithLogger sets the structured logger for the Engine.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithStore sets the trace repository, replacing the one selected by
// KIROKU_STORE. The store serves reads (GetTrace, SearchTraces) and receives
// sealed traces as a sink.
func WithStore(s Store) Option {
	return func(o *resolvedOptions) { o.store = s }
}

// WithSink registers an additional export sink alongside the store.
// Multiple sinks may be registered; every sealed trace goes to all of them.
func WithSink(s Sink) Option {
	return func(o *resolvedOptions) { o.extraSinks = append(o.extraSinks, s) }
}

// WithQueueCapacity overrides the export queue depth (KIROKU_QUEUE_CAPACITY).
func WithQueueCapacity(n int) Option {
	return func(o *resolvedOptions) { o.queueCapacity = n }
}

// WithQueuePolicy overrides the queue-full policy (KIROKU_QUEUE_POLICY).
func WithQueuePolicy(p QueuePolicy) Option {
	return func(o *resolvedOptions) { o.queuePolicy = p }
}

// WithQueueBlockTimeout bounds how long Block-policy submissions wait for
// queue space (KIROKU_QUEUE_BLOCK_TIMEOUT).
func WithQueueBlockTimeout(d time.Duration) Option {
	return func(o *resolvedOptions) { o.queueBlockTimeout = d }
}

// WithPendingTimeout overrides the idle bound after which an open trace is
// force-sealed (KIROKU_PENDING_TIMEOUT).
func WithPendingTimeout(d time.Duration) Option {
	return func(o *resolvedOptions) { o.pendingTimeout = d }
}

// WithSweepInterval overrides how often open traces are checked against the
// pending timeout (KIROKU_SWEEP_INTERVAL).
func WithSweepInterval(d time.Duration) Option {
	return func(o *resolvedOptions) { o.sweepInterval = d }
}

// WithPreviewBytes bounds the request/response preview strings recorded on
// trace summaries (KIROKU_PREVIEW_BYTES).
func WithPreviewBytes(n int) Option {
	return func(o *resolvedOptions) { o.previewBytes = n }
}

// WithWALDir enables the export write-ahead log in the given directory
// (KIROKU_WAL_DIR). Pass "" to disable it regardless of environment.
func WithWALDir(dir string) Option {
	return func(o *resolvedOptions) { o.walDir = dir; o.walSet = true }
}

// WithoutTelemetry skips OpenTelemetry initialization even when
// OTEL_EXPORTER_OTLP_ENDPOINT is set. Intended for embedding the engine in a
// process that configures its own global providers.
func WithoutTelemetry() Option {
	return func(o *resolvedOptions) { o.skipOTEL = true }
}
