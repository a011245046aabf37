// Package kiroku is the public API for recording and querying GenAI traces.
//
// Applications embed the engine, record hierarchical spans around their LLM
// pipeline, and query sealed traces back out:
//
//	eng, err := kiroku.New(
//	    kiroku.WithLogger(logger),
//	    kiroku.WithStore(store),
//	)
//	if err != nil { ... }
//	if err := eng.Start(ctx); err != nil { ... }
//	defer eng.Shutdown(context.Background())
//
//	ctx, span := eng.StartSpan(ctx, "answer-question",
//	    kiroku.WithSpanType(kiroku.SpanTypeChain),
//	    kiroku.WithInputs(kiroku.PayloadOf(map[string]any{"question": q})),
//	)
//	...
//	span.End(kiroku.WithOutputs(outputs))
//
// The import graph enforces a strict no-cycle rule: kiroku (root) imports
// internal/*, but internal/* never imports kiroku (root). Public trace types
// are aliases of the internal model so span recording never pays a
// copy-and-convert step.
package kiroku

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/kiroku/internal/config"
	"github.com/ashita-ai/kiroku/internal/export"
	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/query"
	"github.com/ashita-ai/kiroku/internal/sink"
	"github.com/ashita-ai/kiroku/internal/telemetry"
	"github.com/ashita-ai/kiroku/internal/tracer"
)

// Engine is the trace capture-and-query engine lifecycle. Construct with
// New(), run with Start(), stop with Shutdown(). Engine has no public
// fields — use New() options to configure it.
type Engine struct {
	logger       *slog.Logger
	version      string
	tracer       *tracer.Tracer
	queue        *export.Queue
	dispatcher   *export.Dispatcher
	store        Store
	otelShutdown telemetry.Shutdown
}

// New initialises the engine: loads configuration, opens the store, and wires
// the export pipeline. It does NOT start any goroutines — call Start().
func New(opts ...Option) (*Engine, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.queueCapacity != 0 {
		cfg.QueueCapacity = o.queueCapacity
	}
	if o.queuePolicy != "" {
		cfg.QueuePolicy = o.queuePolicy
	}
	if o.queueBlockTimeout != 0 {
		cfg.QueueBlockTimeout = o.queueBlockTimeout
	}
	if o.pendingTimeout != 0 {
		cfg.PendingTimeout = o.pendingTimeout
	}
	if o.sweepInterval != 0 {
		cfg.SweepInterval = o.sweepInterval
	}
	if o.previewBytes != 0 {
		cfg.PreviewBytes = o.previewBytes
	}
	if o.walSet {
		cfg.WALDir = o.walDir
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	otelShutdown := telemetry.Shutdown(func(context.Context) error { return nil })
	if !o.skipOTEL {
		otelShutdown, err = telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, true)
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
	}

	store := o.store
	if store == nil {
		store, err = newStore(cfg)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, err
		}
	}

	wal, err := export.NewWAL(logger, export.WALConfig{Dir: cfg.WALDir})
	if err != nil {
		_ = store.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("wal: %w", err)
	}

	queue := export.NewQueue(logger, cfg.QueueCapacity, cfg.QueuePolicy, cfg.QueueBlockTimeout)
	dispatcher := export.NewDispatcher(export.DispatcherConfig{Logger: logger}, queue, wal)
	if err := dispatcher.RegisterSink(store); err != nil {
		_ = store.Close()
		_ = otelShutdown(context.Background())
		return nil, err
	}
	for _, s := range o.extraSinks {
		if err := dispatcher.RegisterSink(s); err != nil {
			_ = store.Close()
			_ = otelShutdown(context.Background())
			return nil, err
		}
	}

	e := &Engine{
		logger:       logger,
		version:      version,
		queue:        queue,
		dispatcher:   dispatcher,
		store:        store,
		otelShutdown: otelShutdown,
	}
	e.tracer = tracer.New(tracer.Config{
		Logger:         logger,
		PendingTimeout: cfg.PendingTimeout,
		SweepInterval:  cfg.SweepInterval,
		PreviewBytes:   cfg.PreviewBytes,
	}, e.onSealed)

	logger.Info("kiroku initialised",
		"version", version,
		"store", store.Name(),
		"queue_policy", string(cfg.QueuePolicy),
		"wal", cfg.WALDir != "")
	return e, nil
}

func newStore(cfg config.Config) (Store, error) {
	switch cfg.StoreBackend {
	case "memory":
		return sink.NewMemoryStore(cfg.MemoryCapacity), nil
	case "sqlite":
		s, err := sink.NewSQLiteStore(context.Background(), cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		return s, nil
	case "postgres":
		s, err := sink.NewPostgresStore(context.Background(), cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.StoreBackend)
	}
}

// onSealed hands a sealed trace to the export pipeline. Called from the
// sealing goroutine; must stay non-blocking beyond the queue policy's bound.
func (e *Engine) onSealed(trace model.Trace) {
	if err := e.dispatcher.Submit(trace); err != nil {
		e.logger.Warn("sealed trace not exported", "trace_id", trace.Info.TraceID, "error", err)
	}
}

// Start launches the trace sweeper and the export pipeline. ctx bounds
// background work; cancelling it hard-stops delivery, so prefer Shutdown.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	e.tracer.Start(ctx)
	return nil
}

// Shutdown drains the engine: force-seals open traces, delivers everything
// queued, and releases the store, bounded by ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.tracer.Drain(ctx)

	var firstErr error
	if err := e.dispatcher.Drain(ctx); err != nil {
		firstErr = err
	}
	if err := e.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.otelShutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// SpanOption configures StartSpan.
type SpanOption func(*tracer.StartOptions)

// WithSpanType sets the span's operation category.
func WithSpanType(t SpanType) SpanOption {
	return func(o *tracer.StartOptions) { o.Type = t }
}

// WithParent explicitly sets the parent span, overriding the context.
func WithParent(id uuid.UUID) SpanOption {
	return func(o *tracer.StartOptions) { o.Parent = id }
}

// WithNewRoot starts a new trace even when the context carries an active span.
func WithNewRoot() SpanOption {
	return func(o *tracer.StartOptions) { o.NewRoot = true }
}

// WithInputs records the span's write-once input payload.
func WithInputs(p Payload) SpanOption {
	return func(o *tracer.StartOptions) { o.Inputs = p }
}

// EndOption configures ActiveSpan.End.
type EndOption func(*tracer.EndOptions)

// WithOutputs records the span's write-once output payload.
func WithOutputs(p Payload) EndOption {
	return func(o *tracer.EndOptions) { o.Outputs = p }
}

// WithStatus sets the span's final status and detail explicitly.
func WithStatus(s SpanStatus, detail string) EndOption {
	return func(o *tracer.EndOptions) { o.Status = s; o.StatusDetail = detail }
}

// WithError ends the span as ERROR carrying err's message; a nil err leaves
// the status OK.
func WithError(err error) EndOption {
	return func(o *tracer.EndOptions) {
		if err != nil {
			o.Status = model.SpanStatusError
			o.StatusDetail = err.Error()
		}
	}
}

// ActiveSpan is a handle to an in-progress span. Mutators are void and log
// failures instead of returning them: instrumentation mistakes should surface
// in logs, not alter application control flow. End returns its error because
// a double-End is a bug worth failing loudly on.
type ActiveSpan struct {
	e  *Engine
	id uuid.UUID
}

// StartSpan creates a span and returns a context carrying it as the active
// span for child spans started under it. Parent resolution: WithParent first,
// then the context's active span, otherwise a new trace is started. Never
// blocks and never fails; after Shutdown the returned handle is inert.
func (e *Engine) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, *ActiveSpan) {
	var o tracer.StartOptions
	for _, fn := range opts {
		fn(&o)
	}
	ctx, id := e.tracer.StartSpan(ctx, name, o)
	return ctx, &ActiveSpan{e: e, id: id}
}

// ID returns the span's identifier, or uuid.Nil for an inert handle.
func (s *ActiveSpan) ID() uuid.UUID { return s.id }

// TraceID returns the identifier of the trace this span belongs to, or
// uuid.Nil once the trace has sealed.
func (s *ActiveSpan) TraceID() uuid.UUID {
	id, err := s.e.tracer.TraceOf(s.id)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// SetAttribute records a key/value attribute on the span.
func (s *ActiveSpan) SetAttribute(key string, v Value) {
	if s.id == uuid.Nil {
		return
	}
	if err := s.e.tracer.SetAttribute(s.id, key, v); err != nil {
		s.e.logger.Warn("set attribute failed", "span_id", s.id, "key", key, "error", err)
	}
}

// AddEvent records a timestamped event on the span.
func (s *ActiveSpan) AddEvent(name string, payload Payload) {
	if s.id == uuid.Nil {
		return
	}
	if err := s.e.tracer.AddEvent(s.id, name, payload); err != nil {
		s.e.logger.Warn("add event failed", "span_id", s.id, "event", name, "error", err)
	}
}

// End finalizes the span exactly once. A second End returns ErrInvalidState.
func (s *ActiveSpan) End(opts ...EndOption) error {
	if s.id == uuid.Nil {
		return nil
	}
	var o tracer.EndOptions
	for _, fn := range opts {
		fn(&o)
	}
	return s.e.tracer.EndSpan(s.id, o)
}

// Run executes op inside a span of the given name and type: inputs are
// recorded at start, op's payload as outputs on success, and its error as the
// span's ERROR detail on failure. The error is returned unchanged.
func (e *Engine) Run(ctx context.Context, name string, typ SpanType, inputs Payload, op Operation) (Payload, error) {
	ctx, span := e.StartSpan(ctx, name, WithSpanType(typ), WithInputs(inputs))
	out, err := op(ctx)
	if endErr := span.End(WithOutputs(out), WithError(err)); endErr != nil {
		e.logger.Warn("run: end span failed", "span", name, "error", endErr)
	}
	return out, err
}

var _ Wrapper = (*Engine)(nil)

// Wrap returns op layered with span recording, satisfying Wrapper. The
// returned Operation is reusable; each invocation records its own span.
func (e *Engine) Wrap(name string, typ SpanType, op Operation) Operation {
	return func(ctx context.Context) (Payload, error) {
		return e.Run(ctx, name, typ, nil, op)
	}
}

// Ingest accepts a complete pre-assembled trace (e.g. from a remote SDK) and
// feeds it into the export pipeline after validating its structure.
func (e *Engine) Ingest(_ context.Context, trace Trace) error {
	if err := trace.Validate(); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidState, err)
	}
	return e.dispatcher.Submit(trace)
}

// GetTrace returns a sealed trace from the store.
func (e *Engine) GetTrace(ctx context.Context, id uuid.UUID) (*Trace, error) {
	return e.store.GetTrace(ctx, id)
}

// SearchTraces returns one page of trace summaries matching the request's
// filter expression.
func (e *Engine) SearchTraces(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	q, err := query.Build(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, err)
	}
	infos, next, err := e.store.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	return &SearchResponse{Traces: infos, NextPageToken: next}, nil
}

// UpdateTraceTags applies tag deletions then additions to a trace, whether it
// is still open or already sealed and stored.
func (e *Engine) UpdateTraceTags(ctx context.Context, id uuid.UUID, set map[string]string, del []string) error {
	err := e.tracer.UpdateTags(id, set, del)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	return e.store.UpdateTags(ctx, id, set, del)
}

// Store returns the engine's trace repository.
func (e *Engine) Store() Store { return e.store }

// OpenTraces returns the number of traces not yet sealed.
func (e *Engine) OpenTraces() int { return e.tracer.OpenTraces() }

// QueueDepth returns the number of sealed traces awaiting export.
func (e *Engine) QueueDepth() int { return e.queue.Len() }

// DroppedTraces returns the number of sealed traces dropped by the export
// queue policy.
func (e *Engine) DroppedTraces() int64 { return e.queue.Dropped() }

// Version returns the engine's version string.
func (e *Engine) Version() string { return e.version }

// Logger returns the engine's structured logger.
func (e *Engine) Logger() *slog.Logger { return e.logger }
