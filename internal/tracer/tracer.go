// Package tracer implements the span capture core: the context propagator,
// the span recorder, and the trace assembler that seals completed traces and
// hands them to the export pipeline.
package tracer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kiroku/internal/model"
)

const (
	defaultPendingTimeout = 5 * time.Minute
	defaultSweepInterval  = 30 * time.Second
	defaultPreviewBytes   = 1024
)

// SealFunc receives each sealed trace. It is called outside all tracer locks
// and must not block for long — the export buffer behind it enforces the
// bounded-enqueue guarantee.
type SealFunc func(model.Trace)

// Config holds tracer settings. Zero fields take defaults.
type Config struct {
	Logger *slog.Logger
	// PendingTimeout bounds how long a trace may sit open with no span
	// activity before it is force-sealed with its unfinished spans marked
	// ERROR/"timeout". Generous by default so slow LLM calls don't trip it.
	PendingTimeout time.Duration
	// SweepInterval is how often open traces are checked against PendingTimeout.
	SweepInterval time.Duration
	// PreviewBytes bounds the request/response preview strings on TraceInfo.
	PreviewBytes int
}

// Tracer records spans, assembles them into traces, and seals each trace when
// its root span ends and no descendant is still pending. Safe for concurrent
// use from any number of goroutines.
type Tracer struct {
	logger         *slog.Logger
	pendingTimeout time.Duration
	sweepInterval  time.Duration
	previewBytes   int
	onSealed       SealFunc

	mu     sync.RWMutex
	spans  map[uuid.UUID]*liveSpan
	traces map[uuid.UUID]*traceState
	closed bool

	cancelSweep context.CancelFunc
	done        chan struct{}
}

// liveSpan is an in-progress span plus its watch hook. The embedded record is
// guarded by the owning trace's mutex.
type liveSpan struct {
	st        *traceState
	span      model.Span
	stopWatch func() bool // cancels the context watcher; nil when none
}

// traceState is the per-trace accumulator: the only resource mutated by
// multiple concurrent writers. Its mutex protects the span list, the pending
// count, and every span record in the trace, so sibling end() calls can never
// race on the decrement or the append.
type traceState struct {
	mu           sync.Mutex
	id           uuid.UUID
	rootID       uuid.UUID
	spans        []*liveSpan // insertion (start) order
	pending      int         // started but unfinished spans
	rootEnded    bool
	sealed       bool
	tags         map[string]string
	events       []model.Event
	lastActivity time.Time
}

func (st *traceState) isSealed() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sealed
}

// New creates a Tracer that hands sealed traces to onSealed.
// Call Start to begin the forced-seal sweeper, Drain to stop.
func New(cfg Config, onSealed SealFunc) *Tracer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracer{
		logger:         logger,
		pendingTimeout: cfg.PendingTimeout,
		sweepInterval:  cfg.SweepInterval,
		previewBytes:   cfg.PreviewBytes,
		onSealed:       onSealed,
		spans:          make(map[uuid.UUID]*liveSpan),
		traces:         make(map[uuid.UUID]*traceState),
		done:           make(chan struct{}),
	}
	if t.pendingTimeout <= 0 {
		t.pendingTimeout = defaultPendingTimeout
	}
	if t.sweepInterval <= 0 {
		t.sweepInterval = defaultSweepInterval
	}
	if t.previewBytes <= 0 {
		t.previewBytes = defaultPreviewBytes
	}
	return t
}

// Start launches the background sweeper that force-seals idle traces.
func (t *Tracer) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	t.cancelSweep = cancel
	go t.sweepLoop(loopCtx)
}

// StartOptions configures span creation.
type StartOptions struct {
	// Type is the span category; empty means UNKNOWN.
	Type model.SpanType
	// Parent explicitly sets the parent span, overriding the context.
	Parent uuid.UUID
	// NewRoot forces a new root span even when the context has an active span.
	NewRoot bool
	// Inputs is the write-once input payload recorded at start.
	Inputs model.Payload
}

// StartSpan creates a new span and returns a context carrying it as the
// active span. Parent resolution: explicit option first, then the context's
// active span; with neither, a new root (and trace) is created — missing
// trace context degrades to implicit root creation rather than erroring.
// StartSpan never blocks and never fails; after Drain it returns uuid.Nil.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts StartOptions) (context.Context, uuid.UUID) {
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now()

	parentID := opts.Parent
	if parentID == uuid.Nil && !opts.NewRoot {
		parentID, _ = SpanFromContext(ctx)
	}

	spanType := opts.Type
	if spanType == "" {
		spanType = model.SpanTypeUnknown
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.logger.Warn("tracer: span started after drain, dropping", "name", name)
		return ctx, uuid.Nil
	}

	var st *traceState
	var parent *uuid.UUID
	if parentID != uuid.Nil {
		if pls, ok := t.spans[parentID]; ok && !pls.st.isSealed() {
			st = pls.st
			p := parentID
			parent = &p
		} else {
			// The named parent is gone (its trace sealed, or the id is
			// foreign). Degrade to a fresh root instead of dropping the span.
			t.logger.Debug("tracer: parent span not live, starting new root", "name", name, "parent_id", parentID)
		}
	}
	if st == nil {
		st = &traceState{id: uuid.New(), lastActivity: now}
		t.traces[st.id] = st
	}

	ls := &liveSpan{
		st: st,
		span: model.Span{
			SpanID:    uuid.New(),
			TraceID:   st.id,
			ParentID:  parent,
			Name:      name,
			Type:      spanType,
			StartTime: now,
			Status:    model.SpanStatusInProgress,
			Inputs:    opts.Inputs,
		},
	}

	st.mu.Lock()
	if st.sealed {
		// The parent's trace sealed between the liveness check and the
		// append (EndSpan holds only st.mu, not t.mu). Same degradation as
		// a dead parent id: start a fresh root instead of attaching to an
		// already-exported trace.
		st.mu.Unlock()
		st = &traceState{id: uuid.New(), lastActivity: now}
		t.traces[st.id] = st
		ls.st = st
		ls.span.TraceID = st.id
		ls.span.ParentID = nil
		st.mu.Lock()
	}
	if st.rootID == uuid.Nil {
		st.rootID = ls.span.SpanID
	}
	t.spans[ls.span.SpanID] = ls
	st.spans = append(st.spans, ls)
	st.pending++
	st.lastActivity = now
	st.mu.Unlock()
	t.mu.Unlock()

	// Finalize the span as cancelled if the owning task's context is
	// cancelled before an explicit end. AfterFunc costs nothing until fired.
	if ctx.Done() != nil {
		ls.stopWatch = context.AfterFunc(ctx, func() {
			t.cancelSpan(ls.span.SpanID)
		})
	}

	return ContextWithSpan(ctx, ls.span.SpanID), ls.span.SpanID
}

// EndOptions configures span finalization.
type EndOptions struct {
	// Outputs is the write-once output payload.
	Outputs model.Payload
	// Status is the final status; empty means OK.
	Status model.SpanStatus
	// StatusDetail carries the error message for ERROR spans.
	StatusDetail string
}

// EndSpan finalizes a span: records end time and status exactly once and, if
// this was the last pending span of a trace whose root has ended, seals the
// trace. A second end of the same span fails with ErrInvalidState; an unknown
// id (including spans of already-sealed traces) fails with ErrNotFound.
func (t *Tracer) EndSpan(spanID uuid.UUID, opts EndOptions) error {
	ls, err := t.lookup(spanID)
	if err != nil {
		return err
	}

	status := opts.Status
	if status == "" || status == model.SpanStatusInProgress {
		status = model.SpanStatusOK
	}

	st := ls.st
	st.mu.Lock()
	if ls.span.Finalized() {
		st.mu.Unlock()
		return model.ErrInvalidState
	}
	now := time.Now()
	ls.span.EndTime = &now
	ls.span.Status = status
	ls.span.StatusDetail = opts.StatusDetail
	if ls.span.Outputs == nil {
		ls.span.Outputs = opts.Outputs
	}
	st.pending--
	st.lastActivity = now
	if ls.span.SpanID == st.rootID {
		st.rootEnded = true
	}
	sealNow := st.rootEnded && st.pending == 0 && !st.sealed
	if sealNow {
		st.sealed = true
	}
	st.mu.Unlock()

	if ls.stopWatch != nil {
		ls.stopWatch()
	}
	if sealNow {
		t.seal(st)
	}
	return nil
}

// SetAttribute sets an attribute on an in-progress span. Fails with
// ErrInvalidState once the span is finalized.
func (t *Tracer) SetAttribute(spanID uuid.UUID, key string, v model.Value) error {
	ls, err := t.lookup(spanID)
	if err != nil {
		return err
	}
	st := ls.st
	st.mu.Lock()
	defer st.mu.Unlock()
	if ls.span.Finalized() {
		return model.ErrInvalidState
	}
	if ls.span.Attributes == nil {
		ls.span.Attributes = model.Payload{}
	}
	ls.span.Attributes[key] = v
	return nil
}

// AddEvent appends a timestamped event to an in-progress span.
func (t *Tracer) AddEvent(spanID uuid.UUID, name string, payload model.Payload) error {
	ls, err := t.lookup(spanID)
	if err != nil {
		return err
	}
	st := ls.st
	st.mu.Lock()
	defer st.mu.Unlock()
	if ls.span.Finalized() {
		return model.ErrInvalidState
	}
	ls.span.Events = append(ls.span.Events, model.Event{
		Time:    time.Now(),
		Name:    name,
		Payload: payload,
	})
	return nil
}

// UpdateTags applies tag edits to a still-open trace. Returns ErrNotFound if
// the trace is unknown or already sealed — sealed traces are updated through
// the store's tag update path instead.
func (t *Tracer) UpdateTags(traceID uuid.UUID, set map[string]string, del []string) error {
	t.mu.RLock()
	st, ok := t.traces[traceID]
	t.mu.RUnlock()
	if !ok {
		return model.ErrNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.sealed {
		return model.ErrNotFound
	}
	if st.tags == nil {
		st.tags = make(map[string]string, len(set))
	}
	for k, v := range set {
		st.tags[k] = v
	}
	for _, k := range del {
		delete(st.tags, k)
	}
	return nil
}

// TraceOf returns the trace id a live span belongs to.
func (t *Tracer) TraceOf(spanID uuid.UUID) (uuid.UUID, error) {
	ls, err := t.lookup(spanID)
	if err != nil {
		return uuid.Nil, err
	}
	return ls.st.id, nil
}

// OpenTraces returns the number of traces not yet sealed.
func (t *Tracer) OpenTraces() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.traces)
}

// Drain force-seals every open trace (unfinished spans marked
// ERROR/"cancelled"), stops the sweeper, and rejects further span starts.
func (t *Tracer) Drain(ctx context.Context) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	open := make([]*traceState, 0, len(t.traces))
	for _, st := range t.traces {
		open = append(open, st)
	}
	t.mu.Unlock()

	for _, st := range open {
		t.forceSeal(st, "shutdown", model.StatusDetailCancelled)
	}

	if t.cancelSweep != nil {
		t.cancelSweep()
		select {
		case <-t.done:
		case <-ctx.Done():
			t.logger.Warn("tracer: drain timed out waiting for sweeper")
		}
	}
}

func (t *Tracer) lookup(spanID uuid.UUID) (*liveSpan, error) {
	t.mu.RLock()
	ls, ok := t.spans[spanID]
	t.mu.RUnlock()
	if !ok {
		return nil, model.ErrNotFound
	}
	return ls, nil
}

// cancelSpan finalizes a span whose owning context was cancelled before an
// explicit end. Ancestors sharing the cancelled context are finalized by
// their own watchers; the pending count seals the trace once the last one
// lands.
func (t *Tracer) cancelSpan(spanID uuid.UUID) {
	err := t.EndSpan(spanID, EndOptions{
		Status:       model.SpanStatusError,
		StatusDetail: model.StatusDetailCancelled,
	})
	if err == nil {
		t.logger.Debug("tracer: span cancelled with its context", "span_id", spanID)
	}
}

func (t *Tracer) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			close(t.done)
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

// sweep force-seals traces idle past the pending bound, so an orphaned child
// (crashed task, lost callback) can never hold a trace open forever.
func (t *Tracer) sweep() {
	now := time.Now()
	t.mu.RLock()
	stale := make([]*traceState, 0)
	for _, st := range t.traces {
		st.mu.Lock()
		idle := now.Sub(st.lastActivity) > t.pendingTimeout
		st.mu.Unlock()
		if idle {
			stale = append(stale, st)
		}
	}
	t.mu.RUnlock()

	for _, st := range stale {
		t.logger.Warn("tracer: force-sealing idle trace", "trace_id", st.id, "pending_timeout", t.pendingTimeout)
		t.forceSeal(st, "timeout", model.StatusDetailTimeout)
	}
}

// forceSeal finalizes every unfinished span with ERROR and the given detail,
// records a forced-closure event on the trace, and seals it.
func (t *Tracer) forceSeal(st *traceState, reason, detail string) {
	now := time.Now()
	var stops []func() bool

	st.mu.Lock()
	if st.sealed {
		st.mu.Unlock()
		return
	}
	for _, ls := range st.spans {
		if ls.span.Finalized() {
			continue
		}
		end := now
		ls.span.EndTime = &end
		ls.span.Status = model.SpanStatusError
		ls.span.StatusDetail = detail
		if ls.stopWatch != nil {
			stops = append(stops, ls.stopWatch)
		}
	}
	st.pending = 0
	st.rootEnded = true
	st.sealed = true
	st.events = append(st.events, model.Event{
		Time:    now,
		Name:    model.EventForcedClosure,
		Payload: model.Payload{"reason": model.String(reason)},
	})
	st.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	t.seal(st)
}

// seal assembles the final Trace, deregisters the trace and its spans, and
// hands the result to the SealFunc. Exactly one caller reaches seal per trace
// (the sealed flag flips under the trace mutex).
func (t *Tracer) seal(st *traceState) {
	st.mu.Lock()
	spans := make([]model.Span, len(st.spans))
	var root *model.Span
	status := model.TraceStatusOK
	for i, ls := range st.spans {
		spans[i] = ls.span
		if spans[i].Status == model.SpanStatusError {
			status = model.TraceStatusError
		}
		if ls.span.SpanID == st.rootID {
			root = &spans[i]
		}
	}
	info := model.TraceInfo{
		TraceID: st.id,
		Status:  status,
		Tags:    st.tags,
		Events:  st.events,
	}
	if root != nil {
		info.StartTime = root.StartTime
		info.Duration = root.Duration()
		info.RequestPreview = model.PreviewPayload(root.Inputs, t.previewBytes)
		info.ResponsePreview = model.PreviewPayload(root.Outputs, t.previewBytes)
	}
	st.mu.Unlock()

	t.mu.Lock()
	delete(t.traces, st.id)
	for i := range spans {
		delete(t.spans, spans[i].SpanID)
	}
	t.mu.Unlock()

	trace := model.Trace{Info: info, Data: model.TraceData{Spans: spans}}
	t.logger.Debug("tracer: trace sealed",
		"trace_id", info.TraceID,
		"status", info.Status,
		"spans", len(spans),
		"duration_ms", info.Duration.Milliseconds(),
	)
	if t.onSealed != nil {
		t.onSealed(trace)
	}
}
