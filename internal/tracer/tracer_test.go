package tracer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiroku/internal/model"
)

// newTestTracer returns a tracer that delivers sealed traces on a channel.
// The sweeper is not started unless the test needs forced sealing.
func newTestTracer(t *testing.T, cfg Config) (*Tracer, chan model.Trace) {
	t.Helper()
	sealed := make(chan model.Trace, 16)
	tr := New(cfg, func(trace model.Trace) { sealed <- trace })
	return tr, sealed
}

func waitSealed(t *testing.T, sealed chan model.Trace) model.Trace {
	t.Helper()
	select {
	case trace := <-sealed:
		return trace
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a sealed trace")
		return model.Trace{}
	}
}

func TestRootChildScenario(t *testing.T) {
	tr, sealed := newTestTracer(t, Config{})

	ctx, rootID := tr.StartSpan(context.Background(), "A", StartOptions{
		Type:   model.SpanTypeLLM,
		Inputs: model.Payload{"prompt": model.String("hi")},
	})
	_, childID := tr.StartSpan(ctx, "B", StartOptions{Type: model.SpanTypeRetriever})

	require.NoError(t, tr.EndSpan(childID, EndOptions{Status: model.SpanStatusOK}))
	require.NoError(t, tr.EndSpan(rootID, EndOptions{
		Outputs: model.Payload{"text": model.String("hello")},
	}))

	trace := waitSealed(t, sealed)
	require.NoError(t, trace.Validate())
	assert.Equal(t, model.TraceStatusOK, trace.Info.Status)
	require.Len(t, trace.Data.Spans, 2)

	b := trace.SpanByID(childID)
	require.NotNil(t, b)
	require.NotNil(t, b.ParentID)
	assert.Equal(t, rootID, *b.ParentID)
	assert.Equal(t, model.SpanTypeRetriever, b.Type)

	a := trace.Root()
	require.NotNil(t, a)
	assert.Equal(t, rootID, a.SpanID)
	assert.Contains(t, trace.Info.RequestPreview, "prompt")
	assert.Contains(t, trace.Info.ResponsePreview, "hello")
	assert.GreaterOrEqual(t, trace.Info.Duration, time.Duration(0))
}

func TestEndExactlyOnce(t *testing.T) {
	tr, sealed := newTestTracer(t, Config{})

	ctx, rootID := tr.StartSpan(context.Background(), "root", StartOptions{})
	_, childID := tr.StartSpan(ctx, "child", StartOptions{})

	require.NoError(t, tr.EndSpan(childID, EndOptions{}))
	assert.ErrorIs(t, tr.EndSpan(childID, EndOptions{}), model.ErrInvalidState)

	require.NoError(t, tr.EndSpan(rootID, EndOptions{}))
	trace := waitSealed(t, sealed)

	// Once sealed the ids are gone; a late end cannot mutate the sealed trace.
	assert.ErrorIs(t, tr.EndSpan(rootID, EndOptions{}), model.ErrNotFound)
	assert.Len(t, trace.Data.Spans, 2)
}

func TestMutationAfterFinalizeFails(t *testing.T) {
	tr, _ := newTestTracer(t, Config{})

	ctx, rootID := tr.StartSpan(context.Background(), "root", StartOptions{})
	_, childID := tr.StartSpan(ctx, "child", StartOptions{})

	require.NoError(t, tr.SetAttribute(childID, "model", model.String("gpt-4o")))
	require.NoError(t, tr.AddEvent(childID, "first_token", nil))
	require.NoError(t, tr.EndSpan(childID, EndOptions{}))

	assert.ErrorIs(t, tr.SetAttribute(childID, "late", model.String("x")), model.ErrInvalidState)
	assert.ErrorIs(t, tr.AddEvent(childID, "late", nil), model.ErrInvalidState)

	// The root is still open and mutable.
	require.NoError(t, tr.SetAttribute(rootID, "ok", model.Bool(true)))
}

func TestUnknownSpanID(t *testing.T) {
	tr, _ := newTestTracer(t, Config{})
	assert.ErrorIs(t, tr.EndSpan(uuid.New(), EndOptions{}), model.ErrNotFound)
	assert.ErrorIs(t, tr.SetAttribute(uuid.New(), "k", model.Null()), model.ErrNotFound)
	assert.ErrorIs(t, tr.AddEvent(uuid.New(), "e", nil), model.ErrNotFound)
}

func TestImplicitRootCreation(t *testing.T) {
	tr, sealed := newTestTracer(t, Config{})

	// No trace context and no explicit root request: a new root is created.
	_, id := tr.StartSpan(context.Background(), "orphan-op", StartOptions{})
	require.NotEqual(t, uuid.Nil, id)
	require.NoError(t, tr.EndSpan(id, EndOptions{}))

	trace := waitSealed(t, sealed)
	require.Len(t, trace.Data.Spans, 1)
	assert.True(t, trace.Data.Spans[0].IsRoot())
}

func TestExplicitParentOverridesContext(t *testing.T) {
	tr, sealed := newTestTracer(t, Config{})

	ctxA, a := tr.StartSpan(context.Background(), "a", StartOptions{})
	_, b := tr.StartSpan(ctxA, "b", StartOptions{})

	// Started from b's branch but explicitly parented under a.
	ctxB := ContextWithSpan(ctxA, b)
	_, c := tr.StartSpan(ctxB, "c", StartOptions{Parent: a})

	require.NoError(t, tr.EndSpan(c, EndOptions{}))
	require.NoError(t, tr.EndSpan(b, EndOptions{}))
	require.NoError(t, tr.EndSpan(a, EndOptions{}))

	trace := waitSealed(t, sealed)
	require.NoError(t, trace.Validate())
	assert.Equal(t, 2, trace.ChildCount(a))
	sp := trace.SpanByID(c)
	require.NotNil(t, sp)
	assert.Equal(t, a, *sp.ParentID)
}

func TestNewRootIgnoresActiveSpan(t *testing.T) {
	tr, sealed := newTestTracer(t, Config{})

	ctx, a := tr.StartSpan(context.Background(), "a", StartOptions{})
	_, b := tr.StartSpan(ctx, "b", StartOptions{NewRoot: true})

	require.NoError(t, tr.EndSpan(b, EndOptions{}))
	first := waitSealed(t, sealed)
	require.NoError(t, tr.EndSpan(a, EndOptions{}))
	second := waitSealed(t, sealed)

	assert.NotEqual(t, first.Info.TraceID, second.Info.TraceID)
	assert.Len(t, first.Data.Spans, 1)
	assert.Len(t, second.Data.Spans, 1)
}

func TestConcurrentSiblings(t *testing.T) {
	const n = 64
	tr, sealed := newTestTracer(t, Config{})

	ctx, rootID := tr.StartSpan(context.Background(), "fanout", StartOptions{Type: model.SpanTypeChain})

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, id := tr.StartSpan(ctx, "branch", StartOptions{Type: model.SpanTypeTool})
			_ = tr.SetAttribute(id, "worker", model.Bool(true))
			_ = tr.EndSpan(id, EndOptions{})
		}()
	}
	wg.Wait()
	require.NoError(t, tr.EndSpan(rootID, EndOptions{}))

	trace := waitSealed(t, sealed)
	require.NoError(t, trace.Validate())
	assert.Len(t, trace.Data.Spans, n+1, "no sibling creation may be lost")
	assert.Equal(t, n, trace.ChildCount(rootID))
}

func TestParentWaitsForPendingChildren(t *testing.T) {
	tr, sealed := newTestTracer(t, Config{})

	ctx, rootID := tr.StartSpan(context.Background(), "root", StartOptions{})
	_, childID := tr.StartSpan(ctx, "slow-child", StartOptions{})

	require.NoError(t, tr.EndSpan(rootID, EndOptions{}))
	select {
	case <-sealed:
		t.Fatal("trace sealed while a child was still pending")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, tr.EndSpan(childID, EndOptions{}))
	trace := waitSealed(t, sealed)
	assert.Len(t, trace.Data.Spans, 2)
}

func TestErrorStatusAggregation(t *testing.T) {
	tr, sealed := newTestTracer(t, Config{})

	ctx, rootID := tr.StartSpan(context.Background(), "root", StartOptions{})
	_, childID := tr.StartSpan(ctx, "child", StartOptions{})

	require.NoError(t, tr.EndSpan(childID, EndOptions{
		Status:       model.SpanStatusError,
		StatusDetail: "model refused",
	}))
	require.NoError(t, tr.EndSpan(rootID, EndOptions{Status: model.SpanStatusOK}))

	trace := waitSealed(t, sealed)
	assert.Equal(t, model.TraceStatusError, trace.Info.Status,
		"trace status is ERROR iff any span errored")
}

func TestCancellationFinalizesSpans(t *testing.T) {
	tr, sealed := newTestTracer(t, Config{})

	reqCtx, cancel := context.WithCancel(context.Background())
	ctx, rootID := tr.StartSpan(reqCtx, "A", StartOptions{})
	_, childID := tr.StartSpan(ctx, "B", StartOptions{})

	// The task dies before B ends.
	cancel()

	trace := waitSealed(t, sealed)
	require.NoError(t, trace.Validate())
	assert.Equal(t, model.TraceStatusError, trace.Info.Status)

	b := trace.SpanByID(childID)
	require.NotNil(t, b)
	assert.Equal(t, model.SpanStatusError, b.Status)
	assert.Equal(t, model.StatusDetailCancelled, b.StatusDetail)

	a := trace.SpanByID(rootID)
	require.NotNil(t, a)
	assert.Equal(t, model.SpanStatusError, a.Status)
}

func TestForcedSealOnPendingTimeout(t *testing.T) {
	tr, sealed := newTestTracer(t, Config{
		PendingTimeout: 60 * time.Millisecond,
		SweepInterval:  10 * time.Millisecond,
	})
	ctx, cancelSweep := context.WithCancel(context.Background())
	defer cancelSweep()
	tr.Start(ctx)

	spanCtx, rootID := tr.StartSpan(context.Background(), "root", StartOptions{})
	_, childID := tr.StartSpan(spanCtx, "orphaned", StartOptions{})
	require.NoError(t, tr.EndSpan(rootID, EndOptions{}))
	// The child never ends.

	trace := waitSealed(t, sealed)
	assert.Equal(t, model.TraceStatusError, trace.Info.Status)

	child := trace.SpanByID(childID)
	require.NotNil(t, child)
	assert.Equal(t, model.SpanStatusError, child.Status)
	assert.Equal(t, model.StatusDetailTimeout, child.StatusDetail)
	require.NotNil(t, child.EndTime)
	assert.False(t, child.EndTime.Before(child.StartTime))

	require.NotEmpty(t, trace.Info.Events)
	assert.Equal(t, model.EventForcedClosure, trace.Info.Events[0].Name)
}

func TestUpdateTagsOnOpenTrace(t *testing.T) {
	tr, sealed := newTestTracer(t, Config{})

	_, rootID := tr.StartSpan(context.Background(), "root", StartOptions{})
	traceID, err := tr.TraceOf(rootID)
	require.NoError(t, err)

	require.NoError(t, tr.UpdateTags(traceID, map[string]string{"env": "prod", "tmp": "1"}, nil))
	require.NoError(t, tr.UpdateTags(traceID, nil, []string{"tmp"}))
	require.NoError(t, tr.EndSpan(rootID, EndOptions{}))

	trace := waitSealed(t, sealed)
	assert.Equal(t, map[string]string{"env": "prod"}, trace.Info.Tags)

	// Once sealed, the tracer no longer knows the trace; tag edits go to the store.
	assert.ErrorIs(t, tr.UpdateTags(traceID, map[string]string{"x": "y"}, nil), model.ErrNotFound)
}

func TestEndTimeNotBeforeStart(t *testing.T) {
	tr, sealed := newTestTracer(t, Config{})
	_, id := tr.StartSpan(context.Background(), "quick", StartOptions{})
	require.NoError(t, tr.EndSpan(id, EndOptions{}))
	trace := waitSealed(t, sealed)
	s := trace.Data.Spans[0]
	require.NotNil(t, s.EndTime)
	assert.False(t, s.EndTime.Before(s.StartTime))
}

func TestDrainForceSealsAndRejectsNewSpans(t *testing.T) {
	tr, sealed := newTestTracer(t, Config{})
	ctx, cancelSweep := context.WithCancel(context.Background())
	defer cancelSweep()
	tr.Start(ctx)

	_, id := tr.StartSpan(context.Background(), "open", StartOptions{})
	require.NotEqual(t, uuid.Nil, id)

	drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tr.Drain(drainCtx)

	trace := waitSealed(t, sealed)
	assert.Equal(t, model.TraceStatusError, trace.Info.Status)
	assert.Equal(t, model.StatusDetailCancelled, trace.Data.Spans[0].StatusDetail)
	assert.Equal(t, 0, tr.OpenTraces())

	_, late := tr.StartSpan(context.Background(), "late", StartOptions{})
	assert.Equal(t, uuid.Nil, late)
}

func TestChildNeverAttachesToSealedTrace(t *testing.T) {
	// Race a child start against the root's end. Whatever the interleaving,
	// a trace that seals must contain every span that claims its ID: the
	// late child either joins before sealing (holding the trace open via
	// the pending count) or degrades to a root of its own trace.
	for range 200 {
		tr, sealed := newTestTracer(t, Config{})

		ctx, rootID := tr.StartSpan(context.Background(), "root", StartOptions{Type: model.SpanTypeChain})

		var childID uuid.UUID
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, childID = tr.StartSpan(ctx, "late-child", StartOptions{Type: model.SpanTypeTool})
		}()
		go func() {
			defer wg.Done()
			require.NoError(t, tr.EndSpan(rootID, EndOptions{}))
		}()
		wg.Wait()

		require.NoError(t, tr.EndSpan(childID, EndOptions{}))

		first := waitSealed(t, sealed)
		require.NoError(t, first.Validate())
		if first.SpanByID(childID) == nil {
			// Child landed after the seal: it must own a separate trace.
			second := waitSealed(t, sealed)
			require.NoError(t, second.Validate())
			child := second.SpanByID(childID)
			require.NotNil(t, child, "child span lost entirely")
			assert.Nil(t, child.ParentID, "degraded child must be a new root")
			assert.NotEqual(t, first.Info.TraceID, second.Info.TraceID)
		}
	}
}
