package kiroku

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	t.Setenv("KIROKU_STORE", "memory")
	opts = append([]Option{
		WithoutTelemetry(),
		WithStore(NewMemoryStore(0)),
		WithPendingTimeout(time.Minute),
	}, opts...)
	e, err := New(opts...)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	return e
}

// waitTrace polls the store until the trace lands there via the export
// pipeline.
func waitTrace(t *testing.T, e *Engine, id uuid.UUID) *Trace {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		tr, err := e.GetTrace(context.Background(), id)
		if err == nil {
			return tr
		}
		require.ErrorIs(t, err, ErrNotFound)
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("trace %s never reached the store", id)
	return nil
}

func TestEngineEndToEnd(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	ctx, root := e.StartSpan(ctx, "answer-question",
		WithSpanType(SpanTypeChain),
		WithInputs(PayloadOf(map[string]any{"question": "what is the capital of France"})),
	)
	traceID := root.TraceID()
	require.NotEqual(t, uuid.Nil, traceID)

	childCtx, retriever := e.StartSpan(ctx, "fetch-docs", WithSpanType(SpanTypeRetriever))
	_, llm := e.StartSpan(childCtx, "generate", WithSpanType(SpanTypeLLM))
	llm.SetAttribute("model", String("gpt-4o"))
	llm.AddEvent("first_token", nil)
	require.NoError(t, llm.End(WithOutputs(PayloadOf(map[string]any{"tokens": 42}))))
	require.NoError(t, retriever.End())
	require.NoError(t, root.End(WithOutputs(PayloadOf(map[string]any{"answer": "Paris"}))))

	tr := waitTrace(t, e, traceID)
	require.NoError(t, tr.Validate())
	assert.Len(t, tr.Data.Spans, 3)
	assert.Equal(t, TraceStatusOK, tr.Info.Status)
	assert.Contains(t, tr.Info.RequestPreview, "capital of France")
	assert.Contains(t, tr.Info.ResponsePreview, "Paris")

	llmSpan := tr.SpanByID(llm.ID())
	require.NotNil(t, llmSpan)
	assert.Equal(t, SpanTypeLLM, llmSpan.Type)
	assert.Equal(t, "gpt-4o", llmSpan.Attributes["model"].Str())
	require.Len(t, llmSpan.Events, 1)
	assert.Equal(t, "first_token", llmSpan.Events[0].Name)
}

func TestEngineRunWrapsOperation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	ctx, root := e.StartSpan(ctx, "pipeline", WithSpanType(SpanTypeChain))
	traceID := root.TraceID()

	out, err := e.Run(ctx, "summarize", SpanTypeLLM,
		PayloadOf(map[string]any{"text": "long document"}),
		func(ctx context.Context) (Payload, error) {
			return PayloadOf(map[string]any{"summary": "short"}), nil
		})
	require.NoError(t, err)
	assert.Equal(t, "short", out["summary"].Str())

	boom := errors.New("model unavailable")
	_, err = e.Run(ctx, "classify", SpanTypeLLM, nil, func(ctx context.Context) (Payload, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, root.End())
	tr := waitTrace(t, e, traceID)

	// One failed child makes the whole trace ERROR.
	assert.Equal(t, TraceStatusError, tr.Info.Status)
	var failed *Span
	for i := range tr.Data.Spans {
		if tr.Data.Spans[i].Name == "classify" {
			failed = &tr.Data.Spans[i]
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, SpanStatusError, failed.Status)
	assert.Equal(t, "model unavailable", failed.StatusDetail)
}

func TestEngineDoubleEndFails(t *testing.T) {
	e := newTestEngine(t)
	_, span := e.StartSpan(context.Background(), "once")
	require.NoError(t, span.End())
	assert.ErrorIs(t, span.End(), ErrInvalidState)
}

func TestEngineSearchAndPagination(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	var ids []uuid.UUID
	for range 5 {
		_, span := e.StartSpan(ctx, "job", WithSpanType(SpanTypeChain))
		ids = append(ids, span.TraceID())
		require.NoError(t, span.End())
		time.Sleep(2 * time.Millisecond) // distinct start times
	}
	for _, id := range ids {
		waitTrace(t, e, id)
	}

	seen := map[uuid.UUID]bool{}
	token := ""
	for {
		resp, err := e.SearchTraces(ctx, SearchRequest{MaxResults: 2, PageToken: token})
		require.NoError(t, err)
		for _, info := range resp.Traces {
			assert.False(t, seen[info.TraceID], "duplicate across pages")
			seen[info.TraceID] = true
		}
		if resp.NextPageToken == "" {
			break
		}
		token = resp.NextPageToken
	}
	assert.Len(t, seen, 5)

	resp, err := e.SearchTraces(ctx, SearchRequest{Filter: `status = "error"`})
	require.NoError(t, err)
	assert.Empty(t, resp.Traces)

	_, err = e.SearchTraces(ctx, SearchRequest{Filter: `status ~ "error"`})
	require.Error(t, err, "malformed filter must be rejected")
}

func TestEngineUpdateTagsOpenAndSealed(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, span := e.StartSpan(ctx, "tagged", WithSpanType(SpanTypeChain))
	traceID := span.TraceID()

	// Open trace: tags apply in the recorder.
	require.NoError(t, e.UpdateTraceTags(ctx, traceID, map[string]string{"env": "dev"}, nil))
	require.NoError(t, span.End())

	tr := waitTrace(t, e, traceID)
	assert.Equal(t, "dev", tr.Info.Tags["env"])

	// Sealed trace: tags apply in the store.
	require.NoError(t, e.UpdateTraceTags(ctx, traceID, map[string]string{"env": "prod"}, nil))
	tr, err := e.GetTrace(ctx, traceID)
	require.NoError(t, err)
	assert.Equal(t, "prod", tr.Info.Tags["env"])

	assert.ErrorIs(t, e.UpdateTraceTags(ctx, uuid.New(), map[string]string{"a": "b"}, nil), ErrNotFound)
}

func TestEngineIngestValidatesTrace(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	traceID := uuid.New()
	rootID := uuid.New()
	now := time.Now().UTC()
	end := now.Add(time.Second)
	tr := Trace{
		Info: TraceInfo{TraceID: traceID, StartTime: now, Duration: time.Second, Status: TraceStatusOK},
		Data: TraceData{Spans: []Span{{
			SpanID: rootID, TraceID: traceID, Name: "remote-root",
			Type: SpanTypeAgent, StartTime: now, EndTime: &end, Status: SpanStatusOK,
		}}},
	}
	require.NoError(t, e.Ingest(ctx, tr))
	got := waitTrace(t, e, traceID)
	assert.Equal(t, "remote-root", got.Data.Spans[0].Name)

	// Orphaned span: rejected before touching the pipeline.
	parent := uuid.New()
	tr.Data.Spans[0].ParentID = &parent
	assert.ErrorIs(t, e.Ingest(ctx, tr), ErrInvalidState)
}

func TestEngineShutdownForceSealsOpenTraces(t *testing.T) {
	t.Setenv("KIROKU_STORE", "memory")
	store := NewMemoryStore(0)
	e, err := New(WithoutTelemetry(), WithStore(store), WithPendingTimeout(time.Minute))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	_, span := e.StartSpan(context.Background(), "interrupted", WithSpanType(SpanTypeChain))
	traceID := span.TraceID()

	require.NoError(t, e.Shutdown(context.Background()))

	tr, err := store.GetTrace(context.Background(), traceID)
	require.NoError(t, err)
	assert.Equal(t, TraceStatusError, tr.Info.Status)
	require.Len(t, tr.Info.Events, 1)
	assert.Equal(t, "forced_closure", tr.Info.Events[0].Name)

	// Post-shutdown instrumentation is inert rather than panicking.
	_, dead := e.StartSpan(context.Background(), "late")
	assert.Equal(t, uuid.Nil, dead.ID())
	assert.NoError(t, dead.End())
}

func TestEngineWrapReusableOperation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	calls := 0
	embed := e.Wrap("embed-chunk", SpanTypeEmbedding, func(ctx context.Context) (Payload, error) {
		calls++
		return PayloadOf(map[string]any{"dims": 768}), nil
	})

	// Each invocation records its own root span and seals its own trace.
	ids := make(map[uuid.UUID]bool)
	for i := 0; i < 2; i++ {
		ctx, root := e.StartSpan(ctx, "index-doc", WithSpanType(SpanTypeChain))
		out, err := embed(ctx)
		require.NoError(t, err)
		assert.NotNil(t, out)
		require.NoError(t, root.End())
		ids[root.TraceID()] = true
	}
	require.Equal(t, 2, calls)
	require.Len(t, ids, 2)

	for id := range ids {
		tr := waitTrace(t, e, id)
		require.Len(t, tr.Data.Spans, 2)
		var found bool
		for _, s := range tr.Data.Spans {
			if s.Name == "embed-chunk" {
				found = true
				assert.Equal(t, SpanTypeEmbedding, s.Type)
			}
		}
		assert.True(t, found, "wrapped span missing from trace")
	}
}
