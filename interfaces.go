package kiroku

import (
	"context"

	"github.com/ashita-ai/kiroku/internal/export"
	"github.com/ashita-ai/kiroku/internal/sink"
)

// Sink receives every sealed trace. Register custom exporters (log shippers,
// OTLP bridges, object storage) with WithSink; each sink gets its own worker
// goroutine, so a slow sink never stalls the others. Writes may be redelivered
// after a crash and should be idempotent on trace ID.
type Sink = export.Sink

// Store is the queryable trace repository backing GetTrace, SearchTraces, and
// tag updates. Built-in implementations: NewMemoryStore, NewSQLiteStore,
// NewPostgresStore. A Store is also a Sink and receives sealed traces through
// the same dispatch path as any other sink.
type Store = sink.Store

// NewMemoryStore creates an in-memory store evicting oldest-first beyond
// capacity (default 10000 when capacity <= 0).
func NewMemoryStore(capacity int) Store { return sink.NewMemoryStore(capacity) }

// NewSQLiteStore opens a sqlite-backed store at path, creating the schema if
// needed.
func NewSQLiteStore(ctx context.Context, path string) (Store, error) {
	return sink.NewSQLiteStore(ctx, path)
}

// NewPostgresStore connects a postgres-backed store at dsn, creating the
// schema if needed.
func NewPostgresStore(ctx context.Context, dsn string) (Store, error) {
	return sink.NewPostgresStore(ctx, dsn)
}

// Operation is a traced unit of work: it receives a context carrying the
// active span and returns its output payload or an error.
type Operation func(ctx context.Context) (Payload, error)

// Wrapper layers span recording around arbitrary operations. Producer shims
// for specific GenAI libraries build on this without depending on the
// recorder internals; Engine implements it via Run.
type Wrapper interface {
	Wrap(name string, typ SpanType, op Operation) Operation
}
