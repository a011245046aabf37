// Package sink provides the trace repositories: an in-memory ring for tests
// and ephemeral use, a sqlite store for single-node deployments, and a
// postgres store for shared ones. Every store accepts sealed traces as an
// export sink and serves the read side of the query engine.
package sink

import (
	"context"

	"github.com/google/uuid"

	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/query"
)

// Store is a queryable trace repository. Name and Write satisfy the export
// sink contract; Write must be idempotent on trace ID because the export
// pipeline may redeliver after a crash.
type Store interface {
	Name() string
	Write(ctx context.Context, trace model.Trace) error

	// GetTrace returns the full trace, or model.ErrNotFound.
	GetTrace(ctx context.Context, id uuid.UUID) (*model.Trace, error)
	// Search returns matching trace summaries plus a next-page token, empty
	// when the result set is exhausted.
	Search(ctx context.Context, s query.Search) ([]model.TraceInfo, string, error)
	// UpdateTags applies deletions then additions to a stored trace's tags.
	UpdateTags(ctx context.Context, id uuid.UUID, set map[string]string, del []string) error

	Close() error
}

// applyTags mutates tags in place: deletions first, then additions, so a key
// named in both ends up set.
func applyTags(tags map[string]string, set map[string]string, del []string) {
	for _, k := range del {
		delete(tags, k)
	}
	for k, v := range set {
		tags[k] = v
	}
}
