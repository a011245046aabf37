package sink

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/query"
)

const defaultMemoryCapacity = 10_000

// MemoryStore keeps sealed traces in memory with insertion-order eviction
// once capacity is reached. It backs tests and setups that only need the
// most recent traces.
type MemoryStore struct {
	capacity int

	mu     sync.RWMutex
	traces map[uuid.UUID]*model.Trace
	order  []uuid.UUID // insertion order, oldest first
}

// NewMemoryStore creates a store holding at most capacity traces (default
// 10000 when capacity <= 0).
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &MemoryStore{
		capacity: capacity,
		traces:   make(map[uuid.UUID]*model.Trace),
	}
}

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) Write(_ context.Context, trace model.Trace) error {
	trace.Info.Location = "memory://" + trace.Info.TraceID.String()
	if trace.Info.Tags == nil {
		trace.Info.Tags = map[string]string{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.traces[trace.Info.TraceID]; !exists {
		if len(s.order) >= s.capacity {
			oldest := s.order[0]
			s.order = s.order[1:]
			delete(s.traces, oldest)
		}
		s.order = append(s.order, trace.Info.TraceID)
	}
	s.traces[trace.Info.TraceID] = &trace
	return nil
}

func (s *MemoryStore) GetTrace(_ context.Context, id uuid.UUID) (*model.Trace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tr, ok := s.traces[id]
	if !ok {
		return nil, fmt.Errorf("memory: trace %s: %w", id, model.ErrNotFound)
	}
	cp := *tr
	cp.Info.Tags = maps.Clone(tr.Info.Tags)
	return &cp, nil
}

func (s *MemoryStore) Search(_ context.Context, q query.Search) ([]model.TraceInfo, string, error) {
	s.mu.RLock()
	matched := make([]model.TraceInfo, 0, len(s.traces))
	for _, tr := range s.traces {
		if query.Match(q.Expr, &tr.Info) && q.After(&tr.Info) {
			info := tr.Info
			info.Tags = maps.Clone(tr.Info.Tags)
			matched = append(matched, info)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := &matched[i], &matched[j]
		if !a.StartTime.Equal(b.StartTime) {
			if q.Desc {
				return a.StartTime.After(b.StartTime)
			}
			return a.StartTime.Before(b.StartTime)
		}
		if q.Desc {
			return a.TraceID.String() > b.TraceID.String()
		}
		return a.TraceID.String() < b.TraceID.String()
	})

	var next string
	if len(matched) > q.Limit {
		matched = matched[:q.Limit]
		last := matched[len(matched)-1]
		next = query.Cursor{
			StartUnixNano: last.StartTime.UnixNano(),
			TraceID:       last.TraceID.String(),
		}.Encode()
	}
	return matched, next, nil
}

func (s *MemoryStore) UpdateTags(_ context.Context, id uuid.UUID, set map[string]string, del []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr, ok := s.traces[id]
	if !ok {
		return fmt.Errorf("memory: trace %s: %w", id, model.ErrNotFound)
	}
	if tr.Info.Tags == nil {
		tr.Info.Tags = map[string]string{}
	}
	applyTags(tr.Info.Tags, set, del)
	return nil
}

// Len returns the number of stored traces.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.traces)
}

func (s *MemoryStore) Close() error { return nil }
