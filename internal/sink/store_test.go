package sink

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/query"
)

// makeTrace builds a minimal sealed single-span trace for store tests.
func makeTrace(t *testing.T, start time.Time, status model.TraceStatus, tags map[string]string) model.Trace {
	t.Helper()
	id := uuid.New()
	end := start.Add(100 * time.Millisecond)
	spanStatus := model.SpanStatusOK
	if status == model.TraceStatusError {
		spanStatus = model.SpanStatusError
	}
	if tags == nil {
		tags = map[string]string{}
	}
	return model.Trace{
		Info: model.TraceInfo{
			TraceID:        id,
			StartTime:      start.UTC(),
			Duration:       end.Sub(start),
			Status:         status,
			RequestPreview: "what is the capital of France",
			Tags:           tags,
		},
		Data: model.TraceData{
			Spans: []model.Span{{
				SpanID:    uuid.New(),
				TraceID:   id,
				Name:      "pipeline",
				Type:      model.SpanTypeChain,
				StartTime: start.UTC(),
				EndTime:   &end,
				Status:    spanStatus,
			}},
		},
	}
}

func mustSearch(t *testing.T, req model.SearchRequest) query.Search {
	t.Helper()
	s, err := query.Build(req)
	require.NoError(t, err)
	return s
}

// runStoreContract exercises the behavior every Store must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("write then get round-trips the trace", func(t *testing.T) {
		s := newStore(t)
		tr := makeTrace(t, time.Now(), model.TraceStatusOK, map[string]string{"env": "prod"})
		require.NoError(t, s.Write(ctx, tr))

		got, err := s.GetTrace(ctx, tr.Info.TraceID)
		require.NoError(t, err)
		assert.Equal(t, tr.Info.TraceID, got.Info.TraceID)
		assert.Equal(t, model.TraceStatusOK, got.Info.Status)
		assert.Equal(t, "prod", got.Info.Tags["env"])
		assert.Len(t, got.Data.Spans, 1)
		assert.NotEmpty(t, got.Info.Location)
	})

	t.Run("get unknown trace returns not found", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetTrace(ctx, uuid.New())
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("rewrite of same trace id is idempotent", func(t *testing.T) {
		s := newStore(t)
		tr := makeTrace(t, time.Now(), model.TraceStatusOK, nil)
		require.NoError(t, s.Write(ctx, tr))
		require.NoError(t, s.Write(ctx, tr))

		infos, _, err := s.Search(ctx, mustSearch(t, model.SearchRequest{}))
		require.NoError(t, err)
		assert.Len(t, infos, 1)
	})

	t.Run("search filters by status and tags", func(t *testing.T) {
		s := newStore(t)
		base := time.Now()
		ok := makeTrace(t, base, model.TraceStatusOK, map[string]string{"env": "prod"})
		bad := makeTrace(t, base.Add(time.Second), model.TraceStatusError, map[string]string{"env": "dev"})
		require.NoError(t, s.Write(ctx, ok))
		require.NoError(t, s.Write(ctx, bad))

		infos, _, err := s.Search(ctx, mustSearch(t, model.SearchRequest{Filter: `status = "error"`}))
		require.NoError(t, err)
		require.Len(t, infos, 1)
		assert.Equal(t, bad.Info.TraceID, infos[0].TraceID)

		infos, _, err = s.Search(ctx, mustSearch(t, model.SearchRequest{Filter: `tags.env = "prod" AND status = "ok"`}))
		require.NoError(t, err)
		require.Len(t, infos, 1)
		assert.Equal(t, ok.Info.TraceID, infos[0].TraceID)

		infos, _, err = s.Search(ctx, mustSearch(t, model.SearchRequest{Filter: `tags.missing = "x"`}))
		require.NoError(t, err)
		assert.Empty(t, infos)
	})

	t.Run("search paginates without skips or duplicates", func(t *testing.T) {
		s := newStore(t)
		base := time.Now().Truncate(time.Second)
		const n = 7
		want := make(map[uuid.UUID]bool, n)
		for i := range n {
			tr := makeTrace(t, base.Add(time.Duration(i)*time.Second), model.TraceStatusOK, nil)
			require.NoError(t, s.Write(ctx, tr))
			want[tr.Info.TraceID] = true
		}

		seen := make(map[uuid.UUID]bool)
		token := ""
		var prev *model.TraceInfo
		for {
			q := mustSearch(t, model.SearchRequest{MaxResults: 3, PageToken: token})
			infos, next, err := s.Search(ctx, q)
			require.NoError(t, err)
			for i := range infos {
				assert.False(t, seen[infos[i].TraceID], "duplicate across pages")
				seen[infos[i].TraceID] = true
				if prev != nil {
					assert.False(t, infos[i].StartTime.After(prev.StartTime), "descending order violated")
				}
				prev = &infos[i]
			}
			if next == "" {
				break
			}
			token = next
		}
		assert.Equal(t, want, seen)
	})

	t.Run("pagination is stable under concurrent inserts", func(t *testing.T) {
		s := newStore(t)
		base := time.Now().Truncate(time.Second)
		const n = 6
		want := make(map[uuid.UUID]bool, n)
		for i := range n {
			tr := makeTrace(t, base.Add(time.Duration(i)*time.Second), model.TraceStatusOK, nil)
			require.NoError(t, s.Write(ctx, tr))
			want[tr.Info.TraceID] = true
		}

		// Writes landing between page fetches must not shift the keyset
		// cursor: every pre-existing trace shows up exactly once.
		seen := make(map[uuid.UUID]bool)
		token := ""
		page := 0
		for {
			q := mustSearch(t, model.SearchRequest{MaxResults: 2, PageToken: token})
			infos, next, err := s.Search(ctx, q)
			require.NoError(t, err)
			for i := range infos {
				assert.False(t, seen[infos[i].TraceID], "duplicate across pages")
				seen[infos[i].TraceID] = true
			}

			// One trace newer than the whole window, one inside it.
			newer := makeTrace(t, base.Add(time.Duration(n+page)*time.Second), model.TraceStatusOK, nil)
			require.NoError(t, s.Write(ctx, newer))
			mid := makeTrace(t, base.Add(1500*time.Millisecond), model.TraceStatusOK, nil)
			require.NoError(t, s.Write(ctx, mid))
			page++

			if next == "" {
				break
			}
			token = next
		}
		for id := range want {
			assert.True(t, seen[id], "pre-existing trace skipped")
		}
	})

	t.Run("search respects ascending order_by", func(t *testing.T) {
		s := newStore(t)
		base := time.Now().Truncate(time.Second)
		for i := range 3 {
			require.NoError(t, s.Write(ctx, makeTrace(t, base.Add(time.Duration(i)*time.Second), model.TraceStatusOK, nil)))
		}

		infos, _, err := s.Search(ctx, mustSearch(t, model.SearchRequest{OrderBy: "start_time ASC"}))
		require.NoError(t, err)
		require.Len(t, infos, 3)
		assert.True(t, infos[0].StartTime.Before(infos[2].StartTime))
	})

	t.Run("search filters on start_time and duration", func(t *testing.T) {
		s := newStore(t)
		old := makeTrace(t, time.Now().Add(-time.Hour), model.TraceStatusOK, nil)
		recent := makeTrace(t, time.Now(), model.TraceStatusOK, nil)
		require.NoError(t, s.Write(ctx, old))
		require.NoError(t, s.Write(ctx, recent))

		cutoff := time.Now().Add(-30 * time.Minute).UnixMilli()
		infos, _, err := s.Search(ctx, mustSearch(t, model.SearchRequest{
			Filter: query.FieldStartTime + " > " + itoa(cutoff),
		}))
		require.NoError(t, err)
		require.Len(t, infos, 1)
		assert.Equal(t, recent.Info.TraceID, infos[0].TraceID)

		infos, _, err = s.Search(ctx, mustSearch(t, model.SearchRequest{Filter: "duration_ms >= 100"}))
		require.NoError(t, err)
		assert.Len(t, infos, 2)
	})

	t.Run("update tags applies deletions then additions", func(t *testing.T) {
		s := newStore(t)
		tr := makeTrace(t, time.Now(), model.TraceStatusOK, map[string]string{"env": "dev", "team": "search"})
		require.NoError(t, s.Write(ctx, tr))

		err := s.UpdateTags(ctx, tr.Info.TraceID,
			map[string]string{"env": "prod", "reviewed": "yes"}, []string{"team", "env"})
		require.NoError(t, err)

		got, err := s.GetTrace(ctx, tr.Info.TraceID)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"env": "prod", "reviewed": "yes"}, got.Info.Tags)

		// Updated tags are visible to the filter engine.
		infos, _, err := s.Search(ctx, mustSearch(t, model.SearchRequest{Filter: `tags.reviewed = "yes"`}))
		require.NoError(t, err)
		require.Len(t, infos, 1)
		assert.Equal(t, tr.Info.TraceID, infos[0].TraceID)
	})

	t.Run("update tags on unknown trace returns not found", func(t *testing.T) {
		s := newStore(t)
		err := s.UpdateTags(ctx, uuid.New(), map[string]string{"a": "b"}, nil)
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
