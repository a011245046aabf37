package sink

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiroku/internal/model"
)

func newSQLiteStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "kiroku.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStoreContract(t *testing.T) {
	runStoreContract(t, newSQLiteStore)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kiroku.db")

	s, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	tr := makeTrace(t, time.Now(), model.TraceStatusOK, map[string]string{"env": "prod"})
	require.NoError(t, s.Write(ctx, tr))
	require.NoError(t, s.Close())

	s2, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer func() { require.NoError(t, s2.Close()) }()

	got, err := s2.GetTrace(ctx, tr.Info.TraceID)
	require.NoError(t, err)
	assert.Equal(t, tr.Info.TraceID, got.Info.TraceID)
	assert.Equal(t, "prod", got.Info.Tags["env"])
}

func TestSQLiteStoreTagKeyWithDot(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	tr := makeTrace(t, time.Now(), model.TraceStatusOK, map[string]string{"service.region": "eu-west"})
	require.NoError(t, s.Write(ctx, tr))

	infos, _, err := s.Search(ctx, mustSearch(t, model.SearchRequest{Filter: `tags.service.region = "eu-west"`}))
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, tr.Info.TraceID, infos[0].TraceID)
}
