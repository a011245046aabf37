package export

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiroku/internal/model"
)

func TestWALDisabledWhenDirEmpty(t *testing.T) {
	w, err := NewWAL(nil, WALConfig{})
	require.NoError(t, err)
	assert.Nil(t, w)
}

func TestWALAppendAssignsSequentialLSNs(t *testing.T) {
	w, err := NewWAL(nil, WALConfig{Dir: t.TempDir()})
	require.NoError(t, err)
	defer func() { require.NoError(t, w.Close()) }()

	for i := uint64(1); i <= 3; i++ {
		lsn, aerr := w.Append(testTrace(t))
		require.NoError(t, aerr)
		assert.Equal(t, i, lsn)
	}
	assert.Equal(t, uint64(3), w.LastLSN())
}

func TestWALRecoverReplaysPastCheckpoint(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWAL(nil, WALConfig{Dir: dir})
	require.NoError(t, err)

	traces := []model.Trace{testTrace(t), testTrace(t), testTrace(t)}
	for _, tr := range traces {
		_, err = w.Append(tr)
		require.NoError(t, err)
	}
	require.NoError(t, w.Checkpoint(1))
	require.NoError(t, w.Close())

	w2, err := NewWAL(nil, WALConfig{Dir: dir})
	require.NoError(t, err)
	defer func() { require.NoError(t, w2.Close()) }()

	var got []model.Trace
	var lsns []uint64
	require.NoError(t, w2.Recover(func(tr model.Trace, lsn uint64) {
		got = append(got, tr)
		lsns = append(lsns, lsn)
	}))

	require.Len(t, got, 2)
	assert.Equal(t, []uint64{2, 3}, lsns)
	assert.Equal(t, traces[1].Info.TraceID, got[0].Info.TraceID)
	assert.Equal(t, traces[2].Info.TraceID, got[1].Info.TraceID)

	// LSN sequence continues past recovered records.
	lsn, err := w2.Append(testTrace(t))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), lsn)
}

func TestWALRecoverSurvivesTornTail(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWAL(nil, WALConfig{Dir: dir})
	require.NoError(t, err)

	intact := testTrace(t)
	_, err = w.Append(intact)
	require.NoError(t, err)
	_, err = w.Append(testTrace(t))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Chop bytes off the end of the segment to simulate a crash mid-write.
	segs, err := filepath.Glob(filepath.Join(dir, "*.wal"))
	require.NoError(t, err)
	require.Len(t, segs, 1)
	info, err := os.Stat(segs[0])
	require.NoError(t, err)
	require.NoError(t, os.Truncate(segs[0], info.Size()-10))

	w2, err := NewWAL(nil, WALConfig{Dir: dir})
	require.NoError(t, err)
	defer func() { require.NoError(t, w2.Close()) }()

	var got []model.Trace
	require.NoError(t, w2.Recover(func(tr model.Trace, _ uint64) { got = append(got, tr) }))
	require.Len(t, got, 1)
	assert.Equal(t, intact.Info.TraceID, got[0].Info.TraceID)
}

func TestWALCheckpointReclaimsDeliveredSegments(t *testing.T) {
	dir := t.TempDir()
	// Tiny segments force rotation quickly.
	w, err := NewWAL(nil, WALConfig{Dir: dir, MaxSegmentSize: minWALSegmentSize})
	require.NoError(t, err)
	defer func() { require.NoError(t, w.Close()) }()

	// Each trace is small; write enough to fill at least two segments.
	var last uint64
	for range 3000 {
		last, err = w.Append(testTrace(t))
		require.NoError(t, err)
	}
	before := w.SegmentCount()
	require.Greater(t, before, 1)

	require.NoError(t, w.Checkpoint(last))
	after := w.SegmentCount()
	assert.Less(t, after, before)
	assert.GreaterOrEqual(t, after, 1, "active segment is never reclaimed")
}

func TestWALCheckpointIgnoresRegression(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWAL(nil, WALConfig{Dir: dir})
	require.NoError(t, err)
	defer func() { require.NoError(t, w.Close()) }()

	_, err = w.Append(testTrace(t))
	require.NoError(t, err)
	_, err = w.Append(testTrace(t))
	require.NoError(t, err)

	require.NoError(t, w.Checkpoint(2))
	require.NoError(t, w.Checkpoint(1))

	cp, err := w.loadCheckpoint()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cp.DeliveredLSN)
}
