package export

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/telemetry"
)

// WAL segment file format constants.
const (
	walMagic      = 0x4B495257 // "KIRW" — Kiroku WAL
	walVersion    = 1
	walHeaderSize = 16 // magic(4) + version(2) + reserved(2) + baseLSN(8)
	walRecordHead = 12 // lsn(8) + payloadLen(4)
	walCRCSize    = 4
	walMaxPayload = 16 << 20 // 16 MB per trace

	defaultWALSegmentSize = 32 << 20 // 32 MB
	minWALSegmentSize     = 1 << 20
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// WALConfig holds configuration for the export write-ahead log.
type WALConfig struct {
	Dir            string // Directory for WAL files. Empty = WAL disabled.
	MaxSegmentSize int64  // Bytes before segment rotation. Default: 32 MB.
}

// WAL makes sealed traces crash-durable between sealing and sink delivery.
// Each record is one complete trace: [LSN(8) | payloadLen(4) | JSON | CRC32C(4)].
// Append syncs before returning; sealing is low-frequency enough that the
// fsync cost does not matter. After every sink has acknowledged an LSN the
// checkpoint advances and fully-delivered segments are reclaimed.
type WAL struct {
	dir    string
	logger *slog.Logger

	mu          sync.Mutex
	current     *os.File
	segmentNum  uint64
	segmentSize int64
	nextLSN     uint64

	maxSegSize int64
}

// walCheckpoint tracks the last fully-delivered position.
type walCheckpoint struct {
	DeliveredLSN uint64    `json:"delivered_lsn"`
	DeliveredAt  time.Time `json:"delivered_at"`
	Segment      uint64    `json:"segment"`
}

// NewWAL opens the write-ahead log. Returns nil if cfg.Dir is empty.
func NewWAL(logger *slog.Logger, cfg WALConfig) (*WAL, error) {
	if cfg.Dir == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxSegmentSize <= 0 {
		cfg.MaxSegmentSize = defaultWALSegmentSize
	}
	if cfg.MaxSegmentSize < minWALSegmentSize {
		return nil, fmt.Errorf("wal: segment size %d too small (min %d)", cfg.MaxSegmentSize, minWALSegmentSize)
	}

	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("wal: create directory: %w", err)
	}

	w := &WAL{
		dir:        cfg.Dir,
		logger:     logger,
		maxSegSize: cfg.MaxSegmentSize,
	}

	cp, err := w.loadCheckpoint()
	if err != nil {
		return nil, fmt.Errorf("wal: load checkpoint: %w", err)
	}
	w.nextLSN = cp.DeliveredLSN + 1

	// Resume the LSN sequence past whatever the existing segments hold.
	segments, err := w.listSegments()
	if err != nil {
		return nil, fmt.Errorf("wal: scan segments: %w", err)
	}
	var highSeg uint64
	for _, seg := range segments {
		num, ok := segmentNumber(seg)
		if ok && num > highSeg {
			highSeg = num
		}
		_, highLSN, rerr := w.readSegment(seg)
		if rerr != nil {
			continue
		}
		if highLSN >= w.nextLSN {
			w.nextLSN = highLSN + 1
		}
	}
	if highSeg > 0 {
		w.segmentNum = highSeg + 1
	} else {
		w.segmentNum = cp.Segment + 1
	}

	if err := w.rotateSegment(); err != nil {
		return nil, fmt.Errorf("wal: open initial segment: %w", err)
	}

	w.registerMetrics()
	return w, nil
}

// Append durably records a sealed trace and returns its LSN.
func (w *WAL) Append(trace model.Trace) (uint64, error) {
	payload, err := json.Marshal(&trace)
	if err != nil {
		return 0, fmt.Errorf("wal: marshal trace: %w", err)
	}
	if len(payload) > walMaxPayload {
		return 0, fmt.Errorf("wal: trace payload too large (%d bytes, max %d)", len(payload), walMaxPayload)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.current == nil {
		return 0, fmt.Errorf("wal: closed")
	}

	lsn := w.nextLSN
	w.nextLSN++

	var head [walRecordHead]byte
	binary.BigEndian.PutUint64(head[0:8], lsn)
	binary.BigEndian.PutUint32(head[8:12], uint32(len(payload)))

	h := crc32.New(crc32cTable)
	_, _ = h.Write(head[:])
	_, _ = h.Write(payload)
	var crcBuf [walCRCSize]byte
	binary.BigEndian.PutUint32(crcBuf[:], h.Sum32())

	if _, err := w.current.Write(head[:]); err != nil {
		return 0, fmt.Errorf("wal: write record head: %w", err)
	}
	if _, err := w.current.Write(payload); err != nil {
		return 0, fmt.Errorf("wal: write payload: %w", err)
	}
	if _, err := w.current.Write(crcBuf[:]); err != nil {
		return 0, fmt.Errorf("wal: write crc: %w", err)
	}
	if err := w.current.Sync(); err != nil {
		return 0, fmt.Errorf("wal: fsync: %w", err)
	}

	w.segmentSize += int64(walRecordHead + len(payload) + walCRCSize)
	if w.segmentSize >= w.maxSegSize {
		if err := w.rotateSegment(); err != nil {
			return 0, fmt.Errorf("wal: rotate segment: %w", err)
		}
	}

	return lsn, nil
}

// Checkpoint marks every record up to and including deliveredLSN as handled
// by all sinks and reclaims fully-delivered segments. A regression of the
// checkpoint is ignored.
func (w *WAL) Checkpoint(deliveredLSN uint64) error {
	cp, err := w.loadCheckpoint()
	if err != nil {
		return fmt.Errorf("wal: load checkpoint for advance: %w", err)
	}
	if deliveredLSN <= cp.DeliveredLSN {
		return nil
	}

	w.mu.Lock()
	seg := w.segmentNum
	w.mu.Unlock()

	if err := w.saveCheckpoint(walCheckpoint{
		DeliveredLSN: deliveredLSN,
		DeliveredAt:  time.Now().UTC(),
		Segment:      seg,
	}); err != nil {
		return err
	}
	return w.cleanupSegments(deliveredLSN)
}

// Recover replays records past the checkpoint, oldest first. Torn or
// corrupted tails stop the replay of that segment; everything before the
// corruption is still delivered.
func (w *WAL) Recover(fn func(trace model.Trace, lsn uint64)) error {
	cp, err := w.loadCheckpoint()
	if err != nil {
		return fmt.Errorf("wal: load checkpoint for recovery: %w", err)
	}
	segments, err := w.listSegments()
	if err != nil {
		return fmt.Errorf("wal: list segments for recovery: %w", err)
	}

	var recovered int
	for _, seg := range segments {
		records, _, rerr := w.readSegment(seg)
		if rerr != nil {
			w.logger.Warn("wal: recovery: unreadable segment, skipping remainder",
				"segment", seg, "error", rerr, "recovered_so_far", recovered)
			break
		}
		for _, rec := range records {
			if rec.lsn > cp.DeliveredLSN {
				fn(rec.trace, rec.lsn)
				recovered++
			}
		}
	}
	if recovered > 0 {
		w.logger.Info("wal: recovered undelivered traces", "count", recovered)
	}
	return nil
}

// LastLSN returns the highest LSN assigned so far.
func (w *WAL) LastLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextLSN - 1
}

// SegmentCount returns the number of WAL segment files on disk.
func (w *WAL) SegmentCount() int {
	segs, _ := w.listSegments()
	return len(segs)
}

// Close syncs and closes the active segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return nil
	}
	if err := w.current.Sync(); err != nil {
		w.logger.Warn("wal: final sync failed", "error", err)
	}
	err := w.current.Close()
	w.current = nil
	return err
}

type walRecordEntry struct {
	lsn   uint64
	trace model.Trace
}

func (w *WAL) segmentPath(num uint64) string {
	return filepath.Join(w.dir, fmt.Sprintf("%09d.wal", num))
}

func (w *WAL) checkpointPath() string {
	return filepath.Join(w.dir, "checkpoint.json")
}

func segmentNumber(path string) (uint64, bool) {
	var num uint64
	if _, err := fmt.Sscanf(filepath.Base(path), "%09d.wal", &num); err != nil {
		return 0, false
	}
	return num, true
}

func (w *WAL) loadCheckpoint() (walCheckpoint, error) {
	data, err := os.ReadFile(w.checkpointPath())
	if errors.Is(err, os.ErrNotExist) {
		return walCheckpoint{}, nil
	}
	if err != nil {
		return walCheckpoint{}, fmt.Errorf("wal: read checkpoint: %w", err)
	}
	var cp walCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return walCheckpoint{}, fmt.Errorf("wal: parse checkpoint: %w", err)
	}
	return cp, nil
}

func (w *WAL) saveCheckpoint(cp walCheckpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("wal: marshal checkpoint: %w", err)
	}

	tmp := w.checkpointPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("wal: write checkpoint tmp: %w", err)
	}

	// Sync before rename so a crash cannot leave a torn checkpoint.
	f, err := os.Open(tmp)
	if err != nil {
		return fmt.Errorf("wal: open checkpoint tmp for sync: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("wal: sync checkpoint tmp: %w", err)
	}
	_ = f.Close()

	if err := os.Rename(tmp, w.checkpointPath()); err != nil {
		return fmt.Errorf("wal: rename checkpoint: %w", err)
	}
	return nil
}

func (w *WAL) rotateSegment() error {
	if w.current != nil {
		if err := w.current.Sync(); err != nil {
			w.logger.Warn("wal: sync before rotation failed", "error", err)
		}
		if err := w.current.Close(); err != nil {
			w.logger.Warn("wal: close before rotation failed", "error", err)
		}
	}

	path := w.segmentPath(w.segmentNum)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("wal: open segment %d: %w", w.segmentNum, err)
	}

	var hdr [walHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], walMagic)
	binary.BigEndian.PutUint16(hdr[4:6], walVersion)
	binary.BigEndian.PutUint64(hdr[8:16], w.nextLSN)

	if _, err := f.Write(hdr[:]); err != nil {
		_ = f.Close()
		return fmt.Errorf("wal: write segment header: %w", err)
	}

	w.current = f
	w.segmentSize = walHeaderSize
	w.segmentNum++
	return nil
}

func (w *WAL) listSegments() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".wal") {
			paths = append(paths, filepath.Join(w.dir, e.Name()))
		}
	}
	sort.Strings(paths) // zero-padded names sort numerically
	return paths, nil
}

func (w *WAL) readSegment(path string) ([]walRecordEntry, uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("wal: open segment: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only

	var hdr [walHeaderSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return nil, 0, fmt.Errorf("wal: read segment header: %w", err)
	}
	if magic := binary.BigEndian.Uint32(hdr[0:4]); magic != walMagic {
		return nil, 0, fmt.Errorf("wal: bad magic 0x%08X", magic)
	}
	if version := binary.BigEndian.Uint16(hdr[4:6]); version != walVersion {
		return nil, 0, fmt.Errorf("wal: unsupported version %d", version)
	}

	var records []walRecordEntry
	var highLSN uint64

	for {
		var head [walRecordHead]byte
		_, err := io.ReadFull(f, head[:])
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return records, highLSN, fmt.Errorf("wal: read record head: %w", err)
		}

		lsn := binary.BigEndian.Uint64(head[0:8])
		payloadLen := binary.BigEndian.Uint32(head[8:12])
		if payloadLen > walMaxPayload {
			w.logger.Warn("wal: corrupted payload length, stopping segment read",
				"path", path, "lsn", lsn, "payload_len", payloadLen)
			break
		}

		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(f, payload); err != nil {
			break // torn tail
		}
		var crcBuf [walCRCSize]byte
		if _, err := io.ReadFull(f, crcBuf[:]); err != nil {
			break
		}

		h := crc32.New(crc32cTable)
		_, _ = h.Write(head[:])
		_, _ = h.Write(payload)
		if h.Sum32() != binary.BigEndian.Uint32(crcBuf[:]) {
			w.logger.Warn("wal: CRC mismatch, stopping segment read", "path", path, "lsn", lsn)
			break
		}

		var trace model.Trace
		if err := json.Unmarshal(payload, &trace); err != nil {
			w.logger.Warn("wal: corrupted trace JSON, stopping segment read",
				"path", path, "lsn", lsn, "error", err)
			break
		}

		records = append(records, walRecordEntry{lsn: lsn, trace: trace})
		if lsn > highLSN {
			highLSN = lsn
		}
	}

	return records, highLSN, nil
}

func (w *WAL) cleanupSegments(deliveredLSN uint64) error {
	segments, err := w.listSegments()
	if err != nil {
		return err
	}

	w.mu.Lock()
	activeSeg := w.segmentNum - 1
	w.mu.Unlock()

	for _, seg := range segments {
		if num, ok := segmentNumber(seg); ok && num == activeSeg {
			continue // never reclaim the segment still being written
		}
		_, highLSN, rerr := w.readSegment(seg)
		if rerr != nil {
			continue
		}
		if highLSN > 0 && highLSN <= deliveredLSN {
			if err := os.Remove(seg); err != nil {
				w.logger.Warn("wal: failed to delete delivered segment", "path", seg, "error", err)
			}
		}
	}
	return nil
}

func (w *WAL) registerMetrics() {
	meter := telemetry.Meter("kiroku/wal")

	_, _ = meter.Int64ObservableGauge("kiroku.wal.segment_count",
		metric.WithDescription("Current number of WAL segment files"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(w.SegmentCount()))
			return nil
		}),
	)
}
