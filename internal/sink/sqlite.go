package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/query"
)

// sqliteSchema is the canonical trace table. The tags column is authoritative
// for tags (the tag update path rewrites only it); the data column holds the
// full trace JSON as sealed.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS traces (
	trace_id         TEXT PRIMARY KEY,
	start_time_ns    INTEGER NOT NULL,
	duration_ns      INTEGER NOT NULL,
	status           TEXT NOT NULL,
	request_preview  TEXT NOT NULL DEFAULT '',
	response_preview TEXT NOT NULL DEFAULT '',
	tags             TEXT NOT NULL DEFAULT '{}',
	events           TEXT NOT NULL DEFAULT '[]',
	data             TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS traces_start_time_idx ON traces (start_time_ns DESC, trace_id DESC);
`

// SQLiteStore persists traces in a local sqlite database. Suitable for
// single-process deployments; the file can be ":memory:" for throwaway use.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and ensures
// the schema exists.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// The driver serializes access per connection; a single connection avoids
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ensure schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Name() string { return "sqlite" }

func (s *SQLiteStore) Write(ctx context.Context, trace model.Trace) error {
	trace.Info.Location = "sqlite://traces/" + trace.Info.TraceID.String()
	if trace.Info.Tags == nil {
		trace.Info.Tags = map[string]string{}
	}

	tags, err := json.Marshal(trace.Info.Tags)
	if err != nil {
		return fmt.Errorf("sqlite: marshal tags: %w", err)
	}
	events, err := json.Marshal(trace.Info.Events)
	if err != nil {
		return fmt.Errorf("sqlite: marshal events: %w", err)
	}
	data, err := json.Marshal(&trace)
	if err != nil {
		return fmt.Errorf("sqlite: marshal trace: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO traces (trace_id, start_time_ns, duration_ns, status,
			request_preview, response_preview, tags, events, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (trace_id) DO UPDATE SET
			start_time_ns = excluded.start_time_ns,
			duration_ns = excluded.duration_ns,
			status = excluded.status,
			request_preview = excluded.request_preview,
			response_preview = excluded.response_preview,
			tags = excluded.tags,
			events = excluded.events,
			data = excluded.data`,
		trace.Info.TraceID.String(),
		trace.Info.StartTime.UnixNano(),
		int64(trace.Info.Duration),
		string(trace.Info.Status),
		trace.Info.RequestPreview,
		trace.Info.ResponsePreview,
		string(tags),
		string(events),
		string(data),
	)
	if err != nil {
		return fmt.Errorf("sqlite: write trace %s: %w", trace.Info.TraceID, err)
	}
	return nil
}

func (s *SQLiteStore) GetTrace(ctx context.Context, id uuid.UUID) (*model.Trace, error) {
	var data, tags string
	err := s.db.QueryRowContext(ctx,
		`SELECT data, tags FROM traces WHERE trace_id = ?`, id.String(),
	).Scan(&data, &tags)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: trace %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get trace %s: %w", id, err)
	}

	var trace model.Trace
	if err := json.Unmarshal([]byte(data), &trace); err != nil {
		return nil, fmt.Errorf("sqlite: decode trace %s: %w", id, err)
	}
	// The tags column wins over the snapshot inside data.
	trace.Info.Tags = map[string]string{}
	if err := json.Unmarshal([]byte(tags), &trace.Info.Tags); err != nil {
		return nil, fmt.Errorf("sqlite: decode tags for %s: %w", id, err)
	}
	return &trace, nil
}

func (s *SQLiteStore) Search(ctx context.Context, q query.Search) ([]model.TraceInfo, string, error) {
	where, args, err := query.Compile(q.Expr, query.DialectSQLite, 0)
	if err != nil {
		return nil, "", err
	}

	var sb strings.Builder
	sb.WriteString(`SELECT trace_id, start_time_ns, duration_ns, status,
		request_preview, response_preview, tags, events
		FROM traces WHERE `)
	sb.WriteString(where)

	cmp, dir := "<", "DESC"
	if !q.Desc {
		cmp, dir = ">", "ASC"
	}
	if q.Cursor != nil {
		sb.WriteString(fmt.Sprintf(" AND (start_time_ns %s ? OR (start_time_ns = ? AND trace_id %s ?))", cmp, cmp))
		args = append(args, q.Cursor.StartUnixNano, q.Cursor.StartUnixNano, q.Cursor.TraceID)
	}
	sb.WriteString(fmt.Sprintf(" ORDER BY start_time_ns %s, trace_id %s LIMIT ?", dir, dir))
	args = append(args, q.Limit+1)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, "", fmt.Errorf("sqlite: search: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	var infos []model.TraceInfo
	for rows.Next() {
		info, err := scanInfo(rows.Scan)
		if err != nil {
			return nil, "", fmt.Errorf("sqlite: search scan: %w", err)
		}
		info.Location = "sqlite://traces/" + info.TraceID.String()
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("sqlite: search rows: %w", err)
	}

	return pageResults(infos, q.Limit)
}

func (s *SQLiteStore) UpdateTags(ctx context.Context, id uuid.UUID, set map[string]string, del []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tag update: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT tags FROM traces WHERE trace_id = ?`, id.String()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite: trace %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("sqlite: read tags for %s: %w", id, err)
	}

	tags := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return fmt.Errorf("sqlite: decode tags for %s: %w", id, err)
	}
	applyTags(tags, set, del)

	updated, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("sqlite: marshal tags: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE traces SET tags = ? WHERE trace_id = ?`, string(updated), id.String()); err != nil {
		return fmt.Errorf("sqlite: update tags for %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
