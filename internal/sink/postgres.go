package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/query"
)

const (
	pgMaxRetries = 3
	pgRetryBase  = 50 * time.Millisecond
)

// Same column set as the sqlite store; timestamps stay as nanosecond BIGINTs
// so the filter compiler binds identical values for both dialects.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS traces (
	trace_id         TEXT PRIMARY KEY,
	start_time_ns    BIGINT NOT NULL,
	duration_ns      BIGINT NOT NULL,
	status           TEXT NOT NULL,
	request_preview  TEXT NOT NULL DEFAULT '',
	response_preview TEXT NOT NULL DEFAULT '',
	tags             JSONB NOT NULL DEFAULT '{}'::jsonb,
	events           JSONB NOT NULL DEFAULT '[]'::jsonb,
	data             JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS traces_start_time_idx ON traces (start_time_ns DESC, trace_id DESC)`

// PostgresStore persists traces in postgres for shared, multi-process
// deployments.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database at dsn, verifies the connection,
// and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Name() string { return "postgres" }

func (s *PostgresStore) Write(ctx context.Context, trace model.Trace) error {
	trace.Info.Location = "postgres://traces/" + trace.Info.TraceID.String()
	if trace.Info.Tags == nil {
		trace.Info.Tags = map[string]string{}
	}

	tags, err := json.Marshal(trace.Info.Tags)
	if err != nil {
		return fmt.Errorf("postgres: marshal tags: %w", err)
	}
	events, err := json.Marshal(trace.Info.Events)
	if err != nil {
		return fmt.Errorf("postgres: marshal events: %w", err)
	}
	data, err := json.Marshal(&trace)
	if err != nil {
		return fmt.Errorf("postgres: marshal trace: %w", err)
	}

	err = withRetry(ctx, pgMaxRetries, pgRetryBase, func() error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO traces (trace_id, start_time_ns, duration_ns, status,
				request_preview, response_preview, tags, events, data)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (trace_id) DO UPDATE SET
				start_time_ns = EXCLUDED.start_time_ns,
				duration_ns = EXCLUDED.duration_ns,
				status = EXCLUDED.status,
				request_preview = EXCLUDED.request_preview,
				response_preview = EXCLUDED.response_preview,
				tags = EXCLUDED.tags,
				events = EXCLUDED.events,
				data = EXCLUDED.data`,
			trace.Info.TraceID.String(),
			trace.Info.StartTime.UnixNano(),
			int64(trace.Info.Duration),
			string(trace.Info.Status),
			trace.Info.RequestPreview,
			trace.Info.ResponsePreview,
			tags,
			events,
			data,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("postgres: write trace %s: %w", trace.Info.TraceID, err)
	}
	return nil
}

func (s *PostgresStore) GetTrace(ctx context.Context, id uuid.UUID) (*model.Trace, error) {
	var data, tags []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data, tags FROM traces WHERE trace_id = $1`, id.String(),
	).Scan(&data, &tags)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres: trace %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get trace %s: %w", id, err)
	}

	var trace model.Trace
	if err := json.Unmarshal(data, &trace); err != nil {
		return nil, fmt.Errorf("postgres: decode trace %s: %w", id, err)
	}
	trace.Info.Tags = map[string]string{}
	if err := json.Unmarshal(tags, &trace.Info.Tags); err != nil {
		return nil, fmt.Errorf("postgres: decode tags for %s: %w", id, err)
	}
	return &trace, nil
}

func (s *PostgresStore) Search(ctx context.Context, q query.Search) ([]model.TraceInfo, string, error) {
	where, args, err := query.Compile(q.Expr, query.DialectPostgres, 0)
	if err != nil {
		return nil, "", err
	}
	n := len(args)

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
		sb.WriteString(fmt.Sprintf(" AND (start_time_ns %s $%d OR (start_time_ns = $%d AND trace_id %s $%d))",
			cmp, n+1, n+2, cmp, n+3))
		args = append(args, q.Cursor.StartUnixNano, q.Cursor.StartUnixNano, q.Cursor.TraceID)
		n += 3
	}
	sb.WriteString(fmt.Sprintf(" ORDER BY start_time_ns %s, trace_id %s LIMIT $%d", dir, dir, n+1))
	args = append(args, q.Limit+1)

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, "", fmt.Errorf("postgres: search: %w", err)
	}
	defer rows.Close()

	var infos []model.TraceInfo
	for rows.Next() {
		info, err := scanInfo(rows.Scan)
		if err != nil {
			return nil, "", fmt.Errorf("postgres: search scan: %w", err)
		}
		info.Location = "postgres://traces/" + info.TraceID.String()
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("postgres: search rows: %w", err)
	}

	return pageResults(infos, q.Limit)
}

func (s *PostgresStore) UpdateTags(ctx context.Context, id uuid.UUID, set map[string]string, del []string) error {
	return withRetry(ctx, pgMaxRetries, pgRetryBase, func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("postgres: begin tag update: %w", err)
		}
		defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

		var raw []byte
		err = tx.QueryRow(ctx,
			`SELECT tags FROM traces WHERE trace_id = $1 FOR UPDATE`, id.String(),
		).Scan(&raw)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("postgres: trace %s: %w", id, model.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("postgres: read tags for %s: %w", id, err)
		}

		tags := map[string]string{}
		if err := json.Unmarshal(raw, &tags); err != nil {
			return fmt.Errorf("postgres: decode tags for %s: %w", id, err)
		}
		applyTags(tags, set, del)

		updated, err := json.Marshal(tags)
		if err != nil {
			return fmt.Errorf("postgres: marshal tags: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE traces SET tags = $1 WHERE trace_id = $2`, updated, id.String(),
		); err != nil {
			return fmt.Errorf("postgres: update tags for %s: %w", id, err)
		}
		return tx.Commit(ctx)
	})
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
