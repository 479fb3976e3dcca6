package trace

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/flightdeck-ai/flightdeck/migrations"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresStore struct {
	DSN string
	db  *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	store := &PostgresStore{
		DSN: dsn,
		db:  db,
	}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const postgresUpsertTraceSQL = `
INSERT INTO traces (
    trace_id,
    created_at,
    message_preview,
    latency_ms,
    cost_usd,
    mock,
    provider,
    session_id,
    cache_hit,
    cache_saved_ms,
    metadata,
    steps
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, '')::jsonb, NULLIF($12, '')::jsonb)
ON CONFLICT (trace_id) DO UPDATE SET
    created_at = EXCLUDED.created_at,
    message_preview = EXCLUDED.message_preview,
    latency_ms = EXCLUDED.latency_ms,
    cost_usd = EXCLUDED.cost_usd,
    mock = EXCLUDED.mock,
    provider = EXCLUDED.provider,
    session_id = EXCLUDED.session_id,
    cache_hit = EXCLUDED.cache_hit,
    cache_saved_ms = EXCLUDED.cache_saved_ms,
    metadata = EXCLUDED.metadata,
    steps = EXCLUDED.steps`

func (s *PostgresStore) Upsert(ctx context.Context, trace *Trace) error {
	if trace == nil {
		return nil
	}
	row, err := normalizeTrace(trace)
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, postgresUpsertTraceSQL, postgresTraceArgs(row)...); err != nil {
		return fmt.Errorf("upsert trace %q: %w", row.TraceID, err)
	}
	return nil
}

func (s *PostgresStore) UpsertBatch(ctx context.Context, traces []*Trace) error {
	if len(traces) == 0 {
		return nil
	}

	rows := make([]*Trace, 0, len(traces))
	for _, trace := range traces {
		if trace == nil {
			continue
		}
		row, err := normalizeTrace(trace)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin postgres batch transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, postgresUpsertTraceSQL)
	if err != nil {
		return fmt.Errorf("prepare postgres batch upsert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, postgresTraceArgs(row)...); err != nil {
			return fmt.Errorf("upsert trace %q in batch: %w", row.TraceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit postgres batch transaction: %w", err)
	}
	return nil
}

func postgresTraceArgs(row *Trace) []any {
	return []any{
		row.TraceID,
		row.CreatedAt,
		row.MessagePreview,
		row.LatencyMS,
		row.CostUSD,
		row.Mock,
		row.Provider,
		row.SessionID,
		row.CacheHit,
		row.CacheSavedMS,
		encodeMetadata(row.Metadata),
		encodeSteps(row.Steps),
	}
}

const postgresTraceSelectColumns = `
trace_id,
created_at,
message_preview,
latency_ms,
cost_usd,
mock,
provider,
session_id,
cache_hit,
cache_saved_ms,
COALESCE(metadata::text, ''),
COALESCE(steps::text, '')
`

func (s *PostgresStore) Get(ctx context.Context, traceID string) (*Trace, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+postgresTraceSelectColumns+" FROM traces WHERE trace_id = $1 LIMIT 1", traceID)
	item, err := scanPostgresTraceRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trace %q: %w", traceID, err)
	}
	return item, nil
}

func (s *PostgresStore) List(ctx context.Context, filter Filter) (*Result, error) {
	page, limit := normalizePage(filter)
	whereSQL, args := buildPostgresTraceWhere(filter)
	args = append(args, limit, (page-1)*limit)

	query := fmt.Sprintf(
		"SELECT "+postgresTraceSelectColumns+" FROM traces WHERE "+whereSQL+
			" ORDER BY created_at DESC, trace_id DESC LIMIT $%d OFFSET $%d",
		len(args)-1, len(args))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer rows.Close()

	items := make([]*Trace, 0, limit)
	for rows.Next() {
		item, err := scanPostgresTraceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trace row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trace rows: %w", err)
	}

	return &Result{Items: items, Page: page, Limit: limit}, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT
	COUNT(*),
	COALESCE(SUM(CASE WHEN cache_hit THEN 1 ELSE 0 END), 0),
	COALESCE(AVG(latency_ms), 0),
	COALESCE(SUM(cache_saved_ms), 0)
FROM traces`)

	var stats Stats
	if err := row.Scan(&stats.TotalRequests, &stats.TotalCacheHits, &stats.AvgLatencyMS, &stats.TotalTimeSavedMS); err != nil {
		return nil, fmt.Errorf("query trace stats: %w", err)
	}
	finishStats(&stats)
	return &stats, nil
}

func (s *PostgresStore) DeleteAll(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM traces`)
	if err != nil {
		return 0, fmt.Errorf("delete all traces: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read delete row count: %w", err)
	}
	return deleted, nil
}

func buildPostgresTraceWhere(filter Filter) (string, []any) {
	where := make([]string, 0, 3)
	args := make([]any, 0, 3)

	if filter.Provider != "" {
		args = append(args, filter.Provider)
		where = append(where, fmt.Sprintf("provider = $%d", len(args)))
	}
	if filter.SessionID != "" {
		args = append(args, filter.SessionID)
		where = append(where, fmt.Sprintf("session_id = $%d", len(args)))
	}
	if filter.Mock != nil {
		args = append(args, *filter.Mock)
		where = append(where, fmt.Sprintf("mock = $%d", len(args)))
	}

	if len(where) == 0 {
		return "1=1", args
	}
	return strings.Join(where, " AND "), args
}

func scanPostgresTraceRow(scanner rowScanner) (*Trace, error) {
	var (
		item      Trace
		sessionID sql.NullString
		metadata  string
		steps     string
	)

	if err := scanner.Scan(
		&item.TraceID,
		&item.CreatedAt,
		&item.MessagePreview,
		&item.LatencyMS,
		&item.CostUSD,
		&item.Mock,
		&item.Provider,
		&sessionID,
		&item.CacheHit,
		&item.CacheSavedMS,
		&metadata,
		&steps,
	); err != nil {
		return nil, err
	}

	item.CreatedAt = item.CreatedAt.UTC()
	if sessionID.Valid {
		item.SessionID = sessionID.String
	}
	item.Metadata = DecodeMetadataMap(metadata)
	item.Steps = decodeSteps(steps)

	return &item, nil
}

func (s *PostgresStore) ensureSchema() error {
	if err := migrations.Apply(context.Background(), s.db, migrations.DriverPostgres); err != nil {
		return fmt.Errorf("ensure postgres schema: %w", err)
	}
	return nil
}
