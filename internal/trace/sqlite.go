package trace

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/flightdeck-ai/flightdeck/migrations"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	Path string
	db   *sql.DB
	// SQLite allows only one writer at a time; serialize writes to avoid
	// SQLITE_BUSY contention when callers invoke Upsert/UpsertBatch concurrently.
	writeMu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	store := &SQLiteStore{
		Path: path,
		db:   db,
	}

	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const sqliteUpsertTraceSQL = `
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
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(trace_id) DO UPDATE SET
    created_at = excluded.created_at,
    message_preview = excluded.message_preview,
    latency_ms = excluded.latency_ms,
    cost_usd = excluded.cost_usd,
    mock = excluded.mock,
    provider = excluded.provider,
    session_id = excluded.session_id,
    cache_hit = excluded.cache_hit,
    cache_saved_ms = excluded.cache_saved_ms,
    metadata = excluded.metadata,
    steps = excluded.steps`

func (s *SQLiteStore) Upsert(ctx context.Context, trace *Trace) error {
	if trace == nil {
		return nil
	}
	row, err := normalizeTrace(trace)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = retrySQLiteBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, sqliteUpsertTraceSQL, sqliteTraceArgs(row)...)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert trace %q: %w", row.TraceID, err)
	}

	return nil
}

func (s *SQLiteStore) UpsertBatch(ctx context.Context, traces []*Trace) error {
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

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retrySQLiteBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sqlite batch transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		stmt, err := tx.PrepareContext(ctx, sqliteUpsertTraceSQL)
		if err != nil {
			return fmt.Errorf("prepare sqlite batch upsert: %w", err)
		}
		defer stmt.Close()

		for _, row := range rows {
			if _, err := stmt.ExecContext(ctx, sqliteTraceArgs(row)...); err != nil {
				return fmt.Errorf("upsert trace %q in batch: %w", row.TraceID, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit sqlite batch transaction: %w", err)
		}

		return nil
	})
}

func sqliteTraceArgs(row *Trace) []any {
	return []any{
		row.TraceID,
		row.CreatedAt,
		row.MessagePreview,
		row.LatencyMS,
		row.CostUSD,
		boolToInt(row.Mock),
		row.Provider,
		row.SessionID,
		boolToInt(row.CacheHit),
		row.CacheSavedMS,
		encodeMetadata(row.Metadata),
		encodeSteps(row.Steps),
	}
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

const (
	sqliteBusyMaxRetries     = 12
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
)

// retrySQLiteBusy retries transient lock contention so queued traces are not
// dropped during concurrent writes.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		err   error
		timer *time.Timer
	)
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	defer stopTimer()

	for retries := 0; ; retries++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}

		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			stopTimer()
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "sqlite_busy") || strings.Contains(value, "database is locked")
}

const traceSelectColumns = `
trace_id,
CAST(created_at AS TEXT),
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
`

func (s *SQLiteStore) Get(ctx context.Context, traceID string) (*Trace, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+traceSelectColumns+" FROM traces WHERE trace_id = ? LIMIT 1", traceID)
	item, err := scanTraceRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trace %q: %w", traceID, err)
	}
	return item, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter Filter) (*Result, error) {
	page, limit := normalizePage(filter)
	whereSQL, args := buildTraceWhere(filter)
	args = append(args, limit, (page-1)*limit)

	query := "SELECT " + traceSelectColumns + " FROM traces WHERE " + whereSQL +
		" ORDER BY created_at DESC, trace_id DESC LIMIT ? OFFSET ?"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer rows.Close()

	items := make([]*Trace, 0, limit)
	for rows.Next() {
		item, err := scanTraceRow(rows)
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

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT
	COUNT(*),
	COALESCE(SUM(cache_hit), 0),
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

func (s *SQLiteStore) DeleteAll(ctx context.Context) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var deleted int64
	err := retrySQLiteBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM traces`)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete all traces: %w", err)
	}
	return deleted, nil
}

func finishStats(stats *Stats) {
	stats.TotalCacheMisses = stats.TotalRequests - stats.TotalCacheHits
	if stats.TotalRequests > 0 {
		stats.CacheHitRate = float64(stats.TotalCacheHits) / float64(stats.TotalRequests) * 100
	}
}

func normalizePage(filter Filter) (page, limit int) {
	page = filter.Page
	if page <= 0 {
		page = 1
	}
	limit = filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	return page, limit
}

func buildTraceWhere(filter Filter) (string, []any) {
	where := make([]string, 0, 3)
	args := make([]any, 0, 3)

	if filter.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, filter.Provider)
	}
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Mock != nil {
		where = append(where, "mock = ?")
		args = append(args, boolToInt(*filter.Mock))
	}

	if len(where) == 0 {
		return "1=1", args
	}
	return strings.Join(where, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTraceRow(scanner rowScanner) (*Trace, error) {
	var (
		item          Trace
		createdAtText sql.NullString
		sessionID     sql.NullString
		mock          sql.NullInt64
		cacheHit      sql.NullInt64
		cacheSavedMS  sql.NullInt64
		metadata      sql.NullString
		steps         sql.NullString
	)

	if err := scanner.Scan(
		&item.TraceID,
		&createdAtText,
		&item.MessagePreview,
		&item.LatencyMS,
		&item.CostUSD,
		&mock,
		&item.Provider,
		&sessionID,
		&cacheHit,
		&cacheSavedMS,
		&metadata,
		&steps,
	); err != nil {
		return nil, err
	}

	if createdAtText.Valid {
		parsed, err := parseSQLiteTimestamp(createdAtText.String)
		if err != nil {
			return nil, fmt.Errorf("parse created_at %q: %w", createdAtText.String, err)
		}
		item.CreatedAt = parsed
	}
	if sessionID.Valid {
		item.SessionID = sessionID.String
	}
	item.Mock = mock.Valid && mock.Int64 != 0
	item.CacheHit = cacheHit.Valid && cacheHit.Int64 != 0
	if cacheSavedMS.Valid {
		item.CacheSavedMS = cacheSavedMS.Int64
	}
	if metadata.Valid {
		item.Metadata = DecodeMetadataMap(metadata.String)
	}
	if steps.Valid {
		item.Steps = decodeSteps(steps.String)
	}

	return &item, nil
}

func parseSQLiteTimestamp(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	withTZLayouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05-07:00",
		"2006-01-02 15:04:05 -0700 MST",
	}
	for _, layout := range withTZLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}

	withoutTZLayouts := []string{
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	}
	for _, layout := range withoutTZLayouts {
		if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return parsed.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unsupported sqlite datetime format")
}

func (s *SQLiteStore) configure() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("enable sqlite WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("set sqlite synchronous mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return fmt.Errorf("set sqlite busy timeout: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ensureSchema() error {
	if err := migrations.Apply(context.Background(), s.db, migrations.DriverSQLite); err != nil {
		return fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return nil
}

// normalizeTrace stamps defaults before a write. CreatedAt is truncated to
// second precision so ordering and export timestamps are stable across the
// sqlite and postgres backends.
func normalizeTrace(in *Trace) (*Trace, error) {
	if strings.TrimSpace(in.TraceID) == "" {
		return nil, fmt.Errorf("%w: empty trace_id", ErrInvalidTrace)
	}

	row := *in
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	row.CreatedAt = row.CreatedAt.UTC().Truncate(time.Second)
	row.MessagePreview = Preview(row.MessagePreview)
	if row.Provider == "" {
		row.Provider = "unknown"
	}

	return &row, nil
}
