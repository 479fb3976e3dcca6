package cache

import (
	"context"
	"database/sql"
	"encoding/json"
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
	// Single-writer discipline matches the trace store; cache writes are
	// fire-and-forget so contention here must not stall the request path.
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
	if err := migrations.Apply(context.Background(), db, migrations.DriverSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, prompt string) (*Entry, error) {
	hash := HashPrompt(prompt)
	row := s.db.QueryRowContext(ctx, `
SELECT prompt_hash, prompt, response_text, metadata, generation_ms, CAST(created_at AS TEXT)
FROM semantic_cache
WHERE prompt_hash = ?
LIMIT 1`, hash)

	var (
		entry         Entry
		metadata      sql.NullString
		createdAtText sql.NullString
	)
	if err := row.Scan(&entry.PromptHash, &entry.Prompt, &entry.ResponseText, &metadata, &entry.GenerationMS, &createdAtText); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get cache entry %q: %w", hash, err)
	}

	if metadata.Valid && strings.TrimSpace(metadata.String) != "" {
		decoded := make(map[string]any)
		if err := json.Unmarshal([]byte(metadata.String), &decoded); err == nil {
			entry.Metadata = decoded
		}
	}
	if createdAtText.Valid {
		parsed, err := parseTimestamp(createdAtText.String)
		if err != nil {
			return nil, fmt.Errorf("parse cache created_at %q: %w", createdAtText.String, err)
		}
		entry.CreatedAt = parsed
	}

	return &entry, nil
}

func (s *SQLiteStore) Set(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return nil
	}
	row := normalizeEntry(entry)

	metadata := ""
	if len(row.Metadata) > 0 {
		encoded, err := json.Marshal(row.Metadata)
		if err != nil {
			return fmt.Errorf("encode cache metadata: %w", err)
		}
		metadata = string(encoded)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
INSERT INTO semantic_cache (prompt_hash, prompt, response_text, metadata, generation_ms, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(prompt_hash) DO UPDATE SET
    prompt = excluded.prompt,
    response_text = excluded.response_text,
    metadata = excluded.metadata,
    generation_ms = excluded.generation_ms,
    created_at = excluded.created_at`,
		row.PromptHash, row.Prompt, row.ResponseText, metadata, row.GenerationMS, row.CreatedAt)
	if err != nil {
		return fmt.Errorf("set cache entry %q: %w", row.PromptHash, err)
	}
	return nil
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

func normalizeEntry(in *Entry) *Entry {
	row := *in
	if row.PromptHash == "" {
		row.PromptHash = HashPrompt(row.Prompt)
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	row.CreatedAt = row.CreatedAt.UTC().Truncate(time.Second)
	return &row
}

func parseTimestamp(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05-07:00",
		"2006-01-02 15:04:05 -0700 MST",
	}
	for _, layout := range layouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}
	for _, layout := range []string{"2006-01-02 15:04:05.999999999", "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported sqlite datetime format")
}
