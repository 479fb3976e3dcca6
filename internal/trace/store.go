package trace

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("trace store record not found")
var ErrInvalidTrace = errors.New("trace is invalid")

// Store persists request traces and answers the dashboard queries.
//
// Upsert is idempotent on TraceID: replaying the same record replaces the
// stored row instead of failing on the unique key.
type Store interface {
	Upsert(ctx context.Context, trace *Trace) error
	UpsertBatch(ctx context.Context, traces []*Trace) error
	Get(ctx context.Context, traceID string) (*Trace, error)
	List(ctx context.Context, filter Filter) (*Result, error)
	Stats(ctx context.Context) (*Stats, error)
	DeleteAll(ctx context.Context) (int64, error)
	Close() error
}

// Filter selects traces for List. Page is 1-based; zero values mean
// "no filter" for the equality fields.
type Filter struct {
	Provider  string
	SessionID string
	Mock      *bool
	Page      int
	Limit     int
}

type Result struct {
	Items []*Trace
	Page  int
	Limit int
}

// Stats aggregates the reporting fields across all stored traces.
type Stats struct {
	TotalRequests    int64   `json:"total_requests"`
	TotalCacheHits   int64   `json:"total_cache_hits"`
	TotalCacheMisses int64   `json:"total_cache_misses"`
	CacheHitRate     float64 `json:"cache_hit_rate"`
	AvgLatencyMS     float64 `json:"avg_latency_ms"`
	TotalTimeSavedMS int64   `json:"total_time_saved_ms"`
}
