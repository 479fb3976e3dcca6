package trace

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

var sampleBase = time.Date(2025, time.March, 14, 9, 26, 53, 0, time.UTC)

type sampleSeed struct {
	preview      string
	latencyMS    int64
	costUSD      float64
	mock         bool
	provider     string
	sessionID    string
	cacheHit     bool
	cacheSavedMS int64
}

var sampleSeeds = []sampleSeed{
	{preview: "Summarize our Q3 incident review in three bullets", latencyMS: 1240, costUSD: 0.0031, provider: "openai", sessionID: "sess-demo-1"},
	{preview: "Summarize our Q3 incident review in three bullets", latencyMS: 4, provider: "openai", sessionID: "sess-demo-1", cacheHit: true, cacheSavedMS: 1240},
	{preview: "What does a 429 response from the chat endpoint mean?", latencyMS: 980, costUSD: 0.0019, provider: "openai", sessionID: "sess-demo-2"},
	{preview: "Draft a friendly reminder email about expiring API keys", latencyMS: 2105, costUSD: 0.0042, provider: "openai", sessionID: "sess-demo-2"},
	{preview: "hello", latencyMS: 2, mock: true, provider: "mock", sessionID: "sess-demo-3"},
	{preview: "Explain the sliding window rate limiter to a new teammate", latencyMS: 1675, costUSD: 0.0036, provider: "openai", sessionID: "sess-demo-3"},
	{preview: "Explain the sliding window rate limiter to a new teammate", latencyMS: 3, provider: "openai", sessionID: "sess-demo-1", cacheHit: true, cacheSavedMS: 1675},
	{preview: "List five follow-up questions for the latency regression", latencyMS: 1432, costUSD: 0.0027, provider: "openai", sessionID: "sess-demo-2"},
}

// SampleTraces returns a deterministic fallback dataset served when the
// store is unreachable, so the dashboard still renders something useful.
// IDs are name-based UUIDs so repeated calls agree.
func SampleTraces() []*Trace {
	items := make([]*Trace, 0, len(sampleSeeds))
	for i, seed := range sampleSeeds {
		id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("flightdeck-sample-%d", i)))
		steps := []Step{
			{Name: "validate", Status: "ok", LatencyMS: 0},
		}
		if seed.cacheHit {
			steps = append(steps, Step{Name: "cache", Status: "hit", LatencyMS: 0})
		} else if !seed.mock {
			steps = append(steps,
				Step{Name: "cache", Status: "miss", LatencyMS: 0},
				Step{Name: "model", Status: "ok", LatencyMS: seed.latencyMS},
			)
		} else {
			steps = append(steps, Step{Name: "mock", Status: "ok", LatencyMS: seed.latencyMS})
		}
		items = append(items, &Trace{
			TraceID:        "trace_" + id.String(),
			CreatedAt:      sampleBase.Add(-time.Duration(len(sampleSeeds)-i) * time.Minute),
			MessagePreview: seed.preview,
			LatencyMS:      seed.latencyMS,
			CostUSD:        seed.costUSD,
			Mock:           seed.mock,
			Provider:       seed.provider,
			SessionID:      seed.sessionID,
			CacheHit:       seed.cacheHit,
			CacheSavedMS:   seed.cacheSavedMS,
			Steps:          steps,
		})
	}
	// Newest first, matching store ordering.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items
}

// SampleStats aggregates the sample dataset with the same formulas the
// stores use.
func SampleStats() *Stats {
	items := SampleTraces()
	stats := &Stats{TotalRequests: int64(len(items))}
	var latencySum int64
	for _, item := range items {
		if item.CacheHit {
			stats.TotalCacheHits++
		}
		latencySum += item.LatencyMS
		stats.TotalTimeSavedMS += item.CacheSavedMS
	}
	if stats.TotalRequests > 0 {
		stats.AvgLatencyMS = float64(latencySum) / float64(stats.TotalRequests)
	}
	finishStats(stats)
	return stats
}

// FilterSample applies List filter semantics to the sample dataset.
func FilterSample(filter Filter) *Result {
	page, limit := normalizePage(filter)
	matched := make([]*Trace, 0)
	for _, item := range SampleTraces() {
		if filter.Provider != "" && item.Provider != filter.Provider {
			continue
		}
		if filter.SessionID != "" && item.SessionID != filter.SessionID {
			continue
		}
		if filter.Mock != nil && item.Mock != *filter.Mock {
			continue
		}
		matched = append(matched, item)
	}

	start := (page - 1) * limit
	if start > len(matched) {
		start = len(matched)
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}

	return &Result{Items: matched[start:end], Page: page, Limit: limit}
}
