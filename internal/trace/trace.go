package trace

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// PreviewMaxLen bounds message_preview so list and export payloads stay small.
const PreviewMaxLen = 200

type Step struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
}

type Trace struct {
	TraceID        string         `json:"trace_id"`
	CreatedAt      time.Time      `json:"created_at"`
	MessagePreview string         `json:"message_preview"`
	LatencyMS      int64          `json:"latency_ms"`
	CostUSD        float64        `json:"cost_usd"`
	Mock           bool           `json:"mock"`
	Provider       string         `json:"provider"`
	SessionID      string         `json:"session_id,omitempty"`
	CacheHit       bool           `json:"cache_hit"`
	CacheSavedMS   int64          `json:"cache_saved_ms"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Steps          []Step         `json:"steps,omitempty"`
}

// NewID returns a fresh trace identifier.
func NewID() string {
	return "trace_" + uuid.NewString()
}

// Preview truncates a message to the stored preview length.
func Preview(message string) string {
	trimmed := strings.TrimSpace(message)
	runes := []rune(trimmed)
	if len(runes) <= PreviewMaxLen {
		return trimmed
	}
	return string(runes[:PreviewMaxLen])
}
