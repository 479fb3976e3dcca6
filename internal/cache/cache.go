// Package cache provides an exact-match semantic cache for model responses,
// keyed by a content hash of the prompt.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("cache entry not found")

// Entry is a cached model response. GenerationMS records how long the
// original model call took; a later hit reports it as time saved.
type Entry struct {
	PromptHash   string         `json:"prompt_hash"`
	Prompt       string         `json:"prompt"`
	ResponseText string         `json:"response_text"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	GenerationMS int64          `json:"generation_ms"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Store is the semantic cache contract. Get returns ErrNotFound on a miss;
// Set upserts by prompt hash so a replayed prompt refreshes the stored
// response instead of failing.
type Store interface {
	Get(ctx context.Context, prompt string) (*Entry, error)
	Set(ctx context.Context, entry *Entry) error
	Close() error
}

// HashPrompt returns the hex sha256 of the whitespace-trimmed prompt.
// Leading and trailing whitespace never changes cache identity.
func HashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(prompt)))
	return hex.EncodeToString(sum[:])
}
