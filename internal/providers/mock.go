package providers

import (
	"context"
	"strings"
	"time"
)

// MockBackend returns a deterministic reply derived from the input so
// demos are stable and tests never need network access.
type MockBackend struct{}

func (MockBackend) Name() string {
	return "mock"
}

// MockReply is a pure function of the trimmed input.
func MockReply(message string) string {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return "Please send a message."
	}
	return "✅ [MOCK MODE]\n\n" +
		"You said: " + trimmed + "\n\n" +
		"This is a placeholder response. Once the LLM provider is wired, " +
		"this will contain the real model output."
}

func (MockBackend) Generate(ctx context.Context, prompt string) (*Result, error) {
	start := time.Now()
	text := MockReply(prompt)
	return &Result{
		Text:      text,
		LatencyMS: time.Since(start).Milliseconds(),
		Model:     "mock",
	}, nil
}

func (MockBackend) GenerateStream(ctx context.Context, prompt string, fn func(chunk string) error) error {
	for _, word := range strings.Fields(MockReply(prompt)) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(word + " "); err != nil {
			return err
		}
	}
	return nil
}
