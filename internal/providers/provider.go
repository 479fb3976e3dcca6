// Package providers holds the model backends the chat pipeline can call.
package providers

import (
	"context"
	"errors"
)

// ErrProvider marks failures originating in a model backend so the HTTP
// layer can map them to an upstream error status.
var ErrProvider = errors.New("model provider error")

// Result is one completed model call.
type Result struct {
	Text         string
	LatencyMS    int64
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// Backend generates model responses. GenerateStream delivers the response
// as ordered text fragments through fn; a non-nil error from fn aborts the
// stream.
type Backend interface {
	Name() string
	Generate(ctx context.Context, prompt string) (*Result, error)
	GenerateStream(ctx context.Context, prompt string, fn func(chunk string) error) error
}
