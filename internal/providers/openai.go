package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

type OpenAIBackend struct {
	client *openai.Client
	model  string
}

// NewOpenAIBackend builds the live backend. A non-nil httpClient carries the
// caller's transport, so outbound calls share its instrumentation.
func NewOpenAIBackend(apiKey, model string, httpClient *http.Client) *OpenAIBackend {
	cfg := openai.DefaultConfig(apiKey)
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return NewOpenAIBackendWithConfig(cfg, model)
}

// NewOpenAIBackendWithConfig accepts a full client config, mainly so tests
// can point the client at a stub server.
func NewOpenAIBackendWithConfig(cfg openai.ClientConfig, model string) *OpenAIBackend {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIBackend{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

func (b *OpenAIBackend) Name() string {
	return "openai"
}

func (b *OpenAIBackend) Generate(ctx context.Context, prompt string) (*Result, error) {
	start := time.Now()
	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: b.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: openai completion: %w", ErrProvider, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: openai completion returned no choices", ErrProvider)
	}

	model := resp.Model
	if model == "" {
		model = b.model
	}
	return &Result{
		Text:         resp.Choices[0].Message.Content,
		LatencyMS:    time.Since(start).Milliseconds(),
		Model:        model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		CostUSD:      EstimateCost(model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
	}, nil
}

func (b *OpenAIBackend) GenerateStream(ctx context.Context, prompt string, fn func(chunk string) error) error {
	stream, err := b.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model: b.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Stream: true,
	})
	if err != nil {
		return fmt.Errorf("%w: openai stream: %w", ErrProvider, err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: openai stream recv: %w", ErrProvider, err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			if err := fn(delta); err != nil {
				return err
			}
		}
	}
}

// EstimateCost converts usage into an approximate USD spend. Unknown
// models cost zero rather than guessing a rate.
func EstimateCost(model string, inputTokens, outputTokens int) float64 {
	pricing := map[string]struct {
		inputPer1K  float64
		outputPer1K float64
	}{
		"gpt-4o":      {inputPer1K: 0.005, outputPer1K: 0.015},
		"gpt-4o-mini": {inputPer1K: 0.00015, outputPer1K: 0.0006},
	}

	rates, ok := pricing[model]
	if !ok {
		return 0
	}

	return (float64(inputTokens)/1000)*rates.inputPer1K + (float64(outputTokens)/1000)*rates.outputPer1K
}
