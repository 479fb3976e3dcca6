// Package pipeline orchestrates one chat request: validation, mock
// short-circuit or cache-then-model, and fire-and-forget trace recording.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/flightdeck-ai/flightdeck/internal/cache"
	"github.com/flightdeck-ai/flightdeck/internal/providers"
	"github.com/flightdeck-ai/flightdeck/internal/trace"
)

// ErrEmptyMessage rejects requests whose message is empty or whitespace.
var ErrEmptyMessage = errors.New("message is required")

const cacheSetTimeout = 5 * time.Second

type Request struct {
	Message   string
	SessionID string
	Metadata  map[string]any
	// TraceID is optional; the HTTP layer pre-generates it for streaming
	// responses so the header can be sent before the body.
	TraceID string
}

type ChatResult struct {
	TraceID   string `json:"trace_id"`
	Reply     string `json:"reply"`
	Mock      bool   `json:"mock"`
	LatencyMS int64  `json:"latency_ms"`
}

// Metrics holds optional counter callbacks observed at pipeline decision
// points.
type Metrics struct {
	OnCacheHit  func()
	OnCacheMiss func()
	OnTraceDrop func()
}

type Pipeline struct {
	backend providers.Backend
	cache   cache.Store
	writer  *trace.Writer
	logger  *slog.Logger
	mock    bool
	timeout time.Duration
	metrics Metrics
	nowFn   func() time.Time
}

type Options struct {
	// Mock short-circuits the live path entirely; the cache is never
	// consulted and every reply is a pure function of the input.
	Mock    bool
	Timeout time.Duration
	Metrics Metrics
}

func New(backend providers.Backend, cacheStore cache.Store, writer *trace.Writer, logger *slog.Logger, opts Options) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Pipeline{
		backend: backend,
		cache:   cacheStore,
		writer:  writer,
		logger:  logger,
		mock:    opts.Mock,
		timeout: timeout,
		metrics: opts.Metrics,
		nowFn:   time.Now,
	}
}

// Chat runs the non-streaming request path.
func (p *Pipeline) Chat(ctx context.Context, req Request) (*ChatResult, error) {
	start := p.nowFn()
	trimmed := strings.TrimSpace(req.Message)
	if trimmed == "" {
		return nil, ErrEmptyMessage
	}

	traceID := req.TraceID
	if traceID == "" {
		traceID = trace.NewID()
	}

	steps := []trace.Step{{Name: "validate", Status: "ok"}}
	var (
		reply        string
		costUSD      float64
		cacheHit     bool
		cacheSavedMS int64
	)

	if p.mock {
		result, err := p.backend.Generate(ctx, trimmed)
		if err != nil {
			return nil, err
		}
		reply = result.Text
		steps = append(steps, trace.Step{Name: "mock", Status: "ok", LatencyMS: result.LatencyMS})
	} else {
		entry := p.cacheGet(ctx, trimmed, traceID)
		if entry != nil {
			reply = entry.ResponseText
			cacheHit = true
			cacheSavedMS = entry.GenerationMS
			steps = append(steps, trace.Step{Name: "cache", Status: "hit"})
			if p.metrics.OnCacheHit != nil {
				p.metrics.OnCacheHit()
			}
			p.logger.Info("reply served from semantic cache", "trace_id", traceID)
		} else {
			steps = append(steps, trace.Step{Name: "cache", Status: "miss"})
			if p.metrics.OnCacheMiss != nil {
				p.metrics.OnCacheMiss()
			}

			result, err := p.generate(ctx, trimmed)
			if err != nil {
				return nil, err
			}
			reply = result.Text
			costUSD = result.CostUSD
			steps = append(steps, trace.Step{Name: "model", Status: "ok", LatencyMS: result.LatencyMS})

			p.cacheSet(trimmed, result, traceID)
		}
	}

	latencyMS := time.Since(start).Milliseconds()
	p.record(&trace.Trace{
		TraceID:        traceID,
		MessagePreview: trimmed,
		LatencyMS:      latencyMS,
		CostUSD:        costUSD,
		Mock:           p.mock,
		Provider:       p.backend.Name(),
		SessionID:      req.SessionID,
		CacheHit:       cacheHit,
		CacheSavedMS:   cacheSavedMS,
		Metadata:       req.Metadata,
		Steps:          steps,
	})

	return &ChatResult{
		TraceID:   traceID,
		Reply:     reply,
		Mock:      p.mock,
		LatencyMS: latencyMS,
	}, nil
}

// ChatStream runs the streaming path, delivering ordered fragments to fn.
// The caller owns terminal markers; a returned error means the stream ended
// without completing and no trace was recorded.
func (p *Pipeline) ChatStream(ctx context.Context, req Request, fn func(chunk string) error) (*ChatResult, error) {
	start := p.nowFn()
	trimmed := strings.TrimSpace(req.Message)
	if trimmed == "" {
		return nil, ErrEmptyMessage
	}

	traceID := req.TraceID
	if traceID == "" {
		traceID = trace.NewID()
	}

	steps := []trace.Step{{Name: "validate", Status: "ok"}}
	var (
		full         strings.Builder
		costUSD      float64
		cacheHit     bool
		cacheSavedMS int64
	)
	sink := func(chunk string) error {
		full.WriteString(chunk)
		return fn(chunk)
	}

	switch {
	case p.mock:
		if err := p.backend.GenerateStream(ctx, trimmed, sink); err != nil {
			return nil, err
		}
		steps = append(steps, trace.Step{Name: "mock", Status: "ok"})
	default:
		if entry := p.cacheGet(ctx, trimmed, traceID); entry != nil {
			cacheHit = true
			cacheSavedMS = entry.GenerationMS
			steps = append(steps, trace.Step{Name: "cache", Status: "hit"})
			if p.metrics.OnCacheHit != nil {
				p.metrics.OnCacheHit()
			}
			if err := sink(entry.ResponseText); err != nil {
				return nil, err
			}
		} else {
			steps = append(steps, trace.Step{Name: "cache", Status: "miss"})
			if p.metrics.OnCacheMiss != nil {
				p.metrics.OnCacheMiss()
			}

			streamCtx, cancel := context.WithTimeout(ctx, p.timeout)
			modelStart := p.nowFn()
			err := p.backend.GenerateStream(streamCtx, trimmed, sink)
			cancel()
			if err != nil {
				if !errors.Is(err, providers.ErrProvider) {
					err = fmt.Errorf("%w: %w", providers.ErrProvider, err)
				}
				return nil, err
			}
			modelLatency := time.Since(modelStart).Milliseconds()
			steps = append(steps, trace.Step{Name: "model", Status: "ok", LatencyMS: modelLatency})

			p.cacheSet(trimmed, &providers.Result{
				Text:      full.String(),
				LatencyMS: modelLatency,
				Model:     p.backend.Name(),
			}, traceID)
		}
	}

	latencyMS := time.Since(start).Milliseconds()
	p.record(&trace.Trace{
		TraceID:        traceID,
		MessagePreview: trimmed,
		LatencyMS:      latencyMS,
		CostUSD:        costUSD,
		Mock:           p.mock,
		Provider:       p.backend.Name(),
		SessionID:      req.SessionID,
		CacheHit:       cacheHit,
		CacheSavedMS:   cacheSavedMS,
		Metadata:       req.Metadata,
		Steps:          steps,
	})

	return &ChatResult{
		TraceID:   traceID,
		Reply:     full.String(),
		Mock:      p.mock,
		LatencyMS: latencyMS,
	}, nil
}

func (p *Pipeline) generate(ctx context.Context, prompt string) (*providers.Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	result, err := p.backend.Generate(callCtx, prompt)
	if err != nil {
		if !errors.Is(err, providers.ErrProvider) {
			err = fmt.Errorf("%w: %w", providers.ErrProvider, err)
		}
		return nil, err
	}
	return result, nil
}

// cacheGet degrades every cache fault to a miss; the request path never
// fails because the cache backend is down.
func (p *Pipeline) cacheGet(ctx context.Context, prompt, traceID string) *cache.Entry {
	if p.cache == nil {
		return nil
	}
	entry, err := p.cache.Get(ctx, prompt)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			p.logger.Warn("semantic cache lookup failed", "trace_id", traceID, "error", err)
		}
		return nil
	}
	return entry
}

// cacheSet is fire-and-forget; a failed write is logged and forgotten.
func (p *Pipeline) cacheSet(prompt string, result *providers.Result, traceID string) {
	if p.cache == nil {
		return
	}
	entry := &cache.Entry{
		Prompt:       prompt,
		ResponseText: result.Text,
		Metadata:     map[string]any{"provider": p.backend.Name(), "model": result.Model},
		GenerationMS: result.LatencyMS,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cacheSetTimeout)
		defer cancel()
		if err := p.cache.Set(ctx, entry); err != nil {
			p.logger.Warn("semantic cache write failed", "trace_id", traceID, "error", err)
		}
	}()
}

func (p *Pipeline) record(t *trace.Trace) {
	if p.writer == nil {
		return
	}
	if !p.writer.Enqueue(t) {
		p.logger.Warn("trace dropped, write queue full", "trace_id", t.TraceID)
		if p.metrics.OnTraceDrop != nil {
			p.metrics.OnTraceDrop()
		}
	}
}
