package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flightdeck-ai/flightdeck/internal/cache"
	"github.com/flightdeck-ai/flightdeck/internal/providers"
	"github.com/flightdeck-ai/flightdeck/internal/trace"
)

type fakeBackend struct {
	mu        sync.Mutex
	calls     int
	text      string
	latencyMS int64
	costUSD   float64
	err       error
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Generate(ctx context.Context, prompt string) (*providers.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.err != nil {
		return nil, b.err
	}
	return &providers.Result{
		Text:      b.text,
		LatencyMS: b.latencyMS,
		Model:     "fake-model",
		CostUSD:   b.costUSD,
	}, nil
}

func (b *fakeBackend) GenerateStream(ctx context.Context, prompt string, fn func(chunk string) error) error {
	b.mu.Lock()
	b.calls++
	err := b.err
	text := b.text
	b.mu.Unlock()
	if err != nil {
		return err
	}
	for _, word := range strings.Fields(text) {
		if err := fn(word + " "); err != nil {
			return err
		}
	}
	return nil
}

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type memCache struct {
	mu      sync.Mutex
	entries map[string]*cache.Entry
	getErr  error
	setDone chan struct{}
}

func newMemCache() *memCache {
	return &memCache{
		entries: map[string]*cache.Entry{},
		setDone: make(chan struct{}, 16),
	}
}

func (c *memCache) Get(ctx context.Context, prompt string) (*cache.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, c.getErr
	}
	entry, ok := c.entries[cache.HashPrompt(prompt)]
	if !ok {
		return nil, cache.ErrNotFound
	}
	return entry, nil
}

func (c *memCache) Set(ctx context.Context, entry *cache.Entry) error {
	c.mu.Lock()
	hash := entry.PromptHash
	if hash == "" {
		hash = cache.HashPrompt(entry.Prompt)
	}
	stored := *entry
	stored.PromptHash = hash
	c.entries[hash] = &stored
	c.mu.Unlock()
	c.setDone <- struct{}{}
	return nil
}

func (c *memCache) Close() error { return nil }

func (c *memCache) waitForSet(t *testing.T) {
	t.Helper()
	select {
	case <-c.setDone:
	case <-time.After(2 * time.Second):
		t.Fatal("cache Set was not called")
	}
}

type memTraceStore struct {
	mu     sync.Mutex
	traces []*trace.Trace
}

func (s *memTraceStore) Upsert(ctx context.Context, t *trace.Trace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces = append(s.traces, t)
	return nil
}

func (s *memTraceStore) UpsertBatch(ctx context.Context, items []*trace.Trace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces = append(s.traces, items...)
	return nil
}

func (s *memTraceStore) Get(ctx context.Context, id string) (*trace.Trace, error) {
	return nil, trace.ErrNotFound
}

func (s *memTraceStore) List(ctx context.Context, f trace.Filter) (*trace.Result, error) {
	return &trace.Result{}, nil
}

func (s *memTraceStore) Stats(ctx context.Context) (*trace.Stats, error) {
	return &trace.Stats{}, nil
}

func (s *memTraceStore) DeleteAll(ctx context.Context) (int64, error) { return 0, nil }

func (s *memTraceStore) Close() error { return nil }

func (s *memTraceStore) all() []*trace.Trace {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*trace.Trace, len(s.traces))
	copy(out, s.traces)
	return out
}

type fixture struct {
	pipeline *Pipeline
	backend  *fakeBackend
	cache    *memCache
	store    *memTraceStore
	writer   *trace.Writer
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	backend := &fakeBackend{text: "model says hi", latencyMS: 500, costUSD: 0.002}
	cacheStore := newMemCache()
	store := &memTraceStore{}
	writer := trace.NewWriter(store, 32)
	writer.Start(context.Background())
	t.Cleanup(func() {
		_ = writer.Shutdown(context.Background())
	})

	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	return &fixture{
		pipeline: New(backend, cacheStore, writer, logger, opts),
		backend:  backend,
		cache:    cacheStore,
		store:    store,
		writer:   writer,
	}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSpace(string(p)))
	return len(p), nil
}

func (f *fixture) drainedTraces(t *testing.T) []*trace.Trace {
	t.Helper()
	if err := f.writer.Shutdown(context.Background()); err != nil {
		t.Fatalf("writer shutdown: %v", err)
	}
	return f.store.all()
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{Mock: true})
	_, err := f.pipeline.Chat(context.Background(), Request{Message: "   \n "})
	if !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("Chat() error=%v, want ErrEmptyMessage", err)
	}

	if traces := f.drainedTraces(t); len(traces) != 0 {
		t.Fatalf("rejected request produced %d traces, want 0", len(traces))
	}
}

func TestChatMockMode(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{Mock: true})
	result, err := f.pipeline.Chat(context.Background(), Request{Message: "hello", SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if !result.Mock {
		t.Fatal("result.Mock=false, want true")
	}
	if !strings.HasPrefix(result.TraceID, "trace_") {
		t.Fatalf("trace_id=%q, want trace_ prefix", result.TraceID)
	}
	if result.Reply != "model says hi" {
		t.Fatalf("reply=%q, want backend text", result.Reply)
	}

	traces := f.drainedTraces(t)
	if len(traces) != 1 {
		t.Fatalf("recorded %d traces, want 1", len(traces))
	}
	recorded := traces[0]
	if !recorded.Mock || recorded.Provider != "fake" || recorded.SessionID != "sess-1" {
		t.Fatalf("trace=%+v, want mock fake sess-1", recorded)
	}
	if recorded.CacheHit {
		t.Fatal("mock trace marked cache_hit")
	}

	// Mock mode never consults the cache.
	f.cache.mu.Lock()
	defer f.cache.mu.Unlock()
	if len(f.cache.entries) != 0 {
		t.Fatalf("mock mode wrote %d cache entries, want 0", len(f.cache.entries))
	}
}

func TestChatLiveMissCallsModelAndCaches(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	result, err := f.pipeline.Chat(context.Background(), Request{Message: "what is up"})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if result.Reply != "model says hi" {
		t.Fatalf("reply=%q, want model text", result.Reply)
	}
	if f.backend.callCount() != 1 {
		t.Fatalf("model called %d times, want 1", f.backend.callCount())
	}

	f.cache.waitForSet(t)
	entry, err := f.cache.Get(context.Background(), "what is up")
	if err != nil {
		t.Fatalf("cache entry missing after miss: %v", err)
	}
	if entry.ResponseText != "model says hi" || entry.GenerationMS != 500 {
		t.Fatalf("cached entry=%q/%d, want model text/500", entry.ResponseText, entry.GenerationMS)
	}

	traces := f.drainedTraces(t)
	if len(traces) != 1 {
		t.Fatalf("recorded %d traces, want 1", len(traces))
	}
	recorded := traces[0]
	if recorded.CacheHit || recorded.CacheSavedMS != 0 {
		t.Fatalf("miss trace cache fields=%v/%d, want false/0", recorded.CacheHit, recorded.CacheSavedMS)
	}
	if recorded.CostUSD != 0.002 {
		t.Fatalf("cost=%v, want provider estimate", recorded.CostUSD)
	}
	wantSteps := []string{"validate", "cache", "model"}
	if len(recorded.Steps) != len(wantSteps) {
		t.Fatalf("steps=%v, want %v", recorded.Steps, wantSteps)
	}
	for i, step := range recorded.Steps {
		if step.Name != wantSteps[i] {
			t.Fatalf("step %d=%q, want %q", i, step.Name, wantSteps[i])
		}
	}
	if recorded.Steps[1].Status != "miss" {
		t.Fatalf("cache step status=%q, want miss", recorded.Steps[1].Status)
	}
}

func TestChatLiveHitSkipsModel(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	if err := f.cache.Set(context.Background(), &cache.Entry{
		Prompt:       "cached question",
		ResponseText: "cached answer",
		GenerationMS: 1234,
	}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	<-f.cache.setDone

	result, err := f.pipeline.Chat(context.Background(), Request{Message: " cached question "})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if result.Reply != "cached answer" {
		t.Fatalf("reply=%q, want cached answer", result.Reply)
	}
	if f.backend.callCount() != 0 {
		t.Fatalf("model called %d times on cache hit, want 0", f.backend.callCount())
	}

	traces := f.drainedTraces(t)
	if len(traces) != 1 {
		t.Fatalf("recorded %d traces, want 1", len(traces))
	}
	recorded := traces[0]
	if !recorded.CacheHit {
		t.Fatal("hit trace cache_hit=false, want true")
	}
	if recorded.CacheSavedMS != 1234 {
		t.Fatalf("cache_saved_ms=%d, want original generation latency 1234", recorded.CacheSavedMS)
	}
	if recorded.CostUSD != 0 {
		t.Fatalf("cost=%v on cache hit, want 0", recorded.CostUSD)
	}
}

func TestChatProviderFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.backend.err = providers.ErrProvider

	_, err := f.pipeline.Chat(context.Background(), Request{Message: "boom"})
	if !errors.Is(err, providers.ErrProvider) {
		t.Fatalf("Chat() error=%v, want ErrProvider", err)
	}

	if traces := f.drainedTraces(t); len(traces) != 0 {
		t.Fatalf("failed request produced %d traces, want 0", len(traces))
	}
}

func TestChatCacheFaultDegradesToMiss(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.cache.getErr = errors.New("cache backend down")

	result, err := f.pipeline.Chat(context.Background(), Request{Message: "resilient"})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if result.Reply != "model says hi" {
		t.Fatalf("reply=%q, want model text despite cache fault", result.Reply)
	}
	if f.backend.callCount() != 1 {
		t.Fatalf("model called %d times, want 1", f.backend.callCount())
	}
}

func TestChatStreamDeliversOrderedFragments(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{Mock: true})

	var chunks []string
	result, err := f.pipeline.ChatStream(context.Background(), Request{Message: "stream me", TraceID: "trace_fixed"}, func(chunk string) error {
		chunks = append(chunks, chunk)
		return nil
	})
	if err != nil {
		t.Fatalf("ChatStream() error: %v", err)
	}
	if result.TraceID != "trace_fixed" {
		t.Fatalf("trace_id=%q, want caller-provided id", result.TraceID)
	}
	if len(chunks) == 0 {
		t.Fatal("no fragments delivered")
	}
	if strings.Join(chunks, "") != result.Reply {
		t.Fatalf("fragments=%q, want concatenation %q", strings.Join(chunks, ""), result.Reply)
	}

	traces := f.drainedTraces(t)
	if len(traces) != 1 || traces[0].TraceID != "trace_fixed" {
		t.Fatalf("traces=%v, want single trace_fixed", traces)
	}
}

func TestChatStreamHitServesCachedText(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	if err := f.cache.Set(context.Background(), &cache.Entry{
		Prompt:       "streamed before",
		ResponseText: "whole cached reply",
		GenerationMS: 700,
	}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	<-f.cache.setDone

	var chunks []string
	_, err := f.pipeline.ChatStream(context.Background(), Request{Message: "streamed before"}, func(chunk string) error {
		chunks = append(chunks, chunk)
		return nil
	})
	if err != nil {
		t.Fatalf("ChatStream() error: %v", err)
	}
	if len(chunks) != 1 || chunks[0] != "whole cached reply" {
		t.Fatalf("chunks=%v, want single cached fragment", chunks)
	}
	if f.backend.callCount() != 0 {
		t.Fatalf("model called %d times on stream hit, want 0", f.backend.callCount())
	}
}

func TestChatStreamProviderFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.backend.err = errors.New("upstream reset")

	_, err := f.pipeline.ChatStream(context.Background(), Request{Message: "boom"}, func(string) error { return nil })
	if !errors.Is(err, providers.ErrProvider) {
		t.Fatalf("ChatStream() error=%v, want wrapped ErrProvider", err)
	}

	if traces := f.drainedTraces(t); len(traces) != 0 {
		t.Fatalf("failed stream produced %d traces, want 0", len(traces))
	}
}
