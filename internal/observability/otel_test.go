package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNormalizeOTLPEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		raw          string
		wantEndpoint string
		wantInsecure bool
		wantErr      bool
	}{
		{name: "bare host port", raw: "collector:4318", wantEndpoint: "collector:4318"},
		{name: "http url", raw: "http://collector:4318", wantEndpoint: "collector:4318", wantInsecure: true},
		{name: "https url", raw: "https://collector:4318", wantEndpoint: "collector:4318"},
		{name: "whitespace trimmed", raw: "  collector:4318  ", wantEndpoint: "collector:4318"},
		{name: "empty", raw: "   ", wantErr: true},
		{name: "missing host", raw: "http://", wantErr: true},
		{name: "unsupported scheme", raw: "grpc://collector:4317", wantErr: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			endpoint, insecure, err := normalizeOTLPEndpoint(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("normalizeOTLPEndpoint(%q) error=nil, want error", tc.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalizeOTLPEndpoint(%q) error: %v", tc.raw, err)
			}
			if endpoint != tc.wantEndpoint || insecure != tc.wantInsecure {
				t.Fatalf("normalizeOTLPEndpoint(%q)=%q/%v, want %q/%v",
					tc.raw, endpoint, insecure, tc.wantEndpoint, tc.wantInsecure)
			}
		})
	}
}

func TestRoutePatternForPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		want string
	}{
		{path: "/chat", want: "/chat"},
		{path: "/traces", want: "/traces"},
		{path: "/traces/trace_abc123", want: "/traces/{id}"},
		{path: "/stats", want: "/stats"},
		{path: "/export", want: "/export"},
		{path: "/api/health", want: "/api/*"},
		{path: "/api/admin/traces", want: "/api/*"},
		{path: "/apiful", want: "/other"},
		{path: "/", want: "/other"},
	}

	for _, tc := range tests {
		if got := routePatternForPath(tc.path); got != tc.want {
			t.Errorf("routePatternForPath(%q)=%q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestSpanNames(t *testing.T) {
	t.Parallel()

	if got := serverSpanName("POST", "/chat"); got != "POST /chat" {
		t.Fatalf("serverSpanName=%q, want POST /chat", got)
	}
	if got := clientSpanName("POST", "/traces/xyz"); got != "llm POST /traces/{id}" {
		t.Fatalf("clientSpanName=%q, want llm POST /traces/{id}", got)
	}
	if got := serverSpanName("  ", "/stats"); got != "UNKNOWN /stats" {
		t.Fatalf("serverSpanName(blank method)=%q, want UNKNOWN /stats", got)
	}
}

func TestRuntimeGuardsDoNotPanic(t *testing.T) {
	t.Parallel()

	var nilRuntime *Runtime
	disabled := &Runtime{}

	for _, r := range []*Runtime{nilRuntime, disabled} {
		if r.Enabled() {
			t.Fatal("Enabled()=true for inert runtime")
		}
		r.RecordCacheHit()
		r.RecordCacheMiss()
		r.RecordRateLimitRejection("RATE_LIMIT_RPM_EXCEEDED")
		r.RecordTraceQueueDrop("/chat", http.StatusOK)
		r.RecordTraceWriteFailure("upsert_trace", 3)
		if err := r.Shutdown(context.Background()); err != nil {
			t.Fatalf("Shutdown() error for inert runtime: %v", err)
		}
	}
}

func TestWrapHTTPHandlerPassthroughWhenDisabled(t *testing.T) {
	t.Parallel()

	runtime := &Runtime{}
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	wrapped := runtime.WrapHTTPHandler(inner)
	recorder := httptest.NewRecorder()
	wrapped.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/chat", nil))

	if recorder.Code != http.StatusTeapot {
		t.Fatalf("status=%d, want passthrough 418", recorder.Code)
	}
}

func newMetricTestRuntime(t *testing.T) (*Runtime, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	meter := provider.Meter(instrumentationName)
	runtime := &Runtime{enabled: true}
	runtime.cacheHitCounter = newCounter(meter, nil, "flightdeck.cache.hits_total", "")
	runtime.cacheMissCounter = newCounter(meter, nil, "flightdeck.cache.misses_total", "")
	runtime.rateLimitRejectedCounter = newCounter(meter, nil, "flightdeck.ratelimit.rejected_total", "")
	runtime.traceQueueDroppedCounter = newCounter(meter, nil, "flightdeck.trace.queue_dropped_total", "")
	runtime.traceWriteFailedCounter = newCounter(meter, nil, "flightdeck.trace.write_failed_total", "")
	return runtime, reader
}

func collectCounterSum(t *testing.T, reader *sdkmetric.ManualReader, name string) (int64, map[string]string) {
	t.Helper()

	var resourceMetrics metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &resourceMetrics); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}

	for _, scope := range resourceMetrics.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok || len(sum.DataPoints) == 0 {
				t.Fatalf("metric %s has no int64 sum data points", name)
			}
			var total int64
			attrs := map[string]string{}
			for _, dp := range sum.DataPoints {
				total += dp.Value
				for _, kv := range dp.Attributes.ToSlice() {
					attrs[string(kv.Key)] = kv.Value.Emit()
				}
			}
			return total, attrs
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0, nil
}

func TestCacheCountersIncrement(t *testing.T) {
	runtime, reader := newMetricTestRuntime(t)

	runtime.RecordCacheHit()
	runtime.RecordCacheHit()
	runtime.RecordCacheMiss()

	if hits, _ := collectCounterSum(t, reader, "flightdeck.cache.hits_total"); hits != 2 {
		t.Fatalf("cache hits=%d, want 2", hits)
	}
	if misses, _ := collectCounterSum(t, reader, "flightdeck.cache.misses_total"); misses != 1 {
		t.Fatalf("cache misses=%d, want 1", misses)
	}
}

func TestRateLimitRejectionCounterCarriesCode(t *testing.T) {
	runtime, reader := newMetricTestRuntime(t)

	runtime.RecordRateLimitRejection(" RATE_LIMIT_RPD_EXCEEDED ")

	total, attrs := collectCounterSum(t, reader, "flightdeck.ratelimit.rejected_total")
	if total != 1 {
		t.Fatalf("rejections=%d, want 1", total)
	}
	if attrs["code"] != "RATE_LIMIT_RPD_EXCEEDED" {
		t.Fatalf("code attribute=%q, want trimmed code", attrs["code"])
	}
}

func TestTraceDropCountersCarryAttributes(t *testing.T) {
	runtime, reader := newMetricTestRuntime(t)

	runtime.RecordTraceQueueDrop("/chat", http.StatusOK)
	runtime.RecordTraceWriteFailure("upsert_batch_fallback", 4)
	runtime.RecordTraceWriteFailure("ignored", 0)

	dropped, dropAttrs := collectCounterSum(t, reader, "flightdeck.trace.queue_dropped_total")
	if dropped != 1 || dropAttrs["route"] != "/chat" {
		t.Fatalf("queue drops=%d route=%q, want 1 on /chat", dropped, dropAttrs["route"])
	}

	failed, failAttrs := collectCounterSum(t, reader, "flightdeck.trace.write_failed_total")
	if failed != 4 || failAttrs["operation"] != "upsert_batch_fallback" {
		t.Fatalf("write failures=%d op=%q, want 4 via batch fallback", failed, failAttrs["operation"])
	}
}

func TestSpanEnrichmentMiddlewareSetsErrorOn5xx(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	runtime := &Runtime{enabled: true}
	handler := runtime.SpanEnrichmentMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))

	ctx, span := provider.Tracer("test").Start(context.Background(), "POST /chat")
	request := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader("{}")).WithContext(ctx)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Fatalf("span status=%v, want error on 502", spans[0].Status.Code)
	}

	var routeAttr string
	for _, attr := range spans[0].Attributes {
		if string(attr.Key) == "flightdeck.route" {
			routeAttr = attr.Value.Emit()
		}
	}
	if routeAttr != "/chat" {
		t.Fatalf("flightdeck.route=%q, want /chat", routeAttr)
	}
}

func TestStatusCapturingResponseWriter(t *testing.T) {
	t.Parallel()

	recorder := httptest.NewRecorder()
	capturing := &statusCapturingResponseWriter{ResponseWriter: recorder}

	if capturing.StatusCode() != http.StatusOK {
		t.Fatalf("default status=%d, want 200", capturing.StatusCode())
	}

	capturing.WriteHeader(http.StatusTooManyRequests)
	capturing.WriteHeader(http.StatusOK)
	if capturing.StatusCode() != http.StatusTooManyRequests {
		t.Fatalf("status=%d, want first WriteHeader to win", capturing.StatusCode())
	}
	if unwrapped := capturing.Unwrap(); unwrapped != recorder {
		t.Fatal("Unwrap() does not return underlying writer")
	}
}
