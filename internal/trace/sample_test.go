package trace

import (
	"strings"
	"testing"
)

func TestSampleTracesAreDeterministic(t *testing.T) {
	t.Parallel()

	first := SampleTraces()
	second := SampleTraces()
	if len(first) == 0 || len(first) != len(second) {
		t.Fatalf("sample sizes %d/%d, want equal non-zero", len(first), len(second))
	}
	for i := range first {
		if first[i].TraceID != second[i].TraceID {
			t.Fatalf("sample ids differ at %d: %q vs %q", i, first[i].TraceID, second[i].TraceID)
		}
		if !strings.HasPrefix(first[i].TraceID, "trace_") {
			t.Fatalf("sample id %q lacks trace_ prefix", first[i].TraceID)
		}
	}
}

func TestFilterSample(t *testing.T) {
	t.Parallel()

	mock := true
	result := FilterSample(Filter{Mock: &mock, Limit: 50})
	if len(result.Items) == 0 {
		t.Fatal("no mock samples, want at least one")
	}
	for _, item := range result.Items {
		if !item.Mock {
			t.Fatalf("trace %q not mock", item.TraceID)
		}
	}

	empty := FilterSample(Filter{Provider: "no-such-provider", Limit: 50})
	if len(empty.Items) != 0 {
		t.Fatalf("got %d items for unknown provider, want 0", len(empty.Items))
	}
}

func TestSampleStatsMatchesDataset(t *testing.T) {
	t.Parallel()

	stats := SampleStats()
	items := SampleTraces()
	if stats.TotalRequests != int64(len(items)) {
		t.Fatalf("total_requests=%d, want %d", stats.TotalRequests, len(items))
	}
	if stats.TotalCacheHits+stats.TotalCacheMisses != stats.TotalRequests {
		t.Fatalf("hits+misses=%d, want %d", stats.TotalCacheHits+stats.TotalCacheMisses, stats.TotalRequests)
	}
	if stats.TotalTimeSavedMS <= 0 {
		t.Fatalf("total_time_saved_ms=%d, want > 0 (dataset has cache hits)", stats.TotalTimeSavedMS)
	}
}

func TestPreviewTruncation(t *testing.T) {
	t.Parallel()

	if got := Preview("  hello  "); got != "hello" {
		t.Fatalf("Preview()=%q, want trimmed %q", got, "hello")
	}

	long := strings.Repeat("é", PreviewMaxLen+10)
	got := Preview(long)
	if runes := []rune(got); len(runes) != PreviewMaxLen {
		t.Fatalf("Preview() kept %d runes, want %d", len(runes), PreviewMaxLen)
	}
}
