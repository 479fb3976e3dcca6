package providers

import (
	"context"
	"strings"
	"testing"
)

func TestMockReplyIsDeterministic(t *testing.T) {
	t.Parallel()

	first := MockReply("  hello world  ")
	second := MockReply("hello world")
	if first != second {
		t.Fatalf("replies differ for equivalent input:\n%q\n%q", first, second)
	}
	if !strings.Contains(first, "You said: hello world") {
		t.Fatalf("reply %q does not echo trimmed input", first)
	}
	if !strings.HasPrefix(first, "✅ [MOCK MODE]") {
		t.Fatalf("reply %q missing mock banner", first)
	}
}

func TestMockReplyEmptyMessage(t *testing.T) {
	t.Parallel()

	if got := MockReply("   \n\t "); got != "Please send a message." {
		t.Fatalf("MockReply(whitespace)=%q, want fallback prompt", got)
	}
}

func TestMockGenerate(t *testing.T) {
	t.Parallel()

	result, err := MockBackend{}.Generate(context.Background(), "ping")
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if result.Text != MockReply("ping") {
		t.Fatalf("text=%q, want deterministic reply", result.Text)
	}
	if result.Model != "mock" {
		t.Fatalf("model=%q, want mock", result.Model)
	}
	if result.CostUSD != 0 {
		t.Fatalf("cost=%v, want 0 for mock", result.CostUSD)
	}
}

func TestMockGenerateStreamOrder(t *testing.T) {
	t.Parallel()

	var chunks []string
	err := MockBackend{}.GenerateStream(context.Background(), "one two", func(chunk string) error {
		chunks = append(chunks, chunk)
		return nil
	})
	if err != nil {
		t.Fatalf("GenerateStream() error: %v", err)
	}

	joined := strings.Join(strings.Fields(strings.Join(chunks, "")), " ")
	want := strings.Join(strings.Fields(MockReply("one two")), " ")
	if joined != want {
		t.Fatalf("streamed text=%q, want %q", joined, want)
	}
	for _, chunk := range chunks {
		if !strings.HasSuffix(chunk, " ") {
			t.Fatalf("chunk %q missing word separator", chunk)
		}
	}
}

func TestMockGenerateStreamStopsOnSinkError(t *testing.T) {
	t.Parallel()

	calls := 0
	err := MockBackend{}.GenerateStream(context.Background(), "a b c d", func(chunk string) error {
		calls++
		if calls == 2 {
			return context.Canceled
		}
		return nil
	})
	if err == nil {
		t.Fatal("GenerateStream() error=nil, want sink error propagated")
	}
	if calls != 2 {
		t.Fatalf("sink called %d times after error, want 2", calls)
	}
}
