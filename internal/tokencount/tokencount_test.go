package tokencount

import (
	"testing"

	"github.com/relaybridge/upstream-bridge/internal/parts"
)

func TestEstimateTokensEmpty(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Fatalf("expected 0 for empty input, got %d", got)
	}
}

func TestEstimateTokensDeterministic(t *testing.T) {
	text := "hello, 世界! this has both ascii and non-ascii runes."
	a := EstimateTokens(text)
	b := EstimateTokens(text)
	if a != b {
		t.Fatalf("expected deterministic output, got %d then %d", a, b)
	}
	if a <= 0 {
		t.Fatalf("expected positive estimate, got %d", a)
	}
}

func TestEstimateRequestTokensSumsParts(t *testing.T) {
	req := &parts.Request{
		System: "be terse",
		Messages: []parts.Message{
			{Role: parts.RoleUser, Parts: []parts.Part{{Kind: parts.KindText, Text: "hi there"}}},
			{Role: parts.RoleAssistant, Parts: []parts.Part{{Kind: parts.KindText, Text: "hello!"}}},
		},
	}

	got := EstimateRequestTokens(req)
	want := EstimateTokens("be terse") + 4 + EstimateTokens("hi there") + 4 + EstimateTokens("hello!")
	if got != want {
		t.Fatalf("got %d, want %d", got, want)
	}
}

func TestEstimateRequestTokensNil(t *testing.T) {
	if got := EstimateRequestTokens(nil); got != 0 {
		t.Fatalf("expected 0 for nil request, got %d", got)
	}
}
