package compression

import (
	"strings"
	"testing"

	"github.com/relaybridge/upstream-bridge/internal/parts"
)

func toolRoundMessages(n int) []parts.Message {
	var msgs []parts.Message
	for i := 0; i < n; i++ {
		msgs = append(msgs, parts.Message{
			Role: parts.RoleAssistant,
			Parts: []parts.Part{
				{Kind: parts.KindToolUse, ToolUseID: "id", ToolName: "fn"},
			},
		})
		msgs = append(msgs, parts.Message{
			Role: parts.RoleUser,
			Parts: []parts.Part{
				{Kind: parts.KindToolResult, ToolResultID: "id", ToolResultContent: "result"},
			},
		})
	}
	return msgs
}

func TestLayer1KeepsMostRecentRounds(t *testing.T) {
	req := &parts.Request{Messages: toolRoundMessages(7)}

	changed := applyLayer1(req, 5)
	if !changed {
		t.Fatalf("expected layer1 to apply")
	}
	if len(req.Messages) != 14-4 {
		t.Fatalf("expected message count to drop by 4, got %d", len(req.Messages))
	}

	rounds := findToolRounds(req.Messages)
	if len(rounds) != 5 {
		t.Fatalf("expected 5 surviving rounds, got %d", len(rounds))
	}
}

func TestLayer1NoOpWhenUnderBudget(t *testing.T) {
	req := &parts.Request{Messages: toolRoundMessages(3)}
	if applyLayer1(req, 5) {
		t.Fatalf("expected no-op when round count is within keepLast")
	}
}

func TestLayer2PreservesSignaturesAndProtectsTail(t *testing.T) {
	longThinking := strings.Repeat("x", 100)
	sig := strings.Repeat("s", 60)

	req := &parts.Request{
		Messages: []parts.Message{
			{Role: parts.RoleAssistant, Parts: []parts.Part{{Kind: parts.KindThinking, Thinking: longThinking, Signature: sig}}},
			{Role: parts.RoleUser, Parts: []parts.Part{{Kind: parts.KindText, Text: "ok"}}},
			{Role: parts.RoleAssistant, Parts: []parts.Part{{Kind: parts.KindText, Text: "ok"}}},
			{Role: parts.RoleUser, Parts: []parts.Part{{Kind: parts.KindText, Text: "ok"}}},
			{Role: parts.RoleAssistant, Parts: []parts.Part{{Kind: parts.KindText, Text: "ok"}}},
		},
	}

	applyLayer2(req, 4)

	got := req.Messages[0].Parts[0]
	if got.Thinking != "..." {
		t.Fatalf("expected thinking text to be collapsed, got %q", got.Thinking)
	}
	if got.Signature != sig {
		t.Fatalf("expected signature preserved exactly, got %q", got.Signature)
	}
}

func TestLayer2DoesNotTouchProtectedTail(t *testing.T) {
	longThinking := strings.Repeat("x", 100)
	sig := strings.Repeat("s", 60)

	req := &parts.Request{
		Messages: []parts.Message{
			{Role: parts.RoleAssistant, Parts: []parts.Part{{Kind: parts.KindThinking, Thinking: longThinking, Signature: sig}}},
		},
	}

	// protectedLastN >= len(messages): nothing should change.
	changed := applyLayer2(req, 4)
	if changed {
		t.Fatalf("expected no change when the whole list is protected")
	}
	if req.Messages[0].Parts[0].Thinking != longThinking {
		t.Fatalf("expected protected thinking text untouched")
	}
}

func TestForkHintFindsLastLongSignature(t *testing.T) {
	shortSig := strings.Repeat("a", 10)
	longSig := strings.Repeat("b", 50)

	req := &parts.Request{
		Messages: []parts.Message{
			{Role: parts.RoleAssistant, Parts: []parts.Part{{Kind: parts.KindThinking, Thinking: "t1", Signature: longSig}}},
			{Role: parts.RoleAssistant, Parts: []parts.Part{{Kind: parts.KindThinking, Thinking: "t2", Signature: shortSig}}},
		},
	}

	got, ok := ForkHint(req)
	if !ok {
		t.Fatalf("expected a fork hint")
	}
	if got != longSig {
		t.Fatalf("expected the last signature of length >= 50, got %q", got)
	}
}

func TestForkHintDoesNotMutate(t *testing.T) {
	sig := strings.Repeat("b", 50)
	req := &parts.Request{
		Messages: []parts.Message{
			{Role: parts.RoleAssistant, Parts: []parts.Part{{Kind: parts.KindThinking, Thinking: "t1", Signature: sig}}},
		},
	}
	before := req.Clone()
	ForkHint(req)
	if req.Messages[0].Parts[0].Thinking != before.Messages[0].Parts[0].Thinking {
		t.Fatalf("ForkHint must not mutate the request")
	}
}

func TestApplyMonotonicallyNonIncreasing(t *testing.T) {
	req := &parts.Request{Messages: toolRoundMessages(7)}
	before := 0
	for _, m := range req.Messages {
		for _, p := range m.Parts {
			_ = p
		}
	}
	_ = before

	compressed, result := Apply(req, 100, DefaultThresholds())
	if result.TokensAfter > result.TokensBefore {
		t.Fatalf("expected non-increasing token count, before=%d after=%d", result.TokensBefore, result.TokensAfter)
	}
	if compressed == req {
		t.Fatalf("expected Apply to return a clone, not the original")
	}
}

func TestApplyLayerOrdering(t *testing.T) {
	// A request whose pressure is high enough to trigger layer1 but, after
	// layer1 trims it, drops below layer2's threshold should not have its
	// thinking blocks touched.
	req := &parts.Request{Messages: toolRoundMessages(7)}
	th := Thresholds{Layer1: 1, Layer2: 99999, Layer3: 99999, KeepLastToolRounds: 5, ProtectedLastN: 4}

	_, result := Apply(req, 1000, th)
	if !result.Layer1Applied {
		t.Fatalf("expected layer1 to apply")
	}
	if result.Layer2Applied {
		t.Fatalf("expected layer2 to be skipped once pressure dropped below its threshold")
	}
}
