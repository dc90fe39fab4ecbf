package claude

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/relaybridge/upstream-bridge/internal/sigcache"
)

func TestParseRequestSimpleTextMessage(t *testing.T) {
	body := []byte(`{"model":"claude-3-5-sonnet-20241022","messages":[{"role":"user","content":"hi"}],"stream":false}`)
	req, err := ParseRequest(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(req.Messages) != 1 || req.Messages[0].Parts[0].Text != "hi" {
		t.Fatalf("unexpected parsed request: %+v", req)
	}
}

func TestBuildUpstreamRequestScenario1(t *testing.T) {
	body := []byte(`{"model":"claude-3-5-sonnet-20241022","messages":[{"role":"user","content":"hi"}],"stream":false}`)
	req, err := ParseRequest(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cache := sigcache.New(sigcache.DefaultConfig())
	defer cache.Close()

	upstream := BuildUpstreamRequest(req, "claude-sonnet-4-5", cache)
	inner := upstream["request"].(map[string]interface{})
	contents := inner["contents"].([]map[string]interface{})
	if len(contents) != 1 {
		t.Fatalf("expected one content entry, got %d", len(contents))
	}
	if contents[0]["role"] != "user" {
		t.Fatalf("expected user role, got %v", contents[0]["role"])
	}
	p := contents[0]["parts"].([]map[string]interface{})[0]
	if p["text"] != "hi" {
		t.Fatalf("expected text 'hi', got %v", p["text"])
	}

	safety := inner["safetySettings"].([]map[string]string)
	if len(safety) != 4 {
		t.Fatalf("expected 4 safety settings, got %d", len(safety))
	}
	for _, s := range safety {
		if s["threshold"] != "OFF" {
			t.Fatalf("expected all safety thresholds OFF, got %+v", s)
		}
	}
}

func TestBuildUpstreamRequestInterleavedThinkingHint(t *testing.T) {
	body := []byte(`{
		"model":"claude-sonnet-4-5",
		"messages":[{"role":"user","content":"hi"}],
		"tools":[{"name":"search","description":"search","input_schema":{"type":"object"}}],
		"thinking":{"type":"enabled","budget_tokens":2048}
	}`)
	req, err := ParseRequest(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cache := sigcache.New(sigcache.DefaultConfig())
	defer cache.Close()

	upstream := BuildUpstreamRequest(req, "claude-sonnet-4-5", cache)
	inner := upstream["request"].(map[string]interface{})

	sysInstruction := inner["systemInstruction"].(map[string]interface{})
	sysParts := sysInstruction["parts"].([]map[string]string)
	last := sysParts[len(sysParts)-1]
	if last["text"] != interleavedThinkingHint {
		t.Fatalf("expected interleaved thinking hint as last system part, got %q", last["text"])
	}

	genConfig := inner["generationConfig"].(map[string]interface{})
	thinkingConfig := genConfig["thinkingConfig"].(map[string]interface{})
	if thinkingConfig["thinkingBudget"] != 2048 {
		t.Fatalf("expected thinkingBudget 2048, got %v", thinkingConfig["thinkingBudget"])
	}
	if thinkingConfig["includeThoughts"] != true {
		t.Fatalf("expected includeThoughts true")
	}
}

func TestSignatureStripsModelGroupPrefix(t *testing.T) {
	got := stripModelGroupPrefix("default#abcdefghij")
	if got != "abcdefghij" {
		t.Fatalf("expected stripped signature, got %q", got)
	}
	got = stripModelGroupPrefix("nogroupsignature")
	if got != "nogroupsignature" {
		t.Fatalf("expected unprefixed signature unchanged, got %q", got)
	}
}

func TestToolNameFromUseIDStripsLastTwoSegments(t *testing.T) {
	got := toolNameFromUseID("search-tool-abc123-xyz789")
	if got != "search-tool" {
		t.Fatalf("expected 'search-tool', got %q", got)
	}
	got = toolNameFromUseID("noseparator")
	if got != "noseparator" {
		t.Fatalf("expected raw id when nothing to strip, got %q", got)
	}
}

func TestPartitionThinkingFirst(t *testing.T) {
	emitted := []map[string]interface{}{
		{"text": "a"},
		{"thought": true, "text": "think1"},
		{"text": "b"},
		{"thought": true, "text": "think2"},
	}
	got := partitionThinkingFirst(emitted)
	if len(got) != 4 {
		t.Fatalf("expected 4 parts, got %d", len(got))
	}
	if _, ok := got[0]["thought"]; !ok {
		t.Fatalf("expected first part to be a thinking part")
	}
	if _, ok := got[1]["thought"]; !ok {
		t.Fatalf("expected second part to be a thinking part")
	}
	if got[0]["text"] != "think1" || got[1]["text"] != "think2" {
		t.Fatalf("expected thinking parts to preserve relative order, got %+v", got[:2])
	}
	if got[2]["text"] != "a" || got[3]["text"] != "b" {
		t.Fatalf("expected non-thinking parts to preserve relative order, got %+v", got[2:])
	}
}

func TestPartitionThinkingFirstNoThinkingIsUnchanged(t *testing.T) {
	emitted := []map[string]interface{}{{"text": "a"}, {"text": "b"}}
	got := partitionThinkingFirst(emitted)
	if got[0]["text"] != "a" || got[1]["text"] != "b" {
		t.Fatalf("expected untouched order, got %+v", got)
	}
}

func TestCleanSchemaStripsRootAndPropertyFields(t *testing.T) {
	schema := map[string]interface{}{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"type":                 "object",
		"additionalProperties": false,
		"default":              map[string]interface{}{},
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":                 "string",
				"default":              "",
				"additionalProperties": false,
			},
		},
	}
	cleaned := cleanSchema(schema)
	if _, ok := cleaned["$schema"]; ok {
		t.Fatalf("expected $schema stripped")
	}
	if _, ok := cleaned["additionalProperties"]; ok {
		t.Fatalf("expected root additionalProperties stripped")
	}
	if _, ok := cleaned["default"]; ok {
		t.Fatalf("expected root default stripped")
	}
	props := cleaned["properties"].(map[string]interface{})
	path := props["path"].(map[string]interface{})
	if _, ok := path["default"]; ok {
		t.Fatalf("expected property default stripped")
	}
	if _, ok := path["additionalProperties"]; ok {
		t.Fatalf("expected property additionalProperties stripped")
	}
	if path["type"] != "string" {
		t.Fatalf("expected property type preserved")
	}
}

func TestComputeUsage(t *testing.T) {
	usage := ComputeUsage(map[string]interface{}{
		"promptTokenCount":        float64(100),
		"cachedContentTokenCount": float64(20),
		"candidatesTokenCount":    float64(50),
		"thoughtsTokenCount":      float64(10),
		"totalTokenCount":         float64(180),
	})
	if usage.PromptTokens != 80 {
		t.Fatalf("expected prompt tokens 80, got %d", usage.PromptTokens)
	}
	if usage.CompletionTokens != 60 {
		t.Fatalf("expected completion tokens 60, got %d", usage.CompletionTokens)
	}
	if usage.TotalTokens != 180 {
		t.Fatalf("expected total tokens 180, got %d", usage.TotalTokens)
	}
}

func TestParseUnaryResponseStopReasonToolUse(t *testing.T) {
	upstreamResp := map[string]interface{}{
		"candidates": []interface{}{
			map[string]interface{}{
				"finishReason": "STOP",
				"content": map[string]interface{}{
					"parts": []interface{}{
						map[string]interface{}{
							"functionCall": map[string]interface{}{
								"name": "search",
								"args": map[string]interface{}{"q": "x"},
							},
						},
					},
				},
			},
		},
	}
	resp := ParseUnaryResponse(upstreamResp, "claude-sonnet-4-5", "default", nil)
	if resp.StopReason != "tool_use" {
		t.Fatalf("expected tool_use stop reason, got %q", resp.StopReason)
	}
	if len(resp.Content) != 1 || resp.Content[0].Type != "tool_use" {
		t.Fatalf("unexpected content: %+v", resp.Content)
	}
}

func TestStreamStateEmitsSignatureDeltaWithGroupPrefix(t *testing.T) {
	cache := sigcache.New(sigcache.DefaultConfig())
	defer cache.Close()

	events := make(chan string, 32)
	state := NewStreamState(events, "grp", cache, "msg_1")

	state.EmitThinking("reasoning text", "")
	state.EmitThinking("", "rawsig1234567890")
	state.Close("STOP", Usage{CompletionTokens: 5})
	close(events)

	var sawPrefixed bool
	for e := range events {
		if strings.Contains(e, "signature_delta") && strings.Contains(e, "grp#rawsig1234567890") {
			sawPrefixed = true
		}
	}
	if !sawPrefixed {
		t.Fatalf("expected a signature_delta event with the group-prefixed signature")
	}

	cached, ok := cache.Get("reasoning text")
	if !ok || cached != "rawsig1234567890" {
		t.Fatalf("expected the raw signature cached under the accumulated thinking text, got %q ok=%v", cached, ok)
	}
}

func TestParseRequestHandlesStructuredSystemAndTopLevelSignature(t *testing.T) {
	body := []byte(`{
		"model":"claude-sonnet-4-5",
		"system":[{"type":"text","text":"be terse"}],
		"messages":[{"role":"assistant","content":[{"type":"thinking","thinking":"t","signature":"grp#sig"}]}]
	}`)
	req, err := ParseRequest(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.System != "be terse" {
		t.Fatalf("expected system text parsed, got %q", req.System)
	}
	if req.Messages[0].Parts[0].Signature != "grp#sig" {
		t.Fatalf("expected raw signature preserved on parse, got %q", req.Messages[0].Parts[0].Signature)
	}
	_ = json.RawMessage{}
}
