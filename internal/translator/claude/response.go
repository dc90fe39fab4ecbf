package claude

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/relaybridge/upstream-bridge/internal/sigcache"
)

// Usage mirrors spec §4.5.3's four accounted figures.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CachedTokens     int
	ReasoningTokens  int
}

// ComputeUsage derives the spec's usage figures from an Upstream
// usageMetadata object.
func ComputeUsage(usageMetadata map[string]interface{}) Usage {
	prompt := intField(usageMetadata, "promptTokenCount")
	cached := intField(usageMetadata, "cachedContentTokenCount")
	candidates := intField(usageMetadata, "candidatesTokenCount")
	thoughts := intField(usageMetadata, "thoughtsTokenCount")
	total := intField(usageMetadata, "totalTokenCount")

	return Usage{
		PromptTokens:     prompt - cached,
		CompletionTokens: candidates + thoughts,
		TotalTokens:      total,
		CachedTokens:     cached,
		ReasoningTokens:  thoughts,
	}
}

func intField(m map[string]interface{}, key string) int {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// globalToolCallSeq is one process-wide monotonic counter shared by every
// StreamState, so tool_use ids from two concurrent streams never collide.
var globalToolCallSeq int64

func nextToolCallSeq() int64 {
	return atomic.AddInt64(&globalToolCallSeq, 1)
}

// StreamState accumulates per-stream emitter state across chunks: open
// content blocks, the current thinking-text accumulator (for signature
// cache keys), and the model-group prefix used on emitted signatures.
type StreamState struct {
	ModelGroup string
	Cache      *sigcache.Cache

	events chan string

	nextBlockIndex int
	textBlockOpen  bool
	thinkBlockOpen bool
	toolBlockOpen  bool

	accumulatedThinking strings.Builder
	messageID           string
	hasToolUse          bool
}

// NewStreamState builds a StreamState emitting onto events. modelGroup
// defaults to "default" if empty (DESIGN.md Open Question decision).
func NewStreamState(events chan string, modelGroup string, cache *sigcache.Cache, messageID string) *StreamState {
	if modelGroup == "" {
		modelGroup = "default"
	}
	return &StreamState{
		ModelGroup: modelGroup,
		Cache:      cache,
		events:     events,
		messageID:  messageID,
	}
}

func (s *StreamState) send(event string, data interface{}) {
	b, _ := json.Marshal(data)
	s.events <- fmt.Sprintf("event: %s\ndata: %s\n\n", event, b)
}

// EmitMessageStart opens the Claude SSE sequence.
func (s *StreamState) EmitMessageStart(model string, inputTokens int) {
	s.send("message_start", map[string]interface{}{
		"type": "message_start",
		"message": map[string]interface{}{
			"id":            s.messageID,
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"stop_sequence": nil,
			"usage": map[string]int{
				"input_tokens":  inputTokens,
				"output_tokens": 0,
			},
			"content":     []interface{}{},
			"stop_reason": nil,
		},
	})
}

func (s *StreamState) ensureTextBlock() {
	if s.textBlockOpen {
		return
	}
	s.endThinkingBlock()
	s.endToolBlock()

	index := s.nextBlockIndex
	s.nextBlockIndex++
	s.send("content_block_start", map[string]interface{}{
		"type":  "content_block_start",
		"index": index,
		"content_block": map[string]string{
			"type": "text",
			"text": "",
		},
	})
	s.textBlockOpen = true
}

func (s *StreamState) ensureThinkingBlock() {
	if s.thinkBlockOpen {
		return
	}
	s.endTextBlock()
	s.endToolBlock()

	index := s.nextBlockIndex
	s.nextBlockIndex++
	s.send("content_block_start", map[string]interface{}{
		"type":  "content_block_start",
		"index": index,
		"content_block": map[string]string{
			"type":     "thinking",
			"thinking": "",
		},
	})
	s.thinkBlockOpen = true
}

func (s *StreamState) endTextBlock() {
	if !s.textBlockOpen {
		return
	}
	s.send("content_block_stop", map[string]interface{}{
		"type": "content_block_stop", "index": s.nextBlockIndex - 1,
	})
	s.textBlockOpen = false
}

func (s *StreamState) endThinkingBlock() {
	if !s.thinkBlockOpen {
		return
	}
	s.send("content_block_stop", map[string]interface{}{
		"type": "content_block_stop", "index": s.nextBlockIndex - 1,
	})
	s.thinkBlockOpen = false
	s.accumulatedThinking.Reset()
}

func (s *StreamState) endToolBlock() {
	if !s.toolBlockOpen {
		return
	}
	s.send("content_block_stop", map[string]interface{}{
		"type": "content_block_stop", "index": s.nextBlockIndex - 1,
	})
	s.toolBlockOpen = false
}

// EmitText streams a text delta.
func (s *StreamState) EmitText(text string) {
	if text == "" {
		return
	}
	s.ensureTextBlock()
	s.send("content_block_delta", map[string]interface{}{
		"type":  "content_block_delta",
		"index": s.nextBlockIndex - 1,
		"delta": map[string]string{"type": "text_delta", "text": text},
	})
}

// EmitThinking streams a thinking delta and, if signature is non-empty,
// caches the accumulated thinking text against the unprefixed signature
// and emits a group-prefixed signature_delta, per spec §4.4.2.
func (s *StreamState) EmitThinking(text, signature string) {
	if text != "" {
		s.ensureThinkingBlock()
		s.accumulatedThinking.WriteString(text)
		s.send("content_block_delta", map[string]interface{}{
			"type":  "content_block_delta",
			"index": s.nextBlockIndex - 1,
			"delta": map[string]string{"type": "thinking_delta", "thinking": text},
		})
	}
	if signature != "" {
		s.ensureThinkingBlock()
		if s.Cache != nil {
			s.Cache.Set(s.accumulatedThinking.String(), signature)
		}
		prefixed := s.ModelGroup + "#" + signature
		s.send("content_block_delta", map[string]interface{}{
			"type":  "content_block_delta",
			"index": s.nextBlockIndex - 1,
			"delta": map[string]string{"type": "signature_delta", "signature": prefixed},
		})
	}
}

// EmitToolUse streams a complete tool_use block (Upstream function calls
// arrive whole, not incrementally, so this opens, fills, and closes the
// block in one call).
func (s *StreamState) EmitToolUse(name string, args map[string]interface{}) {
	s.endTextBlock()
	s.endThinkingBlock()

	index := s.nextBlockIndex
	s.nextBlockIndex++

	toolID := fmt.Sprintf("call_%s_%d", name, nextToolCallSeq())
	s.send("content_block_start", map[string]interface{}{
		"type":  "content_block_start",
		"index": index,
		"content_block": map[string]interface{}{
			"type": "tool_use",
			"id":   toolID,
			"name": name,
		},
	})

	argsJSON, _ := json.Marshal(args)
	s.send("content_block_delta", map[string]interface{}{
		"type":  "content_block_delta",
		"index": index,
		"delta": map[string]string{
			"type":         "input_json_delta",
			"partial_json": string(argsJSON),
		},
	})

	s.send("content_block_stop", map[string]interface{}{
		"type": "content_block_stop", "index": index,
	})
	s.hasToolUse = true
}

// MapStopReason implements the spec §4.4.2 finish-reason mapping.
func (s *StreamState) MapStopReason(upstreamFinishReason string) string {
	switch upstreamFinishReason {
	case "STOP":
		if s.hasToolUse {
			return "tool_use"
		}
		return "end_turn"
	case "MAX_TOKENS":
		return "max_tokens"
	default:
		if s.hasToolUse {
			return "tool_use"
		}
		return "end_turn"
	}
}

// Close ends any open content block and emits message_delta/message_stop.
func (s *StreamState) Close(upstreamFinishReason string, usage Usage) {
	s.endTextBlock()
	s.endThinkingBlock()
	s.endToolBlock()

	s.send("message_delta", map[string]interface{}{
		"type": "message_delta",
		"delta": map[string]interface{}{
			"stop_reason":   s.MapStopReason(upstreamFinishReason),
			"stop_sequence": nil,
		},
		"usage": map[string]int{
			"output_tokens": usage.CompletionTokens,
		},
	})
	s.send("message_stop", map[string]interface{}{"type": "message_stop"})
}

// UnaryContentBlock is one block of the canonical Claude response shape.
type UnaryContentBlock struct {
	Type      string                 `json:"type"`
	Text      string                 `json:"text,omitempty"`
	Thinking  string                 `json:"thinking,omitempty"`
	Signature string                 `json:"signature,omitempty"`
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
}

// UnaryResponse is the non-streaming Claude Messages API response shape.
type UnaryResponse struct {
	ID         string              `json:"id"`
	Type       string              `json:"type"`
	Role       string              `json:"role"`
	Model      string              `json:"model"`
	Content    []UnaryContentBlock `json:"content"`
	StopReason string              `json:"stop_reason"`
	Usage      map[string]int      `json:"usage"`
}

// ParseUnaryResponse concatenates an Upstream candidate's parts into the
// canonical Claude shape, per spec §4.4.2's unary path.
func ParseUnaryResponse(upstreamResp map[string]interface{}, model, modelGroup string, cache *sigcache.Cache) UnaryResponse {
	if modelGroup == "" {
		modelGroup = "default"
	}

	blocks := []UnaryContentBlock{}
	hasToolUse := false
	finishReason := ""

	candidates, _ := upstreamResp["candidates"].([]interface{})
	if len(candidates) > 0 {
		if candidate, ok := candidates[0].(map[string]interface{}); ok {
			finishReason, _ = candidate["finishReason"].(string)
			content, _ := candidate["content"].(map[string]interface{})
			rawParts, _ := content["parts"].([]interface{})

			for _, rp := range rawParts {
				part, ok := rp.(map[string]interface{})
				if !ok {
					continue
				}

				if thought, _ := part["thought"].(bool); thought {
					text, _ := part["text"].(string)
					sig, _ := part["thoughtSignature"].(string)
					if sig != "" && cache != nil {
						cache.Set(text, sig)
					}
					blocks = append(blocks, UnaryContentBlock{
						Type:      "thinking",
						Thinking:  text,
						Signature: modelGroup + "#" + sig,
					})
					continue
				}

				if text, ok := part["text"].(string); ok {
					blocks = append(blocks, UnaryContentBlock{Type: "text", Text: text})
					continue
				}

				if fc, ok := part["functionCall"].(map[string]interface{}); ok {
					name, _ := fc["name"].(string)
					args, _ := fc["args"].(map[string]interface{})
					id := fmt.Sprintf("call_%s_%d", name, nextToolCallSeq())
					blocks = append(blocks, UnaryContentBlock{
						Type:  "tool_use",
						ID:    id,
						Name:  name,
						Input: args,
					})
					hasToolUse = true
				}
			}
		}
	}

	stopReason := "end_turn"
	switch finishReason {
	case "STOP":
		if hasToolUse {
			stopReason = "tool_use"
		}
	case "MAX_TOKENS":
		stopReason = "max_tokens"
	default:
		if hasToolUse {
			stopReason = "tool_use"
		}
	}

	usageMetadata, _ := upstreamResp["usageMetadata"].(map[string]interface{})
	usage := ComputeUsage(usageMetadata)

	return UnaryResponse{
		ID:         fmt.Sprintf("msg_%d", nextToolCallSeq()),
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		Content:    blocks,
		StopReason: stopReason,
		Usage: map[string]int{
			"input_tokens":  usage.PromptTokens,
			"output_tokens": usage.CompletionTokens,
		},
	}
}
