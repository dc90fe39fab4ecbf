package openai

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Usage mirrors the spec's four accounted figures (identical derivation
// to the Claude translator's; kept local so the two translator packages
// stay independently groundable).
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CachedTokens     int
	ReasoningTokens  int
}

// ComputeUsage derives usage figures from an Upstream usageMetadata
// object, per spec §4.5.3.
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

var globalToolCallSeq int64

func nextToolCallID() string {
	return fmt.Sprintf("call_%d", atomic.AddInt64(&globalToolCallSeq, 1))
}

// StreamState accumulates per-stream chunk-emission state: the chunk id,
// created timestamp, and model name shared across every chunk of one
// response.
type StreamState struct {
	ID      string
	Created int64
	Model   string
	events  chan string
}

// NewStreamState builds a StreamState. created is passed in (not derived
// via time.Now()) so callers control timestamps explicitly.
func NewStreamState(events chan string, id string, created int64, model string) *StreamState {
	return &StreamState{ID: id, Created: created, Model: model, events: events}
}

func (s *StreamState) chunk(delta map[string]interface{}, finishReason interface{}) map[string]interface{} {
	return map[string]interface{}{
		"id":      s.ID,
		"object":  "chat.completion.chunk",
		"created": s.Created,
		"model":   s.Model,
		"choices": []map[string]interface{}{
			{
				"index":         0,
				"delta":         delta,
				"finish_reason": finishReason,
			},
		},
	}
}

func (s *StreamState) send(data map[string]interface{}) {
	b, _ := json.Marshal(data)
	s.events <- "data: " + string(b) + "\n\n"
}

// EmitText streams a text delta as delta.content.
func (s *StreamState) EmitText(text string) {
	if text == "" {
		return
	}
	s.send(s.chunk(map[string]interface{}{"content": text}, nil))
}

// EmitThinking streams a thinking delta as delta.reasoning_content, per
// spec §4.5.2.
func (s *StreamState) EmitThinking(text string) {
	if text == "" {
		return
	}
	s.send(s.chunk(map[string]interface{}{"reasoning_content": text}, nil))
}

// EmitToolCall streams a functionCall as a delta.tool_calls[0] entry with
// a deterministic fresh id.
func (s *StreamState) EmitToolCall(name string, args map[string]interface{}) {
	argsJSON, _ := json.Marshal(args)
	s.send(s.chunk(map[string]interface{}{
		"tool_calls": []map[string]interface{}{
			{
				"index": 0,
				"id":    nextToolCallID(),
				"type":  "function",
				"function": map[string]interface{}{
					"name":      name,
					"arguments": string(argsJSON),
				},
			},
		},
	}, nil))
}

// EmitImage streams inline image data as delta.images, per spec §4.5.2.
func (s *StreamState) EmitImage(mimeType, base64Data string) {
	url := fmt.Sprintf("data:%s;base64,%s", mimeType, base64Data)
	s.send(s.chunk(map[string]interface{}{
		"images": []map[string]interface{}{
			{"image_url": map[string]string{"url": url}},
		},
	}, nil))
}

// EmitGroundingCitations flattens grounding metadata into a trailing
// bulleted citation block appended to the final text, per spec §4.5.2.
func (s *StreamState) EmitGroundingCitations(sources []string) {
	if len(sources) == 0 {
		return
	}
	var sb strings.Builder
	sb.WriteString("\n\n")
	for _, src := range sources {
		sb.WriteString("- ")
		sb.WriteString(src)
		sb.WriteString("\n")
	}
	s.EmitText(sb.String())
}

// Close emits the final chunk carrying finish_reason, then the
// terminating [DONE] frame.
func (s *StreamState) Close(finishReason string) {
	s.send(s.chunk(map[string]interface{}{}, finishReason))
	s.events <- "data: [DONE]\n\n"
}

// NowUnix is a thin indirection so callers can stamp StreamState.Created
// without this package reaching for time.Now() internally (kept out of
// the package's core logic so it stays free of the workflow's
// non-deterministic-call restrictions during testing).
func NowUnix() int64 { return time.Now().Unix() }

// UnaryToolCallFunction is one tool_calls[].function entry.
type UnaryToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// UnaryToolCall is one tool_calls[] entry of a non-streaming choice.
type UnaryToolCall struct {
	ID       string                `json:"id"`
	Type     string                `json:"type"`
	Function UnaryToolCallFunction `json:"function"`
}

// UnaryMessage is the choices[].message object of a non-streaming chat
// completion response.
type UnaryMessage struct {
	Role             string          `json:"role"`
	Content          string          `json:"content,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	ToolCalls        []UnaryToolCall `json:"tool_calls,omitempty"`
}

// UnaryChoice is one choices[] entry.
type UnaryChoice struct {
	Index        int          `json:"index"`
	Message      UnaryMessage `json:"message"`
	FinishReason string       `json:"finish_reason"`
}

// UnaryResponse is the non-streaming OpenAI chat-completions response
// shape, per spec §4.5.2's unary path.
type UnaryResponse struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []UnaryChoice `json:"choices"`
	Usage   map[string]int `json:"usage"`
}

// ParseUnaryResponse concatenates an Upstream candidate's parts into the
// canonical OpenAI chat-completions shape.
func ParseUnaryResponse(upstreamResp map[string]interface{}, id string, created int64, model string) UnaryResponse {
	message := UnaryMessage{Role: "assistant"}
	finishReason := "stop"

	candidates, _ := upstreamResp["candidates"].([]interface{})
	if len(candidates) > 0 {
		if candidate, ok := candidates[0].(map[string]interface{}); ok {
			if fr, _ := candidate["finishReason"].(string); fr == "MAX_TOKENS" {
				finishReason = "length"
			}
			content, _ := candidate["content"].(map[string]interface{})
			rawParts, _ := content["parts"].([]interface{})

			var text strings.Builder
			for _, rp := range rawParts {
				part, ok := rp.(map[string]interface{})
				if !ok {
					continue
				}
				if thought, _ := part["thought"].(bool); thought {
					t, _ := part["text"].(string)
					message.ReasoningContent += t
					continue
				}
				if t, ok := part["text"].(string); ok {
					text.WriteString(t)
					continue
				}
				if fc, ok := part["functionCall"].(map[string]interface{}); ok {
					name, _ := fc["name"].(string)
					args, _ := fc["args"].(map[string]interface{})
					argsJSON, _ := json.Marshal(args)
					message.ToolCalls = append(message.ToolCalls, UnaryToolCall{
						ID:   nextToolCallID(),
						Type: "function",
						Function: UnaryToolCallFunction{
							Name:      name,
							Arguments: string(argsJSON),
						},
					})
					finishReason = "tool_calls"
				}
			}
			message.Content = text.String()
		}
	}

	usageMetadata, _ := upstreamResp["usageMetadata"].(map[string]interface{})
	usage := ComputeUsage(usageMetadata)

	return UnaryResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []UnaryChoice{{Index: 0, Message: message, FinishReason: finishReason}},
		Usage: map[string]int{
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
			"total_tokens":      usage.TotalTokens,
		},
	}
}

// RemapToolArguments applies the spec §4.5.4 post-translation argument
// rewrites for known tool names.
func RemapToolArguments(toolName string, args map[string]interface{}) map[string]interface{} {
	if args == nil {
		return args
	}

	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		out[k] = v
	}

	switch toolName {
	case "grep", "glob":
		if v, ok := out["description"]; ok {
			out["pattern"] = v
			delete(out, "description")
		}
	}
	switch toolName {
	case "grep", "search":
		if v, ok := out["query"]; ok {
			out["pattern"] = v
			delete(out, "query")
		}
	}

	if rawPaths, ok := out["paths"]; ok {
		if paths, ok := rawPaths.([]interface{}); ok && len(paths) > 0 {
			out["path"] = paths[0]
			delete(out, "paths")
		}
	}

	if toolName == "EnterPlanMode" {
		out = map[string]interface{}{}
	}

	return out
}
