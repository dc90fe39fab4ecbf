// Package openai translates between the OpenAI Chat Completions API wire
// format and the neutral internal/parts tree, and between the neutral
// tree and Upstream's Gemini-shaped wire format, per spec §4.5. Grounded
// on the same Upstream wire shapes as internal/translator/claude
// (teacher's internal/converters/gemini_converter.go), generalized to
// OpenAI's message/tool_call vocabulary.
package openai

import (
	"encoding/json"
	"strings"

	"github.com/relaybridge/upstream-bridge/internal/parts"
)

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireMessage struct {
	Role             string          `json:"role"`
	Content          json.RawMessage `json:"content"`
	ToolCalls        []wireToolCall  `json:"tool_calls,omitempty"`
	ToolCallID       string          `json:"tool_call_id,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
}

type wireFunctionTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description"`
		Parameters  map[string]interface{} `json:"parameters"`
	} `json:"function"`
}

type wireImagePart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type wireRequest struct {
	Model          string          `json:"model"`
	Messages       []wireMessage   `json:"messages"`
	Tools          []wireFunctionTool `json:"tools"`
	Temperature    *float64        `json:"temperature"`
	TopP           *float64        `json:"top_p"`
	MaxTokens      int             `json:"max_tokens"`
	Stream         bool            `json:"stream"`
	ReasoningEffort string         `json:"reasoning_effort,omitempty"`
}

// ParseRequest lowers a raw OpenAI Chat Completions request body into the
// neutral parts.Request tree. system/developer messages are folded into
// Request.System; tool/assistant tool_calls round-trip through
// ToolUse/ToolResult parts so the executor's compressor sees the same
// shape regardless of originating client API.
func ParseRequest(body []byte) (*parts.Request, string, error) {
	var wr wireRequest
	if err := json.Unmarshal(body, &wr); err != nil {
		return nil, "", err
	}

	req := &parts.Request{
		Model:     wr.Model,
		MaxTokens: wr.MaxTokens,
		Stream:    wr.Stream,
	}
	if wr.Temperature != nil {
		req.Temperature = *wr.Temperature
		req.HasTemp = true
	}
	if wr.TopP != nil {
		req.TopP = *wr.TopP
		req.HasTopP = true
	}
	if budget, ok := reasoningEffortBudget(wr.ReasoningEffort); ok {
		req.Thinking = &parts.ThinkingConfig{Enabled: true, BudgetTokens: budget, Include: wr.ReasoningEffort != "none"}
	}

	for _, t := range wr.Tools {
		req.Tools = append(req.Tools, parts.ToolDecl{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Schema:      t.Function.Parameters,
		})
	}

	var systemText []string

	for _, m := range wr.Messages {
		switch m.Role {
		case "system", "developer":
			systemText = append(systemText, contentText(m.Content))
			continue
		case "tool":
			req.Messages = append(req.Messages, parts.Message{
				Role: parts.RoleTool,
				Parts: []parts.Part{{
					Kind:              parts.KindToolResult,
					ToolResultID:      m.ToolCallID,
					ToolResultContent: contentText(m.Content),
				}},
			})
			continue
		}

		role := parts.RoleUser
		if m.Role == "assistant" {
			role = parts.RoleAssistant
		}

		var msgParts []parts.Part
		if m.ReasoningContent != "" {
			msgParts = append(msgParts, parts.Part{Kind: parts.KindThinking, Thinking: m.ReasoningContent})
		}
		msgParts = append(msgParts, contentParts(m.Content)...)
		for _, tc := range m.ToolCalls {
			var args map[string]interface{}
			if tc.Function.Arguments != "" {
				_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
			}
			msgParts = append(msgParts, parts.Part{
				Kind:     parts.KindToolUse,
				ToolUseID: tc.ID,
				ToolName:  tc.Function.Name,
				ToolArgs:  args,
			})
		}

		req.Messages = append(req.Messages, parts.Message{Role: role, Parts: msgParts})
	}

	if len(systemText) == 1 && len(wr.Messages) == 1 {
		// The only message was system/developer: treat it as a normal
		// user turn instead, per spec §4.5.1.
		req.Messages = append(req.Messages, parts.Message{
			Role:  parts.RoleUser,
			Parts: []parts.Part{{Kind: parts.KindText, Text: systemText[0]}},
		})
	} else {
		req.System = strings.Join(systemText, "\n")
	}

	return req, wr.ReasoningEffort, nil
}

// reasoningEffortBudget implements the spec §4.5.1 reasoning_effort →
// thinkingConfig mapping. The "auto" tier is represented as budget -1.
func reasoningEffortBudget(effort string) (int, bool) {
	switch effort {
	case "auto":
		return -1, true
	case "low":
		return 1024, true
	case "medium":
		return 8192, true
	case "high":
		return 32768, true
	case "none":
		return 0, true
	}
	return 0, false
}

func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	var blocks []wireImagePart
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var sb strings.Builder
		for i, b := range blocks {
			if b.Type == "text" {
				if i > 0 {
					sb.WriteString("\n")
				}
				sb.WriteString(b.Text)
			}
		}
		return sb.String()
	}
	return ""
}

func contentParts(raw json.RawMessage) []parts.Part {
	if len(raw) == 0 {
		return nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if asString == "" {
			return nil
		}
		return []parts.Part{{Kind: parts.KindText, Text: asString}}
	}

	var blocks []wireImagePart
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil
	}
	out := make([]parts.Part, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			out = append(out, parts.Part{Kind: parts.KindText, Text: b.Text})
		case "image_url":
			if b.ImageURL == nil {
				continue
			}
			mime, data, ok := splitDataURI(b.ImageURL.URL)
			if ok {
				out = append(out, parts.Part{Kind: parts.KindImage, ImageMimeType: mime, ImageBase64: data})
			}
		}
	}
	return out
}

// splitDataURI splits a data URI of the form
// "data:<mime>;base64,<data>" into its mime type and payload, per
// spec §4.5.1.
func splitDataURI(uri string) (mime, data string, ok bool) {
	semi := strings.Index(uri, ";")
	comma := strings.Index(uri, ",")
	if semi < 0 || comma < 0 || comma < semi {
		return "", "", false
	}
	mimePart := uri[strings.Index(uri, ":")+1 : semi]
	return mimePart, uri[comma+1:], true
}
