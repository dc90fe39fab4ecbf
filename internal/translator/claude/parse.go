package claude

import (
	"encoding/json"
	"strings"

	"github.com/relaybridge/upstream-bridge/internal/parts"
)

// wireContentBlock is the Claude Messages API's content-block shape, as
// sent by a client.
type wireContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	Source    *struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type"`
		Data      string `json:"data"`
	} `json:"source,omitempty"`
}

type wireMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type wireSystemBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type wireThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type wireTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// wireRequest is the subset of the Claude Messages API request body this
// translator understands.
type wireRequest struct {
	Model       string          `json:"model"`
	System      json.RawMessage `json:"system"`
	Messages    []wireMessage   `json:"messages"`
	Tools       []wireTool      `json:"tools"`
	Temperature *float64        `json:"temperature"`
	TopP        *float64        `json:"top_p"`
	TopK        *int            `json:"top_k"`
	MaxTokens   int             `json:"max_tokens"`
	Stream      bool            `json:"stream"`
	Thinking    *wireThinking   `json:"thinking"`
}

// ParseRequest lowers a raw Claude Messages API request body into the
// neutral parts.Request tree.
func ParseRequest(body []byte) (*parts.Request, error) {
	var wr wireRequest
	if err := json.Unmarshal(body, &wr); err != nil {
		return nil, err
	}

	req := &parts.Request{
		Model:     wr.Model,
		System:    parseSystem(wr.System),
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
	if wr.TopK != nil {
		req.TopK = *wr.TopK
		req.HasTopK = true
	}
	if wr.Thinking != nil && wr.Thinking.Type == "enabled" {
		req.Thinking = &parts.ThinkingConfig{
			Enabled:      true,
			BudgetTokens: wr.Thinking.BudgetTokens,
			Include:      true,
		}
	}

	for _, t := range wr.Tools {
		req.Tools = append(req.Tools, parts.ToolDecl{
			Name:        t.Name,
			Description: t.Description,
			Schema:      t.InputSchema,
		})
	}

	for _, m := range wr.Messages {
		role := parts.RoleUser
		if m.Role == "assistant" {
			role = parts.RoleAssistant
		}
		req.Messages = append(req.Messages, parts.Message{
			Role:  role,
			Parts: parseContent(m.Content),
		})
	}

	return req, nil
}

// parseSystem handles both the string and the list-of-blocks shapes the
// Claude API allows for the top-level "system" field.
func parseSystem(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}

	var blocks []wireSystemBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var sb strings.Builder
		for i, b := range blocks {
			if i > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(b.Text)
		}
		return sb.String()
	}
	return ""
}

// parseContent handles both the string and the list-of-blocks shapes the
// Claude API allows for a message's "content" field.
func parseContent(raw json.RawMessage) []parts.Part {
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

	var blocks []wireContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil
	}

	out := make([]parts.Part, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			out = append(out, parts.Part{Kind: parts.KindText, Text: b.Text})
		case "thinking":
			out = append(out, parts.Part{Kind: parts.KindThinking, Thinking: b.Thinking, Signature: b.Signature})
		case "tool_use":
			var args map[string]interface{}
			if len(b.Input) > 0 {
				_ = json.Unmarshal(b.Input, &args)
			}
			out = append(out, parts.Part{Kind: parts.KindToolUse, ToolUseID: b.ID, ToolName: b.Name, ToolArgs: args})
		case "tool_result":
			out = append(out, parts.Part{
				Kind:              parts.KindToolResult,
				ToolResultID:      b.ToolUseID,
				ToolResultContent: toolResultText(b.Content),
			})
		case "image":
			if b.Source != nil && b.Source.Type == "base64" {
				out = append(out, parts.Part{
					Kind:          parts.KindImage,
					ImageMimeType: b.Source.MediaType,
					ImageBase64:   b.Source.Data,
				})
			}
		}
	}
	return out
}

// toolResultText collapses a tool_result block's content, which may be a
// plain string or a list of text blocks, into one string.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	var blocks []wireSystemBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var sb strings.Builder
		for i, b := range blocks {
			if i > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(b.Text)
		}
		return sb.String()
	}
	return string(raw)
}
