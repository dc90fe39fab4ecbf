// Package parts defines the neutral request/response tree shared by the
// translators, the token estimator, and the context compressor. Both the
// Claude and OpenAI wire formats are lowered into this shape before
// compression runs, and raised back out of it afterward; Upstream's own
// wire format is built directly from it by each translator.
package parts

// Kind tags the variant a Part carries. Exactly one of the corresponding
// fields on Part is meaningful for a given Kind.
type Kind string

const (
	KindText           Kind = "text"
	KindThinking       Kind = "thinking"
	KindToolUse        Kind = "tool_use"
	KindToolResult     Kind = "tool_result"
	KindImage          Kind = "image"
	KindFunctionCall    Kind = "function_call"
	KindFunctionResponse Kind = "function_response"
)

// Part is a tagged variant over the content block kinds both client APIs
// and Upstream exchange. Unused fields are left zero for a given Kind.
type Part struct {
	Kind Kind

	Text string

	Thinking  string
	Signature string // thought signature, verbatim or with a client "group#" prefix still attached

	ToolUseID string
	ToolName  string
	ToolArgs  map[string]interface{}

	ToolResultID      string // tool_use_id this result answers
	ToolResultContent string

	ImageMimeType string
	ImageBase64   string
}

// Role values after lowering to the neutral tree. OpenAI's "developer" and
// Claude's "system" both collapse into RoleSystem before reaching here.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one turn in the conversation.
type Message struct {
	Role  Role
	Parts []Part
}

// ToolDecl is a callable tool/function declaration, independent of the
// client API's own schema dialect.
type ToolDecl struct {
	Name        string
	Description string
	Schema      map[string]interface{} // JSON-schema-ish; cleaned per-translator before emission
}

// ThinkingConfig mirrors the client's request for extended/interleaved
// thinking, normalized across Claude's thinking.budget_tokens and OpenAI's
// reasoning_effort.
type ThinkingConfig struct {
	Enabled      bool
	BudgetTokens int // -1 means "auto" (OpenAI reasoning_effort=auto)
	Include      bool
}

// Request is the neutral request tree: the input to the compressor and the
// common currency both translators build from client bytes and consume
// when constructing the Upstream request.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolDecl
	Temperature float64
	HasTemp     bool
	TopP        float64
	HasTopP     bool
	TopK        int
	HasTopK     bool
	MaxTokens   int
	Stream      bool
	Thinking    *ThinkingConfig
}

// HasThinkingEnabled reports whether the request asked for thinking mode.
func (r *Request) HasThinkingEnabled() bool {
	return r.Thinking != nil && r.Thinking.Enabled
}

// FirstNonEmptyThinkingSignature returns the first thinking part (in
// document order) within msg whose signature is non-empty.
func (m *Message) FirstNonEmptyThinkingSignature() (string, bool) {
	for _, p := range m.Parts {
		if p.Kind == KindThinking && p.Signature != "" {
			return p.Signature, true
		}
	}
	return "", false
}

// IsToolUseMessage reports whether msg is an assistant message carrying at
// least one tool_use part (the head of a "tool round", §4.3/glossary).
func (m *Message) IsToolUseMessage() bool {
	if m.Role != RoleAssistant {
		return false
	}
	for _, p := range m.Parts {
		if p.Kind == KindToolUse {
			return true
		}
	}
	return false
}

// IsToolResultMessage reports whether msg is a user message composed
// entirely of tool_result parts.
func (m *Message) IsToolResultMessage() bool {
	if m.Role != RoleUser || len(m.Parts) == 0 {
		return false
	}
	for _, p := range m.Parts {
		if p.Kind != KindToolResult {
			return false
		}
	}
	return true
}

// Clone deep-copies the request tree so callers (notably the compressor)
// can mutate a working copy without racing concurrent readers of the
// original.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	out.Messages = make([]Message, len(r.Messages))
	for i, m := range r.Messages {
		out.Messages[i] = Message{Role: m.Role, Parts: append([]Part(nil), m.Parts...)}
	}
	out.Tools = append([]ToolDecl(nil), r.Tools...)
	if r.Thinking != nil {
		tc := *r.Thinking
		out.Thinking = &tc
	}
	return &out
}
