package openai

import (
	"strings"

	"github.com/relaybridge/upstream-bridge/internal/parts"
	"github.com/relaybridge/upstream-bridge/internal/sigcache"
)

var safetyCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
}

// BuildUpstreamRequest lowers a neutral request tree (produced by
// ParseRequest) into Upstream's Gemini-shaped wire body, applying the
// OpenAI-specific rules of spec §4.5.1.
func BuildUpstreamRequest(req *parts.Request, resolvedModel string, cache *sigcache.Cache) map[string]interface{} {
	toolCallNames := buildToolCallNameMap(req.Messages)

	rawContents := lowerMessages(req, toolCallNames, cache)
	contents := mergeConsecutiveSameRole(rawContents)
	contents = scrubUndefined(contents)

	upstreamReq := map[string]interface{}{"contents": contents}

	if req.System != "" {
		upstreamReq["systemInstruction"] = map[string]interface{}{
			"role":  "user",
			"parts": []map[string]string{{"text": req.System}},
		}
	}

	genConfig := map[string]interface{}{}
	if req.HasTemp {
		genConfig["temperature"] = req.Temperature
	}
	if req.HasTopP {
		genConfig["topP"] = req.TopP
	}
	if req.MaxTokens > 0 {
		genConfig["maxOutputTokens"] = req.MaxTokens
	}
	if req.HasThinkingEnabled() {
		if req.Thinking.Include {
			genConfig["thinkingConfig"] = map[string]interface{}{
				"thinkingBudget":  req.Thinking.BudgetTokens,
				"includeThoughts": true,
			}
		} else {
			genConfig["thinkingConfig"] = map[string]interface{}{
				"includeThoughts": false,
			}
		}
	}
	if len(genConfig) > 0 {
		upstreamReq["generationConfig"] = genConfig
	}

	if len(req.Tools) > 0 {
		decls := make([]map[string]interface{}, 0, len(req.Tools))
		for _, tool := range req.Tools {
			name := tool.Name
			if name == "local_shell_call" {
				name = "shell"
			}
			decls = append(decls, map[string]interface{}{
				"name":                 name,
				"description":          tool.Description,
				"parametersJsonSchema": cleanSchema(tool.Schema),
			})
		}
		upstreamReq["tools"] = []map[string]interface{}{{"functionDeclarations": decls}}
	}

	safetySettings := make([]map[string]string, 0, len(safetyCategories))
	for _, cat := range safetyCategories {
		safetySettings = append(safetySettings, map[string]string{"category": cat, "threshold": "OFF"})
	}
	upstreamReq["safetySettings"] = safetySettings

	return map[string]interface{}{"model": resolvedModel, "request": upstreamReq}
}

// buildToolCallNameMap is the spec's first pass over assistant.tool_calls.
func buildToolCallNameMap(messages []parts.Message) map[string]string {
	names := make(map[string]string)
	for _, m := range messages {
		if m.Role != parts.RoleAssistant {
			continue
		}
		for _, p := range m.Parts {
			if p.Kind == parts.KindToolUse {
				names[p.ToolUseID] = p.ToolName
			}
		}
	}
	return names
}

// isThinkingCapable implements spec §4.5.1's thinking-model detection:
// gemini-3-* or any name containing "thinking".
func isThinkingCapable(model string) bool {
	return strings.HasPrefix(model, "gemini-3-") || strings.Contains(model, "thinking")
}

// assistantHistoryCompatible reports whether every assistant message
// carries reasoning content, the condition under which a thinking-model
// request may keep thinking enabled.
func assistantHistoryCompatible(messages []parts.Message) bool {
	for _, m := range messages {
		if m.Role != parts.RoleAssistant {
			continue
		}
		hasReasoning := false
		for _, p := range m.Parts {
			if p.Kind == parts.KindThinking {
				hasReasoning = true
				break
			}
		}
		if !hasReasoning {
			return false
		}
	}
	return true
}

// lowerMessages emits Gemini-shaped content entries in message order. Each
// tool-role message becomes a user entry carrying one functionResponse
// part at its own position in the history; no entry is added for a tool
// call whose result message is absent.
func lowerMessages(req *parts.Request, toolCallNames map[string]string, cache *sigcache.Cache) []map[string]interface{} {
	thinkingCapable := isThinkingCapable(req.Model)
	thinkingOK := thinkingCapable && assistantHistoryCompatible(req.Messages)

	out := make([]map[string]interface{}, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch m.Role {
		case parts.RoleTool:
			for _, p := range m.Parts {
				name := toolCallNames[p.ToolResultID]
				if name == "" {
					name = p.ToolResultID
				}
				out = append(out, map[string]interface{}{
					"role": "user",
					"parts": []map[string]interface{}{
						{
							"functionResponse": map[string]interface{}{
								"id":   p.ToolResultID,
								"name": name,
								"response": map[string]interface{}{
									"result": p.ToolResultContent,
								},
							},
						},
					},
				})
			}
			continue
		}

		role := "user"
		if m.Role == parts.RoleAssistant {
			role = "model"
		}

		emitted := make([]map[string]interface{}, 0, len(m.Parts)+1)
		for _, p := range m.Parts {
			switch p.Kind {
			case parts.KindText:
				emitted = append(emitted, map[string]interface{}{"text": p.Text})
			case parts.KindThinking:
				if thinkingOK {
					signature := p.Signature
					if cached, hit := cache.Get(p.Thinking); hit {
						signature = cached
					}
					emitted = append(emitted, map[string]interface{}{
						"thought":          true,
						"text":             p.Thinking,
						"thoughtSignature": signature,
					})
				}
			case parts.KindToolUse:
				emitted = append(emitted, map[string]interface{}{
					"functionCall": map[string]interface{}{
						"id":   p.ToolUseID,
						"name": p.ToolName,
						"args": p.ToolArgs,
					},
				})
			case parts.KindImage:
				emitted = append(emitted, map[string]interface{}{
					"inlineData": map[string]interface{}{
						"mime_type": p.ImageMimeType,
						"data":      p.ImageBase64,
					},
				})
			}
		}

		if len(emitted) == 0 {
			continue
		}
		if role == "model" {
			emitted = partitionThinkingFirst(emitted)
		}
		out = append(out, map[string]interface{}{"role": role, "parts": emitted})
	}

	return out
}

// partitionThinkingFirst stably moves thinking parts to the front of an
// assistant ("model") message, mirroring the Claude translator's rule
// (spec §4.4.1 step 4, applied here per §4.5.1's "analogous to 4.4.1").
func partitionThinkingFirst(emitted []map[string]interface{}) []map[string]interface{} {
	hasThinking := false
	for _, p := range emitted {
		if _, ok := p["thought"]; ok {
			hasThinking = true
			break
		}
	}
	if !hasThinking {
		return emitted
	}

	thinking := make([]map[string]interface{}, 0, len(emitted))
	rest := make([]map[string]interface{}, 0, len(emitted))
	for _, p := range emitted {
		if _, ok := p["thought"]; ok {
			thinking = append(thinking, p)
		} else {
			rest = append(rest, p)
		}
	}
	return append(thinking, rest...)
}

// mergeConsecutiveSameRole stably concatenates the parts of adjacent
// entries sharing the same role, per spec §4.5.1.
func mergeConsecutiveSameRole(contents []map[string]interface{}) []map[string]interface{} {
	if len(contents) == 0 {
		return contents
	}
	out := make([]map[string]interface{}, 0, len(contents))
	out = append(out, contents[0])

	for _, c := range contents[1:] {
		last := out[len(out)-1]
		if last["role"] == c["role"] {
			lastParts := last["parts"].([]map[string]interface{})
			newParts := c["parts"].([]map[string]interface{})
			last["parts"] = append(lastParts, newParts...)
			continue
		}
		out = append(out, c)
	}
	return out
}

// scrubUndefined recursively removes the literal string "[undefined]"
// from every string value in the tree, per spec §4.5.1.
func scrubUndefined(contents []map[string]interface{}) []map[string]interface{} {
	for _, c := range contents {
		scrubValue(c)
	}
	return contents
}

func scrubValue(v interface{}) {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, inner := range val {
			if s, ok := inner.(string); ok {
				val[k] = strings.ReplaceAll(s, "[undefined]", "")
				continue
			}
			scrubValue(inner)
		}
	case []map[string]interface{}:
		for _, inner := range val {
			scrubValue(inner)
		}
	case []interface{}:
		for i, inner := range val {
			if s, ok := inner.(string); ok {
				val[i] = strings.ReplaceAll(s, "[undefined]", "")
				continue
			}
			scrubValue(inner)
		}
	}
}

// cleanSchema applies the OpenAI-specific stricter cleaning of spec
// §4.5.1: strip format/strict/additionalProperties recursively, then
// uppercase every "type" field.
func cleanSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	cleaned := stripFieldsRecursive(schema)
	uppercaseTypesRecursive(cleaned)
	return cleaned
}

func stripFieldsRecursive(v map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(v))
	for k, val := range v {
		switch k {
		case "format", "strict", "additionalProperties":
			continue
		}
		out[k] = stripFieldsRecursiveValue(val)
	}
	return out
}

func stripFieldsRecursiveValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return stripFieldsRecursive(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = stripFieldsRecursiveValue(e)
		}
		return out
	default:
		return v
	}
}

func uppercaseTypesRecursive(v interface{}) {
	switch val := v.(type) {
	case map[string]interface{}:
		if t, ok := val["type"].(string); ok {
			val["type"] = strings.ToUpper(t)
		}
		for _, inner := range val {
			uppercaseTypesRecursive(inner)
		}
	case []interface{}:
		for _, inner := range val {
			uppercaseTypesRecursive(inner)
		}
	}
}
