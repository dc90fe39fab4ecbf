// Package claude translates between the Claude Messages API wire format
// and the neutral internal/parts tree, and between the neutral tree and
// Upstream's Gemini-shaped wire format. Request building follows spec
// §4.4.1; the wire shapes (contents/parts/systemInstruction/functionCall/
// functionResponse) are grounded on the teacher's
// internal/converters/gemini_converter.go.
package claude

import (
	"strings"

	"github.com/relaybridge/upstream-bridge/internal/parts"
	"github.com/relaybridge/upstream-bridge/internal/sigcache"
)

const interleavedThinkingHint = "Interleaved thinking is enabled. You may think between tool calls to reflect on tool outputs before proceeding."

const skipThoughtSignatureValidator = "skip_thought_signature_validator"

// safety categories Upstream recognizes; the spec requires all four set
// to OFF on every request.
var safetyCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
}

// BuildUpstreamRequest lowers a neutral request tree into Upstream's
// Gemini-shaped wire body, per spec §4.4.1.
func BuildUpstreamRequest(req *parts.Request, resolvedModel string, cache *sigcache.Cache) map[string]interface{} {
	contents := make([]map[string]interface{}, 0, len(req.Messages))

	systemParts := []map[string]string{}
	if req.System != "" {
		systemParts = append(systemParts, map[string]string{"text": req.System})
	}

	hasTools := len(req.Tools) > 0
	thinkingEnabled := req.HasThinkingEnabled()
	if hasTools && thinkingEnabled {
		systemParts = append(systemParts, map[string]string{"text": interleavedThinkingHint})
	}

	for _, m := range req.Messages {
		role := "user"
		switch m.Role {
		case parts.RoleAssistant:
			role = "model"
		case parts.RoleUser, parts.RoleTool:
			role = "user"
		}

		emittedParts := make([]map[string]interface{}, 0, len(m.Parts))
		for _, p := range m.Parts {
			if wp, ok := lowerPart(p, cache); ok {
				emittedParts = append(emittedParts, wp)
			}
		}

		if role == "model" {
			emittedParts = partitionThinkingFirst(emittedParts)
		}

		if len(emittedParts) == 0 {
			continue
		}

		contents = append(contents, map[string]interface{}{
			"role":  role,
			"parts": emittedParts,
		})
	}

	upstreamReq := map[string]interface{}{
		"contents": contents,
	}
	if len(systemParts) > 0 {
		upstreamReq["systemInstruction"] = map[string]interface{}{
			"role":  "user",
			"parts": systemParts,
		}
	}

	genConfig := map[string]interface{}{}
	if req.HasTemp {
		genConfig["temperature"] = req.Temperature
	}
	if req.HasTopP {
		genConfig["topP"] = req.TopP
	}
	if req.HasTopK {
		genConfig["topK"] = req.TopK
	}
	if req.MaxTokens > 0 {
		genConfig["maxOutputTokens"] = req.MaxTokens
	}
	if thinkingEnabled && req.Thinking.BudgetTokens != 0 {
		genConfig["thinkingConfig"] = map[string]interface{}{
			"thinkingBudget": req.Thinking.BudgetTokens,
			"includeThoughts": true,
		}
	}
	if len(genConfig) > 0 {
		upstreamReq["generationConfig"] = genConfig
	}

	if len(req.Tools) > 0 {
		decls := make([]map[string]interface{}, 0, len(req.Tools))
		for _, tool := range req.Tools {
			decls = append(decls, map[string]interface{}{
				"name":                tool.Name,
				"description":         tool.Description,
				"parametersJsonSchema": cleanSchema(tool.Schema),
			})
		}
		upstreamReq["tools"] = []map[string]interface{}{
			{"functionDeclarations": decls},
		}
	}

	safetySettings := make([]map[string]string, 0, len(safetyCategories))
	for _, cat := range safetyCategories {
		safetySettings = append(safetySettings, map[string]string{
			"category":  cat,
			"threshold": "OFF",
		})
	}
	upstreamReq["safetySettings"] = safetySettings

	return map[string]interface{}{
		"model":   resolvedModel,
		"request": upstreamReq,
	}
}

// lowerPart converts one neutral part into its Gemini wire shape. ok is
// false for parts with no Upstream representation (none currently).
func lowerPart(p parts.Part, cache *sigcache.Cache) (map[string]interface{}, bool) {
	switch p.Kind {
	case parts.KindText:
		return map[string]interface{}{"text": p.Text}, true

	case parts.KindThinking:
		signature := p.Signature
		if cached, hit := cache.Get(p.Thinking); hit {
			signature = cached
		} else {
			signature = stripModelGroupPrefix(signature)
		}
		return map[string]interface{}{
			"thought":          true,
			"text":             p.Thinking,
			"thoughtSignature": signature,
		}, true

	case parts.KindToolUse:
		return map[string]interface{}{
			"thoughtSignature": skipThoughtSignatureValidator,
			"functionCall": map[string]interface{}{
				"id":   p.ToolUseID,
				"name": p.ToolName,
				"args": p.ToolArgs,
			},
		}, true

	case parts.KindToolResult:
		name := toolNameFromUseID(p.ToolResultID)
		return map[string]interface{}{
			"functionResponse": map[string]interface{}{
				"id":   p.ToolResultID,
				"name": name,
				"response": map[string]interface{}{
					"result": p.ToolResultContent,
				},
			},
		}, true

	case parts.KindImage:
		return map[string]interface{}{
			"inlineData": map[string]interface{}{
				"mime_type": p.ImageMimeType,
				"data":      p.ImageBase64,
			},
		}, true
	}
	return nil, false
}

// stripModelGroupPrefix removes a leading "group#" prefix, if present.
func stripModelGroupPrefix(signature string) string {
	if idx := strings.Index(signature, "#"); idx >= 0 {
		return signature[idx+1:]
	}
	return signature
}

// toolNameFromUseID derives a function name from a tool_use_id by
// stripping its last two "-"-separated tokens, per spec §4.4.1 step 3.
// A ToolResultID with fewer than 3 segments has nothing to strip, and the
// raw id is returned as-is (spec: "missing tool-use id -> name = raw id").
func toolNameFromUseID(toolUseID string) string {
	segments := strings.Split(toolUseID, "-")
	if len(segments) <= 2 {
		return toolUseID
	}
	return strings.Join(segments[:len(segments)-2], "-")
}

// partitionThinkingFirst stably moves thinking parts to the front of an
// assistant ("model") message, preserving relative order within each
// group. A message with no thinking parts is returned unchanged.
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

// cleanSchema strips $schema/additionalProperties/default at the root,
// and default/additionalProperties on each immediate property, per spec
// §4.4.1 step 6.
func cleanSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}

	cleaned := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		switch k {
		case "$schema", "additionalProperties", "default":
			continue
		}
		cleaned[k] = v
	}

	if props, ok := cleaned["properties"].(map[string]interface{}); ok {
		cleanedProps := make(map[string]interface{}, len(props))
		for name, raw := range props {
			prop, ok := raw.(map[string]interface{})
			if !ok {
				cleanedProps[name] = raw
				continue
			}
			cleanedProp := make(map[string]interface{}, len(prop))
			for pk, pv := range prop {
				switch pk {
				case "default", "additionalProperties":
					continue
				}
				cleanedProp[pk] = pv
			}
			cleanedProps[name] = cleanedProp
		}
		cleaned["properties"] = cleanedProps
	}

	return cleaned
}
