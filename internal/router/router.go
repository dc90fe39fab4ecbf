// Package router resolves a client-supplied model name into the concrete
// Upstream model name, following the precedence exact → wildcard → default
// table → pass-through → fallback.
package router

import "strings"

// builtinDefaults maps common client-facing model names to concrete
// Upstream names. It mirrors the small, fixed table Upstream clients expect
// when they never configured a custom mapping.
var builtinDefaults = map[string]string{
	"claude-3-5-sonnet-20241022": "claude-sonnet-4-5",
	"claude-3-5-sonnet-20240620": "claude-sonnet-4-5",
	"claude-3-5-haiku-20241022":  "claude-haiku-4-5",
	"claude-3-opus-20240229":     "claude-opus-4-1",
	"claude-sonnet-4-20250514":   "claude-sonnet-4-5",
	"gpt-4o":                     "claude-sonnet-4-5",
	"gpt-4o-mini":                "claude-haiku-4-5",
	"gpt-4":                      "claude-sonnet-4-5",
	"gpt-4-turbo":                "claude-sonnet-4-5",
}

// Router resolves client model names against a caller-supplied set of
// custom mappings (exact and wildcard), falling back to the built-in
// table, Gemini/thinking pass-through, and finally a configured default.
type Router struct {
	customMappings map[string]string
	defaultModel   string
}

// New builds a Router. customMappings may freely mix exact entries (no
// "*") and wildcard patterns (containing "*"); defaultModel is used only
// once every other rule in the precedence ladder misses.
func New(customMappings map[string]string, defaultModel string) *Router {
	m := make(map[string]string, len(customMappings))
	for k, v := range customMappings {
		m[k] = v
	}
	return &Router{customMappings: m, defaultModel: defaultModel}
}

// Resolve returns the Upstream model name for clientModel per the
// exact → wildcard → built-in default → pass-through → fallback ladder.
func (r *Router) Resolve(clientModel string) string {
	if clientModel == "" {
		return r.defaultModel
	}

	if target, ok := r.customMappings[clientModel]; ok {
		return target
	}

	if target, ok := r.bestWildcardMatch(clientModel); ok {
		return target
	}

	if target, ok := builtinDefaults[clientModel]; ok {
		return target
	}

	if strings.HasPrefix(clientModel, "gemini-") || strings.Contains(clientModel, "thinking") {
		return clientModel
	}

	return r.defaultModel
}

// bestWildcardMatch finds the highest-specificity wildcard pattern in
// customMappings that matches clientModel. Specificity is len(pattern) -
// count('*'); larger wins; among patterns of equal specificity the
// lexically smallest pattern wins, so the result does not depend on map
// iteration order.
func (r *Router) bestWildcardMatch(clientModel string) (string, bool) {
	bestSpecificity := -1
	bestPattern := ""
	bestTarget := ""
	found := false

	for pattern, target := range r.customMappings {
		if !strings.Contains(pattern, "*") {
			continue
		}
		if !wildcardMatches(pattern, clientModel) {
			continue
		}
		specificity := len(pattern) - strings.Count(pattern, "*")
		if specificity > bestSpecificity || (specificity == bestSpecificity && pattern < bestPattern) {
			bestSpecificity = specificity
			bestPattern = pattern
			bestTarget = target
			found = true
		}
	}

	return bestTarget, found
}

// wildcardMatches reports whether pattern matches input, where pattern is
// split on "*" into literal segments that must appear in input, in order;
// the first segment must anchor the start (unless pattern starts with
// "*") and the last segment must anchor the end (unless pattern ends with
// "*").
func wildcardMatches(pattern, input string) bool {
	segments := strings.Split(pattern, "*")

	anchorStart := !strings.HasPrefix(pattern, "*")
	anchorEnd := !strings.HasSuffix(pattern, "*")

	pos := 0
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		if i == 0 && anchorStart {
			if !strings.HasPrefix(input[pos:], seg) {
				return false
			}
			pos += len(seg)
			continue
		}
		if i == len(segments)-1 && anchorEnd {
			if !strings.HasSuffix(input[pos:], seg) {
				return false
			}
			continue
		}
		idx := strings.Index(input[pos:], seg)
		if idx == -1 {
			return false
		}
		pos += idx + len(seg)
	}
	return true
}
