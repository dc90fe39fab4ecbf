// Package compression implements the three-layer, pressure-triggered
// request shrinking pipeline that keeps requests under Upstream's context
// limit. Layers run in strict order and each only fires if the previous
// one left pressure above its own threshold.
package compression

import (
	"github.com/relaybridge/upstream-bridge/internal/parts"
	"github.com/relaybridge/upstream-bridge/internal/tokencount"
)

// Thresholds configures the pressure percentage at which each layer
// activates, plus the two "how much to keep" knobs each layer uses.
type Thresholds struct {
	Layer1 float64 // default 60
	Layer2 float64 // default 75
	Layer3 float64 // default 90

	KeepLastToolRounds int // default 5, used by layer 1
	ProtectedLastN     int // default 4, used by layer 2
}

// DefaultThresholds returns the spec's default tuning.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Layer1:             60,
		Layer2:             75,
		Layer3:             90,
		KeepLastToolRounds: 5,
		ProtectedLastN:     4,
	}
}

// Result reports which layers fired and the fork anchor signature, if any,
// surfaced by layer 3.
type Result struct {
	Pressure        float64
	Layer1Applied   bool
	Layer2Applied   bool
	Layer3Triggered bool
	ForkSignature   string
	TokensBefore    int
	TokensAfter     int
}

// Pressure computes estimated-tokens / maxTokens as a percentage.
func Pressure(req *parts.Request, maxTokens int) float64 {
	if maxTokens <= 0 {
		return 0
	}
	return 100 * float64(tokencount.EstimateRequestTokens(req)) / float64(maxTokens)
}

// Apply mutates a clone of req in place across the three layers, each
// gated on the request's re-estimated pressure, and returns the
// compressed tree plus a report of what happened. req itself is never
// mutated.
func Apply(req *parts.Request, maxTokens int, th Thresholds) (*parts.Request, Result) {
	working := req.Clone()
	before := tokencount.EstimateRequestTokens(working)

	result := Result{TokensBefore: before}
	pressure := 100 * float64(before) / float64(maxTokensOrOne(maxTokens))
	result.Pressure = pressure

	if pressure >= th.Layer1 {
		if applyLayer1(working, th.KeepLastToolRounds) {
			result.Layer1Applied = true
		}
		pressure = Pressure(working, maxTokens)
		result.Pressure = pressure
	}

	if pressure >= th.Layer2 {
		if applyLayer2(working, th.ProtectedLastN) {
			result.Layer2Applied = true
		}
		pressure = Pressure(working, maxTokens)
		result.Pressure = pressure
	}

	if pressure >= th.Layer3 {
		if sig, ok := ForkHint(working); ok {
			result.Layer3Triggered = true
			result.ForkSignature = sig
		}
	}

	result.TokensAfter = tokencount.EstimateRequestTokens(working)
	return working, result
}

func maxTokensOrOne(maxTokens int) int {
	if maxTokens <= 0 {
		return 1
	}
	return maxTokens
}

// toolRound is one assistant tool_use message plus the run of consecutive
// user tool_result messages that answer it.
type toolRound struct {
	start, end int // inclusive message index range
}

// findToolRounds scans messages for the glossary's "tool round": an
// assistant message containing a tool_use part, followed by one or more
// consecutive user messages whose parts are entirely tool_result blocks.
func findToolRounds(messages []parts.Message) []toolRound {
	var rounds []toolRound
	i := 0
	for i < len(messages) {
		if !messages[i].IsToolUseMessage() {
			i++
			continue
		}
		start := i
		j := i + 1
		for j < len(messages) && messages[j].IsToolResultMessage() {
			j++
		}
		if j > i+1 {
			rounds = append(rounds, toolRound{start: start, end: j - 1})
			i = j
		} else {
			i++
		}
	}
	return rounds
}

// applyLayer1 keeps the most recent keepLast tool rounds and deletes
// earlier ones by rebuilding the message list without their indices.
// Never reorders messages.
func applyLayer1(req *parts.Request, keepLast int) bool {
	if keepLast < 0 {
		keepLast = 0
	}
	rounds := findToolRounds(req.Messages)
	if len(rounds) <= keepLast {
		return false
	}

	toRemove := rounds[:len(rounds)-keepLast]

	remove := make(map[int]bool)
	for _, r := range toRemove {
		for idx := r.start; idx <= r.end; idx++ {
			remove[idx] = true
		}
	}

	kept := make([]parts.Message, 0, len(req.Messages)-len(remove))
	for idx, m := range req.Messages {
		if remove[idx] {
			continue
		}
		kept = append(kept, m)
	}
	req.Messages = kept
	return true
}

// applyLayer2 replaces the thinking text of any signed thinking part
// longer than 10 characters with "..." in every assistant message outside
// the protected tail, leaving signatures untouched.
func applyLayer2(req *parts.Request, protectedLastN int) bool {
	if protectedLastN < 0 {
		protectedLastN = 0
	}
	cutoff := len(req.Messages) - protectedLastN
	if cutoff <= 0 {
		return false
	}

	changed := false
	for i := 0; i < cutoff; i++ {
		m := &req.Messages[i]
		if m.Role != parts.RoleAssistant {
			continue
		}
		for pi := range m.Parts {
			p := &m.Parts[pi]
			if p.Kind != parts.KindThinking {
				continue
			}
			if p.Signature == "" || len(p.Thinking) <= 10 {
				continue
			}
			p.Thinking = "..."
			changed = true
		}
	}
	return changed
}

// ForkHint scans messages back-to-front, and within each assistant message
// scans parts back-to-front, returning the first thinking signature of
// length >= 50. It never mutates req.
func ForkHint(req *parts.Request) (string, bool) {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		m := req.Messages[i]
		if m.Role != parts.RoleAssistant {
			continue
		}
		for pi := len(m.Parts) - 1; pi >= 0; pi-- {
			p := m.Parts[pi]
			if p.Kind == parts.KindThinking && len(p.Signature) >= 50 {
				return p.Signature, true
			}
		}
	}
	return "", false
}
