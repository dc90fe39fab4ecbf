// Package tokencount implements the heuristic token estimator used to
// decide compression pressure before a request is sent upstream. It has no
// knowledge of any specific tokenizer vocabulary — it is a fast, cheap
// proxy, not an exact count.
package tokencount

import (
	"encoding/json"
	"math"

	"github.com/relaybridge/upstream-bridge/internal/parts"
)

// perMessageRoleOverhead is the fixed per-message token cost added in
// estimateRequestTokens for role/formatting bookkeeping that text content
// alone doesn't capture.
const perMessageRoleOverhead = 4

const fudgeFactor = 1.15

// EstimateTokens counts ASCII code points as ceil(ascii/4) and non-ASCII
// code points as ceil(nonAscii/1.5), sums the two, then scales by 1.15 and
// rounds up. An empty string estimates to zero.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}

	var ascii, nonASCII int
	for _, r := range text {
		if r < 128 {
			ascii++
		} else {
			nonASCII++
		}
	}

	asciiTokens := math.Ceil(float64(ascii) / 4.0)
	nonASCIITokens := math.Ceil(float64(nonASCII) / 1.5)

	return int(math.Ceil((asciiTokens + nonASCIITokens) * fudgeFactor))
}

// EstimateRequestTokens sums token estimates across the system instruction,
// every message part (with a fixed per-message overhead for role
// bookkeeping), declared tools, and any declared thinking budget.
func EstimateRequestTokens(req *parts.Request) int {
	if req == nil {
		return 0
	}

	total := EstimateTokens(req.System)

	for _, msg := range req.Messages {
		total += perMessageRoleOverhead
		for _, p := range msg.Parts {
			total += estimatePart(p)
		}
	}

	for _, tool := range req.Tools {
		total += EstimateTokens(tool.Name)
		total += EstimateTokens(tool.Description)
		total += estimateJSONValue(tool.Schema)
	}

	if req.Thinking != nil && req.Thinking.BudgetTokens > 0 {
		total += req.Thinking.BudgetTokens
	}

	return total
}

func estimatePart(p parts.Part) int {
	switch p.Kind {
	case parts.KindText:
		return EstimateTokens(p.Text)
	case parts.KindThinking:
		return EstimateTokens(p.Thinking)
	case parts.KindToolUse:
		return EstimateTokens(p.ToolName) + estimateJSONValue(p.ToolArgs)
	case parts.KindToolResult:
		return EstimateTokens(p.ToolResultContent)
	case parts.KindImage:
		// Image payloads are estimated from their base64 length only; this
		// is intentionally crude, matching the heuristic nature of the
		// whole estimator.
		return EstimateTokens(p.ImageBase64)
	default:
		return 0
	}
}

// estimateJSONValue serializes v to canonical JSON text and estimates that,
// matching the spec's "tool payloads estimated by serializing to canonical
// JSON text" rule.
func estimateJSONValue(v interface{}) int {
	if v == nil {
		return 0
	}
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return EstimateTokens(string(b))
}
