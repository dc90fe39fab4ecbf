package executor

import (
	"context"
	"encoding/json"

	"github.com/relaybridge/upstream-bridge/internal/accountstore"
	"github.com/relaybridge/upstream-bridge/internal/apierr"
	"github.com/relaybridge/upstream-bridge/internal/compression"
	"github.com/relaybridge/upstream-bridge/internal/tokencount"
	"github.com/relaybridge/upstream-bridge/internal/translator/claude"
)

// ClaudeResult carries exactly one of the two Claude Messages API
// response shapes back to the HTTP layer, mirroring the endpoint's own
// stream/non-stream fork.
type ClaudeResult struct {
	Unary  *claude.UnaryResponse
	Events <-chan string
}

func upstreamRequestBody(wrapped map[string]interface{}) map[string]interface{} {
	inner, _ := wrapped["request"].(map[string]interface{})
	if inner == nil {
		return map[string]interface{}{}
	}
	return inner
}

// ExecuteClaudeMessages runs spec §4.10 for a POST /v1/messages body,
// returning a unary response or a live SSE event channel depending on
// the client's stream flag.
func (e *Executor) ExecuteClaudeMessages(ctx context.Context, body []byte) (*ClaudeResult, *apierr.Error) {
	req, err := claude.ParseRequest(body)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInvalidRequest, "invalid Claude messages body", err)
	}

	resolvedModel := e.deps.Router.Resolve(req.Model)
	limit := e.compressionLimitFor(resolvedModel)
	compressedReq, _ := compression.Apply(req, limit, e.deps.Compression)
	modelGroup := req.Model

	buildBody := func(account accountstore.Account) (map[string]interface{}, error) {
		wrapped := claude.BuildUpstreamRequest(compressedReq, resolvedModel, e.deps.SigCache)
		return upstreamRequestBody(wrapped), nil
	}

	if !compressedReq.Stream {
		result, apiErr := e.runWithFailover(ctx, resolvedModel, buildBody, false)
		if apiErr != nil {
			return nil, apiErr
		}

		var upstreamResp map[string]interface{}
		if err := json.Unmarshal(result.resp.Body, &upstreamResp); err != nil {
			return nil, apierr.Wrap(apierr.KindUpstreamError, "malformed upstream response", err)
		}

		unary := claude.ParseUnaryResponse(upstreamResp, req.Model, modelGroup, e.deps.SigCache)
		e.recordUsage(ctx, result.account.Email, resolvedModel, unary.Usage["input_tokens"], unary.Usage["output_tokens"])
		return &ClaudeResult{Unary: &unary}, nil
	}

	result, apiErr := e.runWithFailover(ctx, resolvedModel, buildBody, true)
	if apiErr != nil {
		return nil, apiErr
	}

	events := make(chan string, 64)
	messageID := newStreamID("msg_")
	state := claude.NewStreamState(events, modelGroup, e.deps.SigCache, messageID)

	go e.pumpClaudeStream(ctx, result, state, req.Model, resolvedModel, events, tokencount.EstimateRequestTokens(compressedReq))

	return &ClaudeResult{Events: events}, nil
}

// pumpClaudeStream consumes Upstream's raw streamed chunks, feeding each
// part into state, then records usage and closes events. Runs in its own
// goroutine so ExecuteClaudeMessages can return the channel immediately.
func (e *Executor) pumpClaudeStream(ctx context.Context, result *dispatchResult, state *claude.StreamState, clientModel, resolvedModel string, events chan string, inputTokens int) {
	defer close(events)

	state.EmitMessageStart(clientModel, inputTokens)

	finishReason := ""
	var lastUsage map[string]interface{}

	for line := range result.resp.Lines {
		var chunk map[string]interface{}
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			continue
		}

		if um, ok := chunk["usageMetadata"].(map[string]interface{}); ok {
			lastUsage = um
		}

		candidates, _ := chunk["candidates"].([]interface{})
		if len(candidates) == 0 {
			continue
		}
		candidate, ok := candidates[0].(map[string]interface{})
		if !ok {
			continue
		}
		if fr, ok := candidate["finishReason"].(string); ok && fr != "" {
			finishReason = fr
		}

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
				state.EmitThinking(text, sig)
				continue
			}
			if text, ok := part["text"].(string); ok {
				state.EmitText(text)
				continue
			}
			if fc, ok := part["functionCall"].(map[string]interface{}); ok {
				name, _ := fc["name"].(string)
				args, _ := fc["args"].(map[string]interface{})
				state.EmitToolUse(name, args)
			}
		}
	}

	usage := claude.ComputeUsage(lastUsage)
	state.Close(finishReason, usage)
	e.recordUsage(ctx, result.account.Email, resolvedModel, usage.PromptTokens, usage.CompletionTokens)
}

// CountClaudeTokens implements POST /v1/messages/count_tokens: parse and
// estimate without dispatching to Upstream.
func (e *Executor) CountClaudeTokens(body []byte) (int, *apierr.Error) {
	req, err := claude.ParseRequest(body)
	if err != nil {
		return 0, apierr.Wrap(apierr.KindInvalidRequest, "invalid Claude messages body", err)
	}
	return tokencount.EstimateRequestTokens(req), nil
}
