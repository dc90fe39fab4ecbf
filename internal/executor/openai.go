package executor

import (
	"context"
	"encoding/json"

	"github.com/relaybridge/upstream-bridge/internal/accountstore"
	"github.com/relaybridge/upstream-bridge/internal/apierr"
	"github.com/relaybridge/upstream-bridge/internal/compression"
	"github.com/relaybridge/upstream-bridge/internal/tokencount"
	"github.com/relaybridge/upstream-bridge/internal/translator/openai"
)

// OpenAIResult carries exactly one of the two chat-completions response
// shapes back to the HTTP layer.
type OpenAIResult struct {
	Unary  *openai.UnaryResponse
	Events <-chan string
}

// ExecuteChatCompletions runs spec §4.10 for a POST /v1/chat/completions
// body, returning a unary response or a live SSE event channel depending
// on the client's stream flag.
func (e *Executor) ExecuteChatCompletions(ctx context.Context, body []byte) (*OpenAIResult, *apierr.Error) {
	req, _, err := openai.ParseRequest(body)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInvalidRequest, "invalid chat completions body", err)
	}

	resolvedModel := e.deps.Router.Resolve(req.Model)
	limit := e.compressionLimitFor(resolvedModel)
	compressedReq, _ := compression.Apply(req, limit, e.deps.Compression)

	buildBody := func(account accountstore.Account) (map[string]interface{}, error) {
		wrapped := openai.BuildUpstreamRequest(compressedReq, resolvedModel, e.deps.SigCache)
		return upstreamRequestBody(wrapped), nil
	}

	streamID := newStreamID("chatcmpl-")

	if !compressedReq.Stream {
		result, apiErr := e.runWithFailover(ctx, resolvedModel, buildBody, false)
		if apiErr != nil {
			return nil, apiErr
		}

		var upstreamResp map[string]interface{}
		if err := json.Unmarshal(result.resp.Body, &upstreamResp); err != nil {
			return nil, apierr.Wrap(apierr.KindUpstreamError, "malformed upstream response", err)
		}

		unary := openai.ParseUnaryResponse(upstreamResp, streamID, openai.NowUnix(), req.Model)
		remapUnaryToolCallArguments(&unary)
		e.recordUsage(ctx, result.account.Email, resolvedModel, unary.Usage["prompt_tokens"], unary.Usage["completion_tokens"])
		return &OpenAIResult{Unary: &unary}, nil
	}

	result, apiErr := e.runWithFailover(ctx, resolvedModel, buildBody, true)
	if apiErr != nil {
		return nil, apiErr
	}

	events := make(chan string, 64)
	state := openai.NewStreamState(events, streamID, openai.NowUnix(), req.Model)

	go e.pumpOpenAIStream(ctx, result, state, resolvedModel, events)

	return &OpenAIResult{Events: events}, nil
}

// pumpOpenAIStream consumes Upstream's raw streamed chunks, feeding each
// part into state, then records usage and closes events.
func (e *Executor) pumpOpenAIStream(ctx context.Context, result *dispatchResult, state *openai.StreamState, resolvedModel string, events chan string) {
	defer close(events)

	finishReason := "stop"
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
		if fr, ok := candidate["finishReason"].(string); ok && fr == "MAX_TOKENS" {
			finishReason = "length"
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
				state.EmitThinking(text)
				continue
			}
			if text, ok := part["text"].(string); ok {
				state.EmitText(text)
				continue
			}
			if fc, ok := part["functionCall"].(map[string]interface{}); ok {
				name, _ := fc["name"].(string)
				args, _ := fc["args"].(map[string]interface{})
				state.EmitToolCall(name, openai.RemapToolArguments(name, args))
				finishReason = "tool_calls"
			}
		}
	}

	usage := openai.ComputeUsage(lastUsage)
	state.Close(finishReason)
	e.recordUsage(ctx, result.account.Email, resolvedModel, usage.PromptTokens, usage.CompletionTokens)
}

// remapUnaryToolCallArguments applies the spec §4.5.4 argument rewrites
// to every tool call in a non-streaming chat completions response, the
// unary counterpart of pumpOpenAIStream's per-call remap.
func remapUnaryToolCallArguments(resp *openai.UnaryResponse) {
	for ci := range resp.Choices {
		for ti := range resp.Choices[ci].Message.ToolCalls {
			call := &resp.Choices[ci].Message.ToolCalls[ti]
			var args map[string]interface{}
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				continue
			}
			remapped := openai.RemapToolArguments(call.Function.Name, args)
			b, err := json.Marshal(remapped)
			if err != nil {
				continue
			}
			call.Function.Arguments = string(b)
		}
	}
}

// CountChatCompletionTokens estimates token usage for a chat-completions
// body without dispatching to Upstream. No HTTP route calls it; the
// count_tokens endpoint uses CountClaudeTokens.
func (e *Executor) CountChatCompletionTokens(body []byte) (int, *apierr.Error) {
	req, _, err := openai.ParseRequest(body)
	if err != nil {
		return 0, apierr.Wrap(apierr.KindInvalidRequest, "invalid chat completions body", err)
	}
	return tokencount.EstimateRequestTokens(req), nil
}
