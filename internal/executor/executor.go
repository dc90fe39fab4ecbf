// Package executor orchestrates one client request end to end: resolve
// the model, pick an account, refresh its token if needed, compress the
// request tree, translate it to Upstream's wire shape, dispatch with the
// single-shot 401 retry policy, translate the response back to the
// client's dialect, record usage, and fail over to another account on a
// rate limit. Grounded on the teacher's handlers/proxy.go control flow
// (ProxyHandlerWithAPIKey -> handleMultiChannelProxy ->
// tryChannelWithAllKeys), generalized from "channel plus API key" to
// "account", and from Upstream-specific 429 subtypes to the spec's
// RateLimited/QuotaExceeded kinds.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaybridge/upstream-bridge/internal/accountstore"
	"github.com/relaybridge/upstream-bridge/internal/apierr"
	"github.com/relaybridge/upstream-bridge/internal/compression"
	"github.com/relaybridge/upstream-bridge/internal/loadbalance"
	"github.com/relaybridge/upstream-bridge/internal/oauthrefresh"
	"github.com/relaybridge/upstream-bridge/internal/retry"
	"github.com/relaybridge/upstream-bridge/internal/router"
	"github.com/relaybridge/upstream-bridge/internal/sigcache"
	"github.com/relaybridge/upstream-bridge/internal/upstream"
	"github.com/relaybridge/upstream-bridge/internal/usage"
)

// tokenRefreshMargin is the safety window before expiry at which the
// Executor proactively refreshes an account's access token.
const tokenRefreshMargin = 5 * time.Minute

// defaultContextWindow is used for any resolved model the table below
// does not name.
const defaultContextWindow = 1_000_000

// modelContextWindows holds the token budget ContextCompressor measures
// pressure against, keyed by resolved model name. Unlisted models fall
// back to defaultContextWindow.
var modelContextWindows = map[string]int{
	"claude-sonnet-4-5": 200_000,
	"claude-opus-4-1":   200_000,
	"gemini-2.5-pro":    1_000_000,
	"gemini-2.5-flash":  1_000_000,
}

// ContextWindowFor returns the token budget compression pressure is
// measured against for resolvedModel.
func ContextWindowFor(resolvedModel string) int {
	if w, ok := modelContextWindows[resolvedModel]; ok {
		return w
	}
	return defaultContextWindow
}

// Deps wires every leaf package the Executor orchestrates. All fields
// are required except RetryCfg and Compression, which fall back to
// their package defaults when zero.
type Deps struct {
	Router      *router.Router
	Balancer    *loadbalance.LoadBalancer
	Accounts    *accountstore.MemoryStore
	OAuth       *oauthrefresh.Client
	Upstream    *upstream.Client
	SigCache    *sigcache.Cache
	Usage       *usage.Recorder
	RetryCfg    retry.Config
	Compression compression.Thresholds
}

// Executor runs the end-to-end request algorithm in spec §4.10.
type Executor struct {
	deps Deps
}

// New builds an Executor from deps, filling documented defaults.
func New(deps Deps) *Executor {
	if deps.RetryCfg == (retry.Config{}) {
		deps.RetryCfg = retry.DefaultConfig()
	}
	if deps.Compression == (compression.Thresholds{}) {
		deps.Compression = compression.DefaultThresholds()
	}
	return &Executor{deps: deps}
}

// dispatchResult carries one accepted Upstream call through to response
// translation and usage recording.
type dispatchResult struct {
	resp          *upstream.Response
	resolvedModel string
	account       accountstore.Account
	retryReport   *retry.Report
}

// upstreamStatusError lets retry.DefaultIsAuthFailure and the
// classification below recognize Upstream's HTTP status without
// string-matching bodies, mirroring oauthrefresh's httpStatusError.
type upstreamStatusError struct {
	status     int
	body       []byte
	retryAfter int
}

func (e *upstreamStatusError) Error() string {
	return fmt.Sprintf("upstream: status %d: %s", e.status, string(e.body))
}

func (e *upstreamStatusError) StatusCode() int { return e.status }

// isQuotaExceeded inspects a 429 body for the RESOURCE_EXHAUSTED +
// QUOTA_EXHAUSTED shape the teacher's error_parser.go classifies as a
// sticky quota failure rather than an auto-clearing rate limit.
func isQuotaExceeded(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return false
	}
	errObj := raw
	if nested, ok := raw["error"].(map[string]interface{}); ok {
		errObj = nested
	}
	status, _ := errObj["status"].(string)
	if status != "RESOURCE_EXHAUSTED" {
		return strings.Contains(strings.ToLower(string(body)), "quota")
	}
	details, _ := errObj["details"].([]interface{})
	for _, d := range details {
		dm, ok := d.(map[string]interface{})
		if !ok {
			continue
		}
		if reason, _ := dm["reason"].(string); reason == "QUOTA_EXHAUSTED" {
			return true
		}
	}
	return false
}

// ensureFreshToken refreshes account's token under its store-serialized
// lock when it is within the refresh margin of expiry. A refresh
// failure is terminal for the current request (spec §7) and does not
// mark the account rate-limited.
func (e *Executor) ensureFreshToken(ctx context.Context, account accountstore.Account) (accountstore.Account, *apierr.Error) {
	if !account.Tokens.ExpiringWithin(tokenRefreshMargin) {
		return account, nil
	}
	refreshed, err := oauthrefresh.RefreshOnce(ctx, e.deps.OAuth, e.deps.Accounts, account.ID)
	if err != nil {
		return account, apierr.Wrap(apierr.KindAuthError, "token refresh failed", err)
	}
	account.Tokens = refreshed
	return account, nil
}

// dispatchOnAccount runs the retry-wrapped Upstream dispatch for one
// account: conditional refresh, then retry.Execute around a single
// Dispatch call, classifying 401/429/quota failures per spec §4.10.
func (e *Executor) dispatchOnAccount(ctx context.Context, account accountstore.Account, resolvedModel string, upstreamBody map[string]interface{}, stream bool) (*upstream.Response, *retry.Report, *apierr.Error) {
	account, refreshErr := e.ensureFreshToken(ctx, account)
	if refreshErr != nil {
		return nil, nil, refreshErr
	}

	bearer := account.Tokens.AccessToken

	op := func(ctx context.Context) (interface{}, error) {
		resp, err := e.deps.Upstream.Dispatch(ctx, resolvedModel, bearer, upstreamBody, stream)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 300 {
			return nil, &upstreamStatusError{
				status:     resp.StatusCode,
				body:       resp.Body,
				retryAfter: upstream.RetryAfterSeconds(resp.Header),
			}
		}
		return resp, nil
	}

	refresh := func(ctx context.Context) (bool, error) {
		lock := e.deps.Accounts.RefreshLock(account.ID)
		lock.Lock()
		defer lock.Unlock()
		current, ok := e.deps.Accounts.Get(account.ID)
		if !ok {
			return false, fmt.Errorf("executor: unknown account %q", account.ID)
		}
		refreshed, err := e.deps.OAuth.Refresh(ctx, account.ID, current.Tokens.RefreshToken)
		if err != nil {
			return false, err
		}
		if err := e.deps.Accounts.UpdateTokens(account.ID, refreshed); err != nil {
			return false, err
		}
		bearer = refreshed.AccessToken
		return true, nil
	}

	result, report, err := retry.Execute(ctx, e.deps.RetryCfg, op, refresh, retry.DefaultIsAuthFailure)
	if err != nil {
		return nil, report, e.classifyDispatchError(account, err)
	}
	return result.(*upstream.Response), report, nil
}

// classifyDispatchError maps a failed dispatch into the spec's error
// taxonomy and applies the matching LoadBalancer bookkeeping.
func (e *Executor) classifyDispatchError(account accountstore.Account, err error) *apierr.Error {
	var statusErr *upstreamStatusError
	if se, ok := err.(*upstreamStatusError); ok {
		statusErr = se
	}

	if statusErr == nil {
		return apierr.Wrap(apierr.KindUpstreamError, "upstream dispatch failed", err)
	}

	switch {
	case statusErr.status == 401:
		return apierr.Wrap(apierr.KindAuthError, "upstream rejected credentials", err)
	case statusErr.status == 429 && isQuotaExceeded(statusErr.body):
		e.deps.Balancer.MarkQuotaExceeded(account.ID)
		return apierr.Wrap(apierr.KindRateLimited, "upstream quota exceeded", err)
	case statusErr.status == 429:
		retryAfter := statusErr.retryAfter
		e.deps.Balancer.MarkRateLimited(account.ID, time.Duration(retryAfter)*time.Second, time.Now())
		apiErr := apierr.Wrap(apierr.KindRateLimited, "upstream rate limited", err)
		apiErr.RetryAfter = retryAfter
		return apiErr
	case statusErr.status >= 500:
		return apierr.Wrap(apierr.KindUpstreamError, "upstream server error", err)
	default:
		return apierr.Wrap(apierr.KindUpstreamError, "upstream request rejected", err)
	}
}

// runWithFailover implements the outer loop of spec §4.10: pick an
// account, dispatch with the single-shot 401 retry, and on a
// RateLimited/QuotaExceeded failure try again on a different available
// account, up to once per account currently known to the balancer. If
// every attempt is exhausted it returns the most recent RateLimited
// error, preferring the soonest retry-after already recorded.
func (e *Executor) runWithFailover(ctx context.Context, resolvedModel string, buildBody func(accountstore.Account) (map[string]interface{}, error), stream bool) (*dispatchResult, *apierr.Error) {
	attempts := e.deps.Balancer.AvailableCount(time.Now()) + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr *apierr.Error
	for i := 0; i < attempts; i++ {
		accountID, ok := e.deps.Balancer.GetNextAccount(time.Now())
		if !ok {
			// The very first pick finding nothing means no account is
			// configured or all are currently limited: spec §4.10 maps
			// this to 503. A later pick running dry mid-failover instead
			// surfaces the most recent RateLimited failure (429).
			if i > 0 && lastErr != nil {
				return nil, lastErr
			}
			return nil, apierr.New(apierr.KindUnavailable, "no accounts available")
		}

		account, ok := e.deps.Accounts.Get(accountID)
		if !ok {
			lastErr = apierr.New(apierr.KindAuthError, "account not found: "+accountID)
			continue
		}

		body, err := buildBody(account)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindInvalidRequest, "building upstream request failed", err)
		}

		resp, report, apiErr := e.dispatchOnAccount(ctx, account, resolvedModel, body, stream)
		if apiErr == nil {
			return &dispatchResult{resp: resp, resolvedModel: resolvedModel, account: account, retryReport: report}, nil
		}

		if apiErr.Kind != apierr.KindRateLimited {
			return nil, apiErr
		}
		if lastErr == nil || lastErr.RetryAfter <= 0 || (apiErr.RetryAfter > 0 && apiErr.RetryAfter < lastErr.RetryAfter) {
			lastErr = apiErr
		}
	}
	return nil, lastErr
}

// recordUsage persists input/output token counts for the completed
// request, swallowing any failure per spec §4.9 ("all failures are
// swallowed").
func (e *Executor) recordUsage(ctx context.Context, accountEmail, resolvedModel string, inputTokens, outputTokens int) {
	if e.deps.Usage == nil {
		return
	}
	e.deps.Usage.Record(ctx, time.Now(), accountEmail, resolvedModel, int64(inputTokens), int64(outputTokens))
}

// newStreamID mints a fresh id for one response stream/message, used by
// both protocol adapters so message_start.id / chat.completion.chunk.id
// are process-unique without threading a counter through every layer.
func newStreamID(prefix string) string {
	return prefix + uuid.New().String()
}

// compressionLimitFor exposes ContextWindowFor so protocol adapters
// share one call site feeding ContextCompressor.apply.
func (e *Executor) compressionLimitFor(resolvedModel string) int {
	return ContextWindowFor(resolvedModel)
}
