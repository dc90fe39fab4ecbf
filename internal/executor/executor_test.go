package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaybridge/upstream-bridge/internal/accountstore"
	"github.com/relaybridge/upstream-bridge/internal/compression"
	"github.com/relaybridge/upstream-bridge/internal/loadbalance"
	"github.com/relaybridge/upstream-bridge/internal/oauthrefresh"
	"github.com/relaybridge/upstream-bridge/internal/retry"
	"github.com/relaybridge/upstream-bridge/internal/router"
	"github.com/relaybridge/upstream-bridge/internal/sigcache"
	"github.com/relaybridge/upstream-bridge/internal/upstream"
	"github.com/relaybridge/upstream-bridge/internal/usage"
)

func newTestExecutor(t *testing.T, upstreamURL, tokenURL string, accounts []accountstore.Account) *Executor {
	t.Helper()

	ids := make([]string, 0, len(accounts))
	for _, a := range accounts {
		ids = append(ids, a.ID)
	}

	rec, err := usage.Open(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("opening usage recorder: %v", err)
	}
	t.Cleanup(func() { rec.Close() })

	cache := sigcache.New(sigcache.DefaultConfig())
	t.Cleanup(cache.Close)

	return New(Deps{
		Router:      router.New(map[string]string{"claude-3-5-sonnet-20241022": "claude-sonnet-4-5"}, "claude-sonnet-4-5"),
		Balancer:    loadbalance.New(ids, loadbalance.StrategyRoundRobin, loadbalance.DefaultRateLimitDuration),
		Accounts:    accountstore.NewMemoryStore(accounts),
		OAuth:       oauthrefresh.New(oauthrefresh.Config{TokenURL: tokenURL, ClientID: "test-client"}),
		Upstream:    upstream.New(upstream.Config{BaseURL: upstreamURL}),
		SigCache:    cache,
		Usage:       rec,
		RetryCfg:    retry.DefaultConfig(),
		Compression: compression.DefaultThresholds(),
	})
}

func accountAt(id, email, token string, expiresAt time.Time) accountstore.Account {
	return accountstore.Account{
		ID:    id,
		Email: email,
		Tokens: accountstore.TokenPair{
			AccessToken:  token,
			AccountID:    id,
			RefreshToken: "refresh-" + id,
			ExpiresAt:    expiresAt,
		},
	}
}

func TestExecuteClaudeMessagesUnarySuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"candidates":[{"content":{"parts":[{"text":"hello there"}]},"finishReason":"STOP"}],
			"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":5,"totalTokenCount":15}
		}`))
	}))
	defer srv.Close()

	accounts := []accountstore.Account{accountAt("acc1", "a@example.com", "tok1", time.Now().Add(time.Hour))}
	exec := newTestExecutor(t, srv.URL, "http://unused.invalid", accounts)

	body := []byte(`{"model":"claude-3-5-sonnet-20241022","messages":[{"role":"user","content":"hi"}],"stream":false}`)
	result, apiErr := exec.ExecuteClaudeMessages(context.Background(), body)
	if apiErr != nil {
		t.Fatalf("unexpected error: %v", apiErr)
	}
	if result.Unary == nil {
		t.Fatalf("expected unary response")
	}
	if len(result.Unary.Content) != 1 || result.Unary.Content[0].Text != "hello there" {
		t.Fatalf("unexpected content: %+v", result.Unary.Content)
	}
	if result.Unary.Usage["input_tokens"] != 10 || result.Unary.Usage["output_tokens"] != 5 {
		t.Fatalf("unexpected usage: %+v", result.Unary.Usage)
	}
}

func TestExecuteClaudeMessagesRetriesOnceAfter401(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			if r.Header.Get("Authorization") != "Bearer tok1" {
				t.Errorf("expected first call to use original token, got %q", r.Header.Get("Authorization"))
			}
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":{"status":"UNAUTHENTICATED"}}`))
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok2" {
			t.Errorf("expected retry to use refreshed token, got %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"candidates":[{"content":{"parts":[{"text":"recovered"}]},"finishReason":"STOP"}],
			"usageMetadata":{"promptTokenCount":8,"candidatesTokenCount":3,"totalTokenCount":11}
		}`))
	}))
	defer srv.Close()

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.Form.Get("grant_type") != "refresh_token" {
			t.Errorf("expected refresh_token grant, got %q", r.Form.Get("grant_type"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok2","refresh_token":"refresh-acc1","expires_in":3600}`))
	}))
	defer tokenSrv.Close()

	accounts := []accountstore.Account{accountAt("acc1", "a@example.com", "tok1", time.Now().Add(time.Hour))}
	exec := newTestExecutor(t, srv.URL, tokenSrv.URL, accounts)

	body := []byte(`{"model":"claude-3-5-sonnet-20241022","messages":[{"role":"user","content":"hi"}],"stream":false}`)
	result, apiErr := exec.ExecuteClaudeMessages(context.Background(), body)
	if apiErr != nil {
		t.Fatalf("unexpected error: %v", apiErr)
	}
	if result.Unary == nil || result.Unary.Content[0].Text != "recovered" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 dispatch attempts, got %d", calls)
	}
}

func TestExecuteClaudeMessagesFailsOverToNextAccountOnRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer limited-token" {
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"status":"RESOURCE_EXHAUSTED"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"candidates":[{"content":{"parts":[{"text":"from second account"}]},"finishReason":"STOP"}],
			"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":2,"totalTokenCount":6}
		}`))
	}))
	defer srv.Close()

	accounts := []accountstore.Account{
		accountAt("acc1", "limited@example.com", "limited-token", time.Now().Add(time.Hour)),
		accountAt("acc2", "fresh@example.com", "fresh-token", time.Now().Add(time.Hour)),
	}
	exec := newTestExecutor(t, srv.URL, "http://unused.invalid", accounts)

	body := []byte(`{"model":"claude-3-5-sonnet-20241022","messages":[{"role":"user","content":"hi"}],"stream":false}`)
	result, apiErr := exec.ExecuteClaudeMessages(context.Background(), body)
	if apiErr != nil {
		t.Fatalf("unexpected error: %v", apiErr)
	}
	if result.Unary == nil || result.Unary.Content[0].Text != "from second account" {
		t.Fatalf("expected failover to the second account, got %+v", result)
	}

	status, ok := exec.deps.Balancer.Status("acc1")
	if !ok || !status.IsRateLimited {
		t.Fatalf("expected acc1 marked rate-limited, got %+v ok=%v", status, ok)
	}
}

func TestExecuteClaudeMessagesReturnsUnavailableWithNoAccounts(t *testing.T) {
	exec := newTestExecutor(t, "http://unused.invalid", "http://unused.invalid", nil)

	body := []byte(`{"model":"claude-3-5-sonnet-20241022","messages":[{"role":"user","content":"hi"}],"stream":false}`)
	_, apiErr := exec.ExecuteClaudeMessages(context.Background(), body)
	if apiErr == nil {
		t.Fatalf("expected an error with no accounts configured")
	}
	if apiErr.HTTPStatus() != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", apiErr.HTTPStatus())
	}
}

func TestExecuteClaudeMessagesStreamingEmitsNamedEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		w.Write([]byte(`data: {"candidates":[{"content":{"parts":[{"text":"hi "}]}}]}` + "\n\n"))
		flusher.Flush()
		w.Write([]byte(`data: {"candidates":[{"content":{"parts":[{"text":"there"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":2,"totalTokenCount":5}}` + "\n\n"))
		flusher.Flush()
	}))
	defer srv.Close()

	accounts := []accountstore.Account{accountAt("acc1", "a@example.com", "tok1", time.Now().Add(time.Hour))}
	exec := newTestExecutor(t, srv.URL, "http://unused.invalid", accounts)

	body := []byte(`{"model":"claude-3-5-sonnet-20241022","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	result, apiErr := exec.ExecuteClaudeMessages(context.Background(), body)
	if apiErr != nil {
		t.Fatalf("unexpected error: %v", apiErr)
	}
	if result.Events == nil {
		t.Fatalf("expected a streaming result")
	}

	var all []string
	for e := range result.Events {
		all = append(all, e)
	}
	joined := strings.Join(all, "")
	if !strings.Contains(joined, "event: message_start") {
		t.Fatalf("expected message_start event, got: %s", joined)
	}
	if !strings.Contains(joined, `"text":"hi "`) || !strings.Contains(joined, `"text":"there"`) {
		t.Fatalf("expected both text deltas, got: %s", joined)
	}
	if !strings.Contains(joined, "event: message_stop") {
		t.Fatalf("expected message_stop event, got: %s", joined)
	}
}

func TestExecuteChatCompletionsStreamingEmitsDoneFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		w.Write([]byte(`data: {"candidates":[{"content":{"parts":[{"text":"hello"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":2,"candidatesTokenCount":1,"totalTokenCount":3}}` + "\n\n"))
		flusher.Flush()
	}))
	defer srv.Close()

	accounts := []accountstore.Account{accountAt("acc1", "a@example.com", "tok1", time.Now().Add(time.Hour))}
	exec := newTestExecutor(t, srv.URL, "http://unused.invalid", accounts)

	body := []byte(`{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	result, apiErr := exec.ExecuteChatCompletions(context.Background(), body)
	if apiErr != nil {
		t.Fatalf("unexpected error: %v", apiErr)
	}
	if result.Events == nil {
		t.Fatalf("expected a streaming result")
	}

	var sawContent, sawDone bool
	for e := range result.Events {
		if strings.Contains(e, `"content":"hello"`) {
			sawContent = true
		}
		if e == "data: [DONE]\n\n" {
			sawDone = true
		}
	}
	if !sawContent || !sawDone {
		t.Fatalf("expected content chunk and done frame, got content=%v done=%v", sawContent, sawDone)
	}
}

func TestCountClaudeTokensDoesNotDispatch(t *testing.T) {
	exec := newTestExecutor(t, "http://unused.invalid", "http://unused.invalid", nil)
	body := []byte(`{"model":"claude-3-5-sonnet-20241022","messages":[{"role":"user","content":"hello world"}],"stream":false}`)
	n, apiErr := exec.CountClaudeTokens(body)
	if apiErr != nil {
		t.Fatalf("unexpected error: %v", apiErr)
	}
	if n <= 0 {
		t.Fatalf("expected a positive token estimate, got %d", n)
	}
}
