// Package oauthrefresh exchanges a refresh token for a new OAuth2 access
// token against Upstream's token endpoint. It keeps only the refresh half
// of the teacher's codex package — the interactive browser-login dance
// and auth.json parsing are out of scope (spec §1: "the OAuth2
// interactive browser dance" is an external collaborator concern).
package oauthrefresh

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/relaybridge/upstream-bridge/internal/accountstore"
)

// Config points at Upstream's OAuth2 token endpoint and client
// identity.
type Config struct {
	TokenURL string
	ClientID string
	Scope    string
	Timeout  time.Duration
}

// DefaultTimeout bounds how long a single refresh exchange may take.
const DefaultTimeout = 30 * time.Second

// Client refreshes OAuth2 token pairs over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New builds a Client. A zero Timeout falls back to DefaultTimeout.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// Refresh exchanges refreshToken for a new TokenPair. accountID is
// preserved from the input on the assumption that Upstream does not
// rotate account identity across a refresh; callers that need the
// identity re-derived from a returned id_token should do so themselves.
func (c *Client) Refresh(ctx context.Context, accountID, refreshToken string) (accountstore.TokenPair, error) {
	if refreshToken == "" {
		return accountstore.TokenPair{}, fmt.Errorf("oauthrefresh: empty refresh token")
	}

	data := url.Values{
		"client_id":     {c.cfg.ClientID},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	if c.cfg.Scope != "" {
		data.Set("scope", c.cfg.Scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return accountstore.TokenPair{}, fmt.Errorf("oauthrefresh: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return accountstore.TokenPair{}, fmt.Errorf("oauthrefresh: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return accountstore.TokenPair{}, fmt.Errorf("oauthrefresh: reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return accountstore.TokenPair{}, &httpStatusError{status: resp.StatusCode, body: string(body)}
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return accountstore.TokenPair{}, fmt.Errorf("oauthrefresh: parsing response: %w", err)
	}

	expiresIn := parsed.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}

	return accountstore.TokenPair{
		AccessToken:  parsed.AccessToken,
		AccountID:    accountID,
		IDToken:      parsed.IDToken,
		RefreshToken: firstNonEmpty(parsed.RefreshToken, refreshToken),
		ExpiresAt:    time.Now().Add(time.Duration(expiresIn) * time.Second),
		LastRefresh:  time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// httpStatusError lets retry.DefaultIsAuthFailure recognize a 401 via
// the StatusCoder interface without string-matching the body.
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("oauthrefresh: token refresh failed with status %d: %s", e.status, e.body)
}

func (e *httpStatusError) StatusCode() int { return e.status }

// RefreshOnce refreshes the token for accountID, serialized on the
// store's per-account lock so concurrent requests for the same account
// coalesce on a single network round trip.
func RefreshOnce(ctx context.Context, client *Client, store *accountstore.MemoryStore, accountID string) (accountstore.TokenPair, error) {
	lock := store.RefreshLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	account, ok := store.Get(accountID)
	if !ok {
		return accountstore.TokenPair{}, fmt.Errorf("oauthrefresh: unknown account %q", accountID)
	}

	// Another goroutine may have refreshed while we waited for the lock.
	if !account.Tokens.ExpiringWithin(5 * time.Minute) {
		return account.Tokens, nil
	}

	refreshed, err := client.Refresh(ctx, accountID, account.Tokens.RefreshToken)
	if err != nil {
		return accountstore.TokenPair{}, err
	}

	if err := store.UpdateTokens(accountID, refreshed); err != nil {
		return accountstore.TokenPair{}, err
	}
	return refreshed, nil
}
