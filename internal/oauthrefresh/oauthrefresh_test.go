package oauthrefresh

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/relaybridge/upstream-bridge/internal/accountstore"
)

func TestRefreshSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("failed to parse form: %v", err)
		}
		if r.FormValue("grant_type") != "refresh_token" {
			t.Fatalf("expected refresh_token grant, got %q", r.FormValue("grant_type"))
		}
		if r.FormValue("refresh_token") != "old-refresh" {
			t.Fatalf("expected old-refresh, got %q", r.FormValue("refresh_token"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","expires_in":3600}`))
	}))
	defer srv.Close()

	client := New(Config{TokenURL: srv.URL, ClientID: "test-client"})
	pair, err := client.Refresh(context.Background(), "acct-1", "old-refresh")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pair.AccessToken != "new-access" || pair.RefreshToken != "new-refresh" {
		t.Fatalf("unexpected token pair: %+v", pair)
	}
	if pair.ExpiringWithin(5 * time.Minute) {
		t.Fatalf("expected fresh token not to be near expiry")
	}
}

func TestRefreshEmptyTokenRejected(t *testing.T) {
	client := New(Config{TokenURL: "http://unused", ClientID: "test-client"})
	if _, err := client.Refresh(context.Background(), "acct-1", ""); err == nil {
		t.Fatalf("expected error for empty refresh token")
	}
}

func TestRefreshNonOKStatusExposesStatusCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	client := New(Config{TokenURL: srv.URL, ClientID: "test-client"})
	_, err := client.Refresh(context.Background(), "acct-1", "bad-refresh")
	if err == nil {
		t.Fatalf("expected an error")
	}
	var sc interface{ StatusCode() int }
	if se, ok := err.(*httpStatusError); ok {
		sc = se
	}
	if sc == nil || sc.StatusCode() != http.StatusUnauthorized {
		t.Fatalf("expected the error to expose status 401, got %v", err)
	}
}

func TestRefreshOncePersistsToStore(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","expires_in":3600}`))
	}))
	defer srv.Close()

	store := accountstore.NewMemoryStore([]accountstore.Account{
		{ID: "acct-1", Tokens: accountstore.TokenPair{RefreshToken: "old-refresh"}},
	})
	client := New(Config{TokenURL: srv.URL, ClientID: "test-client"})

	pair, err := RefreshOnce(context.Background(), client, store, "acct-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pair.AccessToken != "new-access" {
		t.Fatalf("unexpected pair: %+v", pair)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one refresh call, got %d", calls)
	}

	stored, ok := store.Get("acct-1")
	if !ok || stored.Tokens.AccessToken != "new-access" {
		t.Fatalf("expected the store to be updated with the refreshed token, got %+v", stored)
	}
}

func TestRefreshOnceSkipsWhenTokenNotNearExpiry(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"access_token":"should-not-be-used","expires_in":3600}`))
	}))
	defer srv.Close()

	store := accountstore.NewMemoryStore([]accountstore.Account{
		{ID: "acct-1", Tokens: accountstore.TokenPair{
			AccessToken: "still-fresh",
			ExpiresAt:   time.Now().Add(time.Hour),
		}},
	})
	client := New(Config{TokenURL: srv.URL, ClientID: "test-client"})

	pair, err := RefreshOnce(context.Background(), client, store, "acct-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pair.AccessToken != "still-fresh" {
		t.Fatalf("expected the existing fresh token, got %+v", pair)
	}
	if calls != 0 {
		t.Fatalf("expected no network call when token is not near expiry")
	}
}
