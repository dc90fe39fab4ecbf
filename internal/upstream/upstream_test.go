package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDispatchUnarySendsBearerAndReturnsBody(t *testing.T) {
	var gotAuth string
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL})
	resp, err := client.Dispatch(context.Background(), "gemini-2.5-pro", "tok123", map[string]interface{}{"contents": []interface{}{}}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if gotAuth != "Bearer tok123" {
		t.Fatalf("expected bearer token forwarded, got %q", gotAuth)
	}
	if !strings.Contains(gotPath, "gemini-2.5-pro:generateContent") {
		t.Fatalf("expected generateContent path, got %q", gotPath)
	}
	if !strings.Contains(string(resp.Body), "candidates") {
		t.Fatalf("expected body buffered, got %q", resp.Body)
	}
}

func TestDispatchStreamingPumpsDataLines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		w.Write([]byte("data: {\"a\":1}\n\n"))
		if flusher != nil {
			flusher.Flush()
		}
		w.Write([]byte("data: {\"a\":2}\n\n"))
		if flusher != nil {
			flusher.Flush()
		}
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL})
	resp, err := client.Dispatch(context.Background(), "gemini-2.5-pro", "tok", map[string]interface{}{}, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got []string
	for line := range resp.Lines {
		got = append(got, line)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 data lines, got %d: %v", len(got), got)
	}
	if !strings.Contains(got[0], `"a":1`) || !strings.Contains(got[1], `"a":2`) {
		t.Fatalf("unexpected line contents: %v", got)
	}
}

func TestDispatchErrorStatusBuffersBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"status":"RESOURCE_EXHAUSTED"}}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL})
	resp, err := client.Dispatch(context.Background(), "gemini-2.5-pro", "tok", map[string]interface{}{}, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != 429 {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(resp.Body), "RESOURCE_EXHAUSTED") {
		t.Fatalf("expected error body buffered even for a streaming request, got %q", resp.Body)
	}
	if RetryAfterSeconds(resp.Header) != 30 {
		t.Fatalf("expected Retry-After parsed as 30, got %d", RetryAfterSeconds(resp.Header))
	}
}

func TestRetryAfterSecondsMissingHeaderReturnsZero(t *testing.T) {
	h := http.Header{}
	if got := RetryAfterSeconds(h); got != 0 {
		t.Fatalf("expected 0 for missing header, got %d", got)
	}
}
