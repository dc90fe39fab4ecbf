// Package upstream dispatches translated requests to Upstream over HTTP
// and exposes its streamed or unary body back to the Executor. Grounded
// on the teacher's sendGeminiRequest/handleGeminiSuccess pair
// (internal/handlers/gemini.go): separate standard/stream *http.Client
// instances and response-header-timeout configurability.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Config holds the per-Upstream connection settings an operator tunes;
// analogous to the teacher's config.UpstreamConfig.
type Config struct {
	BaseURL                string
	RequestTimeout         time.Duration
	ResponseHeaderTimeout  time.Duration
	InsecureSkipVerify     bool
}

// DefaultRequestTimeout matches the teacher's 120s unary default.
const DefaultRequestTimeout = 120 * time.Second

// DefaultResponseHeaderTimeout bounds how long Upstream may take before
// sending the first response byte.
const DefaultResponseHeaderTimeout = 30 * time.Second

// Client dispatches requests to Upstream, keeping separate transports for
// unary and streaming calls the way the teacher's httpclient.Manager does
// (a stream client must not apply an overall response-body read timeout).
type Client struct {
	cfg          Config
	standard     *http.Client
	streamClient *http.Client
}

// New builds a Client from cfg, filling in documented defaults for any
// zero-valued timeout.
func New(cfg Config) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.ResponseHeaderTimeout <= 0 {
		cfg.ResponseHeaderTimeout = DefaultResponseHeaderTimeout
	}

	transport := &http.Transport{
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
	}

	return &Client{
		cfg:      cfg,
		standard: &http.Client{Timeout: cfg.RequestTimeout, Transport: transport},
		streamClient: &http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: cfg.ResponseHeaderTimeout},
		},
	}
}

// Response is what the Executor sees back from a dispatch: either a
// fully-buffered unary body, or a live stream of raw SSE lines the
// Executor hands to the active translator's StreamState.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte // populated for unary responses
	Lines      <-chan string
	Errs       <-chan error
}

// Dispatch sends upstreamBody to Upstream's generateContent endpoint for
// model, authenticated with bearerToken. stream selects which of the two
// underlying clients handles the call; ctx governs cancellation and the
// per-request deadline (spec §5's "Upstream dispatch honors a per-request
// deadline").
func (c *Client) Dispatch(ctx context.Context, model string, bearerToken string, upstreamBody map[string]interface{}, stream bool) (*Response, error) {
	bodyBytes, err := json.Marshal(upstreamBody)
	if err != nil {
		return nil, fmt.Errorf("upstream: marshal request: %w", err)
	}

	url := c.buildURL(model, stream)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearerToken)

	client := c.standard
	if stream {
		client = c.streamClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}

	if stream && resp.StatusCode < 300 {
		lines, errs := pumpLines(resp.Body)
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Lines: lines, Errs: errs}, nil
	}

	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("upstream: read response: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func (c *Client) buildURL(model string, stream bool) string {
	base := strings.TrimSuffix(c.cfg.BaseURL, "/")
	action := "generateContent"
	if stream {
		action = "streamGenerateContent"
	}
	return fmt.Sprintf("%s/v1beta/models/%s:%s", base, model, action)
}

// pumpLines streams body's SSE "data: ..." lines to a channel, closing it
// (and the body) when the stream ends. Mirrors the teacher's
// HandleStreamResponse bufio.Scanner loop.
func pumpLines(body io.ReadCloser) (<-chan string, <-chan error) {
	lines := make(chan string, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(lines)
		defer body.Close()

		reader := newLineReader(body)
		for {
			line, err := reader.ReadLine()
			if err != nil {
				if err != io.EOF {
					errs <- err
				}
				return
			}
			line = strings.TrimSpace(line)
			if line == "" || line == "data: [DONE]" {
				continue
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			lines <- strings.TrimPrefix(line, "data: ")
		}
	}()

	return lines, errs
}

// RetryAfterSeconds extracts the Retry-After header value (seconds form)
// from an Upstream error response, falling back to 0 when absent or
// unparseable so the caller applies its own default.
func RetryAfterSeconds(h http.Header) int {
	raw := h.Get("Retry-After")
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}
