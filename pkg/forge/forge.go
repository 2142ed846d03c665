// Package forge implements the caller-side seam for the forge (GitHub-style)
// REST API (spec.md §1, out of scope for a concrete implementation): action
// and webhook stages, and the built-in gate checks that need forge data, all
// depend only on the pipeline.Forge contract this package satisfies.
package forge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/squadron/squadron/pkg/config"
	"github.com/squadron/squadron/pkg/pipeline"
)

// HTTPClient is the production forge client: an http.Client against
// cfg.BaseURL, bearer-token authenticated, wrapped in the Open Question #2
// bounded exponential-backoff-with-jitter retry curve.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
	retry   config.ForgeRetryConfig
	log     *slog.Logger
}

// NewHTTPClient builds a forge client from resolved configuration. token may
// be empty (public, lower-rate-limit access only), mirroring the teacher's
// GitHubClient constructor.
func NewHTTPClient(cfg *config.ForgeConfig, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		retry:   cfg.Retry,
		log:     slog.With("component", "forge"),
	}
}

// Do implements pipeline.Forge: it issues req against the forge API,
// retrying transient (5xx, network) failures per the configured backoff
// curve. A 4xx response is never retried — it is returned to the caller as
// a successful ForgeResponse for the stage executor to branch on
// (e.g. 409 → on_conflict).
func (c *HTTPClient) Do(ctx context.Context, req pipeline.ForgeRequest) (pipeline.ForgeResponse, error) {
	var resp pipeline.ForgeResponse

	operation := func() error {
		httpReq, err := c.buildRequest(ctx, req)
		if err != nil {
			return backoff.Permanent(err)
		}

		httpResp, err := c.http.Do(httpReq)
		if err != nil {
			return fmt.Errorf("forge request to %s: %w", req.URL, err)
		}
		defer httpResp.Body.Close()

		body, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return fmt.Errorf("read forge response body: %w", err)
		}

		resp = pipeline.ForgeResponse{StatusCode: httpResp.StatusCode, Body: body}
		if httpResp.StatusCode >= 500 {
			return fmt.Errorf("forge returned HTTP %d for %s", httpResp.StatusCode, req.URL)
		}
		return nil
	}

	boff := c.backoff(ctx)
	if err := backoff.Retry(operation, boff); err != nil {
		return pipeline.ForgeResponse{}, err
	}
	return resp, nil
}

func (c *HTTPClient) buildRequest(ctx context.Context, req pipeline.ForgeRequest) (*http.Request, error) {
	url := req.URL
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = c.baseURL + req.URL
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, strings.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("create forge request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.Body != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	c.setAuthHeader(httpReq)
	return httpReq, nil
}

func (c *HTTPClient) setAuthHeader(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// backoff builds the Open Question #2 curve: base delay, multiplier, cap,
// bounded retry count, all scoped to ctx.
func (c *HTTPClient) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if c.retry.BaseDelay > 0 {
		b.InitialInterval = c.retry.BaseDelay
	}
	if c.retry.Multiplier > 0 {
		b.Multiplier = c.retry.Multiplier
	}
	if c.retry.MaxDelay > 0 {
		b.MaxInterval = c.retry.MaxDelay
	}
	b.MaxElapsedTime = 0

	attempts := c.retry.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// FakeClient is a scripted test double for pipeline.Forge: Responses is
// consulted in call order, falling back to Default when exhausted.
type FakeClient struct {
	Responses []pipeline.ForgeResponse
	Errors    []error
	Default   pipeline.ForgeResponse

	Requests []pipeline.ForgeRequest
	calls    int
}

// Do implements pipeline.Forge by replaying scripted responses/errors.
func (f *FakeClient) Do(_ context.Context, req pipeline.ForgeRequest) (pipeline.ForgeResponse, error) {
	f.Requests = append(f.Requests, req)
	idx := f.calls
	f.calls++

	if idx < len(f.Errors) && f.Errors[idx] != nil {
		return pipeline.ForgeResponse{}, f.Errors[idx]
	}
	if idx < len(f.Responses) {
		return f.Responses[idx], nil
	}
	return f.Default, nil
}
