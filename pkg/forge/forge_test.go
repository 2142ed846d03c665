package forge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadron/squadron/pkg/config"
	"github.com/squadron/squadron/pkg/pipeline"
)

func testRetryConfig() config.ForgeRetryConfig {
	return config.ForgeRetryConfig{
		BaseDelay:  time.Millisecond,
		Multiplier: 2.0,
		MaxRetries: 3,
		MaxDelay:   10 * time.Millisecond,
	}
}

func TestHTTPClientDoSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok123", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(&config.ForgeConfig{BaseURL: srv.URL, Retry: testRetryConfig()}, "tok123")
	resp, err := c.Do(context.Background(), pipeline.ForgeRequest{Method: "GET", URL: "/pulls/1"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
}

func TestHTTPClientDoRetriesOn5xxThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPClient(&config.ForgeConfig{BaseURL: srv.URL, Retry: testRetryConfig()}, "")
	resp, err := c.Do(context.Background(), pipeline.ForgeRequest{Method: "POST", URL: "/issues/1/comments"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, attempts)
}

func TestHTTPClientDoDoesNotRetry4xx(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := NewHTTPClient(&config.ForgeConfig{BaseURL: srv.URL, Retry: testRetryConfig()}, "")
	resp, err := c.Do(context.Background(), pipeline.ForgeRequest{Method: "PUT", URL: "/pulls/1/merge"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, 1, attempts)
}

func TestHTTPClientDoExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPClient(&config.ForgeConfig{BaseURL: srv.URL, Retry: testRetryConfig()}, "")
	_, err := c.Do(context.Background(), pipeline.ForgeRequest{Method: "GET", URL: "/x"})
	assert.Error(t, err)
}

func TestFakeClientScriptedResponses(t *testing.T) {
	f := &FakeClient{
		Responses: []pipeline.ForgeResponse{{StatusCode: 201}, {StatusCode: 200}},
		Default:   pipeline.ForgeResponse{StatusCode: 204},
	}

	resp1, err := f.Do(context.Background(), pipeline.ForgeRequest{URL: "/a"})
	require.NoError(t, err)
	assert.Equal(t, 201, resp1.StatusCode)

	resp2, err := f.Do(context.Background(), pipeline.ForgeRequest{URL: "/b"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp2.StatusCode)

	resp3, err := f.Do(context.Background(), pipeline.ForgeRequest{URL: "/c"})
	require.NoError(t, err)
	assert.Equal(t, 204, resp3.StatusCode)

	require.Len(t, f.Requests, 3)
	assert.Equal(t, "/a", f.Requests[0].URL)
}
