package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadron/squadron/pkg/activity"
	"github.com/squadron/squadron/pkg/config"
	"github.com/squadron/squadron/pkg/event"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeRouter struct {
	emitted []event.Event
	err     error
}

func (f *fakeRouter) Emit(ev event.Event) error {
	f.emitted = append(f.emitted, ev)
	return f.err
}

func newTestServer(t *testing.T, token string, router EventEmitter) *Server {
	t.Helper()
	defs := map[string]*config.PipelineDefinition{
		"review": {
			Name:  "review",
			Scope: config.ScopeSinglePR,
			Trigger: &config.Trigger{Event: "pull_request.opened"},
			Stages: []config.StageDefinition{{ID: "review", Type: config.StageTypeAgent}},
		},
	}
	return New(nil, config.NewPipelineRegistry(defs), activity.NewLog(nil, nil), nil, router, token)
}

func TestAuthMiddlewareOpenWithoutToken(t *testing.T) {
	s := newTestServer(t, "", nil)

	req := httptest.NewRequest(http.MethodGet, "/pipelines", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	s := newTestServer(t, "secret", nil)

	req := httptest.NewRequest(http.MethodGet, "/pipelines", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddlewareAcceptsBearerHeader(t *testing.T) {
	s := newTestServer(t, "secret", nil)

	req := httptest.NewRequest(http.MethodGet, "/pipelines", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddlewareAcceptsQueryToken(t *testing.T) {
	s := newTestServer(t, "secret", nil)

	req := httptest.NewRequest(http.MethodGet, "/pipelines?token=secret", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleListPipelinesReturnsSummary(t *testing.T) {
	s := newTestServer(t, "", nil)

	req := httptest.NewRequest(http.MethodGet, "/pipelines", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"review"`)
	assert.Contains(t, rec.Body.String(), `"trigger":"pull_request.opened"`)
}

func TestHandleStatusReportsSubscriberCount(t *testing.T) {
	s := newTestServer(t, "", nil)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"subscribers":0`)
}

func TestHandleWebhookEmitsEventWithGeneratedDeliveryID(t *testing.T) {
	router := &fakeRouter{}
	s := newTestServer(t, "", router)

	body := `{"event_type":"issues.opened","sender":"octocat","repository":"o/r"}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, router.emitted, 1)
	assert.Equal(t, "issues.opened", router.emitted[0].Type)
	assert.NotEmpty(t, router.emitted[0].DeliveryID)
}

func TestHandleWebhookRejectsMissingEventType(t *testing.T) {
	s := newTestServer(t, "", &fakeRouter{})

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
