package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	goslack "github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadron/squadron/pkg/config"
)

func TestNewClientReturnsNilWhenDisabled(t *testing.T) {
	c := NewClient(&config.EscalationNotifyConfig{Enabled: false, Channel: "C1"}, "tok")
	assert.Nil(t, c)
}

func TestNewClientReturnsNilWithoutToken(t *testing.T) {
	c := NewClient(&config.EscalationNotifyConfig{Enabled: true, Channel: "C1"}, "")
	assert.Nil(t, c)
}

func TestNilClientNotifyIsNoOp(t *testing.T) {
	var c *Client
	assert.NoError(t, c.Notify(context.Background(), "hello"))
}

func TestNotifyPostsMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C1","ts":"123.456"}`))
	}))
	defer srv.Close()

	api := goslack.New("xoxb-test", goslack.OptionAPIURL(srv.URL+"/"))
	c := NewClientWithAPI(api, "C1")

	err := c.Notify(context.Background(), "agent escalated")
	require.NoError(t, err)
}
