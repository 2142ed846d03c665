// Package notify implements escalation notification (spec.md §7): posting
// to the maintainers Slack channel when an agent escalates to a human.
package notify

import (
	"context"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/squadron/squadron/pkg/config"
)

// postTimeout bounds a single chat.postMessage call.
const postTimeout = 5 * time.Second

// Client implements pipeline.Notifier's Notify method. It is nil-safe: a
// nil *Client (the configured-off case) makes every method a no-op, the
// same fail-open contract tarsy's *slack.Service uses.
type Client struct {
	api     *goslack.Client
	channel string
	log     *slog.Logger
}

// NewClient builds a Client from EscalationNotifyConfig and a resolved
// token. Returns nil if the config disables notification or the token is
// empty, mirroring tarsy's NewService.
func NewClient(cfg *config.EscalationNotifyConfig, token string) *Client {
	if cfg == nil || !cfg.Enabled || token == "" || cfg.Channel == "" {
		return nil
	}
	return &Client{
		api:     goslack.New(token),
		channel: cfg.Channel,
		log:     slog.Default().With("component", "notify"),
	}
}

// NewClientWithAPI builds a Client against a pre-constructed slack-go
// client, for tests against a mock API server.
func NewClientWithAPI(api *goslack.Client, channel string) *Client {
	return &Client{api: api, channel: channel, log: slog.Default().With("component", "notify")}
}

// Notify posts message to the configured maintainers channel. A nil
// receiver is a no-op returning nil — callers don't need to branch on
// whether escalation notification is configured.
func (c *Client) Notify(ctx context.Context, message string) error {
	if c == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, postTimeout)
	defer cancel()

	_, _, err := c.api.PostMessageContext(ctx, c.channel,
		goslack.MsgOptionText(message, false))
	if err != nil {
		c.log.Error("escalation notification failed", "channel", c.channel, "error", err)
		return err
	}
	return nil
}
