// Package slack posts connection lifecycle alerts to a Slack channel.
package slack

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
)

// poster is the subset of the Slack API the client uses.
type poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Client posts messages to one channel under a fixed identity.
type Client struct {
	api      poster
	channel  string
	identity Identity
	logger   *slog.Logger
}

// ClientOption configures the Slack client.
type ClientOption func(*Client)

// WithSlackLogger sets the structured logger.
func WithSlackLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// WithIdentity overrides the display name and icon.
func WithIdentity(id Identity) ClientOption {
	return func(c *Client) {
		c.identity = id
	}
}

// withPoster replaces the API (tests).
func withPoster(p poster) ClientOption {
	return func(c *Client) {
		c.api = p
	}
}

// NewClient creates a Slack client for channelID.
// botToken is the xoxb-... token.
func NewClient(botToken, channelID string, opts ...ClientOption) *Client {
	c := &Client{
		api:      slack.New(botToken),
		channel:  channelID,
		identity: DefaultIdentity(),
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// SendMessage posts a plain text message.
func (c *Client) SendMessage(ctx context.Context, text string) error {
	opts := []slack.MsgOption{
		slack.MsgOptionText(text, false),
		slack.MsgOptionUsername(c.identity.DisplayName),
		slack.MsgOptionIconEmoji(c.identity.IconEmoji),
	}

	_, _, err := c.api.PostMessageContext(ctx, c.channel, opts...)
	if err != nil {
		return fmt.Errorf("slack send message: %w", err)
	}

	return nil
}
