package slack

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// LinkButton is a button that opens a URL.
type LinkButton struct {
	ActionID string
	Text     string
	URL      string
	Style    string // "primary" (green), "danger" (red), or "" (default)
}

// BlockKitMessage builds a Block Kit message with link buttons.
type BlockKitMessage struct {
	HeaderText string
	BodyText   string
	Buttons    []LinkButton
}

// BuildBlocks converts the message into Slack Block Kit JSON blocks.
func (m *BlockKitMessage) BuildBlocks() []slack.Block {
	blocks := make([]slack.Block, 0, 3)

	if m.HeaderText != "" {
		headerText := slack.NewTextBlockObject("mrkdwn", "*"+m.HeaderText+"*", false, false)
		blocks = append(blocks, slack.NewSectionBlock(headerText, nil, nil))
	}

	if m.BodyText != "" {
		bodyText := slack.NewTextBlockObject("mrkdwn", m.BodyText, false, false)
		blocks = append(blocks, slack.NewSectionBlock(bodyText, nil, nil))
	}

	if len(m.Buttons) > 0 {
		elements := make([]slack.BlockElement, 0, len(m.Buttons))
		for _, btn := range m.Buttons {
			btnText := slack.NewTextBlockObject("plain_text", btn.Text, false, false)
			button := slack.NewButtonBlockElement(btn.ActionID, "", btnText)
			button.URL = btn.URL
			if btn.Style != "" {
				button.Style = slack.Style(btn.Style)
			}
			elements = append(elements, button)
		}
		blocks = append(blocks, slack.NewActionBlock("", elements...))
	}

	return blocks
}

// BuildFallbackText creates a plain-text version for notifications and for
// when Block Kit is unavailable.
func (m *BlockKitMessage) BuildFallbackText() string {
	text := ""
	if m.HeaderText != "" {
		text += m.HeaderText + "\n\n"
	}
	if m.BodyText != "" {
		text += m.BodyText + "\n\n"
	}
	for _, btn := range m.Buttons {
		text += fmt.Sprintf("%s: %s\n", btn.Text, btn.URL)
	}
	return text
}

// SendBlockKit sends a Block Kit message.
// Falls back to plain text if Block Kit rendering fails.
func (c *Client) SendBlockKit(ctx context.Context, msg *BlockKitMessage) error {
	blocks := msg.BuildBlocks()
	fallback := msg.BuildFallbackText()

	opts := []slack.MsgOption{
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionText(fallback, false),
		slack.MsgOptionUsername(c.identity.DisplayName),
		slack.MsgOptionIconEmoji(c.identity.IconEmoji),
	}

	_, _, err := c.api.PostMessageContext(ctx, c.channel, opts...)
	if err != nil {
		c.logger.Warn("block kit failed, falling back to plain text", "err", err)
		return c.SendMessage(ctx, fallback)
	}

	return nil
}

// QRAlert asks someone to pair the device.
func QRAlert(dashboardURL string, attempt, maxAttempts int) *BlockKitMessage {
	msg := &BlockKitMessage{
		HeaderText: ":warning: WhatsApp needs to be linked",
		BodyText: fmt.Sprintf("A new QR code is waiting to be scanned (attempt %d of %d).\n"+
			"Open WhatsApp > Settings > Linked Devices > Link a Device.", attempt, maxAttempts),
	}
	if dashboardURL != "" {
		msg.Buttons = []LinkButton{
			{ActionID: "open_qr", Text: "Show QR code", URL: dashboardURL + "/api/qr.png", Style: "primary"},
		}
	}
	return msg
}

// ExhaustedAlert reports that automatic recovery gave up.
func ExhaustedAlert(dashboardURL, lastError string, maxAttempts int) *BlockKitMessage {
	msg := &BlockKitMessage{
		HeaderText: ":rotating_light: WhatsApp connection failed",
		BodyText: fmt.Sprintf("Gave up after %d attempts.\n```\n%s\n```\nRestart the client from the dashboard once the cause is fixed.",
			maxAttempts, lastError),
	}
	if dashboardURL != "" {
		msg.Buttons = []LinkButton{
			{ActionID: "open_dashboard", Text: "Open dashboard", URL: dashboardURL, Style: "danger"},
		}
	}
	return msg
}

// LogoutAlert reports that the device was unlinked.
func LogoutAlert() *BlockKitMessage {
	return &BlockKitMessage{
		HeaderText: ":wave: WhatsApp device logged out",
		BodyText:   "The bridge will not reconnect on its own. Use restart to pair again.",
	}
}

// ReadyAlert reports that the client is connected again.
func ReadyAlert() *BlockKitMessage {
	return &BlockKitMessage{
		HeaderText: ":white_check_mark: WhatsApp connected",
	}
}
