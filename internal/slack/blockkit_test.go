package slack

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/slack-go/slack"
)

func TestBlockKitMessage_BuildBlocks(t *testing.T) {
	msg := &BlockKitMessage{
		HeaderText: "WhatsApp needs to be linked",
		BodyText:   "Scan the code",
		Buttons: []LinkButton{
			{ActionID: "open_qr", Text: "Show QR code", URL: "http://localhost:3000/api/qr.png", Style: "primary"},
		},
	}

	blocks := msg.BuildBlocks()

	// header section + body section + action block
	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(blocks))
	}
	action, ok := blocks[2].(*slack.ActionBlock)
	if !ok {
		t.Fatalf("expected action block, got %T", blocks[2])
	}
	if len(action.Elements.ElementSet) != 1 {
		t.Fatalf("expected 1 button, got %d", len(action.Elements.ElementSet))
	}
	button, ok := action.Elements.ElementSet[0].(*slack.ButtonBlockElement)
	if !ok {
		t.Fatalf("expected button, got %T", action.Elements.ElementSet[0])
	}
	if button.URL != "http://localhost:3000/api/qr.png" {
		t.Errorf("button URL = %q", button.URL)
	}
	if button.Style != slack.StylePrimary {
		t.Errorf("button style = %q", button.Style)
	}
}

func TestBlockKitMessage_BuildBlocks_NoButtons(t *testing.T) {
	msg := &BlockKitMessage{
		HeaderText: "Info",
		BodyText:   "Just informational",
	}

	if n := len(msg.BuildBlocks()); n != 2 {
		t.Errorf("expected 2 blocks, got %d", n)
	}
}

func TestBlockKitMessage_BuildBlocks_HeaderOnly(t *testing.T) {
	msg := &BlockKitMessage{HeaderText: "Title"}

	if n := len(msg.BuildBlocks()); n != 1 {
		t.Errorf("expected 1 block, got %d", n)
	}
}

func TestBlockKitMessage_BuildFallbackText(t *testing.T) {
	msg := &BlockKitMessage{
		HeaderText: "Connection failed",
		BodyText:   "Gave up",
		Buttons: []LinkButton{
			{ActionID: "open_dashboard", Text: "Open dashboard", URL: "http://host:3000"},
		},
	}

	text := msg.BuildFallbackText()

	for _, want := range []string{"Connection failed", "Gave up", "Open dashboard: http://host:3000"} {
		if !strings.Contains(text, want) {
			t.Errorf("fallback text missing %q:\n%s", want, text)
		}
	}
}

func TestAlerts(t *testing.T) {
	tests := []struct {
		name        string
		msg         *BlockKitMessage
		wantBody    string
		wantButtons int
	}{
		{"qr with dashboard", QRAlert("http://host:3000", 2, 3), "attempt 2 of 3", 1},
		{"qr without dashboard", QRAlert("", 1, 3), "attempt 1 of 3", 0},
		{"exhausted", ExhaustedAlert("http://host:3000", "authentication failed: bad creds", 3), "bad creds", 1},
		{"logout", LogoutAlert(), "will not reconnect", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !strings.Contains(tt.msg.BodyText, tt.wantBody) {
				t.Errorf("body %q does not contain %q", tt.msg.BodyText, tt.wantBody)
			}
			if len(tt.msg.Buttons) != tt.wantButtons {
				t.Errorf("expected %d buttons, got %d", tt.wantButtons, len(tt.msg.Buttons))
			}
		})
	}

	if got := QRAlert("http://host:3000", 1, 3).Buttons[0].URL; got != "http://host:3000/api/qr.png" {
		t.Errorf("QR button URL = %q", got)
	}
}

func TestSendBlockKit_FallsBackToText(t *testing.T) {
	p := &fakePoster{errs: []error{errors.New("invalid_blocks"), nil}}
	c := NewClient("xoxb-test", "C123", withPoster(p))

	if err := c.SendBlockKit(context.Background(), LogoutAlert()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.calls) != 2 {
		t.Fatalf("expected 2 posts (blocks then text), got %d", len(p.calls))
	}
	if len(p.calls[1]) >= len(p.calls[0]) {
		t.Errorf("fallback post should carry fewer options than the block post")
	}
}

func TestSendBlockKit_BothFail(t *testing.T) {
	p := &fakePoster{errs: []error{errors.New("invalid_blocks"), errors.New("channel_not_found")}}
	c := NewClient("xoxb-test", "C123", withPoster(p))

	err := c.SendBlockKit(context.Background(), ReadyAlert())
	if err == nil || !strings.Contains(err.Error(), "channel_not_found") {
		t.Fatalf("expected channel_not_found error, got %v", err)
	}
}
