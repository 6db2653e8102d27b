package slack

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/slack-go/slack"
)

// fakePoster records posts. errs is consumed one per call.
type fakePoster struct {
	mu       sync.Mutex
	channels []string
	calls    [][]slack.MsgOption
	errs     []error
}

func (f *fakePoster) PostMessageContext(_ context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = append(f.channels, channelID)
	f.calls = append(f.calls, options)
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	return channelID, "1700000000.000100", err
}

func (f *fakePoster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestDefaultIdentity(t *testing.T) {
	id := DefaultIdentity()
	if id.DisplayName != "wabridge" {
		t.Errorf("expected display name wabridge, got %q", id.DisplayName)
	}
	if id.IconEmoji == "" {
		t.Error("expected non-empty icon emoji")
	}
}

func TestNewClient_Options(t *testing.T) {
	id := Identity{DisplayName: "ops-bot", IconEmoji: ":robot_face:"}
	c := NewClient("xoxb-test", "C123", WithIdentity(id))

	if c.identity != id {
		t.Errorf("identity = %+v, want %+v", c.identity, id)
	}
	if c.channel != "C123" {
		t.Errorf("channel = %q", c.channel)
	}
	if c.api == nil {
		t.Error("expected api to be set")
	}
}

func TestSendMessage(t *testing.T) {
	p := &fakePoster{}
	c := NewClient("xoxb-test", "C123", withPoster(p))

	if err := c.SendMessage(context.Background(), "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.channels) != 1 || p.channels[0] != "C123" {
		t.Errorf("posted to %v, want [C123]", p.channels)
	}
}

func TestSendMessage_Error(t *testing.T) {
	p := &fakePoster{errs: []error{errors.New("not_in_channel")}}
	c := NewClient("xoxb-test", "C123", withPoster(p))

	err := c.SendMessage(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.HasPrefix(err.Error(), "slack send message:") {
		t.Errorf("error not wrapped: %v", err)
	}
}
