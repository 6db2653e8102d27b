package slack

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leandrotocalini/wabridge/internal/connection"
)

func newTestNotifier() (*Notifier, *fakePoster) {
	p := &fakePoster{}
	c := NewClient("xoxb-test", "C123", withPoster(p))
	return NewNotifier(c, WithDashboardURL("http://host:3000/")), p
}

func statusAt(state connection.State, gen uint64) connection.Status {
	return connection.Status{State: state, Generation: gen, MaxAttempts: 3}
}

func TestNotifier_AlertFor(t *testing.T) {
	failed := func(attempts int, initializing bool, lastErr string) connection.Status {
		s := statusAt(connection.StateFailed, 2)
		s.Attempts = attempts
		s.Initializing = initializing
		s.LastError = lastErr
		return s
	}
	disconnected := func(reason string) connection.Status {
		s := statusAt(connection.StateDisconnected, 2)
		s.LastError = "disconnected: " + reason
		s.DisconnectReason = reason
		return s
	}

	tests := []struct {
		name    string
		prev    connection.Status
		cur     connection.Status
		wantKey string
	}{
		{"qr", statusAt(connection.StateInitializing, 1), statusAt(connection.StateAwaitingAuth, 1), "qr:1"},
		{"retry pending", statusAt(connection.StateAwaitingAuth, 2), failed(1, false, "auth"), ""},
		{"failed while initializing", statusAt(connection.StateAwaitingAuth, 2), failed(0, true, "auth"), ""},
		{"exhausted after erase", statusAt(connection.StateAwaitingAuth, 2), failed(0, false, "auth"), "exhausted:2"},
		{"exhausted at ceiling", statusAt(connection.StateInitializing, 2), failed(3, false, "init"), "exhausted:2"},
		{"logout", statusAt(connection.StateReady, 2), disconnected(connection.ReasonLogout), "logout:2"},
		{"network drop", statusAt(connection.StateReady, 2), disconnected(connection.ReasonNetwork), ""},
		{"logout text without logout reason", statusAt(connection.StateReady, 2), func() connection.Status {
			s := disconnected(connection.ReasonNetwork)
			s.LastError = "disconnected: " + connection.ReasonLogout
			return s
		}(), ""},
		{"ready without outage", statusAt(connection.StateAuthenticated, 1), statusAt(connection.StateReady, 1), ""},
		{"no change", statusAt(connection.StateAwaitingAuth, 1), statusAt(connection.StateAwaitingAuth, 1), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, _ := newTestNotifier()
			key, msg := n.alertFor(tt.prev, tt.cur)
			if key != tt.wantKey {
				t.Errorf("key = %q, want %q", key, tt.wantKey)
			}
			if (msg != nil) != (tt.wantKey != "") {
				t.Errorf("msg presence mismatch: %v", msg)
			}
		})
	}
}

func TestNotifier_QRCodeRotationAlertsOnce(t *testing.T) {
	n, p := newTestNotifier()
	ctx := context.Background()

	starting := statusAt(connection.StateInitializing, 1)
	qr1 := statusAt(connection.StateAwaitingAuth, 1)
	qr1.QR = "code-1"
	qr2 := qr1
	qr2.QR = "code-2"

	n.Observe(ctx, starting, qr1)
	n.Observe(ctx, qr1, qr2)

	if p.count() != 1 {
		t.Errorf("expected 1 alert for one generation, got %d", p.count())
	}

	// A new generation is a new pairing round.
	n.Observe(ctx, statusAt(connection.StateInitializing, 2), statusAt(connection.StateAwaitingAuth, 2))
	if p.count() != 2 {
		t.Errorf("expected 2 alerts, got %d", p.count())
	}
}

func TestNotifier_ReadyAfterOutage(t *testing.T) {
	n, p := newTestNotifier()
	ctx := context.Background()

	n.Observe(ctx, statusAt(connection.StateInitializing, 1), statusAt(connection.StateAwaitingAuth, 1))
	n.Observe(ctx, statusAt(connection.StateAwaitingAuth, 1), statusAt(connection.StateAuthenticated, 1))
	n.Observe(ctx, statusAt(connection.StateAuthenticated, 1), statusAt(connection.StateReady, 1))

	if p.count() != 2 {
		t.Fatalf("expected qr and ready alerts, got %d", p.count())
	}
	if n.down {
		t.Error("expected recovery to clear the outage flag")
	}

	// Reconnects that nobody was told about stay quiet.
	n.Observe(ctx, statusAt(connection.StateAuthenticated, 2), statusAt(connection.StateReady, 2))
	if p.count() != 2 {
		t.Errorf("expected no further alerts, got %d", p.count())
	}
}

func TestNotifier_Run(t *testing.T) {
	n, p := newTestNotifier()
	updates := make(chan connection.Status, 4)
	done := make(chan struct{})

	go func() {
		n.Run(context.Background(), updates)
		close(done)
	}()

	updates <- statusAt(connection.StateInitializing, 1)
	updates <- statusAt(connection.StateAwaitingAuth, 1)
	close(updates)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after updates closed")
	}
	if p.count() != 1 {
		t.Errorf("expected 1 alert, got %d", p.count())
	}
}

func TestNotifier_FailedPostIsRetried(t *testing.T) {
	n, p := newTestNotifier()
	p.errs = []error{errors.New("rate_limited"), errors.New("rate_limited")}
	ctx := context.Background()

	prev, cur := statusAt(connection.StateInitializing, 1), statusAt(connection.StateAwaitingAuth, 1)
	n.Observe(ctx, prev, cur)
	if n.down {
		t.Error("a failed alert must not mark the outage as reported")
	}

	// Same transition again, e.g. after a QR rotation: the alert goes out now.
	n.Observe(ctx, prev, cur)
	if p.count() != 3 {
		t.Errorf("expected 2 failed posts and 1 retry, got %d", p.count())
	}
	if !n.down {
		t.Error("expected outage to be reported")
	}
}
