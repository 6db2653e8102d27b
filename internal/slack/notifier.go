package slack

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/leandrotocalini/wabridge/internal/connection"
)

const (
	sendTimeout   = 10 * time.Second
	evictInterval = time.Hour
)

// Notifier turns connection status changes into Slack alerts. Each alert is
// sent at most once per lifecycle generation.
type Notifier struct {
	client       *Client
	dedup        *DedupSet
	redactor     *Redactor
	dashboardURL string
	logger       *slog.Logger

	// down is set once an outage alert went out and cleared by the
	// recovery alert.
	down bool
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithDashboardURL sets the base URL linked from alerts.
func WithDashboardURL(url string) NotifierOption {
	return func(n *Notifier) {
		n.dashboardURL = strings.TrimRight(url, "/")
	}
}

// WithDedupSet sets a custom dedup set (useful for testing).
func WithDedupSet(d *DedupSet) NotifierOption {
	return func(n *Notifier) {
		n.dedup = d
	}
}

// NewNotifier creates a Notifier posting through client.
func NewNotifier(client *Client, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		client:   client,
		dedup:    NewDedupSet(),
		redactor: NewRedactor(),
		logger:   client.logger,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Run posts alerts for updates until ctx is cancelled or updates is closed.
func (n *Notifier) Run(ctx context.Context, updates <-chan connection.Status) {
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()

	var prev connection.Status
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.dedup.EvictExpired()
		case st, ok := <-updates:
			if !ok {
				return
			}
			n.Observe(ctx, prev, st)
			prev = st
		}
	}
}

// Observe sends the alert for the transition from prev to cur, if any.
func (n *Notifier) Observe(ctx context.Context, prev, cur connection.Status) {
	key, msg := n.alertFor(prev, cur)
	if msg == nil || !n.dedup.Check(key) {
		return
	}

	n.redactor.RedactMessage(msg)

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := n.client.SendBlockKit(ctx, msg); err != nil {
		n.logger.Warn("slack alert failed", "alert", key, "error", err)
		n.dedup.Forget(key)
		return
	}
	n.logger.Info("slack alert sent", "alert", key)
	n.down = cur.State != connection.StateReady
}

// alertFor decides which alert, if any, the transition deserves. The key
// identifies the alert for deduplication.
func (n *Notifier) alertFor(prev, cur connection.Status) (string, *BlockKitMessage) {
	if cur.State == prev.State && cur.Generation == prev.Generation {
		return "", nil
	}
	gen := cur.Generation

	switch cur.State {
	case connection.StateAwaitingAuth:
		return fmt.Sprintf("qr:%d", gen), QRAlert(n.dashboardURL, cur.Attempts, cur.MaxAttempts)

	case connection.StateFailed:
		if cur.Initializing || (cur.Attempts != 0 && cur.Attempts < cur.MaxAttempts) {
			return "", nil // a retry is coming
		}
		return fmt.Sprintf("exhausted:%d", gen), ExhaustedAlert(n.dashboardURL, cur.LastError, cur.MaxAttempts)

	case connection.StateDisconnected:
		if cur.DisconnectReason == connection.ReasonLogout {
			return fmt.Sprintf("logout:%d", gen), LogoutAlert()
		}

	case connection.StateReady:
		// Only worth a message when someone was told it was down.
		if n.down {
			return fmt.Sprintf("ready:%d", gen), ReadyAlert()
		}
	}
	return "", nil
}
