// Package whatsapp implements the connection lifecycle client on top of
// whatsmeow, plus the domain operations the HTTP API exposes.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/leandrotocalini/wabridge/internal/connection"
	"github.com/leandrotocalini/wabridge/internal/session"
)

// SetDeviceName sets the name that appears in WhatsApp > Linked Devices.
// Must be called before the first client is created.
func SetDeviceName(name string) {
	store.SetOSInfo(name, [3]uint32{1, 0, 0})
}

// Factory creates whatsmeow clients bound to one session store.
type Factory struct {
	sessions  *session.Store
	logger    *slog.Logger
	onMessage MessageHandler
	qr        *terminalQR
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithLogger sets the logger used by clients and by whatsmeow itself.
func WithLogger(l *slog.Logger) FactoryOption {
	return func(f *Factory) {
		f.logger = l
	}
}

// WithMessageHandler registers a handler for every message received or sent.
func WithMessageHandler(h MessageHandler) FactoryOption {
	return func(f *Factory) {
		f.onMessage = h
	}
}

// WithTerminalQR prints pairing codes to out when it is a terminal.
func WithTerminalQR(out *os.File) FactoryOption {
	return func(f *Factory) {
		f.qr = newTerminalQR(out)
	}
}

// NewFactory returns a Factory for sessions.
func NewFactory(sessions *session.Store, opts ...FactoryOption) *Factory {
	f := &Factory{
		sessions: sessions,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// New opens the session and builds an unconnected client that reports
// lifecycle events to sink. It satisfies connection.Factory.
func (f *Factory) New(ctx context.Context, sink connection.EventSink) (*Client, error) {
	container, device, err := f.sessions.Open(ctx)
	if err != nil {
		return nil, err
	}

	wac := whatsmeow.NewClient(device, NewLogger(f.logger.With("component", "whatsmeow")))
	// The connection manager owns recovery.
	wac.EnableAutoReconnect = false

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		wac:       wac,
		container: container,
		sessions:  f.sessions,
		sink:      sink,
		logger:    f.logger,
		onMessage: f.onMessage,
		qr:        f.qr,
		ctx:       cctx,
		cancel:    cancel,
	}
	wac.AddEventHandler(c.handleEvent)
	return c, nil
}

// Client is one whatsmeow connection attempt. It is discarded after Destroy.
type Client struct {
	wac       *whatsmeow.Client
	container *sqlstore.Container
	sessions  *session.Store
	sink      connection.EventSink
	logger    *slog.Logger
	onMessage MessageHandler
	qr        *terminalQR

	// ctx lives until Destroy and bounds the pairing channel.
	ctx    context.Context
	cancel context.CancelFunc

	destroyOnce sync.Once
	destroyErr  error
}

// Info describes the logged-in account.
type Info struct {
	JID  string `json:"jid"`
	Name string `json:"name"`
}

// Initialize connects to WhatsApp. Without stored credentials it first opens
// the pairing channel, whose codes arrive as connection.QR events.
func (c *Client) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if c.wac.Store.ID == nil {
		qrChan, err := c.wac.GetQRChannel(c.ctx)
		if err != nil {
			return fmt.Errorf("open pairing channel: %w", err)
		}
		go c.watchPairing(qrChan)
	}

	if err := c.wac.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (c *Client) watchPairing(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		if item.Event == "code" {
			c.qr.Print(item.Code)
		}
		if ev := mapQRItem(item); ev != nil {
			c.sink(ev)
		}
	}
}

// Destroy disconnects and releases the session database. It is safe to call
// more than once.
func (c *Client) Destroy(ctx context.Context) error {
	c.destroyOnce.Do(func() {
		c.cancel()
		c.wac.RemoveEventHandlers()
		c.wac.Disconnect()
		c.destroyErr = c.sessions.Release(c.container)
	})
	return c.destroyErr
}

// Logout unlinks this device from the account and clears its credentials.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.wac.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

func (c *Client) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		if msg := parseMessage(v); msg != nil {
			c.record(*msg)
		}
		return
	case *events.Connected:
		// Without an available presence the linked device is treated as
		// offline and read receipts are dropped.
		if err := c.wac.SendPresence(c.ctx, types.PresenceAvailable); err != nil {
			c.logger.Debug("send presence failed", "error", err)
		}
	}

	if ev := mapEvent(evt); ev != nil {
		c.sink(ev)
	}
}

func (c *Client) record(msg Message) {
	if c.onMessage != nil {
		c.onMessage(msg)
	}
}

// GetInfo returns information about the logged-in account.
func (c *Client) GetInfo() (*Info, error) {
	if c.wac.Store.ID == nil {
		return nil, errors.New("not logged in")
	}
	return &Info{
		JID:  c.wac.Store.ID.String(),
		Name: c.wac.Store.PushName,
	}, nil
}

func (c *Client) ownJID() string {
	if c.wac.Store.ID == nil {
		return ""
	}
	return c.wac.Store.ID.ToNonAD().String()
}
