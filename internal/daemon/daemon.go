// Package daemon wires the bridge together: stores, the WhatsApp client
// factory, the connection manager, Slack alerts and the HTTP API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/leandrotocalini/wabridge/internal/config"
	"github.com/leandrotocalini/wabridge/internal/connection"
	"github.com/leandrotocalini/wabridge/internal/session"
	"github.com/leandrotocalini/wabridge/internal/slack"
	"github.com/leandrotocalini/wabridge/internal/store"
	"github.com/leandrotocalini/wabridge/internal/whatsapp"
)

const recordTimeout = 5 * time.Second

// Daemon owns the bridge's stores, connection manager and HTTP server for
// the life of the process.
type Daemon struct {
	cfg     *config.Config
	version string
	log     *Logger
	logger  *slog.Logger

	sessions *session.Store
	messages *store.Store
	manager  *connection.Manager[*whatsapp.Client]
	notifier *slack.Notifier

	startTime time.Time
}

// New opens the stores and builds the connection manager. Nothing connects
// until Run.
func New(cfg *config.Config, log *Logger, version string) (*Daemon, error) {
	d := &Daemon{
		cfg:       cfg,
		version:   version,
		log:       log,
		logger:    log.Slog(),
		startTime: time.Now(),
	}

	sessions, err := session.New(cfg.WhatsApp.DataDir, cfg.WhatsApp.ClientID,
		session.WithLogger(whatsapp.NewLogger(d.logger.With("component", "sqlstore"))))
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	d.sessions = sessions
	if sessions.Exists() {
		d.logger.Info("using stored session", "path", sessions.Path())
	} else {
		d.logger.Info("no stored session, a QR code will be shown", "path", sessions.Path())
	}

	messages, err := store.New(cfg.MessagesPath())
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("open message store: %w", err)
	}
	d.messages = messages

	whatsapp.SetDeviceName(cfg.WhatsApp.DeviceName)
	factoryOpts := []whatsapp.FactoryOption{
		whatsapp.WithLogger(d.logger.With("component", "whatsapp")),
		whatsapp.WithMessageHandler(d.recordMessage),
	}
	if cfg.WhatsApp.TerminalQR {
		factoryOpts = append(factoryOpts, whatsapp.WithTerminalQR(os.Stderr))
	}
	factory := whatsapp.NewFactory(sessions, factoryOpts...)

	manager, err := connection.NewManager[*whatsapp.Client](cfg.Policy(), factory.New, sessions,
		connection.WithLogger[*whatsapp.Client](d.logger.With("component", "connection")))
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("create connection manager: %w", err)
	}
	d.manager = manager

	if cfg.Slack.Enabled() {
		client := slack.NewClient(cfg.Slack.BotToken, cfg.Slack.ChannelID,
			slack.WithSlackLogger(d.logger.With("component", "slack")))
		d.notifier = slack.NewNotifier(client, slack.WithDashboardURL(dashboardURL(cfg.Server.Addr)))
	}

	return d, nil
}

// Run serves the API and drives the connection until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ln, err := net.Listen("tcp", d.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.cfg.Server.Addr, err)
	}
	srv := &http.Server{
		Handler:           d.web().routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	d.log.Header("wabridge %s · http://%s", d.version, ln.Addr())

	managerDone := make(chan error, 1)
	go func() {
		managerDone <- d.manager.Run(ctx)
	}()

	if d.notifier != nil {
		updates := d.manager.Subscribe()
		go func() {
			defer d.manager.Unsubscribe(updates)
			d.notifier.Run(ctx, updates)
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	d.manager.Start()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), d.cfg.Server.ShutdownTimeout.D())
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("http server shutdown", "error", err)
	}

	// The manager stops with ctx and tears down the client.
	cancel()
	<-managerDone
	d.log.Status("Goodbye!")
	return runErr
}

// Restart forces a fresh connection attempt.
func (d *Daemon) Restart() {
	d.logger.Info("restart requested", "source", "signal")
	d.manager.Restart()
}

// Close releases the stores. Call after Run returns.
func (d *Daemon) Close() error {
	var errs []error
	if d.sessions != nil {
		errs = append(errs, d.sessions.Close())
	}
	if d.messages != nil {
		errs = append(errs, d.messages.Close())
	}
	return errors.Join(errs...)
}

func (d *Daemon) web() *web {
	return &web{
		lifecycle: d.manager,
		history:   d.messages,
		acquire:   d.acquire,
		log:       d.log,
		logger:    d.logger.With("component", "http"),
		started:   d.startTime,
		version:   d.version,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (d *Daemon) acquire() (Account, error) {
	c, err := d.manager.Acquire()
	if err != nil {
		return nil, err
	}
	return c, nil
}

// recordMessage stores a sent or received message. Called from the client's
// event goroutine.
func (d *Daemon) recordMessage(msg whatsapp.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	inserted, err := d.messages.Insert(ctx, toStoreMessage(msg))
	if err != nil {
		d.logger.Warn("record message", "chat", msg.Chat, "error", err)
		return
	}
	if inserted && !msg.IsFromMe {
		d.logger.Debug("message recorded", "chat", msg.Chat, "from", msg.PushName)
	}
}

func toStoreMessage(msg whatsapp.Message) store.Message {
	return store.Message{
		WhatsAppID: msg.ID,
		Chat:       msg.Chat,
		Sender:     msg.Sender,
		PushName:   msg.PushName,
		Content:    msg.Content,
		Timestamp:  msg.Timestamp,
		FromMe:     msg.IsFromMe,
		MediaType:  msg.MediaType,
		MediaProto: msg.Media,
	}
}

// dashboardURL turns a listen address into a URL a person can open.
func dashboardURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}
