// Package lifecycle manages the bridge process: signal interception, reload
// on SIGHUP, wind-down of the main function and ordered cleanup hooks.
package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownConfig configures the shutdown behavior.
type ShutdownConfig struct {
	GracePeriod  time.Duration // time to wait for the main function to return
	ForceTimeout time.Duration // max time for hooks before giving up on them
}

// DefaultShutdownConfig returns sensible defaults.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		GracePeriod:  10 * time.Second,
		ForceTimeout: 15 * time.Second,
	}
}

// Manager coordinates shutdown for the process.
type Manager struct {
	config   ShutdownConfig
	logger   *slog.Logger
	cancel   context.CancelFunc
	stop     chan struct{}
	stopOnce sync.Once
	reload   chan struct{}
	mu       sync.Mutex
	hooks    []ShutdownHook
	reloads  []ReloadHook
	started  time.Time
	shutdown bool
}

// ShutdownHook is called during graceful shutdown. Name is for logging.
type ShutdownHook struct {
	Name string
	Fn   func(ctx context.Context) error
}

// ReloadHook is called on SIGHUP while the process keeps running.
type ReloadHook struct {
	Name string
	Fn   func()
}

// NewManager creates a lifecycle manager.
func NewManager(config ShutdownConfig, logger *slog.Logger) *Manager {
	return &Manager{
		config:  config,
		logger:  logger,
		stop:    make(chan struct{}),
		reload:  make(chan struct{}, 1),
		started: time.Now(),
	}
}

// OnShutdown registers a hook to run during shutdown.
// Hooks run in registration order, after the main function has returned.
func (m *Manager) OnShutdown(name string, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, ShutdownHook{Name: name, Fn: fn})
}

// OnReload registers a hook to run on SIGHUP or Reload.
func (m *Manager) OnReload(name string, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloads = append(m.reloads, ReloadHook{Name: name, Fn: fn})
}

// Reload requests the reload hooks as if SIGHUP had been received.
func (m *Manager) Reload() {
	select {
	case m.reload <- struct{}{}:
	default:
	}
}

// Shutdown requests a graceful shutdown as if SIGTERM had been received.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Run installs signal handlers, runs the main function, and handles
// shutdown. Returns exit code.
func (m *Manager) Run(mainFn func(ctx context.Context) error) int {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- mainFn(ctx)
	}()

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				m.runReloads()
				continue
			}
			m.logger.Info("received signal, starting graceful shutdown",
				"signal", sig.String(),
				"uptime", time.Since(m.started).String(),
			)
			return m.gracefulShutdown(errCh)

		case <-m.reload:
			m.runReloads()

		case <-m.stop:
			m.logger.Info("shutdown requested", "uptime", time.Since(m.started).String())
			return m.gracefulShutdown(errCh)

		case err := <-errCh:
			if err != nil {
				m.logger.Error("main function error", "error", err)
				m.runHooksQuick()
				return 1
			}
			m.runHooksQuick()
			return 0
		}
	}
}

func (m *Manager) runReloads() {
	m.mu.Lock()
	hooks := make([]ReloadHook, len(m.reloads))
	copy(hooks, m.reloads)
	m.mu.Unlock()

	for _, hook := range hooks {
		m.logger.Info("running reload hook", "name", hook.Name)
		hook.Fn()
	}
}

// gracefulShutdown cancels the root context, waits up to the grace period
// for the main function to return, then runs hooks with a deadline.
func (m *Manager) gracefulShutdown(errCh <-chan error) int {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return 1
	}
	m.shutdown = true
	hooks := make([]ShutdownHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	// Cancel root context so the main function starts winding down.
	m.cancel()

	code := 0
	if errCh != nil {
		select {
		case <-errCh:
		case <-time.After(m.config.GracePeriod):
			m.logger.Warn("main function did not stop within grace period", "grace", m.config.GracePeriod)
			code = 1
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.config.ForceTimeout)
	defer cancel()

	for _, hook := range hooks {
		m.logger.Info("running shutdown hook", "name", hook.Name)
		if err := hook.Fn(ctx); err != nil {
			m.logger.Error("shutdown hook failed", "name", hook.Name, "error", err)
		}
	}

	m.logger.Info("graceful shutdown complete",
		"uptime", time.Since(m.started).String(),
	)
	return code
}

// runHooksQuick runs hooks with a short timeout (for normal exit).
func (m *Manager) runHooksQuick() {
	m.mu.Lock()
	hooks := make([]ShutdownHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, hook := range hooks {
		if err := hook.Fn(ctx); err != nil {
			m.logger.Warn("shutdown hook failed", "name", hook.Name, "error", err)
		}
	}
}

// Uptime returns how long the process has been running.
func (m *Manager) Uptime() time.Duration {
	return time.Since(m.started)
}
