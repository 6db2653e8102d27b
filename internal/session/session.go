// Package session owns the on-disk credentials of the linked device.
//
// One client identity maps to one SQLite database under
// <dataDir>/session/<clientID>.db, managed by whatsmeow's sqlstore. Erasing
// the session forces a new QR pairing on the next start.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/leandrotocalini/wabridge/internal/connection"

	_ "github.com/mattn/go-sqlite3"
)

var clientIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Store locates, opens and erases the session database for one client.
type Store struct {
	dir      string
	clientID string
	log      waLog.Logger

	mu   sync.Mutex
	open []*sqlstore.Container
}

// Option configures a Store.
type Option func(*Store)

// WithLogger routes sqlstore logging through l.
func WithLogger(l waLog.Logger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// New returns a Store for clientID rooted at dataDir.
func New(dataDir, clientID string, opts ...Option) (*Store, error) {
	if !clientIDPattern.MatchString(clientID) {
		return nil, fmt.Errorf("invalid client id %q", clientID)
	}
	s := &Store{
		dir:      filepath.Join(dataDir, "session"),
		clientID: clientID,
		log:      waLog.Noop,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path returns the database path.
func (s *Store) Path() string {
	return filepath.Join(s.dir, s.clientID+".db")
}

// ClientID returns the fixed client identity.
func (s *Store) ClientID() string {
	return s.clientID
}

// Exists reports whether a session database is present on disk.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.Path())
	return err == nil
}

// Open opens the session database, creating it if needed, and returns the
// container and its first device. A fresh database yields a device with no
// ID, which means the client must pair.
//
// The container must be released with Release once the client using it has
// been torn down.
func (s *Store) Open(ctx context.Context) (*sqlstore.Container, *store.Device, error) {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("create session directory: %w", err)
	}

	dsn := "file:" + s.Path() + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	container, err := sqlstore.New(ctx, "sqlite3", dsn, s.log)
	if err != nil {
		return nil, nil, fmt.Errorf("open session store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, nil, fmt.Errorf("load device: %w", err)
	}

	s.mu.Lock()
	s.open = append(s.open, container)
	s.mu.Unlock()
	return container, device, nil
}

// Release closes a container returned by Open.
func (s *Store) Release(c *sqlstore.Container) error {
	s.mu.Lock()
	for i, oc := range s.open {
		if oc == c {
			s.open = append(s.open[:i], s.open[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if err := c.Close(); err != nil {
		return fmt.Errorf("close session store: %w", err)
	}
	return nil
}

// Erase deletes the session database and its WAL side files. Missing files
// are not an error. Any container still open is closed first.
func (s *Store) Erase(ctx context.Context) error {
	s.mu.Lock()
	open := s.open
	s.open = nil
	s.mu.Unlock()
	for _, c := range open {
		_ = c.Close()
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", connection.ErrSessionStore, err)
	}

	var errs []error
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		path := s.Path() + suffix
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", filepath.Base(path), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", connection.ErrSessionStore, errors.Join(errs...))
	}
	return nil
}

// Close releases every container still open.
func (s *Store) Close() error {
	s.mu.Lock()
	open := s.open
	s.open = nil
	s.mu.Unlock()

	var errs []error
	for _, c := range open {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
