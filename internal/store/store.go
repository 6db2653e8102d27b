// Package store records received and sent messages in SQLite so the API can
// serve chat history, search and media downloads.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// ErrNotFound is returned when a message does not exist.
var ErrNotFound = errors.New("message not found")

type Message struct {
	ID         string    `json:"id"`
	WhatsAppID string    `json:"waMsgId"`
	Chat       string    `json:"chat"`
	Sender     string    `json:"sender"`
	PushName   string    `json:"pushName,omitempty"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	FromMe     bool      `json:"fromMe"`
	MediaType  string    `json:"mediaType,omitempty"`
	MediaProto []byte    `json:"-"`
}

// HasMedia reports whether the message carries a downloadable attachment.
func (m Message) HasMedia() bool {
	return m.MediaType != "" && len(m.MediaProto) > 0
}

type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite store at the given path.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id          TEXT PRIMARY KEY,
			wa_msg_id   TEXT NOT NULL DEFAULT '',
			chat        TEXT NOT NULL,
			sender      TEXT NOT NULL DEFAULT '',
			push_name   TEXT NOT NULL DEFAULT '',
			content     TEXT NOT NULL DEFAULT '',
			timestamp   INTEGER NOT NULL,
			from_me     INTEGER NOT NULL DEFAULT 0,
			media_type  TEXT NOT NULL DEFAULT '',
			media_proto BLOB
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_messages_chat_ts ON messages(chat, timestamp)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_wa ON messages(chat, wa_msg_id) WHERE wa_msg_id != ''`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create index: %w", err)
		}
	}

	st := &Store{db: db}

	if err := st.initChats(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create chats table: %w", err)
	}

	return st, nil
}

// Insert records msg. Messages whose WhatsApp ID was already recorded for
// the same chat are ignored; inserted reports whether a row was written.
// An empty ID is replaced with a new UUID.
func (s *Store) Insert(ctx context.Context, msg Message) (inserted bool, err error) {
	if msg.Chat == "" {
		return false, errors.New("insert message: chat is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages
			(id, wa_msg_id, chat, sender, push_name, content, timestamp, from_me, media_type, media_proto)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.WhatsAppID, msg.Chat, msg.Sender, msg.PushName, msg.Content,
		msg.Timestamp.UnixNano(), boolToInt(msg.FromMe), msg.MediaType, msg.MediaProto,
	)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}

	if err := touchChat(ctx, tx, msg); err != nil {
		return false, fmt.Errorf("update chat: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit insert: %w", err)
	}
	return true, nil
}

// ListByChat returns up to limit of the most recent messages in chat, oldest
// first.
func (s *Store) ListByChat(ctx context.Context, chat string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM (
			SELECT rowid AS seq, * FROM messages WHERE chat = ? ORDER BY timestamp DESC, rowid DESC LIMIT ?
		 ) ORDER BY timestamp ASC, seq ASC`,
		chat, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return scanMessages(rows)
}

// Search returns messages whose content contains query, newest first.
// An empty chat searches every chat.
func (s *Store) Search(ctx context.Context, query, chat string, limit int) ([]Message, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("search: query is required")
	}

	sqlText := `SELECT ` + messageColumns + ` FROM messages WHERE content LIKE ? ESCAPE '\'`
	args := []any{"%" + escapeLike(query) + "%"}
	if chat != "" {
		sqlText += ` AND chat = ?`
		args = append(args, chat)
	}
	sqlText += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, clampLimit(limit))

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	return scanMessages(rows)
}

// Get returns the message with the given ID.
func (s *Store) Get(ctx context.Context, id string) (Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	if err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return Message{}, err
	}
	if len(msgs) == 0 {
		return Message{}, ErrNotFound
	}
	return msgs[0], nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const messageColumns = `id, wa_msg_id, chat, sender, push_name, content, timestamp, from_me, media_type, media_proto`

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var m Message
		var ts int64
		var fromMe int
		if err := rows.Scan(&m.ID, &m.WhatsAppID, &m.Chat, &m.Sender, &m.PushName, &m.Content,
			&ts, &fromMe, &m.MediaType, &m.MediaProto); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Timestamp = time.Unix(0, ts).UTC()
		m.FromMe = fromMe != 0
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
