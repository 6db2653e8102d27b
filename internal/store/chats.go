package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Chats keeps one summary row per chat, updated with every recorded message.
// It backs the recent-conversations listing without scanning messages.

// ChatSummary describes recorded activity in one chat.
type ChatSummary struct {
	JID           string    `json:"jid"`
	Name          string    `json:"name"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	LastMessage   string    `json:"lastMessage"`
	Messages      int       `json:"messages"`
}

func (s *Store) initChats() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS chats (
			jid             TEXT PRIMARY KEY,
			name            TEXT NOT NULL DEFAULT '',
			last_message_at INTEGER NOT NULL DEFAULT 0,
			last_message    TEXT NOT NULL DEFAULT '',
			messages        INTEGER NOT NULL DEFAULT 0
		)
	`)
	return err
}

// touchChat bumps the summary for msg's chat inside an insert transaction.
// The name is only learned from incoming messages, since a push name on our
// own messages is ours.
func touchChat(ctx context.Context, tx *sql.Tx, msg Message) error {
	name := ""
	if !msg.FromMe {
		name = msg.PushName
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO chats (jid, name, last_message_at, last_message, messages) VALUES (?, ?, ?, ?, 1)
		 ON CONFLICT(jid) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
			last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
			last_message = CASE WHEN excluded.last_message_at >= chats.last_message_at
				THEN excluded.last_message ELSE chats.last_message END,
			messages = chats.messages + 1`,
		msg.Chat, name, msg.Timestamp.UnixNano(), msg.Content,
	)
	return err
}

// RecentChats returns chats ordered by their latest recorded message.
func (s *Store) RecentChats(ctx context.Context, limit int) ([]ChatSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT jid, name, last_message_at, last_message, messages FROM chats
		 ORDER BY last_message_at DESC LIMIT ?`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	chats := []ChatSummary{}
	for rows.Next() {
		var c ChatSummary
		var ts int64
		if err := rows.Scan(&c.JID, &c.Name, &ts, &c.LastMessage, &c.Messages); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		c.LastMessageAt = time.Unix(0, ts).UTC()
		chats = append(chats, c)
	}
	return chats, rows.Err()
}
