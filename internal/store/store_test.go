package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "data", "messages.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func at(sec int64) time.Time {
	return time.Unix(1700000000+sec, 0)
}

func TestInsert_AssignsIDAndDedupes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := Message{WhatsAppID: "3EB0A", Chat: "123@s.whatsapp.net", Sender: "123@s.whatsapp.net", Content: "hi", Timestamp: at(0)}
	ok, err := s.Insert(ctx, msg)
	if err != nil || !ok {
		t.Fatalf("first insert: ok=%v err=%v", ok, err)
	}

	ok, err = s.Insert(ctx, msg)
	if err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	if ok {
		t.Error("duplicate WhatsApp ID should be ignored")
	}

	msgs, err := s.ListByChat(ctx, msg.Chat, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].ID == "" {
		t.Error("ID should be assigned")
	}

	// Sent messages without a WhatsApp ID are never deduplicated.
	for i := 0; i < 2; i++ {
		if ok, err := s.Insert(ctx, Message{Chat: msg.Chat, Content: "local", Timestamp: at(1)}); err != nil || !ok {
			t.Fatalf("insert without wa id: ok=%v err=%v", ok, err)
		}
	}
}

func TestInsert_RequiresChat(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Insert(context.Background(), Message{Content: "x"}); err == nil {
		t.Error("expected error for missing chat")
	}
}

func TestListByChat_OrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	chat := "group@g.us"

	for i, content := range []string{"one", "two", "three", "four"} {
		if _, err := s.Insert(ctx, Message{Chat: chat, Content: content, Timestamp: at(int64(i))}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Insert(ctx, Message{Chat: "other@g.us", Content: "elsewhere", Timestamp: at(10)}); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.ListByChat(ctx, chat, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Content != "three" || msgs[1].Content != "four" {
		t.Errorf("want the two most recent oldest first, got %q, %q", msgs[0].Content, msgs[1].Content)
	}
	if !msgs[1].Timestamp.Equal(at(3)) {
		t.Errorf("timestamp = %v, want %v", msgs[1].Timestamp, at(3))
	}
}

func TestSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inserts := []Message{
		{Chat: "a@s.whatsapp.net", Content: "deploy finished", Timestamp: at(0)},
		{Chat: "b@s.whatsapp.net", Content: "Deploy failed", Timestamp: at(1)},
		{Chat: "a@s.whatsapp.net", Content: "lunch?", Timestamp: at(2)},
		{Chat: "a@s.whatsapp.net", Content: "100% done", Timestamp: at(3)},
	}
	for _, m := range inserts {
		if _, err := s.Insert(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name  string
		query string
		chat  string
		want  []string
	}{
		{"case insensitive across chats", "deploy", "", []string{"Deploy failed", "deploy finished"}},
		{"scoped to chat", "deploy", "a@s.whatsapp.net", []string{"deploy finished"}},
		{"wildcards are literal", "%", "", []string{"100% done"}},
		{"no match", "dinner", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, err := s.Search(ctx, tt.query, tt.chat, 10)
			if err != nil {
				t.Fatal(err)
			}
			if len(msgs) != len(tt.want) {
				t.Fatalf("got %d results, want %d", len(msgs), len(tt.want))
			}
			for i, w := range tt.want {
				if msgs[i].Content != w {
					t.Errorf("result %d = %q, want %q", i, msgs[i].Content, w)
				}
			}
		})
	}

	if _, err := s.Search(ctx, "  ", "", 10); err == nil {
		t.Error("expected error for empty query")
	}
}

func TestGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	media := []byte{0x0a, 0x03, 'u', 'r', 'l'}
	in := Message{ID: "fixed-id", Chat: "a@s.whatsapp.net", Content: "[Image]", Timestamp: at(0), FromMe: true, MediaType: "image", MediaProto: media}
	if _, err := s.Insert(ctx, in); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "fixed-id")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.FromMe || !got.HasMedia() || string(got.MediaProto) != string(media) {
		t.Errorf("unexpected message %+v", got)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRecentChats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inserts := []Message{
		{Chat: "a@s.whatsapp.net", PushName: "Ana", Content: "first", Timestamp: at(0)},
		{Chat: "b@s.whatsapp.net", PushName: "Beto", Content: "hello", Timestamp: at(1)},
		{Chat: "a@s.whatsapp.net", PushName: "Me", FromMe: true, Content: "reply", Timestamp: at(2)},
	}
	for _, m := range inserts {
		if _, err := s.Insert(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	chats, err := s.RecentChats(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 2 {
		t.Fatalf("got %d chats, want 2", len(chats))
	}
	a := chats[0]
	if a.JID != "a@s.whatsapp.net" || a.Messages != 2 || a.LastMessage != "reply" {
		t.Errorf("unexpected first chat %+v", a)
	}
	if a.Name != "Ana" {
		t.Errorf("name = %q, own push name must not overwrite the contact's", a.Name)
	}
	if chats[1].JID != "b@s.whatsapp.net" {
		t.Errorf("second chat = %q", chats[1].JID)
	}
}

func TestClampLimit(t *testing.T) {
	tests := map[int]int{0: DefaultLimit, -3: DefaultLimit, 10: 10, MaxLimit + 1: MaxLimit}
	for in, want := range tests {
		if got := clampLimit(in); got != want {
			t.Errorf("clampLimit(%d) = %d, want %d", in, got, want)
		}
	}
}
