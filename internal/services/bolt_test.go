package services

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/models"
)

func newTestBoltDB(t *testing.T) BoltDB {
	t.Helper()

	db, err := NewBoltDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewBoltDB() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	db.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return db
}

func TestBoltDBChats(t *testing.T) {
	ctx := context.Background()
	db := newTestBoltDB(t)

	first, err := db.CreateChat(ctx, "alice", "")
	if err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}
	if first.Title != models.DefaultChatTitle {
		t.Errorf("default title = %q, want %q", first.Title, models.DefaultChatTitle)
	}
	second, err := db.CreateChat(ctx, "alice", "Go questions")
	if err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}
	if _, err := db.CreateChat(ctx, "bob", "Bob's chat"); err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}

	chats, err := db.Chats(ctx, "alice")
	if err != nil {
		t.Fatalf("Chats() error = %v", err)
	}
	if len(chats) != 2 {
		t.Fatalf("Chats() returned %d chats, want 2", len(chats))
	}
	if chats[0].ID != second.ID || chats[1].ID != first.ID {
		t.Errorf("Chats() not ordered newest first: %v", chats)
	}

	if _, err := db.Chat(ctx, "alice", second.ID); err != nil {
		t.Errorf("Chat() by owner error = %v", err)
	}
	if _, err := db.Chat(ctx, "bob", second.ID); !errors.Is(err, models.ErrForbidden) {
		t.Errorf("Chat() by other user error = %v, want %v", err, models.ErrForbidden)
	}
	if _, err := db.Chat(ctx, "alice", "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Chat() of unknown chat error = %v, want %v", err, models.ErrNotFound)
	}
}

func TestBoltDBMessages(t *testing.T) {
	ctx := context.Background()
	db := newTestBoltDB(t)

	chat, err := db.CreateChat(ctx, "alice", "")
	if err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}

	if _, err := db.LastMessage(ctx, chat.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("LastMessage() on empty chat error = %v, want %v", err, models.ErrNotFound)
	}

	contents := []string{"one", "two", "three", "four", "five", "six", "seven", "eight", "nine", "ten", "eleven"}
	for i, c := range contents {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		if _, err := db.StoreMessage(ctx, chat.ID, c, role); err != nil {
			t.Fatalf("StoreMessage() error = %v", err)
		}
	}

	msgs, err := db.Messages(ctx, chat.ID)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(msgs) != len(contents) {
		t.Fatalf("Messages() returned %d messages, want %d", len(msgs), len(contents))
	}
	for i, msg := range msgs {
		if msg.Content != contents[i] {
			t.Errorf("message %d = %q, want %q", i, msg.Content, contents[i])
		}
		if msg.ChatID != chat.ID {
			t.Errorf("message %d chat ID = %q, want %q", i, msg.ChatID, chat.ID)
		}
	}

	last, err := db.LastMessage(ctx, chat.ID)
	if err != nil {
		t.Fatalf("LastMessage() error = %v", err)
	}
	if last.Content != "eleven" {
		t.Errorf("LastMessage() = %q, want %q", last.Content, "eleven")
	}

	if _, err := db.SendMessage(ctx, "missing", "hi"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("SendMessage() to unknown chat error = %v, want %v", err, models.ErrNotFound)
	}
	if _, err := db.StoreMessage(ctx, chat.ID, "hi", "system"); err == nil {
		t.Error("StoreMessage() with invalid role succeeded")
	}
}

func TestBoltDBDeleteChat(t *testing.T) {
	ctx := context.Background()
	db := newTestBoltDB(t)

	chat, err := db.CreateChat(ctx, "alice", "")
	if err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}
	if _, err := db.SendMessage(ctx, chat.ID, "hello"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	if err := db.DeleteChat(ctx, "bob", chat.ID); !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("DeleteChat() by other user error = %v, want %v", err, models.ErrForbidden)
	}
	if err := db.DeleteChat(ctx, "alice", chat.ID); err != nil {
		t.Fatalf("DeleteChat() error = %v", err)
	}

	if _, err := db.Chat(ctx, "alice", chat.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Chat() after delete error = %v, want %v", err, models.ErrNotFound)
	}
	if _, err := db.Messages(ctx, chat.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Messages() after delete error = %v, want %v", err, models.ErrNotFound)
	}
	if err := db.DeleteChat(ctx, "alice", chat.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("second DeleteChat() error = %v, want %v", err, models.ErrNotFound)
	}
}

func TestBoltDBUpdateChatTitle(t *testing.T) {
	ctx := context.Background()
	db := newTestBoltDB(t)

	chat, err := db.CreateChat(ctx, "alice", "")
	if err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}

	updated, err := db.UpdateChatTitle(ctx, chat.ID, "What is Go?")
	if err != nil || !updated {
		t.Fatalf("UpdateChatTitle() = %v, %v; want true, nil", updated, err)
	}
	updated, err = db.UpdateChatTitle(ctx, chat.ID, "Something else")
	if err != nil || updated {
		t.Fatalf("second UpdateChatTitle() = %v, %v; want false, nil", updated, err)
	}

	got, err := db.Chat(ctx, "alice", chat.ID)
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if got.Title != "What is Go?" {
		t.Errorf("title = %q, want %q", got.Title, "What is Go?")
	}
}

func TestBoltDBSearchChats(t *testing.T) {
	ctx := context.Background()
	db := newTestBoltDB(t)

	titled, err := db.CreateChat(ctx, "alice", "Golang tips")
	if err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}
	chatty, err := db.CreateChat(ctx, "alice", "Misc")
	if err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}
	for _, c := range []string{"I like golang tips", "golang tips are great", "unrelated"} {
		if _, err := db.SendMessage(ctx, chatty.ID, c); err != nil {
			t.Fatalf("SendMessage() error = %v", err)
		}
	}
	if _, err := db.CreateChat(ctx, "alice", "Cooking"); err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}
	if _, err := db.CreateChat(ctx, "bob", "golang tips for bob"); err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}

	res, err := db.SearchChats(ctx, "alice", "  Golang Tips ")
	if err != nil {
		t.Fatalf("SearchChats() error = %v", err)
	}
	if len(res) != 2 {
		t.Fatalf("SearchChats() returned %d chats, want 2", len(res))
	}
	if res[0].ID != titled.ID || res[0].RelevanceScore != 10 {
		t.Errorf("first result = %s (%v), want %s (10)", res[0].Title, res[0].RelevanceScore, titled.Title)
	}
	// Two matching messages, each scoring 1 plus 0.5 for both words.
	if res[1].ID != chatty.ID || res[1].RelevanceScore != 4 {
		t.Errorf("second result = %s (%v), want %s (4)", res[1].Title, res[1].RelevanceScore, chatty.Title)
	}

	all, err := db.SearchChats(ctx, "alice", "")
	if err != nil {
		t.Fatalf("SearchChats() error = %v", err)
	}
	if len(all) != 3 {
		t.Errorf("empty query returned %d chats, want 3", len(all))
	}
}
