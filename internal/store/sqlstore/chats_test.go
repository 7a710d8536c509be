package sqlstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pliu/chatsync/internal/models"
	"github.com/pliu/chatsync/internal/store"
)

func TestSaveChat(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()
	createTestUser(t, "alice@example.com")

	first := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	chat := &models.Chat{
		ID:        "c1",
		Title:     "Hello",
		Messages:  []models.Message{{Role: models.RoleUser, Content: "hi", Timestamp: 100}},
		Timestamp: 100,
	}
	if err := testStore.SaveChat(ctx, "alice@example.com", chat, first); err != nil {
		t.Fatalf("Failed to save chat: %v", err)
	}
	if chat.CreatedAt == nil || !chat.CreatedAt.Equal(first) {
		t.Errorf("Expected created_at %v, got %v", first, chat.CreatedAt)
	}

	second := first.Add(time.Hour)
	chat.Messages = append(chat.Messages, models.Message{Role: models.RoleAssistant, Content: "hello", Timestamp: 200})
	chat.Timestamp = 200
	if err := testStore.SaveChat(ctx, "alice@example.com", chat, second); err != nil {
		t.Fatalf("Failed to update chat: %v", err)
	}

	got, err := testStore.GetChat(ctx, "alice@example.com", "c1")
	if err != nil {
		t.Fatalf("GetChat failed: %v", err)
	}
	if len(got.Messages) != 2 || got.Timestamp != 200 {
		t.Errorf("Expected updated chat, got %+v", got)
	}
	if !got.CreatedAt.Equal(first) {
		t.Errorf("Expected created_at to be kept, got %v", got.CreatedAt)
	}
	if !got.UpdatedAt.Equal(second) {
		t.Errorf("Expected updated_at %v, got %v", second, got.UpdatedAt)
	}
}

func TestListChatsNewestFirstPerUser(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()
	createTestUser(t, "alice@example.com")
	createTestUser(t, "bob@example.com")
	now := time.Now()

	testStore.SaveChat(ctx, "alice@example.com", &models.Chat{ID: "old", Title: "old", Timestamp: 1}, now)
	testStore.SaveChat(ctx, "alice@example.com", &models.Chat{ID: "new", Title: "new", Timestamp: 5}, now)
	testStore.SaveChat(ctx, "bob@example.com", &models.Chat{ID: "bobs", Title: "bobs", Timestamp: 9}, now)

	chats, err := testStore.ListChats(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("ListChats failed: %v", err)
	}
	if len(chats) != 2 {
		t.Fatalf("Expected 2 chats, got %d", len(chats))
	}
	if chats[0].ID != "new" || chats[1].ID != "old" {
		t.Errorf("Expected [new old], got [%s %s]", chats[0].ID, chats[1].ID)
	}
	if chats[0].Messages == nil {
		t.Error("Expected empty message list, got nil")
	}

	empty, err := testStore.ListChats(ctx, "nobody@example.com")
	if err != nil || empty == nil || len(empty) != 0 {
		t.Errorf("Expected empty non-nil list, got %v err=%v", empty, err)
	}
}

func TestDeleteChat(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()
	createTestUser(t, "alice@example.com")

	testStore.SaveChat(ctx, "alice@example.com", &models.Chat{ID: "c1", Title: "t", Timestamp: 1}, time.Now())

	if err := testStore.DeleteChat(ctx, "bob@example.com", "c1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for another user's chat, got %v", err)
	}
	if err := testStore.DeleteChat(ctx, "alice@example.com", "c1"); err != nil {
		t.Errorf("Failed to delete chat: %v", err)
	}
	if err := testStore.DeleteChat(ctx, "alice@example.com", "c1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second delete, got %v", err)
	}
}
