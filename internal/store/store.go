package store

import (
	"context"
	"errors"
	"time"

	"github.com/pliu/chatsync/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

// Store persists accounts and each account's chats. Chats are keyed by
// (owner email, chat id).
type Store interface {
	// User operations
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	IncrementChatCount(ctx context.Context, email string) (int, error)

	// Chat operations
	ListChats(ctx context.Context, email string) ([]models.Chat, error)
	GetChat(ctx context.Context, email, chatID string) (*models.Chat, error)
	// SaveChat inserts or replaces the chat. created_at is set on first
	// save only; updated_at on every save.
	SaveChat(ctx context.Context, email string, chat *models.Chat, now time.Time) error
	DeleteChat(ctx context.Context, email, chatID string) error

	Close() error
}
