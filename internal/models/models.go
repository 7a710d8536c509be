package models

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the closed set of message roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

const (
	titleMaxLen  = 40
	titleCutLen  = 37
	titleEllipse = "..."
)

type User struct {
	Email     string     `json:"email"`
	Name      string     `json:"name"`
	Password  string     `json:"-"`
	ChatCount int        `json:"chat_count"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

type Message struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

type Chat struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Messages  []Message  `json:"messages"`
	Timestamp int64      `json:"timestamp"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// NewChat starts a conversation whose title is derived from the first user message.
func NewChat(firstMessage string, now time.Time) Chat {
	return Chat{
		ID:        uuid.NewString(),
		Title:     TitleFromMessage(firstMessage),
		Messages:  []Message{},
		Timestamp: Millis(now),
	}
}

// Append adds messages in order and moves the chat's logical clock forward.
func (c *Chat) Append(now time.Time, msgs ...Message) {
	c.Messages = append(c.Messages, msgs...)
	c.Timestamp = Millis(now)
}

// Clone returns a copy that shares no message storage with c.
func (c Chat) Clone() Chat {
	out := c
	if c.Messages != nil {
		out.Messages = make([]Message, len(c.Messages))
		copy(out.Messages, c.Messages)
	}
	return out
}

func TitleFromMessage(message string) string {
	title := strings.TrimSpace(message)
	if utf8.RuneCountInString(title) > titleMaxLen {
		runes := []rune(title)
		title = string(runes[:titleCutLen]) + titleEllipse
	}
	return title
}

func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthResponse struct {
	Message string `json:"message,omitempty"`
	Token   string `json:"token"`
	User    *User  `json:"user"`
}

type UserResponse struct {
	User *User `json:"user"`
}

type ChatsResponse struct {
	Chats []Chat `json:"chats"`
}

type SaveChatResponse struct {
	Message string `json:"message"`
	Chat    *Chat  `json:"chat"`
}

// CompletionRequest is the body of POST /api/chat: the new prompt plus the
// conversation so far.
type CompletionRequest struct {
	Prompt   string    `json:"prompt"`
	Messages []Message `json:"messages"`
}

type CompletionResponse struct {
	Response string `json:"response"`
	Model    string `json:"model"`
	// UserChatCount is absent when the server did not report a count.
	UserChatCount *int `json:"user_chat_count,omitempty"`
}

type ModelInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type ModelsResponse struct {
	Models []ModelInfo `json:"models"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
