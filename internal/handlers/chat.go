package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pliu/chatsync/internal/completion"
	"github.com/pliu/chatsync/internal/events"
	"github.com/pliu/chatsync/internal/middleware"
	"github.com/pliu/chatsync/internal/models"
	"github.com/pliu/chatsync/internal/store"
	"github.com/pliu/chatsync/internal/ws"
)

const systemPrompt = `You are AlphaX, a helpful, harmless, and honest AI assistant. You are chatting with %s. You should:

1. Provide clear, well-structured responses
2. Use markdown formatting when appropriate
3. Be conversational but professional
4. Admit when you don't know something
5. Be concise but thorough`

var availableModels = []models.ModelInfo{
	{ID: "openai/gpt-4o-mini", Name: "GPT-4o Mini", Description: "Fast and efficient model for most tasks"},
	{ID: "openai/gpt-4o", Name: "GPT-4o", Description: "Most capable model for complex tasks"},
	{ID: "anthropic/claude-3-haiku", Name: "Claude 3 Haiku", Description: "Fast and efficient Claude model"},
	{ID: "anthropic/claude-3-sonnet", Name: "Claude 3 Sonnet", Description: "Balanced Claude model"},
}

// ChatHandler serves the chat history and completion endpoints. Hub and
// Publisher are optional.
type ChatHandler struct {
	Store     store.Store
	Hub       *ws.Hub
	Publisher events.Publisher
	Responder completion.Responder
	Now       func() time.Time
}

func (h *ChatHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *ChatHandler) GetChats(w http.ResponseWriter, r *http.Request) {
	email, _ := middleware.UserFromContext(r.Context())

	chats, err := h.Store.ListChats(r.Context(), email)
	if err != nil {
		log.Printf("[Chats] list failed user=%s err=%v", email, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, models.ChatsResponse{Chats: chats})
}

func (h *ChatHandler) SaveChat(w http.ResponseWriter, r *http.Request) {
	chat, msg := decodeChat(r, "id", "title", "messages", "timestamp")
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	h.save(w, r, chat, "Chat saved successfully")
}

// UpdateChat saves the body under the id from the path.
func (h *ChatHandler) UpdateChat(w http.ResponseWriter, r *http.Request) {
	chat, msg := decodeChat(r, "title", "messages", "timestamp")
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	chat.ID = mux.Vars(r)["id"]
	h.save(w, r, chat, "Chat updated successfully")
}

func (h *ChatHandler) save(w http.ResponseWriter, r *http.Request, chat *models.Chat, message string) {
	email, _ := middleware.UserFromContext(r.Context())
	if chat.ID == "" {
		writeError(w, http.StatusBadRequest, "Missing required field: id")
		return
	}

	if err := h.Store.SaveChat(r.Context(), email, chat, h.now()); err != nil {
		log.Printf("[Chats] save failed user=%s chat_id=%s err=%v", email, chat.ID, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.changed(r.Context(), events.RoutingChatSaved, email, chat.ID, chat.Timestamp)
	writeJSON(w, http.StatusOK, models.SaveChatResponse{Message: message, Chat: chat})
}

func (h *ChatHandler) DeleteChat(w http.ResponseWriter, r *http.Request) {
	email, _ := middleware.UserFromContext(r.Context())
	chatID := mux.Vars(r)["id"]

	if err := h.Store.DeleteChat(r.Context(), email, chatID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Chat not found")
			return
		}
		log.Printf("[Chats] delete failed user=%s chat_id=%s err=%v", email, chatID, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.changed(r.Context(), events.RoutingChatDeleted, email, chatID, 0)
	writeJSON(w, http.StatusOK, messageResponse{Message: "Chat deleted successfully"})
}

// Complete answers POST /api/chat.
func (h *ChatHandler) Complete(w http.ResponseWriter, r *http.Request) {
	email, _ := middleware.UserFromContext(r.Context())

	var req models.CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "Missing prompt")
		return
	}

	user, err := h.Store.GetUserByEmail(r.Context(), email)
	if err != nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	count, err := h.Store.IncrementChatCount(r.Context(), email)
	if err != nil {
		log.Printf("[Chats] chat count failed user=%s err=%v", email, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	conversation := make([]completion.Message, 0, len(req.Messages)+2)
	conversation = append(conversation, completion.Message{Role: "system", Content: fmt.Sprintf(systemPrompt, user.Name)})
	for _, m := range req.Messages {
		if m.Role.Valid() {
			conversation = append(conversation, completion.Message{Role: string(m.Role), Content: m.Content})
		}
	}
	conversation = append(conversation, completion.Message{Role: string(models.RoleUser), Content: req.Prompt})

	reply, err := h.Responder.Complete(r.Context(), conversation)
	if err != nil {
		var apiErr *completion.APIError
		switch {
		case errors.As(err, &apiErr):
			writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("AI service temporarily unavailable (Error %d)", apiErr.StatusCode))
		case errors.Is(err, completion.ErrTimeout):
			writeError(w, http.StatusGatewayTimeout, "Request timeout")
		default:
			writeError(w, http.StatusServiceUnavailable, "Connection error")
		}
		return
	}

	writeJSON(w, http.StatusOK, models.CompletionResponse{
		Response:      reply,
		Model:         h.Responder.Model(),
		UserChatCount: &count,
	})
}

func (h *ChatHandler) Models(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.ModelsResponse{Models: availableModels})
}

func (h *ChatHandler) changed(ctx context.Context, routingKey, email, chatID string, timestamp int64) {
	if h.Hub != nil {
		h.Hub.Notify(email)
	}
	if h.Publisher == nil {
		return
	}
	event := events.ChatEvent{
		Type:       routingKey,
		UserEmail:  email,
		ChatID:     chatID,
		Timestamp:  timestamp,
		OccurredAt: h.now().UTC(),
	}
	if err := h.Publisher.Publish(ctx, routingKey, event); err != nil {
		log.Printf("[Chats] publish failed routing_key=%s chat_id=%s err=%v", routingKey, chatID, err)
	}
}

// decodeChat reads a chat body and reports the first required field that
// is absent.
func decodeChat(r *http.Request, required ...string) (*models.Chat, string) {
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, "Invalid request body"
	}
	for _, field := range required {
		if v, ok := raw[field]; !ok || string(v) == "null" {
			return nil, "Missing required field: " + field
		}
	}

	var chat models.Chat
	for field, target := range map[string]any{
		"id":        &chat.ID,
		"title":     &chat.Title,
		"messages":  &chat.Messages,
		"timestamp": &chat.Timestamp,
	} {
		v, ok := raw[field]
		if !ok {
			continue
		}
		if err := json.Unmarshal(v, target); err != nil {
			return nil, "Invalid field: " + field
		}
	}
	for _, m := range chat.Messages {
		if !m.Role.Valid() {
			return nil, "Invalid field: messages"
		}
	}
	if chat.Messages == nil {
		chat.Messages = []models.Message{}
	}
	return &chat, ""
}
