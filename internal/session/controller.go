// Package session owns the client's auth token, its connectivity flag and
// the chat reconciler that runs under them. The presentation layer drives a
// Controller and watches its Events channel.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/pliu/chatsync/internal/cache"
	"github.com/pliu/chatsync/internal/models"
	"github.com/pliu/chatsync/internal/reconciler"
	"github.com/pliu/chatsync/internal/remote"
)

type State string

const (
	StateAnonymous      State = "anonymous"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
	StateInvalid        State = "invalid"
)

const (
	minPasswordLen  = 6
	historyMessages = 10
	eventBuffer     = 64
)

var (
	ErrOffline              = errors.New("offline")
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrAuthInProgress       = errors.New("authentication already in progress")
	ErrAlreadyAuthenticated = errors.New("already logged in, log out first")
	ErrNoSession            = errors.New("no cached session")
	ErrChatNotFound         = errors.New("chat not found")
)

// ValidationError is returned before any request is made.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// API is the subset of the chat API client the controller calls.
type API interface {
	reconciler.API
	Login(ctx context.Context, email, password string) (*models.AuthResponse, error)
	Register(ctx context.Context, name, email, password string) (*models.AuthResponse, error)
	User(ctx context.Context, token string) (*models.User, error)
	Complete(ctx context.Context, token, prompt string, history []models.Message) (*models.CompletionResponse, error)
	Logout(ctx context.Context, token string) error
	Models(ctx context.Context, token string) ([]models.ModelInfo, error)
}

type Option func(*Controller)

func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// WithOnline sets the initial connectivity. The default is offline until
// the first SetOnline call.
func WithOnline(online bool) Option {
	return func(c *Controller) {
		c.online = online
	}
}

type Controller struct {
	api   API
	store *cache.Store
	rec   *reconciler.Reconciler
	now   func() time.Time

	mu     sync.Mutex
	state  State
	token  string
	user   *models.User
	online bool
	// validatePending is set when a cached session was trusted while offline.
	validatePending bool

	events chan Event
}

func New(api API, store *cache.Store, opts ...Option) *Controller {
	c := &Controller{
		api:    api,
		store:  store,
		now:    time.Now,
		state:  StateAnonymous,
		events: make(chan Event, eventBuffer),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.rec = reconciler.New(api, store, c)
	return c
}

func (c *Controller) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Controller) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) User() *models.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil {
		return nil
	}
	u := *c.user
	return &u
}

func (c *Controller) Chats() []models.Chat {
	return c.rec.Chats()
}

func (c *Controller) Chat(chatID string) (models.Chat, bool) {
	return c.rec.Chat(chatID)
}

func (c *Controller) NeedsSync() bool {
	return c.rec.NeedsSync()
}

func (c *Controller) Login(ctx context.Context, email, password string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return &ValidationError{Field: "email", Message: "Please enter your email"}
	}
	if password == "" {
		return &ValidationError{Field: "password", Message: "Please enter your password"}
	}

	if err := c.beginAuth(); err != nil {
		return err
	}

	resp, err := c.api.Login(ctx, email, password)
	if err != nil {
		c.setState(StateAnonymous)
		log.Printf("[Session] login failed email=%s error=%v", email, err)
		return err
	}

	c.establish(ctx, resp.Token, resp.User)
	return nil
}

func (c *Controller) Register(ctx context.Context, name, email, password string) error {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)
	switch {
	case name == "":
		return &ValidationError{Field: "name", Message: "Please enter your name"}
	case email == "":
		return &ValidationError{Field: "email", Message: "Please enter your email"}
	case password == "":
		return &ValidationError{Field: "password", Message: "Please enter a password"}
	case len(password) < minPasswordLen:
		return &ValidationError{Field: "password", Message: fmt.Sprintf("Password must be at least %d characters", minPasswordLen)}
	}

	if err := c.beginAuth(); err != nil {
		return err
	}

	resp, err := c.api.Register(ctx, name, email, password)
	if err != nil {
		c.setState(StateAnonymous)
		log.Printf("[Session] register failed email=%s error=%v", email, err)
		return err
	}

	c.establish(ctx, resp.Token, resp.User)
	return nil
}

// Restore resumes a cached session at process start. While offline the
// cached session is trusted and checked on the next online transition.
func (c *Controller) Restore(ctx context.Context) error {
	token, err := c.store.Token()
	if err != nil {
		return fmt.Errorf("read cached token: %w", err)
	}
	user, err := c.store.User()
	if err != nil {
		log.Printf("[Session] cached user unreadable, discarding session error=%v", err)
		user = nil
	}
	if token == "" || user == nil {
		return ErrNoSession
	}

	c.mu.Lock()
	c.token = token
	c.user = user
	online := c.online
	c.mu.Unlock()

	if !online {
		c.mu.Lock()
		c.validatePending = true
		c.mu.Unlock()
		c.setState(StateAuthenticated)
		c.emitChats(c.rec.Load(ctx).Chats)
		log.Printf("[Session] restored cached session offline email=%s", user.Email)
		return nil
	}

	fresh, err := c.api.User(ctx, token)
	if err != nil {
		log.Printf("[Session] cached session rejected error=%v", err)
		c.Invalidate(ctx)
		return err
	}

	c.mu.Lock()
	c.user = fresh
	c.mu.Unlock()
	if err := c.store.SetUser(fresh); err != nil {
		log.Printf("[Session] failed to cache user error=%v", err)
	}
	c.setState(StateAuthenticated)
	c.emitUser()
	c.emitChats(c.rec.Load(ctx).Chats)
	return nil
}

// Logout clears the session. Cached chats stay on disk.
func (c *Controller) Logout(ctx context.Context) {
	c.mu.Lock()
	token := c.token
	online := c.online
	c.mu.Unlock()

	if online && token != "" {
		if err := c.api.Logout(ctx, token); err != nil {
			log.Printf("[Session] logout request failed error=%v", err)
		}
	}

	c.clearSession()
	c.setState(StateAnonymous)
	c.emitChats([]models.Chat{})
}

// Invalidate handles an auth rejection from any request.
func (c *Controller) Invalidate(ctx context.Context) {
	c.mu.Lock()
	if c.state == StateAnonymous && c.token == "" {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.setState(StateInvalid)
	c.clearSession()
	c.setState(StateAnonymous)
	c.Notify(reconciler.SeverityError, "Your session has expired, please log in again")
	c.emitChats([]models.Chat{})
}

func (c *Controller) Notify(level reconciler.Severity, msg string) {
	c.emit(Event{Kind: EventNotice, Level: level, Message: msg})
}

// SetOnline records connectivity. Only an offline to online transition
// starts a sync.
func (c *Controller) SetOnline(ctx context.Context, online bool) {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return
	}
	c.online = online
	state := c.state
	pending := c.validatePending
	token := c.token
	c.mu.Unlock()

	c.emit(Event{Kind: EventConnectivity, Online: online})

	if !online {
		c.Notify(reconciler.SeverityInfo, "You are offline - chats will sync when reconnected")
		return
	}
	if state != StateAuthenticated {
		return
	}

	if pending {
		user, err := c.api.User(ctx, token)
		switch {
		case remote.IsUnauthorized(err):
			c.Invalidate(ctx)
			return
		case err != nil:
			log.Printf("[Session] deferred validation failed, will retry error=%v", err)
		default:
			c.mu.Lock()
			c.validatePending = false
			c.user = user
			c.mu.Unlock()
			if err := c.store.SetUser(user); err != nil {
				log.Printf("[Session] failed to cache user error=%v", err)
			}
			c.emitUser()
		}
	}

	c.Notify(reconciler.SeverityInfo, "Back online - syncing chats...")
	c.sync(ctx)
}

// SyncNow runs a sync on user request.
func (c *Controller) SyncNow(ctx context.Context) (reconciler.SyncResult, error) {
	if c.State() != StateAuthenticated {
		return reconciler.SyncResult{}, ErrNotAuthenticated
	}
	if !c.Online() {
		return reconciler.SyncResult{}, ErrOffline
	}
	return c.sync(ctx), nil
}

// Refresh reloads the chat list, e.g. after the server reported a change.
func (c *Controller) Refresh(ctx context.Context) {
	if c.State() != StateAuthenticated {
		return
	}
	c.emitChats(c.rec.Load(ctx).Chats)
}

// Send asks the assistant for a reply and records both turns in the chat.
// An empty chatID starts a new chat.
func (c *Controller) Send(ctx context.Context, chatID, prompt string) (models.Chat, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return models.Chat{}, &ValidationError{Field: "prompt", Message: "Please enter a message"}
	}

	c.mu.Lock()
	state, token, online := c.state, c.token, c.online
	c.mu.Unlock()
	if state != StateAuthenticated || token == "" {
		return models.Chat{}, ErrNotAuthenticated
	}
	if !online {
		return models.Chat{}, ErrOffline
	}

	var chat models.Chat
	if chatID == "" {
		chat = models.NewChat(prompt, c.now())
	} else {
		existing, ok := c.rec.Chat(chatID)
		if !ok {
			return models.Chat{}, ErrChatNotFound
		}
		chat = existing
	}

	resp, err := c.api.Complete(ctx, token, prompt, history(chat.Messages))
	if err != nil {
		if remote.IsUnauthorized(err) {
			c.Invalidate(ctx)
		}
		return models.Chat{}, err
	}

	now := c.now()
	chat.Append(now,
		models.Message{Role: models.RoleUser, Content: prompt, Timestamp: models.Millis(now)},
		models.Message{Role: models.RoleAssistant, Content: resp.Response, Timestamp: models.Millis(now)},
	)

	if resp.UserChatCount != nil {
		c.mu.Lock()
		if c.user != nil {
			c.user.ChatCount = *resp.UserChatCount
		}
		user := c.user
		c.mu.Unlock()
		if user != nil {
			if err := c.store.SetUser(user); err != nil {
				log.Printf("[Session] failed to cache user error=%v", err)
			}
			c.emitUser()
		}
	}

	c.rec.Save(ctx, chat)
	c.emitChats(c.rec.Chats())
	return chat, nil
}

// DeleteChat deletes on the server and, when that succeeded or the client is
// offline, locally. It reports whether the chat was removed locally.
func (c *Controller) DeleteChat(ctx context.Context, chatID string) bool {
	deleted := c.rec.Delete(ctx, chatID)
	if !deleted && c.Online() {
		return false
	}
	c.rec.RemoveLocal(chatID)
	c.emitChats(c.rec.Chats())
	return true
}

func (c *Controller) Models(ctx context.Context) ([]models.ModelInfo, error) {
	token := c.Token()
	if token == "" {
		return nil, ErrNotAuthenticated
	}
	list, err := c.api.Models(ctx, token)
	if remote.IsUnauthorized(err) {
		c.Invalidate(ctx)
	}
	return list, err
}

// beginAuth moves to authenticating. A live session must be logged out
// first so a failed attempt never strands its token.
func (c *Controller) beginAuth() error {
	c.mu.Lock()
	switch c.state {
	case StateAuthenticating:
		c.mu.Unlock()
		return ErrAuthInProgress
	case StateAuthenticated:
		c.mu.Unlock()
		return ErrAlreadyAuthenticated
	}
	c.state = StateAuthenticating
	c.mu.Unlock()
	c.emit(Event{Kind: EventState, State: StateAuthenticating})
	return nil
}

// establish persists a new session. A chat snapshot that belongs to a
// different account is dropped before the first load.
func (c *Controller) establish(ctx context.Context, token string, user *models.User) {
	owner, err := c.store.Owner()
	if err != nil {
		log.Printf("[Session] failed to read cache owner error=%v", err)
	}
	if owner != user.Email {
		if owner != "" {
			log.Printf("[Session] account changed, clearing cached chats")
		}
		if err := c.store.ClearChats(); err != nil {
			log.Printf("[Session] failed to clear cached chats error=%v", err)
		}
		c.rec.Reset()
		if err := c.store.SetOwner(user.Email); err != nil {
			log.Printf("[Session] failed to record cache owner error=%v", err)
		}
	}

	if err := c.store.SetToken(token); err != nil {
		log.Printf("[Session] failed to cache token error=%v", err)
	}
	if err := c.store.SetUser(user); err != nil {
		log.Printf("[Session] failed to cache user error=%v", err)
	}

	own := *user
	c.mu.Lock()
	c.token = token
	c.user = &own
	c.validatePending = false
	c.mu.Unlock()

	log.Printf("[Session] authenticated email=%s", user.Email)
	c.setState(StateAuthenticated)
	c.emitUser()
	c.emitChats(c.rec.Load(ctx).Chats)
}

func (c *Controller) clearSession() {
	c.mu.Lock()
	c.token = ""
	c.user = nil
	c.validatePending = false
	c.mu.Unlock()

	if err := c.store.ClearSession(); err != nil {
		log.Printf("[Session] failed to clear cached session error=%v", err)
	}
	c.rec.Reset()
}

func (c *Controller) sync(ctx context.Context) reconciler.SyncResult {
	result := c.rec.Sync(ctx)
	if result.Status != reconciler.SyncSkipped {
		c.emitChats(result.Chats)
	}
	return result
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.emit(Event{Kind: EventState, State: s})
}

func history(msgs []models.Message) []models.Message {
	if len(msgs) > historyMessages {
		msgs = msgs[len(msgs)-historyMessages:]
	}
	out := make([]models.Message, len(msgs))
	for i, m := range msgs {
		out[i] = models.Message{Role: m.Role, Content: m.Content}
	}
	return out
}
