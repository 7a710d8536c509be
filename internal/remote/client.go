package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pliu/chatsync/internal/models"
)

const defaultTimeout = 30 * time.Second

// Client talks to the chat API. Every call carries its own bearer token;
// the client itself holds no session state.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat API error (status %d): %s", e.StatusCode, e.Message)
}

// IsUnauthorized reports whether err is an auth rejection from the API.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

func (c *Client) Login(ctx context.Context, email, password string) (*models.AuthResponse, error) {
	var out models.AuthResponse
	if err := c.do(ctx, http.MethodPost, "/api/login", "", models.Credentials{Email: email, Password: password}, &out); err != nil {
		return nil, err
	}
	if out.Token == "" || out.User == nil {
		return nil, fmt.Errorf("login: response missing token or user")
	}
	return &out, nil
}

func (c *Client) Register(ctx context.Context, name, email, password string) (*models.AuthResponse, error) {
	var out models.AuthResponse
	req := models.RegisterRequest{Name: name, Email: email, Password: password}
	if err := c.do(ctx, http.MethodPost, "/api/register", "", req, &out); err != nil {
		return nil, err
	}
	if out.Token == "" || out.User == nil {
		return nil, fmt.Errorf("register: response missing token or user")
	}
	return &out, nil
}

func (c *Client) User(ctx context.Context, token string) (*models.User, error) {
	var out models.UserResponse
	if err := c.do(ctx, http.MethodGet, "/api/user", token, nil, &out); err != nil {
		return nil, err
	}
	if out.User == nil {
		return nil, fmt.Errorf("user: response missing user")
	}
	return out.User, nil
}

func (c *Client) ListChats(ctx context.Context, token string) ([]models.Chat, error) {
	var out struct {
		Chats *[]models.Chat `json:"chats"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/chats", token, nil, &out); err != nil {
		return nil, err
	}
	if out.Chats == nil {
		return nil, fmt.Errorf("list chats: response missing chats")
	}
	if *out.Chats == nil {
		return []models.Chat{}, nil
	}
	return *out.Chats, nil
}

func (c *Client) SaveChat(ctx context.Context, token string, chat models.Chat) (*models.Chat, error) {
	var out models.SaveChatResponse
	if err := c.do(ctx, http.MethodPost, "/api/chats", token, chat, &out); err != nil {
		return nil, err
	}
	return out.Chat, nil
}

func (c *Client) DeleteChat(ctx context.Context, token, chatID string) error {
	return c.do(ctx, http.MethodDelete, "/api/chats/"+url.PathEscape(chatID), token, nil, nil)
}

func (c *Client) Complete(ctx context.Context, token, prompt string, history []models.Message) (*models.CompletionResponse, error) {
	var out models.CompletionResponse
	req := models.CompletionRequest{Prompt: prompt, Messages: history}
	if err := c.do(ctx, http.MethodPost, "/api/chat", token, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Logout(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPost, "/api/logout", token, nil, nil)
}

func (c *Client) Models(ctx context.Context, token string) ([]models.ModelInfo, error) {
	var out models.ModelsResponse
	if err := c.do(ctx, http.MethodGet, "/api/models", token, nil, &out); err != nil {
		return nil, err
	}
	return out.Models, nil
}

// do sends one request. out may be nil when the body is not needed.
func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req, token, in != nil)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleError(method, path, resp)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request, token string, hasBody bool) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
}

func (c *Client) handleError(method, path string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	message := strings.TrimSpace(string(body))
	var errResp models.ErrorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		message = errResp.Error
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	log.Printf("[Remote] %s %s failed status=%d error=%q", method, path, resp.StatusCode, message)

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    message,
	}
}
