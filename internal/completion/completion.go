// Package completion produces assistant replies for POST /api/chat.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://openrouter.ai/api/v1"
	defaultModel   = "openai/gpt-4o-mini"
	defaultTimeout = 30 * time.Second

	temperature = 0.7
	maxTokens   = 2048
	topP        = 0.9
)

// ErrTimeout is returned when the upstream model does not answer in time.
var ErrTimeout = errors.New("completion timed out")

// Message is one turn of the prompt sent upstream. Role is one of
// "system", "user" or "assistant".
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Responder interface {
	Complete(ctx context.Context, messages []Message) (string, error)
	Model() string
}

// APIError is a non-200 answer from the upstream model API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("completion API error (status %d): %s", e.StatusCode, e.Message)
}

type Option func(*OpenRouter)

func WithBaseURL(baseURL string) Option {
	return func(c *OpenRouter) {
		if baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func WithModel(model string) Option {
	return func(c *OpenRouter) {
		if model != "" {
			c.model = model
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *OpenRouter) {
		c.httpClient = httpClient
	}
}

// OpenRouter talks to an OpenAI-compatible chat completions endpoint.
type OpenRouter struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewOpenRouter(apiKey string, opts ...Option) *OpenRouter {
	c := &OpenRouter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   defaultModel,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *OpenRouter) Model() string {
	return c.model
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	TopP        float64   `json:"top_p"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

func (c *OpenRouter) Complete(ctx context.Context, messages []Message) (string, error) {
	log.Printf("[Completion] Complete started model=%s messages=%d", c.model, len(messages))

	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		TopP:        topP,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			log.Printf("[Completion] Complete failed: timeout model=%s", c.model)
			return "", ErrTimeout
		}
		log.Printf("[Completion] Complete failed: send request err=%v", err)
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		log.Printf("[Completion] Complete failed: API error status=%d", resp.StatusCode)
		return "", &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("completion response has no choices")
	}

	log.Printf("[Completion] Complete completed model=%s", c.model)
	return out.Choices[0].Message.Content, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Echo answers without any upstream call. It is used when no API key is
// configured.
type Echo struct{}

func (Echo) Model() string {
	return "echo"
}

func (Echo) Complete(ctx context.Context, messages []Message) (string, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return "Echo: " + messages[i].Content, nil
		}
	}
	return "Echo: (empty)", nil
}
