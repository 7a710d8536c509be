package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pliu/chatsync/internal/models"
)

func TestNewClient_Options(t *testing.T) {
	client := NewClient("http://example.com/", WithTimeout(5*time.Second))

	if client.BaseURL() != "http://example.com" {
		t.Errorf("expected trailing slash trimmed, got '%s'", client.BaseURL())
	}
	if client.httpClient.Timeout != 5*time.Second {
		t.Errorf("expected timeout 5s, got %v", client.httpClient.Timeout)
	}

	if NewClient("http://example.com").httpClient.Timeout != defaultTimeout {
		t.Error("expected default timeout")
	}
}

func TestLogin_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/login" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "" {
			t.Error("login must not send a bearer token")
		}

		var creds models.Credentials
		json.NewDecoder(r.Body).Decode(&creds)
		if creds.Email != "a@example.com" || creds.Password != "secret1" {
			t.Errorf("unexpected credentials %+v", creds)
		}

		json.NewEncoder(w).Encode(models.AuthResponse{
			Token: "tok",
			User:  &models.User{Email: "a@example.com", Name: "A"},
		})
	}))
	defer server.Close()

	resp, err := NewClient(server.URL).Login(context.Background(), "a@example.com", "secret1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Token != "tok" || resp.User.Name != "A" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestLogin_Rejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(models.ErrorResponse{Error: "Invalid email or password"})
	}))
	defer server.Close()

	_, err := NewClient(server.URL).Login(context.Background(), "a@example.com", "bad")

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Message != "Invalid email or password" {
		t.Errorf("expected server message, got '%s'", apiErr.Message)
	}
	if !IsUnauthorized(err) {
		t.Error("expected IsUnauthorized to be true")
	}
}

func TestListChats_SendsBearer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(models.ChatsResponse{Chats: []models.Chat{{ID: "c1", Timestamp: 5}}})
	}))
	defer server.Close()

	client := NewClient(server.URL)

	chats, err := client.ListChats(context.Background(), "tok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chats) != 1 || chats[0].ID != "c1" {
		t.Errorf("unexpected chats %+v", chats)
	}

	_, err = client.ListChats(context.Background(), "wrong")
	if !IsUnauthorized(err) {
		t.Errorf("expected unauthorized, got %v", err)
	}
}

func TestListChats_UnexpectedShape(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"items": []}`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL).ListChats(context.Background(), "tok")
	if err == nil {
		t.Fatal("expected error for missing chats field")
	}
	if IsUnauthorized(err) {
		t.Error("shape errors must not look like auth rejection")
	}
}

func TestDeleteChat_EscapesID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("expected DELETE, got %s", r.Method)
		}
		if r.URL.EscapedPath() != "/api/chats/a%2Fb" {
			t.Errorf("unexpected path %s", r.URL.EscapedPath())
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	if err := NewClient(server.URL).DeleteChat(context.Background(), "tok", "a/b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTimeoutIsGenericFailure(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	client := NewClient(server.URL, WithTimeout(50*time.Millisecond))
	_, err := client.ListChats(context.Background(), "tok")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if IsUnauthorized(err) {
		t.Error("timeout must not be treated as auth rejection")
	}
}
