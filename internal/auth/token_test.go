package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSignVerify(t *testing.T) {
	signer := NewSigner([]byte("test-secret"), time.Hour)

	token := signer.Sign("alice@example.com")
	subject, err := signer.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if subject != "alice@example.com" {
		t.Errorf("Expected subject 'alice@example.com', got '%s'", subject)
	}
}

func TestVerifyRejects(t *testing.T) {
	signer := NewSigner([]byte("test-secret"), time.Hour)
	valid := signer.Sign("alice@example.com")
	payload, _, _ := strings.Cut(valid, "|")

	tests := []struct {
		name  string
		token string
	}{
		{name: "Empty", token: ""},
		{name: "No separator", token: "abc"},
		{name: "Bad signature", token: payload + "|invalid_signature"},
		{name: "Other secret", token: NewSigner([]byte("other"), time.Hour).Sign("alice@example.com")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := signer.Verify(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestVerifyExpired(t *testing.T) {
	signer := NewSigner([]byte("test-secret"), time.Minute)
	start := time.Unix(1_700_000_000, 0)
	signer.now = func() time.Time { return start }

	token := signer.Sign("alice@example.com")

	signer.now = func() time.Time { return start.Add(2 * time.Minute) }
	if _, err := signer.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Expected ErrExpiredToken, got %v", err)
	}
}

func TestDefaultTTL(t *testing.T) {
	if NewSigner([]byte("s"), 0).ttl != DefaultTTL {
		t.Error("Expected zero ttl to fall back to the default")
	}
}
