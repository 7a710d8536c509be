package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

const DefaultTTL = 7 * 24 * time.Hour

// Signer issues and checks bearer tokens of the form "payload|signature",
// where payload carries the subject and an expiry.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSigner(secret []byte, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Signer{secret: secret, ttl: ttl, now: time.Now}
}

// Sign returns a token for subject valid for the signer's TTL.
func (s *Signer) Sign(subject string) string {
	exp := s.now().Add(s.ttl).Unix()
	value := subject + "\n" + strconv.FormatInt(exp, 10)
	return fmt.Sprintf("%s|%s",
		base64.RawURLEncoding.EncodeToString([]byte(value)),
		base64.RawURLEncoding.EncodeToString(s.mac(value)))
}

// Verify checks the signature and expiry and returns the subject.
func (s *Signer) Verify(token string) (string, error) {
	parts := strings.Split(token, "|")
	if len(parts) != 2 {
		return "", ErrInvalidToken
	}

	valueBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", ErrInvalidToken
	}
	signature, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", ErrInvalidToken
	}

	value := string(valueBytes)
	if !hmac.Equal(signature, s.mac(value)) {
		return "", ErrInvalidToken
	}

	subject, expStr, ok := strings.Cut(value, "\n")
	if !ok || subject == "" {
		return "", ErrInvalidToken
	}
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return "", ErrInvalidToken
	}
	if s.now().Unix() >= exp {
		return "", ErrExpiredToken
	}

	return subject, nil
}

func (s *Signer) mac(value string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(value))
	return mac.Sum(nil)
}
