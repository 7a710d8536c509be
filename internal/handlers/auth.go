package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/pliu/chatsync/internal/auth"
	"github.com/pliu/chatsync/internal/middleware"
	"github.com/pliu/chatsync/internal/models"
	"github.com/pliu/chatsync/internal/store"
	"golang.org/x/crypto/bcrypt"
)

const minPasswordLen = 6

type AuthHandler struct {
	Store  store.Store
	Signer *auth.Signer
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	name := strings.TrimSpace(req.Name)

	if email == "" || req.Password == "" || name == "" {
		writeError(w, http.StatusBadRequest, "Email, password, and name are required")
		return
	}
	if len(req.Password) < minPasswordLen {
		writeError(w, http.StatusBadRequest, "Password must be at least 6 characters long")
		return
	}
	if !strings.Contains(email, "@") || !strings.Contains(email, ".") {
		writeError(w, http.StatusBadRequest, "Please enter a valid email address")
		return
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	user := &models.User{Email: email, Name: name, Password: string(hashedPassword)}
	if err := h.Store.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, http.StatusConflict, "User with this email already exists")
			return
		}
		log.Printf("[Auth] register failed email=%s err=%v", email, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	log.Printf("[Auth] registered email=%s", email)
	writeJSON(w, http.StatusCreated, models.AuthResponse{
		Message: "User registered successfully",
		Token:   h.Signer.Sign(email),
		User:    &models.User{Email: user.Email, Name: user.Name},
	})
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var creds models.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	email := strings.ToLower(strings.TrimSpace(creds.Email))
	if email == "" || creds.Password == "" {
		writeError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	user, err := h.Store.GetUserByEmail(r.Context(), email)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("[Auth] login lookup failed email=%s err=%v", email, err)
		}
		writeError(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(creds.Password)); err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}

	writeJSON(w, http.StatusOK, models.AuthResponse{
		Message: "Login successful",
		Token:   h.Signer.Sign(email),
		User:    &models.User{Email: user.Email, Name: user.Name, ChatCount: user.ChatCount},
	})
}

func (h *AuthHandler) User(w http.ResponseWriter, r *http.Request) {
	email, _ := middleware.UserFromContext(r.Context())

	user, err := h.Store.GetUserByEmail(r.Context(), email)
	if err != nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, models.UserResponse{User: user})
}

// Logout is stateless: tokens are not revoked, the client drops its copy.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, messageResponse{Message: "Logged out successfully"})
}
