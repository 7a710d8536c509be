// Package cache is the client's durable key-value store. It holds the last
// known chat list and the auth session under fixed keys. Keys are written
// independently; there is no transaction spanning more than one key.
package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/pliu/chatsync/internal/models"
)

const (
	KeyToken      = "auth_token"
	KeyUser       = "current_user"
	KeyChats      = "chats"
	KeyChatsOwner = "chats_owner"
)

// Cache is the raw blob interface the typed helpers are built on.
type Cache interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Remove(key string) error
}

type SQLiteCache struct {
	db *sql.DB
	mu sync.Mutex
}

// cacheDSN enables WAL on plain file paths, keeping any query the caller
// already supplied.
func cacheDSN(path string) string {
	if path == ":memory:" || strings.HasPrefix(path, "file:") || strings.Contains(path, "_journal_mode=") {
		return path
	}
	if strings.Contains(path, "?") {
		return path + "&_journal_mode=WAL"
	}
	return path + "?_journal_mode=WAL"
}

// Open opens (or creates) the cache database at path. Use ":memory:" for an
// ephemeral cache.
func Open(path string) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite3", cacheDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping cache: %w", err)
	}

	// A single connection keeps ":memory:" databases alive and serialises writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	c := &SQLiteCache{db: db}
	if err := c.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *SQLiteCache) createTables() error {
	_, err := c.db.Exec(`
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`)
	if err != nil {
		return fmt.Errorf("create cache tables: %w", err)
	}
	return nil
}

func (c *SQLiteCache) Get(key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var value []byte
	err := c.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (c *SQLiteCache) Set(key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.Exec(`
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC())
	return err
}

func (c *SQLiteCache) Remove(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.Exec("DELETE FROM kv WHERE key = ?", key)
	return err
}

func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

// Store layers the three logical keys of the client on top of a Cache.
type Store struct {
	Cache Cache
}

func NewStore(c Cache) *Store {
	return &Store{Cache: c}
}

func (s *Store) Token() (string, error) {
	b, ok, err := s.Cache.Get(KeyToken)
	if err != nil || !ok {
		return "", err
	}
	return string(b), nil
}

func (s *Store) SetToken(token string) error {
	return s.Cache.Set(KeyToken, []byte(token))
}

func (s *Store) User() (*models.User, error) {
	var user models.User
	ok, err := s.getJSON(KeyUser, &user)
	if err != nil || !ok {
		return nil, err
	}
	return &user, nil
}

func (s *Store) SetUser(user *models.User) error {
	return s.setJSON(KeyUser, user)
}

// ClearSession removes the token and user snapshot. Cached chats are kept.
func (s *Store) ClearSession() error {
	if err := s.Cache.Remove(KeyToken); err != nil {
		return err
	}
	return s.Cache.Remove(KeyUser)
}

// Chats returns the cached chat list, or an empty list when nothing is cached.
func (s *Store) Chats() ([]models.Chat, error) {
	var chats []models.Chat
	ok, err := s.getJSON(KeyChats, &chats)
	if err != nil {
		return nil, err
	}
	if !ok || chats == nil {
		return []models.Chat{}, nil
	}
	return chats, nil
}

func (s *Store) SetChats(chats []models.Chat) error {
	if chats == nil {
		chats = []models.Chat{}
	}
	return s.setJSON(KeyChats, chats)
}

// Owner is the account the cached chat list belongs to.
func (s *Store) Owner() (string, error) {
	b, ok, err := s.Cache.Get(KeyChatsOwner)
	if err != nil || !ok {
		return "", err
	}
	return string(b), nil
}

func (s *Store) SetOwner(email string) error {
	return s.Cache.Set(KeyChatsOwner, []byte(email))
}

func (s *Store) ClearChats() error {
	if err := s.Cache.Remove(KeyChats); err != nil {
		return err
	}
	return s.Cache.Remove(KeyChatsOwner)
}

func (s *Store) getJSON(key string, v any) (bool, error) {
	b, ok, err := s.Cache.Get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) setJSON(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Cache.Set(key, b)
}
