package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/pliu/chatsync/internal/models"
	"github.com/pliu/chatsync/internal/store"
)

type SQLStore struct {
	db         *sqlx.DB
	driverName string
}

var _ store.Store = (*SQLStore)(nil)

func New(driverName, dataSourceName string) (*SQLStore, error) {
	db, err := sqlx.Connect(driverName, dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if driverName == "sqlite3" {
		// One connection so ":memory:" is shared and writers serialise.
		db.SetMaxOpenConns(1)
	}

	s := &SQLStore{db: db, driverName: driverName}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		email TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		password TEXT NOT NULL,
		chat_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chats (
		user_email TEXT NOT NULL REFERENCES users(email),
		id TEXT NOT NULL,
		title TEXT NOT NULL,
		messages TEXT NOT NULL,
		timestamp_ms BIGINT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_email, id)
	);

	CREATE INDEX IF NOT EXISTS idx_chats_user_ts ON chats (user_email, timestamp_ms);
	`

	if s.driverName == "postgres" {
		query = strings.ReplaceAll(query, "TIMESTAMP NOT NULL", "TIMESTAMPTZ NOT NULL")
	}

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

type userRow struct {
	Email     string    `db:"email"`
	Name      string    `db:"name"`
	Password  string    `db:"password"`
	ChatCount int       `db:"chat_count"`
	CreatedAt time.Time `db:"created_at"`
}

func (r userRow) toModel() *models.User {
	created := r.CreatedAt.UTC()
	return &models.User{
		Email:     r.Email,
		Name:      r.Name,
		Password:  r.Password,
		ChatCount: r.ChatCount,
		CreatedAt: &created,
	}
}

type chatRow struct {
	ID        string    `db:"id"`
	Title     string    `db:"title"`
	Messages  string    `db:"messages"`
	Timestamp int64     `db:"timestamp_ms"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r chatRow) toModel() (models.Chat, error) {
	msgs := []models.Message{}
	if err := json.Unmarshal([]byte(r.Messages), &msgs); err != nil {
		return models.Chat{}, fmt.Errorf("decode messages of chat %s: %w", r.ID, err)
	}
	created, updated := r.CreatedAt.UTC(), r.UpdatedAt.UTC()
	return models.Chat{
		ID:        r.ID,
		Title:     r.Title,
		Messages:  msgs,
		Timestamp: r.Timestamp,
		CreatedAt: &created,
		UpdatedAt: &updated,
	}, nil
}

func (s *SQLStore) CreateUser(ctx context.Context, user *models.User) error {
	created := time.Now().UTC()
	if user.CreatedAt != nil {
		created = user.CreatedAt.UTC()
	}

	query := s.db.Rebind("INSERT INTO users (email, name, password, chat_count, created_at) VALUES (?, ?, ?, ?, ?)")
	if _, err := s.db.ExecContext(ctx, query, user.Email, user.Name, user.Password, user.ChatCount, created); err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return err
	}
	user.CreatedAt = &created
	return nil
}

func (s *SQLStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var row userRow
	query := s.db.Rebind("SELECT email, name, password, chat_count, created_at FROM users WHERE email = ?")
	if err := s.db.GetContext(ctx, &row, query, email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return row.toModel(), nil
}

func (s *SQLStore) IncrementChatCount(ctx context.Context, email string) (int, error) {
	query := s.db.Rebind("UPDATE users SET chat_count = chat_count + 1 WHERE email = ?")
	result, err := s.db.ExecContext(ctx, query, email)
	if err != nil {
		return 0, err
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return 0, store.ErrNotFound
	}

	var count int
	query = s.db.Rebind("SELECT chat_count FROM users WHERE email = ?")
	if err := s.db.GetContext(ctx, &count, query, email); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *SQLStore) ListChats(ctx context.Context, email string) ([]models.Chat, error) {
	var rows []chatRow
	query := s.db.Rebind(`
		SELECT id, title, messages, timestamp_ms, created_at, updated_at
		FROM chats
		WHERE user_email = ?
		ORDER BY timestamp_ms DESC
	`)
	if err := s.db.SelectContext(ctx, &rows, query, email); err != nil {
		return nil, err
	}

	chats := make([]models.Chat, 0, len(rows))
	for _, row := range rows {
		chat, err := row.toModel()
		if err != nil {
			return nil, err
		}
		chats = append(chats, chat)
	}
	return chats, nil
}

func (s *SQLStore) GetChat(ctx context.Context, email, chatID string) (*models.Chat, error) {
	var row chatRow
	query := s.db.Rebind(`
		SELECT id, title, messages, timestamp_ms, created_at, updated_at
		FROM chats
		WHERE user_email = ? AND id = ?
	`)
	if err := s.db.GetContext(ctx, &row, query, email, chatID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	chat, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

func (s *SQLStore) SaveChat(ctx context.Context, email string, chat *models.Chat, now time.Time) error {
	msgs := chat.Messages
	if msgs == nil {
		msgs = []models.Message{}
	}
	encoded, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}

	now = now.UTC()
	query := s.db.Rebind(`
		INSERT INTO chats (user_email, id, title, messages, timestamp_ms, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_email, id) DO UPDATE SET
			title = excluded.title,
			messages = excluded.messages,
			timestamp_ms = excluded.timestamp_ms,
			updated_at = excluded.updated_at
	`)
	if _, err := s.db.ExecContext(ctx, query, email, chat.ID, chat.Title, string(encoded), chat.Timestamp, now, now); err != nil {
		return err
	}

	saved, err := s.GetChat(ctx, email, chat.ID)
	if err != nil {
		return err
	}
	chat.CreatedAt = saved.CreatedAt
	chat.UpdatedAt = saved.UpdatedAt
	return nil
}

func (s *SQLStore) DeleteChat(ctx context.Context, email, chatID string) error {
	query := s.db.Rebind("DELETE FROM chats WHERE user_email = ? AND id = ?")
	result, err := s.db.ExecContext(ctx, query, email, chatID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
