package sqlstore

import (
	"context"
	"testing"

	"github.com/pliu/chatsync/internal/models"
)

var testStore *SQLStore

func SetupTestDB(t *testing.T) {
	var err error
	testStore, err = New("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
}

func TeardownTestDB() {
	testStore.Close()
}

func createTestUser(t *testing.T, email string) *models.User {
	t.Helper()
	user := &models.User{Email: email, Name: "Test", Password: "hash"}
	if err := testStore.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	return user
}
