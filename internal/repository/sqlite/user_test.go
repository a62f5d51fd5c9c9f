package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sakif/qaplanet/internal/apperror"
	"github.com/sakif/qaplanet/internal/model"
)

// newTestDB returns a fresh in-memory database that is closed when the test
// (or subtest) finishes.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createTestUser(t *testing.T, db *DB, username string) *model.User {
	t.Helper()
	user := &model.User{
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: "$2a$04$not-a-real-hash",
		Avatar:       "https://example.com/" + username + ".png",
	}
	if err := db.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("failed to create test user: %v", err)
	}
	return user
}

func TestCreateUser(t *testing.T) {
	db := newTestDB(t)

	user := createTestUser(t, db, "alice")
	if user.ID == "" {
		t.Error("CreateUser() did not set user.ID")
	}
	if user.CreatedAt.IsZero() {
		t.Error("CreateUser() did not set user.CreatedAt")
	}

	got, err := db.GetUserByID(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("GetUserByID() error = %v", err)
	}
	if got.Username != "alice" || got.Email != "alice@example.com" {
		t.Errorf("GetUserByID() = %+v", got)
	}
	if got.PasswordHash != user.PasswordHash {
		t.Error("password hash was not persisted")
	}
	if got.LastLoginAt != nil {
		t.Error("new user should have no last login")
	}
}

func TestCreateUser_DuplicateUsername(t *testing.T) {
	db := newTestDB(t)
	createTestUser(t, db, "alice")

	dup := &model.User{Username: "ALICE", Email: "other@example.com", PasswordHash: "x"}
	err := db.CreateUser(context.Background(), dup)
	if !errors.Is(err, apperror.ErrConflict) {
		t.Fatalf("CreateUser() error = %v, want ErrConflict", err)
	}
	var appErr *apperror.AppError
	if errors.As(err, &appErr) && appErr.Field != "username" {
		t.Errorf("conflict field = %q, want username", appErr.Field)
	}
}

func TestCreateUser_DuplicateEmail(t *testing.T) {
	db := newTestDB(t)
	createTestUser(t, db, "alice")

	dup := &model.User{Username: "alice2", Email: "Alice@Example.com", PasswordHash: "x"}
	err := db.CreateUser(context.Background(), dup)
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) || !errors.Is(err, apperror.ErrConflict) {
		t.Fatalf("CreateUser() error = %v, want ErrConflict", err)
	}
	if appErr.Field != "email" {
		t.Errorf("conflict field = %q, want email", appErr.Field)
	}
}

func TestCreateUser_EmptyEmailsDoNotClash(t *testing.T) {
	db := newTestDB(t)
	for _, name := range []string{"noemail1", "noemail2"} {
		u := &model.User{Username: name, PasswordHash: "x"}
		if err := db.CreateUser(context.Background(), u); err != nil {
			t.Fatalf("CreateUser(%s) error = %v", name, err)
		}
	}
}

func TestGetUserByLogin(t *testing.T) {
	db := newTestDB(t)
	alice := createTestUser(t, db, "alice")

	for _, ident := range []string{"alice", "Alice", "alice@example.com", "ALICE@EXAMPLE.COM"} {
		got, err := db.GetUserByLogin(context.Background(), ident)
		if err != nil {
			t.Fatalf("GetUserByLogin(%q) error = %v", ident, err)
		}
		if got.ID != alice.ID {
			t.Errorf("GetUserByLogin(%q) = %s, want %s", ident, got.ID, alice.ID)
		}
	}

	_, err := db.GetUserByLogin(context.Background(), "nobody")
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("unknown login error = %v, want ErrNotFound", err)
	}
}

func TestGetUserByID_NotFound(t *testing.T) {
	db := newTestDB(t)
	_, err := db.GetUserByID(context.Background(), "missing")
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestUpdateLastLogin(t *testing.T) {
	db := newTestDB(t)
	alice := createTestUser(t, db, "alice")

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := db.UpdateLastLogin(context.Background(), alice.ID, at); err != nil {
		t.Fatalf("UpdateLastLogin() error = %v", err)
	}

	got, _ := db.GetUserByID(context.Background(), alice.ID)
	if got.LastLoginAt == nil || !got.LastLoginAt.Equal(at) {
		t.Errorf("LastLoginAt = %v, want %v", got.LastLoginAt, at)
	}

	if err := db.UpdateLastLogin(context.Background(), "missing", at); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("missing user error = %v, want ErrNotFound", err)
	}
}

func TestRenameUser(t *testing.T) {
	db := newTestDB(t)
	alice := createTestUser(t, db, "alice")
	createTestUser(t, db, "bob")

	if err := db.RenameUser(context.Background(), alice.ID, "alicia"); err != nil {
		t.Fatalf("RenameUser() error = %v", err)
	}
	got, _ := db.GetUserByID(context.Background(), alice.ID)
	if got.Username != "alicia" {
		t.Errorf("Username = %q, want alicia", got.Username)
	}

	if err := db.RenameUser(context.Background(), alice.ID, "bob"); !errors.Is(err, apperror.ErrConflict) {
		t.Errorf("rename onto taken name error = %v, want ErrConflict", err)
	}
	if err := db.RenameUser(context.Background(), "missing", "carol"); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("rename missing user error = %v, want ErrNotFound", err)
	}
}
