package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"
	"github.com/sakif/qaplanet/internal/apperror"
	"github.com/sakif/qaplanet/internal/model"
	"github.com/sakif/qaplanet/internal/repository"
)

// compile-time check that *DB implements repository.UserRepository
var _ repository.UserRepository = (*DB)(nil)

const userColumns = `id, username, email, password_hash, avatar, created_at, last_login_at`

// CreateUser inserts a new user. Username and email are unique
// case-insensitively; a clash returns apperror.ErrConflict naming the field.
func (db *DB) CreateUser(ctx context.Context, user *model.User) error {
	user.ID = xid.New().String()
	user.CreatedAt = now()

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO users (id, username, email, password_hash, avatar, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID,
		user.Username,
		nullable(user.Email),
		user.PasswordHash,
		user.Avatar,
		user.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return conflictFor(err)
		}
		return fmt.Errorf("sqlite: inserting user %q: %w", user.Username, err)
	}

	return nil
}

// GetUserByID retrieves a user by their internal ID.
// Returns apperror.ErrNotFound if no user exists with that ID.
func (db *DB) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id)

	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("user", id)
		}
		return nil, fmt.Errorf("sqlite: getting user %s: %w", id, err)
	}
	return u, nil
}

// GetUserByLogin looks a user up by username or email.
func (db *DB) GetUserByLogin(ctx context.Context, identifier string) (*model.User, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = ? OR email = ? LIMIT 1`,
		identifier, identifier)

	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("user", identifier)
		}
		return nil, fmt.Errorf("sqlite: getting user by login: %w", err)
	}
	return u, nil
}

func (db *DB) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	return db.execOne(ctx, "user", id,
		`UPDATE users SET last_login_at = ? WHERE id = ?`, at.UTC(), id)
}

// RenameUser changes a username. Tokens carry the user ID, not the name, so
// existing sessions stay valid.
func (db *DB) RenameUser(ctx context.Context, id, username string) error {
	err := db.execOne(ctx, "user", id,
		`UPDATE users SET username = ? WHERE id = ?`, username, id)
	if isUniqueViolation(err) {
		return conflictFor(err)
	}
	return err
}

// execOne runs a single-row UPDATE/DELETE and maps zero affected rows to
// NotFound.
func (db *DB) execOne(ctx context.Context, resource, id, query string, args ...any) error {
	result, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("sqlite: updating %s %s: %w", resource, id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperror.NotFound(resource, id)
	}
	return nil
}

func scanUser(row *sql.Row) (*model.User, error) {
	var (
		u         model.User
		email     sql.NullString
		lastLogin sql.NullTime
	)
	if err := row.Scan(
		&u.ID,
		&u.Username,
		&email,
		&u.PasswordHash,
		&u.Avatar,
		&u.CreatedAt,
		&lastLogin,
	); err != nil {
		return nil, err
	}
	u.Email = email.String
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}
	return &u, nil
}

// conflictFor turns "UNIQUE constraint failed: users.email" into a
// field-specific conflict.
func conflictFor(err error) error {
	if strings.Contains(err.Error(), "users.email") {
		return apperror.Conflict("email", "email is already registered")
	}
	return apperror.Conflict("username", "username is already taken")
}

// nullable stores empty strings as NULL so the UNIQUE index on email
// ignores users without one.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
