// Package repository declares the storage contracts the services depend on.
// internal/repository/sqlite is the production implementation.
package repository

import (
	"context"
	"time"

	"github.com/sakif/qaplanet/internal/model"
)

type ListOptions struct {
	Limit  int
	Offset int

	// Query, when non-empty, restricts results to a full-text match over
	// question, answer and tags.
	Query string

	// Status filters by lifecycle status; empty means any.
	Status model.Status

	// ViewerID, when set, fills QA.Liked for that user.
	ViewerID string
}

type UserRepository interface {
	// CreateUser returns an apperror.ErrConflict when the username or email
	// is already taken.
	CreateUser(ctx context.Context, user *model.User) error
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	// GetUserByLogin matches identifier against username or email,
	// case-insensitively.
	GetUserByLogin(ctx context.Context, identifier string) (*model.User, error)
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error
	RenameUser(ctx context.Context, id, username string) error
}

type QARepository interface {
	Create(ctx context.Context, qa *model.QA) error
	// GetByID loads a record with owner and comment authors resolved.
	GetByID(ctx context.Context, id, viewerID string) (*model.QA, error)
	List(ctx context.Context, opts ListOptions) ([]model.QA, int, error)
	Update(ctx context.Context, qa *model.QA) error
	Delete(ctx context.Context, id string) error

	IncrementViews(ctx context.Context, id string) error
	// ToggleLike adds userID to the like-set of a record, or removes it if
	// present, and returns the resulting membership and count.
	ToggleLike(ctx context.Context, qaID, userID string) (liked bool, count int, err error)
	AddComment(ctx context.Context, comment *model.Comment) error
}
