// Package store is the durable source of truth for posts and users.
//
// Implementations never touch the regeneration cache; the mutation pipeline
// mediates both sides. Concurrent writers to the same post are serialized by
// the version compare-and-swap, not by locks held across calls.
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/keithlinneman/miniblog-server/internal/blog"
)

// PostPatch carries the fields an update may change. Nil means "leave as is".
type PostPatch struct {
	Title *string
	Body  *string
}

type Store interface {
	// CreatePost assigns a fresh id, version 1, status draft.
	// Empty title or body is blog.ErrValidation.
	CreatePost(ctx context.Context, authorID, title, body string) (blog.Post, error)

	// UpdatePost applies the patch iff the stored version still equals
	// expectedVersion, bumping version and updatedAt. A moved version is
	// blog.ErrConflict; the caller re-reads and retries.
	UpdatePost(ctx context.Context, id uuid.UUID, expectedVersion int64, patch PostPatch) (blog.Post, error)

	// Publish transitions draft -> published under the same version contract.
	// Publishing an already-published post is blog.ErrInvalidTransition.
	Publish(ctx context.Context, id uuid.UUID, expectedVersion int64) (blog.Post, error)

	// GetPost returns blog.ErrNotFound for unknown ids.
	GetPost(ctx context.Context, id uuid.UUID) (blog.Post, error)

	// ListPosts returns posts with the given status, newest first.
	ListPosts(ctx context.Context, status blog.PostStatus) ([]blog.Post, error)

	// UserByID returns blog.ErrNotFound when the identity has never
	// authenticated before.
	UserByID(ctx context.Context, id string) (blog.User, error)

	// CreateUser records a first-time identity. Existing users are returned
	// unchanged - identity fields are immutable after creation.
	CreateUser(ctx context.Context, u blog.User) (blog.User, error)

	// SetUserRole is the one permitted user mutation.
	SetUserRole(ctx context.Context, id string, role blog.Role) (blog.User, error)

	Ping(ctx context.Context) error
	Close()
}
