package blog

import (
	"time"

	"github.com/google/uuid"
)

// Role controls what a user may do to posts they don't own.
type Role string

const (
	RoleAuthor Role = "author"
	RoleAdmin  Role = "admin"
)

// User is created on first successful authentication against the external
// identity provider. ID is the provider's stable subject id, not something
// we mint ourselves. Everything except Role is immutable after creation.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Role        Role      `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
}

type PostStatus string

const (
	StatusDraft     PostStatus = "draft"
	StatusPublished PostStatus = "published"
)

// Post is the source-of-truth record. Version is a monotonic counter bumped
// on every mutation; writers carry the version they last read and lose the
// race if it moved underneath them (optimistic concurrency).
//
// Posts are never physically deleted - removal would orphan cache-key
// history. Soft delete via status is the documented extension point.
type Post struct {
	ID        uuid.UUID  `json:"id"`
	AuthorID  string     `json:"author_id"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	Status    PostStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Version   int64      `json:"version"`
}
