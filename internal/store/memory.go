package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keithlinneman/miniblog-server/internal/blog"
)

// Memory is an in-process Store used for dev mode and tests. The mutex only
// covers map access; the version check gives the same lost-update semantics
// as the postgres implementation's conditional UPDATE.
type Memory struct {
	mu    sync.RWMutex
	posts map[uuid.UUID]blog.Post
	users map[string]blog.User

	// now is swappable for deterministic timestamps in tests.
	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		posts: make(map[uuid.UUID]blog.Post),
		users: make(map[string]blog.User),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func validatePost(title, body string) error {
	if strings.TrimSpace(title) == "" {
		return blog.Validationf("title is empty")
	}
	if strings.TrimSpace(body) == "" {
		return blog.Validationf("body is empty")
	}
	return nil
}

func (m *Memory) CreatePost(ctx context.Context, authorID, title, body string) (blog.Post, error) {
	if err := validatePost(title, body); err != nil {
		return blog.Post{}, err
	}
	if authorID == "" {
		return blog.Post{}, blog.Validationf("author id is empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	p := blog.Post{
		ID:        uuid.New(),
		AuthorID:  authorID,
		Title:     title,
		Body:      body,
		Status:    blog.StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	m.posts[p.ID] = p
	return p, nil
}

func (m *Memory) UpdatePost(ctx context.Context, id uuid.UUID, expectedVersion int64, patch PostPatch) (blog.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.posts[id]
	if !ok {
		return blog.Post{}, blog.NotFoundf("post %s", id)
	}
	if p.Version != expectedVersion {
		return blog.Post{}, blog.Conflictf("post %s is at version %d, caller expected %d", id, p.Version, expectedVersion)
	}

	title, body := p.Title, p.Body
	if patch.Title != nil {
		title = *patch.Title
	}
	if patch.Body != nil {
		body = *patch.Body
	}
	if err := validatePost(title, body); err != nil {
		return blog.Post{}, err
	}

	p.Title = title
	p.Body = body
	p.Version++
	p.UpdatedAt = m.now()
	m.posts[id] = p
	return p, nil
}

func (m *Memory) Publish(ctx context.Context, id uuid.UUID, expectedVersion int64) (blog.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.posts[id]
	if !ok {
		return blog.Post{}, blog.NotFoundf("post %s", id)
	}
	if p.Version != expectedVersion {
		return blog.Post{}, blog.Conflictf("post %s is at version %d, caller expected %d", id, p.Version, expectedVersion)
	}
	if p.Status == blog.StatusPublished {
		return blog.Post{}, blog.ErrInvalidTransition
	}

	p.Status = blog.StatusPublished
	p.Version++
	p.UpdatedAt = m.now()
	m.posts[id] = p
	return p, nil
}

func (m *Memory) GetPost(ctx context.Context, id uuid.UUID) (blog.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.posts[id]
	if !ok {
		return blog.Post{}, blog.NotFoundf("post %s", id)
	}
	return p, nil
}

func (m *Memory) ListPosts(ctx context.Context, status blog.PostStatus) ([]blog.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]blog.Post, 0, len(m.posts))
	for _, p := range m.posts {
		if p.Status == status {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UserByID(ctx context.Context, id string) (blog.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return blog.User{}, blog.NotFoundf("user %s", id)
	}
	return u, nil
}

func (m *Memory) CreateUser(ctx context.Context, u blog.User) (blog.User, error) {
	if u.ID == "" {
		return blog.User{}, blog.Validationf("user id is empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.users[u.ID]; ok {
		return existing, nil
	}
	if u.Role == "" {
		u.Role = blog.RoleAuthor
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = m.now()
	}
	m.users[u.ID] = u
	return u, nil
}

func (m *Memory) SetUserRole(ctx context.Context, id string, role blog.Role) (blog.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return blog.User{}, blog.NotFoundf("user %s", id)
	}
	u.Role = role
	m.users[id] = u
	return u, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() {}
