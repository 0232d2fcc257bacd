// Package pipeline orchestrates authenticated post mutations: verify the
// credential, persist through the store's version check, then invalidate
// every cache key derived from the post before acknowledging the caller.
//
// The cache step is deliberately best-effort. A failed invalidation
// degrades to serving stale content for at most the hard TTL; it never
// fails a write that already persisted.
package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/keithlinneman/miniblog-server/internal/blog"
	"github.com/keithlinneman/miniblog-server/internal/identity"
	"github.com/keithlinneman/miniblog-server/internal/log"
	"github.com/keithlinneman/miniblog-server/internal/regencache"
	"github.com/keithlinneman/miniblog-server/internal/store"
)

type Op string

const (
	OpCreate  Op = "create"
	OpUpdate  Op = "update"
	OpPublish Op = "publish"
)

// Request is one write attempt. Credential is opaque to the pipeline;
// ExpectedVersion is the version the caller last read (ignored for create).
type Request struct {
	Credential      string
	Operation       Op
	PostID          uuid.UUID
	ExpectedVersion int64
	Title           string
	Body            string

	// TitleSet/BodySet distinguish "clear the field" from "leave it alone"
	// on update.
	TitleSet bool
	BodySet  bool
}

// Stage names mirror the request lifecycle; used only for logs and metrics.
const (
	stageAuthorizing  = "authorizing"
	stagePersisting   = "persisting"
	stageInvalidating = "invalidating"
)

type Pipeline struct {
	store  store.Store
	auth   *identity.Provisioner
	cache  *regencache.Cache
	logger log.Logger

	// onOutcome observes every finished request: operation, "ok" or the
	// failing stage, error kind ("" on success).
	onOutcome func(op Op, stage, kind string)
	// onCacheFault observes swallowed invalidation faults.
	onCacheFault func()
}

type Option func(*Pipeline)

func WithOnOutcome(fn func(op Op, stage, kind string)) Option {
	return func(p *Pipeline) { p.onOutcome = fn }
}

func WithOnCacheFault(fn func()) Option {
	return func(p *Pipeline) { p.onCacheFault = fn }
}

func New(st store.Store, auth *identity.Provisioner, cache *regencache.Cache, logger log.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{store: st, auth: auth, cache: cache, logger: logger}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Apply runs one request through the full lifecycle and returns the new
// post state. Store and verifier errors propagate unchanged so callers can
// classify them with errors.Is.
func (p *Pipeline) Apply(ctx context.Context, req Request) (blog.Post, error) {
	user, err := p.auth.Authenticate(ctx, req.Credential)
	if err != nil {
		return p.fail(req.Operation, stageAuthorizing, err)
	}

	post, err := p.persist(ctx, user, req)
	if err != nil {
		return p.fail(req.Operation, stagePersisting, err)
	}

	p.invalidate(ctx, req.Operation, post)

	p.outcome(req.Operation, "ok", "")
	return post, nil
}

func (p *Pipeline) persist(ctx context.Context, user blog.User, req Request) (blog.Post, error) {
	switch req.Operation {
	case OpCreate:
		return p.store.CreatePost(ctx, user.ID, req.Title, req.Body)

	case OpUpdate:
		if err := p.authorizeOwner(ctx, user, req.PostID); err != nil {
			return blog.Post{}, err
		}
		var patch store.PostPatch
		if req.TitleSet {
			title := req.Title
			patch.Title = &title
		}
		if req.BodySet {
			body := req.Body
			patch.Body = &body
		}
		return p.store.UpdatePost(ctx, req.PostID, req.ExpectedVersion, patch)

	case OpPublish:
		if err := p.authorizeOwner(ctx, user, req.PostID); err != nil {
			return blog.Post{}, err
		}
		return p.store.Publish(ctx, req.PostID, req.ExpectedVersion)

	default:
		return blog.Post{}, blog.Validationf("unknown operation %q", req.Operation)
	}
}

// authorizeOwner allows the post's author and admins through. The read here
// is advisory; the store's version check still arbitrates racing writers.
func (p *Pipeline) authorizeOwner(ctx context.Context, user blog.User, postID uuid.UUID) error {
	if user.Role == blog.RoleAdmin {
		return nil
	}
	post, err := p.store.GetPost(ctx, postID)
	if err != nil {
		return err
	}
	if post.AuthorID != user.ID {
		return blog.Authf("user %s does not own post %s", user.ID, postID)
	}
	return nil
}

// invalidate expires every derived key with the new version as the
// generation floor. Runs after the write persisted and before the ack, so a
// reader who sees the acknowledged write never sees a fresh-marked stale
// artifact. Faults are logged and swallowed.
func (p *Pipeline) invalidate(ctx context.Context, op Op, post blog.Post) {
	defer func() {
		if r := recover(); r != nil {
			p.cacheFault(ctx, post, fmt.Errorf("%w: invalidation panic: %v", blog.ErrCacheFault, r))
		}
	}()

	keys := blog.DeriveKeys(post.ID)
	raw := make([]string, 0, len(keys))
	for _, k := range keys {
		raw = append(raw, k.String())
	}
	p.cache.InvalidateAll(raw, post.Version)

	p.logger.Debug(ctx, "cache keys invalidated",
		"op", string(op), "post_id", post.ID, "floor", post.Version, "keys", len(raw))
}

func (p *Pipeline) cacheFault(ctx context.Context, post blog.Post, err error) {
	p.logger.Error(ctx, err, "cache invalidation failed, writes proceed and staleness is bounded by hard TTL",
		"post_id", post.ID, "version", post.Version)
	if p.onCacheFault != nil {
		p.onCacheFault()
	}
}

func (p *Pipeline) fail(op Op, stage string, err error) (blog.Post, error) {
	p.outcome(op, stage, blog.Kind(err))
	return blog.Post{}, err
}

func (p *Pipeline) outcome(op Op, stage, kind string) {
	if p.onOutcome != nil {
		p.onOutcome(op, stage, kind)
	}
}
