package identity

import (
	"context"
	"errors"

	"github.com/keithlinneman/miniblog-server/internal/blog"
	"github.com/keithlinneman/miniblog-server/internal/log"
	"github.com/keithlinneman/miniblog-server/internal/store"
	"github.com/keithlinneman/miniblog-server/internal/xerrors"
)

// Provisioner turns a credential into a local user record, creating the
// record on first successful authentication (get-or-create).
type Provisioner struct {
	verifier Verifier
	store    store.Store
	logger   log.Logger
}

func NewProvisioner(verifier Verifier, st store.Store, logger log.Logger) *Provisioner {
	return &Provisioner{verifier: verifier, store: st, logger: logger}
}

// Authenticate verifies the credential and returns the local user, creating
// one with the default author role the first time an identity shows up.
func (p *Provisioner) Authenticate(ctx context.Context, credential string) (blog.User, error) {
	id, err := p.verifier.Verify(ctx, credential)
	if err != nil {
		if errors.Is(err, blog.ErrAuth) {
			return blog.User{}, err
		}
		// Verifier infrastructure trouble still reads as auth failure to the
		// caller; the underlying cause stays in the chain for logs.
		return blog.User{}, blog.Authf("verifier: %v", err)
	}

	u, err := p.store.UserByID(ctx, id.UserID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, blog.ErrNotFound) {
		return blog.User{}, xerrors.Wrap(err, "lookup user")
	}

	u, err = p.store.CreateUser(ctx, blog.User{
		ID:          id.UserID,
		DisplayName: id.DisplayName,
		Role:        blog.RoleAuthor,
	})
	if err != nil {
		return blog.User{}, xerrors.Wrap(err, "provision user")
	}
	p.logger.Info(ctx, "provisioned first-time user", "user_id", u.ID, "display_name", u.DisplayName)
	return u, nil
}
