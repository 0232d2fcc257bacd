// Package identity is the boundary to the external identity provider.
//
// The pipeline only ever sees the Verifier interface and an opaque
// credential string; credential format and transport belong to whichever
// backend is wired in (Clerk in production, HMAC JWT for local dev, a static
// table in tests).
package identity

import "context"

// Identity is what a successful verification yields: the provider's stable
// subject id plus a human-readable name for provisioning.
type Identity struct {
	UserID      string
	DisplayName string
}

// Verifier validates an opaque credential. Failures are wrapped in
// blog.ErrAuth so the pipeline can surface them uniformly; retries are the
// verifier's own concern.
type Verifier interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}

// VerifierFunc adapts a function into a Verifier.
type VerifierFunc func(ctx context.Context, credential string) (Identity, error)

func (f VerifierFunc) Verify(ctx context.Context, credential string) (Identity, error) {
	return f(ctx, credential)
}
