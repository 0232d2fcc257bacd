package identity

import (
	"context"
	"strings"

	"github.com/clerk/clerk-sdk-go/v2"
	clerkjwt "github.com/clerk/clerk-sdk-go/v2/jwt"
	clerkuser "github.com/clerk/clerk-sdk-go/v2/user"

	"github.com/keithlinneman/miniblog-server/internal/blog"
)

// ClerkVerifier validates Clerk session tokens. The credential is the raw
// bearer token; the subject claim becomes the user id.
type ClerkVerifier struct{}

// NewClerkVerifier configures the global Clerk client with the secret key.
func NewClerkVerifier(secretKey string) *ClerkVerifier {
	clerk.SetKey(secretKey)
	return &ClerkVerifier{}
}

func (v *ClerkVerifier) Verify(ctx context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, blog.Authf("missing credential")
	}

	claims, err := clerkjwt.Verify(ctx, &clerkjwt.VerifyParams{Token: credential})
	if err != nil {
		return Identity{}, blog.Authf("clerk token rejected: %v", err)
	}

	id := Identity{UserID: claims.Subject}

	// Display name is best-effort; a token without a reachable user record
	// still authenticates.
	if u, err := clerkuser.Get(ctx, claims.Subject); err == nil {
		id.DisplayName = clerkDisplayName(u)
	}
	if id.DisplayName == "" {
		id.DisplayName = claims.Subject
	}
	return id, nil
}

func clerkDisplayName(u *clerk.User) string {
	var parts []string
	if u.FirstName != nil && *u.FirstName != "" {
		parts = append(parts, *u.FirstName)
	}
	if u.LastName != nil && *u.LastName != "" {
		parts = append(parts, *u.LastName)
	}
	if len(parts) > 0 {
		return strings.Join(parts, " ")
	}
	if u.Username != nil {
		return *u.Username
	}
	return ""
}
