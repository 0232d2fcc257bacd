package identity

import (
	"context"

	"github.com/golang-jwt/jwt/v5"

	"github.com/keithlinneman/miniblog-server/internal/blog"
)

// HMACVerifier validates locally minted HS256 tokens. Used for dev
// environments without a Clerk tenant; the sub claim is the user id and the
// optional name claim is the display name.
type HMACVerifier struct {
	secret []byte
}

func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

func (v *HMACVerifier) Verify(ctx context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, blog.Authf("missing credential")
	}

	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(credential, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, blog.Authf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !tok.Valid {
		return Identity{}, blog.Authf("token rejected: %v", err)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Identity{}, blog.Authf("token has no subject")
	}
	name, _ := claims["name"].(string)
	if name == "" {
		name = sub
	}
	return Identity{UserID: sub, DisplayName: name}, nil
}

// MintHMAC creates a token the verifier accepts. Dev/test helper.
func MintHMAC(secret, userID, displayName string) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  userID,
		"name": displayName,
	})
	return tok.SignedString([]byte(secret))
}
