package identity

import (
	"context"
	"sync"

	"github.com/keithlinneman/miniblog-server/internal/blog"
)

// StaticVerifier maps literal credential strings to identities. Test-only
// backend; it never talks to the network.
type StaticVerifier struct {
	mu     sync.RWMutex
	tokens map[string]Identity
}

func NewStaticVerifier() *StaticVerifier {
	return &StaticVerifier{tokens: make(map[string]Identity)}
}

func (v *StaticVerifier) Add(credential string, id Identity) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tokens[credential] = id
}

func (v *StaticVerifier) Verify(ctx context.Context, credential string) (Identity, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	id, ok := v.tokens[credential]
	if !ok {
		return Identity{}, blog.Authf("unknown credential")
	}
	return id, nil
}
