package auth

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"github.com/trustagent/mandates/pkg/crypto"
)

// KeySet signs bearer tokens and resolves verification keys by kid.
type KeySet interface {
	// Sign creates a signed token with the current active key.
	Sign(ctx context.Context, claims jwt.Claims) (string, error)
	// KeyFunc returns the key for verification based on the token header.
	KeyFunc() jwt.Keyfunc
}

// Ed25519KeySet signs with one Ed25519 key and verifies against it plus any
// retired public keys still accepted during rotation.
type Ed25519KeySet struct {
	mu         sync.RWMutex
	currentKID string
	signing    ed25519.PrivateKey
	verify     map[string]ed25519.PublicKey
}

// NewEd25519KeySet derives the signing key from a 32-byte seed, typically
// the contents of AUTH_KEY_FILE.
func NewEd25519KeySet(seed []byte) (*Ed25519KeySet, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("auth seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	kid := crypto.KeyID(pub)
	return &Ed25519KeySet{
		currentKID: kid,
		signing:    priv,
		verify:     map[string]ed25519.PublicKey{kid: pub},
	}, nil
}

// KID is the id of the active signing key.
func (ks *Ed25519KeySet) KID() string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.currentKID
}

// AcceptPublicKey keeps accepting tokens signed by a retired key.
func (ks *Ed25519KeySet) AcceptPublicKey(pub ed25519.PublicKey) string {
	kid := crypto.KeyID(pub)
	ks.mu.Lock()
	ks.verify[kid] = pub
	ks.mu.Unlock()
	return kid
}

func (ks *Ed25519KeySet) Sign(_ context.Context, claims jwt.Claims) (string, error) {
	ks.mu.RLock()
	key := ks.signing
	kid := ks.currentKID
	ks.mu.RUnlock()

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = kid
	return token.SignedString(key)
}

func (ks *Ed25519KeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("missing kid in header")
		}

		ks.mu.RLock()
		defer ks.mu.RUnlock()
		key, exists := ks.verify[kid]
		if !exists {
			return nil, fmt.Errorf("key not found: %s", kid)
		}
		return key, nil
	}
}
