package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

// PublicKeyVerifier checks Ed25519 tags against a published owner key,
// for collaborators that hold no key material of their own.
type PublicKeyVerifier struct {
	PublicKey ed25519.PublicKey
}

// NewPublicKeyVerifier creates a verifier for one owner's public key.
func NewPublicKeyVerifier(pubKeyBytes []byte) (*PublicKeyVerifier, error) {
	if len(pubKeyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key size: %d", len(pubKeyBytes))
	}
	return &PublicKeyVerifier{PublicKey: ed25519.PublicKey(pubKeyBytes)}, nil
}

// Verify reports whether tag is a valid signature over id by this key.
func (v *PublicKeyVerifier) Verify(id Identity, tag IntegrityTag) bool {
	if tag.Algorithm != AlgEd25519 || tag.KeyID != KeyID(v.PublicKey) {
		return false
	}
	msg, err := CanonicalBytes(id)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(tag.Value)
	if err != nil {
		return false
	}
	return ed25519.Verify(v.PublicKey, msg, sig)
}
