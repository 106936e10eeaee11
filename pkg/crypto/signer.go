package crypto

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Supported integrity tag algorithms.
const (
	AlgEd25519    = "ed25519"
	AlgHMACSHA256 = "hmac-sha256"
)

// IntegrityTag is the keyed digest stored alongside a mandate.
type IntegrityTag struct {
	Algorithm string `json:"algorithm"`
	KeyID     string `json:"key_id"`
	Value     string `json:"value"`
}

// Service signs and verifies mandate identities. Implementations are pure
// and safe for concurrent use.
type Service interface {
	Sign(id Identity) (IntegrityTag, error)
	// Verify reports whether tag was produced for exactly this identity.
	// It never returns an error: any failure is a mismatch.
	Verify(id Identity, tag IntegrityTag) bool
	Algorithm() string
}

// NewService returns the Service for the named algorithm.
func NewService(alg string, keys *Keyring) (Service, error) {
	if keys == nil {
		return nil, fmt.Errorf("keyring is required")
	}
	switch alg {
	case "", AlgEd25519:
		return &Ed25519Service{keys: keys}, nil
	case AlgHMACSHA256:
		return &HMACService{keys: keys}, nil
	default:
		return nil, fmt.Errorf("unsupported signing algorithm: %s", alg)
	}
}

// Ed25519Service signs with a per-owner Ed25519 key.
type Ed25519Service struct {
	keys *Keyring
}

// NewEd25519Service creates an Ed25519 signature service.
func NewEd25519Service(keys *Keyring) *Ed25519Service {
	return &Ed25519Service{keys: keys}
}

func (s *Ed25519Service) Algorithm() string { return AlgEd25519 }

func (s *Ed25519Service) Sign(id Identity) (IntegrityTag, error) {
	msg, err := CanonicalBytes(id)
	if err != nil {
		return IntegrityTag{}, err
	}
	priv, err := s.keys.OwnerKey(id.OwnerID)
	if err != nil {
		return IntegrityTag{}, err
	}
	pub := priv.Public().(ed25519.PublicKey)
	return IntegrityTag{
		Algorithm: AlgEd25519,
		KeyID:     KeyID(pub),
		Value:     hex.EncodeToString(ed25519.Sign(priv, msg)),
	}, nil
}

func (s *Ed25519Service) Verify(id Identity, tag IntegrityTag) bool {
	if tag.Algorithm != AlgEd25519 || tag.Value == "" {
		return false
	}
	pub, err := s.keys.PublicKey(id.OwnerID)
	if err != nil {
		return false
	}
	v, err := NewPublicKeyVerifier(pub)
	if err != nil {
		return false
	}
	return v.Verify(id, tag)
}

// HMACService tags with HMAC-SHA256 under a per-owner secret.
type HMACService struct {
	keys *Keyring
}

// NewHMACService creates an HMAC signature service.
func NewHMACService(keys *Keyring) *HMACService {
	return &HMACService{keys: keys}
}

func (s *HMACService) Algorithm() string { return AlgHMACSHA256 }

func (s *HMACService) Sign(id Identity) (IntegrityTag, error) {
	msg, err := CanonicalBytes(id)
	if err != nil {
		return IntegrityTag{}, err
	}
	secret, err := s.keys.OwnerSecret(id.OwnerID)
	if err != nil {
		return IntegrityTag{}, err
	}
	return IntegrityTag{
		Algorithm: AlgHMACSHA256,
		KeyID:     KeyID(secret),
		Value:     hex.EncodeToString(mac(secret, msg)),
	}, nil
}

func (s *HMACService) Verify(id Identity, tag IntegrityTag) bool {
	if tag.Algorithm != AlgHMACSHA256 {
		return false
	}
	secret, err := s.keys.OwnerSecret(id.OwnerID)
	if err != nil {
		return false
	}
	msg, err := CanonicalBytes(id)
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(tag.Value)
	if err != nil {
		return false
	}
	return hmac.Equal(got, mac(secret, msg)) && tag.KeyID == KeyID(secret)
}

func mac(secret, msg []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(msg)
	return h.Sum(nil)
}
