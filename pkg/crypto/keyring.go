package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// SeedSize is the length of the master seed in bytes.
const SeedSize = 32

const (
	ownerKeySalt    = "ap2-mandate-owner-key/v1"
	ownerSecretSalt = "ap2-mandate-owner-secret/v1"
)

// Keyring derives per-owner key material from a single master seed.
// Derivation is deterministic, so a restarted process verifies mandates
// signed before the restart.
type Keyring struct {
	seed []byte

	mu      sync.RWMutex
	keys    map[string]ed25519.PrivateKey
	secrets map[string][]byte
}

// NewKeyring creates a keyring from a 32-byte master seed.
func NewKeyring(seed []byte) (*Keyring, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("invalid seed size: %d", len(seed))
	}
	s := make([]byte, SeedSize)
	copy(s, seed)
	return &Keyring{
		seed:    s,
		keys:    make(map[string]ed25519.PrivateKey),
		secrets: make(map[string][]byte),
	}, nil
}

// NewRandomKeyring creates a keyring with a fresh random seed.
func NewRandomKeyring() (*Keyring, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("seed generation failed: %w", err)
	}
	return NewKeyring(seed)
}

// OwnerKey returns the Ed25519 private key bound to ownerID.
func (k *Keyring) OwnerKey(ownerID string) (ed25519.PrivateKey, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("ownerID must not be empty")
	}

	k.mu.RLock()
	key, ok := k.keys[ownerID]
	k.mu.RUnlock()
	if ok {
		return key, nil
	}

	seed, err := k.derive(ownerKeySalt, ownerID, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	key = ed25519.NewKeyFromSeed(seed)

	k.mu.Lock()
	k.keys[ownerID] = key
	k.mu.Unlock()
	return key, nil
}

// PublicKey returns the public half of the owner's key.
func (k *Keyring) PublicKey(ownerID string) (ed25519.PublicKey, error) {
	key, err := k.OwnerKey(ownerID)
	if err != nil {
		return nil, err
	}
	return key.Public().(ed25519.PublicKey), nil
}

// OwnerSecret returns the symmetric secret bound to ownerID.
func (k *Keyring) OwnerSecret(ownerID string) ([]byte, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("ownerID must not be empty")
	}

	k.mu.RLock()
	secret, ok := k.secrets[ownerID]
	k.mu.RUnlock()
	if ok {
		return secret, nil
	}

	secret, err := k.derive(ownerSecretSalt, ownerID, 32)
	if err != nil {
		return nil, err
	}

	k.mu.Lock()
	k.secrets[ownerID] = secret
	k.mu.Unlock()
	return secret, nil
}

func (k *Keyring) derive(salt, info string, size int) ([]byte, error) {
	r := hkdf.New(sha256.New, k.seed, []byte(salt), []byte(info))
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("hkdf derivation failed: %w", err)
	}
	return out, nil
}

// KeyID returns a short stable identifier for key material.
func KeyID(material []byte) string {
	sum := sha256.Sum256(material)
	return hex.EncodeToString(sum[:])[:32]
}

// LoadOrGenerateSeed reads a hex-encoded seed from path. When the file does not
// exist and allowGenerate is set, a new seed is written with 0600 permissions.
func LoadOrGenerateSeed(path string, allowGenerate bool) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("invalid seed format in %s: %w", path, err)
		}
		if len(seed) != SeedSize {
			return nil, fmt.Errorf("invalid seed size in %s: %d", path, len(seed))
		}
		return seed, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read seed %s: %w", path, err)
	}

	if !allowGenerate {
		return nil, fmt.Errorf("seed file %s does not exist and generation is disabled", path)
	}

	slog.Warn("generating new seed; use a managed secret in production", "path", path)
	return WriteSeed(path)
}

// WriteSeed generates a random seed and stores it hex-encoded at path.
func WriteSeed(path string) ([]byte, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("seed generation failed: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create seed dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)), 0600); err != nil {
		return nil, fmt.Errorf("failed to write seed: %w", err)
	}
	return seed, nil
}
