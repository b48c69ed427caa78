// Package identity manages the cryptographic identity surface: ephemeral
// per-session keypairs, the public-key fingerprint shown to users, and the
// persistent key a bootstrap node keeps on disk.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FingerprintLength is the number of hex characters in a full fingerprint.
const FingerprintLength = 8

// Identity is an ed25519 keypair. Session identities never leave memory;
// bootstrap identities may be persisted via Save.
type Identity struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// Generate creates a fresh ephemeral identity.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return &Identity{Public: pub, private: priv}, nil
}

// FromSeed rebuilds an identity from a raw 32-byte seed.
func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes (got %d)", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Identity{Public: priv.Public().(ed25519.PublicKey), private: priv}, nil
}

// Load reads a persisted identity, or generates and persists a new one when
// the file does not exist. An empty path always generates without persisting.
func Load(path string) (*Identity, error) {
	if path == "" {
		return Generate()
	}

	seed, err := os.ReadFile(path)
	if err == nil {
		return FromSeed(seed)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read identity key: %w", err)
	}

	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := id.Save(path); err != nil {
		return nil, err
	}
	return id, nil
}

// Save persists the raw private-key seed with owner-only permissions.
func (i *Identity) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, i.private.Seed(), 0600); err != nil {
		return fmt.Errorf("failed to write identity key: %w", err)
	}
	return nil
}

// Sign signs a message with the private key.
func (i *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(i.private, msg)
}

// Fingerprint returns this identity's fingerprint.
func (i *Identity) Fingerprint() string {
	return Fingerprint(i.Public)
}

// PeerID returns the overlay peer identifier: the full hex form of the
// public key.
func (i *Identity) PeerID() string {
	return hex.EncodeToString(i.Public)
}

// Fingerprint derives the user-visible digest of a public key: the first
// 4 bytes of its SHA-256, as 8 uppercase hex characters.
func Fingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return strings.ToUpper(hex.EncodeToString(sum[:4]))
}

// ShortFingerprint returns the first 4 characters of the fingerprint.
func ShortFingerprint(fp string) string {
	if len(fp) < 4 {
		return fp
	}
	return fp[:4]
}

// Valid reports whether s is exactly 8 hex characters, case-insensitive.
func Valid(s string) bool {
	if len(s) != FingerprintLength {
		return false
	}
	_, err := hex.DecodeString(strings.ToLower(s))
	return err == nil
}
