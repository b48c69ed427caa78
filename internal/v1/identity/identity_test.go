package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprint_DeterministicAndFormat(t *testing.T) {
	pub := []byte("some-public-key-bytes")

	fp := Fingerprint(pub)
	assert.Len(t, fp, FingerprintLength)
	assert.Equal(t, strings.ToUpper(fp), fp)
	assert.Equal(t, fp, Fingerprint(pub), "pure function of the key bytes")

	sum := sha256.Sum256(pub)
	assert.Equal(t, strings.ToUpper(hex.EncodeToString(sum[:4])), fp)
}

func TestShortFingerprint(t *testing.T) {
	assert.Equal(t, "A1B2", ShortFingerprint("A1B2C3D4"))
	assert.Equal(t, "AB", ShortFingerprint("AB"))
}

func TestValid(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"A1B2C3D4", true},
		{"a1b2c3d4", true},
		{"A1b2C3d4", true},
		{"A1B2C3", false},
		{"A1B2C3D4E5", false},
		{"G1B2C3D4", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Valid(tt.in), "Valid(%q)", tt.in)
	}
}

func TestGenerate_UniqueIdentities(t *testing.T) {
	a, err := Generate()
	require.NoError(t, err)
	b, err := Generate()
	require.NoError(t, err)

	assert.NotEqual(t, a.PeerID(), b.PeerID())
	assert.Len(t, a.Fingerprint(), FingerprintLength)
	assert.True(t, Valid(a.Fingerprint()))
}

func TestLoad_PersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node.key")

	first, err := Load(path)
	require.NoError(t, err)

	second, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, first.PeerID(), second.PeerID(), "reload yields the same identity")
	assert.Equal(t, first.Fingerprint(), second.Fingerprint())
}

func TestLoad_EmptyPathGeneratesEphemeral(t *testing.T) {
	a, err := Load("")
	require.NoError(t, err)
	b, err := Load("")
	require.NoError(t, err)
	assert.NotEqual(t, a.PeerID(), b.PeerID())
}

func TestFromSeed_RejectsBadLength(t *testing.T) {
	_, err := FromSeed([]byte("short"))
	assert.Error(t, err)
}

func TestSign_VerifiableSignature(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	msg := []byte("handshake transcript")
	sig := id.Sign(msg)
	assert.Len(t, sig, 64)
}
