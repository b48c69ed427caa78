package overlay

import (
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/whispernet/whisper/internal/v1/identity"
)

// Noise-style authenticated link encryption: an ephemeral X25519 exchange
// signed by each side's ed25519 identity, HKDF-SHA256 key derivation, and
// ChaCha20-Poly1305 per-frame AEAD with counter nonces.

const helloSize = 32 + ed25519.PublicKeySize + ed25519.SignatureSize

var errBadHello = errors.New("overlay: malformed handshake hello")

// secureChannel encrypts and decrypts frames on one link.
type secureChannel struct {
	send       *halfConn
	recv       *halfConn
	remotePeer string // hex ed25519 public key of the remote node
}

type halfConn struct {
	aead    cipher.AEAD
	counter uint64
}

// frameTransport abstracts the websocket message framing the handshake
// runs over.
type frameTransport interface {
	WriteFrame(data []byte) error
	ReadFrame() ([]byte, error)
}

// handshake performs the hello exchange. The initiator writes first; the
// responder answers with a signature binding both ephemerals.
func handshake(t frameTransport, id *identity.Identity, initiator bool) (*secureChannel, error) {
	var ephPriv, ephPub [32]byte
	if _, err := io.ReadFull(rand.Reader, ephPriv[:]); err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	curve25519.ScalarBaseMult(&ephPub, &ephPriv)

	var remoteEph [32]byte
	var remoteID ed25519.PublicKey

	if initiator {
		hello := buildHello(id, ephPub[:], nil)
		if err := t.WriteFrame(hello); err != nil {
			return nil, fmt.Errorf("handshake write failed: %w", err)
		}
		reply, err := t.ReadFrame()
		if err != nil {
			return nil, fmt.Errorf("handshake read failed: %w", err)
		}
		remoteEphB, rid, err := parseHello(reply, ephPub[:])
		if err != nil {
			return nil, err
		}
		copy(remoteEph[:], remoteEphB)
		remoteID = rid
	} else {
		hello, err := t.ReadFrame()
		if err != nil {
			return nil, fmt.Errorf("handshake read failed: %w", err)
		}
		remoteEphB, rid, err := parseHello(hello, nil)
		if err != nil {
			return nil, err
		}
		copy(remoteEph[:], remoteEphB)
		remoteID = rid

		reply := buildHello(id, ephPub[:], remoteEphB)
		if err := t.WriteFrame(reply); err != nil {
			return nil, fmt.Errorf("handshake write failed: %w", err)
		}
	}

	shared, err := curve25519.X25519(ephPriv[:], remoteEph[:])
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}

	// Salt orders the ephemerals by role so both sides derive the same keys.
	var salt []byte
	if initiator {
		salt = append(append([]byte{}, ephPub[:]...), remoteEph[:]...)
	} else {
		salt = append(append([]byte{}, remoteEph[:]...), ephPub[:]...)
	}

	kdf := hkdf.New(sha256.New, shared, salt, []byte("whisper-noise-v1"))
	keys := make([]byte, 2*chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, keys); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}

	initiatorKey, responderKey := keys[:chacha20poly1305.KeySize], keys[chacha20poly1305.KeySize:]
	sendKey, recvKey := initiatorKey, responderKey
	if !initiator {
		sendKey, recvKey = responderKey, initiatorKey
	}

	send, err := newHalfConn(sendKey)
	if err != nil {
		return nil, err
	}
	recv, err := newHalfConn(recvKey)
	if err != nil {
		return nil, err
	}

	return &secureChannel{
		send:       send,
		recv:       recv,
		remotePeer: fmt.Sprintf("%x", []byte(remoteID)),
	}, nil
}

func newHalfConn(key []byte) (*halfConn, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}
	return &halfConn{aead: aead}, nil
}

// buildHello signs our ephemeral (and, for the responder, the initiator's
// ephemeral) with the identity key.
func buildHello(id *identity.Identity, eph, boundEph []byte) []byte {
	transcript := append(append([]byte{}, eph...), boundEph...)
	sig := id.Sign(transcript)

	out := make([]byte, 0, helloSize)
	out = append(out, eph...)
	out = append(out, id.Public...)
	out = append(out, sig...)
	return out
}

// parseHello verifies a hello frame. boundEph is non-nil when the remote
// signature must also cover our own ephemeral.
func parseHello(data, boundEph []byte) (eph []byte, remoteID ed25519.PublicKey, err error) {
	if len(data) != helloSize {
		return nil, nil, errBadHello
	}
	eph = data[:32]
	remoteID = ed25519.PublicKey(data[32 : 32+ed25519.PublicKeySize])
	sig := data[32+ed25519.PublicKeySize:]

	transcript := append(append([]byte{}, eph...), boundEph...)
	if !ed25519.Verify(remoteID, transcript, sig) {
		return nil, nil, errors.New("overlay: handshake signature verification failed")
	}
	return eph, remoteID, nil
}

// Seal encrypts a frame, prefixing the 8-byte counter used as the nonce.
func (c *secureChannel) Seal(plaintext []byte) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[4:], c.send.counter)

	out := make([]byte, 8, 8+len(plaintext)+16)
	binary.LittleEndian.PutUint64(out, c.send.counter)
	c.send.counter++

	return c.send.aead.Seal(out, nonce, plaintext, nil)
}

// Open decrypts a frame produced by the remote side's Seal.
func (c *secureChannel) Open(frame []byte) ([]byte, error) {
	if len(frame) < 8 {
		return nil, errors.New("overlay: frame too short")
	}
	counter := binary.LittleEndian.Uint64(frame[:8])
	if counter < c.recv.counter {
		return nil, errors.New("overlay: replayed frame")
	}
	c.recv.counter = counter + 1

	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[4:], counter)

	plaintext, err := c.recv.aead.Open(nil, nonce, frame[8:], nil)
	if err != nil {
		return nil, fmt.Errorf("overlay: frame decryption failed: %w", err)
	}
	return plaintext, nil
}
