package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the width of X25519 keys and derived AEAD keys.
const KeySize = 32

// hkdfLabel is the domain-separation info for chat key derivation. Both sides
// must use the same label or the session keys diverge.
const hkdfLabel = "dezap-chat-v1"

var errLowOrderPoint = errors.New("crypto: low-order peer public key")

// KeyPair is an ephemeral X25519 key pair, generated fresh per session.
type KeyPair struct {
	Public  [KeySize]byte
	private [KeySize]byte
}

// GenerateKeyPair creates a fresh ephemeral key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var kp KeyPair
	if _, err := io.ReadFull(rand.Reader, kp.private[:]); err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}
	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(kp.Public[:], pub)
	return &kp, nil
}

// SessionKey performs the Diffie-Hellman exchange with the peer's public key
// and expands the shared secret into the 32-byte chat AEAD key.
func (kp *KeyPair) SessionKey(peerPublic [KeySize]byte) ([KeySize]byte, error) {
	var key [KeySize]byte
	shared, err := curve25519.X25519(kp.private[:], peerPublic[:])
	if err != nil {
		// curve25519 rejects all-zero shared secrets (low-order points).
		return key, fmt.Errorf("%w: %v", errLowOrderPoint, err)
	}
	h := hkdf.New(sha256.New, shared, nil, []byte(hkdfLabel))
	if _, err := io.ReadFull(h, key[:]); err != nil {
		return key, fmt.Errorf("deriving session key: %w", err)
	}
	return key, nil
}
