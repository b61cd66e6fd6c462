package crypto

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// NonceSize is the ChaCha20-Poly1305 nonce width.
const NonceSize = chacha20poly1305.NonceSize

// Overhead is the Poly1305 tag appended to every sealed payload.
const Overhead = chacha20poly1305.Overhead

// Role tags the nonce space of each side of a session so the two counters
// can never collide under the shared key.
type Role uint32

const (
	RoleInitiator Role = 0
	RoleAcceptor  Role = 1
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "acceptor"
}

// Opposite returns the peer's role.
func (r Role) Opposite() Role {
	return 1 - r
}

var (
	// ErrNonceExhausted fires when a send counter would wrap. In practice a
	// session never sends 2^64 messages; hitting this means a counter bug.
	ErrNonceExhausted = errors.New("crypto: nonce counter exhausted")

	// ErrNonceReplayed reports a duplicate or regressing nonce on receive.
	ErrNonceReplayed = errors.New("crypto: nonce replayed")

	// ErrNonceRole reports a nonce carrying the wrong role tag.
	ErrNonceRole = errors.New("crypto: nonce role mismatch")

	// ErrOpen reports an AEAD authentication failure.
	ErrOpen = errors.New("crypto: message authentication failed")
)

// NonceCounter issues send nonces: 4-byte big-endian role tag followed by an
// 8-byte big-endian counter, incremented before use. Not safe for concurrent
// use; the session serializes chat sends.
type NonceCounter struct {
	role Role
	used uint64
}

// NewNonceCounter creates the counter for the local role.
func NewNonceCounter(role Role) *NonceCounter {
	return &NonceCounter{role: role}
}

// Next increments the counter and returns a fresh nonce.
func (c *NonceCounter) Next() ([NonceSize]byte, error) {
	var n [NonceSize]byte
	if c.used == ^uint64(0) {
		return n, ErrNonceExhausted
	}
	c.used++
	binary.BigEndian.PutUint32(n[:4], uint32(c.role))
	binary.BigEndian.PutUint64(n[4:], c.used)
	return n, nil
}

// NonceGuard enforces strict monotonicity of the peer's nonces on receive.
// A duplicate or regressing counter means replay or a broken peer; the
// session tears down on it.
type NonceGuard struct {
	peerRole Role
	seen     bool
	last     uint64
}

// NewNonceGuard creates the guard for nonces sent by peerRole.
func NewNonceGuard(peerRole Role) *NonceGuard {
	return &NonceGuard{peerRole: peerRole}
}

// Check validates one received nonce and advances the window.
func (g *NonceGuard) Check(nonce [NonceSize]byte) error {
	role := Role(binary.BigEndian.Uint32(nonce[:4]))
	if role != g.peerRole {
		return fmt.Errorf("%w: got %s, want %s", ErrNonceRole, role, g.peerRole)
	}
	ctr := binary.BigEndian.Uint64(nonce[4:])
	if g.seen && ctr <= g.last {
		return fmt.Errorf("%w: counter %d after %d", ErrNonceReplayed, ctr, g.last)
	}
	g.seen = true
	g.last = ctr
	return nil
}

// Cipher seals and opens chat payloads under the derived session key.
// Associated data is empty by protocol.
type Cipher struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

// NewCipher builds the ChaCha20-Poly1305 cipher for a 32-byte key.
func NewCipher(key [KeySize]byte) (*Cipher, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext under nonce.
func (c *Cipher) Seal(nonce [NonceSize]byte, plaintext []byte) []byte {
	return c.aead.Seal(nil, nonce[:], plaintext, nil)
}

// Open decrypts and authenticates. Returns ErrOpen on any tampering.
func (c *Cipher) Open(nonce [NonceSize]byte, ciphertext []byte) ([]byte, error) {
	plaintext, err := c.aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, ErrOpen
	}
	return plaintext, nil
}
