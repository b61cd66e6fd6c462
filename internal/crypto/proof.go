package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
)

// SaltSize is the width of the password challenge salt.
const SaltSize = 16

// NewSalt generates a random challenge salt for the password gate.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return salt, nil
}

// PasswordProof computes HMAC-SHA256(password, salt || initiatorPublic).
// Binding the initiator's ephemeral public key into the proof stops it from
// being replayed on another connection.
func PasswordProof(password string, salt []byte, initiatorPublic [KeySize]byte) []byte {
	h := hmac.New(sha256.New, []byte(password))
	h.Write(salt)
	h.Write(initiatorPublic[:])
	return h.Sum(nil)
}

// VerifyProof checks a received proof in constant time.
func VerifyProof(password string, salt []byte, initiatorPublic [KeySize]byte, proof []byte) bool {
	want := PasswordProof(password, salt, initiatorPublic)
	return hmac.Equal(want, proof)
}
