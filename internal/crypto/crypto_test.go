package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestHandshakeDerivesSameKey(t *testing.T) {
	a, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	ka, err := a.SessionKey(b.Public)
	if err != nil {
		t.Fatalf("a.SessionKey: %v", err)
	}
	kb, err := b.SessionKey(a.Public)
	if err != nil {
		t.Fatalf("b.SessionKey: %v", err)
	}

	if ka != kb {
		t.Error("both sides must derive the same session key")
	}
	if ka == ([KeySize]byte{}) {
		t.Error("derived key is all zero")
	}

	// A third party derives something else.
	c, _ := GenerateKeyPair()
	kc, err := c.SessionKey(b.Public)
	if err != nil {
		t.Fatal(err)
	}
	if kc == ka {
		t.Error("unrelated key pair derived the session key")
	}
}

func TestSessionKeyRejectsZeroPublic(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	var zero [KeySize]byte
	if _, err := kp.SessionKey(zero); err == nil {
		t.Error("all-zero peer public key accepted")
	}
}

func TestSealOpenDistinctNonces(t *testing.T) {
	kp1, _ := GenerateKeyPair()
	kp2, _ := GenerateKeyPair()
	key, err := kp1.SessionKey(kp2.Public)
	if err != nil {
		t.Fatal(err)
	}
	c, err := NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}

	plaintext := []byte("the same message twice")
	ctr := NewNonceCounter(RoleInitiator)
	n1, err := ctr.Next()
	if err != nil {
		t.Fatal(err)
	}
	n2, err := ctr.Next()
	if err != nil {
		t.Fatal(err)
	}
	if n1 == n2 {
		t.Fatal("counter issued a duplicate nonce")
	}

	c1 := c.Seal(n1, plaintext)
	c2 := c.Seal(n2, plaintext)
	if bytes.Equal(c1, c2) {
		t.Error("distinct nonces produced identical ciphertexts")
	}

	for _, tc := range []struct {
		nonce [NonceSize]byte
		ct    []byte
	}{{n1, c1}, {n2, c2}} {
		got, err := c.Open(tc.nonce, tc.ct)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Error("decrypted plaintext mismatch")
		}
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	kp1, _ := GenerateKeyPair()
	kp2, _ := GenerateKeyPair()
	key, _ := kp1.SessionKey(kp2.Public)
	c, _ := NewCipher(key)

	ctr := NewNonceCounter(RoleAcceptor)
	n, _ := ctr.Next()
	ct := c.Seal(n, []byte("payload"))
	ct[0] ^= 0x01

	if _, err := c.Open(n, ct); !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen, got %v", err)
	}
}

func TestNonceCounterMonotonic(t *testing.T) {
	ctr := NewNonceCounter(RoleInitiator)
	seen := make(map[[NonceSize]byte]bool)
	var last uint64
	for i := 0; i < 1000; i++ {
		n, err := ctr.Next()
		if err != nil {
			t.Fatal(err)
		}
		if seen[n] {
			t.Fatalf("nonce repeated at iteration %d", i)
		}
		seen[n] = true
		cur := counterOf(n)
		if cur <= last && i > 0 {
			t.Fatalf("counter not strictly increasing: %d after %d", cur, last)
		}
		last = cur
	}
}

func counterOf(n [NonceSize]byte) uint64 {
	var v uint64
	for _, b := range n[4:] {
		v = v<<8 | uint64(b)
	}
	return v
}

func TestNonceGuard(t *testing.T) {
	send := NewNonceCounter(RoleAcceptor)
	guard := NewNonceGuard(RoleAcceptor)

	n1, _ := send.Next()
	n2, _ := send.Next()

	if err := guard.Check(n1); err != nil {
		t.Fatalf("first nonce rejected: %v", err)
	}
	if err := guard.Check(n2); err != nil {
		t.Fatalf("second nonce rejected: %v", err)
	}
	// Replay of n2 must fail.
	if err := guard.Check(n2); !errors.Is(err, ErrNonceReplayed) {
		t.Errorf("expected ErrNonceReplayed, got %v", err)
	}
	// Regression to n1 must fail.
	if err := guard.Check(n1); !errors.Is(err, ErrNonceReplayed) {
		t.Errorf("expected ErrNonceReplayed for regression, got %v", err)
	}

	// Wrong role tag must fail.
	other := NewNonceCounter(RoleInitiator)
	n3, _ := other.Next()
	if err := guard.Check(n3); !errors.Is(err, ErrNonceRole) {
		t.Errorf("expected ErrNonceRole, got %v", err)
	}
}

func TestPasswordProof(t *testing.T) {
	kp, _ := GenerateKeyPair()
	salt, err := NewSalt()
	if err != nil {
		t.Fatal(err)
	}
	if len(salt) != SaltSize {
		t.Fatalf("salt is %d bytes, want %d", len(salt), SaltSize)
	}

	proof := PasswordProof("s3cret", salt, kp.Public)
	if !VerifyProof("s3cret", salt, kp.Public, proof) {
		t.Error("valid proof rejected")
	}
	if VerifyProof("wrong", salt, kp.Public, proof) {
		t.Error("proof verified under wrong password")
	}

	otherSalt, _ := NewSalt()
	if VerifyProof("s3cret", otherSalt, kp.Public, proof) {
		t.Error("proof verified under wrong salt")
	}

	otherKP, _ := GenerateKeyPair()
	if VerifyProof("s3cret", salt, otherKP.Public, proof) {
		t.Error("proof verified under wrong public key")
	}
}
