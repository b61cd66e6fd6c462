package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"reflect"
	"testing"
)

func sampleMeta() FileMeta {
	var m FileMeta
	copy(m.OfferID[:], bytes.Repeat([]byte{0xAB}, OfferIDSize))
	m.Name = "report.pdf"
	m.OriginalSize = 5 << 20
	m.CompressedSize = 3 << 20
	m.ChunkSize = 64 * 1024
	copy(m.SHA256[:], bytes.Repeat([]byte{0x11}, HashSize))
	return m
}

func sampleMessages() []WireMessage {
	var nonce [NonceSize]byte
	copy(nonce[:], []byte("abcdefghijkl"))
	var offer OfferID
	copy(offer[:], bytes.Repeat([]byte{7}, OfferIDSize))
	var pub [KeySize]byte
	copy(pub[:], bytes.Repeat([]byte{0x42}, KeySize))

	return []WireMessage{
		Text{Body: []byte("hello")},
		Text{},
		Ciphertext{Nonce: nonce, Payload: []byte{1, 2, 3, 4}},
		sampleMeta(),
		FileChunk{OfferID: offer, Sequence: 3, Last: true, Payload: []byte("chunk")},
		FileChunk{OfferID: offer, Sequence: 0, Last: false, Payload: nil},
		Ack{OfferID: offer, SequenceAcked: 99},
		Control{Message: Hello{Handle: "alice", PublicKey: pub}},
		Control{Message: Hello{Handle: "bob", PublicKey: pub, PasswordProof: []byte("proof-bytes")}},
		Control{Message: Challenge{Salt: bytes.Repeat([]byte{9}, 16)}},
		Control{Message: Challenge{}},
		Control{Message: Denied{Reason: DeniedBadPassword}},
		Control{Message: Info{Kind: InfoPing}},
		Control{Message: Info{Kind: InfoBye, Detail: "shutting down"}},
		Control{Message: FileOffer{Meta: sampleMeta(), SaveName: "report.pdf"}},
		Control{Message: FileAccept{OfferID: offer}},
		Control{Message: FileReject{OfferID: offer, Reason: RejectTooLarge}},
	}
}

func TestRoundTrip(t *testing.T) {
	for _, m := range sampleMessages() {
		body := Encode(m)
		got, err := Decode(body)
		if err != nil {
			t.Fatalf("Decode(%T): %v", m, err)
		}
		if !equalMessage(got, m) {
			t.Errorf("round trip mismatch for %T:\ngot  %#v\nwant %#v", m, got, m)
		}
	}
}

// equalMessage treats nil and empty byte slices as the same, matching the
// wire format which cannot distinguish them.
func equalMessage(a, b WireMessage) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func normalize(m WireMessage) WireMessage {
	switch v := m.(type) {
	case Text:
		if len(v.Body) == 0 {
			v.Body = nil
		}
		return v
	case Ciphertext:
		if len(v.Payload) == 0 {
			v.Payload = nil
		}
		return v
	case FileChunk:
		if len(v.Payload) == 0 {
			v.Payload = nil
		}
		return v
	case Control:
		switch c := v.Message.(type) {
		case Hello:
			if len(c.PasswordProof) == 0 {
				c.PasswordProof = nil
			}
			v.Message = c
		case Challenge:
			if len(c.Salt) == 0 {
				c.Salt = nil
			}
			v.Message = c
		}
		return v
	}
	return m
}

func TestEncodeDeterministic(t *testing.T) {
	for _, m := range sampleMessages() {
		if !bytes.Equal(Encode(m), Encode(m)) {
			t.Errorf("Encode(%T) not deterministic", m)
		}
	}
}

func TestEncodeOverheadBound(t *testing.T) {
	// A framed Text message must stay within 4 + encoded-body bytes, and the
	// body overhead over the raw payload is the tag plus one length prefix.
	payload := bytes.Repeat([]byte{0xCC}, 1000)
	body := Encode(Text{Body: payload})
	if want := 1 + 4 + len(payload); len(body) != want {
		t.Errorf("Text body size = %d, want %d", len(body), want)
	}
}

func TestDecodeTrailingBytes(t *testing.T) {
	body := Encode(Text{Body: []byte("x")})
	body = append(body, 0)
	if _, err := Decode(body); !errors.Is(err, ErrTrailing) {
		t.Errorf("expected ErrTrailing, got %v", err)
	}
}

func TestDecodeUnknownTag(t *testing.T) {
	if _, err := Decode([]byte{200}); !errors.Is(err, ErrUnknownTag) {
		t.Errorf("expected ErrUnknownTag, got %v", err)
	}
	// Unknown nested control tag
	if _, err := Decode([]byte{TagControl, 99}); !errors.Is(err, ErrUnknownTag) {
		t.Errorf("expected ErrUnknownTag for control, got %v", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	for _, m := range sampleMessages() {
		body := Encode(m)
		for cut := 0; cut < len(body); cut++ {
			if _, err := Decode(body[:cut]); err == nil {
				t.Fatalf("Decode(%T truncated to %d) succeeded", m, cut)
			}
		}
	}
}

func TestDecodeEmpty(t *testing.T) {
	if _, err := Decode(nil); !errors.Is(err, ErrTruncated) {
		t.Errorf("expected ErrTruncated, got %v", err)
	}
}

func TestDecodeBadEnums(t *testing.T) {
	cases := [][]byte{
		{TagControl, ctlDenied, 3},  // reason out of range
		{TagControl, ctlInfo, 9, 0, 0, 0, 0}, // kind out of range
	}
	for _, body := range cases {
		if _, err := Decode(body); !errors.Is(err, ErrMalformed) {
			t.Errorf("Decode(% x): expected ErrMalformed, got %v", body, err)
		}
	}

	// Bool other than 0/1 in FileChunk.Last
	chunk := Encode(FileChunk{Sequence: 1, Last: true, Payload: []byte("a")})
	chunk[1+OfferIDSize+4] = 2
	if _, err := Decode(chunk); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed for bool=2, got %v", err)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var wire bytes.Buffer
	c := Codec{}
	for _, m := range sampleMessages() {
		if err := c.WriteMessage(&wire, m); err != nil {
			t.Fatalf("WriteMessage(%T): %v", m, err)
		}
	}
	for _, m := range sampleMessages() {
		got, err := c.ReadMessage(&wire)
		if err != nil {
			t.Fatalf("ReadMessage(%T): %v", m, err)
		}
		if !equalMessage(got, m) {
			t.Errorf("frame round trip mismatch for %T", m)
		}
	}
	if wire.Len() != 0 {
		t.Errorf("%d bytes left on wire", wire.Len())
	}
}

func TestFrameBoundary(t *testing.T) {
	c := Codec{}

	// Body of exactly MaxFrameSize is accepted.
	var wire bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize)
	wire.Write(hdr[:])
	body := make([]byte, MaxFrameSize)
	body[0] = TagText
	binary.BigEndian.PutUint32(body[1:5], MaxFrameSize-5)
	wire.Write(body)
	if _, err := c.ReadMessage(&wire); err != nil {
		t.Errorf("frame of MaxFrameSize rejected: %v", err)
	}

	// One byte more is rejected before the body is read.
	wire.Reset()
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	wire.Write(hdr[:])
	if _, err := c.ReadMessage(&wire); !errors.Is(err, ErrTooLarge) {
		t.Errorf("expected ErrTooLarge, got %v", err)
	}
}

func TestFrameShortBody(t *testing.T) {
	var wire bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 10)
	wire.Write(hdr[:])
	wire.Write([]byte{TagText, 0})
	if _, err := (Codec{}).ReadMessage(&wire); err != io.ErrUnexpectedEOF {
		t.Errorf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestChatSizeCap(t *testing.T) {
	limit := 32
	c := Codec{MaxChatBytes: limit}

	write := func(m WireMessage) *bytes.Buffer {
		var wire bytes.Buffer
		if err := (Codec{}).WriteMessage(&wire, m); err != nil {
			t.Fatal(err)
		}
		return &wire
	}

	// At the cap: accepted.
	if _, err := c.ReadMessage(write(Text{Body: make([]byte, limit)})); err != nil {
		t.Errorf("text at cap rejected: %v", err)
	}
	// One over: rejected.
	if _, err := c.ReadMessage(write(Text{Body: make([]byte, limit+1)})); !errors.Is(err, ErrTooLarge) {
		t.Errorf("expected ErrTooLarge, got %v", err)
	}

	// Ciphertext gets the AEAD tag allowance on top.
	var nonce [NonceSize]byte
	if _, err := c.ReadMessage(write(Ciphertext{Nonce: nonce, Payload: make([]byte, limit+16)})); err != nil {
		t.Errorf("ciphertext at cap rejected: %v", err)
	}
	if _, err := c.ReadMessage(write(Ciphertext{Nonce: nonce, Payload: make([]byte, limit+17)})); !errors.Is(err, ErrTooLarge) {
		t.Errorf("expected ErrTooLarge for ciphertext, got %v", err)
	}

	// FileChunk payloads are not chat frames and pass regardless.
	var offer OfferID
	if _, err := c.ReadMessage(write(FileChunk{OfferID: offer, Payload: make([]byte, limit*4)})); err != nil {
		t.Errorf("chunk rejected by chat cap: %v", err)
	}
}
