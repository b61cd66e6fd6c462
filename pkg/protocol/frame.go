package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame body. Anything larger is rejected before
// allocation.
const MaxFrameSize = 16 << 20

// Codec reads and writes framed wire messages on a stream. Every frame is
// `u32 big-endian length || body`. MaxChatBytes, when positive, caps the
// payload of Text and Ciphertext frames on the read path; oversized chat
// frames are rejected with ErrTooLarge after decoding.
type Codec struct {
	MaxChatBytes int
}

// WriteMessage encodes m and writes one frame.
func (c Codec) WriteMessage(w io.Writer, m WireMessage) error {
	body := Encode(m)
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: frame body %d", ErrTooLarge, len(body))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadMessage reads one frame and decodes it.
func (c Codec) ReadMessage(r io.Reader) (WireMessage, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame length %d", ErrTooLarge, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	m, err := Decode(body)
	if err != nil {
		return nil, err
	}
	if c.MaxChatBytes > 0 {
		switch v := m.(type) {
		case Text:
			if len(v.Body) > c.MaxChatBytes {
				return nil, fmt.Errorf("%w: text %d bytes", ErrTooLarge, len(v.Body))
			}
		case Ciphertext:
			if len(v.Payload) > c.MaxChatBytes+aeadOverhead {
				return nil, fmt.Errorf("%w: ciphertext %d bytes", ErrTooLarge, len(v.Payload))
			}
		}
	}
	return m, nil
}

// aeadOverhead is the Poly1305 tag appended by the chat cipher.
const aeadOverhead = 16
