package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Typed decode errors. Callers close the offending session on any of these.
var (
	ErrUnknownTag = errors.New("protocol: unknown message tag")
	ErrTruncated  = errors.New("protocol: truncated message")
	ErrTrailing   = errors.New("protocol: trailing bytes after message")
	ErrMalformed  = errors.New("protocol: malformed field")
	ErrTooLarge   = errors.New("protocol: message exceeds size cap")
)

// Encode serializes m as tag byte + length-prefixed fields. The encoding is
// deterministic: the same message always yields the same bytes.
func Encode(m WireMessage) []byte {
	var b builder
	b.u8(m.wireTag())
	switch v := m.(type) {
	case Text:
		b.bytes(v.Body)
	case Ciphertext:
		b.raw(v.Nonce[:])
		b.bytes(v.Payload)
	case FileMeta:
		encodeMeta(&b, v)
	case FileChunk:
		b.raw(v.OfferID[:])
		b.u32(v.Sequence)
		b.bool(v.Last)
		b.bytes(v.Payload)
	case Ack:
		b.raw(v.OfferID[:])
		b.u32(v.SequenceAcked)
	case Control:
		b.u8(v.Message.controlTag())
		encodeControl(&b, v.Message)
	default:
		panic(fmt.Sprintf("protocol: unencodable message %T", m))
	}
	return b.out
}

func encodeMeta(b *builder, m FileMeta) {
	b.raw(m.OfferID[:])
	b.str(m.Name)
	b.u64(m.OriginalSize)
	b.u64(m.CompressedSize)
	b.u32(m.ChunkSize)
	b.raw(m.SHA256[:])
}

func encodeControl(b *builder, m ControlMessage) {
	switch v := m.(type) {
	case Hello:
		b.str(v.Handle)
		b.raw(v.PublicKey[:])
		b.bytes(v.PasswordProof)
	case Challenge:
		b.bytes(v.Salt)
	case Denied:
		b.u8(byte(v.Reason))
	case Info:
		b.u8(byte(v.Kind))
		b.str(v.Detail)
	case FileOffer:
		encodeMeta(b, v.Meta)
		b.str(v.SaveName)
	case FileAccept:
		b.raw(v.OfferID[:])
	case FileReject:
		b.raw(v.OfferID[:])
		b.u8(byte(v.Reason))
	default:
		panic(fmt.Sprintf("protocol: unencodable control message %T", m))
	}
}

// Decode parses one message and rejects unknown tags, truncation, and
// trailing bytes.
func Decode(data []byte) (WireMessage, error) {
	p := parser{buf: data}
	tag, err := p.u8()
	if err != nil {
		return nil, err
	}

	var m WireMessage
	switch tag {
	case TagText:
		var v Text
		if v.Body, err = p.bytes(); err != nil {
			return nil, err
		}
		m = v
	case TagCiphertext:
		var v Ciphertext
		if err = p.raw(v.Nonce[:]); err != nil {
			return nil, err
		}
		if v.Payload, err = p.bytes(); err != nil {
			return nil, err
		}
		m = v
	case TagFileMeta:
		v, err := decodeMeta(&p)
		if err != nil {
			return nil, err
		}
		m = v
	case TagFileChunk:
		var v FileChunk
		if err = p.raw(v.OfferID[:]); err != nil {
			return nil, err
		}
		if v.Sequence, err = p.u32(); err != nil {
			return nil, err
		}
		if v.Last, err = p.bool(); err != nil {
			return nil, err
		}
		if v.Payload, err = p.bytes(); err != nil {
			return nil, err
		}
		m = v
	case TagAck:
		var v Ack
		if err = p.raw(v.OfferID[:]); err != nil {
			return nil, err
		}
		if v.SequenceAcked, err = p.u32(); err != nil {
			return nil, err
		}
		m = v
	case TagControl:
		cm, err := decodeControl(&p)
		if err != nil {
			return nil, err
		}
		m = Control{Message: cm}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownTag, tag)
	}

	if p.off != len(p.buf) {
		return nil, fmt.Errorf("%w: %d bytes", ErrTrailing, len(p.buf)-p.off)
	}
	return m, nil
}

func decodeMeta(p *parser) (FileMeta, error) {
	var v FileMeta
	var err error
	if err = p.raw(v.OfferID[:]); err != nil {
		return v, err
	}
	if v.Name, err = p.str(); err != nil {
		return v, err
	}
	if v.OriginalSize, err = p.u64(); err != nil {
		return v, err
	}
	if v.CompressedSize, err = p.u64(); err != nil {
		return v, err
	}
	if v.ChunkSize, err = p.u32(); err != nil {
		return v, err
	}
	if err = p.raw(v.SHA256[:]); err != nil {
		return v, err
	}
	return v, nil
}

func decodeControl(p *parser) (ControlMessage, error) {
	tag, err := p.u8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case ctlHello:
		var v Hello
		if v.Handle, err = p.str(); err != nil {
			return nil, err
		}
		if err = p.raw(v.PublicKey[:]); err != nil {
			return nil, err
		}
		if v.PasswordProof, err = p.bytes(); err != nil {
			return nil, err
		}
		return v, nil
	case ctlChallenge:
		var v Challenge
		if v.Salt, err = p.bytes(); err != nil {
			return nil, err
		}
		return v, nil
	case ctlDenied:
		r, err := p.u8()
		if err != nil {
			return nil, err
		}
		if r > byte(DeniedBusy) {
			return nil, fmt.Errorf("%w: denied reason %d", ErrMalformed, r)
		}
		return Denied{Reason: DeniedReason(r)}, nil
	case ctlInfo:
		var v Info
		k, err := p.u8()
		if err != nil {
			return nil, err
		}
		if k > byte(InfoBye) {
			return nil, fmt.Errorf("%w: info kind %d", ErrMalformed, k)
		}
		v.Kind = InfoKind(k)
		if v.Detail, err = p.str(); err != nil {
			return nil, err
		}
		return v, nil
	case ctlOffer:
		var v FileOffer
		if v.Meta, err = decodeMeta(p); err != nil {
			return nil, err
		}
		if v.SaveName, err = p.str(); err != nil {
			return nil, err
		}
		return v, nil
	case ctlAccept:
		var v FileAccept
		if err = p.raw(v.OfferID[:]); err != nil {
			return nil, err
		}
		return v, nil
	case ctlReject:
		var v FileReject
		if err = p.raw(v.OfferID[:]); err != nil {
			return nil, err
		}
		r, err := p.u8()
		if err != nil {
			return nil, err
		}
		if r > byte(RejectUnsupported) {
			return nil, fmt.Errorf("%w: reject reason %d", ErrMalformed, r)
		}
		v.Reason = RejectReason(r)
		return v, nil
	default:
		return nil, fmt.Errorf("%w: control %d", ErrUnknownTag, tag)
	}
}

// builder accumulates the deterministic encoding. All multi-byte integers are
// big-endian; variable-length fields carry a u32 length prefix.
type builder struct {
	out []byte
}

func (b *builder) u8(v byte)  { b.out = append(b.out, v) }
func (b *builder) u32(v uint32) {
	b.out = binary.BigEndian.AppendUint32(b.out, v)
}
func (b *builder) u64(v uint64) {
	b.out = binary.BigEndian.AppendUint64(b.out, v)
}
func (b *builder) raw(v []byte) { b.out = append(b.out, v...) }
func (b *builder) bytes(v []byte) {
	b.u32(uint32(len(v)))
	b.raw(v)
}
func (b *builder) str(v string) { b.bytes([]byte(v)) }
func (b *builder) bool(v bool) {
	if v {
		b.u8(1)
	} else {
		b.u8(0)
	}
}

type parser struct {
	buf []byte
	off int
}

func (p *parser) take(n int) ([]byte, error) {
	if n < 0 || len(p.buf)-p.off < n {
		return nil, ErrTruncated
	}
	v := p.buf[p.off : p.off+n]
	p.off += n
	return v, nil
}

func (p *parser) u8() (byte, error) {
	v, err := p.take(1)
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

func (p *parser) u32() (uint32, error) {
	v, err := p.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(v), nil
}

func (p *parser) u64() (uint64, error) {
	v, err := p.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(v), nil
}

func (p *parser) raw(dst []byte) error {
	v, err := p.take(len(dst))
	if err != nil {
		return err
	}
	copy(dst, v)
	return nil
}

func (p *parser) bytes() ([]byte, error) {
	n, err := p.u32()
	if err != nil {
		return nil, err
	}
	v, err := p.take(int(n))
	if err != nil {
		return nil, err
	}
	// Copy out so decoded messages do not alias the frame buffer.
	out := make([]byte, n)
	copy(out, v)
	return out, nil
}

func (p *parser) str() (string, error) {
	v, err := p.bytes()
	if err != nil {
		return "", err
	}
	return string(v), nil
}

func (p *parser) bool() (bool, error) {
	v, err := p.u8()
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, fmt.Errorf("%w: bool %d", ErrMalformed, v)
}
