// Package history persists encrypted per-peer chat history. Each peer gets
// an append-only log of framed records sealed under a shared key created on
// first use.
package history

import (
	"bytes"
	"compress/gzip"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/chacha20poly1305"
)

// Direction of a history entry relative to the local peer.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// Kind classifies the payload.
type Kind string

const (
	KindText       Kind = "text"
	KindFileNotice Kind = "file-notice"
)

// Entry is one history record. The timestamp is stored with millisecond
// precision.
type Entry struct {
	TimestampMS int64     `json:"ts_ms"`
	Direction   Direction `json:"direction"`
	PeerHandle  string    `json:"peer"`
	Kind        Kind      `json:"kind"`
	Payload     []byte    `json:"payload"`
}

// Time returns the entry timestamp.
func (e Entry) Time() time.Time {
	return time.UnixMilli(e.TimestampMS)
}

const (
	keyFileName = "history.key"
	keySize     = chacha20poly1305.KeySize

	// maxRecordSize bounds a single framed record so a corrupt length field
	// cannot trigger a huge allocation.
	maxRecordSize = 4 << 20
)

// Store owns the history directory and the shared log key.
type Store struct {
	dir  string
	aead cipher.AEAD
	log  zerolog.Logger

	mu sync.Mutex // serializes appends per store
}

// Open prepares the history directory, loading history.key or creating it
// with owner-only permissions on first use.
func Open(dir string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}

	keyPath := filepath.Join(dir, keyFileName)
	key, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		key = make([]byte, keySize)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return nil, fmt.Errorf("generating history key: %w", err)
		}
		if err := os.WriteFile(keyPath, key, 0o600); err != nil {
			return nil, fmt.Errorf("writing history key: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("reading history key: %w", err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("history key is %d bytes, want %d", len(key), keySize)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	return &Store{
		dir:  dir,
		aead: aead,
		log:  log.With().Str("component", "history").Logger(),
	}, nil
}

// Append seals one entry and appends it to the peer's log. The record layout
// is `u32 BE length || nonce(12) || ciphertext` where the plaintext is the
// gzip-compressed JSON entry.
func (s *Store) Append(peer string, e Entry) error {
	plain, err := json.Marshal(e)
	if err != nil {
		return err
	}

	var packed bytes.Buffer
	gz := gzip.NewWriter(&packed)
	if _, err := gz.Write(plain); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return err
	}
	sealed := s.aead.Seal(nil, nonce, packed.Bytes(), nil)

	record := make([]byte, 4, 4+len(nonce)+len(sealed))
	binary.BigEndian.PutUint32(record, uint32(len(nonce)+len(sealed)))
	record = append(record, nonce...)
	record = append(record, sealed...)

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.logPath(peer), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening history log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(record); err != nil {
		return fmt.Errorf("appending history record: %w", err)
	}
	return nil
}

// Read decrypts the peer's log in order. Frames that fail to open are skipped
// with a warning and counted, and reading continues. A torn or implausible
// length header ends the read at that point and counts as one skipped frame;
// frames after it are not read. Read returns no error for corrupt records.
func (s *Store) Read(peer string) (entries []Entry, skipped int, err error) {
	f, err := os.Open(s.logPath(peer))
	if os.IsNotExist(err) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("opening history log: %w", err)
	}
	defer f.Close()

	var hdr [4]byte
	for {
		if _, err := io.ReadFull(f, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return entries, skipped, nil
			}
			// Torn header at the tail: count and stop.
			s.log.Warn().Str("peer", peer).Msg("truncated history record header")
			return entries, skipped + 1, nil
		}
		n := binary.BigEndian.Uint32(hdr[:])
		if n < chacha20poly1305.NonceSize || n > maxRecordSize {
			s.log.Warn().Str("peer", peer).Uint32("length", n).Msg("implausible history record length")
			return entries, skipped + 1, nil
		}
		record := make([]byte, n)
		if _, err := io.ReadFull(f, record); err != nil {
			s.log.Warn().Str("peer", peer).Msg("truncated history record")
			return entries, skipped + 1, nil
		}

		entry, err := s.openRecord(record)
		if err != nil {
			s.log.Warn().Str("peer", peer).Err(err).Msg("skipping unreadable history record")
			skipped++
			continue
		}
		entries = append(entries, entry)
	}
}

func (s *Store) openRecord(record []byte) (Entry, error) {
	var e Entry
	nonce := record[:chacha20poly1305.NonceSize]
	packed, err := s.aead.Open(nil, nonce, record[chacha20poly1305.NonceSize:], nil)
	if err != nil {
		return e, fmt.Errorf("record authentication failed: %w", err)
	}
	gz, err := gzip.NewReader(bytes.NewReader(packed))
	if err != nil {
		return e, err
	}
	plain, err := io.ReadAll(gz)
	if err != nil {
		return e, err
	}
	if err := gz.Close(); err != nil {
		return e, err
	}
	if err := json.Unmarshal(plain, &e); err != nil {
		return e, err
	}
	return e, nil
}

// logPath maps a peer handle to its log file, flattening anything that could
// escape the history directory.
func (s *Store) logPath(peer string) string {
	safe := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, peer)
	safe = filepath.Base(safe)
	if safe == "." || safe == "" {
		safe = "_"
	}
	return filepath.Join(s.dir, safe+".log.enc")
}
