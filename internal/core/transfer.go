package core

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/ojoquinhaa/dezap/internal/history"
	"github.com/ojoquinhaa/dezap/pkg/protocol"
)

type direction int

const (
	outgoing direction = iota
	incoming
)

type transferState int

const (
	stateOffered transferState = iota
	stateAccepted
	stateRejected
	stateExpired
	stateStreaming
	stateCompleted
	stateFailed
	stateCancelled
)

func (s transferState) terminal() bool {
	switch s {
	case stateRejected, stateExpired, stateCompleted, stateFailed, stateCancelled:
		return true
	}
	return false
}

// transfer tracks one offer through its state machine. The service's
// transfer table owns these; state changes go through the table lock.
type transfer struct {
	id        protocol.OfferID
	session   SessionID
	direction direction
	meta      protocol.FileMeta
	saveName  string

	state       transferState
	answered    bool // peer's accept/reject already consumed
	bytes       int64
	sourcePath  string // sender only
	targetPath  string // recipient only; provisional until accept
	scratchPath string

	// decision carries the peer's FileAccept (nil) or FileReject; ack
	// carries the final Ack. Buffered so control-loop delivery never blocks.
	decision chan *protocol.FileReject
	ack      chan protocol.Ack
}

// Progress events are throttled to one per 100 ms or 1 MiB, whichever
// happens first.
const (
	progressInterval = 100 * time.Millisecond
	progressBytes    = 1 << 20
)

type progressThrottle struct {
	lastTime  time.Time
	lastBytes int64
}

func (p *progressThrottle) due(bytes int64) bool {
	if time.Since(p.lastTime) >= progressInterval || bytes-p.lastBytes >= progressBytes {
		p.lastTime = time.Now()
		p.lastBytes = bytes
		return true
	}
	return false
}

func newOfferID() protocol.OfferID {
	return protocol.OfferID(uuid.New())
}

// --- Sender path ---

// startSendFile validates the file against the size cap and spawns the send
// task. Called from the command loop; the stat is the only I/O and the cap
// check happens before any offer leaves the machine.
func (s *Service) startSendFile(sess *session, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return rejectf(KindFileSystem, "cannot read %s: %v", path, err)
	}
	if info.IsDir() {
		return rejectf(KindFileSystem, "%s is a directory", path)
	}
	if info.Size() > s.settings.Limits.MaxFileBytes {
		return rejectf(KindTooLarge, "file is %d bytes, cap is %d", info.Size(), s.settings.Limits.MaxFileBytes)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runSendFile(sess, path, info.Size())
	}()
	return nil
}

func (s *Service) runSendFile(sess *session, path string, size int64) {
	scratch, compressed, digest, err := s.compressToScratch(sess, path)
	if err != nil {
		s.log.Error().Err(err).Str("path", path).Msg("compressing file failed")
		s.emit(Error{Kind: KindFileSystem, Detail: err.Error()})
		return
	}
	defer os.Remove(scratch)

	t := &transfer{
		id:        newOfferID(),
		session:   sess.id,
		direction: outgoing,
		meta: protocol.FileMeta{
			Name:           filepath.Base(path),
			OriginalSize:   uint64(size),
			CompressedSize: uint64(compressed),
			ChunkSize:      uint32(s.settings.Limits.ChunkBytes),
			SHA256:         digest,
		},
		saveName:    filepath.Base(path),
		sourcePath:  path,
		scratchPath: scratch,
		state:       stateOffered,
		decision:    make(chan *protocol.FileReject, 1),
		ack:         make(chan protocol.Ack, 1),
	}
	t.meta.OfferID = t.id
	s.addTransfer(t)

	if err := sess.writeControl(protocol.FileOffer{Meta: t.meta, SaveName: t.saveName}); err != nil {
		s.finishTransfer(t, stateFailed, FileTransferFailed{OfferID: t.id, Kind: KindTransport})
		return
	}
	sess.log.Info().Str("offer_id", hex.EncodeToString(t.id[:])).Str("file", t.meta.Name).Msg("file offered")

	select {
	case <-sess.ctx.Done():
		s.finishTransfer(t, stateCancelled, FileTransferFailed{OfferID: t.id, Kind: KindCancelled})
		return
	case <-time.After(offerTimeout):
		s.finishTransfer(t, stateExpired, FileTransferFailed{OfferID: t.id, Kind: KindTimeout})
		return
	case reject := <-t.decision:
		if reject != nil {
			s.finishTransfer(t, stateRejected, FileOfferRejected{OfferID: t.id, Reason: reject.Reason})
			return
		}
	}

	s.setTransferState(t, stateStreaming)
	if err := s.streamFile(sess, t); err != nil {
		s.finishTransfer(t, stateFailed, FileTransferFailed{OfferID: t.id, Kind: KindTransport})
		return
	}

	select {
	case <-sess.ctx.Done():
		s.finishTransfer(t, stateCancelled, FileTransferFailed{OfferID: t.id, Kind: KindCancelled})
	case <-time.After(offerTimeout):
		s.finishTransfer(t, stateFailed, FileTransferFailed{OfferID: t.id, Kind: KindTimeout})
	case <-t.ack:
		s.finishTransfer(t, stateCompleted, FileTransferCompleted{OfferID: t.id, Path: t.sourcePath})
		s.appendHistory(sess.remoteHandle, history.Entry{
			TimestampMS: time.Now().UnixMilli(),
			Direction:   history.DirectionOutgoing,
			PeerHandle:  sess.remoteHandle,
			Kind:        history.KindFileNotice,
			Payload:     []byte(t.meta.Name),
		})
	}
}

// compressToScratch streams the file through gzip into a scratch file,
// hashing the compressed bytes on the way. Work is chunked so cancellation
// is honored between blocks.
func (s *Service) compressToScratch(sess *session, path string) (scratch string, compressed int64, digest [protocol.HashSize]byte, err error) {
	src, err := os.Open(path)
	if err != nil {
		return "", 0, digest, err
	}
	defer src.Close()

	f, err := os.CreateTemp("", "dezap-*.gz")
	if err != nil {
		return "", 0, digest, err
	}
	scratch = f.Name()
	defer func() {
		f.Close()
		if err != nil {
			os.Remove(scratch)
		}
	}()

	hasher := sha256.New()
	gz := gzip.NewWriter(io.MultiWriter(f, hasher))

	buf := make([]byte, s.settings.Limits.ChunkBytes)
	for {
		select {
		case <-sess.ctx.Done():
			return "", 0, digest, sess.ctx.Err()
		default:
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err = gz.Write(buf[:n]); err != nil {
				return "", 0, digest, err
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", 0, digest, readErr
		}
	}
	if err = gz.Close(); err != nil {
		return "", 0, digest, err
	}
	info, err := f.Stat()
	if err != nil {
		return "", 0, digest, err
	}
	copy(digest[:], hasher.Sum(nil))
	return scratch, info.Size(), digest, nil
}

// streamFile sends the redundant FileMeta then the compressed bytes as
// sequenced chunks on a fresh unidirectional stream.
func (s *Service) streamFile(sess *session, t *transfer) error {
	stream, err := sess.conn.OpenUniStreamSync(sess.ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	if err := sess.codec.WriteMessage(stream, t.meta); err != nil {
		return err
	}

	f, err := os.Open(t.scratchPath)
	if err != nil {
		return err
	}
	defer f.Close()

	var throttle progressThrottle
	var sent int64
	buf := make([]byte, t.meta.ChunkSize)
	var seq uint32
	for {
		select {
		case <-sess.ctx.Done():
			return sess.ctx.Err()
		default:
		}
		n, readErr := f.Read(buf)
		if readErr != nil && readErr != io.EOF {
			return readErr
		}
		last := readErr == io.EOF || sent+int64(n) >= int64(t.meta.CompressedSize)
		if n > 0 || last {
			chunk := protocol.FileChunk{OfferID: t.id, Sequence: seq, Last: last, Payload: buf[:n]}
			if err := sess.codec.WriteMessage(stream, chunk); err != nil {
				return err
			}
			seq++
			sent += int64(n)
			s.setTransferBytes(t, sent)
			if throttle.due(sent) || last {
				s.emit(FileTransferProgress{OfferID: t.id, BytesTransferred: sent, Total: int64(t.meta.CompressedSize)})
			}
		}
		if last {
			return nil
		}
	}
}

// --- Recipient path ---

// handleFileOffer registers an incoming offer announced on the control
// stream.
func (s *Service) handleFileOffer(sess *session, offer protocol.FileOffer) {
	if offer.Meta.ChunkSize == 0 || offer.Meta.ChunkSize > 16<<20 {
		sess.writeControl(protocol.FileReject{OfferID: offer.Meta.OfferID, Reason: protocol.RejectUnsupported})
		return
	}
	if offer.Meta.OriginalSize > uint64(s.settings.Limits.MaxFileBytes) {
		sess.writeControl(protocol.FileReject{OfferID: offer.Meta.OfferID, Reason: protocol.RejectTooLarge})
		return
	}

	t := &transfer{
		id:        offer.Meta.OfferID,
		session:   sess.id,
		direction: incoming,
		meta:      offer.Meta,
		saveName:  offer.SaveName,
		state:     stateOffered,
	}
	if !s.addTransferUnique(t) {
		sess.close(KindProtocol, "duplicate offer id")
		return
	}
	s.emit(FileOfferReceived{OfferID: t.id, Session: sess.id, Meta: t.meta, SaveName: t.saveName})
}

// acceptFile answers a pending offer: validate the target, reply
// FileAccept, and wait for the data stream.
func (s *Service) acceptFile(id protocol.OfferID, targetPath string) error {
	t, sess, err := s.pendingIncoming(id)
	if err != nil {
		return err
	}

	if !writableTarget(targetPath) {
		sess.writeControl(protocol.FileReject{OfferID: id, Reason: protocol.RejectUnsupported})
		s.finishTransfer(t, stateRejected, FileOfferRejected{OfferID: id, Reason: protocol.RejectUnsupported})
		return nil
	}

	s.mu.Lock()
	t.targetPath = targetPath
	t.state = stateStreaming
	s.mu.Unlock()

	if err := sess.writeControl(protocol.FileAccept{OfferID: id}); err != nil {
		s.finishTransfer(t, stateFailed, FileTransferFailed{OfferID: id, Kind: KindTransport})
		return rejectf(KindTransport, "sending accept: %v", err)
	}
	return nil
}

// declineFile rejects a pending offer and drops it.
func (s *Service) declineFile(id protocol.OfferID) error {
	t, sess, err := s.pendingIncoming(id)
	if err != nil {
		return err
	}
	sess.writeControl(protocol.FileReject{OfferID: id, Reason: protocol.RejectUserDeclined})
	s.finishTransfer(t, stateRejected, FileOfferRejected{OfferID: id, Reason: protocol.RejectUserDeclined})
	return nil
}

// writableTarget probes that the transfer can create its .part file.
func writableTarget(path string) bool {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false
		}
	}
	probe := path + ".part"
	f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(probe)
	return true
}

// resolveOffer delivers the peer's accept/reject to the waiting send task.
// Unknown ids are logged and ignored: the offer may have expired while the
// answer was in flight.
func (s *Service) resolveOffer(sess *session, id protocol.OfferID, reject *protocol.FileReject) {
	s.mu.Lock()
	t, ok := s.transfers[id]
	valid := ok && t.session == sess.id && t.direction == outgoing && t.state == stateOffered && !t.answered
	if valid {
		t.answered = true
		if reject == nil {
			t.state = stateAccepted
		}
	}
	s.mu.Unlock()
	if !valid {
		sess.log.Debug().Str("offer_id", hex.EncodeToString(id[:])).Msg("answer for unknown or settled offer")
		return
	}
	t.decision <- reject
}

// handleUniStream dispatches an incoming unidirectional stream by its first
// frame: FileMeta opens a data stream, Ack settles an outgoing transfer.
func (s *Service) handleUniStream(sess *session, stream *quic.ReceiveStream) {
	m, err := sess.codec.ReadMessage(stream)
	if err != nil {
		sess.log.Debug().Err(err).Msg("unreadable unidirectional stream")
		return
	}
	switch v := m.(type) {
	case protocol.FileMeta:
		s.receiveFile(sess, stream, v)
	case protocol.Ack:
		s.mu.Lock()
		t, ok := s.transfers[v.OfferID]
		valid := ok && t.session == sess.id && t.direction == outgoing
		s.mu.Unlock()
		if valid {
			select {
			case t.ack <- v:
			default:
			}
		}
	default:
		sess.close(KindProtocol, fmt.Sprintf("%T opening unidirectional stream", m))
	}
}

// receiveFile drains one data stream into staging, verifies the digest, and
// decompresses into the target with an atomic rename.
func (s *Service) receiveFile(sess *session, stream *quic.ReceiveStream, meta protocol.FileMeta) {
	s.mu.Lock()
	t, ok := s.transfers[meta.OfferID]
	valid := ok && t.session == sess.id && t.direction == incoming && t.state == stateStreaming
	s.mu.Unlock()
	if !valid {
		sess.log.Debug().Str("offer_id", hex.EncodeToString(meta.OfferID[:])).Msg("data stream for unknown transfer")
		return
	}
	// The stream's redundant metadata must agree with the offer.
	if meta != t.meta {
		s.finishTransfer(t, stateFailed, FileTransferFailed{OfferID: t.id, Kind: KindProtocol})
		return
	}

	stagingDir := filepath.Join(s.settings.Paths.DownloadDir, ".staging")
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		s.finishTransfer(t, stateFailed, FileTransferFailed{OfferID: t.id, Kind: KindFileSystem})
		return
	}
	stagingPath := filepath.Join(stagingDir, hex.EncodeToString(t.id[:]))
	staged, err := os.Create(stagingPath)
	if err != nil {
		s.finishTransfer(t, stateFailed, FileTransferFailed{OfferID: t.id, Kind: KindFileSystem})
		return
	}
	defer os.Remove(stagingPath)

	kind, ok := s.drainChunks(sess, stream, t, staged)
	staged.Close()
	if !ok {
		s.finishTransfer(t, stateFailed, FileTransferFailed{OfferID: t.id, Kind: kind})
		return
	}

	if err := decompressInto(stagingPath, t.targetPath); err != nil {
		s.log.Error().Err(err).Str("target", t.targetPath).Msg("finalizing transfer failed")
		s.finishTransfer(t, stateFailed, FileTransferFailed{OfferID: t.id, Kind: KindFileSystem})
		return
	}
	os.Remove(stagingPath)

	// Final ack rides its own reverse unidirectional stream.
	s.mu.Lock()
	lastSeq := uint32(0)
	if t.bytes > 0 {
		lastSeq = t.lastSeq()
	}
	s.mu.Unlock()
	if ackStream, err := sess.conn.OpenUniStreamSync(sess.ctx); err == nil {
		sess.codec.WriteMessage(ackStream, protocol.Ack{OfferID: t.id, SequenceAcked: lastSeq})
		ackStream.Close()
	}

	s.finishTransfer(t, stateCompleted, FileTransferCompleted{OfferID: t.id, Path: t.targetPath})
	s.appendHistory(sess.remoteHandle, history.Entry{
		TimestampMS: time.Now().UnixMilli(),
		Direction:   history.DirectionIncoming,
		PeerHandle:  sess.remoteHandle,
		Kind:        history.KindFileNotice,
		Payload:     []byte(t.meta.Name),
	})
}

// drainChunks reads sequenced chunks into the staging file, verifying the
// running digest. Returns the failure kind when the transfer must abort.
func (s *Service) drainChunks(sess *session, stream *quic.ReceiveStream, t *transfer, staged *os.File) (ErrKind, bool) {
	hasher := sha256.New()
	var throttle progressThrottle
	var received int64
	var nextSeq uint32

	for {
		select {
		case <-sess.ctx.Done():
			return KindCancelled, false
		default:
		}
		m, err := sess.codec.ReadMessage(stream)
		if err != nil {
			return KindTransport, false
		}
		chunk, ok := m.(protocol.FileChunk)
		if !ok || chunk.OfferID != t.id {
			return KindProtocol, false
		}
		if chunk.Sequence != nextSeq {
			// Out-of-order delivery cannot happen on an ordered stream
			// unless the sender is broken or hostile.
			return KindProtocol, false
		}
		nextSeq++

		if len(chunk.Payload) > 0 {
			if _, err := staged.Write(chunk.Payload); err != nil {
				return KindFileSystem, false
			}
			hasher.Write(chunk.Payload)
			received += int64(len(chunk.Payload))
			s.setTransferBytes(t, received)
			if throttle.due(received) {
				s.emit(FileTransferProgress{OfferID: t.id, BytesTransferred: received, Total: int64(t.meta.CompressedSize)})
			}
		}

		if chunk.Last {
			if received != int64(t.meta.CompressedSize) {
				return KindProtocol, false
			}
			var digest [protocol.HashSize]byte
			copy(digest[:], hasher.Sum(nil))
			if digest != t.meta.SHA256 {
				return KindIntegrity, false
			}
			s.emit(FileTransferProgress{OfferID: t.id, BytesTransferred: received, Total: int64(t.meta.CompressedSize)})
			return "", true
		}
	}
}

// lastSeq derives the final chunk sequence from the byte count.
func (t *transfer) lastSeq() uint32 {
	if t.meta.ChunkSize == 0 {
		return 0
	}
	chunks := (t.bytes + int64(t.meta.ChunkSize) - 1) / int64(t.meta.ChunkSize)
	if chunks == 0 {
		return 0
	}
	return uint32(chunks - 1)
}

// decompressInto gunzips the staged bytes into <target>.part and renames it
// over the target on success.
func decompressInto(stagingPath, targetPath string) error {
	staged, err := os.Open(stagingPath)
	if err != nil {
		return err
	}
	defer staged.Close()

	gz, err := gzip.NewReader(staged)
	if err != nil {
		return err
	}
	defer gz.Close()

	part := targetPath + ".part"
	out, err := os.Create(part)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, gz); err != nil {
		out.Close()
		os.Remove(part)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(part)
		return err
	}
	if err := os.Rename(part, targetPath); err != nil {
		os.Remove(part)
		return err
	}
	return nil
}

// --- Transfer table ---

func (s *Service) addTransfer(t *transfer) {
	s.mu.Lock()
	s.transfers[t.id] = t
	s.mu.Unlock()
}

func (s *Service) addTransferUnique(t *transfer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.transfers[t.id]; exists {
		return false
	}
	s.transfers[t.id] = t
	return true
}

func (s *Service) setTransferState(t *transfer, state transferState) {
	s.mu.Lock()
	t.state = state
	s.mu.Unlock()
}

func (s *Service) setTransferBytes(t *transfer, n int64) {
	s.mu.Lock()
	t.bytes = n
	s.mu.Unlock()
}

// finishTransfer moves a transfer to a terminal state, emits its final
// event, and drops it from the table.
func (s *Service) finishTransfer(t *transfer, state transferState, final Event) {
	s.mu.Lock()
	if t.state.terminal() {
		s.mu.Unlock()
		return
	}
	t.state = state
	delete(s.transfers, t.id)
	s.mu.Unlock()
	s.emit(final)
}

// pendingIncoming resolves an AcceptFile/DeclineFile target.
func (s *Service) pendingIncoming(id protocol.OfferID) (*transfer, *session, error) {
	s.mu.Lock()
	t, ok := s.transfers[id]
	if !ok || t.direction != incoming || t.state != stateOffered {
		s.mu.Unlock()
		return nil, nil, rejectf(KindProtocol, "no pending offer %s", hex.EncodeToString(id[:]))
	}
	sess, ok := s.sessions[t.session]
	s.mu.Unlock()
	if !ok {
		return nil, nil, rejectf(KindTransport, "session %d is gone", t.session)
	}
	return t, sess, nil
}
