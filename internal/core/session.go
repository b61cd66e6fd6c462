package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"github.com/ojoquinhaa/dezap/internal/crypto"
	"github.com/ojoquinhaa/dezap/internal/history"
	"github.com/ojoquinhaa/dezap/pkg/protocol"
)

const (
	handshakeTimeout = 10 * time.Second
	offerTimeout     = 120 * time.Second
	pingInterval     = 15 * time.Second
	missedPingLimit  = 3
	drainWindow      = 500 * time.Millisecond
)

// Application error codes on QUIC connection close.
const (
	codeGraceful  quic.ApplicationErrorCode = 0
	codeCancelled quic.ApplicationErrorCode = 1
	codeProtocol  quic.ApplicationErrorCode = 2
	codeCrypto    quic.ApplicationErrorCode = 3
	codeDenied    quic.ApplicationErrorCode = 4
	codeTimeout   quic.ApplicationErrorCode = 5
)

func closeCode(kind ErrKind) quic.ApplicationErrorCode {
	switch kind {
	case KindGraceful:
		return codeGraceful
	case KindCancelled:
		return codeCancelled
	case KindProtocol, KindIntegrity:
		return codeProtocol
	case KindCrypto:
		return codeCrypto
	case KindDenied:
		return codeDenied
	case KindTimeout:
		return codeTimeout
	}
	return codeProtocol
}

// session is the per-peer connection state. Chat is usable only once the
// handshake has completed and the AEAD key is derived; the constructor
// functions return only fully handshaken sessions.
type session struct {
	id           SessionID
	svc          *Service
	conn         *quic.Conn
	role         crypto.Role
	remoteAddr   string
	remoteHandle string

	codec  protocol.Codec
	cipher *crypto.Cipher // nil when encryption is disabled by settings
	nonces *crypto.NonceCounter
	guard  *crypto.NonceGuard

	control *quic.Stream
	chat    *quic.Stream

	// Write locks per stream. The nonce counter is advanced under chatMu so
	// counter order matches frame order on the wire.
	controlMu sync.Mutex
	chatMu    sync.Mutex

	established time.Time
	lastRecv    atomic.Int64 // unix nanos of the last received frame

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	log       zerolog.Logger
}

// handshakeInitiator drives the dialing side: open the control stream, wait
// for the acceptor's challenge, prove the password if demanded, exchange
// Hello frames, derive the key, then open the chat stream.
func (s *Service) handshakeInitiator(ctx context.Context, conn *quic.Conn, password string) (*session, error) {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	sess := s.newSession(conn, crypto.RoleInitiator)

	control, err := conn.OpenStreamSync(hctx)
	if err != nil {
		return sess, fmt.Errorf("opening control stream: %w", err)
	}
	sess.control = control

	// The acceptor cannot see the stream until something is written on it.
	// An opening ping makes it visible; the challenge comes back on it.
	if err := sess.writeControl(protocol.Info{Kind: protocol.InfoPing, Detail: "control"}); err != nil {
		return sess, fmt.Errorf("announcing control stream: %w", err)
	}

	challenge, err := readControl[protocol.Challenge](hctx, sess)
	if err != nil {
		return sess, fmt.Errorf("awaiting challenge: %w", err)
	}

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return sess, err
	}

	hello := protocol.Hello{Handle: s.settings.Identity.Handle, PublicKey: kp.Public}
	if len(challenge.Salt) > 0 {
		hello.PasswordProof = crypto.PasswordProof(password, challenge.Salt, kp.Public)
	}
	if err := sess.writeControl(hello); err != nil {
		return sess, fmt.Errorf("sending hello: %w", err)
	}

	reply, err := readControlAny(hctx, sess)
	if err != nil {
		return sess, fmt.Errorf("awaiting hello: %w", err)
	}
	var peerHello protocol.Hello
	switch v := reply.(type) {
	case protocol.Hello:
		peerHello = v
	case protocol.Denied:
		return sess, rejectf(KindDenied, "peer denied handshake: %s", v.Reason)
	default:
		return sess, rejectf(KindProtocol, "unexpected %T during handshake", reply)
	}

	if err := sess.finishHandshake(kp, peerHello); err != nil {
		return sess, err
	}

	chat, err := conn.OpenStreamSync(hctx)
	if err != nil {
		return sess, fmt.Errorf("opening chat stream: %w", err)
	}
	sess.chat = chat
	// Same visibility trick: an empty chat frame opens the stream on the
	// acceptor side. Empty plaintext is never surfaced as a message.
	if err := sess.writeChatMarker(); err != nil {
		return sess, fmt.Errorf("announcing chat stream: %w", err)
	}

	return sess, nil
}

// handshakeAcceptor drives the listening side: accept the control stream,
// issue the challenge (empty salt when no password is configured), verify
// the proof, answer with our own Hello, then accept the chat stream.
func (s *Service) handshakeAcceptor(ctx context.Context, conn *quic.Conn, password string) (*session, error) {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	sess := s.newSession(conn, crypto.RoleAcceptor)

	control, err := conn.AcceptStream(hctx)
	if err != nil {
		return sess, fmt.Errorf("accepting control stream: %w", err)
	}
	sess.control = control

	// Swallow the initiator's opening ping.
	if _, err := readControl[protocol.Info](hctx, sess); err != nil {
		return sess, fmt.Errorf("awaiting stream announcement: %w", err)
	}

	var salt []byte
	if password != "" {
		if salt, err = crypto.NewSalt(); err != nil {
			return sess, err
		}
	}
	if err := sess.writeControl(protocol.Challenge{Salt: salt}); err != nil {
		return sess, fmt.Errorf("sending challenge: %w", err)
	}

	peerHello, err := readControl[protocol.Hello](hctx, sess)
	if err != nil {
		return sess, fmt.Errorf("awaiting hello: %w", err)
	}

	if password != "" && !crypto.VerifyProof(password, salt, peerHello.PublicKey, peerHello.PasswordProof) {
		sess.writeControl(protocol.Denied{Reason: protocol.DeniedBadPassword})
		conn.CloseWithError(codeDenied, "bad password")
		return sess, rejectf(KindDenied, "bad password from %s", sess.remoteAddr)
	}

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return sess, err
	}
	if err := sess.writeControl(protocol.Hello{Handle: s.settings.Identity.Handle, PublicKey: kp.Public}); err != nil {
		return sess, fmt.Errorf("sending hello: %w", err)
	}

	if err := sess.finishHandshake(kp, peerHello); err != nil {
		return sess, err
	}

	chat, err := conn.AcceptStream(hctx)
	if err != nil {
		return sess, fmt.Errorf("accepting chat stream: %w", err)
	}
	sess.chat = chat

	return sess, nil
}

func (s *Service) newSession(conn *quic.Conn, role crypto.Role) *session {
	id := SessionID(s.nextSession.Add(1))
	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		id:         id,
		svc:        s,
		conn:       conn,
		role:       role,
		remoteAddr: conn.RemoteAddr().String(),
		codec:      protocol.Codec{MaxChatBytes: s.settings.Limits.MaxMessageBytes},
		ctx:        ctx,
		cancel:     cancel,
		log: s.log.With().
			Uint64("session_id", uint64(id)).
			Str("role", role.String()).
			Str("peer_addr", conn.RemoteAddr().String()).
			Logger(),
	}
	sess.lastRecv.Store(time.Now().UnixNano())
	return sess
}

// finishHandshake derives the AEAD key, records the remote handle, and arms
// the nonce machinery.
func (sess *session) finishHandshake(kp *crypto.KeyPair, peerHello protocol.Hello) error {
	sess.remoteHandle = peerHello.Handle
	sess.established = time.Now()

	if sess.svc.settings.Limits.DisableEncryption {
		return nil
	}

	key, err := kp.SessionKey(peerHello.PublicKey)
	if err != nil {
		return rejectf(KindHandshake, "key agreement failed: %v", err)
	}
	cipher, err := crypto.NewCipher(key)
	if err != nil {
		return err
	}
	sess.cipher = cipher
	sess.nonces = crypto.NewNonceCounter(sess.role)
	sess.guard = crypto.NewNonceGuard(sess.role.Opposite())
	return nil
}

// start launches the per-session receive tasks once the service has
// registered the session.
func (sess *session) start() {
	go sess.controlLoop()
	go sess.chatLoop()
	go sess.uniStreamLoop()
	go sess.pingLoop()
}

// writeControl frames one control message on the control stream.
func (sess *session) writeControl(m protocol.ControlMessage) error {
	sess.controlMu.Lock()
	defer sess.controlMu.Unlock()
	return sess.codec.WriteMessage(sess.control, protocol.Control{Message: m})
}

// writeChatMarker sends an empty chat payload to make the stream visible to
// the acceptor. Costs one nonce under encryption.
func (sess *session) writeChatMarker() error {
	if sess.cipher == nil {
		return sess.writeChatFrame(protocol.Text{})
	}
	sess.chatMu.Lock()
	defer sess.chatMu.Unlock()
	nonce, err := sess.nonces.Next()
	if err != nil {
		return err
	}
	return sess.codec.WriteMessage(sess.chat, protocol.Ciphertext{Nonce: nonce, Payload: sess.cipher.Seal(nonce, nil)})
}

func (sess *session) writeChatFrame(m protocol.WireMessage) error {
	sess.chatMu.Lock()
	defer sess.chatMu.Unlock()
	return sess.codec.WriteMessage(sess.chat, m)
}

// sendText seals and sends one chat message, then records it in history.
// The size gate applies to the plaintext, before sealing.
func (sess *session) sendText(body string) error {
	if len(body) > sess.svc.settings.Limits.MaxMessageBytes {
		return rejectf(KindTooLarge, "message is %d bytes, cap is %d", len(body), sess.svc.settings.Limits.MaxMessageBytes)
	}

	if sess.cipher == nil {
		if err := sess.writeChatFrame(protocol.Text{Body: []byte(body)}); err != nil {
			return rejectf(KindTransport, "sending message: %v", err)
		}
	} else {
		sess.chatMu.Lock()
		nonce, err := sess.nonces.Next()
		if err != nil {
			sess.chatMu.Unlock()
			sess.close(KindCrypto, err.Error())
			return rejectf(KindCrypto, "%v", err)
		}
		sealed := sess.cipher.Seal(nonce, []byte(body))
		err = sess.codec.WriteMessage(sess.chat, protocol.Ciphertext{Nonce: nonce, Payload: sealed})
		sess.chatMu.Unlock()
		if err != nil {
			return rejectf(KindTransport, "sending message: %v", err)
		}
	}

	sess.svc.appendHistory(sess.remoteHandle, history.Entry{
		TimestampMS: time.Now().UnixMilli(),
		Direction:   history.DirectionOutgoing,
		PeerHandle:  sess.remoteHandle,
		Kind:        history.KindText,
		Payload:     []byte(body),
	})
	return nil
}

// controlLoop demultiplexes the long-lived control stream.
func (sess *session) controlLoop() {
	for {
		m, err := sess.codec.ReadMessage(sess.control)
		if err != nil {
			sess.close(classifyStreamError(err))
			return
		}
		sess.lastRecv.Store(time.Now().UnixNano())

		ctl, ok := m.(protocol.Control)
		if !ok {
			sess.close(KindProtocol, fmt.Sprintf("%T on control stream", m))
			return
		}

		switch c := ctl.Message.(type) {
		case protocol.Info:
			if c.Kind == protocol.InfoBye {
				sess.close(KindGraceful, "peer closed the session")
				return
			}
			// Ping: receipt alone refreshes liveness.
		case protocol.FileOffer:
			sess.svc.handleFileOffer(sess, c)
		case protocol.FileAccept:
			sess.svc.resolveOffer(sess, c.OfferID, nil)
		case protocol.FileReject:
			sess.svc.resolveOffer(sess, c.OfferID, &c)
		case protocol.Denied:
			sess.close(KindDenied, c.Reason.String())
			return
		default:
			// Hello or Challenge after the handshake is a protocol breach.
			sess.close(KindProtocol, fmt.Sprintf("unexpected %T after handshake", c))
			return
		}
	}
}

// chatLoop receives chat envelopes. Any integrity failure closes the session
// immediately: a bad seal on an authenticated stream means tampering.
func (sess *session) chatLoop() {
	for {
		m, err := sess.codec.ReadMessage(sess.chat)
		if err != nil {
			if errors.Is(err, io.EOF) {
				// The peer finished the chat stream while closing; the
				// control stream carries the reason (Bye or close code).
				return
			}
			sess.close(classifyStreamError(err))
			return
		}
		sess.lastRecv.Store(time.Now().UnixNano())

		switch v := m.(type) {
		case protocol.Ciphertext:
			if sess.cipher == nil {
				sess.close(KindProtocol, "ciphertext while encryption is disabled")
				return
			}
			if err := sess.guard.Check(v.Nonce); err != nil {
				sess.svc.emit(MessageFailed{Session: sess.id, Kind: KindCrypto})
				sess.close(KindCrypto, err.Error())
				return
			}
			plain, err := sess.cipher.Open(v.Nonce, v.Payload)
			if err != nil {
				sess.svc.emit(MessageFailed{Session: sess.id, Kind: KindIntegrity})
				sess.close(KindIntegrity, "chat envelope failed to open")
				return
			}
			if len(plain) == 0 {
				continue // stream-opening marker
			}
			sess.deliverMessage(string(plain))
		case protocol.Text:
			if sess.cipher != nil {
				sess.close(KindProtocol, "plaintext while encryption is enabled")
				return
			}
			if len(v.Body) == 0 {
				continue
			}
			sess.deliverMessage(string(v.Body))
		default:
			sess.close(KindProtocol, fmt.Sprintf("%T on chat stream", m))
			return
		}
	}
}

func (sess *session) deliverMessage(body string) {
	now := time.Now()
	sess.svc.emit(MessageReceived{Session: sess.id, Body: body, Timestamp: now})
	sess.svc.appendHistory(sess.remoteHandle, history.Entry{
		TimestampMS: now.UnixMilli(),
		Direction:   history.DirectionIncoming,
		PeerHandle:  sess.remoteHandle,
		Kind:        history.KindText,
		Payload:     []byte(body),
	})
}

// uniStreamLoop accepts incoming unidirectional streams: file data streams
// and transfer ack streams, both self-identified by their first frame.
func (sess *session) uniStreamLoop() {
	for {
		stream, err := sess.conn.AcceptUniStream(sess.ctx)
		if err != nil {
			return // session closing
		}
		go sess.svc.handleUniStream(sess, stream)
	}
}

// pingLoop sends keepalives and tears the session down after three silent
// intervals.
func (sess *session) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sess.ctx.Done():
			return
		case <-ticker.C:
			silent := time.Since(time.Unix(0, sess.lastRecv.Load()))
			if silent > missedPingLimit*pingInterval {
				sess.close(KindTimeout, fmt.Sprintf("peer silent for %s", silent.Round(time.Second)))
				return
			}
			if err := sess.writeControl(protocol.Info{Kind: protocol.InfoPing}); err != nil {
				sess.close(classifyStreamError(err))
				return
			}
		}
	}
}

// close tears the session down exactly once: best-effort Bye on graceful
// close, a bounded drain for in-flight writes, then the QUIC close with the
// matching application error code.
func (sess *session) close(kind ErrKind, detail string) {
	sess.closeOnce.Do(func() {
		if kind == KindGraceful {
			sess.writeControl(protocol.Info{Kind: protocol.InfoBye})
		}
		sess.cancel()

		// Drain: wait for writers currently holding a stream lock, bounded
		// by the drain window.
		drained := make(chan struct{})
		go func() {
			sess.chatMu.Lock()
			sess.controlMu.Lock()
			close(drained)
			sess.controlMu.Unlock()
			sess.chatMu.Unlock()
		}()
		select {
		case <-drained:
			// FIN both streams so buffered frames flush ahead of the
			// connection close.
			if sess.chat != nil {
				sess.chat.Close()
			}
			if sess.control != nil {
				sess.control.Close()
			}
			time.Sleep(drainWindow / 5)
		case <-time.After(drainWindow):
		}

		sess.conn.CloseWithError(closeCode(kind), detail)
		sess.log.Info().Str("reason", string(kind)).Str("detail", detail).Msg("session closed")
		sess.svc.dropSession(sess, kind, detail)
	})
}

// readControlAny reads one control message during the handshake, bounded by
// the handshake context.
func readControlAny(ctx context.Context, sess *session) (protocol.ControlMessage, error) {
	type result struct {
		m   protocol.WireMessage
		err error
	}
	ch := make(chan result, 1)
	go func() {
		m, err := sess.codec.ReadMessage(sess.control)
		ch <- result{m, err}
	}()
	select {
	case <-ctx.Done():
		return nil, rejectf(KindTimeout, "handshake timed out")
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		ctl, ok := r.m.(protocol.Control)
		if !ok {
			return nil, rejectf(KindProtocol, "%T during handshake", r.m)
		}
		return ctl.Message, nil
	}
}

func readControl[T protocol.ControlMessage](ctx context.Context, sess *session) (T, error) {
	var zero T
	m, err := readControlAny(ctx, sess)
	if err != nil {
		return zero, err
	}
	v, ok := m.(T)
	if !ok {
		return zero, rejectf(KindProtocol, "expected %T, got %T", zero, m)
	}
	return v, nil
}

// classifyStreamError maps a stream read/write failure to the kind reported
// in the Disconnected event.
func classifyStreamError(err error) (ErrKind, string) {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		switch appErr.ErrorCode {
		case codeGraceful:
			return KindGraceful, "peer closed the connection"
		case codeCancelled:
			return KindCancelled, "peer cancelled"
		case codeDenied:
			return KindDenied, appErr.ErrorMessage
		case codeCrypto:
			return KindCrypto, appErr.ErrorMessage
		case codeTimeout:
			return KindTimeout, appErr.ErrorMessage
		default:
			return KindProtocol, appErr.ErrorMessage
		}
	}
	if errors.Is(err, protocol.ErrUnknownTag) || errors.Is(err, protocol.ErrTruncated) ||
		errors.Is(err, protocol.ErrTrailing) || errors.Is(err, protocol.ErrMalformed) ||
		errors.Is(err, protocol.ErrTooLarge) {
		return KindProtocol, err.Error()
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled, "session cancelled"
	}
	var idleErr *quic.IdleTimeoutError
	if errors.As(err, &idleErr) {
		return KindTimeout, "transport idle timeout"
	}
	return KindTransport, err.Error()
}
