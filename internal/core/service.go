package core

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"github.com/ojoquinhaa/dezap/internal/config"
	"github.com/ojoquinhaa/dezap/internal/discovery"
	"github.com/ojoquinhaa/dezap/internal/history"
	"github.com/ojoquinhaa/dezap/internal/peers"
	"github.com/ojoquinhaa/dezap/internal/transport"
	"github.com/ojoquinhaa/dezap/pkg/protocol"
)

// Service is the long-lived networking core. Collaborators push commands in
// through Submit and consume the event stream; everything else happens on
// background tasks.
type Service struct {
	settings config.Settings
	log      zerolog.Logger

	tr       *transport.Transport
	registry *peers.Registry
	history  *history.Store
	disc     *discovery.Service // nil when discovery is disabled

	events  chan Event
	cmds    chan submission
	stopped chan struct{}

	mu             sync.Mutex
	sessions       map[SessionID]*session
	transfers      map[protocol.OfferID]*transfer
	listener       *quic.Listener
	listenerCancel context.CancelFunc

	nextSession atomic.Uint64
	runCtx      context.Context
	wg          sync.WaitGroup
}

type submission struct {
	cmd   Command
	reply chan error
}

// New wires the core from an immutable settings record. The discovery socket
// is bound here when enabled; the QUIC listener waits for a Listen command.
func New(settings config.Settings, log zerolog.Logger) (*Service, error) {
	s := &Service{
		settings:  settings,
		log:       log.With().Str("component", "core").Logger(),
		events:    make(chan Event, 256),
		cmds:      make(chan submission),
		stopped:   make(chan struct{}),
		sessions:  make(map[SessionID]*session),
		transfers: make(map[protocol.OfferID]*transfer),
	}

	tr, err := transport.New(settings.TLS, settings.Identity.Handle)
	if err != nil {
		return nil, rejectf(KindConfiguration, "%v", err)
	}
	s.tr = tr

	registry, err := peers.Open(settings.Paths.SavedPeers, log)
	if err != nil {
		return nil, rejectf(KindFileSystem, "%v", err)
	}
	s.registry = registry

	store, err := history.Open(settings.Paths.HistoryDir, log)
	if err != nil {
		return nil, rejectf(KindFileSystem, "%v", err)
	}
	s.history = store

	if settings.Discovery.Enabled {
		disc, err := discovery.New(
			settings.Discovery.Port,
			settings.Discovery.BroadcastAddr,
			settings.Identity.Handle,
			time.Duration(settings.Discovery.ResponseTTLMS)*time.Millisecond,
			s.listenerPort,
			log,
		)
		if err != nil {
			return nil, rejectf(KindConfiguration, "%v", err)
		}
		s.disc = disc
	}

	return s, nil
}

// Events is the serialized event stream. Events stop flowing once Run
// returns; the channel is never closed.
func (s *Service) Events() <-chan Event {
	return s.events
}

// History exposes the encrypted history store to collaborators.
func (s *Service) History() *history.Store {
	return s.history
}

// SavedPeers lists the persisted peer registry.
func (s *Service) SavedPeers() []peers.SavedPeer {
	return s.registry.All()
}

// Submit pushes one command into the service and returns its immediate
// accepted/rejected acknowledgment.
func (s *Service) Submit(cmd Command) error {
	sub := submission{cmd: cmd, reply: make(chan error, 1)}
	select {
	case s.cmds <- sub:
		return <-sub.reply
	case <-s.stopped:
		return rejectf(KindCancelled, "service stopped")
	}
}

// Run executes the command loop until ctx is cancelled or Shutdown arrives.
func (s *Service) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.runCtx = runCtx

	if s.disc != nil {
		go s.disc.Run(runCtx)
	}
	s.log.Info().Str("handle", s.settings.Identity.Handle).Msg("service running")

	for {
		select {
		case <-ctx.Done():
			s.teardown(cancel)
			return ctx.Err()
		case sub := <-s.cmds:
			err := s.handleCommand(sub.cmd)
			if _, isShutdown := sub.cmd.(Shutdown); isShutdown {
				s.teardown(cancel)
				sub.reply <- err
				return nil
			}
			sub.reply <- err
		}
	}
}

// handleCommand validates and dispatches one command. Handlers either finish
// quickly or spawn a task; the returned error is the rejection ack.
func (s *Service) handleCommand(cmd Command) error {
	switch c := cmd.(type) {
	case Listen:
		return s.startListener(c)
	case StopListener:
		return s.stopListener()
	case Connect:
		return s.startConnect(c)
	case Disconnect:
		sess, err := s.lookupSession(c.Session)
		if err != nil {
			return err
		}
		go sess.close(KindGraceful, "disconnect requested")
		return nil
	case SendText:
		if c.Body == "" {
			return rejectf(KindConfiguration, "empty message")
		}
		sess, err := s.lookupSession(c.Session)
		if err != nil {
			return err
		}
		return sess.sendText(c.Body)
	case SendFile:
		sess, err := s.lookupSession(c.Session)
		if err != nil {
			return err
		}
		return s.startSendFile(sess, c.Path)
	case AcceptFile:
		return s.acceptFile(c.OfferID, c.TargetPath)
	case DeclineFile:
		return s.declineFile(c.OfferID)
	case Discover:
		return s.startDiscover()
	case Shutdown:
		return nil
	}
	return rejectf(KindInternal, "unknown command %T", cmd)
}

func (s *Service) startListener(c Listen) error {
	s.mu.Lock()
	already := s.listener != nil
	s.mu.Unlock()
	if already {
		return rejectf(KindConfiguration, "already listening")
	}

	bind := c.Bind
	if bind == "" {
		bind = s.settings.Listen.Bind
	}
	password := c.Password
	if password == "" {
		password = s.settings.Listen.Password
	}

	ln, err := s.tr.Listen(bind)
	if err != nil {
		return rejectf(KindTransport, "%v", err)
	}

	actx, acancel := context.WithCancel(s.runCtx)
	s.mu.Lock()
	s.listener = ln
	s.listenerCancel = acancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(actx, ln, password)

	s.emit(ListenerStarted{Addr: ln.Addr().String()})
	s.log.Info().Str("addr", ln.Addr().String()).Msg("listener started")
	return nil
}

func (s *Service) stopListener() error {
	s.mu.Lock()
	ln := s.listener
	cancel := s.listenerCancel
	s.listener = nil
	s.listenerCancel = nil
	s.mu.Unlock()
	if ln == nil {
		return rejectf(KindConfiguration, "not listening")
	}
	cancel()
	ln.Close()
	s.emit(ListenerStopped{})
	return nil
}

// acceptLoop runs per listener: accept, handshake in a task, register.
func (s *Service) acceptLoop(ctx context.Context, ln *quic.Listener, password string) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			return // listener closed or ctx cancelled
		}
		s.wg.Add(1)
		go func(conn *quic.Conn) {
			defer s.wg.Done()
			sess, err := s.handshakeAcceptor(ctx, conn, password)
			if err != nil {
				// The remote never becomes a session; no Connected event.
				s.log.Warn().Err(err).Str("peer_addr", conn.RemoteAddr().String()).Msg("inbound handshake failed")
				sess.cancel()
				conn.CloseWithError(closeCode(kindOf(err)), "handshake failed")
				return
			}
			s.registerSession(sess)
		}(conn)
	}
}

func (s *Service) startConnect(c Connect) error {
	if c.Addr == "" {
		return rejectf(KindConfiguration, "no peer address")
	}
	password := c.Password
	if password == "" {
		password = s.settings.Peer.Password
	}

	s.emit(Connecting{Addr: c.Addr})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		dctx, cancel := context.WithTimeout(s.runCtx, handshakeTimeout)
		defer cancel()

		conn, err := s.tr.Dial(dctx, c.Addr)
		if err != nil {
			s.log.Warn().Err(err).Str("addr", c.Addr).Msg("dial failed")
			s.emit(Error{Kind: KindTransport, Detail: err.Error()})
			return
		}
		sess, err := s.handshakeInitiator(s.runCtx, conn, password)
		if err != nil {
			kind := kindOf(err)
			sess.cancel()
			conn.CloseWithError(closeCode(kind), "handshake failed")
			s.emit(Disconnected{Session: sess.id, Reason: kind, Detail: err.Error()})
			return
		}
		s.registerSession(sess)
	}()
	return nil
}

func (s *Service) startDiscover() error {
	if s.disc == nil {
		return rejectf(KindConfiguration, "discovery is disabled")
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		found, err := s.disc.Probe(s.runCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			// Discovery errors are logged and swallowed.
			s.log.Warn().Err(err).Msg("discovery probe failed")
		}
		s.emit(DiscoveredPeers{Peers: found})
	}()
	return nil
}

// registerSession adds a handshaken session, refreshes the saved-peer
// registry, and launches the receive tasks.
func (s *Service) registerSession(sess *session) {
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	if err := s.registry.Upsert(sess.remoteHandle, sess.remoteAddr, time.Now()); err != nil {
		s.log.Error().Err(err).Msg("saving peer failed")
		s.emit(Error{Kind: KindFileSystem, Detail: err.Error()})
	}

	sess.log.Info().Str("handle", sess.remoteHandle).Msg("session established")
	s.emit(Connected{Session: sess.id, Handle: sess.remoteHandle, Addr: sess.remoteAddr})
	sess.start()
}

// dropSession runs once per session teardown: cancel its transfers and
// report the disconnect.
func (s *Service) dropSession(sess *session, kind ErrKind, detail string) {
	s.mu.Lock()
	_, known := s.sessions[sess.id]
	delete(s.sessions, sess.id)
	var orphaned []*transfer
	for _, t := range s.transfers {
		if t.session == sess.id && !t.state.terminal() {
			orphaned = append(orphaned, t)
		}
	}
	s.mu.Unlock()

	for _, t := range orphaned {
		s.finishTransfer(t, stateCancelled, FileTransferFailed{OfferID: t.id, Kind: KindCancelled})
	}
	if known {
		s.emit(Disconnected{Session: sess.id, Reason: kind, Detail: detail})
	}
}

func (s *Service) lookupSession(id SessionID) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, rejectf(KindConfiguration, "unknown session %d", id)
	}
	return sess, nil
}

// listenerPort reports the bound QUIC port to discovery; 0 when not
// listening.
func (s *Service) listenerPort() int {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return 0
	}
	if addr, ok := ln.Addr().(*net.UDPAddr); ok {
		return addr.Port
	}
	return 0
}

// emit commits one event to the stream. Blocks when the consumer lags so
// ordering is preserved end to end; teardown unblocks stuck emitters.
func (s *Service) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.stopped:
	}
}

// appendHistory records one entry, reporting filesystem trouble without
// touching the session.
func (s *Service) appendHistory(handle string, e history.Entry) {
	if err := s.history.Append(handle, e); err != nil {
		s.log.Error().Err(err).Str("peer", handle).Msg("history append failed")
		s.emit(Error{Kind: KindFileSystem, Detail: err.Error()})
	}
}

// teardown closes everything in dependency order: listener first so no new
// sessions form, then sessions, then discovery via context cancel.
func (s *Service) teardown(cancel context.CancelFunc) {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, sess := range sessions {
		sess.close(KindGraceful, "service shutting down")
	}
	cancel()
	if s.disc != nil {
		s.disc.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		s.log.Warn().Msg("tasks still draining at shutdown")
	}
	close(s.stopped)
	s.log.Info().Msg("service stopped")
}

// kindOf extracts the error kind from a handshake failure. A peer that
// denies and closes in one breath may surface either as a Denied frame or as
// the connection close code; both map to the same kind.
func kindOf(err error) ErrKind {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	kind, _ := classifyStreamError(err)
	if kind == KindTransport {
		return KindHandshake
	}
	return kind
}
