// Package discovery implements LAN peer discovery over UDP broadcast. One
// socket serves two concurrent roles: a responder answering queries from
// other nodes, and a prober broadcasting queries and aggregating responses.
package discovery

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

const (
	// Version is the discovery protocol version. Packets with any other
	// version are dropped.
	Version = 1

	queryIDSize   = 8
	maxHandleLen  = 255
	maxPacketSize = 512

	// recentTTL bounds how long a sent query id suppresses self-responses.
	recentTTL = 10 * time.Second
)

var magic = []byte("DEZAP\x00")

// Peer is one discovered node: its handle and the address its QUIC listener
// answers on.
type Peer struct {
	Handle string
	Addr   string
}

// Service owns the discovery socket.
type Service struct {
	conn      *net.UDPConn
	broadcast *net.UDPAddr
	handle    string
	ttl       time.Duration
	log       zerolog.Logger

	// listenerPort reports the current QUIC listener port, 0 when not
	// listening. Queries are not answered while there is nothing to dial.
	listenerPort func() int

	mu        sync.Mutex
	recent    map[[queryIDSize]byte]time.Time
	active    *probe
	lastQuery []byte
}

type probe struct {
	id [queryIDSize]byte
	ch chan Peer
}

// New binds the discovery socket on port and prepares both roles.
// broadcastAddr is where probes are sent; the config default is the limited
// broadcast address, tests point it at loopback.
func New(port int, broadcastAddr, handle string, ttl time.Duration, listenerPort func() int, log zerolog.Logger) (*Service, error) {
	bcast, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(broadcastAddr, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("resolving broadcast address: %w", err)
	}

	lc := net.ListenConfig{Control: enableBroadcast}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("binding discovery socket: %w", err)
	}

	return &Service{
		conn:         pc.(*net.UDPConn),
		broadcast:    bcast,
		handle:       handle,
		ttl:          ttl,
		log:          log.With().Str("component", "discovery").Logger(),
		listenerPort: listenerPort,
		recent:       make(map[[queryIDSize]byte]time.Time),
	}, nil
}

// enableBroadcast sets SO_BROADCAST so probes can target the broadcast
// address.
func enableBroadcast(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// Run reads packets until ctx is cancelled. Responder and prober share this
// single read loop; response packets are routed to the active probe.
func (s *Service) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	buf := make([]byte, maxPacketSize)
	for {
		n, sender, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Debug().Err(err).Msg("discovery read failed")
			// Brief pause so a persistent socket error cannot spin the loop.
			time.Sleep(50 * time.Millisecond)
			continue
		}
		s.handlePacket(buf[:n], sender)
	}
}

func (s *Service) handlePacket(pkt []byte, sender *net.UDPAddr) {
	if s.isOwnQuery(pkt) {
		return // our broadcast looped back
	}
	// The two packet layouts share no type byte, so a response is matched
	// against the active probe before the query interpretation is tried.
	if r, ok := parseResponse(pkt); ok && s.deliverResponse(r, sender) {
		return
	}
	if q, ok := parseQuery(pkt); ok {
		s.handleQuery(q, sender)
	}
	// Invalid packets are dropped silently.
}

func (s *Service) handleQuery(q query, sender *net.UDPAddr) {
	if s.recentlySent(q.id) {
		return
	}
	port := s.listenerPort()
	if port <= 0 || port > 65535 {
		return // nothing to advertise
	}
	resp := encodeResponse(q.id, uint16(port), s.handle)
	if _, err := s.conn.WriteToUDP(resp, sender); err != nil {
		s.log.Debug().Err(err).Str("to", sender.String()).Msg("discovery response failed")
	}
}

// deliverResponse hands a response to the active probe. Returns false when no
// probe is waiting or the query id does not match.
func (s *Service) deliverResponse(r response, sender *net.UDPAddr) bool {
	s.mu.Lock()
	p := s.active
	s.mu.Unlock()
	if p == nil || p.id != r.id {
		return false
	}
	addr := net.JoinHostPort(sender.IP.String(), strconv.Itoa(int(r.port)))
	select {
	case p.ch <- Peer{Handle: r.handle, Addr: addr}:
	default:
	}
	return true
}

// Probe broadcasts one query and aggregates unique (handle, addr) pairs for
// the configured response window. It returns at window expiry; ctx cancels
// early.
func (s *Service) Probe(ctx context.Context) ([]Peer, error) {
	var id [queryIDSize]byte
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return nil, err
	}
	pkt := encodeQuery(id, s.handle)

	p := &probe{id: id, ch: make(chan Peer, 64)}
	s.mu.Lock()
	s.recent[id] = time.Now()
	s.pruneRecentLocked()
	s.active = p
	s.lastQuery = pkt
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active = nil
		s.mu.Unlock()
	}()

	if _, err := s.conn.WriteToUDP(pkt, s.broadcast); err != nil {
		return nil, fmt.Errorf("broadcasting query: %w", err)
	}
	s.log.Debug().Str("broadcast", s.broadcast.String()).Msg("discovery probe sent")

	timer := time.NewTimer(s.ttl)
	defer timer.Stop()

	seen := make(map[string]bool)
	var peers []Peer
	for {
		select {
		case <-ctx.Done():
			return peers, ctx.Err()
		case <-timer.C:
			return peers, nil
		case peer := <-p.ch:
			key := peer.Handle + "|" + peer.Addr
			if !seen[key] {
				seen[key] = true
				peers = append(peers, peer)
			}
		}
	}
}

func (s *Service) isOwnQuery(pkt []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastQuery != nil && bytes.Equal(pkt, s.lastQuery)
}

func (s *Service) recentlySent(id [queryIDSize]byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sent, ok := s.recent[id]
	return ok && time.Since(sent) < recentTTL
}

func (s *Service) pruneRecentLocked() {
	for id, sent := range s.recent {
		if time.Since(sent) >= recentTTL {
			delete(s.recent, id)
		}
	}
}

// Close releases the socket. Run returns shortly after.
func (s *Service) Close() error {
	return s.conn.Close()
}

type query struct {
	id     [queryIDSize]byte
	handle string
}

type response struct {
	id     [queryIDSize]byte
	port   uint16
	handle string
}

// Query packet: "DEZAP\0" || version u8 || query-id 8B || handle-len u8 || handle.
func encodeQuery(id [queryIDSize]byte, handle string) []byte {
	if len(handle) > maxHandleLen {
		handle = handle[:maxHandleLen]
	}
	pkt := make([]byte, 0, len(magic)+1+queryIDSize+1+len(handle))
	pkt = append(pkt, magic...)
	pkt = append(pkt, Version)
	pkt = append(pkt, id[:]...)
	pkt = append(pkt, byte(len(handle)))
	return append(pkt, handle...)
}

// Response packet: "DEZAP\0" || version u8 || query-id 8B || listener-port u16 BE || handle-len u8 || handle.
func encodeResponse(id [queryIDSize]byte, port uint16, handle string) []byte {
	if len(handle) > maxHandleLen {
		handle = handle[:maxHandleLen]
	}
	pkt := make([]byte, 0, len(magic)+1+queryIDSize+2+1+len(handle))
	pkt = append(pkt, magic...)
	pkt = append(pkt, Version)
	pkt = append(pkt, id[:]...)
	pkt = append(pkt, byte(port>>8), byte(port))
	pkt = append(pkt, byte(len(handle)))
	return append(pkt, handle...)
}

func parseHeader(pkt []byte) ([]byte, bool) {
	if len(pkt) < len(magic)+1 || !bytes.Equal(pkt[:len(magic)], magic) {
		return nil, false
	}
	if pkt[len(magic)] != Version {
		return nil, false
	}
	return pkt[len(magic)+1:], true
}

func parseQuery(pkt []byte) (query, bool) {
	var q query
	rest, ok := parseHeader(pkt)
	if !ok || len(rest) < queryIDSize+1 {
		return q, false
	}
	copy(q.id[:], rest)
	rest = rest[queryIDSize:]
	n := int(rest[0])
	rest = rest[1:]
	if len(rest) != n {
		return q, false
	}
	q.handle = string(rest)
	return q, true
}

func parseResponse(pkt []byte) (response, bool) {
	var r response
	rest, ok := parseHeader(pkt)
	if !ok || len(rest) < queryIDSize+3 {
		return r, false
	}
	copy(r.id[:], rest)
	rest = rest[queryIDSize:]
	r.port = uint16(rest[0])<<8 | uint16(rest[1])
	n := int(rest[2])
	rest = rest[3:]
	if len(rest) != n {
		return r, false
	}
	r.handle = string(rest)
	return r, true
}
