package discovery

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestService(t *testing.T, handle string, listenerPort int) (*Service, int) {
	t.Helper()
	// Port 0 lets the OS pick; probes are pointed at loopback so tests do
	// not need broadcast permissions.
	s, err := New(0, "127.0.0.1", handle, 1500*time.Millisecond, func() int { return listenerPort }, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, s.conn.LocalAddr().(*net.UDPAddr).Port
}

func TestPacketEncoding(t *testing.T) {
	var id [queryIDSize]byte
	copy(id[:], "abcdefgh")

	q, ok := parseQuery(encodeQuery(id, "alice"))
	if !ok {
		t.Fatal("query did not parse")
	}
	if q.id != id || q.handle != "alice" {
		t.Errorf("query = %+v", q)
	}

	r, ok := parseResponse(encodeResponse(id, 53530, "bob"))
	if !ok {
		t.Fatal("response did not parse")
	}
	if r.id != id || r.port != 53530 || r.handle != "bob" {
		t.Errorf("response = %+v", r)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	var id [queryIDSize]byte
	cases := [][]byte{
		nil,
		[]byte("XEZAP\x00garbagegarbage"),
		append([]byte("DEZAP\x00\x02"), make([]byte, 12)...), // wrong version
		encodeQuery(id, "alice")[:10],                         // truncated
		append(encodeQuery(id, "alice"), 'x'),                 // trailing byte
	}
	for _, pkt := range cases {
		if _, ok := parseQuery(pkt); ok {
			t.Errorf("parseQuery accepted % x", pkt)
		}
		if _, ok := parseResponse(pkt); ok {
			t.Errorf("parseResponse accepted % x", pkt)
		}
	}
}

func TestProbeFindsResponder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The responder advertises a fake QUIC listener on 5001.
	responder, respPort := newTestService(t, "peer-b", 5001)
	go responder.Run(ctx)

	// The prober targets the responder's socket directly.
	prober, err := New(0, "127.0.0.1", "peer-a", 1500*time.Millisecond, func() int { return 5000 }, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer prober.Close()
	prober.broadcast = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: respPort}
	go prober.Run(ctx)

	peers, err := prober.Probe(ctx)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("found %d peers, want 1: %+v", len(peers), peers)
	}
	if peers[0].Handle != "peer-b" {
		t.Errorf("handle = %q", peers[0].Handle)
	}
	if !strings.HasSuffix(peers[0].Addr, ":5001") {
		t.Errorf("addr %q does not carry the advertised listener port", peers[0].Addr)
	}
}

func TestProbeSuppressesSelf(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// One service probing itself: the looped-back query must not produce a
	// response, so the result set is empty.
	s, port := newTestService(t, "loner", 6000)
	s.broadcast = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
	go s.Run(ctx)

	peers, err := s.Probe(ctx)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if len(peers) != 0 {
		t.Errorf("self-probe found %+v", peers)
	}
}

func TestResponderIgnoresWithoutListener(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	responder, respPort := newTestService(t, "silent", 0) // no listener
	go responder.Run(ctx)

	prober, err := New(0, "127.0.0.1", "asker", 700*time.Millisecond, func() int { return 0 }, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer prober.Close()
	prober.broadcast = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: respPort}
	go prober.Run(ctx)

	peers, err := prober.Probe(ctx)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if len(peers) != 0 {
		t.Errorf("responder without listener answered: %+v", peers)
	}
}
