package transport

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/ojoquinhaa/dezap/internal/config"
)

func testTLS(insecure bool) config.TLSSettings {
	return config.TLSSettings{Mode: config.TLSModeEphemeral, InsecureLocal: insecure}
}

func TestQUICConnection(t *testing.T) {
	server, err := New(testTLS(false), "server")
	if err != nil {
		t.Fatalf("New server: %v", err)
	}
	client, err := New(testTLS(true), "client")
	if err != nil {
		t.Fatalf("New client: %v", err)
	}

	listener, err := server.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer listener.Close()

	done := make(chan struct{})

	// Accept Loop
	go func() {
		defer close(done)
		conn, err := listener.Accept(context.Background())
		if err != nil {
			t.Errorf("Accept error: %v", err)
			return
		}
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			t.Errorf("AcceptStream error: %v", err)
			return
		}
		buf := make([]byte, 5)
		if _, err := io.ReadFull(stream, buf); err != nil {
			t.Errorf("ReadFull error: %v", err)
			return
		}
		if string(buf) != "HELLO" {
			t.Errorf("Expected HELLO, got %s", buf)
		}
		stream.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, err := client.Dial(ctx, listener.Addr().String())
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.CloseWithError(0, "test done")

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.Fatalf("OpenStreamSync error: %v", err)
	}
	if _, err := stream.Write([]byte("HELLO")); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	stream.Close()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Test timed out")
	}
}

func TestDialRejectsUnverifiedCert(t *testing.T) {
	server, err := New(testTLS(false), "server")
	if err != nil {
		t.Fatal(err)
	}
	// insecure_local off and nothing pinned: the self-signed cert must be
	// rejected.
	client, err := New(testTLS(false), "client")
	if err != nil {
		t.Fatal(err)
	}

	listener, err := server.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := client.Dial(ctx, listener.Addr().String()); err == nil {
		t.Error("dial succeeded against an unverifiable certificate")
	}
}

func TestPEMModeRequiresFiles(t *testing.T) {
	_, err := New(config.TLSSettings{Mode: config.TLSModePEM, Cert: "/nonexistent.crt", Key: "/nonexistent.key"}, "x")
	if err == nil {
		t.Error("missing PEM files accepted")
	}
}
