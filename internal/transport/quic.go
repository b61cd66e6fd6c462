package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/ojoquinhaa/dezap/internal/config"
)

// alpn is the application protocol negotiated on every connection.
const alpn = "dezap/1"

// Transport brings up the QUIC endpoint and owns the TLS material for both
// the listener and outgoing dials.
type Transport struct {
	serverTLS *tls.Config
	clientTLS *tls.Config
	quicConf  *quic.Config
}

// New prepares TLS material per settings: a configured PEM pair, or an
// on-demand self-signed certificate with the identity handle as common name.
func New(cfg config.TLSSettings, handle string) (*Transport, error) {
	var cert tls.Certificate
	var err error
	switch cfg.Mode {
	case config.TLSModePEM:
		cert, err = tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
		if err != nil {
			return nil, fmt.Errorf("loading tls key pair: %w", err)
		}
	case config.TLSModeEphemeral:
		cert, err = selfSignedCert(handle)
		if err != nil {
			return nil, fmt.Errorf("generating tls key pair: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown tls mode %q", cfg.Mode)
	}

	clientTLS := &tls.Config{
		NextProtos: []string{alpn},
		ServerName: cfg.ServerName,
	}
	if cfg.InsecureLocal {
		clientTLS.InsecureSkipVerify = true
	} else {
		roots, err := trustStore(cfg.PinnedCerts)
		if err != nil {
			return nil, err
		}
		clientTLS.RootCAs = roots
	}

	return &Transport{
		serverTLS: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{alpn},
		},
		clientTLS: clientTLS,
		quicConf: &quic.Config{
			// Liveness is handled by application-level pings; the transport
			// idle timeout only backstops a fully wedged peer.
			MaxIdleTimeout:        90 * time.Second,
			MaxIncomingStreams:    100,
			MaxIncomingUniStreams: 100,
		},
	}, nil
}

// Listen starts the QUIC listener on the bind address.
func (t *Transport) Listen(bind string) (*quic.Listener, error) {
	listener, err := quic.ListenAddr(bind, t.serverTLS, t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", bind, err)
	}
	return listener, nil
}

// Dial connects to a peer's listener.
func (t *Transport) Dial(ctx context.Context, addr string) (*quic.Conn, error) {
	conn, err := quic.DialAddr(ctx, addr, t.clientTLS, t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return conn, nil
}

// trustStore is the system pool extended with explicitly pinned peer certs.
func trustStore(pinned []string) (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	for _, path := range pinned {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading pinned cert %s: %w", path, err)
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("pinned cert %s holds no PEM certificates", path)
		}
	}
	return pool, nil
}

// selfSignedCert generates a fresh keypair and certificate for one run.
func selfSignedCert(handle string) (tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: handle},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	return tls.X509KeyPair(certPEM, keyPEM)
}
