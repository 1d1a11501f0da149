package secure

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/industrial-data-space/idscp2-go/shared"
	"github.com/industrial-data-space/idscp2-go/wire"
)

// handshakeDeadline bounds the TLS handshake on accept and dial.
const handshakeDeadline = 30 * time.Second

// ErrChannelClosed reports a send on a closed channel.
var ErrChannelClosed = errors.New("secure channel closed")

// Channel is the framed secure transport the connection state machine reads
// and writes. Receive returns io.EOF once the peer half-closes; Close is
// idempotent.
type Channel interface {
	Send(msg *wire.Message) error
	Receive() (*wire.Message, error)
	PeerCertificate() *x509.Certificate
	LocalCertificate() *x509.Certificate
	Close() error
}

// Config is the transport half of the connection settings.
type Config struct {
	KeyStore         *KeyStore
	TrustStore       *x509.CertPool
	CertificateAlias string
	KeyType          string // KeyTypeRSA or KeyTypeEC; empty accepts either
	CipherSuites     []uint16
	ServerName       string // optional SNI
	// StrictIssuerMatch requires the selected alias's issuer to appear in the
	// peer's advertised CA list. Defaults to permissive.
	StrictIssuerMatch bool
	MaxFrameBytes     int
	Logger            *shared.Logger
}

// LocalCertificate resolves the configured alias to its leaf certificate.
func (c *Config) LocalCertificate() (*x509.Certificate, error) {
	if c.KeyStore == nil {
		return nil, errors.New("no key store configured")
	}
	return c.KeyStore.Certificate(c.CertificateAlias)
}

// tlsConfig assembles the TLS side of the channel. Key selection always
// returns the configured alias (iff its key type matches) and peer chains
// are verified against the trust store without hostname checking.
func (c *Config) tlsConfig(server bool) (*tls.Config, error) {
	if c.KeyStore == nil {
		return nil, errors.New("no key store configured")
	}
	if c.TrustStore == nil {
		return nil, errors.New("no trust store configured")
	}

	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		CipherSuites: c.CipherSuites,
		// Verification is hostname-independent; the custom callback below
		// still enforces chain validity against the trust store.
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: c.verifyPeer,
	}

	if server {
		cfg.ClientAuth = tls.RequireAnyClientCert
		cfg.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return c.KeyStore.Select(c.CertificateAlias, c.KeyType, nil, false)
		}
	} else {
		cfg.ServerName = c.ServerName
		cfg.GetClientCertificate = func(info *tls.CertificateRequestInfo) (*tls.Certificate, error) {
			return c.KeyStore.Select(c.CertificateAlias, c.KeyType, info.AcceptableCAs, c.StrictIssuerMatch)
		}
	}
	return cfg, nil
}

// verifyPeer validates the peer chain against the trust store. Hostnames are
// deliberately not checked; identity is pinned by the DAT binding instead.
func (c *Config) verifyPeer(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return errors.New("peer presented no certificate")
	}
	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("failed to parse peer certificate: %w", err)
	}
	intermediates := x509.NewCertPool()
	for _, raw := range rawCerts[1:] {
		if cert, err := x509.ParseCertificate(raw); err == nil {
			intermediates.AddCert(cert)
		}
	}
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         c.TrustStore,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return fmt.Errorf("peer certificate verification failed: %w", err)
	}
	return nil
}

// tlsChannel is the TCP/vsock implementation of Channel.
type tlsChannel struct {
	conn      *tls.Conn
	codec     *wire.Codec
	peerCert  *x509.Certificate
	localCert *x509.Certificate

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// newTLSChannel completes the handshake on conn and captures the peer
// certificate for the connection's lifetime.
func newTLSChannel(conn *tls.Conn, cfg *Config) (Channel, error) {
	if err := conn.SetDeadline(time.Now().Add(handshakeDeadline)); err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.Handshake(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("TLS handshake failed: %w", err)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, err
	}

	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		conn.Close()
		return nil, errors.New("peer presented no certificate")
	}

	localCert, err := cfg.LocalCertificate()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &tlsChannel{
		conn:      conn,
		codec:     wire.NewCodec(cfg.MaxFrameBytes),
		peerCert:  state.PeerCertificates[0],
		localCert: localCert,
		closed:    make(chan struct{}),
	}, nil
}

func (ch *tlsChannel) Send(msg *wire.Message) error {
	select {
	case <-ch.closed:
		return ErrChannelClosed
	default:
	}
	frame, err := ch.codec.EncodeFrame(msg)
	if err != nil {
		return err
	}
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	if _, err := ch.conn.Write(frame); err != nil {
		return err
	}
	return nil
}

// Receive blocks for the next frame. A half-closed socket surfaces as
// io.EOF.
func (ch *tlsChannel) Receive() (*wire.Message, error) {
	msg, err := ch.codec.ReadFrame(ch.conn)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return nil, io.EOF
		}
		return nil, err
	}
	return msg, nil
}

func (ch *tlsChannel) PeerCertificate() *x509.Certificate {
	return ch.peerCert
}

func (ch *tlsChannel) LocalCertificate() *x509.Certificate {
	return ch.localCert
}

func (ch *tlsChannel) Close() error {
	ch.closeOnce.Do(func() {
		close(ch.closed)
		ch.closeErr = ch.conn.Close()
	})
	return ch.closeErr
}

// Dial opens a mutually authenticated TLS connection over TCP.
func Dial(addr string, cfg *Config) (Channel, error) {
	tlsCfg, err := cfg.tlsConfig(false)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialTimeout("tcp", addr, handshakeDeadline)
	if err != nil {
		return nil, err
	}
	return newTLSChannel(tls.Client(conn, tlsCfg), cfg)
}

// Listener accepts inbound secure channels over a stream listener.
type Listener struct {
	ln  net.Listener
	cfg *Config
}

// Listen binds a TLS server endpoint on a TCP address.
func Listen(addr string, cfg *Config) (*Listener, error) {
	if _, err := cfg.tlsConfig(true); err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, cfg: cfg}, nil
}

// Accept takes the next inbound connection and completes the TLS handshake.
func (l *Listener) Accept() (Channel, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	tlsCfg, err := l.cfg.tlsConfig(true)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return newTLSChannel(tls.Server(conn, tlsCfg), l.cfg)
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting. Idempotent at the net.Listener's discretion.
func (l *Listener) Close() error {
	return l.ln.Close()
}
