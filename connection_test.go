package idscp2

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/industrial-data-space/idscp2-go/secure"
)

// endToEndPKI issues TLS identities for the listener test.
type endToEndPKI struct {
	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey
	pool   *x509.CertPool
}

func newEndToEndPKI(t *testing.T) *endToEndPKI {
	t.Helper()
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate CA key: %v", err)
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "IDSCP2 E2E CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("failed to create CA certificate: %v", err)
	}
	caCert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse CA certificate: %v", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(caCert)
	return &endToEndPKI{caCert: caCert, caKey: caKey, pool: pool}
}

func (p *endToEndPKI) transportConfig(t *testing.T, cn string) *secure.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate leaf key: %v", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, p.caCert, &key.PublicKey, p.caKey)
	if err != nil {
		t.Fatalf("failed to issue certificate for %s: %v", cn, err)
	}
	ks := secure.NewKeyStore()
	if err := ks.Add("connector", tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}); err != nil {
		t.Fatalf("failed to populate key store: %v", err)
	}
	return &secure.Config{
		KeyStore:         ks,
		TrustStore:       p.pool,
		CertificateAlias: "connector",
		KeyType:          secure.KeyTypeEC,
	}
}

func TestEndToEndOverTLS(t *testing.T) {
	pki := newEndToEndPKI(t)
	provers, verifiers := dummyRegistries()

	listener, err := secure.Listen("127.0.0.1:0", pki.transportConfig(t, "server.test"))
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	serverCfg := testConfig(provers, verifiers, time.Minute)
	server := NewServer(listener, serverCfg, func(conn *Connection) {
		conn.OnMessage(func(payload []byte) {
			// Echo back through the same connection.
			_ = conn.Send(append([]byte("echo: "), payload...))
		})
	})
	go server.Serve()
	defer server.Stop()

	channel, err := secure.Dial(listener.Addr().String(), pki.transportConfig(t, "client.test"))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	client := NewConnection(channel, testConfig(provers, verifiers, time.Minute))
	received := make(chan []byte, 1)
	client.OnMessage(func(payload []byte) { received <- payload })
	client.Start()

	waitForState(t, client, StateEstablished, 5*time.Second)

	if client.PeerCertificate().Subject.CommonName != "server.test" {
		t.Errorf("client sees peer certificate %q", client.PeerCertificate().Subject.CommonName)
	}

	if err := client.Send([]byte("ping")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	select {
	case payload := <-received:
		if !bytes.Equal(payload, []byte("echo: ping")) {
			t.Fatalf("received %q, want %q", payload, "echo: ping")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("echo never arrived")
	}

	client.Close()
	waitClosed(t, client, 2*time.Second)
}

func TestServerSurvivesFailedHandshakes(t *testing.T) {
	pki := newEndToEndPKI(t)
	provers, verifiers := dummyRegistries()

	listener, err := secure.Listen("127.0.0.1:0", pki.transportConfig(t, "server.test"))
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	server := NewServer(listener, testConfig(provers, verifiers, time.Minute), nil)
	go server.Serve()
	defer server.Stop()

	// A client from an untrusted PKI fails the TLS handshake; the listener
	// keeps running.
	rogue := newEndToEndPKI(t)
	rogueCfg := rogue.transportConfig(t, "rogue.test")
	rogueCfg.TrustStore = pki.pool
	if ch, err := secure.Dial(listener.Addr().String(), rogueCfg); err == nil {
		// The failure may only surface on first use.
		if _, err := ch.Receive(); err == nil {
			t.Fatal("rogue client was accepted")
		}
		ch.Close()
	}

	// A legitimate client still connects afterwards.
	channel, err := secure.Dial(listener.Addr().String(), pki.transportConfig(t, "client.test"))
	if err != nil {
		t.Fatalf("legitimate Dial failed after rogue attempt: %v", err)
	}
	client := NewConnection(channel, testConfig(provers, verifiers, time.Minute))
	client.Start()
	waitForState(t, client, StateEstablished, 5*time.Second)
	client.Close()
	waitClosed(t, client, 2*time.Second)
}
