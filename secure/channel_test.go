package secure

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"testing"
	"time"

	"github.com/industrial-data-space/idscp2-go/wire"
)

// testPKI is a throwaway CA with one issued key pair per peer.
type testPKI struct {
	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey
	pool   *x509.CertPool
}

func newTestPKI(t *testing.T) *testPKI {
	t.Helper()
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate CA key: %v", err)
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test IDSCP2 CA"},
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
	return &testPKI{caCert: caCert, caKey: caKey, pool: pool}
}

// issue creates a leaf key pair signed by the test CA.
func (p *testPKI) issue(t *testing.T, cn string) tls.Certificate {
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
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse issued certificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}
}

func (p *testPKI) config(t *testing.T, alias, cn string) *Config {
	t.Helper()
	ks := NewKeyStore()
	if err := ks.Add(alias, p.issue(t, cn)); err != nil {
		t.Fatalf("failed to populate key store: %v", err)
	}
	return &Config{
		KeyStore:         ks,
		TrustStore:       p.pool,
		CertificateAlias: alias,
		KeyType:          KeyTypeEC,
	}
}

func TestChannelRoundTrip(t *testing.T) {
	pki := newTestPKI(t)
	serverCfg := pki.config(t, "server", "server.test")
	clientCfg := pki.config(t, "client", "client.test")

	listener, err := Listen("127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer listener.Close()

	accepted := make(chan Channel, 1)
	errs := make(chan error, 1)
	go func() {
		ch, err := listener.Accept()
		if err != nil {
			errs <- err
			return
		}
		accepted <- ch
	}()

	client, err := Dial(listener.Addr().String(), clientCfg)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	var server Channel
	select {
	case server = <-accepted:
	case err := <-errs:
		t.Fatalf("Accept failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for accept")
	}
	defer server.Close()

	// Both sides see the other's certificate.
	if server.PeerCertificate().Subject.CommonName != "client.test" {
		t.Errorf("server sees peer %q", server.PeerCertificate().Subject.CommonName)
	}
	if client.PeerCertificate().Subject.CommonName != "server.test" {
		t.Errorf("client sees peer %q", client.PeerCertificate().Subject.CommonName)
	}

	if err := client.Send(wire.NewData([]byte("ping"))); err != nil {
		t.Fatalf("client send failed: %v", err)
	}
	msg, err := server.Receive()
	if err != nil {
		t.Fatalf("server receive failed: %v", err)
	}
	if msg.Kind != wire.KindData || !bytes.Equal(msg.Data.Payload, []byte("ping")) {
		t.Fatalf("server received wrong message: %+v", msg)
	}

	if err := server.Send(wire.NewData([]byte("pong"))); err != nil {
		t.Fatalf("server send failed: %v", err)
	}
	msg, err = client.Receive()
	if err != nil {
		t.Fatalf("client receive failed: %v", err)
	}
	if msg.Kind != wire.KindData || !bytes.Equal(msg.Data.Payload, []byte("pong")) {
		t.Fatalf("client received wrong message: %+v", msg)
	}
}

func TestCloseSurfacesAsEOF(t *testing.T) {
	pki := newTestPKI(t)
	serverCfg := pki.config(t, "server", "server.test")
	clientCfg := pki.config(t, "client", "client.test")

	listener, err := Listen("127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer listener.Close()

	accepted := make(chan Channel, 1)
	go func() {
		if ch, err := listener.Accept(); err == nil {
			accepted <- ch
		}
	}()

	client, err := Dial(listener.Addr().String(), clientCfg)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	server := <-accepted
	defer server.Close()

	// Closing is idempotent and the peer observes EOF.
	if err := client.Close(); err != nil {
		t.Errorf("first close failed: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}

	if _, err := server.Receive(); err != io.EOF {
		t.Fatalf("expected io.EOF after peer close, got %v", err)
	}

	if err := client.Send(wire.NewData([]byte("late"))); err == nil {
		t.Error("send on closed channel succeeded")
	}
}

func TestUntrustedPeerRejected(t *testing.T) {
	pkiA := newTestPKI(t)
	pkiB := newTestPKI(t)

	serverCfg := pkiA.config(t, "server", "server.test")
	// Client chains to a different CA the server does not trust.
	clientCfg := pkiB.config(t, "client", "client.test")
	clientCfg.TrustStore = pkiA.pool

	listener, err := Listen("127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer listener.Close()

	go func() {
		for {
			ch, err := listener.Accept()
			if err != nil {
				return
			}
			ch.Close()
		}
	}()

	client, err := Dial(listener.Addr().String(), clientCfg)
	if err != nil {
		return // rejected during the handshake, as expected
	}
	defer client.Close()

	// The server may only reject after the client's handshake returns;
	// the read must fail either way.
	if _, err := client.Receive(); err == nil {
		t.Fatal("expected the untrusted connection to fail")
	}
}

func TestKeyStoreSelect(t *testing.T) {
	pki := newTestPKI(t)
	ks := NewKeyStore()
	cert := pki.issue(t, "conn.test")
	if err := ks.Add("idscp-alias", cert); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	t.Run("MatchingKeyType", func(t *testing.T) {
		selected, err := ks.Select("idscp-alias", KeyTypeEC, nil, false)
		if err != nil {
			t.Fatalf("Select failed: %v", err)
		}
		if selected.Leaf.Subject.CommonName != "conn.test" {
			t.Errorf("selected wrong certificate %q", selected.Leaf.Subject.CommonName)
		}
	})

	t.Run("WrongKeyType", func(t *testing.T) {
		if _, err := ks.Select("idscp-alias", KeyTypeRSA, nil, false); err == nil {
			t.Error("expected key-type mismatch error")
		}
	})

	t.Run("UnknownAlias", func(t *testing.T) {
		if _, err := ks.Select("nope", KeyTypeEC, nil, false); err == nil {
			t.Error("expected unknown-alias error")
		}
	})

	t.Run("PermissiveIgnoresIssuerList", func(t *testing.T) {
		foreignCA := [][]byte{[]byte("some other issuer")}
		if _, err := ks.Select("idscp-alias", KeyTypeEC, foreignCA, false); err != nil {
			t.Errorf("permissive selection failed: %v", err)
		}
	})

	t.Run("StrictRequiresIssuerMatch", func(t *testing.T) {
		foreignCA := [][]byte{[]byte("some other issuer")}
		if _, err := ks.Select("idscp-alias", KeyTypeEC, foreignCA, true); err == nil {
			t.Error("strict selection accepted a foreign issuer list")
		}
		ownCA := [][]byte{cert.Leaf.RawIssuer}
		if _, err := ks.Select("idscp-alias", KeyTypeEC, ownCA, true); err != nil {
			t.Errorf("strict selection rejected the matching issuer: %v", err)
		}
	})
}
