package shared

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"math/big"
	"testing"
	"time"
)

func testCertificate(t *testing.T) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "fingerprint.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("Failed to parse certificate: %v", err)
	}
	return cert
}

func TestCertificateFingerprint(t *testing.T) {
	cert := testCertificate(t)

	fp := CertificateFingerprint(cert)
	expected := sha256.Sum256(cert.Raw)
	if len(fp) != 32 {
		t.Fatalf("fingerprint has %d bytes, want 32", len(fp))
	}
	for i := range fp {
		if fp[i] != expected[i] {
			t.Fatal("fingerprint does not match SHA-256 of DER")
		}
	}

	if CertificateFingerprintHex(cert) != hex.EncodeToString(expected[:]) {
		t.Error("hex fingerprint mismatch")
	}
	if CertificateThumbprintB64(cert) != base64.RawURLEncoding.EncodeToString(expected[:]) {
		t.Error("base64url thumbprint mismatch")
	}
}

func TestFingerprintOfNilCertificate(t *testing.T) {
	if CertificateFingerprint(nil) != nil {
		t.Error("nil certificate should yield nil fingerprint")
	}
	if CertificateFingerprintHex(nil) != "" {
		t.Error("nil certificate should yield empty hex fingerprint")
	}
}
