// Package secure provides the mutually authenticated transport underneath an
// IDSCP2 connection: a framed channel over TLS, a key store with forced
// certificate-alias selection, and listeners/dialers for TCP, vsock and
// WebSocket endpoints.
package secure

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Key types selectable through the configuration surface.
const (
	KeyTypeRSA = "RSA"
	KeyTypeEC  = "EC"
)

// keyEntry caches alias metadata so selection does not re-scan the store.
type keyEntry struct {
	cert    tls.Certificate
	leaf    *x509.Certificate
	keyType string
}

// KeyStore maps certificate aliases to key pairs. Aliases are the base names
// of <alias>.crt/<alias>.key PEM pairs in the store directory.
type KeyStore struct {
	mu      sync.RWMutex
	entries map[string]*keyEntry
}

// NewKeyStore returns an empty in-memory store.
func NewKeyStore() *KeyStore {
	return &KeyStore{entries: make(map[string]*keyEntry)}
}

// LoadKeyStore reads every <alias>.crt/<alias>.key pair under dir.
func LoadKeyStore(dir string) (*KeyStore, error) {
	ks := NewKeyStore()
	certs, err := filepath.Glob(filepath.Join(dir, "*.crt"))
	if err != nil {
		return nil, err
	}
	for _, certPath := range certs {
		alias := strings.TrimSuffix(filepath.Base(certPath), ".crt")
		keyPath := filepath.Join(dir, alias+".key")
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load key pair for alias %q: %w", alias, err)
		}
		if err := ks.Add(alias, cert); err != nil {
			return nil, err
		}
	}
	if len(ks.entries) == 0 {
		return nil, fmt.Errorf("key store %q contains no key pairs", dir)
	}
	return ks, nil
}

// Add inserts a key pair under an alias, parsing and caching its metadata.
func (ks *KeyStore) Add(alias string, cert tls.Certificate) error {
	leaf := cert.Leaf
	if leaf == nil {
		if len(cert.Certificate) == 0 {
			return fmt.Errorf("alias %q has no certificate", alias)
		}
		parsed, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return fmt.Errorf("failed to parse certificate for alias %q: %w", alias, err)
		}
		leaf = parsed
		cert.Leaf = parsed
	}

	var keyType string
	switch cert.PrivateKey.(type) {
	case *rsa.PrivateKey:
		keyType = KeyTypeRSA
	case *ecdsa.PrivateKey:
		keyType = KeyTypeEC
	default:
		return fmt.Errorf("alias %q has unsupported key type %T", alias, cert.PrivateKey)
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.entries[alias] = &keyEntry{cert: cert, leaf: leaf, keyType: keyType}
	return nil
}

// Certificate returns the leaf certificate stored under an alias.
func (ks *KeyStore) Certificate(alias string) (*x509.Certificate, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	entry, ok := ks.entries[alias]
	if !ok {
		return nil, fmt.Errorf("unknown certificate alias %q", alias)
	}
	return entry.leaf, nil
}

// Select returns the key pair under alias iff its key type matches. With
// strict issuer matching enabled and a non-empty acceptable-CA list, the
// entry's issuer must additionally appear in that list; permissive mode
// ignores the list.
func (ks *KeyStore) Select(alias, keyType string, acceptableCAs [][]byte, strictIssuer bool) (*tls.Certificate, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	entry, ok := ks.entries[alias]
	if !ok {
		return nil, fmt.Errorf("unknown certificate alias %q", alias)
	}
	if keyType != "" && entry.keyType != keyType {
		return nil, fmt.Errorf("alias %q has key type %s, configured %s", alias, entry.keyType, keyType)
	}
	if strictIssuer && len(acceptableCAs) > 0 {
		matched := false
		for _, ca := range acceptableCAs {
			if string(ca) == string(entry.leaf.RawIssuer) {
				matched = true
				break
			}
		}
		if !matched {
			return nil, fmt.Errorf("alias %q issuer not in the peer's acceptable CA list", alias)
		}
	}
	return &entry.cert, nil
}

// LoadTrustStore builds a certificate pool from a PEM file or a directory of
// PEM files.
func LoadTrustStore(path string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	var files []string
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			files = append(files, filepath.Join(path, e.Name()))
		}
	} else {
		files = []string{path}
	}

	loaded := false
	for _, f := range files {
		pem, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		if pool.AppendCertsFromPEM(pem) {
			loaded = true
		}
	}
	if !loaded {
		return nil, fmt.Errorf("trust store %q contains no certificates", path)
	}
	return pool, nil
}
