// Package dat defines the dynamic attribute token collaborators of an IDSCP2
// connection and a JWT-based default implementation. A DAT is a short-lived
// credential binding a peer's attributes to its TLS certificate; peers
// exchange one in HELLO and refresh it on expiry.
package dat

import (
	"crypto/x509"
	"errors"
	"time"
)

// ErrInvalidToken reports a DAT the verifier rejected.
var ErrInvalidToken = errors.New("invalid dynamic attribute token")

// Provider produces the local DAT and declares how long it stays valid.
type Provider interface {
	Token() (token []byte, validity time.Duration, err error)
}

// Verifier checks a peer DAT against the peer's TLS certificate and returns
// the remaining validity, or rejects the token.
type Verifier interface {
	Verify(token []byte, peerCert *x509.Certificate) (time.Duration, error)
}

// AcceptAll returns a Verifier accepting any non-empty token with a fixed
// validity. Demos and tests use it; production deployments supply a real
// verifier.
func AcceptAll(validity time.Duration) Verifier {
	return acceptAll{validity: validity}
}

type acceptAll struct {
	validity time.Duration
}

func (a acceptAll) Verify(token []byte, _ *x509.Certificate) (time.Duration, error) {
	if len(token) == 0 {
		return 0, ErrInvalidToken
	}
	return a.validity, nil
}

// Static returns a Provider handing out a fixed token with a fixed validity.
type Static struct {
	TokenBytes []byte
	Validity   time.Duration
}

func (s Static) Token() ([]byte, time.Duration, error) {
	return s.TokenBytes, s.Validity, nil
}
