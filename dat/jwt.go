package dat

import (
	"crypto/ecdsa"
	"crypto/x509"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/industrial-data-space/idscp2-go/shared"
)

// JWTIssuer issues ES256-signed DATs. The token carries the standard
// iss/sub/iat/exp/jti claims plus an x5t#S256 claim binding it to the SHA-256
// thumbprint of the holder's TLS certificate.
type JWTIssuer struct {
	Issuer   string
	Subject  string
	Validity time.Duration
	Key      *ecdsa.PrivateKey
	// Cert is the TLS certificate the token is bound to. Optional; without it
	// the binding claim is omitted and verifiers configured to require the
	// binding will reject the token.
	Cert *x509.Certificate
}

// Token implements Provider.
func (i *JWTIssuer) Token() ([]byte, time.Duration, error) {
	if i.Key == nil {
		return nil, 0, fmt.Errorf("jwt issuer has no signing key")
	}
	validity := i.Validity
	if validity == 0 {
		validity = time.Hour
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": i.Issuer,
		"sub": i.Subject,
		"iat": now.Unix(),
		"exp": now.Add(validity).Unix(),
		"jti": uuid.NewString(),
	}
	if i.Cert != nil {
		claims["x5t#S256"] = shared.CertificateThumbprintB64(i.Cert)
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(i.Key)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to sign DAT: %w", err)
	}
	return []byte(signed), validity, nil
}

// JWTVerifier validates ES256-signed DATs against a trusted issuer key and,
// when RequireCertBinding is set, checks the x5t#S256 claim against the
// peer's TLS certificate.
type JWTVerifier struct {
	Key                *ecdsa.PublicKey
	RequireCertBinding bool
}

// Verify implements Verifier. The returned duration is the remaining token
// lifetime at verification time.
func (v *JWTVerifier) Verify(token []byte, peerCert *x509.Certificate) (time.Duration, error) {
	if v.Key == nil {
		return 0, fmt.Errorf("%w: verifier has no trusted key", ErrInvalidToken)
	}

	parsed, err := jwt.Parse(string(token), func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.Key, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return 0, fmt.Errorf("%w: unexpected claims type", ErrInvalidToken)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0, fmt.Errorf("%w: missing exp claim", ErrInvalidToken)
	}
	remaining := time.Until(exp.Time)
	if remaining <= 0 {
		return 0, fmt.Errorf("%w: token expired", ErrInvalidToken)
	}

	if v.RequireCertBinding {
		thumb, _ := claims["x5t#S256"].(string)
		if thumb == "" {
			return 0, fmt.Errorf("%w: missing x5t#S256 binding claim", ErrInvalidToken)
		}
		if peerCert == nil {
			return 0, fmt.Errorf("%w: no peer certificate to bind against", ErrInvalidToken)
		}
		if thumb != shared.CertificateThumbprintB64(peerCert) {
			return 0, fmt.Errorf("%w: certificate binding mismatch", ErrInvalidToken)
		}
	}

	return remaining, nil
}
