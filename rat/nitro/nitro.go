// Package nitro implements a RAT driver pair for AWS Nitro Enclaves. The
// verifier challenges the peer with a fresh nonce; the prover answers with an
// attestation document from the local NSM device; the verifier validates the
// document signature chain and the echoed nonce, plus PCR0 when an expected
// measurement is configured.
//
// The prover only works inside an enclave, where /dev/nsm exists. Register
// the pair explicitly on deployments that run attested.
package nitro

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"

	nitroverifier "github.com/anjuna-security/go-nitro-attestation/verifier"
	"github.com/hf/nsm"
	"github.com/hf/nsm/request"

	"github.com/industrial-data-space/idscp2-go/rat"
)

// DriverID is the id the nitro pair registers under.
const DriverID = "NitroEnclave"

const nonceLength = 32

// Config carries the driver pair's settings.
type Config struct {
	// UserData is embedded into the attestation document by the prover.
	UserData []byte
	// ExpectedPCR0 pins the enclave image measurement the verifier accepts.
	// Empty skips the PCR0 check.
	ExpectedPCR0 string
}

// Register binds the nitro pair into the given registries.
func Register(provers, verifiers *rat.Registry, cfg *Config) {
	provers.Register(DriverID, NewProver, cfg)
	verifiers.Register(DriverID, NewVerifier, cfg)
}

// Prover waits for the verifier's nonce and answers with an NSM attestation
// document.
type Prover struct {
	inbox *rat.Inbox
	cfg   *Config
}

// NewProver is the registry factory for the nitro prover.
func NewProver() rat.Driver {
	return &Prover{inbox: rat.NewInbox()}
}

func (p *Prover) SetConfig(cfg any) {
	if c, ok := cfg.(*Config); ok {
		p.cfg = c
	}
}

func (p *Prover) Run(listener rat.Listener) {
	nonce, ok := p.inbox.Get()
	if !ok {
		return
	}
	if len(nonce) != nonceLength {
		listener.OnFailed(fmt.Errorf("verifier nonce has length %d, want %d", len(nonce), nonceLength))
		return
	}

	var userData []byte
	if p.cfg != nil {
		userData = p.cfg.UserData
	}
	doc, err := attest(nonce, userData)
	if err != nil {
		listener.OnFailed(err)
		return
	}

	listener.OnMessage(doc)
	listener.OnOK()
}

func (p *Prover) Delegate(payload []byte) {
	p.inbox.Put(payload)
}

func (p *Prover) Stop() {
	p.inbox.Close()
}

// attest requests an attestation document from the NSM device.
func attest(nonce, userData []byte) ([]byte, error) {
	session, err := nsm.OpenDefaultSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open NSM session: %w", err)
	}
	defer session.Close()

	res, err := session.Send(&request.Attestation{Nonce: nonce, UserData: userData})
	if err != nil {
		return nil, fmt.Errorf("NSM attestation request failed: %w", err)
	}
	if res.Error != "" {
		return nil, errors.New(string(res.Error))
	}
	if res.Attestation == nil || res.Attestation.Document == nil {
		return nil, errors.New("attestation response missing attestation document")
	}
	return res.Attestation.Document, nil
}

// Verifier issues the nonce challenge and validates the returned document.
type Verifier struct {
	inbox *rat.Inbox
	cfg   *Config
}

// NewVerifier is the registry factory for the nitro verifier.
func NewVerifier() rat.Driver {
	return &Verifier{inbox: rat.NewInbox()}
}

func (v *Verifier) SetConfig(cfg any) {
	if c, ok := cfg.(*Config); ok {
		v.cfg = c
	}
}

func (v *Verifier) Run(listener rat.Listener) {
	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		listener.OnFailed(fmt.Errorf("failed to generate nonce: %w", err))
		return
	}
	listener.OnMessage(nonce)

	doc, ok := v.inbox.Get()
	if !ok {
		return
	}

	sr, err := nitroverifier.NewSignedAttestationReport(bytes.NewReader(doc))
	if err != nil {
		listener.OnFailed(fmt.Errorf("failed to parse attestation document: %w", err))
		return
	}
	if err := nitroverifier.Validate(sr, nil); err != nil {
		listener.OnFailed(fmt.Errorf("attestation validation failed: %w", err))
		return
	}
	if !bytes.Equal(sr.Document.UserNonce, nonce) {
		listener.OnFailed(errors.New("attestation document echoes a stale nonce"))
		return
	}
	if v.cfg != nil && v.cfg.ExpectedPCR0 != "" {
		pcr0 := fmt.Sprintf("%x", sr.Document.PCRs[0])
		if pcr0 != v.cfg.ExpectedPCR0 {
			listener.OnFailed(fmt.Errorf("PCR0 mismatch: measured %s", pcr0))
			return
		}
	}

	listener.OnOK()
}

func (v *Verifier) Delegate(payload []byte) {
	v.inbox.Put(payload)
}

func (v *Verifier) Stop() {
	v.inbox.Close()
}
