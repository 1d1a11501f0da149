// Package dummy provides the reference prover/verifier driver pair. It
// performs a fixed two-round echo dialogue and succeeds whenever the peer
// follows it, reporting failure on any unexpected message; its
// value is the contract it demonstrates, not the attestation it fakes.
package dummy

import (
	"bytes"
	"fmt"

	"github.com/industrial-data-space/idscp2-go/rat"
)

// DriverID is the id both dummy drivers register under.
const DriverID = "Dummy"

const rounds = 2

// RegisterDefaults registers the dummy pair in the process-default
// registries.
func RegisterDefaults() {
	rat.DefaultProvers.Register(DriverID, NewProver, nil)
	rat.DefaultVerifiers.Register(DriverID, NewVerifier, nil)
}

// Prover sends a numbered evidence message per round and waits for the
// verifier's acknowledgement before the next one.
type Prover struct {
	inbox *rat.Inbox
}

// NewProver is the registry factory for the dummy prover.
func NewProver() rat.Driver {
	return &Prover{inbox: rat.NewInbox()}
}

func (p *Prover) Run(listener rat.Listener) {
	for round := 0; round < rounds; round++ {
		listener.OnMessage(fmt.Appendf(nil, "dummy-evidence-%d", round))

		reply, ok := p.inbox.Get()
		if !ok {
			// Stopped mid-dialogue; no terminal notification.
			return
		}
		if !bytes.Equal(reply, fmt.Appendf(nil, "dummy-result-%d", round)) {
			listener.OnFailed(fmt.Errorf("unexpected verifier reply %q in round %d", reply, round))
			return
		}
	}
	listener.OnOK()
}

func (p *Prover) Delegate(payload []byte) {
	p.inbox.Put(payload)
}

func (p *Prover) Stop() {
	p.inbox.Close()
}

// Verifier acknowledges each evidence message and reports success after the
// final round.
type Verifier struct {
	inbox *rat.Inbox
}

// NewVerifier is the registry factory for the dummy verifier.
func NewVerifier() rat.Driver {
	return &Verifier{inbox: rat.NewInbox()}
}

func (v *Verifier) Run(listener rat.Listener) {
	for round := 0; round < rounds; round++ {
		evidence, ok := v.inbox.Get()
		if !ok {
			return
		}
		if !bytes.Equal(evidence, fmt.Appendf(nil, "dummy-evidence-%d", round)) {
			listener.OnFailed(fmt.Errorf("unexpected prover evidence %q in round %d", evidence, round))
			return
		}
		listener.OnMessage(fmt.Appendf(nil, "dummy-result-%d", round))
	}
	listener.OnOK()
}

func (v *Verifier) Delegate(payload []byte) {
	v.inbox.Put(payload)
}

func (v *Verifier) Stop() {
	v.inbox.Close()
}
