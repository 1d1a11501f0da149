// Package rat defines the pluggable remote-attestation driver boundary: the
// driver contract, the handle the state machine holds on a running driver,
// and the process-wide prover/verifier registries.
package rat

import (
	"time"
)

// StopGracePeriod bounds how long a driver may take to terminate after Stop.
// A driver still running afterwards is considered failed and its handle is
// disposed without waiting further.
const StopGracePeriod = 2 * time.Second

// Listener is the outbound callback surface of a driver. The state machine
// supplies one per driver start; terminal notifications are idempotent from
// the receiver's point of view, duplicates are ignored once the state has
// advanced.
type Listener interface {
	// OnMessage ships an outbound RAT frame to the peer.
	OnMessage(payload []byte)
	// OnOK signals that the attestation dialogue succeeded.
	OnOK()
	// OnFailed signals a terminal failure.
	OnFailed(err error)
}

// Driver is a long-running attestation task. The same contract serves
// provers (evidence producers) and verifiers (evidence consumers); the
// registry a driver is registered in decides its role.
type Driver interface {
	// Run executes the attestation dialogue and returns when it reaches a
	// terminal outcome or Stop is called. It runs on its own goroutine.
	Run(listener Listener)
	// Delegate hands a peer RAT message to the driver. It never blocks; the
	// driver buffers internally.
	Delegate(payload []byte)
	// Stop requests cooperative termination within StopGracePeriod.
	Stop()
}

// Configurable is implemented by drivers that accept a configuration value.
// SetConfig is called once, before Run, and only when the driver was
// registered with a non-nil configuration.
type Configurable interface {
	SetConfig(cfg any)
}

// Factory produces a fresh driver instance per connection and attestation
// round.
type Factory func() Driver

// Handle is the state machine's grip on one running driver. The generation
// counter lets the owner discard notifications that arrive after the driver
// was stopped and replaced.
type Handle struct {
	id         string
	generation uint64
	driver     Driver
	done       chan struct{}
}

// ID returns the driver id the handle was started under.
func (h *Handle) ID() string {
	return h.id
}

// Generation returns the handle's generation counter.
func (h *Handle) Generation() uint64 {
	return h.generation
}

// Delegate forwards a peer RAT message to the driver.
func (h *Handle) Delegate(payload []byte) {
	h.driver.Delegate(payload)
}

// Stop requests cooperative termination. It does not block.
func (h *Handle) Stop() {
	h.driver.Stop()
}

// AwaitStop blocks until the driver goroutine exits or the grace period
// elapses. It reports whether the driver terminated in time.
func (h *Handle) AwaitStop(grace time.Duration) bool {
	select {
	case <-h.done:
		return true
	case <-time.After(grace):
		return false
	}
}

// Done exposes the completion channel of the driver goroutine.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}
