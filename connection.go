package idscp2

import (
	"crypto/x509"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/industrial-data-space/idscp2-go/secure"
)

// Connection is the public face of one IDSCP2 connection. Callbacks must be
// registered before Start; they are invoked serially from the connection's
// worker goroutine, so a callback must not reenter state-mutating APIs
// synchronously or must accept that such calls are queued behind it.
type Connection struct {
	id      string
	fsm     *fsm
	started atomic.Bool
}

// NewConnection builds a connection around an established secure channel.
// The state machine starts in STATE_CLOSED until Start is called.
func NewConnection(channel secure.Channel, cfg *Config) *Connection {
	id := uuid.NewString()
	return &Connection{
		id:  id,
		fsm: newFSM(id, channel, cfg.withDefaults()),
	}
}

// ID returns the connection's unique identifier.
func (c *Connection) ID() string {
	return c.id
}

// State returns the current FSM state.
func (c *Connection) State() State {
	return c.fsm.currentState()
}

// PeerCertificate returns the peer's TLS certificate, captured when the
// transport handshake completed.
func (c *Connection) PeerCertificate() *x509.Certificate {
	return c.fsm.channel.PeerCertificate()
}

// OnMessage registers the user payload callback.
func (c *Connection) OnMessage(fn func(payload []byte)) {
	c.fsm.onMessage = fn
}

// OnError registers the error callback.
func (c *Connection) OnError(fn func(err error)) {
	c.fsm.onError = fn
}

// OnClose registers a close callback. The registered callbacks fire exactly
// once for every connection that ever left STATE_CLOSED.
func (c *Connection) OnClose(fn func()) {
	c.fsm.onCloseHandlers = append(c.fsm.onCloseHandlers, fn)
}

// Start launches the worker and transport reader and begins the IDSCP2
// handshake. Calling Start twice is a no-op.
func (c *Connection) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.fsm.start()
}

// Send ships a user payload to the peer. Outside STATE_ESTABLISHED it fails
// with ErrNotEstablished; payloads are never queued implicitly. Send does
// not block: it enqueues the payload and returns.
func (c *Connection) Send(payload []byte) error {
	switch c.State() {
	case StateClosed:
		return ErrClosed
	case StateEstablished:
		if !c.fsm.queue.tryPut(event{kind: evSend, payload: payload}) {
			if c.State() == StateClosed {
				return ErrClosed
			}
			return ErrNotEstablished
		}
		return nil
	default:
		return ErrNotEstablished
	}
}

// RepeatRat requests an immediate re-attestation round.
func (c *Connection) RepeatRat() error {
	if c.State() == StateClosed {
		return ErrClosed
	}
	if !c.fsm.queue.tryPut(event{kind: evRepeatRat}) {
		return ErrClosed
	}
	return nil
}

// Close shuts the connection down gracefully. It is safe to call multiple
// times and from any goroutine; the actual teardown runs on the worker.
func (c *Connection) Close() {
	if !c.started.Load() {
		// Never started: release the transport, nothing else was acquired.
		_ = c.fsm.channel.Close()
		c.fsm.queue.close()
		return
	}
	c.fsm.queue.forcePut(event{kind: evClose})
}

// Done returns a channel closed once the connection reaches its terminal
// state.
func (c *Connection) Done() <-chan struct{} {
	return c.fsm.closed
}
