// Package idscp2 implements the IDSCP2 application-layer protocol: a
// mutually authenticated, remote-attested communication channel on top of a
// TLS-secured transport. A Connection drives the handshake, the pluggable
// remote-attestation sub-dialogues, periodic re-attestation and DAT refresh,
// and steady-state payload exchange through a per-connection state machine.
package idscp2

import "errors"

// Error kinds observable at the API surface.
var (
	// ErrNotEstablished reports a send attempted outside STATE_ESTABLISHED.
	// Payloads are never queued implicitly.
	ErrNotEstablished = errors.New("connection not established")
	// ErrClosed reports an operation on a connection that reached
	// STATE_CLOSED.
	ErrClosed = errors.New("connection closed")
	// ErrNoMatchingRat reports an empty RAT mechanism intersection during
	// HELLO negotiation.
	ErrNoMatchingRat = errors.New("no matching RAT mechanism")
	// ErrRatFailed reports a terminal attestation failure.
	ErrRatFailed = errors.New("remote attestation failed")
	// ErrDatInvalid reports a peer DAT the verifier rejected.
	ErrDatInvalid = errors.New("invalid dynamic attribute token")
	// ErrHandshakeTimeout reports that the handshake deadline elapsed.
	ErrHandshakeTimeout = errors.New("handshake timeout")
	// ErrTlsError reports a fatal transport failure.
	ErrTlsError = errors.New("TLS transport error")
	// ErrMalformedFrame reports an undecodable peer frame; fatal to the
	// connection.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrPeerClosed reports a CLOSE frame received from the peer.
	ErrPeerClosed = errors.New("closed by peer")
	// ErrInternalDriverError reports a RAT driver that could not be started
	// or crashed.
	ErrInternalDriverError = errors.New("internal RAT driver error")
)
