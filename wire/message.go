// Package wire defines the IDSCP2 message set and its framed binary encoding.
// Each frame is a 4-byte big-endian length followed by a protobuf-encoded
// message body; encoding is deterministic so identical messages produce
// identical bytes.
package wire

import "fmt"

// Kind discriminates the message types of the IDSCP2 wire alphabet.
type Kind int

const (
	KindUnknown Kind = iota
	KindHello
	KindDat
	KindDatExpired
	KindRatProver
	KindRatVerifier
	KindReRat
	KindData
	KindClose
)

// String returns the wire-level name of the message kind
func (k Kind) String() string {
	switch k {
	case KindHello:
		return "IDSCP_HELLO"
	case KindDat:
		return "IDSCP_DAT"
	case KindDatExpired:
		return "IDSCP_DAT_EXPIRED"
	case KindRatProver:
		return "IDSCP_RAT_PROVER"
	case KindRatVerifier:
		return "IDSCP_RAT_VERIFIER"
	case KindReRat:
		return "IDSCP_RE_RAT"
	case KindData:
		return "IDSCP_DATA"
	case KindClose:
		return "IDSCP_CLOSE"
	default:
		return fmt.Sprintf("IDSCP_UNKNOWN(%d)", int(k))
	}
}

// CloseCode mirrors the API error kinds a CLOSE frame can carry.
type CloseCode int32

const (
	CloseCodeUnspecified CloseCode = iota
	CloseCodeUserClose
	CloseCodeTimeout
	CloseCodeNoMatchingRat
	CloseCodeRatFailed
	CloseCodeDatInvalid
	CloseCodeMalformedFrame
	CloseCodeInternalError
)

// Hello opens the IDSCP2 handshake. It advertises the locally supported RAT
// driver ids in preference order, the SHA-256 hash of the local attestation
// certificate, and the local dynamic attribute token.
type Hello struct {
	SupportedRatProvers   []string
	SupportedRatVerifiers []string
	AttestationCertHash   []byte
	Dat                   []byte
}

// Dat carries a fresh dynamic attribute token after the peer reported expiry.
type Dat struct {
	Token []byte
}

// RatMessage is an opaque attestation payload exchanged between a prover on
// one side and a verifier on the other.
type RatMessage struct {
	Payload []byte
}

// Data carries an opaque user payload.
type Data struct {
	Payload []byte
}

// Close terminates the connection with a human-readable reason and a code
// mirroring the API error kinds.
type Close struct {
	Reason string
	Code   CloseCode
}

// Message is the tagged union of all IDSCP2 wire messages. At most one
// payload field is set, matching Kind; DAT_EXPIRED and RE_RAT carry none.
type Message struct {
	Kind        Kind
	Hello       *Hello
	Dat         *Dat
	RatProver   *RatMessage
	RatVerifier *RatMessage
	Data        *Data
	Close       *Close
}

// NewHello builds a HELLO message
func NewHello(provers, verifiers []string, certHash, dat []byte) *Message {
	return &Message{Kind: KindHello, Hello: &Hello{
		SupportedRatProvers:   provers,
		SupportedRatVerifiers: verifiers,
		AttestationCertHash:   certHash,
		Dat:                   dat,
	}}
}

// NewDat builds a DAT message
func NewDat(token []byte) *Message {
	return &Message{Kind: KindDat, Dat: &Dat{Token: token}}
}

// NewDatExpired builds a DAT_EXPIRED message
func NewDatExpired() *Message {
	return &Message{Kind: KindDatExpired}
}

// NewRatProver builds a RAT_PROVER message
func NewRatProver(payload []byte) *Message {
	return &Message{Kind: KindRatProver, RatProver: &RatMessage{Payload: payload}}
}

// NewRatVerifier builds a RAT_VERIFIER message
func NewRatVerifier(payload []byte) *Message {
	return &Message{Kind: KindRatVerifier, RatVerifier: &RatMessage{Payload: payload}}
}

// NewReRat builds a RE_RAT message
func NewReRat() *Message {
	return &Message{Kind: KindReRat}
}

// NewData builds an IDSCP_DATA message
func NewData(payload []byte) *Message {
	return &Message{Kind: KindData, Data: &Data{Payload: payload}}
}

// NewClose builds a CLOSE message
func NewClose(reason string, code CloseCode) *Message {
	return &Message{Kind: KindClose, Close: &Close{Reason: reason, Code: code}}
}
