package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultMaxFrameBytes caps the body length of a single frame.
const DefaultMaxFrameBytes = 4 * 1024 * 1024

// ErrMalformedFrame reports a frame that violates the wire schema: an
// oversized length prefix, an unknown message tag, or a missing required
// field. It is fatal to the connection.
var ErrMalformedFrame = errors.New("malformed frame")

// Outer message field numbers, one per message kind. The body carries exactly
// one of these as a length-delimited sub-message.
const (
	fieldHello       = 1
	fieldDat         = 2
	fieldDatExpired  = 3
	fieldRatProver   = 4
	fieldRatVerifier = 5
	fieldReRat       = 6
	fieldData        = 7
	fieldClose       = 8
)

// Codec encodes and decodes length-prefixed IDSCP2 frames. The zero value is
// not usable; construct with NewCodec.
type Codec struct {
	maxFrameBytes uint32
}

// NewCodec returns a codec enforcing the given body-length cap. A
// non-positive cap selects DefaultMaxFrameBytes.
func NewCodec(maxFrameBytes int) *Codec {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return &Codec{maxFrameBytes: uint32(maxFrameBytes)}
}

// EncodeFrame serializes a message into a complete frame including the
// 4-byte big-endian length prefix. It is total on valid messages.
func (c *Codec) EncodeFrame(msg *Message) ([]byte, error) {
	body, err := EncodeMessage(msg)
	if err != nil {
		return nil, err
	}
	if uint32(len(body)) > c.maxFrameBytes {
		return nil, fmt.Errorf("%w: body length %d exceeds cap %d", ErrMalformedFrame, len(body), c.maxFrameBytes)
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	return frame, nil
}

// ReadFrame reads one complete frame from r and decodes it. A clean EOF at
// the length prefix is returned as io.EOF, and any other error while reading
// the prefix (including a partial prefix) is returned unchanged; a truncated
// body is reported as ErrMalformedFrame. The length cap is checked before any
// body allocation.
func (c *Codec) ReadFrame(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, err
	}
	bodyLen := binary.BigEndian.Uint32(lenBuf[:])
	if bodyLen > c.maxFrameBytes {
		return nil, fmt.Errorf("%w: frame length %d exceeds cap %d", ErrMalformedFrame, bodyLen, c.maxFrameBytes)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("%w: truncated body: %v", ErrMalformedFrame, err)
	}
	return DecodeMessage(body)
}

// EncodeMessage serializes the message body without the length prefix.
// Fields are written in ascending field-number order so the encoding is
// deterministic.
func EncodeMessage(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformedFrame)
	}
	var buf []byte
	switch msg.Kind {
	case KindHello:
		if msg.Hello == nil {
			return nil, fmt.Errorf("%w: HELLO without payload", ErrMalformedFrame)
		}
		buf = protowire.AppendTag(buf, fieldHello, protowire.BytesType)
		buf = protowire.AppendBytes(buf, encodeHello(msg.Hello))
	case KindDat:
		if msg.Dat == nil {
			return nil, fmt.Errorf("%w: DAT without payload", ErrMalformedFrame)
		}
		buf = protowire.AppendTag(buf, fieldDat, protowire.BytesType)
		buf = protowire.AppendBytes(buf, appendBytesField(nil, 1, msg.Dat.Token))
	case KindDatExpired:
		buf = protowire.AppendTag(buf, fieldDatExpired, protowire.BytesType)
		buf = protowire.AppendBytes(buf, nil)
	case KindRatProver:
		if msg.RatProver == nil {
			return nil, fmt.Errorf("%w: RAT_PROVER without payload", ErrMalformedFrame)
		}
		buf = protowire.AppendTag(buf, fieldRatProver, protowire.BytesType)
		buf = protowire.AppendBytes(buf, appendBytesField(nil, 1, msg.RatProver.Payload))
	case KindRatVerifier:
		if msg.RatVerifier == nil {
			return nil, fmt.Errorf("%w: RAT_VERIFIER without payload", ErrMalformedFrame)
		}
		buf = protowire.AppendTag(buf, fieldRatVerifier, protowire.BytesType)
		buf = protowire.AppendBytes(buf, appendBytesField(nil, 1, msg.RatVerifier.Payload))
	case KindReRat:
		buf = protowire.AppendTag(buf, fieldReRat, protowire.BytesType)
		buf = protowire.AppendBytes(buf, nil)
	case KindData:
		if msg.Data == nil {
			return nil, fmt.Errorf("%w: IDSCP_DATA without payload", ErrMalformedFrame)
		}
		buf = protowire.AppendTag(buf, fieldData, protowire.BytesType)
		buf = protowire.AppendBytes(buf, appendBytesField(nil, 1, msg.Data.Payload))
	case KindClose:
		if msg.Close == nil {
			return nil, fmt.Errorf("%w: CLOSE without payload", ErrMalformedFrame)
		}
		buf = protowire.AppendTag(buf, fieldClose, protowire.BytesType)
		buf = protowire.AppendBytes(buf, encodeClose(msg.Close))
	default:
		return nil, fmt.Errorf("%w: unknown message kind %d", ErrMalformedFrame, msg.Kind)
	}
	return buf, nil
}

func encodeHello(h *Hello) []byte {
	var buf []byte
	for _, id := range h.SupportedRatProvers {
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendString(buf, id)
	}
	for _, id := range h.SupportedRatVerifiers {
		buf = protowire.AppendTag(buf, 2, protowire.BytesType)
		buf = protowire.AppendString(buf, id)
	}
	buf = appendBytesField(buf, 3, h.AttestationCertHash)
	buf = appendBytesField(buf, 4, h.Dat)
	return buf
}

func encodeClose(cl *Close) []byte {
	var buf []byte
	if cl.Reason != "" {
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendString(buf, cl.Reason)
	}
	if cl.Code != 0 {
		buf = protowire.AppendTag(buf, 2, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(cl.Code))
	}
	return buf
}

// appendBytesField writes a bytes field, skipping empty values so the
// encoding stays canonical.
func appendBytesField(buf []byte, num protowire.Number, val []byte) []byte {
	if len(val) == 0 {
		return buf
	}
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	buf = protowire.AppendBytes(buf, val)
	return buf
}

// DecodeMessage parses a message body. Unknown outer fields and duplicate
// payloads are rejected as malformed.
func DecodeMessage(body []byte) (*Message, error) {
	msg := &Message{}
	rest := body
	for len(rest) > 0 {
		num, typ, n := protowire.ConsumeTag(rest)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad tag", ErrMalformedFrame)
		}
		rest = rest[n:]
		if typ != protowire.BytesType {
			return nil, fmt.Errorf("%w: unexpected wire type %d for field %d", ErrMalformedFrame, typ, num)
		}
		sub, n := protowire.ConsumeBytes(rest)
		if n < 0 {
			return nil, fmt.Errorf("%w: truncated field %d", ErrMalformedFrame, num)
		}
		rest = rest[n:]
		if msg.Kind != KindUnknown {
			return nil, fmt.Errorf("%w: multiple payloads in one message", ErrMalformedFrame)
		}
		var err error
		switch num {
		case fieldHello:
			msg.Kind = KindHello
			msg.Hello, err = decodeHello(sub)
		case fieldDat:
			msg.Kind = KindDat
			var token []byte
			token, err = decodeSingleBytes(sub)
			msg.Dat = &Dat{Token: token}
		case fieldDatExpired:
			msg.Kind = KindDatExpired
		case fieldRatProver:
			msg.Kind = KindRatProver
			var payload []byte
			payload, err = decodeSingleBytes(sub)
			msg.RatProver = &RatMessage{Payload: payload}
		case fieldRatVerifier:
			msg.Kind = KindRatVerifier
			var payload []byte
			payload, err = decodeSingleBytes(sub)
			msg.RatVerifier = &RatMessage{Payload: payload}
		case fieldReRat:
			msg.Kind = KindReRat
		case fieldData:
			msg.Kind = KindData
			var payload []byte
			payload, err = decodeSingleBytes(sub)
			msg.Data = &Data{Payload: payload}
		case fieldClose:
			msg.Kind = KindClose
			msg.Close, err = decodeClose(sub)
		default:
			return nil, fmt.Errorf("%w: unknown message tag %d", ErrMalformedFrame, num)
		}
		if err != nil {
			return nil, err
		}
	}
	if msg.Kind == KindUnknown {
		return nil, fmt.Errorf("%w: empty message body", ErrMalformedFrame)
	}
	return msg, nil
}

func decodeHello(sub []byte) (*Hello, error) {
	h := &Hello{}
	for len(sub) > 0 {
		num, typ, n := protowire.ConsumeTag(sub)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad HELLO tag", ErrMalformedFrame)
		}
		sub = sub[n:]
		if typ != protowire.BytesType {
			return nil, fmt.Errorf("%w: unexpected HELLO wire type %d", ErrMalformedFrame, typ)
		}
		val, n := protowire.ConsumeBytes(sub)
		if n < 0 {
			return nil, fmt.Errorf("%w: truncated HELLO field %d", ErrMalformedFrame, num)
		}
		sub = sub[n:]
		switch num {
		case 1:
			h.SupportedRatProvers = append(h.SupportedRatProvers, string(val))
		case 2:
			h.SupportedRatVerifiers = append(h.SupportedRatVerifiers, string(val))
		case 3:
			h.AttestationCertHash = append([]byte(nil), val...)
		case 4:
			h.Dat = append([]byte(nil), val...)
		default:
			// Forward compatibility inside HELLO: skip unknown fields.
		}
	}
	if len(h.Dat) == 0 {
		return nil, fmt.Errorf("%w: HELLO without DAT", ErrMalformedFrame)
	}
	if len(h.AttestationCertHash) == 0 {
		return nil, fmt.Errorf("%w: HELLO without attestation certificate hash", ErrMalformedFrame)
	}
	return h, nil
}

func decodeClose(sub []byte) (*Close, error) {
	cl := &Close{}
	for len(sub) > 0 {
		num, typ, n := protowire.ConsumeTag(sub)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad CLOSE tag", ErrMalformedFrame)
		}
		sub = sub[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			val, n := protowire.ConsumeBytes(sub)
			if n < 0 {
				return nil, fmt.Errorf("%w: truncated CLOSE reason", ErrMalformedFrame)
			}
			sub = sub[n:]
			cl.Reason = string(val)
		case num == 2 && typ == protowire.VarintType:
			val, n := protowire.ConsumeVarint(sub)
			if n < 0 {
				return nil, fmt.Errorf("%w: truncated CLOSE code", ErrMalformedFrame)
			}
			sub = sub[n:]
			cl.Code = CloseCode(val)
		default:
			return nil, fmt.Errorf("%w: unexpected CLOSE field %d", ErrMalformedFrame, num)
		}
	}
	return cl, nil
}

// decodeSingleBytes parses a sub-message holding one bytes field (number 1).
// An empty sub-message yields an empty payload.
func decodeSingleBytes(sub []byte) ([]byte, error) {
	var out []byte
	for len(sub) > 0 {
		num, typ, n := protowire.ConsumeTag(sub)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad payload tag", ErrMalformedFrame)
		}
		sub = sub[n:]
		if num != 1 || typ != protowire.BytesType {
			return nil, fmt.Errorf("%w: unexpected payload field %d", ErrMalformedFrame, num)
		}
		val, n := protowire.ConsumeBytes(sub)
		if n < 0 {
			return nil, fmt.Errorf("%w: truncated payload", ErrMalformedFrame)
		}
		sub = sub[n:]
		out = append([]byte(nil), val...)
	}
	return out, nil
}
