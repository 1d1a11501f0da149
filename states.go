package idscp2

// State enumerates the connection states of the IDSCP2 finite state
// machine. StateClosed is both initial and terminal.
type State int32

const (
	StateClosed State = iota
	StateWaitForHello
	StateWaitForRat
	StateWaitForRatProver
	StateWaitForRatVerifier
	StateWaitForDatAndRat
	StateWaitForDatAndRatVerifier
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "STATE_CLOSED"
	case StateWaitForHello:
		return "STATE_WAIT_FOR_HELLO"
	case StateWaitForRat:
		return "STATE_WAIT_FOR_RAT"
	case StateWaitForRatProver:
		return "STATE_WAIT_FOR_RAT_PROVER"
	case StateWaitForRatVerifier:
		return "STATE_WAIT_FOR_RAT_VERIFIER"
	case StateWaitForDatAndRat:
		return "STATE_WAIT_FOR_DAT_AND_RAT"
	case StateWaitForDatAndRatVerifier:
		return "STATE_WAIT_FOR_DAT_AND_RAT_VERIFIER"
	case StateEstablished:
		return "STATE_ESTABLISHED"
	default:
		return "STATE_UNKNOWN"
	}
}
