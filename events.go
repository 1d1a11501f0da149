package idscp2

import (
	"sync"

	"github.com/industrial-data-space/idscp2-go/wire"
)

// eventKind enumerates the FSM's event alphabet: wire messages, internal
// driver notifications, timer firings, user operations and transport
// signals.
type eventKind int

const (
	evStart eventKind = iota

	evWireMessage
	evTransportEOF
	evTransportError

	evProverMessage
	evProverOK
	evProverFailed
	evVerifierMessage
	evVerifierOK
	evVerifierFailed

	evHandshakeTimeout
	evDatTimeout
	evRatTimeout
	evAckTimeout

	evSend
	evRepeatRat
	evClose
)

func (k eventKind) isTimer() bool {
	switch k {
	case evHandshakeTimeout, evDatTimeout, evRatTimeout, evAckTimeout:
		return true
	}
	return false
}

func (k eventKind) String() string {
	switch k {
	case evStart:
		return "START"
	case evWireMessage:
		return "WIRE_MESSAGE"
	case evTransportEOF:
		return "TRANSPORT_EOF"
	case evTransportError:
		return "TRANSPORT_ERROR"
	case evProverMessage:
		return "RAT_PROVER_MSG"
	case evProverOK:
		return "RAT_PROVER_OK"
	case evProverFailed:
		return "RAT_PROVER_FAILED"
	case evVerifierMessage:
		return "RAT_VERIFIER_MSG"
	case evVerifierOK:
		return "RAT_VERIFIER_OK"
	case evVerifierFailed:
		return "RAT_VERIFIER_FAILED"
	case evHandshakeTimeout:
		return "HANDSHAKE_TIMEOUT"
	case evDatTimeout:
		return "DAT_EXPIRED_TIMEOUT"
	case evRatTimeout:
		return "RAT_TIMEOUT"
	case evAckTimeout:
		return "ACK_TIMEOUT"
	case evSend:
		return "USER_SEND"
	case evRepeatRat:
		return "USER_REPEAT_RAT"
	case evClose:
		return "USER_CLOSE"
	default:
		return "UNKNOWN_EVENT"
	}
}

// event is one queued item. msg is set for wire events, payload for driver
// messages and user sends, err for failures, generation for driver events.
type event struct {
	kind       eventKind
	msg        *wire.Message
	payload    []byte
	err        error
	generation uint64
}

// eventQueue is the bounded per-connection queue drained by the single FSM
// worker. On overflow the oldest timer event is dropped first; wire and
// driver events are never dropped, their producers block instead. Timer
// events that find no room are discarded.
type eventQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    []event
	capacity int
	closed   bool
}

func newEventQueue(capacity int) *eventQueue {
	q := &eventQueue{capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// put enqueues an event, blocking while the queue is full. Returns false
// once the queue is closed.
func (q *eventQueue) put(ev event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && len(q.items) >= q.capacity && !q.dropOldestTimerLocked() {
		if ev.kind.isTimer() {
			// No droppable predecessor and no room: the firing is lost, the
			// timer owner re-arms on the next transition.
			return false
		}
		q.notFull.Wait()
	}
	if q.closed {
		return false
	}
	q.items = append(q.items, ev)
	q.notEmpty.Signal()
	return true
}

// tryPut enqueues without blocking. Used by the user-facing operations.
func (q *eventQueue) tryPut(ev event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if len(q.items) >= q.capacity && !q.dropOldestTimerLocked() {
		return false
	}
	q.items = append(q.items, ev)
	q.notEmpty.Signal()
	return true
}

// forcePut enqueues regardless of capacity. Reserved for the user close
// request, which must never be lost to a full queue.
func (q *eventQueue) forcePut(ev event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, ev)
	q.notEmpty.Signal()
}

// next blocks for the next event. Returns false once the queue is closed and
// drained.
func (q *eventQueue) next() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		return event{}, false
	}
	ev := q.items[0]
	q.items = q.items[1:]
	q.notFull.Signal()
	return ev, true
}

// close unblocks producers and the worker. Idempotent.
func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

func (q *eventQueue) dropOldestTimerLocked() bool {
	for i, ev := range q.items {
		if ev.kind.isTimer() {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}
