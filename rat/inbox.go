package rat

import "sync"

// Inbox is the unbounded queue of delegated peer messages a driver blocks
// on. Put never blocks; Get blocks until a message arrives or the inbox is
// closed.
type Inbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	closed bool
}

// NewInbox returns an empty open inbox.
func NewInbox() *Inbox {
	in := &Inbox{}
	in.cond = sync.NewCond(&in.mu)
	return in
}

// Put appends a message. Messages put after Close are dropped.
func (in *Inbox) Put(payload []byte) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	in.queue = append(in.queue, payload)
	in.cond.Signal()
}

// Get removes the oldest message, blocking while the inbox is empty. The
// second return value is false once the inbox is closed and drained.
func (in *Inbox) Get() ([]byte, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for len(in.queue) == 0 && !in.closed {
		in.cond.Wait()
	}
	if len(in.queue) == 0 {
		return nil, false
	}
	msg := in.queue[0]
	in.queue = in.queue[1:]
	return msg, true
}

// Close unblocks all pending Gets. Idempotent.
func (in *Inbox) Close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	in.closed = true
	in.cond.Broadcast()
}
