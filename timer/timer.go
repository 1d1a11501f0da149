// Package timer provides the named, cancelable, restartable one-shot timers
// the connection state machine arms for handshake, DAT, RAT and ack
// deadlines. A timer settles at most once per arming; late firings from a
// canceled arming are suppressed.
package timer

import (
	"sync"
	"time"
)

// Clock abstracts the monotonic time source so tests can drive timers
// deterministically.
type Clock interface {
	Now() time.Time
	// AfterFunc schedules f after d and returns a stop function. Stop is
	// best-effort; the timer itself filters late firings.
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

// RealClock is the production clock backed by the time package.
type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}

func (RealClock) AfterFunc(d time.Duration, f func()) func() bool {
	t := time.AfterFunc(d, f)
	return t.Stop
}

// Timer is a single named one-shot timer. All operations are safe for
// concurrent use.
type Timer struct {
	name  string
	clock Clock

	mu         sync.Mutex
	generation uint64
	stop       func() bool
	onFire     func()
	deadline   time.Time
	armed      bool
}

// New creates an unarmed timer. A nil clock selects RealClock.
func New(name string, clock Clock) *Timer {
	if clock == nil {
		clock = RealClock{}
	}
	return &Timer{name: name, clock: clock}
}

// Name returns the timer's name for logging.
func (t *Timer) Name() string {
	return t.name
}

// Start arms the timer. A running arming is canceled first, so at most one
// firing per timer is outstanding.
func (t *Timer) Start(d time.Duration, onFire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelLocked()
	t.onFire = onFire
	t.armLocked(d)
}

// Restart re-arms the timer with the onFire callback of the previous Start.
// Restart on a never-started timer is a no-op.
func (t *Timer) Restart(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.onFire == nil {
		return
	}
	t.cancelLocked()
	t.armLocked(d)
}

// Cancel disarms the timer. A firing already scheduled but not yet delivered
// is suppressed.
func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelLocked()
}

// Armed reports whether an arming is outstanding.
func (t *Timer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

// Deadline returns the fire time of the current arming, zero if unarmed.
func (t *Timer) Deadline() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.armed {
		return time.Time{}
	}
	return t.deadline
}

func (t *Timer) armLocked(d time.Duration) {
	t.generation++
	gen := t.generation
	t.armed = true
	t.deadline = t.clock.Now().Add(d)
	t.stop = t.clock.AfterFunc(d, func() {
		t.fire(gen)
	})
}

func (t *Timer) cancelLocked() {
	if t.stop != nil {
		t.stop()
		t.stop = nil
	}
	t.generation++
	t.armed = false
}

func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.generation {
		// Stale firing from a canceled or replaced arming.
		t.mu.Unlock()
		return
	}
	t.armed = false
	onFire := t.onFire
	t.mu.Unlock()
	if onFire != nil {
		onFire()
	}
}
