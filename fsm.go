package idscp2

import (
	"crypto/x509"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/industrial-data-space/idscp2-go/rat"
	"github.com/industrial-data-space/idscp2-go/secure"
	"github.com/industrial-data-space/idscp2-go/shared"
	"github.com/industrial-data-space/idscp2-go/timer"
	"github.com/industrial-data-space/idscp2-go/wire"
)

// fsm is the per-connection state machine. A single worker goroutine drains
// the event queue and executes transitions atomically: the full entry/exit
// actions of one transition complete before the next event is dequeued. No
// other goroutine mutates connection state.
type fsm struct {
	id      string
	cfg     *Config
	channel secure.Channel
	logger  *zap.Logger

	queue *eventQueue
	state atomic.Int32

	// Everything below is owned by the worker goroutine.
	peerCert         *x509.Certificate
	localDat         []byte
	localDatDeadline time.Time
	peerDatDeadline  time.Time

	proverID   string
	verifierID string

	prover      *rat.Handle
	verifier    *rat.Handle
	proverGen   uint64
	verifierGen uint64

	ratProverDone   bool
	ratVerifierDone bool
	// awaitingPeerDat is set after this side demanded a fresh peer DAT.
	awaitingPeerDat bool
	// reproving is set while the prover re-runs because the peer reported
	// our DAT expired.
	reproving bool

	everStarted  bool
	shutdownDone bool

	handshakeTimer *timer.Timer
	datTimer       *timer.Timer
	ratTimer       *timer.Timer
	ackTimer       *timer.Timer

	onMessage       func([]byte)
	onError         func(error)
	onCloseHandlers []func()

	closeOnce sync.Once
	closed    chan struct{}
}

func newFSM(id string, channel secure.Channel, cfg *Config) *fsm {
	f := &fsm{
		id:      id,
		cfg:     cfg,
		channel: channel,
		logger:  cfg.Logger.WithConnection(id),
		queue:   newEventQueue(cfg.EventQueueCapacity),
		closed:  make(chan struct{}),
	}
	f.handshakeTimer = timer.New("handshake", cfg.Clock)
	f.datTimer = timer.New("dat", cfg.Clock)
	f.ratTimer = timer.New("rat", cfg.Clock)
	f.ackTimer = timer.New("ack", cfg.Clock)
	return f
}

func (f *fsm) currentState() State {
	return State(f.state.Load())
}

func (f *fsm) transition(next State) {
	prev := f.currentState()
	if prev == next {
		return
	}
	f.state.Store(int32(next))
	f.logger.Debug("FSM transition",
		zap.String("from", prev.String()), zap.String("to", next.String()))
}

// start synthesizes the START event and launches the worker and the
// transport reader. START is enqueued first so no transport event can
// precede it.
func (f *fsm) start() {
	f.queue.put(event{kind: evStart})
	go f.run()
	go f.readLoop()
}

func (f *fsm) run() {
	for {
		ev, ok := f.queue.next()
		if !ok {
			return
		}
		f.handle(ev)
	}
}

func (f *fsm) readLoop() {
	for {
		msg, err := f.channel.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) {
				f.queue.put(event{kind: evTransportEOF})
			} else {
				f.queue.put(event{kind: evTransportError, err: err})
			}
			return
		}
		if !f.queue.put(event{kind: evWireMessage, msg: msg}) {
			return
		}
	}
}

// handle dispatches one event. Events that end the connection are handled
// before the per-state logic so a peer CLOSE always wins over in-flight
// state attempts.
func (f *fsm) handle(ev event) {
	state := f.currentState()

	switch ev.kind {
	case evClose:
		f.shutdown("user close", wire.CloseCodeUserClose, true, nil)
		return
	case evTransportEOF:
		if state != StateClosed {
			f.shutdown("transport EOF", 0, false, ErrPeerClosed)
		}
		return
	case evTransportError:
		if state == StateClosed {
			return
		}
		if errors.Is(ev.err, wire.ErrMalformedFrame) {
			f.logger.Error("Received malformed frame", zap.Error(ev.err))
			f.shutdown("malformed frame", wire.CloseCodeMalformedFrame, true, ErrMalformedFrame)
		} else {
			f.logger.Error("Transport error", zap.Error(ev.err))
			f.shutdown("transport error", 0, false, ErrTlsError)
		}
		return
	case evWireMessage:
		if state == StateClosed {
			// Frames arriving after close are silently dropped.
			return
		}
		if ev.msg.Kind == wire.KindClose {
			f.logger.Info("Peer closed connection",
				zap.String("reason", ev.msg.Close.Reason),
				zap.Int32("code", int32(ev.msg.Close.Code)))
			f.shutdown("peer close", 0, false, ErrPeerClosed)
			return
		}
	case evProverMessage, evProverOK, evProverFailed:
		if f.prover == nil || ev.generation != f.proverGen {
			f.logger.Debug("Discarding stale prover notification",
				zap.String("event", ev.kind.String()))
			return
		}
	case evVerifierMessage, evVerifierOK, evVerifierFailed:
		if f.verifier == nil || ev.generation != f.verifierGen {
			f.logger.Debug("Discarding stale verifier notification",
				zap.String("event", ev.kind.String()))
			return
		}
	}

	switch state {
	case StateClosed:
		f.handleClosed(ev)
	case StateWaitForHello:
		f.handleWaitForHello(ev)
	default:
		f.handleActive(ev)
	}
}

// handleClosed accepts only the synthetic START event; everything else is
// ignored in the terminal state.
func (f *fsm) handleClosed(ev event) {
	if ev.kind != evStart || f.everStarted {
		return
	}
	f.everStarted = true
	f.peerCert = f.channel.PeerCertificate()

	token, validity, err := f.cfg.DatProvider.Token()
	if err != nil {
		f.logger.Error("DAT provider failed", zap.Error(err))
		f.shutdown("no local DAT", wire.CloseCodeInternalError, true, err)
		return
	}
	f.localDat = token
	f.localDatDeadline = f.cfg.Clock.Now().Add(validity)

	hello := wire.NewHello(
		f.cfg.SupportedRatProvers,
		f.cfg.SupportedRatVerifiers,
		shared.CertificateFingerprint(f.channel.LocalCertificate()),
		token,
	)
	if !f.sendMsg(hello) {
		return
	}
	f.handshakeTimer.Start(f.cfg.HandshakeTimeout, f.timerEvent(evHandshakeTimeout))
	f.transition(StateWaitForHello)
}

func (f *fsm) handleWaitForHello(ev event) {
	switch ev.kind {
	case evWireMessage:
		if ev.msg.Kind != wire.KindHello {
			f.logger.Debug("Dropping unexpected message during handshake",
				zap.String("message_type", ev.msg.Kind.String()))
			return
		}
		f.processHello(ev.msg.Hello)
	case evHandshakeTimeout:
		f.shutdown("handshake timeout", wire.CloseCodeTimeout, true, ErrHandshakeTimeout)
	default:
		// Driver and user events cannot occur yet; ignore.
	}
}

// processHello negotiates the RAT mechanisms, validates the peer DAT and
// starts the first attestation round.
//
// Per direction the verifying side's preference order governs: the local
// verifier id is the first local verifier the peer can prove, the local
// prover id is the first peer verifier the local side can prove. Both peers
// compute the same pair.
func (f *fsm) processHello(hello *wire.Hello) {
	f.verifierID = firstMatch(f.cfg.SupportedRatVerifiers, hello.SupportedRatProvers)
	f.proverID = firstMatch(hello.SupportedRatVerifiers, f.cfg.SupportedRatProvers)
	if f.proverID == "" || f.verifierID == "" {
		f.logger.Warn("No matching RAT mechanism",
			zap.Strings("local_provers", f.cfg.SupportedRatProvers),
			zap.Strings("local_verifiers", f.cfg.SupportedRatVerifiers),
			zap.Strings("peer_provers", hello.SupportedRatProvers),
			zap.Strings("peer_verifiers", hello.SupportedRatVerifiers))
		f.shutdown("no matching RAT mechanism", wire.CloseCodeNoMatchingRat, true, ErrNoMatchingRat)
		return
	}
	f.logger.Info("Negotiated RAT mechanisms",
		zap.String("prover", f.proverID), zap.String("verifier", f.verifierID))

	if !f.verifyPeerDat(hello.Dat) {
		return
	}

	f.ratProverDone = false
	f.ratVerifierDone = false
	if !f.startProver() || !f.startVerifier() {
		return
	}
	f.ratTimer.Start(f.cfg.RatTimeout, f.timerEvent(evRatTimeout))
	f.transition(StateWaitForRat)
}

// verifyPeerDat validates a peer token and re-arms the dat timer from its
// expiry. On rejection the connection closes with DatInvalid.
func (f *fsm) verifyPeerDat(token []byte) bool {
	validity, err := f.cfg.DatVerifier.Verify(token, f.peerCert)
	if err != nil {
		f.logger.Warn("Peer DAT rejected", zap.Error(err))
		f.shutdown("invalid DAT", wire.CloseCodeDatInvalid, true, ErrDatInvalid)
		return false
	}
	f.peerDatDeadline = f.cfg.Clock.Now().Add(validity)
	f.datTimer.Start(validity, f.timerEvent(evDatTimeout))
	return true
}

// handleActive covers the attestation and steady states; the events an
// individual state does not expect are dropped by the guards inside.
func (f *fsm) handleActive(ev event) {
	state := f.currentState()

	switch ev.kind {
	case evWireMessage:
		f.handleActiveWire(ev.msg)

	case evProverMessage:
		f.sendMsg(wire.NewRatProver(ev.payload))
	case evVerifierMessage:
		f.sendMsg(wire.NewRatVerifier(ev.payload))

	case evProverOK:
		f.logger.Debug("RAT prover finished")
		f.ratProverDone = true
		f.reproving = false
		f.stopProver()
		f.recompute()
	case evVerifierOK:
		f.logger.Debug("RAT verifier finished")
		f.ratVerifierDone = true
		f.stopVerifier()
		f.recompute()

	case evProverFailed:
		f.logger.Warn("RAT prover failed", zap.Error(ev.err), zap.Bool("security_event", true))
		f.shutdown("RAT prover failed", wire.CloseCodeRatFailed, true, ErrRatFailed)
	case evVerifierFailed:
		f.logger.Warn("RAT verifier failed", zap.Error(ev.err), zap.Bool("security_event", true))
		f.shutdown("RAT verifier failed", wire.CloseCodeRatFailed, true, ErrRatFailed)

	case evHandshakeTimeout:
		f.shutdown("handshake timeout", wire.CloseCodeTimeout, true, ErrHandshakeTimeout)

	case evRatTimeout:
		if state == StateEstablished {
			// Periodic refresh.
			f.initiateReRat(true)
		} else {
			f.shutdown("RAT timeout", wire.CloseCodeRatFailed, true, ErrRatFailed)
		}

	case evDatTimeout:
		// The peer's DAT lifetime elapsed: demand a fresh one. Timer events
		// are handled in arrival order; a RAT refresh firing queued before
		// this event is processed first.
		f.logger.Debug("Peer DAT expired, requesting refresh")
		if !f.sendMsg(wire.NewDatExpired()) {
			return
		}
		f.awaitingPeerDat = true
		f.ratVerifierDone = false
		f.stopVerifier()
		if state == StateEstablished {
			f.ratTimer.Start(f.cfg.RatTimeout, f.timerEvent(evRatTimeout))
		}
		f.recompute()

	case evAckTimeout:
		// The ack timer is part of the timer surface but never armed; the
		// wire alphabet has no ACK message.

	case evSend:
		if state != StateEstablished {
			f.logger.Debug("Dropping user payload outside STATE_ESTABLISHED")
			return
		}
		f.sendMsg(wire.NewData(ev.payload))

	case evRepeatRat:
		if state == StateEstablished {
			f.initiateReRat(true)
		}
	}
}

func (f *fsm) handleActiveWire(msg *wire.Message) {
	state := f.currentState()

	switch msg.Kind {
	case wire.KindData:
		if state != StateEstablished {
			f.logger.Debug("Dropping IDSCP_DATA outside STATE_ESTABLISHED")
			return
		}
		if f.onMessage != nil {
			payload := msg.Data.Payload
			f.safeCallback("onMessage", func() { f.onMessage(payload) })
		}

	case wire.KindReRat:
		if state == StateEstablished {
			f.initiateReRat(false)
		}

	case wire.KindDatExpired:
		// The peer considers our DAT expired: ship a fresh one and re-prove.
		token, validity, err := f.cfg.DatProvider.Token()
		if err != nil {
			f.logger.Error("DAT provider failed on refresh", zap.Error(err))
			f.shutdown("no local DAT", wire.CloseCodeInternalError, true, err)
			return
		}
		f.localDat = token
		f.localDatDeadline = f.cfg.Clock.Now().Add(validity)
		if !f.sendMsg(wire.NewDat(token)) {
			return
		}
		f.reproving = true
		f.ratProverDone = false
		if !f.startProver() {
			return
		}
		if state == StateEstablished {
			f.ratTimer.Start(f.cfg.RatTimeout, f.timerEvent(evRatTimeout))
		}
		f.recompute()

	case wire.KindDat:
		if !f.awaitingPeerDat {
			f.logger.Debug("Dropping unsolicited DAT")
			return
		}
		if !f.verifyPeerDat(msg.Dat.Token) {
			return
		}
		f.awaitingPeerDat = false
		if !f.startVerifier() {
			return
		}
		f.ratTimer.Start(f.cfg.RatTimeout, f.timerEvent(evRatTimeout))
		f.recompute()

	case wire.KindRatProver:
		// Peer prover evidence feeds the local verifier driver.
		if f.verifier == nil {
			f.logger.Debug("Dropping RAT_PROVER message, verifier no longer alive")
			return
		}
		f.verifier.Delegate(msg.RatProver.Payload)

	case wire.KindRatVerifier:
		if f.prover == nil {
			f.logger.Debug("Dropping RAT_VERIFIER message, prover no longer alive")
			return
		}
		f.prover.Delegate(msg.RatVerifier.Payload)

	case wire.KindHello:
		f.logger.Debug("Dropping unexpected HELLO")
	}
}

// initiateReRat starts a fresh attestation round from STATE_ESTABLISHED.
// The initiating side additionally notifies the peer with RE_RAT so both
// prover/verifier pairs restart.
func (f *fsm) initiateReRat(notifyPeer bool) {
	if notifyPeer {
		if !f.sendMsg(wire.NewReRat()) {
			return
		}
	}
	f.logger.Debug("Starting RAT refresh round")
	f.ratProverDone = false
	f.ratVerifierDone = false
	if !f.startProver() || !f.startVerifier() {
		return
	}
	f.ratTimer.Start(f.cfg.RatTimeout, f.timerEvent(evRatTimeout))
	f.recompute()
}

// recompute derives the current state from the pending-work flags and
// performs the Established entry actions once nothing is pending.
func (f *fsm) recompute() {
	if f.currentState() == StateClosed {
		return
	}
	switch {
	case f.awaitingPeerDat:
		f.transition(StateWaitForDatAndRat)
	case !f.ratProverDone && !f.ratVerifierDone:
		f.transition(StateWaitForRat)
	case !f.ratProverDone && f.reproving:
		f.transition(StateWaitForDatAndRatVerifier)
	case !f.ratProverDone:
		f.transition(StateWaitForRatProver)
	case !f.ratVerifierDone:
		f.transition(StateWaitForRatVerifier)
	default:
		f.enterEstablished()
	}
}

// enterEstablished performs the steady-state entry actions: both drivers
// stopped, the handshake timer disarmed, the rat timer re-armed for the
// refresh interval.
func (f *fsm) enterEstablished() {
	f.stopProver()
	f.stopVerifier()
	f.handshakeTimer.Cancel()
	f.ratTimer.Start(f.cfg.RatRefreshInterval, f.timerEvent(evRatTimeout))
	f.transition(StateEstablished)
}

// sendMsg writes one frame. A failed write is fatal to the connection and
// reports false so the caller aborts its transition.
func (f *fsm) sendMsg(msg *wire.Message) bool {
	if err := f.channel.Send(msg); err != nil {
		f.logger.Error("Failed to send frame",
			zap.String("message_type", msg.Kind.String()), zap.Error(err))
		f.shutdown("send failed", 0, false, ErrTlsError)
		return false
	}
	return true
}

// startProver launches the negotiated prover driver. A start failure is a
// terminal RAT failure.
func (f *fsm) startProver() bool {
	f.stopProver()
	f.proverGen++
	listener := &driverListener{
		queue:      f.queue,
		generation: f.proverGen,
		msgKind:    evProverMessage,
		okKind:     evProverOK,
		failKind:   evProverFailed,
	}
	handle := f.cfg.Provers.Start(f.proverID, listener)
	if handle == nil {
		f.shutdown("RAT prover unavailable", wire.CloseCodeRatFailed, true, ErrInternalDriverError)
		return false
	}
	f.prover = handle
	return true
}

func (f *fsm) startVerifier() bool {
	f.stopVerifier()
	f.verifierGen++
	listener := &driverListener{
		queue:      f.queue,
		generation: f.verifierGen,
		msgKind:    evVerifierMessage,
		okKind:     evVerifierOK,
		failKind:   evVerifierFailed,
	}
	handle := f.cfg.Verifiers.Start(f.verifierID, listener)
	if handle == nil {
		f.shutdown("RAT verifier unavailable", wire.CloseCodeRatFailed, true, ErrInternalDriverError)
		return false
	}
	f.verifier = handle
	return true
}

// stopProver disposes the current prover handle. Bumping the generation
// counter makes the worker discard notifications the stopped driver still
// emits.
func (f *fsm) stopProver() {
	if f.prover == nil {
		return
	}
	handle := f.prover
	f.prover = nil
	f.proverGen++
	handle.Stop()
	go f.watchDriverStop(handle, "prover")
}

func (f *fsm) stopVerifier() {
	if f.verifier == nil {
		return
	}
	handle := f.verifier
	f.verifier = nil
	f.verifierGen++
	handle.Stop()
	go f.watchDriverStop(handle, "verifier")
}

func (f *fsm) watchDriverStop(handle *rat.Handle, role string) {
	if !handle.AwaitStop(rat.StopGracePeriod) {
		f.logger.Warn("RAT driver ignored stop request",
			zap.String("role", role), zap.String("driver_id", handle.ID()))
	}
}

// shutdown is the unified teardown: cancel all timers, stop both drivers,
// emit CLOSE while the channel is still writable, close the transport,
// enter STATE_CLOSED and fire onClose exactly once. After entry completes
// no further frame is emitted.
func (f *fsm) shutdown(reason string, code wire.CloseCode, sendClose bool, err error) {
	if f.shutdownDone {
		return
	}
	f.shutdownDone = true

	f.handshakeTimer.Cancel()
	f.datTimer.Cancel()
	f.ratTimer.Cancel()
	f.ackTimer.Cancel()

	f.stopProver()
	f.stopVerifier()

	if sendClose {
		_ = f.channel.Send(wire.NewClose(reason, code))
	}
	_ = f.channel.Close()

	f.transition(StateClosed)

	if err != nil && f.onError != nil {
		errVal := err
		f.safeCallback("onError", func() { f.onError(errVal) })
	}
	if f.everStarted {
		f.closeOnce.Do(func() {
			for _, handler := range f.onCloseHandlers {
				f.safeCallback("onClose", handler)
			}
			close(f.closed)
		})
	}
	f.queue.close()
}

func (f *fsm) safeCallback(name string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			f.logger.Error("User callback panicked",
				zap.String("callback", name), zap.Any("panic", rec))
		}
	}()
	fn()
}

// timerEvent builds the onFire hook delivering a tagged timer event into
// the queue.
func (f *fsm) timerEvent(kind eventKind) func() {
	return func() {
		f.queue.put(event{kind: kind})
	}
}

// driverListener adapts a running driver's callbacks into generation-tagged
// queue events.
type driverListener struct {
	queue      *eventQueue
	generation uint64
	msgKind    eventKind
	okKind     eventKind
	failKind   eventKind
}

func (l *driverListener) OnMessage(payload []byte) {
	l.queue.put(event{kind: l.msgKind, payload: payload, generation: l.generation})
}

func (l *driverListener) OnOK() {
	l.queue.put(event{kind: l.okKind, generation: l.generation})
}

func (l *driverListener) OnFailed(err error) {
	l.queue.put(event{kind: l.failKind, err: err, generation: l.generation})
}

// firstMatch returns the first id in preferred that also occurs in
// available.
func firstMatch(preferred, available []string) string {
	for _, id := range preferred {
		for _, other := range available {
			if id == other {
				return id
			}
		}
	}
	return ""
}
