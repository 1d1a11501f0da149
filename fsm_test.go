package idscp2

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/industrial-data-space/idscp2-go/dat"
	"github.com/industrial-data-space/idscp2-go/rat"
	"github.com/industrial-data-space/idscp2-go/rat/dummy"
	"github.com/industrial-data-space/idscp2-go/wire"
)

// pipeEnd is an in-memory secure channel endpoint for driving the state
// machine without TLS underneath.
type pipeEnd struct {
	in        chan *wire.Message
	out       chan *wire.Message
	localCert *x509.Certificate
	peerCert  *x509.Certificate
	localDone chan struct{}
	peerDone  chan struct{}
	closeOnce sync.Once
}

func newPipePair(certA, certB *x509.Certificate) (*pipeEnd, *pipeEnd) {
	aToB := make(chan *wire.Message, 256)
	bToA := make(chan *wire.Message, 256)
	aDone := make(chan struct{})
	bDone := make(chan struct{})
	a := &pipeEnd{in: bToA, out: aToB, localCert: certA, peerCert: certB, localDone: aDone, peerDone: bDone}
	b := &pipeEnd{in: aToB, out: bToA, localCert: certB, peerCert: certA, localDone: bDone, peerDone: aDone}
	return a, b
}

func (p *pipeEnd) Send(msg *wire.Message) error {
	// Round-trip through the codec so the wire contract stays honest.
	body, err := wire.EncodeMessage(msg)
	if err != nil {
		return err
	}
	decoded, err := wire.DecodeMessage(body)
	if err != nil {
		return err
	}
	select {
	case <-p.localDone:
		return errors.New("channel closed")
	default:
	}
	select {
	case p.out <- decoded:
		return nil
	case <-p.localDone:
		return errors.New("channel closed")
	}
}

func (p *pipeEnd) Receive() (*wire.Message, error) {
	// Drain delivered frames before reporting the peer's close.
	select {
	case msg := <-p.in:
		return msg, nil
	default:
	}
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.peerDone:
		return nil, io.EOF
	case <-p.localDone:
		return nil, io.EOF
	}
}

func (p *pipeEnd) PeerCertificate() *x509.Certificate  { return p.peerCert }
func (p *pipeEnd) LocalCertificate() *x509.Certificate { return p.localCert }

func (p *pipeEnd) Close() error {
	p.closeOnce.Do(func() { close(p.localDone) })
	return nil
}

func selfSigned(t *testing.T, cn string) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	return cert
}

// dummyRegistries returns fresh registries with the dummy pair registered,
// so tests do not share driver state through the process defaults.
func dummyRegistries() (*rat.Registry, *rat.Registry) {
	provers := rat.NewRegistry("prover", nil)
	verifiers := rat.NewRegistry("verifier", nil)
	provers.Register(dummy.DriverID, dummy.NewProver, nil)
	verifiers.Register(dummy.DriverID, dummy.NewVerifier, nil)
	return provers, verifiers
}

func testConfig(provers, verifiers *rat.Registry, datValidity time.Duration) *Config {
	return &Config{
		SupportedRatProvers:   []string{dummy.DriverID},
		SupportedRatVerifiers: []string{dummy.DriverID},
		HandshakeTimeout:      5 * time.Second,
		RatTimeout:            5 * time.Second,
		RatRefreshInterval:    10 * time.Minute,
		DatProvider:           dat.Static{TokenBytes: []byte("test-dat"), Validity: datValidity},
		DatVerifier:           dat.AcceptAll(datValidity),
		Provers:               provers,
		Verifiers:             verifiers,
	}
}

// connectPair builds two connections talking over an in-memory pipe. The
// caller starts them.
func connectPair(t *testing.T, cfgA, cfgB *Config) (*Connection, *Connection) {
	t.Helper()
	endA, endB := newPipePair(selfSigned(t, "peer-a"), selfSigned(t, "peer-b"))
	connA := NewConnection(endA, cfgA)
	connB := NewConnection(endB, cfgB)
	return connA, connB
}

func waitForState(t *testing.T, conn *Connection, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if conn.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("connection %s did not reach %v within %v (state %v)",
		conn.ID(), want, timeout, conn.State())
}

func waitClosed(t *testing.T, conn *Connection, timeout time.Duration) {
	t.Helper()
	select {
	case <-conn.Done():
	case <-time.After(timeout):
		t.Fatalf("connection %s did not close within %v (state %v)",
			conn.ID(), timeout, conn.State())
	}
}

func TestHappyPathHandshakeAndData(t *testing.T) {
	provers, verifiers := dummyRegistries()
	connA, connB := connectPair(t,
		testConfig(provers, verifiers, 60*time.Second),
		testConfig(provers, verifiers, 60*time.Second))

	received := make(chan []byte, 1)
	connB.OnMessage(func(payload []byte) { received <- payload })

	connA.Start()
	connB.Start()

	// Both sides settle in STATE_ESTABLISHED well within the 2 s bound.
	waitForState(t, connA, StateEstablished, 2*time.Second)
	waitForState(t, connB, StateEstablished, 2*time.Second)

	if err := connA.Send([]byte("hello")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case payload := <-received:
		if string(payload) != "hello" {
			t.Fatalf("received %q, want %q", payload, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("peer never observed the payload")
	}

	connA.Close()
	waitClosed(t, connA, 2*time.Second)
	waitClosed(t, connB, 2*time.Second)
}

func TestNoMatchingRatClosesBothSides(t *testing.T) {
	provers, verifiers := dummyRegistries()
	cfgA := testConfig(provers, verifiers, 60*time.Second)
	cfgB := testConfig(provers, verifiers, 60*time.Second)
	cfgB.SupportedRatProvers = []string{"TPM2d"}
	cfgB.SupportedRatVerifiers = []string{"TPM2d"}

	connA, connB := connectPair(t, cfgA, cfgB)

	var closesA, closesB atomic.Int32
	dataSeen := make(chan struct{}, 2)
	connA.OnClose(func() { closesA.Add(1) })
	connB.OnClose(func() { closesB.Add(1) })
	connA.OnMessage(func([]byte) { dataSeen <- struct{}{} })
	connB.OnMessage(func([]byte) { dataSeen <- struct{}{} })

	errsA := make(chan error, 4)
	connA.OnError(func(err error) { errsA <- err })

	connA.Start()
	connB.Start()

	waitClosed(t, connA, 5*time.Second)
	waitClosed(t, connB, 5*time.Second)

	if closesA.Load() != 1 || closesB.Load() != 1 {
		t.Errorf("onClose fired %d/%d times, want exactly once each", closesA.Load(), closesB.Load())
	}
	select {
	case <-dataSeen:
		t.Error("IDSCP_DATA delivered despite failed negotiation")
	default:
	}

	// At least one side observed the negotiation failure locally; the other
	// may only see the peer's CLOSE.
	var sawNoMatch bool
	for len(errsA) > 0 {
		if errors.Is(<-errsA, ErrNoMatchingRat) {
			sawNoMatch = true
		}
	}
	if !sawNoMatch && connA.State() != StateClosed {
		t.Error("initiator neither closed nor reported ErrNoMatchingRat")
	}
}

// countingFactory wraps a driver factory and counts instantiations, which
// equals the number of attestation rounds started.
func countingFactory(inner rat.Factory, counter *atomic.Int32) rat.Factory {
	return func() rat.Driver {
		counter.Add(1)
		return inner()
	}
}

func TestRatRefreshRounds(t *testing.T) {
	var proverStartsA atomic.Int32
	provers := rat.NewRegistry("prover", nil)
	verifiers := rat.NewRegistry("verifier", nil)
	provers.Register(dummy.DriverID, countingFactory(dummy.NewProver, &proverStartsA), nil)
	verifiers.Register(dummy.DriverID, dummy.NewVerifier, nil)

	cfgA := testConfig(provers, verifiers, 60*time.Second)
	cfgA.RatRefreshInterval = 500 * time.Millisecond
	// The peer gets its own registries so the counter sees only A's provers.
	peerProvers, peerVerifiers := dummyRegistries()
	cfgB := testConfig(peerProvers, peerVerifiers, 60*time.Second)
	cfgB.RatRefreshInterval = 10 * time.Minute

	connA, connB := connectPair(t, cfgA, cfgB)
	connA.Start()
	connB.Start()

	waitForState(t, connA, StateEstablished, 2*time.Second)
	waitForState(t, connB, StateEstablished, 2*time.Second)

	// Two refresh rounds complete within ~1.5 s of the 500 ms interval.
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		if proverStartsA.Load() >= 3 { // initial round + two refreshes
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got := proverStartsA.Load(); got < 3 {
		t.Fatalf("expected at least 3 prover starts (initial + 2 refreshes), got %d", got)
	}

	// Between rounds the connection re-enters STATE_ESTABLISHED and user
	// sends succeed.
	waitForState(t, connA, StateEstablished, 2*time.Second)
	if err := connA.Send([]byte("still alive")); err != nil {
		t.Errorf("Send after refresh failed: %v", err)
	}

	connA.Close()
	waitClosed(t, connA, 2*time.Second)
	waitClosed(t, connB, 2*time.Second)
}

func TestDatExpiryTriggersRefresh(t *testing.T) {
	provers, verifiers := dummyRegistries()
	cfgA := testConfig(provers, verifiers, 500*time.Millisecond)
	cfgB := testConfig(provers, verifiers, 500*time.Millisecond)

	connA, connB := connectPair(t, cfgA, cfgB)
	connA.Start()
	connB.Start()

	waitForState(t, connA, StateEstablished, 2*time.Second)
	waitForState(t, connB, StateEstablished, 2*time.Second)

	// Both peer-DAT timers fire within 3 s; each side demands a fresh DAT
	// and the connection re-establishes.
	time.Sleep(1500 * time.Millisecond)

	waitForState(t, connA, StateEstablished, 3*time.Second)
	waitForState(t, connB, StateEstablished, 3*time.Second)

	if err := connA.Send([]byte("after refresh")); err != nil {
		t.Errorf("Send after DAT refresh failed: %v", err)
	}

	connA.Close()
	waitClosed(t, connA, 2*time.Second)
	waitClosed(t, connB, 2*time.Second)
}

func TestSendOutsideEstablishedFails(t *testing.T) {
	provers, verifiers := dummyRegistries()
	connA, _ := connectPair(t,
		testConfig(provers, verifiers, 60*time.Second),
		testConfig(provers, verifiers, 60*time.Second))

	// Not started: terminal state.
	if err := connA.Send([]byte("too early")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed before start, got %v", err)
	}

	// Started but the peer never answers: the handshake is pending.
	connA.Start()
	waitForState(t, connA, StateWaitForHello, time.Second)
	if err := connA.Send([]byte("mid-handshake")); !errors.Is(err, ErrNotEstablished) {
		t.Fatalf("expected ErrNotEstablished during handshake, got %v", err)
	}
	connA.Close()
	waitClosed(t, connA, 2*time.Second)
}

// malformedChannel reports a malformed frame on the first receive.
type malformedChannel struct {
	*pipeEnd
	tripped atomic.Bool
}

func (m *malformedChannel) Receive() (*wire.Message, error) {
	if m.tripped.CompareAndSwap(false, true) {
		return nil, wire.ErrMalformedFrame
	}
	return m.pipeEnd.Receive()
}

func TestMalformedFrameIsFatal(t *testing.T) {
	provers, verifiers := dummyRegistries()
	endA, _ := newPipePair(selfSigned(t, "a"), selfSigned(t, "b"))
	conn := NewConnection(&malformedChannel{pipeEnd: endA}, testConfig(provers, verifiers, time.Minute))

	errs := make(chan error, 4)
	conn.OnError(func(err error) { errs <- err })
	conn.Start()

	waitClosed(t, conn, 2*time.Second)
	select {
	case err := <-errs:
		if !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("expected ErrMalformedFrame, got %v", err)
		}
	default:
		t.Fatal("no error reported for malformed frame")
	}
}

func TestProverStartFailureClosesConnection(t *testing.T) {
	provers := rat.NewRegistry("prover", nil)
	verifiers := rat.NewRegistry("verifier", nil)
	provers.Register(dummy.DriverID, func() rat.Driver { panic("prover start exploded") }, nil)
	verifiers.Register(dummy.DriverID, dummy.NewVerifier, nil)

	peerProvers, peerVerifiers := dummyRegistries()

	cfgA := testConfig(provers, verifiers, time.Minute)
	cfgB := testConfig(peerProvers, peerVerifiers, time.Minute)

	connA, connB := connectPair(t, cfgA, cfgB)

	errsA := make(chan error, 4)
	connA.OnError(func(err error) { errsA <- err })

	connA.Start()
	connB.Start()

	waitClosed(t, connA, 3*time.Second)
	waitClosed(t, connB, 3*time.Second)

	var sawDriverError bool
	for len(errsA) > 0 {
		if errors.Is(<-errsA, ErrInternalDriverError) {
			sawDriverError = true
		}
	}
	if !sawDriverError {
		t.Error("prover start failure not reported as ErrInternalDriverError")
	}
}

func TestPeerCloseWins(t *testing.T) {
	provers, verifiers := dummyRegistries()
	connA, connB := connectPair(t,
		testConfig(provers, verifiers, time.Minute),
		testConfig(provers, verifiers, time.Minute))

	errsB := make(chan error, 4)
	connB.OnError(func(err error) { errsB <- err })

	connA.Start()
	connB.Start()
	waitForState(t, connA, StateEstablished, 2*time.Second)
	waitForState(t, connB, StateEstablished, 2*time.Second)

	connA.Close()
	waitClosed(t, connA, 2*time.Second)
	waitClosed(t, connB, 2*time.Second)

	var sawPeerClosed bool
	for len(errsB) > 0 {
		if errors.Is(<-errsB, ErrPeerClosed) {
			sawPeerClosed = true
		}
	}
	if !sawPeerClosed {
		t.Error("peer close not reported as ErrPeerClosed")
	}

	// Operations after close fail fast.
	if err := connB.Send([]byte("late")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after close, got %v", err)
	}
	if err := connB.RepeatRat(); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed for RepeatRat after close, got %v", err)
	}
}

func TestRepeatRatReestablishes(t *testing.T) {
	var proverStarts atomic.Int32
	provers := rat.NewRegistry("prover", nil)
	verifiers := rat.NewRegistry("verifier", nil)
	provers.Register(dummy.DriverID, countingFactory(dummy.NewProver, &proverStarts), nil)
	verifiers.Register(dummy.DriverID, dummy.NewVerifier, nil)

	connA, connB := connectPair(t,
		testConfig(provers, verifiers, time.Minute),
		testConfig(provers, verifiers, time.Minute))
	connA.Start()
	connB.Start()
	waitForState(t, connA, StateEstablished, 2*time.Second)
	waitForState(t, connB, StateEstablished, 2*time.Second)

	before := proverStarts.Load()
	if err := connA.RepeatRat(); err != nil {
		t.Fatalf("RepeatRat failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && proverStarts.Load() <= before {
		time.Sleep(10 * time.Millisecond)
	}
	if proverStarts.Load() <= before {
		t.Fatal("RepeatRat never started a fresh prover")
	}

	waitForState(t, connA, StateEstablished, 2*time.Second)
	waitForState(t, connB, StateEstablished, 2*time.Second)

	connA.Close()
	waitClosed(t, connA, 2*time.Second)
	waitClosed(t, connB, 2*time.Second)
}

func TestEventQueueDropsTimersFirst(t *testing.T) {
	q := newEventQueue(4)
	if !q.put(event{kind: evRatTimeout}) {
		t.Fatal("failed to enqueue timer event")
	}
	for i := 0; i < 3; i++ {
		if !q.put(event{kind: evWireMessage}) {
			t.Fatal("failed to enqueue wire event")
		}
	}
	// Queue is full; the next wire event displaces the queued timer firing.
	if !q.put(event{kind: evWireMessage}) {
		t.Fatal("full queue rejected a wire event with a droppable timer present")
	}
	for i := 0; i < 4; i++ {
		ev, ok := q.next()
		if !ok {
			t.Fatal("queue closed unexpectedly")
		}
		if ev.kind.isTimer() {
			t.Error("timer event survived the overflow")
		}
	}

	// Full queue with nothing droppable: a timer firing is discarded.
	for i := 0; i < 4; i++ {
		q.put(event{kind: evWireMessage})
	}
	if q.put(event{kind: evDatTimeout}) {
		t.Error("timer event accepted into a full queue")
	}
}
