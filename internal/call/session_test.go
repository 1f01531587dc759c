package call

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/ripplechat/ripple/internal/proto"
)

// fakeTransport is an in-process stand-in for the realtime channel. Two
// linked transports deliver each other's call envelopes synchronously, the
// way the relay would. Address candidates are dropped by default so tests
// drive connectivity transitions explicitly instead of racing real ICE.
type fakeTransport struct {
	id string

	mu             sync.Mutex
	peer           *fakeTransport
	handlers       map[string][]func(*proto.Envelope)
	connFns        []func(bool)
	sent           []proto.CallMsg
	dropCandidates bool
}

func newFakeTransport(id string) *fakeTransport {
	return &fakeTransport{
		id:             id,
		handlers:       make(map[string][]func(*proto.Envelope)),
		dropCandidates: true,
	}
}

func linkTransports(a, b *fakeTransport) {
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()
	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()
}

func (t *fakeTransport) UserID() string { return t.id }

func (t *fakeTransport) On(envType string, h func(*proto.Envelope)) {
	t.mu.Lock()
	t.handlers[envType] = append(t.handlers[envType], h)
	t.mu.Unlock()
}

func (t *fakeTransport) OnConnectionChange(fn func(connected bool)) {
	t.mu.Lock()
	t.connFns = append(t.connFns, fn)
	t.mu.Unlock()
}

func (t *fakeTransport) Send(env *proto.Envelope) error {
	var msg proto.CallMsg
	if err := proto.DecodePayload(env.Payload, &msg); err != nil {
		return err
	}

	t.mu.Lock()
	t.sent = append(t.sent, msg)
	peer := t.peer
	drop := t.dropCandidates && msg.Kind == proto.CallCandidate
	t.mu.Unlock()

	if peer == nil || drop {
		return nil
	}
	peer.deliver(&proto.Envelope{
		Room:    env.Room,
		From:    t.id,
		Type:    env.Type,
		Payload: msg,
		TS:      proto.NowMillis(),
	})
	return nil
}

// deliver feeds an envelope to this transport's handlers, as if it arrived
// over the wire.
func (t *fakeTransport) deliver(env *proto.Envelope) {
	t.mu.Lock()
	hs := append([]func(*proto.Envelope){}, t.handlers[env.Type]...)
	t.mu.Unlock()
	for _, h := range hs {
		h(env)
	}
}

func (t *fakeTransport) dropConnection() {
	t.mu.Lock()
	fns := append([]func(bool){}, t.connFns...)
	t.mu.Unlock()
	for _, fn := range fns {
		fn(false)
	}
}

func (t *fakeTransport) sentCount(kind string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, msg := range t.sent {
		if msg.Kind == kind {
			n++
		}
	}
	return n
}

// fakeMedia builds bare peer connections with a receive-only audio
// transceiver, enough for offer/answer generation without touching real
// capture devices.
type fakeMedia struct {
	mu       sync.Mutex
	fail     bool
	releases int
}

func (f *fakeMedia) NewSession(mode string) (*webrtc.PeerConnection, func(), error) {
	if f.fail {
		return nil, nil, errors.New("capture devices busy")
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, nil, err
	}
	_, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly})
	if err != nil {
		pc.Close()
		return nil, nil, err
	}
	release := func() {
		f.mu.Lock()
		f.releases++
		f.mu.Unlock()
	}
	return pc, release, nil
}

func (f *fakeMedia) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releases
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s stuck in %s, want %s", s.ID(), s.State(), want)
}

// testPair wires two managers over a loopback, returning bob's incoming
// call feed.
func testPair(t *testing.T, aliceTimeout, bobTimeout time.Duration) (*Manager, *Manager, *fakeMedia, *fakeMedia, chan *IncomingCall) {
	t.Helper()
	aliceT := newFakeTransport("alice")
	bobT := newFakeTransport("bob")
	linkTransports(aliceT, bobT)

	aliceMedia := &fakeMedia{}
	bobMedia := &fakeMedia{}
	alice := NewManager(aliceT, aliceMedia, aliceTimeout)
	bob := NewManager(bobT, bobMedia, bobTimeout)

	incoming := make(chan *IncomingCall, 4)
	bob.OnIncoming(func(ic *IncomingCall) { incoming <- ic })

	t.Cleanup(func() {
		alice.Close()
		bob.Close()
	})
	return alice, bob, aliceMedia, bobMedia, incoming
}

func TestOutboundCallAnswered(t *testing.T) {
	alice, _, _, _, incoming := testPair(t, time.Hour, time.Hour)

	var transitions []State
	var transMu sync.Mutex

	s, err := alice.StartCall("bob", "conv1", proto.ModeAudio)
	if err != nil {
		t.Fatalf("start call: %v", err)
	}
	s.OnStateChange(func(st State) {
		transMu.Lock()
		transitions = append(transitions, st)
		transMu.Unlock()
	})

	// The callee's channel acknowledged the offer, so the caller hears
	// ringback before anyone picks up.
	waitState(t, s, StateRinging)

	var ic *IncomingCall
	select {
	case ic = <-incoming:
	case <-time.After(3 * time.Second):
		t.Fatal("offer never surfaced as incoming call")
	}
	if ic.CallerID != "alice" || ic.ConversationID != "conv1" || ic.Mode != proto.ModeAudio {
		t.Fatalf("unexpected incoming call: %+v", ic)
	}
	if ic.Session.State() != StateRinging {
		t.Fatalf("callee session in %s, want ringing", ic.Session.State())
	}

	if err := ic.Accept(); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitState(t, ic.Session, StateNegotiating)
	waitState(t, s, StateNegotiating)

	// Connectivity convergence is reported by the peer connection; drive it
	// directly here.
	s.handleTransportConnected()
	waitState(t, s, StateConnected)

	transMu.Lock()
	defer transMu.Unlock()
	// Subscribing replays the state the session was already in.
	want := []State{StateRinging, StateNegotiating, StateConnected}
	if len(transitions) != len(want) {
		t.Fatalf("observer saw %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("observer saw %v, want %v", transitions, want)
		}
	}
}

func TestIncomingObserverSeesRinging(t *testing.T) {
	aliceT := newFakeTransport("alice")
	bobT := newFakeTransport("bob")
	linkTransports(aliceT, bobT)

	alice := NewManager(aliceT, &fakeMedia{}, time.Hour)
	bob := NewManager(bobT, &fakeMedia{}, time.Hour)

	// The incoming handler is the first place an inbound session becomes
	// reachable; anything subscribed there (ring cue, UI) must still see
	// the Ringing transition that happened before the subscription.
	seen := make(chan State, 4)
	bob.OnIncoming(func(ic *IncomingCall) {
		ic.Session.OnStateChange(func(st State) { seen <- st })
	})

	s, err := alice.StartCall("bob", "conv1", proto.ModeAudio)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Terminate(ReasonHangup)

	select {
	case st := <-seen:
		if st != StateRinging {
			t.Fatalf("first observed state %s, want ringing", st)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("observer attached in the incoming handler saw no state")
	}
}

func TestRejectPropagatesToCaller(t *testing.T) {
	alice, _, aliceMedia, bobMedia, incoming := testPair(t, time.Hour, time.Hour)

	s, err := alice.StartCall("bob", "conv1", proto.ModeAudio)
	if err != nil {
		t.Fatal(err)
	}
	ic := <-incoming
	ic.Reject()

	waitState(t, ic.Session, StateEnded)
	waitState(t, s, StateEnded)
	if got := s.Info().EndReason; got != ReasonRejected {
		t.Fatalf("caller end reason %q, want %q", got, ReasonRejected)
	}
	if got := aliceMedia.releaseCount(); got != 1 {
		t.Fatalf("caller media released %d times, want 1", got)
	}
	// The callee never picked up, so it never acquired media.
	if got := bobMedia.releaseCount(); got != 0 {
		t.Fatalf("callee released media it never acquired: %d", got)
	}
	if _, ok := alice.Session(s.ID()); ok {
		t.Fatal("ended session still registered")
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	transport := newFakeTransport("alice")
	media := &fakeMedia{}
	m := NewManager(transport, media, time.Hour)

	s, err := m.StartCall("bob", "", proto.ModeAudio)
	if err != nil {
		t.Fatal(err)
	}

	s.Terminate(ReasonHangup)
	s.Terminate(ReasonHangup)
	s.Terminate(ReasonPeerUnreachable)

	if got := transport.sentCount(proto.CallTerminate); got != 1 {
		t.Fatalf("terminate signaled %d times, want 1", got)
	}
	if got := media.releaseCount(); got != 1 {
		t.Fatalf("media released %d times, want 1", got)
	}
	if got := s.Info().EndReason; got != ReasonHangup {
		t.Fatalf("first termination should win, got %q", got)
	}
}

func TestRingTimeoutEndsUnansweredCall(t *testing.T) {
	transport := newFakeTransport("alice")
	m := NewManager(transport, &fakeMedia{}, 50*time.Millisecond)

	s, err := m.StartCall("bob", "", proto.ModeAudio)
	if err != nil {
		t.Fatal(err)
	}
	waitState(t, s, StateEnded)
	if got := s.Info().EndReason; got != ReasonNoAnswer {
		t.Fatalf("end reason %q, want %q", got, ReasonNoAnswer)
	}
	if got := transport.sentCount(proto.CallTerminate); got != 1 {
		t.Fatalf("terminate signaled %d times, want 1", got)
	}
}

func TestCalleeRingTimeout(t *testing.T) {
	alice, _, _, _, incoming := testPair(t, time.Hour, 50*time.Millisecond)

	s, err := alice.StartCall("bob", "", proto.ModeAudio)
	if err != nil {
		t.Fatal(err)
	}
	ic := <-incoming

	// Nobody picks up; the callee side winds down on its own and tells the
	// caller.
	waitState(t, ic.Session, StateEnded)
	waitState(t, s, StateEnded)
	if got := s.Info().EndReason; got != ReasonNoAnswer {
		t.Fatalf("caller end reason %q, want %q", got, ReasonNoAnswer)
	}
}

func TestCandidatesQueueUntilRemoteDescription(t *testing.T) {
	caller, _, _, _, incoming := testPair(t, time.Hour, time.Hour)

	if _, err := caller.StartCall("bob", "", proto.ModeAudio); err != nil {
		t.Fatal(err)
	}
	ic := <-incoming
	callee := ic.Session

	blob := `{"candidate":"candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host"}`
	callee.handleCandidate(blob)
	callee.handleCandidate(blob)

	callee.mu.Lock()
	queued, drained := len(callee.pending), callee.remoteSet
	callee.mu.Unlock()
	if queued != 2 || drained {
		t.Fatalf("expected 2 queued candidates before accept, got %d (drained=%v)", queued, drained)
	}

	if err := ic.Accept(); err != nil {
		t.Fatal(err)
	}
	callee.mu.Lock()
	queued, drained = len(callee.pending), callee.remoteSet
	callee.mu.Unlock()
	if queued != 0 || !drained {
		t.Fatalf("accept should drain the queue exactly once, got %d (drained=%v)", queued, drained)
	}

	// Late candidates after the description apply directly, never re-queue.
	callee.handleCandidate(blob)
	callee.mu.Lock()
	queued = len(callee.pending)
	callee.mu.Unlock()
	if queued != 0 {
		t.Fatalf("post-drain candidate was queued")
	}
}

func TestCandidateForEndedSessionIsDropped(t *testing.T) {
	transport := newFakeTransport("alice")
	m := NewManager(transport, &fakeMedia{}, time.Hour)

	s, err := m.StartCall("bob", "", proto.ModeAudio)
	if err != nil {
		t.Fatal(err)
	}
	s.Terminate(ReasonHangup)

	s.handleCandidate(`{"candidate":"candidate:1 1 udp 1 127.0.0.1 1 typ host"}`)
	s.mu.Lock()
	queued := len(s.pending)
	s.mu.Unlock()
	if queued != 0 {
		t.Fatal("ended session queued a candidate")
	}
}

func TestMediaFailureNeverSignals(t *testing.T) {
	transport := newFakeTransport("alice")
	m := NewManager(transport, &fakeMedia{fail: true}, time.Hour)

	_, err := m.StartCall("bob", "", proto.ModeVideo)
	if !errors.Is(err, ErrMediaUnavailable) {
		t.Fatalf("expected ErrMediaUnavailable, got %v", err)
	}
	if got := transport.sentCount(proto.CallOffer); got != 0 {
		t.Fatalf("offer reached the wire despite media failure")
	}
	if got := len(m.Sessions()); got != 0 {
		t.Fatalf("failed session still registered: %d", got)
	}
}

func TestMediaFailureOnAcceptTellsCaller(t *testing.T) {
	aliceT := newFakeTransport("alice")
	bobT := newFakeTransport("bob")
	linkTransports(aliceT, bobT)

	alice := NewManager(aliceT, &fakeMedia{}, time.Hour)
	bob := NewManager(bobT, &fakeMedia{fail: true}, time.Hour)

	incoming := make(chan *IncomingCall, 1)
	bob.OnIncoming(func(ic *IncomingCall) { incoming <- ic })

	s, err := alice.StartCall("bob", "", proto.ModeAudio)
	if err != nil {
		t.Fatal(err)
	}
	ic := <-incoming
	if err := ic.Accept(); !errors.Is(err, ErrMediaUnavailable) {
		t.Fatalf("expected ErrMediaUnavailable, got %v", err)
	}

	waitState(t, s, StateEnded)
	if got := s.Info().EndReason; got != ReasonMediaUnavailable {
		t.Fatalf("caller end reason %q, want %q", got, ReasonMediaUnavailable)
	}
}

func TestConnectionDropTerminatesWithoutSignaling(t *testing.T) {
	aliceT := newFakeTransport("alice")
	m := NewManager(aliceT, &fakeMedia{}, time.Hour)

	s, err := m.StartCall("bob", "", proto.ModeAudio)
	if err != nil {
		t.Fatal(err)
	}

	aliceT.dropConnection()
	waitState(t, s, StateEnded)
	if got := s.Info().EndReason; got != ReasonPeerUnreachable {
		t.Fatalf("end reason %q, want %q", got, ReasonPeerUnreachable)
	}
	// The channel is down; a terminate signal could not reach the peer
	// anyway and must not be attempted.
	if got := aliceT.sentCount(proto.CallTerminate); got != 0 {
		t.Fatalf("terminate signaled over a dead channel %d times", got)
	}
}

func TestTransportFailureReleasesMedia(t *testing.T) {
	alice, _, aliceMedia, bobMedia, incoming := testPair(t, time.Hour, time.Hour)

	s, err := alice.StartCall("bob", "conv1", proto.ModeAudio)
	if err != nil {
		t.Fatalf("start call: %v", err)
	}
	ic := <-incoming
	if err := ic.Accept(); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitState(t, s, StateNegotiating)
	s.handleTransportConnected()
	ic.Session.handleTransportConnected()
	waitState(t, s, StateConnected)
	waitState(t, ic.Session, StateConnected)

	// Bob's peer connection gives up mid-call. His side tells alice, and
	// both ends tear down instead of waiting out the ICE failed timeout.
	ic.Session.handleTransportFailed()

	waitState(t, ic.Session, StateEnded)
	waitState(t, s, StateEnded)
	if got := ic.Session.Info().EndReason; got != ReasonPeerUnreachable {
		t.Fatalf("callee end reason %q, want %q", got, ReasonPeerUnreachable)
	}
	if got := s.Info().EndReason; got != ReasonPeerUnreachable {
		t.Fatalf("caller end reason %q, want %q", got, ReasonPeerUnreachable)
	}
	if got := bobMedia.releaseCount(); got != 1 {
		t.Fatalf("callee released media %d times, want 1", got)
	}
	if got := aliceMedia.releaseCount(); got != 1 {
		t.Fatalf("caller released media %d times, want 1", got)
	}
}

func TestUnknownSessionEventsDropped(t *testing.T) {
	transport := newFakeTransport("bob")
	m := NewManager(transport, &fakeMedia{}, time.Hour)

	for _, kind := range []string{proto.CallRing, proto.CallAnswer, proto.CallCandidate, proto.CallTerminate} {
		transport.deliver(&proto.Envelope{
			Type:    proto.TypeCall,
			From:    "alice",
			Payload: proto.CallMsg{SessionID: "ghost", Kind: kind},
		})
	}
	if got := len(m.Sessions()); got != 0 {
		t.Fatalf("stray events created %d sessions", got)
	}
}

func TestDuplicateOfferIgnored(t *testing.T) {
	transport := newFakeTransport("bob")
	m := NewManager(transport, &fakeMedia{}, time.Hour)

	fired := 0
	m.OnIncoming(func(*IncomingCall) { fired++ })

	offer := &proto.Envelope{
		Type: proto.TypeCall,
		From: "alice",
		Payload: proto.CallMsg{
			SessionID: "dup", Kind: proto.CallOffer,
			CallerID: "alice", CalleeID: "bob",
			Mode: proto.ModeAudio, SDP: "v=0",
		},
	}
	transport.deliver(offer)
	transport.deliver(offer)

	if fired != 1 {
		t.Fatalf("incoming handler fired %d times, want 1", fired)
	}
	if got := transport.sentCount(proto.CallRing); got != 1 {
		t.Fatalf("ring acknowledged %d times, want 1", got)
	}
	if got := len(m.Sessions()); got != 1 {
		t.Fatalf("%d sessions registered, want 1", got)
	}
}
