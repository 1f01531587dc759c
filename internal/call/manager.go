package call

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ripplechat/ripple/internal/proto"
)

// Manager owns the active call sessions of one client runtime and bridges
// the realtime channel to them. Inbound call envelopes are routed to the
// session they belong to; offers for unknown sessions become incoming
// calls.
type Manager struct {
	transport Transport
	media     MediaSource
	selfID    string

	mu       sync.RWMutex
	sessions map[string]*Session

	cfgMu       sync.RWMutex
	ringTimeout time.Duration

	incomingMu sync.RWMutex
	incoming   []func(*IncomingCall)
}

// NewManager wires a call manager onto the transport. It starts receiving
// signaling immediately; a drop of the underlying channel terminates every
// live session with PeerUnreachable.
func NewManager(transport Transport, media MediaSource, ringTimeout time.Duration) *Manager {
	m := &Manager{
		transport:   transport,
		media:       media,
		selfID:      transport.UserID(),
		sessions:    make(map[string]*Session),
		ringTimeout: ringTimeout,
	}
	transport.On(proto.TypeCall, m.handleEnvelope)
	transport.OnConnectionChange(func(connected bool) {
		if !connected {
			m.terminateAll(ReasonPeerUnreachable)
		}
	})
	return m
}

// SetRingTimeout swaps the no-answer bound; called on config reload.
// Sessions already ringing keep the timer they were armed with.
func (m *Manager) SetRingTimeout(d time.Duration) {
	m.cfgMu.Lock()
	m.ringTimeout = d
	m.cfgMu.Unlock()
}

func (m *Manager) currentRingTimeout() time.Duration {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.ringTimeout
}

// OnIncoming registers a callback fired for each incoming offer. Multiple
// handlers may be registered; each receives the same IncomingCall.
func (m *Manager) OnIncoming(fn func(*IncomingCall)) {
	m.incomingMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.incomingMu.Unlock()
}

// StartCall initiates an outbound session to calleeID. On media failure
// the session is discarded and ErrMediaUnavailable is returned; no
// signaling reaches the callee.
func (m *Manager) StartCall(calleeID, conversationID, mode string) (*Session, error) {
	s := newSession(m, uuid.NewString(), m.selfID, calleeID, conversationID, mode, RoleCaller)

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	if err := s.initiate(m.currentRingTimeout()); err != nil {
		m.remove(s.id)
		return nil, err
	}
	return s, nil
}

// Session returns the active session with the given id, if any.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Sessions returns a snapshot of all active sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Close hangs up every active session.
func (m *Manager) Close() {
	m.terminateAll(ReasonHangup)
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

func (m *Manager) terminateAll(reason string) {
	for _, s := range m.Sessions() {
		s.terminate(reason, reason != ReasonPeerUnreachable)
	}
}

// handleEnvelope routes one inbound call envelope. Events for sessions
// that no longer exist are dropped silently; termination races are
// expected, not errors.
func (m *Manager) handleEnvelope(env *proto.Envelope) {
	var msg proto.CallMsg
	if err := proto.DecodePayload(env.Payload, &msg); err != nil || msg.SessionID == "" {
		return
	}

	if msg.Kind == proto.CallOffer {
		m.handleOffer(env.From, msg)
		return
	}

	s, ok := m.Session(msg.SessionID)
	if !ok {
		return
	}
	switch msg.Kind {
	case proto.CallRing:
		s.handleRing()
	case proto.CallAnswer:
		s.handleAnswer(msg.SDP)
	case proto.CallCandidate:
		s.handleCandidate(msg.Candidate)
	case proto.CallTerminate:
		s.handleRemoteTerminate(msg.Reason)
	}
}

// handleOffer creates the callee-side session, acknowledges receipt so the
// caller starts hearing ringback, and fans the incoming call out to
// subscribers. A duplicate offer for a known session is ignored.
func (m *Manager) handleOffer(from string, msg proto.CallMsg) {
	m.mu.Lock()
	if _, exists := m.sessions[msg.SessionID]; exists {
		m.mu.Unlock()
		return
	}
	s := newSession(m, msg.SessionID, from, m.selfID, msg.ConversationID, msg.Mode, RoleCallee)
	s.remoteOffer = msg.SDP
	s.state = StateRinging
	s.notifyQ = []State{StateRinging}
	// The callee rings at most as long as the caller waits; if the caller
	// vanished without a terminate, the session still winds down.
	s.ringTimer = time.AfterFunc(m.currentRingTimeout(), s.handleTimeout)
	m.sessions[msg.SessionID] = s
	m.mu.Unlock()

	// Distinct from accepting: this only tells the caller their offer
	// reached a live channel.
	s.sendSignal(proto.CallMsg{SessionID: s.id, Kind: proto.CallRing})
	s.flush()
	log.Printf("CALL [%s]: incoming %s call from %s", s.id, s.mode, from)

	ic := &IncomingCall{
		SessionID:      s.id,
		CallerID:       from,
		ConversationID: msg.ConversationID,
		Mode:           msg.Mode,
		Session:        s,
	}
	m.incomingMu.RLock()
	handlers := append([]func(*IncomingCall){}, m.incoming...)
	m.incomingMu.RUnlock()
	for _, fn := range handlers {
		fn(ic)
	}
}
