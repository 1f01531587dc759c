// internal/call/session.go
package call

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/ripplechat/ripple/internal/proto"
)

// Session is one side of one call attempt. Its local half is mutated only
// by this instance; the remote half is only ever read from inbound events.
// All transitions run under one mutex, so no two signaling operations for
// the same session overlap.
type Session struct {
	id             string
	callerID       string
	calleeID       string
	conversationID string
	mode           string
	role           Role

	mgr *Manager
	sig Transport

	mu           sync.Mutex
	state        State
	endReason    string
	pc           *webrtc.PeerConnection
	releaseMedia func()

	// Remote offer held by an inbound session until Accept.
	remoteOffer string

	// Candidates that arrived before the remote description. Drained in
	// receipt order exactly once, never re-queued.
	remoteSet bool
	pending   []webrtc.ICECandidateInit

	ringTimer *time.Timer

	statsMu    sync.Mutex
	trackStats map[string]func() TrackStats

	observers []func(State)
	notifyQ   []State
	notifyMu  sync.Mutex
}

func newSession(mgr *Manager, id, callerID, calleeID, conversationID, mode string, role Role) *Session {
	return &Session{
		id:             id,
		callerID:       callerID,
		calleeID:       calleeID,
		conversationID: conversationID,
		mode:           mode,
		role:           role,
		mgr:            mgr,
		sig:            mgr.transport,
		state:          StateIdle,
		trackStats:     make(map[string]func() TrackStats),
	}
}

// ID returns the session identifier shared by both sides.
func (s *Session) ID() string { return s.id }

// Role returns which side of the call this session is.
func (s *Session) Role() Role { return s.role }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		SessionID:      s.id,
		CallerID:       s.callerID,
		CalleeID:       s.calleeID,
		ConversationID: s.conversationID,
		Mode:           s.mode,
		Role:           s.role,
		State:          s.state,
		EndReason:      s.endReason,
	}
}

// OnStateChange subscribes to lifecycle transitions. Observers run in
// transition order, outside the session lock; they may read the session
// but must not block. A session that has already left Idle delivers its
// current state to the new observer immediately, so a subscriber attached
// after a transition (the incoming-call path hands out sessions that are
// already Ringing) does not miss it.
func (s *Session) OnStateChange(fn func(State)) {
	if fn == nil {
		return
	}
	s.notifyMu.Lock()
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	st := s.state
	s.mu.Unlock()
	if st != StateIdle {
		fn(st)
	}
	s.notifyMu.Unlock()
}

// peerID is the user on the other end of this session.
func (s *Session) peerID() string {
	if s.role == RoleCaller {
		return s.calleeID
	}
	return s.callerID
}

// initiate runs the caller side: acquire media, generate the offer,
// publish it, move to Dialing. A media failure is terminal and the session
// never leaves Idle.
func (s *Session) initiate(ringTimeout time.Duration) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("%w: initiate from %s", ErrInvalidState, s.state)
	}

	pc, release, err := s.mgr.media.NewSession(s.mode)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	s.pc = pc
	s.releaseMedia = release
	s.wirePeerConnectionLocked(pc)

	offer, err := pc.CreateOffer(nil)
	if err == nil {
		err = pc.SetLocalDescription(offer)
	}
	if err != nil {
		s.releaseLocked()
		s.mu.Unlock()
		return fmt.Errorf("generate offer: %w", err)
	}

	s.setStateLocked(StateDialing)
	s.armRingTimerLocked(ringTimeout)
	s.mu.Unlock()

	s.sendSignal(proto.CallMsg{
		SessionID:      s.id,
		Kind:           proto.CallOffer,
		CallerID:       s.callerID,
		CalleeID:       s.calleeID,
		ConversationID: s.conversationID,
		Mode:           s.mode,
		SDP:            offer.SDP,
	})
	log.Printf("CALL [%s]: offer sent to %s (%s)", s.id, s.calleeID, s.mode)
	s.flush()
	return nil
}

// accept runs the callee side after the user picks up: acquire media,
// apply the stored remote offer, publish the answer, move to Negotiating.
func (s *Session) accept() error {
	s.mu.Lock()
	if s.state != StateRinging {
		s.mu.Unlock()
		return fmt.Errorf("%w: accept from %s", ErrInvalidState, s.state)
	}

	pc, release, err := s.mgr.media.NewSession(s.mode)
	if err != nil {
		s.mu.Unlock()
		s.Terminate(ReasonMediaUnavailable)
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	s.pc = pc
	s.releaseMedia = release
	s.wirePeerConnectionLocked(pc)

	err = pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  s.remoteOffer,
	})
	if err != nil {
		s.mu.Unlock()
		s.Terminate(ReasonHangup)
		return fmt.Errorf("apply remote offer: %w", err)
	}
	s.drainPendingLocked(pc)

	answer, err := pc.CreateAnswer(nil)
	if err == nil {
		err = pc.SetLocalDescription(answer)
	}
	if err != nil {
		s.mu.Unlock()
		s.Terminate(ReasonHangup)
		return fmt.Errorf("generate answer: %w", err)
	}

	s.stopRingTimerLocked()
	s.setStateLocked(StateNegotiating)
	s.mu.Unlock()

	s.sendSignal(proto.CallMsg{
		SessionID: s.id,
		Kind:      proto.CallAnswer,
		SDP:       answer.SDP,
	})
	log.Printf("CALL [%s]: answered %s", s.id, s.callerID)
	s.flush()
	return nil
}

// Terminate ends the session from any non-Idle, non-Ended state: local
// media is released synchronously, the peer is told once, and the state
// machine parks in Ended. Idempotent.
func (s *Session) Terminate(reason string) {
	s.terminate(reason, true)
}

func (s *Session) terminate(reason string, notifyPeer bool) {
	s.mu.Lock()
	if s.state == StateIdle || s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.endReason = reason
	s.releaseLocked()
	s.setStateLocked(StateEnded)
	s.mu.Unlock()

	if notifyPeer {
		s.sendSignal(proto.CallMsg{
			SessionID: s.id,
			Kind:      proto.CallTerminate,
			Reason:    reason,
		})
	}
	log.Printf("CALL [%s]: ended (%s)", s.id, reason)
	s.mgr.remove(s.id)
	s.flush()
}

// handleRing moves the caller from Dialing to Ringing once the callee's
// channel acknowledged the offer. A late ring ack is ignored.
func (s *Session) handleRing() {
	s.mu.Lock()
	if s.state == StateDialing {
		s.setStateLocked(StateRinging)
	}
	s.mu.Unlock()
	s.flush()
}

// handleAnswer applies the callee's answer; caller side, valid only from
// Ringing. The pending candidate queue drains the moment the remote
// description lands.
func (s *Session) handleAnswer(sdp string) {
	s.mu.Lock()
	if s.state != StateRinging || s.role != RoleCaller {
		// Includes answers for sessions already Ended: dropped silently,
		// termination races are expected.
		s.mu.Unlock()
		return
	}
	pc := s.pc
	err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
	if err != nil {
		s.mu.Unlock()
		log.Printf("CALL [%s]: apply answer failed: %v", s.id, err)
		s.Terminate(ReasonHangup)
		return
	}
	s.drainPendingLocked(pc)
	s.stopRingTimerLocked()
	s.setStateLocked(StateNegotiating)
	s.mu.Unlock()
	s.flush()
}

// handleCandidate applies or queues one remote address candidate.
// Out-of-order arrival relative to the description is expected, never an
// error; candidates for an Ended session are dropped.
func (s *Session) handleCandidate(blob string) {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(blob), &cand); err != nil {
		log.Printf("CALL [%s]: bad candidate: %v", s.id, err)
		return
	}

	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	if !s.remoteSet || s.pc == nil {
		s.pending = append(s.pending, cand)
		s.mu.Unlock()
		return
	}
	pc := s.pc
	s.mu.Unlock()

	if err := pc.AddICECandidate(cand); err != nil {
		log.Printf("CALL [%s]: add candidate failed: %v", s.id, err)
	}
}

// handleRemoteTerminate ends the session without echoing a terminate back.
func (s *Session) handleRemoteTerminate(reason string) {
	if reason == "" {
		reason = ReasonHangup
	}
	s.terminate(reason, false)
}

// handleTimeout fires when ringing exceeded the bound without an answer.
func (s *Session) handleTimeout() {
	s.mu.Lock()
	expired := s.state == StateDialing || s.state == StateRinging
	s.mu.Unlock()
	if expired {
		log.Printf("CALL [%s]: no answer within ring timeout", s.id)
		s.Terminate(ReasonNoAnswer)
	}
}

// handleTransportConnected is driven by the peer connection's own
// connectivity signal; the state machine only observes it.
func (s *Session) handleTransportConnected() {
	s.mu.Lock()
	if s.state == StateNegotiating {
		s.stopRingTimerLocked()
		s.setStateLocked(StateConnected)
	}
	s.mu.Unlock()
	s.flush()
}

func (s *Session) handleTransportFailed() {
	s.terminate(ReasonPeerUnreachable, true)
}

// wirePeerConnectionLocked attaches the observers the state machine needs:
// trickle candidates out, connectivity convergence in, remote tracks
// drained. Caller holds s.mu.
func (s *Session) wirePeerConnectionLocked(pc *webrtc.PeerConnection) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		blob, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		s.sendSignal(proto.CallMsg{
			SessionID: s.id,
			Kind:      proto.CallCandidate,
			Candidate: string(blob),
		})
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		switch st {
		case webrtc.PeerConnectionStateConnected:
			s.handleTransportConnected()
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			s.handleTransportFailed()
		case webrtc.PeerConnectionStateDisconnected:
			// Transient; ICE gets a chance to recover before Failed.
			log.Printf("CALL [%s]: transport disconnected, waiting for recovery", s.id)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
		s.handleRemoteTrack(track)
	})
}

// drainPendingLocked applies every queued candidate in receipt order and
// marks the queue drained. Runs at most once per session; after it,
// candidates apply directly. Caller holds s.mu.
func (s *Session) drainPendingLocked(pc *webrtc.PeerConnection) {
	s.remoteSet = true
	for _, cand := range s.pending {
		if err := pc.AddICECandidate(cand); err != nil {
			log.Printf("CALL [%s]: queued candidate failed: %v", s.id, err)
		}
	}
	s.pending = nil
}

// releaseLocked frees local media and the peer connection. Media release
// is synchronous: camera and microphone are exclusive resources and must
// not outlive the session. Caller holds s.mu.
func (s *Session) releaseLocked() {
	s.stopRingTimerLocked()
	if s.releaseMedia != nil {
		s.releaseMedia()
		s.releaseMedia = nil
	}
	if s.pc != nil {
		pc := s.pc
		s.pc = nil
		// Closing the PC fires OnConnectionStateChange(Closed) from pion's
		// internals; do it off the lock path.
		go pc.Close()
	}
}

func (s *Session) armRingTimerLocked(d time.Duration) {
	s.stopRingTimerLocked()
	s.ringTimer = time.AfterFunc(d, s.handleTimeout)
}

func (s *Session) stopRingTimerLocked() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

func (s *Session) sendSignal(msg proto.CallMsg) {
	err := s.sig.Send(&proto.Envelope{
		Room:    proto.UserRoom(s.peerID()),
		Type:    proto.TypeCall,
		Payload: msg,
	})
	if err != nil {
		log.Printf("CALL [%s]: send %s failed: %v", s.id, msg.Kind, err)
	}
}

func (s *Session) setStateLocked(st State) {
	s.state = st
	s.notifyQ = append(s.notifyQ, st)
}

// flush delivers queued state notifications in order, outside s.mu. The
// notify mutex keeps concurrent flushes from interleaving transitions.
func (s *Session) flush() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	for {
		s.mu.Lock()
		if len(s.notifyQ) == 0 {
			s.mu.Unlock()
			return
		}
		st := s.notifyQ[0]
		s.notifyQ = s.notifyQ[1:]
		obs := append([]func(State){}, s.observers...)
		s.mu.Unlock()

		for _, fn := range obs {
			fn(st)
		}
	}
}
