// Package call owns the lifecycle of peer-to-peer call sessions: media
// acquisition, session-description negotiation, candidate exchange and
// termination, driven by events arriving over the realtime channel.
// Coupling to the rest of the runtime is via the Transport and MediaSource
// interfaces only.
package call

import (
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/ripplechat/ripple/internal/proto"
)

// State is the explicit call lifecycle. All UI flags (ringing, in-call,
// connecting spinner) derive from it; nothing tracks them separately.
type State int

const (
	StateIdle State = iota
	StateDialing
	StateRinging
	StateNegotiating
	StateConnected
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDialing:
		return "dialing"
	case StateRinging:
		return "ringing"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Role distinguishes the initiating side from the receiving side of a
// session.
type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

// Termination reasons carried in the terminate signal. The wire values
// live in proto so the relay can speak them too.
const (
	ReasonHangup           = proto.ReasonHangup
	ReasonRejected         = proto.ReasonRejected
	ReasonNoAnswer         = proto.ReasonNoAnswer
	ReasonPeerUnreachable  = proto.ReasonPeerUnreachable
	ReasonMediaUnavailable = proto.ReasonMediaUnavailable
)

var (
	// ErrMediaUnavailable means local capture could not be acquired. It is
	// terminal for the call attempt; an outbound session never leaves Idle.
	ErrMediaUnavailable = errors.New("local media unavailable")

	// ErrInvalidState means an operation was attempted from a state that
	// does not allow it (e.g. initiating a session twice).
	ErrInvalidState = errors.New("operation not valid in current call state")
)

// Transport is the slice of the connection manager the call layer needs.
type Transport interface {
	UserID() string
	Send(env *proto.Envelope) error
	On(envType string, h func(*proto.Envelope))
	OnConnectionChange(fn func(connected bool))
}

// MediaSource builds a peer connection with local capture attached for the
// given mode. release tears local capture down and must be safe to call
// once regardless of how far negotiation got. A MediaSource returning
// ErrMediaUnavailable ends the attempt before any signaling happens.
type MediaSource interface {
	NewSession(mode string) (pc *webrtc.PeerConnection, release func(), err error)
}

// IncomingCall is handed to OnIncoming subscribers when an offer arrives.
// Exactly one of Accept or Reject should be called.
type IncomingCall struct {
	SessionID      string
	CallerID       string
	ConversationID string
	Mode           string

	Session *Session
}

// Accept answers the call: acquires local media and starts negotiating.
func (ic *IncomingCall) Accept() error { return ic.Session.accept() }

// Reject declines the call and tears the session down.
func (ic *IncomingCall) Reject() { ic.Session.Terminate(ReasonRejected) }

// Info is a read-only snapshot of a session for display and diagnostics.
type Info struct {
	SessionID      string
	CallerID       string
	CalleeID       string
	ConversationID string
	Mode           string
	Role           Role
	State          State
	EndReason      string
}
