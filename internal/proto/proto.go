// internal/proto/proto.go
package proto

import (
	"encoding/json"
	"time"
)

// Envelope is the unit that flows over a channel in both directions.
// One envelope per WebSocket text frame, JSON-encoded.
type Envelope struct {
	Room    string `json:"room,omitempty"` // target room (client→relay) or source room (relay→client)
	From    string `json:"from,omitempty"` // userId of the originating channel; stamped by the relay
	Type    string `json:"type"`           // one of the Type* constants
	Payload any    `json:"payload,omitempty"`
	TS      int64  `json:"ts"`
}

// Envelope types.
const (
	TypePresence = "presence"
	TypeCall     = "call"
	TypeTyping   = "typing"
	TypeReceipt  = "receipt"

	// Client → relay control.
	TypeJoin     = "join"
	TypeLeave    = "leave"
	TypeActivity = "activity"
)

// Presence statuses, ordered from most to least reachable.
const (
	StatusOnline         = "online"
	StatusRecentlyActive = "recently_active"
	StatusAway           = "away"
	StatusOffline        = "offline"
)

// Call signal kinds carried in CallMsg.Kind.
const (
	CallOffer     = "offer"
	CallRing      = "ring" // callee's channel acknowledged receipt of the offer
	CallAnswer    = "answer"
	CallCandidate = "candidate"
	CallTerminate = "terminate"
)

// Call modes.
const (
	ModeAudio = "audio"
	ModeVideo = "video"
)

// Call termination reasons carried in CallMsg.Reason.
const (
	ReasonHangup           = "hangup"
	ReasonRejected         = "rejected"
	ReasonNoAnswer         = "no_answer"
	ReasonPeerUnreachable  = "peer_unreachable"
	ReasonMediaUnavailable = "media_unavailable"
)

// PresenceMsg announces a status transition for one user.
type PresenceMsg struct {
	UserID     string `json:"userId"`
	Status     string `json:"status"`
	LastSeenAt int64  `json:"lastSeenAt"` // unix millis
}

// CallMsg is one call-signaling event. Which fields are set depends on Kind:
// offer/answer carry SDP, candidate carries Candidate, terminate carries
// Reason. Ring carries nothing beyond the session identity.
type CallMsg struct {
	SessionID      string `json:"sessionId"`
	Kind           string `json:"kind"`
	CallerID       string `json:"callerId,omitempty"`
	CalleeID       string `json:"calleeId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Mode           string `json:"mode,omitempty"`
	SDP            string `json:"sdp,omitempty"`
	Candidate      string `json:"candidate,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// TypingMsg is a live typing indicator inside a conversation.
type TypingMsg struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// ReceiptMsg is a live read receipt inside a conversation. Durable read
// state is reconciled through the CRUD layer; this event is display-only.
type ReceiptMsg struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	MessageID      string `json:"messageId"`
}

// JoinMsg and LeaveMsg mutate a channel's conversation-room membership.
type JoinMsg struct {
	ConversationID string `json:"conversationId"`
}

type LeaveMsg struct {
	ConversationID string `json:"conversationId"`
}

// UserRoom is the room that carries presence and call signaling for one
// user. Every channel is joined to its own user room on connect.
func UserRoom(userID string) string { return "u:" + userID }

// ConversationRoom is the room that carries typing indicators and live read
// receipts for one conversation. Joined while the conversation view is open.
func ConversationRoom(convID string) string { return "c:" + convID }

func NowMillis() int64 { return time.Now().UnixMilli() }

// DecodePayload re-decodes an envelope payload into a typed message.
// Payloads arrive as map[string]any after the envelope itself is
// unmarshalled; round-tripping through JSON is the simplest correct way to
// recover the typed form.
func DecodePayload(payload any, into any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, into)
}
