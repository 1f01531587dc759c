package hub

import (
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ripplechat/ripple/internal/proto"
	"github.com/ripplechat/ripple/internal/storage"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Cross-origin policy is enforced upstream by the API gateway.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Registry is the presence side the hub reports connection lifecycle to.
type Registry interface {
	OnConnect(userID string)
	OnActivity(userID string)
	OnDisconnect(userID string)
}

// CallLog records relay-observed call history. Optional; may be nil.
type CallLog interface {
	RecordCallStart(storage.CallRecord) error
	RecordCallEnd(sessionID, reason string, endedAt time.Time) error
}

// callParties are the two users of a relay-observed call session.
type callParties struct {
	caller string
	callee string
}

// Server accepts WebSocket channels and routes their inbound envelopes.
type Server struct {
	dispatcher *Dispatcher
	registry   Registry
	calls      CallLog

	// Last typing signal per conversation room, so a read receipt can
	// retract a dangling "is typing" from the same user.
	typingMu sync.Mutex
	typing   map[string]map[string]bool // room → userID → isTyping

	// Calls the relay has seen an offer for and no terminate yet. When a
	// participant's last channel drops, the relay terminates toward the
	// other side instead of leaving them to the slow ICE failed timeout.
	liveMu    sync.Mutex
	liveCalls map[string]callParties // sessionID → parties
}

func NewServer(d *Dispatcher, reg Registry, calls CallLog) *Server {
	return &Server{
		dispatcher: d,
		registry:   reg,
		calls:      calls,
		typing:     make(map[string]map[string]bool),
		liveCalls:  make(map[string]callParties),
	}
}

// Dispatcher exposes the room layer, e.g. for wiring the presence
// registry's broadcaster.
func (s *Server) Dispatcher() *Dispatcher { return s.dispatcher }

// ServeHTTP upgrades GET /ws?user=<id> into a channel. Authentication is
// delegated to the gateway in front of the relay; by the time a request
// reaches here the user query parameter is trusted.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "missing user", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("HUB: upgrade for %s failed: %v", userID, err)
		return
	}

	ch := newChannel(userID, conn, s)
	s.dispatcher.Join(ch, proto.UserRoom(userID))
	s.registry.OnConnect(userID)
	log.Printf("HUB: %s connected", userID)

	go ch.writePump()
	go ch.readPump()
}

// route handles one inbound envelope from a channel. Every inbound frame
// counts as user activity.
func (s *Server) route(ch *Channel, env *proto.Envelope) {
	s.registry.OnActivity(ch.userID)
	env.From = ch.userID
	env.TS = proto.NowMillis()

	switch env.Type {
	case proto.TypeActivity:
		// Heartbeat only; the OnActivity above already did the work.

	case proto.TypeJoin:
		var msg proto.JoinMsg
		if err := proto.DecodePayload(env.Payload, &msg); err != nil || msg.ConversationID == "" {
			return
		}
		s.dispatcher.Join(ch, proto.ConversationRoom(msg.ConversationID))

	case proto.TypeLeave:
		var msg proto.LeaveMsg
		if err := proto.DecodePayload(env.Payload, &msg); err != nil || msg.ConversationID == "" {
			return
		}
		s.dispatcher.Leave(ch, proto.ConversationRoom(msg.ConversationID))

	case proto.TypeTyping:
		var msg proto.TypingMsg
		if err := proto.DecodePayload(env.Payload, &msg); err != nil || msg.ConversationID == "" {
			return
		}
		msg.UserID = ch.userID
		room := proto.ConversationRoom(msg.ConversationID)
		s.rememberTyping(room, ch.userID, msg.IsTyping)
		s.dispatcher.PublishExcept(room, ch, &proto.Envelope{
			Type: proto.TypeTyping, From: ch.userID, Payload: msg, TS: env.TS,
		})

	case proto.TypeReceipt:
		var msg proto.ReceiptMsg
		if err := proto.DecodePayload(env.Payload, &msg); err != nil || msg.ConversationID == "" {
			return
		}
		msg.UserID = ch.userID
		room := proto.ConversationRoom(msg.ConversationID)
		s.dispatcher.PublishExcept(room, ch, &proto.Envelope{
			Type: proto.TypeReceipt, From: ch.userID, Payload: msg, TS: env.TS,
		})
		// Reading a message implies the reader stopped composing: retract
		// any dangling typing indicator so the two signals can't disagree.
		if s.rememberTyping(room, ch.userID, false) {
			s.dispatcher.PublishExcept(room, ch, &proto.Envelope{
				Type: proto.TypeTyping,
				From: ch.userID,
				Payload: proto.TypingMsg{
					ConversationID: msg.ConversationID,
					UserID:         ch.userID,
					IsTyping:       false,
				},
				TS: proto.NowMillis(),
			})
		}

	case proto.TypeCall:
		s.routeCall(ch, env)

	default:
		log.Printf("HUB: unknown envelope type %q from %s", env.Type, ch.userID)
	}
}

// routeCall relays a call-signaling event to the target user room named in
// the envelope, and observes offers/terminations for the call history.
func (s *Server) routeCall(ch *Channel, env *proto.Envelope) {
	var msg proto.CallMsg
	if err := proto.DecodePayload(env.Payload, &msg); err != nil || msg.SessionID == "" {
		return
	}
	if !strings.HasPrefix(env.Room, "u:") {
		// Call signaling only ever targets a user room.
		return
	}

	s.dispatcher.PublishExcept(env.Room, ch, &proto.Envelope{
		Type: proto.TypeCall, From: ch.userID, Payload: msg, TS: env.TS,
	})

	target := strings.TrimPrefix(env.Room, "u:")
	switch msg.Kind {
	case proto.CallOffer:
		s.liveMu.Lock()
		s.liveCalls[msg.SessionID] = callParties{caller: ch.userID, callee: target}
		s.liveMu.Unlock()
	case proto.CallTerminate:
		s.liveMu.Lock()
		delete(s.liveCalls, msg.SessionID)
		s.liveMu.Unlock()
	}

	if s.calls == nil {
		return
	}
	switch msg.Kind {
	case proto.CallOffer:
		rec := storage.CallRecord{
			SessionID:      msg.SessionID,
			CallerID:       ch.userID,
			CalleeID:       target,
			ConversationID: msg.ConversationID,
			Mode:           msg.Mode,
			StartedAt:      time.UnixMilli(env.TS),
		}
		go func() {
			if err := s.calls.RecordCallStart(rec); err != nil {
				log.Printf("HUB: call record %s failed: %v", rec.SessionID, err)
			}
		}()
	case proto.CallTerminate:
		sessionID, reason, ts := msg.SessionID, msg.Reason, time.UnixMilli(env.TS)
		go func() {
			if err := s.calls.RecordCallEnd(sessionID, reason, ts); err != nil {
				log.Printf("HUB: call record end %s failed: %v", sessionID, err)
			}
		}()
	}
}

// channelGone cleans up relay state a vanished channel leaves behind. It
// runs after the dispatcher dropped the channel, so RoomSize only counts
// the user's surviving channels. A user with another device still connected
// keeps their typing and call state.
func (s *Server) channelGone(userID string) {
	if s.dispatcher.RoomSize(proto.UserRoom(userID)) > 0 {
		return
	}
	s.retractTyping(userID)
	s.terminateCallsFor(userID)
}

// retractTyping clears the user's typing entries and tells each affected
// conversation the user stopped, so nobody is left watching a composer
// that will never produce a message.
func (s *Server) retractTyping(userID string) {
	s.typingMu.Lock()
	var rooms []string
	for room, users := range s.typing {
		if users[userID] {
			delete(users, userID)
			if len(users) == 0 {
				delete(s.typing, room)
			}
			rooms = append(rooms, room)
		}
	}
	s.typingMu.Unlock()

	for _, room := range rooms {
		s.dispatcher.Publish(room, &proto.Envelope{
			Type: proto.TypeTyping,
			From: userID,
			Payload: proto.TypingMsg{
				ConversationID: strings.TrimPrefix(room, "c:"),
				UserID:         userID,
				IsTyping:       false,
			},
			TS: proto.NowMillis(),
		})
	}
}

// terminateCallsFor ends the user's live calls toward the other side. The
// surviving participant would otherwise sit in the call until the ICE
// failed timeout fires, which takes on the order of minutes.
func (s *Server) terminateCallsFor(userID string) {
	s.liveMu.Lock()
	type ended struct {
		sessionID string
		other     string
	}
	var gone []ended
	for id, parties := range s.liveCalls {
		if parties.caller != userID && parties.callee != userID {
			continue
		}
		other := parties.caller
		if other == userID {
			other = parties.callee
		}
		delete(s.liveCalls, id)
		gone = append(gone, ended{sessionID: id, other: other})
	}
	s.liveMu.Unlock()

	for _, e := range gone {
		log.Printf("HUB: %s vanished mid-call %s, terminating toward %s", userID, e.sessionID, e.other)
		s.dispatcher.Publish(proto.UserRoom(e.other), &proto.Envelope{
			Type: proto.TypeCall,
			From: userID,
			Payload: proto.CallMsg{
				SessionID: e.sessionID,
				Kind:      proto.CallTerminate,
				Reason:    proto.ReasonPeerUnreachable,
			},
			TS: proto.NowMillis(),
		})
		if s.calls != nil {
			sessionID := e.sessionID
			go func() {
				if err := s.calls.RecordCallEnd(sessionID, proto.ReasonPeerUnreachable, time.Now()); err != nil {
					log.Printf("HUB: call record end %s failed: %v", sessionID, err)
				}
			}()
		}
	}
}

// rememberTyping updates the per-room typing table and reports whether the
// user previously had a live "is typing" signal in that room.
func (s *Server) rememberTyping(room, userID string, isTyping bool) (wasTyping bool) {
	s.typingMu.Lock()
	defer s.typingMu.Unlock()

	users := s.typing[room]
	wasTyping = users[userID]
	if isTyping {
		if users == nil {
			users = make(map[string]bool)
			s.typing[room] = users
		}
		users[userID] = true
		return wasTyping
	}
	if users != nil {
		delete(users, userID)
		if len(users) == 0 {
			delete(s.typing, room)
		}
	}
	return wasTyping
}
