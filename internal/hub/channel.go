// internal/hub/channel.go
package hub

import (
	"encoding/json"
	"log"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ripplechat/ripple/internal/proto"
)

const (
	// Outbound buffer per channel. Events beyond this are dropped rather
	// than blocking the dispatcher; everything on this path is superseded
	// by the next event anyway.
	sendBuffer = 64

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxFrameSize = 64 << 10
)

// Channel is one physical WebSocket connection from a client runtime. It
// never outlives the connection: any transport error tears it down and
// removes it from every room in one step.
type Channel struct {
	userID string
	conn   *websocket.Conn
	srv    *Server

	send chan *proto.Envelope
	done chan struct{}

	dead atomic.Bool
}

func newChannel(userID string, conn *websocket.Conn, srv *Server) *Channel {
	return &Channel{
		userID: userID,
		conn:   conn,
		srv:    srv,
		send:   make(chan *proto.Envelope, sendBuffer),
		done:   make(chan struct{}),
	}
}

// UserID returns the identity this channel authenticated as.
func (ch *Channel) UserID() string { return ch.userID }

func (ch *Channel) closed() bool { return ch.dead.Load() }

// enqueue queues env for delivery. Returns false if the buffer is full or
// the channel is already down; the event is then dropped (at-most-once,
// best-effort).
func (ch *Channel) enqueue(env *proto.Envelope) bool {
	if ch.dead.Load() {
		return false
	}
	select {
	case ch.send <- env:
		return true
	case <-ch.done:
		return false
	default:
		return false
	}
}

// teardown runs the single disconnect path: mark dead, leave all rooms,
// tell the registry, close the socket. Safe to reach from both pumps; only
// the first caller does the work.
func (ch *Channel) teardown() {
	if ch.dead.Swap(true) {
		return
	}
	close(ch.done)
	ch.srv.dispatcher.Drop(ch)
	ch.srv.channelGone(ch.userID)
	ch.srv.registry.OnDisconnect(ch.userID)
	ch.conn.Close()
	log.Printf("HUB: %s disconnected", ch.userID)
}

// readPump parses inbound envelopes and hands them to the server's router.
// It owns the read side of the connection and the liveness deadline.
func (ch *Channel) readPump() {
	defer ch.teardown()

	ch.conn.SetReadLimit(maxFrameSize)
	ch.conn.SetReadDeadline(time.Now().Add(pongWait))
	ch.conn.SetPongHandler(func(string) error {
		return ch.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ch.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("HUB: read from %s: %v", ch.userID, err)
			}
			return
		}

		var env proto.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			// Malformed frames are dropped, never escalated.
			log.Printf("HUB: bad frame from %s: %v", ch.userID, err)
			continue
		}
		ch.srv.route(ch, &env)
	}
}

// writePump drains the send buffer onto the socket and keeps the
// connection alive with pings. FIFO: events reach the wire in the order
// they were enqueued.
func (ch *Channel) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ch.teardown()
	}()

	for {
		select {
		case env := <-ch.send:
			ch.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ch.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			ch.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ch.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ch.done:
			return
		}
	}
}
