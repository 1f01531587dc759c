// Package hub is the room-based event dispatcher: it multiplexes per-user
// and per-conversation multicast groups over persistent WebSocket channels.
// It is the only path by which server-observed state reaches clients.
package hub

import (
	"log"
	"sync"

	"github.com/ripplechat/ripple/internal/proto"
)

// Dispatcher owns all room membership. Rooms are never touched directly by
// other components; everything goes through Join/Leave/Publish.
type Dispatcher struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Channel]struct{}
	members map[*Channel]map[string]struct{}
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		rooms:   make(map[string]map[*Channel]struct{}),
		members: make(map[*Channel]map[string]struct{}),
	}
}

// Join adds ch to room. Joining a room the channel already belongs to is a
// no-op. A channel that has already been dropped cannot rejoin anything.
func (d *Dispatcher) Join(ch *Channel, room string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rooms, ok := d.members[ch]
	if !ok {
		if ch.closed() {
			return
		}
		rooms = make(map[string]struct{})
		d.members[ch] = rooms
	}
	if _, ok := rooms[room]; ok {
		return
	}
	rooms[room] = struct{}{}

	if d.rooms[room] == nil {
		d.rooms[room] = make(map[*Channel]struct{})
	}
	d.rooms[room][ch] = struct{}{}
}

// Leave removes ch from room. Leaving a room the channel does not belong to
// is a no-op, never an error.
func (d *Dispatcher) Leave(ch *Channel, room string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.leaveLocked(ch, room)
}

func (d *Dispatcher) leaveLocked(ch *Channel, room string) {
	if rooms, ok := d.members[ch]; ok {
		delete(rooms, room)
	}
	if chans, ok := d.rooms[room]; ok {
		delete(chans, ch)
		if len(chans) == 0 {
			delete(d.rooms, room)
		}
	}
}

// Drop removes ch from every room it belongs to. Called exactly once per
// channel, on disconnect.
func (d *Dispatcher) Drop(ch *Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for room := range d.members[ch] {
		d.leaveLocked(ch, room)
	}
	delete(d.members, ch)
}

// Publish delivers env to every channel currently in room, including the
// publisher's own channel if it is a member.
func (d *Dispatcher) Publish(room string, env *proto.Envelope) {
	d.publish(room, nil, env)
}

// PublishExcept delivers env to every channel in room except the sender's
// own channel. The sender's other devices, if joined, still receive it.
func (d *Dispatcher) PublishExcept(room string, sender *Channel, env *proto.Envelope) {
	d.publish(room, sender, env)
}

func (d *Dispatcher) publish(room string, except *Channel, env *proto.Envelope) {
	env.Room = room

	d.mu.RLock()
	chans := d.rooms[room]
	targets := make([]*Channel, 0, len(chans))
	for ch := range chans {
		if ch == except {
			continue
		}
		targets = append(targets, ch)
	}
	d.mu.RUnlock()

	for _, ch := range targets {
		if !ch.enqueue(env) {
			log.Printf("HUB: dropped %s event for %s (slow consumer)", env.Type, ch.userID)
		}
	}
}

// RoomSize reports the current number of channels in a room.
func (d *Dispatcher) RoomSize(room string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.rooms[room])
}
