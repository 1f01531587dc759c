package client

import (
	"sync"

	"github.com/ripplechat/ripple/internal/proto"
)

const historyCapacity = 128

// history is a fixed-capacity circular buffer of the most recent inbound
// envelopes. When full, push overwrites the oldest entry.
type history struct {
	mu    sync.RWMutex
	buf   []*proto.Envelope
	head  int
	count int
}

func newHistory(capacity int) *history {
	return &history{buf: make([]*proto.Envelope, capacity)}
}

func (h *history) push(env *proto.Envelope) {
	h.mu.Lock()
	idx := (h.head + h.count) % len(h.buf)
	h.buf[idx] = env
	if h.count == len(h.buf) {
		h.head = (h.head + 1) % len(h.buf)
	} else {
		h.count++
	}
	h.mu.Unlock()
}

func (h *history) snapshot() []*proto.Envelope {
	h.mu.RLock()
	out := make([]*proto.Envelope, h.count)
	for i := 0; i < h.count; i++ {
		out[i] = h.buf[(h.head+i)%len(h.buf)]
	}
	h.mu.RUnlock()
	return out
}

// Recent returns the envelopes most recently received on this connection,
// oldest first. A view that opens after the fact can backfill presence and
// typing context from here instead of waiting for the next transition.
func (c *Conn) Recent() []*proto.Envelope {
	return c.recent.snapshot()
}

// RecentOf returns the recent envelopes of one type, oldest first.
func (c *Conn) RecentOf(envType string) []*proto.Envelope {
	all := c.recent.snapshot()
	out := make([]*proto.Envelope, 0, len(all))
	for _, env := range all {
		if env.Type == envType {
			out = append(out, env)
		}
	}
	return out
}
