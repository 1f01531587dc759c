// Package ring drives local ringing cues in lockstep with call state. It
// is a pure observer: it reads state transitions and never touches session
// state.
package ring

import (
	"sync"
	"time"

	"github.com/ripplechat/ripple/internal/call"
)

// Cue is one audible or haptic ring burst. Play fires the cue once; Stop
// cancels anything still sounding. Both must be safe to call repeatedly.
type Cue interface {
	Play()
	Stop()
}

// DefaultInterval is the gap between ring bursts.
const DefaultInterval = 2 * time.Second

// Ringer repeats a cue while a session is in a ringing state and falls
// silent the instant it leaves one. Rapid start/stop cycles never leak
// repeat timers: every start first cancels the previous repeat.
type Ringer struct {
	cue      Cue
	interval time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	ringing bool
}

func New(cue Cue, interval time.Duration) *Ringer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Ringer{cue: cue, interval: interval}
}

// Observe subscribes the ringer to a session's transitions. The initiating
// side rings through Dialing and Ringing (ringback); the receiving side
// only through Ringing.
func (r *Ringer) Observe(s *call.Session) {
	role := s.Role()
	s.OnStateChange(func(st call.State) {
		if shouldRing(role, st) {
			r.start()
		} else {
			r.stop()
		}
	})
}

func shouldRing(role call.Role, st call.State) bool {
	switch role {
	case call.RoleCaller:
		return st == call.StateDialing || st == call.StateRinging
	default:
		return st == call.StateRinging
	}
}

// start begins (or restarts) the repeat cycle.
func (r *Ringer) start() {
	r.mu.Lock()
	r.cancelLocked()
	r.ringing = true
	r.timer = time.AfterFunc(r.interval, r.repeat)
	r.mu.Unlock()

	r.cue.Play()
}

// stop silences the cue and cancels any in-flight repeat.
func (r *Ringer) stop() {
	r.mu.Lock()
	wasRinging := r.ringing
	r.cancelLocked()
	r.ringing = false
	r.mu.Unlock()

	if wasRinging {
		r.cue.Stop()
	}
}

func (r *Ringer) repeat() {
	r.mu.Lock()
	if !r.ringing {
		r.mu.Unlock()
		return
	}
	r.timer = time.AfterFunc(r.interval, r.repeat)
	r.mu.Unlock()

	r.cue.Play()
}

func (r *Ringer) cancelLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Ringing reports whether the repeat cycle is currently active.
func (r *Ringer) Ringing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ringing
}
