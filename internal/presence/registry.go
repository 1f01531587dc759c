// Package presence tracks each user's reachability across all of their
// connected devices and fans out status transitions to their accepted
// contacts. All writes for a given user are serialized by shard ownership;
// nothing outside this package mutates a presence record.
package presence

import (
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/ripplechat/ripple/internal/proto"
)

const shardCount = 16

// Directory resolves the fan-out scope for one user's presence. Backed by
// the contacts store; the registry never walks contact data itself.
type Directory interface {
	AcceptedContacts(userID string) ([]string, error)
}

// StatusStore persists presence snapshots for "last seen" display.
// Best-effort: a write failure is logged and never blocks a broadcast.
type StatusStore interface {
	SetStatus(userID, status string, lastSeen time.Time) error
}

// Broadcaster is the dispatcher-facing side of the registry.
type Broadcaster interface {
	Publish(room string, env *proto.Envelope)
}

// Thresholds are the decay tunables, replaceable at runtime via config
// reload.
type Thresholds struct {
	RecentlyActiveAfter time.Duration
	AwayAfter           time.Duration
	OfflineGrace        time.Duration
}

// Record is a read-only snapshot of one user's presence state.
type Record struct {
	UserID          string
	Status          string
	LastActivityAt  time.Time
	ConnectionCount int
}

type record struct {
	userID         string
	connCount      int
	lastActivity   time.Time
	disconnectedAt time.Time // zero while any connection is live
	broadcast      string    // last status actually announced
}

type shard struct {
	mu      sync.Mutex
	records map[string]*record
}

// Registry owns all presence records.
type Registry struct {
	dir   Directory
	store StatusStore
	bcast Broadcaster

	cfgMu sync.RWMutex
	th    Thresholds

	shards [shardCount]shard

	now func() time.Time
}

func NewRegistry(dir Directory, store StatusStore, bcast Broadcaster, th Thresholds) *Registry {
	r := &Registry{
		dir:   dir,
		store: store,
		bcast: bcast,
		th:    th,
		now:   time.Now,
	}
	for i := range r.shards {
		r.shards[i].records = make(map[string]*record)
	}
	return r
}

// SetThresholds swaps the decay tunables; called on config reload.
func (r *Registry) SetThresholds(th Thresholds) {
	r.cfgMu.Lock()
	r.th = th
	r.cfgMu.Unlock()
}

func (r *Registry) thresholds() Thresholds {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.th
}

func (r *Registry) shardFor(userID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &r.shards[h.Sum32()%shardCount]
}

// OnConnect registers one new connection for userID. The 0→1 transition
// announces the user online to their contacts.
func (r *Registry) OnConnect(userID string) {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[userID]
	if !ok {
		rec = &record{userID: userID, broadcast: proto.StatusOffline}
		s.records[userID] = rec
	}
	rec.connCount++
	rec.lastActivity = r.now()
	rec.disconnectedAt = time.Time{}
	r.reconcileLocked(rec)
}

// OnActivity resets userID's decay clock. It does not announce anything by
// itself; the next sweep picks up any derived-status change, so recovery
// from idle and decay into idle travel the same path.
func (r *Registry) OnActivity(userID string) {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[userID]
	if !ok {
		return
	}
	rec.lastActivity = r.now()
}

// OnDisconnect unregisters one connection. The 1→0 transition announces
// offline immediately; lastActivity is retained for "last seen".
func (r *Registry) OnDisconnect(userID string) {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[userID]
	if !ok {
		return
	}
	if rec.connCount > 0 {
		rec.connCount--
	}
	if rec.connCount == 0 {
		rec.disconnectedAt = r.now()
	}
	r.reconcileLocked(rec)
}

// Snapshot returns the current derived state for userID.
func (r *Registry) Snapshot(userID string) (Record, bool) {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[userID]
	if !ok {
		return Record{}, false
	}
	return Record{
		UserID:          rec.userID,
		Status:          r.statusOf(rec, r.now()),
		LastActivityAt:  rec.lastActivity,
		ConnectionCount: rec.connCount,
	}, true
}

// Sweep pushes out any decay transitions that have become due and expires
// records whose offline grace has elapsed. Run it on a ticker.
func (r *Registry) Sweep() {
	now := r.now()
	grace := r.thresholds().OfflineGrace
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for id, rec := range s.records {
			r.reconcileLocked(rec)
			if rec.connCount == 0 && !rec.disconnectedAt.IsZero() &&
				now.Sub(rec.disconnectedAt) >= grace {
				delete(s.records, id)
			}
		}
		s.mu.Unlock()
	}
}

// Run sweeps on the given interval until ctx-style stop via the returned
// cancel func.
func (r *Registry) Run(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				r.Sweep()
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// statusOf derives the current status of a record. Both reads and
// broadcasts go through this single function, so the status shown can
// never disagree with the status announced.
//
// A record with zero connections is offline immediately; the decayed
// offline threshold never applies to a live connection, which at worst
// reports away.
func (r *Registry) statusOf(rec *record, now time.Time) string {
	if rec.connCount == 0 {
		return proto.StatusOffline
	}
	th := r.thresholds()
	idle := now.Sub(rec.lastActivity)
	switch {
	case idle < th.RecentlyActiveAfter:
		return proto.StatusOnline
	case idle < th.AwayAfter:
		return proto.StatusRecentlyActive
	default:
		return proto.StatusAway
	}
}

// reconcileLocked announces the derived status if it differs from the last
// announcement. Caller holds the shard lock, which keeps one user's
// transitions strictly ordered.
func (r *Registry) reconcileLocked(rec *record) {
	status := r.statusOf(rec, r.now())
	if status == rec.broadcast {
		return
	}
	rec.broadcast = status

	msg := proto.PresenceMsg{
		UserID:     rec.userID,
		Status:     status,
		LastSeenAt: rec.lastActivity.UnixMilli(),
	}

	contacts, err := r.dir.AcceptedContacts(rec.userID)
	if err != nil {
		log.Printf("PRESENCE: contact lookup for %s failed: %v", rec.userID, err)
	}
	for _, contact := range contacts {
		r.bcast.Publish(proto.UserRoom(contact), &proto.Envelope{
			Type:    proto.TypePresence,
			From:    rec.userID,
			Payload: msg,
			TS:      proto.NowMillis(),
		})
	}
	log.Printf("PRESENCE: %s -> %s (%d contacts)", rec.userID, status, len(contacts))

	// Persistence is fire-and-forget: a slow or failing store must not
	// hold up the live broadcast path.
	userID, lastSeen := rec.userID, rec.lastActivity
	go func() {
		if err := r.store.SetStatus(userID, status, lastSeen); err != nil {
			log.Printf("PRESENCE: persist %s=%s failed: %v", userID, status, err)
		}
	}()
}
