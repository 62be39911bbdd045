// Package presence tracks which entities are connected and alive.
//
// A Tracker is a bounded map of entityId -> lastSeenAt. Drivers feed it
// announces, heartbeats and channel sync reports; readers only ever get
// copies of the current online set.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Seonggyu05/infinite-introverts/internal/clock"
)

// State of an entity.
type State int

const (
	Offline State = iota
	Online
)

func (s State) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

// Record is what the tracker keeps per online entity.
type Record struct {
	EntityID   string         `json:"entityId"`
	LastSeenAt time.Time      `json:"lastSeenAt"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Config tunes expiry and size.
type Config struct {
	Interval   time.Duration
	Grace      float64
	MaxEntries int
}

// DefaultConfig returns a 30s heartbeat, a grace of two intervals and room
// for 10000 entities.
func DefaultConfig() Config {
	return Config{Interval: 30 * time.Second, Grace: 2, MaxEntries: 10000}
}

// Tracker is safe for concurrent use.
type Tracker struct {
	cfg   Config
	clock clock.Clock

	mu      sync.RWMutex
	records map[string]*Record
}

// NewTracker creates a Tracker. A nil clock means the real clock.
func NewTracker(cfg Config, c clock.Clock) *Tracker {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Grace < 1 {
		cfg.Grace = def.Grace
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if c == nil {
		c = clock.Real()
	}
	return &Tracker{cfg: cfg, clock: c, records: make(map[string]*Record)}
}

// Window is the silence after which an entity is considered gone.
func (t *Tracker) Window() time.Duration {
	return time.Duration(float64(t.cfg.Interval) * t.cfg.Grace)
}

// Interval returns the configured heartbeat interval.
func (t *Tracker) Interval() time.Duration {
	return t.cfg.Interval
}

// Announce marks id online. It reports true on an OFFLINE -> ONLINE
// transition; an announce for an already online entity refreshes it.
func (t *Tracker) Announce(id string, meta map[string]any) bool {
	if id == "" {
		return false
	}
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	if r, ok := t.records[id]; ok {
		r.LastSeenAt = now
		if meta != nil {
			r.Meta = meta
		}
		return false
	}
	if len(t.records) >= t.cfg.MaxEntries {
		t.evictStalestLocked()
	}
	t.records[id] = &Record{EntityID: id, LastSeenAt: now, Meta: meta}
	return true
}

func (t *Tracker) evictStalestLocked() {
	var victim *Record
	for _, r := range t.records {
		if victim == nil || r.LastSeenAt.Before(victim.LastSeenAt) ||
			(r.LastSeenAt.Equal(victim.LastSeenAt) && r.EntityID < victim.EntityID) {
			victim = r
		}
	}
	if victim != nil {
		delete(t.records, victim.EntityID)
	}
}

// Heartbeat refreshes id. Heartbeats for unknown entities are ignored and
// reported as false; an entity has to announce first.
func (t *Tracker) Heartbeat(id string) bool {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[id]
	if !ok {
		return false
	}
	r.LastSeenAt = now
	return true
}

// Leave removes id. It reports whether id was online.
func (t *Tracker) Leave(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[id]; !ok {
		return false
	}
	delete(t.records, id)
	return true
}

// Sync applies an authoritative key set reported by the channel: keys not
// in the set go offline, new keys come online.
func (t *Tracker) Sync(keys []string) (joined, left []string) {
	now := t.clock.Now()
	want := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k != "" {
			want[k] = struct{}{}
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.records {
		if _, ok := want[id]; !ok {
			delete(t.records, id)
			left = append(left, id)
		}
	}
	for id := range want {
		if r, ok := t.records[id]; ok {
			r.LastSeenAt = now
			continue
		}
		if len(t.records) >= t.cfg.MaxEntries {
			t.evictStalestLocked()
		}
		t.records[id] = &Record{EntityID: id, LastSeenAt: now}
		joined = append(joined, id)
	}
	sort.Strings(joined)
	sort.Strings(left)
	return joined, left
}

// Sweep expires every entity silent for longer than Window and returns
// their IDs.
func (t *Tracker) Sweep() []string {
	now := t.clock.Now()
	window := t.Window()
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []string
	for id, r := range t.records {
		if now.Sub(r.LastSeenAt) > window {
			delete(t.records, id)
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	return expired
}

// State returns the state of id.
func (t *Tracker) State(id string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.records[id]; ok {
		return Online
	}
	return Offline
}

// Get returns a copy of id's record.
func (t *Tracker) Get(id string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Online returns the sorted IDs of every online entity.
func (t *Tracker) Online() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.records))
	for id := range t.records {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Records returns copies of every record, sorted by entity ID.
func (t *Tracker) Records() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// Len returns the number of online entities.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Reset forgets every entity.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = make(map[string]*Record)
}

// Run sweeps once per interval until ctx is done, passing expired IDs to
// onExpire when non-empty.
func (t *Tracker) Run(ctx context.Context, onExpire func([]string)) {
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if expired := t.Sweep(); len(expired) > 0 && onExpire != nil {
				onExpire(expired)
			}
		}
	}
}
