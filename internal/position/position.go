// Package position keeps the local view of every entity's position in sync
// with the world: local moves apply at once and are broadcast (throttled)
// and persisted (debounced); remote broadcasts, store changes and full
// snapshots are merged by arrival order.
package position

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Seonggyu05/infinite-introverts/internal/clock"
	"github.com/Seonggyu05/infinite-introverts/internal/geo"
	"github.com/Seonggyu05/infinite-introverts/internal/schedule"
)

// Position of one entity.
type Position struct {
	EntityID  string    `json:"entityId"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Point drops the identity.
func (p Position) Point() geo.Point {
	return geo.Point{X: p.X, Y: p.Y}
}

// Source says where an update came from.
type Source int

const (
	SourceLocal Source = iota
	SourceBroadcast
	SourceStore
	SourceSnapshot
)

func (s Source) String() string {
	switch s {
	case SourceLocal:
		return "local"
	case SourceBroadcast:
		return "broadcast"
	case SourceStore:
		return "store"
	case SourceSnapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

// Update is a position together with its provenance. Removed marks an
// entity that left the local view.
type Update struct {
	Position
	Source     Source
	ObservedAt time.Time
	Removed    bool
}

// Op is the kind of store change applied through ApplyChange.
type Op int

const (
	OpUpsert Op = iota
	OpDelete
)

// Broadcaster sends the local position to the other clients.
type Broadcaster interface {
	BroadcastPosition(ctx context.Context, p Position) error
}

// Persister writes the local position to the store.
type Persister interface {
	SavePosition(ctx context.Context, p Position) error
}

// Fetcher reads every position from the store.
type Fetcher interface {
	FetchPositions(ctx context.Context) ([]Position, error)
}

// Dependencies holds the collaborators of a Manager. Broadcaster and
// Persister may be nil for a read-only view.
type Dependencies struct {
	Broadcaster Broadcaster
	Persister   Persister
	Fetcher     Fetcher
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Config holds the cadences of a Manager.
type Config struct {
	SelfID            string
	Bounds            geo.Bounds
	BroadcastInterval time.Duration
	PersistQuiet      time.Duration
	WriteTimeout      time.Duration
}

// DefaultConfig broadcasts at most every 100ms and persists after 1s of
// stillness.
func DefaultConfig(selfID string) Config {
	return Config{
		SelfID:            selfID,
		Bounds:            geo.DefaultWorldBounds,
		BroadcastInterval: 100 * time.Millisecond,
		PersistQuiet:      time.Second,
		WriteTimeout:      5 * time.Second,
	}
}

// Merge decides whether incoming replaces current. Local updates always
// apply; the self entity otherwise only takes a remote value while it has
// no position yet. For other entities the update observed last wins, ties
// going to incoming. changed reports whether the visible position moved or
// the entity is new.
func Merge(current *Update, incoming Update, selfID string) (merged Update, changed bool) {
	if current == nil {
		return incoming, true
	}
	if incoming.Source != SourceLocal {
		if incoming.EntityID == selfID {
			return *current, false
		}
		if incoming.ObservedAt.Before(current.ObservedAt) {
			return *current, false
		}
	}
	moved := incoming.X != current.X || incoming.Y != current.Y
	return incoming, moved
}

// Manager owns the local position view. It is safe for concurrent use;
// listeners run on the goroutine that caused the change.
type Manager struct {
	deps Dependencies
	cfg  Config

	mu        sync.RWMutex
	entities  map[string]Update
	listeners []func(Update)

	broadcast *schedule.Throttler[string, Position]
	persist   *schedule.Debouncer[string, Position]
}

// New creates a Manager.
func New(deps Dependencies, cfg Config) *Manager {
	def := DefaultConfig(cfg.SelfID)
	if cfg.Bounds == (geo.Bounds{}) {
		cfg.Bounds = def.Bounds
	}
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = def.BroadcastInterval
	}
	if cfg.PersistQuiet <= 0 {
		cfg.PersistQuiet = def.PersistQuiet
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	m := &Manager{
		deps:     deps,
		cfg:      cfg,
		entities: make(map[string]Update),
	}
	m.broadcast = schedule.NewThrottler(deps.Clock, cfg.BroadcastInterval, m.emitBroadcast)
	m.persist = schedule.NewDebouncer(deps.Clock, cfg.PersistQuiet, m.emitPersist)
	return m
}

// SelfID returns the local entity id.
func (m *Manager) SelfID() string {
	return m.cfg.SelfID
}

// OnChange registers fn for every accepted update.
func (m *Manager) OnChange(fn func(Update)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) notify(updates ...Update) {
	if len(updates) == 0 {
		return
	}
	m.mu.RLock()
	listeners := append([]func(Update){}, m.listeners...)
	m.mu.RUnlock()
	for _, u := range updates {
		for _, fn := range listeners {
			fn(u)
		}
	}
}

// MoveLocal clamps (x, y) into the world, applies it to the self entity
// immediately and schedules the broadcast and the persist. It never
// blocks on I/O.
func (m *Manager) MoveLocal(x, y float64) Position {
	now := m.deps.Clock.Now()
	pt := m.cfg.Bounds.Clamp(geo.Point{X: x, Y: y})
	p := Position{EntityID: m.cfg.SelfID, X: pt.X, Y: pt.Y, UpdatedAt: now}
	u := Update{Position: p, Source: SourceLocal, ObservedAt: now}

	m.mu.Lock()
	cur, ok := m.entities[p.EntityID]
	m.entities[p.EntityID] = u
	m.mu.Unlock()

	if !ok || cur.X != p.X || cur.Y != p.Y {
		m.notify(u)
	}
	m.broadcast.Submit(p.EntityID, p)
	m.persist.Submit(p.EntityID, p)
	return p
}

// PlaceLocal sets the self position without broadcasting or persisting,
// for the position the store already holds (join, respawn).
func (m *Manager) PlaceLocal(p Position) Position {
	now := m.deps.Clock.Now()
	pt := m.cfg.Bounds.Clamp(p.Point())
	p = Position{EntityID: m.cfg.SelfID, X: pt.X, Y: pt.Y, UpdatedAt: now}
	u := Update{Position: p, Source: SourceLocal, ObservedAt: now}

	m.mu.Lock()
	m.entities[p.EntityID] = u
	m.mu.Unlock()
	m.notify(u)
	return p
}

func (m *Manager) apply(incoming Update) bool {
	incoming.Position.X, incoming.Position.Y = clampXY(m.cfg.Bounds, incoming.X, incoming.Y)

	m.mu.Lock()
	var cur *Update
	if c, ok := m.entities[incoming.EntityID]; ok {
		cur = &c
	}
	merged, changed := Merge(cur, incoming, m.cfg.SelfID)
	m.entities[incoming.EntityID] = merged
	m.mu.Unlock()

	if changed {
		m.notify(merged)
	}
	return changed
}

func clampXY(b geo.Bounds, x, y float64) (float64, float64) {
	p := b.Clamp(geo.Point{X: x, Y: y})
	return p.X, p.Y
}

// ApplyBroadcast merges a position received from another client. Echoes
// of the local entity are ignored.
func (m *Manager) ApplyBroadcast(p Position) bool {
	if p.EntityID == "" || p.EntityID == m.cfg.SelfID {
		return false
	}
	return m.apply(Update{Position: p, Source: SourceBroadcast, ObservedAt: m.deps.Clock.Now()})
}

// ApplyChange merges a store change notification. Deletes remove the
// entity unless it is the local one; rows for the local entity only apply
// while it has no position.
func (m *Manager) ApplyChange(op Op, p Position) bool {
	if p.EntityID == "" {
		return false
	}
	if op == OpDelete {
		if p.EntityID == m.cfg.SelfID {
			return false
		}
		m.mu.Lock()
		cur, ok := m.entities[p.EntityID]
		delete(m.entities, p.EntityID)
		m.mu.Unlock()
		if ok {
			cur.Removed = true
			cur.Source = SourceStore
			m.notify(cur)
		}
		return ok
	}
	return m.apply(Update{Position: p, Source: SourceStore, ObservedAt: m.deps.Clock.Now()})
}

// Resync replaces the remote entities with a fresh snapshot. Entities
// missing from it are dropped, unless an update for them arrived while the
// fetch was in flight. The local entity keeps its position if it has one.
func (m *Manager) Resync(ctx context.Context) error {
	if m.deps.Fetcher == nil {
		return nil
	}
	started := m.deps.Clock.Now()
	rows, err := m.deps.Fetcher.FetchPositions(ctx)
	if err != nil {
		return err
	}

	snapshot := make(map[string]Position, len(rows))
	for _, r := range rows {
		if r.EntityID != "" {
			snapshot[r.EntityID] = r
		}
	}

	var updates []Update
	m.mu.Lock()
	next := make(map[string]Update, len(snapshot)+1)
	for id, cur := range m.entities {
		if id == m.cfg.SelfID || cur.ObservedAt.After(started) {
			next[id] = cur
			continue
		}
		if _, ok := snapshot[id]; !ok {
			cur.Removed = true
			cur.Source = SourceSnapshot
			updates = append(updates, cur)
		}
	}
	for id, row := range snapshot {
		if _, kept := next[id]; kept {
			continue
		}
		row.X, row.Y = clampXY(m.cfg.Bounds, row.X, row.Y)
		u := Update{Position: row, Source: SourceSnapshot, ObservedAt: started}
		if cur, ok := m.entities[id]; !ok || cur.X != row.X || cur.Y != row.Y {
			updates = append(updates, u)
		}
		next[id] = u
	}
	m.entities = next
	m.mu.Unlock()

	sort.Slice(updates, func(i, j int) bool { return updates[i].EntityID < updates[j].EntityID })
	m.notify(updates...)
	return nil
}

// Get returns the position of id.
func (m *Manager) Get(id string) (Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.entities[id]
	return u.Position, ok
}

// Lookup adapts Get for distance computations.
func (m *Manager) Lookup(id string) (geo.Point, bool) {
	p, ok := m.Get(id)
	return p.Point(), ok
}

// Self returns the local entity's position.
func (m *Manager) Self() (Position, bool) {
	return m.Get(m.cfg.SelfID)
}

// Snapshot returns every known position sorted by entity id.
func (m *Manager) Snapshot() []Position {
	m.mu.RLock()
	out := make([]Position, 0, len(m.entities))
	for _, u := range m.entities {
		out = append(out, u.Position)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// Len returns the number of known entities.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entities)
}

// Clear forgets every entity, including the local one, and drops any
// pending broadcast or persist. Used when the world resets.
func (m *Manager) Clear() {
	m.broadcast.Cancel(m.cfg.SelfID)
	m.persist.Cancel(m.cfg.SelfID)
	m.mu.Lock()
	m.entities = make(map[string]Update)
	m.mu.Unlock()
}

// FlushPersist writes a pending debounced position now.
func (m *Manager) FlushPersist() bool {
	return m.persist.Flush(m.cfg.SelfID)
}

// Close cancels both schedulers; no broadcast or persist fires afterwards.
func (m *Manager) Close() {
	m.broadcast.Close()
	m.persist.Close()
}

func (m *Manager) emitBroadcast(_ string, p Position) {
	if m.deps.Broadcaster == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.WriteTimeout)
	defer cancel()
	if err := m.deps.Broadcaster.BroadcastPosition(ctx, p); err != nil {
		m.deps.Logger.Debug("Position broadcast dropped", "entity", p.EntityID, "error", err)
	}
}

func (m *Manager) emitPersist(_ string, p Position) {
	if m.deps.Persister == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.WriteTimeout)
	defer cancel()
	if err := m.deps.Persister.SavePosition(ctx, p); err != nil {
		m.deps.Logger.Warn("Position persist failed", "entity", p.EntityID, "error", err)
	}
}
