// Package quota enforces per-user limits on ephemeral content: a cooldown
// between posts, a cap on live items with FIFO eviction, and a two-level
// cap on threaded replies.
package quota

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/Seonggyu05/infinite-introverts/internal/clock"
)

// MaxReplyDepth is the deepest allowed reply level (a reply to a top-level
// comment is level 2).
const MaxReplyDepth = 2

// ErrReplyTooDeep is returned for a reply whose parent is itself a reply.
var ErrReplyTooDeep = errors.New("replies can only be nested two levels deep")

// CooldownError reports a post attempted before the cooldown elapsed.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("please wait %d seconds before posting again", e.RemainingSeconds())
}

// RemainingSeconds rounds the remaining wait up to whole seconds.
func (e *CooldownError) RemainingSeconds() int {
	return int(math.Ceil(e.Remaining.Seconds()))
}

// IsCooldown unwraps err into a CooldownError.
func IsCooldown(err error) (*CooldownError, bool) {
	var ce *CooldownError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// Item is one live piece of content owned by a user.
type Item struct {
	ID        string
	OwnerID   string
	CreatedAt time.Time
}

// Store is the authoritative source of a user's live items.
type Store interface {
	ListByOwner(ctx context.Context, ownerID string) ([]Item, error)
	DeleteItem(ctx context.Context, id string) error
}

// Transactor is implemented by stores that can run the eviction and the
// insert of one admission atomically. fn must use the ctx it is given.
type Transactor interface {
	Atomically(ctx context.Context, fn func(ctx context.Context) error) error
}

// InsertFunc creates the new item once both gates passed.
type InsertFunc func(ctx context.Context) (Item, error)

// Config holds the limits.
type Config struct {
	MaxItems int
	Cooldown time.Duration
}

// DefaultConfig allows 10 live items and one post every 30 seconds.
func DefaultConfig() Config {
	return Config{MaxItems: 10, Cooldown: 30 * time.Second}
}

// State is the quota bookkeeping for one user.
type State struct {
	UserID          string    `json:"userId"`
	ActiveItemCount int       `json:"activeItemCount"`
	LastPostAt      time.Time `json:"lastPostAt"`
}

// Admission describes an accepted post.
type Admission struct {
	Item    Item
	Evicted []Item
	State   State
}

type userState struct {
	mu         sync.Mutex
	lastPostAt time.Time
	active     int
}

// Enforcer evaluates both gates under a per-user lock, so one user's
// concurrent posts are serialized while different users never contend.
type Enforcer struct {
	cfg   Config
	store Store
	clock clock.Clock

	mu    sync.Mutex
	users map[string]*userState
}

// NewEnforcer creates an Enforcer. store may be nil for client-side
// pre-validation, in which case only Check is usable.
func NewEnforcer(cfg Config, store Store, c clock.Clock) *Enforcer {
	def := DefaultConfig()
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = def.MaxItems
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if c == nil {
		c = clock.Real()
	}
	return &Enforcer{cfg: cfg, store: store, clock: c, users: make(map[string]*userState)}
}

// Config returns the active limits.
func (e *Enforcer) Config() Config {
	return e.cfg
}

func (e *Enforcer) user(id string) *userState {
	e.mu.Lock()
	defer e.mu.Unlock()
	us, ok := e.users[id]
	if !ok {
		us = &userState{}
		e.users[id] = us
	}
	return us
}

func (e *Enforcer) cooldown(last, now time.Time) error {
	if last.IsZero() {
		return nil
	}
	if elapsed := now.Sub(last); elapsed < e.cfg.Cooldown {
		return &CooldownError{Remaining: e.cfg.Cooldown - elapsed}
	}
	return nil
}

// Check runs the cooldown gate without touching the store.
func (e *Enforcer) Check(userID string) error {
	us := e.user(userID)
	us.mu.Lock()
	defer us.mu.Unlock()
	return e.cooldown(us.lastPostAt, e.clock.Now())
}

// Admit runs the cooldown gate, evicts the oldest items while the user is
// at capacity, then calls insert. With a Transactor store the evictions
// and the insert commit or roll back together. The user's last post time
// only moves when insert succeeds.
func (e *Enforcer) Admit(ctx context.Context, userID string, insert InsertFunc) (Admission, error) {
	if e.store == nil {
		return Admission{}, errors.New("quota: no item store configured")
	}
	us := e.user(userID)
	us.mu.Lock()
	defer us.mu.Unlock()

	now := e.clock.Now()
	if err := e.cooldown(us.lastPostAt, now); err != nil {
		return Admission{}, err
	}

	items, err := e.store.ListByOwner(ctx, userID)
	if err != nil {
		return Admission{}, fmt.Errorf("failed to list items for %s: %w", userID, err)
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})

	// the store remembers posts made before this process started
	if n := len(items); n > 0 {
		if err := e.cooldown(items[n-1].CreatedAt, now); err != nil {
			return Admission{}, err
		}
	}

	var (
		evicted []Item
		item    Item
	)
	admit := func(ctx context.Context) error {
		evicted = evicted[:0]
		rest := items
		for len(rest) >= e.cfg.MaxItems {
			oldest := rest[0]
			if err := e.store.DeleteItem(ctx, oldest.ID); err != nil {
				return fmt.Errorf("failed to evict item %s: %w", oldest.ID, err)
			}
			evicted = append(evicted, oldest)
			rest = rest[1:]
		}
		var err error
		item, err = insert(ctx)
		return err
	}

	tx, atomic := e.store.(Transactor)
	if atomic {
		err = tx.Atomically(ctx, admit)
	} else {
		err = admit(ctx)
	}
	if err != nil {
		if atomic {
			// rolled back, nothing was evicted
			evicted = nil
		}
		us.active = len(items) - len(evicted)
		return Admission{Evicted: evicted}, err
	}
	items = items[len(evicted):]

	us.lastPostAt = now
	us.active = len(items) + 1
	return Admission{
		Item:    item,
		Evicted: evicted,
		State:   State{UserID: userID, ActiveItemCount: us.active, LastPostAt: now},
	}, nil
}

// Record marks a successful post made elsewhere (for example a client
// mirroring the server's answer) so Check applies the cooldown.
func (e *Enforcer) Record(userID string, at time.Time) {
	us := e.user(userID)
	us.mu.Lock()
	defer us.mu.Unlock()
	if at.After(us.lastPostAt) {
		us.lastPostAt = at
	}
}

// Snapshot returns the bookkeeping for userID.
func (e *Enforcer) Snapshot(userID string) State {
	us := e.user(userID)
	us.mu.Lock()
	defer us.mu.Unlock()
	return State{UserID: userID, ActiveItemCount: us.active, LastPostAt: us.lastPostAt}
}

// Reset forgets all per-user state, used when the world is wiped.
func (e *Enforcer) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.users = make(map[string]*userState)
}

// CheckReplyDepth rejects a reply whose parent already has a parent.
func CheckReplyDepth(parentHasParent bool) error {
	if parentHasParent {
		return ErrReplyTooDeep
	}
	return nil
}
