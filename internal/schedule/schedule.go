// Package schedule holds keyed throttle and debounce schedulers.
//
// Each key owns an explicit slot (last fire time, pending value, armed timer)
// so that cancellation on teardown is deterministic: after Close or Cancel
// no callback for the affected keys will run.
package schedule

import (
	"sync"
	"time"

	"github.com/Seonggyu05/infinite-introverts/internal/clock"
)

// EmitFunc receives the coalesced value for a key.
type EmitFunc[K comparable, V any] func(key K, value V)

type mode int

const (
	modeThrottle mode = iota
	modeDebounce
)

type slot[V any] struct {
	lastFire time.Time
	pending  *V
	timer    clock.Timer
	// gen is the generation of the armed timer.
	gen uint64
}

type keyed[K comparable, V any] struct {
	mode   mode
	clock  clock.Clock
	window time.Duration
	emit   EmitFunc[K, V]

	mu    sync.Mutex
	slots map[K]*slot[V]
	// gen numbers timers across every key and slot, so a timer armed before
	// Cancel never matches a slot created after it.
	gen    uint64
	closed bool
}

func (s *keyed[K, V]) init(m mode, c clock.Clock, window time.Duration, emit EmitFunc[K, V]) {
	if c == nil {
		c = clock.Real()
	}
	s.mode = m
	s.clock = c
	s.window = window
	s.emit = emit
	s.slots = make(map[K]*slot[V])
}

// Submit records value as the latest for key and arms the key's timer
// according to the scheduler's policy.
func (s *keyed[K, V]) Submit(key K, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	sl, ok := s.slots[key]
	if !ok {
		sl = &slot[V]{}
		s.slots[key] = sl
	}
	v := value
	sl.pending = &v

	if sl.timer != nil {
		if s.mode == modeThrottle {
			// window already open, the armed timer will carry the latest value
			return
		}
		sl.timer.Stop()
	}

	s.gen++
	gen := s.gen
	sl.gen = gen
	sl.timer = s.clock.AfterFunc(s.window, func() { s.fire(key, gen) })
}

func (s *keyed[K, V]) fire(key K, gen uint64) {
	s.mu.Lock()
	sl, ok := s.slots[key]
	if s.closed || !ok || sl.gen != gen || sl.pending == nil {
		s.mu.Unlock()
		return
	}
	v := *sl.pending
	sl.pending = nil
	sl.timer = nil
	sl.lastFire = s.clock.Now()
	s.mu.Unlock()

	s.emit(key, v)
}

// Flush emits the pending value for key immediately, if any. It reports
// whether a value was emitted.
func (s *keyed[K, V]) Flush(key K) bool {
	s.mu.Lock()
	sl, ok := s.slots[key]
	if s.closed || !ok || sl.pending == nil {
		s.mu.Unlock()
		return false
	}
	if sl.timer != nil {
		sl.timer.Stop()
		sl.timer = nil
	}
	s.gen++
	sl.gen = s.gen
	v := *sl.pending
	sl.pending = nil
	sl.lastFire = s.clock.Now()
	s.mu.Unlock()

	s.emit(key, v)
	return true
}

// FlushAll emits every pending value.
func (s *keyed[K, V]) FlushAll() {
	s.mu.Lock()
	keys := make([]K, 0, len(s.slots))
	for k, sl := range s.slots {
		if sl.pending != nil {
			keys = append(keys, k)
		}
	}
	s.mu.Unlock()

	for _, k := range keys {
		s.Flush(k)
	}
}

// Cancel drops the pending value for key and stops its timer.
func (s *keyed[K, V]) Cancel(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.slots[key]; ok {
		if sl.timer != nil {
			sl.timer.Stop()
		}
		delete(s.slots, key)
	}
}

// Pending reports whether key has a value waiting to be emitted.
func (s *keyed[K, V]) Pending(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[key]
	return ok && sl.pending != nil
}

// LastFire returns when key last emitted. Zero if never.
func (s *keyed[K, V]) LastFire(key K) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.slots[key]; ok {
		return sl.lastFire
	}
	return time.Time{}
}

// Close stops every timer. Submit, Flush and armed timers are no-ops
// afterwards.
func (s *keyed[K, V]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for k, sl := range s.slots {
		if sl.timer != nil {
			sl.timer.Stop()
		}
		delete(s.slots, k)
	}
}

// Throttler emits at most once per interval per key, trailing edge: the
// first Submit in an idle key opens a window, later Submits inside the
// window only replace the value, and the latest value is emitted when the
// window closes.
type Throttler[K comparable, V any] struct {
	keyed[K, V]
}

// NewThrottler creates a Throttler. A nil clock means the real clock.
func NewThrottler[K comparable, V any](c clock.Clock, interval time.Duration, emit EmitFunc[K, V]) *Throttler[K, V] {
	t := &Throttler[K, V]{}
	t.init(modeThrottle, c, interval, emit)
	return t
}

// Debouncer emits the latest value for a key once Submit has not been
// called for that key for the quiet period.
type Debouncer[K comparable, V any] struct {
	keyed[K, V]
}

// NewDebouncer creates a Debouncer. A nil clock means the real clock.
func NewDebouncer[K comparable, V any](c clock.Clock, quiet time.Duration, emit EmitFunc[K, V]) *Debouncer[K, V] {
	d := &Debouncer[K, V]{}
	d.init(modeDebounce, c, quiet, emit)
	return d
}
