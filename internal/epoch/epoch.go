// Package epoch drives the world lifecycle: the countdown to the next wipe,
// staged warnings, the terminal "world unavailable" phase and the cutover
// to the next epoch.
package epoch

import (
	"fmt"
	"sync"
	"time"
)

// Phase of the countdown. Phases only move forward within one epoch.
type Phase int

const (
	Running Phase = iota
	Warn10
	Warn5
	Warn1
	Resetting
)

func (p Phase) String() string {
	switch p {
	case Running:
		return "running"
	case Warn10:
		return "warn_10"
	case Warn5:
		return "warn_5"
	case Warn1:
		return "warn_1"
	case Resetting:
		return "resetting"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Epoch is one lifetime of the world.
type Epoch struct {
	ID          int64      `json:"epochId"`
	NextResetAt time.Time  `json:"nextResetAt"`
	LastResetAt *time.Time `json:"lastResetAt,omitempty"`
	ResetCount  int64      `json:"resetCount"`
}

// Thresholds are the remaining times at which each warning fires.
type Thresholds struct {
	Warn10 time.Duration `mapstructure:"warn10"`
	Warn5  time.Duration `mapstructure:"warn5"`
	Warn1  time.Duration `mapstructure:"warn1"`
}

// DefaultThresholds returns 10, 5 and 1 minutes.
func DefaultThresholds() Thresholds {
	return Thresholds{Warn10: 10 * time.Minute, Warn5: 5 * time.Minute, Warn1: time.Minute}
}

// Band returns the phase that corresponds to the remaining time.
func (t Thresholds) Band(remaining time.Duration) Phase {
	switch {
	case remaining <= 0:
		return Resetting
	case remaining <= t.Warn1:
		return Warn1
	case remaining <= t.Warn5:
		return Warn5
	case remaining <= t.Warn10:
		return Warn10
	default:
		return Running
	}
}

// Transition is emitted once per phase change.
type Transition struct {
	EpochID   int64         `json:"epochId"`
	From      Phase         `json:"from"`
	To        Phase         `json:"to"`
	Remaining time.Duration `json:"remaining"`
}

// Machine is the client-side countdown. It is fed the epoch row (fetched
// once and on every reconnect) and a tick roughly every second.
type Machine struct {
	th Thresholds

	mu    sync.Mutex
	epoch Epoch
	known bool
	phase Phase
}

// NewMachine creates a Machine without an epoch; Tick is a no-op until
// SetEpoch is called.
func NewMachine(th Thresholds) *Machine {
	def := DefaultThresholds()
	if th.Warn10 <= 0 {
		th.Warn10 = def.Warn10
	}
	if th.Warn5 <= 0 {
		th.Warn5 = def.Warn5
	}
	if th.Warn1 <= 0 {
		th.Warn1 = def.Warn1
	}
	return &Machine{th: th}
}

// SetEpoch installs the epoch row. A new epoch ID restarts the machine in
// Running with every warning armed again; the same ID only refreshes the
// schedule and keeps the phase. Older epoch IDs are ignored. It reports
// whether a new epoch started.
func (m *Machine) SetEpoch(e Epoch) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case !m.known || e.ID > m.epoch.ID:
		m.epoch = e
		m.known = true
		m.phase = Running
		return true
	case e.ID == m.epoch.ID:
		m.epoch = e
	}
	return false
}

// Tick advances the phase for now. It returns the transition when the
// phase moved forward; jumping over bands yields a single transition to
// the band reached.
func (m *Machine) Tick(now time.Time) (Transition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.known {
		return Transition{}, false
	}

	remaining := m.epoch.NextResetAt.Sub(now)
	target := m.th.Band(remaining)
	if target <= m.phase {
		return Transition{}, false
	}
	tr := Transition{EpochID: m.epoch.ID, From: m.phase, To: target, Remaining: remaining}
	m.phase = target
	return tr, true
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Epoch returns the installed epoch and whether one is known.
func (m *Machine) Epoch() (Epoch, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch, m.known
}

// Available is false once the countdown reached zero and until the next
// epoch is installed.
func (m *Machine) Available() bool {
	return m.Phase() != Resetting
}

// Remaining returns the time left until the reset, never negative.
func (m *Machine) Remaining(now time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.known {
		return 0
	}
	if d := m.epoch.NextResetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Countdown formats d as HH:MM:SS, truncating to whole seconds.
func Countdown(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}
