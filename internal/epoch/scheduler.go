package epoch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Seonggyu05/infinite-introverts/internal/clock"
)

// Trigger names what started a reset.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
)

// ResetRequest asks the store to wipe the world.
type ResetRequest struct {
	Trigger Trigger
	ActorID string
	// ExpectedEpoch, when non-zero, makes the reset a no-op unless the
	// current epoch still has this ID.
	ExpectedEpoch int64
}

// ResetResult describes the outcome. Performed is false when another
// reset got there first.
type ResetResult struct {
	Performed bool   `json:"performed"`
	Epoch     Epoch  `json:"epoch"`
	Reason    string `json:"reason,omitempty"`
}

// Store is the authoritative world row plus the atomic reset procedure.
type Store interface {
	CurrentEpoch(ctx context.Context) (Epoch, error)
	ResetWorld(ctx context.Context, req ResetRequest) (ResetResult, error)
}

// Scheduler performs the scheduled reset on the server once the current
// epoch's NextResetAt has passed. It also notices epochs advanced by
// another process.
type Scheduler struct {
	store     Store
	clock     clock.Clock
	poll      time.Duration
	logger    *slog.Logger
	onReset   func(ResetResult)
	onAdvance func(Epoch)

	mu   sync.Mutex
	seen int64
}

// SchedulerDependencies holds the collaborators of a Scheduler.
type SchedulerDependencies struct {
	Store   Store
	Clock   clock.Clock
	Logger  *slog.Logger
	OnReset func(ResetResult)
	// OnAdvance is called when a poll finds a newer epoch than the last
	// one seen that this scheduler did not create.
	OnAdvance func(Epoch)
}

// NewScheduler creates a Scheduler polling every poll.
func NewScheduler(deps SchedulerDependencies, poll time.Duration) *Scheduler {
	if poll <= 0 {
		poll = time.Second
	}
	c := deps.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:     deps.Store,
		clock:     c,
		poll:      poll,
		logger:    logger,
		onReset:   deps.OnReset,
		onAdvance: deps.OnAdvance,
	}
}

// observe records e as seen and reports an advance past the previous one.
// The first observation only sets the baseline.
func (s *Scheduler) observe(e Epoch, own bool) {
	s.mu.Lock()
	prev := s.seen
	if e.ID > s.seen {
		s.seen = e.ID
	}
	s.mu.Unlock()

	if own || prev == 0 || e.ID <= prev {
		return
	}
	s.logger.Info("Epoch advanced elsewhere", "from", prev, "to", e.ID)
	if s.onAdvance != nil {
		s.onAdvance(e)
	}
}

// Check resets the world if it is due. The reset is pinned to the epoch
// that was observed as due, so racing schedulers advance it only once.
func (s *Scheduler) Check(ctx context.Context) (ResetResult, error) {
	cur, err := s.store.CurrentEpoch(ctx)
	if err != nil {
		return ResetResult{}, fmt.Errorf("failed to read world state: %w", err)
	}
	s.observe(cur, false)
	if s.clock.Now().Before(cur.NextResetAt) {
		return ResetResult{Epoch: cur, Reason: "not due"}, nil
	}

	res, err := s.store.ResetWorld(ctx, ResetRequest{Trigger: TriggerScheduled, ExpectedEpoch: cur.ID})
	if err != nil {
		return ResetResult{}, fmt.Errorf("scheduled reset failed: %w", err)
	}
	s.observe(res.Epoch, res.Performed)
	if res.Performed {
		s.logger.Info("World reset",
			"trigger", TriggerScheduled,
			"epoch", res.Epoch.ID,
			"nextResetAt", res.Epoch.NextResetAt)
		if s.onReset != nil {
			s.onReset(res)
		}
	}
	return res, nil
}

// Run polls until ctx is done. Errors are logged and retried on the next
// poll.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Check(ctx); err != nil {
				s.logger.Error("Reset check failed", "error", err)
			}
		}
	}
}
