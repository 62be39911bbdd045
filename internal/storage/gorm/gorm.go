// Package gormstorage implements storage.Store on gorm. It is shared by
// the Postgres and SQLite backends; the only dialect-specific behavior is
// the row lock taken on the world row during a reset.
package gormstorage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Seonggyu05/infinite-introverts/internal/clock"
	"github.com/Seonggyu05/infinite-introverts/internal/database"
	"github.com/Seonggyu05/infinite-introverts/internal/epoch"
	"github.com/Seonggyu05/infinite-introverts/internal/model"
	"github.com/Seonggyu05/infinite-introverts/internal/queue"
	"github.com/Seonggyu05/infinite-introverts/internal/storage"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Config holds store tuning.
type Config struct {
	// FlushInterval is the write-behind period for positions.
	FlushInterval time.Duration
	// FeedBuffer is the per-subscriber change buffer.
	FeedBuffer int
	// Period is the length of an epoch.
	Period time.Duration
	// ResetGuard turns a manual reset issued this soon after the previous
	// one into a no-op.
	ResetGuard time.Duration
}

// Dependencies holds all dependencies for the gorm store.
type Dependencies struct {
	DB     *gorm.DB
	Clock  clock.Clock
	Logger *slog.Logger
	Meter  metric.Meter
}

type pendingPosition struct {
	ID   string
	X, Y float64
	At   time.Time
}

var errEpochAdvanced = errors.New("epoch already advanced")

// Store implements storage.Store.
type Store struct {
	db     *gorm.DB
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger
	feed   *storage.Feed

	positions *queue.Queue[pendingPosition]
	flushMu   sync.Mutex
	resetMu   sync.Mutex

	stopChan chan struct{}
	wg       sync.WaitGroup
}

var _ storage.Store = (*Store)(nil)

// New creates a store over deps.DB. Init must be called before use.
func New(deps Dependencies, cfg Config) *Store {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 250 * time.Millisecond
	}
	if cfg.Period <= 0 {
		cfg.Period = 24 * time.Hour
	}
	if cfg.ResetGuard < 0 {
		cfg.ResetGuard = 0
	}
	c := deps.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:        deps.DB,
		cfg:       cfg,
		clock:     c,
		logger:    logger,
		feed:      storage.NewFeed(cfg.FeedBuffer, logger, deps.Meter),
		positions: queue.New[pendingPosition](),
	}
}

// DB exposes the underlying connection.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Init migrates the schema, creates the world row if missing and starts
// the position writer.
func (s *Store) Init() error {
	if s.db == nil {
		return fmt.Errorf("no database connection")
	}
	if err := database.Migrate(s.db); err != nil {
		return err
	}
	if _, err := database.EnsureWorldState(s.db, s.clock.Now().UTC(), s.cfg.Period); err != nil {
		return err
	}

	s.stopChan = make(chan struct{})
	s.wg.Add(1)
	go s.writeLoop()
	s.logger.Info("Store initialized", "dialect", s.db.Name(), "flushInterval", s.cfg.FlushInterval)
	return nil
}

// Close stops the writer after a last flush and ends every subscription.
func (s *Store) Close() error {
	if s.stopChan != nil {
		close(s.stopChan)
		s.wg.Wait()
		s.stopChan = nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Flush(ctx)
	s.feed.Close()
	return err
}

func (s *Store) writeLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FlushInterval*4)
			if err := s.Flush(ctx); err != nil {
				s.logger.Error("Failed to flush positions", "error", err)
			}
			cancel()
		}
	}
}

// Subscribe registers a change feed handler.
func (s *Store) Subscribe(filter storage.Filter, handler storage.Handler) func() {
	return s.feed.Subscribe(filter, handler)
}

type txKey struct{}

type txState struct {
	tx      *gorm.DB
	changes []storage.Change
}

// Atomically runs fn in one transaction. Store calls made with the ctx
// handed to fn join it, and their changes are published after the commit.
func (s *Store) Atomically(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*txState); ok {
		return fn(ctx)
	}
	st := &txState{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		st.tx = tx
		return fn(context.WithValue(ctx, txKey{}, st))
	})
	if err != nil {
		return err
	}
	for _, ch := range st.changes {
		s.feed.Publish(ch)
	}
	return nil
}

// conn returns the transaction carried by ctx, or the pool.
func (s *Store) conn(ctx context.Context) *gorm.DB {
	if st, ok := ctx.Value(txKey{}).(*txState); ok {
		return st.tx.WithContext(ctx)
	}
	return s.db.WithContext(ctx)
}

// publish sends a change to the feed, or holds it until the transaction
// carried by ctx commits.
func (s *Store) publish(ctx context.Context, table string, op storage.Op, newRow, oldRow any) {
	ch := storage.Change{Table: table, Op: op, New: newRow, Old: oldRow, At: s.clock.Now().UTC()}
	if st, ok := ctx.Value(txKey{}).(*txState); ok {
		st.changes = append(st.changes, ch)
		return
	}
	s.feed.Publish(ch)
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}
	return fmt.Errorf("failed to read %s: %w", what, err)
}

////////////////////////
// PROFILES
////////////////////////

// EnsureProfile returns the profile with p.ID, creating it from p when it
// does not exist. created reports which happened.
func (s *Store) EnsureProfile(ctx context.Context, p model.Profile) (model.Profile, bool, error) {
	var existing model.Profile
	err := s.db.WithContext(ctx).First(&existing, "id = ?", p.ID).Error
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Profile{}, false, fmt.Errorf("failed to read profile: %w", err)
	}

	now := s.clock.Now().UTC()
	p.LastActiveAt = now
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := s.db.WithContext(ctx).Create(&p).Error; err != nil {
		return model.Profile{}, false, fmt.Errorf("failed to create profile: %w", err)
	}
	s.publish(ctx, model.TableProfiles, storage.OpInsert, p, nil)
	return p, true, nil
}

func (s *Store) GetProfile(ctx context.Context, id string) (model.Profile, error) {
	var p model.Profile
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return model.Profile{}, notFound(err, "profile "+id)
	}
	return p, nil
}

// TouchProfile records activity. It does not publish a change.
func (s *Store) TouchProfile(ctx context.Context, id string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&model.Profile{}).
		Where("id = ?", id).
		UpdateColumn("last_active_at", at.UTC()).Error
	if err != nil {
		return fmt.Errorf("failed to touch profile: %w", err)
	}
	return nil
}

// ListPositions returns every profile ordered by id.
func (s *Store) ListPositions(ctx context.Context) ([]model.Profile, error) {
	var out []model.Profile
	if err := s.db.WithContext(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	return out, nil
}

func (s *Store) SavePosition(_ context.Context, id string, x, y float64, at time.Time) error {
	if at.IsZero() {
		at = s.clock.Now()
	}
	s.positions.Push(pendingPosition{ID: id, X: x, Y: y, At: at.UTC()})
	return nil
}

// PendingPositions is the number of queued, unflushed position writes.
func (s *Store) PendingPositions() int {
	return s.positions.Len()
}

// Flush writes queued positions, one row update per entity. Rows deleted
// in the meantime (by a reset) are skipped. On failure the batch is put
// back for the next flush.
func (s *Store) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	if s.positions.Empty() {
		return nil
	}
	batch := queue.Coalesce(s.positions.GetAndEmpty(), func(p pendingPosition) string { return p.ID })

	var written []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		written = written[:0]
		for _, p := range batch {
			res := tx.Model(&model.Profile{}).Where("id = ?", p.ID).UpdateColumns(map[string]any{
				"position_x": p.X,
				"position_y": p.Y,
				"updated_at": p.At,
			})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected > 0 {
				written = append(written, p.ID)
			}
		}
		return nil
	})
	if err != nil {
		s.positions.Requeue(batch...)
		return fmt.Errorf("failed to write %d positions: %w", len(batch), err)
	}
	if len(written) == 0 {
		return nil
	}

	var rows []model.Profile
	if err := s.db.WithContext(ctx).Where("id IN ?", written).Order("id").Find(&rows).Error; err != nil {
		s.logger.Warn("Positions written but not re-read", "count", len(written), "error", err)
		return nil
	}
	for _, r := range rows {
		s.publish(ctx, model.TableProfiles, storage.OpUpdate, r, nil)
	}
	return nil
}

////////////////////////
// WORLD
////////////////////////

func toEpoch(ws model.WorldState) epoch.Epoch {
	return epoch.Epoch{
		ID:          ws.EpochID,
		NextResetAt: ws.NextResetAt.UTC(),
		LastResetAt: ws.LastResetAt,
		ResetCount:  ws.ResetCount,
	}
}

func (s *Store) GetWorldState(ctx context.Context) (model.WorldState, error) {
	var ws model.WorldState
	if err := s.db.WithContext(ctx).First(&ws, model.WorldStateID).Error; err != nil {
		return model.WorldState{}, notFound(err, "world state")
	}
	return ws, nil
}

func (s *Store) CurrentEpoch(ctx context.Context) (epoch.Epoch, error) {
	ws, err := s.GetWorldState(ctx)
	if err != nil {
		return epoch.Epoch{}, err
	}
	return toEpoch(ws), nil
}

// ResetWorld wipes all user content and advances the epoch in one
// transaction. Concurrent callers are serialized in-process and, on
// Postgres, by a row lock on the world row; the epoch_id compare-and-swap
// guarantees a single advance per observed epoch.
func (s *Store) ResetWorld(ctx context.Context, req epoch.ResetRequest) (epoch.ResetResult, error) {
	s.resetMu.Lock()
	defer s.resetMu.Unlock()
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	now := s.clock.Now().UTC()
	var (
		res  epoch.ResetResult
		prev model.WorldState
		next model.WorldState
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if tx.Name() == "postgres" {
			q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		if err := q.First(&prev, model.WorldStateID).Error; err != nil {
			return notFound(err, "world state")
		}

		if req.ExpectedEpoch != 0 && prev.EpochID != req.ExpectedEpoch {
			res = epoch.ResetResult{Epoch: toEpoch(prev), Reason: errEpochAdvanced.Error()}
			return nil
		}
		if req.Trigger == epoch.TriggerManual && prev.LastResetAt != nil && now.Sub(*prev.LastResetAt) < s.cfg.ResetGuard {
			res = epoch.ResetResult{Epoch: toEpoch(prev), Reason: "reset too recent"}
			return nil
		}

		next = prev
		next.EpochID = prev.EpochID + 1
		next.ResetCount = prev.ResetCount + 1
		next.LastResetAt = &now
		next.NextResetAt = now.Add(s.cfg.Period)

		cas := tx.Model(&model.WorldState{}).
			Where("id = ? AND epoch_id = ?", prev.ID, prev.EpochID).
			Updates(map[string]any{
				"epoch_id":      next.EpochID,
				"reset_count":   next.ResetCount,
				"last_reset_at": now,
				"next_reset_at": next.NextResetAt,
			})
		if cas.Error != nil {
			return fmt.Errorf("failed to advance epoch: %w", cas.Error)
		}
		if cas.RowsAffected == 0 {
			return errEpochAdvanced
		}

		for _, m := range model.UserContentModels {
			if err := tx.Where("1 = 1").Delete(m).Error; err != nil {
				return fmt.Errorf("failed to wipe %T: %w", m, err)
			}
		}

		if err := tx.Create(s.auditEntry(req, prev, next, now)).Error; err != nil {
			return fmt.Errorf("failed to record reset: %w", err)
		}

		res = epoch.ResetResult{Performed: true, Epoch: toEpoch(next)}
		return nil
	})
	if errors.Is(err, errEpochAdvanced) {
		cur, rerr := s.CurrentEpoch(ctx)
		if rerr != nil {
			return epoch.ResetResult{}, rerr
		}
		return epoch.ResetResult{Epoch: cur, Reason: errEpochAdvanced.Error()}, nil
	}
	if err != nil {
		return epoch.ResetResult{}, err
	}

	if res.Performed {
		if dropped := s.positions.Clear(); dropped > 0 {
			s.logger.Debug("Dropped queued positions from the previous epoch", "count", dropped)
		}
		s.publish(ctx, model.TableWorldState, storage.OpUpdate, next, prev)
	}
	return res, nil
}

func (s *Store) auditEntry(req epoch.ResetRequest, prev, next model.WorldState, now time.Time) *model.AdminAction {
	actionType := model.ActionManualReset
	if req.Trigger == epoch.TriggerScheduled {
		actionType = model.ActionScheduledReset
	}
	admin := req.ActorID
	if admin == "" {
		admin = "system"
	}
	details, _ := json.Marshal(map[string]any{
		"trigger":     req.Trigger,
		"fromEpoch":   prev.EpochID,
		"toEpoch":     next.EpochID,
		"nextResetAt": next.NextResetAt,
	})
	return &model.AdminAction{
		ID:         uuid.NewString(),
		AdminID:    admin,
		ActionType: actionType,
		Details:    datatypes.JSON(details),
		CreatedAt:  now,
	}
}
