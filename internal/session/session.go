// Package session is the client engine of the world: one event loop that
// keeps the local view of positions, links, presence and the epoch
// countdown in step with a realtime connection.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Seonggyu05/infinite-introverts/internal/channel"
	"github.com/Seonggyu05/infinite-introverts/internal/clock"
	"github.com/Seonggyu05/infinite-introverts/internal/content"
	"github.com/Seonggyu05/infinite-introverts/internal/epoch"
	"github.com/Seonggyu05/infinite-introverts/internal/geo"
	"github.com/Seonggyu05/infinite-introverts/internal/model"
	"github.com/Seonggyu05/infinite-introverts/internal/position"
	"github.com/Seonggyu05/infinite-introverts/internal/presence"
	"github.com/Seonggyu05/infinite-introverts/internal/proximity"
	"github.com/Seonggyu05/infinite-introverts/internal/quota"
	"github.com/Seonggyu05/infinite-introverts/pkg/streaming"
)

// ErrWorldUnavailable is returned while the world is resetting.
var ErrWorldUnavailable = errors.New("world is resetting")

// Transport is the connection a session runs over. *realtime.Conn
// implements it.
type Transport interface {
	Dial(ctx context.Context) error
	OnMessage(fn func(streaming.Envelope))
	OnReconnect(fn func())
	Subscribe(name string) error
	Track(name, key string, meta map[string]any) error
	Listen(table string, filter *streaming.RowFilter) error
	// Restore resends the tracks and listens after a rejoin.
	Restore() error
	Heartbeat() error
	Publish(name, event string, payload any) bool
	Call(ctx context.Context, method string, params, out any) error
	Close() error
}

// Config tunes a session.
type Config struct {
	UserID            string
	Nickname          string
	Bounds            geo.Bounds
	BroadcastInterval time.Duration
	PersistQuiet      time.Duration
	WriteTimeout      time.Duration
	LinkRadius        float64
	MaxVisibleLinks   int
	Presence          presence.Config
	Quota             quota.Config
	Thresholds        epoch.Thresholds
	// TickInterval drives the countdown.
	TickInterval time.Duration
	// WorldPoll is how often a resetting session asks for the new epoch in
	// case the reset announcement was missed.
	WorldPoll time.Duration
	InboxSize int
}

// Dependencies holds the collaborators of a Session.
type Dependencies struct {
	Transport Transport
	Clock     clock.Clock
	Logger    *slog.Logger
}

type eventKind int

const (
	evEnvelope eventKind = iota
	evReconnect
	evTick
	evHeartbeat
)

type event struct {
	kind eventKind
	env  streaming.Envelope
}

// Session owns the client-side state. Its exported methods are safe to
// call from any goroutine. Server messages are applied on the Run
// goroutine; rejoins, refetches and world polls run beside it so local
// moves never wait on the network.
type Session struct {
	cfg       Config
	transport Transport
	clock     clock.Clock
	logger    *slog.Logger

	positions *position.Manager
	graph     *proximity.Graph
	online    *presence.Tracker
	machine   *epoch.Machine
	quota     *quota.Enforcer
	inbox     channel.Channel[event]

	mu        sync.Mutex
	profile   streaming.Profile
	joined    bool
	closed    bool
	syncing   bool
	syncAgain bool
	polling   bool
	lastPoll  time.Time
	tickTimer clock.Timer
	beatTimer clock.Timer
	onPhase   []func(epoch.Transition)
	onReset   []func(epoch.Epoch)
	work      sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

// New creates a Session. Open connects it.
func New(deps Dependencies, cfg Config) *Session {
	if cfg.Bounds == (geo.Bounds{}) {
		cfg.Bounds = geo.DefaultWorldBounds
	}
	if cfg.MaxVisibleLinks <= 0 {
		cfg.MaxVisibleLinks = 50
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.WorldPoll <= 0 {
		cfg.WorldPoll = 5 * time.Second
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 1024
	}
	if cfg.Presence.Interval <= 0 {
		cfg.Presence = presence.DefaultConfig()
	}
	c := deps.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		cfg:       cfg,
		transport: deps.Transport,
		clock:     c,
		logger:    logger.With("user", cfg.UserID),
		graph:     proximity.NewGraph(cfg.LinkRadius),
		online:    presence.NewTracker(cfg.Presence, c),
		machine:   epoch.NewMachine(cfg.Thresholds),
		quota:     quota.NewEnforcer(cfg.Quota, nil, c),
		inbox:     channel.New[event](cfg.InboxSize),
		done:      make(chan struct{}),
	}

	w := wire{t: deps.Transport}
	s.positions = position.New(position.Dependencies{
		Broadcaster: w,
		Persister:   w,
		Fetcher:     w,
		Clock:       c,
		Logger:      s.logger,
	}, position.Config{
		SelfID:            cfg.UserID,
		Bounds:            cfg.Bounds,
		BroadcastInterval: cfg.BroadcastInterval,
		PersistQuiet:      cfg.PersistQuiet,
		WriteTimeout:      cfg.WriteTimeout,
	})
	s.positions.OnChange(func(u position.Update) {
		s.graph.Touch(u.EntityID, s.positions.Lookup)
	})
	return s
}

// OnPhase registers fn for every countdown transition.
func (s *Session) OnPhase(fn func(epoch.Transition)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPhase = append(s.onPhase, fn)
}

// OnReset registers fn for every new epoch after the first.
func (s *Session) OnReset(fn func(epoch.Epoch)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReset = append(s.onReset, fn)
}

// Open dials, joins and loads the initial view. Call Run afterwards.
func (s *Session) Open(ctx context.Context) error {
	s.transport.OnMessage(func(env streaming.Envelope) {
		if !s.inbox.TrySend(event{kind: evEnvelope, env: env}) {
			s.logger.Warn("Session inbox full, dropping message", "type", env.Type)
		}
	})
	s.transport.OnReconnect(func() {
		if !s.inbox.TrySend(event{kind: evReconnect}) {
			s.logger.Warn("Session inbox full, dropping reconnect")
		}
	})

	if err := s.transport.Dial(ctx); err != nil {
		return err
	}
	if err := s.join(ctx); err != nil {
		return err
	}

	if err := s.transport.Subscribe(streaming.ChannelMovements); err != nil {
		return err
	}
	meta := map[string]any{"nickname": s.cfg.Nickname}
	if err := s.transport.Track(streaming.ChannelOnline, s.cfg.UserID, meta); err != nil {
		return err
	}
	if err := s.transport.Listen(model.TableProfiles, nil); err != nil {
		return err
	}
	if err := s.transport.Listen(model.TablePrivateChats, nil); err != nil {
		return err
	}

	return s.refetch(ctx)
}

// join registers the user and places the local avatar where the server
// has it.
func (s *Session) join(ctx context.Context) error {
	var res streaming.JoinResult
	err := s.transport.Call(ctx, streaming.MethodJoin, streaming.JoinParams{
		UserID:   s.cfg.UserID,
		Nickname: s.cfg.Nickname,
	}, &res)
	if err != nil {
		return fmt.Errorf("join failed: %w", err)
	}

	s.mu.Lock()
	s.profile = res.Profile
	s.joined = true
	s.mu.Unlock()

	s.applyWorld(res.World)
	// A rejoin after a reconnect keeps the local position, which may be
	// ahead of the stored one.
	if _, placed := s.positions.Self(); !placed || res.Created {
		s.positions.PlaceLocal(position.Position{
			EntityID: s.cfg.UserID,
			X:        res.Profile.PositionX,
			Y:        res.Profile.PositionY,
		})
	}
	return nil
}

// refetch reloads everything a dropped subscription may have missed.
func (s *Session) refetch(ctx context.Context) error {
	var world streaming.WorldState
	if err := s.transport.Call(ctx, streaming.MethodWorldGet, nil, &world); err != nil {
		return fmt.Errorf("world fetch failed: %w", err)
	}
	if s.applyWorld(world) {
		// The world was wiped between the join and the fetch.
		s.requestSync(ctx)
	}

	if err := s.positions.Resync(ctx); err != nil {
		return fmt.Errorf("position fetch failed: %w", err)
	}
	return s.loadChats(ctx)
}

func (s *Session) loadChats(ctx context.Context) error {
	var chats []streaming.Chat
	if err := s.transport.Call(ctx, streaming.MethodChatsAccepted, nil, &chats); err != nil {
		return fmt.Errorf("chat fetch failed: %w", err)
	}
	pairs := make([]proximity.Pair, 0, len(chats))
	for _, c := range chats {
		pairs = append(pairs, proximity.NewPair(c.User1ID, c.User2ID))
	}
	s.graph.SetPairs(pairs, s.positions.Lookup)
	return nil
}

func toEpoch(w streaming.WorldState) epoch.Epoch {
	return epoch.Epoch{ID: w.EpochID, NextResetAt: w.NextResetAt, LastResetAt: w.LastResetAt, ResetCount: w.ResetCount}
}

// applyWorld installs an epoch row and reports whether it replaced an
// older known epoch. That means the world was wiped: local state of the old
// epoch is dropped and the caller must rejoin.
func (s *Session) applyWorld(w streaming.WorldState) bool {
	_, known := s.machine.Epoch()
	if !s.machine.SetEpoch(toEpoch(w)) || !known {
		return false
	}
	s.logger.Info("New epoch", "epoch", w.EpochID, "nextResetAt", w.NextResetAt)

	s.quota.Reset()
	s.positions.Clear()
	s.graph.SetPairs(nil, s.positions.Lookup)

	s.mu.Lock()
	fns := append([]func(epoch.Epoch){}, s.onReset...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(toEpoch(w))
	}
	return true
}

// requestSync rejoins and refetches on a background goroutine. A request
// made while one is running queues exactly one more run.
func (s *Session) requestSync(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.syncing {
		s.syncAgain = true
		return
	}
	s.syncing = true
	s.work.Add(1)
	go func() {
		defer s.work.Done()
		for {
			s.resync(ctx)

			s.mu.Lock()
			again := s.syncAgain && !s.closed
			s.syncAgain = false
			if !again {
				s.syncing = false
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
		}
	}()
}

func (s *Session) resync(ctx context.Context) {
	if err := s.join(ctx); err != nil {
		s.logger.Error("Rejoin failed", "error", err)
		return
	}
	if err := s.transport.Restore(); err != nil {
		s.logger.Warn("Restoring tracks and listens failed", "error", err)
	}
	if err := s.refetch(ctx); err != nil {
		s.logger.Warn("Refetch failed", "error", err)
	}
}

// Run processes events until ctx is done or the session is closed.
func (s *Session) Run(ctx context.Context) {
	s.every(evTick, s.cfg.TickInterval)
	s.every(evHeartbeat, s.cfg.Presence.Interval)
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case ev, ok := <-s.inbox.Receive():
			if !ok {
				return
			}
			s.handle(ctx, ev)
		}
	}
}

// every re-arms a clock timer that feeds kind into the inbox.
func (s *Session) every(kind eventKind, d time.Duration) {
	var arm func()
	arm = func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		t := s.clock.AfterFunc(d, func() {
			s.inbox.TrySend(event{kind: kind})
			arm()
		})
		if kind == evTick {
			s.tickTimer = t
		} else {
			s.beatTimer = t
		}
	}
	arm()
}

func (s *Session) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evEnvelope:
		s.handleEnvelope(ctx, ev.env)
	case evReconnect:
		s.logger.Info("Reconnected, refetching")
		s.requestSync(ctx)
	case evTick:
		s.tick(ctx)
	case evHeartbeat:
		if err := s.transport.Heartbeat(); err != nil {
			s.logger.Debug("Heartbeat dropped", "error", err)
		}
	}
}

func (s *Session) tick(ctx context.Context) {
	now := s.clock.Now()
	if tr, ok := s.machine.Tick(now); ok {
		s.logger.Info("Epoch phase", "from", tr.From, "to", tr.To, "remaining", epoch.Countdown(tr.Remaining))
		s.mu.Lock()
		fns := append([]func(epoch.Transition){}, s.onPhase...)
		s.mu.Unlock()
		for _, fn := range fns {
			fn(tr)
		}
	}

	if s.machine.Available() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.polling || now.Sub(s.lastPoll) < s.cfg.WorldPoll {
		return
	}
	s.lastPoll = now
	s.polling = true
	s.work.Add(1)
	go s.pollWorld(ctx)
}

// pollWorld asks for the new epoch in case its announcement was missed.
func (s *Session) pollWorld(ctx context.Context) {
	defer s.work.Done()
	defer func() {
		s.mu.Lock()
		s.polling = false
		s.mu.Unlock()
	}()

	var world streaming.WorldState
	if err := s.transport.Call(ctx, streaming.MethodWorldGet, nil, &world); err != nil {
		s.logger.Debug("World poll failed", "error", err)
		return
	}
	if s.applyWorld(world) {
		s.requestSync(ctx)
	}
}

////////////////////////
// INBOUND
////////////////////////

func (s *Session) handleEnvelope(ctx context.Context, env streaming.Envelope) {
	switch env.Type {
	case streaming.TypeBroadcast:
		var bp streaming.BroadcastPayload
		if err := json.Unmarshal(env.Payload, &bp); err != nil {
			return
		}
		if bp.Channel != streaming.ChannelMovements || bp.Event != streaming.EventPositionUpdate || bp.From == "" {
			return
		}
		var p streaming.Position
		if err := json.Unmarshal(bp.Payload, &p); err != nil {
			return
		}
		s.positions.ApplyBroadcast(position.Position{EntityID: bp.From, X: p.X, Y: p.Y, UpdatedAt: p.UpdatedAt})

	case streaming.TypePresenceSync:
		var ps streaming.PresenceSyncPayload
		if err := json.Unmarshal(env.Payload, &ps); err != nil || ps.Channel != streaming.ChannelOnline {
			return
		}
		s.online.Sync(ps.Keys)

	case streaming.TypeChange:
		var cp streaming.ChangePayload
		if err := json.Unmarshal(env.Payload, &cp); err != nil {
			return
		}
		s.applyChange(cp)

	case streaming.TypeWorldReset:
		var wr streaming.WorldResetPayload
		if err := json.Unmarshal(env.Payload, &wr); err != nil {
			return
		}
		if s.applyWorld(wr.World) {
			s.requestSync(ctx)
		}
	}
}

func (s *Session) applyChange(cp streaming.ChangePayload) {
	switch cp.Table {
	case model.TableProfiles:
		var row model.Profile
		raw := cp.New
		op := position.OpUpsert
		if cp.Op == "DELETE" {
			raw = cp.Old
			op = position.OpDelete
		}
		if len(raw) == 0 || json.Unmarshal(raw, &row) != nil || row.ID == "" {
			return
		}
		s.positions.ApplyChange(op, position.Position{
			EntityID:  row.ID,
			X:         row.PositionX,
			Y:         row.PositionY,
			UpdatedAt: row.UpdatedAt,
		})

	case model.TablePrivateChats:
		var row model.PrivateChat
		raw := cp.New
		if len(raw) == 0 {
			raw = cp.Old
		}
		if len(raw) == 0 || json.Unmarshal(raw, &row) != nil {
			return
		}
		pair := proximity.NewPair(row.User1ID, row.User2ID)
		if cp.Op != "DELETE" && row.Status == model.ChatAccepted {
			s.graph.AddPair(pair, s.positions.Lookup)
		} else {
			s.graph.RemovePair(pair)
		}
	}
}

////////////////////////
// LOCAL ACTIONS
////////////////////////

// Move moves the local avatar at once, clamped to the world. Broadcast and
// persistence are scheduled behind it. It reports false while the world
// is resetting.
func (s *Session) Move(x, y float64) bool {
	if !s.machine.Available() {
		return false
	}
	s.positions.MoveLocal(x, y)
	return true
}

// PostThought pins a thought at the avatar's position. Length, cooldown and
// availability are checked before anything is sent.
func (s *Session) PostThought(ctx context.Context, text string) (streaming.PostThoughtResult, error) {
	text, err := content.ValidateThought(text)
	if err != nil {
		return streaming.PostThoughtResult{}, err
	}
	if !s.machine.Available() {
		return streaming.PostThoughtResult{}, ErrWorldUnavailable
	}
	if err := s.quota.Check(s.cfg.UserID); err != nil {
		return streaming.PostThoughtResult{}, err
	}
	self, _ := s.positions.Self()

	var res streaming.PostThoughtResult
	err = s.transport.Call(ctx, streaming.MethodThoughtsPost, streaming.PostThoughtParams{
		Content: text,
		X:       self.X,
		Y:       self.Y,
	}, &res)
	if err != nil {
		if ce, ok := quota.IsCooldown(err); ok {
			s.quota.Record(s.cfg.UserID, s.clock.Now().Add(ce.Remaining-s.quota.Config().Cooldown))
		}
		return streaming.PostThoughtResult{}, err
	}
	s.quota.Record(s.cfg.UserID, s.clock.Now())
	return res, nil
}

// PostComment replies to a thought or to a top-level comment.
func (s *Session) PostComment(ctx context.Context, thoughtID string, parentID *string, text string) (string, error) {
	text, err := content.ValidateComment(text)
	if err != nil {
		return "", err
	}
	if !s.machine.Available() {
		return "", ErrWorldUnavailable
	}
	var res streaming.PostCommentResult
	if err := s.transport.Call(ctx, streaming.MethodCommentsPost, streaming.PostCommentParams{
		ThoughtID:       thoughtID,
		ParentCommentID: parentID,
		Content:         text,
	}, &res); err != nil {
		return "", err
	}
	return res.ID, nil
}

////////////////////////
// VIEW
////////////////////////

// Profile returns the joined profile.
func (s *Session) Profile() (streaming.Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile, s.joined
}

// Positions returns every known position sorted by entity.
func (s *Session) Positions() []position.Position {
	return s.positions.Snapshot()
}

// Self returns the local avatar position.
func (s *Session) Self() (position.Position, bool) {
	return s.positions.Self()
}

// Links returns the visible links, nearest first.
func (s *Session) Links() []proximity.Link {
	return proximity.Nearest(s.graph.Links(), s.cfg.MaxVisibleLinks)
}

// Online returns the online user IDs.
func (s *Session) Online() []string {
	return s.online.Online()
}

// Phase returns the countdown phase.
func (s *Session) Phase() epoch.Phase {
	return s.machine.Phase()
}

// Countdown returns the time to the next reset as HH:MM:SS.
func (s *Session) Countdown() string {
	return epoch.Countdown(s.machine.Remaining(s.clock.Now()))
}

// Epoch returns the current epoch.
func (s *Session) Epoch() (epoch.Epoch, bool) {
	return s.machine.Epoch()
}

// Close persists a pending position, stops the timers and the schedulers
// and closes the transport.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.positions.FlushPersist()

		s.mu.Lock()
		s.closed = true
		for _, t := range []clock.Timer{s.tickTimer, s.beatTimer} {
			if t != nil {
				t.Stop()
			}
		}
		s.mu.Unlock()

		s.positions.Close()
		if n := s.inbox.Dropped(); n > 0 {
			s.logger.Warn("Session inbox dropped events", "count", n)
		}
		err = s.transport.Close()
		s.work.Wait()
		close(s.done)
	})
	return err
}
