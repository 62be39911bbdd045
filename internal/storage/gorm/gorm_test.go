package gormstorage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Seonggyu05/infinite-introverts/internal/clock"
	"github.com/Seonggyu05/infinite-introverts/internal/database"
	"github.com/Seonggyu05/infinite-introverts/internal/epoch"
	"github.com/Seonggyu05/infinite-introverts/internal/model"
	"github.com/Seonggyu05/infinite-introverts/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epochStart = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *clock.Fake) {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "world.db"))
	require.NoError(t, err)

	fc := clock.NewFake(epochStart)
	s := New(Dependencies{DB: db, Clock: fc}, Config{
		FlushInterval: time.Hour,
		Period:        24 * time.Hour,
		ResetGuard:    time.Minute,
	})
	require.NoError(t, s.Init())
	t.Cleanup(func() { s.Close() })
	return s, fc
}

type changes struct {
	mu  sync.Mutex
	got []storage.Change
}

func (c *changes) add(ch storage.Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, ch)
}

func (c *changes) snapshot() []storage.Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]storage.Change(nil), c.got...)
}

func TestInit_CreatesWorld(t *testing.T) {
	s, _ := newTestStore(t)

	e, err := s.CurrentEpoch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.ID)
	assert.True(t, e.NextResetAt.Equal(epochStart.Add(24*time.Hour)))
	assert.Nil(t, e.LastResetAt)
}

func TestEnsureProfile(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	p, created, err := s.EnsureProfile(ctx, model.Profile{ID: "u1", Nickname: "ada", PositionX: 10, PositionY: -20})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "ada", p.Nickname)

	again, created, err := s.EnsureProfile(ctx, model.Profile{ID: "u1", Nickname: "other"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "ada", again.Nickname)
	assert.Equal(t, 10.0, again.PositionX)
}

func TestGetProfile_NotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.GetProfile(context.Background(), "ghost")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestSavePosition_WriteBehindCoalesces(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, _, err := s.EnsureProfile(ctx, model.Profile{ID: "u1", Nickname: "ada"})
	require.NoError(t, err)

	var feed changes
	cancel := s.Subscribe(storage.Filter{Table: model.TableProfiles}, feed.add)
	defer cancel()

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.SavePosition(ctx, "u1", float64(i), float64(-i), time.Time{}))
	}
	assert.Equal(t, 3, s.PendingPositions())

	p, err := s.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, p.PositionX, "nothing is written before the flush")

	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, 0, s.PendingPositions())

	p, err = s.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3.0, p.PositionX)
	assert.Equal(t, -3.0, p.PositionY)

	require.Eventually(t, func() bool { return len(feed.snapshot()) == 1 }, time.Second, time.Millisecond)
	got := feed.snapshot()[0]
	assert.Equal(t, storage.OpUpdate, got.Op)
	assert.Equal(t, 3.0, got.New.(model.Profile).PositionX)
}

func TestFlush_SkipsMissingProfiles(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SavePosition(ctx, "ghost", 1, 1, time.Time{}))
	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, 0, s.PendingPositions())
}

func seedWorld(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	_, _, err := s.EnsureProfile(ctx, model.Profile{ID: "u1", Nickname: "ada"})
	require.NoError(t, err)
	_, _, err = s.EnsureProfile(ctx, model.Profile{ID: "u2", Nickname: "bob"})
	require.NoError(t, err)

	th := &model.Thought{UserID: "u1", Content: "hello"}
	require.NoError(t, s.CreateThought(ctx, th))
	c := &model.Comment{UserID: "u2", ThoughtID: th.ID, Content: "hi"}
	require.NoError(t, s.CreateComment(ctx, c))
	require.NoError(t, s.CreateChat(ctx, &model.PrivateChat{User1ID: "u1", User2ID: "u2", Status: model.ChatAccepted}))
	require.NoError(t, s.db.Create(&model.ChatMessage{ID: "m1", UserID: "u1", Message: "yo"}).Error)
}

func count(t *testing.T, s *Store, m any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, s.db.Model(m).Count(&n).Error)
	return n
}

func TestResetWorld_WipesAndAdvances(t *testing.T) {
	s, fc := newTestStore(t)
	ctx := context.Background()
	seedWorld(t, s)
	require.NoError(t, s.SavePosition(ctx, "u1", 5, 5, time.Time{}))

	var feed changes
	cancel := s.Subscribe(storage.Filter{Table: model.TableWorldState}, feed.add)
	defer cancel()

	fc.Advance(2 * time.Hour)
	res, err := s.ResetWorld(ctx, epoch.ResetRequest{Trigger: epoch.TriggerManual, ActorID: "admin"})
	require.NoError(t, err)
	require.True(t, res.Performed)

	assert.Equal(t, int64(2), res.Epoch.ID)
	assert.Equal(t, int64(1), res.Epoch.ResetCount)
	require.NotNil(t, res.Epoch.LastResetAt)
	assert.True(t, res.Epoch.LastResetAt.Equal(fc.Now()))
	assert.True(t, res.Epoch.NextResetAt.Equal(fc.Now().Add(24*time.Hour)))

	for _, m := range model.UserContentModels {
		assert.Zero(t, count(t, s, m), "%T should be empty", m)
	}
	assert.Equal(t, 0, s.PendingPositions())

	var actions []model.AdminAction
	require.NoError(t, s.db.Find(&actions).Error)
	require.Len(t, actions, 1)
	assert.Equal(t, model.ActionManualReset, actions[0].ActionType)
	assert.Equal(t, "admin", actions[0].AdminID)
	assert.Contains(t, string(actions[0].Details), `"toEpoch":2`)

	require.Eventually(t, func() bool { return len(feed.snapshot()) == 1 }, time.Second, time.Millisecond)
	ws := feed.snapshot()[0].New.(model.WorldState)
	assert.Equal(t, int64(2), ws.EpochID)
}

func TestResetWorld_ManualGuardWindow(t *testing.T) {
	s, fc := newTestStore(t)
	ctx := context.Background()

	first, err := s.ResetWorld(ctx, epoch.ResetRequest{Trigger: epoch.TriggerManual})
	require.NoError(t, err)
	require.True(t, first.Performed)

	fc.Advance(30 * time.Second)
	second, err := s.ResetWorld(ctx, epoch.ResetRequest{Trigger: epoch.TriggerManual})
	require.NoError(t, err)
	assert.False(t, second.Performed)
	assert.Equal(t, "reset too recent", second.Reason)
	assert.Equal(t, int64(2), second.Epoch.ID)

	fc.Advance(time.Minute)
	third, err := s.ResetWorld(ctx, epoch.ResetRequest{Trigger: epoch.TriggerManual})
	require.NoError(t, err)
	assert.True(t, third.Performed)
	assert.Equal(t, int64(3), third.Epoch.ID)
}

func TestResetWorld_ExpectedEpochMismatch(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedWorld(t, s)

	res, err := s.ResetWorld(ctx, epoch.ResetRequest{Trigger: epoch.TriggerScheduled, ExpectedEpoch: 7})
	require.NoError(t, err)
	assert.False(t, res.Performed)
	assert.Equal(t, int64(1), res.Epoch.ID)
	assert.Equal(t, int64(1), count(t, s, &model.Thought{}), "nothing is wiped")
}

func TestResetWorld_ConcurrentSchedulersAdvanceOnce(t *testing.T) {
	s, fc := newTestStore(t)
	ctx := context.Background()
	seedWorld(t, s)
	fc.Advance(25 * time.Hour)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		performed int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.ResetWorld(ctx, epoch.ResetRequest{Trigger: epoch.TriggerScheduled, ExpectedEpoch: 1})
			assert.NoError(t, err)
			if res.Performed {
				mu.Lock()
				performed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, performed)
	e, err := s.CurrentEpoch(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.ID)
	assert.Equal(t, int64(1), count(t, s, &model.AdminAction{}))
}

func TestThoughtsByOwner_OldestFirst(t *testing.T) {
	s, fc := newTestStore(t)
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, s.CreateThought(ctx, &model.Thought{UserID: "u1", Content: text}))
		fc.Advance(time.Second)
	}
	require.NoError(t, s.CreateThought(ctx, &model.Thought{UserID: "u2", Content: "other"}))

	got, err := s.ListThoughtsByOwner(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "one", got[0].Content)
	assert.Equal(t, "three", got[2].Content)
}

func TestDeleteThought_Cascades(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	th := &model.Thought{UserID: "u1", Content: "hello"}
	require.NoError(t, s.CreateThought(ctx, th))
	c := &model.Comment{UserID: "u2", ThoughtID: th.ID, Content: "hi"}
	require.NoError(t, s.CreateComment(ctx, c))
	require.NoError(t, s.db.Create(&model.Like{ID: "l1", CommentID: c.ID, UserID: "u1"}).Error)

	require.NoError(t, s.DeleteThought(ctx, th.ID))
	assert.Zero(t, count(t, s, &model.Thought{}))
	assert.Zero(t, count(t, s, &model.Comment{}))
	assert.Zero(t, count(t, s, &model.Like{}))

	err := s.DeleteThought(ctx, th.ID)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestDeleteComment_RemovesReplies(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	th := &model.Thought{UserID: "u1", Content: "hello"}
	require.NoError(t, s.CreateThought(ctx, th))
	parent := &model.Comment{UserID: "u2", ThoughtID: th.ID, Content: "top"}
	require.NoError(t, s.CreateComment(ctx, parent))
	reply := &model.Comment{UserID: "u1", ThoughtID: th.ID, ParentCommentID: &parent.ID, Content: "reply"}
	require.NoError(t, s.CreateComment(ctx, reply))

	got, err := s.GetComment(ctx, reply.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ParentCommentID)

	require.NoError(t, s.DeleteComment(ctx, parent.ID))
	assert.Zero(t, count(t, s, &model.Comment{}))
}

func TestReportSpam_HidesAtThreshold(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	th := &model.Thought{UserID: "u1", Content: "buy now"}
	require.NoError(t, s.CreateThought(ctx, th))

	for i, reporter := range []string{"a", "b", "c"} {
		hidden, err := s.ReportSpam(ctx, &model.SpamReport{ReporterID: reporter, ThoughtID: &th.ID})
		require.NoError(t, err)
		assert.Equal(t, i == 2, hidden)
	}

	hidden, err := s.ReportSpam(ctx, &model.SpamReport{ReporterID: "d", ThoughtID: &th.ID})
	require.NoError(t, err)
	assert.False(t, hidden, "already hidden")

	_, err = s.ReportSpam(ctx, &model.SpamReport{ReporterID: "e"})
	assert.Error(t, err)
}

func TestChats_AcceptedAndStatusChange(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var feed changes
	cancel := s.Subscribe(storage.Filter{Table: model.TablePrivateChats}, feed.add)
	defer cancel()

	chat := &model.PrivateChat{User1ID: "u1", User2ID: "u2"}
	require.NoError(t, s.CreateChat(ctx, chat))
	assert.Equal(t, model.ChatPending, chat.Status)
	require.NoError(t, s.CreateChat(ctx, &model.PrivateChat{User1ID: "u3", User2ID: "u4", Status: model.ChatAccepted}))

	all, err := s.ListAcceptedChats(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.UpdateChatStatus(ctx, chat.ID, model.ChatAccepted))
	mine, err := s.ListAcceptedChats(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, chat.ID, mine[0].ID)

	require.Eventually(t, func() bool { return len(feed.snapshot()) == 3 }, time.Second, time.Millisecond)
	last := feed.snapshot()[2]
	assert.Equal(t, model.ChatAccepted, last.New.(model.PrivateChat).Status)
	assert.Equal(t, model.ChatPending, last.Old.(model.PrivateChat).Status)

	assert.Error(t, s.UpdateChatStatus(ctx, chat.ID, "rejected"))
	assert.True(t, errors.Is(s.UpdateChatStatus(ctx, "missing", model.ChatDeclined), storage.ErrNotFound))
	assert.Error(t, s.CreateChat(ctx, &model.PrivateChat{User1ID: "u1", User2ID: "u1"}))
}

func TestResetWorld_ConcurrentManualResetsPinnedToEpoch(t *testing.T) {
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "world.db"))
	require.NoError(t, err)
	s := New(Dependencies{DB: db, Clock: clock.NewFake(epochStart)}, Config{FlushInterval: time.Hour})
	require.NoError(t, s.Init())
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		performed int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.ResetWorld(ctx, epoch.ResetRequest{Trigger: epoch.TriggerManual, ActorID: "root", ExpectedEpoch: 1})
			assert.NoError(t, err)
			if res.Performed {
				mu.Lock()
				performed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, performed)
	e, err := s.CurrentEpoch(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.ID)
	assert.Equal(t, int64(1), e.ResetCount)
}

func TestReportSpam_OncePerReporter(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	th := &model.Thought{UserID: "u1", Content: "buy now"}
	require.NoError(t, s.CreateThought(ctx, th))
	c := &model.Comment{UserID: "u1", ThoughtID: th.ID, Content: "really"}
	require.NoError(t, s.CreateComment(ctx, c))

	_, err := s.ReportSpam(ctx, &model.SpamReport{ReporterID: "a", ThoughtID: &th.ID})
	require.NoError(t, err)
	_, err = s.ReportSpam(ctx, &model.SpamReport{ReporterID: "a", ThoughtID: &th.ID})
	assert.ErrorIs(t, err, storage.ErrConflict)

	_, err = s.ReportSpam(ctx, &model.SpamReport{ReporterID: "a", CommentID: &c.ID})
	require.NoError(t, err, "a comment is a separate target")
	_, err = s.ReportSpam(ctx, &model.SpamReport{ReporterID: "a", CommentID: &c.ID})
	assert.ErrorIs(t, err, storage.ErrConflict)

	assert.Equal(t, int64(2), count(t, s, &model.SpamReport{}))
	got, err := s.GetThought(ctx, th.ID)
	require.NoError(t, err)
	assert.False(t, got.IsHidden)
}

func TestChats_OneOpenChatPerPair(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	chat := &model.PrivateChat{User1ID: "u1", User2ID: "u2"}
	require.NoError(t, s.CreateChat(ctx, chat))
	assert.Equal(t, "u1", chat.InitiatedBy)

	err := s.CreateChat(ctx, &model.PrivateChat{User1ID: "u2", User2ID: "u1"})
	assert.ErrorIs(t, err, storage.ErrConflict)

	require.NoError(t, s.UpdateChatStatus(ctx, chat.ID, model.ChatDeclined))
	again := &model.PrivateChat{User1ID: "u2", User2ID: "u1", InitiatedBy: "u2"}
	require.NoError(t, s.CreateChat(ctx, again), "a declined request can be made again")

	got, err := s.GetChat(ctx, again.ID)
	require.NoError(t, err)
	assert.Equal(t, "u2", got.InitiatedBy)
	_, err = s.GetChat(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCreatePrivateMessage(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var feed changes
	cancel := s.Subscribe(storage.Filter{Table: model.TablePrivateMessage}, feed.add)
	defer cancel()

	m := &model.PrivateMessage{ChatID: "c1", SenderID: "u1", Message: "hi"}
	require.NoError(t, s.CreatePrivateMessage(ctx, m))
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, int64(1), count(t, s, &model.PrivateMessage{}))
	require.Eventually(t, func() bool { return len(feed.snapshot()) == 1 }, time.Second, time.Millisecond)
}

func TestAtomically_RollsBackWritesAndHeldChanges(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	old := &model.Thought{UserID: "u1", Content: "old"}
	require.NoError(t, s.CreateThought(ctx, old))

	var feed changes
	cancel := s.Subscribe(storage.Filter{Table: model.TableThoughts}, feed.add)
	defer cancel()

	boom := errors.New("insert failed")
	err := s.Atomically(ctx, func(ctx context.Context) error {
		if err := s.DeleteThought(ctx, old.ID); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	_, err = s.GetThought(ctx, old.ID)
	require.NoError(t, err, "the delete was rolled back")

	err = s.Atomically(ctx, func(ctx context.Context) error {
		if err := s.DeleteThought(ctx, old.ID); err != nil {
			return err
		}
		return s.CreateThought(ctx, &model.Thought{UserID: "u1", Content: "new"})
	})
	require.NoError(t, err)
	_, err = s.GetThought(ctx, old.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.Eventually(t, func() bool { return len(feed.snapshot()) == 2 }, time.Second, time.Millisecond)
	got := feed.snapshot()
	assert.Equal(t, storage.OpDelete, got[0].Op, "only committed changes are published")
	assert.Equal(t, storage.OpInsert, got[1].Op)
}
