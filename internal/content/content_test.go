package content

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Seonggyu05/infinite-introverts/internal/clock"
	"github.com/Seonggyu05/infinite-introverts/internal/geo"
	"github.com/Seonggyu05/infinite-introverts/internal/model"
	"github.com/Seonggyu05/infinite-introverts/internal/quota"
	"github.com/Seonggyu05/infinite-introverts/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu       sync.Mutex
	clock    clock.Clock
	seq      int
	thoughts []model.Thought
	comments map[string]model.Comment
	reports  []model.SpamReport
}

func newMemStore(c clock.Clock) *memStore {
	return &memStore{clock: c, comments: make(map[string]model.Comment)}
}

func (m *memStore) CreateThought(_ context.Context, t *model.Thought) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t.ID = fmt.Sprintf("t%02d", m.seq)
	t.CreatedAt = m.clock.Now()
	m.thoughts = append(m.thoughts, *t)
	return nil
}

func (m *memStore) GetThought(_ context.Context, id string) (model.Thought, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.thoughts {
		if t.ID == id {
			return t, nil
		}
	}
	return model.Thought{}, storage.ErrNotFound
}

func (m *memStore) ListThoughtsByOwner(_ context.Context, owner string) ([]model.Thought, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Thought
	for _, t := range m.thoughts {
		if t.UserID == owner {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memStore) DeleteThought(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.thoughts {
		if t.ID == id {
			m.thoughts = append(m.thoughts[:i], m.thoughts[i+1:]...)
			return nil
		}
	}
	return storage.ErrNotFound
}

func (m *memStore) GetComment(_ context.Context, id string) (model.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.comments[id]
	if !ok {
		return model.Comment{}, storage.ErrNotFound
	}
	return c, nil
}

func (m *memStore) CreateComment(_ context.Context, c *model.Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	c.ID = fmt.Sprintf("c%02d", m.seq)
	m.comments[c.ID] = *c
	return nil
}

func (m *memStore) DeleteComment(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.comments[id]; !ok {
		return storage.ErrNotFound
	}
	delete(m.comments, id)
	return nil
}

func (m *memStore) ReportSpam(_ context.Context, r *model.SpamReport) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, *r)
	return false, nil
}

func (m *memStore) thought(t *testing.T, owner string) model.Thought {
	t.Helper()
	th := model.Thought{UserID: owner, Content: "seed"}
	require.NoError(t, m.CreateThought(context.Background(), &th))
	return th
}

func newService(t *testing.T) (*Service, *memStore, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	store := newMemStore(fc)
	q := quota.NewEnforcer(quota.Config{MaxItems: 3, Cooldown: 30 * time.Second}, ThoughtItems{Store: store}, fc)
	return NewService(store, q, geo.Bounds{}), store, fc
}

func TestValidateThought(t *testing.T) {
	text, err := ValidateThought("  hello world  ")
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)

	_, err = ValidateThought("   ")
	assert.True(t, errors.Is(err, ErrInvalidContent))

	_, err = ValidateThought(strings.Repeat("é", MaxThoughtChars))
	assert.NoError(t, err, "limit counts characters, not bytes")

	_, err = ValidateThought(strings.Repeat("a", MaxThoughtChars+1))
	assert.True(t, errors.Is(err, ErrInvalidContent))

	_, err = ValidateThought(strings.Repeat("a ", MaxThoughtWords+1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "words")
}

func TestValidateOthers(t *testing.T) {
	_, err := ValidateComment(strings.Repeat("x", MaxCommentChars+1))
	assert.Error(t, err)
	_, err = ValidateChatMessage("hi")
	assert.NoError(t, err)
	_, err = ValidateNickname(strings.Repeat("n", MaxNicknameChars+1))
	assert.Error(t, err)
	name, err := ValidateNickname(" ada ")
	require.NoError(t, err)
	assert.Equal(t, "ada", name)
}

func TestPostThought_CooldownAndEviction(t *testing.T) {
	s, store, fc := newService(t)
	ctx := context.Background()

	first, err := s.PostThought(ctx, "u1", "one", geo.Point{X: 99999, Y: 1})
	require.NoError(t, err)
	assert.Equal(t, 50000.0, first.Thought.PositionX, "pinned inside the world")
	assert.Equal(t, 1, first.State.ActiveItemCount)

	_, err = s.PostThought(ctx, "u1", "too soon", geo.Point{})
	cd, ok := quota.IsCooldown(err)
	require.True(t, ok)
	assert.Equal(t, 30, cd.RemainingSeconds())

	for _, text := range []string{"two", "three"} {
		fc.Advance(30 * time.Second)
		_, err := s.PostThought(ctx, "u1", text, geo.Point{})
		require.NoError(t, err)
	}

	fc.Advance(30 * time.Second)
	fourth, err := s.PostThought(ctx, "u1", "four", geo.Point{})
	require.NoError(t, err)
	assert.Equal(t, []string{first.Thought.ID}, fourth.Evicted)
	assert.Equal(t, 3, fourth.State.ActiveItemCount)

	left, _ := store.ListThoughtsByOwner(ctx, "u1")
	require.Len(t, left, 3)
	assert.Equal(t, "two", left[0].Content)
}

func TestPostThought_InvalidTextSkipsQuota(t *testing.T) {
	s, _, _ := newService(t)
	ctx := context.Background()

	_, err := s.PostThought(ctx, "u1", "", geo.Point{})
	require.True(t, errors.Is(err, ErrInvalidContent))

	_, err = s.PostThought(ctx, "u1", "fine", geo.Point{})
	assert.NoError(t, err, "a rejected post does not start the cooldown")
}

func TestPostComment_ReplyDepth(t *testing.T) {
	s, store, _ := newService(t)
	ctx := context.Background()
	require.Equal(t, "t01", store.thought(t, "u1").ID)
	require.Equal(t, "t02", store.thought(t, "u1").ID)

	top, err := s.PostComment(ctx, "u2", "t01", nil, "top")
	require.NoError(t, err)

	reply, err := s.PostComment(ctx, "u1", "t01", &top.ID, "reply")
	require.NoError(t, err)
	assert.Equal(t, top.ID, *reply.ParentCommentID)

	_, err = s.PostComment(ctx, "u3", "t01", &reply.ID, "too deep")
	assert.True(t, errors.Is(err, quota.ErrReplyTooDeep))

	_, err = s.PostComment(ctx, "u3", "t02", &top.ID, "wrong thread")
	assert.True(t, errors.Is(err, ErrInvalidContent))

	missing := "nope"
	_, err = s.PostComment(ctx, "u3", "t01", &missing, "orphan")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	_, err = s.PostComment(ctx, "u3", "", nil, "no thread")
	assert.True(t, errors.Is(err, ErrInvalidContent))
}

func TestThoughtItems_DeleteMissingIsNoop(t *testing.T) {
	store := newMemStore(clock.Real())
	assert.NoError(t, ThoughtItems{Store: store}.DeleteItem(context.Background(), "gone"))
}

func TestPostComment_UnknownThought(t *testing.T) {
	s, store, _ := newService(t)

	_, err := s.PostComment(context.Background(), "u1", "t99", nil, "hello?")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Empty(t, store.comments)
}

func TestDeleteComment_OwnerOnly(t *testing.T) {
	s, store, _ := newService(t)
	ctx := context.Background()
	th := store.thought(t, "u1")

	c, err := s.PostComment(ctx, "u2", th.ID, nil, "mine")
	require.NoError(t, err)

	assert.ErrorIs(t, s.DeleteComment(ctx, "u1", c.ID), ErrNotOwner)
	require.NoError(t, s.DeleteComment(ctx, "u2", c.ID))
	assert.ErrorIs(t, s.DeleteComment(ctx, "u2", c.ID), storage.ErrNotFound)
}

func TestReportSpam_Targets(t *testing.T) {
	s, store, _ := newService(t)
	ctx := context.Background()
	th := store.thought(t, "u1")
	c, err := s.PostComment(ctx, "u2", th.ID, nil, "reply")
	require.NoError(t, err)

	_, err = s.ReportSpam(ctx, "u3", nil, nil, "")
	assert.ErrorIs(t, err, ErrInvalidContent)
	_, err = s.ReportSpam(ctx, "u3", &th.ID, &c.ID, "")
	assert.ErrorIs(t, err, ErrInvalidContent)
	_, err = s.ReportSpam(ctx, "u1", &th.ID, nil, "")
	assert.ErrorIs(t, err, ErrInvalidContent, "own thought")
	missing := "t99"
	_, err = s.ReportSpam(ctx, "u3", &missing, nil, "")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.ReportSpam(ctx, "u3", &th.ID, nil, "  ads  ")
	require.NoError(t, err)
	_, err = s.ReportSpam(ctx, "u3", nil, &c.ID, "")
	require.NoError(t, err)

	require.Len(t, store.reports, 2)
	require.NotNil(t, store.reports[0].Reason)
	assert.Equal(t, "ads", *store.reports[0].Reason)
	assert.Nil(t, store.reports[1].Reason)
	assert.Equal(t, c.ID, *store.reports[1].CommentID)
}
