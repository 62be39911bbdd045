package position

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Seonggyu05/infinite-introverts/internal/clock"
	"github.com/Seonggyu05/infinite-introverts/internal/geo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

type recorder struct {
	mu    sync.Mutex
	calls []Position
	err   error
}

func (r *recorder) BroadcastPosition(_ context.Context, p Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, p)
	return r.err
}

func (r *recorder) SavePosition(_ context.Context, p Position) error {
	return r.BroadcastPosition(context.Background(), p)
}

func (r *recorder) got() []Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Position(nil), r.calls...)
}

type fetcher struct {
	rows []Position
	err  error
	// during runs inside the fetch, as if a broadcast arrived mid-flight
	during func()
}

func (f *fetcher) FetchPositions(context.Context) ([]Position, error) {
	if f.during != nil {
		f.during()
	}
	return f.rows, f.err
}

func newManager(t *testing.T, f Fetcher) (*Manager, *clock.Fake, *recorder, *recorder) {
	t.Helper()
	fc := clock.NewFake(t0)
	bc, ps := &recorder{}, &recorder{}
	m := New(Dependencies{Broadcaster: bc, Persister: ps, Fetcher: f, Clock: fc}, DefaultConfig("me"))
	t.Cleanup(m.Close)
	return m, fc, bc, ps
}

func TestMoveLocal_AppliesImmediatelyAndClamps(t *testing.T) {
	m, _, bc, ps := newManager(t, nil)

	p := m.MoveLocal(70000, -10)
	assert.Equal(t, 50000.0, p.X)
	assert.Equal(t, -10.0, p.Y)

	self, ok := m.Self()
	require.True(t, ok)
	assert.Equal(t, p, self)
	assert.Empty(t, bc.got(), "broadcast waits for the throttle window")
	assert.Empty(t, ps.got())
}

func TestMoveLocal_ThrottledBroadcastCarriesLastValue(t *testing.T) {
	m, fc, bc, _ := newManager(t, nil)

	for i := 1; i <= 5; i++ {
		m.MoveLocal(float64(i), 0)
		fc.Advance(10 * time.Millisecond)
	}
	fc.Advance(60 * time.Millisecond)

	got := bc.got()
	require.Len(t, got, 1)
	assert.Equal(t, 5.0, got[0].X)

	// next window
	m.MoveLocal(9, 9)
	fc.Advance(100 * time.Millisecond)
	assert.Len(t, bc.got(), 2)
}

func TestMoveLocal_DebouncedPersist(t *testing.T) {
	m, fc, _, ps := newManager(t, nil)

	m.MoveLocal(1, 1)
	fc.Advance(500 * time.Millisecond)
	m.MoveLocal(2, 2)
	fc.Advance(900 * time.Millisecond)
	assert.Empty(t, ps.got(), "quiet period restarted by the second move")

	fc.Advance(100 * time.Millisecond)
	got := ps.got()
	require.Len(t, got, 1)
	assert.Equal(t, 2.0, got[0].X)
}

func TestClose_NothingFiresAfterwards(t *testing.T) {
	m, fc, bc, ps := newManager(t, nil)

	m.MoveLocal(1, 1)
	m.Close()
	fc.Advance(5 * time.Second)

	assert.Empty(t, bc.got())
	assert.Empty(t, ps.got())
}

func TestFlushPersist(t *testing.T) {
	m, _, _, ps := newManager(t, nil)
	assert.False(t, m.FlushPersist())

	m.MoveLocal(3, 4)
	assert.True(t, m.FlushPersist())
	assert.Len(t, ps.got(), 1)
}

func TestWriteFailuresAreDropped(t *testing.T) {
	m, fc, bc, ps := newManager(t, nil)
	bc.err = errors.New("socket closed")
	ps.err = errors.New("db down")

	m.MoveLocal(1, 1)
	fc.Advance(2 * time.Second)
	m.MoveLocal(2, 2)
	fc.Advance(2 * time.Second)

	assert.Len(t, bc.got(), 2)
	assert.Len(t, ps.got(), 2)
}

func TestApplyBroadcast(t *testing.T) {
	m, fc, _, _ := newManager(t, nil)
	m.MoveLocal(5, 5)

	assert.False(t, m.ApplyBroadcast(Position{EntityID: "me", X: 1}), "echo of self")
	assert.False(t, m.ApplyBroadcast(Position{}), "no id")

	assert.True(t, m.ApplyBroadcast(Position{EntityID: "bob", X: 1e9, Y: 3}))
	bob, ok := m.Get("bob")
	require.True(t, ok)
	assert.Equal(t, 50000.0, bob.X)

	fc.Advance(time.Millisecond)
	assert.False(t, m.ApplyBroadcast(Position{EntityID: "bob", X: 1e9, Y: 3}), "same position")
	assert.True(t, m.ApplyBroadcast(Position{EntityID: "bob", X: 7, Y: 3}))

	self, _ := m.Self()
	assert.Equal(t, 5.0, self.X)
}

func TestMerge(t *testing.T) {
	base := Update{Position: Position{EntityID: "bob", X: 1}, Source: SourceBroadcast, ObservedAt: t0}

	got, changed := Merge(nil, base, "me")
	assert.True(t, changed)
	assert.Equal(t, base, got)

	older := Update{Position: Position{EntityID: "bob", X: 2}, Source: SourceStore, ObservedAt: t0.Add(-time.Second)}
	got, changed = Merge(&base, older, "me")
	assert.False(t, changed)
	assert.Equal(t, 1.0, got.X)

	tie := Update{Position: Position{EntityID: "bob", X: 3}, Source: SourceStore, ObservedAt: t0}
	got, changed = Merge(&base, tie, "me")
	assert.True(t, changed)
	assert.Equal(t, 3.0, got.X)

	self := Update{Position: Position{EntityID: "me", X: 1}, Source: SourceLocal, ObservedAt: t0}
	remote := Update{Position: Position{EntityID: "me", X: 9}, Source: SourceStore, ObservedAt: t0.Add(time.Hour)}
	got, changed = Merge(&self, remote, "me")
	assert.False(t, changed)
	assert.Equal(t, 1.0, got.X)

	local := Update{Position: Position{EntityID: "me", X: 4}, Source: SourceLocal, ObservedAt: t0.Add(-time.Hour)}
	got, changed = Merge(&self, local, "me")
	assert.True(t, changed)
	assert.Equal(t, 4.0, got.X)
}

func TestApplyChange(t *testing.T) {
	m, _, _, _ := newManager(t, nil)

	var seen []Update
	m.OnChange(func(u Update) { seen = append(seen, u) })

	assert.True(t, m.ApplyChange(OpUpsert, Position{EntityID: "me", X: 10}), "self row accepted while empty")
	assert.False(t, m.ApplyChange(OpUpsert, Position{EntityID: "me", X: 20}), "then ignored")
	assert.False(t, m.ApplyChange(OpDelete, Position{EntityID: "me"}))

	assert.True(t, m.ApplyChange(OpUpsert, Position{EntityID: "bob", X: 1}))
	assert.True(t, m.ApplyChange(OpDelete, Position{EntityID: "bob"}))
	assert.False(t, m.ApplyChange(OpDelete, Position{EntityID: "bob"}))
	_, ok := m.Get("bob")
	assert.False(t, ok)

	require.Len(t, seen, 3)
	assert.True(t, seen[2].Removed)
	assert.Equal(t, SourceStore, seen[2].Source)
}

func TestResync_ReplacesRemoteEntities(t *testing.T) {
	f := &fetcher{rows: []Position{
		{EntityID: "me", X: 100},
		{EntityID: "bob", X: 1},
		{EntityID: "cat", X: -70000},
	}}
	m, fc, _, _ := newManager(t, f)
	m.MoveLocal(5, 5)
	m.ApplyBroadcast(Position{EntityID: "gone", X: 1})
	fc.Advance(time.Second)

	var removed []string
	m.OnChange(func(u Update) {
		if u.Removed {
			removed = append(removed, u.EntityID)
		}
	})

	// a broadcast lands while the fetch is in flight
	f.during = func() {
		fc.Advance(time.Millisecond)
		m.ApplyBroadcast(Position{EntityID: "bob", X: 42})
	}
	require.NoError(t, m.Resync(context.Background()))

	snap := m.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []string{"bob", "cat", "me"}, []string{snap[0].EntityID, snap[1].EntityID, snap[2].EntityID})
	assert.Equal(t, 42.0, snap[0].X, "newer broadcast beats the snapshot")
	assert.Equal(t, -50000.0, snap[1].X)
	assert.Equal(t, 5.0, snap[2].X, "self keeps its local position")
	assert.Equal(t, []string{"gone"}, removed)
}

func TestResync_Error(t *testing.T) {
	m, _, _, _ := newManager(t, &fetcher{err: errors.New("offline")})
	m.ApplyBroadcast(Position{EntityID: "bob"})
	assert.Error(t, m.Resync(context.Background()))
	assert.Equal(t, 1, m.Len())
}

func TestClear(t *testing.T) {
	m, fc, bc, _ := newManager(t, nil)
	m.MoveLocal(1, 1)
	m.ApplyBroadcast(Position{EntityID: "bob"})

	m.Clear()
	fc.Advance(5 * time.Second)
	assert.Equal(t, 0, m.Len())
	assert.Empty(t, bc.got())
}

func TestLookup(t *testing.T) {
	m, _, _, _ := newManager(t, nil)
	m.ApplyBroadcast(Position{EntityID: "bob", X: 3, Y: 4})

	pt, ok := m.Lookup("bob")
	require.True(t, ok)
	assert.Equal(t, geo.Point{X: 3, Y: 4}, pt)
	_, ok = m.Lookup("nobody")
	assert.False(t, ok)
}
