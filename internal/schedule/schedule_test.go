package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seonggyu05/infinite-introverts/internal/clock"
)

type emission struct {
	key   string
	value int
}

type recorder struct {
	got []emission
}

func (r *recorder) emit(k string, v int) {
	r.got = append(r.got, emission{k, v})
}

func newFake() *clock.Fake {
	return clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
}

func TestThrottler_CoalescesWindow(t *testing.T) {
	c := newFake()
	rec := &recorder{}
	th := NewThrottler[string, int](c, 100*time.Millisecond, rec.emit)

	for i := 1; i <= 10; i++ {
		th.Submit("me", i)
		c.Advance(5 * time.Millisecond)
	}
	assert.Empty(t, rec.got)

	c.Advance(100 * time.Millisecond)
	require.Len(t, rec.got, 1)
	assert.Equal(t, emission{"me", 10}, rec.got[0])
}

func TestThrottler_SpacedWindows(t *testing.T) {
	c := newFake()
	rec := &recorder{}
	th := NewThrottler[string, int](c, 100*time.Millisecond, rec.emit)

	th.Submit("me", 1)
	c.Advance(150 * time.Millisecond)
	th.Submit("me", 2)
	th.Submit("me", 3)
	c.Advance(150 * time.Millisecond)

	assert.Equal(t, []emission{{"me", 1}, {"me", 3}}, rec.got)
	assert.False(t, th.Pending("me"))
}

func TestThrottler_KeysAreIndependent(t *testing.T) {
	c := newFake()
	rec := &recorder{}
	th := NewThrottler[string, int](c, 100*time.Millisecond, rec.emit)

	th.Submit("a", 1)
	c.Advance(50 * time.Millisecond)
	th.Submit("b", 2)
	c.Advance(50 * time.Millisecond)
	assert.Equal(t, []emission{{"a", 1}}, rec.got)

	c.Advance(50 * time.Millisecond)
	assert.Equal(t, []emission{{"a", 1}, {"b", 2}}, rec.got)
}

func TestDebouncer_BurstThenQuiet(t *testing.T) {
	c := newFake()
	rec := &recorder{}
	db := NewDebouncer[string, int](c, time.Second, rec.emit)

	for i := 1; i <= 20; i++ {
		db.Submit("me", i)
		c.Advance(200 * time.Millisecond)
	}
	assert.Empty(t, rec.got, "no write while movement continues")

	c.Advance(time.Second)
	require.Len(t, rec.got, 1)
	assert.Equal(t, 20, rec.got[0].value)

	c.Advance(10 * time.Second)
	assert.Len(t, rec.got, 1)
}

func TestDebouncer_FlushAndCancel(t *testing.T) {
	c := newFake()
	rec := &recorder{}
	db := NewDebouncer[string, int](c, time.Second, rec.emit)

	db.Submit("a", 1)
	db.Submit("b", 2)
	assert.True(t, db.Flush("a"))
	assert.False(t, db.Flush("a"))
	db.Cancel("b")

	c.Advance(5 * time.Second)
	assert.Equal(t, []emission{{"a", 1}}, rec.got)
	assert.Equal(t, c.Now().Add(-5*time.Second), db.LastFire("a"))
}

func TestDebouncer_FlushAll(t *testing.T) {
	c := newFake()
	rec := &recorder{}
	db := NewDebouncer[string, int](c, time.Second, rec.emit)

	db.Submit("a", 1)
	db.Submit("b", 2)
	db.FlushAll()

	assert.ElementsMatch(t, []emission{{"a", 1}, {"b", 2}}, rec.got)
	assert.Equal(t, 0, c.Pending())
}

func TestClose_StopsEverything(t *testing.T) {
	c := newFake()
	rec := &recorder{}
	th := NewThrottler[string, int](c, 100*time.Millisecond, rec.emit)
	db := NewDebouncer[string, int](c, time.Second, rec.emit)

	th.Submit("me", 1)
	db.Submit("me", 1)
	th.Close()
	db.Close()
	th.Submit("me", 2)
	db.Submit("me", 2)

	c.Advance(time.Minute)
	assert.Empty(t, rec.got)
	assert.False(t, db.Flush("me"))
	assert.Equal(t, 0, c.Pending())
}

func TestCancel_StaleTimerDoesNotFireResubmittedKey(t *testing.T) {
	c := newFake()
	rec := &recorder{}
	db := NewDebouncer[string, int](c, time.Second, rec.emit)

	db.Submit("a", 1)
	db.mu.Lock()
	stale := db.slots["a"].gen
	db.mu.Unlock()

	db.Cancel("a")
	db.Submit("a", 2)

	// the callback of the cancelled timer was already running
	db.fire("a", stale)
	assert.Empty(t, rec.got)
	assert.True(t, db.Pending("a"))

	c.Advance(time.Second)
	assert.Equal(t, []emission{{"a", 2}}, rec.got)
}
