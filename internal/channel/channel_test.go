package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffered_TrySendDropsWhenFull(t *testing.T) {
	b := NewBuffered[int](2)
	assert.True(t, b.TrySend(1))
	assert.True(t, b.TrySend(2))
	assert.False(t, b.TrySend(3))
	assert.Equal(t, 2, b.Len())
	assert.Equal(t, uint64(1), b.Dropped())

	assert.Equal(t, 1, <-b.Receive())
	assert.True(t, b.TrySend(4))
}

func TestBuffered_CloseEndsRange(t *testing.T) {
	b := NewBuffered[string](1)
	b.Send("x")
	b.Close()

	var got []string
	for v := range b.Receive() {
		got = append(got, v)
	}
	assert.Equal(t, []string{"x"}, got)
}

func TestUnbuffered_TrySendNeedsReceiver(t *testing.T) {
	u := NewUnbuffered[int]()
	assert.False(t, u.TrySend(1))
	assert.Equal(t, 0, u.Len())
	assert.Equal(t, uint64(1), u.Dropped())

	done := make(chan int)
	go func() { done <- <-u.Receive() }()

	require.Eventually(t, func() bool { return u.TrySend(7) }, time.Second, time.Millisecond)
	assert.Equal(t, 7, <-done)
}

func TestNew_ImplementsChannel(t *testing.T) {
	var c Channel[int] = New[int](4)
	c.Send(1)
	v := <-c.Receive()
	assert.Equal(t, 1, v)
}
