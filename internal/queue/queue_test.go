package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type move struct {
	ID string
	X  float64
}

func TestPushPop(t *testing.T) {
	q := New[move]()
	assert.True(t, q.Empty())

	q.Push(move{"a", 1}, move{"b", 2})
	assert.Equal(t, 2, q.Len())

	got, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "a", got.ID)

	got, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, "b", got.ID)

	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestRequeue_GoesToHead(t *testing.T) {
	q := New[move]()
	q.Push(move{"a", 1}, move{"b", 2})
	batch := q.GetAndEmpty()
	q.Push(move{"c", 3})

	q.Requeue(batch...)
	assert.Equal(t, []move{{"a", 1}, {"b", 2}, {"c", 3}}, q.GetAndEmpty())

	q.Requeue()
	assert.True(t, q.Empty())
}

func TestClear(t *testing.T) {
	q := New[move]()
	q.Push(move{"a", 1}, move{"a", 2})
	assert.Equal(t, 2, q.Clear())
	assert.True(t, q.Empty())
}

func TestGetAndEmpty_Independent(t *testing.T) {
	q := New[move]()
	q.Push(move{"a", 1})
	first := q.GetAndEmpty()
	q.Push(move{"b", 2})

	assert.Equal(t, []move{{"a", 1}}, first)
	assert.Equal(t, 1, q.Len())
}

func TestCoalesce_LastWriteWins(t *testing.T) {
	in := []move{{"a", 1}, {"b", 1}, {"a", 2}, {"c", 1}, {"b", 5}}
	out := Coalesce(in, func(m move) string { return m.ID })
	assert.Equal(t, []move{{"a", 2}, {"c", 1}, {"b", 5}}, out)

	assert.Empty(t, Coalesce(nil, func(m move) string { return m.ID }))
}

func TestConcurrentPush(t *testing.T) {
	q := New[move]()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				q.Push(move{ID: "x", X: float64(j)})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1000, q.Len())
}
