package proximity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seonggyu05/infinite-introverts/internal/geo"
)

func lookupFrom(m map[string]geo.Point) Lookup {
	return func(id string) (geo.Point, bool) {
		p, ok := m[id]
		return p, ok
	}
}

func TestNewPair_Normalizes(t *testing.T) {
	assert.Equal(t, Pair{A: "a", B: "b"}, NewPair("b", "a"))
	assert.Equal(t, NewPair("x", "y"), NewPair("y", "x"))
	assert.Equal(t, "a", NewPair("a", "b").Other("b"))
	assert.True(t, NewPair("a", "b").Has("a"))
	assert.False(t, NewPair("a", "b").Has("c"))
}

func TestStrength(t *testing.T) {
	assert.Equal(t, 1.0, Strength(0, DefaultRadius))
	assert.InDelta(t, 0.5, Strength(1000, DefaultRadius), 1e-12)
	assert.Equal(t, 0.0, Strength(2000, DefaultRadius))
	assert.Equal(t, 0.0, Strength(5000, DefaultRadius))
	assert.Equal(t, 0.0, Strength(10, 0))

	prev := 2.0
	for d := 0.0; d <= DefaultRadius; d += 50 {
		s := Strength(d, DefaultRadius)
		require.Less(t, s, prev, "strength must fall as distance grows (d=%v)", d)
		require.GreaterOrEqual(t, s, 0.0)
		require.LessOrEqual(t, s, 1.0)
		prev = s
	}
}

func TestCompute(t *testing.T) {
	pos := map[string]geo.Point{
		"a": {X: 0, Y: 0},
		"b": {X: 0, Y: 0},
		"c": {X: 1200, Y: 1600}, // 2000 from a
		"d": {X: 300, Y: 400},   // 500 from a
	}
	pairs := []Pair{
		NewPair("a", "d"),
		NewPair("a", "b"),
		NewPair("a", "c"),
		NewPair("a", "ghost"),
	}

	links := Compute(pairs, lookupFrom(pos), DefaultRadius)

	require.Len(t, links, 2)
	assert.Equal(t, Link{A: "a", B: "b", Distance: 0, Strength: 1}, links[0])
	assert.Equal(t, "d", links[1].B)
	assert.InDelta(t, 500, links[1].Distance, 1e-9)
	assert.InDelta(t, 0.75, links[1].Strength, 1e-9)
}

func TestCompute_SelfPairIgnored(t *testing.T) {
	links := Compute([]Pair{{A: "a", B: "a"}}, lookupFrom(map[string]geo.Point{"a": {}}), DefaultRadius)
	assert.Empty(t, links)
}

func TestNearest(t *testing.T) {
	links := []Link{
		{A: "a", B: "b", Distance: 900},
		{A: "a", B: "c", Distance: 100},
		{A: "a", B: "d", Distance: 500},
	}

	got := Nearest(links, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].B)
	assert.Equal(t, "d", got[1].B)
	assert.Equal(t, "b", links[0].B, "input untouched")
	assert.Len(t, Nearest(links, -1), 3)
}
