// Package proximity derives distance-based links between entities that
// already share an accepted relationship.
package proximity

import (
	"math"
	"sort"

	"github.com/Seonggyu05/infinite-introverts/internal/geo"
)

// DefaultRadius is the distance at which a link fades out completely.
const DefaultRadius = 2000.0

// Pair is an unordered pair of entity IDs, normalized so that A < B.
type Pair struct {
	A string `json:"a"`
	B string `json:"b"`
}

// NewPair normalizes a and b into a Pair.
func NewPair(a, b string) Pair {
	if b < a {
		a, b = b, a
	}
	return Pair{A: a, B: b}
}

// Has reports whether id is one of the pair's members.
func (p Pair) Has(id string) bool {
	return p.A == id || p.B == id
}

// Other returns the member that is not id.
func (p Pair) Other(id string) string {
	if p.A == id {
		return p.B
	}
	return p.A
}

func (p Pair) less(o Pair) bool {
	if p.A != o.A {
		return p.A < o.A
	}
	return p.B < o.B
}

// Link is a derived relationship between two nearby entities.
type Link struct {
	A        string  `json:"a"`
	B        string  `json:"b"`
	Distance float64 `json:"distance"`
	Strength float64 `json:"strength"`
}

// Pair returns the link's endpoints as a Pair.
func (l Link) Pair() Pair {
	return Pair{A: l.A, B: l.B}
}

// Lookup resolves an entity's current position.
type Lookup func(id string) (geo.Point, bool)

// Strength maps a distance to [0,1]: 1 at distance 0, falling linearly to
// 0 at radius.
func Strength(distance, radius float64) float64 {
	if radius <= 0 {
		return 0
	}
	return math.Max(0, math.Min(1, 1-distance/radius))
}

// Between computes the link for a single pair. ok is false when either
// entity is unknown or the distance is not below radius.
func Between(p Pair, lookup Lookup, radius float64) (Link, bool) {
	if p.A == p.B {
		return Link{}, false
	}
	pa, okA := lookup(p.A)
	pb, okB := lookup(p.B)
	if !okA || !okB {
		return Link{}, false
	}
	d := geo.Distance(pa, pb)
	if d >= radius {
		return Link{}, false
	}
	return Link{A: p.A, B: p.B, Distance: d, Strength: Strength(d, radius)}, true
}

// Compute returns the links for every candidate pair, sorted by pair. Pairs
// referencing an entity missing from lookup are skipped.
func Compute(pairs []Pair, lookup Lookup, radius float64) []Link {
	links := make([]Link, 0, len(pairs))
	for _, p := range pairs {
		if l, ok := Between(p, lookup, radius); ok {
			links = append(links, l)
		}
	}
	sortLinks(links)
	return links
}

func sortLinks(links []Link) {
	sort.Slice(links, func(i, j int) bool {
		return links[i].Pair().less(links[j].Pair())
	})
}

// Nearest returns at most n links, strongest first. Ties keep pair order.
func Nearest(links []Link, n int) []Link {
	out := make([]Link, len(links))
	copy(out, links)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Distance < out[j].Distance
	})
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
