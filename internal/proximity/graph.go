package proximity

import (
	"sort"
	"sync"
)

// Graph owns the candidate pair set and the links currently derived from
// it. Touch recomputes only the pairs that involve the moved entity.
type Graph struct {
	radius float64

	mu    sync.RWMutex
	pairs map[Pair]struct{}
	index map[string]map[Pair]struct{}
	links map[Pair]Link
}

// NewGraph creates an empty graph. A non-positive radius means DefaultRadius.
func NewGraph(radius float64) *Graph {
	if radius <= 0 {
		radius = DefaultRadius
	}
	return &Graph{
		radius: radius,
		pairs:  make(map[Pair]struct{}),
		index:  make(map[string]map[Pair]struct{}),
		links:  make(map[Pair]Link),
	}
}

// Radius returns the link radius.
func (g *Graph) Radius() float64 {
	return g.radius
}

// SetPairs replaces the candidate set and recomputes every link.
func (g *Graph) SetPairs(pairs []Pair, lookup Lookup) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.pairs = make(map[Pair]struct{}, len(pairs))
	g.index = make(map[string]map[Pair]struct{})
	g.links = make(map[Pair]Link)
	for _, p := range pairs {
		g.addLocked(NewPair(p.A, p.B))
	}
	g.recomputeLocked(g.pairList(), lookup)
}

// AddPair adds a candidate pair and computes its link.
func (g *Graph) AddPair(p Pair, lookup Lookup) {
	p = NewPair(p.A, p.B)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addLocked(p)
	g.recomputeLocked([]Pair{p}, lookup)
}

// RemovePair drops a candidate pair and its link.
func (g *Graph) RemovePair(p Pair) {
	p = NewPair(p.A, p.B)
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pairs, p)
	delete(g.links, p)
	for _, id := range []string{p.A, p.B} {
		if set, ok := g.index[id]; ok {
			delete(set, p)
			if len(set) == 0 {
				delete(g.index, id)
			}
		}
	}
}

func (g *Graph) addLocked(p Pair) {
	if p.A == p.B {
		return
	}
	g.pairs[p] = struct{}{}
	for _, id := range []string{p.A, p.B} {
		set, ok := g.index[id]
		if !ok {
			set = make(map[Pair]struct{})
			g.index[id] = set
		}
		set[p] = struct{}{}
	}
}

// Pairs returns the candidate pairs, sorted.
func (g *Graph) Pairs() []Pair {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.pairList()
}

func (g *Graph) pairList() []Pair {
	out := make([]Pair, 0, len(g.pairs))
	for p := range g.pairs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })
	return out
}

// Affected returns the candidate pairs that include id.
func (g *Graph) Affected(id string) []Pair {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Pair, 0, len(g.index[id]))
	for p := range g.index[id] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })
	return out
}

// Recompute derives every link from scratch.
func (g *Graph) Recompute(lookup Lookup) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recomputeLocked(g.pairList(), lookup)
}

// Touch recomputes the links of the pairs that include id. It reports
// whether the link set changed.
func (g *Graph) Touch(id string, lookup Lookup) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.index[id]) == 0 {
		return false
	}
	pairs := make([]Pair, 0, len(g.index[id]))
	for p := range g.index[id] {
		pairs = append(pairs, p)
	}
	return g.recomputeLocked(pairs, lookup)
}

func (g *Graph) recomputeLocked(pairs []Pair, lookup Lookup) bool {
	changed := false
	for _, p := range pairs {
		prev, had := g.links[p]
		l, ok := Between(p, lookup, g.radius)
		switch {
		case ok:
			g.links[p] = l
			changed = changed || !had || prev != l
		case had:
			delete(g.links, p)
			changed = true
		}
	}
	return changed
}

// Links returns the current links sorted by pair.
func (g *Graph) Links() []Link {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Link, 0, len(g.links))
	for _, l := range g.links {
		out = append(out, l)
	}
	sortLinks(out)
	return out
}
