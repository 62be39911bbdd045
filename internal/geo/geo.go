// Package geo is the coordinate space of the canvas: world and screen
// transforms, bounds clamping, zoom and grid generation.
//
// World coordinates are flat canvas units. Screen coordinates are pixels
// relative to the top-left corner of the rendering surface.
package geo

import (
	"math"
	"math/rand"

	geom "github.com/peterstace/simplefeatures/geom"
)

// Point is a 2D coordinate, either in world or in screen space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// XY converts the point to its simplefeatures representation.
func (p Point) XY() geom.XY {
	return geom.XY{X: p.X, Y: p.Y}
}

// Distance returns the Euclidean distance between a and b.
func Distance(a, b Point) float64 {
	return a.XY().Sub(b.XY()).Length()
}

// Bounds is an axis-aligned rectangle, inclusive on every edge.
type Bounds struct {
	MinX float64 `json:"minX" mapstructure:"minX"`
	MaxX float64 `json:"maxX" mapstructure:"maxX"`
	MinY float64 `json:"minY" mapstructure:"minY"`
	MaxY float64 `json:"maxY" mapstructure:"maxY"`
}

var (
	// DefaultWorldBounds limits every stored position.
	DefaultWorldBounds = Bounds{MinX: -50000, MaxX: 50000, MinY: -50000, MaxY: 50000}
	// DefaultSpawnZone is where new entities appear.
	DefaultSpawnZone = Bounds{MinX: -500, MaxX: 500, MinY: -500, MaxY: 500}
)

// Clamp clamps each axis of p independently into b. NaN components are
// treated as 0 before clamping.
func (b Bounds) Clamp(p Point) Point {
	return Point{
		X: clampAxis(p.X, b.MinX, b.MaxX),
		Y: clampAxis(p.Y, b.MinY, b.MaxY),
	}
}

func clampAxis(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		v = 0
	}
	return math.Max(lo, math.Min(hi, v))
}

// Contains reports whether p lies inside b.
func (b Bounds) Contains(p Point) bool {
	return p.X >= b.MinX && p.X <= b.MaxX && p.Y >= b.MinY && p.Y <= b.MaxY
}

// Random returns a uniformly distributed point inside b.
func (b Bounds) Random(rng *rand.Rand) Point {
	var fx, fy float64
	if rng == nil {
		fx, fy = rand.Float64(), rand.Float64()
	} else {
		fx, fy = rng.Float64(), rng.Float64()
	}
	return Point{
		X: fx*(b.MaxX-b.MinX) + b.MinX,
		Y: fy*(b.MaxY-b.MinY) + b.MinY,
	}
}

// Width of the rectangle.
func (b Bounds) Width() float64 { return b.MaxX - b.MinX }

// Height of the rectangle.
func (b Bounds) Height() float64 { return b.MaxY - b.MinY }
