package geo

import (
	"math"

	geom "github.com/peterstace/simplefeatures/geom"
)

// DefaultGridSize is the spacing between grid lines in world units.
const DefaultGridSize = 100.0

// Segment is a straight line in world space.
type Segment struct {
	From Point `json:"from"`
	To   Point `json:"to"`
	// Axis marks the x=0 and y=0 lines, which are drawn emphasized.
	Axis bool `json:"axis"`
}

// LineString converts the segment for geometry consumers.
func (s Segment) LineString() geom.LineString {
	seq := geom.NewSequence([]float64{s.From.X, s.From.Y, s.To.X, s.To.Y}, geom.DimXY)
	return geom.NewLineString(seq)
}

// Length of the segment.
func (s Segment) Length() float64 {
	return s.LineString().Length()
}

// GridLines returns the vertical lines (ascending x) followed by the
// horizontal lines (ascending y) that lie on multiples of cell inside the
// visible region of v extended by overscan. The result only depends on the
// arguments.
func GridLines(v Viewport, cell, overscan float64) []Segment {
	if cell <= 0 || v.Scale <= 0 {
		return nil
	}
	area := VisibleBounds(v, overscan)

	// iterate over integer indices so float drift never adds or drops a line
	x0 := int64(math.Floor(area.MinX / cell))
	x1 := int64(math.Ceil(area.MaxX / cell))
	y0 := int64(math.Floor(area.MinY / cell))
	y1 := int64(math.Ceil(area.MaxY / cell))

	top, bottom := float64(y0)*cell, float64(y1)*cell
	left, right := float64(x0)*cell, float64(x1)*cell

	lines := make([]Segment, 0, (x1-x0+1)+(y1-y0+1))
	for i := x0; i <= x1; i++ {
		x := float64(i) * cell
		lines = append(lines, Segment{
			From: Point{X: x, Y: top},
			To:   Point{X: x, Y: bottom},
			Axis: i == 0,
		})
	}
	for j := y0; j <= y1; j++ {
		y := float64(j) * cell
		lines = append(lines, Segment{
			From: Point{X: left, Y: y},
			To:   Point{X: right, Y: y},
			Axis: j == 0,
		})
	}
	return lines
}
