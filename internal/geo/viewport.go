package geo

import "math"

// Zoom defaults used by the canvas.
const (
	DefaultZoom    = 1.0
	MinZoom        = 0.1
	MaxZoom        = 3.0
	WheelZoomStep  = 1.05
	ButtonZoomStep = 1.2

	// DefaultOverscan widens the rendered region by 20% on every side.
	DefaultOverscan = 0.2
)

// ZoomLimits bounds the viewport scale.
type ZoomLimits struct {
	Min float64 `json:"min" mapstructure:"min"`
	Max float64 `json:"max" mapstructure:"max"`
}

// DefaultZoomLimits returns the canvas zoom range.
func DefaultZoomLimits() ZoomLimits {
	return ZoomLimits{Min: MinZoom, Max: MaxZoom}
}

// Clamp limits scale to [Min, Max].
func (z ZoomLimits) Clamp(scale float64) float64 {
	if math.IsNaN(scale) || scale <= 0 {
		return z.Min
	}
	return math.Max(z.Min, math.Min(z.Max, scale))
}

// Viewport maps world space onto the rendering surface. OffsetX/OffsetY is
// the screen position of the world origin.
type Viewport struct {
	OffsetX float64 `json:"offsetX"`
	OffsetY float64 `json:"offsetY"`
	Scale   float64 `json:"scale"`
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
}

// NewViewport returns a viewport of the given size at default zoom with the
// world origin in the top-left corner.
func NewViewport(width, height float64) Viewport {
	return Viewport{Scale: DefaultZoom, Width: width, Height: height}
}

// ToWorld converts a screen point to world space.
func ToWorld(screen Point, v Viewport) Point {
	return Point{
		X: (screen.X - v.OffsetX) / v.Scale,
		Y: (screen.Y - v.OffsetY) / v.Scale,
	}
}

// ToScreen converts a world point to screen space.
func ToScreen(world Point, v Viewport) Point {
	return Point{
		X: world.X*v.Scale + v.OffsetX,
		Y: world.Y*v.Scale + v.OffsetY,
	}
}

// ZoomAt multiplies the scale by factor, clamped to limits, keeping the
// world point under pointer fixed on screen.
func ZoomAt(v Viewport, pointer Point, factor float64, limits ZoomLimits) Viewport {
	anchor := ToWorld(pointer, v)
	next := v
	next.Scale = limits.Clamp(v.Scale * factor)
	next.OffsetX = pointer.X - anchor.X*next.Scale
	next.OffsetY = pointer.Y - anchor.Y*next.Scale
	return next
}

// ZoomWheel applies one mouse wheel step. Positive direction zooms in.
func ZoomWheel(v Viewport, pointer Point, direction int, limits ZoomLimits) Viewport {
	factor := WheelZoomStep
	if direction < 0 {
		factor = 1 / WheelZoomStep
	}
	return ZoomAt(v, pointer, factor, limits)
}

// Center returns the world point displayed at the middle of the viewport.
func Center(v Viewport) Point {
	return ToWorld(Point{X: v.Width / 2, Y: v.Height / 2}, v)
}

// CenterOn pans v so that world is displayed at the middle of the surface.
func CenterOn(v Viewport, world Point) Viewport {
	next := v
	next.OffsetX = v.Width/2 - world.X*v.Scale
	next.OffsetY = v.Height/2 - world.Y*v.Scale
	return next
}

// VisibleBounds returns the world rectangle covered by v, widened by
// overscan (a ratio of the visible width and height) on every side.
func VisibleBounds(v Viewport, overscan float64) Bounds {
	tl := ToWorld(Point{}, v)
	br := ToWorld(Point{X: v.Width, Y: v.Height}, v)
	mx := (br.X - tl.X) * overscan
	my := (br.Y - tl.Y) * overscan
	return Bounds{
		MinX: tl.X - mx,
		MaxX: br.X + mx,
		MinY: tl.Y - my,
		MaxY: br.Y + my,
	}
}
