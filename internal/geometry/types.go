// Package geometry provides the planar types used for ROI boundaries and object outlines.
package geometry

import (
	"image"
	"math"
)

// Point represents a 2D point in pixel coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// FromImagePoint converts an integer pixel point.
func FromImagePoint(p image.Point) Point {
	return Point{X: float64(p.X), Y: float64(p.Y)}
}

// ImagePoint rounds the point to the nearest pixel.
func (p Point) ImagePoint() image.Point {
	return image.Point{X: int(math.Round(p.X)), Y: int(math.Round(p.Y))}
}

// Rect builds the closed polygon for an axis-aligned rectangle.
func Rect(r image.Rectangle) Polygon {
	return Polygon{
		{X: float64(r.Min.X), Y: float64(r.Min.Y)},
		{X: float64(r.Max.X), Y: float64(r.Min.Y)},
		{X: float64(r.Max.X), Y: float64(r.Max.Y)},
		{X: float64(r.Min.X), Y: float64(r.Max.Y)},
	}
}
