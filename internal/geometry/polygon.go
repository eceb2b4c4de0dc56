package geometry

import (
	"image"
	"math"
)

// Polygon is a closed boundary. The last vertex connects back to the first.
type Polygon []Point

// Valid reports whether the polygon has enough vertices to enclose an area.
func (pg Polygon) Valid() bool {
	return len(pg) >= 3
}

// Area returns the enclosed planar area using the shoelace formula.
func (pg Polygon) Area() float64 {
	if !pg.Valid() {
		return 0
	}

	var sum float64
	n := len(pg)
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		sum += pg[i].X*pg[j].Y - pg[j].X*pg[i].Y
	}

	return math.Abs(sum) / 2
}

// Bounds returns the smallest pixel rectangle covering every vertex.
// Min is floored and Max is ceiled so the rectangle never cuts the boundary.
func (pg Polygon) Bounds() image.Rectangle {
	if len(pg) == 0 {
		return image.Rectangle{}
	}

	minX, minY := pg[0].X, pg[0].Y
	maxX, maxY := minX, minY
	for _, p := range pg[1:] {
		minX = math.Min(minX, p.X)
		minY = math.Min(minY, p.Y)
		maxX = math.Max(maxX, p.X)
		maxY = math.Max(maxY, p.Y)
	}

	return image.Rect(
		int(math.Floor(minX)), int(math.Floor(minY)),
		int(math.Ceil(maxX)), int(math.Ceil(maxY)),
	)
}

// Translate returns a copy of the polygon shifted by (dx, dy).
func (pg Polygon) Translate(dx, dy float64) Polygon {
	out := make(Polygon, len(pg))
	for i, p := range pg {
		out[i] = Point{X: p.X + dx, Y: p.Y + dy}
	}
	return out
}

// ImagePoints converts the vertices to integer pixel points, as needed by raster fill operations.
func (pg Polygon) ImagePoints() []image.Point {
	pts := make([]image.Point, len(pg))
	for i, p := range pg {
		pts[i] = p.ImagePoint()
	}
	return pts
}

// FromImagePoints builds a polygon from traced contour pixels.
func FromImagePoints(pts []image.Point) Polygon {
	pg := make(Polygon, len(pts))
	for i, p := range pts {
		pg[i] = FromImagePoint(p)
	}
	return pg
}
