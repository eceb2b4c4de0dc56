package geometry

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPolygon_AreaOfSquare(t *testing.T) {
	sq := Rect(image.Rect(0, 0, 10, 10))
	assert.InDelta(t, 100.0, sq.Area(), 1e-9)
}

func TestPolygon_AreaIndependentOfWinding(t *testing.T) {
	cw := Polygon{{0, 0}, {0, 4}, {3, 0}}
	ccw := Polygon{{0, 0}, {3, 0}, {0, 4}}
	assert.InDelta(t, 6.0, cw.Area(), 1e-9)
	assert.InDelta(t, cw.Area(), ccw.Area(), 1e-9)
}

func TestPolygon_DegenerateHasNoArea(t *testing.T) {
	assert.Zero(t, Polygon{{0, 0}, {1, 1}}.Area())
	assert.False(t, Polygon{{0, 0}, {1, 1}}.Valid())
}

func TestPolygon_BoundsCoversFractionalVertices(t *testing.T) {
	pg := Polygon{{1.5, 2.2}, {8.1, 2.2}, {8.1, 9.7}}
	assert.Equal(t, image.Rect(1, 2, 9, 10), pg.Bounds())
}

func TestPolygon_TranslateToImageCoordinates(t *testing.T) {
	local := Rect(image.Rect(0, 0, 5, 5))
	abs := local.Translate(100, 200)
	assert.Equal(t, image.Rect(100, 200, 105, 205), abs.Bounds())
	// original untouched
	assert.Equal(t, image.Rect(0, 0, 5, 5), local.Bounds())
}

func TestPolygon_ImagePointsRoundTrip(t *testing.T) {
	pts := []image.Point{{1, 2}, {3, 4}, {5, 6}}
	assert.Equal(t, pts, FromImagePoints(pts).ImagePoints())
}
