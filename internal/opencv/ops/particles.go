package ops

import (
	"image"

	"gocv.io/x/gocv"

	"cell-quantifier/internal/geometry"
	"cell-quantifier/internal/imaging"
	"cell-quantifier/internal/models"
	"cell-quantifier/internal/opencv/safe"
)

// stats columns of ConnectedComponentsWithStats
const (
	statLeft = iota
	statTop
	statWidth
	statHeight
	statArea
)

// Particles labels 8-connected foreground components and traces the external
// boundary of each. Area is the component's pixel count.
func (b *Backend) Particles(r models.Raster) ([]imaging.Particle, error) {
	src, err := asMat(r, "particles")
	if err != nil {
		return nil, err
	}
	if err := safe.ValidateBinary(src, "particles"); err != nil {
		return nil, err
	}

	labels := gocv.NewMat()
	defer labels.Close()
	stats := gocv.NewMat()
	defer stats.Close()
	centroids := gocv.NewMat()
	defer centroids.Close()

	numComponents := gocv.ConnectedComponentsWithStats(src.GetMat(), &labels, &stats, &centroids)

	particles := make([]imaging.Particle, 0, numComponents)
	for i := 1; i < numComponents; i++ { // label 0 is background
		bounds := image.Rect(
			int(stats.GetIntAt(i, statLeft)),
			int(stats.GetIntAt(i, statTop)),
			int(stats.GetIntAt(i, statLeft)+stats.GetIntAt(i, statWidth)),
			int(stats.GetIntAt(i, statTop)+stats.GetIntAt(i, statHeight)),
		)

		particles = append(particles, imaging.Particle{
			Outline: traceOutline(labels, int32(i), bounds),
			Area:    float64(stats.GetIntAt(i, statArea)),
			Bounds:  bounds,
		})
	}

	return particles, nil
}

func traceOutline(labels gocv.Mat, label int32, bounds image.Rectangle) geometry.Polygon {
	component := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), bounds.Dy(), bounds.Dx(), gocv.MatTypeCV8UC1)
	defer component.Close()

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if labels.GetIntAt(y, x) == label {
				component.SetUCharAt(y-bounds.Min.Y, x-bounds.Min.X, 255)
			}
		}
	}

	contours := gocv.FindContours(component, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	var best []image.Point
	bestArea := -1.0
	for i := 0; i < contours.Size(); i++ {
		pts := contours.At(i).ToPoints()
		area := geometry.FromImagePoints(pts).Area()
		if area > bestArea {
			best, bestArea = pts, area
		}
	}

	if len(best) < 3 {
		// one- and two-pixel-wide components trace to degenerate contours
		return geometry.Rect(bounds)
	}

	return geometry.FromImagePoints(best).Translate(float64(bounds.Min.X), float64(bounds.Min.Y))
}
