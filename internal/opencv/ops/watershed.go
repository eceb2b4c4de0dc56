package ops

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"cell-quantifier/internal/models"
	"cell-quantifier/internal/opencv/safe"
)

// Watershed separates touching blobs of a binary raster. Seeds are the cores of
// the distance map above watershedFraction of its peak. Ridge pixels between
// basins become background, and so does any basin pixel with an 8-neighbour in
// another basin, so Particles sees the split objects as separate components.
func (b *Backend) Watershed(r models.Raster, tag string) (models.Raster, error) {
	src, err := asMat(r, "watershed")
	if err != nil {
		return nil, err
	}
	if err := safe.ValidateBinary(src, "watershed"); err != nil {
		return nil, err
	}

	binary := src.GetMat()
	if gocv.CountNonZero(binary) == 0 {
		return src.Clone(tag)
	}

	dist := gocv.NewMat()
	defer dist.Close()
	distLabels := gocv.NewMat()
	defer distLabels.Close()
	if err := gocv.DistanceTransform(binary, &dist, &distLabels, gocv.DistL2, gocv.DistanceMask5, gocv.DistanceLabelCComp); err != nil {
		return nil, stepErr("watershed", "distance transform", err)
	}

	_, maxDist, _, _ := gocv.MinMaxLoc(dist)

	sureFg32 := gocv.NewMat()
	defer sureFg32.Close()
	gocv.Threshold(dist, &sureFg32, float32(b.watershedFraction)*maxDist, 255, gocv.ThresholdBinary)

	sureFg := gocv.NewMat()
	defer sureFg.Close()
	if err := sureFg32.ConvertTo(&sureFg, gocv.MatTypeCV8UC1); err != nil {
		return nil, stepErr("watershed", "seed conversion", err)
	}

	kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Point{X: 3, Y: 3})
	defer kernel.Close()
	sureBg := gocv.NewMat()
	defer sureBg.Close()
	if err := gocv.Dilate(binary, &sureBg, kernel); err != nil {
		return nil, stepErr("watershed", "dilate", err)
	}

	markers := gocv.NewMat()
	defer markers.Close()
	seeds := gocv.ConnectedComponents(sureFg, &markers)
	if seeds <= 1 {
		return src.Clone(tag)
	}

	rows, cols := binary.Rows(), binary.Cols()

	// background is 1, seeds are 2.., the unresolved band is 0
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			label := markers.GetIntAt(y, x)
			if label == 0 && sureBg.GetUCharAt(y, x) > 0 {
				markers.SetIntAt(y, x, 0)
				continue
			}
			markers.SetIntAt(y, x, label+1)
		}
	}

	color := gocv.NewMat()
	defer color.Close()
	if err := gocv.CvtColor(binary, &color, gocv.ColorGrayToBGR); err != nil {
		return nil, stepErr("watershed", "colour conversion", err)
	}
	if err := gocv.Watershed(color, &markers); err != nil {
		return nil, stepErr("watershed", "flood", err)
	}

	basins := basinLabels(binary, markers)

	dst := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), rows, cols, gocv.MatTypeCV8UC1)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			if keepBasinPixel(basins, rows, cols, y, x) {
				dst.SetUCharAt(y, x, 255)
			}
		}
	}

	return safe.Wrap(dst, b.tracker, tag), nil
}

// basinLabels returns, per foreground pixel, the basin the flood assigned it
// to, or 0 for ridges and background. The flood always marks the outermost
// frame as ridge, so frame pixels take the label of their inner neighbour.
func basinLabels(binary, markers gocv.Mat) []int32 {
	rows, cols := binary.Rows(), binary.Cols()
	basins := make([]int32, rows*cols)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			if binary.GetUCharAt(y, x) == 0 {
				continue
			}
			label := markers.GetIntAt(y, x)
			if label == -1 && (y == 0 || x == 0 || y == rows-1 || x == cols-1) {
				label = markers.GetIntAt(inner(y, rows), inner(x, cols))
			}
			if label > 1 {
				basins[y*cols+x] = label
			}
		}
	}
	return basins
}

func keepBasinPixel(basins []int32, rows, cols, y, x int) bool {
	label := basins[y*cols+x]
	if label == 0 {
		return false
	}
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			ny, nx := y+dy, x+dx
			if ny < 0 || nx < 0 || ny >= rows || nx >= cols {
				continue
			}
			if other := basins[ny*cols+nx]; other != 0 && other != label {
				return false
			}
		}
	}
	return true
}

// inner clamps a frame coordinate one pixel into the raster.
func inner(v, size int) int {
	if size < 3 {
		return v
	}
	switch v {
	case 0:
		return 1
	case size - 1:
		return size - 2
	}
	return v
}

func stepErr(operation, step string, err error) error {
	return fmt.Errorf("%s: %s: %w", operation, step, err)
}
