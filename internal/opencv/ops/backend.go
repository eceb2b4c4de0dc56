// Package ops implements imaging.Backend on top of gocv.
package ops

import (
	"fmt"
	"image"
	"image/color"
	"os"

	"gocv.io/x/gocv"

	"cell-quantifier/internal/geometry"
	"cell-quantifier/internal/logger"
	"cell-quantifier/internal/models"
	"cell-quantifier/internal/opencv/safe"
)

const DefaultWatershedFraction = 0.5

type Backend struct {
	tracker           safe.Tracker
	log               logger.Logger
	watershedFraction float64
}

type Options struct {
	// WatershedFraction of the peak distance above which pixels seed a separate object.
	WatershedFraction float64
}

func NewBackend(tracker safe.Tracker, log logger.Logger, opts Options) *Backend {
	if log == nil {
		log = logger.Nop()
	}
	fraction := opts.WatershedFraction
	if fraction <= 0 || fraction >= 1 {
		fraction = DefaultWatershedFraction
	}
	return &Backend{
		tracker:           tracker,
		log:               log,
		watershedFraction: fraction,
	}
}

func (b *Backend) Read(path, tag string) (models.Raster, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("read raster: %w", err)
	}

	mat := gocv.IMRead(path, gocv.IMReadUnchanged)
	if mat.Empty() {
		mat.Close()
		return nil, fmt.Errorf("read raster: %s could not be decoded", path)
	}

	return safe.Wrap(mat, b.tracker, tag), nil
}

func (b *Backend) Write(r models.Raster, path string) error {
	src, err := asMat(r, "write")
	if err != nil {
		return err
	}

	if ok := gocv.IMWrite(path, src.GetMat()); !ok {
		return fmt.Errorf("write raster: encoder rejected %s", path)
	}
	return nil
}

func (b *Backend) Crop(r models.Raster, bounds image.Rectangle, tag string) (models.Raster, error) {
	src, err := asMat(r, "crop")
	if err != nil {
		return nil, err
	}

	clipped, err := safe.ValidateRegion(src, bounds, "crop")
	if err != nil {
		return nil, err
	}

	srcMat := src.GetMat()
	region := srcMat.Region(clipped)
	defer region.Close()

	return safe.NewMatFromMat(region, b.tracker, tag)
}

func (b *Backend) Mask(r models.Raster, polygon geometry.Polygon, tag string) (models.Raster, error) {
	src, err := asMat(r, "mask")
	if err != nil {
		return nil, err
	}
	if !polygon.Valid() {
		return nil, fmt.Errorf("mask: polygon needs at least 3 vertices, got %d", len(polygon))
	}

	mask := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), src.Rows(), src.Cols(), gocv.MatTypeCV8UC1)
	defer mask.Close()

	pts := gocv.NewPointsVectorFromPoints([][]image.Point{polygon.ImagePoints()})
	defer pts.Close()
	if err := gocv.FillPoly(&mask, pts, color.RGBA{R: 255, G: 255, B: 255, A: 255}); err != nil {
		return nil, stepErr("mask", "fill polygon", err)
	}

	dst := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), src.Rows(), src.Cols(), src.Type())
	srcMat := src.GetMat()
	if err := srcMat.CopyToWithMask(&dst, mask); err != nil {
		dst.Close()
		return nil, stepErr("mask", "copy", err)
	}

	return safe.Wrap(dst, b.tracker, tag), nil
}

func (b *Backend) Binarize(r models.Raster, tag string) (models.Raster, error) {
	src, err := asMat(r, "binarize")
	if err != nil {
		return nil, err
	}
	if err := safe.ValidateSingleChannel(src, "binarize"); err != nil {
		return nil, err
	}

	dst := gocv.NewMat()
	if err := gocv.InRangeWithScalar(src.GetMat(), gocv.NewScalar(1, 0, 0, 0), gocv.NewScalar(65535, 0, 0, 0), &dst); err != nil {
		dst.Close()
		return nil, stepErr("binarize", "threshold", err)
	}
	if dst.Empty() {
		dst.Close()
		return nil, fmt.Errorf("binarize: threshold produced no output")
	}

	return safe.Wrap(dst, b.tracker, tag), nil
}

func asMat(r models.Raster, operation string) (*safe.Mat, error) {
	if r == nil {
		return nil, fmt.Errorf("raster is nil for operation: %s", operation)
	}
	mat, ok := r.(*safe.Mat)
	if !ok {
		return nil, fmt.Errorf("raster %T is not backed by gocv for operation: %s", r, operation)
	}
	if err := safe.ValidateMatForOperation(mat, operation); err != nil {
		return nil, err
	}
	return mat, nil
}
