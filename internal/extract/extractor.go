// Package extract cuts ROI crops out of source images into the scratch directory.
package extract

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cell-quantifier/internal/checkpoint"
	"cell-quantifier/internal/imaging"
	"cell-quantifier/internal/models"
)

// Crop is a transient file holding one ROI's pixels.
type Crop struct {
	Path string
	// Bounds is the region actually cut, in source image coordinates.
	Bounds image.Rectangle
}

// Offset is the crop origin in the source image.
func (c Crop) Offset() image.Point {
	return c.Bounds.Min
}

type Extractor struct {
	backend imaging.Backend
	dir     string
	ext     string

	mu     sync.Mutex
	issued map[string]struct{}
}

func New(backend imaging.Backend, tempDir, ext string) (*Extractor, error) {
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "tif"
	}
	return &Extractor{
		backend: backend,
		dir:     tempDir,
		ext:     ext,
		issued:  make(map[string]struct{}),
	}, nil
}

// Extract crops roi's bounding box out of src and writes it to
// {base}_{roi}_{index}_cropped.{ext}. A path is not handed out again until its crop is removed.
// The caller owns the file and removes it with Remove.
func (e *Extractor) Extract(src models.Raster, base string, roi models.ROIRecord, index int) (Crop, error) {
	if src == nil || src.Empty() {
		return Crop{}, models.ExtractionFailure(base, roi.Name, fmt.Errorf("source image is empty"))
	}
	if !roi.Polygon.Valid() {
		return Crop{}, models.ExtractionFailure(base, roi.Name, fmt.Errorf("roi has %d vertices", len(roi.Polygon)))
	}

	bounds := roi.Polygon.Bounds().Intersect(image.Rect(0, 0, src.Cols(), src.Rows()))
	if bounds.Empty() {
		return Crop{}, models.ExtractionFailure(base, roi.Name, fmt.Errorf("roi lies outside the image"))
	}

	stem := checkpoint.Key{ImageID: base, ROIName: roi.Name, Index: index}.Base() + "_cropped"
	path := e.claim(stem)

	crop, err := e.backend.Crop(src, bounds, stem)
	if err != nil {
		return Crop{}, models.ExtractionFailure(base, roi.Name, err)
	}
	defer crop.Release()

	if err := e.backend.Write(crop, path); err != nil {
		_ = os.Remove(path)
		return Crop{}, models.ExtractionFailure(base, roi.Name, err)
	}

	return Crop{Path: path, Bounds: bounds}, nil
}

// Remove deletes a crop file. A missing file is not an error.
func (e *Extractor) Remove(c Crop) error {
	if c.Path == "" {
		return nil
	}
	if err := os.Remove(c.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	e.mu.Lock()
	delete(e.issued, c.Path)
	e.mu.Unlock()
	return nil
}

func (e *Extractor) claim(stem string) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	path := filepath.Join(e.dir, stem+"."+e.ext)
	for n := 1; ; n++ {
		if _, taken := e.issued[path]; !taken {
			break
		}
		path = filepath.Join(e.dir, fmt.Sprintf("%s-%d.%s", stem, n, e.ext))
	}
	e.issued[path] = struct{}{}
	return path
}
