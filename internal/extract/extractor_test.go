package extract

import (
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cell-quantifier/internal/geometry"
	"cell-quantifier/internal/imaging/imagingtest"
	"cell-quantifier/internal/models"
)

func roi(name string, r image.Rectangle) models.ROIRecord {
	return models.ROIRecord{Name: name, Polygon: geometry.Rect(r)}
}

func TestExtractor_WritesNamedCrop(t *testing.T) {
	dir := t.TempDir()
	backend := imagingtest.NewBackend()
	ex, err := New(backend, dir, "tif")
	require.NoError(t, err)

	src := backend.NewRaster("source:img", 300, 300)
	defer src.Release()

	crop, err := ex.Extract(src, "img", roi("CA1", image.Rect(100, 200, 150, 260)), 0)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "img_CA1_0_cropped.tif"), crop.Path)
	assert.Equal(t, image.Pt(100, 200), crop.Offset())
	assert.FileExists(t, crop.Path)

	require.NoError(t, ex.Remove(crop))
	assert.NoFileExists(t, crop.Path)
	assert.NoError(t, ex.Remove(crop))

	// only the source is still alive
	assert.Len(t, backend.Live(), 1)
}

func TestExtractor_PathsAreUniqueWithinRun(t *testing.T) {
	backend := imagingtest.NewBackend()
	ex, err := New(backend, t.TempDir(), "tif")
	require.NoError(t, err)

	src := backend.NewRaster("source:img", 100, 100)
	defer src.Release()

	a, err := ex.Extract(src, "img", roi("x", image.Rect(0, 0, 10, 10)), 0)
	require.NoError(t, err)
	b, err := ex.Extract(src, "img", roi("x", image.Rect(20, 20, 30, 30)), 0)
	require.NoError(t, err)
	c, err := ex.Extract(src, "img", roi("x", image.Rect(20, 20, 30, 30)), 1)
	require.NoError(t, err)

	assert.NotEqual(t, a.Path, b.Path)
	assert.NotEqual(t, b.Path, c.Path)

	// a removed crop frees its name
	require.NoError(t, ex.Remove(a))
	d, err := ex.Extract(src, "img", roi("x", image.Rect(0, 0, 10, 10)), 0)
	require.NoError(t, err)
	assert.Equal(t, a.Path, d.Path)
}

func TestExtractor_ClipsToImage(t *testing.T) {
	backend := imagingtest.NewBackend()
	ex, err := New(backend, t.TempDir(), "tif")
	require.NoError(t, err)

	src := backend.NewRaster("source:img", 50, 50)
	defer src.Release()

	crop, err := ex.Extract(src, "img", roi("edge", image.Rect(40, -5, 70, 10)), 2)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(40, 0, 50, 10), crop.Bounds)
}

func TestExtractor_Failures(t *testing.T) {
	backend := imagingtest.NewBackend()
	ex, err := New(backend, t.TempDir(), "tif")
	require.NoError(t, err)

	src := backend.NewRaster("source:img", 50, 50)
	defer src.Release()

	_, err = ex.Extract(src, "img", roi("far", image.Rect(100, 100, 120, 120)), 0)
	assert.ErrorIs(t, err, models.ErrExtraction)

	_, err = ex.Extract(src, "img", models.ROIRecord{Name: "line", Polygon: geometry.Polygon{{X: 1, Y: 1}, {X: 2, Y: 2}}}, 0)
	assert.ErrorIs(t, err, models.ErrExtraction)

	backend.FailOn("write", assert.AnError)
	_, err = ex.Extract(src, "img", roi("ok", image.Rect(0, 0, 10, 10)), 0)
	assert.ErrorIs(t, err, models.ErrExtraction)
	assert.ErrorIs(t, err, assert.AnError)

	entries, err := os.ReadDir(ex.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
