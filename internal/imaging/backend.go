// Package imaging defines the raster primitives the quantification pipeline
// relies on. Implementations own every raster they return; callers Release them.
package imaging

import (
	"image"
	"strings"

	"cell-quantifier/internal/geometry"
	"cell-quantifier/internal/models"
)

// Codec moves rasters between disk and memory.
type Codec interface {
	Read(path, tag string) (models.Raster, error)
	Write(r models.Raster, path string) error
}

// Particle is one connected object found by Particles.
type Particle struct {
	Outline geometry.Polygon
	Area    float64
	Bounds  image.Rectangle
}

// Backend is the full primitive set: crop, mask, threshold, watershed and particle measurement.
type Backend interface {
	Codec

	// Crop copies bounds out of src. bounds is clipped to the raster.
	Crop(src models.Raster, bounds image.Rectangle, tag string) (models.Raster, error)

	// Mask zeroes every pixel of src outside polygon, expressed in src coordinates.
	Mask(src models.Raster, polygon geometry.Polygon, tag string) (models.Raster, error)

	// Binarize maps every non-zero pixel to foreground.
	Binarize(src models.Raster, tag string) (models.Raster, error)

	// Watershed splits touching foreground objects of a binary raster.
	Watershed(binary models.Raster, tag string) (models.Raster, error)

	// Particles measures the connected objects of binary in raster coordinates.
	Particles(binary models.Raster) ([]Particle, error)
}

// Tag patterns identifying transient rasters produced while processing a region.
var TransientTagPatterns = []string{"_cropped", "_probabilities", "_objects", "mask"}

const sourceTagPrefix = "source:"

// SourceTag tags a raster holding a whole source image. Source rasters are
// never swept, whatever their filename contains.
func SourceTag(filename string) string {
	return sourceTagPrefix + filename
}

func IsSourceTag(tag string) bool {
	return strings.HasPrefix(tag, sourceTagPrefix)
}
