// Package classify drives the two-stage external classifier and resumes it
// from whichever stage artifact already exists.
package classify

import (
	"context"

	"cell-quantifier/internal/models"
)

// Config names the trained projects for both stages.
type Config struct {
	PixelProject  string
	ObjectProject string
}

// Input is a stage input. Path is set when the raster already lives on disk.
type Input struct {
	Path   string
	Raster models.Raster
}

// Service is the external classifier. Implementations are not reentrant;
// callers serialize invocations. Returned rasters belong to the caller.
type Service interface {
	RunPixelClassification(ctx context.Context, cfg Config, inputPath string) (models.Raster, error)
	RunObjectClassification(ctx context.Context, cfg Config, rawInputPath string, prob Input) (models.Raster, error)
}
