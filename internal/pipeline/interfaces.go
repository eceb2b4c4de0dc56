package pipeline

import (
	"context"
	"image"

	"cell-quantifier/internal/checkpoint"
	"cell-quantifier/internal/classify"
	"cell-quantifier/internal/events"
	"cell-quantifier/internal/extract"
	"cell-quantifier/internal/geometry"
	"cell-quantifier/internal/imaging"
	"cell-quantifier/internal/logger"
	"cell-quantifier/internal/models"
)

// Project is the slice of the project store a run needs.
type Project interface {
	HasROI(img *models.ImageUnit) bool
	LoadROIs(img *models.ImageUnit) ([]models.ROIRecord, error)
	SaveOutlines(img *models.ImageUnit, outlines []geometry.Polygon) error
	SyncStatus() error
}

type Extractor interface {
	Extract(src models.Raster, base string, roi models.ROIRecord, index int) (extract.Crop, error)
	Remove(crop extract.Crop) error
}

type Classifier interface {
	Classify(ctx context.Context, cropPath string, cfg classify.Config, key checkpoint.Key) (models.Raster, classify.Branch, error)
}

type Analyzer interface {
	Analyze(labels models.Raster, roi geometry.Polygon, offset image.Point) (models.RegionAnalysis, error)
}

// ResultSink receives the aggregated rows once per run.
type ResultSink interface {
	Append(rows []models.AggregatedMeasurement) error
}

// Reclaimer frees transient buffers between ROIs and images.
type Reclaimer interface {
	CloseMatching(patterns []string) int
	Collect()
}

type Publisher interface {
	Publish(event events.Event)
}

// Deps wires a Coordinator. Publisher and Reclaimer may be nil.
type Deps struct {
	Project    Project
	Codec      imaging.Codec
	Extractor  Extractor
	Classifier Classifier
	Analyzer   Analyzer
	Results    ResultSink
	Reclaimer  Reclaimer
	Publisher  Publisher
	Log        logger.Logger
}

// Settings selects what one run processes.
type Settings struct {
	// RunID is generated when empty.
	RunID      string
	Images     []*models.ImageUnit
	Classifier classify.Config
}
