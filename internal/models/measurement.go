package models

import "cell-quantifier/internal/geometry"

// RawMeasurement is produced once per ROI per run and lives only until aggregation.
type RawMeasurement struct {
	ImageID         string
	ROIName         string
	ROIArea         float64
	Position        float64
	ObjectCount     int
	TotalObjectArea float64
}

// AggregatedMeasurement is one results-table row keyed by (image, ROI name).
// Position is the mean of the grouped values, formatted to three decimals.
type AggregatedMeasurement struct {
	ImageID         string
	ROIName         string
	ROIArea         float64
	Position        string
	ObjectCount     int
	TotalObjectArea float64
}

// RegionAnalysis is the measurement of one ROI's label raster.
// Outlines are expressed in whole-image coordinates.
type RegionAnalysis struct {
	Count     int
	TotalArea float64
	Outlines  []geometry.Polygon
}
