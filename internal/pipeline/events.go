package pipeline

import (
	"time"

	"cell-quantifier/internal/events"
	"cell-quantifier/internal/models"
)

const (
	EventRunStarted    events.Type = "run.started"
	EventProgress      events.Type = "run.progress"
	EventStatusChanged events.Type = "image.status"
	EventROIFailed     events.Type = "roi.failed"
	EventRunFinished   events.Type = "run.finished"
)

type RunStarted struct {
	Images    int
	TotalROIs int
}

// Progress is published after every ROI, failed or not.
type Progress struct {
	Image    string
	ROI      string
	Index    int
	Done     int
	Total    int
	Fraction float64
	// ETA is the estimated time left, zero until the first ROI finishes.
	ETA time.Duration
}

type StatusChange struct {
	Image string
	From  models.Status
	To    models.Status
}

type ROIFailure struct {
	Image string
	ROI   string
	Index int
	Err   error
}

// Summary describes a finished run. It is also the payload of EventRunFinished.
type Summary struct {
	RunID         string
	Message       string
	TotalROIs     int
	ProcessedROIs int
	FailedROIs    int
	Completed     []string
	Failed        []string
	Reverted      []string
	Cancelled     bool
	Records       []models.RawMeasurement
	Rows          []models.AggregatedMeasurement
	Duration      time.Duration
}
