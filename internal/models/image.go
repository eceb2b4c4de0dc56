package models

import (
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"cell-quantifier/internal/geometry"
)

// Status is the lifecycle state of an image within a project.
type Status string

const (
	StatusNew             Status = "New"
	StatusInProgress      Status = "In Progress"
	StatusPendingROIs     Status = "Pending ROIs"
	StatusReadyToQuantify Status = "Ready to Quantify"
	StatusProcessing      Status = "Processing"
	StatusCompleted       Status = "Completed"
	StatusFailed          Status = "Failed"
)

// Raster is an in-memory image buffer owned by an imaging backend.
// Holders dispose of it with Release; the buffer is freed when the last reference goes.
type Raster interface {
	ID() uint64
	Tag() string
	Rows() int
	Cols() int
	Empty() bool
	AddRef()
	Release()
}

// ROIRecord is a named region drawn on an image.
type ROIRecord struct {
	Name    string           `json:"name" validate:"notblank"`
	Bregma  string           `json:"bregma,omitempty"`
	Polygon geometry.Polygon `json:"points" validate:"min=3"`
	Status  string           `json:"status,omitempty"`
}

// Position returns the bregma value, or 0.0 when absent or unparseable.
func (r ROIRecord) Position() float64 {
	s := strings.TrimSpace(r.Bregma)
	if s == "" {
		return 0.0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0.0
	}
	return v
}

// Area returns the planar area enclosed by the ROI boundary.
func (r ROIRecord) Area() float64 {
	return r.Polygon.Area()
}

// ROISummary is the ledger view of an ROI, as listed in the project ROI database.
type ROISummary struct {
	Name   string
	Bregma string
	Status string
}

// ImageUnit is one image in a project together with its derived artifact paths.
// Status is the only field mutated concurrently, so it is guarded.
type ImageUnit struct {
	Filename    string
	SourcePath  string
	ROIPath     string
	OutlinePath string
	Width       int
	Height      int
	ROIs        []ROISummary

	mu     sync.RWMutex
	status Status
}

// NewImageUnit creates an image unit in the given status.
func NewImageUnit(filename, sourcePath, roiPath, outlinePath string, status Status) *ImageUnit {
	return &ImageUnit{
		Filename:    filename,
		SourcePath:  sourcePath,
		ROIPath:     roiPath,
		OutlinePath: outlinePath,
		status:      status,
	}
}

// BaseName returns the filename without its extension.
func (img *ImageUnit) BaseName() string {
	return strings.TrimSuffix(img.Filename, filepath.Ext(img.Filename))
}

// Status returns the current lifecycle state.
func (img *ImageUnit) Status() Status {
	img.mu.RLock()
	defer img.mu.RUnlock()
	return img.status
}

// SetStatus changes the lifecycle state and returns the previous one.
func (img *ImageUnit) SetStatus(s Status) Status {
	img.mu.Lock()
	defer img.mu.Unlock()
	prev := img.status
	img.status = s
	return prev
}
