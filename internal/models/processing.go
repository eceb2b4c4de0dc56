package models

import (
	"sync"
	"time"
)

// ProcessingState represents the current state of a quantification run
type ProcessingState struct {
	IsActive          bool
	RunID             string
	CurrentImage      string
	CurrentROI        string
	Done              int
	Total             int
	Progress          float64
	StartTime         time.Time
	EstimatedDuration time.Duration
	Cancelled         bool
}

// CancellationToken provides a way to cancel ongoing processing
type CancellationToken struct {
	cancelled bool
	mu        sync.RWMutex
}

// NewCancellationToken creates a new cancellation token
func NewCancellationToken() *CancellationToken {
	return &CancellationToken{}
}

// Cancel marks the token as cancelled
func (ct *CancellationToken) Cancel() {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.cancelled = true
}

// IsCancelled returns true if the token has been cancelled
func (ct *CancellationToken) IsCancelled() bool {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.cancelled
}

// Reset clears the cancellation state
func (ct *CancellationToken) Reset() {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.cancelled = false
}

// ProcessingStateRepository manages processing state
type ProcessingStateRepository struct {
	mu    sync.RWMutex
	state ProcessingState
}

// NewProcessingStateRepository creates a new processing state repository
func NewProcessingStateRepository() *ProcessingStateRepository {
	return &ProcessingStateRepository{}
}

// GetState returns the current processing state
func (psr *ProcessingStateRepository) GetState() ProcessingState {
	psr.mu.RLock()
	defer psr.mu.RUnlock()
	return psr.state
}

// StartProcessing marks a run as active
func (psr *ProcessingStateRepository) StartProcessing(runID string, total int) {
	psr.mu.Lock()
	defer psr.mu.Unlock()

	psr.state = ProcessingState{
		IsActive:  true,
		RunID:     runID,
		Total:     total,
		StartTime: time.Now(),
	}
}

// SetCurrent records which ROI is being worked on
func (psr *ProcessingStateRepository) SetCurrent(image, roi string) {
	psr.mu.Lock()
	defer psr.mu.Unlock()

	psr.state.CurrentImage = image
	psr.state.CurrentROI = roi
}

// Advance counts one more finished ROI and re-estimates the run duration
func (psr *ProcessingStateRepository) Advance() ProcessingState {
	psr.mu.Lock()
	defer psr.mu.Unlock()

	if !psr.state.IsActive {
		return psr.state
	}

	psr.state.Done++
	if psr.state.Total > 0 {
		psr.state.Progress = float64(psr.state.Done) / float64(psr.state.Total)
	}

	// Estimate remaining time based on progress
	if psr.state.Progress > 0 {
		elapsed := time.Since(psr.state.StartTime)
		psr.state.EstimatedDuration = time.Duration(float64(elapsed) / psr.state.Progress)
	}

	return psr.state
}

// CompleteProcessing marks processing as complete
func (psr *ProcessingStateRepository) CompleteProcessing(cancelled bool) {
	psr.mu.Lock()
	defer psr.mu.Unlock()

	psr.state.IsActive = false
	psr.state.Cancelled = cancelled
	psr.state.CurrentImage = ""
	psr.state.CurrentROI = ""
	if !cancelled {
		psr.state.Progress = 1.0
	}
}

// IsProcessing returns true if a run is currently active
func (psr *ProcessingStateRepository) IsProcessing() bool {
	psr.mu.RLock()
	defer psr.mu.RUnlock()
	return psr.state.IsActive
}
