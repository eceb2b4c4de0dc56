package models

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is checks against the failure taxonomy.
var (
	ErrExtraction     = errors.New("extraction failure")
	ErrClassification = errors.New("classification failure")
	ErrAnalysis       = errors.New("analysis failure")
	ErrPersistence    = errors.New("persistence failure")
)

// StageError carries the pipeline stage and the ROI it failed on.
type StageError struct {
	Kind  error
	Image string
	ROI   string
	Err   error
}

func (e *StageError) Error() string {
	where := e.Image
	if e.ROI != "" {
		where = fmt.Sprintf("%s/%s", e.Image, e.ROI)
	}
	if where == "" {
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%v [%s]: %v", e.Kind, where, e.Err)
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *StageError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// ExtractionFailure reports that no crop could be produced.
func ExtractionFailure(image, roi string, err error) error {
	return &StageError{Kind: ErrExtraction, Image: image, ROI: roi, Err: err}
}

// ClassificationFailure reports that an external stage produced no new or usable output.
func ClassificationFailure(image, roi string, err error) error {
	return &StageError{Kind: ErrClassification, Image: image, ROI: roi, Err: err}
}

// AnalysisFailure reports that the measurement step raised.
func AnalysisFailure(image, roi string, err error) error {
	return &StageError{Kind: ErrAnalysis, Image: image, ROI: roi, Err: err}
}

// PersistenceFailure reports that an artifact or table write failed.
func PersistenceFailure(image, roi string, err error) error {
	return &StageError{Kind: ErrPersistence, Image: image, ROI: roi, Err: err}
}

// ValidationError represents a rejected field value
type ValidationError struct {
	Parameter string
	Value     interface{}
	Message   string
}

// NewValidationError creates a new validation error
func NewValidationError(parameter string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Parameter: parameter,
		Value:     value,
		Message:   message,
	}
}

func (ve *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for parameter '%s' with value '%v': %s",
		ve.Parameter, ve.Value, ve.Message)
}
