package project

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"

	"cell-quantifier/internal/geometry"
	"cell-quantifier/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type roiSetFile struct {
	Image string             `json:"image"`
	ROIs  []models.ROIRecord `json:"rois" validate:"unique=Name,dive"`
}

type outlineSetFile struct {
	Image    string             `json:"image"`
	Outlines []geometry.Polygon `json:"outlines"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return v
}

// LoadROIs reads the image's ROI set as saved. Duplicate or blank names are
// accepted here; only SaveROISet enforces them.
func (p *Project) LoadROIs(img *models.ImageUnit) ([]models.ROIRecord, error) {
	data, err := os.ReadFile(img.ROIPath)
	if err != nil {
		return nil, fmt.Errorf("read roi set: %w", err)
	}
	var set roiSetFile
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("decode roi set %s: %w", filepath.Base(img.ROIPath), err)
	}
	return set.ROIs, nil
}

// SaveROISet validates and writes the ROI set, then refreshes the ROI database.
// Every ROI needs a non-blank name unique within the image and at least three vertices.
func (p *Project) SaveROISet(img *models.ImageUnit, rois []models.ROIRecord) error {
	set := roiSetFile{Image: img.Filename, ROIs: make([]models.ROIRecord, len(rois))}
	for i, roi := range rois {
		// non-numeric bregma text is dropped, not rejected
		if _, err := strconv.ParseFloat(strings.TrimSpace(roi.Bregma), 64); err != nil {
			roi.Bregma = ""
		}
		set.ROIs[i] = roi
	}

	if err := p.validate.Struct(set); err != nil {
		return toValidationError(err)
	}

	if err := writeFileAtomic(img.ROIPath, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(set)
	}); err != nil {
		return models.PersistenceFailure(img.Filename, "", err)
	}

	img.ROIs = summarize(set.ROIs)
	return p.SyncROIDB()
}

// SaveOutlines replaces the image's outline set.
func (p *Project) SaveOutlines(img *models.ImageUnit, outlines []geometry.Polygon) error {
	set := outlineSetFile{Image: img.Filename, Outlines: outlines}
	if err := writeFileAtomic(img.OutlinePath, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(set)
	}); err != nil {
		return models.PersistenceFailure(img.Filename, "", err)
	}
	return nil
}

func (p *Project) LoadOutlines(img *models.ImageUnit) ([]geometry.Polygon, error) {
	data, err := os.ReadFile(img.OutlinePath)
	if err != nil {
		return nil, fmt.Errorf("read outline set: %w", err)
	}
	var set outlineSetFile
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("decode outline set: %w", err)
	}
	return set.Outlines, nil
}

func summarize(rois []models.ROIRecord) []models.ROISummary {
	out := make([]models.ROISummary, 0, len(rois))
	for _, roi := range rois {
		out = append(out, models.ROISummary{
			Name:   roi.Name,
			Bregma: orNA(roi.Bregma),
			Status: orDefault(roi.Status, "Pending"),
		})
	}
	return out
}

func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	var msg string
	switch fe.Tag() {
	case "unique":
		msg = "roi names must be unique within an image"
	case "notblank":
		msg = "every roi needs a name"
	case "min":
		msg = "roi boundary needs at least 3 vertices"
	default:
		msg = fmt.Sprintf("failed %q check", fe.Tag())
	}
	return models.NewValidationError(fe.Namespace(), fe.Value(), msg)
}
