// Package analysis measures the objects inside one ROI of a label raster.
package analysis

import (
	"fmt"
	"image"
	"math"

	"gonum.org/v1/gonum/floats"

	"cell-quantifier/internal/geometry"
	"cell-quantifier/internal/imaging"
	"cell-quantifier/internal/logger"
	"cell-quantifier/internal/models"
)

const DefaultMinSize = 20.0

// Policy filters measured particles.
type Policy struct {
	MinSize float64
	// MaxSize of zero means unbounded.
	MaxSize      float64
	ExcludeEdges bool
}

func DefaultPolicy() Policy {
	return Policy{MinSize: DefaultMinSize, ExcludeEdges: true}
}

func (p Policy) keeps(particle imaging.Particle, frame image.Rectangle) bool {
	if particle.Area < p.MinSize {
		return false
	}
	if p.MaxSize > 0 && particle.Area > p.MaxSize {
		return false
	}
	if p.ExcludeEdges && touchesEdge(particle.Bounds, frame) {
		return false
	}
	return true
}

func touchesEdge(b, frame image.Rectangle) bool {
	return b.Min.X <= frame.Min.X || b.Min.Y <= frame.Min.Y ||
		b.Max.X >= frame.Max.X || b.Max.Y >= frame.Max.Y
}

type Analyzer struct {
	backend imaging.Backend
	policy  Policy
	log     logger.Logger
}

func New(backend imaging.Backend, policy Policy, log logger.Logger) *Analyzer {
	if log == nil {
		log = logger.Nop()
	}
	return &Analyzer{backend: backend, policy: policy, log: log}
}

// Analyze masks labels to roi, separates touching objects and measures them.
// roi is in whole-image coordinates and labels covers its bounding box, so
// offset is normally the crop origin. Outlines come back in whole-image coordinates.
func (a *Analyzer) Analyze(labels models.Raster, roi geometry.Polygon, offset image.Point) (result models.RegionAnalysis, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("analysis panicked: %v", r)
		}
	}()

	if labels == nil || labels.Empty() {
		return models.RegionAnalysis{}, fmt.Errorf("label raster is empty")
	}
	if !roi.Valid() {
		return models.RegionAnalysis{}, fmt.Errorf("roi has %d vertices", len(roi))
	}

	local := roi.Translate(-float64(offset.X), -float64(offset.Y))

	masked, err := a.backend.Mask(labels, local, labels.Tag()+"_mask")
	if err != nil {
		return models.RegionAnalysis{}, fmt.Errorf("mask: %w", err)
	}
	defer masked.Release()

	binary, err := a.backend.Binarize(masked, labels.Tag()+"_mask_binary")
	if err != nil {
		return models.RegionAnalysis{}, fmt.Errorf("binarize: %w", err)
	}
	defer binary.Release()

	split, err := a.backend.Watershed(binary, labels.Tag()+"_mask_watershed")
	if err != nil {
		return models.RegionAnalysis{}, fmt.Errorf("watershed: %w", err)
	}
	defer split.Release()

	particles, err := a.backend.Particles(split)
	if err != nil {
		return models.RegionAnalysis{}, fmt.Errorf("particles: %w", err)
	}

	frame := image.Rect(0, 0, split.Cols(), split.Rows())
	areas := make([]float64, 0, len(particles))
	outlines := make([]geometry.Polygon, 0, len(particles))
	for _, particle := range particles {
		if !a.policy.keeps(particle, frame) {
			continue
		}
		areas = append(areas, particle.Area)
		outlines = append(outlines, particle.Outline.Translate(float64(offset.X), float64(offset.Y)))
	}

	total := 0.0
	if len(areas) > 0 {
		total = floats.Sum(areas)
	}

	a.log.Debug("Analyzer", "region measured", map[string]interface{}{
		"tag":       labels.Tag(),
		"particles": len(particles),
		"kept":      len(outlines),
		"area":      math.Round(total*100) / 100,
	})

	return models.RegionAnalysis{
		Count:     len(outlines),
		TotalArea: total,
		Outlines:  outlines,
	}, nil
}
