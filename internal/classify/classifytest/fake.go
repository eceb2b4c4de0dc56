// Package classifytest provides a scripted classify.Service.
package classifytest

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"cell-quantifier/internal/classify"
	"cell-quantifier/internal/imaging"
	"cell-quantifier/internal/imaging/imagingtest"
	"cell-quantifier/internal/models"
)

// Service produces fake rasters from an imagingtest.Backend.
type Service struct {
	Backend *imagingtest.Backend

	// ObjectsFor picks the particles of the object map by crop path.
	ObjectsFor func(cropPath string) []imaging.Particle
	// PixelErr and ObjectErr, when set, fail the stage for matching crop paths.
	PixelErr  func(cropPath string) error
	ObjectErr func(cropPath string) error
	// EchoInput makes the object stage hand back its probability input.
	EchoInput bool

	mu          sync.Mutex
	pixelCalls  []string
	objectCalls []string
	probPaths   []string
}

func New(backend *imagingtest.Backend) *Service {
	return &Service{Backend: backend}
}

func (s *Service) RunPixelClassification(_ context.Context, _ classify.Config, inputPath string) (models.Raster, error) {
	s.mu.Lock()
	s.pixelCalls = append(s.pixelCalls, inputPath)
	s.mu.Unlock()

	if s.PixelErr != nil {
		if err := s.PixelErr(inputPath); err != nil {
			return nil, err
		}
	}
	return s.Backend.NewRaster(stem(inputPath)+"_probabilities", 32, 32), nil
}

func (s *Service) RunObjectClassification(_ context.Context, _ classify.Config, rawInputPath string, prob classify.Input) (models.Raster, error) {
	s.mu.Lock()
	s.objectCalls = append(s.objectCalls, rawInputPath)
	s.probPaths = append(s.probPaths, prob.Path)
	s.mu.Unlock()

	if s.ObjectErr != nil {
		if err := s.ObjectErr(rawInputPath); err != nil {
			return nil, err
		}
	}
	if s.EchoInput {
		prob.Raster.AddRef()
		return prob.Raster, nil
	}

	var particles []imaging.Particle
	if s.ObjectsFor != nil {
		particles = s.ObjectsFor(rawInputPath)
	}
	return s.Backend.NewRaster(stem(rawInputPath)+"_objects", 32, 32, particles...), nil
}

func (s *Service) PixelCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pixelCalls)
}

func (s *Service) ObjectCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objectCalls)
}

// ProbPaths lists the probability map paths handed to the object stage.
func (s *Service) ProbPaths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.probPaths...)
}

// Reset clears the call log.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pixelCalls, s.objectCalls, s.probPaths = nil, nil, nil
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(strings.TrimSuffix(base, filepath.Ext(base)), "_cropped")
}

var _ classify.Service = (*Service)(nil)
