package classify

import (
	"context"
	"errors"
	"fmt"

	"cell-quantifier/internal/checkpoint"
	"cell-quantifier/internal/logger"
	"cell-quantifier/internal/models"
)

// Branch is the resume path Classify took.
type Branch int

const (
	BranchObjectsCached Branch = iota + 1
	BranchFromProbabilities
	BranchFull
)

func (b Branch) String() string {
	switch b {
	case BranchObjectsCached:
		return "objects-cached"
	case BranchFromProbabilities:
		return "from-probabilities"
	case BranchFull:
		return "full"
	default:
		return "unknown"
	}
}

var (
	errNoOutput   = errors.New("classifier produced no output")
	errEchoOutput = errors.New("classifier returned its own input")
)

// Resumer turns a crop into an object label raster, skipping every stage
// whose artifact is already in the store.
type Resumer struct {
	service Service
	store   checkpoint.Store
	log     logger.Logger
}

func NewResumer(service Service, store checkpoint.Store, log logger.Logger) *Resumer {
	if log == nil {
		log = logger.Nop()
	}
	return &Resumer{service: service, store: store, log: log}
}

// Classify returns the object label raster for key; the caller must Release it.
// On success the objects artifact exists in the store.
func (r *Resumer) Classify(ctx context.Context, cropPath string, cfg Config, key checkpoint.Key) (models.Raster, Branch, error) {
	fields := map[string]interface{}{
		"image": key.ImageID,
		"roi":   key.ROIName,
		"index": key.Index,
	}

	if r.store.Has(key, checkpoint.Objects) {
		fields["artifact"] = r.store.Location(key, checkpoint.Objects)
		r.log.Info("Resumer", "found existing object map, skipping classification", fields)

		objects, err := r.store.Load(key, checkpoint.Objects)
		if err != nil {
			return nil, BranchObjectsCached, models.PersistenceFailure(key.ImageID, key.ROIName, err)
		}
		if objects == nil || objects.Empty() {
			release(objects)
			return nil, BranchObjectsCached, models.ClassificationFailure(key.ImageID, key.ROIName,
				fmt.Errorf("stored object map is empty"))
		}
		return objects, BranchObjectsCached, nil
	}

	var (
		probs  models.Raster
		branch Branch
		err    error
	)

	if r.store.Has(key, checkpoint.Probabilities) {
		branch = BranchFromProbabilities
		fields["artifact"] = r.store.Location(key, checkpoint.Probabilities)
		r.log.Info("Resumer", "found existing probability map, running object classification only", fields)

		probs, err = r.store.Load(key, checkpoint.Probabilities)
		if err != nil {
			return nil, branch, models.PersistenceFailure(key.ImageID, key.ROIName, err)
		}
		if probs == nil || probs.Empty() {
			release(probs)
			return nil, branch, models.ClassificationFailure(key.ImageID, key.ROIName,
				fmt.Errorf("stored probability map is empty"))
		}
	} else {
		branch = BranchFull
		r.log.Info("Resumer", "running pixel and object classification", fields)

		probs, err = r.service.RunPixelClassification(ctx, cfg, cropPath)
		if err != nil {
			release(probs)
			return nil, branch, models.ClassificationFailure(key.ImageID, key.ROIName, fmt.Errorf("pixel stage: %w", err))
		}
		if probs == nil || probs.Empty() {
			release(probs)
			return nil, branch, models.ClassificationFailure(key.ImageID, key.ROIName, fmt.Errorf("pixel stage: %w", errNoOutput))
		}
		if err := r.store.Save(key, checkpoint.Probabilities, probs); err != nil {
			probs.Release()
			return nil, branch, models.PersistenceFailure(key.ImageID, key.ROIName, err)
		}
	}
	defer probs.Release()

	input := Input{Raster: probs}
	if l, ok := r.store.(checkpoint.Locator); ok {
		input.Path = l.Path(key, checkpoint.Probabilities)
	}

	objects, err := r.service.RunObjectClassification(ctx, cfg, cropPath, input)
	if err != nil {
		release(objects)
		return nil, branch, models.ClassificationFailure(key.ImageID, key.ROIName, fmt.Errorf("object stage: %w", err))
	}
	if objects == nil || objects.Empty() {
		release(objects)
		return nil, branch, models.ClassificationFailure(key.ImageID, key.ROIName, fmt.Errorf("object stage: %w", errNoOutput))
	}
	if objects.ID() == probs.ID() {
		objects.Release()
		return nil, branch, models.ClassificationFailure(key.ImageID, key.ROIName, fmt.Errorf("object stage: %w", errEchoOutput))
	}

	if err := r.store.Save(key, checkpoint.Objects, objects); err != nil {
		objects.Release()
		return nil, branch, models.PersistenceFailure(key.ImageID, key.ROIName, err)
	}

	return objects, branch, nil
}

func release(r models.Raster) {
	if r != nil {
		r.Release()
	}
}
