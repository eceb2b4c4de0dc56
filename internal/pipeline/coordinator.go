// Package pipeline runs quantification over a batch of images: crop each ROI,
// classify it through the resumer, measure it, and aggregate the results.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"cell-quantifier/internal/events"
	"cell-quantifier/internal/logger"
	"cell-quantifier/internal/models"
)

var ErrRunInProgress = errors.New("a quantification run is already in progress")

type Coordinator struct {
	deps  Deps
	state *models.ProcessingStateRepository
	log   logger.Logger
	busy  atomic.Bool
}

func NewCoordinator(deps Deps) (*Coordinator, error) {
	switch {
	case deps.Project == nil:
		return nil, fmt.Errorf("pipeline: project is required")
	case deps.Codec == nil:
		return nil, fmt.Errorf("pipeline: codec is required")
	case deps.Extractor == nil:
		return nil, fmt.Errorf("pipeline: extractor is required")
	case deps.Classifier == nil:
		return nil, fmt.Errorf("pipeline: classifier is required")
	case deps.Analyzer == nil:
		return nil, fmt.Errorf("pipeline: analyzer is required")
	case deps.Results == nil:
		return nil, fmt.Errorf("pipeline: result sink is required")
	}
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}

	return &Coordinator{
		deps:  deps,
		state: models.NewProcessingStateRepository(),
		log:   deps.Log,
	}, nil
}

// State is a snapshot of the active or last run.
func (c *Coordinator) State() models.ProcessingState {
	return c.state.GetState()
}

// Run is a handle on a background run started with Start.
type Run struct {
	id      string
	token   *models.CancellationToken
	done    chan struct{}
	summary Summary
	err     error
}

func (r *Run) ID() string {
	return r.id
}

// Cancel asks the run to stop before its next ROI. The ROI in flight finishes.
func (r *Run) Cancel() {
	r.token.Cancel()
}

func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run has finished.
func (r *Run) Wait() (Summary, error) {
	<-r.done
	return r.summary, r.err
}

// Start launches a run on one background goroutine and returns immediately.
func (c *Coordinator) Start(ctx context.Context, settings Settings) (*Run, error) {
	if !c.busy.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	if settings.RunID == "" {
		settings.RunID = uuid.NewString()
	}

	run := &Run{
		id:    settings.RunID,
		token: models.NewCancellationToken(),
		done:  make(chan struct{}),
	}

	go func() {
		defer close(run.done)
		defer c.busy.Store(false)
		run.summary, run.err = c.execute(ctx, settings, run.token)
	}()

	return run, nil
}

// Execute runs synchronously on the calling goroutine. token may be nil.
func (c *Coordinator) Execute(ctx context.Context, settings Settings, token *models.CancellationToken) (Summary, error) {
	if !c.busy.CompareAndSwap(false, true) {
		return Summary{}, ErrRunInProgress
	}
	defer c.busy.Store(false)

	if settings.RunID == "" {
		settings.RunID = uuid.NewString()
	}
	if token == nil {
		token = models.NewCancellationToken()
	}
	return c.execute(ctx, settings, token)
}

func (c *Coordinator) execute(ctx context.Context, settings Settings, token *models.CancellationToken) (Summary, error) {
	settings.Images = distinct(settings.Images)
	p := &pass{
		c:        c,
		ctx:      ctx,
		settings: settings,
		token:    token,
		log:      c.log.With(map[string]interface{}{"run_id": settings.RunID}),
		prior:    make(map[*models.ImageUnit]models.Status, len(settings.Images)),
		rois:     make(map[*models.ImageUnit][]models.ROIRecord, len(settings.Images)),
		loadErrs: make(map[*models.ImageUnit]error),
		started:  time.Now(),
	}
	p.summary.RunID = settings.RunID

	defer func() {
		c.state.CompleteProcessing(p.summary.Cancelled)
	}()

	return p.run()
}

func (p *pass) publish(t events.Type, payload interface{}) {
	if p.c.deps.Publisher == nil {
		return
	}
	p.c.deps.Publisher.Publish(events.Event{
		Type:      t,
		Timestamp: time.Now(),
		RunID:     p.settings.RunID,
		Payload:   payload,
	})
}

func distinct(images []*models.ImageUnit) []*models.ImageUnit {
	seen := make(map[*models.ImageUnit]bool, len(images))
	out := make([]*models.ImageUnit, 0, len(images))
	for _, img := range images {
		if img == nil || seen[img] {
			continue
		}
		seen[img] = true
		out = append(out, img)
	}
	return out
}
