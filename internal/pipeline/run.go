package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cell-quantifier/internal/checkpoint"
	"cell-quantifier/internal/geometry"
	"cell-quantifier/internal/imaging"
	"cell-quantifier/internal/logger"
	"cell-quantifier/internal/models"
	"cell-quantifier/internal/results"
)

// pass is the state of one execution over the selected images.
type pass struct {
	c        *Coordinator
	ctx      context.Context
	settings Settings
	token    *models.CancellationToken
	log      logger.Logger

	prior    map[*models.ImageUnit]models.Status
	rois     map[*models.ImageUnit][]models.ROIRecord
	loadErrs map[*models.ImageUnit]error

	records []models.RawMeasurement
	summary Summary
	started time.Time
}

func (p *pass) cancelled() bool {
	return p.token.IsCancelled() || p.ctx.Err() != nil
}

func (p *pass) run() (summary Summary, err error) {
	images := p.settings.Images

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("quantification aborted: %v", r)
			p.log.Error("Coordinator", "run aborted", err, nil)
			for _, img := range images {
				if img.Status() == models.StatusProcessing {
					p.finishImage(img, models.StatusFailed)
				}
			}
			p.summary.Message = err.Error()
			summary = p.finish()
		}
	}()

	for _, img := range images {
		prior := img.Status()
		if prior == models.StatusProcessing {
			// left over from an interrupted process
			prior = models.StatusInProgress
		}
		p.prior[img] = prior
		p.setStatus(img, models.StatusProcessing)
	}
	p.sync()

	total := p.loadROISets(images)
	p.summary.TotalROIs = total
	p.c.state.StartProcessing(p.settings.RunID, total)

	p.log.Info("Coordinator", "quantification started", map[string]interface{}{
		"images": len(images),
		"rois":   total,
	})
	p.publish(EventRunStarted, RunStarted{Images: len(images), TotalROIs: total})

	for _, img := range images {
		if p.cancelled() {
			p.summary.Cancelled = true
			break
		}
		p.processImage(img)
		if p.c.deps.Reclaimer != nil {
			p.c.deps.Reclaimer.Collect()
		}
	}

	// images never reached keep the status they had before the run
	for _, img := range images {
		if img.Status() == models.StatusProcessing {
			p.revert(img)
		}
	}

	p.summary.Records = p.records
	p.summary.Rows = results.Aggregate(p.records)
	if len(p.summary.Rows) > 0 {
		if appendErr := p.c.deps.Results.Append(p.summary.Rows); appendErr != nil {
			err = models.PersistenceFailure("", "", fmt.Errorf("results table: %w", appendErr))
			p.log.Error("Coordinator", "could not write results", appendErr, map[string]interface{}{
				"rows": len(p.summary.Rows),
			})
			// completed images have no rows in the table, so they are not done
			completed := p.summary.Completed
			p.summary.Completed = nil
			for _, name := range completed {
				for _, img := range images {
					if img.Filename == name {
						p.finishImage(img, models.StatusFailed)
					}
				}
			}
		}
	}

	if syncErr := p.c.deps.Project.SyncStatus(); syncErr != nil {
		p.log.Error("Coordinator", "could not persist image statuses", syncErr, nil)
		if err == nil {
			err = models.PersistenceFailure("", "", syncErr)
		}
	}

	switch {
	case err != nil:
		p.summary.Message = fmt.Sprintf("Quantification finished with errors: %v", err)
	case total == 0:
		p.summary.Message = "No ROIs to process."
	case p.summary.Cancelled:
		p.summary.Message = fmt.Sprintf("Quantification cancelled after %d of %d ROIs.", p.summary.ProcessedROIs, total)
	default:
		p.summary.Message = fmt.Sprintf("Quantification completed successfully for %d ROIs.", p.summary.ProcessedROIs)
	}

	return p.finish(), err
}

func (p *pass) finish() Summary {
	p.summary.Duration = time.Since(p.started)
	p.log.Info("Coordinator", p.summary.Message, map[string]interface{}{
		"processed": p.summary.ProcessedROIs,
		"failed":    p.summary.FailedROIs,
		"rows":      len(p.summary.Rows),
		"cancelled": p.summary.Cancelled,
		"duration":  p.summary.Duration.String(),
	})
	p.publish(EventRunFinished, p.summary)
	return p.summary
}

// loadROISets reads every selected image's ROI set once and returns the ROI total.
func (p *pass) loadROISets(images []*models.ImageUnit) int {
	total := 0
	for _, img := range images {
		if !p.c.deps.Project.HasROI(img) {
			continue
		}
		rois, err := p.c.deps.Project.LoadROIs(img)
		if err != nil {
			p.loadErrs[img] = err
			continue
		}
		p.rois[img] = rois
		total += len(rois)
	}
	return total
}

func (p *pass) processImage(img *models.ImageUnit) {
	fields := map[string]interface{}{"image": img.Filename}

	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Coordinator", "image aborted", fmt.Errorf("panic: %v", r), fields)
			p.finishImage(img, models.StatusFailed)
		}
	}()

	if err, bad := p.loadErrs[img]; bad {
		p.log.Error("Coordinator", "could not load roi set", err, fields)
		p.finishImage(img, models.StatusFailed)
		return
	}

	rois := p.rois[img]
	if len(rois) == 0 {
		p.log.Info("Coordinator", "no roi set, skipping image", fields)
		p.revert(img)
		return
	}

	src, err := p.c.deps.Codec.Read(img.SourcePath, imaging.SourceTag(img.Filename))
	if err != nil {
		p.log.Error("Coordinator", "could not open image", models.ExtractionFailure(img.Filename, "", err), fields)
		p.finishImage(img, models.StatusFailed)
		return
	}
	defer src.Release()

	var outlines []geometry.Polygon
	for i, roi := range rois {
		if p.cancelled() {
			p.summary.Cancelled = true
			p.log.Info("Coordinator", "cancelled, image left unfinished", fields)
			// rows for the finished ROIs are still written, so their outlines are too
			if len(outlines) > 0 {
				if err := p.c.deps.Project.SaveOutlines(img, outlines); err != nil {
					p.log.Warning("Coordinator", "could not save partial outlines", map[string]interface{}{
						"image": img.Filename,
						"error": models.PersistenceFailure(img.Filename, "", err).Error(),
					})
				}
			}
			p.revert(img)
			return
		}

		p.c.state.SetCurrent(img.Filename, roi.Name)
		record, found, err := p.processROI(src, img, roi, i)
		p.summary.ProcessedROIs++
		if err != nil {
			p.summary.FailedROIs++
			p.log.Error("Coordinator", "roi failed, continuing", err, map[string]interface{}{
				"image": img.Filename,
				"roi":   roi.Name,
				"index": i,
			})
			p.publish(EventROIFailed, ROIFailure{Image: img.Filename, ROI: roi.Name, Index: i, Err: err})
		} else {
			p.records = append(p.records, record)
			outlines = append(outlines, found...)
		}
		p.afterROI(img, roi, i)
	}

	if len(outlines) > 0 {
		if err := p.c.deps.Project.SaveOutlines(img, outlines); err != nil {
			p.log.Error("Coordinator", "could not save outlines", models.PersistenceFailure(img.Filename, "", err), fields)
			p.finishImage(img, models.StatusFailed)
			return
		}
	}
	p.finishImage(img, models.StatusCompleted)
}

// processROI crops, classifies and measures one ROI. The crop file never outlives the call.
func (p *pass) processROI(src models.Raster, img *models.ImageUnit, roi models.ROIRecord, index int) (record models.RawMeasurement, outlines []geometry.Polygon, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = models.AnalysisFailure(img.Filename, roi.Name, fmt.Errorf("panic: %v", r))
		}
	}()

	base := img.BaseName()
	crop, err := p.c.deps.Extractor.Extract(src, base, roi, index)
	if err != nil {
		return record, nil, err
	}
	defer func() {
		if rmErr := p.c.deps.Extractor.Remove(crop); rmErr != nil {
			p.log.Warning("Coordinator", "could not remove crop", map[string]interface{}{
				"path":  crop.Path,
				"error": rmErr.Error(),
			})
		}
	}()

	key := checkpoint.Key{ImageID: base, ROIName: roi.Name, Index: index}
	labels, branch, err := p.c.deps.Classifier.Classify(p.ctx, crop.Path, p.settings.Classifier, key)
	if err != nil {
		return record, nil, err
	}
	defer labels.Release()

	measured, err := p.c.deps.Analyzer.Analyze(labels, roi.Polygon, crop.Offset())
	if err != nil {
		var stageErr *models.StageError
		if !errors.As(err, &stageErr) {
			err = models.AnalysisFailure(img.Filename, roi.Name, err)
		}
		return record, nil, err
	}

	p.log.Debug("Coordinator", "roi quantified", map[string]interface{}{
		"image":  img.Filename,
		"roi":    roi.Name,
		"index":  index,
		"branch": branch.String(),
		"count":  measured.Count,
	})

	record = models.RawMeasurement{
		ImageID:         img.Filename,
		ROIName:         roi.Name,
		ROIArea:         roi.Area(),
		Position:        roi.Position(),
		ObjectCount:     measured.Count,
		TotalObjectArea: measured.TotalArea,
	}
	return record, measured.Outlines, nil
}

func (p *pass) afterROI(img *models.ImageUnit, roi models.ROIRecord, index int) {
	if p.c.deps.Reclaimer != nil {
		if n := p.c.deps.Reclaimer.CloseMatching(imaging.TransientTagPatterns); n > 0 {
			p.log.Debug("Coordinator", "closed leftover rasters", map[string]interface{}{"count": n})
		}
	}

	state := p.c.state.Advance()
	var eta time.Duration
	if state.EstimatedDuration > 0 {
		eta = state.EstimatedDuration - time.Since(state.StartTime)
		if eta < 0 {
			eta = 0
		}
	}
	p.publish(EventProgress, Progress{
		Image:    img.Filename,
		ROI:      roi.Name,
		Index:    index,
		Done:     state.Done,
		Total:    state.Total,
		Fraction: state.Progress,
		ETA:      eta,
	})
}

func (p *pass) setStatus(img *models.ImageUnit, to models.Status) {
	from := img.SetStatus(to)
	if from != to {
		p.publish(EventStatusChanged, StatusChange{Image: img.Filename, From: from, To: to})
	}
}

// finishImage records img's outcome, persists the status ledger and notifies observers.
func (p *pass) finishImage(img *models.ImageUnit, to models.Status) {
	p.setStatus(img, to)
	switch to {
	case models.StatusCompleted:
		p.summary.Completed = append(p.summary.Completed, img.Filename)
	case models.StatusFailed:
		p.summary.Failed = append(p.summary.Failed, img.Filename)
	}
	p.sync()
}

func (p *pass) revert(img *models.ImageUnit) {
	prior, ok := p.prior[img]
	if !ok {
		return
	}
	p.setStatus(img, prior)
	p.summary.Reverted = append(p.summary.Reverted, img.Filename)
	p.sync()
}

func (p *pass) sync() {
	if err := p.c.deps.Project.SyncStatus(); err != nil {
		p.log.Error("Coordinator", "could not persist image statuses", err, nil)
	}
}
