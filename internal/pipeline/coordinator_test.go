package pipeline

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cell-quantifier/internal/analysis"
	"cell-quantifier/internal/checkpoint"
	"cell-quantifier/internal/classify"
	"cell-quantifier/internal/classify/classifytest"
	"cell-quantifier/internal/events"
	"cell-quantifier/internal/extract"
	"cell-quantifier/internal/geometry"
	"cell-quantifier/internal/imaging"
	"cell-quantifier/internal/imaging/imagingtest"
	"cell-quantifier/internal/models"
	"cell-quantifier/internal/project"
	"cell-quantifier/internal/results"
)

type imageFile struct {
	name string
	rois []models.ROIRecord
}

func square(name, bregma string, x, y int) models.ROIRecord {
	return models.ROIRecord{
		Name:    name,
		Bregma:  bregma,
		Polygon: geometry.Rect(image.Rect(x, y, x+20, y+20)),
	}
}

// recorder collects events synchronously and can react to them.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
	onPub  func(events.Event)
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	hook := r.onPub
	r.mu.Unlock()
	if hook != nil {
		hook(e)
	}
}

func (r *recorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type countingReclaimer struct {
	sweeps   int
	collects int
}

func (c *countingReclaimer) CloseMatching(patterns []string) int {
	c.sweeps++
	return 0
}

func (c *countingReclaimer) Collect() { c.collects++ }

type failingSink struct{ err error }

func (f failingSink) Append([]models.AggregatedMeasurement) error { return f.err }

type fixture struct {
	proj      *project.Project
	backend   *imagingtest.Backend
	service   *classifytest.Service
	store     *checkpoint.MemoryStore
	table     *results.Table
	events    *recorder
	reclaimer *countingReclaimer
	deps      Deps
}

func newFixture(t *testing.T, files ...imageFile) *fixture {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "Images"), 0o755))

	backend := imagingtest.NewBackend()
	for _, file := range files {
		src := backend.NewRaster("fixture", 100, 100)
		require.NoError(t, backend.Write(src, filepath.Join(root, "Images", file.name)))
		src.Release()
	}

	proj, err := project.Open(root, nil)
	require.NoError(t, err)
	for _, file := range files {
		if file.rois == nil {
			continue
		}
		img, ok := proj.Image(file.name)
		require.True(t, ok)
		require.NoError(t, proj.SaveROISet(img, file.rois))
	}

	service := classifytest.New(backend)
	service.ObjectsFor = func(string) []imaging.Particle {
		return []imaging.Particle{imagingtest.Square(2, 2, 5)}
	}
	store := checkpoint.NewMemoryStore()
	t.Cleanup(store.Close)

	ex, err := extract.New(backend, proj.Paths.Temp, "tif")
	require.NoError(t, err)

	f := &fixture{
		proj:      proj,
		backend:   backend,
		service:   service,
		store:     store,
		table:     results.NewTable(proj.Paths.ResultsDB),
		events:    &recorder{},
		reclaimer: &countingReclaimer{},
	}
	f.deps = Deps{
		Project:    proj,
		Codec:      backend,
		Extractor:  ex,
		Classifier: classify.NewResumer(service, store, nil),
		Analyzer:   analysis.New(backend, analysis.DefaultPolicy(), nil),
		Results:    f.table,
		Reclaimer:  f.reclaimer,
		Publisher:  f.events,
	}
	return f
}

func (f *fixture) coordinator(t *testing.T) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(f.deps)
	require.NoError(t, err)
	return c
}

func (f *fixture) execute(t *testing.T, c *Coordinator, token *models.CancellationToken) (Summary, error) {
	t.Helper()
	return c.Execute(context.Background(), Settings{Images: f.proj.Images()}, token)
}

func (f *fixture) status(t *testing.T, name string) models.Status {
	t.Helper()
	img, ok := f.proj.Image(name)
	require.True(t, ok)
	return img.Status()
}

func twoImages() []imageFile {
	return []imageFile{
		{name: "1_a.tif", rois: []models.ROIRecord{square("CA1", "-1.5", 10, 10), square("CA3", "", 50, 50)}},
		{name: "2_b.tif", rois: []models.ROIRecord{square("DG", "2.25", 30, 30)}},
	}
}

func TestExecute_QuantifiesEveryROI(t *testing.T) {
	f := newFixture(t, twoImages()...)
	c := f.coordinator(t)

	summary, err := f.execute(t, c, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.TotalROIs)
	assert.Equal(t, 3, summary.ProcessedROIs)
	assert.Zero(t, summary.FailedROIs)
	assert.False(t, summary.Cancelled)
	assert.Equal(t, "Quantification completed successfully for 3 ROIs.", summary.Message)
	assert.ElementsMatch(t, []string{"1_a.tif", "2_b.tif"}, summary.Completed)
	assert.NotEmpty(t, summary.RunID)

	require.Len(t, summary.Rows, 3)
	first := summary.Rows[0]
	assert.Equal(t, "1_a.tif", first.ImageID)
	assert.Equal(t, "CA1", first.ROIName)
	assert.Equal(t, 400.0, first.ROIArea)
	assert.Equal(t, 1, first.ObjectCount)
	assert.Equal(t, 25.0, first.TotalObjectArea)
	assert.Equal(t, "-1.500", first.Position)
	assert.Equal(t, "0.000", summary.Rows[1].Position)

	rows, err := f.table.Read()
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	assert.Equal(t, models.StatusCompleted, f.status(t, "1_a.tif"))
	assert.Equal(t, models.StatusCompleted, f.status(t, "2_b.tif"))

	img, _ := f.proj.Image("1_a.tif")
	outlines, err := f.proj.LoadOutlines(img)
	require.NoError(t, err)
	require.Len(t, outlines, 2)
	// outlines are in whole-image coordinates: crop origin (10,10) plus (2,2)
	assert.Equal(t, image.Rect(12, 12, 17, 17), outlines[0].Bounds())

	assert.Equal(t, 3, f.reclaimer.sweeps)
	assert.Equal(t, 2, f.reclaimer.collects)
	assert.Len(t, f.events.ofType(EventProgress), 3)
	assert.Len(t, f.events.ofType(EventRunFinished), 1)
	assert.False(t, c.State().IsActive)
}

func TestExecute_PersistsStatusLedger(t *testing.T) {
	f := newFixture(t, twoImages()...)
	_, err := f.execute(t, f.coordinator(t), nil)
	require.NoError(t, err)

	reopened, err := project.Open(f.proj.Paths.Root, nil)
	require.NoError(t, err)
	img, ok := reopened.Image("2_b.tif")
	require.True(t, ok)
	assert.Equal(t, models.StatusCompleted, img.Status())
}

func TestExecute_RemovesCropsAndReleasesRasters(t *testing.T) {
	f := newFixture(t, twoImages()...)
	_, err := f.execute(t, f.coordinator(t), nil)
	require.NoError(t, err)

	entries, err := os.ReadDir(f.proj.Paths.Temp)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// only the stored checkpoint rasters are left
	f.store.Close()
	assert.Empty(t, f.backend.Live())
}

func TestExecute_SecondRunSkipsClassification(t *testing.T) {
	f := newFixture(t, twoImages()...)
	c := f.coordinator(t)

	first, err := f.execute(t, c, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, f.service.PixelCalls())

	f.service.Reset()
	second, err := f.execute(t, c, nil)
	require.NoError(t, err)

	assert.Zero(t, f.service.PixelCalls())
	assert.Zero(t, f.service.ObjectCalls())
	assert.Equal(t, first.Rows, second.Rows)

	rows, err := f.table.Read()
	require.NoError(t, err)
	assert.Len(t, rows, 6)
}

func TestExecute_ResumesFromProbabilityMap(t *testing.T) {
	f := newFixture(t, twoImages()...)
	c := f.coordinator(t)

	f.service.ObjectErr = func(path string) error {
		if strings.Contains(path, "CA3") {
			return errors.New("object stage crashed")
		}
		return nil
	}
	summary, err := f.execute(t, c, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.FailedROIs)
	assert.Len(t, summary.Rows, 2)

	f.service.ObjectErr = nil
	f.service.Reset()
	summary, err = f.execute(t, c, nil)
	require.NoError(t, err)

	assert.Zero(t, f.service.PixelCalls())
	assert.Equal(t, 1, f.service.ObjectCalls())
	assert.Len(t, summary.Rows, 3)
}

func TestExecute_ROIFailureDoesNotStopBatch(t *testing.T) {
	f := newFixture(t, twoImages()...)
	f.service.PixelErr = func(path string) error {
		if strings.Contains(path, "CA1") {
			return errors.New("ilastik exited 1")
		}
		return nil
	}

	summary, err := f.execute(t, f.coordinator(t), nil)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.ProcessedROIs)
	assert.Equal(t, 1, summary.FailedROIs)
	assert.Len(t, summary.Records, 2)
	assert.Equal(t, models.StatusCompleted, f.status(t, "1_a.tif"))

	failures := f.events.ofType(EventROIFailed)
	require.Len(t, failures, 1)
	failure := failures[0].Payload.(ROIFailure)
	assert.Equal(t, "CA1", failure.ROI)
	assert.ErrorIs(t, failure.Err, models.ErrClassification)

	// a failed ROI still advances progress
	assert.Len(t, f.events.ofType(EventProgress), 3)
}

func TestExecute_AnalysisErrorsAreTyped(t *testing.T) {
	f := newFixture(t, twoImages()...)
	f.backend.FailOn("particles", errors.New("labeling failed"))

	summary, err := f.execute(t, f.coordinator(t), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.FailedROIs)
	assert.Empty(t, summary.Rows)

	for _, e := range f.events.ofType(EventROIFailed) {
		assert.ErrorIs(t, e.Payload.(ROIFailure).Err, models.ErrAnalysis)
	}
}

func TestExecute_CancelMidImageRevertsRemainingImages(t *testing.T) {
	files := append(twoImages(), imageFile{name: "3_c.tif", rois: []models.ROIRecord{square("CA1", "", 0, 0)}})
	f := newFixture(t, files...)
	c, _ := f.proj.Image("3_c.tif")
	c.SetStatus(models.StatusReadyToQuantify)

	token := models.NewCancellationToken()
	f.events.onPub = func(e events.Event) {
		if p, ok := e.Payload.(Progress); ok && p.Done == 1 {
			token.Cancel()
		}
	}

	summary, err := f.execute(t, f.coordinator(t), token)
	require.NoError(t, err)

	assert.True(t, summary.Cancelled)
	assert.Equal(t, 1, summary.ProcessedROIs)
	assert.Len(t, summary.Records, 1)
	assert.Equal(t, "Quantification cancelled after 1 of 4 ROIs.", summary.Message)

	rows, err := f.table.Read()
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	// the interrupted image and the unstarted ones keep their pre-run status
	assert.Equal(t, models.StatusInProgress, f.status(t, "1_a.tif"))
	assert.Equal(t, models.StatusInProgress, f.status(t, "2_b.tif"))
	assert.Equal(t, models.StatusReadyToQuantify, f.status(t, "3_c.tif"))
	assert.Empty(t, summary.Completed)

	// outlines of the finished ROI are kept next to its row
	img, _ := f.proj.Image("1_a.tif")
	require.True(t, f.proj.HasOutlines(img))
	saved, err := f.proj.LoadOutlines(img)
	require.NoError(t, err)
	assert.NotEmpty(t, saved)

	b, _ := f.proj.Image("2_b.tif")
	assert.False(t, f.proj.HasOutlines(b))
}

func TestExecute_CancelBetweenImages(t *testing.T) {
	f := newFixture(t, twoImages()...)
	token := models.NewCancellationToken()
	f.events.onPub = func(e events.Event) {
		if p, ok := e.Payload.(Progress); ok && p.Done == 2 {
			token.Cancel()
		}
	}

	summary, err := f.execute(t, f.coordinator(t), token)
	require.NoError(t, err)

	assert.True(t, summary.Cancelled)
	assert.Len(t, summary.Records, 2)
	assert.Equal(t, models.StatusCompleted, f.status(t, "1_a.tif"))
	assert.Equal(t, models.StatusInProgress, f.status(t, "2_b.tif"))
}

func TestExecute_CancelledContextProcessesNothing(t *testing.T) {
	f := newFixture(t, twoImages()...)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := f.coordinator(t).Execute(ctx, Settings{Images: f.proj.Images()}, nil)
	require.NoError(t, err)
	assert.True(t, summary.Cancelled)
	assert.Zero(t, summary.ProcessedROIs)
	assert.Zero(t, f.service.PixelCalls())
	assert.Equal(t, models.StatusInProgress, f.status(t, "1_a.tif"))
}

func TestExecute_NoROIs(t *testing.T) {
	f := newFixture(t, imageFile{name: "1_a.tif"})

	summary, err := f.execute(t, f.coordinator(t), nil)
	require.NoError(t, err)

	assert.Equal(t, "No ROIs to process.", summary.Message)
	assert.Empty(t, summary.Rows)
	assert.Equal(t, []string{"1_a.tif"}, summary.Reverted)
	assert.Equal(t, models.StatusInProgress, f.status(t, "1_a.tif"))

	rows, err := f.table.Read()
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestExecute_SkipsImagesWithoutROISet(t *testing.T) {
	files := append(twoImages(), imageFile{name: "3_c.tif"})
	f := newFixture(t, files...)

	summary, err := f.execute(t, f.coordinator(t), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.TotalROIs)
	assert.Equal(t, models.StatusInProgress, f.status(t, "3_c.tif"))
	assert.Equal(t, models.StatusCompleted, f.status(t, "2_b.tif"))
}

func TestExecute_UnreadableImageFails(t *testing.T) {
	f := newFixture(t, twoImages()...)
	img, _ := f.proj.Image("1_a.tif")
	require.NoError(t, os.WriteFile(img.SourcePath, []byte("not an image"), 0o644))

	summary, err := f.execute(t, f.coordinator(t), nil)
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, f.status(t, "1_a.tif"))
	assert.Equal(t, models.StatusCompleted, f.status(t, "2_b.tif"))
	assert.Equal(t, []string{"1_a.tif"}, summary.Failed)
	assert.Len(t, summary.Rows, 1)
}

func TestExecute_ResultsWriteFailure(t *testing.T) {
	f := newFixture(t, twoImages()...)
	f.deps.Results = failingSink{err: errors.New("disk full")}

	summary, err := f.execute(t, f.coordinator(t), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrPersistence)

	assert.Len(t, summary.Rows, 3)
	assert.Empty(t, summary.Completed)
	assert.Equal(t, models.StatusFailed, f.status(t, "1_a.tif"))
	assert.Equal(t, models.StatusFailed, f.status(t, "2_b.tif"))

	// outline sets written during the run stay
	img, _ := f.proj.Image("1_a.tif")
	assert.True(t, f.proj.HasOutlines(img))
}

func TestStart_RejectsConcurrentRun(t *testing.T) {
	f := newFixture(t, twoImages()...)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.events.onPub = func(e events.Event) {
		if e.Type == EventRunStarted {
			once.Do(func() {
				close(started)
				<-release
			})
		}
	}
	c := f.coordinator(t)

	run, err := c.Start(context.Background(), Settings{RunID: "run-1", Images: f.proj.Images()})
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.ID())
	<-started

	_, err = c.Start(context.Background(), Settings{Images: f.proj.Images()})
	assert.ErrorIs(t, err, ErrRunInProgress)
	_, err = c.Execute(context.Background(), Settings{Images: f.proj.Images()}, nil)
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(release)
	summary, err := run.Wait()
	require.NoError(t, err)
	assert.Equal(t, "run-1", summary.RunID)
	assert.Equal(t, 3, summary.ProcessedROIs)

	again, err := c.Start(context.Background(), Settings{Images: f.proj.Images()})
	require.NoError(t, err)
	<-again.Done()
}

func TestStart_CancelStopsRun(t *testing.T) {
	f := newFixture(t, twoImages()...)
	c := f.coordinator(t)

	var run *Run
	ready := make(chan struct{})
	f.events.onPub = func(e events.Event) {
		if p, ok := e.Payload.(Progress); ok && p.Done == 1 {
			<-ready
			run.Cancel()
		}
	}

	var err error
	run, err = c.Start(context.Background(), Settings{Images: f.proj.Images()})
	require.NoError(t, err)
	close(ready)

	summary, err := run.Wait()
	require.NoError(t, err)
	assert.True(t, summary.Cancelled)
	assert.Len(t, summary.Records, 1)
	assert.True(t, c.State().Cancelled)
}

func TestNewCoordinator_RequiresDeps(t *testing.T) {
	_, err := NewCoordinator(Deps{})
	assert.Error(t, err)

	f := newFixture(t)
	deps := f.deps
	deps.Results = nil
	_, err = NewCoordinator(deps)
	assert.Error(t, err)
}
