package classify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cell-quantifier/internal/imaging"
	"cell-quantifier/internal/logger"
	"cell-quantifier/internal/models"
)

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// ExecService runs ilastik in headless mode, one stage per process.
type ExecService struct {
	executable string
	scratchDir string
	codec      imaging.Codec
	timeout    time.Duration
	run        Runner
	log        logger.Logger

	// one classifier process at a time
	mu sync.Mutex
}

type ExecOption func(*ExecService)

func WithRunner(r Runner) ExecOption {
	return func(s *ExecService) { s.run = r }
}

func WithTimeout(d time.Duration) ExecOption {
	return func(s *ExecService) { s.timeout = d }
}

func NewExecService(executable, scratchDir string, codec imaging.Codec, log logger.Logger, opts ...ExecOption) *ExecService {
	if log == nil {
		log = logger.Nop()
	}
	s := &ExecService{
		executable: executable,
		scratchDir: scratchDir,
		codec:      codec,
		run:        execRunner,
		log:        log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ExecService) RunPixelClassification(ctx context.Context, cfg Config, inputPath string) (models.Raster, error) {
	if cfg.PixelProject == "" {
		return nil, errors.New("pixel classifier project not set")
	}
	stem := stemOf(inputPath)
	out := filepath.Join(s.scratchDir, stem+"_pixel_out.tif")

	args := []string{
		"--headless",
		"--project=" + cfg.PixelProject,
		"--export_source=Probabilities",
		"--output_format=tiff",
		"--output_filename_format=" + out,
		inputPath,
	}

	return s.invoke(ctx, "pixel", args, out, strings.TrimSuffix(stem, "_cropped")+"_probabilities")
}

func (s *ExecService) RunObjectClassification(ctx context.Context, cfg Config, rawInputPath string, prob Input) (models.Raster, error) {
	if cfg.ObjectProject == "" {
		return nil, errors.New("object classifier project not set")
	}
	stem := stemOf(rawInputPath)

	probPath := prob.Path
	if probPath == "" {
		if prob.Raster == nil {
			return nil, errors.New("object classification needs a probability map")
		}
		probPath = filepath.Join(s.scratchDir, stem+"_prob_in.tif")
		if err := s.codec.Write(prob.Raster, probPath); err != nil {
			return nil, fmt.Errorf("stage probability map: %w", err)
		}
		defer os.Remove(probPath)
	}

	out := filepath.Join(s.scratchDir, stem+"_object_out.tif")
	args := []string{
		"--headless",
		"--project=" + cfg.ObjectProject,
		"--raw_data=" + rawInputPath,
		"--prediction_maps=" + probPath,
		"--export_source=Object Predictions",
		"--output_format=tiff",
		"--output_filename_format=" + out,
	}

	return s.invoke(ctx, "object", args, out, strings.TrimSuffix(stem, "_cropped")+"_objects")
}

func (s *ExecService) invoke(ctx context.Context, stage string, args []string, out, tag string) (models.Raster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	_ = os.Remove(out)
	defer os.Remove(out)

	start := time.Now()
	output, err := s.run(ctx, s.executable, args...)
	if err != nil {
		return nil, fmt.Errorf("%s classification: %w: %s", stage, err, tail(output))
	}

	s.log.Debug("ExecService", "classifier finished", map[string]interface{}{
		"stage":    stage,
		"duration": time.Since(start).String(),
	})

	if info, err := os.Stat(out); err != nil || info.Size() == 0 {
		return nil, fmt.Errorf("%s classification wrote no output", stage)
	}

	return s.codec.Read(out, tag)
}

func stemOf(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// tail keeps the last lines of classifier output for error messages.
func tail(output []byte) string {
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, " | ")
}
