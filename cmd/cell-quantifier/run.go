package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"cell-quantifier/internal/analysis"
	"cell-quantifier/internal/checkpoint"
	"cell-quantifier/internal/classify"
	"cell-quantifier/internal/events"
	"cell-quantifier/internal/extract"
	"cell-quantifier/internal/models"
	"cell-quantifier/internal/opencv/memory"
	"cell-quantifier/internal/opencv/ops"
	"cell-quantifier/internal/pipeline"
	"cell-quantifier/internal/project"
	"cell-quantifier/internal/results"
	"cell-quantifier/internal/shutdown"
)

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	images := fs.String("images", "", "comma-separated image filenames (default: all images)")
	readyOnly := fs.Bool("ready-only", false, "only images marked Ready to Quantify")

	env, err := setup(fs, args)
	if err != nil {
		return err
	}
	cfg, log, proj := env.cfg, env.log, env.proj

	selected, err := selectImages(env, *images, *readyOnly)
	if err != nil {
		return err
	}
	if len(selected) == 0 {
		fmt.Println("No images selected.")
		return nil
	}

	classifiers, err := resolveClassifiers(env)
	if err != nil {
		return err
	}

	mem := memory.NewManager(log)
	defer mem.Cleanup()

	backend := ops.NewBackend(mem, log, ops.Options{WatershedFraction: cfg.WatershedFraction})
	store, err := checkpoint.NewFileStore(proj.Paths.Probabilities, cfg.ArtifactExt, backend)
	if err != nil {
		return err
	}
	extractor, err := extract.New(backend, proj.Paths.Temp, cfg.ArtifactExt)
	if err != nil {
		return err
	}

	service := classify.NewExecService(cfg.IlastikPath, proj.Paths.Temp, backend, log,
		classify.WithTimeout(time.Duration(cfg.ClassifierTimeoutSeconds)*time.Second))
	analyzer := analysis.New(backend, analysis.Policy{
		MinSize:      cfg.MinParticleSize,
		ExcludeEdges: cfg.ExcludeEdges,
	}, log)

	bus := events.NewBus(cfg.EventBuffer, log)
	printer := newProgressPrinter(os.Stdout, rate.NewLimiter(rate.Every(500*time.Millisecond), 1))
	bus.Subscribe(events.Wildcard, events.HandlerFunc("cli-progress", printer.handle))

	coordinator, err := pipeline.NewCoordinator(pipeline.Deps{
		Project:    proj,
		Codec:      backend,
		Extractor:  extractor,
		Classifier: classify.NewResumer(service, store, log),
		Analyzer:   analyzer,
		Results:    results.NewTable(proj.Paths.ResultsDB),
		Reclaimer:  mem,
		Publisher:  bus,
		Log:        log,
	})
	if err != nil {
		return err
	}

	stopper := shutdown.NewManager(log, 0)
	stopper.Register(bus)
	stopper.Listen()
	defer stopper.Shutdown()

	g, ctx := errgroup.WithContext(stopper.Context())
	run, err := coordinator.Start(ctx, pipeline.Settings{
		Images:     selected,
		Classifier: classifiers,
	})
	if err != nil {
		return err
	}
	stopper.OnInterrupt(run.Cancel)

	log.Info("CLI", "run started", map[string]interface{}{
		"run_id": run.ID(),
		"images": len(selected),
	})

	var summary pipeline.Summary
	g.Go(func() error {
		var runErr error
		summary, runErr = run.Wait()
		return runErr
	})
	g.Go(func() error {
		// wait for the printer to see the final event, then drain the bus
		select {
		case <-printer.finished:
		case <-run.Done():
			select {
			case <-printer.finished:
			case <-time.After(2 * time.Second):
			}
		}
		bus.Shutdown()
		return nil
	})

	err = g.Wait()
	printer.summarize(summary)
	return err
}

// selectImages applies -images and -ready-only on top of the project order.
func selectImages(env *environment, names string, readyOnly bool) ([]*models.ImageUnit, error) {
	var selected []*models.ImageUnit
	if strings.TrimSpace(names) == "" {
		selected = env.proj.Images()
	} else {
		var list []string
		for _, name := range strings.Split(names, ",") {
			if name = strings.TrimSpace(name); name != "" {
				list = append(list, name)
			}
		}
		var err error
		if selected, err = env.proj.Select(list); err != nil {
			return nil, err
		}
	}

	if !readyOnly {
		return selected, nil
	}
	return project.Ready(selected), nil
}

func resolveClassifiers(env *environment) (classify.Config, error) {
	projects, err := classify.DiscoverProjects(env.cfg.ModelsDir)
	if err != nil {
		env.log.Warning("CLI", "models directory unavailable, classifiers must be .ilp paths", map[string]interface{}{
			"models_dir": env.cfg.ModelsDir,
			"error":      err.Error(),
		})
	}

	pixel, err := classify.ResolveProject(env.cfg.PixelClassifier, projects)
	if err != nil {
		return classify.Config{}, fmt.Errorf("pixel classifier: %w", err)
	}
	object, err := classify.ResolveProject(env.cfg.ObjectClassifier, projects)
	if err != nil {
		return classify.Config{}, fmt.Errorf("object classifier: %w", err)
	}
	return classify.Config{PixelProject: pixel, ObjectProject: object}, nil
}
