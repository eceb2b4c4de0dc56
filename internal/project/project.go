// Package project owns the on-disk layout of a quantification project: image
// folder, ROI and outline sets, checkpoint folders and the CSV ledgers.
package project

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"cell-quantifier/internal/logger"
	"cell-quantifier/internal/models"
	"cell-quantifier/internal/results"
)

type Paths struct {
	Root          string
	Images        string
	ROIs          string
	Processed     string
	Probabilities string
	Outlines      string
	Temp          string
	ROIDB         string
	StatusDB      string
	ResultsDB     string
}

func layout(root string) Paths {
	return Paths{
		Root:          root,
		Images:        filepath.Join(root, "Images"),
		ROIs:          filepath.Join(root, "ROI_Files"),
		Processed:     filepath.Join(root, "Processed_Images"),
		Probabilities: filepath.Join(root, "Ilastik_Probabilites"),
		Outlines:      filepath.Join(root, "Final_Cell_Selections"),
		Temp:          filepath.Join(root, "temp"),
		ROIDB:         filepath.Join(root, "Roi_DB.csv"),
		StatusDB:      filepath.Join(root, "Image_Status_DB.csv"),
		ResultsDB:     filepath.Join(root, "Results_DB.csv"),
	}
}

var (
	roiDBHeader    = []string{"filename", "roi_name", "bregma", "status"}
	statusDBHeader = []string{"filename", "status"}
)

type Project struct {
	Name  string
	Paths Paths

	images   []*models.ImageUnit
	byName   map[string]*models.ImageUnit
	byBase   map[string]*models.ImageUnit
	shadowed map[string]bool
	validate *validator.Validate
	log      logger.Logger

	// serializes ledger rewrites
	mu sync.Mutex
}

// Open loads the project at root, creating any missing folders and ledgers.
// Ledger rows for images no longer in Images/ are dropped; new image files
// are picked up with status In Progress.
func Open(root string, log logger.Logger) (*Project, error) {
	if log == nil {
		log = logger.Nop()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("project root: %w", err)
	}

	p := &Project{
		Name:     filepath.Base(filepath.Clean(abs)),
		Paths:    layout(abs),
		byName:   make(map[string]*models.ImageUnit),
		byBase:   make(map[string]*models.ImageUnit),
		shadowed: make(map[string]bool),
		validate: newValidator(),
		log:      log,
	}

	if err := p.ensureLayout(); err != nil {
		return nil, err
	}
	if err := p.loadLedgers(); err != nil {
		return nil, err
	}
	if err := p.scanImages(); err != nil {
		return nil, err
	}
	sortImages(p.images)

	p.log.Info("Project", "project opened", map[string]interface{}{
		"root":   abs,
		"images": len(p.images),
	})
	return p, nil
}

func (p *Project) ensureLayout() error {
	for _, dir := range []string{p.Paths.Images, p.Paths.ROIs, p.Paths.Processed, p.Paths.Probabilities, p.Paths.Outlines, p.Paths.Temp} {
		if _, err := os.Stat(dir); err == nil {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
		p.log.Info("Project", "created missing project directory", map[string]interface{}{"path": dir})
	}

	ledgers := []struct {
		path   string
		header []string
	}{
		{p.Paths.ROIDB, roiDBHeader},
		{p.Paths.StatusDB, statusDBHeader},
		{p.Paths.ResultsDB, results.Header},
	}
	for _, l := range ledgers {
		if _, err := os.Stat(l.path); err == nil {
			continue
		}
		if err := writeCSV(l.path, l.header, nil); err != nil {
			return err
		}
		p.log.Info("Project", "created missing project database", map[string]interface{}{"path": l.path})
	}
	return nil
}

// Images returns the images in natural order.
func (p *Project) Images() []*models.ImageUnit {
	out := make([]*models.ImageUnit, len(p.images))
	copy(out, p.images)
	return out
}

func (p *Project) Image(filename string) (*models.ImageUnit, bool) {
	img, ok := p.byName[filename]
	return img, ok
}

// Select returns the named images in project order. Unknown names are an error.
func (p *Project) Select(filenames []string) ([]*models.ImageUnit, error) {
	want := make(map[string]bool, len(filenames))
	for _, name := range filenames {
		if _, ok := p.byName[name]; !ok {
			return nil, fmt.Errorf("image %q is not in project %s", name, p.Name)
		}
		want[name] = true
	}
	var out []*models.ImageUnit
	for _, img := range p.images {
		if want[img.Filename] {
			out = append(out, img)
		}
	}
	return out, nil
}

// ReadyImages returns images the editor has marked Ready to Quantify.
func (p *Project) ReadyImages() []*models.ImageUnit {
	return Ready(p.images)
}

// Ready keeps the images marked Ready to Quantify, in their given order.
func Ready(images []*models.ImageUnit) []*models.ImageUnit {
	var out []*models.ImageUnit
	for _, img := range images {
		if img.Status() == models.StatusReadyToQuantify {
			out = append(out, img)
		}
	}
	return out
}

// HasROI reports whether the image has a saved ROI set.
func (p *Project) HasROI(img *models.ImageUnit) bool {
	info, err := os.Stat(img.ROIPath)
	return err == nil && !info.IsDir()
}

func (p *Project) HasOutlines(img *models.ImageUnit) bool {
	_, err := os.Stat(img.OutlinePath)
	return err == nil
}

// addImage registers filename, or returns the image already registered under it.
// Checkpoints, ROI and outline sets are keyed by base name, so a file whose
// base name belongs to another image is refused with a warning.
func (p *Project) addImage(filename string, status models.Status) (*models.ImageUnit, bool) {
	if img, ok := p.byName[filename]; ok {
		return img, true
	}
	base := baseName(filename)
	if owner, taken := p.byBase[base]; taken {
		if !p.shadowed[filename] {
			p.shadowed[filename] = true
			p.log.Warning("Project", "image shares its base name with another image, ignored", map[string]interface{}{
				"image": filename,
				"owner": owner.Filename,
				"base":  base,
			})
		}
		return nil, false
	}
	img := models.NewImageUnit(
		filename,
		filepath.Join(p.Paths.Images, filename),
		filepath.Join(p.Paths.ROIs, base+"_ROIs.json"),
		filepath.Join(p.Paths.Outlines, base+"_Outlines.json"),
		status,
	)
	p.images = append(p.images, img)
	p.byName[filename] = img
	p.byBase[base] = img
	return img, true
}

func baseName(filename string) string {
	return strings.TrimSuffix(filename, filepath.Ext(filename))
}
