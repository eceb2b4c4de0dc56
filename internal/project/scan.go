package project

import (
	"fmt"
	"image"
	_ "image/jpeg"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/image/tiff"

	"cell-quantifier/internal/models"
)

var imageExts = map[string]bool{".tif": true, ".tiff": true, ".jpg": true, ".jpeg": true}

func isImageFile(name string) bool {
	return imageExts[strings.ToLower(filepath.Ext(name))]
}

// scanImages adds image files not yet known from the ledgers and probes every image's size.
func (p *Project) scanImages() error {
	entries, err := os.ReadDir(p.Paths.Images)
	if err != nil {
		return fmt.Errorf("scan images: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !isImageFile(entry.Name()) {
			continue
		}
		if _, known := p.byName[entry.Name()]; known {
			continue
		}
		img, ok := p.addImage(entry.Name(), models.StatusInProgress)
		if !ok {
			continue
		}
		if p.HasROI(img) {
			if rois, err := p.LoadROIs(img); err == nil {
				img.ROIs = summarize(rois)
			}
		}
	}

	for _, img := range p.images {
		w, h, err := probe(img.SourcePath)
		if err != nil {
			p.log.Warning("Project", "could not read image header", map[string]interface{}{
				"image": img.Filename,
				"error": err.Error(),
			})
			continue
		}
		img.Width, img.Height = w, h
	}
	return nil
}

// probe reads only the image header.
func probe(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	var cfg image.Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff":
		cfg, err = tiff.DecodeConfig(f)
	default:
		cfg, _, err = image.DecodeConfig(f)
	}
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

// naturalKey is the integer before the first underscore, so 2_x sorts before 10_x.
func naturalKey(filename string) int {
	lead, _, _ := strings.Cut(filename, "_")
	n, err := strconv.Atoi(lead)
	if err != nil {
		return math.MaxInt
	}
	return n
}

func sortImages(images []*models.ImageUnit) {
	sort.SliceStable(images, func(i, j int) bool {
		ki, kj := naturalKey(images[i].Filename), naturalKey(images[j].Filename)
		if ki != kj {
			return ki < kj
		}
		return images[i].Filename < images[j].Filename
	})
}

// Import copies image files into Images/. Files already present are skipped.
// Imported images start In Progress and the status ledger is rewritten.
func (p *Project) Import(sources []string) (imported, skipped []string, err error) {
	for _, src := range sources {
		name := filepath.Base(src)
		if !isImageFile(name) {
			skipped = append(skipped, name)
			continue
		}
		if owner, taken := p.byBase[baseName(name)]; taken && owner.Filename != name {
			p.log.Warning("Project", "skipping image whose base name is taken", map[string]interface{}{
				"image": name,
				"owner": owner.Filename,
			})
			skipped = append(skipped, name)
			continue
		}
		dst := filepath.Join(p.Paths.Images, name)
		if _, statErr := os.Stat(dst); statErr == nil {
			p.log.Info("Project", "skipping existing image", map[string]interface{}{"image": name})
			skipped = append(skipped, name)
			continue
		}
		if err := copyFile(src, dst); err != nil {
			return imported, skipped, fmt.Errorf("import %s: %w", name, err)
		}

		img, _ := p.addImage(name, models.StatusInProgress)
		if w, h, err := probe(dst); err == nil {
			img.Width, img.Height = w, h
		}
		imported = append(imported, name)
	}

	if len(imported) == 0 {
		return imported, skipped, nil
	}
	sortImages(p.images)
	return imported, skipped, p.SyncStatus()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	return writeFileAtomic(dst, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
}
