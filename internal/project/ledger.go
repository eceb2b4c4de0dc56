package project

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"cell-quantifier/internal/models"
)

// loadLedgers reads the status and ROI databases, keeping only rows whose image exists.
func (p *Project) loadLedgers() error {
	statusRows, err := readCSV(p.Paths.StatusDB)
	if err != nil {
		return err
	}
	for _, row := range statusRows {
		name := row["filename"]
		if !p.imageExists(name) {
			continue
		}
		status := models.Status(row["status"])
		if status == "" {
			status = models.StatusNew
		}
		if img, ok := p.addImage(name, status); ok {
			img.SetStatus(status)
		}
	}

	roiRows, err := readCSV(p.Paths.ROIDB)
	if err != nil {
		return err
	}
	for _, row := range roiRows {
		name := row["filename"]
		if !p.imageExists(name) {
			continue
		}
		img, ok := p.addImage(name, models.StatusNew)
		if !ok {
			continue
		}
		img.ROIs = append(img.ROIs, models.ROISummary{
			Name:   row["roi_name"],
			Bregma: row["bregma"],
			Status: row["status"],
		})
	}

	// the ROI set file wins over the ledger for names and bregma values
	for _, img := range p.images {
		if !p.HasROI(img) {
			continue
		}
		rois, err := p.LoadROIs(img)
		if err != nil {
			p.log.Warning("Project", "unreadable roi set", map[string]interface{}{
				"image": img.Filename,
				"error": err.Error(),
			})
			continue
		}
		img.ROIs = summarize(rois)
	}
	return nil
}

func (p *Project) imageExists(filename string) bool {
	if filename == "" {
		return false
	}
	info, err := os.Stat(filepath.Join(p.Paths.Images, filename))
	return err == nil && !info.IsDir()
}

// SyncStatus rewrites the image status database from memory.
func (p *Project) SyncStatus() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rows := make([][]string, 0, len(p.images))
	for _, img := range p.images {
		rows = append(rows, []string{img.Filename, string(img.Status())})
	}
	if err := writeCSV(p.Paths.StatusDB, statusDBHeader, rows); err != nil {
		return models.PersistenceFailure("", "", err)
	}
	return nil
}

// SyncROIDB rewrites the ROI database from memory. Images without ROIs are omitted.
func (p *Project) SyncROIDB() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var rows [][]string
	for _, img := range p.images {
		for _, roi := range img.ROIs {
			rows = append(rows, []string{img.Filename, orNA(roi.Name), orNA(roi.Bregma), orDefault(roi.Status, "Pending")})
		}
	}
	if err := writeCSV(p.Paths.ROIDB, roiDBHeader, rows); err != nil {
		return models.PersistenceFailure("", "", err)
	}
	return nil
}

// Sync writes both ledgers.
func (p *Project) Sync() error {
	if err := p.SyncROIDB(); err != nil {
		return err
	}
	return p.SyncStatus()
}

func orNA(s string) string {
	return orDefault(s, "N/A")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// readCSV returns rows keyed by header name. A missing file yields no rows.
func readCSV(path string) ([]map[string]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var rows []map[string]string
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func writeCSV(path string, header []string, rows [][]string) error {
	return writeFileAtomic(path, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(header); err != nil {
			return err
		}
		if err := cw.WriteAll(rows); err != nil {
			return err
		}
		return cw.Error()
	})
}
