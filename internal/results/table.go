package results

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"cell-quantifier/internal/models"
)

// Header is the fixed column set of the results table.
var Header = []string{"filename", "roi_name", "roi_area", "bregma_value", "cell_count", "total_cell_area"}

// Table is an append-only CSV file. Rows from earlier runs are never rewritten.
type Table struct {
	path string
}

func NewTable(path string) *Table {
	return &Table{path: path}
}

func (t *Table) Path() string {
	return t.path
}

// Append writes rows, preceded by the header when the file is missing or empty.
func (t *Table) Append(rows []models.AggregatedMeasurement) error {
	if len(rows) == 0 {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return fmt.Errorf("results dir: %w", err)
	}

	writeHeader := true
	if info, err := os.Stat(t.path); err == nil && info.Size() > 0 {
		writeHeader = false
	}

	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open results table: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if writeHeader {
		if err := w.Write(Header); err != nil {
			return fmt.Errorf("write results header: %w", err)
		}
	}
	for _, row := range rows {
		if err := w.Write(record(row)); err != nil {
			return fmt.Errorf("write results row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush results table: %w", err)
	}
	return f.Sync()
}

// Read returns every data row in file order.
func (t *Table) Read() ([][]string, error) {
	f, err := os.Open(t.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read results table: %w", err)
	}
	if len(rows) > 0 {
		rows = rows[1:]
	}
	return rows, nil
}

func record(row models.AggregatedMeasurement) []string {
	return []string{
		row.ImageID,
		row.ROIName,
		strconv.FormatFloat(row.ROIArea, 'f', -1, 64),
		row.Position,
		strconv.Itoa(row.ObjectCount),
		strconv.FormatFloat(row.TotalObjectArea, 'f', -1, 64),
	}
}
