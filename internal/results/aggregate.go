// Package results folds per-ROI measurements into results-table rows.
package results

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"cell-quantifier/internal/models"
)

type groupKey struct {
	image string
	roi   string
}

// Aggregate groups records by (image, ROI name). Area and counts are summed,
// position is averaged. Rows keep the order each key first appeared in.
func Aggregate(records []models.RawMeasurement) []models.AggregatedMeasurement {
	if len(records) == 0 {
		return nil
	}

	order := make([]groupKey, 0, len(records))
	sums := make(map[groupKey]*models.AggregatedMeasurement)
	positions := make(map[groupKey][]float64)

	for _, rec := range records {
		k := groupKey{image: rec.ImageID, roi: rec.ROIName}
		agg, ok := sums[k]
		if !ok {
			agg = &models.AggregatedMeasurement{ImageID: rec.ImageID, ROIName: rec.ROIName}
			sums[k] = agg
			order = append(order, k)
		}
		agg.ROIArea += rec.ROIArea
		agg.ObjectCount += rec.ObjectCount
		agg.TotalObjectArea += rec.TotalObjectArea
		positions[k] = append(positions[k], rec.Position)
	}

	out := make([]models.AggregatedMeasurement, 0, len(order))
	for _, k := range order {
		agg := sums[k]
		agg.Position = fmt.Sprintf("%.3f", stat.Mean(positions[k], nil))
		out = append(out, *agg)
	}
	return out
}
