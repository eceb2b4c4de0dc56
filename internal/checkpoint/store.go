// Package checkpoint persists per-region stage artifacts. An artifact's
// presence marks its stage as done; there is no other state.
package checkpoint

import (
	"fmt"
	"strings"

	"cell-quantifier/internal/models"
)

type Stage int

const (
	Probabilities Stage = iota
	Objects
)

func (s Stage) String() string {
	switch s {
	case Probabilities:
		return "probabilities"
	case Objects:
		return "objects"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

func (s Stage) suffix() string {
	return "_" + s.String()
}

// Key identifies one region of one image. Index disambiguates repeated ROI names.
type Key struct {
	ImageID string
	ROIName string
	Index   int
}

// Base is the artifact stem shared by every stage of the region. Path
// separators in the ROI name are replaced so the stem stays one file name.
func (k Key) Base() string {
	return fmt.Sprintf("%s_%s_%d", k.ImageID, unsafeChars.Replace(strings.TrimSpace(k.ROIName)), k.Index)
}

var unsafeChars = strings.NewReplacer("/", "-", "\\", "-", ":", "-")

// Name is the artifact stem for one stage, also used as the raster tag.
func (k Key) Name(stage Stage) string {
	return k.Base() + stage.suffix()
}

// Store is the checkpoint capability used by the classification resumer.
type Store interface {
	Has(key Key, stage Stage) bool
	// Load returns a raster the caller must Release.
	Load(key Key, stage Stage) (models.Raster, error)
	// Save persists r. The caller keeps its own reference.
	Save(key Key, stage Stage, r models.Raster) error
	// Location describes where the artifact lives, for logs.
	Location(key Key, stage Stage) string
}

// Locator is implemented by stores whose artifacts are plain files that the
// external classifier can open directly.
type Locator interface {
	Path(key Key, stage Stage) string
}
