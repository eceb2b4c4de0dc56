package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cell-quantifier/internal/imaging"
	"cell-quantifier/internal/models"
)

var _ Locator = (*FileStore)(nil)

// FileStore keeps artifacts as {dir}/{base}_{stage}.{ext}.
type FileStore struct {
	dir   string
	ext   string
	codec imaging.Codec
}

func NewFileStore(dir, ext string, codec imaging.Codec) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint dir: %w", err)
	}
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "tif"
	}
	return &FileStore{dir: dir, ext: ext, codec: codec}, nil
}

func (s *FileStore) Path(key Key, stage Stage) string {
	return filepath.Join(s.dir, key.Name(stage)+"."+s.ext)
}

func (s *FileStore) Location(key Key, stage Stage) string {
	return s.Path(key, stage)
}

func (s *FileStore) Has(key Key, stage Stage) bool {
	info, err := os.Stat(s.Path(key, stage))
	return err == nil && !info.IsDir() && info.Size() > 0
}

func (s *FileStore) Load(key Key, stage Stage) (models.Raster, error) {
	r, err := s.codec.Read(s.Path(key, stage), key.Name(stage))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", stage, err)
	}
	return r, nil
}

// Save writes through a temporary sibling and renames it into place, so a
// crash never leaves a truncated artifact that would later count as done.
func (s *FileStore) Save(key Key, stage Stage, r models.Raster) error {
	final := s.Path(key, stage)
	tmp := filepath.Join(s.dir, key.Name(stage)+".partial."+s.ext)

	if err := s.codec.Write(r, tmp); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("save %s: %w", stage, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("save %s: %w", stage, err)
	}
	return nil
}
