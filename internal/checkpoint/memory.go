package checkpoint

import (
	"fmt"
	"sync"

	"cell-quantifier/internal/models"
)

// MemoryStore keeps artifacts in memory. Each stored raster holds one reference.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]models.Raster
	saves map[Stage]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]models.Raster),
		saves: make(map[Stage]int),
	}
}

func (s *MemoryStore) Has(key Key, stage Stage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[key.Name(stage)]
	return ok
}

func (s *MemoryStore) Load(key Key, stage Stage) (models.Raster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.items[key.Name(stage)]
	if !ok {
		return nil, fmt.Errorf("load %s: %s not found", stage, key.Name(stage))
	}
	r.AddRef()
	return r, nil
}

func (s *MemoryStore) Save(key Key, stage Stage, r models.Raster) error {
	if r == nil {
		return fmt.Errorf("save %s: nil raster", stage)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	name := key.Name(stage)
	if old, ok := s.items[name]; ok {
		old.Release()
	}
	r.AddRef()
	s.items[name] = r
	s.saves[stage]++
	return nil
}

func (s *MemoryStore) Location(key Key, stage Stage) string {
	return "memory:" + key.Name(stage)
}

// Delete drops an artifact, as if its file were removed.
func (s *MemoryStore) Delete(key Key, stage Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := key.Name(stage)
	if r, ok := s.items[name]; ok {
		r.Release()
		delete(s.items, name)
	}
}

// Saves counts writes per stage.
func (s *MemoryStore) Saves(stage Stage) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves[stage]
}

// Close releases every stored raster.
func (s *MemoryStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, r := range s.items {
		r.Release()
		delete(s.items, name)
	}
}
