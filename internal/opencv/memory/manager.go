package memory

import (
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"cell-quantifier/internal/imaging"
	"cell-quantifier/internal/logger"
	"cell-quantifier/internal/opencv/safe"
)

// Manager keeps a registry of every live Mat created through the backend so
// leftover intermediates can be closed by tag between images.
type Manager struct {
	allocations map[uint64]*AllocationRecord
	mu          sync.RWMutex
	stats       Stats
	log         logger.Logger
}

type AllocationRecord struct {
	Mat       *safe.Mat
	Tag       string
	CreatedAt time.Time
	Size      int64
}

type Stats struct {
	TotalAllocated int64
	TotalReleased  int64
	ActiveMats     int64
	Swept          int64
	Collections    int64
}

func NewManager(log logger.Logger) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{
		allocations: make(map[uint64]*AllocationRecord),
		log:         log,
	}
}

// Track implements safe.Tracker.
func (m *Manager) Track(mat *safe.Mat) {
	m.mu.Lock()
	defer m.mu.Unlock()

	size := safe.SizeBytes(mat.Rows(), mat.Cols(), mat.Type())
	m.allocations[mat.ID()] = &AllocationRecord{
		Mat:       mat,
		Tag:       mat.Tag(),
		CreatedAt: time.Now(),
		Size:      size,
	}
	m.stats.TotalAllocated += size
	m.stats.ActiveMats++
}

// Untrack implements safe.Tracker. It is called from Mat.Close and must not touch the Mat's lock.
func (m *Manager) Untrack(mat *safe.Mat) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, exists := m.allocations[mat.ID()]
	if !exists {
		return
	}
	delete(m.allocations, mat.ID())
	m.stats.TotalReleased += record.Size
	m.stats.ActiveMats--
}

// CloseMatching force-closes every live Mat whose tag contains one of patterns
// and returns how many were closed. Source image Mats are skipped.
func (m *Manager) CloseMatching(patterns []string) int {
	m.mu.RLock()
	var victims []*safe.Mat
	for _, record := range m.allocations {
		if !imaging.IsSourceTag(record.Tag) && matchesAny(record.Tag, patterns) {
			victims = append(victims, record.Mat)
		}
	}
	m.mu.RUnlock()

	for _, mat := range victims {
		mat.Close()
	}

	if len(victims) > 0 {
		m.mu.Lock()
		m.stats.Swept += int64(len(victims))
		m.mu.Unlock()

		m.log.Debug("MemoryManager", "closed stray intermediates", map[string]interface{}{
			"count": len(victims),
		})
	}

	return len(victims)
}

// Collect asks the runtime to reclaim memory, including finalizer-held Mats.
func (m *Manager) Collect() {
	runtime.GC()
	debug.FreeOSMemory()

	m.mu.Lock()
	m.stats.Collections++
	m.mu.Unlock()
}

func (m *Manager) Live() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.allocations)
}

func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// Cleanup closes everything still registered.
func (m *Manager) Cleanup() {
	m.mu.RLock()
	mats := make([]*safe.Mat, 0, len(m.allocations))
	for _, record := range m.allocations {
		mats = append(mats, record.Mat)
	}
	m.mu.RUnlock()

	for _, mat := range mats {
		mat.Close()
	}

	m.log.Info("MemoryManager", "cleaned up mats", map[string]interface{}{
		"count": len(mats),
	})
}

func matchesAny(tag string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(tag, p) {
			return true
		}
	}
	return false
}
