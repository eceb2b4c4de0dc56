// Package imagingtest provides an in-memory imaging.Backend for tests.
package imagingtest

import (
	"fmt"
	"image"
	"os"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"

	"cell-quantifier/internal/geometry"
	"cell-quantifier/internal/imaging"
	"cell-quantifier/internal/models"
)

var nextID uint64

// Raster is a reference-counted stand-in carrying the particles that
// Particles will later report.
type Raster struct {
	id        uint64
	tag       string
	rows      int
	cols      int
	refs      int32
	Particles []imaging.Particle
	owner     *Backend
}

func (r *Raster) ID() uint64 { return r.id }

func (r *Raster) Tag() string { return r.tag }

func (r *Raster) Rows() int { return r.rows }

func (r *Raster) Cols() int { return r.cols }

func (r *Raster) Empty() bool { return r.rows == 0 || r.cols == 0 }

func (r *Raster) AddRef() { atomic.AddInt32(&r.refs, 1) }

func (r *Raster) Refs() int32 { return atomic.LoadInt32(&r.refs) }

func (r *Raster) Release() {
	if atomic.AddInt32(&r.refs, -1) == 0 && r.owner != nil {
		r.owner.forget(r)
	}
}

type fileBody struct {
	Rows      int                `json:"rows"`
	Cols      int                `json:"cols"`
	Particles []imaging.Particle `json:"particles"`
}

// Backend records calls and can be told to fail individual operations.
type Backend struct {
	mu    sync.Mutex
	live  map[uint64]*Raster
	fail  map[string]error
	calls map[string]int
	// Masked records the polygon of every Mask call.
	Masked []geometry.Polygon
}

func NewBackend() *Backend {
	return &Backend{
		live:  make(map[uint64]*Raster),
		fail:  make(map[string]error),
		calls: make(map[string]int),
	}
}

// NewRaster registers a raster with one reference.
func (b *Backend) NewRaster(tag string, rows, cols int, particles ...imaging.Particle) *Raster {
	r := &Raster{
		id:        atomic.AddUint64(&nextID, 1),
		tag:       tag,
		rows:      rows,
		cols:      cols,
		refs:      1,
		Particles: particles,
		owner:     b,
	}
	b.mu.Lock()
	b.live[r.id] = r
	b.mu.Unlock()
	return r
}

// FailOn makes op return err until cleared with a nil err.
func (b *Backend) FailOn(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.fail, op)
		return
	}
	b.fail[op] = err
}

func (b *Backend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// Live reports rasters still holding references.
func (b *Backend) Live() []*Raster {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Raster, 0, len(b.live))
	for _, r := range b.live {
		out = append(out, r)
	}
	return out
}

func (b *Backend) forget(r *Raster) {
	b.mu.Lock()
	delete(b.live, r.id)
	b.mu.Unlock()
}

func (b *Backend) enter(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[op]++
	return b.fail[op]
}

func (b *Backend) Read(path, tag string) (models.Raster, error) {
	if err := b.enter("read"); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read raster: %w", err)
	}
	var body fileBody
	if err := jsoniter.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("read raster: %w", err)
	}
	return b.NewRaster(tag, body.Rows, body.Cols, body.Particles...), nil
}

func (b *Backend) Write(r models.Raster, path string) error {
	if err := b.enter("write"); err != nil {
		return err
	}
	src, err := b.own(r)
	if err != nil {
		return err
	}
	data, err := jsoniter.Marshal(fileBody{Rows: src.rows, Cols: src.cols, Particles: src.Particles})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Crop keeps particles whose bounds fall inside the crop, shifted to crop coordinates.
func (b *Backend) Crop(r models.Raster, bounds image.Rectangle, tag string) (models.Raster, error) {
	if err := b.enter("crop"); err != nil {
		return nil, err
	}
	src, err := b.own(r)
	if err != nil {
		return nil, err
	}
	clipped := bounds.Intersect(image.Rect(0, 0, src.cols, src.rows))
	if clipped.Empty() {
		return nil, fmt.Errorf("crop: %v outside raster", bounds)
	}
	var kept []imaging.Particle
	for _, p := range src.Particles {
		if p.Bounds.In(clipped) {
			kept = append(kept, shift(p, -clipped.Min.X, -clipped.Min.Y))
		}
	}
	return b.NewRaster(tag, clipped.Dy(), clipped.Dx(), kept...), nil
}

func (b *Backend) Mask(r models.Raster, polygon geometry.Polygon, tag string) (models.Raster, error) {
	if err := b.enter("mask"); err != nil {
		return nil, err
	}
	src, err := b.own(r)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.Masked = append(b.Masked, polygon)
	b.mu.Unlock()
	return b.NewRaster(tag, src.rows, src.cols, src.Particles...), nil
}

func (b *Backend) Binarize(r models.Raster, tag string) (models.Raster, error) {
	return b.passThrough("binarize", r, tag)
}

func (b *Backend) Watershed(r models.Raster, tag string) (models.Raster, error) {
	return b.passThrough("watershed", r, tag)
}

func (b *Backend) Particles(r models.Raster) ([]imaging.Particle, error) {
	if err := b.enter("particles"); err != nil {
		return nil, err
	}
	src, err := b.own(r)
	if err != nil {
		return nil, err
	}
	return append([]imaging.Particle(nil), src.Particles...), nil
}

func (b *Backend) passThrough(op string, r models.Raster, tag string) (models.Raster, error) {
	if err := b.enter(op); err != nil {
		return nil, err
	}
	src, err := b.own(r)
	if err != nil {
		return nil, err
	}
	return b.NewRaster(tag, src.rows, src.cols, src.Particles...), nil
}

func (b *Backend) own(r models.Raster) (*Raster, error) {
	src, ok := r.(*Raster)
	if !ok || src == nil {
		return nil, fmt.Errorf("raster %T not created by this backend", r)
	}
	if src.Refs() <= 0 {
		return nil, fmt.Errorf("raster %q used after release", src.tag)
	}
	return src, nil
}

// Square returns a particle covering an n by n block at (x, y).
func Square(x, y, n int) imaging.Particle {
	bounds := image.Rect(x, y, x+n, y+n)
	return imaging.Particle{
		Outline: geometry.Rect(bounds),
		Area:    float64(n * n),
		Bounds:  bounds,
	}
}

func shift(p imaging.Particle, dx, dy int) imaging.Particle {
	return imaging.Particle{
		Outline: p.Outline.Translate(float64(dx), float64(dy)),
		Area:    p.Area,
		Bounds:  p.Bounds.Add(image.Pt(dx, dy)),
	}
}

var _ imaging.Backend = (*Backend)(nil)
