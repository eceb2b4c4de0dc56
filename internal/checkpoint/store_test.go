package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cell-quantifier/internal/imaging/imagingtest"
)

func TestKey_Names(t *testing.T) {
	key := Key{ImageID: "12_brain", ROIName: "CA1", Index: 3}

	assert.Equal(t, "12_brain_CA1_3", key.Base())
	assert.Equal(t, "12_brain_CA1_3_probabilities", key.Name(Probabilities))
	assert.Equal(t, "12_brain_CA1_3_objects", key.Name(Objects))

	odd := Key{ImageID: "img", ROIName: " L/R ", Index: 0}
	assert.Equal(t, "img_L-R_0", odd.Base())
}

func TestFileStore_SaveHasLoad(t *testing.T) {
	dir := t.TempDir()
	backend := imagingtest.NewBackend()
	store, err := NewFileStore(dir, ".tif", backend)
	require.NoError(t, err)

	key := Key{ImageID: "img", ROIName: "a", Index: 0}
	assert.False(t, store.Has(key, Objects))

	r := backend.NewRaster("probs", 4, 5)
	require.NoError(t, store.Save(key, Objects, r))
	r.Release()

	assert.True(t, store.Has(key, Objects))
	assert.False(t, store.Has(key, Probabilities))
	assert.Equal(t, filepath.Join(dir, "img_a_0_objects.tif"), store.Path(key, Objects))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary file must be renamed away")

	loaded, err := store.Load(key, Objects)
	require.NoError(t, err)
	defer loaded.Release()
	assert.Equal(t, 4, loaded.Rows())
	assert.Equal(t, "img_a_0_objects", loaded.Tag())
}

func TestFileStore_EmptyFileIsNotACheckpoint(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, "tif", imagingtest.NewBackend())
	require.NoError(t, err)

	key := Key{ImageID: "img", ROIName: "a", Index: 0}
	require.NoError(t, os.WriteFile(store.Path(key, Probabilities), nil, 0o644))

	assert.False(t, store.Has(key, Probabilities))
}

func TestFileStore_FailedWriteLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	backend := imagingtest.NewBackend()
	store, err := NewFileStore(dir, "tif", backend)
	require.NoError(t, err)

	backend.FailOn("write", assert.AnError)
	r := backend.NewRaster("x", 1, 1)
	defer r.Release()

	key := Key{ImageID: "img", ROIName: "a", Index: 0}
	assert.ErrorIs(t, store.Save(key, Objects, r), assert.AnError)
	assert.False(t, store.Has(key, Objects))
}

func TestMemoryStore_ReferenceCounting(t *testing.T) {
	backend := imagingtest.NewBackend()
	store := NewMemoryStore()
	key := Key{ImageID: "img", ROIName: "a", Index: 1}

	r := backend.NewRaster("x", 2, 2)
	require.NoError(t, store.Save(key, Probabilities, r))
	r.Release()
	assert.Equal(t, int32(1), r.Refs())

	loaded, err := store.Load(key, Probabilities)
	require.NoError(t, err)
	assert.Equal(t, int32(2), r.Refs())
	loaded.Release()

	store.Delete(key, Probabilities)
	assert.False(t, store.Has(key, Probabilities))
	assert.Empty(t, backend.Live())

	_, err = store.Load(key, Probabilities)
	assert.Error(t, err)
	assert.Equal(t, 1, store.Saves(Probabilities))
}

func TestLocator_OnlyFileStoreExposesPaths(t *testing.T) {
	var store Store = NewMemoryStore()
	_, ok := store.(Locator)
	assert.False(t, ok)

	files, err := NewFileStore(t.TempDir(), "tif", imagingtest.NewBackend())
	require.NoError(t, err)
	store = files
	l, ok := store.(Locator)
	require.True(t, ok)
	assert.Equal(t, files.Location(Key{ImageID: "img", ROIName: "a"}, Objects), l.Path(Key{ImageID: "img", ROIName: "a"}, Objects))
}
