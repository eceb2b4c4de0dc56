package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"cell-quantifier/internal/imaging"
	"cell-quantifier/internal/opencv/safe"
)

func TestManager_TracksAndUntracks(t *testing.T) {
	mgr := NewManager(nil)

	mat, err := safe.NewMatWithTracker(4, 4, gocv.MatTypeCV8UC1, mgr, "a_cropped")
	require.NoError(t, err)
	assert.Equal(t, 1, mgr.Live())

	mat.Release()
	assert.Equal(t, 0, mgr.Live())

	stats := mgr.GetStats()
	assert.Equal(t, int64(16), stats.TotalAllocated)
	assert.Equal(t, int64(16), stats.TotalReleased)
	assert.Zero(t, stats.ActiveMats)
}

func TestManager_CloseMatchingSparesOtherTags(t *testing.T) {
	mgr := NewManager(nil)

	source, err := safe.NewMatWithTracker(4, 4, gocv.MatTypeCV8UC1, mgr, imaging.SourceTag("mask_01.tif"))
	require.NoError(t, err)
	defer source.Release()

	crop, err := safe.NewMatWithTracker(2, 2, gocv.MatTypeCV8UC1, mgr, "img_a_1_cropped")
	require.NoError(t, err)
	probs, err := safe.NewMatWithTracker(2, 2, gocv.MatTypeCV8UC1, mgr, "img_a_1_probabilities")
	require.NoError(t, err)

	closed := mgr.CloseMatching([]string{"_cropped", "_probabilities", "_objects", "mask"})
	assert.Equal(t, 2, closed)
	assert.False(t, crop.IsValid())
	assert.False(t, probs.IsValid())
	assert.True(t, source.IsValid())
	assert.Equal(t, 1, mgr.Live())

	// releasing an already swept Mat is harmless
	crop.Release()
	assert.Equal(t, int64(2), mgr.GetStats().Swept)
}

func TestManager_Cleanup(t *testing.T) {
	mgr := NewManager(nil)
	for i := 0; i < 3; i++ {
		_, err := safe.NewMatWithTracker(2, 2, gocv.MatTypeCV8UC1, mgr, "x")
		require.NoError(t, err)
	}

	mgr.Collect()
	mgr.Cleanup()
	assert.Equal(t, 0, mgr.Live())
	assert.Equal(t, int64(1), mgr.GetStats().Collections)
}
