package vector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webmem/webmem/pkg/models"
)

func TestAddAndSearch(t *testing.T) {
	idx := NewIndex(3, 0)

	require.NoError(t, idx.Add(1, []float32{1, 0, 0}))
	require.NoError(t, idx.Add(2, []float32{0, 1, 0}))
	require.NoError(t, idx.Add(3, []float32{0.9, 0.1, 0}))

	hits, err := idx.Search([]float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, int64(1), hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.Equal(t, int64(3), hits[1].ID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestSearch_ScaleInvariant(t *testing.T) {
	idx := NewIndex(2, 0)
	require.NoError(t, idx.Add(1, []float32{3, 4}))

	// Cosine similarity ignores magnitude.
	hits, err := idx.Search([]float32{30, 40}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
}

func TestSearch_TieBreaksOnID(t *testing.T) {
	idx := NewIndex(2, 0)
	require.NoError(t, idx.Add(7, []float32{1, 0}))
	require.NoError(t, idx.Add(2, []float32{1, 0}))
	require.NoError(t, idx.Add(5, []float32{1, 0}))

	hits, err := idx.Search([]float32{1, 0}, 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, []int64{7, 5, 2}, []int64{hits[0].ID, hits[1].ID, hits[2].ID})
}

func TestDimensionMismatch(t *testing.T) {
	idx := NewIndex(3, 0)

	assert.ErrorIs(t, idx.Add(1, []float32{1, 0}), models.ErrDimensionMismatch)

	_, err := idx.Search([]float32{1, 0}, 5)
	assert.ErrorIs(t, err, models.ErrDimensionMismatch)
}

func TestZeroVector(t *testing.T) {
	idx := NewIndex(2, 0)

	assert.ErrorIs(t, idx.Add(1, []float32{0, 0}), models.ErrValidation)

	require.NoError(t, idx.Add(2, []float32{1, 1}))
	hits, err := idx.Search([]float32{0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestAddReplacesExisting(t *testing.T) {
	idx := NewIndex(2, 0)

	require.NoError(t, idx.Add(1, []float32{1, 0}))
	require.NoError(t, idx.Add(1, []float32{0, 1}))
	assert.Equal(t, 1, idx.Size())

	hits, err := idx.Search([]float32{0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
}

func TestSoftCapEvictsSmallestID(t *testing.T) {
	idx := NewIndex(2, 2)

	require.NoError(t, idx.Add(10, []float32{1, 0}))
	require.NoError(t, idx.Add(20, []float32{0, 1}))
	require.NoError(t, idx.Add(30, []float32{1, 1}))

	assert.Equal(t, 2, idx.Size())
	assert.False(t, idx.Has(10))
	assert.True(t, idx.Has(20))
	assert.True(t, idx.Has(30))

	// Replacing an existing entry never evicts.
	require.NoError(t, idx.Add(20, []float32{1, 0}))
	assert.Equal(t, 2, idx.Size())
}

func TestFilteredSearch_CutsLowSimilarityTail(t *testing.T) {
	idx := NewIndex(2, 0)
	require.NoError(t, idx.Add(1, []float32{1, 0}))    // cos 1.0 to query
	require.NoError(t, idx.Add(2, []float32{1, 0.1}))  // cos ≈ 0.995
	require.NoError(t, idx.Add(3, []float32{0.05, 1})) // cos ≈ 0.05
	require.NoError(t, idx.Add(4, []float32{-0.2, 1})) // negative similarity

	hits, err := idx.FilteredSearch([]float32{1, 0}, 10, 0.4, 0.2)
	require.NoError(t, err)
	require.Len(t, hits, 2) // big drop to ~0.05 truncates
	assert.Equal(t, int64(1), hits[0].ID)
	assert.Equal(t, int64(2), hits[1].ID)

	// A zero ratio disables the filter.
	hits, err = idx.FilteredSearch([]float32{1, 0}, 10, 0, 0.2)
	require.NoError(t, err)
	assert.Len(t, hits, 4)
}

func TestRemoveAndClear(t *testing.T) {
	idx := NewIndex(2, 0)
	require.NoError(t, idx.Add(1, []float32{1, 0}))
	require.NoError(t, idx.Add(2, []float32{0, 1}))
	require.NoError(t, idx.Add(3, []float32{1, 1}))

	idx.Remove(99) // unknown id, no-op
	idx.Remove(1)
	assert.Equal(t, 2, idx.Size())

	idx.RemoveMany([]int64{2, 3})
	assert.Equal(t, 0, idx.Size())

	require.NoError(t, idx.Add(1, []float32{1, 0}))
	idx.Clear()
	assert.Equal(t, 0, idx.Size())
}

func TestMemoryBytes(t *testing.T) {
	idx := NewIndex(4, 0)
	require.NoError(t, idx.Add(1, []float32{1, 0, 0, 0}))
	require.NoError(t, idx.Add(2, []float32{0, 1, 0, 0}))
	assert.Equal(t, int64(32), idx.MemoryBytes())
}

func TestGetReturnsCopy(t *testing.T) {
	idx := NewIndex(2, 0)
	require.NoError(t, idx.Add(1, []float32{2, 0}))

	v, ok := idx.Get(1)
	require.True(t, ok)
	assert.InDelta(t, 1.0, float64(v[0]), 1e-6) // normalized

	v[0] = 42
	again, _ := idx.Get(1)
	assert.InDelta(t, 1.0, float64(again[0]), 1e-6)

	_, ok = idx.Get(99)
	assert.False(t, ok)
}
