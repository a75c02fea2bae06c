// Package vector provides an exact in-memory cosine similarity index over
// page embeddings. The SQLite store is the source of truth; the index is
// rebuilt from it at startup.
package vector

import (
	"math"
	"sort"
	"sync"

	"github.com/webmem/webmem/pkg/models"
)

// Hit is one similarity match.
type Hit struct {
	ID    int64
	Score float64
}

// Index holds L2-normalized vectors keyed by page id. All methods are safe
// for concurrent use.
type Index struct {
	mu        sync.RWMutex
	dimension int
	softCap   int
	vectors   map[int64][]float32
}

// NewIndex creates an index for vectors of the given dimension. softCap
// bounds the entry count; 0 disables the cap.
func NewIndex(dimension, softCap int) *Index {
	return &Index{
		dimension: dimension,
		softCap:   softCap,
		vectors:   make(map[int64][]float32),
	}
}

// Dimension returns the enforced vector dimension.
func (idx *Index) Dimension() int {
	return idx.dimension
}

// Size returns the number of indexed vectors.
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.vectors)
}

// MemoryBytes estimates the memory held by stored vectors.
func (idx *Index) MemoryBytes() int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return int64(len(idx.vectors)) * int64(idx.dimension) * 4
}

// Add inserts or replaces the vector for a page. The stored copy is
// normalized to unit length; a zero vector is rejected.
func (idx *Index) Add(id int64, embedding []float32) error {
	if len(embedding) != idx.dimension {
		return models.ErrDimensionMismatch
	}

	normalized, ok := normalize(embedding)
	if !ok {
		return models.ErrValidation
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	_, existed := idx.vectors[id]
	idx.vectors[id] = normalized

	// Over-cap inserts push out the smallest id, which is the oldest page.
	if !existed && idx.softCap > 0 && len(idx.vectors) > idx.softCap {
		evict := id
		for other := range idx.vectors {
			if other < evict {
				evict = other
			}
		}
		delete(idx.vectors, evict)
	}
	return nil
}

// Remove drops the vector for a page. Unknown ids are a no-op.
func (idx *Index) Remove(id int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.vectors, id)
}

// RemoveMany drops a batch of vectors.
func (idx *Index) RemoveMany(ids []int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, id := range ids {
		delete(idx.vectors, id)
	}
}

// Has reports whether a page has an indexed vector.
func (idx *Index) Has(id int64) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.vectors[id]
	return ok
}

// Search returns the topK nearest vectors by cosine similarity, scores
// descending. Ties break on descending id so results are deterministic.
func (idx *Index) Search(query []float32, topK int) ([]Hit, error) {
	if len(query) != idx.dimension {
		return nil, models.ErrDimensionMismatch
	}
	if topK <= 0 {
		return nil, nil
	}

	q, ok := normalize(query)
	if !ok {
		return nil, nil
	}

	idx.mu.RLock()
	hits := make([]Hit, 0, len(idx.vectors))
	for id, v := range idx.vectors {
		hits = append(hits, Hit{ID: id, Score: dot(q, v)})
	}
	idx.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID > hits[j].ID
	})

	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// FilteredSearch is Search with the low-similarity tail cut off: the hit
// list truncates at the first adjacent pair whose relative score drop
// reaches dropRatio while the next score is already below minAbsolute.
func (idx *Index) FilteredSearch(query []float32, topK int, dropRatio, minAbsolute float64) ([]Hit, error) {
	hits, err := idx.Search(query, topK)
	if err != nil || dropRatio <= 0 {
		return hits, err
	}

	for i := 1; i < len(hits); i++ {
		prev, next := hits[i-1].Score, hits[i].Score
		if prev <= 0 {
			return hits[:i], nil
		}
		if (prev-next)/prev >= dropRatio && next < minAbsolute {
			return hits[:i], nil
		}
	}
	return hits, nil
}

// Get returns the stored (normalized) vector for a page.
func (idx *Index) Get(id int64) ([]float32, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	v, ok := idx.vectors[id]
	if !ok {
		return nil, false
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out, true
}

// Clear removes all vectors.
func (idx *Index) Clear() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.vectors = make(map[int64][]float32)
}

// normalize returns a unit-length copy of v. ok is false for zero or
// non-finite vectors.
func normalize(v []float32) ([]float32, bool) {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return nil, false
	}

	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(float64(f) / norm)
	}
	return out, true
}

// dot computes the inner product of two unit vectors, which equals their
// cosine similarity.
func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
