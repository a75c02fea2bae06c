package enrich

import (
	"context"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync/atomic"
)

// MockProvider is a deterministic offline provider: identical inputs always
// yield identical outputs. It serves development without API credentials
// and keeps tests reproducible.
type MockProvider struct {
	dimension int

	metadataCalls  atomic.Int64
	embeddingCalls atomic.Int64

	// FailMetadata/FailEmbedding force errors for retry-path tests.
	FailMetadata  atomic.Bool
	FailEmbedding atomic.Bool
}

// NewMockProvider creates a mock emitting vectors of the given dimension.
func NewMockProvider(dimension int) *MockProvider {
	return &MockProvider{dimension: dimension}
}

// MetadataCalls returns how many metadata generations were requested.
func (m *MockProvider) MetadataCalls() int64 { return m.metadataCalls.Load() }

// EmbeddingCalls returns how many embeddings were requested.
func (m *MockProvider) EmbeddingCalls() int64 { return m.embeddingCalls.Load() }

// GenerateMetadata derives keywords from word frequency and a description
// from the leading content.
func (m *MockProvider) GenerateMetadata(_ context.Context, title, content string) (*Metadata, error) {
	m.metadataCalls.Add(1)
	if m.FailMetadata.Load() {
		return nil, errMockFailure
	}

	return &Metadata{
		Keywords:    topWords(title+" "+content, 8),
		Description: leadingSentence(content, 200),
	}, nil
}

// GenerateEmbedding hashes the text into a fixed pseudo-random unit vector.
func (m *MockProvider) GenerateEmbedding(_ context.Context, text string) ([]float32, error) {
	m.embeddingCalls.Add(1)
	if m.FailEmbedding.Load() {
		return nil, errMockFailure
	}

	// Seed an LCG from the text hash so the vector is a pure function of
	// the input.
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	state := h.Sum64()

	v := make([]float32, m.dimension)
	var norm float64
	for i := range v {
		state = state*6364136223846793005 + 1442695040888963407
		f := float64(int64(state>>11))/float64(1<<52) - 1.0
		v[i] = float32(f)
		norm += f * f
	}

	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range v {
			v[i] = float32(float64(v[i]) / norm)
		}
	}
	return v, nil
}

// HealthCheck reports the mock as down while either failure toggle is set.
func (m *MockProvider) HealthCheck(_ context.Context) error {
	if m.FailMetadata.Load() || m.FailEmbedding.Load() {
		return errMockFailure
	}
	return nil
}

type mockError string

func (e mockError) Error() string { return string(e) }

const errMockFailure = mockError("mock provider failure")

// topWords returns the n most frequent words of 4+ characters,
// comma-separated, most frequent first with alphabetical ties.
func topWords(text string, n int) string {
	counts := map[string]int{}
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?\"'()[]{}")
		if len(w) >= 4 {
			counts[w]++
		}
	}

	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})

	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, ", ")
}

// leadingSentence returns the first sentence of text, capped at max runes.
func leadingSentence(text string, max int) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexAny(text, ".!?"); i >= 0 {
		text = text[:i+1]
	}
	runes := []rune(text)
	if len(runes) > max {
		text = string(runes[:max])
	}
	return text
}
