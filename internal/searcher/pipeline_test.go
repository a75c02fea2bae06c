package searcher

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webmem/webmem/internal/cache"
	"github.com/webmem/webmem/internal/db"
	"github.com/webmem/webmem/internal/enrich"
	"github.com/webmem/webmem/internal/vector"
	"github.com/webmem/webmem/pkg/models"
)

const testDim = 8

func defaultConfig() Config {
	return Config{
		MaxResults:     10,
		SemanticWeight: 0.7,
		KeywordWeight:  0.3,
		FreqWeight:     0.1,
		DropRatio:      0.4,
		MinAbsolute:    0.2,
		KLexical:       20,
	}
}

type fixture struct {
	searcher *Searcher
	pages    *db.PageStore
	index    *vector.Index
	mock     *enrich.MockProvider
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	store, err := db.NewStore(db.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pages := db.NewPageStore(store)
	index := vector.NewIndex(testDim, 0)
	qcache, err := cache.New(cache.Config{Capacity: 100, TTL: time.Hour}, zerolog.Nop())
	require.NoError(t, err)

	mock := enrich.NewMockProvider(testDim)
	client := enrich.NewClient(mock, 0, time.Second, zerolog.Nop())

	return &fixture{
		searcher: New(pages, index, qcache, client, cfg, zerolog.Nop()),
		pages:    pages,
		index:    index,
		mock:     mock,
	}
}

// addPage stores a page and indexes the mock embedding of embedText (the
// page's own semantic identity).
func (f *fixture) addPage(t *testing.T, url, title, content string) int64 {
	t.Helper()
	ctx := context.Background()

	emb, err := f.mock.GenerateEmbedding(ctx, title)
	require.NoError(t, err)

	id, err := f.pages.InsertPage(ctx, &models.Page{
		URL:       url,
		Title:     title,
		Content:   content,
		Embedding: emb,
	})
	require.NoError(t, err)
	require.NoError(t, f.index.Add(id, emb))
	return id
}

func TestSearch_EmptyQuery(t *testing.T) {
	f := newFixture(t, defaultConfig())

	_, err := f.searcher.Search(context.Background(), "   ")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestSearch_SemanticMatch(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	// The mock embeds identical text identically, so searching a page's
	// title is an exact semantic match.
	idGo := f.addPage(t, "https://example.com/go", "golang scheduler internals", "runtime scheduling details")
	f.addPage(t, "https://example.com/cook", "sourdough bread recipes", "flour water salt")

	resp, err := f.searcher.Search(ctx, "golang scheduler internals")
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, idGo, resp.Results[0].ID)
	assert.InDelta(t, 1.0, resp.Results[0].Metadata.VectorScore, 1e-5)
	assert.Greater(t, resp.Results[0].Metadata.KeywordScore, 0.0) // also a lexical hit
	assert.Equal(t, resp.Results[0].RelevanceScore, resp.Results[0].Metadata.FinalScore)
}

func TestSearch_KeywordPositionScoring(t *testing.T) {
	f := newFixture(t, Config{
		MaxResults:    10,
		KeywordWeight: 1.0, // isolate the lexical branch
		KLexical:      20,
	})
	f.mock.FailEmbedding.Store(true)
	ctx := context.Background()

	// Both pages are lexical hits; no embeddings means pure keyword order.
	_, err := f.pages.InsertPage(ctx, &models.Page{
		URL: "https://example.com/1", Title: "kubernetes kubernetes kubernetes",
		Content: "kubernetes operators explained",
	})
	require.NoError(t, err)
	_, err = f.pages.InsertPage(ctx, &models.Page{
		URL: "https://example.com/2", Title: "cloud platforms",
		Content: "a passing mention of kubernetes",
	})
	require.NoError(t, err)

	resp, err := f.searcher.Search(ctx, "kubernetes")
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.InDelta(t, 1.0, resp.Results[0].Metadata.KeywordScore, 1e-9)
	assert.InDelta(t, 0.9, resp.Results[1].Metadata.KeywordScore, 1e-9)
}

func TestSearch_EmbeddingCacheHit(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	f.addPage(t, "https://example.com/a", "observability tracing", "spans and traces")

	_, err := f.searcher.Search(ctx, "observability tracing")
	require.NoError(t, err)
	callsAfterFirst := f.mock.EmbeddingCalls()

	_, err = f.searcher.Search(ctx, "  Observability   TRACING ")
	require.NoError(t, err)
	assert.Equal(t, callsAfterFirst, f.mock.EmbeddingCalls()) // served from cache

	m := f.searcher.Metrics()
	assert.Equal(t, int64(2), m.TotalSearches)
	assert.Equal(t, int64(1), m.EmbeddingHits)
}

func TestSearch_SurrogateFallback(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	idA := f.addPage(t, "https://example.com/a", "rust borrow checker", "ownership rules")
	f.addPage(t, "https://example.com/b", "garbage collection tuning", "gc pauses")

	// Provider down: the top lexical hit's own embedding stands in.
	f.mock.FailEmbedding.Store(true)

	resp, err := f.searcher.Search(ctx, "borrow checker")
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, idA, resp.Results[0].ID)
	assert.InDelta(t, 1.0, resp.Results[0].Metadata.VectorScore, 1e-5)

	m := f.searcher.Metrics()
	assert.Equal(t, int64(1), m.SurrogateSearches)
	assert.Zero(t, m.LexicalOnly)
}

func TestSearch_LexicalOnlyWhenNoEmbeddings(t *testing.T) {
	f := newFixture(t, defaultConfig())
	f.mock.FailEmbedding.Store(true)
	ctx := context.Background()

	// Page never got an embedding, so no surrogate exists either.
	_, err := f.pages.InsertPage(ctx, &models.Page{
		URL: "https://example.com/plain", Title: "plain lexical page",
		Content: "words to find by matching",
	})
	require.NoError(t, err)

	resp, err := f.searcher.Search(ctx, "matching words")
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Zero(t, resp.Results[0].Metadata.VectorScore)

	assert.Equal(t, int64(1), f.searcher.Metrics().LexicalOnly)
}

func TestSearch_NoMatches(t *testing.T) {
	f := newFixture(t, defaultConfig())

	resp, err := f.searcher.Search(context.Background(), "nothing indexed yet")
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Zero(t, resp.TotalFound)
}

func TestSearch_FrequencyBoostBreaksTies(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	// Two identical lexical pages, one with a high arc score.
	_, err := f.pages.InsertPage(ctx, &models.Page{
		URL: "https://example.com/cold", Title: "terraform modules guide",
		Content: "reusable infrastructure",
	})
	require.NoError(t, err)

	hot := &models.Page{
		URL: "https://example.com/hot", Title: "terraform modules guide",
		Content: "reusable infrastructure",
	}
	idHot, err := f.pages.InsertPage(ctx, hot)
	require.NoError(t, err)
	require.NoError(t, f.pages.UpdateScores(ctx, idHot, 1, 1, 1))

	f.mock.FailEmbedding.Store(true)

	resp, err := f.searcher.Search(ctx, "terraform")
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, idHot, resp.Results[0].ID)
}

func TestSearch_CapsAtMaxResults(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxResults = 3
	cfg.DropRatio = 0 // isolate the cap
	f := newFixture(t, cfg)
	f.mock.FailEmbedding.Store(true)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := f.pages.InsertPage(ctx, &models.Page{
			URL:     fmt.Sprintf("https://example.com/p%d", i),
			Title:   "shared topic page",
			Content: "shared topic content",
		})
		require.NoError(t, err)
	}

	resp, err := f.searcher.Search(ctx, "topic")
	require.NoError(t, err)
	assert.Len(t, resp.Results, 3)
}

func TestDropFilter(t *testing.T) {
	s := &Searcher{cfg: Config{DropRatio: 0.4, MinAbsolute: 0.2}}

	// Cliff: 0.8 → 0.1 is an 87% drop below the absolute floor.
	ranked := []candidate{{final: 0.9}, {final: 0.8}, {final: 0.1}, {final: 0.05}}
	assert.Len(t, s.dropFilter(ranked), 2)

	// Large relative drop but still above MinAbsolute: keep.
	ranked = []candidate{{final: 0.9}, {final: 0.3}}
	assert.Len(t, s.dropFilter(ranked), 2)

	// Small drop below MinAbsolute: keep.
	ranked = []candidate{{final: 0.19}, {final: 0.15}}
	assert.Len(t, s.dropFilter(ranked), 2)

	// Zero head score cuts immediately.
	ranked = []candidate{{final: 0}, {final: 0}}
	assert.Len(t, s.dropFilter(ranked), 1)

	// Disabled filter passes everything.
	s.cfg.DropRatio = 0
	ranked = []candidate{{final: 0.9}, {final: 0.01}}
	assert.Len(t, s.dropFilter(ranked), 2)
}

func TestFuse_Weights(t *testing.T) {
	s := &Searcher{cfg: Config{SemanticWeight: 0.7, KeywordWeight: 0.3}}

	out := s.fuse(
		[]db.FTSHit{{ID: 1, Position: 1}, {ID: 2, Position: 2}},
		[]vector.Hit{{ID: 1, Score: 0.5}},
	)
	byID := map[int64]candidate{}
	for _, c := range out {
		byID[c.id] = c
	}

	// id 1: both branches. 0.7*0.5 + 0.3*1.0 = 0.65
	assert.InDelta(t, 0.65, byID[1].final, 1e-9)
	// id 2: lexical only at position 2. 0.3*0.9 = 0.27
	assert.InDelta(t, 0.27, byID[2].final, 1e-9)
}

func TestFuse_KeywordFloor(t *testing.T) {
	s := &Searcher{cfg: Config{KeywordWeight: 1}}

	out := s.fuse([]db.FTSHit{{ID: 1, Position: 15}}, nil)
	require.Len(t, out, 1)
	assert.InDelta(t, 0.1, out[0].keyword, 1e-9)
}

func TestNormalizeQuery(t *testing.T) {
	assert.Equal(t, "hello world", normalizeQuery("  Hello \t WORLD \n"))
	assert.Equal(t, "", normalizeQuery("   "))
}
