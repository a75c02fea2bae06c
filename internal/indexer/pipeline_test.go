package indexer

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webmem/webmem/internal/db"
	"github.com/webmem/webmem/internal/enrich"
	"github.com/webmem/webmem/internal/vector"
	"github.com/webmem/webmem/pkg/models"
)

const testDim = 8

var longContent = strings.Repeat("Goroutines multiplex onto operating system threads. ", 10)

func testPipeline(t *testing.T) (*Pipeline, *db.PageStore, *vector.Index, *enrich.MockProvider) {
	t.Helper()

	store, err := db.NewStore(db.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pages := db.NewPageStore(store)
	index := vector.NewIndex(testDim, 0)
	mock := enrich.NewMockProvider(testDim)
	client := enrich.NewClient(mock, 0, time.Second, zerolog.Nop())

	pipeline := New(pages, index, client, Config{
		Staleness:        3 * 24 * time.Hour,
		MinContentLength: 100,
		MaxContentLength: 10000,
	}, zerolog.Nop())
	return pipeline, pages, index, mock
}

func TestIndex_NewPage(t *testing.T) {
	pipeline, pages, index, _ := testPipeline(t)
	ctx := context.Background()

	resp, err := pipeline.Index(ctx, &models.IndexRequest{
		URL:     "https://Example.com/Article#section",
		Title:   "Scheduler Internals",
		Content: longContent,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusIndexed, resp.Status)
	assert.Greater(t, resp.ID, int64(0))

	pipeline.Close() // wait for background enrichment

	page, err := pages.GetPageByID(ctx, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/Article", page.URL) // host lowered, fragment gone
	assert.NotEmpty(t, page.Keywords)
	assert.Len(t, page.Embedding, testDim)
	assert.True(t, index.Has(resp.ID))
}

func TestIndex_RejectsShortContent(t *testing.T) {
	pipeline, _, _, _ := testPipeline(t)

	resp, err := pipeline.Index(context.Background(), &models.IndexRequest{
		URL:     "https://example.com/short",
		Content: "too short",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, resp.Status)
	assert.Contains(t, resp.Message, "100")
}

func TestIndex_ContentLengthBoundary(t *testing.T) {
	pipeline, _, _, _ := testPipeline(t)
	ctx := context.Background()

	resp, err := pipeline.Index(ctx, &models.IndexRequest{
		URL:     "https://example.com/boundary99",
		Content: strings.Repeat("b", 99),
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, resp.Status)

	resp, err = pipeline.Index(ctx, &models.IndexRequest{
		URL:     "https://example.com/boundary100",
		Content: strings.Repeat("b", 100),
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusIndexed, resp.Status)
	pipeline.Close()
}

func TestIndex_RejectsBadURL(t *testing.T) {
	pipeline, _, _, _ := testPipeline(t)
	ctx := context.Background()

	for _, raw := range []string{"ftp://example.com/x", "not a url at all://", "https:///nopath"} {
		resp, err := pipeline.Index(ctx, &models.IndexRequest{URL: raw, Content: longContent})
		require.NoError(t, err)
		assert.Equal(t, models.StatusRejected, resp.Status, raw)
	}
}

func TestIndex_TruncatesLongContent(t *testing.T) {
	pipeline, pages, _, _ := testPipeline(t)
	ctx := context.Background()

	huge := strings.Repeat("x", 20000)
	resp, err := pipeline.Index(ctx, &models.IndexRequest{URL: "https://example.com/huge", Content: huge})
	require.NoError(t, err)
	require.Equal(t, models.StatusIndexed, resp.Status)
	pipeline.Close()

	page, err := pages.GetPageByID(ctx, resp.ID)
	require.NoError(t, err)
	assert.Len(t, page.Content, 10000)
}

func TestIndex_DedupAndStaleness(t *testing.T) {
	pipeline, pages, _, mock := testPipeline(t)
	ctx := context.Background()

	first, err := pipeline.Index(ctx, &models.IndexRequest{URL: "https://example.com/a", Content: longContent})
	require.NoError(t, err)
	assert.Equal(t, models.StatusIndexed, first.Status)
	pipeline.Close()
	callsAfterFirst := mock.MetadataCalls()

	// Fresh repeat: dedup, no enrichment, but the capture counts as a visit.
	again, err := pipeline.Index(ctx, &models.IndexRequest{URL: "https://example.com/a#frag", Content: longContent})
	require.NoError(t, err)
	assert.Equal(t, models.StatusAlreadyIndexed, again.Status)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, callsAfterFirst, mock.MetadataCalls())

	page, err := pages.GetPageByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.VisitCount)
	assert.NotNil(t, page.LastVisited)

	// Push the clock past staleness: same URL re-indexes.
	pipeline.now = func() time.Time { return time.Now().Add(4 * 24 * time.Hour) }

	stale, err := pipeline.Index(ctx, &models.IndexRequest{URL: "https://example.com/a", Content: longContent + " updated."})
	require.NoError(t, err)
	assert.Equal(t, models.StatusReindexed, stale.Status)
	assert.Equal(t, first.ID, stale.ID)
	pipeline.Close()
	assert.Greater(t, mock.MetadataCalls(), callsAfterFirst)
}

func TestIndexNew_LostInsertRaceBecomesRefresh(t *testing.T) {
	pipeline, pages, _, _ := testPipeline(t)
	ctx := context.Background()

	first, err := pipeline.Index(ctx, &models.IndexRequest{URL: "https://example.com/race", Content: longContent})
	require.NoError(t, err)
	require.Equal(t, models.StatusIndexed, first.Status)
	pipeline.Close()

	// Simulate the loser of a concurrent first ingest: its lookup missed,
	// so it calls indexNew against a URL that now has a row. The unique
	// constraint rejects the insert and the ingest becomes a refresh.
	resp, err := pipeline.indexNew(ctx, "https://example.com/race",
		&models.IndexRequest{URL: "https://example.com/race", Content: longContent}, longContent)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAlreadyIndexed, resp.Status)
	assert.Equal(t, first.ID, resp.ID)

	count, err := pages.CountPages(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestIndex_EnrichmentFailureKeepsPageLexical(t *testing.T) {
	pipeline, pages, index, mock := testPipeline(t)
	mock.FailMetadata.Store(true)
	mock.FailEmbedding.Store(true)
	ctx := context.Background()

	resp, err := pipeline.Index(ctx, &models.IndexRequest{
		URL:     "https://example.com/degraded",
		Title:   "Degraded Mode Handling",
		Content: longContent,
	})
	require.NoError(t, err)
	require.Equal(t, models.StatusIndexed, resp.Status)
	pipeline.Close()

	page, err := pages.GetPageByID(ctx, resp.ID)
	require.NoError(t, err)
	assert.Contains(t, page.Keywords, "goroutines") // placeholder from content tokens
	assert.Equal(t, "Degraded Mode Handling", page.Description)
	assert.Nil(t, page.Embedding)
	assert.False(t, index.Has(resp.ID))
}

func TestProbe(t *testing.T) {
	pipeline, _, _, _ := testPipeline(t)
	ctx := context.Background()

	probe, err := pipeline.Probe(ctx, "https://example.com/x")
	require.NoError(t, err)
	assert.False(t, probe.Indexed)

	resp, err := pipeline.Index(ctx, &models.IndexRequest{URL: "https://example.com/x", Content: longContent})
	require.NoError(t, err)
	pipeline.Close()

	probe, err = pipeline.Probe(ctx, "https://example.com/x#frag")
	require.NoError(t, err)
	assert.True(t, probe.Indexed)
	assert.Equal(t, resp.ID, probe.PageID)
	assert.False(t, probe.NeedsReindex)

	pipeline.now = func() time.Time { return time.Now().Add(4 * 24 * time.Hour) }
	probe, err = pipeline.Probe(ctx, "https://example.com/x")
	require.NoError(t, err)
	assert.True(t, probe.NeedsReindex)

	_, err = pipeline.Probe(ctx, "ftp://example.com/x")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestReloadVectors(t *testing.T) {
	pipeline, pages, index, _ := testPipeline(t)
	ctx := context.Background()

	resp, err := pipeline.Index(ctx, &models.IndexRequest{URL: "https://example.com/v", Content: longContent})
	require.NoError(t, err)
	pipeline.Close()

	// Page without embedding is skipped.
	_, err = pages.InsertPage(ctx, &models.Page{URL: "https://example.com/plain", Content: longContent})
	require.NoError(t, err)

	index.Clear()
	require.False(t, index.Has(resp.ID))

	loaded, err := pipeline.ReloadVectors(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)
	assert.True(t, index.Has(resp.ID))
}

func TestNormalizeURL(t *testing.T) {
	cases := map[string]string{
		"https://Example.COM/Path/":        "https://example.com/Path",
		"https://example.com:443/a":        "https://example.com/a",
		"http://example.com:80/a":          "http://example.com/a",
		"https://example.com/a#fragment":   "https://example.com/a",
		"  https://example.com/a?q=1#f  ":  "https://example.com/a?q=1",
		"https://example.com/":             "https://example.com",
	}
	for in, want := range cases {
		got, err := NormalizeURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"ftp://example.com", "https://", "", "javascript:alert(1)"} {
		_, err := NormalizeURL(bad)
		assert.ErrorIs(t, err, models.ErrValidation, bad)
	}
}
