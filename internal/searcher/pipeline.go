// Package searcher implements unified retrieval: lexical and semantic
// branches run in parallel, their scores fuse with a frequency boost, and
// a similarity-drop filter trims the tail.
package searcher

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/webmem/webmem/internal/cache"
	"github.com/webmem/webmem/internal/db"
	"github.com/webmem/webmem/internal/enrich"
	"github.com/webmem/webmem/internal/vector"
	"github.com/webmem/webmem/pkg/models"
)

// slowQueryThreshold triggers a warning log for sluggish searches.
const slowQueryThreshold = 500 * time.Millisecond

var whitespaceRe = regexp.MustCompile(`\s+`)

// Config holds the fusion weights and filter thresholds.
type Config struct {
	// MaxResults caps the response size.
	MaxResults int

	// SemanticWeight, KeywordWeight and FreqWeight blend the branch
	// scores into the final ranking score.
	SemanticWeight float64
	KeywordWeight  float64
	FreqWeight     float64

	// DropRatio and MinAbsolute drive the similarity-drop filter: the
	// list truncates where the relative score drop reaches DropRatio and
	// the next score is already below MinAbsolute.
	DropRatio   float64
	MinAbsolute float64

	// KLexical is the candidate pool size fetched per branch.
	KLexical int
}

// Metrics is a snapshot of search counters.
type Metrics struct {
	TotalSearches     int64   `json:"total_searches"`
	EmbeddingHits     int64   `json:"embedding_cache_hits"`
	SurrogateSearches int64   `json:"surrogate_searches"`
	LexicalOnly       int64   `json:"lexical_only_searches"`
	Coalesced         int64   `json:"coalesced_searches"`
	Errors            int64   `json:"errors"`
	SlowQueries       int64   `json:"slow_queries"`
	AvgLatencyMs      float64 `json:"avg_latency_ms"`
}

type metrics struct {
	totalSearches     atomic.Int64
	embeddingHits     atomic.Int64
	surrogateSearches atomic.Int64
	lexicalOnly       atomic.Int64
	coalesced         atomic.Int64
	errors            atomic.Int64
	slowQueries       atomic.Int64
	totalLatencyUs    atomic.Int64
}

// Searcher executes fused searches. Safe for concurrent use; identical
// concurrent queries coalesce into one execution.
type Searcher struct {
	pages    *db.PageStore
	index    *vector.Index
	cache    *cache.QueryCache
	enricher *enrich.Client
	cfg      Config
	log      zerolog.Logger

	group   singleflight.Group
	metrics metrics
}

// New creates a searcher.
func New(pages *db.PageStore, index *vector.Index, qcache *cache.QueryCache, enricher *enrich.Client, cfg Config, log zerolog.Logger) *Searcher {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 10
	}
	if cfg.KLexical <= 0 {
		cfg.KLexical = 20
	}
	return &Searcher{
		pages:    pages,
		index:    index,
		cache:    qcache,
		enricher: enricher,
		cfg:      cfg,
		log:      log.With().Str("component", "searcher").Logger(),
	}
}

// Search runs the full retrieval pipeline for a query.
func (s *Searcher) Search(ctx context.Context, query string) (*models.SearchResponse, error) {
	normalized := normalizeQuery(query)
	if normalized == "" {
		return nil, fmt.Errorf("%w: empty query", models.ErrValidation)
	}

	start := time.Now()
	s.metrics.totalSearches.Add(1)

	v, err, shared := s.group.Do(normalized, func() (interface{}, error) {
		return s.search(ctx, normalized)
	})
	if shared {
		s.metrics.coalesced.Add(1)
	}
	if err != nil {
		s.metrics.errors.Add(1)
		return nil, err
	}

	elapsed := time.Since(start)
	s.metrics.totalLatencyUs.Add(elapsed.Microseconds())
	if elapsed > slowQueryThreshold {
		s.metrics.slowQueries.Add(1)
		s.log.Warn().Str("query", normalized).Dur("elapsed", elapsed).Msg("slow search")
	}

	return v.(*models.SearchResponse), nil
}

// candidate accumulates branch scores for one page.
type candidate struct {
	id       int64
	semantic float64
	keyword  float64
	final    float64
}

func (s *Searcher) search(ctx context.Context, query string) (*models.SearchResponse, error) {
	var (
		lexHits  []db.FTSHit
		queryEmb []float32
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		lexHits, err = s.pages.SearchPagesFTS(gctx, query, s.cfg.KLexical)
		return err
	})
	g.Go(func() error {
		queryEmb = s.queryEmbedding(gctx, query)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Last resort for the semantic branch: borrow the top lexical hit's
	// own embedding as a stand-in for the query.
	if queryEmb == nil && len(lexHits) > 0 {
		if emb, ok := s.index.Get(lexHits[0].ID); ok {
			queryEmb = emb
			s.metrics.surrogateSearches.Add(1)
		}
	}

	var semHits []vector.Hit
	if queryEmb != nil {
		var err error
		semHits, err = s.index.Search(queryEmb, s.cfg.KLexical)
		if err != nil {
			return nil, err
		}
	} else {
		s.metrics.lexicalOnly.Add(1)
	}

	candidates := s.fuse(lexHits, semHits)

	ids := make([]int64, len(candidates))
	for i, c := range candidates {
		ids[i] = c.id
	}
	pages, err := s.pages.GetPagesByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	// Frequency boost, then final ordering.
	for i := range candidates {
		if page, ok := pages[candidates[i].id]; ok {
			candidates[i].final += s.cfg.FreqWeight * page.ARCScore
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.final != b.final {
			return a.final > b.final
		}
		if a.semantic != b.semantic {
			return a.semantic > b.semantic
		}
		if a.keyword != b.keyword {
			return a.keyword > b.keyword
		}
		return a.id > b.id
	})

	if len(candidates) > s.cfg.MaxResults {
		candidates = candidates[:s.cfg.MaxResults]
	}
	candidates = s.dropFilter(candidates)

	results := make([]models.SearchResult, 0, len(candidates))
	for _, c := range candidates {
		page, ok := pages[c.id]
		if !ok {
			continue // deleted between branch and hydration
		}
		results = append(results, models.SearchResult{
			ID:             page.ID,
			URL:            page.URL,
			Title:          page.Title,
			Description:    page.Description,
			Keywords:       page.Keywords,
			FaviconURL:     page.FaviconURL,
			CreatedAt:      page.IndexedAt,
			RelevanceScore: c.final,
			Metadata: models.SearchResultMeta{
				VectorScore:  c.semantic,
				KeywordScore: c.keyword,
				AccessCount:  page.VisitCount,
				FinalScore:   c.final,
			},
		})
	}

	return &models.SearchResponse{
		Results:    results,
		Query:      query,
		TotalFound: len(results),
	}, nil
}

// queryEmbedding resolves the query vector: cache first, then the
// provider. Failures return nil; the caller falls back further.
func (s *Searcher) queryEmbedding(ctx context.Context, query string) []float32 {
	if emb, ok := s.cache.Get(query); ok {
		s.metrics.embeddingHits.Add(1)
		return emb
	}

	emb, err := s.enricher.QueryEmbedding(ctx, query)
	if err != nil {
		s.log.Debug().Err(err).Str("query", query).Msg("query embedding unavailable")
		return nil
	}

	s.cache.Put(query, emb)
	return emb
}

// fuse merges branch hits into weighted candidates. Lexical rank position
// maps to a fixed-decrement keyword score flooring at 0.1.
func (s *Searcher) fuse(lexHits []db.FTSHit, semHits []vector.Hit) []candidate {
	byID := make(map[int64]*candidate, len(lexHits)+len(semHits))

	for _, h := range semHits {
		byID[h.ID] = &candidate{id: h.ID, semantic: h.Score}
	}
	for _, h := range lexHits {
		score := 1.0 - 0.1*float64(h.Position-1)
		if score < 0.1 {
			score = 0.1
		}
		if c, ok := byID[h.ID]; ok {
			c.keyword = score
		} else {
			byID[h.ID] = &candidate{id: h.ID, keyword: score}
		}
	}

	out := make([]candidate, 0, len(byID))
	for _, c := range byID {
		c.final = s.cfg.SemanticWeight*c.semantic + s.cfg.KeywordWeight*c.keyword
		out = append(out, *c)
	}
	return out
}

// dropFilter truncates the ranked list at the first cliff: a relative
// score drop of DropRatio or more landing below MinAbsolute. Everything
// past the cliff is noise relative to the head.
func (s *Searcher) dropFilter(ranked []candidate) []candidate {
	if s.cfg.DropRatio <= 0 {
		return ranked
	}
	for i := 1; i < len(ranked); i++ {
		prev, next := ranked[i-1].final, ranked[i].final
		if prev <= 0 {
			return ranked[:i]
		}
		drop := (prev - next) / prev
		if drop >= s.cfg.DropRatio && next < s.cfg.MinAbsolute {
			return ranked[:i]
		}
	}
	return ranked
}

// Metrics returns a snapshot of the search counters.
func (s *Searcher) Metrics() Metrics {
	total := s.metrics.totalSearches.Load()
	avg := 0.0
	if total > 0 {
		avg = float64(s.metrics.totalLatencyUs.Load()) / float64(total) / 1000.0
	}
	return Metrics{
		TotalSearches:     total,
		EmbeddingHits:     s.metrics.embeddingHits.Load(),
		SurrogateSearches: s.metrics.surrogateSearches.Load(),
		LexicalOnly:       s.metrics.lexicalOnly.Load(),
		Coalesced:         s.metrics.coalesced.Load(),
		Errors:            s.metrics.errors.Load(),
		SlowQueries:       s.metrics.slowQueries.Load(),
		AvgLatencyMs:      avg,
	}
}

// normalizeQuery lowercases and collapses whitespace, mirroring the query
// cache's key normalization.
func normalizeQuery(query string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(strings.ToLower(query), " "))
}
