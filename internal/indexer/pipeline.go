// Package indexer implements the page ingestion pipeline: validation,
// dedup against the store, shell persistence, and background enrichment.
package indexer

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/webmem/webmem/internal/db"
	"github.com/webmem/webmem/internal/enrich"
	"github.com/webmem/webmem/internal/vector"
	"github.com/webmem/webmem/pkg/models"
)

// enrichTimeout bounds one background enrichment, detached from the
// originating request.
const enrichTimeout = 2 * time.Minute

// Pipeline ingests pages. The handler path is synchronous and fast; the
// enrichment work runs in background goroutines tracked for shutdown.
type Pipeline struct {
	pages     *db.PageStore
	index     *vector.Index
	enricher  *enrich.Client
	staleness time.Duration
	minLen    int
	maxLen    int
	log       zerolog.Logger
	now       func() time.Time

	wg sync.WaitGroup
}

// Config configures the ingestion pipeline.
type Config struct {
	// Staleness is how old a page's content may get before a repeat
	// ingest re-indexes instead of deduplicating.
	Staleness time.Duration

	// MinContentLength rejects pages with less usable text.
	MinContentLength int

	// MaxContentLength truncates stored content.
	MaxContentLength int
}

// New creates an ingestion pipeline.
func New(pages *db.PageStore, index *vector.Index, enricher *enrich.Client, cfg Config, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		pages:     pages,
		index:     index,
		enricher:  enricher,
		staleness: cfg.Staleness,
		minLen:    cfg.MinContentLength,
		maxLen:    cfg.MaxContentLength,
		log:       log.With().Str("component", "indexer").Logger(),
		now:       time.Now,
	}
}

// Index ingests one page. The returned status distinguishes a fresh index,
// a dedup hit, a staleness-driven re-index, and a rejection.
func (p *Pipeline) Index(ctx context.Context, req *models.IndexRequest) (*models.IndexResponse, error) {
	normalized, err := NormalizeURL(req.URL)
	if err != nil {
		return &models.IndexResponse{
			Status:  models.StatusRejected,
			Message: err.Error(),
		}, nil
	}

	content := strings.TrimSpace(req.Content)
	if len([]rune(content)) < p.minLen {
		return &models.IndexResponse{
			Status:  models.StatusRejected,
			Message: fmt.Sprintf("content below %d characters", p.minLen),
		}, nil
	}
	if runes := []rune(content); len(runes) > p.maxLen {
		content = string(runes[:p.maxLen])
	}

	existing, err := p.pages.GetPageByURL(ctx, normalized)
	switch {
	case err == nil:
		return p.reindexIfStale(ctx, existing, req, content)
	case err == models.ErrNotFound:
		return p.indexNew(ctx, normalized, req, content)
	default:
		return nil, err
	}
}

func (p *Pipeline) indexNew(ctx context.Context, normalized string, req *models.IndexRequest, content string) (*models.IndexResponse, error) {
	page := &models.Page{
		URL:        normalized,
		Title:      strings.TrimSpace(req.Title),
		Content:    content,
		FaviconURL: req.FaviconURL,
	}

	id, err := p.pages.InsertPage(ctx, page)
	if err != nil {
		// Lost a same-URL race on the unique constraint: the winner's row
		// exists now, so this ingest becomes a refresh.
		if existing, getErr := p.pages.GetPageByURL(ctx, normalized); getErr == nil {
			return p.reindexIfStale(ctx, existing, req, content)
		}
		return nil, err
	}

	p.scheduleEnrichment(id, normalized, page.Title, content, page.LastUpdated.UnixMilli())

	p.log.Debug().Int64("id", id).Str("url", normalized).Msg("page indexed")
	return &models.IndexResponse{ID: id, Status: models.StatusIndexed}, nil
}

func (p *Pipeline) reindexIfStale(ctx context.Context, existing *models.Page, req *models.IndexRequest, content string) (*models.IndexResponse, error) {
	if p.now().Sub(existing.LastUpdated) < p.staleness {
		// A repeat capture of fresh content still counts as a visit.
		if _, err := p.pages.RecordVisit(ctx, existing.URL, p.now()); err != nil {
			return nil, err
		}
		return &models.IndexResponse{ID: existing.ID, Status: models.StatusAlreadyIndexed}, nil
	}

	title := strings.TrimSpace(req.Title)
	if err := p.pages.UpdateContent(ctx, existing.ID, title, content, req.FaviconURL); err != nil {
		return nil, err
	}

	refreshed, err := p.pages.GetPageByID(ctx, existing.ID)
	if err != nil {
		return nil, err
	}

	p.scheduleEnrichment(existing.ID, existing.URL, title, content, refreshed.LastUpdated.UnixMilli())

	p.log.Debug().Int64("id", existing.ID).Str("url", existing.URL).Msg("stale page re-indexed")
	return &models.IndexResponse{ID: existing.ID, Status: models.StatusReindexed}, nil
}

// scheduleEnrichment runs enrichment off the request path. guardEpoch pins
// the page revision; a write-back after another re-index is discarded.
func (p *Pipeline) scheduleEnrichment(id int64, pageURL, title, content string, guardEpoch int64) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), enrichTimeout)
		defer cancel()

		result := p.enricher.Enrich(ctx, pageURL, title, content)

		landed, err := p.pages.SetEnrichment(ctx, id, result.Keywords, result.Description, result.Embedding, guardEpoch)
		if err != nil {
			p.log.Error().Err(err).Int64("id", id).Msg("enrichment write-back failed")
			return
		}
		if !landed {
			p.log.Debug().Int64("id", id).Msg("enrichment discarded, page re-indexed meanwhile")
			return
		}

		if len(result.Embedding) > 0 {
			if err := p.index.Add(id, result.Embedding); err != nil {
				p.log.Error().Err(err).Int64("id", id).Msg("vector index update failed")
			}
		}
	}()
}

// Probe reports whether a URL is indexed and whether its content has gone
// stale, so the extension can skip pointless captures.
func (p *Pipeline) Probe(ctx context.Context, rawURL string) (*models.ProbeResponse, error) {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}

	page, err := p.pages.GetPageByURL(ctx, normalized)
	if err == models.ErrNotFound {
		return &models.ProbeResponse{Indexed: false, NeedsReindex: false}, nil
	}
	if err != nil {
		return nil, err
	}

	return &models.ProbeResponse{
		Indexed:      true,
		PageID:       page.ID,
		NeedsReindex: p.now().Sub(page.LastUpdated) >= p.staleness,
		LastUpdated:  &page.LastUpdated,
	}, nil
}

// ReloadVectors rebuilds the in-memory vector index from stored
// embeddings. Called once at startup.
func (p *Pipeline) ReloadVectors(ctx context.Context) (int, error) {
	p.index.Clear()

	loaded := 0
	err := p.pages.AllEmbeddings(ctx, func(id int64, embedding []float32) error {
		if err := p.index.Add(id, embedding); err != nil {
			// Dimension drift between runs: skip, re-enrichment will heal it.
			p.log.Warn().Err(err).Int64("id", id).Msg("stored embedding skipped")
			return nil
		}
		loaded++
		return nil
	})
	if err != nil {
		return loaded, err
	}

	p.log.Info().Int("vectors", loaded).Msg("vector index reloaded")
	return loaded, nil
}

// Close waits for in-flight enrichment goroutines to finish.
func (p *Pipeline) Close() {
	p.wg.Wait()
}

// NormalizeURL canonicalizes a page URL: scheme and host lowercase,
// fragment dropped, default port and trailing slash trimmed. Only http and
// https pages are indexable.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrValidation, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", models.ErrValidation, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: url has no host", models.ErrValidation)
	}

	u.Scheme = scheme
	u.Host = strings.ToLower(u.Host)
	if scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	} else {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")

	return u.String(), nil
}
