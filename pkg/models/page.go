// Package models defines the shared data types for webmem.
package models

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds surfaced across component boundaries. The HTTP layer maps
// these to status codes; internal layers wrap them with context.
var (
	// ErrNotFound is returned when a page or cache entry does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned for rejected inputs (bad URL, empty query,
	// content too short). Validation errors are never retried.
	ErrValidation = errors.New("validation failed")

	// ErrEnrichmentUnavailable is returned when the enrichment provider
	// exhausted its retries. Ingestion degrades to no-embedding; search
	// falls back to the lexical-surrogate strategy.
	ErrEnrichmentUnavailable = errors.New("enrichment unavailable")

	// ErrDimensionMismatch is returned when a vector does not match the
	// index dimension. This is a programmer/configuration error.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// IndexStatus describes the outcome of an ingest request.
type IndexStatus string

const (
	StatusIndexed        IndexStatus = "indexed"
	StatusAlreadyIndexed IndexStatus = "already_indexed"
	StatusReindexed      IndexStatus = "reindexed"
	StatusRejected       IndexStatus = "rejected"
)

// Page is the primary entity: a visited web page with its enrichment
// outputs and access-frequency state.
type Page struct {
	ID          int64  `json:"id"`
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Keywords    string `json:"keywords"`
	Content     string `json:"content,omitempty"`
	FaviconURL  string `json:"favicon_url,omitempty"`

	// Embedding is nil until enrichment has produced one. Excluded from
	// API responses by default.
	Embedding []float32 `json:"-"`

	VisitCount   int64      `json:"visit_count"`
	FirstVisited *time.Time `json:"first_visited,omitempty"`
	LastVisited  *time.Time `json:"last_visited,omitempty"`
	IndexedAt    time.Time  `json:"indexed_at"`
	LastUpdated  time.Time  `json:"last_updated_at"`

	AccessFrequency float64 `json:"access_frequency"`
	RecencyScore    float64 `json:"recency_score"`
	ARCScore        float64 `json:"arc_score"`
}

// Validate checks the structural invariants of a page row.
func (p *Page) Validate() error {
	if p.URL == "" {
		return fmt.Errorf("%w: url is required", ErrValidation)
	}
	if p.VisitCount < 0 {
		return fmt.Errorf("%w: negative visit count", ErrValidation)
	}
	if p.FirstVisited != nil && p.LastVisited != nil && p.FirstVisited.After(*p.LastVisited) {
		return fmt.Errorf("%w: first_visited after last_visited", ErrValidation)
	}
	return nil
}

// IndexRequest is the ingest payload from the browser extension.
type IndexRequest struct {
	URL        string `json:"url"`
	Title      string `json:"title"`
	Content    string `json:"content"`
	FaviconURL string `json:"favicon_url,omitempty"`
}

// IndexResponse reports the outcome of an ingest request.
type IndexResponse struct {
	ID      int64       `json:"id"`
	Status  IndexStatus `json:"status"`
	Message string      `json:"message,omitempty"`
}

// ProbeResponse answers whether a URL is indexed and whether it is stale.
type ProbeResponse struct {
	Indexed      bool       `json:"indexed"`
	PageID       int64      `json:"page_id,omitempty"`
	NeedsReindex bool       `json:"needs_reindex"`
	LastUpdated  *time.Time `json:"last_updated,omitempty"`
}

// SearchResultMeta carries the per-result fusion diagnostics shown by the
// client on hover.
type SearchResultMeta struct {
	VectorScore  float64 `json:"vector_score"`
	KeywordScore float64 `json:"keyword_score"`
	AccessCount  int64   `json:"access_count"`
	FinalScore   float64 `json:"final_score"`
}

// SearchResult is a single fused search hit.
type SearchResult struct {
	ID             int64            `json:"id"`
	URL            string           `json:"url"`
	Title          string           `json:"title"`
	Description    string           `json:"description"`
	Keywords       string           `json:"keywords"`
	FaviconURL     string           `json:"favicon_url,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	RelevanceScore float64          `json:"relevance_score"`
	Metadata       SearchResultMeta `json:"metadata"`
}

// SearchResponse is the unified search reply.
type SearchResponse struct {
	Results    []SearchResult `json:"results"`
	Query      string         `json:"query"`
	TotalFound int            `json:"total_found"`
}

// VisitRequest records one visit to a URL.
type VisitRequest struct {
	URL string `json:"url"`
}

// VisitResponse returns the updated counters for the visited page.
type VisitResponse struct {
	PageID     int64   `json:"page_id"`
	VisitCount int64   `json:"visit_count"`
	ARCScore   float64 `json:"arc_score"`
}
