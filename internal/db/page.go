package db

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/webmem/webmem/pkg/models"
)

// pageColumns is the standard list of columns to select for pages.
// Keeps scans consistent across all page queries.
const pageColumns = `id, url, COALESCE(title, ''), COALESCE(description, ''), COALESCE(keywords, ''),
       COALESCE(content, ''), COALESCE(favicon_url, ''), embedding,
       visit_count, first_visited_epoch, last_visited_epoch,
       indexed_at_epoch, last_updated_epoch,
       access_frequency, recency_score, arc_score`

// CleanupFunc is a callback invoked with the IDs of deleted pages so
// downstream state (the vector index) can be kept in sync.
type CleanupFunc func(ctx context.Context, deletedIDs []int64)

// FTSHit is one lexical match: the page id at its 1-based rank position.
type FTSHit struct {
	ID       int64
	Position int
}

// PageStore provides page-related database operations.
type PageStore struct {
	store       *Store
	cleanupFunc CleanupFunc
}

// NewPageStore creates a new page store.
func NewPageStore(store *Store) *PageStore {
	return &PageStore{store: store}
}

// SetCleanupFunc sets the callback for when pages are deleted.
func (s *PageStore) SetCleanupFunc(fn CleanupFunc) {
	s.cleanupFunc = fn
}

// InsertPage stores a new page and returns its id.
func (s *PageStore) InsertPage(ctx context.Context, page *models.Page) (int64, error) {
	if err := page.Validate(); err != nil {
		return 0, err
	}

	now := time.Now()
	nowEpoch := now.UnixMilli()

	const query = `
		INSERT INTO pages
		(url, title, description, keywords, content, favicon_url, embedding,
		 visit_count, first_visited_epoch, last_visited_epoch,
		 indexed_at, indexed_at_epoch, last_updated_at, last_updated_epoch,
		 access_frequency, recency_score, arc_score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.store.ExecContext(ctx, query,
		page.URL, nullString(page.Title), nullString(page.Description),
		nullString(page.Keywords), nullString(page.Content), nullString(page.FaviconURL),
		encodeEmbedding(page.Embedding),
		page.VisitCount, nullEpoch(page.FirstVisited), nullEpoch(page.LastVisited),
		now.Format(time.RFC3339), nowEpoch, now.Format(time.RFC3339), nowEpoch,
		page.AccessFrequency, page.RecencyScore, page.ARCScore,
	)
	if err != nil {
		return 0, err
	}

	id, _ := result.LastInsertId()
	page.ID = id
	page.IndexedAt = now
	page.LastUpdated = now
	return id, nil
}

// UpdateContent replaces the content fields of an existing page and bumps
// last_updated. Used on re-index; visit counters are untouched.
func (s *PageStore) UpdateContent(ctx context.Context, id int64, title, content, faviconURL string) error {
	now := time.Now()

	const query = `
		UPDATE pages
		SET title = ?, content = ?, favicon_url = ?,
		    last_updated_at = ?, last_updated_epoch = ?
		WHERE id = ?
	`

	result, err := s.store.ExecContext(ctx, query,
		nullString(title), nullString(content), nullString(faviconURL),
		now.Format(time.RFC3339), now.UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("update page %d: %w", id, models.ErrNotFound)
	}
	return nil
}

// SetEnrichment writes the enrichment outputs (keywords, description,
// embedding) for a page, but only if the row has not been re-indexed since
// guardEpoch. Returns false when the write was discarded as stale.
func (s *PageStore) SetEnrichment(ctx context.Context, id int64, keywords, description string, embedding []float32, guardEpoch int64) (bool, error) {
	const query = `
		UPDATE pages
		SET keywords = ?, description = ?, embedding = ?
		WHERE id = ? AND last_updated_epoch = ?
	`

	result, err := s.store.ExecContext(ctx, query,
		nullString(keywords), nullString(description), encodeEmbedding(embedding),
		id, guardEpoch,
	)
	if err != nil {
		return false, err
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// GetPageByID retrieves a page by its id.
func (s *PageStore) GetPageByID(ctx context.Context, id int64) (*models.Page, error) {
	query := `SELECT ` + pageColumns + ` FROM pages WHERE id = ?`
	return s.scanOne(s.store.QueryRowContext(ctx, query, id))
}

// GetPageByURL retrieves a page by its exact URL.
func (s *PageStore) GetPageByURL(ctx context.Context, url string) (*models.Page, error) {
	query := `SELECT ` + pageColumns + ` FROM pages WHERE url = ?`
	return s.scanOne(s.store.QueryRowContext(ctx, query, url))
}

// ListPages returns pages ordered by last update, newest first.
func (s *PageStore) ListPages(ctx context.Context, limit, offset int) ([]*models.Page, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + pageColumns + `
		FROM pages
		ORDER BY last_updated_epoch DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.store.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPageRows(rows)
}

// CountPages returns the total number of stored pages.
func (s *PageStore) CountPages(ctx context.Context) (int64, error) {
	var count int64
	err := s.store.QueryRowContext(ctx, "SELECT COUNT(*) FROM pages").Scan(&count)
	return count, err
}

// DeletePage removes a page by id and notifies the cleanup callback.
func (s *PageStore) DeletePage(ctx context.Context, id int64) error {
	result, err := s.store.ExecContext(ctx, "DELETE FROM pages WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("delete page %d: %w", id, models.ErrNotFound)
	}
	if s.cleanupFunc != nil {
		s.cleanupFunc(ctx, []int64{id})
	}
	return nil
}

// DeletePages removes a batch of pages and notifies the cleanup callback.
// Returns the number of rows deleted.
func (s *PageStore) DeletePages(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	// #nosec G202 -- placeholders only, ids are int64
	result, err := s.store.db.ExecContext(ctx,
		"DELETE FROM pages WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return 0, err
	}

	n, _ := result.RowsAffected()
	if n > 0 && s.cleanupFunc != nil {
		s.cleanupFunc(ctx, ids)
	}
	return n, nil
}

// SearchPagesFTS performs full-text search over title, description,
// keywords and content. Hits come back in bm25 rank order with their
// 1-based positions.
func (s *PageStore) SearchPagesFTS(ctx context.Context, query string, limit int) ([]FTSHit, error) {
	if limit <= 0 {
		limit = 20
	}

	match := buildMatchExpr(query)
	if match == "" {
		return nil, nil
	}

	const ftsQuery = `
		SELECT p.id
		FROM pages p
		JOIN pages_fts fts ON p.id = fts.rowid
		WHERE pages_fts MATCH ?
		ORDER BY rank
		LIMIT ?
	`

	rows, err := s.store.QueryContext(ctx, ftsQuery, match, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []FTSHit
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		hits = append(hits, FTSHit{ID: id, Position: len(hits) + 1})
	}
	return hits, rows.Err()
}

// GetPagesByIDs fetches a set of pages keyed by id. Missing ids are
// silently absent from the result.
func (s *PageStore) GetPagesByIDs(ctx context.Context, ids []int64) (map[int64]*models.Page, error) {
	if len(ids) == 0 {
		return map[int64]*models.Page{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	// #nosec G202 -- placeholders only, ids are int64
	rows, err := s.store.db.QueryContext(ctx,
		`SELECT `+pageColumns+` FROM pages WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pages, err := scanPageRows(rows)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]*models.Page, len(pages))
	for _, p := range pages {
		byID[p.ID] = p
	}
	return byID, nil
}

// RecordVisit increments the visit counter for a URL and stamps the visit
// times. first_visited is set only once. Returns the updated page.
func (s *PageStore) RecordVisit(ctx context.Context, url string, now time.Time) (*models.Page, error) {
	nowEpoch := now.UnixMilli()

	const query = `
		UPDATE pages
		SET visit_count = visit_count + 1,
		    first_visited_epoch = COALESCE(first_visited_epoch, ?),
		    last_visited_epoch = ?
		WHERE url = ?
	`

	result, err := s.store.ExecContext(ctx, query, nowEpoch, nowEpoch, url)
	if err != nil {
		return nil, err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("record visit %s: %w", url, models.ErrNotFound)
	}

	return s.GetPageByURL(ctx, url)
}

// MaxVisitCount returns the largest visit counter across all pages.
func (s *PageStore) MaxVisitCount(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	err := s.store.QueryRowContext(ctx, "SELECT MAX(visit_count) FROM pages").Scan(&max)
	if err != nil {
		return 0, err
	}
	return max.Int64, nil
}

// ArcScoreDistribution counts pages per arc-score band.
func (s *PageStore) ArcScoreDistribution(ctx context.Context) (map[string]int64, error) {
	const query = `
		SELECT CASE
			WHEN arc_score < 0.2 THEN '0.0-0.2'
			WHEN arc_score < 0.4 THEN '0.2-0.4'
			WHEN arc_score < 0.6 THEN '0.4-0.6'
			WHEN arc_score < 0.8 THEN '0.6-0.8'
			ELSE '0.8-1.0'
		END AS bucket, COUNT(*)
		FROM pages
		GROUP BY bucket
	`
	return s.bucketCounts(ctx, query)
}

// VisitCountDistribution counts pages per visit-count band.
func (s *PageStore) VisitCountDistribution(ctx context.Context) (map[string]int64, error) {
	const query = `
		SELECT CASE
			WHEN visit_count = 0 THEN '0'
			WHEN visit_count < 10 THEN '1-9'
			WHEN visit_count < 100 THEN '10-99'
			WHEN visit_count < 1000 THEN '100-999'
			ELSE '1000+'
		END AS bucket, COUNT(*)
		FROM pages
		GROUP BY bucket
	`
	return s.bucketCounts(ctx, query)
}

func (s *PageStore) bucketCounts(ctx context.Context, query string) (map[string]int64, error) {
	rows, err := s.store.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	buckets := make(map[string]int64)
	for rows.Next() {
		var bucket string
		var count int64
		if err := rows.Scan(&bucket, &count); err != nil {
			return nil, err
		}
		buckets[bucket] = count
	}
	return buckets, rows.Err()
}

// HalveVisitCounts divides every visit counter by two, flooring at 1 for
// pages that have been visited at all. Returns the number of rows touched.
func (s *PageStore) HalveVisitCounts(ctx context.Context) (int64, error) {
	const query = `
		UPDATE pages
		SET visit_count = MAX(visit_count / 2, 1)
		WHERE visit_count > 0
	`

	result, err := s.store.ExecContext(ctx, query)
	if err != nil {
		return 0, err
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// UpdateScores persists the derived frequency/recency/arc scores for a page.
func (s *PageStore) UpdateScores(ctx context.Context, id int64, accessFrequency, recencyScore, arcScore float64) error {
	const query = `
		UPDATE pages
		SET access_frequency = ?, recency_score = ?, arc_score = ?
		WHERE id = ?
	`

	_, err := s.store.ExecContext(ctx, query, accessFrequency, recencyScore, arcScore, id)
	return err
}

// EvictionCandidates returns pages ordered by ascending arc score, oldest
// visit first on ties, skipping pages visited within the protection window
// ending at cutoffEpoch. Never-visited pages sort as the oldest.
func (s *PageStore) EvictionCandidates(ctx context.Context, cutoffEpoch int64, limit int) ([]*models.Page, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `SELECT ` + pageColumns + `
		FROM pages
		WHERE last_visited_epoch IS NULL OR last_visited_epoch < ?
		ORDER BY arc_score ASC, COALESCE(last_visited_epoch, 0) ASC, id ASC
		LIMIT ?
	`

	rows, err := s.store.QueryContext(ctx, query, cutoffEpoch, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPageRows(rows)
}

// AllEmbeddings streams every stored (id, embedding) pair, skipping pages
// without one. Used to rebuild the vector index at startup.
func (s *PageStore) AllEmbeddings(ctx context.Context, fn func(id int64, embedding []float32) error) error {
	rows, err := s.store.QueryContext(ctx,
		"SELECT id, embedding FROM pages WHERE embedding IS NOT NULL ORDER BY id")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return err
		}
		emb := decodeEmbedding(blob)
		if len(emb) == 0 {
			continue
		}
		if err := fn(id, emb); err != nil {
			return err
		}
	}
	return rows.Err()
}

// VisitedPages returns all pages with at least one recorded visit, for
// score recomputation sweeps.
func (s *PageStore) VisitedPages(ctx context.Context) ([]*models.Page, error) {
	query := `SELECT ` + pageColumns + `
		FROM pages
		WHERE visit_count > 0
		ORDER BY id
	`

	rows, err := s.store.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPageRows(rows)
}

func (s *PageStore) scanOne(row *sql.Row) (*models.Page, error) {
	page, err := scanPage(row.Scan)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	return page, err
}

func scanPageRows(rows *sql.Rows) ([]*models.Page, error) {
	var pages []*models.Page
	for rows.Next() {
		page, err := scanPage(rows.Scan)
		if err != nil {
			return nil, err
		}
		pages = append(pages, page)
	}
	return pages, rows.Err()
}

func scanPage(scan func(...interface{}) error) (*models.Page, error) {
	var (
		page       models.Page
		blob       []byte
		firstEpoch sql.NullInt64
		lastEpoch  sql.NullInt64
		indexedAt  int64
		updatedAt  int64
	)

	err := scan(
		&page.ID, &page.URL, &page.Title, &page.Description, &page.Keywords,
		&page.Content, &page.FaviconURL, &blob,
		&page.VisitCount, &firstEpoch, &lastEpoch,
		&indexedAt, &updatedAt,
		&page.AccessFrequency, &page.RecencyScore, &page.ARCScore,
	)
	if err != nil {
		return nil, err
	}

	page.Embedding = decodeEmbedding(blob)
	page.FirstVisited = epochPtr(firstEpoch)
	page.LastVisited = epochPtr(lastEpoch)
	page.IndexedAt = time.UnixMilli(indexedAt)
	page.LastUpdated = time.UnixMilli(updatedAt)
	return &page, nil
}

// buildMatchExpr turns a free-form query into an FTS5 MATCH expression.
// Each token is double-quoted to neutralize FTS operators, joined with OR.
func buildMatchExpr(query string) string {
	fields := strings.FieldsFunc(query, func(r rune) bool {
		return r == '"' || r == '\'' || r == '(' || r == ')' || r == '*' ||
			r == ':' || r == '^' || r == ',' || r == ' ' || r == '\t' || r == '\n'
	})

	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if f == "" {
			continue
		}
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " OR ")
}

// encodeEmbedding packs a float32 vector as a little-endian blob.
// A nil or empty vector is stored as NULL.
func encodeEmbedding(v []float32) interface{} {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeEmbedding unpacks a little-endian float32 blob.
func decodeEmbedding(buf []byte) []float32 {
	if len(buf) < 4 {
		return nil
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullEpoch(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func epochPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
