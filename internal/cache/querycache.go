// Package cache provides the persistent query-embedding cache: repeated
// searches reuse their embedding instead of calling the provider again.
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// Entry is one cached query embedding. TTL counts from CreatedAt; access
// only bumps the counters, never the lifetime.
type Entry struct {
	Query       string    `json:"query"`
	Embedding   []float32 `json:"embedding"`
	CreatedAt   time.Time `json:"created_at"`
	LastAccess  time.Time `json:"last_access"`
	AccessCount int64     `json:"access_count"`
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Size     int     `json:"size"`
	Capacity int     `json:"capacity"`
	Hits     int64   `json:"hits"`
	Misses   int64   `json:"misses"`
	HitRate  float64 `json:"hit_rate"`
}

// TopQuery is one frequently repeated query.
type TopQuery struct {
	Query       string `json:"query"`
	AccessCount int64  `json:"access_count"`
}

// QueryCache is an LRU+TTL cache of query embeddings with batched disk
// persistence. Safe for concurrent use.
type QueryCache struct {
	mu           sync.Mutex
	entries      *lru.Cache[string, *Entry]
	capacity     int
	ttl          time.Duration
	path         string
	persistEvery int

	hits   int64
	misses int64
	dirty  int

	logger zerolog.Logger
}

// Config configures the query cache. Path may be empty to disable
// persistence. PersistEvery is the number of mutations between saves.
type Config struct {
	Capacity     int
	TTL          time.Duration
	Path         string
	PersistEvery int
}

// New creates a query cache and loads any persisted entries, dropping the
// ones whose TTL already lapsed.
func New(cfg Config, logger zerolog.Logger) (*QueryCache, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("cache capacity must be positive, got %d", cfg.Capacity)
	}

	entries, err := lru.New[string, *Entry](cfg.Capacity)
	if err != nil {
		return nil, err
	}

	persistEvery := cfg.PersistEvery
	if persistEvery <= 0 {
		persistEvery = 20
	}

	c := &QueryCache{
		entries:      entries,
		capacity:     cfg.Capacity,
		ttl:          cfg.TTL,
		path:         cfg.Path,
		persistEvery: persistEvery,
		logger:       logger.With().Str("component", "querycache").Logger(),
	}

	if err := c.load(); err != nil {
		// A corrupt cache file only costs warm-up; start empty.
		c.logger.Warn().Err(err).Str("path", cfg.Path).Msg("discarding unreadable query cache")
	}
	return c, nil
}

// normalizeQuery lowercases and collapses whitespace so trivially equal
// queries share one entry.
func normalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// Get returns the cached embedding for a query, or ok=false on miss or
// expiry. Hits bump the access counters.
func (c *QueryCache) Get(query string) ([]float32, bool) {
	key := normalizeQuery(query)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries.Get(key)
	if !ok {
		c.misses++
		return nil, false
	}

	if c.expired(entry, now) {
		c.entries.Remove(key)
		c.misses++
		c.markDirty()
		return nil, false
	}

	entry.LastAccess = now
	entry.AccessCount++
	c.hits++
	c.markDirty()
	return entry.Embedding, true
}

// Put stores an embedding for a query, resetting its TTL.
func (c *QueryCache) Put(query string, embedding []float32) {
	key := normalizeQuery(query)
	if key == "" || len(embedding) == 0 {
		return
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries.Add(key, &Entry{
		Query:       key,
		Embedding:   embedding,
		CreatedAt:   now,
		LastAccess:  now,
		AccessCount: 1,
	})
	c.markDirty()
}

// Stats returns a snapshot of the cache counters.
func (c *QueryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{
		Size:     c.entries.Len(),
		Capacity: c.capacity,
		Hits:     c.hits,
		Misses:   c.misses,
		HitRate:  rate,
	}
}

// Top returns the n most accessed live entries, most accessed first with
// lexicographic ties.
func (c *QueryCache) Top(n int) []TopQuery {
	if n <= 0 {
		return nil
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var top []TopQuery
	for _, key := range c.entries.Keys() {
		entry, ok := c.entries.Peek(key)
		if !ok || c.expired(entry, now) {
			continue
		}
		top = append(top, TopQuery{Query: entry.Query, AccessCount: entry.AccessCount})
	}

	sort.Slice(top, func(i, j int) bool {
		if top[i].AccessCount != top[j].AccessCount {
			return top[i].AccessCount > top[j].AccessCount
		}
		return top[i].Query < top[j].Query
	})

	if len(top) > n {
		top = top[:n]
	}
	return top
}

// CleanupExpired removes every expired entry and returns how many were
// dropped.
func (c *QueryCache) CleanupExpired() int {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.entries.Keys() {
		entry, ok := c.entries.Peek(key)
		if ok && c.expired(entry, now) {
			c.entries.Remove(key)
			removed++
		}
	}
	if removed > 0 {
		c.markDirty()
	}
	return removed
}

// Clear drops all entries and persists the empty state.
func (c *QueryCache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.entries.Len()
	c.entries.Purge()
	c.dirty = 0
	if err := c.saveLocked(); err != nil {
		c.logger.Warn().Err(err).Msg("persist after clear failed")
	}
	return n
}

// Save forces a persistence pass regardless of the dirty counter.
func (c *QueryCache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty = 0
	return c.saveLocked()
}

// Len returns the number of entries, expired ones included.
func (c *QueryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

func (c *QueryCache) expired(entry *Entry, now time.Time) bool {
	return c.ttl > 0 && now.Sub(entry.CreatedAt) > c.ttl
}

// markDirty batches persistence: every persistEvery-th mutation flushes.
// Callers hold the mutex.
func (c *QueryCache) markDirty() {
	if c.path == "" {
		return
	}
	c.dirty++
	if c.dirty < c.persistEvery {
		return
	}
	c.dirty = 0
	if err := c.saveLocked(); err != nil {
		c.logger.Warn().Err(err).Msg("query cache persistence failed")
	}
}

type cacheFile struct {
	SavedAt time.Time `json:"saved_at"`
	Hits    int64     `json:"hits"`
	Misses  int64     `json:"misses"`
	Entries []*Entry  `json:"entries"`
}

// saveLocked writes the cache atomically (temp file then rename). Callers
// hold the mutex.
func (c *QueryCache) saveLocked() error {
	if c.path == "" {
		return nil
	}

	file := cacheFile{SavedAt: time.Now(), Hits: c.hits, Misses: c.misses}
	for _, key := range c.entries.Keys() {
		if entry, ok := c.entries.Peek(key); ok {
			file.Entries = append(file.Entries, entry)
		}
	}

	data, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("marshal query cache: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o750); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write query cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("replace query cache: %w", err)
	}
	return nil
}

func (c *QueryCache) load() error {
	if c.path == "" {
		return nil
	}

	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var file cacheFile
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}

	// Hit/miss counters survive restarts with the entries.
	c.hits = file.Hits
	c.misses = file.Misses

	now := time.Now()
	loaded := 0
	for _, entry := range file.Entries {
		if entry == nil || entry.Query == "" || len(entry.Embedding) == 0 {
			continue
		}
		if c.expired(entry, now) {
			continue
		}
		c.entries.Add(entry.Query, entry)
		loaded++
	}

	c.logger.Debug().Int("loaded", loaded).Int("persisted", len(file.Entries)).
		Msg("query cache restored")
	return nil
}
