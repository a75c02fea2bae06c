package arc

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/webmem/webmem/internal/db"
	"github.com/webmem/webmem/pkg/models"
)

// EngineConfig configures capacity management.
type EngineConfig struct {
	// Capacity is the page count that triggers eviction.
	Capacity int

	// Headroom is how far below capacity an eviction run drains, so runs
	// don't fire on every insert at the boundary.
	Headroom int

	// ProtectWindow shields recently visited pages from eviction.
	ProtectWindow time.Duration

	// RandomTriggerProbability is the chance a visit kicks off an
	// opportunistic sweep, spreading eviction cost over normal traffic.
	RandomTriggerProbability float64

	// SweepInterval paces the periodic background sweep.
	SweepInterval time.Duration
}

// Stats is a snapshot of the engine's capacity state.
type Stats struct {
	PageCount     int64      `json:"page_count"`
	Capacity      int        `json:"capacity"`
	Headroom      int        `json:"headroom"`
	OverCapacity  bool       `json:"over_capacity"`
	TotalEvicted  int64      `json:"total_evicted"`
	SweepCount    int64      `json:"sweep_count"`
	LastSweepAt   *time.Time `json:"last_sweep_at,omitempty"`
	MaxVisitCount int64      `json:"max_visit_count"`

	ArcScoreBuckets   map[string]int64 `json:"arc_score_buckets"`
	VisitCountBuckets map[string]int64 `json:"visit_count_buckets"`
}

// Candidate is one page an eviction run would remove.
type Candidate struct {
	ID       int64   `json:"id"`
	URL      string  `json:"url"`
	ARCScore float64 `json:"arc_score"`
}

// Engine owns visit accounting, count suppression, score sweeps and
// capacity eviction over the page store.
type Engine struct {
	pages  *db.PageStore
	cfg    EngineConfig
	log    zerolog.Logger
	now    func() time.Time
	random func() float64

	stopCh chan struct{}
	doneCh chan struct{}

	mu           sync.Mutex
	running      bool
	totalEvicted int64
	sweepCount   int64
	lastSweepAt  *time.Time
}

// NewEngine creates an engine over the page store.
func NewEngine(pages *db.PageStore, cfg EngineConfig, log zerolog.Logger) *Engine {
	return &Engine{
		pages:  pages,
		cfg:    cfg,
		log:    log.With().Str("component", "arc").Logger(),
		now:    time.Now,
		random: rand.Float64,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// RecordVisit bumps the visit counter for a URL, refreshes the page's
// scores, applies count suppression when needed, and may opportunistically
// trigger an eviction sweep. Unknown URLs get a placeholder row so visits
// to pages that were never indexed still accumulate history.
func (e *Engine) RecordVisit(ctx context.Context, url string) (*models.Page, error) {
	now := e.now()

	page, err := e.pages.RecordVisit(ctx, url, now)
	if errors.Is(err, models.ErrNotFound) {
		// A racing insert loses on the unique URL constraint; the retry
		// below lands on whichever row won.
		if _, insErr := e.pages.InsertPage(ctx, &models.Page{URL: url, Title: url}); insErr == nil {
			e.log.Debug().Str("url", url).Msg("created placeholder page for visit tracking")
		}
		page, err = e.pages.RecordVisit(ctx, url, now)
	}
	if err != nil {
		return nil, err
	}

	if page.VisitCount >= SuppressionThreshold {
		if err := e.suppressCounts(ctx); err != nil {
			e.log.Warn().Err(err).Msg("visit count suppression failed")
		} else if page, err = e.pages.GetPageByID(ctx, page.ID); err != nil {
			return nil, err
		}
	}

	comp := Score(page, now)
	if err := e.pages.UpdateScores(ctx, page.ID, comp.AccessFrequency, comp.RecencyScore, comp.ARCScore); err != nil {
		return nil, err
	}
	page.AccessFrequency = comp.AccessFrequency
	page.RecencyScore = comp.RecencyScore
	page.ARCScore = comp.ARCScore

	if e.random() < e.cfg.RandomTriggerProbability {
		if _, err := e.Sweep(ctx); err != nil {
			e.log.Warn().Err(err).Msg("opportunistic sweep failed")
		}
	}

	return page, nil
}

// suppressCounts halves every visit counter.
func (e *Engine) suppressCounts(ctx context.Context) error {
	n, err := e.pages.HalveVisitCounts(ctx)
	if err != nil {
		return err
	}
	e.log.Info().Int64("pages", n).Msg("visit counters halved")
	return nil
}

// RecomputeScores refreshes the stored score columns of every visited
// page. Returns how many pages were updated.
func (e *Engine) RecomputeScores(ctx context.Context) (int, error) {
	now := e.now()

	pages, err := e.pages.VisitedPages(ctx)
	if err != nil {
		return 0, err
	}

	for _, page := range pages {
		comp := Score(page, now)
		if err := e.pages.UpdateScores(ctx, page.ID, comp.AccessFrequency, comp.RecencyScore, comp.ARCScore); err != nil {
			return 0, err
		}
	}
	return len(pages), nil
}

// Preview returns eviction candidates without removing them. With limit > 0
// it lists the limit most evictable pages even when the store is within
// capacity; otherwise it mirrors exactly what the next sweep would delete.
func (e *Engine) Preview(ctx context.Context, limit int) ([]Candidate, error) {
	var victims []*models.Page
	var err error
	if limit > 0 {
		cutoff := e.now().Add(-e.cfg.ProtectWindow).UnixMilli()
		victims, err = e.pages.EvictionCandidates(ctx, cutoff, limit)
	} else {
		victims, err = e.selectVictims(ctx)
	}
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(victims))
	for _, p := range victims {
		candidates = append(candidates, Candidate{ID: p.ID, URL: p.URL, ARCScore: p.ARCScore})
	}
	return candidates, nil
}

// Sweep runs one eviction pass: when the store is over capacity, the
// lowest-arc unprotected pages are deleted until the count is back at
// capacity minus headroom. Returns how many pages were evicted.
func (e *Engine) Sweep(ctx context.Context) (int64, error) {
	victims, err := e.selectVictims(ctx)
	if err != nil {
		return 0, err
	}

	now := e.now()
	e.mu.Lock()
	e.sweepCount++
	e.lastSweepAt = &now
	e.mu.Unlock()

	if len(victims) == 0 {
		return 0, nil
	}

	ids := make([]int64, len(victims))
	for i, p := range victims {
		ids[i] = p.ID
	}

	evicted, err := e.pages.DeletePages(ctx, ids)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	e.totalEvicted += evicted
	e.mu.Unlock()

	e.log.Info().Int64("evicted", evicted).Msg("capacity eviction run complete")
	return evicted, nil
}

// selectVictims picks the lowest-arc unprotected pages needed to get back
// under the target. Empty when the store is within capacity.
func (e *Engine) selectVictims(ctx context.Context) ([]*models.Page, error) {
	count, err := e.pages.CountPages(ctx)
	if err != nil {
		return nil, err
	}
	if e.cfg.Capacity <= 0 || count <= int64(e.cfg.Capacity) {
		return nil, nil
	}

	target := int64(e.cfg.Capacity - e.cfg.Headroom)
	if target < 0 {
		target = 0
	}
	need := int(count - target)

	cutoff := e.now().Add(-e.cfg.ProtectWindow).UnixMilli()
	return e.pages.EvictionCandidates(ctx, cutoff, need)
}

// Stats reports the engine's capacity state.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	count, err := e.pages.CountPages(ctx)
	if err != nil {
		return nil, err
	}
	maxVisits, err := e.pages.MaxVisitCount(ctx)
	if err != nil {
		return nil, err
	}
	arcBuckets, err := e.pages.ArcScoreDistribution(ctx)
	if err != nil {
		return nil, err
	}
	visitBuckets, err := e.pages.VisitCountDistribution(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return &Stats{
		PageCount:         count,
		Capacity:          e.cfg.Capacity,
		Headroom:          e.cfg.Headroom,
		OverCapacity:      e.cfg.Capacity > 0 && count > int64(e.cfg.Capacity),
		TotalEvicted:      e.totalEvicted,
		SweepCount:        e.sweepCount,
		LastSweepAt:       e.lastSweepAt,
		MaxVisitCount:     maxVisits,
		ArcScoreBuckets:   arcBuckets,
		VisitCountBuckets: visitBuckets,
	}, nil
}

// Start begins the periodic sweep loop. Blocks until Stop or context
// cancellation; callers run it in a goroutine.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		close(e.doneCh)
	}()

	interval := e.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}

	e.log.Info().Dur("interval", interval).Int("capacity", e.cfg.Capacity).
		Msg("starting eviction scheduler")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			if _, err := e.RecomputeScores(ctx); err != nil {
				e.log.Warn().Err(err).Msg("score sweep failed")
				continue
			}
			if _, err := e.Sweep(ctx); err != nil {
				e.log.Warn().Err(err).Msg("eviction sweep failed")
			}
		}
	}
}

// Stop signals the sweep loop to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	close(e.stopCh)
}

// Wait blocks until the sweep loop has exited.
func (e *Engine) Wait() {
	<-e.doneCh
}
