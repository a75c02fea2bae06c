package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/webmem/webmem/internal/arc"
	"github.com/webmem/webmem/internal/cache"
	"github.com/webmem/webmem/internal/db"
	"github.com/webmem/webmem/internal/enrich"
	"github.com/webmem/webmem/internal/indexer"
	"github.com/webmem/webmem/internal/searcher"
	"github.com/webmem/webmem/internal/vector"
)

const (
	httpTimeout     = 60 * time.Second
	maxRequestBody  = 2 << 20 // 2 MiB, bounded page captures
	shutdownTimeout = 10 * time.Second
)

// Deps are the wired application components the server exposes.
type Deps struct {
	Pages    *db.PageStore
	Index    *vector.Index
	Cache    *cache.QueryCache
	Engine   *arc.Engine
	Indexer  *indexer.Pipeline
	Searcher *searcher.Searcher
	Enricher *enrich.Client
}

// Service is the HTTP front of the daemon.
type Service struct {
	deps    Deps
	log     zerolog.Logger
	server  *http.Server
	version string
}

// New creates the HTTP service on the given listen address.
func New(addr, version string, deps Deps, log zerolog.Logger) *Service {
	s := &Service{
		deps:    deps,
		log:     log.With().Str("component", "server").Logger(),
		version: version,
	}

	router := chi.NewRouter()
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(httpTimeout))
	router.Use(SecurityHeaders)
	router.Use(MaxBodySize(maxRequestBody))
	router.Use(RequestLogger(s.log))

	router.Get("/health", s.handleHealth)

	router.Route("/api", func(r chi.Router) {
		r.Post("/index", s.handleIndex)
		r.Get("/index/probe", s.handleProbe)

		r.Get("/search", s.handleSearch)
		r.Post("/visits", s.handleVisit)

		r.Get("/pages", s.handleListPages)
		r.Get("/pages/{id}", s.handleGetPage)
		r.Delete("/pages/{id}", s.handleDeletePage)

		r.Get("/cache/stats", s.handleCacheStats)
		r.Get("/cache/top", s.handleCacheTop)
		r.Post("/cache/clear", s.handleCacheClear)
		r.Post("/cache/cleanup", s.handleCacheCleanup)

		r.Get("/eviction/stats", s.handleEvictionStats)
		r.Get("/eviction/preview", s.handleEvictionPreview)
		r.Post("/eviction/run", s.handleEvictionRun)

		r.Get("/stats", s.handleStats)
	})

	s.server = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, for tests.
func (s *Service) Handler() http.Handler {
	return s.server.Handler
}

// ListenAndServe blocks serving HTTP until Shutdown.
func (s *Service) ListenAndServe() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("listening")
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Service) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}
