// Package main provides the entry point for the webmem daemon.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/webmem/webmem/internal/arc"
	"github.com/webmem/webmem/internal/cache"
	"github.com/webmem/webmem/internal/config"
	"github.com/webmem/webmem/internal/db"
	"github.com/webmem/webmem/internal/enrich"
	"github.com/webmem/webmem/internal/indexer"
	"github.com/webmem/webmem/internal/searcher"
	"github.com/webmem/webmem/internal/server"
	"github.com/webmem/webmem/internal/vector"
)

var Version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	log.Info().Str("version", Version).Str("addr", cfg.ListenAddr).Msg("Starting webmem daemon")

	if err := config.EnsureDataDir(); err != nil {
		log.Fatal().Err(err).Msg("Failed to create data directory")
	}

	store, err := db.NewStore(db.StoreConfig{Path: cfg.Store.Path, MaxConns: cfg.Store.MaxConns})
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Store.Path).Msg("Failed to open store")
	}
	defer store.Close()

	pages := db.NewPageStore(store)
	index := vector.NewIndex(cfg.Embedding.Dimension, cfg.Vector.SoftCap)
	pages.SetCleanupFunc(func(_ context.Context, ids []int64) { index.RemoveMany(ids) })

	qcache, err := cache.New(cache.Config{
		Capacity:     cfg.Cache.Capacity,
		TTL:          cfg.CacheTTL(),
		Path:         cfg.Cache.Path,
		PersistEvery: cfg.Cache.PersistEvery,
	}, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create query cache")
	}

	var provider enrich.Provider
	if cfg.Enrichment.Endpoint == "" {
		log.Warn().Msg("No enrichment endpoint configured, using deterministic mock provider")
		provider = enrich.NewMockProvider(cfg.Embedding.Dimension)
	} else {
		provider, err = enrich.NewOpenAIProvider(enrich.OpenAIConfig{
			BaseURL:        cfg.Enrichment.Endpoint,
			Token:          cfg.Enrichment.Token,
			LLMModel:       cfg.Enrichment.LLMModel,
			EmbeddingModel: cfg.Enrichment.EmbeddingModel,
			Dimension:      cfg.Embedding.Dimension,
			Timeout:        cfg.EnrichmentTimeout(),
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create enrichment provider")
		}
	}
	enricher := enrich.NewClient(provider, cfg.Enrichment.Retries, cfg.EnrichmentTimeout(), log.Logger)

	engine := arc.NewEngine(pages, arc.EngineConfig{
		Capacity:                 cfg.Eviction.Capacity,
		Headroom:                 cfg.Eviction.Headroom,
		ProtectWindow:            cfg.ProtectWindow(),
		RandomTriggerProbability: cfg.Eviction.RandomTriggerProbability,
		SweepInterval:            cfg.SweepInterval(),
	}, log.Logger)

	pipeline := indexer.New(pages, index, enricher, indexer.Config{
		Staleness:        cfg.Staleness(),
		MinContentLength: config.MinContentLength,
		MaxContentLength: config.MaxContentLength,
	}, log.Logger)

	search := searcher.New(pages, index, qcache, enricher, searcher.Config{
		MaxResults:     cfg.Search.MaxResults,
		SemanticWeight: cfg.Search.SemanticWeight,
		KeywordWeight:  cfg.Search.KeywordWeight,
		FreqWeight:     cfg.Search.FreqWeight,
		DropRatio:      cfg.Search.DropRatio,
		MinAbsolute:    cfg.Search.MinAbsolute,
		KLexical:       cfg.Search.KLexical,
	}, log.Logger)

	// The vector index lives in memory only; rebuild it before serving.
	startupCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	if _, err := pipeline.ReloadVectors(startupCtx); err != nil {
		cancel()
		log.Fatal().Err(err).Msg("Failed to reload vector index")
	}
	cancel()

	engineCtx, engineCancel := context.WithCancel(context.Background())
	go engine.Start(engineCtx)

	svc := server.New(cfg.ListenAddr, Version, server.Deps{
		Pages:    pages,
		Index:    index,
		Cache:    qcache,
		Engine:   engine,
		Indexer:  pipeline,
		Searcher: search,
		Enricher: enricher,
	}, log.Logger)

	serveErr := make(chan error, 1)
	go func() { serveErr <- svc.ListenAndServe() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("Server failed")
		}
	case <-quit:
		log.Info().Msg("Received shutdown signal")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown error")
	}

	engineCancel()
	engine.Wait()
	pipeline.Close()

	if err := qcache.Save(); err != nil {
		log.Error().Err(err).Msg("Query cache save failed")
	}

	log.Info().Msg("Daemon shutdown complete")
}
