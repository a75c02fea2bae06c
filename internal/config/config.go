// Package config provides configuration management for webmem.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultListenAddr binds to loopback only; the browser extension is
	// the single client and runs on the same host.
	DefaultListenAddr = "127.0.0.1:8400"

	// DefaultEmbeddingDimension matches the reference provider output.
	DefaultEmbeddingDimension = 2048

	// MaxContentLength bounds page content on ingest, in characters.
	MaxContentLength = 10000

	// MinContentLength rejects trivial pages on ingest, in characters.
	MinContentLength = 100
)

// StoreConfig configures the SQLite document store.
type StoreConfig struct {
	Path          string `yaml:"path"`
	StalenessDays int    `yaml:"staleness_days"`
	MaxConns      int    `yaml:"max_conns"`
}

// EnrichmentConfig configures the LLM/embedding provider. An empty
// endpoint selects the deterministic mock provider.
type EnrichmentConfig struct {
	Endpoint       string `yaml:"endpoint"`
	Token          string `yaml:"token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Retries        int    `yaml:"retries"`
	LLMModel       string `yaml:"llm_model"`
	EmbeddingModel string `yaml:"embedding_model"`
}

// EmbeddingConfig configures vector dimensionality.
type EmbeddingConfig struct {
	Dimension int `yaml:"dimension"`
}

// VectorConfig configures the in-memory vector index.
type VectorConfig struct {
	SoftCap int `yaml:"soft_cap"`
}

// CacheConfig configures the query-embedding cache.
type CacheConfig struct {
	Capacity     int    `yaml:"capacity"`
	TTLDays      int    `yaml:"ttl_days"`
	Path         string `yaml:"path"`
	PersistEvery int    `yaml:"persist_every"`
}

// EvictionConfig configures the ARC eviction engine.
type EvictionConfig struct {
	Capacity                 int     `yaml:"capacity"`
	Headroom                 int     `yaml:"headroom"`
	ProtectWindowMinutes     int     `yaml:"protect_window_minutes"`
	RandomTriggerProbability float64 `yaml:"random_trigger_probability"`
	SweepIntervalMinutes     int     `yaml:"sweep_interval_minutes"`
}

// SearchConfig configures retrieval fusion and filtering.
type SearchConfig struct {
	MaxResults     int     `yaml:"max_results"`
	SemanticWeight float64 `yaml:"semantic_weight"`
	KeywordWeight  float64 `yaml:"keyword_weight"`
	FreqWeight     float64 `yaml:"freq_weight"`
	DropRatio      float64 `yaml:"drop_ratio"`
	MinAbsolute    float64 `yaml:"min_absolute"`
	KLexical       int     `yaml:"k_lexical"`
}

// Config holds the application configuration.
type Config struct {
	ListenAddr string           `yaml:"listen_addr"`
	LogLevel   string           `yaml:"log_level"`
	Store      StoreConfig      `yaml:"store"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Vector     VectorConfig     `yaml:"vector"`
	Cache      CacheConfig      `yaml:"cache"`
	Eviction   EvictionConfig   `yaml:"eviction"`
	Search     SearchConfig     `yaml:"search"`
}

// DataDir returns the data directory path (~/.webmem).
func DataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".webmem")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0o750)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		ListenAddr: DefaultListenAddr,
		LogLevel:   "info",
		Store: StoreConfig{
			Path:          filepath.Join(DataDir(), "webmem.db"),
			StalenessDays: 3,
			MaxConns:      4,
		},
		Embedding: EmbeddingConfig{Dimension: DefaultEmbeddingDimension},
		Enrichment: EnrichmentConfig{
			TimeoutSeconds: 30,
			Retries:        3,
			LLMModel:       "gpt-4o-mini",
			EmbeddingModel: "text-embedding-3-small",
		},
		Vector: VectorConfig{SoftCap: 10000},
		Cache: CacheConfig{
			Capacity:     1000,
			TTLDays:      7,
			Path:         filepath.Join(DataDir(), "query_cache.json"),
			PersistEvery: 20,
		},
		Eviction: EvictionConfig{
			Capacity:                 1000,
			Headroom:                 50,
			ProtectWindowMinutes:     60,
			RandomTriggerProbability: 0.01,
			SweepIntervalMinutes:     60,
		},
		Search: SearchConfig{
			MaxResults:     10,
			SemanticWeight: 0.7,
			KeywordWeight:  0.3,
			FreqWeight:     0.1,
			DropRatio:      0.4,
			MinAbsolute:    0.2,
			KLexical:       20,
		},
	}
}

// Load loads configuration from the given YAML file, merging with defaults
// and applying WEBMEM_* environment overrides. A missing file is not an
// error; a malformed one is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Defaults only.
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides config fields from WEBMEM_* environment variables.
func (c *Config) applyEnv() {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}

	setStr("WEBMEM_LISTEN_ADDR", &c.ListenAddr)
	setStr("WEBMEM_LOG_LEVEL", &c.LogLevel)
	setStr("WEBMEM_STORE_PATH", &c.Store.Path)
	setInt("WEBMEM_STORE_STALENESS_DAYS", &c.Store.StalenessDays)
	setStr("WEBMEM_ENRICHMENT_ENDPOINT", &c.Enrichment.Endpoint)
	setStr("WEBMEM_ENRICHMENT_TOKEN", &c.Enrichment.Token)
	setInt("WEBMEM_ENRICHMENT_RETRIES", &c.Enrichment.Retries)
	setStr("WEBMEM_ENRICHMENT_LLM_MODEL", &c.Enrichment.LLMModel)
	setStr("WEBMEM_ENRICHMENT_EMBEDDING_MODEL", &c.Enrichment.EmbeddingModel)
	setInt("WEBMEM_EMBEDDING_DIMENSION", &c.Embedding.Dimension)
	setInt("WEBMEM_VECTOR_SOFT_CAP", &c.Vector.SoftCap)
	setInt("WEBMEM_CACHE_CAPACITY", &c.Cache.Capacity)
	setInt("WEBMEM_CACHE_TTL_DAYS", &c.Cache.TTLDays)
	setStr("WEBMEM_CACHE_PATH", &c.Cache.Path)
	setInt("WEBMEM_EVICTION_CAPACITY", &c.Eviction.Capacity)
	setFloat("WEBMEM_EVICTION_RANDOM_TRIGGER", &c.Eviction.RandomTriggerProbability)
	setInt("WEBMEM_SEARCH_MAX_RESULTS", &c.Search.MaxResults)
}

func (c *Config) validate() error {
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive, got %d", c.Embedding.Dimension)
	}
	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("cache.capacity must be positive, got %d", c.Cache.Capacity)
	}
	if c.Eviction.Capacity <= 0 {
		return fmt.Errorf("eviction.capacity must be positive, got %d", c.Eviction.Capacity)
	}
	if c.Eviction.Headroom >= c.Eviction.Capacity {
		return fmt.Errorf("eviction.headroom (%d) must be below eviction.capacity (%d)",
			c.Eviction.Headroom, c.Eviction.Capacity)
	}
	if c.Search.DropRatio < 0 || c.Search.DropRatio > 1 {
		return fmt.Errorf("search.drop_ratio must be in [0,1], got %v", c.Search.DropRatio)
	}
	if lvl := strings.ToLower(c.LogLevel); lvl != "" {
		switch lvl {
		case "trace", "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("unknown log_level %q", c.LogLevel)
		}
	}
	return nil
}

// Staleness returns the re-index staleness window as a duration.
func (c *Config) Staleness() time.Duration {
	return time.Duration(c.Store.StalenessDays) * 24 * time.Hour
}

// EnrichmentTimeout returns the per-call enrichment timeout.
func (c *Config) EnrichmentTimeout() time.Duration {
	return time.Duration(c.Enrichment.TimeoutSeconds) * time.Second
}

// ProtectWindow returns the eviction protection window.
func (c *Config) ProtectWindow() time.Duration {
	return time.Duration(c.Eviction.ProtectWindowMinutes) * time.Minute
}

// SweepInterval returns the periodic eviction sweep interval.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Eviction.SweepIntervalMinutes) * time.Minute
}

// CacheTTL returns the query-embedding cache TTL.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLDays) * 24 * time.Hour
}
