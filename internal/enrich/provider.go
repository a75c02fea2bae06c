// Package enrich produces AI metadata for indexed pages: keywords, a short
// description, and an embedding vector. A live OpenAI-compatible provider
// and a deterministic mock share one interface; the client layer adds
// retries and graceful degradation.
package enrich

import "context"

// Metadata is the LLM output for one page.
type Metadata struct {
	Keywords    string `json:"keywords"`
	Description string `json:"description"`
}

// Result is the full enrichment output for one page. Embedding is nil when
// embedding generation failed but metadata succeeded.
type Result struct {
	Keywords    string
	Description string
	Embedding   []float32
}

// Provider generates enrichment outputs. Implementations must be safe for
// concurrent use.
type Provider interface {
	// GenerateMetadata extracts keywords and a description from page text.
	GenerateMetadata(ctx context.Context, title, content string) (*Metadata, error)

	// GenerateEmbedding embeds the given text.
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)

	// HealthCheck reports whether the provider is reachable.
	HealthCheck(ctx context.Context) error
}
