package enrich

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/webmem/webmem/pkg/models"
)

// Client wraps a Provider with retries and graceful degradation. Metadata
// failure degrades to placeholder keywords; embedding failure degrades to
// a nil vector. Enrichment never blocks ingestion.
type Client struct {
	provider Provider
	retries  uint64
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewClient creates an enrichment client. retries is the number of retry
// attempts after the first call; timeout bounds each individual attempt.
func NewClient(provider Provider, retries int, timeout time.Duration, logger zerolog.Logger) *Client {
	if retries < 0 {
		retries = 0
	}
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &Client{
		provider: provider,
		retries:  uint64(retries),
		timeout:  timeout,
		logger:   logger.With().Str("component", "enrich").Logger(),
	}
}

// Enrich produces the full enrichment result for a page. It always returns
// a usable result: failed branches degrade rather than error.
func (c *Client) Enrich(ctx context.Context, pageURL, title, content string) *Result {
	result := &Result{}

	meta, err := c.metadataWithRetry(ctx, title, content)
	if err != nil {
		// Synthesized stand-in: the title doubles as the description and
		// the most frequent content tokens become keywords.
		c.logger.Warn().Err(err).Str("url", pageURL).
			Msg("metadata generation failed, using placeholder metadata")
		result.Keywords = topWords(content, 8)
		result.Description = title
	} else {
		result.Keywords = meta.Keywords
		result.Description = meta.Description
	}

	embedding, err := c.embeddingWithRetry(ctx, embeddingInput(title, result.Keywords, content))
	if err != nil {
		c.logger.Warn().Err(err).Str("url", pageURL).
			Msg("embedding generation failed, page stays lexical-only")
	} else {
		result.Embedding = embedding
	}

	return result
}

// QueryEmbedding embeds a search query. Exhausted retries surface as
// ErrEnrichmentUnavailable so the caller can fall back.
func (c *Client) QueryEmbedding(ctx context.Context, query string) ([]float32, error) {
	embedding, err := c.embeddingWithRetry(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrEnrichmentUnavailable, err)
	}
	return embedding, nil
}

// ProviderHealth probes the underlying provider once, without retries.
func (c *Client) ProviderHealth(ctx context.Context) error {
	return c.provider.HealthCheck(ctx)
}

func (c *Client) metadataWithRetry(ctx context.Context, title, content string) (*Metadata, error) {
	var meta *Metadata
	err := c.retry(ctx, func(attemptCtx context.Context) error {
		var err error
		meta, err = c.provider.GenerateMetadata(attemptCtx, title, content)
		return err
	})
	return meta, err
}

func (c *Client) embeddingWithRetry(ctx context.Context, text string) ([]float32, error) {
	var embedding []float32
	err := c.retry(ctx, func(attemptCtx context.Context) error {
		var err error
		embedding, err = c.provider.GenerateEmbedding(attemptCtx, text)
		return err
	})
	return embedding, err
}

func (c *Client) retry(ctx context.Context, op func(context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 5 * time.Second

	return backoff.Retry(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		err := op(attemptCtx)
		if err != nil && ctx.Err() != nil {
			// Caller is gone, stop retrying.
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, c.retries), ctx))
}

// embeddingInput combines the page signals into one embedding document.
func embeddingInput(title, keywords, content string) string {
	var b strings.Builder
	if title != "" {
		b.WriteString(title)
		b.WriteString("\n")
	}
	if keywords != "" {
		b.WriteString(keywords)
		b.WriteString("\n")
	}
	b.WriteString(content)
	return b.String()
}
