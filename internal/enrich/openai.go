package enrich

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

const defaultHTTPTimeout = 30 * time.Second

// metadataPrompt asks for strict JSON so the response parses without
// post-processing. Content is truncated upstream, so the prompt stays
// within context limits.
const metadataPrompt = `Extract metadata from this web page. Respond with JSON only, no prose:
{"keywords": "5-10 comma-separated keywords", "description": "1-2 sentence summary"}

Title: %s

Content:
%s`

// OpenAIProvider talks to an OpenAI-compatible API (chat completions for
// metadata, embeddings for vectors).
type OpenAIProvider struct {
	client         *http.Client
	baseURL        string
	token          string
	llmModel       string
	embeddingModel string
	dimension      int
}

// OpenAIConfig configures the live provider.
type OpenAIConfig struct {
	BaseURL        string
	Token          string
	LLMModel       string
	EmbeddingModel string
	Dimension      int
	Timeout        time.Duration
}

// NewOpenAIProvider creates a live provider against the given endpoint.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("enrichment endpoint is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &OpenAIProvider{
		client:         &http.Client{Timeout: timeout},
		baseURL:        strings.TrimSuffix(cfg.BaseURL, "/"),
		token:          cfg.Token,
		llmModel:       cfg.LLMModel,
		embeddingModel: cfg.EmbeddingModel,
		dimension:      cfg.Dimension,
	}, nil
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type embedRequest struct {
	Input          string `json:"input"`
	Model          string `json:"model"`
	EncodingFormat string `json:"encoding_format"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// GenerateMetadata extracts keywords and a description via chat completion.
func (p *OpenAIProvider) GenerateMetadata(ctx context.Context, title, content string) (*Metadata, error) {
	reqBody := chatRequest{
		Model: p.llmModel,
		Messages: []chatMessage{
			{Role: "user", Content: fmt.Sprintf(metadataPrompt, title, content)},
		},
	}

	var resp chatResponse
	if err := p.post(ctx, "/chat/completions", reqBody, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat API returned no choices (model=%s)", p.llmModel)
	}

	var meta Metadata
	raw := stripCodeFence(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("parse metadata response: %w", err)
	}
	return &meta, nil
}

// GenerateEmbedding embeds the given text.
func (p *OpenAIProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty embedding input")
	}

	reqBody := embedRequest{
		Input:          text,
		Model:          p.embeddingModel,
		EncodingFormat: "float",
	}

	var resp embedResponse
	if err := p.post(ctx, "/embeddings", reqBody, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding API returned no results (model=%s)", p.embeddingModel)
	}

	sort.Slice(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })

	emb := resp.Data[0].Embedding
	if p.dimension > 0 && len(emb) != p.dimension {
		return nil, fmt.Errorf("embedding API returned %d dims, want %d (model=%s)",
			len(emb), p.dimension, p.embeddingModel)
	}
	return emb, nil
}

// HealthCheck probes the models endpoint, which every OpenAI-compatible
// server exposes and which costs no tokens.
func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("reach %s: %w", p.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("enrichment API unhealthy (status=%d)", resp.StatusCode)
	}
	return nil
}

func (p *OpenAIProvider) post(ctx context.Context, path string, reqBody, out interface{}) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request to %s: %w", p.baseURL+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("enrichment API error (path=%s, status=%d): %s",
			path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	return nil
}

// stripCodeFence unwraps ```json fenced blocks some models insist on.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
