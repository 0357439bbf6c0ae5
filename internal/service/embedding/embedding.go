// Package embedding turns record text into vectors for semantic duplicate
// detection. Providers return pgvector.Vector so results can be stored
// directly in the records table.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/futago/internal/dedup"
)

// Provider generates vector embeddings from text.
type Provider interface {
	// Embed generates a single embedding vector from text.
	Embed(ctx context.Context, text string) (pgvector.Vector, error)

	// EmbedBatch generates embeddings for multiple texts, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error)

	// Dimensions returns the embedding vector dimensionality.
	Dimensions() int
}

// IsNoop reports whether p produces only zero vectors.
func IsNoop(p Provider) bool {
	if p == nil {
		return true
	}
	_, ok := p.(*NoopProvider)
	return ok
}

// Func adapts p to the dedup engine's EmbeddingFunc. A noop provider yields
// nil so the engine skips the semantic pass instead of scoring zero vectors.
func Func(p Provider) dedup.EmbeddingFunc {
	if IsNoop(p) {
		return nil
	}
	return func(ctx context.Context, text string) ([]float32, error) {
		v, err := p.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		return v.Slice(), nil
	}
}

// Settings selects and configures a provider.
type Settings struct {
	Provider     string // "auto", "openai", "ollama", "noop"
	Dimensions   int
	OpenAIAPIKey string
	OpenAIModel  string
	OllamaURL    string
	OllamaModel  string
}

// New picks a provider. "auto" prefers a reachable Ollama (on-premises), then
// OpenAI when a key is set, then noop.
func New(ctx context.Context, s Settings, logger *slog.Logger) Provider {
	dims := s.Dimensions
	switch s.Provider {
	case "openai":
		if s.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when FUTAGO_EMBEDDING_PROVIDER=openai")
			return NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", s.OpenAIModel, "dimensions", dims)
		return NewOpenAIProvider(s.OpenAIAPIKey, s.OpenAIModel, dims)

	case "ollama":
		logger.Info("embedding provider: ollama", "url", s.OllamaURL, "model", s.OllamaModel, "dimensions", dims)
		return NewOllamaProvider(s.OllamaURL, s.OllamaModel, dims)

	case "noop":
		logger.Info("embedding provider: noop (semantic matching disabled)")
		return NewNoopProvider(dims)

	default:
		if OllamaReachable(ctx, s.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", s.OllamaURL, "model", s.OllamaModel, "dimensions", dims)
			return NewOllamaProvider(s.OllamaURL, s.OllamaModel, dims)
		}
		if s.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", s.OpenAIModel, "dimensions", dims)
			return NewOpenAIProvider(s.OpenAIAPIKey, s.OpenAIModel, dims)
		}
		logger.Warn("no embedding provider available, using noop (semantic matching disabled)")
		return NewNoopProvider(dims)
	}
}

const openAIEmbeddingsURL = "https://api.openai.com/v1/embeddings"

// OpenAIProvider generates embeddings using the OpenAI API.
type OpenAIProvider struct {
	apiKey     string
	model      string
	endpoint   string
	httpClient *http.Client
	dimensions int
}

// NewOpenAIProvider creates an OpenAI provider. dimensions is sent with each
// request so text-embedding-3 models truncate to the configured size.
func NewOpenAIProvider(apiKey, model string, dimensions int) *OpenAIProvider {
	return &OpenAIProvider{
		apiKey:     apiKey,
		model:      model,
		endpoint:   openAIEmbeddingsURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dimensions: dimensions,
	}
}

// WithEndpoint overrides the embeddings URL (proxies, tests).
func (p *OpenAIProvider) WithEndpoint(url string) *OpenAIProvider {
	p.endpoint = url
	return p
}

// Dimensions returns the embedding vector size.
func (p *OpenAIProvider) Dimensions() int {
	return p.dimensions
}

type openAIRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openAIResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Embed generates a single embedding.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return pgvector.Vector{}, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts in a single API call.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	reqBody, err := json.Marshal(openAIRequest{Input: texts, Model: p.model, Dimensions: p.dimensions})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("embedding: read response: %w", err)
	}

	var result openAIResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("embedding: unmarshal response (status %d): %w", resp.StatusCode, err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("embedding: openai error: %s: %s", result.Error.Type, result.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding: unexpected status %d", resp.StatusCode)
	}

	vecs := make([]pgvector.Vector, len(texts))
	filled := 0
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding: invalid index %d in response", d.Index)
		}
		vecs[d.Index] = pgvector.NewVector(d.Embedding)
		filled++
	}
	if filled != len(texts) {
		return nil, fmt.Errorf("embedding: expected %d embeddings, got %d", len(texts), filled)
	}
	return vecs, nil
}

// NoopProvider returns zero vectors. Used when no provider is available.
type NoopProvider struct {
	dims int
}

// NewNoopProvider creates a provider that returns zero vectors.
func NewNoopProvider(dims int) *NoopProvider {
	return &NoopProvider{dims: dims}
}

// Dimensions returns the embedding vector size.
func (p *NoopProvider) Dimensions() int {
	return p.dims
}

// Embed returns a zero vector.
func (p *NoopProvider) Embed(_ context.Context, _ string) (pgvector.Vector, error) {
	return pgvector.NewVector(make([]float32, p.dims)), nil
}

// EmbedBatch returns zero vectors.
func (p *NoopProvider) EmbedBatch(_ context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs := make([]pgvector.Vector, len(texts))
	for i := range vecs {
		vecs[i] = pgvector.NewVector(make([]float32, p.dims))
	}
	return vecs, nil
}
