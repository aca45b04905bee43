package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/quarry-labs/quarry/internal/core/domain"
	"github.com/quarry-labs/quarry/internal/core/ports/driven"
	"github.com/quarry-labs/quarry/internal/ratelimit"
)

// Ensure LocalProvider implements the interface.
var _ driven.EmbeddingProvider = (*LocalProvider)(nil)

// Default local provider configuration values.
const (
	DefaultLocalBaseURL = "http://localhost:11434"
	DefaultLocalModel   = "nomic-embed-text"
	DefaultLocalTimeout = 120 * time.Second
)

// Known dimensions for common local models.
var localModelDimensions = map[string]int{
	"nomic-embed-text": 768,
	"all-minilm":       384,
	"mxbai-embed-large": 1024,
}

// LocalConfig holds configuration for a local inference server
// (Ollama-compatible API).
type LocalConfig struct {
	// BaseURL is the server URL (default: http://localhost:11434).
	BaseURL string

	// Model is the embedding model to use (default: nomic-embed-text).
	Model string

	// Timeout is the request timeout (default: 120s, local inference
	// can be slow on first load).
	Timeout time.Duration

	// Dimensions overrides the model's known dimension.
	Dimensions int
}

// LocalProvider generates embeddings through an Ollama-compatible server.
// The API embeds one prompt per request, so batches are sent sequentially.
type LocalProvider struct {
	client     *http.Client
	baseURL    string
	model      string
	dimensions int
}

// localRequest is the Ollama embeddings request format.
type localRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// localResponse is the Ollama embeddings response format.
type localResponse struct {
	Embedding []float64 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

// NewLocalProvider creates a local embedding provider.
func NewLocalProvider(cfg LocalConfig, rt driven.Runtime) (*LocalProvider, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultLocalBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultLocalModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultLocalTimeout
	}

	dimensions := cfg.Dimensions
	if dimensions == 0 {
		var ok bool
		dimensions, ok = localModelDimensions[cfg.Model]
		if !ok {
			dimensions = 768 // Default fallback
		}
	}

	client := rt.HTTPClient()
	if client.Timeout == 0 {
		client = &http.Client{Timeout: cfg.Timeout, Transport: client.Transport}
	}

	return &LocalProvider{
		client:     client,
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		dimensions: dimensions,
	}, nil
}

// Embed generates embeddings for the given texts, one request per text.
func (p *LocalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		embedding, err := p.embedOne(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed text %d: %w", i, err)
		}
		embeddings[i] = embedding
	}
	return embeddings, nil
}

// embedOne sends one embedding request.
func (p *LocalProvider) embedOne(ctx context.Context, text string) ([]float32, error) {
	jsonBody, err := json.Marshal(localRequest{Model: p.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		p.baseURL+"/api/embeddings",
		bytes.NewReader(jsonBody),
	)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &ratelimit.RateLimitError{RetryAfter: retryAfter(resp)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("local provider error (status %d): %s", resp.StatusCode, string(body))
	}

	var embedResp localResponse
	if err := json.Unmarshal(body, &embedResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if embedResp.Error != "" {
		return nil, fmt.Errorf("local provider error: %s", embedResp.Error)
	}

	embedding := make([]float32, len(embedResp.Embedding))
	for i, v := range embedResp.Embedding {
		embedding[i] = float32(v)
	}
	return embedding, nil
}

// Dimensions returns the embedding vector size.
func (p *LocalProvider) Dimensions() int { return p.dimensions }

// ModelName returns the name of the embedding model being used.
func (p *LocalProvider) ModelName() string { return p.model }

// Close releases resources.
func (p *LocalProvider) Close() error { return nil }
