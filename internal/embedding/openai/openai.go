// Package openai embeds text through an OpenAI-compatible or Ollama HTTP API.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"ragindex/internal/domain"
)

// Supported API flavours.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// Client is an embeddings client implementing domain.Embedder.
type Client struct {
	provider  string
	model     string
	dimension int
	http      *resty.Client
	limiter   *rate.Limiter
}

// Config configures the embeddings client.
type Config struct {
	Provider  string
	BaseURL   string
	APIKeyEnv string
	Model     string
	// Dimension is the vector size the deployment expects. OpenAI models that
	// support shortening are asked for exactly this size.
	Dimension         int
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// NewClient creates a new embeddings client using the provided configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Provider == "" {
		cfg.Provider = ProviderOpenAI
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: embedding dimension must be positive, got %d", domain.ErrInvalidConfig, cfg.Dimension)
	}
	var key string
	switch cfg.Provider {
	case ProviderOpenAI:
		key = os.Getenv(cfg.APIKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("%w: missing API key in env %s", domain.ErrInvalidConfig, cfg.APIKeyEnv)
		}
		if cfg.BaseURL == "" {
			cfg.BaseURL = "https://api.openai.com/v1"
		}
		if cfg.Model == "" {
			cfg.Model = "text-embedding-3-small"
		}
	case ProviderOllama:
		if cfg.APIKeyEnv != "" {
			key = os.Getenv(cfg.APIKeyEnv)
		}
		if cfg.BaseURL == "" {
			cfg.BaseURL = "http://localhost:11434"
		}
		if cfg.Model == "" {
			cfg.Model = "bge-m3"
		}
	default:
		return nil, fmt.Errorf("%w: unknown embedding provider %q", domain.ErrInvalidConfig, cfg.Provider)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if key != "" {
		client.SetHeader("Authorization", "Bearer "+key)
	}

	c := &Client{
		provider:  cfg.Provider,
		model:     cfg.Model,
		dimension: cfg.Dimension,
		http:      client,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c, nil
}

// Name returns the identifier of this embedder implementation.
func (c *Client) Name() string { return c.provider + ":" + c.model }

// Dimension returns the dimensionality of the produced embedding vectors.
func (c *Client) Dimension() int { return c.dimension }

type openAIRequest struct {
	Input      string `json:"input"`
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions,omitempty"`
}

type ollamaRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

// embedResponse accepts the OpenAI shape, the Ollama /api/embed shape and the
// legacy Ollama single-vector shape.
type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Embeddings [][]float32 `json:"embeddings"`
	Embedding  []float32   `json:"embedding"`
}

func (r embedResponse) vector() []float32 {
	switch {
	case len(r.Data) > 0 && len(r.Data[0].Embedding) > 0:
		return r.Data[0].Embedding
	case len(r.Embeddings) > 0 && len(r.Embeddings[0]) > 0:
		return r.Embeddings[0]
	default:
		return r.Embedding
	}
}

// Embed returns an embedding vector for the given text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("wait for rate limiter: %w", err)
		}
	}

	req := c.http.R().SetContext(ctx)
	path := "/embeddings"
	if c.provider == ProviderOllama {
		path = "/api/embed"
		req.SetBody(ollamaRequest{Input: text, Model: c.model})
	} else {
		req.SetBody(openAIRequest{Input: text, Model: c.model, Dimensions: c.dimension})
	}

	resp, err := req.Post(path)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var timeout interface{ Timeout() bool }
		if errors.As(err, &timeout) && timeout.Timeout() {
			return nil, fmt.Errorf("%w: %s embeddings timed out: %w", domain.ErrProviderUnavailable, c.provider, err)
		}
		return nil, fmt.Errorf("%w: %s embeddings request: %w", domain.ErrProviderUnavailable, c.provider, err)
	}
	if err := classifyStatus(c.provider, resp); err != nil {
		return nil, err
	}

	var out embedResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("%w: decode %s embeddings response: %w", domain.ErrProviderUnavailable, c.provider, err)
	}
	vec := out.vector()
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: %s returned no embedding", domain.ErrProviderUnavailable, c.provider)
	}
	return vec, nil
}

func classifyStatus(provider string, resp *resty.Response) error {
	code := resp.StatusCode()
	if code < 300 {
		return nil
	}
	detail := resp.String()
	if len(detail) > 200 {
		detail = detail[:200]
	}
	switch {
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s embeddings: %s", domain.ErrRateLimited, provider, resp.Status())
	case code >= 500 || code == http.StatusRequestTimeout:
		return fmt.Errorf("%w: %s embeddings: %s", domain.ErrProviderUnavailable, provider, resp.Status())
	default:
		return fmt.Errorf("%w: %s embeddings rejected the request: %s: %s", domain.ErrInvalidInput, provider, resp.Status(), detail)
	}
}
