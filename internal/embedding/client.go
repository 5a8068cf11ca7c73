// Package embedding calls the text embedding service used for article and
// query vectors.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"horse.fit/storyline/internal/vector"
)

const (
	DefaultEndpoint       = "http://127.0.0.1:8000"
	DefaultDimensions     = 768
	DefaultRequestTimeout = 15 * time.Second
	DefaultBatchSize      = 32
	maxErrorBodyBytes     = 2048
)

// Embedder turns text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Options struct {
	Endpoint       string
	Dimensions     int
	RequestTimeout time.Duration
	BatchSize      int
	HTTPClient     *http.Client
}

// Client talks to the embedding service over its /embed, /embed_batch and
// /health routes.
type Client struct {
	baseURL    string
	dims       int
	timeout    time.Duration
	batchSize  int
	httpClient *http.Client
}

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
	Dims      int       `json:"dims"`
	Model     string    `json:"model"`
	TookMS    float64   `json:"took_ms"`
}

type batchRequest struct {
	Texts []string `json:"texts"`
}

type batchResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Dims       int         `json:"dims"`
	Model      string      `json:"model"`
	TookMS     float64     `json:"took_ms"`
}

// Health is the payload of GET /health.
type Health struct {
	Status string  `json:"status"`
	Model  *string `json:"model"`
	Dims   int     `json:"dims"`
}

func NewClient(opts Options) *Client {
	c := &Client{
		baseURL:    normalizeBaseURL(opts.Endpoint),
		dims:       opts.Dimensions,
		timeout:    opts.RequestTimeout,
		batchSize:  opts.BatchSize,
		httpClient: opts.HTTPClient,
	}
	if c.dims <= 0 {
		c.dims = DefaultDimensions
	}
	if c.timeout <= 0 {
		c.timeout = DefaultRequestTimeout
	}
	if c.batchSize <= 0 {
		c.batchSize = DefaultBatchSize
	}
	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}
	return c
}

func (c *Client) Dimensions() int {
	return c.dims
}

// Embed returns the vector for one text. Blank text maps to the unit vector
// e1 without a network call.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if c == nil {
		return nil, fmt.Errorf("embedding client is not initialized")
	}
	if strings.TrimSpace(text) == "" {
		return c.unitVector(), nil
	}

	var parsed embedResponse
	if err := c.post(ctx, "/embed", embedRequest{Text: text}, &parsed); err != nil {
		return nil, err
	}
	out := vector.FromFloat64(parsed.Embedding)
	if err := vector.Validate(out, c.dims); err != nil {
		return nil, fmt.Errorf("invalid embedding from %s: %w", parsed.Model, err)
	}
	return out, nil
}

// EmbedBatch embeds texts in request-sized chunks, preserving order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if c == nil {
		return nil, fmt.Errorf("embedding client is not initialized")
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := min(start+c.batchSize, len(texts))
		chunk := texts[start:end]

		var parsed batchResponse
		if err := c.post(ctx, "/embed_batch", batchRequest{Texts: chunk}, &parsed); err != nil {
			return nil, err
		}
		if len(parsed.Embeddings) != len(chunk) {
			return nil, fmt.Errorf("embedding response count mismatch: requested=%d returned=%d", len(chunk), len(parsed.Embeddings))
		}
		for i, raw := range parsed.Embeddings {
			vec := vector.FromFloat64(raw)
			if err := vector.Validate(vec, c.dims); err != nil {
				return nil, fmt.Errorf("invalid embedding at index %d: %w", start+i, err)
			}
			out = append(out, vec)
		}
	}
	return out, nil
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	requestCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(requestCtx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return Health{}, fmt.Errorf("build health request: %w", err)
	}
	var health Health
	if err := c.do(req, &health); err != nil {
		return Health{}, err
	}
	return health, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal embedding request: %w", err)
	}

	requestCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read embedding response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := strings.TrimSpace(string(respBody))
		if len(snippet) > maxErrorBodyBytes {
			snippet = snippet[:maxErrorBodyBytes]
		}
		return fmt.Errorf("embedding service status %d: %s", resp.StatusCode, snippet)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode embedding response: %w", err)
	}
	return nil
}

func (c *Client) unitVector() []float32 {
	vec := make([]float32, c.dims)
	vec[0] = 1
	return vec
}

// normalizeBaseURL strips a trailing route so either the service root or a
// full /embed URL can be configured.
func normalizeBaseURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		trimmed = DefaultEndpoint
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return strings.TrimRight(trimmed, "/")
	}
	path := strings.TrimRight(parsed.Path, "/")
	for _, suffix := range []string{"/embed_batch", "/embed", "/health"} {
		if strings.HasSuffix(path, suffix) {
			path = strings.TrimSuffix(path, suffix)
			break
		}
	}
	parsed.Path = path
	return strings.TrimRight(parsed.String(), "/")
}
