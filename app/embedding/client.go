package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Embedder turns texts into vectors, one per text, in input order.
type Embedder interface {
	Run(ctx context.Context, texts []string) ([][]float32, error)
}

var _ Embedder = (*Client)(nil)

// Client talks to a llama.cpp style embedding endpoint.
type Client struct {
	url     string
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

func NewClient(url string, client *http.Client, timeout time.Duration, logger *slog.Logger) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{url: url, client: client, timeout: timeout, logger: logger}
}

type embedRequest struct {
	Content []string `json:"content"`
}

type embedResult struct {
	Embedding json.RawMessage `json:"embedding"`
}

type embedResponse struct {
	Results   []embedResult   `json:"results"`
	Embedding json.RawMessage `json:"embedding"`
}

// Run embeds texts in a single request. Either every text gets a vector or
// an *EmbeddingServiceError is returned.
func (c *Client) Run(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	c.logger.Debug("Embedding started", "count", len(texts), "url", c.url)
	start := time.Now()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	payload, err := json.Marshal(embedRequest{Content: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, &EmbeddingServiceError{Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("Embedding failed", "error", err, "elapsed", time.Since(start))
		return nil, &EmbeddingServiceError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &EmbeddingServiceError{Status: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error("Embedding bad status", "status", resp.StatusCode, "elapsed", time.Since(start))
		return nil, &EmbeddingServiceError{Status: resp.StatusCode, Err: fmt.Errorf("unexpected response: %s", truncate(body, 200))}
	}

	vectors, err := decodeVectors(body)
	if err != nil {
		return nil, &EmbeddingServiceError{Status: resp.StatusCode, Err: err}
	}
	if len(vectors) != len(texts) {
		return nil, &EmbeddingServiceError{
			Status: resp.StatusCode,
			Err:    fmt.Errorf("expected %d embeddings, got %d", len(texts), len(vectors)),
		}
	}

	c.logger.Debug("Embedding completed", "count", len(vectors), "elapsed", time.Since(start))

	return vectors, nil
}

func decodeVectors(body []byte) ([][]float32, error) {
	var resp embedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	switch {
	case resp.Results != nil:
		vectors := make([][]float32, 0, len(resp.Results))
		for i, result := range resp.Results {
			vector, err := decodeVector(result.Embedding)
			if err != nil {
				return nil, fmt.Errorf("result %d: %w", i, err)
			}
			vectors = append(vectors, vector)
		}
		return vectors, nil
	case resp.Embedding != nil:
		vector, err := decodeVector(resp.Embedding)
		if err != nil {
			return nil, err
		}
		return [][]float32{vector}, nil
	default:
		return nil, errors.New("response has neither results nor embedding")
	}
}

// decodeVector accepts a flat vector or a per-token list whose first row
// is the pooled vector.
func decodeVector(raw json.RawMessage) ([]float32, error) {
	var flat []float32
	if err := json.Unmarshal(raw, &flat); err == nil {
		if len(flat) == 0 {
			return nil, errors.New("empty embedding")
		}
		return flat, nil
	}

	var nested [][]float32
	if err := json.Unmarshal(raw, &nested); err != nil {
		return nil, fmt.Errorf("malformed embedding: %w", err)
	}
	if len(nested) == 0 || len(nested[0]) == 0 {
		return nil, errors.New("empty embedding")
	}
	return nested[0], nil
}

func truncate(body []byte, n int) string {
	if len(body) > n {
		return string(body[:n]) + "..."
	}
	return string(body)
}
