// Package embedclient implements spec §4.2's EmbeddingClient: a batch-first
// embedding call with bounded-concurrency per-item fallback, exponential
// backoff with jitter, and counters/timing for observability.
//
// Grounded on manifold's internal/embedding/client.go (raw HTTP batch call
// shape: model/input JSON body, Authorization header, response-length
// validation) for the batch path, and internal/rag/embedder/embedder.go's
// deterministicEmbedder (FNV 3-gram hashing) for the test double.
package embedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"stjgraph/internal/obs"
)

// Dimension is EMBEDDING_DIMENSION's default (spec §4.2/§6).
const Dimension = 768

// Config controls batching/retry behavior; mirrors spec §6's env vars.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	BatchSize   int
	MaxRetries  int
	RetryBaseMS int
	Concurrency int
	Dimension   int
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseMS <= 0 {
		c.RetryBaseMS = 300
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.Dimension <= 0 {
		c.Dimension = Dimension
	}
	return c
}

// Client implements EmbedBatch per spec §4.2.
type Client struct {
	cfg        Config
	httpClient *http.Client
	metrics    obs.Metrics
}

// New constructs an embedding client against an OpenAI-compatible
// embeddings endpoint.
func New(cfg Config, metrics obs.Metrics) *Client {
	if metrics == nil {
		metrics = obs.NoopMetrics{}
	}
	return &Client{cfg: cfg.withDefaults(), httpClient: &http.Client{Timeout: 30 * time.Second}, metrics: metrics}
}

type embedReq struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResp struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// EmbedBatch returns one vector per input text, each as the endpoint
// returned it; vector lengths are not checked against cfg.Dimension. It
// prefers a single batch request; on non-2xx or a length mismatch it
// falls back to bounded-concurrency per-item calls with retry. If any item
// still fails after retries, the whole batch fails (spec §4.2).
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	c.metrics.IncCounter("embedding_batch_jobs_started", nil)
	start := time.Now()

	vectors, err := c.batchCall(ctx, texts)
	if err == nil {
		c.metrics.IncCounter("embedding_batch_jobs_succeeded", nil)
		c.metrics.ObserveHistogram("embedding_batch_request_ms", float64(time.Since(start).Milliseconds()), nil)
		return vectors, nil
	}

	c.metrics.IncCounter("embedding_batch_jobs_fallback_per_item_used", nil)
	vectors, ferr := c.perItemFallback(ctx, texts)
	if ferr != nil {
		c.metrics.IncCounter("embedding_batch_jobs_failed_per_item", nil)
		return nil, ferr
	}
	c.metrics.IncCounter("embedding_batch_jobs_succeeded", nil)
	c.metrics.ObserveHistogram("embedding_batch_request_ms", float64(time.Since(start).Milliseconds()), nil)
	return vectors, nil
}

func (c *Client) batchCall(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := c.rawCall(ctx, texts)
	if err != nil {
		c.metrics.IncCounter("embedding_batch_jobs_failed_async", nil)
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embedding batch: got %d vectors for %d inputs", len(vecs), len(texts))
	}
	return vecs, nil
}

func (c *Client) rawCall(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedReq{Model: c.cfg.Model, Input: texts})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("embedding endpoint %s: %s: %s", req.URL, resp.Status, string(raw))
	}

	var parsed embedResp
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parsing embedding response: %w", err)
	}
	out := make([][]float32, len(parsed.Data))
	for i := range parsed.Data {
		out[i] = parsed.Data[i].Embedding
	}
	return out, nil
}

// perItemFallback embeds each text individually, bounded by cfg.Concurrency,
// retrying each item up to cfg.MaxRetries times with exponential backoff
// `BASE * 2^attempt + uniform(0,100)ms` (spec §4.2).
func (c *Client) perItemFallback(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)

	for i, text := range texts {
		i, text := i, text
		g.Go(func() error {
			v, err := c.embedOneWithRetry(gctx, text)
			if err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) embedOneWithRetry(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(c.cfg.RetryBaseMS)*time.Millisecond*time.Duration(1<<uint(attempt-1)) +
				time.Duration(rand.Intn(100))*time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		vecs, err := c.rawCall(ctx, []string{text})
		if err == nil && len(vecs) == 1 {
			return vecs[0], nil
		}
		if err == nil {
			err = fmt.Errorf("embedding: expected 1 vector, got %d", len(vecs))
		}
		lastErr = err
	}
	return nil, lastErr
}
