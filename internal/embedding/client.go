// Package embedding turns chunk and query text into unit-length vectors.
// Vectors are L2-normalized at this boundary, so inner product and cosine
// similarity agree everywhere downstream.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/clauselens/backend/internal/metrics"
	"github.com/clauselens/backend/pkg/circuitbreaker"
	"github.com/clauselens/backend/pkg/logger"
	"github.com/clauselens/backend/pkg/retry"
	"github.com/clauselens/backend/pkg/utils"
)

// ErrUnavailable marks transient embedding failures: timeouts, rate limits,
// provider 5xx responses and an open circuit.
var ErrUnavailable = errors.New("embedding backend unavailable")

// Cache stores vectors keyed by content hash. A nil Cache disables caching.
type Cache interface {
	GetVector(ctx context.Context, key string) ([]float32, bool)
	SetVector(ctx context.Context, key string, vec []float32)
}

type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	Dimension int
	BatchSize int
	Timeout   time.Duration
}

type Client struct {
	api         *openai.Client
	model       string
	dimension   int
	batchSize   int
	timeout     time.Duration
	cache       Cache
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewClient(cfg Config, cache Cache) *Client {
	apiConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiConfig.BaseURL = cfg.BaseURL
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	cb := circuitbreaker.NewCircuitBreaker("embedding", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.Log,
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		RetryIf:        isRetryable,
		Logger:         logger.Log,
	}

	logger.Info("Embedding client initialized",
		zap.String("model", cfg.Model),
		zap.Int("dimension", cfg.Dimension),
		zap.Int("batch_size", cfg.BatchSize),
		zap.Bool("cache", cache != nil),
	)

	return &Client{
		api:         openai.NewClientWithConfig(apiConfig),
		model:       cfg.Model,
		dimension:   cfg.Dimension,
		batchSize:   cfg.BatchSize,
		timeout:     cfg.Timeout,
		cache:       cache,
		cb:          cb,
		retryConfig: retryConfig,
	}
}

func (c *Client) Model() string {
	return c.model
}

func (c *Client) Dimension() int {
	return c.dimension
}

// EmbedTexts embeds texts in order. Cached vectors are reused; only misses
// reach the provider, batched at most batchSize inputs per request.
func (c *Client) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, len(texts))

	var missIdx []int
	for i, text := range texts {
		if vec, ok := c.cachedVector(ctx, text); ok {
			vectors[i] = vec
			metrics.CacheHits.WithLabelValues("embedding").Inc()
			continue
		}
		missIdx = append(missIdx, i)
		metrics.CacheMisses.WithLabelValues("embedding").Inc()
	}

	for from := 0; from < len(missIdx); from += c.batchSize {
		to := from + c.batchSize
		if to > len(missIdx) {
			to = len(missIdx)
		}
		batch := missIdx[from:to]

		inputs := make([]string, len(batch))
		for j, i := range batch {
			inputs[j] = texts[i]
		}

		embedded, err := c.embedBatch(ctx, inputs)
		if err != nil {
			return nil, err
		}

		for j, i := range batch {
			vectors[i] = embedded[j]
			c.storeVector(ctx, texts[i], embedded[j])
		}
	}

	logger.Debug("Texts embedded",
		zap.Int("total", len(texts)),
		zap.Int("cache_hits", len(texts)-len(missIdx)),
	)

	return vectors, nil
}

// EmbedQuery embeds a single query string.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (c *Client) embedBatch(ctx context.Context, inputs []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var vectors [][]float32

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.api.CreateEmbeddings(
				ctx,
				openai.EmbeddingRequest{
					Input: inputs,
					Model: openai.EmbeddingModel(c.model),
				},
			)

			if err != nil {
				return fmt.Errorf("failed to create embeddings: %w", err)
			}
			if len(resp.Data) != len(inputs) {
				return fmt.Errorf("embedding response has %d vectors for %d inputs", len(resp.Data), len(inputs))
			}

			vectors = make([][]float32, len(resp.Data))
			for i, data := range resp.Data {
				vec := make([]float32, len(data.Embedding))
				copy(vec, data.Embedding)
				vectors[i] = vec
			}

			return nil
		})
	})

	if err != nil {
		return nil, classify(err)
	}

	for _, vec := range vectors {
		if c.dimension > 0 && len(vec) != c.dimension {
			return nil, fmt.Errorf("embedding dimension %d does not match configured %d", len(vec), c.dimension)
		}
		Normalize(vec)
	}

	return vectors, nil
}

func (c *Client) cachedVector(ctx context.Context, text string) ([]float32, bool) {
	if c.cache == nil {
		return nil, false
	}
	vec, ok := c.cache.GetVector(ctx, c.cacheKey(text))
	if !ok || (c.dimension > 0 && len(vec) != c.dimension) {
		return nil, false
	}
	return vec, true
}

func (c *Client) storeVector(ctx context.Context, text string, vec []float32) {
	if c.cache == nil {
		return
	}
	c.cache.SetVector(ctx, c.cacheKey(text), vec)
}

func (c *Client) cacheKey(text string) string {
	return "embedding:" + c.model + ":" + utils.HashString(text)
}

// Normalize scales vec to unit length in place. Zero vectors are left alone.
func Normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i, v := range vec {
		vec[i] = float32(float64(v) / norm)
	}
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) ||
		errors.Is(err, circuitbreaker.ErrTooManyRequests) ||
		errors.Is(err, context.DeadlineExceeded) ||
		isRetryable(err) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

func isRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}

	return !errors.Is(err, context.Canceled)
}
