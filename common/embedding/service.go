package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v4"

	"github.com/lyzr/chatflow/common/config"
	"github.com/lyzr/chatflow/common/logger"
	"github.com/lyzr/chatflow/common/resilience"
)

// ErrCircuitOpen is returned without touching the provider while the
// breaker is open. The document worker treats it as retryable-later.
var ErrCircuitOpen = resilience.ErrCircuitOpen

// Service wraps a Provider with rate limiting, circuit breaking, retry
// with backoff, and order-preserving sub-batch fan-out.
type Service struct {
	provider Provider
	bucket   *resilience.TokenBucket
	breaker  *resilience.CircuitBreaker
	log      *logger.Logger

	batchSize     int
	maxConcurrent int
	retry         config.RetryConfig
}

// NewService creates an embedding service from config. Provider
// selection is config-driven: "mock" yields the deterministic provider.
func NewService(cfg config.EmbeddingConfig, log *logger.Logger) (*Service, error) {
	var provider Provider
	switch cfg.Provider {
	case "mock":
		provider = NewMockProvider(cfg.Dimensions)
	case "openai":
		p, err := NewOpenAIProvider(cfg.APIKey, cfg.Model, cfg.Dimensions)
		if err != nil {
			return nil, fmt.Errorf("create openai embedding provider: %w", err)
		}
		provider = p
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}

	return NewServiceWithProvider(provider, cfg, log), nil
}

// NewServiceWithProvider wires an explicit provider, used by tests to
// inject failing or scripted providers.
func NewServiceWithProvider(provider Provider, cfg config.EmbeddingConfig, log *logger.Logger) *Service {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 16
	}
	maxConcurrent := cfg.MaxConcurrentRequests
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}

	bucket := resilience.NewTokenBucket(float64(maxConcurrent), maxConcurrent)
	bucket.SetMinInterval(cfg.RequestInterval)

	return &Service{
		provider:      provider,
		bucket:        bucket,
		breaker:       resilience.NewCircuitBreaker(cfg.Circuit.FailureThreshold, cfg.Circuit.RecoveryTimeout),
		log:           log,
		batchSize:     batchSize,
		maxConcurrent: maxConcurrent,
		retry:         cfg.Retry,
	}
}

// Dimensions returns the provider's vector dimension
func (s *Service) Dimensions() int {
	return s.provider.Dimensions()
}

// EmbedQuery embeds a single query string
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := s.embedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedDocuments embeds texts, sub-batching by count and running
// batches concurrently up to the configured parallelism. Results are
// concatenated preserving input order.
func (s *Service) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	type batch struct {
		start int
		texts []string
	}

	var batches []batch
	for start := 0; start < len(texts); start += s.batchSize {
		end := start + s.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batches = append(batches, batch{start: start, texts: texts[start:end]})
	}

	results := make([][]float32, len(texts))
	sem := make(chan struct{}, s.maxConcurrent)
	errs := make([]error, len(batches))

	var wg sync.WaitGroup
	for i, b := range batches {
		wg.Add(1)
		go func(i int, b batch) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			vectors, err := s.embedBatch(ctx, b.texts)
			if err != nil {
				errs[i] = err
				return
			}
			for j, v := range vectors {
				results[b.start+j] = v
			}
		}(i, b)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// embedBatch runs one provider call guarded by the circuit breaker and
// token bucket, retrying rate-limit-class failures with jittered
// exponential backoff.
func (s *Service) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := s.breaker.Check(); err != nil {
		return nil, err
	}

	if err := s.bucket.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retry.MinWait
	policy.MaxInterval = s.retry.MaxWait
	policy.Multiplier = s.retry.Multiplier

	var vectors [][]float32
	attempt := 0
	operation := func() error {
		attempt++
		var err error
		vectors, err = s.provider.EmbedDocuments(ctx, texts)
		if err == nil {
			return nil
		}

		// Only rate-limit-class errors are worth retrying
		if errors.Is(err, ErrRateLimited) && attempt <= s.retry.MaxRetries {
			s.log.Warn("embedding rate limited, retrying", "attempt", attempt, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		s.breaker.RecordFailure()
		return nil, fmt.Errorf("embed %d texts: %w", len(texts), err)
	}

	s.breaker.RecordSuccess()
	return vectors, nil
}
