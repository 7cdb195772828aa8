package embedding

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/chatflow/common/config"
	"github.com/lyzr/chatflow/common/logger"
)

func testConfig() config.EmbeddingConfig {
	return config.EmbeddingConfig{
		Provider:              "mock",
		Dimensions:            64,
		BatchSize:             4,
		MaxConcurrentRequests: 2,
		Retry: config.RetryConfig{
			MaxRetries: 2,
			Multiplier: 2.0,
			MinWait:    time.Millisecond,
			MaxWait:    10 * time.Millisecond,
		},
		Circuit: config.CircuitConfig{
			FailureThreshold: 3,
			RecoveryTimeout:  50 * time.Millisecond,
		},
	}
}

func testLogger() *logger.Logger {
	return logger.New("error", "text")
}

func TestMockProvider_Deterministic(t *testing.T) {
	p := NewMockProvider(64)
	ctx := context.Background()

	a, err := p.EmbedQuery(ctx, "파이썬은 고급 언어입니다.")
	require.NoError(t, err)
	b, err := p.EmbedQuery(ctx, "파이썬은 고급 언어입니다.")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	// Unit length
	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-4)
}

func TestMockProvider_DistinctTextsDiffer(t *testing.T) {
	p := NewMockProvider(64)
	ctx := context.Background()

	a, err := p.EmbedQuery(ctx, "first text")
	require.NoError(t, err)
	b, err := p.EmbedQuery(ctx, "second text")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestService_PreservesInputOrder(t *testing.T) {
	svc, err := NewService(testConfig(), testLogger())
	require.NoError(t, err)

	texts := []string{"one", "two", "three", "four", "five", "six", "seven", "eight", "nine"}
	vectors, err := svc.EmbedDocuments(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, len(texts))

	// Each position must match a direct single embed of the same text
	p := NewMockProvider(64)
	for i, text := range texts {
		want, err := p.EmbedQuery(context.Background(), text)
		require.NoError(t, err)
		assert.Equal(t, want, vectors[i], "order mismatch at index %d", i)
	}
}

// failingProvider fails a fixed number of times before succeeding
type failingProvider struct {
	inner     Provider
	failures  int
	callCount int
	failWith  error
}

func (p *failingProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	p.callCount++
	if p.callCount <= p.failures {
		return nil, p.failWith
	}
	return p.inner.EmbedDocuments(ctx, texts)
}

func (p *failingProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := p.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (p *failingProvider) Dimensions() int { return p.inner.Dimensions() }

func TestService_RetriesRateLimited(t *testing.T) {
	provider := &failingProvider{
		inner:    NewMockProvider(64),
		failures: 2,
		failWith: ErrRateLimited,
	}
	svc := NewServiceWithProvider(provider, testConfig(), testLogger())

	_, err := svc.EmbedQuery(context.Background(), "retry me")
	require.NoError(t, err)
	assert.Equal(t, 3, provider.callCount)
}

func TestService_DoesNotRetryAuthErrors(t *testing.T) {
	provider := &failingProvider{
		inner:    NewMockProvider(64),
		failures: 1,
		failWith: ErrAuth,
	}
	svc := NewServiceWithProvider(provider, testConfig(), testLogger())

	_, err := svc.EmbedQuery(context.Background(), "no retry")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuth)
	assert.Equal(t, 1, provider.callCount)
}

func TestService_CircuitOpensAndRecovers(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxRetries = 0
	provider := &failingProvider{
		inner:    NewMockProvider(64),
		failures: 3,
		failWith: ErrAuth,
	}
	svc := NewServiceWithProvider(provider, cfg, testLogger())
	ctx := context.Background()

	// Three consecutive failures trip the breaker
	for i := 0; i < 3; i++ {
		_, err := svc.EmbedQuery(ctx, "failing")
		require.Error(t, err)
	}

	// Fourth call short-circuits without touching the provider
	calls := provider.callCount
	_, err := svc.EmbedQuery(ctx, "short-circuited")
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, calls, provider.callCount)

	// After the recovery timeout a successful probe closes the circuit
	time.Sleep(60 * time.Millisecond)
	_, err = svc.EmbedQuery(ctx, "recovered")
	require.NoError(t, err)

	_, err = svc.EmbedQuery(ctx, "still fine")
	require.NoError(t, err)
}

func TestService_EmptyInput(t *testing.T) {
	svc, err := NewService(testConfig(), testLogger())
	require.NoError(t, err)

	vectors, err := svc.EmbedDocuments(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vectors)
}

func TestNewService_UnknownProvider(t *testing.T) {
	cfg := testConfig()
	cfg.Provider = "does-not-exist"

	_, err := NewService(cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does-not-exist")
}
