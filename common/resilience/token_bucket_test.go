package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket_AcquireWithinCapacity(t *testing.T) {
	bucket := NewTokenBucket(10, 5)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Capacity tokens are available immediately
	require.NoError(t, bucket.Acquire(ctx, 5))
}

func TestTokenBucket_BlocksWhenEmpty(t *testing.T) {
	bucket := NewTokenBucket(100, 1)

	ctx := context.Background()
	require.NoError(t, bucket.Acquire(ctx, 1))

	start := time.Now()
	require.NoError(t, bucket.Acquire(ctx, 1))
	// Refill rate 100/s means roughly 10ms until the next token
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestTokenBucket_ContextCancellation(t *testing.T) {
	bucket := NewTokenBucket(0.1, 1)

	ctx := context.Background()
	require.NoError(t, bucket.Acquire(ctx, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := bucket.Acquire(ctx, 1)
	assert.Error(t, err)
}

func TestTokenBucket_TryAcquire(t *testing.T) {
	bucket := NewTokenBucket(1, 2)

	assert.True(t, bucket.TryAcquire(2))
	assert.False(t, bucket.TryAcquire(1))
}

func TestTokenBucket_MinInterval(t *testing.T) {
	bucket := NewTokenBucket(1000, 1000)
	bucket.SetMinInterval(20 * time.Millisecond)

	ctx := context.Background()
	require.NoError(t, bucket.Acquire(ctx, 1))

	start := time.Now()
	require.NoError(t, bucket.Acquire(ctx, 1))
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}
