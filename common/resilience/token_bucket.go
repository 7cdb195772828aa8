package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket is a blocking token-bucket rate limiter shared by the
// embedding service and the LLM providers. Acquire blocks cooperatively
// until n tokens are available; an optional minimum inter-request
// interval spaces out calls regardless of bucket capacity.
type TokenBucket struct {
	limiter *rate.Limiter

	mu          sync.Mutex
	minInterval time.Duration
	lastAcquire time.Time
}

// NewTokenBucket creates a bucket that refills at ratePerSec tokens per
// second, capped at capacity.
func NewTokenBucket(ratePerSec float64, capacity int) *TokenBucket {
	return &TokenBucket{
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), capacity),
	}
}

// SetMinInterval enforces a minimum gap between successive acquisitions.
func (b *TokenBucket) SetMinInterval(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.minInterval = d
}

// Acquire blocks until n tokens are available or ctx is cancelled.
func (b *TokenBucket) Acquire(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}

	if err := b.waitMinInterval(ctx); err != nil {
		return err
	}

	if err := b.limiter.WaitN(ctx, n); err != nil {
		return fmt.Errorf("acquire %d tokens: %w", n, err)
	}
	return nil
}

// TryAcquire reports whether n tokens were immediately available.
func (b *TokenBucket) TryAcquire(n int) bool {
	return b.limiter.AllowN(time.Now(), n)
}

func (b *TokenBucket) waitMinInterval(ctx context.Context) error {
	b.mu.Lock()
	interval := b.minInterval
	last := b.lastAcquire
	b.lastAcquire = time.Now()
	b.mu.Unlock()

	if interval <= 0 || last.IsZero() {
		return nil
	}

	wait := interval - time.Since(last)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
