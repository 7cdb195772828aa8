package semcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/chatflow/common/cache"
	"github.com/lyzr/chatflow/common/config"
	"github.com/lyzr/chatflow/common/embedding"
	"github.com/lyzr/chatflow/common/logger"
)

func testCache(t *testing.T, cfg config.SemanticCacheConfig) *Cache {
	t.Helper()
	log := logger.New("error", "text")
	store := cache.NewMemoryCache(log)
	t.Cleanup(func() { store.Close() })
	return New(store, embedding.NewMockProvider(64), cfg, log)
}

func testCacheConfig() config.SemanticCacheConfig {
	return config.SemanticCacheConfig{
		Enabled:    true,
		Threshold:  0.95,
		TTL:        time.Minute,
		MaxEntries: 10,
		MinChars:   8,
		Prefix:     "semcache",
	}
}

func testKey() Key {
	return Key{
		Provider:     "openai",
		Model:        "gpt-4o-mini",
		SystemPrompt: "You are a helpful assistant.",
		Temperature:  0.7,
		MaxTokens:    1024,
	}
}

func TestCache_HitOnIdenticalPrompt(t *testing.T) {
	c := testCache(t, testCacheConfig())
	ctx := context.Background()
	key := testKey()
	prompt := "파이썬의 변수 선언 방법을 알려주세요."

	require.NoError(t, c.Put(ctx, key, prompt, "변수는 이름 = 값 형태로 선언합니다."))

	response, hit, err := c.Get(ctx, key, prompt)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "변수는 이름 = 값 형태로 선언합니다.", response)
}

func TestCache_MissOnDifferentPrompt(t *testing.T) {
	c := testCache(t, testCacheConfig())
	ctx := context.Background()
	key := testKey()

	require.NoError(t, c.Put(ctx, key, "explain python variables in detail", "variables hold values"))

	_, hit, err := c.Get(ctx, key, "how do I deploy a kubernetes cluster")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestCache_ShortPromptBypasses(t *testing.T) {
	c := testCache(t, testCacheConfig())
	ctx := context.Background()
	key := testKey()

	require.NoError(t, c.Put(ctx, key, "hi", "hello"))

	_, hit, err := c.Get(ctx, key, "hi")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestCache_KeyShapeSeparatesBuckets(t *testing.T) {
	c := testCache(t, testCacheConfig())
	ctx := context.Background()
	prompt := "what is the capital of france, in one word"

	key := testKey()
	require.NoError(t, c.Put(ctx, key, prompt, "Paris"))

	// Different model never sees the entry
	otherModel := key
	otherModel.Model = "gpt-4o"
	_, hit, err := c.Get(ctx, otherModel, prompt)
	require.NoError(t, err)
	assert.False(t, hit)

	// Different system prompt never sees the entry
	otherSystem := key
	otherSystem.SystemPrompt = "You answer in French."
	_, hit, err = c.Get(ctx, otherSystem, prompt)
	require.NoError(t, err)
	assert.False(t, hit)

	// Temperature in another bucket never sees the entry
	otherTemp := key
	otherTemp.Temperature = 0.2
	_, hit, err = c.Get(ctx, otherTemp, prompt)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestCache_DisabledAlwaysMisses(t *testing.T) {
	cfg := testCacheConfig()
	cfg.Enabled = false
	c := testCache(t, cfg)
	ctx := context.Background()
	key := testKey()
	prompt := "a prompt that is long enough to qualify"

	require.NoError(t, c.Put(ctx, key, prompt, "response"))

	_, hit, err := c.Get(ctx, key, prompt)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestCache_TrimsOldestAtCapacity(t *testing.T) {
	cfg := testCacheConfig()
	cfg.MaxEntries = 2
	c := testCache(t, cfg)
	ctx := context.Background()
	key := testKey()

	first := "the very first prompt stored in this bucket"
	require.NoError(t, c.Put(ctx, key, first, "first response"))
	require.NoError(t, c.Put(ctx, key, "the second prompt stored in this bucket", "second response"))
	require.NoError(t, c.Put(ctx, key, "the third prompt stored in this bucket", "third response"))

	// The first entry was evicted
	_, hit, err := c.Get(ctx, key, first)
	require.NoError(t, err)
	assert.False(t, hit)

	response, hit, err := c.Get(ctx, key, "the third prompt stored in this bucket")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "third response", response)
}
