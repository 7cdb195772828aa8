// Package semcache is a similarity-keyed LLM response cache. Responses
// are bucketed by the exact call shape (provider, model, system prompt
// hash, sampling buckets) and matched within a bucket by cosine
// similarity over prompt embeddings. A hit returns the cached response
// without touching the provider; hits never stream.
package semcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/lyzr/chatflow/common/cache"
	"github.com/lyzr/chatflow/common/config"
	"github.com/lyzr/chatflow/common/logger"
)

// QueryEmbedder is the embedding dependency; satisfied by
// embedding.Service and embedding.MockProvider.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Key identifies one call shape. Prompts only match within the same key.
type Key struct {
	Provider     string
	Model        string
	SystemPrompt string
	Temperature  float32
	MaxTokens    int
}

// bucket derives the storage key. Temperature buckets at 0.1
// granularity, max_tokens at 256.
func (k Key) bucket(prefix string) string {
	sum := sha256.Sum256([]byte(k.SystemPrompt))
	return fmt.Sprintf("%s:%s:%s:%s:%d:%d",
		prefix, k.Provider, k.Model,
		hex.EncodeToString(sum[:8]),
		int(k.Temperature*10),
		k.MaxTokens/256,
	)
}

type entry struct {
	Embedding []float32 `json:"embedding"`
	Response  string    `json:"response"`
	StoredAt  time.Time `json:"stored_at"`
}

// Cache is the semantic cache front
type Cache struct {
	store    cache.Cache
	embedder QueryEmbedder
	cfg      config.SemanticCacheConfig
	log      *logger.Logger
}

// New creates a semantic cache over the given key-value store
func New(store cache.Cache, embedder QueryEmbedder, cfg config.SemanticCacheConfig, log *logger.Logger) *Cache {
	return &Cache{
		store:    store,
		embedder: embedder,
		cfg:      cfg,
		log:      log,
	}
}

// Get looks up a cached response for prompt. Prompts shorter than the
// minimum length always miss. Embedding failures degrade to a miss
// rather than failing the caller.
func (c *Cache) Get(ctx context.Context, key Key, prompt string) (string, bool, error) {
	if !c.eligible(prompt) {
		return "", false, nil
	}

	entries, err := c.loadBucket(ctx, key)
	if err != nil {
		return "", false, err
	}
	if len(entries) == 0 {
		return "", false, nil
	}

	queryVec, err := c.embedder.EmbedQuery(ctx, prompt)
	if err != nil {
		c.log.Warn("semantic cache lookup embedding failed", "error", err)
		return "", false, nil
	}

	bestScore := -1.0
	bestIdx := -1
	for i, e := range entries {
		score := cosine(queryVec, e.Embedding)
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}

	if bestIdx < 0 || bestScore < c.cfg.Threshold {
		return "", false, nil
	}

	c.log.Debug("semantic cache hit", "score", bestScore, "model", key.Model)
	return entries[bestIdx].Response, true, nil
}

// Put stores a response under the prompt's embedding. The bucket is
// trimmed oldest-first at the entry cap and expires after the TTL.
func (c *Cache) Put(ctx context.Context, key Key, prompt, response string) error {
	if !c.eligible(prompt) {
		return nil
	}

	vec, err := c.embedder.EmbedQuery(ctx, prompt)
	if err != nil {
		c.log.Warn("semantic cache store embedding failed", "error", err)
		return nil
	}

	entries, err := c.loadBucket(ctx, key)
	if err != nil {
		return err
	}

	entries = append(entries, entry{
		Embedding: vec,
		Response:  response,
		StoredAt:  time.Now().UTC(),
	})
	if max := c.cfg.MaxEntries; max > 0 && len(entries) > max {
		entries = entries[len(entries)-max:]
	}

	encoded, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal cache bucket: %w", err)
	}
	if err := c.store.Set(ctx, key.bucket(c.cfg.Prefix), encoded, c.cfg.TTL); err != nil {
		return fmt.Errorf("store cache bucket: %w", err)
	}
	return nil
}

func (c *Cache) eligible(prompt string) bool {
	return c.cfg.Enabled && len([]rune(prompt)) >= c.cfg.MinChars
}

func (c *Cache) loadBucket(ctx context.Context, key Key) ([]entry, error) {
	raw, found, err := c.store.Get(ctx, key.bucket(c.cfg.Prefix))
	if err != nil {
		return nil, fmt.Errorf("load cache bucket: %w", err)
	}
	if !found {
		return nil, nil
	}

	var entries []entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		// Corrupt bucket, treat as empty and let the next Put rewrite it
		c.log.Warn("semantic cache bucket corrupt, resetting", "error", err)
		return nil, nil
	}
	return entries, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
