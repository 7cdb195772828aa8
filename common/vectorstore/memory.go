package vectorstore

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process store with exact cosine search, used by
// tests and offline dev.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]map[string]Record // tenant key -> record id -> record
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]map[string]Record),
	}
}

func tenantKey(c Collection) string {
	return c.BotID + "\x00" + c.UserID
}

// Add upserts records by id
func (s *MemoryStore) Add(ctx context.Context, collection Collection, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tenantKey(collection)
	if s.records[key] == nil {
		s.records[key] = make(map[string]Record)
	}
	for _, rec := range records {
		s.records[key][rec.ID] = rec
	}
	return nil
}

// Search returns the topK records by descending cosine similarity
func (s *MemoryStore) Search(ctx context.Context, collection Collection, queryEmbedding []float32, topK int, filter map[string]any) ([]Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if topK <= 0 {
		return nil, nil
	}

	var results []Result
	for _, rec := range s.records[tenantKey(collection)] {
		if !matchesFilter(rec.Metadata, filter) {
			continue
		}
		results = append(results, Result{
			ID:       rec.ID,
			Text:     rec.Text,
			Metadata: rec.Metadata,
			Score:    cosineSimilarity(queryEmbedding, rec.Embedding),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// DeleteDocument removes all chunks with the document's id prefix
func (s *MemoryStore) DeleteDocument(ctx context.Context, collection Collection, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.records[tenantKey(collection)] {
		if id == documentID || strings.HasPrefix(id, documentID+"_chunk_") {
			delete(s.records[tenantKey(collection)], id)
		}
	}
	return nil
}

// Get retrieves one record by id, or nil when absent
func (s *MemoryStore) Get(ctx context.Context, collection Collection, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[tenantKey(collection)][id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func matchesFilter(metadata, filter map[string]any) bool {
	for k, want := range filter {
		if metadata[k] != want {
			return false
		}
	}
	return true
}

func cosineSimilarity(a, b []float32) float64 {
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
