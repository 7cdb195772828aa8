package vectorstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/chatflow/common/embedding"
)

func TestMemoryStore_ChunkRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	provider := embedding.NewMockProvider(64)
	collection := Collection{BotID: "bot-1"}

	chunks := []string{
		"파이썬은 인터프리터 방식의 고급 프로그래밍 언어입니다.",
		"변수는 값을 저장하는 이름이 붙은 공간입니다.",
		"함수는 def 키워드로 정의합니다.",
	}

	vectors, err := provider.EmbedDocuments(ctx, chunks)
	require.NoError(t, err)

	records := make([]Record, len(chunks))
	for i, chunk := range chunks {
		records[i] = Record{
			ID:        fmt.Sprintf("doc-1_chunk_%d", i),
			Embedding: vectors[i],
			Text:      chunk,
			Metadata:  map[string]any{"document_id": "doc-1"},
		}
	}
	require.NoError(t, store.Add(ctx, collection, records))

	// Searching with a chunk's own embedding returns that chunk first
	// with near-perfect score.
	for i := range chunks {
		results, err := store.Search(ctx, collection, vectors[i], 1, nil)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, fmt.Sprintf("doc-1_chunk_%d", i), results[0].ID)
		assert.Equal(t, chunks[i], results[0].Text)
		assert.GreaterOrEqual(t, results[0].Score, 0.99)
	}
}

func TestMemoryStore_EmptyCollection(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	query, err := embedding.NewMockProvider(64).EmbedQuery(ctx, "anything")
	require.NoError(t, err)

	results, err := store.Search(ctx, Collection{BotID: "bot-1"}, query, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestMemoryStore_TenantIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	provider := embedding.NewMockProvider(64)

	vec, err := provider.EmbedQuery(ctx, "tenant data")
	require.NoError(t, err)

	require.NoError(t, store.Add(ctx, Collection{BotID: "bot-a"}, []Record{
		{ID: "doc-a_chunk_0", Embedding: vec, Text: "tenant data"},
	}))

	results, err := store.Search(ctx, Collection{BotID: "bot-b"}, vec, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = store.Search(ctx, Collection{BotID: "bot-a"}, vec, 5, nil)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestMemoryStore_MetadataFilter(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	provider := embedding.NewMockProvider(64)
	collection := Collection{BotID: "bot-1"}

	vec, err := provider.EmbedQuery(ctx, "shared text")
	require.NoError(t, err)

	require.NoError(t, store.Add(ctx, collection, []Record{
		{ID: "doc-a_chunk_0", Embedding: vec, Text: "shared text", Metadata: map[string]any{"document_id": "doc-a"}},
		{ID: "doc-b_chunk_0", Embedding: vec, Text: "shared text", Metadata: map[string]any{"document_id": "doc-b"}},
	}))

	results, err := store.Search(ctx, collection, vec, 5, map[string]any{"document_id": "doc-b"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "doc-b_chunk_0", results[0].ID)
}

func TestMemoryStore_DeleteDocument(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	provider := embedding.NewMockProvider(64)
	collection := Collection{BotID: "bot-1"}

	vecA, err := provider.EmbedQuery(ctx, "doc a text")
	require.NoError(t, err)
	vecB, err := provider.EmbedQuery(ctx, "doc b text")
	require.NoError(t, err)

	require.NoError(t, store.Add(ctx, collection, []Record{
		{ID: "doc-a_chunk_0", Embedding: vecA, Text: "doc a text"},
		{ID: "doc-a_chunk_1", Embedding: vecA, Text: "doc a text"},
		{ID: "doc-b_chunk_0", Embedding: vecB, Text: "doc b text"},
	}))

	require.NoError(t, store.DeleteDocument(ctx, collection, "doc-a"))

	rec, err := store.Get(ctx, collection, "doc-a_chunk_0")
	require.NoError(t, err)
	assert.Nil(t, rec)

	rec, err = store.Get(ctx, collection, "doc-b_chunk_0")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "doc b text", rec.Text)
}

func TestMemoryStore_UpsertReplaces(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	provider := embedding.NewMockProvider(64)
	collection := Collection{BotID: "bot-1"}

	v1, err := provider.EmbedQuery(ctx, "old text")
	require.NoError(t, err)
	v2, err := provider.EmbedQuery(ctx, "new text")
	require.NoError(t, err)

	require.NoError(t, store.Add(ctx, collection, []Record{
		{ID: "doc-1_chunk_0", Embedding: v1, Text: "old text"},
	}))
	require.NoError(t, store.Add(ctx, collection, []Record{
		{ID: "doc-1_chunk_0", Embedding: v2, Text: "new text"},
	}))

	rec, err := store.Get(ctx, collection, "doc-1_chunk_0")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "new text", rec.Text)

	results, err := store.Search(ctx, collection, v2, 5, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.GreaterOrEqual(t, results[0].Score, 0.99)
}
