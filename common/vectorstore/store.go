// Package vectorstore stores document chunk embeddings and serves
// cosine-similarity top-k queries. The production implementation is a
// pgvector-backed Postgres table with an HNSW cosine index; the memory
// implementation backs tests and offline dev.
package vectorstore

import "context"

// Collection scopes records to one tenant. Either BotID or UserID (or
// both) may be set; empty fields are not filtered on.
type Collection struct {
	BotID  string
	UserID string
}

// Record is one chunk embedding. ID format is "<document_id>_chunk_<i>".
type Record struct {
	ID        string
	Embedding []float32
	Text      string
	Metadata  map[string]any
}

// Result is one search hit. Score is cosine similarity (1 − cosine
// distance), in [-1, 1] with 1 meaning identical direction; retrieval
// thresholds compare against this raw value.
type Result struct {
	ID       string
	Text     string
	Metadata map[string]any
	Score    float64
}

// Store is the vector store contract
type Store interface {
	// Add upserts records by id; idempotent per chunk id.
	Add(ctx context.Context, collection Collection, records []Record) error

	// Search returns up to topK results ordered by descending cosine
	// similarity. filter limits results to records whose metadata
	// contains every given key/value.
	Search(ctx context.Context, collection Collection, queryEmbedding []float32, topK int, filter map[string]any) ([]Result, error)

	// DeleteDocument removes all chunks of a document.
	DeleteDocument(ctx context.Context, collection Collection, documentID string) error

	// Get retrieves one record by id.
	Get(ctx context.Context, collection Collection, id string) (*Record, error)
}
