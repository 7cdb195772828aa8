package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/lyzr/chatflow/common/db"
	"github.com/lyzr/chatflow/common/logger"
)

// PgStore persists chunk embeddings in a pgvector-indexed table
type PgStore struct {
	db         *db.DB
	log        *logger.Logger
	dimensions int
}

// NewPgStore creates a pgvector-backed store
func NewPgStore(database *db.DB, dimensions int, log *logger.Logger) *PgStore {
	return &PgStore{
		db:         database,
		log:        log,
		dimensions: dimensions,
	}
}

// EnsureSchema creates the embeddings table and HNSW cosine index if
// they do not exist yet.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS document_embeddings (
			id          TEXT PRIMARY KEY,
			bot_id      TEXT NOT NULL DEFAULT '',
			user_id     TEXT NOT NULL DEFAULT '',
			document_id TEXT NOT NULL,
			chunk_text  TEXT NOT NULL,
			embedding   vector(%d) NOT NULL,
			metadata    JSONB NOT NULL DEFAULT '{}',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.dimensions),
		`CREATE INDEX IF NOT EXISTS idx_document_embeddings_tenant
			ON document_embeddings (bot_id, user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_document_embeddings_document
			ON document_embeddings (document_id)`,
		`CREATE INDEX IF NOT EXISTS idx_document_embeddings_hnsw
			ON document_embeddings USING hnsw (embedding vector_cosine_ops)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure embeddings schema: %w", err)
		}
	}
	return nil
}

// Add upserts records in a single batch
func (s *PgStore) Add(ctx context.Context, collection Collection, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, rec := range records {
		metadata, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata for %s: %w", rec.ID, err)
		}

		batch.Queue(`
			INSERT INTO document_embeddings (id, bot_id, user_id, document_id, chunk_text, embedding, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				chunk_text = EXCLUDED.chunk_text,
				embedding  = EXCLUDED.embedding,
				metadata   = EXCLUDED.metadata`,
			rec.ID, collection.BotID, collection.UserID, documentIDOf(rec.ID),
			rec.Text, pgvector.NewVector(rec.Embedding), metadata,
		)
	}

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()

	for range records {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert embeddings: %w", err)
		}
	}

	s.log.Debug("embeddings stored", "count", len(records), "bot_id", collection.BotID)
	return nil
}

// Search returns the topK nearest records by cosine distance
func (s *PgStore) Search(ctx context.Context, collection Collection, queryEmbedding []float32, topK int, filter map[string]any) ([]Result, error) {
	if topK <= 0 {
		return nil, nil
	}

	query := strings.Builder{}
	query.WriteString(`
		SELECT id, chunk_text, metadata, 1 - (embedding <=> $1) AS score
		FROM document_embeddings
		WHERE 1=1`)

	args := []any{pgvector.NewVector(queryEmbedding)}
	if collection.BotID != "" {
		args = append(args, collection.BotID)
		fmt.Fprintf(&query, " AND bot_id = $%d", len(args))
	}
	if collection.UserID != "" {
		args = append(args, collection.UserID)
		fmt.Fprintf(&query, " AND user_id = $%d", len(args))
	}
	if len(filter) > 0 {
		contains, err := json.Marshal(filter)
		if err != nil {
			return nil, fmt.Errorf("marshal search filter: %w", err)
		}
		args = append(args, contains)
		fmt.Fprintf(&query, " AND metadata @> $%d", len(args))
	}

	args = append(args, topK)
	fmt.Fprintf(&query, " ORDER BY embedding <=> $1 LIMIT $%d", len(args))

	rows, err := s.db.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("search embeddings: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			res      Result
			metadata []byte
		)
		if err := rows.Scan(&res.ID, &res.Text, &metadata, &res.Score); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		if err := json.Unmarshal(metadata, &res.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata for %s: %w", res.ID, err)
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search results: %w", err)
	}
	return results, nil
}

// DeleteDocument removes all chunks belonging to a document
func (s *PgStore) DeleteDocument(ctx context.Context, collection Collection, documentID string) error {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM document_embeddings
		WHERE document_id = $1 AND bot_id = $2 AND user_id = $3`,
		documentID, collection.BotID, collection.UserID,
	)
	if err != nil {
		return fmt.Errorf("delete embeddings for document %s: %w", documentID, err)
	}

	s.log.Debug("embeddings deleted", "document_id", documentID, "count", tag.RowsAffected())
	return nil
}

// Get retrieves one record by id, or nil when absent
func (s *PgStore) Get(ctx context.Context, collection Collection, id string) (*Record, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, chunk_text, embedding, metadata
		FROM document_embeddings
		WHERE id = $1 AND bot_id = $2 AND user_id = $3`,
		id, collection.BotID, collection.UserID,
	)

	var (
		rec       Record
		embedding pgvector.Vector
		metadata  []byte
	)
	if err := row.Scan(&rec.ID, &rec.Text, &embedding, &metadata); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get embedding %s: %w", id, err)
	}

	rec.Embedding = embedding.Slice()
	if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata for %s: %w", id, err)
	}
	return &rec, nil
}

// documentIDOf strips the "_chunk_<i>" suffix from a record id
func documentIDOf(id string) string {
	if idx := strings.LastIndex(id, "_chunk_"); idx >= 0 {
		return id[:idx]
	}
	return id
}
