package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/lyzr/chatflow/common/db"
	"github.com/lyzr/chatflow/common/models"
)

// DocumentRepository handles database operations for uploaded documents
type DocumentRepository struct {
	db *db.DB
}

// NewDocumentRepository creates a new document repository
func NewDocumentRepository(database *db.DB) *DocumentRepository {
	return &DocumentRepository{db: database}
}

// Create inserts a new document in the queued state
func (r *DocumentRepository) Create(ctx context.Context, doc *models.Document) error {
	query := `
		INSERT INTO document (document_id, bot_id, user_id, filename, size, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
	`

	_, err := r.db.Exec(ctx, query,
		doc.DocumentID, doc.BotID, doc.UserID, doc.Filename, doc.Size, doc.Status)
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}

	return nil
}

// GetByID retrieves a document by its ID
func (r *DocumentRepository) GetByID(ctx context.Context, documentID string) (*models.Document, error) {
	query := `
		SELECT document_id, bot_id, user_id, filename, size, status, retry_count,
			chunk_count, error_message, processing_started_at, embedded_at, completed_at,
			processing_time_ms, created_at, updated_at
		FROM document
		WHERE document_id = $1
	`

	doc := &models.Document{}
	err := r.db.QueryRow(ctx, query, documentID).Scan(
		&doc.DocumentID,
		&doc.BotID,
		&doc.UserID,
		&doc.Filename,
		&doc.Size,
		&doc.Status,
		&doc.RetryCount,
		&doc.ChunkCount,
		&doc.ErrorMessage,
		&doc.ProcessingStartedAt,
		&doc.EmbeddedAt,
		&doc.CompletedAt,
		&doc.ProcessingTimeMS,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	)

	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	return doc, nil
}

// MarkProcessing transitions a document to the processing state
func (r *DocumentRepository) MarkProcessing(ctx context.Context, documentID string, retryCount int) error {
	query := `
		UPDATE document
		SET status = $2, retry_count = $3, processing_started_at = now(), updated_at = now()
		WHERE document_id = $1
	`

	_, err := r.db.Exec(ctx, query, documentID, models.DocumentStatusProcessing, retryCount)
	if err != nil {
		return fmt.Errorf("failed to mark document processing: %w", err)
	}

	return nil
}

// MarkEmbedded records that all chunks of a document were embedded
func (r *DocumentRepository) MarkEmbedded(ctx context.Context, documentID string, chunkCount int) error {
	query := `
		UPDATE document
		SET chunk_count = $2, embedded_at = now(), updated_at = now()
		WHERE document_id = $1
	`

	_, err := r.db.Exec(ctx, query, documentID, chunkCount)
	if err != nil {
		return fmt.Errorf("failed to mark document embedded: %w", err)
	}

	return nil
}

// MarkDone transitions a document to the done state
func (r *DocumentRepository) MarkDone(ctx context.Context, documentID string, processingTime time.Duration) error {
	query := `
		UPDATE document
		SET status = $2, completed_at = now(), processing_time_ms = $3, error_message = NULL, updated_at = now()
		WHERE document_id = $1
	`

	_, err := r.db.Exec(ctx, query, documentID, models.DocumentStatusDone, processingTime.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to mark document done: %w", err)
	}

	return nil
}

// MarkFailed transitions a document to the failed state
func (r *DocumentRepository) MarkFailed(ctx context.Context, documentID, errorMessage string) error {
	query := `
		UPDATE document
		SET status = $2, error_message = $3, updated_at = now()
		WHERE document_id = $1
	`

	_, err := r.db.Exec(ctx, query, documentID, models.DocumentStatusFailed, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to mark document failed: %w", err)
	}

	return nil
}

// Requeue returns a document to the queued state for another attempt
func (r *DocumentRepository) Requeue(ctx context.Context, documentID string) error {
	query := `
		UPDATE document
		SET status = $2, updated_at = now()
		WHERE document_id = $1
	`

	_, err := r.db.Exec(ctx, query, documentID, models.DocumentStatusQueued)
	if err != nil {
		return fmt.Errorf("failed to requeue document: %w", err)
	}

	return nil
}

// ListByBot retrieves a bot's documents, newest first
func (r *DocumentRepository) ListByBot(ctx context.Context, botID string, limit int) ([]*models.Document, error) {
	query := `
		SELECT document_id, bot_id, user_id, filename, size, status, retry_count,
			chunk_count, error_message, processing_started_at, embedded_at, completed_at,
			processing_time_ms, created_at, updated_at
		FROM document
		WHERE bot_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, botID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		doc := &models.Document{}
		err := rows.Scan(
			&doc.DocumentID,
			&doc.BotID,
			&doc.UserID,
			&doc.Filename,
			&doc.Size,
			&doc.Status,
			&doc.RetryCount,
			&doc.ChunkCount,
			&doc.ErrorMessage,
			&doc.ProcessingStartedAt,
			&doc.EmbeddedAt,
			&doc.CompletedAt,
			&doc.ProcessingTimeMS,
			&doc.CreatedAt,
			&doc.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, doc)
	}

	return docs, rows.Err()
}
