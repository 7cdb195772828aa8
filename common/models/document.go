package models

import "time"

// DocumentStatus represents the lifecycle state of an uploaded document
type DocumentStatus string

const (
	DocumentStatusQueued     DocumentStatus = "queued"
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusDone       DocumentStatus = "done"
	DocumentStatusFailed     DocumentStatus = "failed"
)

// Document is the lifecycle record for one uploaded knowledge document
type Document struct {
	DocumentID          string         `json:"document_id"`
	BotID               string         `json:"bot_id"`
	UserID              string         `json:"user_id"`
	Filename            string         `json:"filename"`
	Size                int64          `json:"size"`
	Status              DocumentStatus `json:"status"`
	RetryCount          int            `json:"retry_count"`
	ChunkCount          *int           `json:"chunk_count,omitempty"`
	ErrorMessage        *string        `json:"error_message,omitempty"`
	ProcessingStartedAt *time.Time     `json:"processing_started_at,omitempty"`
	EmbeddedAt          *time.Time     `json:"embedded_at,omitempty"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty"`
	ProcessingTimeMS    int64          `json:"processing_time_ms"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// ProcessDocumentMessage is the payload on the document-processing queue
type ProcessDocumentMessage struct {
	DocumentID       string `json:"document_id"`
	BotID            string `json:"bot_id"`
	UserID           string `json:"user_id"`
	S3URI            string `json:"s3_uri"`
	OriginalFilename string `json:"original_filename"`
	FileExtension    string `json:"file_extension"`
	RetryCount       int    `json:"retry_count"`
}
