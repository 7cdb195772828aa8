package models

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowVersionStatus represents the lifecycle state of a graph version
type WorkflowVersionStatus string

const (
	WorkflowVersionDraft     WorkflowVersionStatus = "draft"
	WorkflowVersionPublished WorkflowVersionStatus = "published"
)

// WorkflowVersion is one stored version of a bot's workflow graph.
// At most one draft exists per bot (partial unique index).
type WorkflowVersion struct {
	ID                    uuid.UUID             `json:"id"`
	BotID                 string                `json:"bot_id"`
	Version               int                   `json:"version"`
	Status                WorkflowVersionStatus `json:"status"`
	Graph                 []byte                `json:"graph"`
	EnvironmentVariables  map[string]any        `json:"environment_variables"`
	ConversationVariables map[string]any        `json:"conversation_variables"`
	Features              map[string]any        `json:"features,omitempty"`
	NodeCount             int                   `json:"node_count"`
	EdgeCount             int                   `json:"edge_count"`
	CreatedBy             string                `json:"created_by"`
	CreatedAt             time.Time             `json:"created_at"`
	UpdatedAt             time.Time             `json:"updated_at"`
	PublishedAt           *time.Time            `json:"published_at,omitempty"`
}
