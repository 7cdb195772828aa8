package models

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a workflow run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// WorkflowRun is the full execution record for one request
type WorkflowRun struct {
	ID                uuid.UUID      `json:"id"`
	BotID             string         `json:"bot_id"`
	WorkflowVersionID uuid.UUID      `json:"workflow_version_id"`
	SessionID         string         `json:"session_id"`
	UserID            string         `json:"user_id"`
	APIKeyID          *string        `json:"api_key_id,omitempty"`
	GraphSnapshot     []byte         `json:"graph_snapshot"`
	Inputs            map[string]any `json:"inputs"`
	Outputs           map[string]any `json:"outputs"`
	Status            RunStatus      `json:"status"`
	ErrorMessage      *string        `json:"error_message,omitempty"`
	StartedAt         time.Time      `json:"started_at"`
	FinishedAt        *time.Time     `json:"finished_at,omitempty"`
	ElapsedMS         int64          `json:"elapsed_ms"`
	TotalTokens       int            `json:"total_tokens"`
	TotalSteps        int            `json:"total_steps"`
}

// NodeExecutionStatus represents the outcome of one node attempt
type NodeExecutionStatus string

const (
	NodeExecutionCompleted NodeExecutionStatus = "completed"
	NodeExecutionFailed    NodeExecutionStatus = "failed"
	NodeExecutionSkipped   NodeExecutionStatus = "skipped"
)

// NodeExecution is one attempt at executing one node during one run.
// Inputs and outputs above the configured byte cap are truncated;
// TruncatedFields lists which keys were elided.
type NodeExecution struct {
	ID              uuid.UUID           `json:"id"`
	RunID           uuid.UUID           `json:"run_id"`
	NodeID          string              `json:"node_id"`
	NodeType        string              `json:"node_type"`
	ExecutionOrder  int                 `json:"execution_order"`
	Inputs          map[string]any      `json:"inputs"`
	Outputs         map[string]any      `json:"outputs"`
	ProcessData     map[string]any      `json:"process_data,omitempty"`
	Status          NodeExecutionStatus `json:"status"`
	ErrorMessage    *string             `json:"error_message,omitempty"`
	StartedAt       time.Time           `json:"started_at"`
	FinishedAt      *time.Time          `json:"finished_at,omitempty"`
	ElapsedMS       int64               `json:"elapsed_ms"`
	TokensUsed      int                 `json:"tokens_used"`
	TruncatedFields []string            `json:"truncated_fields,omitempty"`
}
