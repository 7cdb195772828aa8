package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lyzr/chatflow/common/db"
	"github.com/lyzr/chatflow/common/models"
)

// RunRepository handles database operations for workflow runs
type RunRepository struct {
	db *db.DB
}

// NewRunRepository creates a new run repository
func NewRunRepository(database *db.DB) *RunRepository {
	return &RunRepository{db: database}
}

// Create inserts a new workflow run in the running state
func (r *RunRepository) Create(ctx context.Context, run *models.WorkflowRun) error {
	query := `
		INSERT INTO workflow_run (id, bot_id, workflow_version_id, session_id, user_id, api_key_id,
			graph_snapshot, inputs, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.db.Exec(
		ctx,
		query,
		run.ID,
		run.BotID,
		run.WorkflowVersionID,
		run.SessionID,
		run.UserID,
		run.APIKeyID,
		run.GraphSnapshot,
		run.Inputs,
		run.Status,
		run.StartedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create workflow run: %w", err)
	}

	return nil
}

// Finalize writes the terminal state of a run and inserts its node
// executions in the same transaction, so a run record never lands
// without its trace.
func (r *RunRepository) Finalize(ctx context.Context, run *models.WorkflowRun, executions []*models.NodeExecution) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin finalize transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE workflow_run
		SET outputs = $2, status = $3, error_message = $4, finished_at = $5,
			elapsed_ms = $6, total_tokens = $7, total_steps = $8
		WHERE id = $1
	`

	_, err = tx.Exec(
		ctx,
		query,
		run.ID,
		run.Outputs,
		run.Status,
		run.ErrorMessage,
		run.FinishedAt,
		run.ElapsedMS,
		run.TotalTokens,
		run.TotalSteps,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize workflow run: %w", err)
	}

	if len(executions) > 0 {
		batch := &pgx.Batch{}
		for _, exec := range executions {
			batch.Queue(`
				INSERT INTO node_execution (id, run_id, node_id, node_type, execution_order,
					inputs, outputs, process_data, status, error_message,
					started_at, finished_at, elapsed_ms, tokens_used, truncated_fields)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
				exec.ID,
				exec.RunID,
				exec.NodeID,
				exec.NodeType,
				exec.ExecutionOrder,
				exec.Inputs,
				exec.Outputs,
				exec.ProcessData,
				exec.Status,
				exec.ErrorMessage,
				exec.StartedAt,
				exec.FinishedAt,
				exec.ElapsedMS,
				exec.TokensUsed,
				exec.TruncatedFields,
			)
		}

		results := tx.SendBatch(ctx, batch)
		for range executions {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return fmt.Errorf("failed to insert node executions: %w", err)
			}
		}
		if err := results.Close(); err != nil {
			return fmt.Errorf("failed to close node execution batch: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit finalize transaction: %w", err)
	}

	return nil
}

// GetByID retrieves a run by its ID
func (r *RunRepository) GetByID(ctx context.Context, runID uuid.UUID) (*models.WorkflowRun, error) {
	query := `
		SELECT id, bot_id, workflow_version_id, session_id, user_id, api_key_id,
			graph_snapshot, inputs, outputs, status, error_message,
			started_at, finished_at, elapsed_ms, total_tokens, total_steps
		FROM workflow_run
		WHERE id = $1
	`

	run := &models.WorkflowRun{}
	err := r.db.QueryRow(ctx, query, runID).Scan(
		&run.ID,
		&run.BotID,
		&run.WorkflowVersionID,
		&run.SessionID,
		&run.UserID,
		&run.APIKeyID,
		&run.GraphSnapshot,
		&run.Inputs,
		&run.Outputs,
		&run.Status,
		&run.ErrorMessage,
		&run.StartedAt,
		&run.FinishedAt,
		&run.ElapsedMS,
		&run.TotalTokens,
		&run.TotalSteps,
	)

	if err != nil {
		return nil, fmt.Errorf("failed to get workflow run: %w", err)
	}

	return run, nil
}

// ListBySession retrieves the most recent runs of one session
func (r *RunRepository) ListBySession(ctx context.Context, botID, sessionID string, limit int) ([]*models.WorkflowRun, error) {
	query := `
		SELECT id, bot_id, workflow_version_id, session_id, user_id, api_key_id,
			graph_snapshot, inputs, outputs, status, error_message,
			started_at, finished_at, elapsed_ms, total_tokens, total_steps
		FROM workflow_run
		WHERE bot_id = $1 AND session_id = $2
		ORDER BY started_at DESC
		LIMIT $3
	`

	rows, err := r.db.Query(ctx, query, botID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.WorkflowRun
	for rows.Next() {
		run := &models.WorkflowRun{}
		err := rows.Scan(
			&run.ID,
			&run.BotID,
			&run.WorkflowVersionID,
			&run.SessionID,
			&run.UserID,
			&run.APIKeyID,
			&run.GraphSnapshot,
			&run.Inputs,
			&run.Outputs,
			&run.Status,
			&run.ErrorMessage,
			&run.StartedAt,
			&run.FinishedAt,
			&run.ElapsedMS,
			&run.TotalTokens,
			&run.TotalSteps,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow run: %w", err)
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// ListExecutions retrieves the node trace of a run in execution order
func (r *RunRepository) ListExecutions(ctx context.Context, runID uuid.UUID) ([]*models.NodeExecution, error) {
	query := `
		SELECT id, run_id, node_id, node_type, execution_order,
			inputs, outputs, process_data, status, error_message,
			started_at, finished_at, elapsed_ms, tokens_used, truncated_fields
		FROM node_execution
		WHERE run_id = $1
		ORDER BY execution_order ASC
	`

	rows, err := r.db.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list node executions: %w", err)
	}
	defer rows.Close()

	var executions []*models.NodeExecution
	for rows.Next() {
		exec := &models.NodeExecution{}
		err := rows.Scan(
			&exec.ID,
			&exec.RunID,
			&exec.NodeID,
			&exec.NodeType,
			&exec.ExecutionOrder,
			&exec.Inputs,
			&exec.Outputs,
			&exec.ProcessData,
			&exec.Status,
			&exec.ErrorMessage,
			&exec.StartedAt,
			&exec.FinishedAt,
			&exec.ElapsedMS,
			&exec.TokensUsed,
			&exec.TruncatedFields,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node execution: %w", err)
		}
		executions = append(executions, exec)
	}

	return executions, rows.Err()
}
