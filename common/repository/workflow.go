package repository

import (
	"context"
	"errors"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lyzr/chatflow/common/db"
	"github.com/lyzr/chatflow/common/models"
)

// ErrDraftExists is returned when a bot already has a draft version
var ErrDraftExists = errors.New("a draft already exists for this bot")

// ErrNoDraft is returned when an operation needs a draft and none exists
var ErrNoDraft = errors.New("no draft exists for this bot")

// WorkflowRepository handles database operations for workflow versions
type WorkflowRepository struct {
	db *db.DB
}

// NewWorkflowRepository creates a new workflow repository
func NewWorkflowRepository(database *db.DB) *WorkflowRepository {
	return &WorkflowRepository{db: database}
}

const workflowVersionColumns = `id, bot_id, version, status, graph,
	environment_variables, conversation_variables, features,
	node_count, edge_count, created_by, created_at, updated_at, published_at`

// GetByID retrieves a workflow version by its ID
func (r *WorkflowRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.WorkflowVersion, error) {
	query := fmt.Sprintf(`SELECT %s FROM workflow_version WHERE id = $1`, workflowVersionColumns)

	version, err := r.scanVersion(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow version: %w", err)
	}

	return version, nil
}

// GetPublished retrieves the latest published version of a bot's workflow
func (r *WorkflowRepository) GetPublished(ctx context.Context, botID string) (*models.WorkflowVersion, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM workflow_version
		WHERE bot_id = $1 AND status = $2
		ORDER BY version DESC
		LIMIT 1`, workflowVersionColumns)

	version, err := r.scanVersion(r.db.QueryRow(ctx, query, botID, models.WorkflowVersionPublished))
	if err != nil {
		return nil, fmt.Errorf("failed to get published workflow: %w", err)
	}

	return version, nil
}

// GetDraft retrieves the bot's draft version, or ErrNoDraft
func (r *WorkflowRepository) GetDraft(ctx context.Context, botID string) (*models.WorkflowVersion, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM workflow_version
		WHERE bot_id = $1 AND status = $2`, workflowVersionColumns)

	version, err := r.scanVersion(r.db.QueryRow(ctx, query, botID, models.WorkflowVersionDraft))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoDraft
		}
		return nil, fmt.Errorf("failed to get draft workflow: %w", err)
	}

	return version, nil
}

// CreateDraft inserts a new draft version. The partial unique index on
// (bot_id) WHERE status = 'draft' enforces at most one draft per bot.
func (r *WorkflowRepository) CreateDraft(ctx context.Context, version *models.WorkflowVersion) error {
	query := `
		INSERT INTO workflow_version (id, bot_id, version, status, graph,
			environment_variables, conversation_variables, features,
			node_count, edge_count, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())
	`

	_, err := r.db.Exec(ctx, query,
		version.ID,
		version.BotID,
		version.Version,
		models.WorkflowVersionDraft,
		version.Graph,
		version.EnvironmentVariables,
		version.ConversationVariables,
		version.Features,
		version.NodeCount,
		version.EdgeCount,
		version.CreatedBy,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDraftExists
		}
		return fmt.Errorf("failed to create draft workflow: %w", err)
	}

	return nil
}

// PatchDraftGraph applies an RFC 6902 patch to the bot's draft graph
// and returns the updated version.
func (r *WorkflowRepository) PatchDraftGraph(ctx context.Context, botID string, patchJSON []byte) (*models.WorkflowVersion, error) {
	draft, err := r.GetDraft(ctx, botID)
	if err != nil {
		return nil, err
	}

	patch, err := jsonpatch.DecodePatch(patchJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to decode graph patch: %w", err)
	}

	patched, err := patch.Apply(draft.Graph)
	if err != nil {
		return nil, fmt.Errorf("failed to apply graph patch: %w", err)
	}

	query := `
		UPDATE workflow_version
		SET graph = $2, updated_at = now()
		WHERE id = $1
	`
	if _, err := r.db.Exec(ctx, query, draft.ID, patched); err != nil {
		return nil, fmt.Errorf("failed to update draft graph: %w", err)
	}

	draft.Graph = patched
	return draft, nil
}

// Publish promotes the bot's draft to a published version numbered one
// past the latest published version.
func (r *WorkflowRepository) Publish(ctx context.Context, botID string) (*models.WorkflowVersion, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin publish transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var draftID uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT id FROM workflow_version
		WHERE bot_id = $1 AND status = $2
		FOR UPDATE`,
		botID, models.WorkflowVersionDraft,
	).Scan(&draftID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoDraft
		}
		return nil, fmt.Errorf("failed to lock draft workflow: %w", err)
	}

	var nextVersion int
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0) + 1 FROM workflow_version
		WHERE bot_id = $1 AND status = $2`,
		botID, models.WorkflowVersionPublished,
	).Scan(&nextVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to compute next version: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE workflow_version
		SET status = $2, version = $3, published_at = now(), updated_at = now()
		WHERE id = $1`,
		draftID, models.WorkflowVersionPublished, nextVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to publish workflow: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit publish transaction: %w", err)
	}

	return r.GetByID(ctx, draftID)
}

func (r *WorkflowRepository) scanVersion(row pgx.Row) (*models.WorkflowVersion, error) {
	version := &models.WorkflowVersion{}
	err := row.Scan(
		&version.ID,
		&version.BotID,
		&version.Version,
		&version.Status,
		&version.Graph,
		&version.EnvironmentVariables,
		&version.ConversationVariables,
		&version.Features,
		&version.NodeCount,
		&version.EdgeCount,
		&version.CreatedBy,
		&version.CreatedAt,
		&version.UpdatedAt,
		&version.PublishedAt,
	)
	if err != nil {
		return nil, err
	}
	return version, nil
}
