package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/chatflow/cmd/engine/container"
	"github.com/lyzr/chatflow/cmd/engine/schema"
	"github.com/lyzr/chatflow/common/models"
)

// WorkflowHandler manages workflow graph versions
type WorkflowHandler struct {
	container *container.Container
}

// NewWorkflowHandler creates a new workflow handler
func NewWorkflowHandler(c *container.Container) *WorkflowHandler {
	return &WorkflowHandler{container: c}
}

type draftRequest struct {
	Graph                 json.RawMessage `json:"graph"`
	EnvironmentVariables  map[string]any  `json:"environment_variables,omitempty"`
	ConversationVariables map[string]any  `json:"conversation_variables,omitempty"`
	CreatedBy             string          `json:"created_by,omitempty"`
}

// CreateDraft stores a new draft version of the bot's workflow
// POST /v1/bots/:bot_id/workflow/draft
func (h *WorkflowHandler) CreateDraft(c echo.Context) error {
	botID := c.Param("bot_id")

	var req draftRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	graph, err := schema.Parse(req.Graph)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	version := &models.WorkflowVersion{
		BotID:                 botID,
		Graph:                 req.Graph,
		EnvironmentVariables:  req.EnvironmentVariables,
		ConversationVariables: req.ConversationVariables,
		CreatedBy:             req.CreatedBy,
		NodeCount:             len(graph.Nodes),
		EdgeCount:             len(graph.Edges),
	}
	if err := h.container.WorkflowRepo.CreateDraft(c.Request().Context(), version); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusCreated, version)
}

// GetDraft retrieves the bot's current draft
// GET /v1/bots/:bot_id/workflow/draft
func (h *WorkflowHandler) GetDraft(c echo.Context) error {
	version, err := h.container.WorkflowRepo.GetDraft(c.Request().Context(), c.Param("bot_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "no draft workflow for bot")
	}
	return c.JSON(http.StatusOK, version)
}

// PatchDraft applies an RFC-6902 patch to the draft graph
// PATCH /v1/bots/:bot_id/workflow/draft
func (h *WorkflowHandler) PatchDraft(c echo.Context) error {
	botID := c.Param("bot_id")

	var patch json.RawMessage
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patch body")
	}

	version, err := h.container.WorkflowRepo.PatchDraftGraph(c.Request().Context(), botID, patch)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return c.JSON(http.StatusOK, version)
}

// Publish promotes the draft to the published version. The graph must
// validate first.
// POST /v1/bots/:bot_id/workflow/publish
func (h *WorkflowHandler) Publish(c echo.Context) error {
	botID := c.Param("bot_id")
	ctx := c.Request().Context()

	draft, err := h.container.WorkflowRepo.GetDraft(ctx, botID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "no draft workflow for bot")
	}

	graph, err := schema.Parse(draft.Graph)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	result := h.container.Validator.Validate(graph)
	if !result.OK {
		return c.JSON(http.StatusUnprocessableEntity, map[string]any{
			"errors":   result.Errors,
			"warnings": result.Warnings,
		})
	}

	version, err := h.container.WorkflowRepo.Publish(ctx, botID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, version)
}

// GetPublished retrieves the bot's published workflow
// GET /v1/bots/:bot_id/workflow
func (h *WorkflowHandler) GetPublished(c echo.Context) error {
	version, err := h.container.WorkflowRepo.GetPublished(c.Request().Context(), c.Param("bot_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "no published workflow for bot")
	}
	return c.JSON(http.StatusOK, version)
}

// Validate checks a graph without storing it
// POST /v1/workflow/validate
func (h *WorkflowHandler) Validate(c echo.Context) error {
	var body json.RawMessage
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	graph, err := schema.Parse(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	result := h.container.Validator.Validate(graph)
	return c.JSON(http.StatusOK, result)
}
