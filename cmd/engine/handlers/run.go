package handlers

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lyzr/chatflow/cmd/engine/container"
)

// RunHandler serves run traces
type RunHandler struct {
	container *container.Container
}

// NewRunHandler creates a new run handler
func NewRunHandler(c *container.Container) *RunHandler {
	return &RunHandler{container: c}
}

// GetRun retrieves one run record
// GET /v1/runs/:id
func (h *RunHandler) GetRun(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run id")
	}

	run, err := h.container.RunRepo.GetByID(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return c.JSON(http.StatusOK, run)
}

// ListExecutions retrieves the node trace of one run
// GET /v1/runs/:id/executions
func (h *RunHandler) ListExecutions(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run id")
	}

	executions, err := h.container.RunRepo.ListExecutions(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load executions")
	}
	return c.JSON(http.StatusOK, map[string]any{"executions": executions})
}

// ListRuns lists a session's recent runs
// GET /v1/bots/:bot_id/runs?session_id=...&limit=20
func (h *RunHandler) ListRuns(c echo.Context) error {
	botID := c.Param("bot_id")
	sessionID := c.QueryParam("session_id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session_id is required")
	}

	limit := 20
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 200 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = parsed
	}

	runs, err := h.container.RunRepo.ListBySession(c.Request().Context(), botID, sessionID, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list runs")
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": runs})
}
