package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lyzr/chatflow/cmd/engine/container"
	"github.com/lyzr/chatflow/cmd/engine/executor"
	"github.com/lyzr/chatflow/cmd/engine/schema"
	"github.com/lyzr/chatflow/common/models"
)

// ExecuteHandler runs workflows for chat turns
type ExecuteHandler struct {
	container *container.Container
}

// NewExecuteHandler creates a new execute handler
func NewExecuteHandler(c *container.Container) *ExecuteHandler {
	return &ExecuteHandler{container: c}
}

type executeRequest struct {
	SessionID         string  `json:"session_id"`
	UserMessage       string  `json:"user_message"`
	UserID            string  `json:"user_id"`
	APIKeyID          *string `json:"api_key_id,omitempty"`
	Stream            bool    `json:"stream"`
	WorkflowVersionID string  `json:"workflow_version_id,omitempty"`
}

// Execute runs the bot's published workflow against one user message
// POST /v1/bots/:bot_id/execute
func (h *ExecuteHandler) Execute(c echo.Context) error {
	botID := c.Param("bot_id")

	var req executeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.SessionID == "" || req.UserMessage == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session_id and user_message are required")
	}

	version, err := h.loadVersion(c, botID, req.WorkflowVersionID)
	if err != nil {
		return err
	}

	graph, err := schema.Parse(version.Graph)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	if graph.EnvironmentVariables == nil {
		graph.EnvironmentVariables = version.EnvironmentVariables
	}
	if graph.ConversationVariables == nil {
		graph.ConversationVariables = version.ConversationVariables
	}

	execReq := &executor.Request{
		Graph:             graph,
		WorkflowVersionID: version.ID,
		BotID:             botID,
		UserID:            req.UserID,
		SessionID:         req.SessionID,
		UserMessage:       req.UserMessage,
		APIKeyID:          req.APIKeyID,
	}

	if req.Stream {
		return h.executeStreaming(c, execReq)
	}

	resp, err := h.container.Executor.Execute(c.Request().Context(), execReq)
	if err != nil {
		var runErr *executor.Error
		if errors.As(err, &runErr) && runErr.Code == executor.CodeValidationFailed {
			return c.JSON(http.StatusUnprocessableEntity, resp)
		}
		return c.JSON(http.StatusInternalServerError, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

// executeStreaming delivers the run over SSE: chunk frames while the
// llm streams, then one terminal done or error frame.
func (h *ExecuteHandler) executeStreaming(c echo.Context, req *executor.Request) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)

	sink := newSSESink(res)
	req.Sink = sink

	resp, err := h.container.Executor.Execute(c.Request().Context(), req)
	if err != nil {
		// The executor already emitted the terminal error frame
		return nil
	}

	sink.emit(map[string]any{
		"kind":         "done",
		"run_id":       resp.RunID,
		"response":     resp.FinalResponse,
		"total_tokens": resp.TotalTokens,
		"total_steps":  resp.TotalSteps,
		"elapsed_ms":   resp.ElapsedMS,
	})
	return nil
}

func (h *ExecuteHandler) loadVersion(c echo.Context, botID, versionID string) (*models.WorkflowVersion, error) {
	ctx := c.Request().Context()

	if versionID != "" {
		id, err := uuid.Parse(versionID)
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid workflow_version_id")
		}
		version, err := h.container.WorkflowRepo.GetByID(ctx, id)
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusNotFound, "workflow version not found")
		}
		return version, nil
	}

	version, err := h.container.WorkflowRepo.GetPublished(ctx, botID)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, "no published workflow for bot")
	}
	return version, nil
}

// sseSink writes frames to the response as they arrive. Satisfies both
// the chunk sink and the terminal error sink.
type sseSink struct {
	res *echo.Response
}

func newSSESink(res *echo.Response) *sseSink {
	return &sseSink{res: res}
}

func (s *sseSink) EmitChunk(text string) {
	s.emit(map[string]any{"kind": "chunk", "text": text})
}

func (s *sseSink) EmitError(code, message string) {
	s.emit(map[string]any{"kind": "error", "code": code, "message": message})
}

func (s *sseSink) emit(frame map[string]any) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if _, err := s.res.Write(append(append([]byte("data: "), payload...), '\n', '\n')); err != nil {
		return
	}
	s.res.Flush()
}
