package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lyzr/chatflow/cmd/engine/container"
	"github.com/lyzr/chatflow/common/models"
)

// DocumentHandler enqueues uploaded documents for embedding
type DocumentHandler struct {
	container *container.Container
}

// NewDocumentHandler creates a new document handler
func NewDocumentHandler(c *container.Container) *DocumentHandler {
	return &DocumentHandler{container: c}
}

type enqueueDocumentRequest struct {
	UserID        string `json:"user_id"`
	Filename      string `json:"filename"`
	S3URI         string `json:"s3_uri"`
	FileExtension string `json:"file_extension"`
	Size          int64  `json:"size"`
}

// Enqueue records a document and publishes it to the processing stream
// POST /v1/bots/:bot_id/documents
func (h *DocumentHandler) Enqueue(c echo.Context) error {
	botID := c.Param("bot_id")
	ctx := c.Request().Context()

	var req enqueueDocumentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.S3URI == "" || req.Filename == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "filename and s3_uri are required")
	}

	doc := &models.Document{
		DocumentID: uuid.New().String(),
		BotID:      botID,
		UserID:     req.UserID,
		Filename:   req.Filename,
		Size:       req.Size,
		Status:     models.DocumentStatusQueued,
	}
	if err := h.container.DocumentRepo.Create(ctx, doc); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to record document")
	}

	payload, err := json.Marshal(models.ProcessDocumentMessage{
		DocumentID:       doc.DocumentID,
		BotID:            botID,
		UserID:           req.UserID,
		S3URI:            req.S3URI,
		OriginalFilename: req.Filename,
		FileExtension:    req.FileExtension,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to encode queue message")
	}

	stream := h.container.Components.Config.Worker.Stream
	if err := h.container.Documents.Publish(ctx, stream, doc.DocumentID, payload); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to enqueue document")
	}

	return c.JSON(http.StatusAccepted, doc)
}

// GetDocument retrieves one document's processing state
// GET /v1/documents/:id
func (h *DocumentHandler) GetDocument(c echo.Context) error {
	doc, err := h.container.DocumentRepo.GetByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "document not found")
	}
	return c.JSON(http.StatusOK, doc)
}

// ListDocuments lists a bot's documents
// GET /v1/bots/:bot_id/documents?limit=50
func (h *DocumentHandler) ListDocuments(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = parsed
	}

	docs, err := h.container.DocumentRepo.ListByBot(c.Request().Context(), c.Param("bot_id"), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list documents")
	}
	return c.JSON(http.StatusOK, map[string]any{"documents": docs})
}
