// Package routes registers the engine's HTTP routes
package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/lyzr/chatflow/cmd/engine/container"
	"github.com/lyzr/chatflow/cmd/engine/handlers"
)

// RegisterExecuteRoutes registers the chat execution route
func RegisterExecuteRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewExecuteHandler(c)

	e.POST("/v1/bots/:bot_id/execute", h.Execute)
}

// RegisterRunRoutes registers run trace routes
func RegisterRunRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewRunHandler(c)

	e.GET("/v1/runs/:id", h.GetRun)
	e.GET("/v1/runs/:id/executions", h.ListExecutions)
	e.GET("/v1/bots/:bot_id/runs", h.ListRuns)
}

// RegisterWorkflowRoutes registers workflow version routes
func RegisterWorkflowRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewWorkflowHandler(c)

	e.POST("/v1/workflow/validate", h.Validate)
	e.GET("/v1/bots/:bot_id/workflow", h.GetPublished)
	e.POST("/v1/bots/:bot_id/workflow/draft", h.CreateDraft)
	e.GET("/v1/bots/:bot_id/workflow/draft", h.GetDraft)
	e.PATCH("/v1/bots/:bot_id/workflow/draft", h.PatchDraft)
	e.POST("/v1/bots/:bot_id/workflow/publish", h.Publish)
}

// RegisterDocumentRoutes registers document ingestion routes
func RegisterDocumentRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewDocumentHandler(c)

	e.POST("/v1/bots/:bot_id/documents", h.Enqueue)
	e.GET("/v1/bots/:bot_id/documents", h.ListDocuments)
	e.GET("/v1/documents/:id", h.GetDocument)
}
