// Package container wires the engine's services and repositories once
// at startup (singleton pattern).
package container

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lyzr/chatflow/cmd/engine/executor"
	"github.com/lyzr/chatflow/cmd/engine/nodes"
	"github.com/lyzr/chatflow/cmd/engine/registry"
	"github.com/lyzr/chatflow/cmd/engine/validator"
	"github.com/lyzr/chatflow/common/bootstrap"
	"github.com/lyzr/chatflow/common/clients"
	"github.com/lyzr/chatflow/common/embedding"
	"github.com/lyzr/chatflow/common/llm"
	"github.com/lyzr/chatflow/common/queue"
	"github.com/lyzr/chatflow/common/repository"
	"github.com/lyzr/chatflow/common/semcache"
	"github.com/lyzr/chatflow/common/session"
	"github.com/lyzr/chatflow/common/vectorstore"
)

// Container holds all initialized engine services and repositories
type Container struct {
	Components *bootstrap.Components

	// Repositories
	RunRepo      *repository.RunRepository
	WorkflowRepo *repository.WorkflowRepository
	DocumentRepo *repository.DocumentRepository

	// Services
	Documents queue.Queue
	Sessions  session.Store
	Embedder  *embedding.Service
	Vectors   vectorstore.Store
	LLM       *llm.Facade
	SemCache  *semcache.Cache
	Tavily    *clients.TavilyClient
	Registry  *registry.Registry
	Validator *validator.Validator
	Executor  *executor.Executor
}

// NewContainer initializes all services and repositories once
func NewContainer(ctx context.Context, components *bootstrap.Components) (*Container, error) {
	cfg := components.Config
	log := components.Logger

	runRepo := repository.NewRunRepository(components.DB)
	workflowRepo := repository.NewWorkflowRepository(components.DB)
	documentRepo := repository.NewDocumentRepository(components.DB)

	sessions := session.NewRedisStore(components.Redis)
	documents := queue.NewRedisStreamQueue(components.Redis, cfg.Worker.Group, log)

	embedder, err := embedding.NewService(cfg.Embedding, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding service: %w", err)
	}

	vectors := vectorstore.NewPgStore(components.DB, embedder.Dimensions(), log)
	if err := vectors.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure vector schema: %w", err)
	}

	facade, err := llm.NewFacade(ctx, cfg.LLM, cfg.RateLimit.BedrockQPS, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize llm facade: %w", err)
	}

	var semCache *semcache.Cache
	if cfg.Cache.Enabled {
		semCache = semcache.New(components.Cache, embedder, cfg.Cache, log)
	}

	var tavily *clients.TavilyClient
	if cfg.Tavily.APIKey != "" {
		tavily, err = clients.NewTavilyClient(cfg.Tavily, cfg.RateLimit.TavilyPerMinute, log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tavily client: %w", err)
		}
	}

	reg := nodes.NewRegistry()
	services := &registry.Services{
		LLM:         facade,
		SemCache:    semCache,
		Embedder:    embedder,
		VectorStore: vectors,
		Tavily:      tavily,
		HTTPClient:  &http.Client{Timeout: 30 * time.Second},
		Logger:      log,
	}

	exec := executor.New(reg, runRepo, components.Redis, sessions, services, executor.Config{
		RunTimeout:      cfg.Run.DefaultTimeout,
		NodeTimeout:     cfg.Run.NodeDefaultTimeout,
		IOTruncateBytes: cfg.Run.IOTruncateBytes,
	}, log)

	return &Container{
		Components:   components,
		RunRepo:      runRepo,
		WorkflowRepo: workflowRepo,
		DocumentRepo: documentRepo,
		Documents:    documents,
		Sessions:     sessions,
		Embedder:     embedder,
		Vectors:      vectors,
		LLM:          facade,
		SemCache:     semCache,
		Tavily:       tavily,
		Registry:     reg,
		Validator:    validator.New(reg),
		Executor:     exec,
	}, nil
}
