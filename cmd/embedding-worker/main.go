package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lyzr/chatflow/cmd/embedding-worker/splitter"
	"github.com/lyzr/chatflow/cmd/embedding-worker/worker"
	"github.com/lyzr/chatflow/common/bootstrap"
	"github.com/lyzr/chatflow/common/embedding"
	"github.com/lyzr/chatflow/common/repository"
	"github.com/lyzr/chatflow/common/vectorstore"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	components, err := bootstrap.Setup(ctx, "embedding-worker", bootstrap.WithoutCache())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup embedding-worker: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(context.Background())

	cfg := components.Config
	log := components.Logger

	embedder, err := embedding.NewService(cfg.Embedding, log)
	if err != nil {
		log.Error("failed to initialize embedding service", "error", err)
		os.Exit(1)
	}

	vectors := vectorstore.NewPgStore(components.DB, embedder.Dimensions(), log)
	if err := vectors.EnsureSchema(ctx); err != nil {
		log.Error("failed to ensure vector schema", "error", err)
		os.Exit(1)
	}

	w := worker.New(
		components.Redis,
		repository.NewDocumentRepository(components.DB),
		vectors,
		embedder,
		splitter.New(cfg.Chunking.ChunkSize, cfg.Chunking.ChunkOverlap),
		&worker.HTTPFetcher{Client: &http.Client{Timeout: 2 * time.Minute}},
		cfg.Worker,
		log,
	)

	log.Info("embedding-worker starting",
		"stream", cfg.Worker.Stream,
		"group", cfg.Worker.Group,
		"concurrency", cfg.Worker.Concurrency,
	)

	if err := w.Run(ctx); err != nil {
		log.Error("worker stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("embedding-worker stopped")
}
