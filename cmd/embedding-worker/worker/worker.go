// Package worker consumes the document-processing stream: download,
// parse, chunk, embed, and upsert into the vector store, with consumer
// groups for at-least-once delivery and a dead-letter stream for
// poison messages.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lyzr/chatflow/cmd/embedding-worker/parser"
	"github.com/lyzr/chatflow/cmd/embedding-worker/splitter"
	"github.com/lyzr/chatflow/common/config"
	"github.com/lyzr/chatflow/common/embedding"
	"github.com/lyzr/chatflow/common/logger"
	"github.com/lyzr/chatflow/common/models"
	"github.com/lyzr/chatflow/common/vectorstore"
)

const payloadField = "payload"

// maxDocumentBytes caps downloads so one oversized upload cannot wedge
// a consumer.
const maxDocumentBytes = 64 << 20

// Stream is the consumer-group surface of the Redis client
type Stream interface {
	CreateStreamGroup(ctx context.Context, stream, group string) error
	ReadFromStreamGroup(ctx context.Context, group, consumer, stream string, count int64, block time.Duration) ([]goredis.XStream, error)
	ClaimStaleMessages(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]goredis.XMessage, error)
	PendingDeliveryCount(ctx context.Context, stream, group, messageID string) (int64, error)
	AckStreamMessage(ctx context.Context, stream, group, messageID string) error
	AddToStream(ctx context.Context, stream string, values map[string]interface{}) (string, error)
}

// DocumentStore is the lifecycle surface of the document repository
type DocumentStore interface {
	MarkProcessing(ctx context.Context, documentID string, retryCount int) error
	MarkEmbedded(ctx context.Context, documentID string, chunkCount int) error
	MarkDone(ctx context.Context, documentID string, processingTime time.Duration) error
	MarkFailed(ctx context.Context, documentID, errorMessage string) error
	Requeue(ctx context.Context, documentID string) error
}

// Embedder embeds document chunks
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// Fetcher downloads document bytes from the uri in the queue message
type Fetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// HTTPFetcher downloads documents over presigned http(s) URLs
type HTTPFetcher struct {
	Client *http.Client
}

// Fetch downloads the document, capped at maxDocumentBytes
func (f *HTTPFetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build download request: %w", err)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("document download returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read document body: %w", err)
	}
	if len(data) > maxDocumentBytes {
		return nil, fmt.Errorf("document exceeds %d byte limit", maxDocumentBytes)
	}
	return data, nil
}

// Worker drives the consumer loops
type Worker struct {
	stream   Stream
	docs     DocumentStore
	vectors  vectorstore.Store
	embedder Embedder
	splitter *splitter.Splitter
	fetcher  Fetcher
	cfg      config.WorkerConfig
	log      *logger.Logger
}

// New creates a worker
func New(stream Stream, docs DocumentStore, vectors vectorstore.Store, embedder Embedder,
	split *splitter.Splitter, fetcher Fetcher, cfg config.WorkerConfig, log *logger.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Worker{
		stream:   stream,
		docs:     docs,
		vectors:  vectors,
		embedder: embedder,
		splitter: split,
		fetcher:  fetcher,
		cfg:      cfg,
		log:      log,
	}
}

// Run blocks consuming the stream until ctx is cancelled
func (w *Worker) Run(ctx context.Context) error {
	if err := w.stream.CreateStreamGroup(ctx, w.cfg.Stream, w.cfg.Group); err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		consumer := fmt.Sprintf("consumer-%d", i)
		go func() {
			defer wg.Done()
			w.consume(ctx, consumer)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.reclaim(ctx)
	}()

	wg.Wait()
	return nil
}

func (w *Worker) consume(ctx context.Context, consumer string) {
	for ctx.Err() == nil {
		streams, err := w.stream.ReadFromStreamGroup(ctx, w.cfg.Group, consumer, w.cfg.Stream, 1, w.cfg.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error("failed to read from stream", "consumer", consumer, "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				w.Handle(ctx, msg)
			}
		}
	}
}

// reclaim periodically takes over pending messages whose consumer died
func (w *Worker) reclaim(ctx context.Context) {
	interval := w.cfg.ClaimMinIdle / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		messages, err := w.stream.ClaimStaleMessages(ctx, w.cfg.Stream, w.cfg.Group, "reclaimer", w.cfg.ClaimMinIdle, 16)
		if err != nil {
			w.log.Error("failed to claim stale messages", "error", err)
			continue
		}
		for _, msg := range messages {
			w.Handle(ctx, msg)
		}
	}
}

// Handle processes one stream message. The message is acked only after
// successful processing or dead-lettering; transient failures leave it
// pending for redelivery.
func (w *Worker) Handle(ctx context.Context, msg goredis.XMessage) {
	deliveries, err := w.stream.PendingDeliveryCount(ctx, w.cfg.Stream, w.cfg.Group, msg.ID)
	if err != nil {
		deliveries = 1
	}

	m, decodeErr := decodeMessage(msg)

	if decodeErr != nil || (w.cfg.MaxDeliveries > 0 && deliveries > int64(w.cfg.MaxDeliveries)) {
		w.deadLetter(ctx, msg, m, decodeErr)
		return
	}

	switch err := w.process(ctx, m); {
	case err == nil:
		if err := w.stream.AckStreamMessage(ctx, w.cfg.Stream, w.cfg.Group, msg.ID); err != nil {
			w.log.Error("failed to ack message", "message_id", msg.ID, "error", err)
		}
	case errors.Is(err, embedding.ErrCircuitOpen):
		// Leave the message pending so it is redelivered after the
		// breaker recovers.
		w.log.Warn("embedding circuit open, requeueing document", "document_id", m.DocumentID)
		if err := w.docs.Requeue(ctx, m.DocumentID); err != nil {
			w.log.Error("failed to requeue document", "document_id", m.DocumentID, "error", err)
		}
	default:
		w.log.Error("document processing failed", "document_id", m.DocumentID, "error", err)
		if err := w.docs.MarkFailed(ctx, m.DocumentID, err.Error()); err != nil {
			w.log.Error("failed to mark document failed", "document_id", m.DocumentID, "error", err)
		}
	}
}

func (w *Worker) deadLetter(ctx context.Context, msg goredis.XMessage, m models.ProcessDocumentMessage, decodeErr error) {
	reason := "max deliveries exceeded"
	if decodeErr != nil {
		reason = decodeErr.Error()
	}
	w.log.Error("dead-lettering message", "message_id", msg.ID, "reason", reason)

	if w.cfg.DeadLetterQueue != "" {
		if _, err := w.stream.AddToStream(ctx, w.cfg.DeadLetterQueue, msg.Values); err != nil {
			w.log.Error("failed to write dead letter", "message_id", msg.ID, "error", err)
			return
		}
	}
	if m.DocumentID != "" {
		if err := w.docs.MarkFailed(ctx, m.DocumentID, reason); err != nil {
			w.log.Error("failed to mark document failed", "document_id", m.DocumentID, "error", err)
		}
	}
	if err := w.stream.AckStreamMessage(ctx, w.cfg.Stream, w.cfg.Group, msg.ID); err != nil {
		w.log.Error("failed to ack dead letter", "message_id", msg.ID, "error", err)
	}
}

// process runs the full pipeline for one document
func (w *Worker) process(ctx context.Context, m models.ProcessDocumentMessage) error {
	started := time.Now()

	if err := w.docs.MarkProcessing(ctx, m.DocumentID, m.RetryCount); err != nil {
		return fmt.Errorf("failed to mark document processing: %w", err)
	}

	data, err := w.fetcher.Fetch(ctx, m.S3URI)
	if err != nil {
		return err
	}

	extension := m.FileExtension
	if extension == "" {
		extension = path.Ext(m.OriginalFilename)
	}
	text, err := parser.Extract(extension, data)
	if err != nil {
		return err
	}

	chunks := w.splitter.Split(text)
	if len(chunks) == 0 {
		return fmt.Errorf("document %s has no extractable text", m.DocumentID)
	}

	vectors, err := w.embedder.EmbedDocuments(ctx, chunks)
	if err != nil {
		return err
	}

	records := make([]vectorstore.Record, len(chunks))
	for i, chunk := range chunks {
		chunkID := fmt.Sprintf("%s_chunk_%d", m.DocumentID, i)
		records[i] = vectorstore.Record{
			ID:        chunkID,
			Embedding: vectors[i],
			Text:      chunk,
			Metadata: map[string]any{
				"document_id": m.DocumentID,
				"bot_id":      m.BotID,
				"user_id":     m.UserID,
				"chunk_id":    chunkID,
				"chunk_index": i,
				"filename":    m.OriginalFilename,
				"created_at":  started.UTC().Format(time.RFC3339),
			},
		}
	}

	collection := vectorstore.Collection{BotID: m.BotID, UserID: m.UserID}
	if err := w.vectors.Add(ctx, collection, records); err != nil {
		return fmt.Errorf("failed to upsert chunk embeddings: %w", err)
	}

	if err := w.docs.MarkEmbedded(ctx, m.DocumentID, len(chunks)); err != nil {
		return fmt.Errorf("failed to mark document embedded: %w", err)
	}
	if err := w.docs.MarkDone(ctx, m.DocumentID, time.Since(started)); err != nil {
		return fmt.Errorf("failed to mark document done: %w", err)
	}

	w.log.Info("document embedded",
		"document_id", m.DocumentID, "chunks", len(chunks),
		"elapsed_ms", time.Since(started).Milliseconds())
	return nil
}

func decodeMessage(msg goredis.XMessage) (models.ProcessDocumentMessage, error) {
	var m models.ProcessDocumentMessage

	raw, ok := msg.Values[payloadField].(string)
	if !ok {
		return m, fmt.Errorf("message %s has no %s field", msg.ID, payloadField)
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return m, fmt.Errorf("failed to decode message %s: %w", msg.ID, err)
	}
	if m.DocumentID == "" {
		return m, fmt.Errorf("message %s has no document_id", msg.ID)
	}
	return m, nil
}
