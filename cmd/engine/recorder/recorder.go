// Package recorder buffers the node trace of one run in memory and
// persists it in a single transaction at run end, then emits a
// workflow.log event on the log stream.
package recorder

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/chatflow/common/logger"
	"github.com/lyzr/chatflow/common/models"
)

// LogStream is the Redis stream carrying run-completed events
const LogStream = "workflow:log"

// DefaultIOTruncateBytes caps the serialized size of any recorded
// input or output value.
const DefaultIOTruncateBytes = 64 << 10

// RunStore persists runs and their node traces; satisfied by
// repository.RunRepository.
type RunStore interface {
	Create(ctx context.Context, run *models.WorkflowRun) error
	Finalize(ctx context.Context, run *models.WorkflowRun, executions []*models.NodeExecution) error
}

// EventPublisher appends events to a stream; satisfied by redis.Client
type EventPublisher interface {
	AddToStream(ctx context.Context, stream string, values map[string]interface{}) (string, error)
}

// Recorder accumulates one run's node executions. Not safe for
// concurrent use; each run owns one recorder.
type Recorder struct {
	store     RunStore
	publisher EventPublisher
	log       *logger.Logger

	run        *models.WorkflowRun
	executions []*models.NodeExecution
	truncateAt int
}

// New opens a run record in the running state and returns its recorder.
// store may be nil for ephemeral runs (tests, dry runs).
func New(ctx context.Context, store RunStore, publisher EventPublisher, run *models.WorkflowRun, truncateAt int, log *logger.Logger) (*Recorder, error) {
	if truncateAt <= 0 {
		truncateAt = DefaultIOTruncateBytes
	}

	if store != nil {
		if err := store.Create(ctx, run); err != nil {
			return nil, err
		}
	}

	return &Recorder{
		store:      store,
		publisher:  publisher,
		log:        log,
		run:        run,
		truncateAt: truncateAt,
	}, nil
}

// Run returns the run record being built
func (r *Recorder) Run() *models.WorkflowRun {
	return r.run
}

// Record buffers one node execution, truncating oversized values
func (r *Recorder) Record(exec *models.NodeExecution) {
	if exec.ID == uuid.Nil {
		exec.ID = uuid.New()
	}
	exec.RunID = r.run.ID
	exec.ExecutionOrder = len(r.executions)

	exec.Inputs, exec.TruncatedFields = r.truncate(exec.Inputs, exec.TruncatedFields, "inputs.")
	exec.Outputs, exec.TruncatedFields = r.truncate(exec.Outputs, exec.TruncatedFields, "outputs.")

	r.executions = append(r.executions, exec)
}

// Executions returns the buffered trace
func (r *Recorder) Executions() []*models.NodeExecution {
	return r.executions
}

// truncate elides map values whose serialized form exceeds the cap
func (r *Recorder) truncate(values map[string]any, truncated []string, prefix string) (map[string]any, []string) {
	for key, value := range values {
		encoded, err := json.Marshal(value)
		if err != nil || len(encoded) <= r.truncateAt {
			continue
		}
		values[key] = string(encoded[:r.truncateAt]) + "...(truncated)"
		truncated = append(truncated, prefix+key)
	}
	return values, truncated
}

// Finish computes the run totals, flushes the run and its trace in one
// transaction, and fires the workflow.log event. The event is
// fire-and-forget; a publish failure never fails the run.
func (r *Recorder) Finish(ctx context.Context, status models.RunStatus, outputs map[string]any, errMsg string) error {
	now := time.Now().UTC()
	r.run.Status = status
	r.run.Outputs = outputs
	r.run.FinishedAt = &now
	r.run.ElapsedMS = now.Sub(r.run.StartedAt).Milliseconds()
	if errMsg != "" {
		r.run.ErrorMessage = &errMsg
	}

	totalTokens := 0
	totalSteps := 0
	for _, exec := range r.executions {
		totalTokens += exec.TokensUsed
		if exec.Status == models.NodeExecutionCompleted {
			totalSteps++
		}
	}
	r.run.TotalTokens = totalTokens
	r.run.TotalSteps = totalSteps

	if r.store != nil {
		if err := r.store.Finalize(ctx, r.run, r.executions); err != nil {
			return err
		}
	}

	r.publishLogEvent(ctx)
	return nil
}

func (r *Recorder) publishLogEvent(ctx context.Context) {
	if r.publisher == nil {
		return
	}

	payload, err := json.Marshal(map[string]any{
		"event_type": "workflow.log",
		"run":        r.run,
		"nodes":      r.executions,
	})
	if err != nil {
		return
	}

	if _, err := r.publisher.AddToStream(ctx, LogStream, map[string]interface{}{"payload": string(payload)}); err != nil && r.log != nil {
		r.log.Warn("failed to publish workflow log event", "run_id", r.run.ID, "error", err)
	}
}
