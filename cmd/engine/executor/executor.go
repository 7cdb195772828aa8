// Package executor walks a validated workflow graph in topological
// order, gates branches, resolves node inputs from the variable pool,
// dispatches handlers, and records the run trace.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/chatflow/cmd/engine/pool"
	"github.com/lyzr/chatflow/cmd/engine/recorder"
	"github.com/lyzr/chatflow/cmd/engine/registry"
	"github.com/lyzr/chatflow/cmd/engine/schema"
	"github.com/lyzr/chatflow/cmd/engine/template"
	"github.com/lyzr/chatflow/cmd/engine/validator"
	"github.com/lyzr/chatflow/common/llm"
	"github.com/lyzr/chatflow/common/logger"
	"github.com/lyzr/chatflow/common/models"
	"github.com/lyzr/chatflow/common/session"
)

// Stable error codes surfaced to callers
const (
	CodeValidationFailed     = "validation_failed"
	CodeNodeInputUnresolved  = "node_input_unresolved"
	CodeInputTypeMismatch    = "input_type_mismatch"
	CodeTemplateRenderFailed = "template_render_failed"
	CodeLLMRateLimit         = "llm_rate_limit"
	CodeLLMTimeout           = "llm_timeout"
	CodeLLMAuth              = "llm_auth"
	CodeNodeFailed           = "node_failed"
	CodeNoAnswer             = "no_answer"
	CodeRunTimeout           = "run_timeout"
	CodeCancelled            = "cancelled"
)

// Node retry schedule for retryable failures
var retryWaits = []time.Duration{100 * time.Millisecond, 400 * time.Millisecond}

// Config bounds one run
type Config struct {
	RunTimeout      time.Duration
	NodeTimeout     time.Duration
	IOTruncateBytes int
}

func (c Config) withDefaults() Config {
	if c.RunTimeout <= 0 {
		c.RunTimeout = 300 * time.Second
	}
	if c.NodeTimeout <= 0 {
		c.NodeTimeout = 60 * time.Second
	}
	if c.IOTruncateBytes <= 0 {
		c.IOTruncateBytes = recorder.DefaultIOTruncateBytes
	}
	return c
}

// Error is a classified run failure
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorSink is the optional error-frame extension of a stream sink
type ErrorSink interface {
	EmitError(code, message string)
}

// Request carries everything one run needs
type Request struct {
	Graph             *schema.Graph
	WorkflowVersionID uuid.UUID
	BotID             string
	UserID            string
	SessionID         string
	UserMessage       string
	APIKeyID          *string
	Sink              registry.StreamSink
}

// Response summarizes a finished run
type Response struct {
	RunID         uuid.UUID        `json:"run_id"`
	FinalResponse string           `json:"final_response"`
	Status        models.RunStatus `json:"status"`
	TotalTokens   int              `json:"total_tokens"`
	TotalSteps    int              `json:"total_steps"`
	ElapsedMS     int64            `json:"elapsed_ms"`
	Error         *Error           `json:"error,omitempty"`
}

// Executor runs workflows. Safe for concurrent use; each Execute call
// owns its run state.
type Executor struct {
	registry  *registry.Registry
	validator *validator.Validator
	store     recorder.RunStore
	publisher recorder.EventPublisher
	sessions  session.Store
	services  *registry.Services
	cfg       Config
	log       *logger.Logger
}

// New creates an executor. store and publisher may be nil for
// ephemeral runs.
func New(reg *registry.Registry, store recorder.RunStore, publisher recorder.EventPublisher,
	sessions session.Store, services *registry.Services, cfg Config, log *logger.Logger) *Executor {
	return &Executor{
		registry:  reg,
		validator: validator.New(reg),
		store:     store,
		publisher: publisher,
		sessions:  sessions,
		services:  services,
		cfg:       cfg.withDefaults(),
		log:       log,
	}
}

// Execute validates the graph and runs it to completion. A validation
// failure returns before any run record is written.
func (e *Executor) Execute(ctx context.Context, req *Request) (*Response, error) {
	result := e.validator.Validate(req.Graph)
	if !result.OK {
		runErr := &Error{Code: CodeValidationFailed, Message: validationMessage(result)}
		e.emitError(req.Sink, runErr)
		return &Response{Status: models.RunStatusFailed, Error: runErr}, runErr
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.RunTimeout)
	defer cancel()

	run := &models.WorkflowRun{
		ID:                uuid.New(),
		BotID:             req.BotID,
		WorkflowVersionID: req.WorkflowVersionID,
		SessionID:         req.SessionID,
		UserID:            req.UserID,
		APIKeyID:          req.APIKeyID,
		Inputs:            map[string]any{"user_message": req.UserMessage},
		Status:            models.RunStatusRunning,
		StartedAt:         time.Now().UTC(),
	}
	if snapshot, err := json.Marshal(req.Graph); err == nil {
		run.GraphSnapshot = snapshot
	}

	rec, err := recorder.New(ctx, e.store, e.publisher, run, e.cfg.IOTruncateBytes, e.log)
	if err != nil {
		return nil, fmt.Errorf("failed to open workflow run: %w", err)
	}

	state, err := e.newRunState(ctx, req, result.Order, rec)
	if err != nil {
		runErr := &Error{Code: CodeNodeFailed, Message: err.Error()}
		return e.finish(ctx, rec, state, runErr)
	}

	runErr := state.walk(ctx)
	return e.finish(ctx, rec, state, runErr)
}

func (e *Executor) finish(ctx context.Context, rec *recorder.Recorder, state *runState, runErr *Error) (*Response, error) {
	status := models.RunStatusCompleted
	var outputs map[string]any
	errMsg := ""

	finalResponse := ""
	if runErr == nil {
		var ok bool
		finalResponse, ok = state.finalResponse()
		if !ok {
			runErr = &Error{Code: CodeNoAnswer, Message: "no end or answer node produced a response"}
		}
	}

	if runErr != nil {
		status = models.RunStatusFailed
		if runErr.Code == CodeCancelled {
			status = models.RunStatusCancelled
		}
		errMsg = runErr.Error()
		if state != nil {
			e.emitError(state.sink, runErr)
		}
	} else {
		outputs = map[string]any{"response": finalResponse}
	}

	// Finalize with a fresh context so a run-timeout still persists its
	// trace.
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := rec.Finish(flushCtx, status, outputs, errMsg); err != nil {
		e.log.Error("failed to finalize workflow run", "run_id", rec.Run().ID, "error", err)
	}

	resp := &Response{
		RunID:         rec.Run().ID,
		FinalResponse: finalResponse,
		Status:        status,
		TotalTokens:   rec.Run().TotalTokens,
		TotalSteps:    rec.Run().TotalSteps,
		ElapsedMS:     rec.Run().ElapsedMS,
		Error:         runErr,
	}
	if runErr != nil {
		return resp, runErr
	}
	return resp, nil
}

func (e *Executor) emitError(sink registry.StreamSink, runErr *Error) {
	if es, ok := sink.(ErrorSink); ok && runErr != nil {
		es.EmitError(runErr.Code, runErr.Message)
	}
}

func validationMessage(result *validator.Result) string {
	if len(result.Errors) == 0 {
		return "graph validation failed"
	}
	msg := result.Errors[0].Message
	if len(result.Errors) > 1 {
		msg = fmt.Sprintf("%s (and %d more)", msg, len(result.Errors)-1)
	}
	return msg
}

// branchGate marks a node as dormant until the producing branch port
// fires.
type branchGate struct {
	branchID string
	port     string
}

// runState is the mutable state of one run
type runState struct {
	e        *Executor
	graph    *schema.Graph
	order    []string
	pool     *pool.Pool
	rec      *recorder.Recorder
	sink     registry.StreamSink
	ec       *registry.ExecutionContext
	handlers map[string]registry.Handler
	gates    map[string][]branchGate
	skipped  map[string]struct{}

	firstEndResponse *string
	lastAnswerOutput *string
}

func (e *Executor) newRunState(ctx context.Context, req *Request, order []string, rec *recorder.Recorder) (*runState, error) {
	g := req.Graph

	p := pool.New(e.sessions, req.BotID, req.SessionID, g.EnvironmentVariables, g.ConversationVariables)
	p.SetDefaultOutputPortFn(e.registry.DefaultOutputPortFn(g))
	p.SetSystem(pool.SysUserMessage, req.UserMessage)
	p.SetSystem(pool.SysSessionID, req.SessionID)
	p.SetSystem(pool.SysBotID, req.BotID)
	p.SetSystem(pool.SysUserID, req.UserID)
	p.SetSystem(pool.SysRequestID, uuid.New().String())

	if err := p.Hydrate(ctx); err != nil {
		return nil, err
	}

	handlers := make(map[string]registry.Handler, len(g.Nodes))
	for i := range g.Nodes {
		node := &g.Nodes[i]
		handler, err := e.registry.Construct(node)
		if err != nil {
			return nil, err
		}
		handlers[node.ID] = handler
	}

	gates := make(map[string][]branchGate)
	for _, edge := range g.Edges {
		source, ok := g.Node(edge.Source)
		if !ok || !isBranchType(source.Type) {
			continue
		}
		gates[edge.Target] = append(gates[edge.Target], branchGate{branchID: edge.Source, port: edge.SourcePort})
	}

	return &runState{
		e:        e,
		graph:    g,
		order:    order,
		pool:     p,
		rec:      rec,
		sink:     req.Sink,
		handlers: handlers,
		gates:    gates,
		skipped:  make(map[string]struct{}),
		ec: &registry.ExecutionContext{
			Pool:      p,
			RunID:     rec.Run().ID.String(),
			BotID:     req.BotID,
			SessionID: req.SessionID,
			UserID:    req.UserID,
			Services:  e.services,
			Sink:      req.Sink,
		},
	}, nil
}

// walk executes nodes in order; returns the first fatal error
func (s *runState) walk(ctx context.Context) *Error {
	for _, nodeID := range s.order {
		if err := ctx.Err(); err != nil {
			return contextError(err)
		}

		node, _ := s.graph.Node(nodeID)

		if s.shouldSkip(node) {
			s.markSkipped(nodeID)
			s.rec.Record(&models.NodeExecution{
				NodeID:    nodeID,
				NodeType:  node.Type,
				Status:    models.NodeExecutionSkipped,
				StartedAt: time.Now().UTC(),
			})
			continue
		}

		inputs, skip, inputErr := s.resolveInputs(node)
		if skip {
			s.markSkipped(nodeID)
			s.rec.Record(&models.NodeExecution{
				NodeID:    nodeID,
				NodeType:  node.Type,
				Status:    models.NodeExecutionSkipped,
				StartedAt: time.Now().UTC(),
			})
			continue
		}

		started := time.Now().UTC()
		var (
			result *registry.Result
			err    error
		)
		if inputErr != nil {
			err = inputErr
		} else {
			result, err = s.dispatch(ctx, node, inputs)
		}
		finished := time.Now().UTC()

		exec := &models.NodeExecution{
			NodeID:     nodeID,
			NodeType:   node.Type,
			Inputs:     inputs,
			StartedAt:  started,
			FinishedAt: &finished,
			ElapsedMS:  finished.Sub(started).Milliseconds(),
		}

		if err != nil {
			exec.Status = models.NodeExecutionFailed
			msg := err.Error()
			exec.ErrorMessage = &msg
			s.rec.Record(exec)
			return classify(err, nodeID)
		}

		exec.Status = models.NodeExecutionCompleted
		exec.Outputs = result.Outputs
		exec.ProcessData = result.ProcessData
		if result.Usage != nil {
			exec.TokensUsed = result.Usage.Total()
		}
		s.rec.Record(exec)

		s.pool.SetNodeOutputs(nodeID, result.Outputs)
		s.noteTerminalOutputs(node, result)
	}

	return nil
}

// shouldSkip applies branch gating and the skip cascade
func (s *runState) shouldSkip(node *schema.Node) bool {
	// Dormant until every producing branch port has fired
	for _, gate := range s.gates[node.ID] {
		if _, branchSkipped := s.skipped[gate.branchID]; branchSkipped {
			return true
		}
		if !s.pool.HasNodeOutputs(gate.branchID) {
			continue // branch not executed yet; ordering guarantees it won't be
		}
		if _, fired := s.pool.GetNodeOutput(gate.branchID, gate.port); !fired {
			return true
		}
	}

	// Cascade: a node all of whose upstream producers were skipped is
	// itself part of a non-firing branch.
	incoming := 0
	skippedSources := 0
	for _, edge := range s.graph.IncomingEdges(node.ID) {
		if schema.IsReservedScope(edge.Source) {
			continue
		}
		incoming++
		if _, ok := s.skipped[edge.Source]; ok {
			skippedSources++
		}
	}
	return incoming > 0 && incoming == skippedSources
}

// resolveInputs assembles the handler input map. skip is true when a
// required input is unresolved only because its producer was skipped.
func (s *runState) resolveInputs(node *schema.Node) (map[string]any, bool, error) {
	ports := s.nodePorts(node)
	inputs := make(map[string]any, len(ports.Inputs))

	for _, port := range ports.Inputs {
		selector, mapped := node.VariableMappings[port.Name]
		if !mapped {
			if port.Default != nil {
				inputs[port.Name] = port.Default
			}
			continue
		}

		// A mapped input whose producer was gated off skips the consumer
		// rather than resolving to nil.
		if s.producerSkipped(selector) {
			if port.Required {
				return nil, true, nil
			}
			continue
		}

		value, found := s.pool.Resolve(selector)
		if !found {
			if port.Required {
				return nil, false, &Error{
					Code:    CodeNodeInputUnresolved,
					Message: fmt.Sprintf("node %s input %q: selector %q did not resolve", node.ID, port.Name, selector),
				}
			}
			if port.Default != nil {
				inputs[port.Name] = port.Default
			}
			continue
		}

		coerced, ok := coerce(port.Type, value)
		if !ok {
			return nil, false, &Error{
				Code:    CodeInputTypeMismatch,
				Message: fmt.Sprintf("node %s input %q: value does not fit declared type %s", node.ID, port.Name, port.Type),
			}
		}
		inputs[port.Name] = coerced
	}

	return inputs, false, nil
}

func (s *runState) markSkipped(nodeID string) {
	s.skipped[nodeID] = struct{}{}
	s.pool.MarkSkipped(nodeID)
}

func (s *runState) producerSkipped(selector string) bool {
	sel, err := schema.ParseSelector(selector)
	if err != nil || sel.IsReserved() {
		return false
	}
	_, ok := s.skipped[sel.Scope]
	return ok
}

func (s *runState) nodePorts(node *schema.Node) schema.Ports {
	if len(node.Ports.Inputs) > 0 || len(node.Ports.Outputs) > 0 {
		return node.Ports
	}
	sch := s.handlers[node.ID].Schema()
	return schema.Ports{Inputs: sch.Inputs, Outputs: sch.Outputs}
}

// dispatch runs the handler with the per-node timeout, retrying
// retryable failures on a short backoff.
func (s *runState) dispatch(ctx context.Context, node *schema.Node, inputs map[string]any) (*registry.Result, error) {
	handler := s.handlers[node.ID]

	var lastErr error
	for attempt := 0; ; attempt++ {
		nodeCtx, cancel := context.WithTimeout(ctx, s.e.cfg.NodeTimeout)
		result, err := handler.Execute(nodeCtx, s.ec, inputs)
		cancel()

		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt >= len(retryWaits) || !isRetryable(err) || ctx.Err() != nil {
			return nil, lastErr
		}

		s.e.log.Warn("retrying node after transient failure",
			"node_id", node.ID, "attempt", attempt+1, "error", err)
		select {
		case <-time.After(retryWaits[attempt]):
		case <-ctx.Done():
			return nil, lastErr
		}
	}
}

// noteTerminalOutputs tracks the values the final response is chosen
// from.
func (s *runState) noteTerminalOutputs(node *schema.Node, result *registry.Result) {
	switch node.Type {
	case schema.TypeEnd:
		if s.firstEndResponse == nil {
			if response, ok := result.Outputs["response"].(string); ok {
				s.firstEndResponse = &response
			}
		}
	case schema.TypeAnswer:
		if output, ok := result.Outputs["final_output"].(string); ok {
			s.lastAnswerOutput = &output
		}
	}
}

// finalResponse selects the run output: the first End reached, else
// the most recent Answer.
func (s *runState) finalResponse() (string, bool) {
	if s.firstEndResponse != nil {
		return *s.firstEndResponse, true
	}
	if s.lastAnswerOutput != nil {
		return *s.lastAnswerOutput, true
	}
	return "", false
}

func isBranchType(nodeType string) bool {
	return nodeType == schema.TypeIfElse || nodeType == schema.TypeQuestionClassifier
}

// isRetryable reports whether a node failure is worth a local retry
func isRetryable(err error) bool {
	return errors.Is(err, llm.ErrRateLimited) || errors.Is(err, llm.ErrTimeout)
}

func contextError(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeRunTimeout, Message: "run exceeded its time budget"}
	}
	return &Error{Code: CodeCancelled, Message: "run cancelled by caller"}
}

// classify maps a node failure onto a stable error code
func classify(err error, nodeID string) *Error {
	var runErr *Error
	if errors.As(err, &runErr) {
		return runErr
	}

	code := CodeNodeFailed
	switch {
	case errors.Is(err, llm.ErrRateLimited):
		code = CodeLLMRateLimit
	case errors.Is(err, llm.ErrTimeout):
		code = CodeLLMTimeout
	case errors.Is(err, llm.ErrAuth):
		code = CodeLLMAuth
	case isTemplateError(err):
		code = CodeTemplateRenderFailed
	case errors.Is(err, context.DeadlineExceeded):
		code = CodeLLMTimeout
	}
	return &Error{Code: code, Message: fmt.Sprintf("node %s: %v", nodeID, err)}
}

func isTemplateError(err error) bool {
	var rerr *template.RenderError
	return errors.As(err, &rerr)
}

// coerce checks and converts a value against the declared port type
func coerce(t schema.PortType, v any) (any, bool) {
	if t == schema.PortAny || t == "" || v == nil {
		return v, true
	}

	switch t {
	case schema.PortString:
		switch v.(type) {
		case string:
			return v, true
		case float64, float32, int, int64, bool, json.Number:
			return template.Stringify(v), true
		}
	case schema.PortNumber:
		switch tv := v.(type) {
		case float64:
			return tv, true
		case float32:
			return float64(tv), true
		case int:
			return float64(tv), true
		case int64:
			return float64(tv), true
		case json.Number:
			f, err := tv.Float64()
			return f, err == nil
		case string:
			f, err := strconv.ParseFloat(tv, 64)
			if err == nil {
				return f, true
			}
		}
	case schema.PortBoolean:
		if b, ok := v.(bool); ok {
			return b, true
		}
	case schema.PortArray:
		if _, ok := v.([]any); ok {
			return v, true
		}
	case schema.PortObject:
		if _, ok := v.(map[string]any); ok {
			return v, true
		}
	}
	return nil, false
}
