// Package registry holds the static node-type table: schema and
// constructor per node type. The registry is immutable after process
// start.
package registry

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"github.com/lyzr/chatflow/cmd/engine/pool"
	"github.com/lyzr/chatflow/cmd/engine/schema"
	"github.com/lyzr/chatflow/common/clients"
	"github.com/lyzr/chatflow/common/llm"
	"github.com/lyzr/chatflow/common/logger"
	"github.com/lyzr/chatflow/common/semcache"
	"github.com/lyzr/chatflow/common/vectorstore"
)

// NodeSchema describes a node type to the designer and validator
type NodeSchema struct {
	Type         string         `json:"type"`
	Label        string         `json:"label"`
	Icon         string         `json:"icon,omitempty"`
	MaxInstances int            `json:"max_instances,omitempty"`
	Configurable bool           `json:"configurable"`
	ConfigSchema map[string]any `json:"config_schema,omitempty"`
	Inputs       []schema.Port  `json:"inputs"`
	Outputs      []schema.Port  `json:"outputs"`
}

// DefaultOutputPort returns the port a bare node-id selector resolves
// to: the single declared output, or the conventional names.
func (s NodeSchema) DefaultOutputPort() (string, bool) {
	if len(s.Outputs) == 1 {
		return s.Outputs[0].Name, true
	}
	for _, conventional := range []string{"response", "result", "final_output"} {
		for _, port := range s.Outputs {
			if port.Name == conventional {
				return conventional, true
			}
		}
	}
	return "", false
}

// Result is the outcome of one handler execution. Outputs carry only
// the ports the node actually fired; for branch nodes that is exactly
// one branch port.
type Result struct {
	Outputs     map[string]any
	ProcessData map[string]any
	Usage       *llm.Usage
}

// StreamSink receives text chunks during streaming handlers
type StreamSink interface {
	EmitChunk(text string)
}

// Embedder is the query-embedding dependency of retrieval handlers
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Services are the process-scoped handles passed into handlers. Nil
// fields mean the capability is not configured; handlers needing one
// fail with a clear error.
type Services struct {
	LLM         *llm.Facade
	SemCache    *semcache.Cache
	Embedder    Embedder
	VectorStore vectorstore.Store
	Tavily      *clients.TavilyClient
	HTTPClient  *http.Client
	Logger      *logger.Logger
}

// ExecutionContext is the per-run state handlers see
type ExecutionContext struct {
	Pool      *pool.Pool
	RunID     string
	BotID     string
	SessionID string
	UserID    string
	Services  *Services
	Sink      StreamSink

	streamed map[string]struct{}
}

// EmitChunk forwards text to the stream sink when one is attached
func (e *ExecutionContext) EmitChunk(text string) {
	if e.Sink != nil && text != "" {
		e.Sink.EmitChunk(text)
	}
}

// MarkStreamed records that the selector's value was already delivered
// to the sink token by token. Downstream answer nodes use this to skip
// re-emitting the same text.
func (e *ExecutionContext) MarkStreamed(selector string) {
	if e.streamed == nil {
		e.streamed = make(map[string]struct{})
	}
	e.streamed[selector] = struct{}{}
}

// WasStreamed reports whether the selector's value already reached the
// sink.
func (e *ExecutionContext) WasStreamed(selector string) bool {
	_, ok := e.streamed[selector]
	return ok
}

// Handler is the per-node execution contract
type Handler interface {
	// Execute runs the node against its resolved inputs
	Execute(ctx context.Context, ec *ExecutionContext, inputs map[string]any) (*Result, error)

	// ValidateStatic checks the node's config without executing
	ValidateStatic() error

	// Schema returns the node type's schema
	Schema() NodeSchema
}

// SchemaFn produces a node type's schema
type SchemaFn func() NodeSchema

// ConstructFn builds a handler for one concrete node
type ConstructFn func(node *schema.Node) (Handler, error)

type entry struct {
	schemaFn    SchemaFn
	constructFn ConstructFn
}

// Registry maps node-type names to schema and constructor
type Registry struct {
	entries map[string]entry
}

// New creates an empty registry
func New() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a node type. Duplicate registration is an error.
func (r *Registry) Register(nodeType string, schemaFn SchemaFn, constructFn ConstructFn) error {
	if _, exists := r.entries[nodeType]; exists {
		return fmt.Errorf("node type %q already registered", nodeType)
	}
	r.entries[nodeType] = entry{schemaFn: schemaFn, constructFn: constructFn}
	return nil
}

// MustRegister is Register that panics, for process-start registration
func (r *Registry) MustRegister(nodeType string, schemaFn SchemaFn, constructFn ConstructFn) {
	if err := r.Register(nodeType, schemaFn, constructFn); err != nil {
		panic(err)
	}
}

// Schema returns the schema of a node type
func (r *Registry) Schema(nodeType string) (NodeSchema, bool) {
	e, ok := r.entries[nodeType]
	if !ok {
		return NodeSchema{}, false
	}
	return e.schemaFn(), true
}

// Construct builds a handler for a node
func (r *Registry) Construct(node *schema.Node) (Handler, error) {
	e, ok := r.entries[node.Type]
	if !ok {
		return nil, fmt.Errorf("unknown node type %q", node.Type)
	}
	return e.constructFn(node)
}

// Types lists registered node types in sorted order
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Ports resolves a node's effective port map: the node's embedded
// ports when declared, otherwise the registry schema's.
func (r *Registry) Ports(node *schema.Node) (schema.Ports, error) {
	if len(node.Ports.Inputs) > 0 || len(node.Ports.Outputs) > 0 {
		return node.Ports, nil
	}

	s, ok := r.Schema(node.Type)
	if !ok {
		return schema.Ports{}, fmt.Errorf("unknown node type %q", node.Type)
	}
	return schema.Ports{Inputs: s.Inputs, Outputs: s.Outputs}, nil
}

// DefaultOutputPortFn returns the pool hook resolving bare node-id
// selectors for nodes of the given graph.
func (r *Registry) DefaultOutputPortFn(g *schema.Graph) pool.DefaultOutputPortFn {
	return func(nodeID string) (string, bool) {
		node, ok := g.Node(nodeID)
		if !ok {
			return "", false
		}

		ports, err := r.Ports(node)
		if err != nil {
			return "", false
		}
		return NodeSchema{Outputs: ports.Outputs}.DefaultOutputPort()
	}
}
