// Package pool implements the run-scoped variable pool: the system,
// environment, and conversation namespaces plus per-node output maps.
// Selectors resolve against these namespaces with indexed tail
// traversal.
package pool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/lyzr/chatflow/cmd/engine/schema"
	"github.com/lyzr/chatflow/common/session"
)

// System variable keys bootstrapped at run start
const (
	SysUserMessage = "user_message"
	SysSessionID   = "session_id"
	SysBotID       = "bot_id"
	SysUserID      = "user_id"
	SysRequestID   = "request_id"
)

// DefaultOutputPortFn resolves a bare node-id selector to the node's
// default output port name. Provided by the registry.
type DefaultOutputPortFn func(nodeID string) (string, bool)

// Pool is owned by exactly one run; no cross-run sharing. Conversation
// writes accumulate in memory and flush to the session store in one
// batch, so concurrent turns of a session serialize at the flush.
type Pool struct {
	system       map[string]any
	environment  map[string]any
	conversation map[string]any
	convDefaults map[string]any
	convDirty    map[string]struct{}
	nodeOutputs  map[string]map[string]any
	skippedNodes map[string]struct{}

	store       session.Store
	botID       string
	sessionID   string
	defaultPort DefaultOutputPortFn
}

// New creates a pool with environment variables and conversation
// defaults lifted from the graph.
func New(store session.Store, botID, sessionID string, envVars, convDefaults map[string]any) *Pool {
	environment := make(map[string]any, len(envVars))
	for k, v := range envVars {
		environment[k] = v
	}

	return &Pool{
		system:       make(map[string]any),
		environment:  environment,
		conversation: make(map[string]any),
		convDefaults: convDefaults,
		convDirty:    make(map[string]struct{}),
		nodeOutputs:  make(map[string]map[string]any),
		skippedNodes: make(map[string]struct{}),
		store:        store,
		botID:        botID,
		sessionID:    sessionID,
	}
}

// SetDefaultOutputPortFn installs the registry hook for bare node-id
// selectors.
func (p *Pool) SetDefaultOutputPortFn(fn DefaultOutputPortFn) {
	p.defaultPort = fn
}

// Hydrate loads the session's persisted conversation variables
func (p *Pool) Hydrate(ctx context.Context) error {
	if p.store == nil {
		return nil
	}

	values, err := p.store.GetAll(ctx, p.botID, p.sessionID)
	if err != nil {
		return fmt.Errorf("hydrate conversation variables: %w", err)
	}
	for k, v := range values {
		p.conversation[k] = v
	}
	return nil
}

// SetSystem sets a system variable
func (p *Pool) SetSystem(key string, value any) {
	p.system[key] = value
}

// GetSystem returns a system variable
func (p *Pool) GetSystem(key string) (any, bool) {
	v, ok := p.system[key]
	return v, ok
}

// GetEnv returns an environment variable. The environment namespace is
// immutable for the run.
func (p *Pool) GetEnv(key string) (any, bool) {
	v, ok := p.environment[key]
	return v, ok
}

// SetEnv sets an environment variable. Assigner env writes are
// run-local; they do not persist past the run.
func (p *Pool) SetEnv(key string, value any) {
	p.environment[key] = value
}

// SetConversation sets a conversation variable and marks it for the
// next flush.
func (p *Pool) SetConversation(key string, value any) {
	p.conversation[key] = value
	p.convDirty[key] = struct{}{}
}

// GetConversation returns a conversation variable. Unwritten keys fall
// back to the graph-declared default.
func (p *Pool) GetConversation(key string) (any, bool) {
	if v, ok := p.conversation[key]; ok {
		return v, true
	}
	if v, ok := p.convDefaults[key]; ok {
		return v, true
	}
	return nil, false
}

// FlushConversation persists dirty conversation variables to the
// session store in one batch.
func (p *Pool) FlushConversation(ctx context.Context) error {
	if p.store == nil || len(p.convDirty) == 0 {
		return nil
	}

	dirty := make(map[string]any, len(p.convDirty))
	for key := range p.convDirty {
		dirty[key] = p.conversation[key]
	}

	if err := p.store.SetMany(ctx, p.botID, p.sessionID, dirty); err != nil {
		return fmt.Errorf("flush conversation variables: %w", err)
	}
	p.convDirty = make(map[string]struct{})
	return nil
}

// MarkSkipped records that a node was passed over by branch gating.
// Selectors scoped to a skipped node resolve to nil instead of failing,
// so templates in converging nodes render them as empty strings.
func (p *Pool) MarkSkipped(nodeID string) {
	p.skippedNodes[nodeID] = struct{}{}
}

// SetNodeOutput records one output port value of a node
func (p *Pool) SetNodeOutput(nodeID, port string, value any) {
	outputs, ok := p.nodeOutputs[nodeID]
	if !ok {
		outputs = make(map[string]any)
		p.nodeOutputs[nodeID] = outputs
	}
	outputs[port] = value
}

// SetNodeOutputs records all output port values of a node
func (p *Pool) SetNodeOutputs(nodeID string, outputs map[string]any) {
	for port, value := range outputs {
		p.SetNodeOutput(nodeID, port, value)
	}
}

// GetNodeOutput returns one output port value of a node
func (p *Pool) GetNodeOutput(nodeID, port string) (any, bool) {
	outputs, ok := p.nodeOutputs[nodeID]
	if !ok {
		return nil, false
	}
	v, ok := outputs[port]
	return v, ok
}

// NodeOutputs returns the full output map of a node
func (p *Pool) NodeOutputs(nodeID string) (map[string]any, bool) {
	outputs, ok := p.nodeOutputs[nodeID]
	return outputs, ok
}

// HasNodeOutputs reports whether a node has written any outputs
func (p *Pool) HasNodeOutputs(nodeID string) bool {
	_, ok := p.nodeOutputs[nodeID]
	return ok
}

// Resolve looks up a selector string. Multi-segment tails traverse
// indexed fields of the referenced value; unresolvable paths return
// (nil, false) rather than an error.
func (p *Pool) Resolve(raw string) (any, bool) {
	sel, err := schema.ParseSelector(raw)
	if err != nil {
		return nil, false
	}
	return p.ResolveSelector(sel)
}

// ResolveSelector looks up a parsed selector
func (p *Pool) ResolveSelector(sel schema.Selector) (any, bool) {
	var (
		value any
		found bool
	)

	switch sel.Scope {
	case schema.ScopeSystem:
		value, found = p.GetSystem(sel.Key)
	case schema.ScopeEnvironment:
		value, found = p.GetEnv(sel.Key)
	case schema.ScopeConversation:
		value, found = p.GetConversation(sel.Key)
	default:
		// Node scope. Skipped nodes resolve to nil so downstream
		// templates stay renderable. A bare node id resolves to the
		// node's default output port.
		if _, skipped := p.skippedNodes[sel.Scope]; skipped {
			return nil, true
		}
		key := sel.Key
		if key == "" {
			if p.defaultPort == nil {
				return nil, false
			}
			port, ok := p.defaultPort(sel.Scope)
			if !ok {
				return nil, false
			}
			key = port
		}
		value, found = p.GetNodeOutput(sel.Scope, key)
	}

	if !found {
		return nil, false
	}
	if len(sel.Tail) == 0 {
		return value, true
	}
	return traverse(value, sel.Tail)
}

// traverse walks tail segments through nested values. Values are
// re-encoded to JSON once and walked with gjson, which handles both
// integer list indexing and map field lookup.
func traverse(value any, tail []string) (any, bool) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, false
	}

	path := ""
	for i, segment := range tail {
		if i > 0 {
			path += "."
		}
		path += segment
	}

	result := gjson.GetBytes(encoded, path)
	if !result.Exists() {
		return nil, false
	}
	return result.Value(), true
}
