package nodes

import (
	"context"
	"fmt"

	"github.com/lyzr/chatflow/cmd/engine/registry"
	"github.com/lyzr/chatflow/cmd/engine/schema"
	"github.com/lyzr/chatflow/cmd/engine/template"
)

// Assigner write modes
const (
	writeModeOverwrite = "over-write"
	writeModeAppend    = "append"
	writeModeClear     = "clear"
)

func assignerSchema() registry.NodeSchema {
	return registry.NodeSchema{
		Type:         schema.TypeAssigner,
		Label:        "Variable Assigner",
		Icon:         "pencil",
		Configurable: true,
		ConfigSchema: map[string]any{
			"operations": map[string]any{"type": "array", "required": true},
		},
	}
}

type assignerOperation struct {
	WriteMode     string `json:"write_mode"`
	InputType     string `json:"input_type"`
	ConstantValue any    `json:"constant_value"`
}

type assignerConfig struct {
	Operations []assignerOperation `json:"operations"`
}

type assignerNode struct {
	id  string
	cfg assignerConfig
}

func newAssigner(node *schema.Node) (registry.Handler, error) {
	n := &assignerNode{id: node.ID}
	if err := decodeConfig(node, &n.cfg); err != nil {
		return nil, err
	}
	return n, nil
}

// Execute applies the operations in order, then flushes conversation
// writes so later turns observe them even if the run fails downstream.
func (n *assignerNode) Execute(ctx context.Context, ec *registry.ExecutionContext, inputs map[string]any) (*registry.Result, error) {
	outputs := make(map[string]any, len(n.cfg.Operations))

	for i, op := range n.cfg.Operations {
		targetRaw, ok := stringInput(inputs, operationPort(i, "target"))
		if !ok {
			return nil, fmt.Errorf("assigner node %s: operation %d has no target", n.id, i)
		}

		target, err := schema.ParseSelector(targetRaw)
		if err != nil {
			return nil, fmt.Errorf("assigner node %s: operation %d target: %w", n.id, i, err)
		}
		if target.Scope != schema.ScopeConversation && target.Scope != schema.ScopeEnvironment {
			return nil, fmt.Errorf("assigner node %s: operation %d target %q must be conv or env", n.id, i, targetRaw)
		}

		value := op.ConstantValue
		if op.InputType != "constant" {
			value = inputs[operationPort(i, "value")]
		}

		written, err := n.apply(ec, target, op.WriteMode, value)
		if err != nil {
			return nil, fmt.Errorf("assigner node %s: operation %d: %w", n.id, i, err)
		}
		outputs[operationPort(i, "result")] = written
	}

	if err := ec.Pool.FlushConversation(ctx); err != nil {
		return nil, err
	}

	return &registry.Result{Outputs: outputs}, nil
}

func (n *assignerNode) apply(ec *registry.ExecutionContext, target schema.Selector, mode string, value any) (any, error) {
	current, _ := n.read(ec, target)

	var written any
	switch mode {
	case writeModeOverwrite, "":
		written = value
	case writeModeAppend:
		written = appendValue(current, value)
	case writeModeClear:
		written = clearedValue(current)
	default:
		return nil, fmt.Errorf("unknown write_mode %q", mode)
	}

	n.write(ec, target, written)
	return written, nil
}

func (n *assignerNode) read(ec *registry.ExecutionContext, target schema.Selector) (any, bool) {
	if target.Scope == schema.ScopeConversation {
		return ec.Pool.GetConversation(target.Key)
	}
	return ec.Pool.GetEnv(target.Key)
}

func (n *assignerNode) write(ec *registry.ExecutionContext, target schema.Selector, value any) {
	if target.Scope == schema.ScopeConversation {
		ec.Pool.SetConversation(target.Key, value)
		return
	}
	ec.Pool.SetEnv(target.Key, value)
}

// appendValue concatenates strings and extends lists; anything else
// degrades to a two-element list.
func appendValue(current, value any) any {
	switch cv := current.(type) {
	case nil:
		return value
	case string:
		return cv + template.Stringify(value)
	case []any:
		return append(cv, value)
	default:
		return []any{current, value}
	}
}

// clearedValue empties a variable while preserving its shape
func clearedValue(current any) any {
	switch current.(type) {
	case []any:
		return []any{}
	case map[string]any:
		return map[string]any{}
	case float64, int, int64:
		return float64(0)
	default:
		return ""
	}
}

func operationPort(i int, suffix string) string {
	return fmt.Sprintf("operation_%d_%s", i, suffix)
}

func (n *assignerNode) ValidateStatic() error {
	if len(n.cfg.Operations) == 0 {
		return fmt.Errorf("assigner node %s: at least one operation is required", n.id)
	}
	for i, op := range n.cfg.Operations {
		switch op.WriteMode {
		case "", writeModeOverwrite, writeModeAppend, writeModeClear:
		default:
			return fmt.Errorf("assigner node %s: operation %d has unknown write_mode %q", n.id, i, op.WriteMode)
		}
		switch op.InputType {
		case "", "variable", "constant":
		default:
			return fmt.Errorf("assigner node %s: operation %d has unknown input_type %q", n.id, i, op.InputType)
		}
	}
	return nil
}

// Schema reports the per-operation target/value inputs and result
// outputs.
func (n *assignerNode) Schema() registry.NodeSchema {
	s := assignerSchema()
	for i, op := range n.cfg.Operations {
		s.Inputs = append(s.Inputs, in(operationPort(i, "target"), schema.PortString, true))
		if op.InputType != "constant" && op.WriteMode != writeModeClear {
			s.Inputs = append(s.Inputs, in(operationPort(i, "value"), schema.PortAny, true))
		}
		s.Outputs = append(s.Outputs, out(operationPort(i, "result"), schema.PortAny))
	}
	return s
}
