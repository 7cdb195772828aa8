package nodes

import (
	"context"
	"fmt"

	"github.com/lyzr/chatflow/cmd/engine/registry"
	"github.com/lyzr/chatflow/cmd/engine/schema"
	"github.com/lyzr/chatflow/cmd/engine/template"
)

func endSchema() registry.NodeSchema {
	return registry.NodeSchema{
		Type:  schema.TypeEnd,
		Label: "End",
		Icon:  "flag",
		Inputs: []schema.Port{
			in("response", schema.PortString, true),
		},
	}
}

type endNode struct {
	id string
}

func newEnd(node *schema.Node) (registry.Handler, error) {
	return &endNode{id: node.ID}, nil
}

// Execute echoes the resolved response so the executor can pick it as
// the run's final response.
func (n *endNode) Execute(ctx context.Context, ec *registry.ExecutionContext, inputs map[string]any) (*registry.Result, error) {
	response, ok := inputs["response"]
	if !ok {
		return nil, fmt.Errorf("required input %q missing", "response")
	}

	return &registry.Result{
		Outputs: map[string]any{"response": template.Stringify(response)},
	}, nil
}

func (n *endNode) ValidateStatic() error { return nil }

func (n *endNode) Schema() registry.NodeSchema { return endSchema() }
