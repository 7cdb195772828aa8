package nodes

import (
	"context"
	"fmt"

	"github.com/lyzr/chatflow/cmd/engine/pool"
	"github.com/lyzr/chatflow/cmd/engine/registry"
	"github.com/lyzr/chatflow/cmd/engine/schema"
)

func startSchema() registry.NodeSchema {
	return registry.NodeSchema{
		Type:         schema.TypeStart,
		Label:        "Start",
		Icon:         "play",
		MaxInstances: 1,
		Outputs: []schema.Port{
			out("query", schema.PortString),
			out("session_id", schema.PortString),
		},
	}
}

type startNode struct {
	id string
}

func newStart(node *schema.Node) (registry.Handler, error) {
	return &startNode{id: node.ID}, nil
}

func (n *startNode) Execute(ctx context.Context, ec *registry.ExecutionContext, inputs map[string]any) (*registry.Result, error) {
	query, ok := ec.Pool.GetSystem(pool.SysUserMessage)
	if !ok {
		return nil, fmt.Errorf("system variable %q not set", pool.SysUserMessage)
	}

	return &registry.Result{
		Outputs: map[string]any{
			"query":      query,
			"session_id": ec.SessionID,
		},
	}, nil
}

func (n *startNode) ValidateStatic() error { return nil }

func (n *startNode) Schema() registry.NodeSchema { return startSchema() }
