package nodes

import (
	"context"
	"fmt"

	"github.com/lyzr/chatflow/cmd/engine/registry"
	"github.com/lyzr/chatflow/cmd/engine/schema"
	"github.com/lyzr/chatflow/cmd/engine/template"
)

func templateTransformSchema() registry.NodeSchema {
	return registry.NodeSchema{
		Type:         schema.TypeTemplateTransform,
		Label:        "Template",
		Icon:         "braces",
		Configurable: true,
		ConfigSchema: map[string]any{
			"template": map[string]any{"type": "string", "required": true},
		},
		Outputs: []schema.Port{
			out("output", schema.PortString),
		},
	}
}

type templateTransformConfig struct {
	Template string `json:"template"`
}

type templateTransformNode struct {
	id     string
	cfg    templateTransformConfig
	inputs []schema.Port
}

func newTemplateTransform(node *schema.Node) (registry.Handler, error) {
	n := &templateTransformNode{id: node.ID, inputs: node.Ports.Inputs}
	if err := decodeConfig(node, &n.cfg); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *templateTransformNode) Execute(ctx context.Context, ec *registry.ExecutionContext, inputs map[string]any) (*registry.Result, error) {
	rendered, err := template.Render(n.cfg.Template, inputResolver{inputs: inputs, pool: ec.Pool})
	if err != nil {
		return nil, fmt.Errorf("template node %s: %w", n.id, err)
	}

	return &registry.Result{
		Outputs: map[string]any{"output": rendered},
	}, nil
}

func (n *templateTransformNode) ValidateStatic() error {
	if n.cfg.Template == "" {
		return fmt.Errorf("template node %s: template is required", n.id)
	}
	if _, err := template.Parse(n.cfg.Template); err != nil {
		return fmt.Errorf("template node %s: %w", n.id, err)
	}
	return nil
}

func (n *templateTransformNode) Schema() registry.NodeSchema {
	s := templateTransformSchema()
	if len(n.inputs) > 0 {
		s.Inputs = n.inputs
	}
	return s
}
