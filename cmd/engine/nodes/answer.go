package nodes

import (
	"context"
	"fmt"

	"github.com/lyzr/chatflow/cmd/engine/registry"
	"github.com/lyzr/chatflow/cmd/engine/schema"
	"github.com/lyzr/chatflow/cmd/engine/template"
)

func answerSchema() registry.NodeSchema {
	return registry.NodeSchema{
		Type:         schema.TypeAnswer,
		Label:        "Answer",
		Icon:         "message",
		Configurable: true,
		ConfigSchema: map[string]any{
			"template":      map[string]any{"type": "string", "required": true},
			"output_format": map[string]any{"type": "string", "enum": []string{"text", "markdown"}},
		},
		Outputs: []schema.Port{
			out("final_output", schema.PortString),
		},
	}
}

type answerConfig struct {
	Template     string `json:"template"`
	OutputFormat string `json:"output_format"`
}

type answerNode struct {
	id  string
	cfg answerConfig
}

func newAnswer(node *schema.Node) (registry.Handler, error) {
	n := &answerNode{id: node.ID}
	if err := decodeConfig(node, &n.cfg); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *answerNode) Execute(ctx context.Context, ec *registry.ExecutionContext, inputs map[string]any) (*registry.Result, error) {
	resolver := inputResolver{inputs: inputs, pool: ec.Pool}

	rendered, err := template.Render(n.cfg.Template, resolver)
	if err != nil {
		return nil, err
	}

	// When the template is a single selector whose value already
	// streamed to the sink, the tokens are on the wire; otherwise emit
	// the rendered text as one chunk.
	if sel, ok := template.TrivialSelector(n.cfg.Template); !ok || !ec.WasStreamed(sel) {
		ec.EmitChunk(rendered)
	}

	return &registry.Result{
		Outputs: map[string]any{"final_output": rendered},
	}, nil
}

func (n *answerNode) ValidateStatic() error {
	if n.cfg.Template == "" {
		return fmt.Errorf("answer node %s: template is required", n.id)
	}
	if _, err := template.Parse(n.cfg.Template); err != nil {
		return fmt.Errorf("answer node %s: %w", n.id, err)
	}
	switch n.cfg.OutputFormat {
	case "", "text", "markdown":
	default:
		return fmt.Errorf("answer node %s: unknown output_format %q", n.id, n.cfg.OutputFormat)
	}
	return nil
}

func (n *answerNode) Schema() registry.NodeSchema { return answerSchema() }
