package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/lyzr/chatflow/cmd/engine/registry"
	"github.com/lyzr/chatflow/cmd/engine/schema"
	"github.com/lyzr/chatflow/cmd/engine/template"
	"github.com/lyzr/chatflow/common/llm"
)

func classifierSchema() registry.NodeSchema {
	return registry.NodeSchema{
		Type:         schema.TypeQuestionClassifier,
		Label:        "Question Classifier",
		Icon:         "tags",
		Configurable: true,
		ConfigSchema: map[string]any{
			"provider":       map[string]any{"type": "string"},
			"model":          map[string]any{"type": "string"},
			"classes":        map[string]any{"type": "array", "required": true},
			"instruction":    map[string]any{"type": "string"},
			"query_template": map[string]any{"type": "string", "required": true},
		},
	}
}

type classifierClass struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type classifierConfig struct {
	Provider      string            `json:"provider"`
	Model         string            `json:"model"`
	Classes       []classifierClass `json:"classes"`
	Instruction   string            `json:"instruction"`
	QueryTemplate string            `json:"query_template"`
}

type classifierNode struct {
	id  string
	cfg classifierConfig
}

func newClassifier(node *schema.Node) (registry.Handler, error) {
	n := &classifierNode{id: node.ID}
	if err := decodeConfig(node, &n.cfg); err != nil {
		return nil, err
	}
	return n, nil
}

// ClassifierPort names the branch port of a class id
func ClassifierPort(classID string) string {
	return "class_" + classID + "_branch"
}

func (n *classifierNode) Execute(ctx context.Context, ec *registry.ExecutionContext, inputs map[string]any) (*registry.Result, error) {
	if ec.Services == nil || ec.Services.LLM == nil {
		return nil, fmt.Errorf("question classifier node %s: no llm provider configured", n.id)
	}

	query, err := template.Render(n.cfg.QueryTemplate, inputResolver{inputs: inputs, pool: ec.Pool})
	if err != nil {
		return nil, err
	}

	resp, err := ec.Services.LLM.Generate(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: n.systemPrompt()},
		{Role: llm.RoleUser, Content: query},
	}, llm.Options{
		Provider: n.cfg.Provider,
		Model:    n.cfg.Model,
	})
	if err != nil {
		return nil, err
	}

	chosen := n.matchClass(resp.Text)
	usage := resp.Usage

	return &registry.Result{
		Outputs: map[string]any{ClassifierPort(chosen.ID): chosen.Name},
		ProcessData: map[string]any{
			"class_id":   chosen.ID,
			"class_name": chosen.Name,
			"raw_answer": resp.Text,
		},
		Usage: &usage,
	}, nil
}

func (n *classifierNode) systemPrompt() string {
	var b strings.Builder
	b.WriteString("Classify the user's question into exactly one of the following classes. Reply with only the class id.\n")
	for _, c := range n.cfg.Classes {
		b.WriteString("- ")
		b.WriteString(c.ID)
		b.WriteString(": ")
		b.WriteString(c.Name)
		if c.Description != "" {
			b.WriteString(" (")
			b.WriteString(c.Description)
			b.WriteString(")")
		}
		b.WriteString("\n")
	}
	if n.cfg.Instruction != "" {
		b.WriteString(n.cfg.Instruction)
	}
	return b.String()
}

// matchClass maps the model's answer to a configured class: exact id,
// then exact name, then substring, then the first class as fallback.
func (n *classifierNode) matchClass(answer string) classifierClass {
	normalized := strings.ToLower(strings.TrimSpace(answer))

	for _, c := range n.cfg.Classes {
		if strings.ToLower(c.ID) == normalized {
			return c
		}
	}
	for _, c := range n.cfg.Classes {
		if strings.ToLower(c.Name) == normalized {
			return c
		}
	}
	for _, c := range n.cfg.Classes {
		if strings.Contains(normalized, strings.ToLower(c.ID)) ||
			(c.Name != "" && strings.Contains(normalized, strings.ToLower(c.Name))) {
			return c
		}
	}
	return n.cfg.Classes[0]
}

func (n *classifierNode) ValidateStatic() error {
	if len(n.cfg.Classes) == 0 {
		return fmt.Errorf("question classifier node %s: at least one class is required", n.id)
	}
	seen := make(map[string]struct{}, len(n.cfg.Classes))
	for _, c := range n.cfg.Classes {
		if c.ID == "" {
			return fmt.Errorf("question classifier node %s: class without id", n.id)
		}
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("question classifier node %s: duplicate class id %q", n.id, c.ID)
		}
		seen[c.ID] = struct{}{}
	}
	if n.cfg.QueryTemplate == "" {
		return fmt.Errorf("question classifier node %s: query_template is required", n.id)
	}
	if _, err := template.Parse(n.cfg.QueryTemplate); err != nil {
		return fmt.Errorf("question classifier node %s: %w", n.id, err)
	}
	return nil
}

// Schema reports one branch port per configured class
func (n *classifierNode) Schema() registry.NodeSchema {
	s := classifierSchema()
	for _, c := range n.cfg.Classes {
		s.Outputs = append(s.Outputs, out(ClassifierPort(c.ID), schema.PortString))
	}
	return s
}
