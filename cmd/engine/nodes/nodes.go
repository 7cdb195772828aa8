// Package nodes implements the handler for every workflow node type
// and assembles them into a registry.
package nodes

import (
	"encoding/json"
	"fmt"

	"github.com/lyzr/chatflow/cmd/engine/pool"
	"github.com/lyzr/chatflow/cmd/engine/registry"
	"github.com/lyzr/chatflow/cmd/engine/schema"
)

// NewRegistry builds the registry with every node type. Called once at
// process start.
func NewRegistry() *registry.Registry {
	r := registry.New()
	r.MustRegister(schema.TypeStart, startSchema, newStart)
	r.MustRegister(schema.TypeEnd, endSchema, newEnd)
	r.MustRegister(schema.TypeAnswer, answerSchema, newAnswer)
	r.MustRegister(schema.TypeLLM, llmSchema, newLLM)
	r.MustRegister(schema.TypeKnowledgeRetrieval, retrievalSchema, newRetrieval)
	r.MustRegister(schema.TypeIfElse, ifElseSchema, newIfElse)
	r.MustRegister(schema.TypeQuestionClassifier, classifierSchema, newClassifier)
	r.MustRegister(schema.TypeAssigner, assignerSchema, newAssigner)
	r.MustRegister(schema.TypeTavilySearch, tavilySchema, newTavily)
	r.MustRegister(schema.TypeHTTPRequest, httpRequestSchema, newHTTPRequest)
	r.MustRegister(schema.TypeCode, codeSchema, newCode)
	r.MustRegister(schema.TypeTemplateTransform, templateTransformSchema, newTemplateTransform)
	return r
}

// decodeConfig maps a node's loose config into a typed struct through a
// JSON round trip.
func decodeConfig(node *schema.Node, out any) error {
	raw, err := json.Marshal(node.Config)
	if err != nil {
		return fmt.Errorf("encode %s config: %w", node.ID, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s config: %w", node.ID, err)
	}
	return nil
}

func in(name string, t schema.PortType, required bool) schema.Port {
	return schema.Port{Name: name, Type: t, Required: required}
}

func out(name string, t schema.PortType) schema.Port {
	return schema.Port{Name: name, Type: t}
}

// stringInput returns an input port value coerced to string
func stringInput(inputs map[string]any, name string) (string, bool) {
	v, ok := inputs[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// inputResolver resolves template selectors first against the node's
// resolved input ports, then against the pool.
type inputResolver struct {
	inputs map[string]any
	pool   *pool.Pool
}

func (r inputResolver) Resolve(selector string) (any, bool) {
	if v, ok := r.inputs[selector]; ok {
		return v, true
	}
	if r.pool == nil {
		return nil, false
	}
	return r.pool.Resolve(selector)
}
