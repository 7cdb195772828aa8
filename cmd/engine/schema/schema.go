// Package schema defines the workflow graph model: nodes, edges,
// ports, and value selectors. The executor consumes graphs only after
// validator normalization.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Node types
const (
	TypeStart              = "start"
	TypeEnd                = "end"
	TypeAnswer             = "answer"
	TypeLLM                = "llm"
	TypeKnowledgeRetrieval = "knowledge-retrieval"
	TypeIfElse             = "if-else"
	TypeQuestionClassifier = "question-classifier"
	TypeAssigner           = "assigner"
	TypeTavilySearch       = "tavily-search"
	TypeHTTPRequest        = "http-request"
	TypeCode               = "code"
	TypeTemplateTransform  = "template-transform"
)

// NodeTypes lists every known node type
var NodeTypes = []string{
	TypeStart, TypeEnd, TypeAnswer, TypeLLM, TypeKnowledgeRetrieval,
	TypeIfElse, TypeQuestionClassifier, TypeAssigner, TypeTavilySearch,
	TypeHTTPRequest, TypeCode, TypeTemplateTransform,
}

// PortType is the declared type of a port value
type PortType string

// Port types. Any is assignment-compatible with every type in both
// directions.
const (
	PortString  PortType = "string"
	PortNumber  PortType = "number"
	PortBoolean PortType = "boolean"
	PortArray   PortType = "array"
	PortObject  PortType = "object"
	PortAny     PortType = "any"
)

// Compatible reports whether a value of type other can be assigned to
// a port of type t.
func (t PortType) Compatible(other PortType) bool {
	return t == PortAny || other == PortAny || t == other
}

// Port is a named, typed input or output slot on a node
type Port struct {
	Name     string   `json:"name"`
	Type     PortType `json:"type"`
	Required bool     `json:"required"`
	Default  any      `json:"default,omitempty"`
}

// Ports groups a node's declared inputs and outputs
type Ports struct {
	Inputs  []Port `json:"inputs"`
	Outputs []Port `json:"outputs"`
}

// Input returns the named input port
func (p Ports) Input(name string) (Port, bool) {
	for _, port := range p.Inputs {
		if port.Name == name {
			return port, true
		}
	}
	return Port{}, false
}

// Output returns the named output port
func (p Ports) Output(name string) (Port, bool) {
	for _, port := range p.Outputs {
		if port.Name == name {
			return port, true
		}
	}
	return Port{}, false
}

// Position is the designer's 2-D node placement; the engine ignores it
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is one vertex of the workflow graph
type Node struct {
	ID               string            `json:"id"`
	Type             string            `json:"type"`
	Position         Position          `json:"position"`
	Config           map[string]any    `json:"config"`
	Ports            Ports             `json:"ports"`
	VariableMappings map[string]string `json:"variable_mappings,omitempty"`
}

// Edge is a data-flow hint between two node ports. The authoritative
// data path is each node's variable_mappings; the validator reconciles
// the two.
type Edge struct {
	ID         string `json:"id"`
	Source     string `json:"source"`
	SourcePort string `json:"source_port"`
	Target     string `json:"target"`
	TargetPort string `json:"target_port"`
	DataType   string `json:"data_type,omitempty"`
}

// Graph is the full user-authored workflow
type Graph struct {
	Nodes                 []Node         `json:"nodes"`
	Edges                 []Edge         `json:"edges"`
	EnvironmentVariables  map[string]any `json:"environment_variables,omitempty"`
	ConversationVariables map[string]any `json:"conversation_variables,omitempty"`
}

// Parse decodes a graph from its JSON representation
func Parse(data []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse workflow graph: %w", err)
	}
	return &g, nil
}

// Node returns the node with the given id
func (g *Graph) Node(id string) (*Node, bool) {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i], true
		}
	}
	return nil, false
}

// NodesOfType returns all nodes of one type
func (g *Graph) NodesOfType(nodeType string) []*Node {
	var nodes []*Node
	for i := range g.Nodes {
		if g.Nodes[i].Type == nodeType {
			nodes = append(nodes, &g.Nodes[i])
		}
	}
	return nodes
}

// IncomingEdges returns the edges terminating at a node
func (g *Graph) IncomingEdges(nodeID string) []Edge {
	var edges []Edge
	for _, e := range g.Edges {
		if e.Target == nodeID {
			edges = append(edges, e)
		}
	}
	return edges
}

// OutgoingEdges returns the edges originating at a node
func (g *Graph) OutgoingEdges(nodeID string) []Edge {
	var edges []Edge
	for _, e := range g.Edges {
		if e.Source == nodeID {
			edges = append(edges, e)
		}
	}
	return edges
}

// Reserved scope names and their aliases
const (
	ScopeSystem       = "sys"
	ScopeEnvironment  = "env"
	ScopeConversation = "conv"
)

// scopeAliases maps every accepted spelling to the canonical scope
var scopeAliases = map[string]string{
	"sys":          ScopeSystem,
	"system":       ScopeSystem,
	"env":          ScopeEnvironment,
	"environment":  ScopeEnvironment,
	"conv":         ScopeConversation,
	"conversation": ScopeConversation,
}

// CanonicalScope resolves a scope spelling to its canonical name.
// Returns false for node ids.
func CanonicalScope(scope string) (string, bool) {
	canonical, ok := scopeAliases[scope]
	return canonical, ok
}

// IsReservedScope reports whether s names a reserved scope or alias
func IsReservedScope(s string) bool {
	_, ok := scopeAliases[s]
	return ok
}

// Selector is a parsed ValueSelector: "<scope>.<key>[...]" where scope
// is a node id or a reserved scope. Tail holds the remaining segments
// after the key for indexed traversal.
type Selector struct {
	Scope string
	Key   string
	Tail  []string
}

// ParseSelector splits a dotted selector string. The accepted grammar
// is dot-separated segments only: "<scope>.<key>.<tail>..." where tail
// segments traverse nested values and bare numeric segments index
// arrays ("node.outputs.0.text"). Bracket forms like "node.outputs[0]"
// are not supported; validation rejects them because the bracketed
// segment never matches a declared port. A selector without a
// dot is treated as a bare node id with an empty key; the pool resolves
// it to the node's default output port.
func ParseSelector(raw string) (Selector, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Selector{}, fmt.Errorf("empty selector")
	}

	parts := strings.Split(raw, ".")
	for _, part := range parts {
		if part == "" {
			return Selector{}, fmt.Errorf("invalid selector %q", raw)
		}
	}

	sel := Selector{Scope: parts[0]}
	if canonical, ok := CanonicalScope(parts[0]); ok {
		sel.Scope = canonical
	}
	if len(parts) > 1 {
		sel.Key = parts[1]
	}
	if len(parts) > 2 {
		sel.Tail = parts[2:]
	}
	return sel, nil
}

// String reassembles the selector in canonical form
func (s Selector) String() string {
	parts := append([]string{s.Scope}, s.Key)
	if s.Key == "" {
		parts = parts[:1]
	}
	parts = append(parts, s.Tail...)
	return strings.Join(parts, ".")
}

// IsReserved reports whether the selector targets a reserved scope
func (s Selector) IsReserved() bool {
	return s.Scope == ScopeSystem || s.Scope == ScopeEnvironment || s.Scope == ScopeConversation
}
