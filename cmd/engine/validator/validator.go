// Package validator normalizes and checks workflow graphs before
// execution. Validation mutates the graph in place (port rewrites,
// mapping synthesis); normalization is idempotent, so validating an
// already-validated graph reports the same result with zero changes.
package validator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lyzr/chatflow/cmd/engine/registry"
	"github.com/lyzr/chatflow/cmd/engine/schema"
	"github.com/lyzr/chatflow/cmd/engine/template"
)

// Issue codes
const (
	CodeMissingStart             = "missing_start"
	CodeMultipleStart            = "multiple_start"
	CodeMissingAnswer            = "missing_answer"
	CodeMissingEnd               = "missing_end"
	CodeMultipleEndsNoBranch     = "multiple_ends_without_branch"
	CodeUnknownNodeType          = "unknown_node_type"
	CodeInvalidNode              = "invalid_node"
	CodeInvalidConfig            = "invalid_config"
	CodeUnknownEdgeEndpoint      = "unknown_edge_endpoint"
	CodeMissingRequiredInput     = "missing_required_input"
	CodeInvalidSelector          = "invalid_selector"
	CodeUnknownSelectorTarget    = "unknown_selector_target"
	CodeTemplateSelectorOrphaned = "template_selector_without_edge"
	CodeCycleDetected            = "cycle_detected"
	CodeIsolatedNode             = "isolated_node"
	CodeUnreachableNode          = "unreachable_node"
	CodeStartFanOut              = "start_fan_out"
	CodeBranchConvergence        = "branch_convergence"
	CodeAnswerNotWiredToEnd      = "answer_not_wired_to_end"
	CodeEndHasOutgoing           = "end_has_outgoing"
	CodeEndNoIncoming            = "end_no_incoming"
)

// Placeholder edge handles rewritten during normalization
var placeholderPorts = map[string]struct{}{
	"source": {}, "target": {}, "default": {}, "input": {}, "output": {}, "": {},
}

// Issue is one validation finding
type Issue struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	NodeID   string `json:"node_id,omitempty"`
	EdgeID   string `json:"edge_id,omitempty"`
	Selector string `json:"selector,omitempty"`
}

// Result carries the outcome of one validation
type Result struct {
	OK       bool     `json:"ok"`
	Errors   []Issue  `json:"errors"`
	Warnings []Issue  `json:"warnings"`
	Order    []string `json:"execution_order,omitempty"`
}

// Validator checks workflow graphs against a node registry
type Validator struct {
	registry *registry.Registry
}

// New creates a validator
func New(reg *registry.Registry) *Validator {
	return &Validator{registry: reg}
}

type validation struct {
	v      *Validator
	g      *schema.Graph
	result *Result
	ports  map[string]schema.Ports
}

// Validate runs all passes in order and computes the execution order.
// The graph is normalized in place.
func (v *Validator) Validate(g *schema.Graph) *Result {
	val := &validation{
		v:      v,
		g:      g,
		result: &Result{},
		ports:  make(map[string]schema.Ports),
	}

	val.checkPresence()
	val.resolvePorts()
	val.normalizeEdgePorts()
	val.synthesizeMappings()
	val.rewriteSelfMappings()
	val.checkSelectors()
	val.checkTemplateCoverage()
	val.checkStructure()
	val.checkBranchConstraints()
	val.checkAnswerEndWiring()

	val.result.OK = len(val.result.Errors) == 0
	if val.result.OK {
		order, err := v.ExecutionOrder(g)
		if err != nil {
			val.errorf(CodeCycleDetected, "", "%v", err)
			val.result.OK = false
		} else {
			val.result.Order = order
		}
	}
	return val.result
}

func (c *validation) errorf(code, nodeID, format string, args ...any) *Issue {
	c.result.Errors = append(c.result.Errors, Issue{
		Code:    code,
		NodeID:  nodeID,
		Message: fmt.Sprintf(format, args...),
	})
	return &c.result.Errors[len(c.result.Errors)-1]
}

func (c *validation) warnf(code, nodeID, format string, args ...any) {
	c.result.Warnings = append(c.result.Warnings, Issue{
		Code:    code,
		NodeID:  nodeID,
		Message: fmt.Sprintf(format, args...),
	})
}

// Pass 1: node presence and counts
func (c *validation) checkPresence() {
	starts := c.g.NodesOfType(schema.TypeStart)
	switch {
	case len(starts) == 0:
		c.errorf(CodeMissingStart, "", "graph has no start node")
	case len(starts) > 1:
		c.errorf(CodeMultipleStart, "", "graph has %d start nodes", len(starts))
	}

	if len(c.g.NodesOfType(schema.TypeAnswer)) == 0 {
		c.errorf(CodeMissingAnswer, "", "graph has no answer node")
	}

	ends := c.g.NodesOfType(schema.TypeEnd)
	if len(ends) == 0 {
		c.errorf(CodeMissingEnd, "", "graph has no end node")
	}
	if len(ends) > 1 && !c.hasBranchNode() {
		c.errorf(CodeMultipleEndsNoBranch, "", "End 노드는 하나만 있어야 합니다")
	}
	for _, end := range ends {
		if len(c.g.OutgoingEdges(end.ID)) > 0 {
			c.errorf(CodeEndHasOutgoing, end.ID, "end node %s has outgoing edges", end.ID)
		}
		if len(c.g.IncomingEdges(end.ID)) == 0 {
			c.errorf(CodeEndNoIncoming, end.ID, "end node %s has no incoming edge", end.ID)
		}
	}

	seen := make(map[string]struct{}, len(c.g.Nodes))
	for i := range c.g.Nodes {
		node := &c.g.Nodes[i]
		if node.ID == "" || node.Type == "" {
			c.errorf(CodeInvalidNode, node.ID, "node without id or type")
			continue
		}
		if _, dup := seen[node.ID]; dup {
			c.errorf(CodeInvalidNode, node.ID, "duplicate node id %s", node.ID)
		}
		seen[node.ID] = struct{}{}
	}
}

func (c *validation) hasBranchNode() bool {
	return len(c.g.NodesOfType(schema.TypeIfElse)) > 0 ||
		len(c.g.NodesOfType(schema.TypeQuestionClassifier)) > 0
}

// Pass 2: resolve every node's port map through declared ports or the
// registry, and run each handler's static config check.
func (c *validation) resolvePorts() {
	for i := range c.g.Nodes {
		node := &c.g.Nodes[i]

		handler, err := c.v.registry.Construct(node)
		if err != nil {
			c.errorf(CodeUnknownNodeType, node.ID, "%v", err)
			continue
		}
		if err := handler.ValidateStatic(); err != nil {
			c.errorf(CodeInvalidConfig, node.ID, "%v", err)
		}

		ports := node.Ports
		if len(ports.Inputs) == 0 && len(ports.Outputs) == 0 {
			s := handler.Schema()
			ports = schema.Ports{Inputs: s.Inputs, Outputs: s.Outputs}
		} else if len(ports.Outputs) == 0 {
			ports.Outputs = handler.Schema().Outputs
		}
		c.ports[node.ID] = ports
	}
}

// Pass 3: rewrite placeholder edge handles to concrete port names
func (c *validation) normalizeEdgePorts() {
	for i := range c.g.Edges {
		edge := &c.g.Edges[i]

		if !schema.IsReservedScope(edge.Source) {
			if _, ok := c.g.Node(edge.Source); !ok {
				c.errorf(CodeUnknownEdgeEndpoint, edge.Source, "edge %s references unknown source %s", edge.ID, edge.Source)
				continue
			}
			if _, placeholder := placeholderPorts[edge.SourcePort]; placeholder {
				// A side with no declared ports keeps the edge as a
				// purely structural ordering hint.
				if port, ok := pickPort(c.ports[edge.Source].Outputs); ok {
					edge.SourcePort = port
				}
			}
		}

		if _, ok := c.g.Node(edge.Target); !ok {
			c.errorf(CodeUnknownEdgeEndpoint, edge.Target, "edge %s references unknown target %s", edge.ID, edge.Target)
			continue
		}
		if _, placeholder := placeholderPorts[edge.TargetPort]; placeholder {
			if port, ok := pickPort(c.ports[edge.Target].Inputs); ok {
				edge.TargetPort = port
			}
		}
	}
}

// pickPort selects the unique required port, falling back to the first
// declared one.
func pickPort(ports []schema.Port) (string, bool) {
	var required []string
	for _, p := range ports {
		if p.Required {
			required = append(required, p.Name)
		}
	}
	if len(required) == 1 {
		return required[0], true
	}
	if len(ports) > 0 {
		return ports[0].Name, true
	}
	return "", false
}

// Pass 4: synthesize variable mappings from normalized edges
func (c *validation) synthesizeMappings() {
	for i := range c.g.Nodes {
		node := &c.g.Nodes[i]
		ports := c.ports[node.ID]

		for _, port := range ports.Inputs {
			if _, mapped := node.VariableMappings[port.Name]; mapped {
				continue
			}

			var candidates, reserved []schema.Edge
			for _, edge := range c.g.IncomingEdges(node.ID) {
				if edge.TargetPort != port.Name {
					continue
				}
				if schema.IsReservedScope(edge.Source) {
					reserved = append(reserved, edge)
				}
				candidates = append(candidates, edge)
			}

			// An explicit reserved-scope edge wins over plain dependency
			// edges whose placeholder handles were rewritten onto the
			// same port.
			var edge schema.Edge
			switch {
			case len(reserved) == 1:
				edge = reserved[0]
			case len(candidates) == 1:
				edge = candidates[0]
			default:
				continue
			}
			source := edge.Source
			if canonical, reserved := schema.CanonicalScope(source); reserved {
				source = canonical
			}
			if node.VariableMappings == nil {
				node.VariableMappings = make(map[string]string)
			}
			node.VariableMappings[port.Name] = source + "." + edge.SourcePort
		}

		// Invariant: required inputs resolve after synthesis
		for _, port := range ports.Inputs {
			if !port.Required {
				continue
			}
			if _, mapped := node.VariableMappings[port.Name]; !mapped && port.Default == nil {
				c.errorf(CodeMissingRequiredInput, node.ID,
					"node %s requires input %q but no mapping or default exists", node.ID, port.Name)
			}
		}
	}
}

// Pass 5: rewrite self.x mappings to the owning node's id
func (c *validation) rewriteSelfMappings() {
	for i := range c.g.Nodes {
		node := &c.g.Nodes[i]
		for port, selector := range node.VariableMappings {
			if selector == "self" || strings.HasPrefix(selector, "self.") {
				node.VariableMappings[port] = node.ID + strings.TrimPrefix(selector, "self")
			}
		}
	}
}

// Pass 6: every mapped selector must resolve structurally
func (c *validation) checkSelectors() {
	for i := range c.g.Nodes {
		node := &c.g.Nodes[i]
		for port, raw := range node.VariableMappings {
			sel, err := schema.ParseSelector(raw)
			if err != nil {
				issue := c.errorf(CodeInvalidSelector, node.ID, "node %s input %q: %v", node.ID, port, err)
				issue.Selector = raw
				continue
			}
			if sel.IsReserved() {
				continue
			}

			referenced, ok := c.g.Node(sel.Scope)
			if !ok {
				issue := c.errorf(CodeUnknownSelectorTarget, node.ID,
					"node %s input %q references unknown node %s", node.ID, port, sel.Scope)
				issue.Selector = raw
				continue
			}
			if sel.Key == "" {
				continue
			}

			ports := c.ports[referenced.ID]
			_, isOutput := ports.Output(sel.Key)
			_, isOwnInput := ports.Input(sel.Key)
			if !isOutput && !(referenced.ID == node.ID && isOwnInput) {
				issue := c.errorf(CodeUnknownSelectorTarget, node.ID,
					"node %s input %q references undeclared port %s.%s", node.ID, port, sel.Scope, sel.Key)
				issue.Selector = raw
			}
		}
	}
}

// Pass 7: template selectors on answer/llm nodes must be reachable
func (c *validation) checkTemplateCoverage() {
	for i := range c.g.Nodes {
		node := &c.g.Nodes[i]

		var tmpl string
		switch node.Type {
		case schema.TypeAnswer:
			tmpl, _ = node.Config["template"].(string)
		case schema.TypeLLM:
			tmpl, _ = node.Config["prompt_template"].(string)
		default:
			continue
		}
		if tmpl == "" {
			continue
		}

		selectors, err := template.Parse(tmpl)
		if err != nil {
			c.errorf(CodeInvalidSelector, node.ID, "node %s template: %v", node.ID, err)
			continue
		}

		mapped := make(map[string]struct{}, len(node.VariableMappings))
		for _, v := range node.VariableMappings {
			mapped[v] = struct{}{}
		}
		upstream := make(map[string]struct{})
		for _, edge := range c.g.IncomingEdges(node.ID) {
			upstream[edge.Source] = struct{}{}
		}
		inputs := c.ports[node.ID].Inputs

		for _, raw := range selectors {
			sel, err := schema.ParseSelector(raw)
			if err != nil || sel.IsReserved() {
				continue
			}
			if _, ok := mapped[raw]; ok {
				continue
			}

			// Bare input-port names resolve from the node's own inputs
			if sel.Key == "" {
				if _, ok := (schema.Ports{Inputs: inputs}).Input(sel.Scope); ok {
					continue
				}
			}
			if sel.Scope == "self" || sel.Scope == node.ID {
				continue
			}
			if _, ok := upstream[sel.Scope]; ok {
				continue
			}

			issue := c.errorf(CodeTemplateSelectorOrphaned, node.ID,
				"node %s template references %q but no edge connects %s to it", node.ID, raw, sel.Scope)
			issue.Selector = raw
		}
	}
}

// Pass 8: cycles, isolation, reachability
func (c *validation) checkStructure() {
	adjacency := c.schedulingAdjacency()

	if cycle := findCycle(adjacency); len(cycle) > 0 {
		c.errorf(CodeCycleDetected, cycle[0], "cycle detected: %s", strings.Join(cycle, " -> "))
	}

	degree := make(map[string]int, len(c.g.Nodes))
	for _, edge := range c.g.Edges {
		if schema.IsReservedScope(edge.Source) {
			degree[edge.Target]++
			continue
		}
		degree[edge.Source]++
		degree[edge.Target]++
	}
	for i := range c.g.Nodes {
		node := &c.g.Nodes[i]
		if degree[node.ID] == 0 && node.Type != schema.TypeStart && node.Type != schema.TypeEnd {
			c.warnf(CodeIsolatedNode, node.ID, "node %s has no edges", node.ID)
		}
	}

	starts := c.g.NodesOfType(schema.TypeStart)
	if len(starts) != 1 {
		return
	}
	reachable := make(map[string]struct{})
	var visit func(id string)
	visit = func(id string) {
		if _, seen := reachable[id]; seen {
			return
		}
		reachable[id] = struct{}{}
		for _, next := range adjacency[id] {
			visit(next)
		}
	}
	visit(starts[0].ID)

	for i := range c.g.Nodes {
		node := &c.g.Nodes[i]
		if _, ok := reachable[node.ID]; !ok {
			c.warnf(CodeUnreachableNode, node.ID, "node %s is not reachable from start", node.ID)
		}
	}
}

// Pass 9: branch fan-out and convergence advisories
func (c *validation) checkBranchConstraints() {
	starts := c.g.NodesOfType(schema.TypeStart)
	if len(starts) == 1 {
		successors := c.g.OutgoingEdges(starts[0].ID)
		if len(successors) > 1 {
			allBranch := true
			for _, edge := range successors {
				target, ok := c.g.Node(edge.Target)
				if !ok || !isBranchType(target.Type) {
					allBranch = false
					break
				}
			}
			if !allBranch {
				c.warnf(CodeStartFanOut, starts[0].ID,
					"start feeds %d nodes directly; split through a branch node", len(successors))
			}
		}
	}

	adjacency := c.schedulingAdjacency()
	for i := range c.g.Nodes {
		node := &c.g.Nodes[i]
		if !isBranchType(node.Type) {
			continue
		}

		// Group direct successors by firing port and look for a common
		// non-branch descendant across different ports.
		byPort := make(map[string][]string)
		for _, edge := range c.g.OutgoingEdges(node.ID) {
			byPort[edge.SourcePort] = append(byPort[edge.SourcePort], edge.Target)
		}
		if len(byPort) < 2 {
			continue
		}

		seenIn := make(map[string]string)
		reported := false
		for port, roots := range byPort {
			for id := range descendants(adjacency, roots) {
				other, seen := seenIn[id]
				if seen && other != port && !reported {
					if target, ok := c.g.Node(id); ok && !isBranchType(target.Type) {
						c.warnf(CodeBranchConvergence, node.ID,
							"branches of %s converge at %s; consider splitting downstream nodes", node.ID, id)
						reported = true
					}
				}
				if !seen {
					seenIn[id] = port
				}
			}
		}
	}
}

// Pass 10: at least one answer must feed an end node
func (c *validation) checkAnswerEndWiring() {
	answers := c.g.NodesOfType(schema.TypeAnswer)
	if len(answers) == 0 {
		return
	}

	for _, answer := range answers {
		for _, edge := range c.g.OutgoingEdges(answer.ID) {
			if target, ok := c.g.Node(edge.Target); ok && target.Type == schema.TypeEnd {
				return
			}
		}
	}
	c.errorf(CodeAnswerNotWiredToEnd, "", "no answer node is wired to an end node")
}

func isBranchType(nodeType string) bool {
	return nodeType == schema.TypeIfElse || nodeType == schema.TypeQuestionClassifier
}

// schedulingAdjacency returns the graph used for ordering: edges from
// reserved scopes are data hints, not dependencies, and are dropped.
func (c *validation) schedulingAdjacency() map[string][]string {
	return schedulingAdjacency(c.g)
}

func schedulingAdjacency(g *schema.Graph) map[string][]string {
	adjacency := make(map[string][]string, len(g.Nodes))
	for i := range g.Nodes {
		adjacency[g.Nodes[i].ID] = nil
	}
	for _, edge := range g.Edges {
		if schema.IsReservedScope(edge.Source) {
			continue
		}
		if _, ok := adjacency[edge.Source]; !ok {
			continue
		}
		if _, ok := adjacency[edge.Target]; !ok {
			continue
		}
		adjacency[edge.Source] = append(adjacency[edge.Source], edge.Target)
	}
	return adjacency
}

func descendants(adjacency map[string][]string, roots []string) map[string]struct{} {
	seen := make(map[string]struct{})
	stack := append([]string(nil), roots...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		stack = append(stack, adjacency[id]...)
	}
	return seen
}

// findCycle runs DFS with a recursion stack and returns the first cycle
// found, or nil.
func findCycle(adjacency map[string][]string) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(adjacency))
	parent := make(map[string]string)

	ids := make([]string, 0, len(adjacency))
	for id := range adjacency {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var cycle []string
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, next := range adjacency[id] {
			if color[next] == gray {
				// Walk the parent chain back to close the loop
				cycle = []string{next}
				for cur := id; cur != next; cur = parent[cur] {
					cycle = append([]string{cur}, cycle...)
				}
				cycle = append([]string{next}, cycle...)
				return true
			}
			if color[next] == white {
				parent[next] = id
				if visit(next) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for _, id := range ids {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// ExecutionOrder computes a deterministic topological order with
// Kahn's algorithm; ties break on lexicographic node id.
func (v *Validator) ExecutionOrder(g *schema.Graph) ([]string, error) {
	adjacency := schedulingAdjacency(g)

	indegree := make(map[string]int, len(adjacency))
	for id := range adjacency {
		indegree[id] = 0
	}
	for _, targets := range adjacency {
		for _, target := range targets {
			indegree[target]++
		}
	}

	var ready []string
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(adjacency))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		released := false
		for _, target := range adjacency[id] {
			indegree[target]--
			if indegree[target] == 0 {
				ready = append(ready, target)
				released = true
			}
		}
		if released {
			sort.Strings(ready)
		}
	}

	if len(order) != len(adjacency) {
		return nil, fmt.Errorf("graph contains a cycle; ordered %d of %d nodes", len(order), len(adjacency))
	}
	return order, nil
}
