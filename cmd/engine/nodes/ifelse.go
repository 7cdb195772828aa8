package nodes

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/lyzr/chatflow/cmd/engine/registry"
	"github.com/lyzr/chatflow/cmd/engine/schema"
)

// ElsePort is the implicit fallthrough branch of an if-else node
const ElsePort = "else"

func ifElseSchema() registry.NodeSchema {
	return registry.NodeSchema{
		Type:         schema.TypeIfElse,
		Label:        "If/Else",
		Icon:         "git-branch",
		Configurable: true,
		ConfigSchema: map[string]any{
			"cases": map[string]any{"type": "array", "required": true},
		},
		Outputs: []schema.Port{
			out(ElsePort, schema.PortAny),
		},
	}
}

type ifElseCondition struct {
	VariableSelector   string `json:"variable_selector"`
	ComparisonOperator string `json:"comparison_operator"`
	Value              any    `json:"value"`
	VarType            string `json:"varType"`
}

type ifElseCase struct {
	CaseID          string            `json:"case_id"`
	LogicalOperator string            `json:"logical_operator"`
	Conditions      []ifElseCondition `json:"conditions"`
}

type ifElseConfig struct {
	Cases []ifElseCase `json:"cases"`
}

type ifElseNode struct {
	id  string
	cfg ifElseConfig
}

func newIfElse(node *schema.Node) (registry.Handler, error) {
	n := &ifElseNode{id: node.ID}
	if err := decodeConfig(node, &n.cfg); err != nil {
		return nil, err
	}
	return n, nil
}

// Execute evaluates cases top to bottom and fires exactly one branch
// port: the first matching case, or else.
func (n *ifElseNode) Execute(ctx context.Context, ec *registry.ExecutionContext, inputs map[string]any) (*registry.Result, error) {
	for _, c := range n.cfg.Cases {
		matched, err := n.evaluateCase(ec, c)
		if err != nil {
			return nil, err
		}
		if matched {
			return &registry.Result{
				Outputs:     map[string]any{c.CaseID: true},
				ProcessData: map[string]any{"selected_case": c.CaseID},
			}, nil
		}
	}

	return &registry.Result{
		Outputs:     map[string]any{ElsePort: true},
		ProcessData: map[string]any{"selected_case": ElsePort},
	}, nil
}

func (n *ifElseNode) evaluateCase(ec *registry.ExecutionContext, c ifElseCase) (bool, error) {
	if len(c.Conditions) == 0 {
		return false, nil
	}

	all := c.LogicalOperator != "or"
	for _, cond := range c.Conditions {
		actual, _ := ec.Pool.Resolve(cond.VariableSelector)
		matched, err := compare(cond.ComparisonOperator, actual, cond.Value, cond.VarType)
		if err != nil {
			return false, fmt.Errorf("if-else node %s case %s: %w", n.id, c.CaseID, err)
		}

		if all && !matched {
			return false, nil
		}
		if !all && matched {
			return true, nil
		}
	}
	return all, nil
}

// compare applies one comparison operator with type-aware semantics.
// Both ASCII and unicode spellings of the operators are accepted.
func compare(operator string, actual, expected any, varType string) (bool, error) {
	switch operator {
	case "is_empty", "empty", "null":
		return isEmpty(actual), nil
	case "is_not_empty", "not_empty", "not null":
		return !isEmpty(actual), nil
	}

	switch operator {
	case "=", "==", "is":
		return equalValues(actual, expected, varType), nil
	case "≠", "!=", "is not":
		return !equalValues(actual, expected, varType), nil
	case "contains":
		return strings.Contains(asString(actual), asString(expected)), nil
	case "not_contains", "not contains":
		return !strings.Contains(asString(actual), asString(expected)), nil
	case "starts_with", "start with":
		return strings.HasPrefix(asString(actual), asString(expected)), nil
	case "ends_with", "end with":
		return strings.HasSuffix(asString(actual), asString(expected)), nil
	case ">", "≥", ">=", "<", "≤", "<=":
		left, lok := asNumber(actual)
		right, rok := asNumber(expected)
		if !lok || !rok {
			return false, nil
		}
		switch operator {
		case ">":
			return left > right, nil
		case "≥", ">=":
			return left >= right, nil
		case "<":
			return left < right, nil
		default:
			return left <= right, nil
		}
	default:
		return false, fmt.Errorf("unknown comparison operator %q", operator)
	}
}

func equalValues(actual, expected any, varType string) bool {
	if varType == "number" {
		left, lok := asNumber(actual)
		right, rok := asNumber(expected)
		return lok && rok && left == right
	}
	if varType == "boolean" {
		return asBool(actual) == asBool(expected)
	}
	return asString(actual) == asString(expected)
}

func isEmpty(v any) bool {
	switch tv := v.(type) {
	case nil:
		return true
	case string:
		return tv == ""
	case []any:
		return len(tv) == 0
	case map[string]any:
		return len(tv) == 0
	default:
		return false
	}
}

func asString(v any) string {
	switch tv := v.(type) {
	case nil:
		return ""
	case string:
		return tv
	case bool:
		return strconv.FormatBool(tv)
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64)
	case int:
		return strconv.Itoa(tv)
	default:
		return fmt.Sprintf("%v", tv)
	}
}

func asNumber(v any) (float64, bool) {
	switch tv := v.(type) {
	case float64:
		return tv, true
	case float32:
		return float64(tv), true
	case int:
		return float64(tv), true
	case int64:
		return float64(tv), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(tv), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asBool(v any) bool {
	switch tv := v.(type) {
	case bool:
		return tv
	case string:
		b, _ := strconv.ParseBool(tv)
		return b
	case float64:
		return tv != 0
	default:
		return false
	}
}

func (n *ifElseNode) ValidateStatic() error {
	if len(n.cfg.Cases) == 0 {
		return fmt.Errorf("if-else node %s: at least one case is required", n.id)
	}
	for _, c := range n.cfg.Cases {
		if c.CaseID == "" {
			return fmt.Errorf("if-else node %s: case without case_id", n.id)
		}
		if c.CaseID == ElsePort {
			return fmt.Errorf("if-else node %s: case_id %q is reserved", n.id, ElsePort)
		}
		switch c.LogicalOperator {
		case "", "and", "or":
		default:
			return fmt.Errorf("if-else node %s case %s: unknown logical operator %q", n.id, c.CaseID, c.LogicalOperator)
		}
		for _, cond := range c.Conditions {
			if _, err := schema.ParseSelector(cond.VariableSelector); err != nil {
				return fmt.Errorf("if-else node %s case %s: %w", n.id, c.CaseID, err)
			}
			if _, err := compare(cond.ComparisonOperator, "", "", cond.VarType); err != nil {
				return fmt.Errorf("if-else node %s case %s: %w", n.id, c.CaseID, err)
			}
		}
	}
	return nil
}

// Schema reports the configured branch ports plus else
func (n *ifElseNode) Schema() registry.NodeSchema {
	s := ifElseSchema()
	outputs := make([]schema.Port, 0, len(n.cfg.Cases)+1)
	for _, c := range n.cfg.Cases {
		outputs = append(outputs, out(c.CaseID, schema.PortAny))
	}
	s.Outputs = append(outputs, out(ElsePort, schema.PortAny))
	return s
}
