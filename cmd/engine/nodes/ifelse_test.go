package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/chatflow/cmd/engine/registry"
	"github.com/lyzr/chatflow/cmd/engine/schema"
)

func ifElseTestNode(cases []map[string]any) *schema.Node {
	return &schema.Node{
		ID:     "if-1",
		Type:   schema.TypeIfElse,
		Config: map[string]any{"cases": cases},
	}
}

func condition(selector, operator string, value any) map[string]any {
	return map[string]any{
		"variable_selector":   selector,
		"comparison_operator": operator,
		"value":               value,
	}
}

func executeIfElse(t *testing.T, ec *registry.ExecutionContext, cases []map[string]any) *registry.Result {
	t.Helper()
	handler := mustConstruct(t, ifElseTestNode(cases))
	result, err := handler.Execute(context.Background(), ec, nil)
	require.NoError(t, err)
	return result
}

func TestIfElse_FirstMatchingCaseFires(t *testing.T) {
	ec := testContext(t)
	ec.Pool.SetConversation("stage", "feedback")

	result := executeIfElse(t, ec, []map[string]any{
		{"case_id": "case-greet", "conditions": []map[string]any{condition("conv.stage", "=", "greet")}},
		{"case_id": "case-feedback", "conditions": []map[string]any{condition("conv.stage", "=", "feedback")}},
	})

	assert.Equal(t, map[string]any{"case-feedback": true}, result.Outputs)
	assert.Equal(t, "case-feedback", result.ProcessData["selected_case"])
}

func TestIfElse_ElseFiresWhenNothingMatches(t *testing.T) {
	ec := testContext(t)
	ec.Pool.SetConversation("stage", "other")

	result := executeIfElse(t, ec, []map[string]any{
		{"case_id": "case-1", "conditions": []map[string]any{condition("conv.stage", "=", "greet")}},
	})

	assert.Equal(t, map[string]any{ElsePort: true}, result.Outputs)
}

func TestIfElse_LogicalOperators(t *testing.T) {
	ec := testContext(t)
	ec.Pool.SetNodeOutput("n", "count", float64(7))
	ec.Pool.SetNodeOutput("n", "name", "chatflow")

	// and: both true
	result := executeIfElse(t, ec, []map[string]any{
		{"case_id": "both", "logical_operator": "and", "conditions": []map[string]any{
			condition("n.count", ">", 5),
			condition("n.name", "contains", "flow"),
		}},
	})
	assert.Contains(t, result.Outputs, "both")

	// and: one false
	result = executeIfElse(t, ec, []map[string]any{
		{"case_id": "both", "logical_operator": "and", "conditions": []map[string]any{
			condition("n.count", ">", 10),
			condition("n.name", "contains", "flow"),
		}},
	})
	assert.Contains(t, result.Outputs, ElsePort)

	// or: one true is enough
	result = executeIfElse(t, ec, []map[string]any{
		{"case_id": "either", "logical_operator": "or", "conditions": []map[string]any{
			condition("n.count", ">", 10),
			condition("n.name", "starts_with", "chat"),
		}},
	})
	assert.Contains(t, result.Outputs, "either")
}

func TestIfElse_ComparisonOperators(t *testing.T) {
	ec := testContext(t)
	ec.Pool.SetNodeOutput("n", "text", "hello world")
	ec.Pool.SetNodeOutput("n", "num", float64(3))
	ec.Pool.SetNodeOutput("n", "blank", "")
	ec.Pool.SetNodeOutput("n", "list", []any{"a"})

	cases := []struct {
		name     string
		cond     map[string]any
		expected bool
	}{
		{"equal", condition("n.text", "=", "hello world"), true},
		{"not_equal", condition("n.text", "≠", "other"), true},
		{"contains", condition("n.text", "contains", "lo wo"), true},
		{"not_contains", condition("n.text", "not_contains", "xyz"), true},
		{"starts_with", condition("n.text", "starts_with", "hello"), true},
		{"ends_with", condition("n.text", "ends_with", "world"), true},
		{"greater", condition("n.num", ">", 2), true},
		{"greater_equal", condition("n.num", "≥", 3), true},
		{"less", condition("n.num", "<", 4), true},
		{"less_equal", condition("n.num", "≤", 3), true},
		{"is_empty", condition("n.blank", "is_empty", nil), true},
		{"is_not_empty", condition("n.list", "is_not_empty", nil), true},
		{"numeric_string_coercion", condition("n.num", ">", "2.5"), true},
		{"greater_false", condition("n.num", ">", 5), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := executeIfElse(t, ec, []map[string]any{
				{"case_id": "match", "conditions": []map[string]any{tc.cond}},
			})
			if tc.expected {
				assert.Contains(t, result.Outputs, "match")
			} else {
				assert.Contains(t, result.Outputs, ElsePort)
			}
		})
	}
}

func TestIfElse_UnresolvedSelectorIsEmpty(t *testing.T) {
	result := executeIfElse(t, testContext(t), []map[string]any{
		{"case_id": "empty", "conditions": []map[string]any{condition("missing.port", "is_empty", nil)}},
	})
	assert.Contains(t, result.Outputs, "empty")
}

func TestIfElse_ValidateStatic(t *testing.T) {
	handler := mustConstruct(t, ifElseTestNode(nil))
	assert.Error(t, handler.ValidateStatic())

	handler = mustConstruct(t, ifElseTestNode([]map[string]any{
		{"case_id": "c1", "conditions": []map[string]any{condition("a.b", "unknown_op", "x")}},
	}))
	assert.Error(t, handler.ValidateStatic())

	handler = mustConstruct(t, ifElseTestNode([]map[string]any{
		{"case_id": ElsePort, "conditions": []map[string]any{condition("a.b", "=", "x")}},
	}))
	assert.Error(t, handler.ValidateStatic())
}

func TestIfElse_SchemaListsBranchPorts(t *testing.T) {
	handler := mustConstruct(t, ifElseTestNode([]map[string]any{
		{"case_id": "c1", "conditions": []map[string]any{condition("a.b", "=", "x")}},
		{"case_id": "c2", "conditions": []map[string]any{condition("a.b", "=", "y")}},
	}))

	s := handler.Schema()
	names := make([]string, 0, len(s.Outputs))
	for _, p := range s.Outputs {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"c1", "c2", ElsePort}, names)
}
