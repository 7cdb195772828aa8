package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/chatflow/cmd/engine/pool"
	"github.com/lyzr/chatflow/cmd/engine/registry"
	"github.com/lyzr/chatflow/cmd/engine/schema"
	"github.com/lyzr/chatflow/common/session"
)

func assignerTestNode(operations []map[string]any) *schema.Node {
	return &schema.Node{
		ID:     "assign-1",
		Type:   schema.TypeAssigner,
		Config: map[string]any{"operations": operations},
	}
}

func TestAssigner_OverwriteConversationAndFlush(t *testing.T) {
	store := session.NewMemoryStore()
	ec := testContext(t)
	ec.Pool = pool.New(store, "bot-1", "sess-1", nil, nil)

	handler := mustConstruct(t, assignerTestNode([]map[string]any{
		{"write_mode": "over-write", "input_type": "variable"},
	}))

	result, err := handler.Execute(context.Background(), ec, map[string]any{
		"operation_0_target": "conv.stage",
		"operation_0_value":  "wait_feedback",
	})
	require.NoError(t, err)
	assert.Equal(t, "wait_feedback", result.Outputs["operation_0_result"])

	// Flushed to the session store, visible to a fresh pool
	fresh := pool.New(store, "bot-1", "sess-1", nil, nil)
	require.NoError(t, fresh.Hydrate(context.Background()))
	v, ok := fresh.GetConversation("stage")
	require.True(t, ok)
	assert.Equal(t, "wait_feedback", v)
}

func TestAssigner_ConstantAndEnvTarget(t *testing.T) {
	ec := testContext(t)

	handler := mustConstruct(t, assignerTestNode([]map[string]any{
		{"write_mode": "over-write", "input_type": "constant", "constant_value": "ko"},
	}))

	result, err := handler.Execute(context.Background(), ec, map[string]any{
		"operation_0_target": "env.language",
	})
	require.NoError(t, err)
	assert.Equal(t, "ko", result.Outputs["operation_0_result"])

	v, ok := ec.Pool.GetEnv("language")
	require.True(t, ok)
	assert.Equal(t, "ko", v)
}

func TestAssigner_AppendModes(t *testing.T) {
	ec := testContext(t)
	ec.Pool.SetConversation("log", "first")
	ec.Pool.SetConversation("items", []any{"a"})

	handler := mustConstruct(t, assignerTestNode([]map[string]any{
		{"write_mode": "append", "input_type": "variable"},
		{"write_mode": "append", "input_type": "variable"},
	}))

	result, err := handler.Execute(context.Background(), ec, map[string]any{
		"operation_0_target": "conv.log",
		"operation_0_value":  " second",
		"operation_1_target": "conv.items",
		"operation_1_value":  "b",
	})
	require.NoError(t, err)
	assert.Equal(t, "first second", result.Outputs["operation_0_result"])
	assert.Equal(t, []any{"a", "b"}, result.Outputs["operation_1_result"])
}

func TestAssigner_ClearPreservesShape(t *testing.T) {
	ec := testContext(t)
	ec.Pool.SetConversation("text", "something")
	ec.Pool.SetConversation("list", []any{"a", "b"})

	handler := mustConstruct(t, assignerTestNode([]map[string]any{
		{"write_mode": "clear"},
		{"write_mode": "clear"},
	}))

	result, err := handler.Execute(context.Background(), ec, map[string]any{
		"operation_0_target": "conv.text",
		"operation_1_target": "conv.list",
	})
	require.NoError(t, err)
	assert.Equal(t, "", result.Outputs["operation_0_result"])
	assert.Equal(t, []any{}, result.Outputs["operation_1_result"])
}

func TestAssigner_RejectsNonReservedTarget(t *testing.T) {
	handler := mustConstruct(t, assignerTestNode([]map[string]any{
		{"write_mode": "over-write", "input_type": "variable"},
	}))

	_, err := handler.Execute(context.Background(), testContext(t), map[string]any{
		"operation_0_target": "llm-1.response",
		"operation_0_value":  "x",
	})
	assert.Error(t, err)
}

func TestAssigner_SchemaDeclaresOperationPorts(t *testing.T) {
	handler := mustConstruct(t, assignerTestNode([]map[string]any{
		{"write_mode": "over-write", "input_type": "variable"},
		{"write_mode": "clear"},
	}))

	s := handler.Schema()
	_, hasTarget := schema.Ports{Inputs: s.Inputs}.Input("operation_0_target")
	_, hasValue := schema.Ports{Inputs: s.Inputs}.Input("operation_0_value")
	_, hasClearValue := schema.Ports{Inputs: s.Inputs}.Input("operation_1_value")
	assert.True(t, hasTarget)
	assert.True(t, hasValue)
	assert.False(t, hasClearValue)

	var _ registry.Handler = handler
}
