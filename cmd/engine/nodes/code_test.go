package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/chatflow/cmd/engine/schema"
)

func codeTestNode(expression string, inputs ...schema.Port) *schema.Node {
	return &schema.Node{
		ID:     "code-1",
		Type:   schema.TypeCode,
		Config: map[string]any{"expression": expression},
		Ports:  schema.Ports{Inputs: inputs},
	}
}

func TestCode_Arithmetic(t *testing.T) {
	handler := mustConstruct(t, codeTestNode("a + b * 2.0",
		in("a", schema.PortNumber, true),
		in("b", schema.PortNumber, true),
	))

	result, err := handler.Execute(context.Background(), testContext(t), map[string]any{
		"a": 1.0, "b": 3.0,
	})
	require.NoError(t, err)
	assert.Equal(t, 7.0, result.Outputs["result"])
}

func TestCode_FieldAccessAndConditionals(t *testing.T) {
	handler := mustConstruct(t, codeTestNode(`payload.count > 2 ? payload.name : "few"`,
		in("payload", schema.PortObject, true),
	))

	result, err := handler.Execute(context.Background(), testContext(t), map[string]any{
		"payload": map[string]any{"count": 5, "name": "many"},
	})
	require.NoError(t, err)
	assert.Equal(t, "many", result.Outputs["result"])
}

func TestCode_Intrinsics(t *testing.T) {
	cases := []struct {
		expr   string
		inputs map[string]any
		want   any
	}{
		{`length(text)`, map[string]any{"text": "한국어"}, 3.0},
		{`concat(text, "!")`, map[string]any{"text": "hi"}, "hi!"},
		{`substring(text, 0, 2)`, map[string]any{"text": "hello"}, "he"},
		{`lower(text)`, map[string]any{"text": "ABC"}, "abc"},
		{`upper(text)`, map[string]any{"text": "abc"}, "ABC"},
		{`json_stringify(["a", "b"])`, map[string]any{"text": ""}, `["a","b"]`},
	}

	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			handler := mustConstruct(t, codeTestNode(tc.expr, in("text", schema.PortString, true)))
			result, err := handler.Execute(context.Background(), testContext(t), tc.inputs)
			require.NoError(t, err)
			assert.Equal(t, tc.want, result.Outputs["result"])
		})
	}
}

func TestCode_JSONParseRoundTrip(t *testing.T) {
	handler := mustConstruct(t, codeTestNode(`json_parse(raw)`, in("raw", schema.PortString, true)))

	result, err := handler.Execute(context.Background(), testContext(t), map[string]any{
		"raw": `{"name": "chatflow", "tags": ["go"]}`,
	})
	require.NoError(t, err)

	parsed, ok := result.Outputs["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "chatflow", parsed["name"])
}

func TestCode_MissingRequiredInput(t *testing.T) {
	handler := mustConstruct(t, codeTestNode("a", in("a", schema.PortNumber, true)))
	_, err := handler.Execute(context.Background(), testContext(t), map[string]any{})
	assert.Error(t, err)
}

func TestCode_CompileErrorAtConstruction(t *testing.T) {
	_, err := NewRegistry().Construct(codeTestNode("this is not CEL ((("))
	assert.Error(t, err)
}

func TestCode_EmptyExpressionFailsValidation(t *testing.T) {
	handler := mustConstruct(t, codeTestNode(""))
	assert.Error(t, handler.ValidateStatic())
}
