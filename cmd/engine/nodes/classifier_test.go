package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/chatflow/cmd/engine/schema"
	"github.com/lyzr/chatflow/common/llm"
)

func classifierTestNode() *schema.Node {
	return &schema.Node{
		ID:   "qc-1",
		Type: schema.TypeQuestionClassifier,
		Config: map[string]any{
			"model": "gpt-4o-mini",
			"classes": []map[string]any{
				{"id": "faq", "name": "자주 묻는 질문"},
				{"id": "order", "name": "주문 문의", "description": "주문, 배송, 환불"},
			},
			"query_template": "{{ query }}",
		},
	}
}

func TestClassifier_FiresMatchingClassBranch(t *testing.T) {
	ec := testContext(t)
	facade, client := scriptedFacade(t, llm.ScriptedResponse{
		Text:  "order",
		Usage: llm.Usage{InputTokens: 30, OutputTokens: 1},
	})
	ec.Services.LLM = facade

	handler := mustConstruct(t, classifierTestNode())
	result, err := handler.Execute(context.Background(), ec, map[string]any{"query": "환불은 어떻게 하나요?"})
	require.NoError(t, err)

	require.Len(t, result.Outputs, 1)
	assert.Equal(t, "주문 문의", result.Outputs[ClassifierPort("order")])
	assert.Equal(t, "order", result.ProcessData["class_id"])
	require.NotNil(t, result.Usage)
	assert.Equal(t, 31, result.Usage.Total())

	// Class catalogue reaches the model through the system prompt
	messages := client.Calls()[0].Messages
	require.Len(t, messages, 2)
	assert.Contains(t, messages[0].Content, "faq")
	assert.Contains(t, messages[0].Content, "주문, 배송, 환불")
}

func TestClassifier_MatchesByNameAndSubstring(t *testing.T) {
	cases := []struct {
		answer string
		want   string
	}{
		{"자주 묻는 질문", "faq"},
		{"The class is: order.", "order"},
		{"  FAQ  ", "faq"},
	}

	for _, tc := range cases {
		ec := testContext(t)
		facade, _ := scriptedFacade(t, llm.ScriptedResponse{Text: tc.answer})
		ec.Services.LLM = facade

		handler := mustConstruct(t, classifierTestNode())
		result, err := handler.Execute(context.Background(), ec, map[string]any{"query": "q"})
		require.NoError(t, err)
		assert.Equal(t, tc.want, result.ProcessData["class_id"], tc.answer)
	}
}

func TestClassifier_UnmatchedAnswerFallsBackToFirstClass(t *testing.T) {
	ec := testContext(t)
	facade, _ := scriptedFacade(t, llm.ScriptedResponse{Text: "no idea"})
	ec.Services.LLM = facade

	handler := mustConstruct(t, classifierTestNode())
	result, err := handler.Execute(context.Background(), ec, map[string]any{"query": "q"})
	require.NoError(t, err)
	assert.Equal(t, "faq", result.ProcessData["class_id"])
}

func TestClassifier_ValidateStatic(t *testing.T) {
	handler := mustConstruct(t, &schema.Node{
		ID:     "qc-1",
		Type:   schema.TypeQuestionClassifier,
		Config: map[string]any{"query_template": "{{ query }}"},
	})
	assert.Error(t, handler.ValidateStatic())

	handler = mustConstruct(t, &schema.Node{
		ID:   "qc-1",
		Type: schema.TypeQuestionClassifier,
		Config: map[string]any{
			"classes": []map[string]any{
				{"id": "a"}, {"id": "a"},
			},
			"query_template": "{{ query }}",
		},
	})
	assert.Error(t, handler.ValidateStatic())
}

func TestClassifier_SchemaListsClassPorts(t *testing.T) {
	handler := mustConstruct(t, classifierTestNode())
	s := handler.Schema()

	names := make([]string, 0, len(s.Outputs))
	for _, p := range s.Outputs {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"class_faq_branch", "class_order_branch"}, names)
}
