package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/chatflow/cmd/engine/schema"
	"github.com/lyzr/chatflow/common/cache"
	"github.com/lyzr/chatflow/common/config"
	"github.com/lyzr/chatflow/common/embedding"
	"github.com/lyzr/chatflow/common/llm"
	"github.com/lyzr/chatflow/common/semcache"
)

func llmTestNode(config map[string]any) *schema.Node {
	return &schema.Node{ID: "llm-1", Type: schema.TypeLLM, Config: config}
}

func TestLLM_GeneratesWithRenderedPrompt(t *testing.T) {
	ec := testContext(t)
	facade, client := scriptedFacade(t, llm.ScriptedResponse{
		Text:  "파이썬은 고급 언어입니다.",
		Usage: llm.Usage{InputTokens: 12, OutputTokens: 8},
	})
	ec.Services.LLM = facade

	handler := mustConstruct(t, llmTestNode(map[string]any{
		"model":           "gpt-4o-mini",
		"prompt_template": "질문: {{ query }}",
		"system_prompt":   "간결하게 답하세요.",
	}))

	result, err := handler.Execute(context.Background(), ec, map[string]any{"query": "파이썬이란?"})
	require.NoError(t, err)
	assert.Equal(t, "파이썬은 고급 언어입니다.", result.Outputs["response"])
	require.NotNil(t, result.Usage)
	assert.Equal(t, 20, result.Usage.Total())

	calls := client.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].Messages, 2)
	assert.Equal(t, llm.RoleSystem, calls[0].Messages[0].Role)
	assert.Equal(t, "질문: 파이썬이란?", calls[0].Messages[1].Content)
	assert.False(t, calls[0].Stream)
}

func TestLLM_StreamsThroughSink(t *testing.T) {
	ec := testContext(t)
	sink := &chunkSink{}
	ec.Sink = sink

	facade, client := scriptedFacade(t, llm.ScriptedResponse{
		Text:  "streamed answer text",
		Usage: llm.Usage{OutputTokens: 3},
	})
	ec.Services.LLM = facade

	handler := mustConstruct(t, llmTestNode(map[string]any{
		"model":           "gpt-4o-mini",
		"prompt_template": "{{ query }}",
	}))

	result, err := handler.Execute(context.Background(), ec, map[string]any{"query": "q"})
	require.NoError(t, err)
	assert.Equal(t, "streamed answer text", result.Outputs["response"])
	assert.Equal(t, "streamed answer text", sink.Text())
	assert.Greater(t, len(sink.chunks), 1)
	assert.True(t, ec.WasStreamed("llm-1.response"))
	assert.True(t, client.Calls()[0].Stream)
}

func TestLLM_SemanticCacheHitSkipsProvider(t *testing.T) {
	ec := testContext(t)
	facade, client := scriptedFacade(t, llm.ScriptedResponse{Text: "fresh answer"})
	ec.Services.LLM = facade
	ec.Services.SemCache = semcache.New(
		cache.NewMemoryCache(testLogger()),
		embedding.NewMockProvider(64),
		config.SemanticCacheConfig{Enabled: true, Threshold: 0.95, MaxEntries: 16, MinChars: 1, Prefix: "semcache"},
		testLogger(),
	)

	handler := mustConstruct(t, llmTestNode(map[string]any{
		"model":           "gpt-4o-mini",
		"prompt_template": "{{ query }}",
	}))

	inputs := map[string]any{"query": "반복되는 질문입니다"}
	first, err := handler.Execute(context.Background(), ec, inputs)
	require.NoError(t, err)
	assert.Equal(t, "fresh answer", first.Outputs["response"])

	second, err := handler.Execute(context.Background(), ec, inputs)
	require.NoError(t, err)
	assert.Equal(t, "fresh answer", second.Outputs["response"])
	assert.Equal(t, true, second.ProcessData["cache_hit"])
	assert.Len(t, client.Calls(), 1)
}

func TestLLM_MissingContextWithoutFallback(t *testing.T) {
	ec := testContext(t)
	facade, _ := scriptedFacade(t, llm.ScriptedResponse{Text: "x"})
	ec.Services.LLM = facade

	handler := mustConstruct(t, llmTestNode(map[string]any{
		"model":           "gpt-4o-mini",
		"prompt_template": "{{ query }} {{ context }}",
	}))

	_, err := handler.Execute(context.Background(), ec, map[string]any{"query": "q"})
	assert.Error(t, err)
}

func TestLLM_ConversationContextFallback(t *testing.T) {
	ec := testContext(t)
	ec.Pool.SetConversation("context", "지난 대화 요약")
	facade, client := scriptedFacade(t, llm.ScriptedResponse{Text: "x"})
	ec.Services.LLM = facade

	handler := mustConstruct(t, llmTestNode(map[string]any{
		"model":                               "gpt-4o-mini",
		"prompt_template":                     "{{ query }} | {{ context }}",
		"allow_conversation_context_fallback": true,
	}))

	_, err := handler.Execute(context.Background(), ec, map[string]any{"query": "q"})
	require.NoError(t, err)
	assert.Equal(t, "q | 지난 대화 요약", client.Calls()[0].Messages[0].Content)
}

func TestLLM_ValidateStatic(t *testing.T) {
	handler := mustConstruct(t, llmTestNode(map[string]any{"model": "gpt-4o-mini"}))
	assert.Error(t, handler.ValidateStatic())

	handler = mustConstruct(t, llmTestNode(map[string]any{
		"prompt_template": "{{ query }}",
		"temperature":     3.5,
	}))
	assert.Error(t, handler.ValidateStatic())
}
