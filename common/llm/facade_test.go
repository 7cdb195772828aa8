package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/chatflow/common/logger"
)

func testFacade(clients map[string]Client) *Facade {
	return NewFacadeWithClients(clients, "openai", logger.New("error", "text"))
}

func userMessage(text string) []Message {
	return []Message{{Role: RoleUser, Content: text}}
}

func TestFacade_GenerateRoutesToDefaultProvider(t *testing.T) {
	scripted := NewScriptedClient(ScriptedResponse{
		Text:  "hello there",
		Usage: Usage{InputTokens: 10, OutputTokens: 3},
	})
	f := testFacade(map[string]Client{"openai": scripted})

	resp, err := f.Generate(context.Background(), userMessage("hi"), Options{Model: "gpt-4o-mini"})
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp.Text)
	assert.Equal(t, 13, resp.Usage.Total())

	calls := scripted.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "gpt-4o-mini", calls[0].Opts.Model)
}

func TestFacade_GenerateExplicitProvider(t *testing.T) {
	openaiClient := NewScriptedClient(ScriptedResponse{Text: "from openai"})
	anthropicClient := NewScriptedClient(ScriptedResponse{Text: "from anthropic"})
	f := testFacade(map[string]Client{
		"openai":    openaiClient,
		"anthropic": anthropicClient,
	})

	resp, err := f.Generate(context.Background(), userMessage("hi"), Options{
		Provider: "anthropic",
		Model:    "claude-sonnet-4-20250514",
	})
	require.NoError(t, err)
	assert.Equal(t, "from anthropic", resp.Text)
	assert.Empty(t, openaiClient.Calls())
}

func TestFacade_UnknownProvider(t *testing.T) {
	f := testFacade(map[string]Client{"openai": NewScriptedClient()})

	_, err := f.Generate(context.Background(), userMessage("hi"), Options{
		Provider: "nope",
		Model:    "m",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAPI)
}

func TestFacade_RetriesRateLimitTwice(t *testing.T) {
	scripted := NewScriptedClient(
		ScriptedResponse{Err: ErrRateLimited},
		ScriptedResponse{Err: ErrRateLimited},
		ScriptedResponse{Text: "finally"},
	)
	f := testFacade(map[string]Client{"openai": scripted})

	resp, err := f.Generate(context.Background(), userMessage("hi"), Options{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "finally", resp.Text)
	assert.Len(t, scripted.Calls(), 3)
}

func TestFacade_RateLimitExhausted(t *testing.T) {
	scripted := NewScriptedClient(ScriptedResponse{Err: ErrRateLimited})
	f := testFacade(map[string]Client{"openai": scripted})

	_, err := f.Generate(context.Background(), userMessage("hi"), Options{Model: "m"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	// Initial attempt plus two retries
	assert.Len(t, scripted.Calls(), 3)
}

func TestFacade_RetriesTimeoutOnce(t *testing.T) {
	scripted := NewScriptedClient(
		ScriptedResponse{Err: ErrTimeout},
		ScriptedResponse{Text: "second try"},
	)
	f := testFacade(map[string]Client{"openai": scripted})

	resp, err := f.Generate(context.Background(), userMessage("hi"), Options{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "second try", resp.Text)
	assert.Len(t, scripted.Calls(), 2)
}

func TestFacade_DoesNotRetryAuthErrors(t *testing.T) {
	scripted := NewScriptedClient(ScriptedResponse{Err: ErrAuth})
	f := testFacade(map[string]Client{"openai": scripted})

	_, err := f.Generate(context.Background(), userMessage("hi"), Options{Model: "m"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuth)
	assert.Len(t, scripted.Calls(), 1)
}

func TestFacade_StreamDrain(t *testing.T) {
	scripted := NewScriptedClient(ScriptedResponse{
		Text:  "one two three",
		Usage: Usage{InputTokens: 5, OutputTokens: 3},
	})
	f := testFacade(map[string]Client{"openai": scripted})

	stream, err := f.GenerateStream(context.Background(), userMessage("count"), Options{Model: "m"})
	require.NoError(t, err)

	resp, err := Drain(stream)
	require.NoError(t, err)
	assert.Equal(t, "one two three", resp.Text)
	assert.Equal(t, 5, resp.Usage.InputTokens)
	assert.Equal(t, 3, resp.Usage.OutputTokens)
}

func TestFacade_StreamDeliversMultipleChunks(t *testing.T) {
	scripted := NewScriptedClient(ScriptedResponse{Text: "a b c"})
	f := testFacade(map[string]Client{"openai": scripted})

	stream, err := f.GenerateStream(context.Background(), userMessage("chunks"), Options{Model: "m"})
	require.NoError(t, err)
	defer stream.Close()

	var texts []string
	for {
		chunk, err := stream.Recv()
		if err != nil {
			break
		}
		if chunk.Text != "" {
			texts = append(texts, chunk.Text)
		}
	}
	assert.Equal(t, []string{"a ", "b ", "c"}, texts)
}

func TestFacade_RegisterDuplicate(t *testing.T) {
	f := testFacade(map[string]Client{"openai": NewScriptedClient()})

	err := f.Register("openai", NewScriptedClient(), "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}
