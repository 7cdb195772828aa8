package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient implements Client via the OpenAI Chat Completions API.
// It also serves any OpenAI-compatible endpoint (Gemini exposes one),
// selected through the base URL.
type OpenAIClient struct {
	client *openai.Client
	name   string
}

// NewOpenAIClient creates a client against the default OpenAI endpoint
func NewOpenAIClient(apiKey string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	return &OpenAIClient{client: openai.NewClient(apiKey), name: "openai"}, nil
}

// NewOpenAICompatibleClient creates a client against a custom
// OpenAI-compatible endpoint. name labels errors with the real provider.
func NewOpenAICompatibleClient(name, apiKey, baseURL string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%s api key is required", name)
	}
	if baseURL == "" {
		return nil, fmt.Errorf("%s base URL is required", name)
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg), name: name}, nil
}

// Generate performs a non-streaming chat completion
func (c *OpenAIClient) Generate(ctx context.Context, messages []Message, opts Options) (*Response, error) {
	resp, err := c.client.CreateChatCompletion(ctx, c.buildRequest(messages, opts, false))
	if err != nil {
		return nil, c.classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: %s returned no choices", ErrInvalidResponse, c.name)
	}

	return &Response{
		Text: resp.Choices[0].Message.Content,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

// GenerateStream performs a streaming chat completion
func (c *OpenAIClient) GenerateStream(ctx context.Context, messages []Message, opts Options) (Streamer, error) {
	stream, err := c.client.CreateChatCompletionStream(ctx, c.buildRequest(messages, opts, true))
	if err != nil {
		return nil, c.classify(err)
	}
	return &openaiStreamer{stream: stream, client: c}, nil
}

func (c *OpenAIClient) buildRequest(messages []Message, opts Options, streaming bool) openai.ChatCompletionRequest {
	converted := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		converted = append(converted, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	req := openai.ChatCompletionRequest{
		Model:       opts.Model,
		Messages:    converted,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Stop:        opts.Stop,
	}
	if streaming {
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return req
}

// classify maps go-openai errors onto the package taxonomy
func (c *OpenAIClient) classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, c.name, err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 429:
			return fmt.Errorf("%w: %s: %v", ErrRateLimited, c.name, err)
		case 401, 403:
			return fmt.Errorf("%w: %s: %v", ErrAuth, c.name, err)
		case 408, 504:
			return fmt.Errorf("%w: %s: %v", ErrTimeout, c.name, err)
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrAPI, c.name, err)
}

// openaiStreamer adapts the go-openai SSE stream to the Streamer
// interface. Usage arrives on a trailing frame with no choices.
type openaiStreamer struct {
	stream *openai.ChatCompletionStream
	client *OpenAIClient
}

func (s *openaiStreamer) Recv() (Chunk, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return Chunk{}, io.EOF
		}
		if err != nil {
			return Chunk{}, s.client.classify(err)
		}

		if len(resp.Choices) == 0 {
			if resp.Usage != nil {
				return Chunk{Usage: &Usage{
					InputTokens:  resp.Usage.PromptTokens,
					OutputTokens: resp.Usage.CompletionTokens,
				}}, nil
			}
			continue
		}
		if resp.Choices[0].Delta.Content == "" {
			continue
		}
		return Chunk{Text: resp.Choices[0].Delta.Content}, nil
	}
}

func (s *openaiStreamer) Close() error {
	return s.stream.Close()
}
