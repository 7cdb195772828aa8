package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// defaultAnthropicMaxTokens applies when a request omits max_tokens;
// the Messages API requires a positive cap.
const defaultAnthropicMaxTokens = 4096

// MessagesClient captures the subset of the Anthropic SDK used by the
// adapter. Satisfied by *sdk.MessageService and by mocks in tests.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// AnthropicClient implements Client via the Anthropic Messages API.
// System messages are split out of the conversation into the dedicated
// system field, per the API contract.
type AnthropicClient struct {
	msg MessagesClient
}

// NewAnthropicClient creates a client using the default Anthropic HTTP
// transport.
func NewAnthropicClient(apiKey string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicClient{msg: &client.Messages}, nil
}

// NewAnthropicClientWithMessages wires an explicit messages client,
// used by tests.
func NewAnthropicClientWithMessages(msg MessagesClient) *AnthropicClient {
	return &AnthropicClient{msg: msg}
}

// Generate performs a non-streaming Messages.New call
func (c *AnthropicClient) Generate(ctx context.Context, messages []Message, opts Options) (*Response, error) {
	params, err := buildAnthropicParams(messages, opts)
	if err != nil {
		return nil, err
	}

	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return nil, classifyAnthropicError(err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return &Response{
		Text: text,
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			CacheTokens:  int(msg.Usage.CacheReadInputTokens),
		},
	}, nil
}

// GenerateStream performs a streaming Messages call
func (c *AnthropicClient) GenerateStream(ctx context.Context, messages []Message, opts Options) (Streamer, error) {
	params, err := buildAnthropicParams(messages, opts)
	if err != nil {
		return nil, err
	}

	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, classifyAnthropicError(err)
	}
	return &anthropicStreamer{stream: stream}, nil
}

func buildAnthropicParams(messages []Message, opts Options) (*sdk.MessageNewParams, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("%w: anthropic requires at least one message", ErrInvalidResponse)
	}

	var (
		conversation []sdk.MessageParam
		system       []sdk.TextBlockParam
	)
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := &sdk.MessageNewParams{
		Model:     sdk.Model(opts.Model),
		Messages:  conversation,
		MaxTokens: int64(maxTokens),
	}
	if len(system) > 0 {
		params.System = system
	}
	if opts.Temperature > 0 {
		params.Temperature = sdk.Float(float64(opts.Temperature))
	}
	if len(opts.Stop) > 0 {
		params.StopSequences = opts.Stop
	}
	return params, nil
}

func classifyAnthropicError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: anthropic: %v", ErrTimeout, err)
	}

	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 529:
			return fmt.Errorf("%w: anthropic: %v", ErrRateLimited, err)
		case 401, 403:
			return fmt.Errorf("%w: anthropic: %v", ErrAuth, err)
		case 408, 504:
			return fmt.Errorf("%w: anthropic: %v", ErrTimeout, err)
		}
	}
	return fmt.Errorf("%w: anthropic: %v", ErrAPI, err)
}

// anthropicStreamer adapts the SDK's SSE stream to the Streamer
// interface. Input token usage arrives on message_start, output tokens
// on the message_delta events; the combined usage is emitted as the
// final chunk before EOF.
type anthropicStreamer struct {
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
	usage  Usage
	done   bool
}

func (s *anthropicStreamer) Recv() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}

	for s.stream.Next() {
		event := s.stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.MessageStartEvent:
			s.usage.InputTokens = int(ev.Message.Usage.InputTokens)
			s.usage.CacheTokens = int(ev.Message.Usage.CacheReadInputTokens)
		case sdk.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
				return Chunk{Text: delta.Text}, nil
			}
		case sdk.MessageDeltaEvent:
			s.usage.OutputTokens = int(ev.Usage.OutputTokens)
		}
	}

	if err := s.stream.Err(); err != nil {
		return Chunk{}, classifyAnthropicError(err)
	}

	s.done = true
	usage := s.usage
	return Chunk{Usage: &usage}, nil
}

func (s *anthropicStreamer) Close() error {
	return s.stream.Close()
}
