package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/lyzr/chatflow/common/resilience"
)

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client
// used by the adapter. Satisfied by *bedrockruntime.Client and by mocks.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// BedrockClient implements Client via the AWS Bedrock Converse API.
// Calls pass through a token bucket because Bedrock enforces per-account
// QPS quotas rather than returning early 429s.
type BedrockClient struct {
	runtime RuntimeClient
	bucket  *resilience.TokenBucket
}

// NewBedrockClient creates a client from the ambient AWS configuration
func NewBedrockClient(ctx context.Context, region string, qps float64) (*BedrockClient, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewBedrockClientWithRuntime(bedrockruntime.NewFromConfig(cfg), qps), nil
}

// NewBedrockClientWithRuntime wires an explicit runtime client, used by
// tests.
func NewBedrockClientWithRuntime(runtime RuntimeClient, qps float64) *BedrockClient {
	if qps <= 0 {
		qps = 5
	}
	return &BedrockClient{
		runtime: runtime,
		bucket:  resilience.NewTokenBucket(qps, int(qps)+1),
	}
}

// Generate performs a non-streaming Converse call
func (c *BedrockClient) Generate(ctx context.Context, messages []Message, opts Options) (*Response, error) {
	if err := c.bucket.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	conversation, system := encodeBedrockMessages(messages)
	out, err := c.runtime.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:         aws.String(opts.Model),
		Messages:        conversation,
		System:          system,
		InferenceConfig: bedrockInferenceConfig(opts),
	})
	if err != nil {
		return nil, classifyBedrockError(err)
	}

	msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return nil, fmt.Errorf("%w: bedrock returned no message output", ErrInvalidResponse)
	}

	var text string
	for _, block := range msg.Value.Content {
		if tb, ok := block.(*brtypes.ContentBlockMemberText); ok {
			text += tb.Value
		}
	}

	resp := &Response{Text: text}
	if out.Usage != nil {
		resp.Usage = Usage{
			InputTokens:  int(aws.ToInt32(out.Usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
		}
	}
	return resp, nil
}

// GenerateStream performs a ConverseStream call
func (c *BedrockClient) GenerateStream(ctx context.Context, messages []Message, opts Options) (Streamer, error) {
	if err := c.bucket.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	conversation, system := encodeBedrockMessages(messages)
	out, err := c.runtime.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(opts.Model),
		Messages:        conversation,
		System:          system,
		InferenceConfig: bedrockInferenceConfig(opts),
	})
	if err != nil {
		return nil, classifyBedrockError(err)
	}
	return &bedrockStreamer{stream: out.GetStream()}, nil
}

func encodeBedrockMessages(messages []Message) ([]brtypes.Message, []brtypes.SystemContentBlock) {
	var (
		conversation []brtypes.Message
		system       []brtypes.SystemContentBlock
	)
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
			continue
		}

		role := brtypes.ConversationRoleUser
		if m.Role == RoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}
		conversation = append(conversation, brtypes.Message{
			Role:    role,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
		})
	}
	return conversation, system
}

func bedrockInferenceConfig(opts Options) *brtypes.InferenceConfiguration {
	cfg := &brtypes.InferenceConfiguration{}
	if opts.MaxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(opts.MaxTokens))
	}
	if opts.Temperature > 0 {
		cfg.Temperature = aws.Float32(opts.Temperature)
	}
	if len(opts.Stop) > 0 {
		cfg.StopSequences = opts.Stop
	}
	return cfg
}

func classifyBedrockError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: bedrock: %v", ErrTimeout, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "ServiceQuotaExceededException":
			return fmt.Errorf("%w: bedrock: %v", ErrRateLimited, err)
		case "AccessDeniedException", "UnrecognizedClientException":
			return fmt.Errorf("%w: bedrock: %v", ErrAuth, err)
		case "ModelTimeoutException":
			return fmt.Errorf("%w: bedrock: %v", ErrTimeout, err)
		}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case 429:
			return fmt.Errorf("%w: bedrock: %v", ErrRateLimited, err)
		case 401, 403:
			return fmt.Errorf("%w: bedrock: %v", ErrAuth, err)
		}
	}
	return fmt.Errorf("%w: bedrock: %v", ErrAPI, err)
}

// bedrockStreamer adapts the Converse event stream to the Streamer
// interface. Usage arrives on the terminal metadata event.
type bedrockStreamer struct {
	stream *bedrockruntime.ConverseStreamEventStream
	usage  *Usage
	done   bool
}

func (s *bedrockStreamer) Recv() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}

	for event := range s.stream.Events() {
		switch ev := event.(type) {
		case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
			if delta, ok := ev.Value.Delta.(*brtypes.ContentBlockDeltaMemberText); ok && delta.Value != "" {
				return Chunk{Text: delta.Value}, nil
			}
		case *brtypes.ConverseStreamOutputMemberMetadata:
			if ev.Value.Usage != nil {
				s.usage = &Usage{
					InputTokens:  int(aws.ToInt32(ev.Value.Usage.InputTokens)),
					OutputTokens: int(aws.ToInt32(ev.Value.Usage.OutputTokens)),
				}
			}
		}
	}

	if err := s.stream.Err(); err != nil {
		return Chunk{}, classifyBedrockError(err)
	}

	s.done = true
	if s.usage != nil {
		return Chunk{Usage: s.usage}, nil
	}
	return Chunk{}, io.EOF
}

func (s *bedrockStreamer) Close() error {
	return s.stream.Close()
}
