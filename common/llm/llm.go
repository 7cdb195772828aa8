// Package llm provides the provider-abstracted chat completion client
// used by the LLM, question-classifier, and answer node handlers. Each
// provider adapter converts OpenAI-shaped messages to its native wire
// format and maps provider failures onto one shared error taxonomy.
package llm

import (
	"context"
	"errors"
	"io"
)

// Message roles follow the OpenAI chat convention
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Classified provider errors. The facade retries rate limits with
// backoff and timeouts once; the rest surface immediately.
var (
	ErrRateLimited     = errors.New("llm provider rate limited")
	ErrTimeout         = errors.New("llm request timed out")
	ErrInvalidResponse = errors.New("llm response invalid")
	ErrAuth            = errors.New("llm authorization failed")
	ErrAPI             = errors.New("llm provider error")
)

// Message is one chat turn
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options selects the model and sampling parameters for one call
type Options struct {
	Provider    string   `json:"provider,omitempty"`
	Model       string   `json:"model"`
	Temperature float32  `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// Usage is the token accounting for one call
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	CacheTokens  int `json:"cache_tokens"`
}

// Total returns the combined token count
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens + u.CacheTokens
}

// Response is a completed generation
type Response struct {
	Text  string `json:"text"`
	Usage Usage  `json:"usage"`
}

// Chunk is one streamed text delta. Usage is populated only on the
// final chunk, when the provider reports it.
type Chunk struct {
	Text  string `json:"text"`
	Usage *Usage `json:"usage,omitempty"`
}

// Streamer yields chunks until io.EOF
type Streamer interface {
	// Recv returns the next chunk, io.EOF at end of stream, or a
	// classified error on failure.
	Recv() (Chunk, error)
	Close() error
}

// Client is the per-provider contract
type Client interface {
	Generate(ctx context.Context, messages []Message, opts Options) (*Response, error)
	GenerateStream(ctx context.Context, messages []Message, opts Options) (Streamer, error)
}

// Drain consumes a streamer to completion, returning the concatenated
// text and final usage.
func Drain(s Streamer) (*Response, error) {
	defer s.Close()

	var resp Response
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return &resp, nil
		}
		if err != nil {
			return nil, err
		}
		resp.Text += chunk.Text
		if chunk.Usage != nil {
			resp.Usage = *chunk.Usage
		}
	}
}
