package llm

import (
	"context"
	"io"
	"strings"
	"sync"
)

// ScriptedClient replays a fixed sequence of responses or errors, used
// by handler and executor tests. Streams split each scripted response
// on spaces so multi-chunk delivery paths are exercised.
type ScriptedClient struct {
	mu        sync.Mutex
	responses []ScriptedResponse
	calls     []ScriptedCall
}

// ScriptedResponse is one scripted outcome
type ScriptedResponse struct {
	Text  string
	Usage Usage
	Err   error
}

// ScriptedCall records the arguments of one invocation
type ScriptedCall struct {
	Messages []Message
	Opts     Options
	Stream   bool
}

// NewScriptedClient creates a client that replays responses in order.
// When the script runs out, the last response repeats.
func NewScriptedClient(responses ...ScriptedResponse) *ScriptedClient {
	return &ScriptedClient{responses: responses}
}

// Calls returns the recorded invocations
func (c *ScriptedClient) Calls() []ScriptedCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ScriptedCall(nil), c.calls...)
}

// Generate replays the next scripted response
func (c *ScriptedClient) Generate(ctx context.Context, messages []Message, opts Options) (*Response, error) {
	scripted := c.next(messages, opts, false)
	if scripted.Err != nil {
		return nil, scripted.Err
	}
	return &Response{Text: scripted.Text, Usage: scripted.Usage}, nil
}

// GenerateStream replays the next scripted response as word chunks
func (c *ScriptedClient) GenerateStream(ctx context.Context, messages []Message, opts Options) (Streamer, error) {
	scripted := c.next(messages, opts, true)
	if scripted.Err != nil {
		return nil, scripted.Err
	}

	words := strings.SplitAfter(scripted.Text, " ")
	usage := scripted.Usage
	return &scriptedStreamer{chunks: words, usage: &usage}, nil
}

func (c *ScriptedClient) next(messages []Message, opts Options, stream bool) ScriptedResponse {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, ScriptedCall{Messages: messages, Opts: opts, Stream: stream})
	if len(c.responses) == 0 {
		return ScriptedResponse{}
	}

	scripted := c.responses[0]
	if len(c.responses) > 1 {
		c.responses = c.responses[1:]
	}
	return scripted
}

type scriptedStreamer struct {
	chunks []string
	usage  *Usage
	pos    int
	done   bool
}

func (s *scriptedStreamer) Recv() (Chunk, error) {
	if s.pos < len(s.chunks) {
		chunk := Chunk{Text: s.chunks[s.pos]}
		s.pos++
		return chunk, nil
	}
	if !s.done {
		s.done = true
		return Chunk{Usage: s.usage}, nil
	}
	return Chunk{}, io.EOF
}

func (s *scriptedStreamer) Close() error { return nil }
