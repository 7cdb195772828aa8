package nodes

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/lyzr/chatflow/cmd/engine/registry"
	"github.com/lyzr/chatflow/cmd/engine/schema"
	"github.com/lyzr/chatflow/cmd/engine/template"
	"github.com/lyzr/chatflow/common/llm"
	"github.com/lyzr/chatflow/common/semcache"
)

func llmSchema() registry.NodeSchema {
	return registry.NodeSchema{
		Type:         schema.TypeLLM,
		Label:        "LLM",
		Icon:         "sparkles",
		Configurable: true,
		ConfigSchema: map[string]any{
			"provider":        map[string]any{"type": "string"},
			"model":           map[string]any{"type": "string"},
			"prompt_template": map[string]any{"type": "string", "required": true},
			"system_prompt":   map[string]any{"type": "string"},
			"temperature":     map[string]any{"type": "number"},
			"max_tokens":      map[string]any{"type": "number"},
		},
		Inputs: []schema.Port{
			in("query", schema.PortString, true),
			in("context", schema.PortString, false),
		},
		Outputs: []schema.Port{
			out("response", schema.PortString),
		},
	}
}

type llmConfig struct {
	Provider                         string  `json:"provider"`
	Model                            string  `json:"model"`
	PromptTemplate                   string  `json:"prompt_template"`
	SystemPrompt                     string  `json:"system_prompt"`
	Temperature                      float32 `json:"temperature"`
	MaxTokens                        int     `json:"max_tokens"`
	AllowConversationContextFallback bool    `json:"allow_conversation_context_fallback"`
}

type llmNode struct {
	id  string
	cfg llmConfig
}

func newLLM(node *schema.Node) (registry.Handler, error) {
	n := &llmNode{id: node.ID}
	if err := decodeConfig(node, &n.cfg); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *llmNode) Execute(ctx context.Context, ec *registry.ExecutionContext, inputs map[string]any) (*registry.Result, error) {
	if ec.Services == nil || ec.Services.LLM == nil {
		return nil, fmt.Errorf("llm node %s: no llm provider configured", n.id)
	}
	if inputs == nil {
		inputs = make(map[string]any)
	}

	if _, ok := inputs["context"]; !ok {
		if !n.cfg.AllowConversationContextFallback {
			if _, referenced := n.templateReferences("context"); referenced {
				return nil, fmt.Errorf("llm node %s: required input %q missing", n.id, "context")
			}
		} else if v, ok := ec.Pool.GetConversation("context"); ok {
			inputs["context"] = v
		} else {
			inputs["context"] = ""
		}
	}

	prompt, err := template.Render(n.cfg.PromptTemplate, inputResolver{inputs: inputs, pool: ec.Pool})
	if err != nil {
		return nil, err
	}

	opts := llm.Options{
		Provider:    n.cfg.Provider,
		Model:       n.cfg.Model,
		Temperature: n.cfg.Temperature,
		MaxTokens:   n.cfg.MaxTokens,
	}

	cacheKey := semcache.Key{
		Provider:     n.cfg.Provider,
		Model:        n.cfg.Model,
		SystemPrompt: n.cfg.SystemPrompt,
		Temperature:  n.cfg.Temperature,
		MaxTokens:    n.cfg.MaxTokens,
	}

	// A semantic-cache hit answers without touching the provider or its
	// token bucket.
	if sc := ec.Services.SemCache; sc != nil {
		if cached, hit, err := sc.Get(ctx, cacheKey, prompt); err == nil && hit {
			return &registry.Result{
				Outputs:     map[string]any{"response": cached},
				ProcessData: map[string]any{"cache_hit": true},
			}, nil
		}
	}

	var messages []llm.Message
	if n.cfg.SystemPrompt != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: n.cfg.SystemPrompt})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: prompt})

	var resp *llm.Response
	if ec.Sink != nil {
		stream, err := ec.Services.LLM.GenerateStream(ctx, messages, opts)
		if err != nil {
			return nil, err
		}
		resp, err = n.drainToSink(ec, stream)
		if err != nil {
			return nil, err
		}
		ec.MarkStreamed(n.id + ".response")
	} else {
		resp, err = ec.Services.LLM.Generate(ctx, messages, opts)
		if err != nil {
			return nil, err
		}
	}

	if sc := ec.Services.SemCache; sc != nil {
		if err := sc.Put(ctx, cacheKey, prompt, resp.Text); err != nil && ec.Services.Logger != nil {
			ec.Services.Logger.Warn("semantic cache store failed", "node_id", n.id, "error", err)
		}
	}

	usage := resp.Usage
	return &registry.Result{
		Outputs: map[string]any{"response": resp.Text},
		Usage:   &usage,
	}, nil
}

// drainToSink forwards chunks to the caller while accumulating the
// full response.
func (n *llmNode) drainToSink(ec *registry.ExecutionContext, stream llm.Streamer) (*llm.Response, error) {
	defer stream.Close()

	var resp llm.Response
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return &resp, nil
		}
		if err != nil {
			return nil, err
		}
		if chunk.Text != "" {
			resp.Text += chunk.Text
			ec.EmitChunk(chunk.Text)
		}
		if chunk.Usage != nil {
			resp.Usage = *chunk.Usage
		}
	}
}

// templateReferences reports whether the prompt template names the
// given bare selector.
func (n *llmNode) templateReferences(name string) (string, bool) {
	selectors, err := template.Parse(n.cfg.PromptTemplate)
	if err != nil {
		return "", false
	}
	for _, sel := range selectors {
		if sel == name {
			return sel, true
		}
	}
	return "", false
}

func (n *llmNode) ValidateStatic() error {
	if n.cfg.PromptTemplate == "" {
		return fmt.Errorf("llm node %s: prompt_template is required", n.id)
	}
	if _, err := template.Parse(n.cfg.PromptTemplate); err != nil {
		return fmt.Errorf("llm node %s: %w", n.id, err)
	}
	if n.cfg.Temperature < 0 || n.cfg.Temperature > 2 {
		return fmt.Errorf("llm node %s: temperature %v out of range", n.id, n.cfg.Temperature)
	}
	if n.cfg.MaxTokens < 0 {
		return fmt.Errorf("llm node %s: max_tokens must not be negative", n.id)
	}
	return nil
}

func (n *llmNode) Schema() registry.NodeSchema { return llmSchema() }
