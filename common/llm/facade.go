package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lyzr/chatflow/common/config"
	"github.com/lyzr/chatflow/common/logger"
)

const (
	rateLimitRetries  = 2
	rateLimitBaseWait = 500 * time.Millisecond
)

// Facade routes generation calls to the registered provider clients and
// applies the shared retry policy: rate limits are retried twice with
// backoff, timeouts once, everything else surfaces immediately.
type Facade struct {
	clients         map[string]Client
	defaultProvider string
	defaultModels   map[string]string
	log             *logger.Logger
}

// NewFacade builds a facade holding one client per configured provider.
// Providers without credentials are skipped; the default provider must
// be among the configured ones.
func NewFacade(ctx context.Context, cfg config.LLMConfig, bedrockQPS float64, log *logger.Logger) (*Facade, error) {
	f := &Facade{
		clients:         make(map[string]Client),
		defaultProvider: cfg.DefaultProvider,
		defaultModels:   make(map[string]string),
		log:             log,
	}

	if cfg.OpenAI.APIKey != "" {
		client, err := NewOpenAIClient(cfg.OpenAI.APIKey)
		if err != nil {
			return nil, fmt.Errorf("configure openai: %w", err)
		}
		if err := f.Register("openai", client, cfg.OpenAI.DefaultModel); err != nil {
			return nil, err
		}
	}
	if cfg.Anthropic.APIKey != "" {
		client, err := NewAnthropicClient(cfg.Anthropic.APIKey)
		if err != nil {
			return nil, fmt.Errorf("configure anthropic: %w", err)
		}
		if err := f.Register("anthropic", client, cfg.Anthropic.DefaultModel); err != nil {
			return nil, err
		}
	}
	if cfg.Bedrock.Region != "" {
		client, err := NewBedrockClient(ctx, cfg.Bedrock.Region, bedrockQPS)
		if err != nil {
			return nil, fmt.Errorf("configure bedrock: %w", err)
		}
		if err := f.Register("bedrock", client, cfg.Bedrock.DefaultModel); err != nil {
			return nil, err
		}
	}
	if cfg.Gemini.APIKey != "" {
		client, err := NewOpenAICompatibleClient("gemini", cfg.Gemini.APIKey, cfg.Gemini.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("configure gemini: %w", err)
		}
		if err := f.Register("gemini", client, cfg.Gemini.DefaultModel); err != nil {
			return nil, err
		}
	}

	if len(f.clients) == 0 {
		return nil, errors.New("no llm providers configured")
	}
	if _, ok := f.clients[f.defaultProvider]; !ok {
		return nil, fmt.Errorf("default llm provider %q is not configured", f.defaultProvider)
	}
	return f, nil
}

// NewFacadeWithClients wires explicit clients, used by tests
func NewFacadeWithClients(clients map[string]Client, defaultProvider string, log *logger.Logger) *Facade {
	return &Facade{
		clients:         clients,
		defaultProvider: defaultProvider,
		defaultModels:   make(map[string]string),
		log:             log,
	}
}

// Register adds a provider client. Registering the same name twice is
// an error.
func (f *Facade) Register(name string, client Client, defaultModel string) error {
	if _, exists := f.clients[name]; exists {
		return fmt.Errorf("llm provider %q already registered", name)
	}
	f.clients[name] = client
	if defaultModel != "" {
		f.defaultModels[name] = defaultModel
	}
	return nil
}

// Providers lists the registered provider names
func (f *Facade) Providers() []string {
	names := make([]string, 0, len(f.clients))
	for name := range f.clients {
		names = append(names, name)
	}
	return names
}

// Generate performs a completion on the selected provider with retries
func (f *Facade) Generate(ctx context.Context, messages []Message, opts Options) (*Response, error) {
	client, provider, err := f.resolve(&opts)
	if err != nil {
		return nil, err
	}

	var resp *Response
	err = f.withRetries(ctx, provider, func() error {
		var callErr error
		resp, callErr = client.Generate(ctx, messages, opts)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GenerateStream opens a streaming completion on the selected provider.
// The retry policy covers stream establishment only; failures after the
// first chunk surface to the consumer.
func (f *Facade) GenerateStream(ctx context.Context, messages []Message, opts Options) (Streamer, error) {
	client, provider, err := f.resolve(&opts)
	if err != nil {
		return nil, err
	}

	var stream Streamer
	err = f.withRetries(ctx, provider, func() error {
		var callErr error
		stream, callErr = client.GenerateStream(ctx, messages, opts)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// resolve picks the provider client and fills in the default model
func (f *Facade) resolve(opts *Options) (Client, string, error) {
	provider := opts.Provider
	if provider == "" {
		provider = f.defaultProvider
	}

	client, ok := f.clients[provider]
	if !ok {
		return nil, "", fmt.Errorf("%w: unknown llm provider %q", ErrAPI, provider)
	}
	if opts.Model == "" {
		opts.Model = f.defaultModels[provider]
	}
	if opts.Model == "" {
		return nil, "", fmt.Errorf("%w: no model specified for provider %q", ErrAPI, provider)
	}
	return client, provider, nil
}

// withRetries runs call under the shared retry policy
func (f *Facade) withRetries(ctx context.Context, provider string, call func() error) error {
	rateLimitAttempts := 0
	timeoutAttempts := 0

	for {
		err := call()
		if err == nil {
			return nil
		}

		switch {
		case errors.Is(err, ErrRateLimited) && rateLimitAttempts < rateLimitRetries:
			rateLimitAttempts++
			wait := rateLimitBaseWait * time.Duration(1<<(rateLimitAttempts-1))
			f.log.Warn("llm rate limited, retrying",
				"provider", provider, "attempt", rateLimitAttempts, "wait", wait)

			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		case errors.Is(err, ErrTimeout) && timeoutAttempts < 1:
			timeoutAttempts++
			f.log.Warn("llm request timed out, retrying once", "provider", provider)
		default:
			return err
		}
	}
}
