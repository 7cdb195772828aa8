package nodes

import (
	"context"
	"fmt"

	"github.com/lyzr/chatflow/cmd/engine/registry"
	"github.com/lyzr/chatflow/cmd/engine/schema"
	"github.com/lyzr/chatflow/common/clients"
)

func tavilySchema() registry.NodeSchema {
	return registry.NodeSchema{
		Type:         schema.TypeTavilySearch,
		Label:        "Tavily Search",
		Icon:         "globe",
		Configurable: true,
		ConfigSchema: map[string]any{
			"topic":           map[string]any{"type": "string"},
			"search_depth":    map[string]any{"type": "string", "enum": []string{"basic", "advanced"}},
			"max_results":     map[string]any{"type": "number"},
			"include_domains": map[string]any{"type": "array"},
			"exclude_domains": map[string]any{"type": "array"},
			"time_range":      map[string]any{"type": "string"},
		},
		Inputs: []schema.Port{
			in("query", schema.PortString, true),
		},
		Outputs: []schema.Port{
			out("context", schema.PortString),
			out("results", schema.PortArray),
			out("answer", schema.PortString),
		},
	}
}

type tavilyConfig struct {
	Topic          string   `json:"topic"`
	SearchDepth    string   `json:"search_depth"`
	MaxResults     int      `json:"max_results"`
	IncludeDomains []string `json:"include_domains"`
	ExcludeDomains []string `json:"exclude_domains"`
	TimeRange      string   `json:"time_range"`
}

type tavilyNode struct {
	id  string
	cfg tavilyConfig
}

func newTavily(node *schema.Node) (registry.Handler, error) {
	n := &tavilyNode{id: node.ID}
	if err := decodeConfig(node, &n.cfg); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *tavilyNode) Execute(ctx context.Context, ec *registry.ExecutionContext, inputs map[string]any) (*registry.Result, error) {
	if ec.Services == nil || ec.Services.Tavily == nil {
		return nil, fmt.Errorf("tavily node %s: no tavily client configured", n.id)
	}

	query, ok := stringInput(inputs, "query")
	if !ok {
		return nil, fmt.Errorf("tavily node %s: required input %q missing", n.id, "query")
	}

	resp, err := ec.Services.Tavily.Search(ctx, clients.TavilySearchRequest{
		Query:          query,
		Topic:          n.cfg.Topic,
		SearchDepth:    n.cfg.SearchDepth,
		MaxResults:     n.cfg.MaxResults,
		IncludeDomains: n.cfg.IncludeDomains,
		ExcludeDomains: n.cfg.ExcludeDomains,
		TimeRange:      n.cfg.TimeRange,
		IncludeAnswer:  true,
	})
	if err != nil {
		return nil, err
	}

	results := make([]any, 0, len(resp.Results))
	for _, r := range resp.Results {
		results = append(results, map[string]any{
			"title":   r.Title,
			"url":     r.URL,
			"content": r.Content,
			"score":   r.Score,
		})
	}

	return &registry.Result{
		Outputs: map[string]any{
			"context": resp.Context(),
			"results": results,
			"answer":  resp.Answer,
		},
		ProcessData: map[string]any{"result_count": len(results)},
	}, nil
}

func (n *tavilyNode) ValidateStatic() error {
	switch n.cfg.SearchDepth {
	case "", "basic", "advanced":
	default:
		return fmt.Errorf("tavily node %s: unknown search_depth %q", n.id, n.cfg.SearchDepth)
	}
	if n.cfg.MaxResults < 0 {
		return fmt.Errorf("tavily node %s: max_results must not be negative", n.id)
	}
	return nil
}

func (n *tavilyNode) Schema() registry.NodeSchema { return tavilySchema() }
