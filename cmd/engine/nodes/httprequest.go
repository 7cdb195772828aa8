package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lyzr/chatflow/cmd/engine/registry"
	"github.com/lyzr/chatflow/cmd/engine/schema"
	"github.com/lyzr/chatflow/cmd/engine/template"
)

const httpRequestMaxBodyBytes = 4 << 20

func httpRequestSchema() registry.NodeSchema {
	return registry.NodeSchema{
		Type:         schema.TypeHTTPRequest,
		Label:        "HTTP Request",
		Icon:         "arrow-up-right",
		Configurable: true,
		ConfigSchema: map[string]any{
			"method":    map[string]any{"type": "string", "enum": []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"}},
			"url":       map[string]any{"type": "string", "required": true},
			"headers":   map[string]any{"type": "object"},
			"body":      map[string]any{"type": "string"},
			"timeout_s": map[string]any{"type": "number"},
		},
		Outputs: []schema.Port{
			out("status_code", schema.PortNumber),
			out("body", schema.PortAny),
			out("headers", schema.PortObject),
		},
	}
}

type httpRequestConfig struct {
	Method   string            `json:"method"`
	URL      string            `json:"url"`
	Headers  map[string]string `json:"headers"`
	Body     string            `json:"body"`
	TimeoutS int               `json:"timeout_s"`
}

type httpRequestNode struct {
	id  string
	cfg httpRequestConfig
}

func newHTTPRequest(node *schema.Node) (registry.Handler, error) {
	n := &httpRequestNode{id: node.ID}
	if err := decodeConfig(node, &n.cfg); err != nil {
		return nil, err
	}
	if n.cfg.Method == "" {
		n.cfg.Method = http.MethodGet
	}
	n.cfg.Method = strings.ToUpper(n.cfg.Method)
	return n, nil
}

func (n *httpRequestNode) Execute(ctx context.Context, ec *registry.ExecutionContext, inputs map[string]any) (*registry.Result, error) {
	client := http.DefaultClient
	if ec.Services != nil && ec.Services.HTTPClient != nil {
		client = ec.Services.HTTPClient
	}

	resolver := inputResolver{inputs: inputs, pool: ec.Pool}
	url, err := template.Render(n.cfg.URL, resolver)
	if err != nil {
		return nil, fmt.Errorf("http node %s: render url: %w", n.id, err)
	}

	var body io.Reader
	if n.cfg.Body != "" {
		rendered, err := template.Render(n.cfg.Body, resolver)
		if err != nil {
			return nil, fmt.Errorf("http node %s: render body: %w", n.id, err)
		}
		body = strings.NewReader(rendered)
	}

	if n.cfg.TimeoutS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(n.cfg.TimeoutS)*time.Second)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, n.cfg.Method, url, body)
	if err != nil {
		return nil, fmt.Errorf("http node %s: build request: %w", n.id, err)
	}
	for k, v := range n.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http node %s: %w", n.id, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, httpRequestMaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("http node %s: read response: %w", n.id, err)
	}

	// JSON bodies decode into structured values so downstream selectors
	// can traverse them; anything else stays a string.
	var decoded any = string(raw)
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var parsed any
		if err := json.Unmarshal(raw, &parsed); err == nil {
			decoded = parsed
		}
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return &registry.Result{
		Outputs: map[string]any{
			"status_code": float64(resp.StatusCode),
			"body":        decoded,
			"headers":     headers,
		},
	}, nil
}

func (n *httpRequestNode) ValidateStatic() error {
	if n.cfg.URL == "" {
		return fmt.Errorf("http node %s: url is required", n.id)
	}
	switch n.cfg.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodHead:
	default:
		return fmt.Errorf("http node %s: unsupported method %q", n.id, n.cfg.Method)
	}
	if _, err := template.Parse(n.cfg.URL); err != nil {
		return fmt.Errorf("http node %s: %w", n.id, err)
	}
	return nil
}

func (n *httpRequestNode) Schema() registry.NodeSchema { return httpRequestSchema() }
