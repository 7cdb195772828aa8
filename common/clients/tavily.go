// Package clients holds thin HTTP clients for external connectors.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lyzr/chatflow/common/config"
	"github.com/lyzr/chatflow/common/logger"
	"github.com/lyzr/chatflow/common/resilience"
)

// Classified Tavily errors. 432 is Tavily's plan-limit-exceeded code,
// distinct from per-minute throttling.
var (
	ErrTavilyAuth        = errors.New("tavily api key rejected")
	ErrTavilyRateLimited = errors.New("tavily rate limited")
	ErrTavilyPlanLimit   = errors.New("tavily plan limit exceeded")
)

// TavilySearchRequest mirrors the Tavily /search request body
type TavilySearchRequest struct {
	Query          string   `json:"query"`
	Topic          string   `json:"topic,omitempty"`
	SearchDepth    string   `json:"search_depth,omitempty"`
	MaxResults     int      `json:"max_results,omitempty"`
	IncludeDomains []string `json:"include_domains,omitempty"`
	ExcludeDomains []string `json:"exclude_domains,omitempty"`
	TimeRange      string   `json:"time_range,omitempty"`
	IncludeAnswer  bool     `json:"include_answer,omitempty"`
}

// TavilySearchResult is one search hit
type TavilySearchResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// TavilySearchResponse mirrors the Tavily /search response body
type TavilySearchResponse struct {
	Query   string               `json:"query"`
	Answer  string               `json:"answer,omitempty"`
	Results []TavilySearchResult `json:"results"`
}

// TavilyClient calls the Tavily web-search API with per-key rate
// limiting.
type TavilyClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	bucket  *resilience.TokenBucket
	log     *logger.Logger
}

// NewTavilyClient creates a Tavily client. perMinute bounds outgoing
// request rate for this key.
func NewTavilyClient(cfg config.TavilyConfig, perMinute int, log *logger.Logger) (*TavilyClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("tavily api key is required")
	}
	if perMinute <= 0 {
		perMinute = 60
	}

	return &TavilyClient{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		bucket:  resilience.NewTokenBucket(float64(perMinute)/60.0, perMinute),
		log:     log,
	}, nil
}

// ValidateKey checks the API key with a minimal search call. Intended
// for startup so a bad key fails fast instead of failing runs.
func (c *TavilyClient) ValidateKey(ctx context.Context) error {
	_, err := c.Search(ctx, TavilySearchRequest{Query: "ping", MaxResults: 1})
	if errors.Is(err, ErrTavilyAuth) {
		return err
	}
	// Rate and plan limits still prove the key is valid
	if errors.Is(err, ErrTavilyRateLimited) || errors.Is(err, ErrTavilyPlanLimit) {
		c.log.Warn("tavily key validated but currently limited", "error", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("validate tavily key: %w", err)
	}
	return nil
}

// Search performs one web search
func (c *TavilyClient) Search(ctx context.Context, req TavilySearchRequest) (*TavilySearchResponse, error) {
	if err := c.bucket.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal tavily request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build tavily request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("tavily search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return nil, fmt.Errorf("%w: %s", ErrTavilyAuth, detail)
		case http.StatusTooManyRequests:
			return nil, fmt.Errorf("%w: %s", ErrTavilyRateLimited, detail)
		case 432:
			return nil, fmt.Errorf("%w: %s", ErrTavilyPlanLimit, detail)
		}
		return nil, fmt.Errorf("tavily search returned %d: %s", resp.StatusCode, detail)
	}

	var result TavilySearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode tavily response: %w", err)
	}
	return &result, nil
}

// Context joins result snippets into one retrieval context string
func (r *TavilySearchResponse) Context() string {
	var buf bytes.Buffer
	for i, res := range r.Results {
		if i > 0 {
			buf.WriteString("\n\n")
		}
		fmt.Fprintf(&buf, "[%s](%s)\n%s", res.Title, res.URL, res.Content)
	}
	return buf.String()
}
