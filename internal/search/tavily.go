package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/colloquy/internal/httpkit"
)

// DefaultTavilyURL is the hosted Tavily API root.
const DefaultTavilyURL = "https://api.tavily.com"

// Tavily implements the Provider interface for the Tavily search API.
type Tavily struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewTavily creates a Tavily provider. An empty API key is a
// configuration error and returns ErrNotConfigured. timeout zero
// selects 30 seconds.
func NewTavily(apiKey, baseURL string, timeout time.Duration, logger *slog.Logger) (*Tavily, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("tavily: %w: api_key is empty", ErrNotConfigured)
	}
	if baseURL == "" {
		baseURL = DefaultTavilyURL
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tavily{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(timeout),
			httpkit.WithMaxIdleConnsPerHost(5),
		),
		logger: logger,
	}, nil
}

func (t *Tavily) Name() string { return "tavily" }

type tavilyRequest struct {
	APIKey            string   `json:"api_key"`
	Query             string   `json:"query"`
	MaxResults        int      `json:"max_results"`
	SearchDepth       string   `json:"search_depth"`
	IncludeAnswer     bool     `json:"include_answer"`
	IncludeImages     bool     `json:"include_images"`
	IncludeRawContent bool     `json:"include_raw_content"`
	IncludeDomains    []string `json:"include_domains,omitempty"`
	ExcludeDomains    []string `json:"exclude_domains,omitempty"`
}

type tavilyResponse struct {
	Answer  string   `json:"answer"`
	Results []Result `json:"results"`
}

func (t *Tavily) Search(ctx context.Context, query string, opts Options) (*Response, error) {
	opts = opts.withDefaults()

	payload, err := json.Marshal(tavilyRequest{
		APIKey:            t.apiKey,
		Query:             query,
		MaxResults:        opts.MaxResults,
		SearchDepth:       opts.Depth,
		IncludeAnswer:     true,
		IncludeImages:     false,
		IncludeRawContent: false,
		IncludeDomains:    opts.IncludeDomains,
		ExcludeDomains:    opts.ExcludeDomains,
	})
	if err != nil {
		return nil, fmt.Errorf("tavily: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("tavily: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		t.logger.Error("tavily request failed", "error", err)
		return nil, fmt.Errorf("tavily: %w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		httpkit.DrainAndClose(resp.Body, 1024)
		return nil, fmt.Errorf("tavily: %w", ErrUnauthorized)
	case resp.StatusCode == http.StatusTooManyRequests:
		httpkit.DrainAndClose(resp.Body, 1024)
		return nil, fmt.Errorf("tavily: %w", ErrRateLimited)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body := httpkit.ReadErrorBody(resp.Body, 512)
		t.logger.Error("tavily API error", "status", resp.StatusCode, "body", body)
		return nil, fmt.Errorf("tavily: %w: HTTP %d: %s", ErrUnavailable, resp.StatusCode, body)
	}

	var tr tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("tavily: decode response: %w", err)
	}
	if tr.Results == nil {
		tr.Results = []Result{}
	}

	return &Response{
		Query:   query,
		Answer:  tr.Answer,
		Results: tr.Results,
		Metadata: Metadata{
			TotalResults: len(tr.Results),
			SearchDepth:  opts.Depth,
			MaxResults:   opts.MaxResults,
		},
	}, nil
}
