package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/colloquy/internal/httpkit"
)

// SearXNG implements the Provider interface for a SearXNG instance.
type SearXNG struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSearXNG creates a SearXNG provider. The baseURL should be the root
// URL of the SearXNG instance (e.g., "http://localhost:8888").
func NewSearXNG(baseURL string, timeout time.Duration, logger *slog.Logger) (*SearXNG, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("searxng: %w: url is empty", ErrNotConfigured)
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SearXNG{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(timeout),
		),
		logger: logger,
	}, nil
}

func (s *SearXNG) Name() string { return "searxng" }

// Ping asks the instance's /healthz endpoint, which runs no engines.
func (s *SearXNG) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("searxng: build request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("searxng: %w: %v", ErrUnavailable, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("searxng: %w: healthz HTTP %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

// searxngResponse is the JSON response from SearXNG's /search endpoint.
type searxngResponse struct {
	Results []searxngResult `json:"results"`
	Answers []any           `json:"answers"`
}

type searxngResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

func (s *SearXNG) Search(ctx context.Context, query string, opts Options) (*Response, error) {
	opts = opts.withDefaults()

	params := url.Values{
		"q":      {query},
		"format": {"json"},
	}
	if opts.Language != "" {
		params.Set("language", opts.Language)
	}

	reqURL := fmt.Sprintf("%s/search?%s", s.baseURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("searxng: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Error("searxng request failed", "error", err)
		return nil, fmt.Errorf("searxng: %w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		httpkit.DrainAndClose(resp.Body, 1024)
		return nil, fmt.Errorf("searxng: %w", ErrRateLimited)
	case resp.StatusCode != http.StatusOK:
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("searxng: %w: HTTP %d: %s", ErrUnavailable, resp.StatusCode, body)
	}

	var sr searxngResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("searxng: decode response: %w", err)
	}

	results := make([]Result, 0, opts.MaxResults)
	for _, r := range sr.Results {
		if len(results) >= opts.MaxResults {
			break
		}
		if !domainAllowed(r.URL, opts) {
			continue
		}
		results = append(results, Result{
			Title:   stripHTML(r.Title),
			URL:     r.URL,
			Content: stripHTML(r.Content),
			Score:   r.Score,
		})
	}

	var answer string
	if len(sr.Answers) > 0 {
		answer = searxngAnswer(sr.Answers[0])
	}

	return &Response{
		Query:   query,
		Answer:  answer,
		Results: results,
		Metadata: Metadata{
			TotalResults: len(results),
			SearchDepth:  opts.Depth,
			MaxResults:   opts.MaxResults,
		},
	}, nil
}

// searxngAnswer handles both answer shapes SearXNG has shipped: a bare
// string and an object with an "answer" field.
func searxngAnswer(v any) string {
	switch a := v.(type) {
	case string:
		return stripHTML(a)
	case map[string]any:
		if s, ok := a["answer"].(string); ok {
			return stripHTML(s)
		}
	}
	return ""
}

func domainAllowed(raw string, opts Options) bool {
	if len(opts.IncludeDomains) == 0 && len(opts.ExcludeDomains) == 0 {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	matches := func(domains []string) bool {
		for _, d := range domains {
			d = strings.ToLower(strings.TrimPrefix(d, "."))
			if host == d || strings.HasSuffix(host, "."+d) {
				return true
			}
		}
		return false
	}
	if matches(opts.ExcludeDomains) {
		return false
	}
	return len(opts.IncludeDomains) == 0 || matches(opts.IncludeDomains)
}
