// Package search provides the web search backend used by internet
// turns and by the agent's web_search tool.
//
// Each search provider implements the [Provider] interface and is
// registered by name. The [Manager] selects a provider based on
// configuration and exposes a single [Manager.Search] method.
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Sentinel errors shared by every provider. Callers match them with
// errors.Is; provider errors wrap them with status and body detail.
var (
	// ErrNotConfigured means the provider has no credentials or URL.
	ErrNotConfigured = errors.New("search provider not configured")
	// ErrUnavailable means the provider could not be reached, timed
	// out, or answered with an unexpected status.
	ErrUnavailable = errors.New("search provider unavailable")
	// ErrRateLimited is an HTTP 429 from the provider.
	ErrRateLimited = errors.New("search rate limit exceeded")
	// ErrUnauthorized is an HTTP 401 from the provider.
	ErrUnauthorized = errors.New("search API key rejected")
)

// Result is a single search result.
type Result struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
}

// Metadata describes how a search was run.
type Metadata struct {
	TotalResults int    `json:"total_results"`
	SearchDepth  string `json:"search_depth"`
	MaxResults   int    `json:"max_results"`
}

// Response is the normalized answer from any provider. It is stored
// verbatim in the metadata of internet-strategy messages.
type Response struct {
	Query    string   `json:"query"`
	Answer   string   `json:"answer"`
	Results  []Result `json:"results"`
	Metadata Metadata `json:"search_metadata"`
}

// Options are optional parameters for a search query.
type Options struct {
	// MaxResults is the maximum number of results to return.
	// Providers may return fewer. Zero means provider default.
	MaxResults int `json:"max_results,omitempty"`

	// Depth is "basic" or "advanced". Providers without depth
	// control ignore it.
	Depth string `json:"search_depth,omitempty"`

	// Language is an ISO 639-1 language code (e.g., "en", "de").
	Language string `json:"language,omitempty"`

	IncludeDomains []string `json:"include_domains,omitempty"`
	ExcludeDomains []string `json:"exclude_domains,omitempty"`
}

func (o Options) withDefaults() Options {
	if o.MaxResults <= 0 {
		o.MaxResults = 5
	}
	if o.Depth == "" {
		o.Depth = "basic"
	}
	return o
}

// Provider is the interface that search backends implement.
type Provider interface {
	// Name returns the provider identifier (e.g., "tavily", "searxng").
	Name() string

	// Search executes a query.
	Search(ctx context.Context, query string, opts Options) (*Response, error)
}

// Pinger is implemented by providers with a health endpoint that does
// not run a search.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Manager holds configured providers and routes searches.
type Manager struct {
	providers map[string]Provider
	primary   string
	defaults  Options
}

// NewManager creates a search manager. The primary provider name
// determines which backend is used by default. defaults fill any
// zero fields of per-call Options.
func NewManager(primary string, defaults Options) *Manager {
	return &Manager{
		providers: make(map[string]Provider),
		primary:   primary,
		defaults:  defaults,
	}
}

// Register adds a provider to the manager.
func (m *Manager) Register(p Provider) {
	m.providers[p.Name()] = p
}

// Search runs a query against the primary provider.
func (m *Manager) Search(ctx context.Context, query string, opts Options) (*Response, error) {
	return m.SearchWith(ctx, m.primary, query, opts)
}

// SearchWith runs a query against a specific named provider.
func (m *Manager) SearchWith(ctx context.Context, provider, query string, opts Options) (*Response, error) {
	if m == nil {
		return nil, ErrNotConfigured
	}
	p, ok := m.providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotConfigured, provider)
	}
	return p.Search(ctx, query, m.merge(opts))
}

func (m *Manager) merge(opts Options) Options {
	if opts.MaxResults == 0 {
		opts.MaxResults = m.defaults.MaxResults
	}
	if opts.Depth == "" {
		opts.Depth = m.defaults.Depth
	}
	if opts.Language == "" {
		opts.Language = m.defaults.Language
	}
	return opts.withDefaults()
}

// Ping checks the primary provider. Providers without a [Pinger]
// health endpoint are checked with a one-result query, which counts
// against the provider's quota.
func (m *Manager) Ping(ctx context.Context) error {
	if m == nil {
		return ErrNotConfigured
	}
	p, ok := m.providers[m.primary]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotConfigured, m.primary)
	}
	if pinger, ok := p.(Pinger); ok {
		return pinger.Ping(ctx)
	}
	_, err := p.Search(ctx, "test", m.merge(Options{MaxResults: 1}))
	return err
}

// Pollable reports whether Ping is free to call on a timer, that is
// whether the primary provider implements [Pinger].
func (m *Manager) Pollable() bool {
	if m == nil {
		return false
	}
	_, ok := m.providers[m.primary].(Pinger)
	return ok
}

// Primary returns the name of the default provider.
func (m *Manager) Primary() string {
	if m == nil {
		return ""
	}
	return m.primary
}

// Providers returns the names of all registered providers, sorted.
func (m *Manager) Providers() []string {
	if m == nil {
		return nil
	}
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Configured reports whether the primary provider is registered.
func (m *Manager) Configured() bool {
	if m == nil {
		return false
	}
	_, ok := m.providers[m.primary]
	return ok
}
