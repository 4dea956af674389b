package chat

import (
	"encoding/json"

	"github.com/nugget/colloquy/internal/agent"
	"github.com/nugget/colloquy/internal/direct"
	"github.com/nugget/colloquy/internal/search"
)

// sourceInternetSearch marks metadata of internet-strategy messages.
const sourceInternetSearch = "internet_search"

// Metadata is the structured record stored with an assistant message.
// Which fields are written depends on Strategy: none records the model
// and usage, internet the search response, auto the agent's decision.
// Decoding accepts any of the shapes.
type Metadata struct {
	Strategy Strategy `json:"-"`

	Model           string           `json:"model,omitempty"`
	Usage           *direct.Usage    `json:"usage,omitempty"`
	SearchResults   *search.Response `json:"search_results,omitempty"`
	Source          string           `json:"source,omitempty"`
	AgentType       string           `json:"agent_type,omitempty"`
	UsedSearch      bool             `json:"used_search,omitempty"`
	ToolCalls       []agent.ToolCall `json:"tool_calls,omitempty"`
	ReasoningSteps  []string         `json:"reasoning_steps,omitempty"`
	Fallback        bool             `json:"fallback,omitempty"`
	RegeneratedFrom int64            `json:"regenerated_from,omitempty"`
}

// MarshalJSON writes the shape for m.Strategy. Auto metadata always
// carries its lists and flags, even when empty or false.
func (m Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, 8)
	switch m.Strategy {
	case StrategyAuto:
		out["model"] = m.Model
		out["agent_type"] = m.AgentType
		out["used_search"] = m.UsedSearch
		out["fallback"] = m.Fallback
		out["tool_calls"] = nonNil(m.ToolCalls)
		out["reasoning_steps"] = nonNil(m.ReasoningSteps)
	case StrategyInternet:
		out["search_results"] = m.SearchResults
		out["source"] = sourceInternetSearch
	default:
		out["model"] = m.Model
		if m.Usage != nil {
			out["usage"] = m.Usage
		}
	}
	if m.RegeneratedFrom != 0 {
		out["regenerated_from"] = m.RegeneratedFrom
	}
	return json.Marshal(out)
}

// ParseMetadata decodes stored metadata. Empty input yields a zero
// Metadata.
func ParseMetadata(raw json.RawMessage, strategy Strategy) (Metadata, error) {
	m := Metadata{Strategy: strategy}
	if len(raw) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return Metadata{Strategy: strategy}, err
	}
	m.Strategy = strategy
	return m, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
