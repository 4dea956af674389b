package chat

import "strings"

// Strategy selects how a turn is answered.
type Strategy string

// Strategies. Anything unrecognized answers as StrategyNone.
const (
	// StrategyNone sends the prompt and history straight to the
	// generation runtime.
	StrategyNone Strategy = "none"
	// StrategyInternet answers with formatted web search results and
	// never calls the runtime.
	StrategyInternet Strategy = "internet"
	// StrategyAuto lets the tool-using agent decide whether to search.
	StrategyAuto Strategy = "auto"
)

// ParseStrategy maps a client-supplied strategy name to a Strategy.
// "direct" and "search" are accepted as aliases; empty and unknown
// names select StrategyNone.
func ParseStrategy(s string) Strategy {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto":
		return StrategyAuto
	case "internet", "search":
		return StrategyInternet
	default:
		return StrategyNone
	}
}

// String returns the stored name of the strategy.
func (s Strategy) String() string {
	return string(s)
}
