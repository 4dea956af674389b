package search

import (
	"context"
	"fmt"
)

// ToolName is the name the agent's search tool is registered under.
const ToolName = "web_search"

// ToolHandler wraps the Manager's search method for use as the agent's
// web_search tool. The tool result is the same text internet turns
// return, so the model sees one format everywhere.
func ToolHandler(mgr *Manager) func(ctx context.Context, args map[string]any) (string, error) {
	return func(ctx context.Context, args map[string]any) (string, error) {
		query, _ := args["query"].(string)
		if query == "" {
			return "", fmt.Errorf("%s: query is required", ToolName)
		}

		opts := Options{}
		if count, ok := args["max_results"].(float64); ok && count > 0 {
			opts.MaxResults = min(int(count), 10)
		}
		if lang, ok := args["language"].(string); ok {
			opts.Language = lang
		}

		resp, err := mgr.Search(ctx, query, opts)
		if err != nil {
			return "", err
		}
		return FormatForLLM(resp), nil
	}
}

// ToolDefinition returns the Ollama tool declaration for web_search.
func ToolDefinition() map[string]any {
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name": ToolName,
			"description": "Search the internet for current information. " +
				"Use for recent events, facts you are unsure of, or anything after your training data.",
			"parameters": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The search query string.",
					},
					"max_results": map[string]any{
						"type":        "integer",
						"description": "Maximum number of results to return (1-10). Default: 5.",
					},
					"language": map[string]any{
						"type":        "string",
						"description": "ISO 639-1 language code for results (e.g., 'en', 'de').",
					},
				},
				"required": []string{"query"},
			},
		},
	}
}
