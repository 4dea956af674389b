// Package llm talks to the local generation runtime (Ollama).
package llm

import "context"

// Client is the interface the direct and agent adapters generate through.
type Client interface {
	// Chat sends one non-streaming chat completion request. tools may
	// be nil; when set, the model may answer with tool calls instead
	// of content.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// ListModels returns the names of locally available models.
	ListModels(ctx context.Context) ([]string, error)

	// Ping checks if the runtime is reachable.
	Ping(ctx context.Context) error
}
