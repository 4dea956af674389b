package llm

import (
	"encoding/json"
	"testing"
	"time"
)

// Representative Ollama /api/chat responses.

func TestOllamaWireResponse_BasicChat(t *testing.T) {
	raw := `{
		"model": "llama3:latest",
		"created_at": "2026-02-11T15:00:00.123456789Z",
		"message": {
			"role": "assistant",
			"content": "Paris is the capital of France."
		},
		"done": true,
		"total_duration": 1234567890,
		"load_duration": 100000000,
		"prompt_eval_count": 42,
		"prompt_eval_duration": 500000000,
		"eval_count": 15,
		"eval_duration": 600000000
	}`

	var wire ollamaWireResponse
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	resp := wire.toChatResponse()

	if resp.Model != "llama3:latest" {
		t.Errorf("Model = %q, want %q", resp.Model, "llama3:latest")
	}
	if resp.CreatedAt.Year() != 2026 || resp.CreatedAt.Month() != time.February {
		t.Errorf("CreatedAt = %v, expected 2026-02", resp.CreatedAt)
	}
	if resp.Message.Content != "Paris is the capital of France." {
		t.Errorf("Message.Content = %q", resp.Message.Content)
	}
	if resp.InputTokens != 42 {
		t.Errorf("InputTokens = %d, want 42", resp.InputTokens)
	}
	if resp.OutputTokens != 15 {
		t.Errorf("OutputTokens = %d, want 15", resp.OutputTokens)
	}
	if resp.TotalDuration != 1234567890*time.Nanosecond {
		t.Errorf("TotalDuration = %v", resp.TotalDuration)
	}
	if resp.LoadDuration != 100*time.Millisecond {
		t.Errorf("LoadDuration = %v, want 100ms", resp.LoadDuration)
	}
	if resp.PromptEvalDuration != 500*time.Millisecond {
		t.Errorf("PromptEvalDuration = %v, want 500ms", resp.PromptEvalDuration)
	}
	if resp.EvalDuration != 600*time.Millisecond {
		t.Errorf("EvalDuration = %v, want 600ms", resp.EvalDuration)
	}
}

func TestOllamaWireResponse_WithToolCalls(t *testing.T) {
	raw := `{
		"model": "llama3.1:8b",
		"created_at": "2026-02-11T15:01:00Z",
		"message": {
			"role": "assistant",
			"content": "",
			"tool_calls": [
				{"function": {"name": "web_search", "arguments": {"query": "go 1.24 release date"}}}
			]
		},
		"done": true,
		"prompt_eval_count": 128,
		"eval_count": 24
	}`

	var wire ollamaWireResponse
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	resp := wire.toChatResponse()

	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("ToolCalls count = %d, want 1", len(resp.Message.ToolCalls))
	}
	tc := resp.Message.ToolCalls[0]
	if tc.Function.Name != "web_search" {
		t.Errorf("tool name = %q, want web_search", tc.Function.Name)
	}
	if tc.Function.Arguments["query"] != "go 1.24 release date" {
		t.Errorf("query = %v", tc.Function.Arguments["query"])
	}
}

func TestOllamaWireResponse_MissingTimestamp(t *testing.T) {
	raw := `{"model": "llama3:latest", "created_at": "", "message": {"role": "assistant", "content": "hello"}, "done": true}`

	var wire ollamaWireResponse
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	resp := wire.toChatResponse()
	if !resp.CreatedAt.IsZero() {
		t.Errorf("expected zero time for empty created_at, got %v", resp.CreatedAt)
	}
	if resp.TotalDuration != 0 || resp.InputTokens != 0 {
		t.Errorf("expected zero usage, got %v / %d", resp.TotalDuration, resp.InputTokens)
	}
}
