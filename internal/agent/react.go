package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/colloquy/internal/direct"
	"github.com/nugget/colloquy/internal/history"
	"github.com/nugget/colloquy/internal/llm"
)

const reactSystemPrompt = `You are a helpful AI assistant that can use tools.

Think step by step. When a question needs current or factual information you are not sure of, call the web_search tool with a focused query, read the results, and then answer. When you already know the answer, reply directly without calling a tool.

Cite the sources you used by URL. Answer in the user's language.`

// searchHint is added to the system prompt when the question looks
// time-sensitive.
const searchHint = "\n\nThis question probably depends on recent information. Prefer searching before answering."

// reasoningWindow is how many trailing scratch entries are inspected
// for reasoning steps.
const reasoningWindow = 3

// maxObservationLen caps tool output copied into the scratch record.
const maxObservationLen = 500

var errIterationsExhausted = errors.New("agent reached max iterations without an answer")

var errEmptyAnswer = errors.New("agent returned an empty answer")

type tool struct {
	name       string
	definition map[string]any
	handler    func(ctx context.Context, args map[string]any) (string, error)
}

type engine struct {
	client        llm.Client
	tools         []tool
	maxIterations int
	logger        *slog.Logger
}

func (e *engine) definitions() []map[string]any {
	defs := make([]map[string]any, len(e.tools))
	for i, t := range e.tools {
		defs[i] = t.definition
	}
	return defs
}

func (e *engine) find(name string) (tool, bool) {
	for _, t := range e.tools {
		if t.name == name {
			return t, true
		}
	}
	return tool{}, false
}

// run executes one reason/act/observe cycle of at most maxIterations
// model rounds.
func (e *engine) run(ctx context.Context, model string, memory []history.Message, prompt string) (*Result, error) {
	system := reactSystemPrompt
	if NeedsSearch(prompt) {
		system += searchHint
	}
	msgs := direct.Messages(system, memory, 0, prompt)
	defs := e.definitions()

	var (
		calls   = []ToolCall{}
		scratch []string
		usage   direct.Usage
	)

	for i := 0; i < e.maxIterations; i++ {
		resp, err := e.client.Chat(ctx, model, msgs, defs)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: %w", i, err)
		}
		usage.Add(direct.UsageFrom(resp))

		content := strings.TrimSpace(resp.Message.Content)
		if content != "" {
			scratch = append(scratch, "Thought: "+content)
		}

		if len(resp.Message.ToolCalls) == 0 {
			if content == "" {
				return nil, errEmptyAnswer
			}
			e.logger.Debug("agent answered",
				"model", model,
				"iterations", i+1,
				"tool_calls", len(calls),
			)
			return &Result{
				Content:        content,
				Model:          model,
				ToolCalls:      calls,
				ReasoningSteps: reasoningSteps(scratch),
				UsedSearch:     len(calls) > 0,
				AgentType:      TypeReAct,
				Usage:          usage,
			}, nil
		}

		msgs = append(msgs, llm.Message{
			Role:      history.RoleAssistant,
			Content:   resp.Message.Content,
			ToolCalls: resp.Message.ToolCalls,
		})

		for _, tc := range resp.Message.ToolCalls {
			input := toolInput(tc.Function.Arguments)
			output := e.execute(ctx, tc)

			e.logger.Debug("agent tool call",
				"tool", tc.Function.Name,
				"input", input,
				"output_len", len(output),
			)

			calls = append(calls, ToolCall{
				ToolName: tc.Function.Name,
				Input:    input,
				Output:   output,
			})
			scratch = append(scratch,
				fmt.Sprintf("Action: %s\nAction Input: %s", tc.Function.Name, input),
				"Observation: "+clip(output, maxObservationLen),
			)
			msgs = append(msgs, llm.Message{
				Role:       "tool",
				Content:    output,
				ToolCallID: tc.ID,
			})
		}
	}

	return nil, errIterationsExhausted
}

// execute runs one tool call. Tool failures are fed back to the model
// as observations rather than ending the cycle.
func (e *engine) execute(ctx context.Context, tc llm.ToolCall) string {
	t, ok := e.find(tc.Function.Name)
	if !ok {
		return fmt.Sprintf("Error: unknown tool %q", tc.Function.Name)
	}
	out, err := t.handler(ctx, tc.Function.Arguments)
	if err != nil {
		e.logger.Warn("agent tool failed", "tool", t.name, "error", err)
		return "Error: " + err.Error()
	}
	return out
}

// toolInput renders tool arguments for the call record. A lone query
// argument is shown as plain text.
func toolInput(args map[string]any) string {
	if q, ok := args["query"].(string); ok && len(args) == 1 {
		return q
	}
	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(b)
}

// reasoningSteps keeps the entries among the last few scratch records
// that carry a thought or an action.
func reasoningSteps(scratch []string) []string {
	steps := []string{}
	tail := scratch[max(0, len(scratch)-reasoningWindow):]
	for _, s := range tail {
		if strings.Contains(s, "Thought:") || strings.Contains(s, "Action:") {
			steps = append(steps, s)
		}
	}
	return steps
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

var searchIndicators = []string{
	"current", "today", "now", "latest", "recent", "news",
	"weather", "stock", "price", "what's happening",
	"update", "this year", "this month",
}

// NeedsSearch is a cheap heuristic for prompts about recent events.
// The model still decides whether to call the tool.
func NeedsSearch(prompt string) bool {
	p := strings.ToLower(prompt)
	for _, ind := range searchIndicators {
		if strings.Contains(p, ind) {
			return true
		}
	}
	return false
}
