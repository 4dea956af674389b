// Package direct sends a prompt plus bounded history to the generation
// runtime and returns the answer with the runtime's usage counters.
package direct

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nugget/colloquy/internal/history"
	"github.com/nugget/colloquy/internal/llm"
)

// DefaultSystemMessage is the system prompt for plain chat turns.
const DefaultSystemMessage = "You are a helpful AI assistant. Provide accurate and helpful responses."

// Strategy names that callers sometimes pass where a model belongs.
// They are never forwarded to the runtime.
const (
	sentinelAuto     = "auto"
	sentinelInternet = "internet"
)

// modelCheckTimeout bounds the advisory model existence check.
const modelCheckTimeout = 5 * time.Second

// Request is one direct generation call.
type Request struct {
	Prompt        string
	History       []history.Message
	Model         string
	SystemMessage string
}

// Usage is the runtime's token and timing report. Durations are
// nanoseconds, as the runtime reports them.
type Usage struct {
	PromptEvalCount    int   `json:"prompt_eval_count"`
	EvalCount          int   `json:"eval_count"`
	TotalDuration      int64 `json:"total_duration"`
	LoadDuration       int64 `json:"load_duration"`
	PromptEvalDuration int64 `json:"prompt_eval_duration"`
	EvalDuration       int64 `json:"eval_duration"`
}

// Add accumulates o into u.
func (u *Usage) Add(o Usage) {
	u.PromptEvalCount += o.PromptEvalCount
	u.EvalCount += o.EvalCount
	u.TotalDuration += o.TotalDuration
	u.LoadDuration += o.LoadDuration
	u.PromptEvalDuration += o.PromptEvalDuration
	u.EvalDuration += o.EvalDuration
}

// UsageFrom converts an llm response's counters.
func UsageFrom(resp *llm.ChatResponse) Usage {
	return Usage{
		PromptEvalCount:    resp.InputTokens,
		EvalCount:          resp.OutputTokens,
		TotalDuration:      int64(resp.TotalDuration),
		LoadDuration:       int64(resp.LoadDuration),
		PromptEvalDuration: int64(resp.PromptEvalDuration),
		EvalDuration:       int64(resp.EvalDuration),
	}
}

// Result is a completed generation.
type Result struct {
	Content string
	Model   string
	Usage   Usage
}

// Generator is the direct generation adapter.
type Generator struct {
	client       llm.Client
	defaultModel string
	window       int
	logger       *slog.Logger

	checked sync.Map // model name -> struct{}
}

// New creates a Generator. window bounds the history sent with each
// prompt; zero or negative sends all of it.
func New(client llm.Client, defaultModel string, window int, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		client:       client,
		defaultModel: defaultModel,
		window:       window,
		logger:       logger,
	}
}

// DefaultModel returns the model used when a request names none.
func (g *Generator) DefaultModel() string {
	return g.defaultModel
}

// ResolveModel maps an empty model or a strategy sentinel to def.
func ResolveModel(model, def string) string {
	switch model {
	case "", sentinelAuto, sentinelInternet:
		return def
	}
	return model
}

// Messages builds the runtime message list: optional system message,
// windowed history reduced to role and content, then the prompt.
func Messages(system string, hist []history.Message, window int, prompt string) []llm.Message {
	hist = history.Window(hist, window)
	msgs := make([]llm.Message, 0, len(hist)+2)
	if system != "" {
		msgs = append(msgs, llm.Message{Role: history.RoleSystem, Content: system})
	}
	for _, m := range hist {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	return append(msgs, llm.Message{Role: history.RoleUser, Content: prompt})
}

// Generate runs one non-streaming generation.
func (g *Generator) Generate(ctx context.Context, req Request) (*Result, error) {
	if g.client == nil {
		return nil, fmt.Errorf("direct generation: no runtime client configured")
	}
	model := ResolveModel(req.Model, g.defaultModel)
	if model == "" {
		return nil, fmt.Errorf("direct generation: no model configured")
	}

	g.checkModel(ctx, model)

	msgs := Messages(req.SystemMessage, req.History, g.window, req.Prompt)
	g.logger.Debug("direct generation",
		"model", model,
		"history", len(msgs)-1,
	)

	resp, err := g.client.Chat(ctx, model, msgs, nil)
	if err != nil {
		return nil, fmt.Errorf("generate with %s: %w", model, err)
	}

	return &Result{
		Content: resp.Message.Content,
		Model:   model,
		Usage:   UsageFrom(resp),
	}, nil
}

// checkModel logs when model is not installed. It never blocks
// generation; a model is checked once per process.
func (g *Generator) checkModel(ctx context.Context, model string) {
	if _, done := g.checked.Load(model); done {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, modelCheckTimeout)
	defer cancel()

	models, err := g.client.ListModels(ctx)
	if err != nil {
		g.logger.Warn("model check failed, generating anyway", "model", model, "error", err)
		return
	}
	g.checked.Store(model, struct{}{})
	if !slices.Contains(models, model) {
		g.logger.Warn("model not found locally, generating anyway", "model", model, "available", models)
	}
}
