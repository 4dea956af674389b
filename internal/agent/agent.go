// Package agent implements the tool-using generation strategy: a
// bounded reason/act/observe loop over the runtime's native tool
// calling, with web search as its tool. Any failure inside the loop
// degrades to direct generation instead of failing the turn.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nugget/colloquy/internal/direct"
	"github.com/nugget/colloquy/internal/history"
	"github.com/nugget/colloquy/internal/llm"
	"github.com/nugget/colloquy/internal/search"
)

// Agent types reported in Result.AgentType.
const (
	TypeReAct    = "react"
	TypeFallback = "direct_ollama"
)

// ErrInitialization is returned by the call that first tried and
// failed to build the engine.
var ErrInitialization = errors.New("agent initialization failed")

// Request is one agent turn.
type Request struct {
	Prompt  string
	History []history.Message
	Model   string
}

// ToolCall records one tool invocation made during a turn.
type ToolCall struct {
	ToolName string `json:"tool_name"`
	Input    string `json:"input"`
	Output   string `json:"output"`
}

// Result is a completed agent turn. Fallback is true when the answer
// came from direct generation instead of the loop.
type Result struct {
	Content        string
	Model          string
	ToolCalls      []ToolCall
	ReasoningSteps []string
	UsedSearch     bool
	AgentType      string
	Fallback       bool
	Usage          direct.Usage
}

// Fallback is the direct generation path the agent defers to.
type Fallback interface {
	Generate(ctx context.Context, req direct.Request) (*direct.Result, error)
}

// Config tunes the loop.
type Config struct {
	DefaultModel     string
	MemoryBufferSize int
	MaxIterations    int
}

// Agent is the agent backend adapter. It is safe for concurrent use;
// the engine is built once, on first use.
type Agent struct {
	cfg      Config
	client   llm.Client
	searcher *search.Manager
	fallback Fallback
	logger   *slog.Logger

	once    sync.Once
	eng     *engine
	initErr error
}

// New creates an Agent. Nothing is contacted until the first call.
func New(cfg Config, client llm.Client, searcher *search.Manager, fallback Fallback, logger *slog.Logger) *Agent {
	if cfg.MemoryBufferSize == 0 {
		cfg.MemoryBufferSize = 20
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		cfg:      cfg,
		client:   client,
		searcher: searcher,
		fallback: fallback,
		logger:   logger,
	}
}

// init builds the engine once and reports whether this call did it.
func (a *Agent) init() (first bool) {
	a.once.Do(func() {
		first = true
		a.eng, a.initErr = a.build()
		if a.initErr != nil {
			a.logger.Error("agent engine unavailable", "error", a.initErr)
			return
		}
		a.logger.Info("agent engine ready",
			"model", a.cfg.DefaultModel,
			"tools", len(a.eng.tools),
			"max_iterations", a.cfg.MaxIterations,
		)
	})
	return first
}

func (a *Agent) build() (*engine, error) {
	if a.client == nil {
		return nil, errors.New("no LLM client configured")
	}
	if a.cfg.DefaultModel == "" {
		return nil, errors.New("no default model configured")
	}

	eng := &engine{
		client:        a.client,
		maxIterations: a.cfg.MaxIterations,
		logger:        a.logger,
	}
	if a.searcher.Configured() {
		eng.tools = append(eng.tools, tool{
			name:       search.ToolName,
			definition: search.ToolDefinition(),
			handler:    search.ToolHandler(a.searcher),
		})
	} else {
		a.logger.Warn("no search provider configured, agent turns will use direct generation")
	}
	return eng, nil
}

// GenerateAuto runs one agent turn.
func (a *Agent) GenerateAuto(ctx context.Context, req Request) (*Result, error) {
	if first := a.init(); a.initErr != nil {
		if first {
			return nil, fmt.Errorf("%w: %v", ErrInitialization, a.initErr)
		}
		return a.runFallback(ctx, req, a.initErr)
	}
	if len(a.eng.tools) == 0 {
		return a.runFallback(ctx, req, errors.New("no tools bound"))
	}

	model := direct.ResolveModel(req.Model, a.cfg.DefaultModel)
	memory := history.Window(req.History, a.cfg.MemoryBufferSize)

	res, err := a.eng.run(ctx, model, memory, req.Prompt)
	if err != nil {
		if errors.Is(err, llm.ErrNotFound) {
			a.logger.Warn("agent endpoint or model unsupported",
				"model", model,
				"error", err,
			)
		}
		return a.runFallback(ctx, req, err)
	}
	return res, nil
}

// runFallback answers through direct generation with the same prompt,
// history, and model resolution a plain turn would use.
func (a *Agent) runFallback(ctx context.Context, req Request, cause error) (*Result, error) {
	a.logger.Warn("agent falling back to direct generation", "reason", cause)

	if a.fallback == nil {
		return nil, fmt.Errorf("agent fallback unavailable: %w", cause)
	}
	res, err := a.fallback.Generate(ctx, direct.Request{
		Prompt:        req.Prompt,
		History:       req.History,
		Model:         req.Model,
		SystemMessage: direct.DefaultSystemMessage,
	})
	if err != nil {
		return nil, fmt.Errorf("agent fallback: %w", err)
	}

	return &Result{
		Content:        res.Content,
		Model:          res.Model,
		ToolCalls:      []ToolCall{},
		ReasoningSteps: []string{},
		UsedSearch:     false,
		AgentType:      TypeFallback,
		Fallback:       true,
		Usage:          res.Usage,
	}, nil
}
