package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nugget/colloquy/internal/agent"
	"github.com/nugget/colloquy/internal/direct"
	"github.com/nugget/colloquy/internal/events"
	"github.com/nugget/colloquy/internal/history"
	"github.com/nugget/colloquy/internal/metrics"
	"github.com/nugget/colloquy/internal/search"
	"github.com/nugget/colloquy/internal/store"
	"github.com/nugget/colloquy/internal/tracing"
	"github.com/nugget/colloquy/internal/usage"
)

// turn is the state of one turn after its user message is stored.
type turn struct {
	conv     *store.Conversation
	strategy Strategy
	prompt   string
	model    string // as requested; may be empty or a sentinel
	history  []history.Message
	traceID  string

	// original is the assistant message being regenerated, or nil.
	original *store.Message
}

// outcome is what a strategy handler produces.
type outcome struct {
	content string
	meta    Metadata
	model   string // runtime model that answered; empty for search
	usage   direct.Usage
}

type handler func(ctx context.Context, t *turn) (*outcome, error)

// handlerFor returns the handler for a strategy.
func (s *Service) handlerFor(st Strategy) handler {
	switch st {
	case StrategyAuto:
		return s.answerAuto
	case StrategyInternet:
		return s.answerInternet
	default:
		return s.answerDirect
	}
}

// execute opens the trace, runs the strategy, stores the assistant
// message, and reports the outcome.
func (s *Service) execute(ctx context.Context, t *turn) (resp *Response, err error) {
	regenerate := t.original != nil
	done := s.metrics.TurnStarted(t.strategy.String(), regenerate)
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("turn panicked",
				"conversation_id", t.conv.ID,
				"strategy", t.strategy,
				"panic", p,
			)
			err = s.fail(ctx, t, start, newError(KindInternal, msgInternal, fmt.Errorf("panic: %v", p)))
		}
		if err != nil {
			done(metrics.OutcomeError)
			return
		}
		done(metrics.OutcomeSuccess)
	}()

	traceModel := direct.ResolveModel(t.model, s.cfg.DefaultModel)
	t.traceID = s.tracer.OpenTrace(ctx, t.conv.TraceSessionID, t.prompt, traceModel, t.strategy.String())

	s.emit(t, events.SourceChat, events.KindTurnStart, map[string]any{
		"strategy":   t.strategy.String(),
		"model":      traceModel,
		"regenerate": regenerate,
	})

	out, err := s.handlerFor(t.strategy)(ctx, t)
	if err != nil {
		return nil, s.fail(ctx, t, start, err)
	}

	out.meta.Strategy = t.strategy
	if regenerate {
		out.meta.RegeneratedFrom = t.original.ID
	}
	raw, err := json.Marshal(out.meta)
	if err != nil {
		return nil, s.fail(ctx, t, start, newError(KindInternal, msgInternal, fmt.Errorf("encode metadata: %w", err)))
	}

	msg, err := s.store.CreateMessage(ctx, store.Message{
		ConversationID: t.conv.ID,
		Role:           history.RoleAssistant,
		Content:        out.content,
		StrategyUsed:   t.strategy.String(),
		TraceID:        t.traceID,
		Metadata:       raw,
	})
	if err != nil {
		return nil, s.fail(ctx, t, start, newError(KindInternal, msgInternal, fmt.Errorf("store assistant message: %w", err)))
	}

	s.tracer.Finalize(ctx, t.traceID, out.content, tracing.StatusSuccess)
	s.recordUsage(ctx, t, msg, out)

	elapsed := time.Since(start)
	s.emit(t, events.SourceChat, events.KindTurnComplete, map[string]any{
		"message_id":    msg.ID,
		"strategy":      t.strategy.String(),
		"trace_id":      t.traceID,
		"model":         out.model,
		"input_tokens":  out.usage.PromptEvalCount,
		"output_tokens": out.usage.EvalCount,
		"elapsed_ms":    elapsed.Milliseconds(),
	})
	s.logger.Info("turn complete",
		"conversation_id", t.conv.ID,
		"message_id", msg.ID,
		"strategy", t.strategy,
		"model", out.model,
		"regenerate", regenerate,
		"elapsed", elapsed.Round(time.Millisecond),
	)

	return &Response{Message: msg, ConversationID: t.conv.ID, TraceID: t.traceID}, nil
}

// emit publishes a turn event tagged with its conversation and owner.
func (s *Service) emit(t *turn, source, kind string, data map[string]any) {
	data["conversation_id"] = t.conv.ID
	data["user_id"] = t.conv.UserID
	s.bus.Emit(source, kind, data)
}

// fail records a failed turn in the log, the trace, and the bus, and
// returns the error to hand back to the caller.
func (s *Service) fail(ctx context.Context, t *turn, start time.Time, err error) error {
	ce := asError(err)
	s.logger.Error("turn failed",
		"conversation_id", t.conv.ID,
		"strategy", t.strategy,
		"kind", ce.Kind,
		"error", err,
	)
	s.tracer.LogError(ctx, t.traceID, err.Error(), traceErrorKind(t, ce))
	s.tracer.Finalize(ctx, t.traceID, ce.Message, tracing.StatusError)
	s.emit(t, events.SourceChat, events.KindTurnFailed, map[string]any{
		"strategy":   t.strategy.String(),
		"error_kind": string(ce.Kind),
		"elapsed_ms": time.Since(start).Milliseconds(),
	})
	return ce
}

// traceErrorKind labels a failure in the trace.
func traceErrorKind(t *turn, ce *Error) string {
	if ce.Kind != KindStrategyFailed {
		return "internal_error"
	}
	kind := "llm_generation_error"
	switch t.strategy {
	case StrategyAuto:
		kind = "auto_mode_error"
	case StrategyInternet:
		kind = "search_error"
	}
	if t.original != nil {
		kind = "regeneration_" + kind
	}
	return kind
}

// answerDirect sends the prompt and history to the generation runtime.
func (s *Service) answerDirect(ctx context.Context, t *turn) (*outcome, error) {
	if s.direct == nil {
		return nil, newError(KindStrategyFailed, msgGenerateFailed, errors.New("no generation backend configured"))
	}

	start := time.Now()
	res, err := s.direct.Generate(ctx, direct.Request{
		Prompt:        t.prompt,
		History:       t.history,
		Model:         t.model,
		SystemMessage: s.cfg.SystemMessage,
	})
	if err != nil {
		return nil, newError(KindStrategyFailed, msgGenerateFailed, err)
	}

	s.tracer.LogGeneration(ctx, t.traceID, tracing.Generation{
		Model:  res.Model,
		Input:  traceInput(t.history, t.prompt),
		Output: res.Content,
		Usage:  traceUsage(res.Usage),
		Start:  start,
		End:    time.Now(),
	})

	u := res.Usage
	return &outcome{
		content: res.Content,
		model:   res.Model,
		usage:   u,
		meta:    Metadata{Model: res.Model, Usage: &u},
	}, nil
}

// answerInternet answers with formatted search results. A regenerated
// internet turn replays the stored results instead of searching again.
func (s *Service) answerInternet(ctx context.Context, t *turn) (*outcome, error) {
	if t.original != nil {
		return s.replaySearch(t), nil
	}
	if s.search == nil {
		return nil, newError(KindStrategyFailed, msgSearchFailed, search.ErrNotConfigured)
	}

	provider := s.search.Primary()
	start := time.Now()
	resp, err := s.search.Search(ctx, t.prompt, search.Options{})
	if err != nil {
		s.metrics.Search(provider, metrics.OutcomeError)
		return nil, newError(KindStrategyFailed, msgSearchFailed, err)
	}
	s.metrics.Search(provider, metrics.OutcomeSuccess)

	s.tracer.LogSpan(ctx, t.traceID, tracing.Span{
		Name:   "Internet Search",
		Input:  t.prompt,
		Output: resp,
		Metadata: map[string]any{
			"tool":          provider,
			"results_count": len(resp.Results),
			"search_depth":  resp.Metadata.SearchDepth,
		},
		Start: start,
		End:   time.Now(),
	})

	return &outcome{
		content: search.FormatForLLM(resp),
		meta:    Metadata{SearchResults: resp},
	}, nil
}

func (s *Service) replaySearch(t *turn) *outcome {
	meta, err := ParseMetadata(t.original.Metadata, StrategyInternet)
	if err != nil {
		s.logger.Warn("stored search results unreadable",
			"message_id", t.original.ID,
			"error", err,
		)
	}
	return &outcome{
		content: t.original.Content,
		meta:    Metadata{SearchResults: meta.SearchResults},
	}
}

// answerAuto hands the turn to the agent and traces its reasoning and
// each tool call.
func (s *Service) answerAuto(ctx context.Context, t *turn) (*outcome, error) {
	if s.agent == nil {
		return nil, newError(KindStrategyFailed, msgAutoFailed, errors.New("no agent configured"))
	}

	start := time.Now()
	res, err := s.agent.GenerateAuto(ctx, agent.Request{
		Prompt:  t.prompt,
		History: t.history,
		Model:   t.model,
	})
	if err != nil {
		return nil, newError(KindStrategyFailed, msgAutoFailed, err)
	}
	end := time.Now()

	tools := make([]string, len(res.ToolCalls))
	for i, tc := range res.ToolCalls {
		tools[i] = tc.ToolName
	}
	s.tracer.LogSpan(ctx, t.traceID, tracing.Span{
		Name: "Agent Reasoning",
		Input: map[string]any{
			"reasoning_steps": nonNil(res.ReasoningSteps),
			"available_tools": tools,
		},
		Output: map[string]any{
			"used_search": res.UsedSearch,
			"agent_type":  res.AgentType,
			"fallback":    res.Fallback,
		},
		Metadata: map[string]any{
			"agent_type":            res.AgentType,
			"tools_used":            len(res.ToolCalls),
			"reasoning_steps_count": len(res.ReasoningSteps),
			"used_search":           res.UsedSearch,
		},
		Start: start,
		End:   end,
	})

	for _, tc := range res.ToolCalls {
		s.tracer.LogSpan(ctx, t.traceID, tracing.Span{
			Name:     "Tool: " + tc.ToolName,
			Input:    tc.Input,
			Output:   tc.Output,
			Metadata: map[string]any{"tool_name": tc.ToolName},
			Start:    end,
			End:      end,
		})
		s.metrics.ToolCall(tc.ToolName)
		s.emit(t, events.SourceAgent, events.KindToolCall, map[string]any{
			"tool":  tc.ToolName,
			"input": tc.Input,
		})
	}

	if res.Fallback {
		s.metrics.Fallback()
		s.emit(t, events.SourceAgent, events.KindFallback, map[string]any{
			"model": res.Model,
		})
	}

	return &outcome{
		content: res.Content,
		model:   res.Model,
		usage:   res.Usage,
		meta: Metadata{
			Model:          res.Model,
			AgentType:      res.AgentType,
			UsedSearch:     res.UsedSearch,
			ToolCalls:      res.ToolCalls,
			ReasoningSteps: res.ReasoningSteps,
			Fallback:       res.Fallback,
		},
	}, nil
}

// recordUsage counts tokens and writes the usage ledger. Failures are
// logged and never fail the turn.
func (s *Service) recordUsage(ctx context.Context, t *turn, msg *store.Message, out *outcome) {
	if out.model == "" {
		return
	}
	in, generated := out.usage.PromptEvalCount, out.usage.EvalCount
	s.metrics.Tokens(out.model, in, generated)

	if s.usage == nil {
		return
	}
	err := s.usage.Record(ctx, usage.Record{
		Timestamp:      time.Now(),
		TraceID:        t.traceID,
		ConversationID: t.conv.ID,
		MessageID:      msg.ID,
		Model:          out.model,
		Strategy:       t.strategy.String(),
		InputTokens:    in,
		OutputTokens:   generated,
		CostUSD:        usage.ComputeCost(out.model, in, generated, s.cfg.Pricing),
	})
	if err != nil {
		s.logger.Warn("usage not recorded",
			"message_id", msg.ID,
			"error", err,
		)
	}
}

func traceInput(hist []history.Message, prompt string) []tracing.Message {
	msgs := make([]tracing.Message, 0, len(hist)+1)
	for _, m := range hist {
		msgs = append(msgs, tracing.Message{Role: m.Role, Content: m.Content})
	}
	return append(msgs, tracing.Message{Role: history.RoleUser, Content: prompt})
}

func traceUsage(u direct.Usage) *tracing.Usage {
	return &tracing.Usage{
		InputTokens:        u.PromptEvalCount,
		OutputTokens:       u.EvalCount,
		TotalDuration:      time.Duration(u.TotalDuration),
		LoadDuration:       time.Duration(u.LoadDuration),
		PromptEvalDuration: time.Duration(u.PromptEvalDuration),
		EvalDuration:       time.Duration(u.EvalDuration),
	}
}
