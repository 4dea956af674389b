// Package tracing records conversation sessions, per-turn traces, and
// the spans and generations inside them. Every method is best effort:
// an empty returned id means tracing is disabled or failed, and callers
// carry on without it.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Status is the terminal state of a trace.
type Status string

// Trace statuses.
const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Span is a named step inside a trace (a search, a tool call, the
// agent's reasoning).
type Span struct {
	Name     string
	Input    any
	Output   any
	Metadata map[string]any
	Start    time.Time
	End      time.Time
}

// Message is one entry of a generation's input.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is a generation's token and timing report.
type Usage struct {
	InputTokens        int
	OutputTokens       int
	TotalDuration      time.Duration
	LoadDuration       time.Duration
	PromptEvalDuration time.Duration
	EvalDuration       time.Duration
}

// Generation is one model call inside a trace.
type Generation struct {
	Model  string
	Input  []Message
	Output string
	Usage  *Usage
	Start  time.Time
	End    time.Time
}

// Tracer is the tracing collaborator. Implementations never block on
// the network and never return errors.
type Tracer interface {
	// OpenSession returns a session id for a conversation.
	OpenSession(ctx context.Context, userID, conversationID int64) string
	// OpenTrace starts a trace for one turn. model is the user-facing
	// model name, toolUsed the turn's strategy.
	OpenTrace(ctx context.Context, sessionID, input, model, toolUsed string) string
	LogSpan(ctx context.Context, traceID string, span Span) string
	LogGeneration(ctx context.Context, traceID string, gen Generation) string
	Finalize(ctx context.Context, traceID, output string, status Status)
	LogError(ctx context.Context, traceID, message, kind string)
}

// Nop is a Tracer that records nothing.
type Nop struct{}

func (Nop) OpenSession(context.Context, int64, int64) string                 { return "" }
func (Nop) OpenTrace(context.Context, string, string, string, string) string { return "" }
func (Nop) LogSpan(context.Context, string, Span) string                     { return "" }
func (Nop) LogGeneration(context.Context, string, Generation) string         { return "" }
func (Nop) Finalize(context.Context, string, string, Status)                 {}
func (Nop) LogError(context.Context, string, string, string)                 {}

// Guard wraps t so that a panic inside any tracing call is recovered
// and logged instead of taking the turn down with it. A nil t becomes
// Nop.
func Guard(t Tracer, logger *slog.Logger) Tracer {
	if t == nil {
		return Nop{}
	}
	if g, ok := t.(*guarded); ok {
		return g
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &guarded{next: t, logger: logger}
}

type guarded struct {
	next   Tracer
	logger *slog.Logger
}

func (g *guarded) recover(op string) {
	if r := recover(); r != nil {
		g.logger.Error("tracer panic recovered", "op", op, "panic", fmt.Sprint(r))
	}
}

func (g *guarded) OpenSession(ctx context.Context, userID, conversationID int64) (id string) {
	defer g.recover("open_session")
	return g.next.OpenSession(ctx, userID, conversationID)
}

func (g *guarded) OpenTrace(ctx context.Context, sessionID, input, model, toolUsed string) (id string) {
	defer g.recover("open_trace")
	return g.next.OpenTrace(ctx, sessionID, input, model, toolUsed)
}

func (g *guarded) LogSpan(ctx context.Context, traceID string, span Span) (id string) {
	defer g.recover("log_span")
	return g.next.LogSpan(ctx, traceID, span)
}

func (g *guarded) LogGeneration(ctx context.Context, traceID string, gen Generation) (id string) {
	defer g.recover("log_generation")
	return g.next.LogGeneration(ctx, traceID, gen)
}

func (g *guarded) Finalize(ctx context.Context, traceID, output string, status Status) {
	defer g.recover("finalize")
	g.next.Finalize(ctx, traceID, output, status)
}

func (g *guarded) LogError(ctx context.Context, traceID, message, kind string) {
	defer g.recover("log_error")
	g.next.LogError(ctx, traceID, message, kind)
}
