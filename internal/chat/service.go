// Package chat orchestrates conversation turns. A turn stores the
// user's message, answers it with one of three strategies (direct
// generation, internet search, or the tool-using agent), stores the
// assistant's reply with structured metadata, and reports the turn to
// the tracer, the event bus, the metrics registry, and the usage
// ledger. Regeneration replays a turn from an earlier assistant
// message.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/nugget/colloquy/internal/agent"
	"github.com/nugget/colloquy/internal/config"
	"github.com/nugget/colloquy/internal/direct"
	"github.com/nugget/colloquy/internal/events"
	"github.com/nugget/colloquy/internal/history"
	"github.com/nugget/colloquy/internal/metrics"
	"github.com/nugget/colloquy/internal/search"
	"github.com/nugget/colloquy/internal/store"
	"github.com/nugget/colloquy/internal/tracing"
	"github.com/nugget/colloquy/internal/usage"
)

// titleLimit is how many characters of the first message become a new
// conversation's title.
const titleLimit = 50

// Store is the persistence the orchestrator needs. Writes are durable
// before they return.
type Store interface {
	CreateConversation(ctx context.Context, userID int64, title string) (*store.Conversation, error)
	GetConversation(ctx context.Context, id, userID int64) (*store.Conversation, error)
	ConversationByID(ctx context.Context, id int64) (*store.Conversation, error)
	SetTraceSession(ctx context.Context, conversationID int64, sessionID string) (bool, error)
	CreateMessage(ctx context.Context, m store.Message) (*store.Message, error)
	GetMessage(ctx context.Context, id int64) (*store.Message, error)
	ListRecentMessages(ctx context.Context, conversationID, beforeID int64, limit int) ([]store.Message, error)
	PrecedingUserMessage(ctx context.Context, conversationID, beforeID int64) (*store.Message, error)
}

// Generator answers none-strategy turns.
type Generator interface {
	Generate(ctx context.Context, req direct.Request) (*direct.Result, error)
}

// Agent answers auto-strategy turns.
type Agent interface {
	GenerateAuto(ctx context.Context, req agent.Request) (*agent.Result, error)
}

// Searcher answers internet-strategy turns.
type Searcher interface {
	Search(ctx context.Context, query string, opts search.Options) (*search.Response, error)
	Primary() string
}

// UsageRecorder is the token usage ledger.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Config tunes the orchestrator.
type Config struct {
	// DefaultModel replaces empty and sentinel model names in traces.
	DefaultModel string
	// HistoryLimit is how many prior messages are loaded per turn.
	HistoryLimit int
	// SystemMessage is sent with direct generation requests.
	SystemMessage string
	// Pricing prices recorded token usage.
	Pricing map[string]config.PricingEntry
}

// Deps are the collaborators a Service drives. Store is required.
// A nil Direct, Agent, or Search makes the matching strategy fail;
// the remaining fields are optional.
type Deps struct {
	Store   Store
	Direct  Generator
	Agent   Agent
	Search  Searcher
	Tracer  tracing.Tracer
	Usage   UsageRecorder
	Bus     *events.Bus
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Service is the turn orchestrator. It holds no per-turn state and is
// safe for concurrent use.
type Service struct {
	cfg     Config
	store   Store
	direct  Generator
	agent   Agent
	search  Searcher
	tracer  tracing.Tracer
	usage   UsageRecorder
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewService creates a Service. The tracer is wrapped so that a
// misbehaving implementation can never fail a turn.
func NewService(cfg Config, deps Deps) *Service {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}
	if cfg.SystemMessage == "" {
		cfg.SystemMessage = direct.DefaultSystemMessage
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:     cfg,
		store:   deps.Store,
		direct:  deps.Direct,
		agent:   deps.Agent,
		search:  deps.Search,
		tracer:  tracing.Guard(deps.Tracer, logger),
		usage:   deps.Usage,
		bus:     deps.Bus,
		metrics: deps.Metrics,
		logger:  logger,
	}
}

// SendRequest is a new user message. ConversationID zero starts a new
// conversation.
type SendRequest struct {
	UserID         int64
	ConversationID int64
	Message        string
	Strategy       string
	Model          string
}

// RegenerateRequest asks for a fresh answer to the user message that
// preceded an assistant message. Model overrides the original model
// for none-strategy turns only.
type RegenerateRequest struct {
	UserID    int64
	MessageID int64
	Model     string
}

// Response is the result of a turn.
type Response struct {
	Message        *store.Message `json:"message"`
	ConversationID int64          `json:"conversation_id"`
	TraceID        string         `json:"trace_id,omitempty"`
}

// Send runs one turn for a new user message.
func (s *Service) Send(ctx context.Context, req SendRequest) (resp *Response, err error) {
	defer s.recoverTurn("send", &err)

	if strings.TrimSpace(req.Message) == "" {
		return nil, newError(KindBadRequest, "message is required", nil)
	}

	conv, err := s.resolveConversation(ctx, req)
	if err != nil {
		return nil, err
	}
	s.ensureSession(ctx, conv)

	strategy := ParseStrategy(req.Strategy)
	userMsg, err := s.store.CreateMessage(ctx, store.Message{
		ConversationID: conv.ID,
		Role:           history.RoleUser,
		Content:        req.Message,
		StrategyUsed:   strategy.String(),
	})
	if err != nil {
		return nil, newError(KindInternal, msgInternal, fmt.Errorf("store user message: %w", err))
	}

	hist, err := s.loadHistory(ctx, conv.ID, userMsg.ID)
	if err != nil {
		return nil, err
	}

	return s.execute(ctx, &turn{
		conv:     conv,
		strategy: strategy,
		prompt:   req.Message,
		model:    req.Model,
		history:  hist,
	})
}

// Regenerate answers the user message behind req.MessageID again and
// stores the answer as a new assistant message. The original strategy
// is kept.
func (s *Service) Regenerate(ctx context.Context, req RegenerateRequest) (resp *Response, err error) {
	defer s.recoverTurn("regenerate", &err)

	orig, err := s.store.GetMessage(ctx, req.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(KindNotFound, "Message not found", nil)
	}
	if err != nil {
		return nil, newError(KindInternal, msgInternal, fmt.Errorf("load message %d: %w", req.MessageID, err))
	}

	conv, err := s.store.ConversationByID(ctx, orig.ConversationID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && conv.UserID != req.UserID) {
		return nil, newError(KindForbidden, "Access denied", nil)
	}
	if err != nil {
		return nil, newError(KindInternal, msgInternal, fmt.Errorf("load conversation %d: %w", orig.ConversationID, err))
	}

	if orig.Role != history.RoleAssistant {
		return nil, newError(KindBadRequest, "Only assistant messages can be regenerated", nil)
	}

	userMsg, err := s.store.PrecedingUserMessage(ctx, conv.ID, orig.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(KindBadRequest, "Cannot find original user message", nil)
	}
	if err != nil {
		return nil, newError(KindInternal, msgInternal, fmt.Errorf("load user message: %w", err))
	}

	s.ensureSession(ctx, conv)

	hist, err := s.loadHistory(ctx, conv.ID, userMsg.ID)
	if err != nil {
		return nil, err
	}

	strategy := ParseStrategy(orig.StrategyUsed)
	return s.execute(ctx, &turn{
		conv:     conv,
		strategy: strategy,
		prompt:   userMsg.Content,
		model:    s.regenerationModel(strategy, orig, req.Model),
		history:  hist,
		original: orig,
	})
}

// regenerationModel picks the model for a replayed turn. Auto turns
// keep the model the agent recorded; none turns take the requested
// model, falling back to the recorded one; internet turns use none.
func (s *Service) regenerationModel(strategy Strategy, orig *store.Message, requested string) string {
	if strategy == StrategyInternet {
		return ""
	}
	meta, err := ParseMetadata(orig.Metadata, strategy)
	if err != nil {
		s.logger.Warn("unreadable message metadata",
			"message_id", orig.ID,
			"error", err,
		)
	}
	if strategy == StrategyNone && requested != "" {
		return requested
	}
	return meta.Model
}

// resolveConversation loads the caller's conversation or creates a new
// one titled after the message.
func (s *Service) resolveConversation(ctx context.Context, req SendRequest) (*store.Conversation, error) {
	if req.ConversationID != 0 {
		conv, err := s.store.GetConversation(ctx, req.ConversationID, req.UserID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, newError(KindNotFound, "Conversation not found", nil)
		}
		if err != nil {
			return nil, newError(KindInternal, msgInternal, fmt.Errorf("load conversation %d: %w", req.ConversationID, err))
		}
		return conv, nil
	}

	conv, err := s.store.CreateConversation(ctx, req.UserID, Title(req.Message))
	if err != nil {
		return nil, newError(KindInternal, msgInternal, fmt.Errorf("create conversation: %w", err))
	}
	s.logger.Info("conversation created",
		"conversation_id", conv.ID,
		"user_id", req.UserID,
	)
	return conv, nil
}

// ensureSession opens a trace session for a conversation that has
// none. The session id is written once; a lost race adopts the
// winner's id. Failures only cost tracing.
func (s *Service) ensureSession(ctx context.Context, conv *store.Conversation) {
	if conv.TraceSessionID != "" {
		return
	}
	id := s.tracer.OpenSession(ctx, conv.UserID, conv.ID)
	if id == "" {
		return
	}
	written, err := s.store.SetTraceSession(ctx, conv.ID, id)
	if err != nil {
		s.logger.Warn("trace session not saved",
			"conversation_id", conv.ID,
			"error", err,
		)
		return
	}
	if written {
		conv.TraceSessionID = id
		return
	}
	if cur, err := s.store.ConversationByID(ctx, conv.ID); err == nil {
		conv.TraceSessionID = cur.TraceSessionID
	}
}

// loadHistory returns up to HistoryLimit messages older than beforeID
// in chronological order.
func (s *Service) loadHistory(ctx context.Context, conversationID, beforeID int64) ([]history.Message, error) {
	msgs, err := s.store.ListRecentMessages(ctx, conversationID, beforeID, s.cfg.HistoryLimit)
	if err != nil {
		return nil, newError(KindInternal, msgInternal, fmt.Errorf("load history: %w", err))
	}
	out := make([]history.Message, len(msgs))
	for i, m := range msgs {
		out[i] = history.Message{Role: m.Role, Content: m.Content}
	}
	return history.Reverse(out), nil
}

// recoverTurn turns a panic into an internal error.
func (s *Service) recoverTurn(op string, err *error) {
	if p := recover(); p != nil {
		s.logger.Error("turn panicked",
			"op", op,
			"panic", p,
		)
		*err = newError(KindInternal, msgInternal, fmt.Errorf("panic: %v", p))
	}
}

// Title derives a conversation title from its first message: the first
// 50 characters, with "..." appended when the message is longer.
func Title(message string) string {
	if utf8.RuneCountInString(message) <= titleLimit {
		return message
	}
	return string([]rune(message)[:titleLimit]) + "..."
}
