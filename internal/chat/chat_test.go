package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/colloquy/internal/agent"
	"github.com/nugget/colloquy/internal/direct"
	"github.com/nugget/colloquy/internal/events"
	"github.com/nugget/colloquy/internal/llm"
	"github.com/nugget/colloquy/internal/search"
	"github.com/nugget/colloquy/internal/store"
	"github.com/nugget/colloquy/internal/tracing"
	"github.com/nugget/colloquy/internal/usage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// failingStore fails assistant message writes on demand.
type failingStore struct {
	*store.Store
	failAssistant bool
}

func (f *failingStore) CreateMessage(ctx context.Context, m store.Message) (*store.Message, error) {
	if f.failAssistant && m.Role == "assistant" {
		return nil, errors.New("disk full")
	}
	return f.Store.CreateMessage(ctx, m)
}

type fakeDirect struct {
	content string
	err     error
	calls   int
	got     direct.Request
}

func (f *fakeDirect) Generate(_ context.Context, req direct.Request) (*direct.Result, error) {
	f.calls++
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	model := direct.ResolveModel(req.Model, "llama3:latest")
	return &direct.Result{
		Content: f.content,
		Model:   model,
		Usage:   direct.Usage{PromptEvalCount: 11, EvalCount: 5, TotalDuration: int64(time.Second)},
	}, nil
}

type fakeAgent struct {
	res   *agent.Result
	err   error
	calls int
	got   agent.Request
}

func (f *fakeAgent) GenerateAuto(_ context.Context, req agent.Request) (*agent.Result, error) {
	f.calls++
	f.got = req
	return f.res, f.err
}

type fakeSearch struct {
	resp  *search.Response
	err   error
	calls int
}

func (f *fakeSearch) Search(_ context.Context, query string, _ search.Options) (*search.Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	r := *f.resp
	r.Query = query
	return &r, nil
}

func (f *fakeSearch) Primary() string { return "tavily" }

type fakeUsage struct {
	records []usage.Record
}

func (f *fakeUsage) Record(_ context.Context, rec usage.Record) error {
	f.records = append(f.records, rec)
	return nil
}

// recordingTracer remembers every call.
type recordingTracer struct {
	sessions    int
	traceSess   []string // session id per trace
	traces      []string // strategy per trace
	traceModels []string
	spans       []string
	generations []tracing.Generation
	finals      []tracing.Status
	errorKinds  []string
}

func (r *recordingTracer) OpenSession(_ context.Context, _, convID int64) string {
	r.sessions++
	return "sess-" + string(rune('0'+convID))
}

func (r *recordingTracer) OpenTrace(_ context.Context, sessionID, _, model, toolUsed string) string {
	r.traceSess = append(r.traceSess, sessionID)
	r.traces = append(r.traces, toolUsed)
	r.traceModels = append(r.traceModels, model)
	return "trace-" + toolUsed
}

func (r *recordingTracer) LogSpan(_ context.Context, _ string, span tracing.Span) string {
	r.spans = append(r.spans, span.Name)
	return "span"
}

func (r *recordingTracer) LogGeneration(_ context.Context, _ string, gen tracing.Generation) string {
	r.generations = append(r.generations, gen)
	return "gen"
}

func (r *recordingTracer) Finalize(_ context.Context, _, _ string, status tracing.Status) {
	r.finals = append(r.finals, status)
}

func (r *recordingTracer) LogError(_ context.Context, _, _, kind string) {
	r.errorKinds = append(r.errorKinds, kind)
}

type panicTracer struct{ tracing.Nop }

func (panicTracer) OpenSession(context.Context, int64, int64) string { panic("tracer down") }
func (panicTracer) OpenTrace(context.Context, string, string, string, string) string {
	panic("tracer down")
}

type harness struct {
	svc    *Service
	store  *failingStore
	direct *fakeDirect
	agent  *fakeAgent
	search *fakeSearch
	tracer *recordingTracer
	usage  *fakeUsage
	bus    *events.Bus
	userID int64
}

func searchResponse() *search.Response {
	return &search.Response{
		Answer: "Sunny and 22C.",
		Results: []search.Result{
			{Title: "Forecast", URL: "https://weather.example/today", Content: "Clear skies all day."},
		},
		Metadata: search.Metadata{TotalResults: 1, SearchDepth: "basic", MaxResults: 5},
	}
}

func newHarness(t *testing.T, mutate ...func(*Deps)) *harness {
	t.Helper()
	st, err := store.OpenStore(store.DriverPure, filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	u, err := st.CreateUser(context.Background(), "ada@example.com", "hash")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	h := &harness{
		store:  &failingStore{Store: st},
		direct: &fakeDirect{content: "Hi there!"},
		agent:  &fakeAgent{},
		search: &fakeSearch{resp: searchResponse()},
		tracer: &recordingTracer{},
		usage:  &fakeUsage{},
		bus:    events.New(),
		userID: u.ID,
	}
	deps := Deps{
		Store:  h.store,
		Direct: h.direct,
		Agent:  h.agent,
		Search: h.search,
		Tracer: h.tracer,
		Usage:  h.usage,
		Bus:    h.bus,
		Logger: quietLogger(),
	}
	for _, m := range mutate {
		m(&deps)
	}
	h.svc = NewService(Config{DefaultModel: "llama3:latest"}, deps)
	return h
}

func decodeMeta(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("metadata %s: %v", raw, err)
	}
	return m
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in   string
		want Strategy
	}{
		{"", StrategyNone},
		{"none", StrategyNone},
		{"direct", StrategyNone},
		{"internet", StrategyInternet},
		{"search", StrategyInternet},
		{" AUTO ", StrategyAuto},
		{"telepathy", StrategyNone},
	}
	for _, tt := range tests {
		if got := ParseStrategy(tt.in); got != tt.want {
			t.Errorf("ParseStrategy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTitle(t *testing.T) {
	short := "Hello"
	if got := Title(short); got != short {
		t.Errorf("Title(%q) = %q", short, got)
	}
	long := strings.Repeat("é", 60)
	want := strings.Repeat("é", 50) + "..."
	if got := Title(long); got != want {
		t.Errorf("Title(60 runes) = %q, want %q", got, want)
	}
}

func TestSend_None(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp, err := h.svc.Send(ctx, SendRequest{UserID: h.userID, Message: "Hello", Strategy: "none"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	msgs, err := h.store.ListMessages(ctx, resp.ConversationID, 0, 100)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("stored %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "Hello" {
		t.Errorf("user message = %+v", msgs[0])
	}
	am := msgs[1]
	if am.Role != "assistant" || am.StrategyUsed != "none" || am.Content != "Hi there!" {
		t.Errorf("assistant message = %+v", am)
	}
	if am.TraceID != "trace-none" || resp.TraceID != "trace-none" {
		t.Errorf("trace id = %q / %q", am.TraceID, resp.TraceID)
	}

	meta := decodeMeta(t, am.Metadata)
	if meta["model"] != "llama3:latest" {
		t.Errorf("metadata model = %v", meta["model"])
	}
	if _, ok := meta["usage"]; !ok {
		t.Error("metadata missing usage")
	}
	for _, k := range []string{"search_results", "tool_calls", "source"} {
		if _, ok := meta[k]; ok {
			t.Errorf("none metadata has %q", k)
		}
	}

	if h.search.calls != 0 || h.agent.calls != 0 {
		t.Errorf("search calls = %d, agent calls = %d; want 0", h.search.calls, h.agent.calls)
	}
	if h.direct.got.SystemMessage != direct.DefaultSystemMessage {
		t.Errorf("system message = %q", h.direct.got.SystemMessage)
	}
	if len(h.tracer.generations) != 1 || len(h.tracer.generations[0].Input) != 1 {
		t.Errorf("generations = %+v", h.tracer.generations)
	}
	if len(h.usage.records) != 1 || h.usage.records[0].InputTokens != 11 || h.usage.records[0].MessageID != am.ID {
		t.Errorf("usage records = %+v", h.usage.records)
	}
	if h.tracer.finals[0] != tracing.StatusSuccess {
		t.Errorf("finalize status = %q", h.tracer.finals[0])
	}
}

func TestSend_Internet(t *testing.T) {
	h := newHarness(t)

	resp, err := h.svc.Send(context.Background(), SendRequest{
		UserID:   h.userID,
		Message:  "weather today",
		Strategy: "internet",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	want := search.FormatForLLM(&search.Response{
		Query:    "weather today",
		Answer:   "Sunny and 22C.",
		Results:  searchResponse().Results,
		Metadata: searchResponse().Metadata,
	})
	if resp.Message.Content != want {
		t.Errorf("content = %q, want %q", resp.Message.Content, want)
	}
	meta := decodeMeta(t, resp.Message.Metadata)
	if meta["source"] != "internet_search" {
		t.Errorf("source = %v", meta["source"])
	}
	sr, ok := meta["search_results"].(map[string]any)
	if !ok || sr["query"] != "weather today" {
		t.Errorf("search_results = %v", meta["search_results"])
	}
	if h.direct.calls != 0 {
		t.Errorf("direct calls = %d, want 0", h.direct.calls)
	}
	if len(h.tracer.spans) != 1 || h.tracer.spans[0] != "Internet Search" {
		t.Errorf("spans = %v", h.tracer.spans)
	}
	if h.tracer.traceModels[0] != "llama3:latest" {
		t.Errorf("trace model = %q", h.tracer.traceModels[0])
	}
	if len(h.usage.records) != 0 {
		t.Errorf("search turn recorded usage: %+v", h.usage.records)
	}
}

// fallbackLLM is a runtime that answers but cannot call tools.
type fallbackLLM struct{}

func (fallbackLLM) Chat(_ context.Context, model string, msgs []llm.Message, _ []map[string]any) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{
		Model:        model,
		Message:      llm.Message{Role: "assistant", Content: "direct answer to " + msgs[len(msgs)-1].Content},
		InputTokens:  9,
		OutputTokens: 3,
	}, nil
}

func (fallbackLLM) ListModels(context.Context) ([]string, error) { return []string{"llama3:latest"}, nil }
func (fallbackLLM) Ping(context.Context) error                   { return nil }

func TestSend_AutoFallsBackWhenAgentUnavailable(t *testing.T) {
	gen := direct.New(fallbackLLM{}, "llama3:latest", 10, quietLogger())
	// No search provider is configured, so the agent has no tools.
	ag := agent.New(agent.Config{DefaultModel: "llama3:latest"}, fallbackLLM{}, search.NewManager("tavily", search.Options{}), gen, quietLogger())

	h := newHarness(t, func(d *Deps) {
		d.Direct = gen
		d.Agent = ag
	})

	resp, err := h.svc.Send(context.Background(), SendRequest{
		UserID:   h.userID,
		Message:  "What is Go?",
		Strategy: "auto",
		Model:    "auto",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	want, err := gen.Generate(context.Background(), direct.Request{Prompt: "What is Go?", Model: "auto"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Message.Content != want.Content {
		t.Errorf("content = %q, want %q", resp.Message.Content, want.Content)
	}

	meta := decodeMeta(t, resp.Message.Metadata)
	if meta["fallback"] != true || meta["used_search"] != false || meta["agent_type"] != agent.TypeFallback {
		t.Errorf("metadata = %v", meta)
	}
	if calls, ok := meta["tool_calls"].([]any); !ok || len(calls) != 0 {
		t.Errorf("tool_calls = %v, want []", meta["tool_calls"])
	}
	if resp.Message.StrategyUsed != "auto" {
		t.Errorf("strategy = %q", resp.Message.StrategyUsed)
	}
}

func TestSend_AutoTracesToolCalls(t *testing.T) {
	h := newHarness(t)
	h.agent.res = &agent.Result{
		Content:        "It is sunny.",
		Model:          "llama3:latest",
		ToolCalls:      []agent.ToolCall{{ToolName: "web_search", Input: "weather", Output: "Sunny"}},
		ReasoningSteps: []string{"Thought: I should search"},
		UsedSearch:     true,
		AgentType:      agent.TypeReAct,
		Usage:          direct.Usage{PromptEvalCount: 40, EvalCount: 8},
	}
	sub := h.bus.Subscribe(16)

	resp, err := h.svc.Send(context.Background(), SendRequest{UserID: h.userID, Message: "weather?", Strategy: "auto"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	wantSpans := []string{"Agent Reasoning", "Tool: web_search"}
	if strings.Join(h.tracer.spans, ",") != strings.Join(wantSpans, ",") {
		t.Errorf("spans = %v, want %v", h.tracer.spans, wantSpans)
	}
	meta := decodeMeta(t, resp.Message.Metadata)
	if meta["used_search"] != true || meta["agent_type"] != agent.TypeReAct {
		t.Errorf("metadata = %v", meta)
	}

	var kinds []string
	for len(sub) > 0 {
		e := <-sub
		kinds = append(kinds, e.Kind)
		if e.Kind == events.KindTurnComplete {
			if e.Data["input_tokens"] != 40 || e.Data["output_tokens"] != 8 {
				t.Errorf("turn_complete tokens = %v/%v", e.Data["input_tokens"], e.Data["output_tokens"])
			}
		}
	}
	want := []string{events.KindTurnStart, events.KindToolCall, events.KindTurnComplete}
	if strings.Join(kinds, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", kinds, want)
	}
}

func TestSend_OneTraceSessionPerConversation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.Send(ctx, SendRequest{UserID: h.userID, Message: "one"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	for range 2 {
		if _, err := h.svc.Send(ctx, SendRequest{UserID: h.userID, ConversationID: first.ConversationID, Message: "again"}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if h.tracer.sessions != 1 {
		t.Errorf("sessions opened = %d, want 1", h.tracer.sessions)
	}
	conv, err := h.store.GetConversation(ctx, first.ConversationID, h.userID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.TraceSessionID == "" {
		t.Error("trace session not persisted")
	}
}

// concurrentSessionStore lets another writer record winner just before
// this turn's session write lands.
type concurrentSessionStore struct {
	*failingStore
	winner string
}

func (c *concurrentSessionStore) SetTraceSession(ctx context.Context, conversationID int64, _ string) (bool, error) {
	if _, err := c.failingStore.Store.SetTraceSession(ctx, conversationID, c.winner); err != nil {
		return false, err
	}
	return false, nil
}

func TestSend_LostSessionRaceAdoptsWinner(t *testing.T) {
	var racer *concurrentSessionStore
	h := newHarness(t, func(d *Deps) {
		racer = &concurrentSessionStore{failingStore: d.Store.(*failingStore), winner: "sess-winner"}
		d.Store = racer
	})
	ctx := context.Background()

	resp, err := h.svc.Send(ctx, SendRequest{UserID: h.userID, Message: "hello"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(h.tracer.traceSess) != 1 || h.tracer.traceSess[0] != "sess-winner" {
		t.Errorf("trace session ids = %v, want [sess-winner]", h.tracer.traceSess)
	}
	conv, err := h.store.GetConversation(ctx, resp.ConversationID, h.userID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.TraceSessionID != "sess-winner" {
		t.Errorf("stored session = %q, want sess-winner", conv.TraceSessionID)
	}
}

func TestSend_HistoryExcludesCurrentMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.Send(ctx, SendRequest{UserID: h.userID, Message: "first"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := h.svc.Send(ctx, SendRequest{UserID: h.userID, ConversationID: first.ConversationID, Message: "second"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := h.direct.got.History
	if len(got) != 2 || got[0].Content != "first" || got[1].Content != "Hi there!" {
		t.Errorf("history = %+v", got)
	}
	if h.direct.got.Prompt != "second" {
		t.Errorf("prompt = %q", h.direct.got.Prompt)
	}
}

func TestSend_Errors(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(h *harness)
		req       func(h *harness) SendRequest
		wantKind  Kind
		wantMsg   string
		wantTrace string
	}{
		{
			name:     "empty message",
			req:      func(h *harness) SendRequest { return SendRequest{UserID: h.userID, Message: "  "} },
			wantKind: KindBadRequest,
		},
		{
			name:     "unknown conversation",
			req:      func(h *harness) SendRequest { return SendRequest{UserID: h.userID, ConversationID: 999, Message: "hi"} },
			wantKind: KindNotFound,
			wantMsg:  "Conversation not found",
		},
		{
			name:      "generation failure",
			setup:     func(h *harness) { h.direct.err = llm.ErrUnavailable },
			req:       func(h *harness) SendRequest { return SendRequest{UserID: h.userID, Message: "hi"} },
			wantKind:  KindStrategyFailed,
			wantMsg:   "failed to generate AI response",
			wantTrace: "llm_generation_error",
		},
		{
			name:      "search failure",
			setup:     func(h *harness) { h.search.err = search.ErrRateLimited },
			req:       func(h *harness) SendRequest { return SendRequest{UserID: h.userID, Message: "hi", Strategy: "internet"} },
			wantKind:  KindStrategyFailed,
			wantMsg:   "search failed",
			wantTrace: "search_error",
		},
		{
			name:      "agent failure",
			setup:     func(h *harness) { h.agent.err = agent.ErrInitialization },
			req:       func(h *harness) SendRequest { return SendRequest{UserID: h.userID, Message: "hi", Strategy: "auto"} },
			wantKind:  KindStrategyFailed,
			wantMsg:   "auto mode failed",
			wantTrace: "auto_mode_error",
		},
		{
			name:      "assistant persistence failure",
			setup:     func(h *harness) { h.store.failAssistant = true },
			req:       func(h *harness) SendRequest { return SendRequest{UserID: h.userID, Message: "hi"} },
			wantKind:  KindInternal,
			wantMsg:   "internal server error",
			wantTrace: "internal_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.setup != nil {
				tt.setup(h)
			}
			_, err := h.svc.Send(context.Background(), tt.req(h))
			if err == nil {
				t.Fatal("expected error")
			}
			var ce *Error
			if !errors.As(err, &ce) {
				t.Fatalf("error %T is not *Error", err)
			}
			if ce.Kind != tt.wantKind {
				t.Errorf("kind = %q, want %q", ce.Kind, tt.wantKind)
			}
			if tt.wantMsg != "" && ce.Message != tt.wantMsg {
				t.Errorf("message = %q, want %q", ce.Message, tt.wantMsg)
			}
			if tt.wantTrace != "" {
				if len(h.tracer.errorKinds) != 1 || h.tracer.errorKinds[0] != tt.wantTrace {
					t.Errorf("trace error kinds = %v, want [%s]", h.tracer.errorKinds, tt.wantTrace)
				}
				if h.tracer.finals[len(h.tracer.finals)-1] != tracing.StatusError {
					t.Errorf("finalize status = %v", h.tracer.finals)
				}
			}
		})
	}
}

func TestSend_TracerPanicDoesNotFailTurn(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Tracer = panicTracer{} })

	resp, err := h.svc.Send(context.Background(), SendRequest{UserID: h.userID, Message: "Hello"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.TraceID != "" {
		t.Errorf("trace id = %q, want empty", resp.TraceID)
	}
	if resp.Message.Content != "Hi there!" {
		t.Errorf("content = %q", resp.Message.Content)
	}
}

type panickyAgent struct{}

func (panickyAgent) GenerateAuto(context.Context, agent.Request) (*agent.Result, error) {
	panic("engine exploded")
}

func TestSend_PanicBecomesInternalError(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Agent = panickyAgent{} })
	sub := h.bus.Subscribe(8)

	_, err := h.svc.Send(context.Background(), SendRequest{UserID: h.userID, Message: "hi", Strategy: "auto"})
	if KindOf(err) != KindInternal {
		t.Fatalf("err = %v, want internal", err)
	}

	var last events.Event
	for len(sub) > 0 {
		last = <-sub
	}
	if last.Kind != events.KindTurnFailed {
		t.Errorf("last event = %q, want %q", last.Kind, events.KindTurnFailed)
	}
}

func sendTurn(t *testing.T, h *harness, strategy, model string) *Response {
	t.Helper()
	resp, err := h.svc.Send(context.Background(), SendRequest{
		UserID:   h.userID,
		Message:  "weather today",
		Strategy: strategy,
		Model:    model,
	})
	if err != nil {
		t.Fatalf("Send(%s): %v", strategy, err)
	}
	return resp
}

func TestRegenerate_InternetReplaysSearch(t *testing.T) {
	h := newHarness(t)
	orig := sendTurn(t, h, "internet", "")

	resp, err := h.svc.Regenerate(context.Background(), RegenerateRequest{
		UserID:    h.userID,
		MessageID: orig.Message.ID,
		Model:     "mistral",
	})
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}

	if h.search.calls != 1 {
		t.Errorf("search calls = %d, want 1", h.search.calls)
	}
	if resp.Message.Content != orig.Message.Content {
		t.Errorf("content changed on replay")
	}
	if resp.Message.StrategyUsed != "internet" {
		t.Errorf("strategy = %q", resp.Message.StrategyUsed)
	}

	origMeta := decodeMeta(t, orig.Message.Metadata)
	meta := decodeMeta(t, resp.Message.Metadata)
	a, _ := json.Marshal(origMeta["search_results"])
	b, _ := json.Marshal(meta["search_results"])
	if string(a) != string(b) {
		t.Errorf("search_results = %s, want %s", b, a)
	}
	if meta["regenerated_from"] != float64(orig.Message.ID) {
		t.Errorf("regenerated_from = %v, want %d", meta["regenerated_from"], orig.Message.ID)
	}
	if meta["source"] != "internet_search" {
		t.Errorf("source = %v", meta["source"])
	}
}

func TestRegenerate_AutoKeepsStrategyAndModel(t *testing.T) {
	h := newHarness(t)
	h.agent.res = &agent.Result{Content: "answer", Model: "qwen2.5", AgentType: agent.TypeReAct}
	orig := sendTurn(t, h, "auto", "qwen2.5")

	resp, err := h.svc.Regenerate(context.Background(), RegenerateRequest{
		UserID:    h.userID,
		MessageID: orig.Message.ID,
		Model:     "mistral",
	})
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	if resp.Message.StrategyUsed != "auto" {
		t.Errorf("strategy = %q, want auto", resp.Message.StrategyUsed)
	}
	if h.agent.calls != 2 || h.agent.got.Model != "qwen2.5" {
		t.Errorf("agent calls = %d, model = %q", h.agent.calls, h.agent.got.Model)
	}
	if h.agent.got.Prompt != "weather today" {
		t.Errorf("prompt = %q", h.agent.got.Prompt)
	}
	if h.direct.calls != 0 {
		t.Errorf("direct calls = %d, want 0", h.direct.calls)
	}
}

func TestRegenerate_NoneTakesNewModel(t *testing.T) {
	h := newHarness(t)
	orig := sendTurn(t, h, "none", "llama3:latest")

	if _, err := h.svc.Regenerate(context.Background(), RegenerateRequest{
		UserID:    h.userID,
		MessageID: orig.Message.ID,
		Model:     "mistral",
	}); err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	if h.direct.got.Model != "mistral" {
		t.Errorf("model = %q, want mistral", h.direct.got.Model)
	}
	if len(h.direct.got.History) != 0 {
		t.Errorf("history = %+v, want none older than the prompt", h.direct.got.History)
	}
}

func TestRegenerate_Errors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	orig := sendTurn(t, h, "none", "")

	other, err := h.store.CreateUser(ctx, "eve@example.com", "hash")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	userMsgs, err := h.store.ListMessages(ctx, orig.ConversationID, 0, 1)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	orphanConv, err := h.store.CreateConversation(ctx, h.userID, "orphan")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	orphan, err := h.store.CreateMessage(ctx, store.Message{ConversationID: orphanConv.ID, Role: "assistant", Content: "out of nowhere"})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	tests := []struct {
		name     string
		req      RegenerateRequest
		wantKind Kind
		wantMsg  string
	}{
		{"missing message", RegenerateRequest{UserID: h.userID, MessageID: 9999}, KindNotFound, "Message not found"},
		{"other owner", RegenerateRequest{UserID: other.ID, MessageID: orig.Message.ID}, KindForbidden, "Access denied"},
		{"user message", RegenerateRequest{UserID: h.userID, MessageID: userMsgs[0].ID}, KindBadRequest, ""},
		{"no preceding user message", RegenerateRequest{UserID: h.userID, MessageID: orphan.ID}, KindBadRequest, "Cannot find original user message"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Regenerate(ctx, tt.req)
			var ce *Error
			if !errors.As(err, &ce) {
				t.Fatalf("err = %v, want *Error", err)
			}
			if ce.Kind != tt.wantKind {
				t.Errorf("kind = %q, want %q", ce.Kind, tt.wantKind)
			}
			if tt.wantMsg != "" && ce.Message != tt.wantMsg {
				t.Errorf("message = %q, want %q", ce.Message, tt.wantMsg)
			}
		})
	}
}

func TestMetadata_Shapes(t *testing.T) {
	tests := []struct {
		name    string
		meta    Metadata
		want    []string
		notWant []string
	}{
		{
			name:    "none",
			meta:    Metadata{Strategy: StrategyNone, Model: "llama3", Usage: &direct.Usage{EvalCount: 3}},
			want:    []string{"model", "usage"},
			notWant: []string{"source", "tool_calls", "regenerated_from"},
		},
		{
			name:    "internet",
			meta:    Metadata{Strategy: StrategyInternet, SearchResults: searchResponse(), RegeneratedFrom: 7},
			want:    []string{"search_results", "source", "regenerated_from"},
			notWant: []string{"model", "usage"},
		},
		{
			name:    "auto",
			meta:    Metadata{Strategy: StrategyAuto, Model: "llama3"},
			want:    []string{"model", "agent_type", "used_search", "tool_calls", "reasoning_steps", "fallback"},
			notWant: []string{"usage", "search_results"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(tt.meta)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			m := decodeMeta(t, raw)
			for _, k := range tt.want {
				if _, ok := m[k]; !ok {
					t.Errorf("missing %q in %s", k, raw)
				}
			}
			for _, k := range tt.notWant {
				if _, ok := m[k]; ok {
					t.Errorf("unexpected %q in %s", k, raw)
				}
			}
		})
	}
}
