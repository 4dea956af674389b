package direct

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nugget/colloquy/internal/history"
	"github.com/nugget/colloquy/internal/llm"
)

type fakeLLM struct {
	resp      *llm.ChatResponse
	err       error
	modelsErr error
	models    []string

	gotModel    string
	gotMessages []llm.Message
	gotTools    []map[string]any
	chatCalls   int
	listCalls   int
}

func (f *fakeLLM) Chat(_ context.Context, model string, msgs []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	f.chatCalls++
	f.gotModel, f.gotMessages, f.gotTools = model, msgs, tools
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeLLM) ListModels(context.Context) ([]string, error) {
	f.listCalls++
	return f.models, f.modelsErr
}

func (f *fakeLLM) Ping(context.Context) error { return nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func okResponse(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Message:            llm.Message{Role: "assistant", Content: content},
		InputTokens:        12,
		OutputTokens:       4,
		TotalDuration:      2 * time.Second,
		LoadDuration:       time.Millisecond,
		PromptEvalDuration: 300 * time.Millisecond,
		EvalDuration:       time.Second,
	}
}

func TestResolveModel(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", "llama3:latest"},
		{"auto", "llama3:latest"},
		{"internet", "llama3:latest"},
		{"mistral:7b", "mistral:7b"},
	}
	for _, tt := range tests {
		if got := ResolveModel(tt.in, "llama3:latest"); got != tt.want {
			t.Errorf("ResolveModel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestGenerate(t *testing.T) {
	f := &fakeLLM{resp: okResponse("Hi!"), models: []string{"llama3:latest"}}
	g := New(f, "llama3:latest", 10, quietLogger())
	if g.DefaultModel() != "llama3:latest" {
		t.Errorf("DefaultModel() = %q", g.DefaultModel())
	}

	res, err := g.Generate(context.Background(), Request{
		Prompt:        "Hello",
		History:       []history.Message{{Role: "user", Content: "earlier"}, {Role: "assistant", Content: "reply"}},
		Model:         "auto",
		SystemMessage: DefaultSystemMessage,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if f.gotModel != "llama3:latest" {
		t.Errorf("sent model %q, want default", f.gotModel)
	}
	if f.gotTools != nil {
		t.Error("direct generation must not send tools")
	}
	if len(f.gotMessages) != 4 {
		t.Fatalf("sent %d messages, want 4", len(f.gotMessages))
	}
	if f.gotMessages[0].Role != "system" || f.gotMessages[0].Content != DefaultSystemMessage {
		t.Errorf("first message = %+v", f.gotMessages[0])
	}
	if last := f.gotMessages[3]; last.Role != "user" || last.Content != "Hello" {
		t.Errorf("last message = %+v", last)
	}

	if res.Content != "Hi!" || res.Model != "llama3:latest" {
		t.Errorf("result = %+v", res)
	}
	want := Usage{
		PromptEvalCount:    12,
		EvalCount:          4,
		TotalDuration:      int64(2 * time.Second),
		LoadDuration:       int64(time.Millisecond),
		PromptEvalDuration: int64(300 * time.Millisecond),
		EvalDuration:       int64(time.Second),
	}
	if res.Usage != want {
		t.Errorf("usage = %+v, want %+v", res.Usage, want)
	}
}

func TestGenerate_NoSystemMessage(t *testing.T) {
	f := &fakeLLM{resp: okResponse("ok")}
	g := New(f, "llama3", 10, quietLogger())
	if _, err := g.Generate(context.Background(), Request{Prompt: "x"}); err != nil {
		t.Fatal(err)
	}
	if len(f.gotMessages) != 1 || f.gotMessages[0].Role != "user" {
		t.Errorf("messages = %+v", f.gotMessages)
	}
}

func TestGenerate_WindowsHistory(t *testing.T) {
	hist := make([]history.Message, 25)
	for i := range hist {
		hist[i] = history.Message{Role: "user", Content: fmt.Sprintf("h%d", i)}
	}
	f := &fakeLLM{resp: okResponse("ok")}
	g := New(f, "llama3", 10, quietLogger())
	if _, err := g.Generate(context.Background(), Request{Prompt: "now", History: hist}); err != nil {
		t.Fatal(err)
	}
	if len(f.gotMessages) != 11 {
		t.Fatalf("sent %d messages, want 10 history + prompt", len(f.gotMessages))
	}
	if f.gotMessages[0].Content != "h15" {
		t.Errorf("oldest sent = %q, want h15", f.gotMessages[0].Content)
	}
}

func TestGenerate_ModelCheckAdvisory(t *testing.T) {
	tests := []struct {
		name string
		f    *fakeLLM
	}{
		{"list fails", &fakeLLM{resp: okResponse("ok"), modelsErr: errors.New("boom")}},
		{"model missing", &fakeLLM{resp: okResponse("ok"), models: []string{"other"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(tt.f, "llama3", 10, quietLogger())
			if _, err := g.Generate(context.Background(), Request{Prompt: "x"}); err != nil {
				t.Fatalf("Generate blocked by model check: %v", err)
			}
			if tt.f.chatCalls != 1 {
				t.Errorf("chat calls = %d, want 1", tt.f.chatCalls)
			}
		})
	}
}

func TestGenerate_ModelCheckedOnce(t *testing.T) {
	f := &fakeLLM{resp: okResponse("ok"), models: []string{"llama3"}}
	g := New(f, "llama3", 10, quietLogger())
	for range 3 {
		g.Generate(context.Background(), Request{Prompt: "x"})
	}
	if f.listCalls != 1 {
		t.Errorf("ListModels called %d times, want 1", f.listCalls)
	}
}

func TestGenerate_Errors(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"unavailable", fmt.Errorf("%w: refused", llm.ErrUnavailable), llm.IsUnavailable},
		{"backend", &llm.BackendError{StatusCode: 500, Message: "oom"}, func(err error) bool {
			var be *llm.BackendError
			return errors.As(err, &be) && be.StatusCode == 500
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(&fakeLLM{err: tt.err}, "llama3", 10, quietLogger())
			_, err := g.Generate(context.Background(), Request{Prompt: "x"})
			if err == nil || !tt.check(err) {
				t.Errorf("err = %v", err)
			}
		})
	}
}

func TestGenerate_NoClient(t *testing.T) {
	g := New(nil, "llama3", 10, quietLogger())
	if _, err := g.Generate(context.Background(), Request{Prompt: "x"}); err == nil {
		t.Fatal("expected error without client")
	}
}

func TestUsageAdd(t *testing.T) {
	u := Usage{PromptEvalCount: 1, EvalCount: 2}
	u.Add(Usage{PromptEvalCount: 3, EvalCount: 4, TotalDuration: 5})
	if u.PromptEvalCount != 4 || u.EvalCount != 6 || u.TotalDuration != 5 {
		t.Errorf("Add = %+v", u)
	}
}
