package export

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/nugget/colloquy/internal/store"
)

func fixture() (*store.Conversation, []store.Message) {
	ts := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	conv := &store.Conversation{ID: 12, Title: "Weather <today>", CreatedAt: ts, UpdatedAt: ts.Add(time.Minute), TraceSessionID: "conv_12_abcd"}
	msgs := []store.Message{
		{ID: 1, Role: "user", Content: "Is it raining?", StrategyUsed: "internet", CreatedAt: ts},
		{ID: 2, Role: "assistant", Content: "**Yes**, <script>x</script> light rain.", StrategyUsed: "internet",
			TraceID: "trace_1", Metadata: json.RawMessage(`{"source":"internet_search"}`), CreatedAt: ts.Add(time.Second)},
		{ID: 3, Role: "assistant", Content: "plain", StrategyUsed: "none", CreatedAt: ts.Add(2 * time.Second)},
	}
	return conv, msgs
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatJSON, false},
		{"JSON", FormatJSON, false},
		{"md", FormatMarkdown, false},
		{"markdown", FormatMarkdown, false},
		{"html", FormatHTML, false},
		{"pdf", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestFilename(t *testing.T) {
	conv, _ := fixture()
	if got := Filename(conv, FormatMarkdown); got != "conversation_12.md" {
		t.Errorf("Filename = %q", got)
	}
}

func TestJSON(t *testing.T) {
	conv, msgs := fixture()
	b, err := json.Marshal(JSON(conv, msgs))
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	header := got["conversation"].(map[string]any)
	if header["trace_session_id"] != "conv_12_abcd" || header["created_at"] != "2025-03-04T05:06:07Z" {
		t.Errorf("header = %v", header)
	}
	messages := got["messages"].([]any)
	second := messages[1].(map[string]any)
	if second["strategy_used"] != "internet" || second["metadata"].(map[string]any)["source"] != "internet_search" {
		t.Errorf("message = %v", second)
	}
	if _, ok := messages[0].(map[string]any)["metadata"]; ok {
		t.Error("empty metadata should be omitted")
	}
}

func TestMarkdown(t *testing.T) {
	conv, msgs := fixture()
	md := Markdown(conv, msgs)

	for _, want := range []string{
		"# Weather <today>\n\n",
		"**Created:** 2025-03-04 05:06:07\n",
		"## 🧑 User\n\nIs it raining?\n\n*Tool used: internet*\n\n",
		"## 🤖 Assistant\n\nplain\n\n*2025-03-04 05:06:09*",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
	if strings.Count(md, "*Tool used:") != 2 {
		t.Error("strategy none should not print a tool line")
	}

	untitled := &store.Conversation{ID: 5}
	if !strings.HasPrefix(Markdown(untitled, nil), "# Conversation 5\n") {
		t.Error("untitled conversation heading")
	}
}

func TestHTML(t *testing.T) {
	conv, msgs := fixture()
	page, err := HTML(conv, msgs)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(page, "<title>Weather &lt;today&gt;</title>") {
		t.Error("title not escaped")
	}
	if !strings.Contains(page, "<strong>Yes</strong>") {
		t.Error("markdown not rendered")
	}
	if strings.Contains(page, "<script>") {
		t.Error("raw HTML passed through")
	}
}
