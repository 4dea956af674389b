// Package export renders a conversation as JSON, Markdown, or HTML.
package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/nugget/colloquy/internal/store"
)

// Format is an export format.
type Format string

const (
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
)

const stampLayout = "2006-01-02 15:04:05"

// ParseFormat accepts json, markdown (or md), and html. Empty means
// json.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "markdown", "md":
		return FormatMarkdown, nil
	case "html":
		return FormatHTML, nil
	}
	return "", fmt.Errorf("unsupported export format %q", s)
}

// Filename is the suggested download name for conv in format f.
func Filename(conv *store.Conversation, f Format) string {
	ext := map[Format]string{FormatJSON: "json", FormatMarkdown: "md", FormatHTML: "html"}[f]
	return fmt.Sprintf("conversation_%d.%s", conv.ID, ext)
}

// Document is the JSON export shape.
type Document struct {
	Conversation documentHeader    `json:"conversation"`
	Messages     []documentMessage `json:"messages"`
}

type documentHeader struct {
	ID             int64  `json:"id"`
	Title          string `json:"title"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
	TraceSessionID string `json:"trace_session_id,omitempty"`
}

type documentMessage struct {
	ID           int64           `json:"id"`
	Role         string          `json:"role"`
	Content      string          `json:"content"`
	StrategyUsed string          `json:"strategy_used"`
	TraceID      string          `json:"trace_id,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    string          `json:"created_at"`
}

// JSON builds the JSON export document.
func JSON(conv *store.Conversation, msgs []store.Message) Document {
	doc := Document{
		Conversation: documentHeader{
			ID:             conv.ID,
			Title:          conv.Title,
			CreatedAt:      conv.CreatedAt.Format(time.RFC3339),
			UpdatedAt:      conv.UpdatedAt.Format(time.RFC3339),
			TraceSessionID: conv.TraceSessionID,
		},
		Messages: make([]documentMessage, 0, len(msgs)),
	}
	for _, m := range msgs {
		doc.Messages = append(doc.Messages, documentMessage{
			ID:           m.ID,
			Role:         m.Role,
			Content:      m.Content,
			StrategyUsed: m.StrategyUsed,
			TraceID:      m.TraceID,
			Metadata:     m.Metadata,
			CreatedAt:    m.CreatedAt.Format(time.RFC3339),
		})
	}
	return doc
}

func title(conv *store.Conversation) string {
	if conv.Title != "" {
		return conv.Title
	}
	return fmt.Sprintf("Conversation %d", conv.ID)
}

func roleHeading(role string) string {
	emoji := "⚙️"
	switch role {
	case "user":
		emoji = "🧑"
	case "assistant":
		emoji = "🤖"
	}
	if role == "" {
		return emoji
	}
	return emoji + " " + strings.ToUpper(role[:1]) + role[1:]
}

// Markdown renders the conversation as a Markdown document.
func Markdown(conv *store.Conversation, msgs []store.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title(conv))
	fmt.Fprintf(&b, "**Created:** %s\n", conv.CreatedAt.Format(stampLayout))
	fmt.Fprintf(&b, "**Updated:** %s\n\n", conv.UpdatedAt.Format(stampLayout))
	b.WriteString("---\n\n")

	for _, m := range msgs {
		fmt.Fprintf(&b, "## %s\n\n", roleHeading(m.Role))
		fmt.Fprintf(&b, "%s\n\n", m.Content)
		if m.StrategyUsed != "" && m.StrategyUsed != "none" {
			fmt.Fprintf(&b, "*Tool used: %s*\n\n", m.StrategyUsed)
		}
		fmt.Fprintf(&b, "*%s*\n\n", m.CreatedAt.Format(stampLayout))
		b.WriteString("---\n\n")
	}
	return b.String()
}

// HTML renders the Markdown export to a standalone HTML page. Raw HTML
// in message content is not passed through.
func HTML(conv *store.Conversation, msgs []store.Message) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(Markdown(conv, msgs)), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>%s</title></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5; max-width: 48em; margin: auto;">
%s
</body></html>`, html.EscapeString(title(conv)), buf.String()), nil
}
