package search

import (
	"fmt"
	"strings"
)

const (
	formatMaxResults = 5
	formatMaxContent = 300
)

// FormatForLLM renders a search response as the plain text that
// internet turns return verbatim and the agent receives as a tool
// result.
func FormatForLLM(resp *Response) string {
	if resp == nil || len(resp.Results) == 0 {
		return "No search results found."
	}

	var lines []string
	if resp.Answer != "" {
		lines = append(lines, fmt.Sprintf("Direct Answer: %s\n", resp.Answer))
	}

	lines = append(lines, "Search Results:")
	for i, r := range resp.Results {
		if i >= formatMaxResults {
			break
		}
		title := r.Title
		if title == "" {
			title = "No title"
		}
		content := r.Content
		if content == "" {
			content = "No content available"
		}
		content = truncate(content, formatMaxContent)

		lines = append(lines,
			fmt.Sprintf("\n%d. %s", i+1, title),
			fmt.Sprintf("   URL: %s", r.URL),
			fmt.Sprintf("   Content: %s", content),
		)
	}
	return strings.Join(lines, "\n")
}

// truncate cuts s to n characters and appends "..." when it was longer.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
