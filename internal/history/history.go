// Package history bounds the conversational context handed to a
// generation backend.
package history

// Role values carried by a Message.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one prior turn reduced to what a backend needs.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Window returns the last n messages of msgs in their original order.
// When n <= 0 or msgs already fits, msgs is returned unchanged.
func Window(msgs []Message, n int) []Message {
	if n <= 0 || len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}

// Reverse returns a copy of msgs in reverse order. Stores return the
// most recent messages newest-first; callers reverse them before use.
func Reverse(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = m
	}
	return out
}
