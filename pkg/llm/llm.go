// Package llm abstracts streaming chat completion providers.
package llm

import "context"

// Chat roles understood by completion providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of model input.
type Message struct {
	Role    string
	Content string
}

// Request describes a streamed completion.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float32
	MaxTokens   int
}

// Delta is one increment of a streamed completion. The channel carries
// zero or more content deltas followed by exactly one terminal delta with
// Done set (Err non-nil on failure).
type Delta struct {
	Content string
	Done    bool
	Err     error
}

// Provider streams chat completions. The returned channel is closed after
// the terminal delta; it stops promptly when ctx is cancelled.
type Provider interface {
	StreamChat(ctx context.Context, req Request) (<-chan Delta, error)
}

// ClampTemperature bounds t to the range providers accept.
func ClampTemperature(t float32) float32 {
	if t < 0 {
		return 0
	}
	if t > 2 {
		return 2
	}
	return t
}
