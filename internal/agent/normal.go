package agent

import (
	"context"

	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/pkg/llm"
)

// NormalAgent answers directly from the conversation history: one LLM
// completion streamed through as data events.
type NormalAgent struct {
	provider llm.Provider
	log      *logger.Logger
}

var _ Agent = (*NormalAgent)(nil)

// NewNormalAgent builds the default chat agent.
func NewNormalAgent(provider llm.Provider, log *logger.Logger) *NormalAgent {
	if log == nil {
		log = logger.Default()
	}
	return &NormalAgent{provider: provider, log: log}
}

func (a *NormalAgent) Type() string { return TypeNormal }
func (a *NormalAgent) Name() string { return "Assistant" }
func (a *NormalAgent) Description() string {
	return "Answers directly from the conversation history."
}

func (a *NormalAgent) Run(ctx context.Context, rc RunContext) <-chan Event {
	out := make(chan Event, streamBuffer)
	go func() {
		defer close(out)
		if !emit(ctx, out, Metadata(rc.TraceID, rc.StreamID, nil)) {
			return
		}
		if !emit(ctx, out, AgentUpdated(a.Name(), ContentFinalAnswer, "")) {
			return
		}
		req := llm.Request{
			Messages:    withSystemPrompt(rc.SystemPrompt, rc.History),
			Temperature: rc.Temperature,
			MaxTokens:   rc.MaxTokens,
		}
		if _, terminal := streamCompletion(ctx, a.provider, req, rc, out); terminal {
			return
		}
		emit(ctx, out, Done(rc.StreamID, "", ""))
	}()
	return out
}

// withSystemPrompt prepends an optional system message to the history.
func withSystemPrompt(systemPrompt string, history []llm.Message) []llm.Message {
	if systemPrompt == "" {
		return history
	}
	msgs := make([]llm.Message, 0, len(history)+1)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	return append(msgs, history...)
}
