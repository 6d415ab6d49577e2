package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/threadline/threadline/internal/chat/models"
	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/pkg/llm"
	"github.com/threadline/threadline/pkg/retrieval"
)

const (
	retrievalBudget = 10 * time.Second
	snippetRunes    = 200
)

// RAGAgent grounds answers in the knowledge base: retrieve top-K passages
// for the latest query, cite them in metadata, and prepend them as system
// context for the completion.
type RAGAgent struct {
	provider  llm.Provider
	retriever retrieval.Retriever
	topK      int
	log       *logger.Logger
}

var _ Agent = (*RAGAgent)(nil)

// NewRAGAgent builds the retrieval-augmented agent.
func NewRAGAgent(provider llm.Provider, retriever retrieval.Retriever, topK int, log *logger.Logger) *RAGAgent {
	if topK <= 0 {
		topK = retrieval.DefaultTopK
	}
	if log == nil {
		log = logger.Default()
	}
	return &RAGAgent{provider: provider, retriever: retriever, topK: topK, log: log}
}

func (a *RAGAgent) Type() string { return TypeRAG }
func (a *RAGAgent) Name() string { return "Knowledge Assistant" }
func (a *RAGAgent) Description() string {
	return "Grounds answers in retrieved knowledge-base passages with citations."
}

func (a *RAGAgent) Run(ctx context.Context, rc RunContext) <-chan Event {
	out := make(chan Event, streamBuffer)
	go func() {
		defer close(out)

		docs := a.retrieve(ctx, rc)
		if !emit(ctx, out, Metadata(rc.TraceID, rc.StreamID, citationsFor(docs))) {
			return
		}
		if !emit(ctx, out, AgentUpdated(a.Name(), ContentFinalAnswer, "")) {
			return
		}

		history := rc.History
		if prompt := groundingPrompt(rc.SystemPrompt, docs); prompt != "" {
			history = withSystemPrompt(prompt, history)
		}
		req := llm.Request{
			Messages:    history,
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

// retrieve runs the top-K search under its own budget. Retrieval failure
// degrades to an ungrounded answer rather than failing the stream.
func (a *RAGAgent) retrieve(ctx context.Context, rc RunContext) []retrieval.Document {
	searchCtx, cancel := context.WithTimeout(ctx, retrievalBudget)
	defer cancel()
	docs, err := a.retriever.Search(searchCtx, rc.Query, a.topK, retrieval.SearchOptions{UserID: rc.UserID})
	if err != nil {
		a.log.WithContext(ctx).WithThreadID(rc.ThreadID).WithError(err).
			Warn("retrieval failed, answering without grounding")
		return nil
	}
	return docs
}

func citationsFor(docs []retrieval.Document) []models.Citation {
	if len(docs) == 0 {
		return nil
	}
	citations := make([]models.Citation, 0, len(docs))
	for _, doc := range docs {
		citations = append(citations, models.Citation{
			Title:   doc.Title,
			Source:  doc.Source,
			Snippet: snippet(doc.Content),
			Score:   doc.Score,
		})
	}
	return citations
}

func snippet(content string) string {
	runes := []rune(strings.TrimSpace(content))
	if len(runes) > snippetRunes {
		return string(runes[:snippetRunes])
	}
	return string(runes)
}

// groundingPrompt folds retrieved passages into the system prompt.
func groundingPrompt(systemPrompt string, docs []retrieval.Document) string {
	if len(docs) == 0 {
		return systemPrompt
	}
	var b strings.Builder
	if systemPrompt != "" {
		b.WriteString(systemPrompt)
		b.WriteString("\n\n")
	}
	b.WriteString("Use the following passages to ground your answer. Cite them when relevant.\n")
	for i, doc := range docs {
		fmt.Fprintf(&b, "\n[%d] %s\n%s\n", i+1, doc.Title, strings.TrimSpace(doc.Content))
	}
	return b.String()
}
