package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/pkg/llm"
	"github.com/threadline/threadline/pkg/retrieval"
)

// fakeProvider scripts LLM behaviour for agent tests.
type fakeProvider struct {
	mu        sync.Mutex
	chunks    []string
	openErr   error
	streamErr error
	block     bool // never produce, wait for cancellation
	requests  []llm.Request
}

func (f *fakeProvider) StreamChat(ctx context.Context, req llm.Request) (<-chan llm.Delta, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	out := make(chan llm.Delta, 8)
	go func() {
		defer close(out)
		if f.block {
			<-ctx.Done()
			out <- llm.Delta{Done: true, Err: ctx.Err()}
			return
		}
		for _, c := range f.chunks {
			select {
			case out <- llm.Delta{Content: c}:
			case <-ctx.Done():
				out <- llm.Delta{Done: true, Err: ctx.Err()}
				return
			}
		}
		if f.streamErr != nil {
			out <- llm.Delta{Done: true, Err: f.streamErr}
			return
		}
		out <- llm.Delta{Done: true}
	}()
	return out, nil
}

func (f *fakeProvider) lastRequest() llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func runContext() RunContext {
	return RunContext{
		TraceID:  "trace-1",
		UserID:   "u1",
		ThreadID: "t1",
		StreamID: "s1",
		Query:    "what is the billing policy",
		History:  []llm.Message{{Role: llm.RoleUser, Content: "what is the billing policy"}},
	}
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var all []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return all
			}
			all = append(all, ev)
		case <-timeout:
			t.Fatalf("stream did not close; got %d events", len(all))
		}
	}
}

// requireWellFormed asserts metadata-first, terminal-last ordering.
func requireWellFormed(t *testing.T, events []Event) {
	t.Helper()
	require.NotEmpty(t, events)
	require.Equal(t, EventMetadata, events[0].Type)
	require.True(t, events[len(events)-1].Terminal())
	for _, ev := range events[1 : len(events)-1] {
		require.Contains(t, []EventType{EventAgentUpdated, EventData}, ev.Type)
	}
}

func concatenated(events []Event) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Type == EventData {
			b.WriteString(ev.Answer)
		}
	}
	return b.String()
}

func TestNormalAgent_EventOrdering(t *testing.T) {
	provider := &fakeProvider{chunks: []string{"Hel", "lo ", "there"}}
	a := NewNormalAgent(provider, logger.Default())

	events := collect(t, a.Run(context.Background(), runContext()))
	requireWellFormed(t, events)

	require.Equal(t, "trace-1", events[0].TraceID)
	require.Equal(t, "s1", events[0].StreamID)
	require.Equal(t, EventAgentUpdated, events[1].Type)
	require.Equal(t, ContentFinalAnswer, events[1].ContentType)

	last := events[len(events)-1]
	require.Equal(t, EventDone, last.Type)
	require.Equal(t, "s1", last.StreamID) // matches metadata
	require.Equal(t, "Hello there", concatenated(events))
}

func TestNormalAgent_SystemPrompt(t *testing.T) {
	provider := &fakeProvider{chunks: []string{"ok"}}
	a := NewNormalAgent(provider, logger.Default())

	rc := runContext()
	rc.SystemPrompt = "be terse"
	collect(t, a.Run(context.Background(), rc))

	req := provider.lastRequest()
	require.Equal(t, llm.RoleSystem, req.Messages[0].Role)
	require.Equal(t, "be terse", req.Messages[0].Content)
}

func TestNormalAgent_UpstreamFailure(t *testing.T) {
	provider := &fakeProvider{streamErr: errors.New("boom")}
	a := NewNormalAgent(provider, logger.Default())

	events := collect(t, a.Run(context.Background(), runContext()))
	requireWellFormed(t, events)
	last := events[len(events)-1]
	require.Equal(t, EventError, last.Type)
	require.Equal(t, CodeUpstreamUnavailable, last.Code)
}

func TestNormalAgent_Cancellation(t *testing.T) {
	provider := &fakeProvider{block: true}
	a := NewNormalAgent(provider, logger.Default())

	ctx, cancel := context.WithCancel(context.Background())
	events := a.Run(ctx, runContext())

	// Drain the handshake, then cancel.
	require.Equal(t, EventMetadata, (<-events).Type)
	require.Equal(t, EventAgentUpdated, (<-events).Type)
	cancel()

	deadline := time.After(500 * time.Millisecond)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return // closed promptly, possibly after an aborted done
			}
			if ev.Type == EventDone {
				require.Equal(t, "aborted", ev.Note)
			}
		case <-deadline:
			t.Fatal("stream did not terminate within 500ms of cancellation")
		}
	}
}

func TestRAGAgent_CitationsAndGrounding(t *testing.T) {
	provider := &fakeProvider{chunks: []string{"grounded answer"}}
	index := retrieval.NewMemoryRetriever()
	index.Add(retrieval.Document{ID: "d1", Title: "Billing FAQ", Source: "kb://billing", Content: "billing policy details"})
	a := NewRAGAgent(provider, index, 5, logger.Default())

	events := collect(t, a.Run(context.Background(), runContext()))
	requireWellFormed(t, events)

	require.Len(t, events[0].Citations, 1)
	require.Equal(t, "Billing FAQ", events[0].Citations[0].Title)
	require.Equal(t, "kb://billing", events[0].Citations[0].Source)
	require.Equal(t, "grounded answer", concatenated(events))

	// Retrieved passages are folded into the system context.
	req := provider.lastRequest()
	require.Equal(t, llm.RoleSystem, req.Messages[0].Role)
	require.Contains(t, req.Messages[0].Content, "Billing FAQ")
}

func TestRAGAgent_RetrievalScopedToUser(t *testing.T) {
	provider := &fakeProvider{chunks: []string{"answer"}}
	index := retrieval.NewMemoryRetriever()
	index.Add(
		retrieval.Document{ID: "shared", Title: "billing policy", Content: "billing policy overview"},
		retrieval.Document{ID: "theirs", UserID: "other-user", Title: "billing policy", Content: "billing policy private notes"},
	)
	a := NewRAGAgent(provider, index, 5, logger.Default())

	events := collect(t, a.Run(context.Background(), runContext()))
	requireWellFormed(t, events)

	// Another user's documents never surface as citations.
	require.Len(t, events[0].Citations, 1)
	require.Equal(t, "billing policy", events[0].Citations[0].Title)
	for _, c := range events[0].Citations {
		require.NotContains(t, c.Snippet, "private notes")
	}
}

func TestRAGAgent_NoMatchesDegrades(t *testing.T) {
	provider := &fakeProvider{chunks: []string{"plain answer"}}
	a := NewRAGAgent(provider, retrieval.NewMemoryRetriever(), 5, logger.Default())

	events := collect(t, a.Run(context.Background(), runContext()))
	requireWellFormed(t, events)
	require.Empty(t, events[0].Citations)
	require.Equal(t, EventDone, events[len(events)-1].Type)
}

func TestOrchestrator_Sequencing(t *testing.T) {
	provider := &fakeProvider{chunks: []string{"answer part"}}
	index := retrieval.NewMemoryRetriever()
	index.Add(retrieval.Document{ID: "d1", Title: "Billing FAQ", Source: "kb://billing", Content: "billing policy details"})
	a := NewOrchestratorAgent(provider, index, 5, logger.Default())

	events := collect(t, a.Run(context.Background(), runContext()))
	requireWellFormed(t, events)

	var updates []Event
	for _, ev := range events {
		if ev.Type == EventAgentUpdated {
			updates = append(updates, ev)
		}
	}
	require.Len(t, updates, 3)
	require.Equal(t, plannerName, updates[0].AgentName)
	require.Equal(t, ContentThoughts, updates[0].ContentType)
	require.Equal(t, researcherName, updates[1].AgentName)
	require.Equal(t, writerName, updates[2].AgentName)
	require.Equal(t, ContentFinalAnswer, updates[2].ContentType)

	// Fragments after the final handoff form the written answer.
	var afterWriter strings.Builder
	writing := false
	for _, ev := range events {
		if ev.Type == EventAgentUpdated && ev.AgentName == writerName {
			writing = true
			continue
		}
		if writing && ev.Type == EventData {
			afterWriter.WriteString(ev.Answer)
		}
	}
	require.Equal(t, "answer part", afterWriter.String())
}

func TestOrchestrator_SkipsResearchWithoutRetriever(t *testing.T) {
	provider := &fakeProvider{chunks: []string{"direct"}}
	a := NewOrchestratorAgent(provider, nil, 0, logger.Default())

	events := collect(t, a.Run(context.Background(), runContext()))
	requireWellFormed(t, events)

	var names []string
	for _, ev := range events {
		if ev.Type == EventAgentUpdated {
			names = append(names, ev.AgentName)
		}
	}
	require.Equal(t, []string{plannerName, writerName}, names)
}

func TestOrchestrator_SubAgentFailureStops(t *testing.T) {
	provider := &fakeProvider{streamErr: errors.New("model gone")}
	a := NewOrchestratorAgent(provider, nil, 0, logger.Default())

	events := collect(t, a.Run(context.Background(), runContext()))
	last := events[len(events)-1]
	require.Equal(t, EventError, last.Type)

	// The planner failed; the writer must never have been announced.
	for _, ev := range events {
		require.NotEqual(t, writerName, ev.AgentName)
	}
}

func TestCatalog_ResolveAndFallback(t *testing.T) {
	provider := &fakeProvider{chunks: []string{"x"}}
	normal := NewNormalAgent(provider, logger.Default())
	c := NewCatalog(normal, logger.Default())
	c.Register(NewRAGAgent(provider, retrieval.NewMemoryRetriever(), 5, logger.Default()))

	require.Equal(t, TypeNormal, c.Resolve("").Type())
	require.Equal(t, TypeRAG, c.Resolve(TypeRAG).Type())
	require.Equal(t, TypeNormal, c.Resolve("no-such-agent").Type())
	require.False(t, c.Known("no-such-agent"))

	infos := c.List()
	require.Len(t, infos, 2)
	require.Equal(t, TypeNormal, infos[0].ID) // sorted by id
}

func TestParsePlan(t *testing.T) {
	p := parsePlan("Summarize billing policy.\n1. Check the FAQ\n2. Draft answer\n", true)
	require.Equal(t, "Summarize billing policy.", p.Summary)
	require.Equal(t, []string{"Check the FAQ", "Draft answer"}, p.Steps)
	require.True(t, p.RequiresResearch)

	p = parsePlan("", false)
	require.NotEmpty(t, p.Summary)
	require.False(t, p.RequiresResearch)
}
