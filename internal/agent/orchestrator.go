package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/pkg/llm"
	"github.com/threadline/threadline/pkg/retrieval"
)

// Sub-agent names surfaced on agent_updated events.
const (
	plannerName    = "Planner"
	researcherName = "Researcher"
	writerName     = "Writer"
)

const plannerPrompt = `You are a planning assistant. Break the user's request into a short plan:
a one-line summary followed by up to five numbered steps. Be brief; do not answer the request itself.`

// plan is the planner's structured output.
type plan struct {
	Summary          string
	RequiresResearch bool
	Steps            []string
}

// research is the researcher's structured output.
type research struct {
	Findings   []string
	Sources    []string
	Confidence float32
}

// OrchestratorAgent sequences planner, optional researcher, and writer.
// The handoff order is fixed; there is no loop and no dynamic routing. A
// sub-agent failure terminates the whole run.
type OrchestratorAgent struct {
	provider  llm.Provider
	retriever retrieval.Retriever // nil disables the research phase
	topK      int
	log       *logger.Logger
}

var _ Agent = (*OrchestratorAgent)(nil)

// NewOrchestratorAgent builds the multi-agent pipeline. retriever may be
// nil, in which case every plan skips research.
func NewOrchestratorAgent(provider llm.Provider, retriever retrieval.Retriever, topK int, log *logger.Logger) *OrchestratorAgent {
	if topK <= 0 {
		topK = retrieval.DefaultTopK
	}
	if log == nil {
		log = logger.Default()
	}
	return &OrchestratorAgent{provider: provider, retriever: retriever, topK: topK, log: log}
}

func (a *OrchestratorAgent) Type() string { return TypeOrchestrator }
func (a *OrchestratorAgent) Name() string { return "Multi-Agent" }
func (a *OrchestratorAgent) Description() string {
	return "Plans, researches when needed, then writes the answer."
}

func (a *OrchestratorAgent) Run(ctx context.Context, rc RunContext) <-chan Event {
	out := make(chan Event, streamBuffer)
	go func() {
		defer close(out)

		if !emit(ctx, out, Metadata(rc.TraceID, rc.StreamID, nil)) {
			return
		}

		p, terminal := a.runPlanner(ctx, rc, out)
		if terminal {
			return
		}

		var findings *research
		if p.RequiresResearch {
			findings, terminal = a.runResearcher(ctx, rc, out)
			if terminal {
				return
			}
		}

		if terminal = a.runWriter(ctx, rc, p, findings, out); terminal {
			return
		}
		emit(ctx, out, Done(rc.StreamID, "", ""))
	}()
	return out
}

// runPlanner streams the plan as thoughts and parses it into structure.
func (a *OrchestratorAgent) runPlanner(ctx context.Context, rc RunContext, out chan<- Event) (*plan, bool) {
	if !emit(ctx, out, AgentUpdated(plannerName, ContentThoughts, "Break the request into steps")) {
		return nil, true
	}
	req := llm.Request{
		Messages: append(
			[]llm.Message{{Role: llm.RoleSystem, Content: plannerPrompt}},
			rc.History...,
		),
		Temperature: 0.2, // plans should be stable
		MaxTokens:   512,
	}
	text, terminal := streamCompletion(ctx, a.provider, req, rc, out)
	if terminal {
		return nil, true
	}
	return parsePlan(text, a.retriever != nil), false
}

// parsePlan extracts the summary and steps from the planner's text. The
// research phase runs whenever a retriever is wired: the handoff stays
// deterministic instead of depending on model output.
func parsePlan(text string, canResearch bool) *plan {
	p := &plan{RequiresResearch: canResearch}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if p.Summary == "" {
			p.Summary = line
			continue
		}
		step := strings.TrimLeft(line, "0123456789.-*) ")
		if step != "" {
			p.Steps = append(p.Steps, step)
		}
	}
	if p.Summary == "" {
		p.Summary = "Answer the request directly."
	}
	return p
}

// runResearcher retrieves supporting passages and reports them as thoughts.
func (a *OrchestratorAgent) runResearcher(ctx context.Context, rc RunContext, out chan<- Event) (*research, bool) {
	if !emit(ctx, out, AgentUpdated(researcherName, ContentThoughts, "Gather supporting information")) {
		return nil, true
	}
	searchCtx, cancel := context.WithTimeout(ctx, retrievalBudget)
	docs, err := a.retriever.Search(searchCtx, rc.Query, a.topK, retrieval.SearchOptions{UserID: rc.UserID})
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			emitAborted(out, rc.StreamID)
			return nil, true
		}
		a.log.WithThreadID(rc.ThreadID).WithError(err).Warn("research retrieval failed, continuing without findings")
		docs = nil
	}

	r := &research{}
	for _, doc := range docs {
		r.Findings = append(r.Findings, fmt.Sprintf("%s: %s", doc.Title, snippet(doc.Content)))
		if doc.Source != "" {
			r.Sources = append(r.Sources, doc.Source)
		}
		if doc.Score > r.Confidence {
			r.Confidence = doc.Score
		}
	}

	summary := "No relevant sources found.\n"
	if len(r.Findings) > 0 {
		summary = fmt.Sprintf("Found %d relevant sources:\n- %s\n", len(r.Findings), strings.Join(r.Findings, "\n- "))
	}
	if !emit(ctx, out, Data(summary)) {
		return nil, true
	}
	return r, false
}

// runWriter streams the final answer using the plan and findings as context.
func (a *OrchestratorAgent) runWriter(ctx context.Context, rc RunContext, p *plan, r *research, out chan<- Event) bool {
	if !emit(ctx, out, AgentUpdated(writerName, ContentFinalAnswer, "Write the final answer")) {
		return true
	}
	var b strings.Builder
	if rc.SystemPrompt != "" {
		b.WriteString(rc.SystemPrompt)
		b.WriteString("\n\n")
	}
	b.WriteString("Write the final answer for the user following this plan:\n")
	b.WriteString(p.Summary)
	for _, step := range p.Steps {
		b.WriteString("\n- ")
		b.WriteString(step)
	}
	if r != nil && len(r.Findings) > 0 {
		b.WriteString("\n\nResearch findings:\n- ")
		b.WriteString(strings.Join(r.Findings, "\n- "))
	}

	req := llm.Request{
		Messages:    withSystemPrompt(b.String(), rc.History),
		Temperature: rc.Temperature,
		MaxTokens:   rc.MaxTokens,
	}
	_, terminal := streamCompletion(ctx, a.provider, req, rc, out)
	return terminal
}
