// Package service implements the chat coordinator: it owns the lifecycle
// of one chat turn, from thread ownership checks through agent streaming to
// message persistence and stream cancellation.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/agent"
	"github.com/threadline/threadline/internal/chat/models"
	"github.com/threadline/threadline/internal/chat/repository"
	"github.com/threadline/threadline/internal/common/config"
	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/internal/streams/registry"
	"github.com/threadline/threadline/pkg/llm"
)

// ErrForbidden marks a cross-user access attempt.
var ErrForbidden = errors.New("forbidden")

// Conversation styles map onto sampling temperature.
const (
	StyleBalanced = "balanced"
	StyleCreative = "creative"
	StylePrecise  = "precise"
)

const defaultLLMBudget = 120 * time.Second

// IncomingMessage is one turn submitted by the client.
type IncomingMessage struct {
	ID       string            `json:"id,omitempty"`
	Role     string            `json:"role"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ChatRequest is the validated input to ProcessChat.
type ChatRequest struct {
	ThreadID          string
	UserID            string
	AgentType         string
	Messages          []IncomingMessage
	ConversationStyle string
	MaxTokens         int
	Temperature       *float32
	SystemPrompt      string
}

// ChatStream is a running chat turn. Events carries the full event
// sequence (metadata first, one terminal done or error last); the channel
// closes after the terminal event.
type ChatStream struct {
	ThreadID string
	StreamID string
	Events   <-chan agent.Event
}

// Coordinator wires the repository, stream registry, agent catalog, and
// replay buffer into the process_chat operation.
type Coordinator struct {
	repo     repository.Repository
	registry registry.Registry
	catalog  *agent.Catalog
	replay   *ReplayBuffer
	cfg      config.ChatConfig
	llmCfg   config.LLMConfig
	log      *logger.Logger
}

// NewCoordinator builds a coordinator. replay may be nil to disable replay
// buffering.
func NewCoordinator(
	repo repository.Repository,
	reg registry.Registry,
	catalog *agent.Catalog,
	replay *ReplayBuffer,
	cfg config.ChatConfig,
	llmCfg config.LLMConfig,
	log *logger.Logger,
) *Coordinator {
	if log == nil {
		log = logger.Default()
	}
	return &Coordinator{
		repo:     repo,
		registry: reg,
		catalog:  catalog,
		replay:   replay,
		cfg:      cfg,
		llmCfg:   llmCfg,
		log:      log,
	}
}

// ProcessChat validates the request, persists the user turn, registers the
// stream, and starts the agent. Validation, ownership, and user-turn
// persistence failures are returned synchronously; everything after that
// surfaces as events on the stream.
func (c *Coordinator) ProcessChat(ctx context.Context, req ChatRequest) (*ChatStream, error) {
	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	thread, err := c.resolveThread(ctx, &req)
	if err != nil {
		return nil, err
	}

	if _, err := c.persistUserTurn(ctx, thread, &req); err != nil {
		return nil, err
	}

	streamID := models.NewID()
	streamCtx, err := c.registry.Register(ctx, streamID, thread.ID, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("stream registration failed: %w", err)
	}

	selected := c.catalog.Resolve(req.AgentType)
	rc := agent.RunContext{
		TraceID:      models.NewID(),
		UserID:       req.UserID,
		ThreadID:     thread.ID,
		StreamID:     streamID,
		Query:        req.Messages[len(req.Messages)-1].Content,
		History:      c.buildHistory(req.Messages),
		SystemPrompt: req.SystemPrompt,
		Temperature:  c.temperatureFor(req),
		MaxTokens:    c.maxTokensFor(req),
	}

	out := make(chan agent.Event, 8)
	go c.streamLoop(streamCtx, selected, rc, out)

	return &ChatStream{ThreadID: thread.ID, StreamID: streamID, Events: out}, nil
}

// StopThread cancels every active stream on the thread, across instances.
// Succeeds whether or not a stream is active here.
func (c *Coordinator) StopThread(ctx context.Context, threadID string) (int, error) {
	return c.registry.CancelThread(ctx, threadID)
}

// Agents lists the registered agents.
func (c *Coordinator) Agents() []agent.Info {
	return c.catalog.List()
}

// Replay returns buffered events for the thread's latest stream, after an
// ownership check.
func (c *Coordinator) Replay(ctx context.Context, threadID, userID string) ([]agent.Event, error) {
	thread, err := c.repo.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if thread == nil {
		return nil, fmt.Errorf("%w: thread %s", repository.ErrNotFound, threadID)
	}
	if thread.UserID != userID {
		return nil, ErrForbidden
	}
	if c.replay == nil {
		return nil, nil
	}
	return c.replay.Replay(threadID), nil
}

func validateRequest(req *ChatRequest) error {
	if req.UserID == "" {
		return fmt.Errorf("%w: user id required", repository.ErrInvalid)
	}
	if len(req.Messages) == 0 {
		return fmt.Errorf("%w: at least one message required", repository.ErrInvalid)
	}
	for i := range req.Messages {
		m := &req.Messages[i]
		if !models.Role(m.Role).Valid() {
			return fmt.Errorf("%w: unknown role %q", repository.ErrInvalid, m.Role)
		}
		if m.Content == "" && m.Role == string(models.RoleUser) {
			return fmt.Errorf("%w: empty message content", repository.ErrInvalid)
		}
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != string(models.RoleUser) {
		return fmt.Errorf("%w: last message must be a user turn", repository.ErrInvalid)
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 1) {
		return fmt.Errorf("%w: temperature must be within [0,1]", repository.ErrInvalid)
	}
	if req.MaxTokens < 0 || req.MaxTokens > 8192 {
		return fmt.Errorf("%w: maxTokens must be within [1,8192]", repository.ErrInvalid)
	}
	switch req.ConversationStyle {
	case "", StyleBalanced, StyleCreative, StylePrecise:
	default:
		return fmt.Errorf("%w: unknown conversation style %q", repository.ErrInvalid, req.ConversationStyle)
	}
	return nil
}

// resolveThread loads the thread, creating it on first contact, and
// enforces ownership.
func (c *Coordinator) resolveThread(ctx context.Context, req *ChatRequest) (*models.Thread, error) {
	if req.ThreadID == "" {
		req.ThreadID = models.NewID()
	}
	thread, err := c.repo.GetThread(ctx, req.ThreadID)
	if err != nil {
		return nil, err
	}
	if thread == nil {
		thread = &models.Thread{
			ID:     req.ThreadID,
			UserID: req.UserID,
			Title:  models.TitleFromContent(firstUserContent(req.Messages)),
		}
		if _, err := c.repo.CreateThread(ctx, thread); err != nil {
			return nil, err
		}
		return thread, nil
	}
	if thread.UserID != req.UserID {
		return nil, fmt.Errorf("%w: thread %s", ErrForbidden, req.ThreadID)
	}
	return thread, nil
}

func firstUserContent(messages []IncomingMessage) string {
	for _, m := range messages {
		if m.Role == string(models.RoleUser) {
			return m.Content
		}
	}
	return ""
}

// persistUserTurn upserts the latest user message before any agent work so
// a crash mid-stream still leaves the question recorded. Idempotent by
// message id.
func (c *Coordinator) persistUserTurn(ctx context.Context, thread *models.Thread, req *ChatRequest) (*models.Message, error) {
	last := &req.Messages[len(req.Messages)-1]
	if last.ID == "" {
		last.ID = models.NewID()
	}
	msg := &models.Message{
		ID:       last.ID,
		ThreadID: thread.ID,
		UserID:   req.UserID,
		Role:     models.RoleUser,
		Content:  last.Content,
		Metadata: last.Metadata,
	}
	if _, err := c.repo.UpsertMessage(ctx, msg, repository.WriteOptions{}); err != nil {
		return nil, err
	}
	return msg, nil
}

func (c *Coordinator) buildHistory(messages []IncomingMessage) []llm.Message {
	history := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		history = append(history, llm.Message{Role: m.Role, Content: m.Content})
	}
	return prepareHistory(history, c.cfg.HistoryMaxMessages, c.cfg.HistoryTokenBudget)
}

func (c *Coordinator) temperatureFor(req ChatRequest) float32 {
	if req.Temperature != nil {
		return *req.Temperature
	}
	switch req.ConversationStyle {
	case StyleCreative:
		return 0.9
	case StylePrecise:
		return 0.2
	case StyleBalanced:
		return 0.7
	}
	if c.llmCfg.Temperature > 0 {
		return c.llmCfg.Temperature
	}
	return 0.7
}

func (c *Coordinator) maxTokensFor(req ChatRequest) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	if c.llmCfg.MaxTokens > 0 {
		return c.llmCfg.MaxTokens
	}
	return 2048
}

// assistantMessageID derives the assistant message id deterministically
// from (threadID, streamID) so a replayed run upserts the same message.
func assistantMessageID(threadID, streamID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(threadID+"/"+streamID)).String()
}

func (c *Coordinator) llmBudget() time.Duration {
	if c.llmCfg.Timeout > 0 {
		return time.Duration(c.llmCfg.Timeout) * time.Second
	}
	return defaultLLMBudget
}

func (c *Coordinator) flushEveryN() int {
	if c.cfg.FlushEveryN > 0 {
		return c.cfg.FlushEveryN
	}
	return 8
}

func (c *Coordinator) flushInterval() time.Duration {
	if c.cfg.FlushEveryMs > 0 {
		return time.Duration(c.cfg.FlushEveryMs) * time.Millisecond
	}
	return 500 * time.Millisecond
}

// streamLoop consumes the agent's events, forwards them to the client
// channel, and persists the assistant turn opportunistically and at the
// terminal event.
func (c *Coordinator) streamLoop(ctx context.Context, selected agent.Agent, rc agent.RunContext, out chan<- agent.Event) {
	defer close(out)
	defer c.registry.Release(rc.StreamID)

	log := c.log.WithThreadID(rc.ThreadID).WithStreamID(rc.StreamID)

	runCtx, cancelRun := context.WithTimeout(ctx, c.llmBudget())
	defer cancelRun()
	events := selected.Run(runCtx, rc)

	acc := &turnAccumulator{
		coordinator: c,
		threadID:    rc.ThreadID,
		userID:      rc.UserID,
		messageID:   assistantMessageID(rc.ThreadID, rc.StreamID),
		agentType:   selected.Type(),
		traceID:     rc.TraceID,
		streamID:    rc.StreamID,
		flushEvery:  c.flushEveryN(),
		lastFlush:   time.Now(),
		log:         log,
	}

	forward := func(ev agent.Event) bool {
		c.registry.Touch(rc.StreamID)
		if c.replay != nil {
			c.replay.Append(rc.ThreadID, rc.StreamID, ev)
		}
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			// Cancelled between events: persist what we have and close with
			// a normal terminal event noting the abort.
			acc.finalFlush(context.Background(), "")
			terminal := agent.Done(rc.StreamID, acc.messageIDIfStarted(), "aborted")
			if c.replay != nil {
				c.replay.Append(rc.ThreadID, rc.StreamID, terminal)
			}
			// The consumer may be the party that went away; never block on
			// the terminal send.
			select {
			case out <- terminal:
			default:
			}
			log.Info("stream aborted by cancellation")
			return

		case ev, ok := <-events:
			if !ok {
				// Agent closed without a terminal event; treat as failure.
				acc.finalFlush(context.Background(), "stream ended unexpectedly")
				forward(agent.Failure(agent.CodeAgentError, "stream ended unexpectedly"))
				return
			}
			switch ev.Type {
			case agent.EventMetadata:
				ev.StreamID = rc.StreamID
				acc.citations = ev.Citations
				if !forward(ev) {
					continue
				}

			case agent.EventAgentUpdated:
				acc.phase(ev.ContentType)
				if !forward(ev) {
					continue
				}

			case agent.EventData:
				acc.append(ctx, ev.Answer)
				if !forward(ev) {
					continue
				}

			case agent.EventError:
				acc.finalFlush(context.Background(), ev.Error)
				forward(ev)
				log.Warn("stream failed", zap.String("code", ev.Code), zap.String("error", ev.Error))
				return

			case agent.EventDone:
				// The stream context may already be cancelled if the client
				// disconnected racing completion; the terminal persist must
				// not be lost to that.
				acc.finalFlush(context.Background(), "")
				ev.StreamID = rc.StreamID
				ev.MessageID = acc.messageIDIfStarted()
				forward(ev)
				return
			}
		}
	}
}

// turnAccumulator gathers the assistant's final-answer fragments and
// flushes them to the repository every N events or T milliseconds, so a
// crash mid-stream leaves the partial visible.
type turnAccumulator struct {
	coordinator *Coordinator
	threadID    string
	userID      string
	messageID   string
	agentType   string
	traceID     string
	streamID    string
	citations   []models.Citation

	content      []byte
	started      bool
	accumulating bool // active phase emits final-answer content
	sinceFlush   int
	flushEvery   int
	lastFlush    time.Time
	log          *logger.Logger
}

// phase tracks agent_updated transitions. Only final_answer fragments are
// persisted as the assistant message; planner and researcher thoughts are
// streamed to the client but not stored.
func (a *turnAccumulator) phase(contentType string) {
	a.started = true
	a.accumulating = contentType == agent.ContentFinalAnswer
}

func (a *turnAccumulator) append(ctx context.Context, fragment string) {
	a.started = true
	if !a.accumulating {
		return
	}
	a.content = append(a.content, fragment...)
	a.sinceFlush++
	if a.sinceFlush >= a.flushEvery || time.Since(a.lastFlush) >= a.coordinator.flushInterval() {
		a.flush(ctx, "")
	}
}

func (a *turnAccumulator) messageIDIfStarted() string {
	if !a.started {
		return ""
	}
	return a.messageID
}

// flush upserts the assistant message with the current partial content.
// Failures are non-fatal during streaming: the stream continues and the
// next flush retries.
func (a *turnAccumulator) flush(ctx context.Context, errNote string) {
	if !a.started {
		return
	}
	msg := &models.Message{
		ID:       a.messageID,
		ThreadID: a.threadID,
		UserID:   a.userID,
		Role:     models.RoleAssistant,
		Content:  string(a.content),
		Metadata: a.metadata(errNote),
	}
	if _, err := a.coordinator.repo.UpsertMessage(ctx, msg, repository.WriteOptions{RetryOnConflict: true}); err != nil {
		a.log.WithError(err).Warn("partial assistant upsert failed")
		return
	}
	a.sinceFlush = 0
	a.lastFlush = time.Now()
}

// finalFlush persists the full accumulated content once the stream ends,
// with the error note recorded in metadata when the stream failed.
func (a *turnAccumulator) finalFlush(ctx context.Context, errNote string) {
	if !a.started {
		return
	}
	a.flush(ctx, errNote)
}

func (a *turnAccumulator) metadata(errNote string) map[string]string {
	meta := map[string]string{
		models.MetaAgentType: a.agentType,
		models.MetaTraceID:   a.traceID,
		models.MetaStreamID:  a.streamID,
	}
	if errNote != "" {
		meta[models.MetaError] = errNote
	}
	if len(a.citations) > 0 {
		if raw, err := json.Marshal(a.citations); err == nil {
			meta[models.MetaCitations] = string(raw)
		}
	}
	return meta
}
