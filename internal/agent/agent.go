package agent

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/threadline/threadline/pkg/llm"
)

// streamBuffer bounds pending events per run so a slow consumer applies
// backpressure to the producing agent.
const streamBuffer = 64

// llmAttempts bounds internal retries of the stream-open call when the
// provider reports a retryable failure (rate limit, upstream 5xx).
const llmAttempts = 3

// RunContext carries one chat turn into an agent run.
type RunContext struct {
	TraceID      string
	UserID       string
	ThreadID     string
	StreamID     string
	Query        string        // latest user message
	History      []llm.Message // prepared history, ends with the user turn
	SystemPrompt string
	Temperature  float32
	MaxTokens    int
}

// Agent produces the event stream for one chat turn. The returned channel
// emits metadata first, then agent_updated/data events, and is closed after
// exactly one terminal done or error event. Runs observe ctx and reach a
// terminal event promptly after cancellation.
type Agent interface {
	Type() string
	Name() string
	Description() string
	Run(ctx context.Context, rc RunContext) <-chan Event
}

// emit delivers ev unless the run is cancelled. Returns false when the
// consumer is gone and the producer should stop.
func emit(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// emitAborted delivers the cancellation done event without blocking: by the
// time a run is cancelled its consumer may already have stopped reading and
// synthesised its own terminal event.
func emitAborted(out chan<- Event, streamID string) {
	select {
	case out <- Done(streamID, "", "aborted"):
	default:
	}
}

// openStream opens the provider stream, retrying retryable failures with
// jittered backoff inside the attempt budget.
func openStream(ctx context.Context, provider llm.Provider, req llm.Request) (<-chan llm.Delta, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	return backoff.Retry(ctx, func() (<-chan llm.Delta, error) {
		deltas, err := provider.StreamChat(ctx, req)
		if err != nil && !llm.IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return deltas, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(llmAttempts))
}

// streamCompletion runs one LLM completion and forwards its deltas as data
// events. It returns the full text on success; on cancellation it emits the
// terminal done (with an abort note) and on failure the terminal error, in
// both cases reporting done=true so the caller stops.
func streamCompletion(ctx context.Context, provider llm.Provider, req llm.Request, rc RunContext, out chan<- Event) (text string, terminal bool) {
	deltas, err := openStream(ctx, provider, req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			emitAborted(out, rc.StreamID)
		} else {
			emit(ctx, out, Failure(CodeUpstreamUnavailable, "language model unavailable: "+err.Error()))
		}
		return "", true
	}

	var collected []byte
	for delta := range deltas {
		if delta.Err != nil {
			if errors.Is(delta.Err, context.Canceled) || errors.Is(delta.Err, context.DeadlineExceeded) {
				// Cancellation is not an error: close out normally, keeping
				// the partial content already emitted.
				emitAborted(out, rc.StreamID)
			} else {
				emit(ctx, out, Failure(CodeUpstreamUnavailable, "stream failed: "+delta.Err.Error()))
			}
			return string(collected), true
		}
		if delta.Done {
			break
		}
		collected = append(collected, delta.Content...)
		if !emit(ctx, out, Data(delta.Content)) {
			return string(collected), true
		}
	}
	return string(collected), false
}
