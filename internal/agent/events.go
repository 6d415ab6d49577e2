// Package agent defines the agent contract: a run produces a lazy, bounded
// channel of typed events, and the built-in agents (normal, RAG,
// multi-agent orchestrator) implement it over the LLM and retrieval
// providers.
package agent

import "github.com/threadline/threadline/internal/chat/models"

// EventType tags the closed set of stream events.
type EventType string

const (
	EventMetadata     EventType = "metadata"
	EventAgentUpdated EventType = "agent_updated"
	EventData         EventType = "data"
	EventDone         EventType = "done"
	EventError        EventType = "error"
)

// Content types carried on agent_updated events.
const (
	ContentThoughts    = "thoughts"
	ContentFinalAnswer = "final_answer"
)

// Stable error codes carried on error events.
const (
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeAgentError          = "AGENT_ERROR"
	CodeInvalidAgent        = "INVALID_AGENT"
)

// Event is the tagged union streamed by an agent run. Only the fields for
// the tagged type are populated; the zero values marshal away.
type Event struct {
	Type EventType `json:"-"`

	// metadata
	TraceID   string            `json:"trace_id,omitempty"`
	Citations []models.Citation `json:"citations,omitempty"`
	StreamID  string            `json:"stream_id,omitempty"`

	// agent_updated
	AgentName      string `json:"agent_name,omitempty"`
	ContentType    string `json:"content_type,omitempty"`
	JobDescription string `json:"job_description,omitempty"`

	// data
	Answer string `json:"answer,omitempty"`

	// done
	MessageID string `json:"message_id,omitempty"`
	Note      string `json:"note,omitempty"`

	// error
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// Metadata builds the handshake event. It is always the first event of a
// stream and carries the same stream id as the terminal done.
func Metadata(traceID, streamID string, citations []models.Citation) Event {
	return Event{Type: EventMetadata, TraceID: traceID, StreamID: streamID, Citations: citations}
}

// AgentUpdated marks a change of active sub-agent or phase.
func AgentUpdated(name, contentType, jobDescription string) Event {
	return Event{Type: EventAgentUpdated, AgentName: name, ContentType: contentType, JobDescription: jobDescription}
}

// Data carries one incremental content fragment.
func Data(answer string) Event {
	return Event{Type: EventData, Answer: answer}
}

// Done terminates a successful stream. note is non-empty when the stream
// was aborted by cancellation.
func Done(streamID, messageID, note string) Event {
	return Event{Type: EventDone, StreamID: streamID, MessageID: messageID, Note: note}
}

// Failure terminates a failed stream.
func Failure(code, message string) Event {
	return Event{Type: EventError, Code: code, Error: message}
}

// Terminal reports whether ev ends the stream.
func (ev Event) Terminal() bool {
	return ev.Type == EventDone || ev.Type == EventError
}
