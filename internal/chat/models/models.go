// Package models defines the persisted chat entities.
package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Well-known message metadata keys.
const (
	MetaAgentType = "agentType"
	MetaTraceID   = "traceId"
	MetaCitations = "citations"
	MetaStreamID  = "streamId"
	MetaError     = "error"
)

// Thread is a container for one conversation.
type Thread struct {
	ID             string            `json:"id" db:"id"`
	UserID         string            `json:"user_id" db:"user_id"`
	Title          string            `json:"title,omitempty" db:"title"`
	IsBookmarked   bool              `json:"is_bookmarked" db:"is_bookmarked"`
	Metadata       map[string]string `json:"metadata,omitempty" db:"-"`
	TraceID        string            `json:"trace_id,omitempty" db:"trace_id"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	LastModifiedAt time.Time         `json:"last_modified_at" db:"last_modified_at"`
	IsDeleted      bool              `json:"is_deleted" db:"is_deleted"`
	ETag           string            `json:"etag" db:"etag"`
	Version        int64             `json:"version" db:"version"`
}

// Message is one turn in a thread. UserID is denormalized from the parent
// thread so a partitioned backend can route by owner without a join.
type Message struct {
	ID             string            `json:"id" db:"id"`
	ThreadID       string            `json:"thread_id" db:"thread_id"`
	UserID         string            `json:"user_id" db:"user_id"`
	Role           Role              `json:"role" db:"role"`
	Content        string            `json:"content" db:"content"`
	Metadata       map[string]string `json:"metadata,omitempty" db:"-"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	LastModifiedAt time.Time         `json:"last_modified_at" db:"last_modified_at"`
	IsDeleted      bool              `json:"is_deleted" db:"is_deleted"`
	ETag           string            `json:"etag" db:"etag"`
	Version        int64             `json:"version" db:"version"`
}

// Citation points at a retrieved source passage backing an answer.
type Citation struct {
	Title   string  `json:"title"`
	Source  string  `json:"source,omitempty"`
	Snippet string  `json:"snippet,omitempty"`
	Score   float32 `json:"score,omitempty"`
}

// NewID returns a time-ordered identifier (UUIDv7) so natural ordering
// aligns with creation order.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewETag returns a fresh opaque concurrency tag.
func NewETag() string {
	return uuid.NewString()
}

// Clone returns a deep copy of the thread.
func (t *Thread) Clone() *Thread {
	cp := *t
	cp.Metadata = cloneMeta(t.Metadata)
	return &cp
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	cp := *m
	cp.Metadata = cloneMeta(m.Metadata)
	return &cp
}

func cloneMeta(meta map[string]string) map[string]string {
	if meta == nil {
		return nil
	}
	cp := make(map[string]string, len(meta))
	for k, v := range meta {
		cp[k] = v
	}
	return cp
}

// TitleFromContent derives a thread title from the first user message:
// whitespace collapsed, truncated to 80 characters.
func TitleFromContent(content string) string {
	collapsed := strings.Join(strings.Fields(content), " ")
	runes := []rune(collapsed)
	if len(runes) > 80 {
		return string(runes[:80])
	}
	return collapsed
}
