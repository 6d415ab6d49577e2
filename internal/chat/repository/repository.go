// Package repository defines the durable store contract for threads and
// messages: optimistic concurrency via ETags, soft delete, continuation-token
// pagination, and per-user isolation.
package repository

import (
	"context"

	"github.com/threadline/threadline/internal/chat/models"
)

// Page caps. Callers may ask for less; implementations never return more.
const (
	DefaultThreadPageSize  = 20
	MaxThreadPageSize      = 50
	DefaultMessagePageSize = 50
	MaxMessagePageSize     = 100
)

// SessionToken is an opaque per-write token granting read-your-writes
// consistency from a distributed backend. The in-memory and sqlite
// implementations are strongly consistent and return an empty token.
type SessionToken string

// WriteOptions controls a single mutating call.
type WriteOptions struct {
	// IfMatch, when non-empty, makes the write conditional on the current
	// ETag. A mismatch fails with ErrConflict.
	IfMatch string

	// RetryOnConflict requests one automatic retry on ETag mismatch: the
	// operation refetches, re-applies the logical change, and writes once.
	// Nested retry is never performed.
	RetryOnConflict bool
}

// ThreadPatch is the logical change applied by UpdateThread.
// Nil fields are left untouched.
type ThreadPatch struct {
	Title        *string
	IsBookmarked *bool
	Metadata     map[string]string
	TraceID      *string
}

// MessagePatch is the logical change applied by UpdateMessage.
type MessagePatch struct {
	Content  *string
	Metadata map[string]string
}

// ListThreadsOptions controls thread listing. Ordering is lastModifiedAt
// descending; the continuation token encodes the next cursor.
type ListThreadsOptions struct {
	Limit             int
	ContinuationToken string
	IncludeDeleted    bool
	Session           SessionToken
}

// ListMessagesOptions controls message listing. Ordering is createdAt
// ascending (conversation order).
type ListMessagesOptions struct {
	Limit             int
	ContinuationToken string
	IncludeDeleted    bool
	Session           SessionToken
}

// ThreadPage is one page of threads.
type ThreadPage struct {
	Items             []*models.Thread
	ContinuationToken string
	HasMore           bool
}

// MessagePage is one page of messages.
type MessagePage struct {
	Items             []*models.Message
	ContinuationToken string
	HasMore           bool
}

// Repository is the durable store for threads and messages.
//
// Gets return (nil, nil) when the entity is absent; mutations return
// ErrNotFound. All failures map onto ErrNotFound, ErrConflict, ErrInvalid,
// or a transient error recognizable via IsTransient.
type Repository interface {
	// Threads
	CreateThread(ctx context.Context, thread *models.Thread) (SessionToken, error)
	GetThread(ctx context.Context, id string) (*models.Thread, error)
	UpdateThread(ctx context.Context, id string, patch ThreadPatch, opts WriteOptions) (*models.Thread, SessionToken, error)
	SoftDeleteThread(ctx context.Context, id string, opts WriteOptions) (SessionToken, error)
	RestoreThread(ctx context.Context, id string, opts WriteOptions) (SessionToken, error)
	// HardDeleteThread removes the thread and cascades to its messages.
	HardDeleteThread(ctx context.Context, id string) error
	ListThreads(ctx context.Context, userID string, opts ListThreadsOptions) (*ThreadPage, error)
	// TouchThread bumps lastModifiedAt (and the ETag) so by-recency listings
	// reflect conversational activity.
	TouchThread(ctx context.Context, id string) error

	// Messages
	UpsertMessage(ctx context.Context, msg *models.Message, opts WriteOptions) (SessionToken, error)
	GetMessage(ctx context.Context, threadID, id string) (*models.Message, error)
	ListMessages(ctx context.Context, threadID string, opts ListMessagesOptions) (*MessagePage, error)
	UpdateMessage(ctx context.Context, threadID, id string, patch MessagePatch, opts WriteOptions) (*models.Message, SessionToken, error)
	SoftDeleteMessage(ctx context.Context, threadID, id string, opts WriteOptions) (SessionToken, error)
	HardDeleteMessage(ctx context.Context, threadID, id string) error
	CountMessages(ctx context.Context, threadID string) (int, error)
	GetLastMessage(ctx context.Context, threadID string) (*models.Message, error)
	BulkUpsertMessages(ctx context.Context, msgs []*models.Message) (SessionToken, error)
	BulkDeleteMessages(ctx context.Context, threadID string, ids []string) error

	// Close releases any backing connections.
	Close() error
}

// ClampThreadLimit normalizes a caller-provided page size.
func ClampThreadLimit(limit int) int {
	if limit <= 0 {
		return DefaultThreadPageSize
	}
	if limit > MaxThreadPageSize {
		return MaxThreadPageSize
	}
	return limit
}

// ClampMessageLimit normalizes a caller-provided page size.
func ClampMessageLimit(limit int) int {
	if limit <= 0 {
		return DefaultMessagePageSize
	}
	if limit > MaxMessagePageSize {
		return MaxMessagePageSize
	}
	return limit
}
