// Package registry tracks in-flight response streams so they can be
// cancelled by stream id or, across instances, by thread id.
package registry

import (
	"context"
	"time"
)

// Subject carrying cross-instance cancellation events.
const CancelSubject = "streams.cancel"

// DefaultTTL bounds how long an entry may stay registered without
// activity. Idle streams past this are presumed leaked and are cancelled
// by the sweeper.
const DefaultTTL = time.Hour

// Entry describes one registered stream.
type Entry struct {
	StreamID   string
	ThreadID   string
	UserID     string
	StartedAt  time.Time
	LastActive time.Time
}

// Registry tracks active streams. Register derives a cancellable context
// from the caller's; cancelling through the registry cancels that context,
// which the streaming pipeline observes as ctx.Done().
type Registry interface {
	// Register adds a stream and returns the context its pipeline must run
	// under. Registering an already-present stream id fails.
	Register(ctx context.Context, streamID, threadID, userID string) (context.Context, error)

	// Release removes a completed stream without cancelling it.
	Release(streamID string)

	// Touch marks the stream as active, deferring its TTL expiry. Unknown
	// stream ids are ignored.
	Touch(streamID string)

	// Cancel cancels a single stream. Returns false if it was not present.
	Cancel(streamID string) bool

	// CancelThread cancels every local stream on the thread; a distributed
	// registry also broadcasts so peer instances do the same. Returns the
	// number of streams cancelled locally.
	CancelThread(ctx context.Context, threadID string) (int, error)

	// Active returns the number of registered streams.
	Active() int

	// Close cancels all remaining streams and stops background work.
	Close() error
}
