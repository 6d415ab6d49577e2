package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/common/logger"
)

const sweepInterval = time.Minute

type localEntry struct {
	Entry
	cancel context.CancelFunc
}

// LocalRegistry is the single-instance registry: a mutex-guarded map of
// stream id to cancel func, with a TTL sweeper for leaked entries.
type LocalRegistry struct {
	mu      sync.Mutex
	streams map[string]*localEntry
	ttl     time.Duration
	log     *logger.Logger
	done    chan struct{}
	closed  bool
}

var _ Registry = (*LocalRegistry)(nil)

// NewLocalRegistry creates a registry sweeping entries older than ttl
// (DefaultTTL when ttl <= 0).
func NewLocalRegistry(ttl time.Duration, log *logger.Logger) *LocalRegistry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = logger.Default()
	}
	r := &LocalRegistry{
		streams: make(map[string]*localEntry),
		ttl:     ttl,
		log:     log,
		done:    make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

func (r *LocalRegistry) Register(ctx context.Context, streamID, threadID, userID string) (context.Context, error) {
	if streamID == "" || threadID == "" {
		return nil, fmt.Errorf("stream registration requires stream and thread ids")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("registry closed")
	}
	if _, exists := r.streams[streamID]; exists {
		return nil, fmt.Errorf("stream %s already registered", streamID)
	}
	streamCtx, cancel := context.WithCancel(ctx)
	now := time.Now()
	r.streams[streamID] = &localEntry{
		Entry: Entry{
			StreamID:   streamID,
			ThreadID:   threadID,
			UserID:     userID,
			StartedAt:  now,
			LastActive: now,
		},
		cancel: cancel,
	}
	return streamCtx, nil
}

// Touch defers TTL expiry for a stream that showed activity (an event
// forwarded, a partial persisted).
func (r *LocalRegistry) Touch(streamID string) {
	r.mu.Lock()
	if e, ok := r.streams[streamID]; ok {
		e.LastActive = time.Now()
	}
	r.mu.Unlock()
}

func (r *LocalRegistry) Release(streamID string) {
	r.mu.Lock()
	e, ok := r.streams[streamID]
	delete(r.streams, streamID)
	r.mu.Unlock()
	if ok {
		// Release the derived context's resources without treating the
		// stream as cancelled: by now its pipeline has already finished.
		e.cancel()
	}
}

func (r *LocalRegistry) Cancel(streamID string) bool {
	r.mu.Lock()
	e, ok := r.streams[streamID]
	delete(r.streams, streamID)
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.cancel()
	r.log.WithStreamID(streamID).Debug("stream cancelled")
	return true
}

func (r *LocalRegistry) CancelThread(ctx context.Context, threadID string) (int, error) {
	return r.cancelThreadLocal(threadID), nil
}

func (r *LocalRegistry) cancelThreadLocal(threadID string) int {
	r.mu.Lock()
	var victims []*localEntry
	for id, e := range r.streams {
		if e.ThreadID == threadID {
			victims = append(victims, e)
			delete(r.streams, id)
		}
	}
	r.mu.Unlock()

	for _, e := range victims {
		e.cancel()
	}
	if len(victims) > 0 {
		r.log.WithThreadID(threadID).Debug("thread streams cancelled", zap.Int("count", len(victims)))
	}
	return len(victims)
}

func (r *LocalRegistry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

func (r *LocalRegistry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	victims := make([]*localEntry, 0, len(r.streams))
	for _, e := range r.streams {
		victims = append(victims, e)
	}
	r.streams = make(map[string]*localEntry)
	r.mu.Unlock()

	close(r.done)
	for _, e := range victims {
		e.cancel()
	}
	return nil
}

func (r *LocalRegistry) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *LocalRegistry) sweep() {
	cutoff := time.Now().Add(-r.ttl)
	r.mu.Lock()
	var stale []*localEntry
	for id, e := range r.streams {
		if e.LastActive.Before(cutoff) {
			stale = append(stale, e)
			delete(r.streams, id)
		}
	}
	r.mu.Unlock()

	for _, e := range stale {
		e.cancel()
		r.log.WithStreamID(e.StreamID).Warn("stream idle past TTL, cancelled")
	}
}
