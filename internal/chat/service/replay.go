package service

import (
	"sync"
	"time"

	"github.com/threadline/threadline/internal/agent"
)

const (
	replaySweepInterval = time.Minute
	replayMaxEvents     = 512
)

type replayEntry struct {
	streamID string
	events   []agent.Event
	updated  time.Time
}

// ReplayBuffer keeps the most recent stream's events per thread for a
// bounded time so a reconnecting client can replay them. Best-effort only:
// correctness never depends on it.
type ReplayBuffer struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*replayEntry // threadID -> latest stream
	done    chan struct{}
	once    sync.Once
}

// NewReplayBuffer creates a buffer whose entries expire after ttl.
func NewReplayBuffer(ttl time.Duration) *ReplayBuffer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	b := &ReplayBuffer{
		ttl:     ttl,
		entries: make(map[string]*replayEntry),
		done:    make(chan struct{}),
	}
	go b.sweepLoop()
	return b
}

// Append records ev for the thread. A new stream id resets the buffer so
// only the latest stream is replayable.
func (b *ReplayBuffer) Append(threadID, streamID string, ev agent.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry := b.entries[threadID]
	if entry == nil || entry.streamID != streamID {
		entry = &replayEntry{streamID: streamID}
		b.entries[threadID] = entry
	}
	if len(entry.events) < replayMaxEvents {
		entry.events = append(entry.events, ev)
	}
	entry.updated = time.Now()
}

// Replay returns the buffered events for the thread's latest stream.
func (b *ReplayBuffer) Replay(threadID string) []agent.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry := b.entries[threadID]
	if entry == nil || time.Since(entry.updated) > b.ttl {
		return nil
	}
	out := make([]agent.Event, len(entry.events))
	copy(out, entry.events)
	return out
}

// Close stops the sweeper.
func (b *ReplayBuffer) Close() {
	b.once.Do(func() { close(b.done) })
}

func (b *ReplayBuffer) sweepLoop() {
	ticker := time.NewTicker(replaySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-b.ttl)
			b.mu.Lock()
			for threadID, entry := range b.entries {
				if entry.updated.Before(cutoff) {
					delete(b.entries, threadID)
				}
			}
			b.mu.Unlock()
		}
	}
}
