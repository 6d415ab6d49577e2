package registry

import (
	"context"
	"fmt"

	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/internal/events/bus"
)

const cancelEventType = "stream.cancel_thread"

// DistributedRegistry layers cross-instance thread cancellation over a
// LocalRegistry. CancelThread broadcasts on the bus; every instance
// (including the sender) applies the event to its local streams, so only
// the instance that owns a stream needs to know about it.
type DistributedRegistry struct {
	local    *LocalRegistry
	bus      bus.EventBus
	instance string
	sub      bus.Subscription
	log      *logger.Logger
}

var _ Registry = (*DistributedRegistry)(nil)

// NewDistributedRegistry wires local onto eventBus. instanceID identifies
// this process in broadcast events.
func NewDistributedRegistry(local *LocalRegistry, eventBus bus.EventBus, instanceID string, log *logger.Logger) (*DistributedRegistry, error) {
	if log == nil {
		log = logger.Default()
	}
	r := &DistributedRegistry{
		local:    local,
		bus:      eventBus,
		instance: instanceID,
		log:      log,
	}
	sub, err := eventBus.Subscribe(CancelSubject, r.handleCancel)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", CancelSubject, err)
	}
	r.sub = sub
	return r, nil
}

func (r *DistributedRegistry) handleCancel(ctx context.Context, event *bus.Event) error {
	threadID := event.Data["thread_id"]
	if threadID == "" {
		return nil
	}
	// Re-applying our own broadcast is harmless: the streams are gone.
	r.local.cancelThreadLocal(threadID)
	return nil
}

func (r *DistributedRegistry) Register(ctx context.Context, streamID, threadID, userID string) (context.Context, error) {
	return r.local.Register(ctx, streamID, threadID, userID)
}

func (r *DistributedRegistry) Release(streamID string) {
	r.local.Release(streamID)
}

func (r *DistributedRegistry) Touch(streamID string) {
	r.local.Touch(streamID)
}

func (r *DistributedRegistry) Cancel(streamID string) bool {
	return r.local.Cancel(streamID)
}

func (r *DistributedRegistry) CancelThread(ctx context.Context, threadID string) (int, error) {
	n := r.local.cancelThreadLocal(threadID)
	event := bus.NewEvent(cancelEventType, r.instance, map[string]string{"thread_id": threadID})
	if err := r.bus.Publish(ctx, CancelSubject, event); err != nil {
		// Local cancellation already took effect; the broadcast failure only
		// affects peers.
		r.log.WithThreadID(threadID).WithError(err).Warn("cancel broadcast failed")
		return n, fmt.Errorf("cancel broadcast failed: %w", err)
	}
	return n, nil
}

func (r *DistributedRegistry) Active() int {
	return r.local.Active()
}

func (r *DistributedRegistry) Close() error {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
	return r.local.Close()
}
