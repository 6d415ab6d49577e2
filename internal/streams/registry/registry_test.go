package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/internal/events/bus"
)

func waitDone(t *testing.T, ctx context.Context, msg string) {
	t.Helper()
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal(msg)
	}
}

func TestLocalRegistry_RegisterCancel(t *testing.T) {
	r := NewLocalRegistry(0, logger.Default())
	defer r.Close()

	ctx, err := r.Register(context.Background(), "s1", "t1", "u1")
	require.NoError(t, err)
	require.Equal(t, 1, r.Active())

	// Duplicate registration is rejected.
	_, err = r.Register(context.Background(), "s1", "t1", "u1")
	require.Error(t, err)

	require.True(t, r.Cancel("s1"))
	waitDone(t, ctx, "expected cancelled context")
	require.Zero(t, r.Active())

	// Cancelling an unknown or already-cancelled stream is a no-op.
	require.False(t, r.Cancel("s1"))
	require.False(t, r.Cancel("never"))
}

func TestLocalRegistry_CancelThread(t *testing.T) {
	r := NewLocalRegistry(0, logger.Default())
	defer r.Close()

	ctx1, err := r.Register(context.Background(), "s1", "t1", "u1")
	require.NoError(t, err)
	ctx2, err := r.Register(context.Background(), "s2", "t1", "u1")
	require.NoError(t, err)
	other, err := r.Register(context.Background(), "s3", "t2", "u1")
	require.NoError(t, err)

	n, err := r.CancelThread(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	waitDone(t, ctx1, "s1 should be cancelled")
	waitDone(t, ctx2, "s2 should be cancelled")

	select {
	case <-other.Done():
		t.Fatal("stream on another thread must not be cancelled")
	default:
	}
	require.Equal(t, 1, r.Active())
}

func TestLocalRegistry_ReleaseDoesNotCountAsCancel(t *testing.T) {
	r := NewLocalRegistry(0, logger.Default())
	defer r.Close()

	_, err := r.Register(context.Background(), "s1", "t1", "u1")
	require.NoError(t, err)
	r.Release("s1")
	require.Zero(t, r.Active())
	require.False(t, r.Cancel("s1"))
}

func TestLocalRegistry_CloseCancelsAll(t *testing.T) {
	r := NewLocalRegistry(0, logger.Default())

	ctx, err := r.Register(context.Background(), "s1", "t1", "u1")
	require.NoError(t, err)
	require.NoError(t, r.Close())
	waitDone(t, ctx, "close should cancel outstanding streams")

	_, err = r.Register(context.Background(), "s2", "t1", "u1")
	require.Error(t, err)
}

func TestLocalRegistry_TTLSweep(t *testing.T) {
	r := NewLocalRegistry(10*time.Millisecond, logger.Default())
	defer r.Close()

	ctx, err := r.Register(context.Background(), "s1", "t1", "u1")
	require.NoError(t, err)

	// The sweeper ticks on a coarse interval; drive it directly.
	time.Sleep(20 * time.Millisecond)
	r.sweep()
	waitDone(t, ctx, "expired stream should be cancelled")
	require.Zero(t, r.Active())
}

func TestLocalRegistry_TouchDefersSweep(t *testing.T) {
	r := NewLocalRegistry(50*time.Millisecond, logger.Default())
	defer r.Close()

	ctx, err := r.Register(context.Background(), "s1", "t1", "u1")
	require.NoError(t, err)

	// Activity resets the idle clock: the stream outlives its original
	// expiry as long as it keeps producing.
	time.Sleep(40 * time.Millisecond)
	r.Touch("s1")
	time.Sleep(40 * time.Millisecond)
	r.sweep()
	require.NoError(t, ctx.Err())
	require.Equal(t, 1, r.Active())

	// Once idle past the TTL it is reaped.
	time.Sleep(60 * time.Millisecond)
	r.sweep()
	waitDone(t, ctx, "idle stream should be cancelled")
	require.Zero(t, r.Active())

	// Touching an unknown stream is a no-op.
	r.Touch("missing")
}

func TestDistributedRegistry_CancelPropagates(t *testing.T) {
	shared := bus.NewMemoryEventBus(logger.Default())
	defer shared.Close()

	a, err := NewDistributedRegistry(NewLocalRegistry(0, logger.Default()), shared, "node-a", logger.Default())
	require.NoError(t, err)
	defer a.Close()
	b, err := NewDistributedRegistry(NewLocalRegistry(0, logger.Default()), shared, "node-b", logger.Default())
	require.NoError(t, err)
	defer b.Close()

	ctxA, err := a.Register(context.Background(), "s1", "t1", "u1")
	require.NoError(t, err)
	ctxB, err := b.Register(context.Background(), "s2", "t1", "u1")
	require.NoError(t, err)
	unrelated, err := b.Register(context.Background(), "s3", "t9", "u1")
	require.NoError(t, err)

	// Cancelling the thread on node A reaches node B through the bus.
	n, err := a.CancelThread(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, 1, n) // local count only

	waitDone(t, ctxA, "local stream should be cancelled")
	waitDone(t, ctxB, "peer stream should be cancelled via broadcast")

	select {
	case <-unrelated.Done():
		t.Fatal("stream on another thread must survive the broadcast")
	default:
	}
}

func TestDistributedRegistry_SingleStreamCancelStaysLocal(t *testing.T) {
	shared := bus.NewMemoryEventBus(logger.Default())
	defer shared.Close()

	a, err := NewDistributedRegistry(NewLocalRegistry(0, logger.Default()), shared, "node-a", logger.Default())
	require.NoError(t, err)
	defer a.Close()
	b, err := NewDistributedRegistry(NewLocalRegistry(0, logger.Default()), shared, "node-b", logger.Default())
	require.NoError(t, err)
	defer b.Close()

	_, err = a.Register(context.Background(), "s1", "t1", "u1")
	require.NoError(t, err)
	peer, err := b.Register(context.Background(), "s2", "t1", "u1")
	require.NoError(t, err)

	require.True(t, a.Cancel("s1"))
	time.Sleep(50 * time.Millisecond)
	select {
	case <-peer.Done():
		t.Fatal("by-stream cancel must not fan out")
	default:
	}
}
