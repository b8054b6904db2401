package replicator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distsync/syncd/internal/logbackend"
	"github.com/distsync/syncd/internal/logging"
	"github.com/distsync/syncd/internal/syncerr"
	"github.com/distsync/syncd/pkg/syncd/types"
)

// shrinkIntervals swaps the package-level timing vars for fast ones
// and registers a cleanup that restores the originals, mirroring the teacher
// pack's pattern of exposing timing as vars for exactly this purpose.
func shrinkIntervals(t *testing.T) {
	t.Helper()
	origHeartbeat, origFailover, origTail, origBackoff := HeartbeatInterval, FailoverTimeout, TailInterval, TailBackoff
	HeartbeatInterval = 10 * time.Millisecond
	FailoverTimeout = 30 * time.Millisecond
	TailInterval = 5 * time.Millisecond
	TailBackoff = 10 * time.Millisecond
	t.Cleanup(func() {
		HeartbeatInterval, FailoverTimeout, TailInterval, TailBackoff = origHeartbeat, origFailover, origTail, origBackoff
	})
}

func TestSingleNode_BecomesLeader(t *testing.T) {
	shrinkIntervals(t)

	backend := logbackend.NewMemoryLog()
	r := New("n1", nil, backend, nil, logging.Noop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	defer r.Shutdown()

	require.Eventually(t, r.IsLeader, time.Second, 2*time.Millisecond)
	view := r.LeaderView()
	assert.Equal(t, "n1", view.Leader)
	assert.GreaterOrEqual(t, view.Term, uint64(1))
}

func TestAppend_NotLeader_Fails(t *testing.T) {
	backend := logbackend.NewMemoryLog()
	r := New("n1", nil, backend, nil, logging.Noop())

	_, err := r.Append(context.Background(), types.Command{Type: types.AcquireLock, Resource: "r1", Owner: "A", Mode: types.Exclusive})
	assert.ErrorIs(t, err, syncerr.ErrNotLeader)
}

func TestAppend_AsLeader_Succeeds(t *testing.T) {
	shrinkIntervals(t)

	backend := logbackend.NewMemoryLog()
	r := New("n1", nil, backend, nil, logging.Noop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	defer r.Shutdown()

	require.Eventually(t, r.IsLeader, time.Second, 2*time.Millisecond)

	idx, err := r.Append(ctx, types.Command{Type: types.AcquireLock, Resource: "r1", Owner: "A", Mode: types.Exclusive})
	require.NoError(t, err)
	assert.Equal(t, int64(0), idx)
}

func TestReceiveHeartbeat_IgnoresStaleTerm(t *testing.T) {
	backend := logbackend.NewMemoryLog()
	r := New("n1", nil, backend, nil, logging.Noop())

	r.ReceiveHeartbeat("n2", 5)
	view := r.LeaderView()
	assert.Equal(t, "n2", view.Leader)
	assert.Equal(t, uint64(5), view.Term)

	r.ReceiveHeartbeat("n3", 3) // stale, must be ignored
	view = r.LeaderView()
	assert.Equal(t, "n2", view.Leader)
	assert.Equal(t, uint64(5), view.Term)

	r.ReceiveHeartbeat("n3", 6) // newer, must win
	view = r.LeaderView()
	assert.Equal(t, "n3", view.Leader)
	assert.Equal(t, uint64(6), view.Term)
}

// TestTailLoop_PublishesAppendedEntries exercises the tail loop end to
// end: entries appended to the backend directly (as if by another
// replica) must reach a subscriber in index order.
func TestTailLoop_PublishesAppendedEntries(t *testing.T) {
	shrinkIntervals(t)

	backend := logbackend.NewMemoryLog()
	r := New("n1", nil, backend, nil, logging.Noop())
	tail := r.SubscribeTail()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	defer r.Shutdown()

	_, err := backend.Append(ctx, types.LogEntry{Term: 1, Command: types.Command{Type: types.AcquireLock, Resource: "r1", Owner: "A", Mode: types.Exclusive}})
	require.NoError(t, err)
	_, err = backend.Append(ctx, types.LogEntry{Term: 1, Command: types.Command{Type: types.ReleaseLock, Resource: "r1", Owner: "A"}})
	require.NoError(t, err)

	var received []TailEntry
	timeout := time.After(time.Second)
	for len(received) < 2 {
		select {
		case te := <-tail:
			received = append(received, te)
		case <-timeout:
			t.Fatalf("timed out waiting for tail entries, got %d", len(received))
		}
	}
	assert.Equal(t, int64(0), received[0].Index)
	assert.Equal(t, int64(1), received[1].Index)
	assert.Equal(t, types.AcquireLock, received[0].Entry.Command.Type)
	assert.Equal(t, types.ReleaseLock, received[1].Entry.Command.Type)
}

func TestLogRange_DelegatesToBackend(t *testing.T) {
	backend := logbackend.NewMemoryLog()
	r := New("n1", nil, backend, nil, logging.Noop())

	ctx := context.Background()
	_, _ = backend.Append(ctx, types.LogEntry{Term: 1, Command: types.Command{Type: types.AcquireLock, Resource: "r1", Owner: "A", Mode: types.Exclusive}})
	_, _ = backend.Append(ctx, types.LogEntry{Term: 1, Command: types.Command{Type: types.ReleaseLock, Resource: "r1", Owner: "A"}})

	entries, err := r.LogRange(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestShutdown_IsIdempotent(t *testing.T) {
	backend := logbackend.NewMemoryLog()
	r := New("n1", nil, backend, nil, logging.Noop())
	r.Shutdown()
	assert.NotPanics(t, r.Shutdown)
}
