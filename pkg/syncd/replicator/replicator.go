// Package replicator implements LogReplicator (spec §4.2): leader
// election by heartbeat timeout and append/tail of an externally
// stored ordered log. It keeps the teacher's event-loop shape — one
// goroutine polling a channel/ticker until told to stop (mirrors
// Unity.run/Unity.poll in the teacher) — applied to election and log
// replication instead of GM-Cast ordering.
package replicator

import (
	"context"
	"sync"
	"time"

	"github.com/distsync/syncd/internal/logbackend"
	"github.com/distsync/syncd/internal/logging"
	"github.com/distsync/syncd/internal/syncerr"
	"github.com/distsync/syncd/internal/transport"
	"github.com/distsync/syncd/pkg/syncd/types"
)

// These are vars, not consts, so tests can shrink the cadence instead
// of sleeping for real-world durations (mirrors the teacher pack's
// bernerdschaefer-raft, which exposes MinimumElectionTimeoutMs the
// same way for the same reason).
var (
	HeartbeatInterval = 1 * time.Second
	FailoverTimeout   = 3 * time.Second
	TailInterval      = 500 * time.Millisecond
	TailBackoff       = 1 * time.Second
)

// TailEntry is one (index, entry) pair yielded by SubscribeTail.
type TailEntry struct {
	Index int64
	Entry types.LogEntry
}

// Replicator is LogReplicator (C2).
type Replicator struct {
	nodeID string
	peers  []string

	backend logbackend.Log
	trans   *transport.PeerTransport
	lg      logging.Logger

	mu            sync.Mutex
	term          uint64
	leader        string
	lastHeartbeat time.Time

	applyIndex int64

	subsMu sync.Mutex
	subs   []chan TailEntry

	stop   chan struct{}
	closed sync.Once
}

// New constructs a Replicator. It does not start any background loop;
// call Run to do that, mirroring the teacher's explicit start step.
func New(nodeID string, peers []string, log logbackend.Log, trans *transport.PeerTransport, lg logging.Logger) *Replicator {
	return &Replicator{
		nodeID:     nodeID,
		peers:      peers,
		backend:    log,
		trans:      trans,
		lg:         lg,
		applyIndex: -1,
		stop:       make(chan struct{}),
	}
}

// Run starts the heartbeat/election ticker and the tail loop. It
// blocks until Shutdown is called.
func (r *Replicator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.electionLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		r.tailLoop(ctx)
	}()
	wg.Wait()
}

// Shutdown cancels all loops. Safe to call more than once.
func (r *Replicator) Shutdown() {
	r.closed.Do(func() {
		close(r.stop)
	})
}

// electionLoop is the ≈1s ticker of spec §4.2.
func (r *Replicator) electionLoop(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.maybeDeclareLeader(ctx)
		}
	}
}

func (r *Replicator) maybeDeclareLeader(ctx context.Context) {
	r.mu.Lock()
	becameLeader := r.leader == "" || time.Since(r.lastHeartbeat) > FailoverTimeout
	if becameLeader {
		r.term++
		r.leader = r.nodeID
		r.lastHeartbeat = time.Now()
	}
	term := r.term
	r.mu.Unlock()

	if !becameLeader {
		return
	}
	r.lg.Infof("declaring self leader, term=%d", term)
	transport.Broadcast(r.peers, r.lg, func(peer string) error {
		reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return r.trans.Post(reqCtx, peer, "/raft/heartbeat", types.LeaderView{Leader: r.nodeID, Term: term}, nil)
	})
}

// ReceiveHeartbeat updates the local leader view iff term >= self.term
// (spec §4.2). Never errors — a stale heartbeat is simply ignored.
func (r *Replicator) ReceiveHeartbeat(leader string, term uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if term >= r.term {
		r.leader = leader
		r.term = term
		r.lastHeartbeat = time.Now()
	}
}

// LeaderView returns the current (leader, term) as observed locally.
func (r *Replicator) LeaderView() types.LeaderView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return types.LeaderView{Leader: r.leader, Term: r.term}
}

// IsLeader reports whether this node currently believes it is leader.
func (r *Replicator) IsLeader() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leader == r.nodeID
}

// Append writes command to the log. Only callable on the current
// leader; fails with ErrNotLeader otherwise (spec §4.2).
//
// The term is re-checked once the backend write has completed; if a
// higher term arrived mid-flight the call returns ErrTermChanged
// (together with the index) instead of reporting success. The entry
// is already in the log at that point and is not removed.
func (r *Replicator) Append(ctx context.Context, cmd types.Command) (int64, error) {
	r.mu.Lock()
	if r.leader != r.nodeID {
		r.mu.Unlock()
		return 0, syncerr.ErrNotLeader
	}
	observedTerm := r.term
	entry := types.LogEntry{Term: observedTerm, Command: cmd, Timestamp: float64(time.Now().UnixNano()) / 1e9}
	r.mu.Unlock()

	idx, err := r.backend.Append(ctx, entry)
	if err != nil {
		return 0, syncerr.ErrBackendUnavailable
	}

	r.mu.Lock()
	changed := r.term != observedTerm
	r.mu.Unlock()
	if changed {
		return idx, syncerr.ErrTermChanged
	}
	return idx, nil
}

// LogRange returns entries [start, end], callable on any node.
func (r *Replicator) LogRange(ctx context.Context, start, end int64) ([]types.LogEntry, error) {
	return r.backend.Range(ctx, start, end)
}

// SubscribeTail returns a channel yielding a monotonically increasing
// stream of (index, entry) pairs as the tail loop advances.
func (r *Replicator) SubscribeTail() <-chan TailEntry {
	ch := make(chan TailEntry, 64)
	r.subsMu.Lock()
	r.subs = append(r.subs, ch)
	r.subsMu.Unlock()
	return ch
}

// tailLoop polls the log length and sequentially reads new entries,
// publishing them to every subscriber (spec §4.2 "Tail loop").
func (r *Replicator) tailLoop(ctx context.Context) {
	backoff := TailBackoff
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		default:
		}

		length, err := r.backend.Len(ctx)
		if err != nil {
			r.lg.Warnf("tail loop: backend error: %v", err)
			select {
			case <-time.After(backoff):
			case <-r.stop:
				return
			}
			continue
		}

		for r.applyIndex < length-1 {
			r.applyIndex++
			entry, err := r.backend.Index(ctx, r.applyIndex)
			if err != nil {
				r.lg.Warnf("tail loop: read index %d failed: %v", r.applyIndex, err)
				r.applyIndex--
				break
			}
			r.publish(ctx, TailEntry{Index: r.applyIndex, Entry: entry})
			_ = r.backend.SetCheckpoint(ctx, "raft:applied:"+r.nodeID, r.applyIndex)
		}

		select {
		case <-time.After(TailInterval):
		case <-r.stop:
			return
		}
	}
}

func (r *Replicator) publish(ctx context.Context, te TailEntry) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- te:
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		}
	}
}
