// Package lock implements StateApplier (spec §4.3) and LockManager
// (spec §4.4): the replicated lock state machine, its compatibility
// matrix, FIFO queueing, and leader-side deadlock detection. It
// mirrors the teacher's core/deliver.go shape — a single apply path
// feeding a deterministic state machine — generalized from GM-Cast
// commit to the Acquire/Release command set of spec §3.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/distsync/syncd/internal/logging"
	"github.com/distsync/syncd/internal/syncerr"
	"github.com/distsync/syncd/internal/transport"
	"github.com/distsync/syncd/pkg/syncd/replicator"
	"github.com/distsync/syncd/pkg/syncd/types"
)

// DeadlockInterval is a var, not a const, so tests can shrink the
// detection cadence (see pkg/syncd/replicator for the same pattern).
var DeadlockInterval = 5 * time.Second

// Leader is the subset of replicator.Replicator the lock manager
// needs: knowing whether it's the leader, appending, and reading the
// leader view for forwarding.
type Leader interface {
	IsLeader() bool
	LeaderView() types.LeaderView
	Append(ctx context.Context, cmd types.Command) (int64, error)
	SubscribeTail() <-chan replicator.TailEntry
}

// Manager is LockManager (C4), also hosting StateApplier (C3) as its
// single-threaded tail consumer.
type Manager struct {
	nodeID string
	peers  []string

	repl  Leader
	trans *transport.PeerTransport
	lg    logging.Logger

	mu    sync.Mutex
	locks map[string]*types.LockState

	stop chan struct{}
}

// New constructs a Manager. Call Run to start the applier and deadlock
// detection loops.
func New(nodeID string, peers []string, repl Leader, trans *transport.PeerTransport, lg logging.Logger) *Manager {
	return &Manager{
		nodeID: nodeID,
		peers:  peers,
		repl:   repl,
		trans:  trans,
		lg:     lg,
		locks:  make(map[string]*types.LockState),
		stop:   make(chan struct{}),
	}
}

// Run starts StateApplier's tail consumption and the leader-only
// deadlock detection loop. Blocks until Shutdown.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.applyLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		m.deadlockLoop(ctx)
	}()
	wg.Wait()
}

func (m *Manager) Shutdown() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
}

// applyLoop is StateApplier (C3): a single-threaded consumer of the
// log tail, applying commands in strict index order, each exactly
// once. Unknown command tags are ignored (forward-compatible).
func (m *Manager) applyLoop(ctx context.Context) {
	tail := m.repl.SubscribeTail()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case te, ok := <-tail:
			if !ok {
				return
			}
			m.apply(te.Entry.Command)
		}
	}
}

func (m *Manager) apply(cmd types.Command) {
	switch cmd.Type {
	case types.AcquireLock:
		m.applyAcquire(cmd.Resource, cmd.Owner, cmd.Mode)
	case types.ReleaseLock:
		m.applyRelease(cmd.Resource, cmd.Owner)
	default:
		m.lg.Debugf("ignoring unknown command tag %q", cmd.Type)
	}
}

// applyAcquire is the compatibility matrix of spec §4.4.
func (m *Manager) applyAcquire(resource, owner string, mode types.LockMode) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.locks[resource]
	if !ok {
		state = types.NewLockState()
		m.locks[resource] = state
	}

	switch {
	case state.Mode == "":
		state.Mode = mode
		state.Holders[owner] = struct{}{}
	case state.Mode == types.Shared && mode == types.Shared:
		state.Holders[owner] = struct{}{}
	default:
		// SHARED+EXCLUSIVE, or EXCLUSIVE+anything: queue, collapsing
		// duplicate (owner, mode) entries.
		m.enqueue(state, owner, mode)
	}
}

func (m *Manager) enqueue(state *types.LockState, owner string, mode types.LockMode) {
	for _, w := range state.Queue {
		if w.Owner == owner && w.Mode == mode {
			return
		}
	}
	state.Queue = append(state.Queue, types.Waiter{Owner: owner, Mode: mode})
}

// applyRelease removes owner from holders and promotes the queue head
// (greedily for contiguous SHARED waiters) per spec §4.4. Releasing a
// non-holder is a no-op (§9 open question).
func (m *Manager) applyRelease(resource, owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.locks[resource]
	if !ok {
		return
	}
	if _, held := state.Holders[owner]; !held {
		return
	}
	delete(state.Holders, owner)

	if len(state.Holders) == 0 {
		if len(state.Queue) > 0 {
			head := state.Queue[0]
			state.Mode = head.Mode
			state.Holders[head.Owner] = struct{}{}
			state.Queue = state.Queue[1:]

			if head.Mode == types.Shared {
				for len(state.Queue) > 0 && state.Queue[0].Mode == types.Shared {
					next := state.Queue[0]
					state.Holders[next.Owner] = struct{}{}
					state.Queue = state.Queue[1:]
				}
			}
		} else {
			state.Mode = ""
		}
	}

	if state.Empty() {
		delete(m.locks, resource)
	}
}

// Acquire forwards to the leader if this node isn't one, or appends
// directly if it is. Returns true iff the command was accepted for
// replication, not iff it was applied (spec §4.4 Forwarding). The
// error is non-nil only when forwarding itself failed (spec §7
// ErrForwardFailed); an unreachable leader is never silently reported
// as an ordinary false.
func (m *Manager) Acquire(ctx context.Context, resource, owner string, mode types.LockMode) (bool, error) {
	return m.submit(ctx, types.Command{Type: types.AcquireLock, Resource: resource, Owner: owner, Mode: mode})
}

// Release mirrors Acquire for a ReleaseLock command.
func (m *Manager) Release(ctx context.Context, resource, owner string) (bool, error) {
	return m.submit(ctx, types.Command{Type: types.ReleaseLock, Resource: resource, Owner: owner})
}

func (m *Manager) submit(ctx context.Context, cmd types.Command) (bool, error) {
	if m.repl.IsLeader() {
		_, err := m.repl.Append(ctx, cmd)
		return err == nil, nil
	}

	view := m.repl.LeaderView()
	if view.Leader == "" {
		return false, nil
	}
	if err := m.trans.Post(ctx, view.Leader, "/raft/append", cmd, nil); err != nil {
		return false, fmt.Errorf("%w: %v", syncerr.ErrForwardFailed, err)
	}
	return true, nil
}

// WaitForEdges returns this node's local view: for every waiter in a
// resource's queue and every current holder of that resource, one
// (waiter, holder) edge (spec §4.4).
func (m *Manager) WaitForEdges() []types.WaitForEdge {
	m.mu.Lock()
	defer m.mu.Unlock()

	var edges []types.WaitForEdge
	for _, state := range m.locks {
		for _, w := range state.Queue {
			for holder := range state.Holders {
				edges = append(edges, types.WaitForEdge{Waiter: w.Owner, Holder: holder})
			}
		}
	}
	return edges
}

// deadlockLoop is the leader-only ≈5s detection pass of spec §4.4.
func (m *Manager) deadlockLoop(ctx context.Context) {
	ticker := time.NewTicker(DeadlockInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			if m.repl.IsLeader() {
				m.detectAndResolve(ctx)
			}
		}
	}
}

func (m *Manager) detectAndResolve(ctx context.Context) {
	edges := m.WaitForEdges()

	var mu sync.Mutex
	transport.Broadcast(m.peers, m.lg, func(peer string) error {
		var resp struct {
			Edges [][2]string `json:"edges"`
		}
		if err := m.trans.Get(ctx, peer, "/locks/wait_for", &resp); err != nil {
			return err
		}
		mu.Lock()
		for _, e := range resp.Edges {
			edges = append(edges, types.WaitForEdge{Waiter: e[0], Holder: e[1]})
		}
		mu.Unlock()
		return nil
	})

	cycle := detectCycle(edges)
	if cycle == nil {
		return
	}
	victim := cycle[0]

	m.mu.Lock()
	var victimResource string
	for resource, state := range m.locks {
		if _, held := state.Holders[victim]; held {
			victimResource = resource
			break
		}
	}
	m.mu.Unlock()

	if victimResource == "" {
		return
	}
	m.lg.Warnf("deadlock detected, releasing %s on resource %s", victim, victimResource)
	_, _ = m.repl.Append(ctx, types.Command{Type: types.ReleaseLock, Resource: victimResource, Owner: victim})
}

// detectCycle runs a DFS cycle search over the directed wait-for
// graph, returning the cycle starting at the first node visited that
// closes it, or nil if the graph is acyclic.
func detectCycle(edges []types.WaitForEdge) []string {
	graph := make(map[string][]string)
	nodes := make([]string, 0)
	seen := make(map[string]bool)
	for _, e := range edges {
		graph[e.Waiter] = append(graph[e.Waiter], e.Holder)
		for _, n := range []string{e.Waiter, e.Holder} {
			if !seen[n] {
				seen[n] = true
				nodes = append(nodes, n)
			}
		}
	}

	visited := make(map[string]bool)
	var stack []string
	onStack := make(map[string]bool)

	var dfs func(n string) []string
	dfs = func(n string) []string {
		if onStack[n] {
			for i, s := range stack {
				if s == n {
					return append([]string{}, stack[i:]...)
				}
			}
		}
		if visited[n] {
			return nil
		}
		visited[n] = true
		stack = append(stack, n)
		onStack[n] = true
		for _, nb := range graph[n] {
			if cyc := dfs(nb); cyc != nil {
				return cyc
			}
		}
		stack = stack[:len(stack)-1]
		onStack[n] = false
		return nil
	}

	for _, n := range nodes {
		if cyc := dfs(n); cyc != nil {
			return cyc
		}
	}
	return nil
}
