// Package node implements CoreAPI (spec §4.6): the thin programmatic
// facade the HTTP layer binds to. Each operation validates its inputs
// and delegates directly to one of the three engines; it attaches no
// business logic of its own (spec: "the facade enforces input
// validation... and attaches no business logic").
package node

import (
	"context"

	"github.com/distsync/syncd/internal/logbackend"
	"github.com/distsync/syncd/internal/syncerr"
	"github.com/distsync/syncd/pkg/syncd/cache"
	"github.com/distsync/syncd/pkg/syncd/lock"
	"github.com/distsync/syncd/pkg/syncd/replicator"
	"github.com/distsync/syncd/pkg/syncd/types"
)

// Node bundles one instance of each engine for a single cluster
// member, plus the queue collaborator from §1 (specified only by
// contract; the core never calls it).
type Node struct {
	ID string

	Replicator *replicator.Replicator
	Locks      *lock.Manager
	Cache      *cache.Engine
	Queue      logbackend.Queue
}

// Health is the /health payload of spec §6.
type Health struct {
	Status string `json:"status"`
	NodeID string `json:"node_id"`
	Leader string `json:"leader"`
	Term   uint64 `json:"term"`
}

func (n *Node) Health() Health {
	view := n.Replicator.LeaderView()
	return Health{Status: "ok", NodeID: n.ID, Leader: view.Leader, Term: view.Term}
}

func (n *Node) LeaderView() types.LeaderView {
	return n.Replicator.LeaderView()
}

func (n *Node) ReceiveHeartbeat(leader string, term uint64) {
	n.Replicator.ReceiveHeartbeat(leader, term)
}

// Append is the raw /raft/append entrypoint: only valid on the
// current leader (spec §6: "403 if not leader").
func (n *Node) Append(ctx context.Context, cmd types.Command) (int64, error) {
	if !n.Replicator.IsLeader() {
		return 0, syncerr.ErrNotLeader
	}
	return n.Replicator.Append(ctx, cmd)
}

func (n *Node) LogRange(ctx context.Context, start, end int64) ([]types.LogEntry, error) {
	return n.Replicator.LogRange(ctx, start, end)
}

// AcquireLock validates inputs (non-empty resource, mode in
// {shared,exclusive}) before delegating to LockManager.Acquire.
func (n *Node) AcquireLock(ctx context.Context, resource, owner string, mode types.LockMode) (bool, error) {
	if resource == "" || owner == "" {
		return false, syncerr.ErrInvalidInput
	}
	if !mode.Valid() {
		return false, syncerr.ErrInvalidInput
	}
	return n.Locks.Acquire(ctx, resource, owner, mode)
}

func (n *Node) ReleaseLock(ctx context.Context, resource, owner string) (bool, error) {
	if resource == "" || owner == "" {
		return false, syncerr.ErrInvalidInput
	}
	return n.Locks.Release(ctx, resource, owner)
}

func (n *Node) WaitForEdges() []types.WaitForEdge {
	return n.Locks.WaitForEdges()
}

func (n *Node) CacheGet(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, syncerr.ErrInvalidInput
	}
	value, ok := n.Cache.Get(ctx, key)
	return value, ok, nil
}

func (n *Node) CachePut(ctx context.Context, key, value string) (bool, error) {
	if key == "" {
		return false, syncerr.ErrInvalidInput
	}
	return n.Cache.Put(ctx, key, value), nil
}

func (n *Node) CacheHandleInvalidate(key string) error {
	if key == "" {
		return syncerr.ErrInvalidInput
	}
	n.Cache.HandleInvalidate(key)
	return nil
}

func (n *Node) CacheHandleFetch(key string) (types.FetchResult, error) {
	if key == "" {
		return types.FetchResult{}, syncerr.ErrInvalidInput
	}
	return n.Cache.HandleFetch(key), nil
}

func (n *Node) CacheState() cache.Snapshot {
	return n.Cache.State()
}

// QueueProduce/QueueConsume bind the best-effort queue collaborator
// from §1, dropped from spec.md's endpoint table but present in
// original_source's handlers (see SPEC_FULL.md Supplemented Features).
func (n *Node) QueueProduce(ctx context.Context, topic, message string) error {
	if topic == "" || message == "" {
		return syncerr.ErrInvalidInput
	}
	return n.Queue.Produce(ctx, topic, message)
}

func (n *Node) QueueConsume(ctx context.Context, topic string) (string, bool, error) {
	if topic == "" {
		return "", false, syncerr.ErrInvalidInput
	}
	return n.Queue.Consume(ctx, topic)
}
