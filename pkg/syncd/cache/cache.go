// Package cache implements CacheEngine (spec §4.5): a per-node MESI
// cache coordinating with peers by RPC rather than through the log.
// It follows the teacher's single-mutex-per-engine discipline (spec
// §5) but, per the improvement documented in spec §9 and carried into
// SPEC_FULL, snapshots the peer list and releases the mutex before any
// peer RPC instead of holding it across the broadcast.
package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/distsync/syncd/internal/logging"
	"github.com/distsync/syncd/internal/transport"
	"github.com/distsync/syncd/pkg/syncd/types"
)

type entryHandle struct {
	key     string
	line    types.CacheLine
	element *list.Element
}

// Engine is CacheEngine (C5).
type Engine struct {
	nodeID   string
	capacity int

	trans *transport.PeerTransport
	lg    logging.Logger

	mu      sync.Mutex
	index   map[string]*entryHandle
	lru     *list.List // front = least recently used, back = most recently used

	peersMu sync.RWMutex
	peers   []string

	hits, misses, invSent, invRecv, transitions uint64
}

// New builds an Engine with the given capacity (spec §3: cache size ≤
// capacity at all times; capacity 0 retains nothing).
func New(nodeID string, peers []string, capacity int, trans *transport.PeerTransport, lg logging.Logger) *Engine {
	return &Engine{
		nodeID:   nodeID,
		capacity: capacity,
		trans:    trans,
		lg:       lg,
		index:    make(map[string]*entryHandle),
		lru:      list.New(),
		peers:    append([]string(nil), peers...),
	}
}

func (e *Engine) peerSnapshot() []string {
	e.peersMu.RLock()
	defer e.peersMu.RUnlock()
	return append([]string(nil), e.peers...)
}

func (e *Engine) touch(h *entryHandle) {
	e.lru.MoveToBack(h.element)
}

// Get implements the read path of spec §4.5. On I/absent it fetches
// from peers, installs the result as S, records a miss, and returns
// MISS — the value fetched is not returned by this call (spec §9,
// adopted as documented).
func (e *Engine) Get(ctx context.Context, key string) (string, bool) {
	e.mu.Lock()
	h, ok := e.index[key]
	if ok {
		switch h.line.State {
		case types.Modified, types.SharedC:
			e.touch(h)
			atomic.AddUint64(&e.hits, 1)
			value := h.line.Value
			e.mu.Unlock()
			return value, true
		case types.ExclusiveC:
			h.line.State = types.SharedC
			e.touch(h)
			atomic.AddUint64(&e.transitions, 1)
			atomic.AddUint64(&e.hits, 1)
			value := h.line.Value
			e.mu.Unlock()
			return value, true
		}
	}
	e.mu.Unlock()

	atomic.AddUint64(&e.misses, 1)
	e.fetchFromPeers(ctx, key)
	return "", false
}

// fetchWire is the JSON shape of a peer's handle_fetch reply: Value is
// nil when the peer doesn't hold the key (spec §6 "{value, state?}").
type fetchWire struct {
	Value *string `json:"value"`
	State string  `json:"state,omitempty"`
}

// fetchFromPeers broadcasts handle_fetch in peer order and installs
// the first non-null reply as S.
func (e *Engine) fetchFromPeers(ctx context.Context, key string) {
	for _, peer := range e.peerSnapshot() {
		var resp fetchWire
		if err := e.trans.Get(ctx, peer, "/cache/fetch?key="+key, &resp); err != nil {
			continue
		}
		if resp.Value == nil {
			continue
		}
		e.install(key, types.CacheLine{State: types.SharedC, Value: *resp.Value, Timestamp: nowSeconds()})
		return
	}
}

// Put implements the write path of spec §4.5: invalidate-then-install
// from S/I/absent, direct install from E/M.
func (e *Engine) Put(ctx context.Context, key, value string) bool {
	e.mu.Lock()
	h, ok := e.index[key]
	needsInvalidate := !ok || h.line.State == types.SharedC || h.line.State == types.Invalid
	e.mu.Unlock()

	if needsInvalidate {
		e.invalidatePeers(ctx, key)
	} else {
		atomic.AddUint64(&e.transitions, 1)
	}

	e.install(key, types.CacheLine{State: types.Modified, Value: value, Timestamp: nowSeconds()})
	return true
}

func (e *Engine) invalidatePeers(ctx context.Context, key string) {
	peers := e.peerSnapshot()
	transport.Broadcast(peers, e.lg, func(peer string) error {
		err := e.trans.Post(ctx, peer, "/cache/invalidate", map[string]string{"key": key}, nil)
		atomic.AddUint64(&e.invSent, 1)
		return err
	})
}

// install inserts/updates key as MRU and evicts the LRU entry if the
// cache grew past capacity (spec §4.5 "Always mark MRU... after
// insertion, if size > capacity, evict the LRU entry").
func (e *Engine) install(key string, line types.CacheLine) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if h, ok := e.index[key]; ok {
		h.line = line
		e.touch(h)
	} else {
		h := &entryHandle{key: key, line: line}
		h.element = e.lru.PushBack(h)
		e.index[key] = h
	}

	for len(e.index) > e.capacity {
		front := e.lru.Front()
		if front == nil {
			break
		}
		evicted := front.Value.(*entryHandle)
		e.lru.Remove(front)
		delete(e.index, evicted.key)
	}
}

// HandleFetch serves a peer's handle_fetch RPC, downgrading M/E to S
// (spec §4.5) to maintain the single-writer invariant.
func (e *Engine) HandleFetch(key string) types.FetchResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	h, ok := e.index[key]
	if !ok {
		return types.FetchResult{Found: false}
	}
	e.touch(h)
	before := h.line.State
	if before == types.Modified || before == types.ExclusiveC {
		h.line.State = types.SharedC
		atomic.AddUint64(&e.transitions, 1)
	}
	return types.FetchResult{Value: h.line.Value, State: before, Found: true}
}

// HandleInvalidate drops the entry unconditionally (idempotent after
// the first call, spec §8).
func (e *Engine) HandleInvalidate(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	h, ok := e.index[key]
	if !ok {
		return
	}
	e.lru.Remove(h.element)
	delete(e.index, key)
	atomic.AddUint64(&e.invRecv, 1)
	atomic.AddUint64(&e.transitions, 1)
}

// Snapshot is the diagnostic view returned by cache_state (spec §4.5).
type Snapshot struct {
	Lines    map[string]types.CacheLine
	Metrics  types.CacheMetrics
	Used     int
	Capacity int
}

func (e *Engine) State() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	lines := make(map[string]types.CacheLine, len(e.index))
	for k, h := range e.index {
		lines[k] = h.line
	}
	return Snapshot{
		Lines:    lines,
		Used:     len(e.index),
		Capacity: e.capacity,
		Metrics: types.CacheMetrics{
			Hits:                  atomic.LoadUint64(&e.hits),
			Misses:                atomic.LoadUint64(&e.misses),
			InvalidationsSent:     atomic.LoadUint64(&e.invSent),
			InvalidationsReceived: atomic.LoadUint64(&e.invRecv),
			StateTransitions:      atomic.LoadUint64(&e.transitions),
		},
	}
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
