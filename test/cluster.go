// Package test builds a small cluster of real nodes — each with its
// own replicator, lock manager, cache engine and HTTP server — wired
// together over loopback HTTP, the way the teacher's test.CreateCluster
// built a cluster of Unity instances over an in-process invoker. The
// shared log backend here is an in-memory stand-in for Redis; every
// node in a real deployment would instead point at the same Redis
// instance.
package test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/distsync/syncd/internal/httpapi"
	"github.com/distsync/syncd/internal/logbackend"
	"github.com/distsync/syncd/internal/logging"
	"github.com/distsync/syncd/internal/node"
	"github.com/distsync/syncd/internal/telemetry"
	"github.com/distsync/syncd/internal/transport"
	"github.com/distsync/syncd/pkg/syncd/cache"
	"github.com/distsync/syncd/pkg/syncd/lock"
	"github.com/distsync/syncd/pkg/syncd/replicator"
	"github.com/distsync/syncd/pkg/syncd/types"
)

type addrBook struct {
	mu sync.RWMutex
	m  map[string]string
}

func (b *addrBook) PeerAddress(peerID string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.m[peerID]
}

func (b *addrBook) set(peerID, addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.m[peerID] = addr
}

func stripScheme(url string) string {
	return strings.TrimPrefix(url, "http://")
}

// Member is one cluster node with its engines and loopback server.
type Member struct {
	ID    string
	Node  *node.Node
	Repl  *replicator.Replicator
	Locks *lock.Manager
	Cache *cache.Engine

	server *httptest.Server
	cancel context.CancelFunc
}

// Cluster is a fixed-size group of Members sharing one in-memory log
// backend, each individually reachable over its own loopback server.
type Cluster struct {
	T       *testing.T
	Members []*Member
	Backend *logbackend.MemoryLog

	book *addrBook
}

// NewCluster builds size members named node-0..node-N and starts each
// one's replicator and lock manager loops.
func NewCluster(t *testing.T, size int) *Cluster {
	t.Helper()

	ids := make([]string, size)
	for i := range ids {
		ids[i] = fmt.Sprintf("node-%d", i)
	}

	backend := logbackend.NewMemoryLog()
	book := &addrBook{m: make(map[string]string)}
	c := &Cluster{T: t, Backend: backend, book: book}

	for i, id := range ids {
		peers := make([]string, 0, size-1)
		for j, other := range ids {
			if j != i {
				peers = append(peers, other)
			}
		}

		lg := logging.Noop()
		trans := transport.New(book, lg)
		repl := replicator.New(id, peers, backend, trans, lg)
		locks := lock.New(id, peers, repl, trans, lg)
		cacheEngine := cache.New(id, peers, 100, trans, lg)

		n := &node.Node{
			ID:         id,
			Replicator: repl,
			Locks:      locks,
			Cache:      cacheEngine,
			Queue:      logbackend.NewFileQueue(t.TempDir()),
		}
		tel := telemetry.New(id,
			func() types.CacheMetrics { return cacheEngine.State().Metrics },
			func() uint64 { return repl.LeaderView().Term },
		)
		apiServer := httpapi.New(n, lg, tel)
		httpSrv := httptest.NewServer(apiServer.Handler())
		book.set(id, stripScheme(httpSrv.URL))

		ctx, cancel := context.WithCancel(context.Background())
		member := &Member{ID: id, Node: n, Repl: repl, Locks: locks, Cache: cacheEngine, server: httpSrv, cancel: cancel}
		c.Members = append(c.Members, member)

		go repl.Run(ctx)
		go locks.Run(ctx)
	}

	return c
}

// Off stops every member: replicator and lock loops, then the
// loopback server, mirroring the teacher's UnityCluster.Off.
func (c *Cluster) Off() {
	for _, m := range c.Members {
		m.Repl.Shutdown()
		m.Locks.Shutdown()
		m.cancel()
		m.server.Close()
	}
}

// Leader returns the member that currently believes itself the
// cluster leader, or nil if none has emerged yet.
func (c *Cluster) Leader() *Member {
	for _, m := range c.Members {
		if m.Repl.IsLeader() {
			return m
		}
	}
	return nil
}

// URL returns the base URL of a member's loopback server, for tests
// that want to exercise the real HTTP surface instead of calling the
// engines in-process.
func (m *Member) URL() string {
	return m.server.URL
}

func (m *Member) HTTPClient() *http.Client {
	return m.server.Client()
}

func (m *Member) postJSON(path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := m.HTTPClient().Post(m.URL()+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (m *Member) getJSON(path string, out interface{}) error {
	resp, err := m.HTTPClient().Get(m.URL() + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

// AcquireLock issues /locks/acquire against this member's HTTP surface
// (which forwards to the leader if this member isn't one).
func (m *Member) AcquireLock(resource, owner string, mode types.LockMode) (bool, error) {
	var out struct {
		Success bool `json:"success"`
	}
	err := m.postJSON("/locks/acquire", map[string]string{"resource": resource, "owner": owner, "mode": string(mode)}, &out)
	return out.Success, err
}

// ReleaseLock issues /locks/release.
func (m *Member) ReleaseLock(resource, owner string) (bool, error) {
	var out struct {
		Success bool `json:"success"`
	}
	err := m.postJSON("/locks/release", map[string]string{"resource": resource, "owner": owner}, &out)
	return out.Success, err
}

// CachePut issues /cache/put.
func (m *Member) CachePut(key, value string) error {
	return m.postJSON("/cache/put", map[string]string{"key": key, "value": value}, nil)
}

// CacheGet issues /cache/get.
func (m *Member) CacheGet(key string) (string, bool, error) {
	var out struct {
		Value *string `json:"value"`
	}
	if err := m.getJSON("/cache/get?key="+key, &out); err != nil {
		return "", false, err
	}
	if out.Value == nil {
		return "", false, nil
	}
	return *out.Value, true, nil
}

// LogEntries issues /raft/log.
func (m *Member) LogEntries() ([]types.LogEntry, error) {
	var out struct {
		Log []types.LogEntry `json:"log"`
	}
	err := m.getJSON("/raft/log?start=0&end=-1", &out)
	return out.Log, err
}

// WaitThisOrTimeout runs cb and reports whether it finished before
// duration elapsed.
func WaitThisOrTimeout(cb func(), duration time.Duration) bool {
	done := make(chan struct{})
	go func() {
		cb()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(duration):
		return false
	}
}

// PrintStackTrace dumps every goroutine's stack to help diagnose a
// stuck shutdown.
func PrintStackTrace(t *testing.T) {
	buf := make([]byte, 1<<16)
	runtime.Stack(buf, true)
	t.Errorf("%s", buf)
}
