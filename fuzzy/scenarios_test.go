// Package fuzzy holds end-to-end scenario tests that exercise a real
// multi-node cluster over HTTP, the same spirit as the teacher's
// fuzzy.Test_SequentialCommands: drive a cluster through a sequence of
// operations and check it converges to the expected state, with
// goleak verifying nothing is left running afterward.
package fuzzy

import (
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/distsync/syncd/pkg/syncd/lock"
	"github.com/distsync/syncd/pkg/syncd/replicator"
	"github.com/distsync/syncd/pkg/syncd/types"
	"github.com/distsync/syncd/test"
)

// shrinkTimings swaps the replicator/lock package's tunable vars for
// fast ones, for the duration of one test.
func shrinkTimings(t *testing.T) {
	t.Helper()
	origHB, origFO, origTI, origTB := replicator.HeartbeatInterval, replicator.FailoverTimeout, replicator.TailInterval, replicator.TailBackoff
	origDL := lock.DeadlockInterval

	replicator.HeartbeatInterval = 15 * time.Millisecond
	replicator.FailoverTimeout = 45 * time.Millisecond
	replicator.TailInterval = 5 * time.Millisecond
	replicator.TailBackoff = 10 * time.Millisecond
	lock.DeadlockInterval = 50 * time.Millisecond

	t.Cleanup(func() {
		replicator.HeartbeatInterval, replicator.FailoverTimeout = origHB, origFO
		replicator.TailInterval, replicator.TailBackoff = origTI, origTB
		lock.DeadlockInterval = origDL
	})
}

func waitForLeader(t *testing.T, c *test.Cluster) *test.Member {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if leader := c.Leader(); leader != nil {
			return leader
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no leader emerged")
	return nil
}

// Scenario 1 (spec §8): two SHARED holders on the same resource
// coexist; a cluster of 3 nodes, with the acquires issued through two
// different members, so at least one of them is a non-leader and
// exercises forwarding.
func Test_SharedCoexistence(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
	)

	shrinkTimings(t)
	c := test.NewCluster(t, 3)
	defer func() {
		if !test.WaitThisOrTimeout(c.Off, 5*time.Second) {
			t.Error("failed to shut cluster down")
			test.PrintStackTrace(t)
		}
	}()
	waitForLeader(t, c)

	ok, err := c.Members[0].AcquireLock("r1", "A", types.Shared)
	if err != nil || !ok {
		t.Fatalf("acquire A failed: ok=%v err=%v", ok, err)
	}
	ok, err = c.Members[1].AcquireLock("r1", "B", types.Shared)
	if err != nil || !ok {
		t.Fatalf("acquire B failed: ok=%v err=%v", ok, err)
	}

	time.Sleep(100 * time.Millisecond) // let every node's tail loop apply both entries

	for _, m := range c.Members {
		if edges := m.Locks.WaitForEdges(); len(edges) != 0 {
			t.Errorf("%s: expected A and B to hold r1 together, found waiters: %v", m.ID, edges)
		}
	}
}

// Scenario 2 (spec §8): an EXCLUSIVE holder blocks a second EXCLUSIVE
// request; releasing the first promotes the second.
func Test_ExclusiveQueueingAndPromotion(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
	)

	shrinkTimings(t)
	c := test.NewCluster(t, 2)
	defer func() {
		if !test.WaitThisOrTimeout(c.Off, 5*time.Second) {
			t.Error("failed to shut cluster down")
			test.PrintStackTrace(t)
		}
	}()
	leader := waitForLeader(t, c)

	ok, err := leader.AcquireLock("r1", "A", types.Exclusive)
	if err != nil || !ok {
		t.Fatalf("acquire A failed: ok=%v err=%v", ok, err)
	}
	ok, err = leader.AcquireLock("r1", "B", types.Exclusive)
	if err != nil || !ok {
		t.Fatalf("queueing acquire B failed: ok=%v err=%v", ok, err)
	}

	ok, err = leader.ReleaseLock("r1", "A")
	if err != nil || !ok {
		t.Fatalf("release A failed: ok=%v err=%v", ok, err)
	}

	time.Sleep(100 * time.Millisecond) // let the tail loop apply both entries

	edges := leader.Locks.WaitForEdges()
	if len(edges) != 0 {
		t.Errorf("expected B to be promoted off the queue, still have edges: %v", edges)
	}
}

// Scenario 3 (spec §8): a two-node mutual wait is detected and broken
// by the leader's periodic deadlock pass.
func Test_DeadlockDetectionAndResolution(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
	)

	shrinkTimings(t)
	c := test.NewCluster(t, 2)
	defer func() {
		if !test.WaitThisOrTimeout(c.Off, 5*time.Second) {
			t.Error("failed to shut cluster down")
			test.PrintStackTrace(t)
		}
	}()
	leader := waitForLeader(t, c)

	mustAcquire := func(resource, owner string) {
		ok, err := leader.AcquireLock(resource, owner, types.Exclusive)
		if err != nil || !ok {
			t.Fatalf("acquire %s on %s failed: ok=%v err=%v", owner, resource, ok, err)
		}
	}
	mustAcquire("r1", "A")
	mustAcquire("r2", "B")
	// A waits on r2 (held by B); B waits on r1 (held by A): a cycle.
	mustAcquire("r2", "A")
	mustAcquire("r1", "B")

	deadline := time.Now().Add(2 * time.Second)
	resolved := false
	for time.Now().Before(deadline) {
		edges := leader.Locks.WaitForEdges()
		if len(edges) < 2 {
			resolved = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !resolved {
		t.Error("deadlock was never resolved")
	}
}

// Scenario 4 (spec §8): a write on one node invalidates a cached read
// on another, which must re-fetch on next access.
func Test_CacheInvalidationAcrossNodes(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
	)

	c := test.NewCluster(t, 2)
	defer func() {
		if !test.WaitThisOrTimeout(c.Off, 5*time.Second) {
			t.Error("failed to shut cluster down")
			test.PrintStackTrace(t)
		}
	}()

	a, b := c.Members[0], c.Members[1]

	if err := a.CachePut("k1", "v1"); err != nil {
		t.Fatalf("put on a failed: %v", err)
	}
	// b has never seen k1: miss, triggers a fetch from a (installs S).
	if _, ok, err := b.CacheGet("k1"); err != nil || ok {
		t.Fatalf("expected first read on b to report a miss, ok=%v err=%v", ok, err)
	}
	time.Sleep(50 * time.Millisecond) // the fetch already ran inside the miss; small settle margin

	snap := b.Cache.State()
	if line, present := snap.Lines["k1"]; !present || line.State != types.SharedC {
		t.Errorf("expected b to hold k1 as S after fetch, got %+v (present=%v)", line, present)
	}

	// a writes again: b's copy must be invalidated.
	if err := a.CachePut("k1", "v2"); err != nil {
		t.Fatalf("second put on a failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	snap = b.Cache.State()
	if _, present := snap.Lines["k1"]; present {
		t.Errorf("expected b's copy of k1 to be invalidated, still present: %+v", snap.Lines["k1"])
	}
}

// Scenario 5 (spec §8): the leader stops heartbeating; a follower
// notices the gap past FailoverTimeout and takes over with a strictly
// higher term.
func Test_LeaderFailover(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
	)

	shrinkTimings(t)
	c := test.NewCluster(t, 3)
	defer func() {
		if !test.WaitThisOrTimeout(c.Off, 5*time.Second) {
			t.Error("failed to shut cluster down")
			test.PrintStackTrace(t)
		}
	}()
	oldLeader := waitForLeader(t, c)
	oldTerm := oldLeader.Repl.LeaderView().Term

	// Stop only the leader's election/tail loops, as if its process had
	// stalled: its HTTP server keeps running, but it no longer
	// broadcasts heartbeats.
	oldLeader.Repl.Shutdown()

	deadline := time.Now().Add(2 * time.Second)
	var newLeader *test.Member
	for time.Now().Before(deadline) {
		for _, m := range c.Members {
			if m.ID == oldLeader.ID {
				continue
			}
			if m.Repl.IsLeader() && m.Repl.LeaderView().Term > oldTerm {
				newLeader = m
				break
			}
		}
		if newLeader != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if newLeader == nil {
		t.Fatal("no follower took over after the leader stopped heartbeating")
	}
}

// Scenario 6 (spec §8): every node's log, replayed independently,
// reaches the same lock state regardless of which node the command
// was submitted through.
func Test_LogReplayDeterminism(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
	)

	shrinkTimings(t)
	c := test.NewCluster(t, 3)
	defer func() {
		if !test.WaitThisOrTimeout(c.Off, 5*time.Second) {
			t.Error("failed to shut cluster down")
			test.PrintStackTrace(t)
		}
	}()
	waitForLeader(t, c)

	steps := []struct {
		member           int
		resource, owner  string
		mode             types.LockMode
		release          bool
	}{
		{0, "r1", "A", types.Exclusive, false},
		{1, "r1", "B", types.Exclusive, false},
		{2, "r1", "A", "", true},
		{0, "r1", "C", types.Shared, false},
	}
	for _, s := range steps {
		var ok bool
		var err error
		if s.release {
			ok, err = c.Members[s.member].ReleaseLock(s.resource, s.owner)
		} else {
			ok, err = c.Members[s.member].AcquireLock(s.resource, s.owner, s.mode)
		}
		if err != nil || !ok {
			t.Fatalf("step %+v failed: ok=%v err=%v", s, ok, err)
		}
	}
	time.Sleep(100 * time.Millisecond) // let every node's tail loop catch up

	var reference []types.LogEntry
	for i, m := range c.Members {
		entries, err := m.LogEntries()
		if err != nil {
			t.Fatalf("log entries from %s: %v", m.ID, err)
		}
		if i == 0 {
			reference = entries
			continue
		}
		if len(entries) != len(reference) {
			t.Fatalf("%s has %d entries, node-0 has %d", m.ID, len(entries), len(reference))
		}
		for j := range entries {
			if entries[j].Command != reference[j].Command {
				t.Errorf("%s entry %d = %+v, want %+v", m.ID, j, entries[j].Command, reference[j].Command)
			}
		}
	}

	// B holds r1 exclusively and C waits in SHARED mode: one edge C->B
	// on every node.
	want := types.WaitForEdge{Waiter: "C", Holder: "B"}
	for _, m := range c.Members {
		edges := m.Locks.WaitForEdges()
		if len(edges) != 1 || edges[0] != want {
			t.Errorf("%s wait-for edges = %v, want [%v]", m.ID, edges, want)
		}
	}
}
