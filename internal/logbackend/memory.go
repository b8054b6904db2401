package logbackend

import (
	"context"
	"sync"

	"github.com/distsync/syncd/pkg/syncd/types"
)

// MemoryLog is an in-process Log used by tests that don't want to
// stand up a real Redis instance, mirroring the teacher's pattern of
// swapping real collaborators for in-memory test doubles (see
// test/testing.go's TestInvoker).
type MemoryLog struct {
	mu      sync.Mutex
	entries []types.LogEntry
	checks  map[string]int64
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{checks: make(map[string]int64)}
}

func (m *MemoryLog) Append(_ context.Context, entry types.LogEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return int64(len(m.entries) - 1), nil
}

func (m *MemoryLog) Len(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.entries)), nil
}

func (m *MemoryLog) Index(_ context.Context, i int64) (types.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || int(i) >= len(m.entries) {
		return types.LogEntry{}, errOutOfRange
	}
	return m.entries[i], nil
}

func (m *MemoryLog) Range(_ context.Context, start, end int64) ([]types.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if end < 0 || int(end) >= len(m.entries) {
		end = int64(len(m.entries)) - 1
	}
	if start > end {
		return nil, nil
	}
	out := make([]types.LogEntry, 0, end-start+1)
	for i := start; i <= end; i++ {
		out = append(out, m.entries[i])
	}
	return out, nil
}

func (m *MemoryLog) SetCheckpoint(_ context.Context, key string, index int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[key] = index
	return nil
}

var errOutOfRange = &rangeError{}

type rangeError struct{}

func (*rangeError) Error() string { return "index out of range" }
