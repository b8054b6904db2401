// Package logbackend implements the external ordered-log contract of
// spec §6 (rpush/llen/lindex/lrange/set on the well-known key
// "raft:log") plus the best-effort message queue of §1, both backed by
// Redis — the closest real match to original_source's
// redis.asyncio-backed RaftRedis and DistributedQueue. A FileQueue
// stands in for the queue when the backend is unreachable, mirroring
// queue_node.py's _produce_to_file / _consume_from_file.
package logbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/distsync/syncd/pkg/syncd/types"
)

const logKey = "raft:log"

// Log is the ordered, append-only list contract of spec §6.
type Log interface {
	Append(ctx context.Context, entry types.LogEntry) (int64, error)
	Len(ctx context.Context) (int64, error)
	Index(ctx context.Context, i int64) (types.LogEntry, error)
	Range(ctx context.Context, start, end int64) ([]types.LogEntry, error)
	SetCheckpoint(ctx context.Context, key string, index int64) error
}

// RedisLog is the default Log implementation.
type RedisLog struct {
	client *redis.Client
}

// NewRedisLog dials the backend named by url (e.g. redis://host:6379/0).
func NewRedisLog(url string) (*RedisLog, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse LOG_BACKEND_URL: %w", err)
	}
	return &RedisLog{client: redis.NewClient(opt)}, nil
}

func (r *RedisLog) Append(ctx context.Context, entry types.LogEntry) (int64, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return 0, err
	}
	length, err := r.client.RPush(ctx, logKey, data).Result()
	if err != nil {
		return 0, err
	}
	return length - 1, nil
}

func (r *RedisLog) Len(ctx context.Context) (int64, error) {
	return r.client.LLen(ctx, logKey).Result()
}

func (r *RedisLog) Index(ctx context.Context, i int64) (types.LogEntry, error) {
	raw, err := r.client.LIndex(ctx, logKey, i).Result()
	if err != nil {
		return types.LogEntry{}, err
	}
	var entry types.LogEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return types.LogEntry{}, err
	}
	return entry, nil
}

func (r *RedisLog) Range(ctx context.Context, start, end int64) ([]types.LogEntry, error) {
	raws, err := r.client.LRange(ctx, logKey, start, end).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]types.LogEntry, 0, len(raws))
	for _, raw := range raws {
		var entry types.LogEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (r *RedisLog) SetCheckpoint(ctx context.Context, key string, index int64) error {
	return r.client.Set(ctx, key, strconv.FormatInt(index, 10), 0).Err()
}

// Client exposes the underlying connection so callers can build other
// Redis-backed components (e.g. RedisQueue) against the same backend
// instead of dialing a second connection.
func (r *RedisLog) Client() *redis.Client {
	return r.client
}

// Queue is the best-effort message queue contract of spec §1.
type Queue interface {
	Produce(ctx context.Context, topic, message string) error
	Consume(ctx context.Context, topic string) (string, bool, error)
	Length(ctx context.Context, topic string) (int64, error)
}

// RedisQueue backs the queue with Redis lists when a backend is
// configured.
type RedisQueue struct {
	client *redis.Client
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func queueKey(topic string) string { return "queue:" + topic }

func (q *RedisQueue) Produce(ctx context.Context, topic, message string) error {
	return q.client.RPush(ctx, queueKey(topic), message).Err()
}

func (q *RedisQueue) Consume(ctx context.Context, topic string) (string, bool, error) {
	val, err := q.client.LPop(ctx, queueKey(topic)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (q *RedisQueue) Length(ctx context.Context, topic string) (int64, error) {
	return q.client.LLen(ctx, queueKey(topic)).Result()
}

// FileQueue is the local fallback used when no backend is reachable,
// grounded in queue_node.py's file-based produce/consume.
type FileQueue struct {
	mu  sync.Mutex
	dir string
}

func NewFileQueue(dir string) *FileQueue {
	return &FileQueue{dir: dir}
}

func (f *FileQueue) path(topic string) string {
	return fmt.Sprintf("%s/%s.queue", f.dir, topic)
}

func (f *FileQueue) Produce(_ context.Context, topic, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, err := os.OpenFile(f.path(topic), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = file.WriteString(message + "\n")
	return err
}

func (f *FileQueue) Consume(_ context.Context, topic string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := f.path(topic)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return "", false, nil
	}
	first := lines[0]
	rest := strings.Join(lines[1:], "\n")
	if len(lines) > 1 {
		rest += "\n"
	}
	if err := os.WriteFile(path, []byte(rest), 0o644); err != nil {
		return "", false, err
	}
	return first, true, nil
}

func (f *FileQueue) Length(_ context.Context, topic string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.path(topic))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	trimmed := strings.TrimRight(string(data), "\n")
	if trimmed == "" {
		return 0, nil
	}
	return int64(len(strings.Split(trimmed, "\n"))), nil
}
