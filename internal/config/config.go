// Package config collects the environment-driven settings of spec §6
// into a typed struct, the way the teacher's types.BaseConfiguration /
// types.ClusterConfiguration gather NewUnity's inputs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is everything a node needs to start: its own identity, its
// peers, where to listen, and where the external log backend lives.
type Config struct {
	NodeID        string
	Peers         []string
	HTTPPort      int
	LogBackendURL string
	DockerEnv     bool
	CacheCapacity int
}

const (
	defaultHTTPPort      = 8000
	defaultLogBackendURL = "redis://localhost:6379/0"
	defaultCacheCapacity = 100
)

// FromEnv reads NODE_ID, PEERS, HTTP_PORT, LOG_BACKEND_URL, DOCKER_ENV
// and CACHE_CAPACITY exactly as named in spec §6, falling back to
// defaults for anything unset.
func FromEnv() (*Config, error) {
	nodeID := getenv("NODE_ID", "node1")

	peers := SplitPeers(getenv("PEERS", nodeID), nodeID)

	port := defaultHTTPPort
	if raw := os.Getenv("HTTP_PORT"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid HTTP_PORT %q: %w", raw, err)
		}
		port = v
	}

	capacity := defaultCacheCapacity
	if raw := os.Getenv("CACHE_CAPACITY"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid CACHE_CAPACITY %q: %w", raw, err)
		}
		capacity = v
	}

	return &Config{
		NodeID:        nodeID,
		Peers:         peers,
		HTTPPort:      port,
		LogBackendURL: getenv("LOG_BACKEND_URL", defaultLogBackendURL),
		DockerEnv:     os.Getenv("DOCKER_ENV") != "",
		CacheCapacity: capacity,
	}, nil
}

// SplitPeers parses a comma-separated peer list, trimming whitespace
// and dropping self and empty entries. Shared by FromEnv and the
// --peers flag override so both parse the same way.
func SplitPeers(raw, self string) []string {
	var peers []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p != "" && p != self {
			peers = append(peers, p)
		}
	}
	return peers
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// PeerAddress derives the HTTP host:port for a peer identifier, per
// spec §6: inside a container network the peer name is the host;
// outside, localhost with a port derived from the peer's numeric
// suffix (mirrors original_source's MessageClient._url).
func (c *Config) PeerAddress(peerID string) string {
	suffix := numericSuffix(peerID)
	if c.DockerEnv {
		return fmt.Sprintf("%s:%d", peerID, defaultHTTPPort+suffix)
	}
	return fmt.Sprintf("localhost:%d", defaultHTTPPort+suffix)
}

func numericSuffix(nodeID string) int {
	i := len(nodeID)
	for i > 0 && nodeID[i-1] >= '0' && nodeID[i-1] <= '9' {
		i--
	}
	if i == len(nodeID) {
		return 0
	}
	n, err := strconv.Atoi(nodeID[i:])
	if err != nil {
		return 0
	}
	return n
}
