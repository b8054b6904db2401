// Command syncd starts one node of the distributed coordination
// plane. Flags override the environment variables of spec §6; the
// entrypoint itself only wires components together, the way
// original_source's create_app() builds one RaftRedis/LockManager/
// CacheNode/SystemMetrics set and registers HTTP routes.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/distsync/syncd/internal/config"
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

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		flagNodeID   string
		flagPeers    string
		flagHTTPPort int
		flagBackend  string
	)

	cmd := &cobra.Command{
		Use:   "syncd",
		Short: "distributed coordination plane: replicated log, lock manager, MESI cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			if flagNodeID != "" {
				cfg.NodeID = flagNodeID
			}
			if flagPeers != "" {
				cfg.Peers = config.SplitPeers(flagPeers, cfg.NodeID)
			}
			if flagHTTPPort != 0 {
				cfg.HTTPPort = flagHTTPPort
			}
			if flagBackend != "" {
				cfg.LogBackendURL = flagBackend
			}
			return run(cfg)
		},
	}

	cmd.Flags().StringVar(&flagNodeID, "node-id", "", "overrides NODE_ID")
	cmd.Flags().StringVar(&flagPeers, "peers", "", "overrides PEERS (comma separated)")
	cmd.Flags().IntVar(&flagHTTPPort, "http-port", 0, "overrides HTTP_PORT")
	cmd.Flags().StringVar(&flagBackend, "log-backend-url", "", "overrides LOG_BACKEND_URL")
	return cmd
}

// newQueue picks Redis or the local file fallback at startup, the way
// original_source's DistributedQueue checks self.redis before each
// operation rather than hardcoding one backend.
func newQueue(backend *logbackend.RedisLog, lg logging.Logger) logbackend.Queue {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := backend.Client().Ping(ctx).Err(); err != nil {
		lg.Errorf("log backend unreachable for queue, falling back to file queue: %v", err)
		return logbackend.NewFileQueue(os.TempDir())
	}
	return logbackend.NewRedisQueue(backend.Client())
}

func run(cfg *config.Config) error {
	lg := logging.New(cfg.NodeID)
	lg.Infof("starting node, peers=%v, http_port=%d", cfg.Peers, cfg.HTTPPort)

	backend, err := logbackend.NewRedisLog(cfg.LogBackendURL)
	if err != nil {
		return fmt.Errorf("connect log backend: %w", err)
	}

	trans := transport.New(cfg, lg)
	repl := replicator.New(cfg.NodeID, cfg.Peers, backend, trans, lg)
	locks := lock.New(cfg.NodeID, cfg.Peers, repl, trans, lg.With("component", "lock"))
	cacheEngine := cache.New(cfg.NodeID, cfg.Peers, cfg.CacheCapacity, trans, lg.With("component", "cache"))

	queue := newQueue(backend, lg)

	n := &node.Node{
		ID:         cfg.NodeID,
		Replicator: repl,
		Locks:      locks,
		Cache:      cacheEngine,
		Queue:      queue,
	}

	tel := telemetry.New(cfg.NodeID,
		func() types.CacheMetrics { return cacheEngine.State().Metrics },
		func() uint64 { return repl.LeaderView().Term },
	)

	server := httpapi.New(n, lg.With("component", "http"), tel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go repl.Run(ctx)
	go locks.Run(ctx)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: server.Handler(),
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Errorf("http server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	lg.Infof("shutting down")
	repl.Shutdown()
	locks.Shutdown()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}
