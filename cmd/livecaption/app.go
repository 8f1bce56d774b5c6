package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agleyzer/livecaption/internal/cluster"
	"github.com/agleyzer/livecaption/internal/config"
	"github.com/agleyzer/livecaption/internal/journal"
	"github.com/agleyzer/livecaption/internal/server"
	"github.com/agleyzer/livecaption/internal/session"
)

const leaderWaitTimeout = 30 * time.Second

// runtime is the assembled process: optional journal and cluster, the session
// manager and the HTTP server in front of it.
type runtime struct {
	logger   *slog.Logger
	journal  *journal.Store
	cluster  *cluster.Manager
	sessions *session.Manager
	server   *server.Server
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{logger: logger}
	opts := session.Options{Config: cfg, Logger: logger}
	srvOpts := server.Options{
		Bind:       cfg.Server.Bind,
		PublicBase: cfg.Session.PublicBase,
		Logger:     logger,
	}

	if cfg.Journal.Enabled {
		store, err := journal.Open(cfg.Journal.Path, logger)
		if err != nil {
			return nil, err
		}
		rt.journal = store
		opts.Journal = store
		srvOpts.Events = store
	}

	if cfg.Cluster.Enabled {
		cm, err := cluster.NewManager(clusterConfig(cfg.Cluster), logger)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("create cluster: %w", err)
		}
		if err := cm.Start(ctx); err != nil {
			rt.close()
			return nil, fmt.Errorf("start cluster: %w", err)
		}
		rt.cluster = cm
		opts.Publisher = cm
		srvOpts.Replica = cm
	}

	sessions, err := session.NewManager(opts)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.sessions = sessions
	srvOpts.Sessions = sessions
	rt.server = server.New(srvOpts)
	return rt, nil
}

// clusterConfig maps the [cluster] section. An empty peer list runs a
// single-node cluster.
func clusterConfig(c config.Cluster) cluster.Config {
	peers := c.Peers
	if len(peers) == 0 {
		peers = []string{c.Bind}
	}
	return cluster.Config{
		RaftID:   c.RaftID,
		BindAddr: c.Bind,
		Peers:    peers,
	}
}

// waitForLeader blocks until the cluster has a leader. It is a no-op when
// clustering is off.
func (rt *runtime) waitForLeader(ctx context.Context) error {
	if rt.cluster == nil {
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, leaderWaitTimeout)
	defer cancel()
	if err := rt.cluster.WaitForLeader(waitCtx); err != nil {
		return fmt.Errorf("wait for cluster leader: %w", err)
	}
	rt.logger.Info("cluster leader elected",
		"leader", rt.cluster.LeaderAddr(),
		"is_leader", rt.cluster.IsLeader())
	return nil
}

func (rt *runtime) close() {
	if rt.sessions != nil {
		rt.sessions.StopAll()
	}
	if rt.cluster != nil {
		if err := rt.cluster.Shutdown(); err != nil {
			rt.logger.Warn("cluster shutdown failed", "error", err)
		}
	}
	if rt.journal != nil {
		if err := rt.journal.Close(); err != nil {
			rt.logger.Warn("journal close failed", "error", err)
		}
	}
}
