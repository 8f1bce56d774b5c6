package cluster

import (
	"errors"
	"fmt"
	"net"
	"time"
)

const (
	defaultHeartbeatTimeout  = time.Second
	defaultElectionTimeout   = time.Second
	defaultSnapshotInterval  = 2 * time.Minute
	defaultSnapshotThreshold = 8192
	defaultApplyTimeout      = 5 * time.Second
	defaultLogLevel          = "off"
)

// Config holds the configuration for a cluster node. Peers are Raft
// addresses and double as server IDs, so every node derives the same
// bootstrap configuration from the same list.
type Config struct {
	// RaftID names this node in logs and stats.
	RaftID string
	// BindAddr is the Raft listen address (host:port). It must be one of Peers.
	BindAddr string
	// Peers is every voter's Raft address, this node included.
	Peers []string

	HeartbeatTimeout  time.Duration
	ElectionTimeout   time.Duration
	SnapshotInterval  time.Duration
	SnapshotThreshold uint64
	// ApplyTimeout bounds how long a publish waits for the log to commit.
	ApplyTimeout time.Duration
	// LogLevel is the hclog level for Raft's own logging; "off" silences it.
	LogLevel string
}

// Validate checks the node configuration and fills in unset timings.
func (c *Config) Validate() error {
	if c.RaftID == "" {
		return errors.New("raft id is required")
	}
	if _, _, err := net.SplitHostPort(c.BindAddr); err != nil {
		return fmt.Errorf("raft bind address %q: %w", c.BindAddr, err)
	}
	if len(c.Peers) == 0 {
		return errors.New("at least one peer is required")
	}
	self := false
	for _, peer := range c.Peers {
		if _, _, err := net.SplitHostPort(peer); err != nil {
			return fmt.Errorf("peer address %q: %w", peer, err)
		}
		if peer == c.BindAddr {
			self = true
		}
	}
	if !self {
		return fmt.Errorf("peers must include this node's bind address %s", c.BindAddr)
	}

	c.applyDefaults()
	return nil
}

func (c *Config) applyDefaults() {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.ElectionTimeout <= 0 {
		c.ElectionTimeout = defaultElectionTimeout
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = defaultSnapshotInterval
	}
	if c.SnapshotThreshold == 0 {
		c.SnapshotThreshold = defaultSnapshotThreshold
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = defaultApplyTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
}
