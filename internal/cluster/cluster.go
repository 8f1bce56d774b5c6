package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/raft"
)

const (
	transportPool    = 3
	transportTimeout = 10 * time.Second
	leaderPoll       = 100 * time.Millisecond
)

var (
	// ErrNotLeader is returned when a follower is asked to publish.
	ErrNotLeader = errors.New("not the cluster leader")

	errNotStarted = errors.New("cluster not started")
	errClosed     = errors.New("cluster is shut down")
)

// Manager runs this node's Raft instance and exposes the replicated manifests.
// The leader publishes; every node, the leader included, reads from its own
// copy of the state machine.
type Manager struct {
	cfg    Config
	fsm    *ManifestFSM
	logger *slog.Logger

	mu        sync.RWMutex
	node      *raft.Raft
	transport *raft.NetworkTransport
	stopWatch context.CancelFunc
	closed    bool
}

// NewManager validates cfg and prepares a node. Nothing listens until Start.
func NewManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cluster config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "cluster", "node_id", cfg.RaftID)
	return &Manager{
		cfg:    cfg,
		fsm:    NewManifestFSM(logger),
		logger: logger,
	}, nil
}

// Start opens the Raft transport, bootstraps the static peer set and begins
// participating in elections. Leadership changes are logged until ctx is done
// or the manager shuts down.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.closed:
		return errClosed
	case m.node != nil:
		return errors.New("cluster already started")
	}

	transport, err := m.openTransport()
	if err != nil {
		return err
	}

	// Manifests are rebuilt by the leader's sessions, so nothing needs to
	// survive a restart and the stores stay in memory.
	store := raft.NewInmemStore()
	node, err := raft.NewRaft(m.raftConfig(), m.fsm, store, store, raft.NewInmemSnapshotStore(), transport)
	if err != nil {
		transport.Close()
		return fmt.Errorf("create raft node: %w", err)
	}

	if err := node.BootstrapCluster(m.bootstrapConfiguration()).Error(); err != nil {
		if !errors.Is(err, raft.ErrCantBootstrap) {
			m.logger.Warn("bootstrap failed, waiting to hear from peers", "error", err)
		}
	}

	watchCtx, cancel := context.WithCancel(ctx)
	go m.watchLeadership(watchCtx, node.LeaderCh())

	m.node = node
	m.transport = transport
	m.stopWatch = cancel

	m.logger.Info("cluster node started", "bind", m.cfg.BindAddr, "peers", len(m.cfg.Peers))
	return nil
}

func (m *Manager) raftConfig() *raft.Config {
	rc := raft.DefaultConfig()
	// Peers are identified by address so every node bootstraps the same set.
	rc.LocalID = raft.ServerID(m.cfg.BindAddr)
	rc.HeartbeatTimeout = m.cfg.HeartbeatTimeout
	rc.ElectionTimeout = m.cfg.ElectionTimeout
	rc.LeaderLeaseTimeout = m.cfg.HeartbeatTimeout
	rc.SnapshotInterval = m.cfg.SnapshotInterval
	rc.SnapshotThreshold = m.cfg.SnapshotThreshold
	rc.Logger = raftLogger(m.logger, m.cfg.LogLevel)
	return rc
}

func (m *Manager) openTransport() (*raft.NetworkTransport, error) {
	advertise, err := net.ResolveTCPAddr("tcp", m.cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve raft address %s: %w", m.cfg.BindAddr, err)
	}
	t, err := raft.NewTCPTransport(m.cfg.BindAddr, advertise, transportPool, transportTimeout, nil)
	if err != nil {
		return nil, fmt.Errorf("listen on raft address %s: %w", m.cfg.BindAddr, err)
	}
	return t, nil
}

func (m *Manager) bootstrapConfiguration() raft.Configuration {
	servers := make([]raft.Server, len(m.cfg.Peers))
	for i, peer := range m.cfg.Peers {
		servers[i] = raft.Server{
			Suffrage: raft.Voter,
			ID:       raft.ServerID(peer),
			Address:  raft.ServerAddress(peer),
		}
	}
	return raft.Configuration{Servers: servers}
}

func (m *Manager) watchLeadership(ctx context.Context, ch <-chan bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case leader := <-ch:
			if leader {
				m.logger.Info("acquired leadership")
			} else {
				m.logger.Info("lost leadership")
			}
		}
	}
}

func (m *Manager) raftNode() (*raft.Raft, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch {
	case m.closed:
		return nil, errClosed
	case m.node == nil:
		return nil, errNotStarted
	}
	return m.node, nil
}

// Publish replicates a manifest body under name and waits for it to commit.
// Followers get ErrNotLeader.
func (m *Manager) Publish(name, body string) error {
	node, err := m.raftNode()
	if err != nil {
		return err
	}
	if node.State() != raft.Leader {
		return ErrNotLeader
	}

	data, err := EncodeCommand(Command{
		Type: CommandPublish,
		Data: PublishCommand{Name: name, Body: body, At: time.Now().UTC()},
	})
	if err != nil {
		return err
	}

	f := node.Apply(data, m.cfg.ApplyTimeout)
	switch err := f.Error(); {
	case errors.Is(err, raft.ErrNotLeader), errors.Is(err, raft.ErrLeadershipLost):
		return ErrNotLeader
	case err != nil:
		return fmt.Errorf("publish %s: %w", name, err)
	}
	if applyErr, ok := f.Response().(error); ok && applyErr != nil {
		return fmt.Errorf("publish %s: %w", name, applyErr)
	}
	return nil
}

// Manifest returns the replicated manifest stored under name.
func (m *Manager) Manifest(name string) (Manifest, bool) {
	return m.fsm.Get(name)
}

// Names lists replicated manifest names with the given prefix.
func (m *Manager) Names(prefix string) []string {
	return m.fsm.Names(prefix)
}

// IsLeader reports whether this node currently leads the cluster.
func (m *Manager) IsLeader() bool {
	node, err := m.raftNode()
	return err == nil && node.State() == raft.Leader
}

// LeaderAddr returns the leader's Raft address, or "" when none is known.
func (m *Manager) LeaderAddr() string {
	node, err := m.raftNode()
	if err != nil {
		return ""
	}
	addr, _ := node.LeaderWithID()
	return string(addr)
}

// State names the node's Raft role: Follower, Candidate, Leader or Shutdown.
// Before Start it is NotStarted.
func (m *Manager) State() string {
	node, err := m.raftNode()
	switch {
	case errors.Is(err, errNotStarted):
		return "NotStarted"
	case err != nil:
		return raft.Shutdown.String()
	}
	return node.State().String()
}

// Peers returns the configured voter addresses.
func (m *Manager) Peers() []string {
	return append([]string(nil), m.cfg.Peers...)
}

// NodeID returns this node's configured id.
func (m *Manager) NodeID() string {
	return m.cfg.RaftID
}

// GetStats returns a summary of the node for the health endpoint.
func (m *Manager) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"node_id":   m.cfg.RaftID,
		"state":     m.State(),
		"leader":    m.LeaderAddr(),
		"peers":     len(m.cfg.Peers),
		"manifests": m.fsm.Len(),
	}
}

// Shutdown stops the Raft node and closes its transport. It is safe to call
// more than once and before Start.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	if m.stopWatch != nil {
		m.stopWatch()
	}

	var errs []error
	if m.node != nil {
		if err := m.node.Shutdown().Error(); err != nil {
			errs = append(errs, fmt.Errorf("stop raft: %w", err))
		}
	}
	if m.transport != nil {
		if err := m.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close raft transport: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		m.logger.Error("cluster shutdown incomplete", "error", err)
		return err
	}

	m.logger.Info("cluster node stopped")
	return nil
}

// WaitForLeader blocks until some node is known to lead, or ctx ends.
func (m *Manager) WaitForLeader(ctx context.Context) error {
	for {
		if m.LeaderAddr() != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for cluster leader: %w", ctx.Err())
		case <-time.After(leaderPoll):
		}
	}
}
