// Package cluster replicates published manifests across nodes with Raft, so
// follower edge nodes can serve a session's manifests without running its
// pipeline.
package cluster

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/raft"
)

func init() {
	// Register types for gob encoding/decoding
	gob.Register(PublishCommand{})
}

// Manifest is one replicated manifest body.
type Manifest struct {
	Body string
	// Version counts how many times the name has been published.
	Version uint64
	// UpdatedAt is stamped by the publishing leader.
	UpdatedAt time.Time
}

// CommandType identifies the type of Raft command.
type CommandType uint8

const (
	// CommandPublish replaces one manifest body.
	CommandPublish CommandType = 1
)

// Command represents a Raft log command.
type Command struct {
	Type CommandType
	Data any
}

// PublishCommand sets the body stored under Name.
type PublishCommand struct {
	Name string
	Body string
	At   time.Time
}

// ManifestFSM implements raft.FSM over a map of manifest name to body.
type ManifestFSM struct {
	mu        sync.RWMutex
	manifests map[string]Manifest
	logger    *slog.Logger
}

// NewManifestFSM creates an empty FSM.
func NewManifestFSM(logger *slog.Logger) *ManifestFSM {
	return &ManifestFSM{
		manifests: make(map[string]Manifest),
		logger:    logger,
	}
}

// Apply applies a Raft log entry to the FSM.
func (f *ManifestFSM) Apply(log *raft.Log) any {
	var cmd Command
	if err := gob.NewDecoder(bytes.NewReader(log.Data)).Decode(&cmd); err != nil {
		f.logger.Error("failed to decode command", "error", err)
		return fmt.Errorf("decode command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Type {
	case CommandPublish:
		return f.applyPublish(cmd.Data)
	default:
		f.logger.Error("unknown command type", "type", cmd.Type)
		return fmt.Errorf("unknown command type: %d", cmd.Type)
	}
}

func (f *ManifestFSM) applyPublish(data any) any {
	pub, ok := data.(PublishCommand)
	if !ok {
		return fmt.Errorf("invalid publish command data")
	}
	if pub.Name == "" {
		return fmt.Errorf("publish command without a name")
	}

	prev := f.manifests[pub.Name]
	f.manifests[pub.Name] = Manifest{
		Body:      pub.Body,
		Version:   prev.Version + 1,
		UpdatedAt: pub.At,
	}
	f.logger.Debug("applied manifest", "name", pub.Name, "version", prev.Version+1, "bytes", len(pub.Body))
	return nil
}

// Snapshot returns an FSMSnapshot for creating a point-in-time snapshot.
func (f *ManifestFSM) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{manifests: f.copyManifests()}, nil
}

// Restore restores the FSM state from a snapshot.
func (f *ManifestFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var manifests map[string]Manifest
	if err := gob.NewDecoder(snapshot).Decode(&manifests); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if manifests == nil {
		manifests = make(map[string]Manifest)
	}

	f.mu.Lock()
	f.manifests = manifests
	f.mu.Unlock()

	f.logger.Info("restored FSM state from snapshot", "manifests", len(manifests))
	return nil
}

// Get returns the manifest stored under name.
func (f *ManifestFSM) Get(name string) (Manifest, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	m, ok := f.manifests[name]
	return m, ok
}

// Names returns the stored names with the given prefix, sorted.
func (f *ManifestFSM) Names(prefix string) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.manifests))
	for name := range f.manifests {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Len reports how many manifests are stored.
func (f *ManifestFSM) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.manifests)
}

func (f *ManifestFSM) copyManifests() map[string]Manifest {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]Manifest, len(f.manifests))
	for k, v := range f.manifests {
		out[k] = v
	}
	return out
}

// fsmSnapshot implements raft.FSMSnapshot.
type fsmSnapshot struct {
	manifests map[string]Manifest
}

// Persist writes the snapshot to the given sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.manifests); err != nil {
		sink.Cancel()
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if _, err := sink.Write(buf.Bytes()); err != nil {
		sink.Cancel()
		return fmt.Errorf("write snapshot: %w", err)
	}

	return sink.Close()
}

// Release releases any resources held by the snapshot.
func (s *fsmSnapshot) Release() {}

// EncodeCommand encodes a command for Raft submission.
func EncodeCommand(cmd Command) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return buf.Bytes(), nil
}
