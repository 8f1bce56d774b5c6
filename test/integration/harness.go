// Package integration drives whole livecaption nodes over HTTP: a stub
// transcoder produces segments, fake speech and translation APIs answer, and
// the tests poll the manifests a player would.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agleyzer/livecaption/internal/cluster"
	"github.com/agleyzer/livecaption/internal/config"
	"github.com/agleyzer/livecaption/internal/journal"
	"github.com/agleyzer/livecaption/internal/parser"
	"github.com/agleyzer/livecaption/internal/server"
	"github.com/agleyzer/livecaption/internal/session"
)

// stubTranscoder writes count segments to the template ffmpeg was given, each
// under a temporary name renamed into place, then idles like a live source.
const stubTranscoder = `#!/bin/sh
mode=""
out=""
prev=""
last=""
for a in "$@"; do
  case "$prev" in
    -f) mode="$a" ;;
    -hls_segment_filename) out="$a" ;;
  esac
  prev="$a"
  last="$a"
done
if [ "$mode" = "segment" ]; then
  out="$last"
fi
i=0
while [ $i -lt %d ]; do
  f=$(printf "$out" $i)
  printf 'segment %%d' $i > "$f.part"
  mv "$f.part" "$f"
  i=$((i+1))
  sleep 0.1
done
exec sleep 60
`

// TestHarness manages the test environment for integration tests.
type TestHarness struct {
	t          *testing.T
	dir        string
	transcoder string

	stt        *httptest.Server
	translator *httptest.Server
	// sttStatus, when non-zero, is returned by the speech API instead of text.
	sttStatus    atomic.Int32
	transcribed  atomic.Int32
	translations atomic.Int32

	nodes []*Node
}

// Node is one in-process livecaption server.
type Node struct {
	ID       string
	Sessions *session.Manager
	Server   *server.Server
	Cluster  *cluster.Manager
	Journal  *journal.Store

	cancel context.CancelFunc
	done   chan error
}

// NewTestHarness creates a harness whose transcoder emits segments segments
// per output.
func NewTestHarness(t *testing.T, segments int) *TestHarness {
	t.Helper()

	h := &TestHarness{t: t, dir: t.TempDir()}

	h.transcoder = filepath.Join(h.dir, "fake-ffmpeg.sh")
	script := fmt.Sprintf(stubTranscoder, segments)
	if err := os.WriteFile(h.transcoder, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write transcoder stub: %v", err)
	}

	h.stt = httptest.NewServer(http.HandlerFunc(h.handleTranscription))
	h.translator = httptest.NewServer(http.HandlerFunc(h.handleTranslation))
	t.Cleanup(h.Cleanup)
	return h
}

// FailSpeech makes the speech API answer every request with status.
func (h *TestHarness) FailSpeech(status int) {
	h.sttStatus.Store(int32(status))
}

func (h *TestHarness) handleTranscription(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/audio/transcriptions" || r.Header.Get("Authorization") != "Bearer stt-key" {
		http.Error(w, "bad request", http.StatusNotFound)
		return
	}
	if code := int(h.sttStatus.Load()); code != 0 {
		http.Error(w, "rejected", code)
		return
	}
	h.transcribed.Add(1)
	fmt.Fprint(w, "Good morning everyone. This is the news at noon.")
}

func (h *TestHarness) handleTranslation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetLanguage string   `json:"target_language"`
		Sentences      []string `json:"sentences"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Sentences) == 0 {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	h.translations.Add(1)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string][]string{
		"sentences": {"[" + req.TargetLanguage + "] " + req.Sentences[0]},
	})
}

// Config returns the configuration a node starts from.
func (h *TestHarness) Config(nodeID string) *config.Config {
	cfg := config.Default()
	cfg.Session.OutputDir = filepath.Join(h.dir, nodeID, "sessions")
	cfg.Session.TargetLanguages = []string{"vi", "th"}
	cfg.Transcoder.FFmpegBinary = h.transcoder
	cfg.Transcoder.StopGrace = config.Duration(time.Second)
	cfg.Watch.PollInterval = config.Duration(50 * time.Millisecond)
	cfg.Watch.TranscriptPollInterval = config.Duration(50 * time.Millisecond)
	cfg.Watch.VideoStability = "rename"
	cfg.Watch.AudioStability = "rename"
	cfg.STT.Primary.BaseURL = h.stt.URL
	cfg.STT.Primary.APIKey = "stt-key"
	cfg.STT.Retries = 1
	cfg.Translation.BaseURL = h.translator.URL
	cfg.Translation.APIKey = "xl8-key"
	cfg.Server.Bind = "127.0.0.1:0"
	cfg.Journal.Enabled = true
	cfg.Journal.Path = filepath.Join(h.dir, nodeID, "journal.db")
	return &cfg
}

// StartNode starts a node. clusterCfg is nil for a standalone node.
func (h *TestHarness) StartNode(nodeID string, clusterCfg *cluster.Config) *Node {
	h.t.Helper()

	cfg := h.Config(nodeID)
	logger := createTestLogger().With("node", nodeID)
	node := &Node{ID: nodeID, done: make(chan error, 1)}
	h.nodes = append(h.nodes, node)

	store, err := journal.Open(cfg.Journal.Path, logger)
	if err != nil {
		h.t.Fatalf("failed to open journal: %v", err)
	}
	node.Journal = store

	opts := session.Options{Config: cfg, Journal: store, Logger: logger}
	srvOpts := server.Options{Bind: cfg.Server.Bind, Events: store, Logger: logger}

	ctx, cancel := context.WithCancel(context.Background())
	node.cancel = cancel

	if clusterCfg != nil {
		cm, err := cluster.NewManager(*clusterCfg, logger)
		if err != nil {
			h.t.Fatalf("failed to create cluster manager: %v", err)
		}
		if err := cm.Start(ctx); err != nil {
			h.t.Fatalf("failed to start cluster node %s: %v", nodeID, err)
		}
		node.Cluster = cm
		opts.Publisher = cm
		srvOpts.Replica = cm
	}

	node.Sessions, err = session.NewManager(opts)
	if err != nil {
		h.t.Fatalf("failed to create session manager: %v", err)
	}
	srvOpts.Sessions = node.Sessions
	node.Server = server.New(srvOpts)

	go func() { node.done <- node.Server.Start(ctx) }()

	h.WaitForCondition(func() bool { return node.Server.Addr() != "" }, 5*time.Second, nodeID+" listening")
	h.t.Logf("node %s listening on %s", nodeID, node.Server.Addr())
	return node
}

// URL returns an absolute URL on node.
func (n *Node) URL(path string) string {
	return "http://" + n.Server.Addr() + path
}

// Stop shuts the node down.
func (n *Node) Stop() {
	if n.cancel == nil {
		return
	}
	n.cancel()
	<-n.done
	n.cancel = nil
	n.Sessions.StopAll()
	if n.Cluster != nil {
		_ = n.Cluster.Shutdown()
	}
	_ = n.Journal.Close()
}

// StartSession posts a start request to node.
func (h *TestHarness) StartSession(n *Node, req session.Request) (int, server.SessionResponse) {
	h.t.Helper()

	body, err := json.Marshal(req)
	if err != nil {
		h.t.Fatal(err)
	}
	resp, err := http.Post(n.URL("/api/v1/sessions"), "application/json", bytes.NewReader(body))
	if err != nil {
		h.t.Fatalf("failed to start session: %v", err)
	}
	defer resp.Body.Close()

	var out server.SessionResponse
	if resp.StatusCode == http.StatusCreated {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			h.t.Fatalf("failed to decode session: %v", err)
		}
	}
	return resp.StatusCode, out
}

// StopSession deletes a session on node and returns its final status.
func (h *TestHarness) StopSession(n *Node, id string) server.SessionResponse {
	h.t.Helper()

	req, err := http.NewRequest(http.MethodDelete, n.URL("/api/v1/sessions/"+id), nil)
	if err != nil {
		h.t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatalf("failed to stop session: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		h.t.Fatalf("stop session status = %d", resp.StatusCode)
	}
	var out server.SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		h.t.Fatal(err)
	}
	return out
}

// Fetch GETs a path on node and returns the status and body.
func (h *TestHarness) Fetch(n *Node, path string) (int, string) {
	h.t.Helper()

	resp, err := http.Get(n.URL(path))
	if err != nil {
		h.t.Fatalf("failed to fetch %s: %v", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("failed to read %s body: %v", path, err)
	}
	return resp.StatusCode, string(body)
}

// FetchManifest fetches and parses a media manifest, returning nil until it
// exists.
func (h *TestHarness) FetchManifest(n *Node, path string) *parser.MediaInfo {
	h.t.Helper()

	code, body := h.Fetch(n, path)
	if code != http.StatusOK {
		return nil
	}
	info, err := parser.Decode(strings.NewReader(body), n.URL(path), parser.Options{})
	if err != nil {
		h.t.Fatalf("manifest %s does not parse: %v\n%s", path, err, body)
	}
	if info.IsMaster {
		h.t.Fatalf("%s is a master manifest", path)
	}
	return info.Media
}

// WaitForCondition polls until a condition is met or timeout occurs.
func (h *TestHarness) WaitForCondition(condition func() bool, timeout time.Duration, description string) {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for !condition() {
		if time.Now().After(deadline) {
			h.t.Fatalf("timeout waiting for condition: %s", description)
		}
		<-ticker.C
	}
}

// Cleanup stops all nodes and fake services.
func (h *TestHarness) Cleanup() {
	for _, n := range h.nodes {
		n.Stop()
	}
	h.stt.Close()
	h.translator.Close()
}

// findAvailablePort finds an available TCP port.
func findAvailablePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}
