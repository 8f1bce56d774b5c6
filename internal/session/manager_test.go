package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agleyzer/livecaption/internal/config"
	"github.com/agleyzer/livecaption/internal/store"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.Default()
	cfg.Session.OutputDir = t.TempDir()
	cfg.Session.TargetLanguages = []string{"vi"}
	cfg.Transcoder.FFmpegBinary = writeTranscoderStub(t, "")
	cfg.Transcoder.StopGrace = config.Duration(time.Second)
	cfg.Watch.PollInterval = config.Duration(20 * time.Millisecond)
	cfg.Watch.TranscriptPollInterval = config.Duration(20 * time.Millisecond)

	m, err := NewManager(Options{
		Config:     &cfg,
		Primary:    &fakeProvider{text: "hello"},
		Translator: &fakeTranslator{},
		Logger:     createTestLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.StopAll)
	return m
}

func TestManager_Lifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping subprocess test in short mode")
	}
	m := testManager(t)
	ctx, cancel := context.WithCancel(context.Background())

	s, err := m.Start(ctx, Request{Source: "rtmp://example/live"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	// The session must outlive the context that started it.
	cancel()

	if s.ID() == "" {
		t.Fatal("no generated id")
	}
	if filepath.Base(filepath.Dir(s.Dir())) != s.ID() {
		t.Errorf("dir = %s, want a run under the id", s.Dir())
	}
	got, err := m.Get(s.ID())
	if err != nil || got != s {
		t.Fatalf("Get() = %v, %v", got, err)
	}

	time.Sleep(100 * time.Millisecond)
	if st := s.Status(); st.State != StateRunning {
		t.Fatalf("state = %s after request context cancel", st.State)
	}

	if _, err := m.Start(context.Background(), Request{ID: s.ID(), Source: "rtmp://other"}); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("duplicate Start() error = %v, want ErrAlreadyRunning", err)
	}

	if list := m.List(); len(list) != 1 || list[0].ID != s.ID() {
		t.Errorf("List() = %+v", list)
	}

	if err := m.Stop(s.ID()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if st := s.Status(); st.State != StateStopped {
		t.Errorf("state = %s, want stopped", st.State)
	}

	// A stopped id can be reused; its directory lock was released.
	again, err := m.Start(context.Background(), Request{ID: s.ID(), Source: "rtmp://example/live"})
	if err != nil {
		t.Fatalf("restart error = %v", err)
	}
	if again == s {
		t.Error("restart returned the old session")
	}
	if again.Dir() == s.Dir() {
		t.Errorf("restart reused run directory %s", s.Dir())
	}
}

func TestManager_RestartIgnoresEarlierRun(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping subprocess test in short mode")
	}
	m := testManager(t)

	first, err := m.Start(context.Background(), Request{ID: "news", Source: "rtmp://example/live"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	for _, name := range []string{"video_40.ts", "video_41.ts"} {
		if err := store.WriteFileAtomic(filepath.Join(first.Dir(), "video", name), []byte("old")); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "first run manifest", func() bool {
		return fileContains(filepath.Join(first.Dir(), store.VideoManifest), "video/video_41.ts")
	})
	if err := m.Stop("news"); err != nil {
		t.Fatal(err)
	}

	second, err := m.Start(context.Background(), Request{ID: "news", Source: "rtmp://example/live"})
	if err != nil {
		t.Fatalf("restart error = %v", err)
	}
	if err := store.WriteFileAtomic(filepath.Join(second.Dir(), "video", "video_0.ts"), []byte("new")); err != nil {
		t.Fatal(err)
	}
	manifest := filepath.Join(second.Dir(), store.VideoManifest)
	waitFor(t, "second run manifest", func() bool { return fileContains(manifest, "video/video_0.ts") })

	data, err := os.ReadFile(manifest)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "video_40") || !strings.Contains(string(data), "#EXT-X-MEDIA-SEQUENCE:0") {
		t.Errorf("restarted manifest carries the earlier run:\n%s", data)
	}
	if _, err := os.Stat(filepath.Join(first.Dir(), "video", "video_40.ts")); err != nil {
		t.Errorf("earlier run output removed: %v", err)
	}
}

func TestManager_RequestOverrides(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping subprocess test in short mode")
	}
	m := testManager(t)
	s, err := m.Start(context.Background(), Request{
		ID:             "match-1",
		Source:         "rtmp://example/live",
		SourceLanguage: "es",
		Languages:      []string{"pt_br", "en"},
	})
	if err != nil {
		t.Fatal(err)
	}
	st := s.Status()
	if st.SourceLanguage != "es" {
		t.Errorf("source language = %q", st.SourceLanguage)
	}
	if len(st.TargetLanguages) != 2 || st.TargetLanguages[0] != "pt-BR" {
		t.Errorf("target languages = %v", st.TargetLanguages)
	}
}

func TestManager_RejectsBadRequests(t *testing.T) {
	m := testManager(t)
	tests := []struct {
		name string
		req  Request
	}{
		{"no source", Request{}},
		{"path traversal id", Request{ID: "../etc", Source: "x"}},
		{"bad language", Request{Source: "x", Languages: []string{"not a language"}}},
		{"bad source language", Request{Source: "x", SourceLanguage: "??"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Start(context.Background(), tt.req)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("Start() error = %v, want ErrInvalidRequest", err)
			}
		})
	}
	if len(m.List()) != 0 {
		t.Error("rejected request registered a session")
	}
}

func TestManager_NotFound(t *testing.T) {
	m := testManager(t)
	if _, err := m.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v", err)
	}
	if err := m.Stop("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestNewManager_RequiresConfig(t *testing.T) {
	if _, err := NewManager(Options{}); err == nil {
		t.Error("expected error without config")
	}
}

func TestBaseLanguage(t *testing.T) {
	for in, want := range map[string]string{"en": "en", "pt-BR": "pt", "zh-Hant-TW": "zh"} {
		if got := baseLanguage(in); got != want {
			t.Errorf("baseLanguage(%q) = %q, want %q", in, got, want)
		}
	}
}
