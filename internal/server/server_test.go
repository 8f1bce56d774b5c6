package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agleyzer/livecaption/internal/cluster"
	"github.com/agleyzer/livecaption/internal/config"
	"github.com/agleyzer/livecaption/internal/journal"
	"github.com/agleyzer/livecaption/internal/session"
	"github.com/agleyzer/livecaption/internal/store"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

type fakeProvider struct{}

func (fakeProvider) Name() string { return "fake" }

func (fakeProvider) Transcribe(ctx context.Context, audioPath string) (string, error) {
	return "hello there", nil
}

type fakeTranslator struct{}

func (fakeTranslator) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	return "[" + targetLang + "] " + text, nil
}

type fakeReplica struct {
	leader    bool
	manifests map[string]cluster.Manifest
}

func (f *fakeReplica) Manifest(name string) (cluster.Manifest, bool) {
	m, ok := f.manifests[name]
	return m, ok
}

func (f *fakeReplica) IsLeader() bool     { return f.leader }
func (f *fakeReplica) LeaderAddr() string { return "10.0.0.1:7000" }

func (f *fakeReplica) GetStats() map[string]interface{} {
	return map[string]interface{}{"is_leader": f.leader}
}

type fakeEvents struct {
	events []journal.Event
	err    error
}

func (f *fakeEvents) List(ctx context.Context, sessionID string) ([]journal.Event, error) {
	return f.events, f.err
}

func createTestManager(t *testing.T) *session.Manager {
	t.Helper()
	stub := filepath.Join(t.TempDir(), "fake-ffmpeg.sh")
	if err := os.WriteFile(stub, []byte("#!/bin/sh\nexec sleep 30\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Session.OutputDir = t.TempDir()
	cfg.Session.TargetLanguages = []string{"vi"}
	cfg.Transcoder.FFmpegBinary = stub
	cfg.Transcoder.StopGrace = config.Duration(time.Second)
	cfg.Watch.PollInterval = config.Duration(20 * time.Millisecond)
	cfg.Watch.TranscriptPollInterval = config.Duration(20 * time.Millisecond)
	cfg.Watch.VideoStability = "rename"
	cfg.Watch.AudioStability = "rename"

	m, err := session.NewManager(session.Options{
		Config:     &cfg,
		Primary:    fakeProvider{},
		Translator: fakeTranslator{},
		Logger:     createTestLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.StopAll)
	return m
}

func do(t *testing.T, h http.Handler, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandleHealth(t *testing.T) {
	m := createTestManager(t)

	tests := []struct {
		name        string
		replica     Replica
		wantCluster bool
	}{
		{"standalone", nil, false},
		{"clustered", &fakeReplica{leader: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := New(Options{Sessions: m, Replica: tt.replica, Logger: createTestLogger()})
			w := do(t, srv.Handler(), "GET", "/health", "")

			if w.Code != http.StatusOK {
				t.Fatalf("Expected status 200, got %d", w.Code)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Expected Content-Type 'application/json', got '%s'", ct)
			}

			var health map[string]interface{}
			if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
				t.Fatalf("Failed to parse JSON response: %v", err)
			}
			if health["status"] != "ok" {
				t.Errorf("Expected status 'ok', got '%v'", health["status"])
			}
			stats, ok := health["stats"].(map[string]interface{})
			if !ok {
				t.Fatal("Stats is not a map")
			}
			if stats["sessions"].(float64) != 0 {
				t.Errorf("sessions = %v", stats["sessions"])
			}
			if _, ok := health["cluster"]; ok != tt.wantCluster {
				t.Errorf("cluster present = %v, want %v", ok, tt.wantCluster)
			}
		})
	}
}

func TestSessionLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping subprocess test in short mode")
	}
	m := createTestManager(t)
	srv := New(Options{Sessions: m, PublicBase: "http://edge.example", Logger: createTestLogger()})
	h := srv.Handler()

	w := do(t, h, "POST", "/api/v1/sessions", `{"id":"news","source":"rtmp://src/live","languages":["th"]}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("start status = %d, body = %s", w.Code, w.Body.String())
	}
	var created SessionResponse
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	if created.ID != "news" || created.MasterURL != "http://edge.example/sessions/news/master.m3u8" {
		t.Errorf("created = %+v", created)
	}
	if len(created.TargetLanguages) != 1 || created.TargetLanguages[0] != "th" {
		t.Errorf("target languages = %v", created.TargetLanguages)
	}

	if w := do(t, h, "POST", "/api/v1/sessions", `{"id":"news","source":"rtmp://src/live"}`); w.Code != http.StatusConflict {
		t.Errorf("duplicate start status = %d", w.Code)
	}

	w = do(t, h, "GET", "/api/v1/sessions", "")
	var list []SessionResponse
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != "news" {
		t.Errorf("list = %+v", list)
	}

	// Master manifest is written before the session starts.
	w = do(t, h, "GET", "/sessions/news/master.m3u8", "")
	if w.Code != http.StatusOK {
		t.Fatalf("master status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/vnd.apple.mpegurl" {
		t.Errorf("Expected Content-Type 'application/vnd.apple.mpegurl', got '%s'", ct)
	}
	if cc := w.Header().Get("Cache-Control"); !strings.Contains(cc, "no-cache") {
		t.Errorf("Expected Cache-Control with 'no-cache', got '%s'", cc)
	}
	if cors := w.Header().Get("Access-Control-Allow-Origin"); cors != "*" {
		t.Errorf("Expected CORS header '*', got '%s'", cors)
	}
	if body := w.Body.String(); !strings.Contains(body, "#EXTM3U") || !strings.Contains(body, "subtitles/th.m3u8") {
		t.Errorf("master = %s", body)
	}

	segPath := filepath.Join(created.Dir, "video", "video_0.ts")
	if err := os.WriteFile(segPath, []byte("ts-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	w = do(t, h, "GET", "/sessions/news/video/video_0.ts", "")
	if w.Code != http.StatusOK || w.Body.String() != "ts-bytes" {
		t.Errorf("segment status = %d body = %q", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "video/mp2t" {
		t.Errorf("segment Content-Type = %q", ct)
	}

	partial := filepath.Join(created.Dir, "transcripts", "audio_3.json.123456.tmp")
	if err := os.WriteFile(partial, []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, target := range []string{
		"/sessions/news/.lock",
		"/sessions/news/video",
		"/sessions/news/missing.m3u8",
		"/sessions/news/transcripts/audio_3.json.123456.tmp",
	} {
		if w := do(t, h, "GET", target, ""); w.Code != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", target, w.Code)
		}
	}

	w = do(t, h, "DELETE", "/api/v1/sessions/news", "")
	if w.Code != http.StatusOK {
		t.Fatalf("stop status = %d", w.Code)
	}
	var stopped SessionResponse
	if err := json.NewDecoder(w.Body).Decode(&stopped); err != nil {
		t.Fatal(err)
	}
	if stopped.State != session.StateStopped {
		t.Errorf("state after stop = %s", stopped.State)
	}
}

func TestStartSession_Errors(t *testing.T) {
	m := createTestManager(t)
	srv := New(Options{Sessions: m, Logger: createTestLogger()})

	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{"malformed json", `{"source":`, http.StatusBadRequest},
		{"unknown field", `{"source":"x","bogus":1}`, http.StatusBadRequest},
		{"missing source", `{}`, http.StatusBadRequest},
		{"bad id", `{"id":"../up","source":"x"}`, http.StatusBadRequest},
		{"bad language", `{"source":"x","languages":["not a language"]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, srv.Handler(), "POST", "/api/v1/sessions", tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantCode, w.Body.String())
			}
			var resp ErrorResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if resp.Code != "INVALID_REQUEST" || resp.Error == "" {
				t.Errorf("error response = %+v", resp)
			}
		})
	}
}

func TestUnknownSession(t *testing.T) {
	m := createTestManager(t)
	srv := New(Options{Sessions: m, Logger: createTestLogger()})

	for _, req := range []struct{ method, target string }{
		{"GET", "/api/v1/sessions/nope"},
		{"DELETE", "/api/v1/sessions/nope"},
		{"GET", "/sessions/nope/master.m3u8"},
	} {
		if w := do(t, srv.Handler(), req.method, req.target, ""); w.Code != http.StatusNotFound {
			t.Errorf("%s %s status = %d, want 404", req.method, req.target, w.Code)
		}
	}
}

func TestStartSession_Follower(t *testing.T) {
	m := createTestManager(t)
	srv := New(Options{Sessions: m, Replica: &fakeReplica{leader: false}, Logger: createTestLogger()})

	w := do(t, srv.Handler(), "POST", "/api/v1/sessions", `{"source":"rtmp://src/live"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
	var resp ErrorResponse
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if resp.Code != "NOT_LEADER" || !strings.Contains(resp.Error, "10.0.0.1:7000") {
		t.Errorf("error response = %+v", resp)
	}
	if len(m.List()) != 0 {
		t.Error("follower started a session")
	}
}

func TestArtifact_FromReplica(t *testing.T) {
	m := createTestManager(t)
	replica := &fakeReplica{manifests: map[string]cluster.Manifest{
		"news/video.m3u8":        {Body: "#EXTM3U\n#EXT-X-MEDIA-SEQUENCE:4\n", Version: 3, UpdatedAt: time.Now()},
		"news/subtitles/vi.vtt": {Body: "WEBVTT\n", Version: 1, UpdatedAt: time.Now()},
	}}
	srv := New(Options{Sessions: m, Replica: replica, PublicBase: "http://origin.example", Logger: createTestLogger()})
	h := srv.Handler()

	w := do(t, h, "GET", "/sessions/news/video.m3u8", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "MEDIA-SEQUENCE:4") {
		t.Fatalf("replicated manifest status = %d body = %q", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/vnd.apple.mpegurl" {
		t.Errorf("Content-Type = %q", ct)
	}

	w = do(t, h, "GET", "/sessions/news/subtitles/vi.vtt", "")
	if w.Code != http.StatusOK || !strings.HasPrefix(w.Header().Get("Content-Type"), "text/vtt") {
		t.Errorf("track status = %d type = %q", w.Code, w.Header().Get("Content-Type"))
	}
	if cc := w.Header().Get("Cache-Control"); !strings.Contains(cc, "no-cache") {
		t.Errorf("track Cache-Control = %q", cc)
	}

	w = do(t, h, "GET", "/sessions/news/video/video_4.ts", "")
	if w.Code != http.StatusTemporaryRedirect {
		t.Fatalf("segment status = %d, want redirect", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "http://origin.example/sessions/news/video/video_4.ts" {
		t.Errorf("Location = %q", loc)
	}
}

func TestSessionEvents(t *testing.T) {
	m := createTestManager(t)

	tests := []struct {
		name     string
		events   EventLog
		wantCode int
	}{
		{"disabled", nil, http.StatusNotFound},
		{"listed", &fakeEvents{events: []journal.Event{{ID: 1, SessionID: "news", Kind: journal.KindCue, Index: 2, Language: "vi"}}}, http.StatusOK},
		{"store error", &fakeEvents{err: errors.New("disk gone")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := New(Options{Sessions: m, Events: tt.events, Logger: createTestLogger()})
			w := do(t, srv.Handler(), "GET", "/api/v1/sessions/news/events", "")
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			var events []journal.Event
			if err := json.NewDecoder(w.Body).Decode(&events); err != nil {
				t.Fatal(err)
			}
			if len(events) != 1 || events[0].Kind != journal.KindCue {
				t.Errorf("events = %+v", events)
			}
		})
	}
}

func TestWriteSessionError(t *testing.T) {
	srv := New(Options{Sessions: createTestManager(t), Logger: createTestLogger()})
	tests := []struct {
		name string
		err  error
		code int
		kind string
	}{
		{"not found", session.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{"invalid", session.ErrInvalidRequest, http.StatusBadRequest, "INVALID_REQUEST"},
		{"running", session.ErrAlreadyRunning, http.StatusConflict, "CONFLICT"},
		{"locked", store.ErrLocked, http.StatusConflict, "CONFLICT"},
		{"leftover output", fmt.Errorf("create session x: %w", store.ErrNotEmpty), http.StatusConflict, "CONFLICT"},
		{"other", errors.New("disk full"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			srv.writeSessionError(w, httptest.NewRequest("GET", "/", nil), tt.err)
			var body ErrorResponse
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if w.Code != tt.code || body.Code != tt.kind {
				t.Errorf("status = %d code = %s, want %d %s", w.Code, body.Code, tt.code, tt.kind)
			}
		})
	}
}

func TestArtifactPath(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"master.m3u8", "master.m3u8", true},
		{"subtitles/vi/audio_3.vtt", "subtitles/vi/audio_3.vtt", true},
		{"../../etc/passwd", "etc/passwd", true},
		{"video/./video_1.ts", "video/video_1.ts", true},
		{"", "", false},
		{".lock", "", false},
		{"video/.video_2.ts.tmp", "", false},
		{"transcripts/audio_3.json.123456.tmp", "", false},
		{"subtitles/vi.m3u8.987.tmp", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := artifactPath(tt.in)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("artifactPath(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := requestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = requestID(r)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if len(seen) != 8 || w.Header().Get("X-Request-ID") != seen {
		t.Errorf("generated id = %q, header = %q", seen, w.Header().Get("X-Request-ID"))
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "upstream-1")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "upstream-1" {
		t.Errorf("propagated id = %q", seen)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(createTestLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", w.Code)
	}
}

func TestLoggingMiddleware(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("test"))
	})

	wrapped := loggingMiddleware(createTestLogger())(handler)

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()

	wrapped.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if w.Body.String() != "test" {
		t.Errorf("Expected body 'test', got '%s'", w.Body.String())
	}
}

func TestResponseWriter_CapturesStatusCode(t *testing.T) {
	wrapped := &responseWriter{
		ResponseWriter: httptest.NewRecorder(),
		statusCode:     http.StatusOK,
	}

	wrapped.WriteHeader(http.StatusNotFound)

	if wrapped.statusCode != http.StatusNotFound {
		t.Errorf("Expected status code 404, got %d", wrapped.statusCode)
	}
}

func TestServer_Integration(t *testing.T) {
	m := createTestManager(t)
	srv := New(Options{Bind: "127.0.0.1:0", Sessions: m, Logger: createTestLogger()})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server never started listening")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}

	cancel()

	select {
	case err := <-errChan:
		if err != nil && err != http.ErrServerClosed {
			t.Errorf("Expected nil or ErrServerClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Server did not stop within timeout")
	}
}

func TestStart_BindError(t *testing.T) {
	m := createTestManager(t)
	srv := New(Options{Bind: "not-an-address", Sessions: m, Logger: createTestLogger()})
	if err := srv.Start(context.Background()); err == nil {
		t.Fatal("expected listen error")
	}
}
