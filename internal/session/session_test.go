package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agleyzer/livecaption/internal/journal"
	"github.com/agleyzer/livecaption/internal/store"
	"github.com/agleyzer/livecaption/internal/transcode"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeProvider struct {
	text string
	err  error
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Transcribe(ctx context.Context, audioPath string) (string, error) {
	return p.text, p.err
}

type fakeTranslator struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeTranslator) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, targetLang)
	f.mu.Unlock()
	return "[" + targetLang + "] " + text, nil
}

type memoryJournal struct {
	mu     sync.Mutex
	events []journal.Event
}

func (j *memoryJournal) Record(ctx context.Context, ev journal.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
	return nil
}

func (j *memoryJournal) kinds() map[journal.Kind]int {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[journal.Kind]int)
	for _, ev := range j.events {
		out[ev.Kind]++
	}
	return out
}

// writeTranscoderStub writes a fake ffmpeg. body runs with the job's arguments
// in "$*"; the default keeps running until interrupted.
func writeTranscoderStub(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-ffmpeg.sh")
	script := "#!/bin/sh\n" + body + "\nexec sleep 30\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func testConfig(t *testing.T, binary string) Config {
	t.Helper()
	return Config{
		ID:              "test",
		Source:          "rtmp://example/live",
		Dir:             filepath.Join(t.TempDir(), "test"),
		SegmentDuration: 10 * time.Second,
		SourceLanguage:  "en",
		TargetLanguages: []string{"vi", "th"},
		Transcoder: transcode.Config{
			Binary:    binary,
			StopGrace: time.Second,
		},
		PollInterval:           20 * time.Millisecond,
		TranscriptPollInterval: 20 * time.Millisecond,
		VideoStability:         "rename",
		AudioStability:         "rename",
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func fileContains(path, substr string) bool {
	data, err := os.ReadFile(path)
	return err == nil && strings.Contains(string(data), substr)
}

func TestNew_Validation(t *testing.T) {
	base := testConfig(t, "ffmpeg")
	tests := []struct {
		name   string
		mutate func(*Config, *Deps)
	}{
		{"missing id", func(c *Config, d *Deps) { c.ID = "" }},
		{"missing source", func(c *Config, d *Deps) { c.Source = "" }},
		{"missing dir", func(c *Config, d *Deps) { c.Dir = "" }},
		{"missing provider", func(c *Config, d *Deps) { d.Primary = nil }},
		{"missing translator", func(c *Config, d *Deps) { d.Translator = nil }},
		{"zero duration", func(c *Config, d *Deps) { c.SegmentDuration = 0 }},
		{"bad policy", func(c *Config, d *Deps) { c.VideoStability = "inotify" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			cfg.Dir = filepath.Join(t.TempDir(), "s")
			deps := Deps{Primary: &fakeProvider{}, Translator: &fakeTranslator{}, Logger: createTestLogger()}
			tt.mutate(&cfg, &deps)
			if _, err := New(cfg, deps); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNew_WritesMasterManifest(t *testing.T) {
	cfg := testConfig(t, "ffmpeg")
	s, err := New(cfg, Deps{Primary: &fakeProvider{}, Translator: &fakeTranslator{}, Logger: createTestLogger()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Stop()

	data, err := os.ReadFile(filepath.Join(cfg.Dir, store.MasterManifest))
	if err != nil {
		t.Fatal(err)
	}
	master := string(data)
	for _, want := range []string{
		`LANGUAGE="vi"`,
		`URI="subtitles/vi.m3u8"`,
		`LANGUAGE="th"`,
		`NAME="Thai"`,
		`SUBTITLES="subs"`,
		"\nvideo.m3u8\n",
	} {
		if !strings.Contains(master, want) {
			t.Errorf("master manifest missing %q:\n%s", want, master)
		}
	}
	if s.Status().State != StatePending {
		t.Errorf("state = %s, want pending", s.Status().State)
	}
}

func TestNew_DirectoryLocked(t *testing.T) {
	cfg := testConfig(t, "ffmpeg")
	deps := Deps{Primary: &fakeProvider{}, Translator: &fakeTranslator{}, Logger: createTestLogger()}
	first, err := New(cfg, deps)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Stop()

	if _, err := New(cfg, deps); !errors.Is(err, store.ErrLocked) {
		t.Fatalf("second New() error = %v, want ErrLocked", err)
	}
}

func TestSession_Pipeline(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping subprocess test in short mode")
	}
	cfg := testConfig(t, writeTranscoderStub(t, ""))
	rec := &memoryJournal{}
	translator := &fakeTranslator{}
	s, err := New(cfg, Deps{
		Primary:    &fakeProvider{text: "Hello there. Good morning."},
		Translator: translator,
		Journal:    rec,
		Logger:     createTestLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	root := s.Dir()
	for _, name := range []string{"video_3.ts", "video_4.ts"} {
		if err := store.WriteFileAtomic(filepath.Join(root, "video", name), []byte("ts-data")); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.WriteFileAtomic(filepath.Join(root, "audio", "audio_2.wav"), []byte("RIFF-data")); err != nil {
		t.Fatal(err)
	}

	videoManifest := filepath.Join(root, store.VideoManifest)
	waitFor(t, "video manifest", func() bool { return fileContains(videoManifest, "video/video_4.ts") })
	if !fileContains(videoManifest, "#EXT-X-MEDIA-SEQUENCE:3\n") {
		t.Error("video manifest does not start at sequence 3")
	}

	for _, lang := range []string{"vi", "th"} {
		manifest := filepath.Join(root, "subtitles", lang+".m3u8")
		waitFor(t, lang+" subtitle manifest", func() bool { return fileContains(manifest, lang+"/audio_2.vtt") })
		if !fileContains(filepath.Join(root, "subtitles", lang+".vtt"), "00:00:20.000 --> ") {
			t.Errorf("%s track missing cue anchored at 20s", lang)
		}
	}
	if !fileContains(filepath.Join(root, "transcripts", "audio_2.json"), "Hello there.") {
		t.Error("transcript not written")
	}

	st := s.Status()
	if st.State != StateRunning {
		t.Errorf("state = %s", st.State)
	}
	if st.Counts.VideoSegments != 2 || st.Counts.Transcripts != 1 || st.Counts.Cues["vi"] != 1 {
		t.Errorf("counts = %+v", st.Counts)
	}

	s.Stop()
	st = s.Status()
	if st.State != StateStopped {
		t.Errorf("state after stop = %s", st.State)
	}
	for _, ts := range st.Transcoders {
		if ts.State != transcode.StateStopped {
			t.Errorf("%s transcoder state = %s", ts.Kind, ts.State)
		}
	}
	if _, err := os.Stat(videoManifest); err != nil {
		t.Error("artifacts removed on stop")
	}

	kinds := rec.kinds()
	for _, k := range []journal.Kind{journal.KindSessionStarted, journal.KindTranscript, journal.KindCue, journal.KindManifestPublished, journal.KindSessionStopped} {
		if kinds[k] == 0 {
			t.Errorf("no %s event journaled", k)
		}
	}
}

func TestSession_VideoTranscoderFailureIsFatal(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping subprocess test in short mode")
	}
	stub := writeTranscoderStub(t, `case "$*" in *"-f hls"*) echo "Connection refused" >&2; exit 1;; esac`)
	s, err := New(testConfig(t, stub), Deps{Primary: &fakeProvider{}, Translator: &fakeTranslator{}, Logger: createTestLogger()})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case <-s.Done():
	case <-time.After(15 * time.Second):
		t.Fatal("session did not end after video transcoder failure")
	}

	st := s.Status()
	if st.State != StateFailed {
		t.Fatalf("state = %s, want failed", st.State)
	}
	var exitErr *transcode.ExitError
	if !errors.As(s.Err(), &exitErr) || exitErr.Kind != transcode.KindVideo {
		t.Errorf("Err() = %v, want video ExitError", s.Err())
	}
	if !strings.Contains(st.Error, "Connection refused") {
		t.Errorf("error = %q", st.Error)
	}
}

func TestSession_AudioTranscoderFailureDegrades(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping subprocess test in short mode")
	}
	stub := writeTranscoderStub(t, `case "$*" in *"-f segment"*) exit 2;; esac`)
	s, err := New(testConfig(t, stub), Deps{Primary: &fakeProvider{}, Translator: &fakeTranslator{}, Logger: createTestLogger()})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	waitFor(t, "degraded status", func() bool { return s.Status().Degraded != "" })

	if err := store.WriteFileAtomic(filepath.Join(s.Dir(), "video", "video_0.ts"), []byte("ts")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "video manifest", func() bool {
		return fileContains(filepath.Join(s.Dir(), store.VideoManifest), "video/video_0.ts")
	})
	if st := s.Status(); st.State != StateRunning {
		t.Errorf("state = %s, want running", st.State)
	}
}

func TestSession_StopRightAfterStart(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping subprocess test in short mode")
	}
	stub := writeTranscoderStub(t, "")

	for i := 0; i < 10; i++ {
		rec := &memoryJournal{}
		cfg := testConfig(t, stub)
		s, err := New(cfg, Deps{Primary: &fakeProvider{}, Translator: &fakeTranslator{}, Journal: rec, Logger: createTestLogger()})
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		s.Stop()

		if st := s.Status(); st.State != StateStopped || st.Error != "" {
			t.Fatalf("run %d: status = %s %q, want stopped", i, st.State, st.Error)
		}
		if s.Err() != nil {
			t.Errorf("run %d: Err() = %v", i, s.Err())
		}
		kinds := rec.kinds()
		if kinds[journal.KindSessionFailed] != 0 || kinds[journal.KindSessionStopped] != 1 {
			t.Errorf("run %d: journal kinds = %v", i, kinds)
		}
	}
}

func TestSession_StopBeforeStart(t *testing.T) {
	s, err := New(testConfig(t, "ffmpeg"), Deps{Primary: &fakeProvider{}, Translator: &fakeTranslator{}, Logger: createTestLogger()})
	if err != nil {
		t.Fatal(err)
	}
	s.Stop()
	s.Stop()

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed")
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("Start() after Stop succeeded")
	}
}

func TestSession_PoolTooSmall(t *testing.T) {
	cfg := testConfig(t, "ffmpeg")
	cfg.WorkerPoolSize = 3
	s, err := New(cfg, Deps{Primary: &fakeProvider{}, Translator: &fakeTranslator{}, Logger: createTestLogger()})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected pool sizing error")
	}
	<-s.Done()
	if s.Status().State != StateFailed {
		t.Errorf("state = %s", s.Status().State)
	}
}
