package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agleyzer/livecaption/internal/segment"
)

func TestOpen_CreatesLayout(t *testing.T) {
	root := filepath.Join(t.TempDir(), "session")
	s, err := Open(root, []string{"vi", "th"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	for _, dir := range []string{
		s.Dir(segment.KindVideo),
		s.Dir(segment.KindAudio),
		s.Dir(segment.KindTranscript),
		s.CueDir("vi"),
		s.CueDir("th"),
		s.NativeDir(),
	} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("expected %s to exist: %v", dir, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
	}

	if got := s.Rel(s.SubtitleManifestPath("vi")); got != "subtitles/vi.m3u8" {
		t.Errorf("Rel(subtitle manifest) = %q", got)
	}
}

func TestOpen_SecondSessionIsLocked(t *testing.T) {
	root := t.TempDir()
	first, err := Open(root, nil)
	if err != nil {
		t.Fatalf("first Open() error = %v", err)
	}

	_, err = Open(root, nil)
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("second Open() error = %v, want ErrLocked", err)
	}

	if err := first.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	again, err := Open(root, nil)
	if err != nil {
		t.Fatalf("Open() after Close error = %v", err)
	}
	again.Close()
}

func TestOpen_RefusesLeftoverArtifacts(t *testing.T) {
	root := t.TempDir()
	stale := filepath.Join(root, "video", "video_40.ts")
	if err := os.MkdirAll(filepath.Dir(stale), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stale, []byte("old run"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(root, nil); !errors.Is(err, ErrNotEmpty) {
		t.Fatalf("Open() error = %v, want ErrNotEmpty", err)
	}
	if data, err := os.ReadFile(stale); err != nil || string(data) != "old run" {
		t.Errorf("leftover artifact changed: %q, %v", data, err)
	}

	// The refused Open must not keep the lock.
	if err := os.Remove(stale); err != nil {
		t.Fatal(err)
	}
	s, err := Open(root, nil)
	if err != nil {
		t.Fatalf("Open() after cleanup error = %v", err)
	}
	s.Close()
}

func TestNewRunDir(t *testing.T) {
	base := filepath.Join(t.TempDir(), "news")

	first, err := NewRunDir(base)
	if err != nil {
		t.Fatalf("NewRunDir() error = %v", err)
	}
	if filepath.Base(first) != "run-001" {
		t.Errorf("first run = %s", first)
	}
	if err := os.WriteFile(filepath.Join(first, "master.m3u8"), []byte("#EXTM3U"), 0o644); err != nil {
		t.Fatal(err)
	}

	second, err := NewRunDir(base)
	if err != nil {
		t.Fatalf("NewRunDir() error = %v", err)
	}
	if filepath.Base(second) != "run-002" {
		t.Errorf("second run = %s", second)
	}
	if _, err := os.Stat(filepath.Join(first, "master.m3u8")); err != nil {
		t.Errorf("earlier run was touched: %v", err)
	}

	// Gaps and unrelated names do not reuse a number.
	if err := os.Mkdir(filepath.Join(base, "run-007"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(base, "scratch"), 0o755); err != nil {
		t.Fatal(err)
	}
	third, err := NewRunDir(base)
	if err != nil {
		t.Fatalf("NewRunDir() error = %v", err)
	}
	if filepath.Base(third) != "run-008" {
		t.Errorf("third run = %s", third)
	}
}

func TestList_SortedByIndexAndFiltered(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"video_10.ts":          "ten",
		"video_9.ts":           "nine",
		"video_2.ts":           "",
		"video_11.ts.1234.tmp": "partial",
		"playlist.m3u8":        "#EXTM3U",
		"notes.txt":            "x",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "video_99.ts"), 0o755); err != nil {
		t.Fatal(err)
	}

	segs, err := List(dir, segment.VideoPattern, segment.KindVideo)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(segs) != 3 {
		t.Fatalf("expected 3 segments, got %d: %+v", len(segs), segs)
	}
	wantIdx := []int{2, 9, 10}
	for i, seg := range segs {
		if seg.Index != wantIdx[i] {
			t.Errorf("segment %d index = %d, want %d", i, seg.Index, wantIdx[i])
		}
		if seg.Kind != segment.KindVideo {
			t.Errorf("segment %d kind = %q", i, seg.Kind)
		}
	}
	if segs[0].Size != 0 || segs[2].Size != 3 {
		t.Errorf("unexpected sizes: %d, %d", segs[0].Size, segs[2].Size)
	}
}

func TestList_MissingDir(t *testing.T) {
	if _, err := List(filepath.Join(t.TempDir(), "nope"), segment.VideoPattern, segment.KindVideo); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "video.m3u8")

	if err := WriteFileAtomic(path, []byte("first")); err != nil {
		t.Fatalf("WriteFileAtomic() error = %v", err)
	}
	if err := WriteFileAtomic(path, []byte("second")); err != nil {
		t.Fatalf("WriteFileAtomic() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "second" {
		t.Errorf("contents = %q, want %q", data, "second")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), TempSuffix) {
			t.Errorf("temporary file left behind: %s", e.Name())
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o644 {
		t.Errorf("mode = %v, want 0644", info.Mode().Perm())
	}
}
