package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agleyzer/livecaption/internal/config"
	"github.com/agleyzer/livecaption/internal/journal"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, ffmpeg string) (string, string) {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("XL8_API_KEY", "")
	t.Setenv("LIVECAPTION_OUTPUT_DIR", "")

	dir := t.TempDir()
	body := `[session]
output_dir = "` + filepath.Join(dir, "sessions") + `"
target_languages = ["vi"]

[transcoder]
ffmpeg_binary = "` + ffmpeg + `"

[stt.primary]
api_key = "sk-secret"

[translation]
api_key = "xl8-secret"

[journal]
enabled = true
path = "` + filepath.Join(dir, "journal.db") + `"
`
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path, dir
}

func writeStub(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRenderTable(t *testing.T) {
	got := renderTable([]string{"Kind", "Index"}, [][]string{{"cue", "3"}, {"transcript"}}, []columnAlignment{alignLeft, alignRight})
	// Headers are upper-cased by the rounded style; cells are left as written.
	for _, want := range []string{"KIND", "INDEX", "cue", "transcript"} {
		if !strings.Contains(got, want) {
			t.Errorf("table missing %q:\n%s", want, got)
		}
	}
	if strings.Index(got, "KIND") > strings.Index(got, "cue") || strings.Index(got, "cue") > strings.Index(got, "transcript") {
		t.Errorf("rows out of order:\n%s", got)
	}
	if renderTable(nil, nil, nil) != "" {
		t.Error("empty headers should render nothing")
	}
}

func TestConfigInit(t *testing.T) {
	target := filepath.Join(t.TempDir(), "nested", "config.toml")

	out, err := execute(t, "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	if !strings.Contains(out, target) {
		t.Errorf("output = %q", out)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := config.Parse(data); err != nil {
		t.Errorf("sample config does not parse: %v", err)
	}

	if _, err := execute(t, "config", "init", "--path", target); err == nil {
		t.Error("second init overwrote the existing file")
	}
}

func TestConfigShow_MasksSecrets(t *testing.T) {
	path, _ := writeConfig(t, "ffmpeg")

	out, err := execute(t, "config", "show", "-c", path)
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if strings.Contains(out, "sk-secret") || strings.Contains(out, "xl8-secret") {
		t.Errorf("secrets leaked:\n%s", out)
	}
	if !strings.Contains(out, "********") || !strings.Contains(out, path) {
		t.Errorf("output = %s", out)
	}
}

func TestConfigValidate_Rejects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("[session]\nsegment_duration = \"1ms\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "config", "validate", "-c", path); err == nil {
		t.Error("expected validation error")
	}
}

func TestInspect(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"video.m3u8": "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:10\n#EXT-X-MEDIA-SEQUENCE:3\n" +
			"#EXTINF:10.000,\nvideo_3.ts\n#EXTINF:10.000,\nvideo_4.ts\n",
		"subtitles/vi.m3u8": "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:10\n#EXT-X-MEDIA-SEQUENCE:2\n" +
			"#EXTINF:10.000,\nvi/audio_2.vtt\n",
		"master.m3u8": "#EXTM3U\n#EXT-X-VERSION:3\n" +
			"#EXT-X-MEDIA:TYPE=SUBTITLES,GROUP-ID=\"subs\",NAME=\"Vietnamese\",LANGUAGE=\"vi\",DEFAULT=NO,AUTOSELECT=YES,URI=\"subtitles/vi.m3u8\"\n" +
			"#EXT-X-STREAM-INF:BANDWIDTH=2000000,SUBTITLES=\"subs\"\nvideo.m3u8\n",
	}
	for name, body := range files {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name string
		path string
		want []string
	}{
		{"media", "video.m3u8", []string{"Media sequence:  3", "Live:            yes", "video_3.ts", "video_4.ts"}},
		{"master", "master.m3u8", []string{"Variants", "2000000", "Subtitles", "Vietnamese", "2 from #3 (live)", "1 from #2 (live)"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, "inspect", filepath.Join(dir, tt.path))
			if err != nil {
				t.Fatalf("inspect: %v", err)
			}
			for _, want := range tt.want {
				if !strings.Contains(out, want) {
					t.Errorf("output missing %q:\n%s", want, out)
				}
			}
		})
	}

	if _, err := execute(t, "inspect", filepath.Join(dir, "missing.m3u8")); err == nil {
		t.Error("expected error for a missing manifest")
	}
}

func TestJournalCommand(t *testing.T) {
	path, dir := writeConfig(t, "ffmpeg")
	dbPath := filepath.Join(dir, "journal.db")

	store, err := journal.Open(dbPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for _, ev := range []journal.Event{
		{SessionID: "news", Kind: journal.KindSessionStarted, Index: journal.NoIndex},
		{SessionID: "news", Kind: journal.KindCue, Index: 2, Language: "vi", Detail: "1 cues"},
	} {
		if err := store.Record(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}
	store.Close()

	out, err := execute(t, "journal", "-c", path, "news")
	if err != nil {
		t.Fatalf("journal news: %v", err)
	}
	for _, want := range []string{"session_started", "cue", "1 cues", "vi"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, "journal", "-c", path)
	if err != nil || !strings.Contains(out, "news") {
		t.Errorf("journal sessions = %q, %v", out, err)
	}

	if _, err := execute(t, "journal", "-c", path, "unknown"); err == nil {
		t.Error("expected error for a session without events")
	}
	if _, err := execute(t, "journal", "-c", path, "--db", filepath.Join(dir, "nope.db"), "news"); err == nil {
		t.Error("expected error for a missing journal")
	}
}

func TestDoctor(t *testing.T) {
	path, _ := writeConfig(t, writeStub(t))
	out, err := execute(t, "doctor", "-c", path)
	if err != nil {
		t.Fatalf("doctor: %v\n%s", err, out)
	}
	for _, want := range []string{"ffmpeg", "stt api key", "translation api key", "output dir", "journal"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	path, _ = writeConfig(t, filepath.Join(t.TempDir(), "no-ffmpeg"))
	out, err = execute(t, "doctor", "-c", path)
	if err == nil || !strings.Contains(out, "FAIL") {
		t.Errorf("doctor with missing ffmpeg = %v\n%s", err, out)
	}
}

func TestClusterConfig(t *testing.T) {
	cc := clusterConfig(config.Cluster{
		Enabled: true,
		RaftID:  "node1",
		Bind:    "127.0.0.1:7000",
		Peers:   []string{"127.0.0.1:7000", "127.0.0.1:7001"},
	})
	if err := cc.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	if cc.RaftID != "node1" || cc.BindAddr != "127.0.0.1:7000" || len(cc.Peers) != 2 {
		t.Errorf("cluster config = %+v", cc)
	}
}

func TestClusterConfig_SingleNode(t *testing.T) {
	cc := clusterConfig(config.Cluster{Enabled: true, RaftID: "solo", Bind: "127.0.0.1:7000"})
	if err := cc.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	if len(cc.Peers) != 1 || cc.Peers[0] != "127.0.0.1:7000" {
		t.Errorf("peers = %v", cc.Peers)
	}
}
