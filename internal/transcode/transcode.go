// Package transcode drives the external transcoder: it builds the ffmpeg
// command lines that cut the source into numbered video and audio segments and
// supervises the resulting subprocesses.
package transcode

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/agleyzer/livecaption/internal/segment"
	"github.com/agleyzer/livecaption/internal/store"
)

// Kind identifies which output a transcoder produces.
type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

const (
	DefaultBinary          = "ffmpeg"
	DefaultAudioSampleRate = 16000
	DefaultStopGrace       = 5 * time.Second
)

// Config describes how to invoke the transcoder.
type Config struct {
	// Binary is the ffmpeg executable.
	Binary string
	// SegmentDuration is the fixed window cut for both outputs.
	SegmentDuration time.Duration
	// AudioSampleRate is the PCM rate handed to speech recognition.
	AudioSampleRate int
	// InputArgs are inserted before -i, e.g. reconnect options for HTTP sources.
	InputArgs []string
	// StopGrace is how long an interrupted transcoder may take to exit before it is killed.
	StopGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Binary == "" {
		c.Binary = DefaultBinary
	}
	if c.AudioSampleRate <= 0 {
		c.AudioSampleRate = DefaultAudioSampleRate
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	return c
}

// Job is one transcoder invocation.
type Job struct {
	Kind   Kind
	Binary string
	Args   []string
	// Dir is the output directory the job writes segments into.
	Dir string
}

// String renders the command line for logs.
func (j Job) String() string {
	return j.Binary + " " + strings.Join(j.Args, " ")
}

// VideoJob stream-copies the source into an HLS segment sequence
// video/video_<n>.ts. The muxer writes each segment under a temporary name and
// renames it when complete; its own playlist goes to native/ and is ignored.
func VideoJob(cfg Config, source string, st *store.Store) Job {
	cfg = cfg.withDefaults()
	dir := st.Dir(segment.KindVideo)

	args := []string{"-hide_banner", "-loglevel", "warning", "-nostdin"}
	args = append(args, cfg.InputArgs...)
	args = append(args,
		"-i", source,
		"-map", "0:v:0", "-map", "0:a:0?",
		"-c", "copy",
		"-f", "hls",
		"-hls_time", seconds(cfg.SegmentDuration),
		"-hls_list_size", "0",
		"-hls_flags", "temp_file",
		"-start_number", "0",
		"-hls_segment_filename", filepath.Join(dir, segment.VideoPattern.FFmpegTemplate()),
		filepath.Join(st.NativeDir(), "video.m3u8"),
	)
	return Job{Kind: KindVideo, Binary: cfg.Binary, Args: args, Dir: dir}
}

// AudioJob extracts mono PCM audio cut into audio/audio_<n>.wav windows aligned
// with the video segments.
func AudioJob(cfg Config, source string, st *store.Store) Job {
	cfg = cfg.withDefaults()
	dir := st.Dir(segment.KindAudio)

	args := []string{"-hide_banner", "-loglevel", "warning", "-nostdin"}
	args = append(args, cfg.InputArgs...)
	args = append(args,
		"-i", source,
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(cfg.AudioSampleRate),
		"-c:a", "pcm_s16le",
		"-f", "segment",
		"-segment_time", seconds(cfg.SegmentDuration),
		"-segment_start_number", "0",
		"-reset_timestamps", "1",
		filepath.Join(dir, segment.AudioPattern.FFmpegTemplate()),
	)
	return Job{Kind: KindAudio, Binary: cfg.Binary, Args: args, Dir: dir}
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

// CheckBinary verifies the transcoder executable can be found.
func CheckBinary(binary string) (string, error) {
	if binary == "" {
		binary = DefaultBinary
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return "", fmt.Errorf("transcoder %q not found: %w", binary, err)
	}
	return path, nil
}
