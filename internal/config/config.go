package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Duration is a time.Duration written in TOML as a string like "6s".
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Session holds per-session pipeline settings.
type Session struct {
	OutputDir       string   `toml:"output_dir"`
	SegmentDuration Duration `toml:"segment_duration"`
	SourceLanguage  string   `toml:"source_language"`
	TargetLanguages []string `toml:"target_languages"`
	// WorkerPoolSize of zero sizes the pool to the session's loops.
	WorkerPoolSize int `toml:"worker_pool_size"`
	// PublicBase is an optional URL prefix for manifest links in API responses.
	PublicBase string `toml:"public_base"`
}

// Transcoder configures the ffmpeg subprocesses.
type Transcoder struct {
	FFmpegBinary    string   `toml:"ffmpeg_binary"`
	VideoArgs       []string `toml:"video_args"`
	AudioSampleRate int      `toml:"audio_sample_rate"`
	StopGrace       Duration `toml:"stop_grace"`
}

// Watch configures the directory watchers and completion detection.
type Watch struct {
	PollInterval           Duration `toml:"poll_interval"`
	TranscriptPollInterval Duration `toml:"transcript_poll_interval"`
	SettleInterval         Duration `toml:"settle_interval"`
	RetryInterval          Duration `toml:"retry_interval"`
	VideoStability         string   `toml:"video_stability"`
	AudioStability         string   `toml:"audio_stability"`
}

// STTPrimary is the OpenAI-compatible transcription endpoint.
type STTPrimary struct {
	BaseURL string   `toml:"base_url"`
	APIKey  string   `toml:"api_key"`
	Model   string   `toml:"model"`
	Timeout Duration `toml:"timeout"`
}

// STTFallback is an optional local transcription command.
type STTFallback struct {
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
}

// STT configures speech recognition.
type STT struct {
	Retries      int         `toml:"retries"`
	SentinelText string      `toml:"sentinel_text"`
	Primary      STTPrimary  `toml:"primary"`
	Fallback     STTFallback `toml:"fallback"`
}

// Translation configures the machine translation endpoint.
type Translation struct {
	BaseURL   string   `toml:"base_url"`
	APIKey    string   `toml:"api_key"`
	Formality []string `toml:"formality"`
	Retries   int      `toml:"retries"`
	Timeout   Duration `toml:"timeout"`
}

// Subtitles configures sentence splitting.
type Subtitles struct {
	MinUnitChars         int      `toml:"min_unit_chars"`
	LengthSplitLanguages []string `toml:"length_split_languages"`
}

// Server configures the HTTP listener.
type Server struct {
	Bind string `toml:"bind"`
}

// Cluster configures optional manifest replication.
type Cluster struct {
	Enabled bool     `toml:"enabled"`
	RaftID  string   `toml:"raft_id"`
	Bind    string   `toml:"bind"`
	Peers   []string `toml:"peers"`
}

// Journal configures the event journal.
type Journal struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Logging configures log output.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config encapsulates every livecaption setting.
type Config struct {
	Session     Session     `toml:"session"`
	Transcoder  Transcoder  `toml:"transcoder"`
	Watch       Watch       `toml:"watch"`
	STT         STT         `toml:"stt"`
	Translation Translation `toml:"translation"`
	Subtitles   Subtitles   `toml:"subtitles"`
	Server      Server      `toml:"server"`
	Cluster     Cluster     `toml:"cluster"`
	Journal     Journal     `toml:"journal"`
	Logging     Logging     `toml:"logging"`
}

// DefaultConfigPath returns the absolute path of the default configuration file.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/livecaption/config.toml")
}

// Load reads the configuration at path, or the default location when path is
// empty. A missing file is not an error; defaults and environment apply. It
// returns the resolved path and whether the file existed.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolvedPath, exists, nil
}

// Parse decodes TOML data on top of the defaults, then normalizes and validates.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path == "" {
		var err error
		if path, err = DefaultConfigPath(); err != nil {
			return "", false, err
		}
	} else {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		path = expanded
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return path, false, nil
		}
		return "", false, fmt.Errorf("stat config: %w", err)
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("config path %s is a directory", path)
	}
	return path, true, nil
}

// SampleConfig returns the annotated sample configuration.
func SampleConfig() string {
	return sampleConfig
}

// CreateSample writes the sample configuration to path. It refuses to
// overwrite an existing file.
func CreateSample(path string) error {
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(expanded); err == nil {
		return fmt.Errorf("config file already exists: %s", expanded)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(expanded, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Encode renders the effective configuration as TOML with secrets masked.
func (c Config) Encode() ([]byte, error) {
	masked := c
	masked.STT.Primary.APIKey = mask(c.STT.Primary.APIKey)
	masked.Translation.APIKey = mask(c.Translation.APIKey)
	return toml.Marshal(masked)
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}
