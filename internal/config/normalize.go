package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/agleyzer/livecaption/internal/variant"
)

func (c *Config) normalize() error {
	c.applyEnv()
	if err := c.normalizeSession(); err != nil {
		return err
	}
	if err := c.normalizeJournal(); err != nil {
		return err
	}
	c.normalizeTranscoder()
	c.normalizeWatch()
	c.normalizeSubtitles()
	c.normalizeLogging()
	return nil
}

func (c *Config) applyEnv() {
	if value, ok := os.LookupEnv("OPENAI_API_KEY"); ok && c.STT.Primary.APIKey == "" {
		c.STT.Primary.APIKey = value
	}
	if value, ok := os.LookupEnv("XL8_API_KEY"); ok && c.Translation.APIKey == "" {
		c.Translation.APIKey = value
	}
	if value, ok := os.LookupEnv("LIVECAPTION_OUTPUT_DIR"); ok && strings.TrimSpace(value) != "" {
		c.Session.OutputDir = value
	}
}

func (c *Config) normalizeSession() error {
	var err error
	if strings.TrimSpace(c.Session.OutputDir) == "" {
		c.Session.OutputDir = defaultOutputDir
	}
	if c.Session.OutputDir, err = expandPath(c.Session.OutputDir); err != nil {
		return fmt.Errorf("session.output_dir: %w", err)
	}

	if c.Session.SourceLanguage, err = variant.CanonicalLanguage(c.Session.SourceLanguage); err != nil {
		return fmt.Errorf("session.source_language: %w", err)
	}
	if c.Session.TargetLanguages, err = NormalizeLanguages(c.Session.TargetLanguages); err != nil {
		return fmt.Errorf("session.target_languages: %w", err)
	}
	c.Session.PublicBase = strings.TrimRight(strings.TrimSpace(c.Session.PublicBase), "/")
	return nil
}

// NormalizeLanguages canonicalizes language codes and drops duplicates while
// keeping the first occurrence's position.
func NormalizeLanguages(langs []string) ([]string, error) {
	seen := make(map[string]bool, len(langs))
	out := make([]string, 0, len(langs))
	for _, lang := range langs {
		tag, err := variant.CanonicalLanguage(lang)
		if err != nil {
			return nil, err
		}
		if seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out, nil
}

func (c *Config) normalizeJournal() error {
	if strings.TrimSpace(c.Journal.Path) == "" {
		c.Journal.Path = defaultJournalPath
	}
	var err error
	if c.Journal.Path, err = expandPath(c.Journal.Path); err != nil {
		return fmt.Errorf("journal.path: %w", err)
	}
	return nil
}

func (c *Config) normalizeTranscoder() {
	c.Transcoder.FFmpegBinary = strings.TrimSpace(c.Transcoder.FFmpegBinary)
	if c.Transcoder.FFmpegBinary == "" {
		c.Transcoder.FFmpegBinary = defaultFFmpegBinary
	}
	if c.Transcoder.AudioSampleRate == 0 {
		c.Transcoder.AudioSampleRate = defaultAudioSampleRate
	}
}

func (c *Config) normalizeWatch() {
	c.Watch.VideoStability = strings.ToLower(strings.TrimSpace(c.Watch.VideoStability))
	if c.Watch.VideoStability == "" {
		c.Watch.VideoStability = defaultVideoStability
	}
	c.Watch.AudioStability = strings.ToLower(strings.TrimSpace(c.Watch.AudioStability))
	if c.Watch.AudioStability == "" {
		c.Watch.AudioStability = defaultAudioStability
	}
}

func (c *Config) normalizeSubtitles() {
	for i, lang := range c.Subtitles.LengthSplitLanguages {
		c.Subtitles.LengthSplitLanguages[i] = strings.ToLower(strings.TrimSpace(lang))
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "":
		c.Logging.Format = defaultLogFormat
	case "console":
		c.Logging.Format = "text"
	}
}
