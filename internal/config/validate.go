package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/agleyzer/livecaption/internal/stability"
)

// Validate ensures the configuration is usable. API keys are not required
// here; a session without them fails at its first remote call and degrades to
// sentinel transcripts, which doctor reports ahead of time.
func (c *Config) Validate() error {
	if err := c.validateSession(); err != nil {
		return err
	}
	if err := c.validateTranscoder(); err != nil {
		return err
	}
	if err := c.validateWatch(); err != nil {
		return err
	}
	if err := c.validateRemote(); err != nil {
		return err
	}
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateCluster(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateSession() error {
	if c.Session.SegmentDuration.D() < 100*time.Millisecond {
		return fmt.Errorf("session.segment_duration must be at least 100ms, got %s", c.Session.SegmentDuration.D())
	}
	if c.Session.WorkerPoolSize < 0 {
		return errors.New("session.worker_pool_size must be zero (auto) or positive")
	}
	return nil
}

func (c *Config) validateTranscoder() error {
	if c.Transcoder.AudioSampleRate < 0 {
		return errors.New("transcoder.audio_sample_rate must be positive")
	}
	if c.Transcoder.StopGrace.D() < 0 {
		return errors.New("transcoder.stop_grace must not be negative")
	}
	return nil
}

func (c *Config) validateWatch() error {
	positive := map[string]Duration{
		"watch.poll_interval":            c.Watch.PollInterval,
		"watch.transcript_poll_interval": c.Watch.TranscriptPollInterval,
		"watch.settle_interval":          c.Watch.SettleInterval,
		"watch.retry_interval":           c.Watch.RetryInterval,
	}
	for name, value := range positive {
		if value.D() <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	for name, policy := range map[string]string{
		"watch.video_stability": c.Watch.VideoStability,
		"watch.audio_stability": c.Watch.AudioStability,
	} {
		switch policy {
		case stability.PolicySize, stability.PolicyRename, stability.PolicySuccessor:
		default:
			return fmt.Errorf("%s must be one of size, rename, successor; got %q", name, policy)
		}
	}
	return nil
}

func (c *Config) validateRemote() error {
	if c.STT.Retries < 1 {
		return errors.New("stt.retries must be at least 1")
	}
	if strings.TrimSpace(c.STT.SentinelText) == "" {
		return errors.New("stt.sentinel_text must not be empty")
	}
	if strings.TrimSpace(c.STT.Primary.BaseURL) == "" {
		return errors.New("stt.primary.base_url must be set")
	}
	if c.Translation.Retries < 1 {
		return errors.New("translation.retries must be at least 1")
	}
	if strings.TrimSpace(c.Translation.BaseURL) == "" {
		return errors.New("translation.base_url must be set")
	}
	if c.Subtitles.MinUnitChars < 1 {
		return errors.New("subtitles.min_unit_chars must be at least 1")
	}
	return nil
}

func (c *Config) validateServer() error {
	if _, _, err := net.SplitHostPort(c.Server.Bind); err != nil {
		return fmt.Errorf("server.bind: %w", err)
	}
	return nil
}

func (c *Config) validateCluster() error {
	if !c.Cluster.Enabled {
		return nil
	}
	if strings.TrimSpace(c.Cluster.RaftID) == "" {
		return errors.New("cluster.raft_id must be set when cluster.enabled is true")
	}
	if _, _, err := net.SplitHostPort(c.Cluster.Bind); err != nil {
		return fmt.Errorf("cluster.bind: %w", err)
	}
	for _, peer := range c.Cluster.Peers {
		if _, _, err := net.SplitHostPort(peer); err != nil {
			return fmt.Errorf("cluster.peers: %q: %w", peer, err)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json", "auto":
	default:
		return fmt.Errorf("logging.format must be one of text, json, auto; got %q", c.Logging.Format)
	}
	return nil
}
