package stt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Placeholders substituted into CommandConfig.Args.
const (
	PlaceholderInput    = "{input}"
	PlaceholderOutput   = "{output}"
	PlaceholderLanguage = "{language}"
)

// CommandConfig describes a local recognizer invoked once per audio file,
// e.g. a whisper.cpp binary.
type CommandConfig struct {
	Command  string
	Args     []string
	Language string
	Timeout  time.Duration
}

// Command runs a local recognizer. When Args reference {output}, the text is
// read from that file afterwards; otherwise stdout is the transcript.
type Command struct {
	cfg    CommandConfig
	runner func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewCommand constructs the local STT provider.
func NewCommand(cfg CommandConfig) *Command {
	return &Command{cfg: cfg}
}

// WithRunner sets a custom command runner (for testing).
func (c *Command) WithRunner(runner func(ctx context.Context, name string, args ...string) ([]byte, error)) {
	c.runner = runner
}

// Name implements Provider.
func (c *Command) Name() string {
	return "command:" + filepath.Base(c.cfg.Command)
}

// Transcribe implements Provider.
func (c *Command) Transcribe(ctx context.Context, audioPath string) (string, error) {
	if strings.TrimSpace(c.cfg.Command) == "" {
		return "", Terminal(c.Name(), errors.New("command not configured"))
	}

	workDir, err := os.MkdirTemp("", "livecaption-stt-")
	if err != nil {
		return "", Retryable(c.Name(), fmt.Errorf("create work dir: %w", err))
	}
	defer os.RemoveAll(workDir)

	outputPath := filepath.Join(workDir, "transcript.txt")
	usesOutput := false
	args := make([]string, len(c.cfg.Args))
	for i, arg := range c.cfg.Args {
		if strings.Contains(arg, PlaceholderOutput) {
			usesOutput = true
		}
		arg = strings.ReplaceAll(arg, PlaceholderInput, audioPath)
		arg = strings.ReplaceAll(arg, PlaceholderOutput, outputPath)
		arg = strings.ReplaceAll(arg, PlaceholderLanguage, c.cfg.Language)
		args[i] = arg
	}

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	stdout, err := c.run(ctx, c.cfg.Command, args...)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", Terminal(c.Name(), err)
		}
		return "", Retryable(c.Name(), err)
	}

	if !usesOutput {
		return strings.TrimSpace(string(stdout)), nil
	}
	data, err := os.ReadFile(outputPath)
	if err != nil {
		return "", Retryable(c.Name(), fmt.Errorf("read output: %w", err))
	}
	return strings.TrimSpace(string(data)), nil
}

func (c *Command) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if c.runner != nil {
		return c.runner(ctx, name, args...)
	}
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", filepath.Base(name), err, tail(stderr.String(), 512))
	}
	return out, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
