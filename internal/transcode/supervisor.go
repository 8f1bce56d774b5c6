package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

const maxStderrBytes = 8 * 1024

// State is the lifecycle position of a supervised transcoder.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	// StateExited means the process ended on its own with status 0, e.g. the
	// source stream finished.
	StateExited  State = "exited"
	StateFailed  State = "failed"
	StateStopped State = "stopped"
)

// ExitError reports a transcoder that ended with a non-zero status.
type ExitError struct {
	Kind   Kind
	Code   int
	Stderr string
	Err    error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s transcoder exited with code %d", e.Kind, e.Code)
	if e.Stderr != "" {
		msg += ": " + truncate(e.Stderr, 512)
	}
	return msg
}

func (e *ExitError) Unwrap() error { return e.Err }

// Status is a snapshot of a supervised transcoder.
type Status struct {
	Kind      Kind      `json:"kind"`
	State     State     `json:"state"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Supervisor runs one transcoder job to completion.
type Supervisor struct {
	job    Job
	grace  time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	status Status
}

// NewSupervisor creates a supervisor. grace bounds how long the process may
// take to exit after an interrupt before it is killed.
func NewSupervisor(job Job, grace time.Duration, logger *slog.Logger) *Supervisor {
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		job:    job,
		grace:  grace,
		logger: logger.With("component", "transcoder", "kind", job.Kind),
		status: Status{Kind: job.Kind, State: StatePending},
	}
}

// Kind returns the job's output kind.
func (s *Supervisor) Kind() Kind { return s.job.Kind }

// Run starts the process and waits for it. Cancelling ctx interrupts the
// process; that and a clean exit return nil. A non-zero exit returns *ExitError.
func (s *Supervisor) Run(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, s.job.Binary, s.job.Args...) //nolint:gosec
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = s.grace

	var stderrBuf bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: maxStderrBytes}

	s.logger.Info("starting transcoder", "command", s.job.String())
	if err := cmd.Start(); err != nil {
		// A stop that lands before the process exists is still a stop.
		if ctx.Err() != nil {
			s.finish(StateStopped, nil)
			return nil
		}
		s.finish(StateFailed, err)
		return fmt.Errorf("start %s transcoder: %w", s.job.Kind, err)
	}

	s.mu.Lock()
	s.status.State = StateRunning
	s.status.PID = cmd.Process.Pid
	s.status.StartedAt = time.Now()
	s.mu.Unlock()

	err := cmd.Wait()

	if ctx.Err() != nil {
		s.logger.Info("transcoder stopped", "pid", cmd.Process.Pid)
		s.finish(StateStopped, nil)
		return nil
	}

	if err == nil {
		s.logger.Info("transcoder exited, source ended", "pid", cmd.Process.Pid)
		s.finish(StateExited, nil)
		return nil
	}

	code := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	failure := &ExitError{Kind: s.job.Kind, Code: code, Stderr: stderrBuf.String(), Err: err}
	s.logger.Error("transcoder failed",
		"exit_code", code,
		"stderr_tail", truncate(failure.Stderr, 512),
	)
	s.finish(StateFailed, failure)
	return failure
}

// Status returns a snapshot of the supervised process.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Supervisor) finish(state State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.State = state
	s.status.EndedAt = time.Now()
	if err != nil {
		s.status.Error = err.Error()
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		// Keep only the tail
		b := lw.w.Bytes()
		tail := make([]byte, lw.limit)
		copy(tail, b[len(b)-lw.limit:])
		lw.w.Reset()
		lw.w.Write(tail)
	}
	return n, nil
}
