// Package transcribe turns stable audio segments into transcript files.
//
// Each segment goes through a small state machine: the primary provider is
// attempted up to a fixed budget, retryable failures loop back, a terminal
// failure or an exhausted budget moves to the fallback provider for exactly one
// attempt, and if that fails too a sentinel transcript is written so that the
// downstream stages keep advancing.
package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/agleyzer/livecaption/internal/segment"
	"github.com/agleyzer/livecaption/internal/stability"
	"github.com/agleyzer/livecaption/internal/store"
	"github.com/agleyzer/livecaption/internal/stt"
	"github.com/agleyzer/livecaption/internal/watch"
)

const (
	// DefaultRetries is the primary provider's attempt budget per segment.
	DefaultRetries = 3
	// DefaultSentinelText is written when no provider produced text.
	DefaultSentinelText = "[no speech recognized]"
	// DefaultBackoff is the base delay between primary attempts.
	DefaultBackoff = 500 * time.Millisecond

	maxBackoff = 5 * time.Second
)

// Unit is the transcript of exactly one audio segment, as stored on disk.
type Unit struct {
	Index     int      `json:"index"`
	Text      string   `json:"text"`
	Providers []string `json:"providers"`
	Sentinel  bool     `json:"sentinel,omitempty"`
}

// ReadUnit loads a transcript written by the stage.
func ReadUnit(path string) (Unit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Unit{}, fmt.Errorf("read transcript: %w", err)
	}
	var u Unit
	if err := json.Unmarshal(data, &u); err != nil {
		return Unit{}, fmt.Errorf("decode transcript %s: %w", filepath.Base(path), err)
	}
	return u, nil
}

// Config holds the stage policy.
type Config struct {
	Retries      int
	SentinelText string
	Backoff      time.Duration
}

// Stage is the transcription stage of one session.
type Stage struct {
	cfg      Config
	primary  stt.Provider
	fallback stt.Provider
	dir      string
	logger   *slog.Logger

	sleep    func(ctx context.Context, d time.Duration) error
	onWrite  func(Unit)
	notifies []chan struct{}
}

// New creates a stage writing transcripts into dir. fallback may be nil, in
// which case an exhausted primary goes straight to the sentinel.
func New(cfg Config, primary, fallback stt.Provider, dir string, logger *slog.Logger) (*Stage, error) {
	if primary == nil {
		return nil, errors.New("primary stt provider is required")
	}
	if dir == "" {
		return nil, errors.New("transcript directory is required")
	}
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.SentinelText == "" {
		cfg.SentinelText = DefaultSentinelText
	}
	switch {
	case cfg.Backoff == 0:
		cfg.Backoff = DefaultBackoff
	case cfg.Backoff < 0:
		cfg.Backoff = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{
		cfg:      cfg,
		primary:  primary,
		fallback: fallback,
		dir:      dir,
		logger:   logger.With("component", "transcribe"),
		sleep:    stability.Sleep,
	}, nil
}

// WithSleeper overrides the delay between attempts (for testing).
func (s *Stage) WithSleeper(sleep func(ctx context.Context, d time.Duration) error) {
	if sleep != nil {
		s.sleep = sleep
	}
}

// OnWrite registers a callback invoked after each transcript is written.
func (s *Stage) OnWrite(fn func(Unit)) {
	s.onWrite = fn
}

// Notify registers a wake channel signalled after each transcript rename.
func (s *Stage) Notify(ch chan struct{}) {
	s.notifies = append(s.notifies, ch)
}

// Run consumes segments sequentially until in is closed or ctx is cancelled.
func (s *Stage) Run(ctx context.Context, in <-chan segment.Segment) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case seg, ok := <-in:
			if !ok {
				return nil
			}
			if _, err := s.Process(ctx, seg); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("failed to write transcript", "index", seg.Index, "error", err)
			}
		}
	}
}

// Process transcribes one audio segment and writes its transcript. The only
// errors returned are cancellation and failures to write the transcript file;
// provider failures end in a sentinel instead.
func (s *Stage) Process(ctx context.Context, seg segment.Segment) (Unit, error) {
	unit := s.transcribe(ctx, seg)
	if err := ctx.Err(); err != nil {
		return unit, err
	}

	data, err := json.Marshal(unit)
	if err != nil {
		return unit, fmt.Errorf("encode transcript: %w", err)
	}
	path := filepath.Join(s.dir, segment.TranscriptPattern.Format(seg.Index))
	if err := store.WriteFileAtomic(path, data); err != nil {
		return unit, err
	}

	s.logger.Debug("transcript written",
		"index", unit.Index,
		"providers", unit.Providers,
		"sentinel", unit.Sentinel,
		"chars", len(unit.Text),
	)
	if s.onWrite != nil {
		s.onWrite(unit)
	}
	for _, ch := range s.notifies {
		watch.Notify(ch)
	}
	return unit, nil
}

type state int

const (
	statePrimary state = iota
	stateFallback
	stateSentinel
	stateDone
)

func (s *Stage) transcribe(ctx context.Context, seg segment.Segment) Unit {
	unit := Unit{Index: seg.Index}
	attempt := 0
	st := statePrimary

	for st != stateDone {
		if ctx.Err() != nil {
			return unit
		}

		switch st {
		case statePrimary:
			attempt++
			unit.Providers = append(unit.Providers, s.primary.Name())
			out := Attempt(ctx, s.primary, seg.Path)
			st = s.afterPrimary(ctx, seg, attempt, out, &unit)

		case stateFallback:
			if s.fallback == nil {
				st = stateSentinel
				continue
			}
			unit.Providers = append(unit.Providers, s.fallback.Name())
			out := Attempt(ctx, s.fallback, seg.Path)
			if out.Kind == Success {
				unit.Text = out.Text
				st = stateDone
				continue
			}
			s.logger.Warn("fallback transcription failed",
				"index", seg.Index,
				"provider", s.fallback.Name(),
				"outcome", out.Kind,
				"error", out.Err,
			)
			st = stateSentinel

		case stateSentinel:
			s.logger.Warn("writing sentinel transcript", "index", seg.Index, "providers", unit.Providers)
			unit.Text = s.cfg.SentinelText
			unit.Sentinel = true
			st = stateDone
		}
	}
	return unit
}

func (s *Stage) afterPrimary(ctx context.Context, seg segment.Segment, attempt int, out Outcome, unit *Unit) state {
	switch out.Kind {
	case Success:
		unit.Text = out.Text
		return stateDone
	case Cancelled:
		return stateDone
	case Terminal:
		s.logger.Warn("primary transcription failed terminally",
			"index", seg.Index,
			"attempt", attempt,
			"classified", stt.IsClassified(out.Err),
			"error", out.Err,
		)
		return stateFallback
	}

	s.logger.Warn("primary transcription failed",
		"index", seg.Index,
		"attempt", attempt,
		"budget", s.cfg.Retries,
		"classified", stt.IsClassified(out.Err),
		"error", out.Err,
	)
	if attempt >= s.cfg.Retries {
		return stateFallback
	}
	if err := s.sleep(ctx, backoffDelay(s.cfg.Backoff, attempt)); err != nil {
		return stateDone
	}
	return statePrimary
}

func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base << (attempt - 1)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}
