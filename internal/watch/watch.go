// Package watch implements the long-lived loops that discover finished
// artifacts in one directory and hand each of them to the next stage exactly
// once per process lifetime, in index order.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/agleyzer/livecaption/internal/segment"
	"github.com/agleyzer/livecaption/internal/stability"
	"github.com/agleyzer/livecaption/internal/store"
)

const (
	// DefaultInterval is the poll tick for directories written by external producers.
	DefaultInterval = time.Second
	// DefaultStallAfter is how many failed stability checks a file may accumulate
	// before the watcher reports it as stalled.
	DefaultStallAfter = 10
)

// Handler receives one newly-stable artifact. It is called at most once per file.
type Handler func(ctx context.Context, seg segment.Segment) error

// ChangeFunc receives the full ordered set of dispatched artifacts that are
// still present, after any poll that dispatched or lost files.
type ChangeFunc func(ctx context.Context, known []segment.Segment)

// Config describes one watched directory.
type Config struct {
	// Name identifies the watcher in logs ("video", "audio", "transcript/vi").
	Name string
	// Dir is the directory to list.
	Dir string
	// Pattern selects artifact filenames and extracts their index.
	Pattern segment.Pattern
	// Kind is stamped onto every discovered segment.
	Kind segment.Kind
	// Detector decides whether a candidate is complete.
	Detector stability.Detector
	// Interval is the poll tick. Zero means DefaultInterval.
	Interval time.Duration
	// Wake, when set, triggers an immediate poll. Producers inside this process
	// signal it after an atomic rename instead of waiting for the next tick.
	Wake <-chan struct{}
	// StallAfter is the number of failed checks after which a file is logged as
	// stalled. Zero means DefaultStallAfter.
	StallAfter int
}

// Watcher owns the dispatched-set for one directory. It shares no state with
// other watchers.
type Watcher struct {
	cfg      Config
	handle   Handler
	onChange ChangeFunc
	logger   *slog.Logger

	dispatched map[string]segment.Segment
	stalls     map[string]int

	count atomic.Int64
}

// New creates a watcher. handle may be nil when only onChange matters.
func New(cfg Config, handle Handler, onChange ChangeFunc, logger *slog.Logger) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("watcher %q: directory is required", cfg.Name)
	}
	if cfg.Detector == nil {
		return nil, fmt.Errorf("watcher %q: stability detector is required", cfg.Name)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.StallAfter <= 0 {
		cfg.StallAfter = DefaultStallAfter
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		cfg:        cfg,
		handle:     handle,
		onChange:   onChange,
		logger:     logger.With("watcher", cfg.Name),
		dispatched: make(map[string]segment.Segment),
		stalls:     make(map[string]int),
	}, nil
}

// Run polls until ctx is cancelled. Cancellation is a normal exit.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("starting watcher", "dir", w.cfg.Dir, "interval", w.cfg.Interval)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := w.Poll(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("poll failed", "error", err)
		}

		select {
		case <-ctx.Done():
			w.logger.Info("stopping watcher", "dispatched", w.count.Load())
			return nil
		case <-ticker.C:
		case <-w.cfg.Wake:
		}
	}
}

// Poll runs one discovery pass and returns how many files were dispatched.
func (w *Watcher) Poll(ctx context.Context) (int, error) {
	listed, err := store.List(w.cfg.Dir, w.cfg.Pattern, w.cfg.Kind)
	if err != nil {
		return 0, err
	}

	present := make(map[string]struct{}, len(listed))
	for _, seg := range listed {
		present[seg.Name] = struct{}{}
	}

	changed := false
	for name := range w.dispatched {
		if _, ok := present[name]; !ok {
			// Rotated out by the producer; forget it so manifests drop it too.
			delete(w.dispatched, name)
			changed = true
		}
	}
	for name := range w.stalls {
		if _, ok := present[name]; !ok {
			delete(w.stalls, name)
		}
	}

	dispatched := 0
	for _, seg := range listed {
		if _, seen := w.dispatched[seg.Name]; seen {
			continue
		}
		if err := ctx.Err(); err != nil {
			return dispatched, err
		}

		ok, err := w.cfg.Detector.Stable(ctx, seg.Path)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return dispatched, err
			}
			w.logger.Warn("stability check failed", "file", seg.Name, "error", err)
			continue
		}
		if !ok {
			w.noteStall(seg)
			continue
		}

		delete(w.stalls, seg.Name)
		w.dispatched[seg.Name] = seg
		w.count.Add(1)
		dispatched++
		changed = true

		w.logger.Debug("dispatching", "file", seg.Name, "index", seg.Index, "size", seg.Size)
		if w.handle != nil {
			if err := w.handle(ctx, seg); err != nil {
				if ctx.Err() != nil {
					return dispatched, ctx.Err()
				}
				w.logger.Warn("next stage rejected file", "file", seg.Name, "error", err)
			}
		}
	}

	if changed && w.onChange != nil {
		w.onChange(ctx, w.Known())
	}
	return dispatched, nil
}

// Known returns the dispatched files that are still present, in index order.
// It reads watcher-owned state and must be called from the polling goroutine.
func (w *Watcher) Known() []segment.Segment {
	known := make([]segment.Segment, 0, len(w.dispatched))
	for _, seg := range w.dispatched {
		known = append(known, seg)
	}
	segment.Sort(known)
	return known
}

// Dispatched reports how many files this watcher has handed downstream.
// Safe to call from other goroutines.
func (w *Watcher) Dispatched() int64 {
	return w.count.Load()
}

// noteStall counts failed checks and logs a file once when it looks abandoned.
// Such files are skipped, never removed: the writer may only be slow.
func (w *Watcher) noteStall(seg segment.Segment) {
	w.stalls[seg.Name]++
	if w.stalls[seg.Name] == w.cfg.StallAfter {
		w.logger.Warn("file has not stabilized, skipping until it does",
			"file", seg.Name,
			"checks", w.stalls[seg.Name],
		)
	}
}

// Forward returns a Handler that pushes segments into a bounded channel,
// blocking until there is room or ctx is cancelled.
func Forward(ch chan<- segment.Segment) Handler {
	return func(ctx context.Context, seg segment.Segment) error {
		select {
		case ch <- seg:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Notify performs a non-blocking send on a wake channel. Wake channels have a
// buffer of one, so repeated notifications coalesce into a single poll.
func Notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
