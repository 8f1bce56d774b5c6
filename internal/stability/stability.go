// Package stability decides when a file on disk is complete enough to hand to
// the next pipeline stage. Detectors only ever stat files: they never open,
// truncate, or remove them.
package stability

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/agleyzer/livecaption/internal/segment"
)

const (
	// DefaultSettle is the first settling interval between two size samples.
	DefaultSettle = 6 * time.Second
	// DefaultRetry is the shorter interval used on the single retry pass.
	DefaultRetry = 2 * time.Second
)

// Detector reports whether a file is safe to consume.
type Detector interface {
	Stable(ctx context.Context, path string) (bool, error)
}

// Policy names accepted in configuration.
const (
	PolicySize      = "size"
	PolicyRename    = "rename"
	PolicySuccessor = "successor"
)

// New builds the detector for a configured policy name.
func New(policy string, settle, retry time.Duration, pattern segment.Pattern) (Detector, error) {
	size := &SizeDetector{Settle: settle, Retry: retry}
	switch policy {
	case PolicySize, "":
		return size, nil
	case PolicyRename:
		return RenameDetector{}, nil
	case PolicySuccessor:
		return &SuccessorDetector{Pattern: pattern, Fallback: size}, nil
	default:
		return nil, fmt.Errorf("unknown stability policy %q", policy)
	}
}

// SizeDetector samples a file's size, waits a settling interval and samples
// again. The file is stable iff the size did not change and is non-zero. A
// failed first pass gets exactly one more pass with the shorter Retry interval.
type SizeDetector struct {
	Settle time.Duration
	Retry  time.Duration

	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Stable implements Detector.
func (d *SizeDetector) Stable(ctx context.Context, path string) (bool, error) {
	settle := d.Settle
	if settle <= 0 {
		settle = DefaultSettle
	}
	retry := d.Retry
	if retry <= 0 {
		retry = DefaultRetry
	}

	ok, err := d.pass(ctx, path, settle)
	if err != nil || ok {
		return ok, err
	}
	return d.pass(ctx, path, retry)
}

func (d *SizeDetector) pass(ctx context.Context, path string, wait time.Duration) (bool, error) {
	before, exists, err := size(path)
	if err != nil || !exists {
		return false, err
	}

	sleep := d.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	if err := sleep(ctx, wait); err != nil {
		return false, err
	}

	after, exists, err := size(path)
	if err != nil || !exists {
		return false, err
	}
	return before == after && after > 0, nil
}

// RenameDetector trusts the producer's temp-name-then-rename protocol: a file
// visible under its final name is complete. Only emptiness is rejected.
type RenameDetector struct{}

// Stable implements Detector.
func (RenameDetector) Stable(_ context.Context, path string) (bool, error) {
	n, exists, err := size(path)
	if err != nil || !exists {
		return false, err
	}
	return n > 0, nil
}

// SuccessorDetector treats a numbered file as closed once the producer has
// started the next index, which is how sequential segment muxers behave. The
// newest file has no successor yet and is judged by Fallback.
type SuccessorDetector struct {
	Pattern  segment.Pattern
	Fallback Detector
}

// Stable implements Detector.
func (d *SuccessorDetector) Stable(ctx context.Context, path string) (bool, error) {
	idx, ok := d.Pattern.Parse(filepath.Base(path))
	if ok {
		next := filepath.Join(filepath.Dir(path), d.Pattern.Format(idx+1))
		if _, exists, err := size(next); err == nil && exists {
			n, exists, err := size(path)
			if err != nil || !exists {
				return false, err
			}
			return n > 0, nil
		}
	}
	if d.Fallback == nil {
		return false, nil
	}
	return d.Fallback.Stable(ctx, path)
}

// Sleep waits for d or until ctx is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func size(path string) (int64, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("stat %s: %w", filepath.Base(path), err)
	}
	return info.Size(), true, nil
}
