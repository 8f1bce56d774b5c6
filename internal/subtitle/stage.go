package subtitle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/agleyzer/livecaption/internal/segment"
	"github.com/agleyzer/livecaption/internal/store"
	"github.com/agleyzer/livecaption/internal/transcribe"
	"github.com/agleyzer/livecaption/internal/translate"
)

// Result describes what a branch did with one transcript.
type Result struct {
	Language string
	Index    int
	Cues     []Cue
	// Path is the cue file written, empty when nothing was emitted.
	Path string
}

// Branch is the translation and cue pipeline of one target language. Branches
// share nothing but the read-only transcript directory.
type Branch struct {
	lang       string
	sourceLang string
	duration   time.Duration
	translator translate.Translator
	splitter   *Splitter
	dir        string
	logger     *slog.Logger

	onCue func(ctx context.Context, r Result)
}

// BranchConfig wires a branch.
type BranchConfig struct {
	Language        string
	SourceLanguage  string
	SegmentDuration time.Duration
	// Dir receives this language's cue files.
	Dir string
}

// NewBranch creates the branch for cfg.Language.
func NewBranch(cfg BranchConfig, translator translate.Translator, splitter *Splitter, logger *slog.Logger) (*Branch, error) {
	if cfg.Language == "" {
		return nil, errors.New("subtitle branch: language is required")
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("subtitle branch %s: cue directory is required", cfg.Language)
	}
	if cfg.SegmentDuration <= 0 {
		return nil, fmt.Errorf("subtitle branch %s: segment duration must be positive", cfg.Language)
	}
	if translator == nil {
		return nil, fmt.Errorf("subtitle branch %s: translator is required", cfg.Language)
	}
	if splitter == nil {
		splitter = NewSplitter(DefaultMinUnitChars, DefaultLengthSplitLanguages)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Branch{
		lang:       cfg.Language,
		sourceLang: cfg.SourceLanguage,
		duration:   cfg.SegmentDuration,
		translator: translator,
		splitter:   splitter,
		dir:        cfg.Dir,
		logger:     logger.With("component", "subtitle", "language", cfg.Language),
	}, nil
}

// Language returns the branch's target language.
func (b *Branch) Language() string { return b.lang }

// OnCue registers a callback invoked after each cue file is written.
func (b *Branch) OnCue(fn func(ctx context.Context, r Result)) {
	b.onCue = fn
}

// Handle processes one transcript file. It matches watch.Handler and never
// fails the watcher on translation problems.
func (b *Branch) Handle(ctx context.Context, seg segment.Segment) error {
	unit, err := transcribe.ReadUnit(seg.Path)
	if err != nil {
		b.logger.Warn("unreadable transcript, skipping", "file", seg.Name, "error", err)
		return nil
	}
	_, err = b.Process(ctx, unit)
	return err
}

// Process translates, splits and times one transcript unit and writes its cue
// file. Absence of a cue file means there was nothing to say.
func (b *Branch) Process(ctx context.Context, unit transcribe.Unit) (Result, error) {
	res := Result{Language: b.lang, Index: unit.Index}
	if unit.Sentinel || unit.Text == "" {
		b.logger.Debug("no speech for segment", "index", unit.Index, "sentinel", unit.Sentinel)
		return res, nil
	}

	text := unit.Text
	if baseLanguage(b.lang) != baseLanguage(b.sourceLang) {
		translated, err := b.translator.Translate(ctx, unit.Text, b.sourceLang, b.lang)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			b.logger.Warn("translation failed, skipping segment", "index", unit.Index, "error", err)
			return res, nil
		}
		text = translated
	}

	units := b.splitter.Split(text, b.lang)
	if len(units) == 0 {
		b.logger.Debug("empty translation", "index", unit.Index)
		return res, nil
	}

	res.Cues = Timeline(units, unit.Index, b.duration)
	path := filepath.Join(b.dir, segment.CuePattern.Format(unit.Index))
	if err := store.WriteFileAtomic(path, Render(res.Cues)); err != nil {
		return res, fmt.Errorf("write cue file: %w", err)
	}
	res.Path = path

	b.logger.Debug("cue file written", "index", unit.Index, "cues", len(res.Cues))
	if b.onCue != nil {
		b.onCue(ctx, res)
	}
	return res, nil
}

// Track concatenates the cue files of segs, in the given order, into a single
// WebVTT document. Files that vanished since listing are skipped.
func Track(segs []segment.Segment) ([]byte, error) {
	docs := make([][]byte, 0, len(segs))
	for _, seg := range segs {
		data, err := os.ReadFile(seg.Path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read cue file: %w", err)
		}
		docs = append(docs, data)
	}
	return Concat(docs), nil
}
