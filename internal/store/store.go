// Package store owns the on-disk layout of one session: the segment directories
// written by the transcoder, the sibling directories written by pipeline stages,
// and the manifests a player polls.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"

	"github.com/agleyzer/livecaption/internal/segment"
)

// ErrLocked is returned when another session already owns the output directory.
var ErrLocked = errors.New("output directory is locked by another session")

// ErrNotEmpty is returned by Open when the directory already holds artifacts
// from an earlier run.
var ErrNotEmpty = errors.New("output directory already holds artifacts")

// TempSuffix marks files that are still being written. Nothing with this
// suffix ever matches an artifact pattern.
const TempSuffix = ".tmp"

const (
	videoDir      = "video"
	audioDir      = "audio"
	transcriptDir = "transcripts"
	subtitleDir   = "subtitles"
	nativeDir     = "native"
	lockName      = ".lock"

	MasterManifest = "master.m3u8"
	VideoManifest  = "video.m3u8"
)

// Store is the directory tree for one session.
type Store struct {
	root string
	lock *flock.Flock
}

// Open creates the session directory tree under root and takes an exclusive
// lock on it. A directory that already holds artifacts is refused with
// ErrNotEmpty and left untouched.
func Open(root string, languages []string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("store root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve store root: %w", err)
	}

	dirs := []string{
		abs,
		filepath.Join(abs, videoDir),
		filepath.Join(abs, audioDir),
		filepath.Join(abs, transcriptDir),
		filepath.Join(abs, subtitleDir),
		filepath.Join(abs, nativeDir),
	}
	for _, lang := range languages {
		dirs = append(dirs, filepath.Join(abs, subtitleDir, lang))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	lock := flock.New(filepath.Join(abs, lockName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire store lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", abs, ErrLocked)
	}

	found, err := hasArtifacts(abs)
	if err == nil && found != "" {
		err = fmt.Errorf("%s: %w (found %s)", abs, ErrNotEmpty, found)
	}
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	return &Store{root: abs, lock: lock}, nil
}

// hasArtifacts returns the first regular file under root, relative to root.
// Hidden names such as the lock file are skipped.
func hasArtifacts(root string) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p != root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			found, _ = filepath.Rel(root, p)
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("scan %s: %w", root, err)
	}
	return found, nil
}

const runPrefix = "run-"

// NewRunDir creates the next unused run directory under base (run-001,
// run-002, ...) and returns its path. Earlier runs are never touched.
func NewRunDir(base string) (string, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", base, err)
	}
	entries, err := os.ReadDir(base)
	if err != nil {
		return "", fmt.Errorf("list %s: %w", base, err)
	}
	next := 1
	for _, e := range entries {
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), runPrefix))
		if err == nil && strings.HasPrefix(e.Name(), runPrefix) && n >= next {
			next = n + 1
		}
	}
	for ; ; next++ {
		dir := filepath.Join(base, fmt.Sprintf("%s%03d", runPrefix, next))
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("create run directory: %w", err)
		}
	}
}

// Close releases the directory lock. Artifacts are never removed.
func (s *Store) Close() error {
	if s == nil || s.lock == nil {
		return nil
	}
	if err := s.lock.Unlock(); err != nil {
		return fmt.Errorf("release store lock: %w", err)
	}
	return nil
}

// Root returns the absolute session directory.
func (s *Store) Root() string { return s.root }

// Dir returns the directory holding artifacts of the given kind.
// Cue files are per language; use CueDir for those.
func (s *Store) Dir(kind segment.Kind) string {
	switch kind {
	case segment.KindVideo:
		return filepath.Join(s.root, videoDir)
	case segment.KindAudio:
		return filepath.Join(s.root, audioDir)
	case segment.KindTranscript:
		return filepath.Join(s.root, transcriptDir)
	default:
		return filepath.Join(s.root, subtitleDir)
	}
}

// CueDir returns the per-language cue directory.
func (s *Store) CueDir(lang string) string {
	return filepath.Join(s.root, subtitleDir, lang)
}

// NativeDir is where the transcoder may write its own playlist, which the
// pipeline ignores.
func (s *Store) NativeDir() string {
	return filepath.Join(s.root, nativeDir)
}

// MasterPath is the master manifest location.
func (s *Store) MasterPath() string {
	return filepath.Join(s.root, MasterManifest)
}

// VideoManifestPath is the live video media manifest location.
func (s *Store) VideoManifestPath() string {
	return filepath.Join(s.root, VideoManifest)
}

// SubtitleManifestPath is the subtitle sub-manifest for one language.
func (s *Store) SubtitleManifestPath(lang string) string {
	return filepath.Join(s.root, subtitleDir, lang+".m3u8")
}

// SubtitleTrackPath is the concatenated WebVTT track for one language.
func (s *Store) SubtitleTrackPath(lang string) string {
	return filepath.Join(s.root, subtitleDir, lang+".vtt")
}

// Rel returns path relative to the session root using forward slashes, the
// form manifests reference artifacts by.
func (s *Store) Rel(path string) string {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

// List returns the artifacts in dir matching pattern, ordered by index.
// Files that vanish between the directory read and the stat are skipped.
func List(dir string, pattern segment.Pattern, kind segment.Kind) ([]segment.Segment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	segments := make([]segment.Segment, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, TempSuffix) {
			continue
		}
		idx, ok := pattern.Parse(name)
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", name, err)
		}
		segments = append(segments, segment.Segment{
			Kind:  kind,
			Index: idx,
			Name:  name,
			Path:  filepath.Join(dir, name),
			Size:  info.Size(),
		})
	}

	segment.Sort(segments)
	return segments, nil
}

// WriteFileAtomic writes data to a temporary sibling and renames it over path,
// so readers only ever observe a missing file or the complete contents.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*"+TempSuffix)
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", filepath.Base(path), err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
