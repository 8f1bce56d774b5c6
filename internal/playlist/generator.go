// Package playlist implements live HLS manifest generation from the set of
// artifacts currently known to the pipeline.
package playlist

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agleyzer/livecaption/internal/segment"
	"github.com/agleyzer/livecaption/internal/variant"
)

// ErrNoSegments is returned when a media manifest would have no entries.
// Callers log it and wait for the next change.
var ErrNoSegments = errors.New("no segments to list")

// Entry is one media manifest line pair.
type Entry struct {
	Index int
	URI   string
}

// GenerateMedia renders a live media manifest. The media sequence is the
// smallest entry index; there is deliberately no end marker. Output depends
// only on its arguments.
func GenerateMedia(entries []Entry, segmentDuration time.Duration) (string, error) {
	if len(entries) == 0 {
		return "", ErrNoSegments
	}
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	var b strings.Builder

	// HLS playlist header
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", TargetDuration(segmentDuration)))
	b.WriteString(fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d\n", sorted[0].Index))

	for _, e := range sorted {
		b.WriteString(fmt.Sprintf("#EXTINF:%.3f,\n", segmentDuration.Seconds()))
		b.WriteString(e.URI)
		b.WriteString("\n")
	}

	// NOTE: We do NOT include #EXT-X-ENDLIST because this is a live stream

	return b.String(), nil
}

// GenerateMaster renders the master manifest: subtitle renditions first, then
// the video variant referencing their group.
func GenerateMaster(v variant.Variant, subtitles []variant.Subtitle) string {
	var b strings.Builder

	// HLS master playlist header
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")

	for _, s := range subtitles {
		b.WriteString("#EXT-X-MEDIA:TYPE=SUBTITLES")
		b.WriteString(fmt.Sprintf(",GROUP-ID=%q", s.GroupID))
		b.WriteString(fmt.Sprintf(",NAME=%q", s.Name))
		b.WriteString(fmt.Sprintf(",LANGUAGE=%q", s.Language))
		b.WriteString(fmt.Sprintf(",DEFAULT=%s", yesNo(s.Default)))
		b.WriteString(fmt.Sprintf(",AUTOSELECT=%s", yesNo(s.AutoSelect)))
		b.WriteString(fmt.Sprintf(",URI=%q", s.URI))
		b.WriteString("\n")
	}

	b.WriteString("#EXT-X-STREAM-INF:")
	b.WriteString(fmt.Sprintf("BANDWIDTH=%d", v.Bandwidth))
	if v.Resolution != "" {
		b.WriteString(fmt.Sprintf(",RESOLUTION=%s", v.Resolution))
	}
	if v.Codecs != "" {
		b.WriteString(fmt.Sprintf(",CODECS=\"%s\"", v.Codecs))
	}
	if v.SubtitlesGroup != "" && len(subtitles) > 0 {
		b.WriteString(fmt.Sprintf(",SUBTITLES=%q", v.SubtitlesGroup))
	}
	b.WriteString("\n")
	b.WriteString(v.PlaylistURL)
	b.WriteString("\n")

	return b.String()
}

// TargetDuration is the segment duration rounded up to whole seconds.
func TargetDuration(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

func yesNo(v bool) string {
	if v {
		return "YES"
	}
	return "NO"
}

// Builder rebuilds the manifests of one session. It remembers the media
// sequence it last published per manifest so that a rebuild never moves the
// sequence backwards, even if an older file reappears on disk.
type Builder struct {
	mu              sync.Mutex
	segmentDuration time.Duration
	floors          map[string]int
	stats           map[string]*manifestStats
	logger          *slog.Logger
}

type manifestStats struct {
	sequence int
	entries  int
	rebuilds int
}

// NewBuilder creates a builder for segments of the given duration.
func NewBuilder(segmentDuration time.Duration, logger *slog.Logger) (*Builder, error) {
	if segmentDuration <= 0 {
		return nil, fmt.Errorf("segment duration must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		segmentDuration: segmentDuration,
		floors:          make(map[string]int),
		stats:           make(map[string]*manifestStats),
		logger:          logger.With("component", "manifest"),
	}, nil
}

// Video builds the video media manifest. URIs are relative to the session root.
func (b *Builder) Video(segs []segment.Segment) (string, error) {
	return b.media("video", segs, "video")
}

// Subtitles builds the sub-manifest for lang. The sub-manifest sits in the
// subtitles directory, so URIs point into its per-language child directory.
func (b *Builder) Subtitles(lang string, segs []segment.Segment) (string, error) {
	return b.media("subtitles/"+lang, segs, lang)
}

func (b *Builder) media(name string, segs []segment.Segment, uriDir string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	floor, seen := b.floors[name]
	entries := make([]Entry, 0, len(segs))
	dropped := 0
	for _, s := range segs {
		if seen && s.Index < floor {
			dropped++
			continue
		}
		entries = append(entries, Entry{Index: s.Index, URI: path.Join(uriDir, s.Name)})
	}
	if dropped > 0 {
		b.logger.Warn("ignoring segments older than published media sequence",
			"manifest", name,
			"floor", floor,
			"dropped", dropped,
		)
	}

	body, err := GenerateMedia(entries, b.segmentDuration)
	if err != nil {
		return "", fmt.Errorf("%s manifest: %w", name, err)
	}

	sequence := entries[0].Index
	for _, e := range entries[1:] {
		if e.Index < sequence {
			sequence = e.Index
		}
	}
	b.floors[name] = sequence

	st := b.stats[name]
	if st == nil {
		st = &manifestStats{}
		b.stats[name] = st
	}
	st.sequence = sequence
	st.entries = len(entries)
	st.rebuilds++

	b.logger.Debug("rebuilt manifest", "manifest", name, "sequence", sequence, "entries", len(entries))
	return body, nil
}

// Master builds the master manifest.
func (b *Builder) Master(v variant.Variant, subtitles []variant.Subtitle) string {
	return GenerateMaster(v, subtitles)
}

// GetStats returns current statistics about the manifests built so far.
func (b *Builder) GetStats() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	manifests := make(map[string]interface{}, len(b.stats))
	for name, st := range b.stats {
		manifests[name] = map[string]interface{}{
			"sequence_number": st.sequence,
			"entries":         st.entries,
			"rebuilds":        st.rebuilds,
		}
	}
	return map[string]interface{}{
		"target_duration": TargetDuration(b.segmentDuration),
		"manifests":       manifests,
	}
}
