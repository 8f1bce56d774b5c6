// Package segment defines the on-disk artifacts exchanged between pipeline stages
// and the filename rule that maps them to sequence indices.
package segment

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"
)

// Kind identifies an artifact class. Each class lives in its own directory
// and is owned by exactly one watcher.
type Kind string

const (
	KindVideo      Kind = "video"
	KindAudio      Kind = "audio"
	KindTranscript Kind = "transcript"
	KindCue        Kind = "cue"
)

// Segment is one fixed-duration artifact on disk.
type Segment struct {
	// Kind is the artifact class (video, audio, transcript, cue).
	Kind Kind

	// Index is the sequence index embedded in the filename by the producer.
	Index int

	// Name is the base filename, e.g. "video_3.ts".
	Name string

	// Path is the absolute or store-relative path of the file.
	Path string

	// Size is the byte size observed when the file was listed.
	Size int64
}

// Start returns the pipeline-global start offset of the window this segment covers.
func (s Segment) Start(duration time.Duration) time.Duration {
	return time.Duration(s.Index) * duration
}

// Pattern is the explicit filename rule "<prefix>_<index><ext>".
// Names that do not match are not pipeline artifacts and are ignored.
type Pattern struct {
	Prefix string
	Ext    string

	re *regexp.Regexp
}

// NewPattern compiles a pattern for the given prefix and extension (".ts", ".wav").
func NewPattern(prefix, ext string) Pattern {
	expr := "^" + regexp.QuoteMeta(prefix) + "_([0-9]+)" + regexp.QuoteMeta(ext) + "$"
	return Pattern{Prefix: prefix, Ext: ext, re: regexp.MustCompile(expr)}
}

// Parse extracts the sequence index from a base filename.
func (p Pattern) Parse(name string) (int, bool) {
	if p.re == nil {
		p = NewPattern(p.Prefix, p.Ext)
	}
	m := p.re.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	idx, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return idx, true
}

// Format builds the filename for an index.
func (p Pattern) Format(index int) string {
	return fmt.Sprintf("%s_%d%s", p.Prefix, index, p.Ext)
}

// FFmpegTemplate returns the printf-style template ffmpeg uses for numbered output files.
func (p Pattern) FFmpegTemplate() string {
	return p.Prefix + "_%d" + p.Ext
}

// Standard artifact patterns.
var (
	VideoPattern      = NewPattern("video", ".ts")
	AudioPattern      = NewPattern("audio", ".wav")
	TranscriptPattern = NewPattern("audio", ".json")
	CuePattern        = NewPattern("audio", ".vtt")
)

// Sort orders segments by index, falling back to name for equal indices.
// Lexical order of names is not temporal order ("video_10" < "video_9"), so the
// parsed index is the only ordering key that matters.
func Sort(segments []Segment) {
	sort.SliceStable(segments, func(i, j int) bool {
		if segments[i].Index != segments[j].Index {
			return segments[i].Index < segments[j].Index
		}
		return segments[i].Name < segments[j].Name
	})
}
