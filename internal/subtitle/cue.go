// Package subtitle implements the translation and cue stage: each transcript is
// translated per language, split into sentence-like units, timed in proportion
// to unit length inside its segment window and written as a WebVTT cue file.
package subtitle

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Cue is one timed subtitle entry. Times are pipeline-global.
type Cue struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

// Window returns the time range covered by segment index with duration d.
func Window(index int, d time.Duration) (time.Duration, time.Duration) {
	start := time.Duration(index) * d
	return start, start + d
}

// Timeline assigns each unit a slice of [index*d, (index+1)*d) proportional to
// its rune count. Boundaries are computed from the cumulative length and rounded
// to whole milliseconds, so consecutive cues share their boundary and the last
// cue always ends exactly at the window end.
func Timeline(units []string, index int, d time.Duration) []Cue {
	if len(units) == 0 || d <= 0 {
		return nil
	}
	total := 0
	lengths := make([]int, len(units))
	for i, u := range units {
		lengths[i] = utf8.RuneCountInString(u)
		total += lengths[i]
	}
	start, end := Window(index, d)
	if total == 0 {
		return []Cue{{Start: start, End: end, Text: strings.Join(units, " ")}}
	}

	windowMs := d.Milliseconds()
	cues := make([]Cue, 0, len(units))
	cursor := start
	cumulative := 0
	for i, u := range units {
		cumulative += lengths[i]
		next := end
		if i < len(units)-1 {
			offsetMs := (windowMs*int64(cumulative) + int64(total)/2) / int64(total)
			next = start + time.Duration(offsetMs)*time.Millisecond
		}
		cues = append(cues, Cue{Start: cursor, End: next, Text: u})
		cursor = next
	}
	return cues
}

// FormatTimestamp renders d as HH:MM:SS.mmm.
func FormatTimestamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	h := ms / 3_600_000
	ms -= h * 3_600_000
	m := ms / 60_000
	ms -= m * 60_000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}

const vttHeader = "WEBVTT\n\n"

// Render produces a standalone WebVTT document for cues.
func Render(cues []Cue) []byte {
	var b bytes.Buffer
	b.WriteString(vttHeader)
	writeCues(&b, cues)
	return b.Bytes()
}

func writeCues(b *bytes.Buffer, cues []Cue) {
	for _, c := range cues {
		fmt.Fprintf(b, "%s --> %s\n%s\n\n", FormatTimestamp(c.Start), FormatTimestamp(c.End), c.Text)
	}
}

// Body strips the WebVTT header from a cue document, returning the cue blocks.
func Body(doc []byte) []byte {
	sc := bufio.NewScanner(bytes.NewReader(doc))
	var out bytes.Buffer
	header := true
	for sc.Scan() {
		line := sc.Text()
		if header {
			if strings.HasPrefix(line, "WEBVTT") || strings.TrimSpace(line) == "" {
				continue
			}
			header = false
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	return out.Bytes()
}

// Concat joins cue documents into a single WebVTT track.
func Concat(docs [][]byte) []byte {
	var b bytes.Buffer
	b.WriteString(vttHeader)
	for _, doc := range docs {
		body := bytes.TrimRight(Body(doc), "\n")
		if len(body) == 0 {
			continue
		}
		b.Write(body)
		b.WriteString("\n\n")
	}
	return b.Bytes()
}
