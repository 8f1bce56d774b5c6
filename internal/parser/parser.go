// Package parser reads HLS manifests back, either from a URL or from disk. It is
// used to inspect what a session is serving and to verify generated manifests.
package parser

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/grafov/m3u8"

	"github.com/agleyzer/livecaption/internal/variant"
)

const defaultFetchTimeout = 30 * time.Second

var errNoVariants = errors.New("master playlist has no variants")

// Entry is one segment reference of a media manifest.
type Entry struct {
	// URI is the resolved reference, an absolute URL or a filesystem path.
	URI      string
	Duration float64
	Sequence uint64
}

// MediaInfo describes a parsed media manifest.
type MediaInfo struct {
	Location       string
	Entries        []Entry
	MediaSequence  uint64
	TargetDuration int
	// Live is true when the manifest has no end marker.
	Live bool
}

// VariantInfo is a master manifest variant with its media manifest, if fetched.
type VariantInfo struct {
	variant.Variant
	Media *MediaInfo
}

// RenditionInfo is a subtitle rendition with its sub-manifest, if fetched.
type RenditionInfo struct {
	variant.Subtitle
	Media *MediaInfo
}

// PlaylistInfo is either a master (Variants and Subtitles set) or a media
// manifest (Media set).
type PlaylistInfo struct {
	IsMaster  bool
	Variants  []VariantInfo
	Subtitles []RenditionInfo
	Media     *MediaInfo
}

// Options controls how far ParsePlaylist follows references.
type Options struct {
	// Follow fetches every variant and rendition manifest referenced by a master.
	Follow bool
	Strict bool
	// Timeout bounds each HTTP fetch. Zero means 30s.
	Timeout time.Duration
}

// ParsePlaylist reads an HLS playlist from a URL or a local path and follows
// a master's references.
func ParsePlaylist(location string) (*PlaylistInfo, error) {
	return ParsePlaylistWithOptions(location, Options{Follow: true, Strict: true})
}

// ParsePlaylistWithOptions is ParsePlaylist with explicit options.
func ParsePlaylistWithOptions(location string, opts Options) (*PlaylistInfo, error) {
	rd := reader{opts: opts}
	pl, kind, err := rd.load(location)
	if err != nil {
		return nil, err
	}
	return rd.info(pl, kind, location)
}

// Decode parses a playlist read from r. location resolves relative references
// and, with opts.Follow, is the base for fetching them.
func Decode(r io.Reader, location string, opts Options) (*PlaylistInfo, error) {
	rd := reader{opts: opts}
	pl, kind, err := rd.decode(r, location)
	if err != nil {
		return nil, err
	}
	return rd.info(pl, kind, location)
}

type reader struct {
	opts Options
}

func (rd reader) load(location string) (m3u8.Playlist, m3u8.ListType, error) {
	body, err := open(location, rd.opts.Timeout)
	if err != nil {
		return nil, 0, err
	}
	defer body.Close()
	return rd.decode(body, location)
}

func (rd reader) decode(r io.Reader, location string) (m3u8.Playlist, m3u8.ListType, error) {
	pl, kind, err := m3u8.DecodeFrom(r, rd.opts.Strict)
	if err != nil {
		return nil, 0, fmt.Errorf("decode %s: %w", location, err)
	}
	return pl, kind, nil
}

func (rd reader) info(pl m3u8.Playlist, kind m3u8.ListType, location string) (*PlaylistInfo, error) {
	switch p := pl.(type) {
	case *m3u8.MasterPlaylist:
		return rd.master(p, location)
	case *m3u8.MediaPlaylist:
		media, err := mediaInfo(p, location)
		if err != nil {
			return nil, err
		}
		return &PlaylistInfo{Media: media}, nil
	}
	return nil, fmt.Errorf("decode %s: unsupported playlist kind %v", location, kind)
}

// master collects variants and the distinct subtitle renditions they reference.
func (rd reader) master(p *m3u8.MasterPlaylist, location string) (*PlaylistInfo, error) {
	if len(p.Variants) == 0 {
		return nil, errNoVariants
	}

	info := &PlaylistInfo{IsMaster: true}
	seen := make(map[string]struct{})

	for i, v := range p.Variants {
		if v == nil {
			continue
		}
		ref, err := resolveURL(location, v.URI)
		if err != nil {
			return nil, fmt.Errorf("variant %d: %w", i, err)
		}
		vi := VariantInfo{Variant: variant.Variant{
			Bandwidth:      int(v.Bandwidth),
			Resolution:     v.Resolution,
			Codecs:         v.Codecs,
			PlaylistURL:    ref,
			SubtitlesGroup: v.Subtitles,
		}}
		if vi.Media, err = rd.follow(ref); err != nil {
			return nil, fmt.Errorf("variant %d: %w", i, err)
		}
		info.Variants = append(info.Variants, vi)

		for _, alt := range v.Alternatives {
			if alt == nil || !strings.EqualFold(alt.Type, "SUBTITLES") {
				continue
			}
			if _, dup := seen[alt.URI]; dup {
				continue
			}
			seen[alt.URI] = struct{}{}

			ri, err := rd.rendition(alt, location)
			if err != nil {
				return nil, fmt.Errorf("%s subtitles: %w", alt.Language, err)
			}
			info.Subtitles = append(info.Subtitles, ri)
		}
	}
	return info, nil
}

func (rd reader) rendition(alt *m3u8.Alternative, location string) (RenditionInfo, error) {
	ref, err := resolveURL(location, alt.URI)
	if err != nil {
		return RenditionInfo{}, err
	}
	ri := RenditionInfo{Subtitle: variant.Subtitle{
		GroupID:    alt.GroupId,
		Language:   alt.Language,
		Name:       alt.Name,
		URI:        ref,
		Default:    alt.Default,
		AutoSelect: strings.EqualFold(alt.Autoselect, "YES"),
	}}
	ri.Media, err = rd.follow(ref)
	return ri, err
}

// follow loads a referenced media manifest when Follow is set.
func (rd reader) follow(location string) (*MediaInfo, error) {
	if !rd.opts.Follow {
		return nil, nil
	}
	pl, _, err := rd.load(location)
	if err != nil {
		return nil, err
	}
	media, ok := pl.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, fmt.Errorf("%s: expected a media playlist", location)
	}
	return mediaInfo(media, location)
}

func mediaInfo(p *m3u8.MediaPlaylist, location string) (*MediaInfo, error) {
	info := &MediaInfo{
		Location:      location,
		MediaSequence: p.SeqNo,
		Live:          !p.Closed,
	}

	longest := 0.0
	for i, seg := range p.Segments {
		// The segment ring is padded with nils past the last entry.
		if seg == nil {
			break
		}
		ref, err := resolveURL(location, seg.URI)
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}
		longest = math.Max(longest, seg.Duration)
		info.Entries = append(info.Entries, Entry{
			URI:      ref,
			Duration: seg.Duration,
			Sequence: p.SeqNo + uint64(i),
		})
	}

	info.TargetDuration = int(math.Ceil(float64(p.TargetDuration)))
	if info.TargetDuration == 0 {
		info.TargetDuration = int(longest) + 1
	}
	return info, nil
}

// open returns the playlist body for an http(s) URL or a local path.
func open(location string, timeout time.Duration) (io.ReadCloser, error) {
	if isRemote(location) {
		return FetchContent(location, timeout)
	}
	f, err := os.Open(location)
	if err != nil {
		return nil, fmt.Errorf("open playlist: %w", err)
	}
	return f, nil
}

func isRemote(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}

// resolveURL resolves ref against base, which is either a URL or a file path.
func resolveURL(base, ref string) (string, error) {
	if !isRemote(base) {
		if isRemote(ref) || filepath.IsAbs(ref) {
			return ref, nil
		}
		return filepath.Join(filepath.Dir(base), filepath.FromSlash(ref)), nil
	}

	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base %q: %w", base, err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse reference %q: %w", ref, err)
	}
	return b.ResolveReference(r).String(), nil
}

// FetchContent GETs location and returns the body of a 200 response.
func FetchContent(location string, timeout time.Duration) (io.ReadCloser, error) {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	resp, err := (&http.Client{Timeout: timeout}).Get(location)
	if err != nil {
		return nil, fmt.Errorf("fetch playlist: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch playlist %s: HTTP %d", location, resp.StatusCode)
	}
	return resp.Body, nil
}
