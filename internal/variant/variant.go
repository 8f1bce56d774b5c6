// Package variant defines the renditions declared in a session's master manifest.
package variant

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// DefaultSubtitleGroup is the GROUP-ID shared by all subtitle renditions.
const DefaultSubtitleGroup = "subs"

// DefaultBandwidth is advertised when the video bitrate is unknown; the
// transcoder stream-copies the source so no exact figure is available.
const DefaultBandwidth = 2000000

// Variant represents the video stream in the master manifest.
type Variant struct {
	// Bandwidth is the peak segment bitrate in bits per second
	Bandwidth int

	// Resolution is the video resolution (e.g., "1920x1080"), empty if unknown
	Resolution string

	// Codecs is the codec string (e.g., "avc1.4d401f,mp4a.40.2"), empty if unknown
	Codecs string

	// PlaylistURL is the media manifest reference, relative to the master
	PlaylistURL string

	// SubtitlesGroup links the variant to a subtitle rendition group, empty for none
	SubtitlesGroup string
}

// Subtitle is one EXT-X-MEDIA subtitle rendition.
type Subtitle struct {
	GroupID    string
	Language   string
	Name       string
	URI        string
	Default    bool
	AutoSelect bool
}

// NewSubtitle declares the rendition for lang, whose sub-manifest lives at uri.
// The language is canonicalized as a BCP-47 tag and named in English.
func NewSubtitle(lang, uri string) (Subtitle, error) {
	tag, err := CanonicalLanguage(lang)
	if err != nil {
		return Subtitle{}, err
	}
	return Subtitle{
		GroupID:    DefaultSubtitleGroup,
		Language:   tag,
		Name:       LanguageName(tag),
		URI:        uri,
		AutoSelect: true,
	}, nil
}

// CanonicalLanguage validates lang and returns its canonical BCP-47 form,
// e.g. "pt_br" becomes "pt-BR".
func CanonicalLanguage(lang string) (string, error) {
	lang = strings.TrimSpace(lang)
	if lang == "" {
		return "", fmt.Errorf("empty language code")
	}
	tag, err := language.Parse(strings.ReplaceAll(lang, "_", "-"))
	if err != nil {
		return "", fmt.Errorf("invalid language %q: %w", lang, err)
	}
	return tag.String(), nil
}

// LanguageName returns the English display name of a language tag, falling back
// to the title-cased code.
func LanguageName(lang string) string {
	tag, err := language.Parse(lang)
	if err == nil {
		if name := display.English.Tags().Name(tag); name != "" {
			return name
		}
	}
	return cases.Title(language.Und).String(lang)
}
