package subtitle

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMinUnitChars is the accumulation threshold for length-split languages.
const DefaultMinUnitChars = 10

// DefaultLengthSplitLanguages lists languages whose punctuation spacing is not
// reliable enough for sentence splitting.
var DefaultLengthSplitLanguages = []string{"th"}

// Splitter breaks translated text into sentence-like units.
type Splitter struct {
	MinUnitChars int
	lengthSplit  map[string]bool
}

// NewSplitter returns a splitter that uses the length-based rule for the given
// languages and punctuation everywhere else.
func NewSplitter(minUnitChars int, lengthSplitLanguages []string) *Splitter {
	if minUnitChars <= 0 {
		minUnitChars = DefaultMinUnitChars
	}
	ls := make(map[string]bool, len(lengthSplitLanguages))
	for _, lang := range lengthSplitLanguages {
		ls[baseLanguage(lang)] = true
	}
	return &Splitter{MinUnitChars: minUnitChars, lengthSplit: ls}
}

// Split returns the non-empty units of text for lang.
func (s *Splitter) Split(text, lang string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if s.lengthSplit[baseLanguage(lang)] {
		return s.splitByLength(text)
	}
	return splitByPunctuation(text)
}

// splitByLength accumulates whitespace-delimited tokens until their combined
// rune count reaches MinUnitChars. A short remainder becomes the last unit.
func (s *Splitter) splitByLength(text string) []string {
	var units []string
	var current []string
	length := 0
	for _, word := range strings.Fields(text) {
		current = append(current, word)
		length += utf8.RuneCountInString(word)
		if length >= s.MinUnitChars {
			units = append(units, strings.Join(current, " "))
			current = current[:0]
			length = 0
		}
	}
	if len(current) > 0 {
		units = append(units, strings.Join(current, " "))
	}
	return units
}

// splitByPunctuation cuts after a terminator followed by whitespace or the end
// of the text. Full-width terminators cut unconditionally since the scripts
// that use them do not put spaces between sentences.
func splitByPunctuation(text string) []string {
	var units []string
	runes := []rune(text)
	start := 0
	for i, r := range runes {
		if !isTerminator(r) {
			continue
		}
		atEnd := i+1 == len(runes)
		if !atEnd && !isFullWidthTerminator(r) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		// Keep runs like "?!" or "..." together.
		if !atEnd && isTerminator(runes[i+1]) {
			continue
		}
		if unit := strings.TrimSpace(string(runes[start : i+1])); unit != "" {
			units = append(units, unit)
		}
		start = i + 1
	}
	if start < len(runes) {
		if rest := strings.TrimSpace(string(runes[start:])); rest != "" {
			units = append(units, rest)
		}
	}
	return units
}

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '…':
		return true
	}
	return isFullWidthTerminator(r)
}

func isFullWidthTerminator(r rune) bool {
	switch r {
	case '。', '！', '？':
		return true
	}
	return false
}

func baseLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		return lang[:i]
	}
	return lang
}
