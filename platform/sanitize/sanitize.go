// Package sanitize cleans free text before it is stored in activity
// metadata or entity payloads.
package sanitize

import (
	"html"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxTextLength bounds stored free text in runes.
const MaxTextLength = 500

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// Text strips markup and control characters, collapses runs of whitespace
// and truncates to MaxTextLength runes. Entities are decoded before a second
// strip so encoded tags do not survive.
func Text(s string) string {
	s = tagPattern.ReplaceAllString(s, "")
	s = tagPattern.ReplaceAllString(html.UnescapeString(s), "")

	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	s = strings.Join(strings.Fields(s), " ")

	if utf8.RuneCountInString(s) > MaxTextLength {
		s = string([]rune(s)[:MaxTextLength])
	}
	return s
}
