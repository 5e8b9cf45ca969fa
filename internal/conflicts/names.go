package conflicts

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// MaxShortName is the destination's shortName length limit.
const MaxShortName = 50

var (
	disallowed = regexp.MustCompile(`[^\p{L}\p{N}_\s\-\(\)]`)
	spaces     = regexp.MustCompile(`\s+`)
)

// NormalizeName decomposes accented characters, removes punctuation other
// than hyphens and parentheses and collapses whitespace.
func NormalizeName(s string) string {
	s = norm.NFKD.String(s)
	s = disallowed.ReplaceAllString(s, "")
	return strings.TrimSpace(spaces.ReplaceAllString(s, " "))
}

// ShortName cuts s to MaxShortName characters, backing off to the last
// space so the final word is not split.
func ShortName(s string) string {
	r := []rune(s)
	if len(r) <= MaxShortName {
		return s
	}
	cut := string(r[:MaxShortName])
	if i := strings.LastIndex(cut, " "); i >= 0 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut)
}

// DateOnly drops a time suffix from an ISO timestamp.
func DateOnly(s string) string {
	date, _, _ := strings.Cut(s, "T")
	return date
}
