package otp

import (
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/jaytaylor/html2text"
)

var (
	tagPattern = regexp.MustCompile(`<[^>]*>`)
	whitespace = regexp.MustCompile(`\s+`)
)

// HTMLToText strips markup and collapses all whitespace to single spaces.
func HTMLToText(html string) string {
	if html == "" {
		return ""
	}
	text, err := html2text.FromString(html, html2text.Options{TextOnly: true, OmitLinks: true})
	if err != nil {
		text = tagPattern.ReplaceAllString(html, " ")
	}
	return Normalize(text)
}

// Normalize collapses runs of whitespace and trims the result.
func Normalize(text string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
}

// BodyText picks the text used for extraction: plain text when present,
// otherwise the HTML part converted to text.
func BodyText(text, html string) string {
	if t := Normalize(text); t != "" {
		return t
	}
	return HTMLToText(html)
}

var isoLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02T15:04:05.999999999"}

// ParseDate accepts ISO-8601 (Graph) and RFC 2822 (IMAP) dates.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	if t, err := mail.ParseDate(s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// WithinWindow reports whether date falls in [now-window, now]. Future dates
// and dates that cannot be parsed count as inside.
func WithinWindow(date string, now time.Time, window time.Duration) bool {
	t, ok := ParseDate(date)
	if !ok {
		return true
	}
	return now.Sub(t) <= window
}
