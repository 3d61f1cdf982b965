// Package otp pulls six digit one-time passcodes out of email bodies.
package otp

import (
	"regexp"
	"strings"

	"github.com/magnificodev/hotmail-reader/internal/errs"
)

const codeLen = 6

var (
	keywordPattern = regexp.MustCompile(`(?i)(?:mã xác thực|verification|code|otp|pin|mã|mật|khẩu)[^0-9]{0,24}?([0-9]{6})(?:[^0-9]|$)`)
	digitRun       = regexp.MustCompile(`[0-9]+`)
	separators     = regexp.MustCompile(`[\s\-.]`)

	urlPattern = regexp.MustCompile(`(?i)https?://[^\s<>"')]+|www\.[^\s<>"')]+|go\.\w+[^\s<>"')]*|[\w.]+\.(?:com|org|net|io|co|vn|jp|uk)[^\s<>"')]*`)
	tldSlash   = `(?i)\.(?:com|org|net|io|co|vn|jp|uk)/`
)

// CompileCustom compiles a caller supplied pattern.
func CompileCustom(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errs.E(errs.BadRequest, "compile otp regex", "Invalid regex", err)
	}
	return re, nil
}

// Extract returns the first candidate that passes validation. Candidates come
// from custom (if non-nil), then keyword context, then bare six digit runs.
func Extract(text string, custom *regexp.Regexp) (string, bool) {
	if text == "" {
		return "", false
	}

	if custom != nil {
		for _, m := range custom.FindAllStringSubmatch(text, -1) {
			cand := m[0]
			if len(m) > 1 {
				cand = m[1]
			}
			cand = separators.ReplaceAllString(cand, "")
			if valid(cand, text) {
				return cand, true
			}
		}
	}

	for _, m := range keywordPattern.FindAllStringSubmatch(text, -1) {
		if valid(m[1], text) {
			return m[1], true
		}
	}

	for _, run := range digitRun.FindAllString(text, -1) {
		if len(run) == codeLen && valid(run, text) {
			return run, true
		}
	}

	return "", false
}

func valid(code, context string) bool {
	if len(code) != codeLen {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	if strings.Count(code, "0") >= 5 {
		return false
	}
	if strings.Count(code, code[:1]) == codeLen {
		return false
	}
	if sequential(code) {
		return false
	}
	return !inURL(context, code)
}

func sequential(code string) bool {
	up, down := true, true
	for i := 1; i < len(code); i++ {
		d := int(code[i]) - int(code[i-1])
		up = up && d == 1
		down = down && d == -1
	}
	return up || down
}

// inURL reports whether code shows up inside something that looks like a
// link: a query value, a path segment, right after a domain, or anywhere in a
// long URL.
func inURL(text, code string) bool {
	q := regexp.QuoteMeta(code)
	queryValue := regexp.MustCompile(`[?&][^=&]*=` + q + `(?:[^0-9&]|$)`)
	pathSegment := regexp.MustCompile(`/` + q + `(?:[/?#]|$)`)
	afterDomain := regexp.MustCompile(tldSlash + q)

	for _, u := range urlPattern.FindAllString(text, -1) {
		pos := strings.Index(u, code)
		if pos < 0 {
			continue
		}
		if queryValue.MatchString(u) || pathSegment.MatchString(u) || afterDomain.MatchString(u) {
			return true
		}
		if len(u) > 20 {
			return true
		}
	}
	return false
}
