// Package pattern provides the URL pattern language used by interception
// rules and block lists.
//
// Pattern forms:
//
//   - Exact (no prefix): case-insensitive exact match.
//     "https://a.test/pixel.gif" matches only that URL.
//
//   - Wildcard (*): case-insensitive, * matches any run of characters.
//     "*doubleclick.net*" matches any URL containing the host.
//
//   - Regexp (~): case-sensitive regular expression.
//     "~^https://a\.test/ads/" anchors on the URL prefix.
//
//   - Regexp (~*): case-insensitive regular expression.
package pattern

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind distinguishes how a compiled pattern matches.
type Kind int

const (
	KindExact Kind = iota
	KindWildcard
	KindRegexp
)

// Pattern is a compiled matcher ready for repeated evaluation.
type Pattern struct {
	Source string // original pattern string
	Kind   Kind

	body string         // pattern with any prefix stripped
	re   *regexp.Regexp // nil unless KindRegexp
}

// Compile parses a pattern string once so rule evaluation stays cheap on
// the per-event path.
func Compile(src string) (*Pattern, error) {
	if src == "" {
		return nil, fmt.Errorf("pattern cannot be empty")
	}

	switch {
	case strings.HasPrefix(src, "~*"):
		re, err := regexp.Compile("(?i)" + src[2:])
		if err != nil {
			return nil, fmt.Errorf("invalid regexp pattern %q: %w", src, err)
		}
		return &Pattern{Source: src, Kind: KindRegexp, body: src[2:], re: re}, nil

	case strings.HasPrefix(src, "~"):
		re, err := regexp.Compile(src[1:])
		if err != nil {
			return nil, fmt.Errorf("invalid regexp pattern %q: %w", src, err)
		}
		return &Pattern{Source: src, Kind: KindRegexp, body: src[1:], re: re}, nil

	case strings.Contains(src, "*"):
		return &Pattern{Source: src, Kind: KindWildcard, body: strings.ToLower(src)}, nil

	default:
		return &Pattern{Source: src, Kind: KindExact, body: src}, nil
	}
}

// Match tests a URL against the compiled pattern.
func (p *Pattern) Match(url string) bool {
	if p == nil {
		return false
	}
	switch p.Kind {
	case KindRegexp:
		return p.re.MatchString(url)
	case KindWildcard:
		return matchWildcard(strings.ToLower(url), p.body)
	default:
		return strings.EqualFold(url, p.body)
	}
}

// matchWildcard matches text against a pattern where * matches any run of
// characters, including none. Multiple wildcards are supported; segments
// must appear in order.
func matchWildcard(text, pattern string) bool {
	if !strings.Contains(pattern, "*") {
		return text == pattern
	}

	parts := strings.Split(pattern, "*")

	if !strings.HasPrefix(text, parts[0]) {
		return false
	}
	text = text[len(parts[0]):]

	last := parts[len(parts)-1]
	if !strings.HasSuffix(text, last) {
		return false
	}
	text = text[:len(text)-len(last)]

	for _, part := range parts[1 : len(parts)-1] {
		if part == "" {
			continue
		}
		idx := strings.Index(text, part)
		if idx == -1 {
			return false
		}
		text = text[idx+len(part):]
	}

	return true
}
