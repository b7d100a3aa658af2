package urlscan

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

const (
	hostLabel = `[\p{L}\p{N}](?:[\p{L}\p{M}\p{N}-]*[\p{L}\p{M}\p{N}])?`
	urlTail   = `[/?#][A-Za-z0-9\-._~:/?#\[\]@!$&()*+,;=%]*`
)

// candidatePattern over-matches on purpose. Group 1 is the scheme, group 2 the
// leading slashes.
var candidatePattern = regexp.MustCompile(
	`(?i)(?:(https?:)?(//))?` +
		hostLabel + `(?:\.` + hostLabel + `)*` +
		`(?::[0-9]{1,5})?` +
		`(?:` + urlTail + `)?`,
)

// Match is a confirmed URL found in the text.
type Match struct {
	// Raw is the URL exactly as it appears in the text.
	Raw string
	// URL holds the parsed components. For schemeless matches the scheme
	// used for parsing is filled in.
	URL *url.URL
	// Start is the byte offset of Raw in the text the scanner was created with
	// (or the text after the last Commit).
	Start int
	// Len is len(Raw) in bytes.
	Len int
	// HadScheme reports whether Raw starts with an explicit scheme.
	HadScheme bool
	// HadSlashes reports whether Raw starts with // (after any scheme).
	HadSlashes bool
}

// Scanner walks a text forward, yielding confirmed URL matches.
type Scanner struct {
	text    string
	base    *url.URL
	offset  int
	current *Match
	edits   EditBuffer
}

// New creates a scanner over text. base is optional; when set, schemeless
// candidates are parsed with its scheme.
func New(text, base string) *Scanner {
	s := &Scanner{text: text}
	if base != "" {
		if u, err := url.Parse(base); err == nil && u.Scheme != "" {
			s.base = u
		}
	}
	return s
}

// Next advances to the next confirmed URL. It returns false when the text is
// exhausted.
func (s *Scanner) Next() bool {
	s.current = nil
	for s.offset < len(s.text) {
		loc := candidatePattern.FindStringSubmatchIndex(s.text[s.offset:])
		if loc == nil {
			s.offset = len(s.text)
			return false
		}
		start := s.offset + loc[0]
		raw := trimTrailing(s.text[start : s.offset+loc[1]])
		if raw == "" {
			s.offset = s.offset + loc[1] + 1
			continue
		}
		s.offset = start + len(raw)

		hadScheme := loc[2] >= 0
		hadSlashes := loc[4] >= 0
		u, ok := parseCandidate(raw, hadScheme, hadSlashes, s.base)
		if !ok {
			continue
		}
		s.current = &Match{
			Raw:        raw,
			URL:        u,
			Start:      start,
			Len:        len(raw),
			HadScheme:  hadScheme,
			HadSlashes: hadSlashes,
		}
		return true
	}
	return false
}

// Match returns the current match. It is only valid after Next returned true.
func (s *Scanner) Match() Match {
	if s.current == nil {
		return Match{}
	}
	return *s.current
}

// SetRawURL stages a replacement for the current match. When the match had no
// explicit scheme, the scheme of the replacement is stripped so the text keeps
// its original form. It returns false when there is no current match.
func (s *Scanner) SetRawURL(raw string) bool {
	if s.current == nil {
		return false
	}
	s.edits.Stage(Edit{Start: s.current.Start, Len: s.current.Len, Text: s.current.Format(raw)})
	return true
}

// Format renders raw in the same form as the match: the scheme is dropped
// when the match had none, and the leading // only when the match had none
// either.
func (m Match) Format(raw string) string {
	if m.HadScheme {
		return raw
	}
	i := strings.Index(raw, "://")
	if i < 0 {
		return raw
	}
	if m.HadSlashes {
		return raw[i+1:]
	}
	return raw[i+3:]
}

// Commit applies staged replacements to the text. The current match is
// invalidated; scanning continues at the same logical position.
func (s *Scanner) Commit() {
	if s.edits.Len() == 0 {
		return
	}
	s.text, s.offset = s.edits.Apply(s.text, s.offset)
	s.current = nil
}

// String commits staged replacements and returns the text.
func (s *Scanner) String() string {
	s.Commit()
	return s.text
}

// trimTrailing drops trailing sentence punctuation and closing parentheses
// that have no opening partner inside the candidate.
func trimTrailing(raw string) string {
	for raw != "" {
		last := raw[len(raw)-1]
		switch {
		case strings.IndexByte(".,;:!?", last) >= 0:
			raw = raw[:len(raw)-1]
		case last == ')' && strings.Count(raw, ")") > strings.Count(raw, "("):
			raw = raw[:len(raw)-1]
		default:
			return raw
		}
	}
	return raw
}

func parseCandidate(raw string, hadScheme, hadSlashes bool, base *url.URL) (*url.URL, bool) {
	toParse := raw
	if !hadScheme {
		scheme := "https"
		if base != nil {
			scheme = base.Scheme
		}
		if hadSlashes {
			toParse = scheme + ":" + raw
		} else {
			toParse = scheme + "://" + raw
		}
	}

	u, err := url.Parse(toParse)
	if err != nil {
		return nil, false
	}
	if scheme := strings.ToLower(u.Scheme); scheme != "http" && scheme != "https" {
		return nil, false
	}
	host := u.Hostname()
	if host == "" {
		return nil, false
	}
	asciiHost, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return nil, false
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n > 65535 {
			return nil, false
		}
	}

	if !hadScheme && !hadSlashes {
		dot := strings.LastIndexByte(asciiHost, '.')
		if dot < 0 {
			return nil, false
		}
		if !IsKnownTLD(asciiHost[dot+1:]) {
			return nil, false
		}
	}
	return u, true
}

// IsKnownTLD reports whether label is a top-level domain in the public suffix
// list, or the literal "internal". label may be Unicode or punycode.
func IsKnownTLD(label string) bool {
	label = strings.ToLower(label)
	if label == "internal" {
		return true
	}
	ascii, err := idna.Lookup.ToASCII(label)
	if err != nil || ascii == "" {
		return false
	}
	suffix, icann := publicsuffix.PublicSuffix(ascii)
	return icann && suffix == ascii
}
