// Package markup locates and rewrites URLs inside HTML post content.
//
// Element attributes that carry a URL are reported with their tag and
// attribute name, resolved against a base URL. Text nodes and comments
// (including block editor comments with JSON payloads) are searched with
// urlscan. All replacements are staged and written back in a single pass, so
// bytes outside the rewritten spans are preserved exactly.
package markup

import (
	"bytes"
	"html"
	"net/url"
	"strings"

	nethtml "golang.org/x/net/html"

	"github.com/c360studio/wpmigrate/urlscan"
)

// Kind identifies where in the markup an occurrence was found.
type Kind int

const (
	// KindAttribute is a URL-valued element attribute.
	KindAttribute Kind = iota
	// KindText is a URL inside a text node.
	KindText
	// KindComment is a URL inside a comment.
	KindComment
)

// urlAttributes lists the attributes whose value is a single URL.
var urlAttributes = map[string]bool{
	"src":        true,
	"href":       true,
	"poster":     true,
	"cite":       true,
	"action":     true,
	"data":       true,
	"background": true,
}

// Occurrence is one URL found in the markup.
type Occurrence struct {
	Kind Kind
	// Tag and Attr are lowercase and only set for KindAttribute.
	Tag  string
	Attr string
	// Raw is the URL as written, with character references decoded for
	// attributes.
	Raw string
	// URL is Raw parsed and resolved against the base. It has no host when Raw
	// is relative and no base was given.
	URL *url.URL
	// Start and Len delimit the span that a replacement overwrites.
	Start int
	Len   int

	match *urlscan.Match
}

// IsImageSource reports whether the occurrence is the src of an img element.
func (o Occurrence) IsImageSource() bool {
	return o.Kind == KindAttribute && o.Tag == "img" && o.Attr == "src"
}

// Processor walks markup forward, yielding URL occurrences.
type Processor struct {
	markup string
	base   *url.URL
	z      *nethtml.Tokenizer
	pos    int
	done   bool

	queue   []Occurrence
	current *Occurrence
	edits   urlscan.EditBuffer
}

// New creates a processor over markup. base is optional.
func New(markup, base string) *Processor {
	p := &Processor{
		markup: markup,
		z:      nethtml.NewTokenizer(strings.NewReader(markup)),
	}
	if base != "" {
		if u, err := url.Parse(base); err == nil {
			p.base = u
		}
	}
	return p
}

// Next advances to the next occurrence. It returns false at the end of the
// markup.
func (p *Processor) Next() bool {
	p.current = nil
	for len(p.queue) == 0 {
		if !p.advanceToken() {
			return false
		}
	}
	occ := p.queue[0]
	p.queue = p.queue[1:]
	p.current = &occ
	return true
}

// Occurrence returns the current occurrence. It is only valid after Next
// returned true.
func (p *Processor) Occurrence() Occurrence {
	if p.current == nil {
		return Occurrence{}
	}
	return *p.current
}

// SetURL stages raw as the replacement for the current occurrence. Attribute
// values are escaped; text and comment URLs keep the form they were written
// in (schemeless stays schemeless). It returns false when there is no current
// occurrence.
func (p *Processor) SetURL(raw string) bool {
	if p.current == nil {
		return false
	}
	text := raw
	switch p.current.Kind {
	case KindAttribute:
		text = html.EscapeString(raw)
	default:
		if p.current.match != nil {
			text = p.current.match.Format(raw)
		}
	}
	p.edits.Stage(urlscan.Edit{Start: p.current.Start, Len: p.current.Len, Text: text})
	return true
}

// String returns the markup with all staged replacements applied.
func (p *Processor) String() string {
	out, _ := p.edits.Apply(p.markup, 0)
	p.markup = out
	return out
}

// advanceToken reads one token and queues its occurrences. It returns false
// when the input is exhausted.
func (p *Processor) advanceToken() bool {
	if p.done {
		return false
	}
	tt := p.z.Next()
	if tt == nethtml.ErrorToken {
		// io.EOF is the only error a string reader can produce.
		p.done = true
		return false
	}
	raw := p.z.Raw()
	start := p.pos
	p.pos += len(raw)

	switch tt {
	case nethtml.StartTagToken, nethtml.SelfClosingTagToken:
		name, _ := p.z.TagName()
		p.queueAttributes(string(bytes.ToLower(name)), string(raw), start)
	case nethtml.TextToken:
		p.queueText(KindText, string(raw), start)
	case nethtml.CommentToken:
		p.queueText(KindComment, string(raw), start)
	}
	return true
}

func (p *Processor) queueAttributes(tag, raw string, offset int) {
	for _, a := range lexAttributes(raw) {
		if !urlAttributes[a.name] {
			continue
		}
		value := strings.TrimSpace(html.UnescapeString(raw[a.start : a.start+a.len]))
		if value == "" || strings.HasPrefix(value, "#") {
			continue
		}
		u, ok := p.resolve(value)
		if !ok {
			continue
		}
		p.queue = append(p.queue, Occurrence{
			Kind:  KindAttribute,
			Tag:   tag,
			Attr:  a.name,
			Raw:   value,
			URL:   u,
			Start: offset + a.start,
			Len:   a.len,
		})
	}
}

func (p *Processor) queueText(kind Kind, raw string, offset int) {
	base := ""
	if p.base != nil {
		base = p.base.String()
	}
	s := urlscan.New(raw, base)
	for s.Next() {
		m := s.Match()
		p.queue = append(p.queue, Occurrence{
			Kind:  kind,
			Raw:   m.Raw,
			URL:   m.URL,
			Start: offset + m.Start,
			Len:   m.Len,
			match: &m,
		})
	}
}

func (p *Processor) resolve(value string) (*url.URL, bool) {
	u, err := url.Parse(value)
	if err != nil {
		return nil, false
	}
	if p.base != nil {
		u = p.base.ResolveReference(u)
	}
	switch strings.ToLower(u.Scheme) {
	case "", "http", "https":
		return u, true
	default:
		return nil, false
	}
}
