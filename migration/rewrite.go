package migration

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/c360studio/wpmigrate/entity"
	"github.com/c360studio/wpmigrate/markup"
	"github.com/c360studio/wpmigrate/urlscan"
)

// urlPolicy decides which URLs are assets, which belong to the source site and
// what they become on the new site.
type urlPolicy struct {
	uploadsPath string
	uploadsURL  string
	newSite     *url.URL
	source      *url.URL
	exclude     []string
}

func newURLPolicy(opts Options) *urlPolicy {
	p := &urlPolicy{
		uploadsPath: opts.UploadsPath,
		uploadsURL:  strings.TrimRight(opts.UploadsURL, "/"),
		exclude:     opts.Exclude,
	}
	if u, err := url.Parse(opts.NewSiteURL); err == nil && u.Host != "" {
		p.newSite = u
	}
	p.setSource(opts.SourceSiteURL)
	return p
}

// setSource sets the source origin. It returns true when the origin changed.
func (p *urlPolicy) setSource(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return false
	}
	if p.source != nil && p.source.String() == u.String() {
		return false
	}
	p.source = u
	return true
}

func (p *urlPolicy) sourceURL() string {
	if p.source == nil {
		return ""
	}
	return p.source.String()
}

// sameOrigin compares hosts only; http and https links to the source site are
// both local.
func (p *urlPolicy) sameOrigin(u *url.URL) bool {
	if p.source == nil || u == nil || u.Host == "" {
		return false
	}
	return strings.EqualFold(u.Hostname(), p.source.Hostname()) && effectivePort(u) == effectivePort(p.source)
}

func effectivePort(u *url.URL) string {
	if port := u.Port(); port != "" && port != "80" && port != "443" {
		return port
	}
	return ""
}

// isAssetCandidate reports whether u would be downloaded: it is absolute, on
// the source origin (any origin while the source is unknown) and not
// excluded.
func (p *urlPolicy) isAssetCandidate(u *url.URL) bool {
	if u == nil || u.Host == "" {
		return false
	}
	if p.source != nil && !p.sameOrigin(u) {
		return false
	}
	return !p.excluded(u)
}

func (p *urlPolicy) excluded(u *url.URL) bool {
	for _, pattern := range p.exclude {
		if ok, err := doublestar.Match(pattern, strings.TrimPrefix(u.Path, "/")); err == nil && ok {
			return true
		}
	}
	return false
}

// entityBase is the URL relative references inside e resolve against.
func (p *urlPolicy) entityBase(e *entity.Entity) string {
	if p.source == nil {
		return ""
	}
	base := strings.TrimRight(p.source.String(), "/") + "/"
	if slug := e.Get(entity.FieldPostName); slug != "" {
		base += url.PathEscape(slug) + "/"
	}
	return base
}

func (p *urlPolicy) assetPath(raw string) string {
	return filepath.Join(p.uploadsPath, NewAssetFilename(raw))
}

func (p *urlPolicy) assetURL(raw string) string {
	return p.uploadsURL + "/" + NewAssetFilename(raw)
}

// downloadedAsset returns the file path of raw when it is an asset candidate
// whose file is on disk.
func (p *urlPolicy) downloadedAsset(raw string, resolved *url.URL) (string, bool) {
	if !p.isAssetCandidate(resolved) {
		return "", false
	}
	path := p.assetPath(raw)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// siteURL moves u from the source origin to the new site.
func (p *urlPolicy) siteURL(u *url.URL) (string, bool) {
	if p.newSite == nil || !p.sameOrigin(u) {
		return "", false
	}
	moved := *u
	moved.Scheme = p.newSite.Scheme
	moved.Host = p.newSite.Host
	if prefix := strings.TrimRight(p.newSite.Path, "/"); prefix != "" {
		moved.Path = prefix + u.Path
		moved.RawPath = ""
	}
	return moved.String(), true
}

// assetSet collects rewritten asset files in first-seen order.
type assetSet struct {
	paths []string
	seen  map[string]bool
}

func (s *assetSet) add(path string) {
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	if s.seen[path] {
		return
	}
	s.seen[path] = true
	s.paths = append(s.paths, path)
}

// rewriteMarkup rewrites downloaded image sources to the uploads URL and other
// absolute source-site URLs to the new site.
func (p *urlPolicy) rewriteMarkup(content, base string, assets *assetSet) string {
	proc := markup.New(content, base)
	changed := false
	for proc.Next() {
		occ := proc.Occurrence()
		if occ.IsImageSource() {
			if path, ok := p.downloadedAsset(occ.Raw, occ.URL); ok {
				proc.SetURL(p.assetURL(occ.Raw))
				assets.add(path)
				changed = true
				continue
			}
		}
		if occ.Kind == markup.KindAttribute && !isAbsolute(occ.Raw) {
			continue
		}
		if moved, ok := p.siteURL(occ.URL); ok {
			proc.SetURL(moved)
			changed = true
		}
	}
	if !changed {
		return content
	}
	return proc.String()
}

// rewriteText rewrites source-site URLs in plain text.
func (p *urlPolicy) rewriteText(text string) string {
	if p.source == nil || p.newSite == nil {
		return text
	}
	s := urlscan.New(text, p.source.String())
	for s.Next() {
		m := s.Match()
		if moved, ok := p.siteURL(m.URL); ok {
			s.SetRawURL(moved)
		}
	}
	return s.String()
}

// rewriteAsset rewrites a single asset URL field such as an attachment URL.
func (p *urlPolicy) rewriteAsset(raw, base string, assets *assetSet) (string, bool) {
	resolved, ok := resolve(raw, base)
	if !ok {
		return raw, false
	}
	if path, ok := p.downloadedAsset(raw, resolved); ok {
		assets.add(path)
		return p.assetURL(raw), true
	}
	if moved, ok := p.siteURL(resolved); ok && isAbsolute(raw) {
		return moved, true
	}
	return raw, false
}

func resolve(raw, base string) (*url.URL, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, false
	}
	if base != "" {
		b, err := url.Parse(base)
		if err == nil {
			u = b.ResolveReference(u)
		}
	}
	return u, true
}

func isAbsolute(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	return err == nil && u.Host != ""
}
