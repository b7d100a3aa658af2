// Package urlscan finds and rewrites URL-shaped substrings in free-form text.
//
// # Overview
//
// Scanning works as a thick sieve followed by a fine filter. A permissive
// pattern first over-matches anything that could be a URL:
//
//   - optional http or https scheme, optional leading //
//   - Unicode hostname labels and an optional port
//   - an ASCII-only path, query and fragment
//
// Trailing dots and unbalanced closing parentheses are trimmed from each
// candidate as enclosing punctuation. Each candidate is then parsed strictly
// (net/url plus IDNA host validation). Candidates that fail are dropped and
// scanning resumes right after them.
//
// Candidates written without a scheme or // must have a dotted hostname whose
// top-level label is in the public suffix list (or is "internal"). This keeps
// file names such as index.html out of the results.
//
// # Rewriting
//
// Replacements are buffered as Edits and committed in one pass in ascending
// offset order. The scan position is shifted by the length delta of every edit
// before it, so scanning can continue after a commit.
//
// # Usage
//
//	s := urlscan.New(text, "https://example.com")
//	for s.Next() {
//	    m := s.Match()
//	    if m.URL.Hostname() == "example.com" {
//	        s.SetRawURL("https://example.org" + m.URL.RequestURI())
//	    }
//	}
//	updated := s.String()
package urlscan
