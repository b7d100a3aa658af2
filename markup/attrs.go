package markup

import "strings"

// attrSpan is an attribute of a raw start tag. start and len delimit the
// value inside the tag, without quotes.
type attrSpan struct {
	name  string
	start int
	len   int
}

// lexAttributes finds attribute value spans in a raw start tag such as
// `<img class="a" src='b.png'>`. It follows the tokenizer's rules for
// attribute names and quoted and unquoted values. Attributes without a value
// are skipped.
func lexAttributes(raw string) []attrSpan {
	i := 1
	// tag name
	for i < len(raw) && !isSpace(raw[i]) && raw[i] != '>' && raw[i] != '/' {
		i++
	}

	var spans []attrSpan
	for i < len(raw) {
		for i < len(raw) && (isSpace(raw[i]) || raw[i] == '/') {
			i++
		}
		if i >= len(raw) || raw[i] == '>' {
			break
		}

		nameStart := i
		// A leading '=' belongs to the name.
		i++
		for i < len(raw) && !isSpace(raw[i]) && raw[i] != '=' && raw[i] != '>' && raw[i] != '/' {
			i++
		}
		name := strings.ToLower(raw[nameStart:i])

		for i < len(raw) && isSpace(raw[i]) {
			i++
		}
		if i >= len(raw) || raw[i] != '=' {
			continue
		}
		i++
		for i < len(raw) && isSpace(raw[i]) {
			i++
		}
		if i >= len(raw) {
			break
		}

		switch q := raw[i]; q {
		case '"', '\'':
			i++
			start := i
			for i < len(raw) && raw[i] != q {
				i++
			}
			spans = append(spans, attrSpan{name: name, start: start, len: i - start})
			if i < len(raw) {
				i++
			}
		default:
			start := i
			for i < len(raw) && !isSpace(raw[i]) && raw[i] != '>' {
				i++
			}
			spans = append(spans, attrSpan{name: name, start: start, len: i - start})
		}
	}
	return spans
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\f':
		return true
	}
	return false
}
