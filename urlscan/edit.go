package urlscan

import (
	"sort"
	"strings"
)

// Edit replaces Len bytes at Start with Text.
type Edit struct {
	Start int
	Len   int
	Text  string
}

// EditBuffer collects edits against a text until they are applied.
type EditBuffer struct {
	edits []Edit
}

// Stage buffers an edit. An edit staged at the same Start replaces the earlier one.
func (b *EditBuffer) Stage(e Edit) {
	for i := range b.edits {
		if b.edits[i].Start == e.Start {
			b.edits[i] = e
			return
		}
	}
	b.edits = append(b.edits, e)
}

// Len returns the number of buffered edits.
func (b *EditBuffer) Len() int {
	return len(b.edits)
}

// Apply rewrites text with all buffered edits, shifts cursor accordingly and
// empties the buffer.
func (b *EditBuffer) Apply(text string, cursor int) (string, int) {
	out, c := ApplyEdits(text, b.edits, cursor)
	b.edits = nil
	return out, c
}

// ApplyEdits rewrites text in a single pass with edits sorted by ascending
// Start, regardless of the order given. Bytes outside the edits are copied
// unchanged. An edit overlapping an earlier one is dropped.
//
// cursor is a byte offset into text; the returned cursor points at the same
// logical position in the rewritten text.
func ApplyEdits(text string, edits []Edit, cursor int) (string, int) {
	if len(edits) == 0 {
		return text, cursor
	}
	sorted := make([]Edit, len(edits))
	copy(sorted, edits)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	var sb strings.Builder
	sb.Grow(len(text))
	prev := 0
	newCursor := cursor
	for _, e := range sorted {
		end := e.Start + e.Len
		if e.Start < prev || end > len(text) || e.Len < 0 {
			continue
		}
		sb.WriteString(text[prev:e.Start])
		sb.WriteString(e.Text)
		prev = end

		switch {
		case end <= cursor:
			newCursor += len(e.Text) - e.Len
		case e.Start < cursor:
			// cursor sat inside the replaced span
			newCursor += e.Start + len(e.Text) - cursor
		}
	}
	sb.WriteString(text[prev:])
	return sb.String(), newCursor
}
