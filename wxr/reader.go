// Package wxr streams entities out of a WordPress eXtended RSS export.
//
// A Reader decodes one channel child at a time, so memory use does not grow
// with the export. Each element may yield several entities (a post with its
// meta entries and comments). Cursors have the form "offset:n": the byte
// offset of the element in the file and the number of its entities already
// consumed. Reopening at a cursor replays the document header and seeks
// directly to the element.
package wxr

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/c360studio/wpmigrate/entity"
	"github.com/c360studio/wpmigrate/migration"
)

var (
	// ErrNotWXR is returned for files without an rss channel.
	ErrNotWXR = errors.New("not a WXR export")
	// ErrMalformedCursor is returned for cursors this package did not produce.
	ErrMalformedCursor = errors.New("malformed WXR cursor")
)

// FormatCursor builds the cursor of the element at offset after n of its
// entities.
func FormatCursor(offset int64, n int) entity.Cursor {
	return entity.Cursor(strconv.FormatInt(offset, 10) + ":" + strconv.Itoa(n))
}

// ParseCursor splits a cursor built by FormatCursor.
func ParseCursor(c entity.Cursor) (int64, int, error) {
	off, n, ok := strings.Cut(string(c), ":")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedCursor, c)
	}
	offset, err := strconv.ParseInt(off, 10, 64)
	if err != nil || offset < 0 {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedCursor, c)
	}
	count, err := strconv.Atoi(n)
	if err != nil || count < 0 {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedCursor, c)
	}
	return offset, count, nil
}

// Reader is a forward-only entity stream over a WXR file.
type Reader struct {
	f   *os.File
	dec *xml.Decoder

	headerLen int64
	start     int64

	elemStart int64
	pending   []*entity.Entity
	idx       int
	done      bool
}

// Open opens path positioned just after resumeAt, or at the first entity when
// resumeAt is nil.
func Open(ctx context.Context, path string, resumeAt *entity.Cursor) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open export: %w", err)
	}
	r, err := newReader(ctx, f, resumeAt)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// Opener returns a migration.SourceOpener over the export at path.
func Opener(path string) migration.SourceOpener {
	return func(ctx context.Context, resumeAt *entity.Cursor) (migration.Source, error) {
		return Open(ctx, path, resumeAt)
	}
}

func newReader(ctx context.Context, f *os.File, resumeAt *entity.Cursor) (*Reader, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat export: %w", err)
	}
	headerLen, err := channelOffset(io.NewSectionReader(f, 0, info.Size()))
	if err != nil {
		return nil, err
	}
	header := make([]byte, headerLen)
	if _, err := f.ReadAt(header, 0); err != nil {
		return nil, fmt.Errorf("read export header: %w", err)
	}

	start, skip := headerLen, 0
	if resumeAt != nil {
		start, skip, err = ParseCursor(*resumeAt)
		if err != nil {
			return nil, err
		}
		if start < headerLen || start > info.Size() {
			return nil, fmt.Errorf("%w: offset %d outside export body", ErrMalformedCursor, start)
		}
	}

	stream := io.MultiReader(bytes.NewReader(header), io.NewSectionReader(f, start, info.Size()-start))
	r := &Reader{
		f:         f,
		dec:       newDecoder(stream),
		headerLen: headerLen,
		start:     start,
	}
	if _, err := channelStart(r.dec); err != nil {
		return nil, err
	}
	if err := r.fill(ctx, skip); err != nil {
		return nil, err
	}
	return r, nil
}

func newDecoder(r io.Reader) *xml.Decoder {
	dec := xml.NewDecoder(r)
	dec.Entity = xml.HTMLEntity
	return dec
}

// channelOffset returns the byte offset just past the channel start tag.
func channelOffset(r io.Reader) (int64, error) {
	return channelStart(newDecoder(r))
}

func channelStart(dec *xml.Decoder) (int64, error) {
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return 0, ErrNotWXR
		}
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrNotWXR, err)
		}
		if se, ok := tok.(xml.StartElement); ok && se.Name.Local == "channel" {
			return dec.InputOffset(), nil
		}
	}
}

// fileOffset maps a decoder offset to an offset in the file.
func (r *Reader) fileOffset(o int64) int64 {
	return r.start + o - r.headerLen
}

// fill decodes channel children until one yields more than skip entities.
func (r *Reader) fill(ctx context.Context, skip int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		off := r.dec.InputOffset()
		tok, err := r.dec.Token()
		if err != nil {
			return fmt.Errorf("read export at offset %d: %w", r.fileOffset(off), err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			var n node
			if err := r.dec.DecodeElement(&n, &t); err != nil {
				return fmt.Errorf("decode %s at offset %d: %w", t.Name.Local, r.fileOffset(off), err)
			}
			ents := entitiesOf(n)
			if skip >= len(ents) {
				skip = 0
				continue
			}
			r.elemStart = r.fileOffset(off)
			r.pending = ents
			r.idx = skip
			return nil
		case xml.EndElement:
			r.done = true
			r.pending = nil
			return nil
		}
	}
}

// Valid reports whether Current holds an entity.
func (r *Reader) Valid() bool {
	return !r.done && r.idx < len(r.pending)
}

// Current returns the current entity, or nil past the end.
func (r *Reader) Current() *entity.Entity {
	if !r.Valid() {
		return nil
	}
	e := r.pending[r.idx]
	e.Cursor = r.ReentrancyCursor()
	e.Upstream = r.Upstream()
	return e
}

// Next moves to the next entity.
func (r *Reader) Next(ctx context.Context) error {
	if !r.Valid() {
		return nil
	}
	r.idx++
	if r.idx < len(r.pending) {
		return nil
	}
	return r.fill(ctx, 0)
}

// ReentrancyCursor reopens the stream just after the current entity.
func (r *Reader) ReentrancyCursor() entity.Cursor {
	return FormatCursor(r.elemStart, r.idx+1)
}

// Upstream locates the current entity.
func (r *Reader) Upstream() entity.Cursor {
	return FormatCursor(r.elemStart, r.idx)
}

// Close closes the file.
func (r *Reader) Close() error {
	return r.f.Close()
}
