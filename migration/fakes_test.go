package migration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/c360studio/wpmigrate/downloader"
	"github.com/c360studio/wpmigrate/entity"
	"github.com/c360studio/wpmigrate/storage"
)

// sliceSource streams a fixed list. The cursor of entity i is "i" and its
// reentrancy cursor is "i+1".
type sliceSource struct {
	entities []*entity.Entity
	i        int
	closed   bool
}

func (s *sliceSource) Valid() bool             { return s.i < len(s.entities) }
func (s *sliceSource) Current() *entity.Entity { return s.entities[s.i] }
func (s *sliceSource) Upstream() entity.Cursor { return entity.Cursor(strconv.Itoa(s.i)) }
func (s *sliceSource) Close() error            { s.closed = true; return nil }

func (s *sliceSource) ReentrancyCursor() entity.Cursor {
	return entity.Cursor(strconv.Itoa(s.i + 1))
}

func (s *sliceSource) Next(context.Context) error {
	if s.Valid() {
		s.i++
	}
	return nil
}

// sliceOpener opens a fresh copy of build() on every call.
type sliceOpener struct {
	build  func() []*entity.Entity
	opened []*sliceSource
}

func (o *sliceOpener) open(_ context.Context, resumeAt *entity.Cursor) (Source, error) {
	s := &sliceSource{entities: o.build()}
	if resumeAt != nil {
		i, err := strconv.Atoi(string(*resumeAt))
		if err != nil {
			return nil, err
		}
		s.i = i
	}
	o.opened = append(o.opened, s)
	return s, nil
}

func (o *sliceOpener) current() int {
	return o.opened[len(o.opened)-1].i
}

type fakeTask struct {
	id, url, out string
}

// fakeDownloader completes tasks only on Poll, newest first, so downloads
// finish out of entity order.
type fakeDownloader struct {
	capacity int
	fail     func(url string) bool
	// lose drops tasks on Poll without reporting them.
	lose bool
	// owner reports the source position of the enqueuing entity.
	owner func() int

	known    map[string]bool
	next     int
	lastID   string
	inflight []fakeTask
	events   []downloader.Event
	cur      downloader.Event

	ownerOf map[string]int
	done    map[string]bool
	closed  bool
}

func newFakeDownloader(capacity int) *fakeDownloader {
	return &fakeDownloader{
		capacity: capacity,
		known:    make(map[string]bool),
		ownerOf:  make(map[string]int),
		done:     make(map[string]bool),
	}
}

func (d *fakeDownloader) EnqueueIfNotExists(url, out string) bool {
	if d.known[url] {
		return false
	}
	d.known[url] = true
	if _, err := os.Stat(out); err == nil {
		return false
	}
	d.next++
	d.lastID = fmt.Sprintf("r%d", d.next)
	d.inflight = append(d.inflight, fakeTask{id: d.lastID, url: url, out: out})
	if d.owner != nil {
		d.ownerOf[d.lastID] = d.owner()
	}
	return true
}

func (d *fakeDownloader) EnqueuedResourceID() string { return d.lastID }
func (d *fakeDownloader) QueueFull() bool            { return len(d.inflight) >= d.capacity }

func (d *fakeDownloader) HasPendingRequests() bool {
	return len(d.inflight) > 0 || len(d.events) > 0
}

func (d *fakeDownloader) Poll(context.Context) bool {
	if len(d.inflight) == 0 {
		return false
	}
	last := len(d.inflight) - 1
	t := d.inflight[last]
	d.inflight = d.inflight[:last]
	if d.lose {
		return true
	}

	ev := downloader.Event{Type: downloader.Success, ResourceID: t.id, URL: t.url, OutputPath: t.out}
	if d.fail != nil && d.fail(t.url) {
		ev.Type = downloader.Failure
		ev.Err = errors.New("unexpected status 404")
	} else if err := os.WriteFile(t.out, []byte(t.url), 0644); err != nil {
		ev.Type = downloader.Failure
		ev.Err = err
	}
	d.done[t.id] = true
	d.events = append(d.events, ev)
	return true
}

func (d *fakeDownloader) NextEvent() bool {
	if len(d.events) == 0 {
		return false
	}
	d.cur = d.events[0]
	d.events = d.events[1:]
	return true
}

func (d *fakeDownloader) Event() downloader.Event { return d.cur }
func (d *fakeDownloader) Close() error            { d.closed = true; return nil }

type imported struct {
	typ  entity.Type
	data map[string]string
}

type attached struct {
	path   string
	parent int64
}

type memSink struct {
	entities    []imported
	attachments []attached
	err         error
}

func (s *memSink) ImportEntity(_ context.Context, e *entity.Entity) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	data := make(map[string]string)
	for _, k := range e.Data.Keys() {
		data[k] = e.Get(k)
	}
	s.entities = append(s.entities, imported{typ: e.Type, data: data})
	return int64(len(s.entities)), nil
}

func (s *memSink) ImportAttachment(_ context.Context, path string, parent int64) error {
	s.attachments = append(s.attachments, attached{path: path, parent: parent})
	return nil
}

type memLedger struct {
	failures []DownloadFailure
	err      error
}

func (l *memLedger) RecordFailure(_ context.Context, f DownloadFailure) error {
	if l.err != nil {
		return l.err
	}
	l.failures = append(l.failures, f)
	return nil
}

type memStore struct {
	data   []byte
	saves  []Checkpoint
	onSave func(Checkpoint)
}

func (s *memStore) Load(context.Context) ([]byte, error) {
	if s.data == nil {
		return nil, fmt.Errorf("memory: %w", storage.ErrNotFound)
	}
	return s.data, nil
}

func (s *memStore) Save(_ context.Context, data []byte) error {
	cp, err := ParseCheckpoint(data)
	if err != nil {
		return err
	}
	s.data = append([]byte(nil), data...)
	s.saves = append(s.saves, cp)
	if s.onSave != nil {
		s.onSave(cp)
	}
	return nil
}

func (s *memStore) load(cp Checkpoint) {
	data, err := cp.Marshal()
	if err != nil {
		panic(err)
	}
	s.data = data
}

// Entity builders.

func option(name, value string) *entity.Entity {
	e := entity.New(entity.TypeSiteOption)
	e.Data.Set(entity.FieldOptionName, name)
	e.Data.Set(entity.FieldOptionValue, value)
	return e
}

func term(slug, parent string) *entity.Entity {
	e := entity.New(entity.TypeTerm)
	e.Data.Set(entity.FieldTermTaxonomy, "category")
	e.Data.Set(entity.FieldTermSlug, slug)
	e.Data.Set(entity.FieldTermParent, parent)
	return e
}

func post(id, parent int, slug, content string) *entity.Entity {
	e := entity.New(entity.TypePost)
	e.Data.Set(entity.FieldPostID, strconv.Itoa(id))
	e.Data.Set(entity.FieldPostParent, strconv.Itoa(parent))
	e.Data.Set(entity.FieldPostType, "post")
	e.Data.Set(entity.FieldPostName, slug)
	e.Data.Set(entity.FieldGUID, "https://old.example.com/?p="+strconv.Itoa(id))
	e.Data.Set(entity.FieldPostContent, content)
	return e
}

func attachment(id, parent int, url string) *entity.Entity {
	e := entity.New(entity.TypePost)
	e.Data.Set(entity.FieldPostID, strconv.Itoa(id))
	e.Data.Set(entity.FieldPostParent, strconv.Itoa(parent))
	e.Data.Set(entity.FieldPostType, "attachment")
	e.Data.Set(entity.FieldGUID, url)
	e.Data.Set(entity.FieldAttachmentURL, url)
	return e
}

func imgs(urls ...string) string {
	var b strings.Builder
	b.WriteString("<p>")
	for _, u := range urls {
		b.WriteString(`<img src="` + u + `">`)
	}
	b.WriteString("</p>")
	return b.String()
}
