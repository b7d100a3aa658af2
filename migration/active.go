package migration

import "github.com/c360studio/wpmigrate/entity"

type activeEntry struct {
	cursor entity.Cursor
	ids    map[string]struct{}
}

// ActiveDownloads maps entity cursors to their outstanding resource ids,
// oldest entity first. An entity leaves the index only through PopOldest, and
// only once its set is empty.
type ActiveDownloads struct {
	entries []*activeEntry
	byCur   map[entity.Cursor]*activeEntry
	owner   map[string]*activeEntry
}

// NewActiveDownloads creates an empty index.
func NewActiveDownloads() *ActiveDownloads {
	return &ActiveDownloads{
		byCur: make(map[entity.Cursor]*activeEntry),
		owner: make(map[string]*activeEntry),
	}
}

// Add records ids under cursor. The entry is created even when ids is empty.
// Adding to an existing cursor merges the ids and keeps its position.
func (a *ActiveDownloads) Add(cursor entity.Cursor, ids ...string) {
	e, ok := a.byCur[cursor]
	if !ok {
		e = &activeEntry{cursor: cursor, ids: make(map[string]struct{})}
		a.entries = append(a.entries, e)
		a.byCur[cursor] = e
	}
	for _, id := range ids {
		e.ids[id] = struct{}{}
		a.owner[id] = e
	}
}

// Remove drops id from the entry that holds it. It returns false for unknown
// ids.
func (a *ActiveDownloads) Remove(id string) bool {
	e, ok := a.owner[id]
	if !ok {
		return false
	}
	delete(e.ids, id)
	delete(a.owner, id)
	return true
}

// Owner returns the cursor of the entity that produced id.
func (a *ActiveDownloads) Owner(id string) (entity.Cursor, bool) {
	e, ok := a.owner[id]
	if !ok {
		return "", false
	}
	return e.cursor, true
}

// Oldest returns the oldest entry's cursor and the number of ids it still
// waits for.
func (a *ActiveDownloads) Oldest() (entity.Cursor, int, bool) {
	if len(a.entries) == 0 {
		return "", 0, false
	}
	e := a.entries[0]
	return e.cursor, len(e.ids), true
}

// PopOldest removes the oldest entry if it waits for nothing and returns its
// cursor.
func (a *ActiveDownloads) PopOldest() (entity.Cursor, bool) {
	if len(a.entries) == 0 || len(a.entries[0].ids) > 0 {
		return "", false
	}
	e := a.entries[0]
	a.entries[0] = nil
	a.entries = a.entries[1:]
	delete(a.byCur, e.cursor)
	return e.cursor, true
}

// Len returns the number of entities in the index.
func (a *ActiveDownloads) Len() int {
	return len(a.entries)
}

// Pending returns the number of outstanding resource ids.
func (a *ActiveDownloads) Pending() int {
	return len(a.owner)
}
