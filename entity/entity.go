// Package entity defines the records streamed out of an export and handed to a sink.
package entity

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Type identifies the kind of record an Entity carries.
type Type string

// Entity types produced by export readers.
const (
	TypePost       Type = "post"
	TypeTerm       Type = "term"
	TypeSiteOption Type = "site_option"
	TypePostMeta   Type = "post_meta"
	TypeComment    Type = "comment"
	TypeUser       Type = "user"
)

// Cursor is an opaque, serializable locator into an entity stream.
// Cursors compare by equality only.
type Cursor string

// Entity is a single record from the export stream.
type Entity struct {
	Type Type
	Data *Fields

	// Cursor resumes the stream just after this entity.
	Cursor Cursor

	// Upstream locates the entity itself in the stream.
	Upstream Cursor
}

// New creates an entity of the given type with empty fields.
func New(t Type) *Entity {
	return &Entity{Type: t, Data: NewFields()}
}

// Get returns a field value, or "" when absent.
func (e *Entity) Get(key string) string {
	if e == nil || e.Data == nil {
		return ""
	}
	v, _ := e.Data.Get(key)
	return v
}

// IsAttachment reports whether the entity is an attachment post.
func (e *Entity) IsAttachment() bool {
	return e.Type == TypePost && e.Get(FieldPostType) == "attachment"
}

// Well-known field names.
const (
	FieldPostID        = "post_id"
	FieldPostType      = "post_type"
	FieldPostParent    = "post_parent"
	FieldPostName      = "post_name"
	FieldPostTitle     = "post_title"
	FieldPostContent   = "post_content"
	FieldPostExcerpt   = "post_excerpt"
	FieldPostStatus    = "post_status"
	FieldPostDate      = "post_date"
	FieldGUID          = "guid"
	FieldAttachmentURL = "attachment_url"

	FieldTermSlug     = "slug"
	FieldTermParent   = "parent"
	FieldTermName     = "name"
	FieldTermTaxonomy = "taxonomy"

	FieldOptionName  = "option_name"
	FieldOptionValue = "option_value"
)

// Fields is an insertion-ordered string mapping.
type Fields struct {
	keys   []string
	values map[string]string
}

// NewFields creates an empty Fields.
func NewFields() *Fields {
	return &Fields{values: make(map[string]string)}
}

// FieldsOf builds Fields from alternating key/value pairs.
func FieldsOf(kv ...string) *Fields {
	if len(kv)%2 != 0 {
		panic("entity: FieldsOf requires key/value pairs")
	}
	f := NewFields()
	for i := 0; i < len(kv); i += 2 {
		f.Set(kv[i], kv[i+1])
	}
	return f
}

// Get returns the value for key and whether it was present.
func (f *Fields) Get(key string) (string, bool) {
	if f == nil {
		return "", false
	}
	v, ok := f.values[key]
	return v, ok
}

// Has reports whether key is present.
func (f *Fields) Has(key string) bool {
	_, ok := f.Get(key)
	return ok
}

// Set stores value under key. New keys are appended; existing keys keep their position.
func (f *Fields) Set(key, value string) {
	if _, ok := f.values[key]; !ok {
		f.keys = append(f.keys, key)
	}
	f.values[key] = value
}

// Keys returns the keys in insertion order.
func (f *Fields) Keys() []string {
	if f == nil {
		return nil
	}
	out := make([]string, len(f.keys))
	copy(out, f.keys)
	return out
}

// Len returns the number of fields.
func (f *Fields) Len() int {
	if f == nil {
		return 0
	}
	return len(f.keys)
}

// MarshalJSON encodes the fields as a JSON object in insertion order.
func (f *Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if f != nil {
		for i, k := range f.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			vb, err := json.Marshal(f.values[k])
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			buf.Write(vb)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object of strings, keeping document order.
func (f *Fields) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("entity fields: expected object, got %v", tok)
	}
	f.keys = nil
	f.values = make(map[string]string)
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := kt.(string)
		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("entity fields: value for %q: %w", key, err)
		}
		f.Set(key, value)
	}
	_, err = dec.Token()
	return err
}
