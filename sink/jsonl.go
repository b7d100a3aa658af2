// Package sink provides migration targets: an append-only JSON Lines file and
// a PostgreSQL schema. Both also serve as failure ledgers.
package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/c360studio/wpmigrate/entity"
	"github.com/c360studio/wpmigrate/migration"
)

// Record kinds written to a JSONL sink.
const (
	KindEntity     = "entity"
	KindAttachment = "attachment"
	KindFailure    = "failure"
)

// Record is one line of a JSONL sink.
type Record struct {
	Kind       string         `json:"kind"`
	ID         int64          `json:"id,omitempty"`
	Type       entity.Type    `json:"type,omitempty"`
	Upstream   entity.Cursor  `json:"upstream,omitempty"`
	Data       *entity.Fields `json:"data,omitempty"`
	FilePath   string         `json:"file_path,omitempty"`
	ParentID   int64          `json:"parent_id,omitempty"`
	ImportedAt time.Time      `json:"imported_at"`

	Failure *migration.DownloadFailure `json:"failure,omitempty"`
}

// JSONLSink appends one JSON object per line. Every record is written with a
// single write call, so a crash leaves at most one partial trailing line,
// which is cut off when the file is reopened.
type JSONLSink struct {
	mu     sync.Mutex
	f      *os.File
	nextID int64
	now    func() time.Time
}

// OpenJSONL opens or creates the file at path. Entity ids continue after the
// highest id already in the file.
func OpenJSONL(path string) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create sink directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open sink: %w", err)
	}
	last, size, err := scanIDs(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("trim partial sink record: %w", err)
	}
	return &JSONLSink{f: f, nextID: last + 1, now: time.Now}, nil
}

// scanIDs returns the highest entity id and the size of the file up to the
// last complete line.
func scanIDs(r io.Reader) (int64, int64, error) {
	br := bufio.NewReader(r)
	var last, size int64
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			size += int64(len(line))
			var rec struct {
				Kind string `json:"kind"`
				ID   int64  `json:"id"`
			}
			if json.Unmarshal(line, &rec) == nil && rec.Kind == KindEntity && rec.ID > last {
				last = rec.ID
			}
		}
		if errors.Is(err, io.EOF) {
			return last, size, nil
		}
		if err != nil {
			return 0, 0, fmt.Errorf("scan sink: %w", err)
		}
	}
}

// Path returns the file path.
func (s *JSONLSink) Path() string {
	return s.f.Name()
}

// ImportEntity appends e and returns its id.
func (s *JSONLSink) ImportEntity(_ context.Context, e *entity.Entity) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	err := s.write(Record{
		Kind:       KindEntity,
		ID:         id,
		Type:       e.Type,
		Upstream:   e.Upstream,
		Data:       e.Data,
		ImportedAt: s.now().UTC(),
	})
	if err != nil {
		return 0, err
	}
	s.nextID++
	return id, nil
}

// ImportAttachment appends an attachment record.
func (s *JSONLSink) ImportAttachment(_ context.Context, filePath string, parentID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(Record{
		Kind:       KindAttachment,
		FilePath:   filePath,
		ParentID:   parentID,
		ImportedAt: s.now().UTC(),
	})
}

// RecordFailure appends a failure record.
func (s *JSONLSink) RecordFailure(_ context.Context, f migration.DownloadFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(Record{
		Kind:       KindFailure,
		ImportedAt: s.now().UTC(),
		Failure:    &f,
	})
}

func (s *JSONLSink) write(rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", rec.Kind, err)
	}
	line = append(line, '\n')
	if _, err := s.f.Write(line); err != nil {
		return fmt.Errorf("write %s record: %w", rec.Kind, err)
	}
	return nil
}

// Sync flushes the file to disk.
func (s *JSONLSink) Sync() error {
	return s.f.Sync()
}

// Close syncs and closes the file.
func (s *JSONLSink) Close() error {
	return errors.Join(s.f.Sync(), s.f.Close())
}

// ReadRecords decodes every complete line of a JSONL sink file.
func ReadRecords(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sink: %w", err)
	}
	defer f.Close()

	var out []Record
	br := bufio.NewReader(f)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			var rec Record
			if err := json.Unmarshal(line, &rec); err != nil {
				return nil, fmt.Errorf("decode sink record: %w", err)
			}
			out = append(out, rec)
		}
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read sink: %w", err)
		}
	}
}
