package migration

import (
	"context"
	"time"

	"github.com/c360studio/wpmigrate/downloader"
	"github.com/c360studio/wpmigrate/entity"
)

// Source is a forward-only stream of entities that can be reopened at any
// reentrancy cursor it produced.
type Source interface {
	// Valid reports whether Current holds an entity.
	Valid() bool
	Current() *entity.Entity
	// Next moves past the current entity.
	Next(ctx context.Context) error
	// ReentrancyCursor is the cursor that reopens the stream just after the
	// current entity.
	ReentrancyCursor() entity.Cursor
	// Upstream locates the current entity itself.
	Upstream() entity.Cursor
	Close() error
}

// SourceOpener opens a source positioned after resumeAt, or at the start of
// the stream when resumeAt is nil.
type SourceOpener func(ctx context.Context, resumeAt *entity.Cursor) (Source, error)

// Sink persists imported entities.
type Sink interface {
	// ImportEntity stores e and returns its id in the target store.
	ImportEntity(ctx context.Context, e *entity.Entity) (int64, error)
	// ImportAttachment registers a downloaded file as belonging to parentID.
	ImportAttachment(ctx context.Context, filePath string, parentID int64) error
}

// DownloadFailure is a failed asset download kept for operator review.
type DownloadFailure struct {
	EntityCursor entity.Cursor `json:"entity_cursor"`
	ResourceID   string        `json:"resource_id"`
	URL          string        `json:"url"`
	OutputPath   string        `json:"output_path"`
	Error        string        `json:"error"`
	At           time.Time     `json:"at"`
}

// FailureLedger records failed downloads.
type FailureLedger interface {
	RecordFailure(ctx context.Context, f DownloadFailure) error
}

// CheckpointStore persists the serialized checkpoint.
type CheckpointStore interface {
	// Load returns the stored checkpoint, or an error wrapping
	// storage.ErrNotFound when none exists.
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

// Downloader is the asset download queue used during frontloading.
// *downloader.Downloader implements it.
type Downloader interface {
	EnqueueIfNotExists(url, outputPath string) bool
	EnqueuedResourceID() string
	HasPendingRequests() bool
	QueueFull() bool
	Poll(ctx context.Context) bool
	NextEvent() bool
	Event() downloader.Event
	Close() error
}
