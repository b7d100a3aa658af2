package migration

import (
	"encoding/json"
	"fmt"

	"github.com/c360studio/wpmigrate/entity"
)

// CheckpointVersion is the only checkpoint format this package reads.
const CheckpointVersion = 1

// Stage is a migration state.
type Stage string

// Stages in the order they run.
const (
	StageInitial         Stage = "initial"
	StageTopologicalSort Stage = "topological_sort"
	StageFrontloadAssets Stage = "frontload_assets"
	StageImportEntities  Stage = "import_entities"
	StageFinished        Stage = "finished"
)

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageInitial, StageTopologicalSort, StageFrontloadAssets, StageImportEntities, StageFinished:
		return true
	}
	return false
}

// Checkpoint is the entire persisted state of a migration.
type Checkpoint struct {
	Version int   `json:"version"`
	Stage   Stage `json:"stage"`
	// ResumeAt is the reentrancy cursor to reopen the source at. Nil means the
	// start of the stream.
	ResumeAt *entity.Cursor `json:"resume_at_entity"`
	// SourceSiteURL is the source origin discovered from the export, kept so a
	// resume past the discovering entity still knows it.
	SourceSiteURL string `json:"source_site_url,omitempty"`
}

// NewCheckpoint returns the checkpoint of a migration that has not started.
func NewCheckpoint() Checkpoint {
	return Checkpoint{Version: CheckpointVersion, Stage: StageInitial}
}

// Validate checks version and stage.
func (c Checkpoint) Validate() error {
	if c.Version != CheckpointVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrMalformedCheckpoint, c.Version)
	}
	if !c.Stage.Valid() {
		return fmt.Errorf("%w: unknown stage %q", ErrMalformedCheckpoint, c.Stage)
	}
	return nil
}

// Marshal serializes the checkpoint.
func (c Checkpoint) Marshal() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(c)
}

// ParseCheckpoint decodes and validates a serialized checkpoint.
func ParseCheckpoint(data []byte) (Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return Checkpoint{}, fmt.Errorf("%w: %v", ErrMalformedCheckpoint, err)
	}
	if err := c.Validate(); err != nil {
		return Checkpoint{}, err
	}
	return c, nil
}

func cursorEqual(a, b *entity.Cursor) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
