package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/c360studio/wpmigrate/storage"
)

// Resume loads the stored checkpoint and returns an importer that continues
// from it. Without a stored checkpoint the migration starts fresh. A stored
// checkpoint that cannot be decoded fails with ErrMalformedCheckpoint; the
// caller must reset it to start over.
func Resume(ctx context.Context, opts Options, deps Deps) (*Importer, error) {
	if deps.Store == nil {
		return nil, errors.New("checkpoint store is required")
	}
	cp := NewCheckpoint()
	data, err := deps.Store.Load(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load checkpoint: %w", err)
	default:
		cp, err = ParseCheckpoint(data)
		if err != nil {
			return nil, err
		}
	}

	im, err := New(opts, deps, cp)
	if err != nil {
		return nil, err
	}
	resumeAt := ""
	if cp.ResumeAt != nil {
		resumeAt = string(*cp.ResumeAt)
	}
	im.logger.Info("Migration resumed",
		slog.String("stage", string(cp.Stage)),
		slog.String("resume_at", resumeAt))
	return im, nil
}
