package migration

import "errors"

// Migration errors.
var (
	// ErrMalformedCheckpoint is returned when a stored checkpoint cannot be
	// decoded. The migration cannot resume from it.
	ErrMalformedCheckpoint = errors.New("malformed checkpoint")

	// ErrInconsistentIndex is returned when the source and the downloader are
	// both done but entities are still waiting for downloads.
	ErrInconsistentIndex = errors.New("active downloads index not empty after frontloading")

	// ErrDownloadsFailed is returned at the end of frontloading when the block
	// failure policy holds failed downloads.
	ErrDownloadsFailed = errors.New("asset downloads failed")
)
