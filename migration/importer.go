// Package migration drives a resumable import of an export stream.
//
// An Importer moves through the stages initial, topological_sort,
// frontload_assets, import_entities and finished. Each call to Advance does
// one bounded unit of work and persists the checkpoint when it changes, so the
// process can stop between any two calls and resume from the stored
// checkpoint.
//
// Frontloading walks the source once, records the term and post hierarchy,
// and downloads every referenced image and attachment. The checkpoint cursor
// only moves past an entity once all downloads it triggered have finished,
// even when later entities finish first. Importing walks the source again,
// rewrites URLs to the downloaded files and the new site, and hands each
// entity to the sink.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/wpmigrate/entity"
	"github.com/c360studio/wpmigrate/markup"
	"github.com/c360studio/wpmigrate/toposort"
)

// FailurePolicy decides what a failed download does to frontloading.
type FailurePolicy string

const (
	// FailureRecord writes the failure to the ledger and lets the entity
	// retire as if the download had succeeded.
	FailureRecord FailurePolicy = "record"
	// FailureBlock writes the failure to the ledger and keeps the entity
	// pending, so frontloading ends with ErrDownloadsFailed and the checkpoint
	// never moves past it.
	FailureBlock FailurePolicy = "block"
)

// Valid reports whether p is a known policy.
func (p FailurePolicy) Valid() bool {
	return p == FailureRecord || p == FailureBlock
}

// homeOption is the site option that names the source site URL.
const homeOption = "home"

// Options configures URL handling.
type Options struct {
	// UploadsPath is the local directory downloads are written to.
	UploadsPath string
	// UploadsURL is the public base URL of UploadsPath after migration.
	UploadsURL string
	// NewSiteURL is the origin same-site links are moved to.
	NewSiteURL string
	// SourceSiteURL is the origin of the exported site. When empty it is
	// taken from the "home" site option in the export.
	SourceSiteURL string
	// FailurePolicy defaults to FailureRecord.
	FailurePolicy FailurePolicy
	// Exclude lists doublestar patterns matched against asset URL paths
	// (without the leading slash). Matching assets are not downloaded.
	Exclude []string
}

// Deps are the collaborators of an Importer.
type Deps struct {
	OpenSource    SourceOpener
	NewDownloader func() Downloader
	Sink          Sink
	// Ledger is optional.
	Ledger FailureLedger
	Store  CheckpointStore
	Logger *slog.Logger
}

type frontloadState struct {
	source  Source
	sorter  *toposort.Sorter
	dl      Downloader
	active  *ActiveDownloads
	blocked map[string]bool
}

// Importer runs one migration.
type Importer struct {
	opts   Options
	deps   Deps
	logger *slog.Logger
	policy *urlPolicy
	now    func() time.Time

	// sourcePinned is set when the source site URL was configured and must
	// not be replaced by the one in the export.
	sourcePinned bool

	cp    Checkpoint
	saved *Checkpoint

	fl     *frontloadState
	source Source
	order  toposort.Order
}

// New creates an importer that continues from cp.
func New(opts Options, deps Deps, cp Checkpoint) (*Importer, error) {
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	if deps.OpenSource == nil || deps.NewDownloader == nil || deps.Sink == nil || deps.Store == nil {
		return nil, errors.New("source opener, downloader factory, sink and checkpoint store are required")
	}
	if opts.FailurePolicy == "" {
		opts.FailurePolicy = FailureRecord
	}
	if !opts.FailurePolicy.Valid() {
		return nil, fmt.Errorf("unknown failure policy %q", opts.FailurePolicy)
	}
	pinned := opts.SourceSiteURL != ""
	if !pinned {
		opts.SourceSiteURL = cp.SourceSiteURL
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	saved := cp
	return &Importer{
		opts:   opts,
		deps:   deps,
		logger: logger,
		policy: newURLPolicy(opts),
		now:    time.Now,
		cp:     cp,
		saved:  &saved,

		sourcePinned: pinned,
	}, nil
}

// Checkpoint returns the current checkpoint.
func (im *Importer) Checkpoint() Checkpoint {
	return im.cp
}

// Finished reports whether the migration is complete.
func (im *Importer) Finished() bool {
	return im.cp.Stage == StageFinished
}

// Order returns the hierarchy computed at the end of frontloading. It is
// empty until then and after a resume into the import stage.
func (im *Importer) Order() toposort.Order {
	return im.order
}

// Advance performs one unit of work. It returns true when work was done and
// false when the current stage ran out of work, which includes the finished
// state.
func (im *Importer) Advance(ctx context.Context) (bool, error) {
	switch im.cp.Stage {
	case StageInitial:
		return true, im.transition(ctx, StageTopologicalSort)
	case StageTopologicalSort:
		// The hierarchy is collected while frontloading.
		return true, im.transition(ctx, StageFrontloadAssets)
	case StageFrontloadAssets:
		return im.frontloadStep(ctx)
	case StageImportEntities:
		return im.importStep(ctx)
	case StageFinished:
		return false, nil
	default:
		return false, fmt.Errorf("%w: unknown stage %q", ErrMalformedCheckpoint, im.cp.Stage)
	}
}

// Run advances until the migration finishes, ctx is done or a step fails.
func (im *Importer) Run(ctx context.Context) error {
	for !im.Finished() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := im.Advance(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the open source and downloader. The checkpoint stays as
// last saved.
func (im *Importer) Close() error {
	var errs []error
	if im.fl != nil {
		errs = append(errs, im.releaseFrontload())
	}
	if im.source != nil {
		errs = append(errs, im.source.Close())
		im.source = nil
	}
	return errors.Join(errs...)
}

func (im *Importer) transition(ctx context.Context, next Stage) error {
	im.logger.Info("Migration stage changed",
		slog.String("from", string(im.cp.Stage)),
		slog.String("to", string(next)))
	im.cp.Stage = next
	im.cp.ResumeAt = nil
	return im.save(ctx)
}

// save persists the checkpoint if it differs from the last saved one.
func (im *Importer) save(ctx context.Context) error {
	if im.saved != nil && im.saved.Stage == im.cp.Stage &&
		cursorEqual(im.saved.ResumeAt, im.cp.ResumeAt) &&
		im.saved.SourceSiteURL == im.cp.SourceSiteURL {
		return nil
	}
	data, err := im.cp.Marshal()
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := im.deps.Store.Save(ctx, data); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	saved := im.cp
	if im.cp.ResumeAt != nil {
		c := *im.cp.ResumeAt
		saved.ResumeAt = &c
	}
	im.saved = &saved
	return nil
}

func (im *Importer) setResumeAt(c entity.Cursor) {
	im.cp.ResumeAt = &c
}

// captureSource records the source site URL from a "home" site option.
func (im *Importer) captureSource(e *entity.Entity) {
	if e.Type != entity.TypeSiteOption || e.Get(entity.FieldOptionName) != homeOption {
		return
	}
	if im.sourcePinned {
		return
	}
	value := e.Get(entity.FieldOptionValue)
	if im.policy.setSource(value) {
		im.cp.SourceSiteURL = im.policy.sourceURL()
		im.logger.Info("Source site discovered", slog.String("url", im.cp.SourceSiteURL))
	}
}

// Frontloading

func (im *Importer) frontloadStep(ctx context.Context) (bool, error) {
	if im.fl == nil {
		src, err := im.deps.OpenSource(ctx, im.cp.ResumeAt)
		if err != nil {
			return false, fmt.Errorf("open source: %w", err)
		}
		im.fl = &frontloadState{
			source:  src,
			sorter:  toposort.New(),
			dl:      im.deps.NewDownloader(),
			active:  NewActiveDownloads(),
			blocked: make(map[string]bool),
		}
	}
	fl := im.fl

	if err := im.settleDownloads(ctx); err != nil {
		return false, err
	}

	if !fl.source.Valid() && !fl.dl.HasPendingRequests() {
		return false, im.finishFrontload(ctx)
	}

	if fl.dl.QueueFull() || !fl.source.Valid() {
		fl.dl.Poll(ctx)
		return true, im.settleDownloads(ctx)
	}

	e := fl.source.Current()
	ids := im.frontloadEntity(e)
	fl.active.Add(fl.source.ReentrancyCursor(), ids...)
	if err := fl.source.Next(ctx); err != nil {
		return false, fmt.Errorf("advance source: %w", err)
	}
	return true, im.settleDownloads(ctx)
}

func (im *Importer) frontloadEntity(e *entity.Entity) []string {
	fl := im.fl
	switch e.Type {
	case entity.TypeTerm:
		fl.sorter.MapTerm(fl.source.Upstream(), e.Data)
	case entity.TypeSiteOption:
		im.captureSource(e)
	case entity.TypePost:
		fl.sorter.MapPost(fl.source.Upstream(), e.Data)
		return im.enqueueAssets(e)
	}
	return nil
}

// enqueueAssets queues the attachment file of an attachment, or every
// source-site image of any other post.
func (im *Importer) enqueueAssets(e *entity.Entity) []string {
	base := im.policy.entityBase(e)
	var ids []string
	enqueue := func(raw string, resolved string) {
		if im.fl.dl.EnqueueIfNotExists(resolved, im.policy.assetPath(raw)) {
			ids = append(ids, im.fl.dl.EnqueuedResourceID())
		}
	}

	if e.IsAttachment() {
		raw := e.Get(entity.FieldAttachmentURL)
		if raw == "" {
			return nil
		}
		if u, ok := resolve(raw, base); ok && im.policy.isAssetCandidate(u) {
			enqueue(raw, u.String())
		}
		return ids
	}

	proc := markup.New(e.Get(entity.FieldPostContent), base)
	for proc.Next() {
		occ := proc.Occurrence()
		if occ.IsImageSource() && im.policy.isAssetCandidate(occ.URL) {
			enqueue(occ.Raw, occ.URL.String())
		}
	}
	return ids
}

// settleDownloads drains finished downloads, then moves the checkpoint to the
// newest entity that no longer waits on anything older.
func (im *Importer) settleDownloads(ctx context.Context) error {
	fl := im.fl
	for fl.dl.NextEvent() {
		ev := fl.dl.Event()
		owner, _ := fl.active.Owner(ev.ResourceID)
		if ev.Err == nil {
			fl.active.Remove(ev.ResourceID)
			continue
		}
		// The event is consumed, so the policy applies even when the
		// ledger write fails.
		err := im.recordFailure(ctx, owner, ev.ResourceID, ev.URL, ev.OutputPath, ev.Err)
		if im.opts.FailurePolicy == FailureBlock {
			fl.blocked[ev.ResourceID] = true
		} else {
			fl.active.Remove(ev.ResourceID)
		}
		if err != nil {
			return err
		}
	}

	moved := false
	for {
		c, ok := fl.active.PopOldest()
		if !ok {
			break
		}
		im.setResumeAt(c)
		moved = true
	}
	if moved || im.saved.SourceSiteURL != im.cp.SourceSiteURL {
		return im.save(ctx)
	}
	return nil
}

func (im *Importer) recordFailure(ctx context.Context, owner entity.Cursor, id, url, out string, cause error) error {
	im.logger.Warn("Asset download failed",
		slog.String("entity", string(owner)),
		slog.String("url", url),
		slog.String("error", cause.Error()))
	if im.deps.Ledger == nil {
		return nil
	}
	err := im.deps.Ledger.RecordFailure(ctx, DownloadFailure{
		EntityCursor: owner,
		ResourceID:   id,
		URL:          url,
		OutputPath:   out,
		Error:        cause.Error(),
		At:           im.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("record download failure: %w", err)
	}
	return nil
}

func (im *Importer) finishFrontload(ctx context.Context) error {
	fl := im.fl
	if fl.active.Len() > 0 {
		if len(fl.blocked) > 0 {
			return fmt.Errorf("%w: %d downloads failed", ErrDownloadsFailed, len(fl.blocked))
		}
		return fmt.Errorf("%w: %d entities, %d downloads", ErrInconsistentIndex, fl.active.Len(), fl.active.Pending())
	}

	order, err := fl.sorter.Sort()
	if err != nil {
		return fmt.Errorf("sort entities: %w", err)
	}
	im.order = order
	terms, posts := fl.sorter.Len()
	im.logger.Info("Frontloading finished",
		slog.Int("terms", terms),
		slog.Int("posts", posts))

	if err := im.releaseFrontload(); err != nil {
		return err
	}
	return im.transition(ctx, StageImportEntities)
}

func (im *Importer) releaseFrontload() error {
	fl := im.fl
	im.fl = nil
	return errors.Join(fl.source.Close(), fl.dl.Close())
}

// Import

func (im *Importer) importStep(ctx context.Context) (bool, error) {
	if im.source == nil {
		src, err := im.deps.OpenSource(ctx, im.cp.ResumeAt)
		if err != nil {
			return false, fmt.Errorf("open source: %w", err)
		}
		im.source = src
	}

	if !im.source.Valid() {
		err := im.source.Close()
		im.source = nil
		if err != nil {
			return false, fmt.Errorf("close source: %w", err)
		}
		return false, im.transition(ctx, StageFinished)
	}

	e := im.source.Current()
	e.Upstream = im.source.Upstream()
	e.Cursor = im.source.ReentrancyCursor()
	var assets assetSet
	switch e.Type {
	case entity.TypeSiteOption:
		im.captureSource(e)
	case entity.TypePost:
		im.rewritePost(e, &assets)
	}

	id, err := im.deps.Sink.ImportEntity(ctx, e)
	if err != nil {
		return false, fmt.Errorf("import %s %s: %w", e.Type, im.source.Upstream(), err)
	}
	for _, path := range assets.paths {
		if err := im.deps.Sink.ImportAttachment(ctx, path, id); err != nil {
			return false, fmt.Errorf("import attachment %s: %w", path, err)
		}
	}

	im.setResumeAt(im.source.ReentrancyCursor())
	if err := im.save(ctx); err != nil {
		return false, err
	}
	if err := im.source.Next(ctx); err != nil {
		return false, fmt.Errorf("advance source: %w", err)
	}
	return true, nil
}

func (im *Importer) rewritePost(e *entity.Entity, assets *assetSet) {
	data := e.Data
	if data == nil {
		return
	}
	base := im.policy.entityBase(e)

	attachmentURL := e.Get(entity.FieldAttachmentURL)
	if e.IsAttachment() && attachmentURL != "" {
		if v, ok := im.policy.rewriteAsset(attachmentURL, base, assets); ok {
			data.Set(entity.FieldAttachmentURL, v)
		}
	}

	if guid, ok := data.Get(entity.FieldGUID); ok {
		if e.IsAttachment() && guid == attachmentURL {
			if v, ok := im.policy.rewriteAsset(guid, base, assets); ok {
				data.Set(entity.FieldGUID, v)
			}
		} else {
			data.Set(entity.FieldGUID, im.policy.rewriteText(guid))
		}
	}

	for _, field := range []string{entity.FieldPostContent, entity.FieldPostExcerpt} {
		if v, ok := data.Get(field); ok && v != "" {
			data.Set(field, im.policy.rewriteMarkup(v, base, assets))
		}
	}
}
