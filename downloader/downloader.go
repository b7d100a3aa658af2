// Package downloader is a bounded, deduplicating queue of HTTP downloads.
//
// Tasks are identified by their (URL, output path) pair. A task is accepted
// only if no identical task is queued or running and the output file does not
// already exist. Up to Concurrency tasks run at once, each on its own
// goroutine; the rest wait in FIFO order. Completions are collected by Poll
// and read back one at a time with NextEvent and Event, so the caller's
// bookkeeping stays on a single goroutine.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// EventType is the outcome of a finished task.
type EventType int

const (
	// Success means the output file was written.
	Success EventType = iota
	// Failure means the task ended without an output file.
	Failure
)

// String returns the lowercase name of the event type.
func (t EventType) String() string {
	switch t {
	case Success:
		return "success"
	case Failure:
		return "failure"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Task is one queued or running download.
type Task struct {
	ResourceID string
	URL        string
	OutputPath string
}

// Event reports a finished task.
type Event struct {
	Type       EventType
	ResourceID string
	URL        string
	OutputPath string
	Bytes      int64
	Err        error
}

// Config controls the downloader.
type Config struct {
	// Concurrency is the maximum number of running downloads.
	Concurrency int
	// Timeout bounds a single download, including reading the body.
	Timeout time.Duration
	// UserAgent is sent with every request.
	UserAgent string
	// MaxContentSize limits a single file in bytes. Zero disables the limit.
	MaxContentSize int64
	// BlockPrivateNetworks refuses loopback, private and link-local targets.
	BlockPrivateNetworks bool
}

// DefaultConfig returns the default downloader configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:          8,
		Timeout:              60 * time.Second,
		UserAgent:            "wpmigrate/1.0",
		MaxContentSize:       256 * 1024 * 1024,
		BlockPrivateNetworks: false,
	}
}

// ErrClosed is reported for tasks cut short by Close.
var ErrClosed = errors.New("downloader closed")

type taskKey struct {
	url    string
	output string
}

type result struct {
	task     Task
	bytes    int64
	err      error
	duration time.Duration
}

// Downloader runs download tasks. Its methods must be called from a single
// goroutine.
type Downloader struct {
	cfg     Config
	client  *http.Client
	logger  *slog.Logger
	metrics *metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	known    map[taskKey]string
	claimed  map[string]string
	waiting  []Task
	inFlight int
	results  chan result

	events  []Event
	current Event
	lastID  string
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// WithHTTPClient replaces the HTTP client built from the config.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Downloader) {
		d.client = c
	}
}

// WithRegisterer registers the downloader metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(d *Downloader) {
		d.metrics = newMetrics(reg)
	}
}

// New creates a downloader.
func New(cfg Config, opts ...Option) *Downloader {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Downloader{
		cfg:     cfg,
		logger:  slog.Default(),
		ctx:     ctx,
		cancel:  cancel,
		known:   make(map[taskKey]string),
		claimed: make(map[string]string),
		results: make(chan result, cfg.Concurrency),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.client == nil {
		d.client = newHTTPClient(cfg)
	}
	if d.metrics == nil {
		d.metrics = newMetrics(nil)
	}
	return d
}

// EnqueueIfNotExists queues a download of url into outputPath. It returns
// false, creating no work, when the same pair is already queued or running,
// when another queued or running task writes to outputPath, or when
// outputPath already exists.
func (d *Downloader) EnqueueIfNotExists(url, outputPath string) bool {
	key := taskKey{url: url, output: outputPath}
	if _, ok := d.known[key]; ok {
		return false
	}
	if owner, ok := d.claimed[outputPath]; ok {
		d.logger.Debug("Output already claimed",
			slog.String("url", url),
			slog.String("output", outputPath),
			slog.String("resource_id", owner))
		return false
	}
	if _, err := os.Stat(outputPath); err == nil {
		return false
	}

	t := Task{ResourceID: uuid.NewString(), URL: url, OutputPath: outputPath}
	d.known[key] = t.ResourceID
	d.claimed[outputPath] = t.ResourceID
	d.lastID = t.ResourceID
	d.waiting = append(d.waiting, t)
	d.metrics.enqueued.Inc()
	d.startWaiting()

	d.logger.Debug("Download enqueued",
		slog.String("resource_id", t.ResourceID),
		slog.String("url", url),
		slog.String("output", outputPath))
	return true
}

// EnqueuedResourceID returns the resource id of the last accepted task.
func (d *Downloader) EnqueuedResourceID() string {
	return d.lastID
}

// HasPendingRequests reports whether any task is waiting or running, or any
// finished task has not been read with NextEvent.
func (d *Downloader) HasPendingRequests() bool {
	return d.inFlight > 0 || len(d.waiting) > 0 || len(d.events) > 0
}

// QueueFull reports whether the concurrency limit is reached.
func (d *Downloader) QueueFull() bool {
	return d.inFlight+len(d.waiting) >= d.cfg.Concurrency
}

// Poll starts waiting tasks and collects finished ones. When tasks are running
// it blocks until at least one finishes or ctx is done. It returns whether any
// task was started or finished.
func (d *Downloader) Poll(ctx context.Context) bool {
	progress := d.startWaiting() > 0
	if d.inFlight == 0 {
		return progress
	}

	select {
	case r := <-d.results:
		d.finish(r)
		progress = true
	case <-ctx.Done():
		return progress
	}

	// Collect whatever else is ready without blocking.
	for {
		select {
		case r := <-d.results:
			d.finish(r)
		default:
			if d.startWaiting() > 0 {
				progress = true
			}
			return progress
		}
	}
}

// NextEvent moves to the next finished task. It returns false when all
// collected events have been read.
func (d *Downloader) NextEvent() bool {
	if len(d.events) == 0 {
		return false
	}
	d.current = d.events[0]
	d.events = d.events[1:]
	return true
}

// Event returns the event selected by the last NextEvent.
func (d *Downloader) Event() Event {
	return d.current
}

// Close cancels running downloads and waits for them to stop. Partial files
// are removed.
func (d *Downloader) Close() error {
	d.cancel()
	d.wg.Wait()
	for {
		select {
		case r := <-d.results:
			d.finish(r)
		default:
			d.waiting = nil
			return nil
		}
	}
}

// startWaiting launches waiting tasks while slots are free and returns how
// many were started.
func (d *Downloader) startWaiting() int {
	started := 0
	for len(d.waiting) > 0 && d.inFlight < d.cfg.Concurrency {
		t := d.waiting[0]
		d.waiting = d.waiting[1:]
		d.inFlight++
		d.metrics.inFlight.Inc()
		started++

		d.wg.Add(1)
		go d.run(t)
	}
	return started
}

func (d *Downloader) run(t Task) {
	defer d.wg.Done()

	start := time.Now()
	ctx := d.ctx
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}
	n, err := d.fetch(ctx, t)
	if err != nil && d.ctx.Err() != nil {
		err = fmt.Errorf("%w: %v", ErrClosed, err)
	}
	// results has room for every running task, so this never blocks.
	d.results <- result{task: t, bytes: n, err: err, duration: time.Since(start)}
}

func (d *Downloader) finish(r result) {
	d.inFlight--
	d.metrics.inFlight.Dec()
	d.metrics.duration.Observe(r.duration.Seconds())
	delete(d.known, taskKey{url: r.task.URL, output: r.task.OutputPath})
	delete(d.claimed, r.task.OutputPath)

	ev := Event{
		ResourceID: r.task.ResourceID,
		URL:        r.task.URL,
		OutputPath: r.task.OutputPath,
		Bytes:      r.bytes,
		Err:        r.err,
	}
	if r.err != nil {
		ev.Type = Failure
		d.logger.Warn("Download failed",
			slog.String("resource_id", r.task.ResourceID),
			slog.String("url", r.task.URL),
			slog.String("error", r.err.Error()))
	} else {
		ev.Type = Success
		d.metrics.bytes.Add(float64(r.bytes))
		d.logger.Debug("Download finished",
			slog.String("resource_id", r.task.ResourceID),
			slog.Int64("bytes", r.bytes))
	}
	d.metrics.completed.WithLabelValues(ev.Type.String()).Inc()
	d.events = append(d.events, ev)
}
