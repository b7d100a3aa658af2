package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/c360studio/wpmigrate/config"
	"github.com/c360studio/wpmigrate/downloader"
	"github.com/c360studio/wpmigrate/migration"
	"github.com/c360studio/wpmigrate/sink"
	"github.com/c360studio/wpmigrate/storage"
	"github.com/c360studio/wpmigrate/wxr"
)

// checkpointStore is a migration.CheckpointStore that can also be reset.
type checkpointStore interface {
	migration.CheckpointStore
	Delete(ctx context.Context) error
}

// App wires the configured backends together.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// Checkpoint backends
	natsConn *nats.Conn
	redis    *redis.Client
	store    checkpointStore

	// Sink backends
	pool     *pgxpool.Pool
	sink     migration.Sink
	ledger   migration.FailureLedger
	jsonl    []*sink.JSONLSink
	registry *prometheus.Registry
	metrics  *http.Server

	// downloaderRegistered is set once a downloader registered its metrics.
	downloaderRegistered bool
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &App{cfg: cfg, logger: logger, registry: reg}
}

// OpenStore connects the configured checkpoint backend.
func (a *App) OpenStore(ctx context.Context) error {
	cp := a.cfg.Checkpoint
	switch cp.Backend {
	case config.BackendFile:
		a.store = storage.NewFileStore(cp.Path)
	case config.BackendNATS:
		a.logger.Info("Connecting to NATS", slog.String("url", cp.NATSURL))
		conn, err := nats.Connect(cp.NATSURL, nats.Name("wpmigrate"))
		if err != nil {
			return wrapNATSError(err, cp.NATSURL)
		}
		a.natsConn = conn
		js, err := jetstream.New(conn)
		if err != nil {
			return fmt.Errorf("create JetStream context: %w", err)
		}
		store, err := storage.NewKVStore(ctx, js, cp.Bucket, cp.Key)
		if err != nil {
			return err
		}
		a.store = store
	case config.BackendRedis:
		a.redis = redis.NewClient(&redis.Options{Addr: cp.RedisAddr, DB: cp.RedisDB})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", cp.RedisAddr, err)
		}
		a.store = storage.NewRedisStore(a.redis, cp.Key)
	default:
		return fmt.Errorf("unknown checkpoint backend %q", cp.Backend)
	}
	a.logger.Debug("Checkpoint store ready", slog.String("backend", cp.Backend))
	return nil
}

// OpenSink opens the configured sink and failure ledger.
func (a *App) OpenSink(ctx context.Context) error {
	sc := a.cfg.Sink
	switch sc.Backend {
	case config.SinkJSONL:
		s, err := sink.OpenJSONL(sc.Path)
		if err != nil {
			return err
		}
		a.jsonl = append(a.jsonl, s)
		a.sink, a.ledger = s, s
	case config.SinkPostgres:
		pool, err := sink.ConnectPostgres(ctx, sc.PostgresURL)
		if err != nil {
			return err
		}
		a.pool = pool
		s := sink.NewPostgresSink(pool)
		if err := s.EnsureSchema(ctx); err != nil {
			return err
		}
		a.sink, a.ledger = s, s
	default:
		return fmt.Errorf("unknown sink backend %q", sc.Backend)
	}

	if sc.FailuresPath != "" {
		ledger, err := sink.OpenJSONL(sc.FailuresPath)
		if err != nil {
			return err
		}
		a.jsonl = append(a.jsonl, ledger)
		a.ledger = ledger
	}
	a.logger.Debug("Sink ready", slog.String("backend", sc.Backend))
	return nil
}

// StartMetrics serves /metrics when metrics.addr is set.
func (a *App) StartMetrics() error {
	if a.cfg.Metrics.Addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", a.cfg.Metrics.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.cfg.Metrics.Addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	a.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := a.metrics.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server failed", slog.String("error", err.Error()))
		}
	}()
	a.logger.Info("Serving metrics", slog.String("addr", ln.Addr().String()))
	return nil
}

// newDownloader builds a downloader from the config. Only the first one
// registers its collectors.
func (a *App) newDownloader() migration.Downloader {
	dc := a.cfg.Downloader
	cfg := downloader.Config{
		Concurrency:          dc.Concurrency,
		Timeout:              dc.Timeout,
		UserAgent:            dc.UserAgent,
		MaxContentSize:       dc.MaxContentSize,
		BlockPrivateNetworks: !dc.AllowPrivateNetworks,
	}
	opts := []downloader.Option{downloader.WithLogger(a.logger)}
	if !a.downloaderRegistered {
		opts = append(opts, downloader.WithRegisterer(a.registry))
		a.downloaderRegistered = true
	}
	return downloader.New(cfg, opts...)
}

// Importer resumes the migration of the export at exportPath.
func (a *App) Importer(ctx context.Context, exportPath string) (*migration.Importer, error) {
	if a.store == nil || a.sink == nil {
		return nil, errors.New("checkpoint store and sink must be opened first")
	}
	opts := migration.Options{
		UploadsPath:   a.cfg.Site.UploadsPath,
		UploadsURL:    a.cfg.Site.UploadsURL,
		NewSiteURL:    a.cfg.Site.NewSiteURL,
		SourceSiteURL: a.cfg.Site.SourceSiteURL,
		FailurePolicy: migration.FailurePolicy(a.cfg.Migration.FailurePolicy),
		Exclude:       a.cfg.Downloader.Exclude,
	}
	deps := migration.Deps{
		OpenSource:    wxr.Opener(exportPath),
		NewDownloader: a.newDownloader,
		Sink:          a.sink,
		Ledger:        a.ledger,
		Store:         a.store,
		Logger:        a.logger,
	}
	return migration.Resume(ctx, opts, deps)
}

// Shutdown closes every opened backend.
func (a *App) Shutdown(timeout time.Duration) error {
	var errs []error
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		errs = append(errs, a.metrics.Shutdown(ctx))
		cancel()
	}
	for _, s := range a.jsonl {
		errs = append(errs, s.Close())
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.natsConn != nil {
		if err := a.natsConn.Drain(); err != nil {
			a.natsConn.Close()
		}
	}
	return errors.Join(errs...)
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

To start NATS:
  docker compose up -d nats

Or set WPMIGRATE_NATS_URL to point to your NATS server.`, err, url)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}
