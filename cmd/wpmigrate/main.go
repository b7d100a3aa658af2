// Package main provides the wpmigrate binary entry point.
// Wpmigrate moves a WordPress site from a WXR export into a new store,
// downloading its media and rewriting links, and can be stopped and resumed
// at any point.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/wpmigrate/config"
	"github.com/c360studio/wpmigrate/migration"
	"github.com/c360studio/wpmigrate/storage"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "wpmigrate"

	shutdownTimeout = 10 * time.Second
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
	logger     *slog.Logger
}

func rootCmd() *cobra.Command {
	g := &globalFlags{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Resumable WordPress site migration",
		Long: `Wpmigrate imports a WordPress export (WXR) into a new store.

It runs in stages:
- reads the export and records the term and page hierarchy
- downloads every referenced image and attachment from the old site
- rewrites links to the new site and imports each entity

Progress is checkpointed after every step, so an interrupted run
continues where it stopped.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), g.logLevel, g.logFormat)
			if err != nil {
				return err
			}
			g.logger = logger
			slog.SetDefault(logger)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&g.logFormat, "log-format", "text", "Log format (text, json)")

	cmd.AddCommand(runCmd(g), statusCmd(g), resetCmd(g))

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info", "":
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

func loadConfig(g *globalFlags) (*config.Config, error) {
	cfg, err := config.NewLoader(g.logger).Load(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func runCmd(g *globalFlags) *cobra.Command {
	var (
		maxSteps    int
		maxDuration time.Duration
		fresh       bool
	)

	cmd := &cobra.Command{
		Use:   "run <export.xml>",
		Short: "Start or resume the migration of an export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			if err := cfg.ValidateRun(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return runMigration(ctx, cmd.OutOrStdout(), cfg, g.logger, args[0], runLimits{
				maxSteps:    maxSteps,
				maxDuration: maxDuration,
				fresh:       fresh,
			})
		},
	}

	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "Stop after this many steps (0 = no limit)")
	cmd.Flags().DurationVar(&maxDuration, "max-duration", 0, "Stop after this long (0 = no limit)")
	cmd.Flags().BoolVar(&fresh, "fresh", false, "Discard the stored checkpoint and start over")

	return cmd
}

type runLimits struct {
	maxSteps    int
	maxDuration time.Duration
	fresh       bool
}

func runMigration(ctx context.Context, out io.Writer, cfg *config.Config, logger *slog.Logger, exportPath string, limits runLimits) (err error) {
	if _, statErr := os.Stat(exportPath); statErr != nil {
		return fmt.Errorf("stat export: %w", statErr)
	}

	app := NewApp(cfg, logger)
	defer func() {
		err = errors.Join(err, app.Shutdown(shutdownTimeout))
	}()

	if err := app.OpenStore(ctx); err != nil {
		return err
	}
	if limits.fresh {
		if err := app.store.Delete(ctx); err != nil {
			return fmt.Errorf("reset checkpoint: %w", err)
		}
		logger.Info("Checkpoint reset")
	}
	if err := app.OpenSink(ctx); err != nil {
		return err
	}
	if err := app.StartMetrics(); err != nil {
		return err
	}

	im, err := app.Importer(ctx, exportPath)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, im.Close())
	}()

	start := time.Now()
	steps := 0
	for !im.Finished() {
		if limits.maxSteps > 0 && steps >= limits.maxSteps {
			logger.Info("Step limit reached", slog.Int("steps", steps))
			break
		}
		if limits.maxDuration > 0 && time.Since(start) >= limits.maxDuration {
			logger.Info("Time limit reached", slog.Duration("elapsed", time.Since(start)))
			break
		}
		if ctx.Err() != nil {
			break
		}
		if _, err := im.Advance(ctx); err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				break
			}
			return err
		}
		steps++
	}

	if ctx.Err() != nil {
		logger.Info("Interrupted, run again to resume", slog.Int("steps", steps))
	}
	cp := im.Checkpoint()
	if im.Finished() {
		logger.Info("Migration finished",
			slog.Int("steps", steps),
			slog.Duration("elapsed", time.Since(start)))
	}
	return printCheckpoint(out, cp)
}

func printCheckpoint(out io.Writer, cp migration.Checkpoint) error {
	resumeAt := "-"
	if cp.ResumeAt != nil {
		resumeAt = string(*cp.ResumeAt)
	}
	source := cp.SourceSiteURL
	if source == "" {
		source = "-"
	}
	_, err := fmt.Fprintf(out, "stage: %s\nresume_at: %s\nsource_site_url: %s\n", cp.Stage, resumeAt, source)
	return err
}

func statusCmd(g *globalFlags) *cobra.Command {
	var (
		follow bool
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the stored checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			show := func(data []byte) error {
				cp, err := migration.ParseCheckpoint(data)
				if err != nil {
					return err
				}
				if asJSON {
					return json.NewEncoder(out).Encode(cp)
				}
				return printCheckpoint(out, cp)
			}

			if follow {
				if cfg.Checkpoint.Backend != config.BackendFile {
					return fmt.Errorf("--follow needs the file checkpoint backend, got %q", cfg.Checkpoint.Backend)
				}
				ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer cancel()
				return followCheckpoint(ctx, cfg.Checkpoint.Path, g.logger, out, show)
			}

			app := NewApp(cfg, g.logger)
			defer func() {
				err = errors.Join(err, app.Shutdown(shutdownTimeout))
			}()
			if err := app.OpenStore(cmd.Context()); err != nil {
				return err
			}
			data, err := app.store.Load(cmd.Context())
			if errors.Is(err, storage.ErrNotFound) {
				_, err = fmt.Fprintln(out, "no checkpoint stored")
				return err
			}
			if err != nil {
				return err
			}
			return show(data)
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing the checkpoint as it changes (file backend)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the checkpoint as JSON")

	return cmd
}

// followCheckpoint prints the checkpoint file every time it changes until ctx
// is done.
func followCheckpoint(ctx context.Context, path string, logger *slog.Logger, out io.Writer, show func([]byte) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create checkpoint directory: %w", err)
	}
	err := storage.WatchFile(ctx, path, storage.DefaultDebounce, logger, func(data []byte) {
		if len(data) == 0 {
			fmt.Fprintln(out, "no checkpoint stored")
			return
		}
		if err := show(data); err != nil {
			logger.Warn("Unreadable checkpoint", slog.String("path", path), slog.String("error", err.Error()))
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func resetCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Delete the stored checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			app := NewApp(cfg, g.logger)
			defer func() {
				err = errors.Join(err, app.Shutdown(shutdownTimeout))
			}()
			if err := app.OpenStore(cmd.Context()); err != nil {
				return err
			}
			if err := app.store.Delete(cmd.Context()); err != nil {
				return fmt.Errorf("reset checkpoint: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "checkpoint reset")
			return err
		},
	}
}
