// fabled is the audiobook download daemon: it opens one book's manifest,
// reconciles persisted download state against the filesystem, and serves the
// HTTP API for host applications.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	v1 "github.com/tinoosan/fable/api/v1"
	"github.com/tinoosan/fable/internal/config"
	"github.com/tinoosan/fable/internal/data"
	"github.com/tinoosan/fable/internal/drm"
	"github.com/tinoosan/fable/internal/manifest"
	"github.com/tinoosan/fable/internal/metrics"
	"github.com/tinoosan/fable/internal/position"
	"github.com/tinoosan/fable/internal/router"
	"github.com/tinoosan/fable/internal/service"
	"github.com/tinoosan/fable/internal/store"
	"github.com/tinoosan/fable/internal/tasks"
	"github.com/tinoosan/fable/internal/toc"
	"github.com/tinoosan/fable/internal/watchdog"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "fabled",
		Short:         "Audiobook download and position-tracking daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (default config.yaml)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fabled:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log)
	metrics.Register()

	if err := os.MkdirAll(cfg.Library.StateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := os.MkdirAll(cfg.Library.AudioDir, 0o755); err != nil {
		return fmt.Errorf("create audio dir: %w", err)
	}

	m, tracks, err := openBook(cfg.Library.ManifestPath)
	if err != nil {
		return err
	}
	bookID := m.Metadata.Identifier
	contents, err := toc.New(m, tracks)
	if err != nil {
		return fmt.Errorf("build table of contents: %w", err)
	}
	logger.Info("book opened", "book", bookID, "title", m.Metadata.Title,
		"tracks", len(tracks), "chapters", len(contents.Chapters))

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	recoveries, err := st.ValidateAndRecoverDownloads(ctx, bookID)
	if err != nil {
		return fmt.Errorf("recover downloads: %w", err)
	}
	for _, rec := range recoveries {
		logger.Info("recovered download state", "track", rec.TrackKey,
			"kind", string(rec.Kind), "bytes_on_disk", rec.BytesOnDisk)
	}

	factory := tasks.NewFactory(bookID, cfg.Library.AudioDir, st, drm.Passthrough{}, nil, logger)
	svc := service.New(logger, tracks, factory)
	defer svc.Close()

	wd := watchdog.New(watchdog.Config{
		StallTimeout:  cfg.Watchdog.StallTimeout,
		MaxRetries:    cfg.Watchdog.MaxRetries,
		RetryDelay:    cfg.Watchdog.RetryDelay,
		CheckInterval: cfg.Watchdog.CheckInterval,
	}, logger)
	defer wd.Close()

	journal := position.NewTracker(filepath.Join(cfg.Library.StateDir, "position.json"), tracks, logger)
	if pos, err := journal.Load(); err != nil {
		logger.Warn("restore position", "err", err)
	} else if pos != nil {
		logger.Info("position restored", "track", pos.Track.Key, "timestamp", pos.Timestamp)
	}

	hub := v1.NewHub(logger)
	go dispatch(svc, wd, hub)
	go relayWatchdog(wd, hub, logger)

	handler := v1.NewBookHandler(logger, bookID, tracks, svc, st, journal, contents, hub)
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router.New(logger, cfg.Server.Token, handler),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("fabled listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutCtx); err != nil {
		logger.Warn("server shutdown", "err", err)
	}
	if err := journal.SaveNow(); err != nil {
		logger.Warn("save position", "err", err)
	}
	if err := st.Flush(shutCtx); err != nil {
		logger.Warn("flush store", "err", err)
	}
	return nil
}

// dispatch fans orchestrator events out to websocket clients and keeps the
// watchdog's view of each transfer current.
func dispatch(svc *service.Service, wd *watchdog.Watchdog, hub *v1.Hub) {
	for e := range svc.Events() {
		hub.Broadcast(e)
		switch e.Type {
		case service.EventTrackPending:
			if task, ok := svc.Task(e.TrackKey); ok {
				wd.Watch(task)
			}
		case service.EventProgress:
			wd.Observe(e.TrackKey, e.Fraction)
		case service.EventCompleted, service.EventDeleted, service.EventError:
			wd.Remove(e.TrackKey)
		}
	}
}

func relayWatchdog(wd *watchdog.Watchdog, hub *v1.Hub, logger *slog.Logger) {
	for e := range wd.Events() {
		hub.Broadcast(e)
		if e.Type == watchdog.EventFailed {
			logger.Warn("transfer failed after retries", "track", e.TrackKey, "retries", e.Retries)
		}
	}
}

func openBook(path string) (*manifest.Manifest, data.Tracks, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()
	m, err := manifest.Decode(f)
	if err != nil {
		return nil, nil, fmt.Errorf("parse manifest: %w", err)
	}
	tracks, err := m.Tracks()
	if err != nil {
		return nil, nil, fmt.Errorf("build tracks: %w", err)
	}
	return m, tracks, nil
}

func openStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case "postgres":
		return store.NewPostgresStoreFromEnv()
	default:
		tokenDir := filepath.Join(cfg.Library.StateDir, "tokens")
		return store.NewSQLiteStore(cfg.Store.SQLitePath, tokenDir, logger)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var w io.Writer = &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
	}
	if cfg.IncludeStdout {
		w = io.MultiWriter(w, os.Stdout)
	}
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}
