// Package main is the entry point for the jsonview server: the persistence
// worker, checkpoint store, link codec and HTTP API behind the JSON
// inspection front-end.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/jsonview/checkpoint"
	"github.com/hazyhaar/jsonview/dbopen"
	"github.com/hazyhaar/jsonview/engine"
	"github.com/hazyhaar/jsonview/httpapi"
	"github.com/hazyhaar/jsonview/linkcodec"
	"github.com/hazyhaar/jsonview/workerrpc"
)

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "jsonview: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to YAML config file (optional)")
	flag.Parse()
	if len(flag.Args()) > 0 {
		return fmt.Errorf("unknown arguments: %v", flag.Args())
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence worker: the backend owns the SQLite handle, everything else
	// reaches it through the RPC client.
	worker := workerrpc.NewWorker(workerrpc.WithLogger(logger))
	backend := engine.NewBackend(cfg.DBPath,
		engine.WithBackendLogger(logger),
		engine.WithOpenOptions(dbopen.WithMkdirAll()))
	backend.Register(worker)
	linkcodec.RegisterHandlers(worker)
	client := workerrpc.Start(ctx, worker)
	defer backend.Close()

	eng := engine.New(client, checkpoint.Migrations(), engine.WithLogger(logger))
	store := checkpoint.New(eng, checkpoint.WithLogger(logger))
	codec := linkcodec.New(client, linkcodec.WithLogger(logger))

	// Open the database and run migrations up front so a broken schema fails
	// the boot instead of the first request.
	if err := eng.Init(ctx); err != nil {
		return fmt.Errorf("init persistence: %w", err)
	}

	apiOpts := []httpapi.Option{httpapi.WithLogger(logger)}
	if cfg.AuthPassword != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(cfg.AuthPassword), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash auth password: %w", err)
		}
		apiOpts = append(apiOpts, httpapi.WithBasicAuth(hash))
	}
	api := httpapi.New(store, codec, apiOpts...)

	if cfg.RetentionDays > 0 {
		go retentionLoop(ctx, store, time.Duration(cfg.RetentionDays)*24*time.Hour, logger)
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}()

	logger.Info("jsonview listening", "addr", cfg.Listen, "db", cfg.DBPath, "auth", cfg.AuthPassword != "")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

func newLogger(cfg *Config) *slog.Logger {
	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	format := cfg.LogFormat
	if format == "" || format == "auto" {
		if isatty.IsTerminal(os.Stderr.Fd()) {
			format = "text"
		} else {
			format = "json"
		}
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: time.TimeOnly,
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	}))
}

// retentionLoop prunes old checkpoints once an hour. The store never deletes
// the most recent checkpoint regardless of age.
func retentionLoop(ctx context.Context, store *checkpoint.Store, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		if _, err := store.Cleanup(ctx, retention); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("retention cleanup", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
