package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"taskboard/api/db"
	"taskboard/api/internal/app"
	"taskboard/api/internal/config"
	"taskboard/api/internal/events"
	"taskboard/api/internal/store"
)

func main() {
	configPath := pflag.String("config", os.Getenv("TASKBOARD_CONFIG"), "path to a YAML config file")
	seed := pflag.Bool("seed", false, "seed a demo board when the database has none")
	pflag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	if err := run(cfg, *seed); err != nil {
		slog.Error("taskboard api stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, seed bool) error {
	ctx := context.Background()

	database, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolOptions())
	if err != nil {
		return err
	}
	defer database.Close()

	var migrations fs.FS = db.Migrations()
	if cfg.MigrationsDir != "" {
		migrations = os.DirFS(cfg.MigrationsDir)
	}
	if err := store.ApplyMigrations(ctx, database, migrations); err != nil {
		return err
	}

	var broker events.Broker
	if strings.TrimSpace(cfg.RedisURL) != "" {
		slog.Info("using redis change feed")
		redisBroker, err := events.NewRedisBroker(cfg.RedisURL, cfg.EventTTL)
		if err != nil {
			return err
		}
		broker = redisBroker
	} else {
		slog.Info("using in-process change feed")
		broker = events.NewMemoryBroker()
	}
	defer broker.Close()

	service, err := app.New(cfg, store.NewPostgresStore(database), broker)
	if err != nil {
		return err
	}
	if seed {
		if err := service.Bootstrap(ctx); err != nil {
			slog.Warn("bootstrap failed, will retry on next restart", "error", err)
		}
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.CORSOrigin).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("taskboard api listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return err
	case <-sigCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	return nil
}
