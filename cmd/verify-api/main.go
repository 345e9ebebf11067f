package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"podverify/internal/server"
)

func main() {
	configPath := flag.String("config", "", "Path to server config YAML/JSON")
	listen := flag.String("listen", "", "Optional listen address override")
	stateFile := flag.String("state-file", "", "JSON snapshot path for the in-memory store (used when no database DSN is configured)")
	seedUser := flag.Bool("seed-user", false, "Create/update operator account and exit")
	username := flag.String("username", "", "Username for seed-user")
	password := flag.String("password", "", "Password for seed-user")
	role := flag.String("role", "admin", "Role for seed-user (admin|user)")
	flag.Parse()

	cfg, err := server.LoadServerConfig(*configPath)
	if err != nil {
		fatal("load config failed", err)
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, pool, err := openStore(rootCtx, cfg, *stateFile)
	if err != nil {
		fatal("open store failed", err)
	}
	if pool != nil {
		defer pool.Close()
	}

	if *seedUser {
		if pool == nil {
			fatal("seed-user requires a database DSN", errors.New("no database configured"))
		}
		if *username == "" || *password == "" {
			fatal("seed-user requires -username and -password", errors.New("missing flags"))
		}
		if err := server.SeedUser(rootCtx, pool, store, *username, *password, *role); err != nil {
			fatal("seed user failed", err)
		}
		slog.Info("operator seeded", "username", *username, "role", *role)
		return
	}

	obs, err := server.SetupObservability(rootCtx, cfg.Observer)
	if err != nil {
		fatal("setup observability failed", err)
	}

	auth := server.NewAuth(pool, store, cfg)
	runner := server.NewRunManager(cfg, store, obs)
	api := server.NewAPI(auth, store, runner, obs)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	httpDrained := make(chan struct{})
	go func() {
		defer close(httpDrained)
		<-rootCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	slog.Info("verify API listening",
		"listen", cfg.ListenAddr,
		"targets", len(cfg.Targets),
		"postgres", pool != nil,
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fatal("server failed", err)
	}

	// Handlers may still be enqueueing runs until Shutdown returns, so the
	// run workers stop only after the HTTP side has drained.
	<-httpDrained
	runner.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = obs.Shutdown(shutdownCtx)
}

// openStore connects Postgres when a DSN is configured, running migrations
// on the way up; without one it falls back to the snapshot-backed memory
// store for single-node deployments.
func openStore(ctx context.Context, cfg server.ServerConfig, stateFile string) (server.Store, *pgxpool.Pool, error) {
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		slog.Warn("no database configured; run history kept in memory", "state_file", stateFile)
		store, err := server.NewMemoryFileStore(stateFile)
		return store, nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Database.MaxConns > 0 {
		poolCfg.MaxConns = cfg.Database.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, err
	}
	if err := server.RunMigrations(ctx, pool, cfg.Database.MigrationsPath); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return server.NewPgStore(pool), pool, nil
}

func fatal(message string, err error) {
	slog.Error(message, "error", err)
	os.Exit(1)
}
