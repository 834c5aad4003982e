package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/cloudrelay/internal/config"
	"github.com/jkaninda/cloudrelay/internal/credstore"
	"github.com/jkaninda/cloudrelay/internal/secrets"
	"github.com/jkaninda/cloudrelay/internal/storage"
	pgstore "github.com/jkaninda/cloudrelay/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/cloudrelay/internal/storage/sqlite"
)

// loadConfig resolves the config path from --config or CLOUDRELAY_CONFIG.
// A missing default config file is not an error; built-in defaults apply.
func loadConfig() (*config.Config, error) {
	path := goutils.Env("CLOUDRELAY_CONFIG", configPath)
	if path == "" {
		def := config.DefaultConfigPath()
		if _, err := os.Stat(def); err == nil {
			path = def
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

// newLogger returns the JSON logger used by every command.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// initSealer builds the at-rest sealer when sealing is enabled.
func initSealer(ctx context.Context, cfg *config.Config, provider secrets.Provider) (credstore.Sealer, error) {
	if cfg.Sealing == nil || !cfg.Sealing.Enabled {
		return nil, nil
	}
	secret, err := provider.Resolve(ctx, cfg.Sealing.IdentityRef)
	if err != nil {
		return nil, fmt.Errorf("resolving sealing identity: %w", err)
	}
	sealer, err := credstore.NewAgeSealer(strings.TrimSpace(secret.Value))
	if err != nil {
		return nil, fmt.Errorf("loading sealing identity: %w", err)
	}
	return sealer, nil
}

// initStore opens the configured credential store.
func initStore(cfg *config.Config, sealer credstore.Sealer, logger *slog.Logger) (credstore.Store, error) {
	sc := cfg.StorageConfig()
	var opts []pgstore.RepoOption
	if sealer != nil {
		opts = append(opts, pgstore.WithSealer(sealer))
	}

	switch driver := sc.DriverName(); driver {
	case storage.DriverMemory:
		if sealer != nil {
			return nil, errors.New("sealing is not supported by the memory store")
		}
		return credstore.NewMemory(), nil
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, opts, logger)
	case storage.DriverPostgres:
		return initPostgresStore(sc.Postgres, opts, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, opts []pgstore.RepoOption, logger *slog.Logger) (credstore.Store, error) {
	journalMode := "wal"
	if jm := cfg.StorageConfig().SQLite.JournalMode; jm != "" {
		journalMode = jm
	}
	store, err := sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.SQLitePath(),
		JournalMode: journalMode,
	}, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	logger.Info("sqlite credential store opened", slog.String("path", store.Path()))
	return store, nil
}

func initPostgresStore(pc storage.PostgresConfig, opts []pgstore.RepoOption, logger *slog.Logger) (credstore.Store, error) {
	if pc.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or CLOUDRELAY_DB_DSN)")
	}
	pgDB, err := pgstore.Open(pgstore.Config{
		DSN:             pc.DSN,
		MaxOpenConns:    pc.MaxOpenConns,
		MaxIdleConns:    pc.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pc.ConnMaxLifetimeS) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(pgDB, opts...), nil
}
