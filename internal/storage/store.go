// Package storage selects the backend for the broker's credential store.
// Three drivers are provided: memory (default, nothing survives a restart),
// SQLite (single node, zero-config) and PostgreSQL (shared by several broker
// replicas). The persistent drivers live in the sqlite and postgres
// sub-packages and both implement credstore.Store.
package storage

import (
	"fmt"
	"strings"
)

// Config holds storage configuration for driver selection.
type Config struct {
	Driver   string         `yaml:"driver" json:"driver"` // "memory" (default), "sqlite" or "postgres"
	SQLite   SQLiteConfig   `yaml:"sqlite" json:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres" json:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `yaml:"path" json:"path,omitempty"`
	JournalMode string `yaml:"journal_mode" json:"journal_mode"` // "wal" (default), "delete", "truncate", etc.
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN              string `yaml:"dsn" json:"dsn"`
	MaxOpenConns     int    `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns     int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetimeS int    `yaml:"conn_max_lifetime_s" json:"conn_max_lifetime_s"`
}

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DefaultDriver is used when no driver is configured.
const DefaultDriver = DriverMemory

// DefaultSQLitePath is the database file used when the sqlite driver has no path.
const DefaultSQLitePath = "data/cloudrelay.db"

// DriverName normalizes the configured driver, falling back to DefaultDriver.
func (c Config) DriverName() string {
	d := strings.ToLower(strings.TrimSpace(c.Driver))
	if d == "" {
		return DefaultDriver
	}
	return d
}

// Validate checks that the selected driver is known and has what it needs.
// The postgres DSN may also come from the environment, so it is checked at
// open time instead.
func (c Config) Validate() error {
	switch c.DriverName() {
	case DriverMemory, DriverSQLite, DriverPostgres:
		return nil
	default:
		return fmt.Errorf("unknown storage driver %q (want memory, sqlite or postgres)", c.Driver)
	}
}

// Persistent reports whether the driver keeps bindings across restarts.
func (c Config) Persistent() bool {
	return c.DriverName() != DriverMemory
}
