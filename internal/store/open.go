package store

import (
	"context"
	"fmt"
	"strings"
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config selects and configures a backend.
type Config struct {
	Backend     string
	SQLitePath  string
	PostgresDSN string
}

// Open creates the configured store.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendSQLite:
		return NewSQLiteStore(SQLiteConfig{Path: cfg.SQLitePath})
	case BackendPostgres:
		return NewPostgresStore(ctx, PostgresConfig{DSN: cfg.PostgresDSN})
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
