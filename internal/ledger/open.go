package ledger

import (
	"context"
	"fmt"
	"strings"

	"stablepay/internal/config"
)

// Backend is a Store that owns resources and can apply its schema.
type Backend interface {
	Store
	Migrate(ctx context.Context) (int, error)
	Close()
}

// Open selects the backend named by cfg.Driver. Postgres schemas are migrated
// only when migrate is true; sqlite always migrates on open.
func Open(ctx context.Context, cfg config.DatabaseConfig, migrate bool) (Backend, error) {
	switch strings.ToLower(cfg.Driver) {
	case "postgres":
		pool, err := NewPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		store := NewPostgresStore(pool)
		if migrate {
			if _, err := store.Migrate(ctx); err != nil {
				store.Close()
				return nil, err
			}
		}
		return store, nil
	case "sqlite", "":
		path := cfg.SQLitePath
		if cfg.DSN != "" {
			path = cfg.DSN
		}
		return OpenSQLite(ctx, path)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

var (
	_ Backend = (*PostgresStore)(nil)
	_ Backend = (*SQLiteStore)(nil)
)
