package ledger

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

//go:embed migrations
var migrationFS embed.FS

type migration struct {
	version    string
	statements []string
}

// execer is satisfied by both backends' migration adapters.
type execer interface {
	exec(ctx context.Context, stmt string, args ...any) error
	applied(ctx context.Context) (map[string]bool, error)
	record(ctx context.Context, version string) error
}

func loadMigrations(dialect string) ([]migration, error) {
	dir := path.Join("migrations", dialect)
	entries, err := fs.ReadDir(migrationFS, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]migration, 0, len(names))
	for _, name := range names {
		body, err := fs.ReadFile(migrationFS, path.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		out = append(out, migration{
			version:    strings.TrimSuffix(name, ".sql"),
			statements: splitStatements(string(body)),
		})
	}
	return out, nil
}

func splitStatements(body string) []string {
	parts := strings.Split(body, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if stmt := strings.TrimSpace(p); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func migrate(ctx context.Context, dialect string, db execer) (int, error) {
	const bootstrap = `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)`
	if err := db.exec(ctx, bootstrap); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	migrations, err := loadMigrations(dialect)
	if err != nil {
		return 0, err
	}
	done, err := db.applied(ctx)
	if err != nil {
		return 0, fmt.Errorf("list applied migrations: %w", err)
	}

	count := 0
	for _, m := range migrations {
		if done[m.version] {
			continue
		}
		for _, stmt := range m.statements {
			if err := db.exec(ctx, stmt); err != nil {
				return count, fmt.Errorf("apply migration %s: %w", m.version, err)
			}
		}
		if err := db.record(ctx, m.version); err != nil {
			return count, fmt.Errorf("record migration %s: %w", m.version, err)
		}
		count++
	}
	return count, nil
}
