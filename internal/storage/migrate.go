package storage

import (
	"context"
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	logx "pipeorch/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies every embedded migration not yet recorded in schema_migrations.
// Each file runs in its own transaction together with its bookkeeping row.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.sql.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version     TEXT PRIMARY KEY,
		applied_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
	)`); err != nil {
		return errors.Wrap(err, "create schema_migrations")
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	applied := 0
	for _, name := range files {
		version := strings.SplitN(name, "_", 2)[0]

		var exists bool
		if err := d.sql.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)`, version).Scan(&exists); err != nil {
			return errors.Wrapf(err, "check migration %s", name)
		}
		if exists {
			continue
		}

		body, err := migrationsFS.ReadFile(path.Join("migrations", name))
		if err != nil {
			return errors.Wrapf(err, "read %s", name)
		}

		err = d.Tx(ctx, "migrate "+name, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(body)); err != nil {
				return errors.Wrapf(err, "execute %s", name)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
				return errors.Wrapf(err, "record %s", name)
			}
			return nil
		})
		if err != nil {
			return err
		}
		applied++
		d.log.Info("migration applied", logx.String("migration", name))
	}

	d.log.Debug("migrations complete", logx.Int("total", len(files)), logx.Int("applied", applied))
	return nil
}
