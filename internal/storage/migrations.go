package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration is a single schema step. Versions are applied in order and
// recorded in schema_migrations, so the lock table and the offline queue
// can each evolve their own schema independently.
type Migration struct {
	Version int
	SQL     string
}

func (d *DB) Migrate(ctx context.Context, migrations []Migration) error {
	if _, err := d.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at_ns INTEGER NOT NULL
);
`); err != nil {
		return err
	}

	cur, err := currentVersion(ctx, d.DB)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= cur {
			continue
		}
		if err := apply(ctx, d.DB, m); err != nil {
			return err
		}
	}
	return nil
}

func currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations;`).Scan(&v); err != nil {
		return 0, err
	}
	if !v.Valid {
		return 0, nil
	}
	return int(v.Int64), nil
}

func apply(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("migration v%d failed: %w", m.Version, err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at_ns) VALUES(?, strftime('%s','now')*1000000000);`, m.Version); err != nil {
		return err
	}
	return tx.Commit()
}
