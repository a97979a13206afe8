// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2024-2026 runwatch contributors
// https://github.com/fr4nsys/runwatch

// Package postgres provides the PostgreSQL-backed Store.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	// Registers the pgx database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Options configures the database connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultOptions returns pool defaults suited to a single engine node.
func DefaultOptions() Options {
	return Options{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// Open connects, applies pool options, and verifies connectivity.
func Open(ctx context.Context, connString string, opts Options) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if opts.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// migration is one ordered schema step. Down statements exist for every
// step so `migrate down:N` can walk back.
type migration struct {
	version int
	name    string
	up      string
	down    string
}

var migrations = []migration{
	{
		version: 1,
		name:    "state_document",
		up: `
			CREATE TABLE IF NOT EXISTS state (
				id         SMALLINT PRIMARY KEY CHECK (id = 1),
				doc        JSONB NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		down: `DROP TABLE IF EXISTS state`,
	},
	{
		version: 2,
		name:    "notification_journal",
		up: `
			CREATE TABLE IF NOT EXISTS journal (
				id           BIGSERIAL PRIMARY KEY,
				ts           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				runner_id    TEXT NOT NULL DEFAULT '',
				profile_id   TEXT NOT NULL DEFAULT '',
				profile_name TEXT NOT NULL DEFAULT '',
				delivery     TEXT NOT NULL,
				title        TEXT NOT NULL DEFAULT '',
				message      TEXT NOT NULL DEFAULT '',
				error        TEXT NOT NULL DEFAULT ''
			);
			CREATE INDEX IF NOT EXISTS idx_journal_runner  ON journal (runner_id);
			CREATE INDEX IF NOT EXISTS idx_journal_profile ON journal (profile_id)`,
		down: `DROP TABLE IF EXISTS journal`,
	},
	{
		version: 3,
		name:    "runtime_status",
		up: `
			CREATE TABLE IF NOT EXISTS runtime_status (
				runner_id        TEXT PRIMARY KEY,
				last_case        TEXT NOT NULL DEFAULT '',
				last_case_ts     TEXT NOT NULL DEFAULT '',
				last_finished_at TIMESTAMPTZ,
				remaining        INTEGER
			)`,
		down: `DROP TABLE IF EXISTS runtime_status`,
	},
}

// Migrate applies all pending schema steps in order.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, m.up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`,
			m.version, m.name); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

// MigrateDown rolls back the newest n applied migrations.
func MigrateDown(ctx context.Context, db *sqlx.DB, n int) error {
	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}
	for i := len(migrations) - 1; i >= 0 && n > 0; i-- {
		m := migrations[i]
		if !applied[m.version] {
			continue
		}
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, m.down); err != nil {
			tx.Rollback()
			return fmt.Errorf("roll back migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM schema_migrations WHERE version = $1`, m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("unrecord migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.version, err)
		}
		n--
	}
	return nil
}

// MigrationStatus prints one line per known migration.
func MigrationStatus(ctx context.Context, db *sqlx.DB) error {
	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		state := "pending"
		if applied[m.version] {
			state = "applied"
		}
		fmt.Printf("%3d  %-24s %s\n", m.version, m.name, state)
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sqlx.DB) (map[int]bool, error) {
	applied := make(map[int]bool)
	var versions []int
	err := db.SelectContext(ctx, &versions,
		`SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		// A fresh database has no tracking table yet.
		return applied, nil
	}
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}
