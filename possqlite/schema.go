// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// SchemaVersion is the PRAGMA user_version written by the latest migration.
const SchemaVersion = 2

// migrations[i] upgrades a database from version i to i+1. Migrations are additive only.
var migrations = [][]string{
	schemaV1,
	schemaV2,
}

var schemaV1 = []string{
	`CREATE TABLE IF NOT EXISTS meta (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	)`,

	`CREATE TABLE IF NOT EXISTS sync_state (
		branch_id        TEXT PRIMARY KEY,
		cursor_catalog   TEXT NOT NULL DEFAULT '',
		cursor_sections  TEXT NOT NULL DEFAULT '',
		cursor_orders    TEXT NOT NULL DEFAULT '',
		cursor_inventory TEXT NOT NULL DEFAULT '',
		cursor_conflicts TEXT NOT NULL DEFAULT '',
		last_push_at     TEXT,
		last_pull_at     TEXT,
		server_time      TEXT,
		updated_at       TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS local_orders (
		client_order_id TEXT PRIMARY KEY,
		branch_id       TEXT NOT NULL,
		device_id       TEXT NOT NULL,
		order_number    TEXT NOT NULL,
		status_local    TEXT NOT NULL,
		status_server   TEXT,
		sync_state      TEXT NOT NULL CHECK (sync_state IN ('pending','synced','conflict','rejected')),
		total           REAL NOT NULL DEFAULT 0,
		payload         TEXT NOT NULL,
		server_order_id TEXT,
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_local_orders_branch_created ON local_orders(branch_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS local_order_items (
		client_order_item_id TEXT PRIMARY KEY,
		client_order_id      TEXT NOT NULL REFERENCES local_orders(client_order_id) ON DELETE CASCADE,
		branch_id            TEXT NOT NULL,
		product_uid          TEXT NOT NULL,
		name                 TEXT NOT NULL DEFAULT '',
		qty                  REAL NOT NULL,
		unit_price           REAL NOT NULL,
		line_total           REAL NOT NULL,
		payload              TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_local_order_items_order ON local_order_items(client_order_id)`,

	`CREATE TABLE IF NOT EXISTS inventory_projection (
		branch_id           TEXT NOT NULL,
		product_uid         TEXT NOT NULL,
		available_qty       REAL,
		pending_delta_qty   REAL NOT NULL DEFAULT 0,
		last_server_version INTEGER NOT NULL DEFAULT 0,
		updated_at          TEXT NOT NULL,
		PRIMARY KEY (branch_id, product_uid)
	)`,

	`CREATE TABLE IF NOT EXISTS outbox_events (
		event_id        TEXT PRIMARY KEY,
		branch_id       TEXT NOT NULL,
		device_id       TEXT NOT NULL,
		device_seq      INTEGER NOT NULL,
		event_type      TEXT NOT NULL,
		aggregate_type  TEXT NOT NULL,
		aggregate_id    TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		envelope        TEXT NOT NULL,
		status          TEXT NOT NULL CHECK (status IN ('pending','retry','acked','conflict','rejected')),
		attempts        INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TEXT NOT NULL,
		last_error      TEXT,
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL,
		acked_at        TEXT,
		UNIQUE (branch_id, device_id, device_seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_status_next ON outbox_events(status, next_attempt_at)`,

	`CREATE TABLE IF NOT EXISTS audit_chain (
		branch_id    TEXT NOT NULL,
		chain_seq    INTEGER NOT NULL,
		event_id     TEXT NOT NULL,
		payload_hash TEXT NOT NULL,
		prev_hash    TEXT,
		signed       INTEGER NOT NULL DEFAULT 0,
		created_at   TEXT NOT NULL,
		PRIMARY KEY (branch_id, chain_seq)
	)`,

	`CREATE TABLE IF NOT EXISTS conflicts (
		conflict_id      TEXT PRIMARY KEY,
		branch_id        TEXT NOT NULL,
		event_id         TEXT,
		aggregate_type   TEXT,
		aggregate_id     TEXT,
		resolution_state TEXT NOT NULL DEFAULT 'open',
		details          TEXT,
		resolution       TEXT,
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS catalog_products (
		branch_id   TEXT NOT NULL,
		ref         TEXT NOT NULL,
		name        TEXT NOT NULL DEFAULT '',
		price       REAL NOT NULL DEFAULT 0,
		section_ref TEXT NOT NULL DEFAULT '',
		payload     TEXT,
		deleted     INTEGER NOT NULL DEFAULT 0,
		updated_at  TEXT NOT NULL,
		PRIMARY KEY (branch_id, ref)
	)`,

	`CREATE TABLE IF NOT EXISTS catalog_sections (
		branch_id  TEXT NOT NULL,
		ref        TEXT NOT NULL,
		name       TEXT NOT NULL DEFAULT '',
		position   INTEGER NOT NULL DEFAULT 0,
		payload    TEXT,
		deleted    INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (branch_id, ref)
	)`,
}

// v2: ack dedupe table plus the indexes the queue views scan.
var schemaV2 = []string{
	`CREATE TABLE IF NOT EXISTS inbox_applied (
		event_id    TEXT PRIMARY KEY,
		branch_id   TEXT NOT NULL,
		status      TEXT NOT NULL,
		code        TEXT,
		message     TEXT,
		server_refs TEXT,
		applied_at  TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conflicts_event ON conflicts(event_id)`,
	`CREATE INDEX IF NOT EXISTS idx_local_orders_branch_sync ON local_orders(branch_id, sync_state)`,
}

// initializeDatabase applies connection pragmas and brings the schema to SchemaVersion.
func initializeDatabase(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA synchronous=NORMAL`,
		`PRAGMA busy_timeout=5000`,
		`PRAGMA foreign_keys=ON`,
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return migrate(ctx, db, SchemaVersion)
}

// schemaVersion reads PRAGMA user_version.
func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

// migrate upgrades the schema to target, one version per transaction.
func migrate(ctx context.Context, db *sql.DB, target int) error {
	current, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if current > SchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", current, SchemaVersion)
	}
	for v := current; v < target; v++ {
		if err := applyMigration(ctx, db, v+1, migrations[v]); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, version int, stmts []string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration to v%d: %w", version, err)
	}
	defer tx.Rollback()

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration to v%d failed: %w", version, err)
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, version)); err != nil {
		return fmt.Errorf("failed to set schema version %d: %w", version, err)
	}
	return tx.Commit()
}
