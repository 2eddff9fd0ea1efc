// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func loadSyncState(ctx context.Context, q queryer, branchID string) (*SyncState, error) {
	st := &SyncState{BranchID: branchID}
	var (
		lastPush, lastPull, serverTime sql.NullString
		updatedAt                      string
	)
	err := q.QueryRowContext(ctx, `
		SELECT cursor_catalog, cursor_sections, cursor_orders, cursor_inventory, cursor_conflicts,
			last_push_at, last_pull_at, server_time, updated_at
		FROM sync_state WHERE branch_id = ?`, branchID).Scan(
		&st.Cursors.Catalog, &st.Cursors.Sections, &st.Cursors.Orders, &st.Cursors.Inventory, &st.Cursors.Conflicts,
		&lastPush, &lastPull, &serverTime, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sync state of %s: %w", branchID, err)
	}
	if st.LastPushAt, err = parseNullTime(lastPush); err != nil {
		return nil, err
	}
	if st.LastPullAt, err = parseNullTime(lastPull); err != nil {
		return nil, err
	}
	if st.ServerTime, err = parseNullTime(serverTime); err != nil {
		return nil, err
	}
	if st.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return st, nil
}

func timeOrNull(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func saveSyncState(ctx context.Context, tx *sql.Tx, st *SyncState, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_state (branch_id, cursor_catalog, cursor_sections, cursor_orders, cursor_inventory,
			cursor_conflicts, last_push_at, last_pull_at, server_time, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(branch_id) DO UPDATE SET
			cursor_catalog = excluded.cursor_catalog,
			cursor_sections = excluded.cursor_sections,
			cursor_orders = excluded.cursor_orders,
			cursor_inventory = excluded.cursor_inventory,
			cursor_conflicts = excluded.cursor_conflicts,
			last_push_at = excluded.last_push_at,
			last_pull_at = excluded.last_pull_at,
			server_time = excluded.server_time,
			updated_at = excluded.updated_at`,
		st.BranchID, st.Cursors.Catalog, st.Cursors.Sections, st.Cursors.Orders, st.Cursors.Inventory,
		st.Cursors.Conflicts, timeOrNull(st.LastPushAt), timeOrNull(st.LastPullAt), timeOrNull(st.ServerTime),
		formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to save sync state of %s: %w", st.BranchID, err)
	}
	return nil
}

// touchSyncState stamps one of last_push_at / last_pull_at.
func touchSyncState(ctx context.Context, tx *sql.Tx, branchID, column string, now time.Time) error {
	st, err := loadSyncState(ctx, tx, branchID)
	if err != nil {
		return err
	}
	switch column {
	case "last_push_at":
		st.LastPushAt = &now
	case "last_pull_at":
		st.LastPullAt = &now
	default:
		return fmt.Errorf("unknown sync state column %q", column)
	}
	return saveSyncState(ctx, tx, st, now)
}

// SyncState returns cursors and timestamps of a branch; a branch never synced has empty cursors.
func (c *Client) SyncState(ctx context.Context, branchID string) (*SyncState, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	st, err := loadSyncState(ctx, c.DB, branchID)
	return st, classifyStorage(err)
}
