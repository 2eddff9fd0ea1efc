// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mobiletoly/go-possync/possync"
)

func rawOrNull(b json.RawMessage) sql.NullString {
	if len(b) == 0 || string(b) == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

// upsertConflictTx inserts or refreshes a conflict. Empty fields never erase stored values.
func upsertConflictTx(ctx context.Context, tx *sql.Tx, branchID string, rec *possync.ConflictRecord, now time.Time) error {
	state := rec.ResolutionState
	if state == "" {
		state = ConflictOpen
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO conflicts (conflict_id, branch_id, event_id, aggregate_type, aggregate_id, resolution_state,
			details, resolution, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conflict_id) DO UPDATE SET
			event_id = COALESCE(excluded.event_id, conflicts.event_id),
			aggregate_type = COALESCE(excluded.aggregate_type, conflicts.aggregate_type),
			aggregate_id = COALESCE(excluded.aggregate_id, conflicts.aggregate_id),
			resolution_state = excluded.resolution_state,
			details = COALESCE(excluded.details, conflicts.details),
			resolution = COALESCE(excluded.resolution, conflicts.resolution),
			updated_at = excluded.updated_at`,
		rec.ConflictID, branchID, nonEmpty(rec.EventID), nonEmpty(rec.AggregateType), nonEmpty(rec.AggregateID),
		state, rawOrNull(rec.Details), rawOrNull(rec.Resolution), formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to upsert conflict %s: %w", rec.ConflictID, err)
	}
	return nil
}

const conflictColumns = `conflict_id, branch_id, event_id, aggregate_type, aggregate_id, resolution_state,
	details, resolution, created_at, updated_at`

func scanConflict(scan func(dest ...any) error) (*Conflict, error) {
	var (
		cf                                           Conflict
		eventID, aggType, aggID, details, resolution sql.NullString
		createdAt, updatedAt                         string
	)
	if err := scan(&cf.ConflictID, &cf.BranchID, &eventID, &aggType, &aggID, &cf.ResolutionState,
		&details, &resolution, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	cf.EventID = eventID.String
	cf.AggregateType = aggType.String
	cf.AggregateID = aggID.String
	if details.Valid {
		cf.Details = json.RawMessage(details.String)
	}
	if resolution.Valid {
		cf.Resolution = json.RawMessage(resolution.String)
	}
	var err error
	if cf.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if cf.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &cf, nil
}

// ListConflicts returns branch conflicts, newest first; an empty state returns all.
func (c *Client) ListConflicts(ctx context.Context, branchID, state string) ([]Conflict, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE branch_id = ?`
	args := []any{branchID}
	if state != "" {
		query += ` AND resolution_state = ?`
		args = append(args, state)
	}
	rows, err := c.DB.QueryContext(ctx, query+` ORDER BY updated_at DESC, conflict_id`, args...)
	if err != nil {
		return nil, classifyStorage(fmt.Errorf("failed to query conflicts: %w", err))
	}
	defer rows.Close()
	var out []Conflict
	for rows.Next() {
		cf, err := scanConflict(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		out = append(out, *cf)
	}
	return out, rows.Err()
}

// GetConflict loads one conflict by id.
func (c *Client) GetConflict(ctx context.Context, conflictID string) (*Conflict, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	row := c.DB.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE conflict_id = ?`, conflictID)
	cf, err := scanConflict(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conflict %s: %w", conflictID, ErrNotFound)
	}
	if err != nil {
		return nil, classifyStorage(fmt.Errorf("failed to read conflict: %w", err))
	}
	return cf, nil
}

// ResolveConflict records an operator decision locally. Resolution is never automatic; the
// server's view arrives later through the conflicts stream.
func (c *Client) ResolveConflict(ctx context.Context, conflictID string, resolution json.RawMessage) error {
	if len(resolution) > 0 && !json.Valid(resolution) {
		return fmt.Errorf("%w: resolution is not valid JSON", ErrInvalidPayload)
	}
	return c.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE conflicts SET resolution_state = ?, resolution = ?, updated_at = ?
			WHERE conflict_id = ?`,
			ConflictResolved, rawOrNull(resolution), formatTime(c.now()), conflictID)
		if err != nil {
			return fmt.Errorf("failed to resolve conflict %s: %w", conflictID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("conflict %s: %w", conflictID, ErrNotFound)
		}
		return nil
	})
}
