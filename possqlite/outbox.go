// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mobiletoly/go-possync/possync"
)

const outboxColumns = `event_id, branch_id, device_id, device_seq, event_type, aggregate_type, aggregate_id,
	idempotency_key, envelope, status, attempts, next_attempt_at, last_error, created_at, updated_at, acked_at`

func decodeEnvelope(raw string) (*possync.EventEnvelope, error) {
	var env possync.EventEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func scanOutboxEvent(scan func(dest ...any) error) (*OutboxEvent, error) {
	var (
		ev                           OutboxEvent
		envelope                     string
		lastError, ackedAt           sql.NullString
		nextAt, createdAt, updatedAt string
	)
	if err := scan(&ev.EventID, &ev.BranchID, &ev.DeviceID, &ev.DeviceSeq, &ev.EventType, &ev.AggregateType,
		&ev.AggregateID, &ev.IdempotencyKey, &envelope, &ev.Status, &ev.Attempts, &nextAt, &lastError,
		&createdAt, &updatedAt, &ackedAt); err != nil {
		return nil, err
	}
	env, err := decodeEnvelope(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to decode envelope of event %s: %w", ev.EventID, err)
	}
	ev.Envelope = *env
	ev.LastError = stringPtr(lastError)
	if ev.NextAttemptAt, err = parseTime(nextAt); err != nil {
		return nil, err
	}
	if ev.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if ev.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if ev.AckedAt, err = parseNullTime(ackedAt); err != nil {
		return nil, err
	}
	return &ev, nil
}

func queryOutbox(ctx context.Context, q queryer, where string, args ...any) ([]OutboxEvent, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+outboxColumns+` FROM outbox_events `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()
	var out []OutboxEvent
	for rows.Next() {
		ev, err := scanOutboxEvent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

func loadOutboxEvent(ctx context.Context, q queryer, eventID string) (*OutboxEvent, error) {
	row := q.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox_events WHERE event_id = ?`, eventID)
	ev, err := scanOutboxEvent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("outbox event %s: %w", eventID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox event %s: %w", eventID, err)
	}
	return ev, nil
}

func insertOutboxEvent(ctx context.Context, tx *sql.Tx, ev *OutboxEvent) error {
	envelope, err := json.Marshal(&ev.Envelope)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO outbox_events (`+outboxColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.BranchID, ev.DeviceID, ev.DeviceSeq, ev.EventType, ev.AggregateType, ev.AggregateID,
		ev.IdempotencyKey, string(envelope), ev.Status, ev.Attempts, formatTime(ev.NextAttemptAt),
		nullString(ev.LastError), formatTime(ev.CreatedAt), formatTime(ev.UpdatedAt), sql.NullString{})
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

// dueEvents selects pending/retry events whose next attempt is due, oldest device_seq first.
func dueEvents(ctx context.Context, q queryer, branchID string, now time.Time, limit int) ([]OutboxEvent, error) {
	return queryOutbox(ctx, q, `
		WHERE status IN ('pending','retry') AND next_attempt_at <= ? AND branch_id = ?
		ORDER BY device_seq LIMIT ?`, formatTime(now), branchID, limit)
}

// markRetryTx records a failed delivery and schedules the next attempt.
func (c *Client) markRetryTx(ctx context.Context, tx *sql.Tx, eventID string, cause string, now time.Time) (int, time.Time, error) {
	var attempts int
	err := tx.QueryRowContext(ctx,
		`SELECT attempts FROM outbox_events WHERE event_id = ? AND status IN ('pending','retry')`, eventID).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to read attempts of %s: %w", eventID, err)
	}
	attempts++
	next := now.Add(c.config.Backoff.Delay(attempts))
	_, err = tx.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = 'retry', attempts = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE event_id = ?`,
		attempts, formatTime(next), cause, formatTime(now), eventID)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to schedule retry of %s: %w", eventID, err)
	}
	return attempts, next, nil
}

// ListOutbox returns events of a branch ordered by device_seq, optionally filtered by status.
func (c *Client) ListOutbox(ctx context.Context, branchID string, statuses ...string) ([]OutboxEvent, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	where := `WHERE branch_id = ?`
	args := []any{branchID}
	if len(statuses) > 0 {
		where += ` AND status IN (?` + strings.Repeat(`, ?`, len(statuses)-1) + `)`
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	events, err := queryOutbox(ctx, c.DB, where+` ORDER BY device_seq`, args...)
	return events, classifyStorage(err)
}

// GetOutboxEvent loads one event by id.
func (c *Client) GetOutboxEvent(ctx context.Context, eventID string) (*OutboxEvent, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	ev, err := loadOutboxEvent(ctx, c.DB, eventID)
	return ev, classifyStorage(err)
}

// OutboxStats counts branch events per status.
func (c *Client) OutboxStats(ctx context.Context, branchID string) (map[string]int, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := c.DB.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM outbox_events WHERE branch_id = ? GROUP BY status`, branchID)
	if err != nil {
		return nil, classifyStorage(fmt.Errorf("failed to query outbox stats: %w", err))
	}
	defer rows.Close()
	stats := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan outbox stats: %w", err)
		}
		stats[status] = n
	}
	return stats, rows.Err()
}
