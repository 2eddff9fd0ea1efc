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

// ackOutcome is what applying a single push result did locally.
type ackOutcome int

const (
	ackSkipped ackOutcome = iota // already in inbox_applied
	ackApplied
	ackRetry // non-terminal status, rescheduled
)

// ApplyAck applies one push result outside of a push call. Re-applying a result whose event is
// already in inbox_applied changes nothing and returns false.
func (c *Client) ApplyAck(ctx context.Context, res possync.PushResult) (bool, error) {
	var outcome ackOutcome
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		outcome, err = c.applyAckTx(ctx, tx, &res, c.now())
		return err
	})
	return outcome == ackApplied, err
}

func inboxHas(ctx context.Context, q queryer, eventID string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM inbox_applied WHERE event_id = ?`, eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check inbox for %s: %w", eventID, err)
	}
	return true, nil
}

func (c *Client) applyAckTx(ctx context.Context, tx *sql.Tx, res *possync.PushResult, now time.Time) (ackOutcome, error) {
	seen, err := inboxHas(ctx, tx, res.EventID)
	if err != nil || seen {
		return ackSkipped, err
	}
	ev, err := loadOutboxEvent(ctx, tx, res.EventID)
	if err != nil {
		return ackSkipped, err
	}

	if !possync.IsTerminal(res.Status) {
		c.logger.Warn("unexpected push status, retrying event", "event_id", res.EventID, "status", res.Status)
		if _, _, err := c.markRetryTx(ctx, tx, ev.EventID, "unexpected status "+res.Status, now); err != nil {
			return ackSkipped, err
		}
		return ackRetry, nil
	}

	refs := res.ServerRefs
	if refs == nil {
		refs = &possync.ServerRefs{}
	}
	stamp := formatTime(now)

	switch res.Status {
	case possync.StAccepted, possync.StDuplicate:
		if _, err := tx.ExecContext(ctx, `
			UPDATE outbox_events SET status = 'acked', acked_at = ?, last_error = NULL, updated_at = ?
			WHERE event_id = ?`, stamp, stamp, ev.EventID); err != nil {
			return ackSkipped, fmt.Errorf("failed to ack event %s: %w", ev.EventID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE local_orders SET sync_state = 'synced',
				server_order_id = COALESCE(?, server_order_id),
				status_server = COALESCE(?, status_server),
				updated_at = ?
			WHERE client_order_id = ?`,
			nonEmpty(refs.OrderID), nonEmpty(res.OrderStatus), stamp, ev.AggregateID); err != nil {
			return ackSkipped, fmt.Errorf("failed to mark order %s synced: %w", ev.AggregateID, err)
		}

	case possync.StConflict:
		conflictID := refs.ConflictID
		if conflictID == "" {
			conflictID = "event-" + ev.EventID
		}
		details, _ := json.Marshal(map[string]any{
			"code":        res.Code,
			"message":     res.Message,
			"server_refs": refs,
		})
		if err := upsertConflictTx(ctx, tx, ev.BranchID, &possync.ConflictRecord{
			ConflictID:      conflictID,
			EventID:         ev.EventID,
			AggregateType:   ev.AggregateType,
			AggregateID:     ev.AggregateID,
			ResolutionState: ConflictOpen,
			Details:         details,
		}, now); err != nil {
			return ackSkipped, err
		}
		if err := c.finishEventTx(ctx, tx, ev, OutboxConflict, SyncConflict, res, now); err != nil {
			return ackSkipped, err
		}

	case possync.StRejected:
		if err := c.finishEventTx(ctx, tx, ev, OutboxRejected, SyncRejected, res, now); err != nil {
			return ackSkipped, err
		}
	}

	// Reservations only exist while the event is undelivered.
	if ev.Status == OutboxPending || ev.Status == OutboxRetry {
		if err := releasePending(ctx, tx, ev.BranchID, ev.AggregateID, now); err != nil {
			return ackSkipped, err
		}
	}

	refsJSON, _ := json.Marshal(refs)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO inbox_applied (event_id, branch_id, status, code, message, server_refs, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.BranchID, res.Status, nonEmpty(res.Code), nonEmpty(res.Message), string(refsJSON), stamp); err != nil {
		return ackSkipped, fmt.Errorf("failed to record inbox entry for %s: %w", ev.EventID, err)
	}

	if oerr := outcomeError(res.Status); oerr != nil {
		c.logger.Warn("event not accepted by server", "event_id", ev.EventID, "device_seq", ev.DeviceSeq,
			"status", res.Status, "code", res.Code, "message", res.Message, "error", oerr)
	}
	return ackApplied, nil
}

// finishEventTx moves an event and its order to a terminal non-success state.
func (c *Client) finishEventTx(ctx context.Context, tx *sql.Tx, ev *OutboxEvent, outboxStatus, orderState string, res *possync.PushResult, now time.Time) error {
	msg := res.Message
	if res.Code != "" {
		msg = res.Code + ": " + msg
	}
	stamp := formatTime(now)
	if _, err := tx.ExecContext(ctx, `
		UPDATE outbox_events SET status = ?, last_error = ?, updated_at = ? WHERE event_id = ?`,
		outboxStatus, msg, stamp, ev.EventID); err != nil {
		return fmt.Errorf("failed to update event %s: %w", ev.EventID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE local_orders SET sync_state = ?, updated_at = ? WHERE client_order_id = ?`,
		orderState, stamp, ev.AggregateID); err != nil {
		return fmt.Errorf("failed to update order %s: %w", ev.AggregateID, err)
	}
	return nil
}
