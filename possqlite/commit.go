// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mobiletoly/go-possync/possync"
)

// CommitSale durably records a sale: order, items, signed outbox event, audit chain entry and
// inventory reservation, all in one transaction. It never touches the network.
func (c *Client) CommitSale(ctx context.Context, branchID string, payload SalePayload) (*CommitResult, error) {
	start := time.Now()
	if err := requireBranch(branchID); err != nil {
		return nil, err
	}
	if err := validateRecord(&payload); err != nil {
		return nil, err
	}
	payloadBytes, err := json.Marshal(&payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	var result *CommitResult
	err = c.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		result, err = c.commitSaleTx(ctx, tx, branchID, &payload, payloadBytes)
		return err
	})
	c.observeStage(ctx, possync.MetricsOpCommit, possync.MetricsStageTotal, branchID, start, 1, err)
	if err != nil {
		var halted *haltedError
		if errors.Is(err, ErrChainIntegrity) && !errors.As(err, &halted) {
			c.haltChain(ctx, branchID, err)
		}
		return nil, err
	}

	c.logger.Debug("sale committed", "branch_id", branchID, "order_number", result.OrderNumber,
		"client_order_id", result.ClientOrderID, "total", result.Total)
	c.notifyCommitted(branchID)
	return result, nil
}

// haltedError reports a commit refused because of an earlier recorded violation.
type haltedError struct{ reason string }

func (e *haltedError) Error() string { return "chain halted: " + e.reason }
func (e *haltedError) Unwrap() error { return ErrChainIntegrity }

func (c *Client) commitSaleTx(ctx context.Context, tx *sql.Tx, branchID string, payload *SalePayload, payloadBytes []byte) (*CommitResult, error) {
	if reason, halted, err := getMeta(ctx, tx, nsChainHalt, branchID); err != nil {
		return nil, err
	} else if halted {
		return nil, &haltedError{reason: reason}
	}

	dc, err := c.ensureDeviceContextTx(ctx, tx, branchID)
	if err != nil {
		return nil, err
	}
	seq, err := nextDeviceSeq(ctx, tx, branchID, dc.DeviceID)
	if err != nil {
		return nil, err
	}

	tail, err := chainTail(ctx, tx, branchID)
	if err != nil {
		return nil, err
	}
	if err := checkChainTail(ctx, tx, branchID, tail); err != nil {
		return nil, err
	}
	chainSeq := int64(1)
	var prevHash *string
	if tail != nil {
		chainSeq = tail.ChainSeq + 1
		h := tail.PayloadHash
		prevHash = &h
	}

	now := c.now()
	prevHLC, _, err := getMeta(ctx, tx, nsHLC, branchID)
	if err != nil {
		return nil, err
	}
	hlc := nextHLC(prevHLC, now, dc.DeviceID)

	payloadHash := c.signer.PayloadHash(payloadBytes)
	clientOrderID := c.signer.Crypto.RandomUUID()
	eventID := c.signer.Crypto.RandomUUID()
	env := possync.EventEnvelope{
		EventID:         eventID,
		IdempotencyKey:  c.signer.IdempotencyKey(dc.DeviceID, seq, possync.EventSaleCreated, payloadHash),
		DeviceID:        dc.DeviceID,
		TerminalCode:    dc.TerminalCode,
		BranchID:        branchID,
		DeviceSeq:       seq,
		EventType:       possync.EventSaleCreated,
		AggregateType:   possync.AggregateOrder,
		AggregateID:     clientOrderID,
		ClientCreatedAt: now,
		ClientHLC:       hlc,
		Payload:         payloadBytes,
		PayloadHash:     payloadHash,
		PrevHash:        prevHash,
	}
	if dc.Registered() {
		c.signer.SignEnvelope(&env, *dc.DeviceSecret)
	}

	order := &LocalOrder{
		ClientOrderID: clientOrderID,
		BranchID:      branchID,
		DeviceID:      dc.DeviceID,
		OrderNumber:   fmt.Sprintf("%s-%06d", dc.TerminalCode, seq),
		StatusLocal:   SyncPending,
		SyncState:     SyncPending,
		Total:         payload.Total(),
		Payload:       payloadBytes,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := insertOrder(ctx, tx, order); err != nil {
		return nil, err
	}
	for _, it := range payload.Items {
		if err := c.insertOrderItem(ctx, tx, order, it); err != nil {
			return nil, err
		}
		if err := adjustPending(ctx, tx, branchID, it.ProductUID, -it.Qty, now); err != nil {
			return nil, err
		}
	}

	if err := insertOutboxEvent(ctx, tx, &OutboxEvent{
		EventID:        eventID,
		BranchID:       branchID,
		DeviceID:       dc.DeviceID,
		DeviceSeq:      seq,
		EventType:      env.EventType,
		AggregateType:  env.AggregateType,
		AggregateID:    clientOrderID,
		IdempotencyKey: env.IdempotencyKey,
		Envelope:       env,
		Status:         OutboxPending,
		NextAttemptAt:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}); err != nil {
		return nil, err
	}
	if err := appendChainEntry(ctx, tx, &AuditChainEntry{
		BranchID:    branchID,
		ChainSeq:    chainSeq,
		EventID:     eventID,
		PayloadHash: payloadHash,
		PrevHash:    prevHash,
		Signed:      env.Signature != nil,
		CreatedAt:   now,
	}); err != nil {
		return nil, err
	}

	if err := setMeta(ctx, tx, nsDeviceSeq, seqKey(branchID, dc.DeviceID), strconv.FormatInt(seq, 10), now); err != nil {
		return nil, err
	}
	if err := setMeta(ctx, tx, nsHLC, branchID, hlc, now); err != nil {
		return nil, err
	}

	return &CommitResult{
		ClientOrderID: clientOrderID,
		OrderNumber:   order.OrderNumber,
		Status:        SyncPending,
		SyncState:     SyncPending,
		Total:         order.Total,
		CreatedAt:     now,
	}, nil
}

func seqKey(branchID, deviceID string) string { return branchID + "/" + deviceID }

// nextDeviceSeq reads the last issued device_seq; the caller persists the new value in the same tx.
func nextDeviceSeq(ctx context.Context, q queryer, branchID, deviceID string) (int64, error) {
	raw, ok, err := getMeta(ctx, q, nsDeviceSeq, seqKey(branchID, deviceID))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 1, nil
	}
	last, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt device_seq counter %q: %w", raw, err)
	}
	return last + 1, nil
}

func insertOrder(ctx context.Context, tx *sql.Tx, o *LocalOrder) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO local_orders (client_order_id, branch_id, device_id, order_number, status_local, status_server,
			sync_state, total, payload, server_order_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ClientOrderID, o.BranchID, o.DeviceID, o.OrderNumber, o.StatusLocal, nullString(o.StatusServer),
		o.SyncState, o.Total, string(o.Payload), nullString(o.ServerOrderID), formatTime(o.CreatedAt), formatTime(o.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert order %s: %w", o.ClientOrderID, err)
	}
	return nil
}

func (c *Client) insertOrderItem(ctx context.Context, tx *sql.Tx, o *LocalOrder, it SaleItem) error {
	raw, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("failed to encode order item: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO local_order_items (client_order_item_id, client_order_id, branch_id, product_uid, name, qty,
			unit_price, line_total, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.signer.Crypto.RandomUUID(), o.ClientOrderID, o.BranchID, it.ProductUID, it.Name, it.Qty,
		it.UnitPrice, it.LineTotal(), string(raw))
	if err != nil {
		return fmt.Errorf("failed to insert order item %s: %w", it.ProductUID, err)
	}
	return nil
}
