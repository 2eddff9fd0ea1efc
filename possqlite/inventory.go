// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mobiletoly/go-possync/possync"
)

// adjustPending adds delta to the product's pending_delta_qty, creating the row on first use.
func adjustPending(ctx context.Context, tx *sql.Tx, branchID, productUID string, delta float64, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO inventory_projection (branch_id, product_uid, available_qty, pending_delta_qty, last_server_version, updated_at)
		VALUES (?, ?, NULL, ?, 0, ?)
		ON CONFLICT(branch_id, product_uid) DO UPDATE SET
			pending_delta_qty = pending_delta_qty + excluded.pending_delta_qty,
			updated_at = excluded.updated_at`,
		branchID, productUID, delta, formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to adjust pending inventory of %s: %w", productUID, err)
	}
	return nil
}

type itemQty struct {
	productUID string
	qty        float64
}

// releasePending gives back the reservation an order placed at commit time.
func releasePending(ctx context.Context, tx *sql.Tx, branchID, clientOrderID string, now time.Time) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT product_uid, qty FROM local_order_items WHERE client_order_id = ?`, clientOrderID)
	if err != nil {
		return fmt.Errorf("failed to read items of order %s: %w", clientOrderID, err)
	}
	var items []itemQty
	for rows.Next() {
		var it itemQty
		if err := rows.Scan(&it.productUID, &it.qty); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan order item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, it := range items {
		if err := adjustPending(ctx, tx, branchID, it.productUID, it.qty, now); err != nil {
			return err
		}
	}
	return nil
}

// applyInventoryDelta moves the server balance forward. A versioned delta at or below the stored
// version is a replay and is skipped; an unversioned delta (version 0) always applies. A bare
// delta_qty cannot make an unknown balance known, so available_qty stays NULL until a
// balance_after arrives.
func applyInventoryDelta(ctx context.Context, tx *sql.Tx, branchID string, d *possync.InventoryDelta, now time.Time) (bool, error) {
	var (
		avail   sql.NullFloat64
		version int64
		found   = true
	)
	err := tx.QueryRowContext(ctx, `
		SELECT available_qty, last_server_version FROM inventory_projection
		WHERE branch_id = ? AND product_uid = ?`, branchID, d.ProductUID).Scan(&avail, &version)
	if errors.Is(err, sql.ErrNoRows) {
		found = false
	} else if err != nil {
		return false, fmt.Errorf("failed to read inventory of %s: %w", d.ProductUID, err)
	}
	if found && d.Version > 0 && d.Version <= version {
		return false, nil
	}

	var next sql.NullFloat64
	switch {
	case d.BalanceAfter != nil:
		next = sql.NullFloat64{Float64: *d.BalanceAfter, Valid: true}
	case avail.Valid:
		next = sql.NullFloat64{Float64: avail.Float64 + d.DeltaQty, Valid: true}
	}
	nextVersion := max(version, d.Version)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO inventory_projection (branch_id, product_uid, available_qty, pending_delta_qty, last_server_version, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)
		ON CONFLICT(branch_id, product_uid) DO UPDATE SET
			available_qty = excluded.available_qty,
			last_server_version = excluded.last_server_version,
			updated_at = excluded.updated_at`,
		branchID, d.ProductUID, next, nextVersion, formatTime(now))
	if err != nil {
		return false, fmt.Errorf("failed to apply inventory delta for %s: %w", d.ProductUID, err)
	}
	return true, nil
}

const inventoryColumns = `branch_id, product_uid, available_qty, pending_delta_qty, last_server_version, updated_at`

func scanInventory(scan func(dest ...any) error) (*InventoryProjection, error) {
	var (
		p         InventoryProjection
		avail     sql.NullFloat64
		updatedAt string
	)
	if err := scan(&p.BranchID, &p.ProductUID, &avail, &p.PendingDeltaQty, &p.LastServerVersion, &updatedAt); err != nil {
		return nil, err
	}
	if avail.Valid {
		v := avail.Float64
		p.AvailableQty = &v
	}
	t, err := parseTime(updatedAt)
	if err != nil {
		return nil, err
	}
	p.UpdatedAt = t
	return &p, nil
}

// Inventory returns the projection of one product, or ErrNotFound.
func (c *Client) Inventory(ctx context.Context, branchID, productUID string) (*InventoryProjection, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	row := c.DB.QueryRowContext(ctx, `SELECT `+inventoryColumns+` FROM inventory_projection
		WHERE branch_id = ? AND product_uid = ?`, branchID, productUID)
	p, err := scanInventory(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("inventory %s/%s: %w", branchID, productUID, ErrNotFound)
	}
	if err != nil {
		return nil, classifyStorage(fmt.Errorf("failed to read inventory: %w", err))
	}
	return p, nil
}

// ListInventory returns every projected product of a branch.
func (c *Client) ListInventory(ctx context.Context, branchID string) ([]InventoryProjection, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := c.DB.QueryContext(ctx, `SELECT `+inventoryColumns+` FROM inventory_projection
		WHERE branch_id = ? ORDER BY product_uid`, branchID)
	if err != nil {
		return nil, classifyStorage(fmt.Errorf("failed to query inventory: %w", err))
	}
	defer rows.Close()
	var out []InventoryProjection
	for rows.Next() {
		p, err := scanInventory(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan inventory: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
