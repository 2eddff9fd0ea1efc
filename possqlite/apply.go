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

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// upsertCatalogProductTx writes the row only if it is new or strictly newer than the stored one.
func upsertCatalogProductTx(ctx context.Context, tx *sql.Tx, branchID string, p *possync.CatalogProduct) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO catalog_products (branch_id, ref, name, price, section_ref, payload, deleted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(branch_id, ref) DO UPDATE SET
			name = excluded.name,
			price = excluded.price,
			section_ref = excluded.section_ref,
			payload = excluded.payload,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at
		WHERE excluded.updated_at > catalog_products.updated_at`,
		branchID, p.Ref, p.Name, p.Price, p.SectionRef, rawOrNull(p.Data), boolInt(p.Deleted), formatTime(p.UpdatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to upsert catalog product %s: %w", p.Ref, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func upsertCatalogSectionTx(ctx context.Context, tx *sql.Tx, branchID string, s *possync.CatalogSection) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO catalog_sections (branch_id, ref, name, position, payload, deleted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(branch_id, ref) DO UPDATE SET
			name = excluded.name,
			position = excluded.position,
			payload = excluded.payload,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at
		WHERE excluded.updated_at > catalog_sections.updated_at`,
		branchID, s.Ref, s.Name, s.Position, rawOrNull(s.Data), boolInt(s.Deleted), formatTime(s.UpdatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to upsert catalog section %s: %w", s.Ref, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// applyOrderDeltaTx refreshes the server view of a local order, or inserts an order rung up on
// another terminal of the branch as already synced.
func applyOrderDeltaTx(ctx context.Context, tx *sql.Tx, branchID string, d *possync.OrderDelta, now time.Time) (bool, error) {
	var existingBranch string
	err := tx.QueryRowContext(ctx,
		`SELECT branch_id FROM local_orders WHERE client_order_id = ?`, d.ClientOrderID).Scan(&existingBranch)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		created := d.CreatedAt
		if created.IsZero() {
			created = now
		}
		payload := d.Payload
		if len(payload) == 0 {
			payload = []byte("{}")
		}
		status := d.Status
		if status == "" {
			status = SyncSynced
		}
		var statusServer, serverOrderID *string
		if d.Status != "" {
			statusServer = &d.Status
		}
		if d.ServerOrderID != "" {
			serverOrderID = &d.ServerOrderID
		}
		return true, insertOrder(ctx, tx, &LocalOrder{
			ClientOrderID: d.ClientOrderID,
			BranchID:      branchID,
			DeviceID:      d.DeviceID,
			OrderNumber:   d.OrderNumber,
			StatusLocal:   status,
			StatusServer:  statusServer,
			SyncState:     SyncSynced,
			Total:         d.Total,
			Payload:       payload,
			ServerOrderID: serverOrderID,
			CreatedAt:     created,
			UpdatedAt:     now,
		})
	case err != nil:
		return false, fmt.Errorf("failed to look up order %s: %w", d.ClientOrderID, err)
	case existingBranch != branchID:
		return false, nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE local_orders SET
			status_server = COALESCE(?, status_server),
			server_order_id = COALESCE(?, server_order_id),
			updated_at = ?
		WHERE client_order_id = ?`,
		nonEmpty(d.Status), nonEmpty(d.ServerOrderID), formatTime(now), d.ClientOrderID)
	if err != nil {
		return false, fmt.Errorf("failed to update order %s: %w", d.ClientOrderID, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// applyCounts tallies one page (or snapshot) application.
type applyCounts struct {
	Applied int
	Skipped int
}

// applyDeltasTx applies every stream of a page in stream order. Records that fail validation are
// skipped with a warning so one bad row cannot wedge the cursor.
func (c *Client) applyDeltasTx(ctx context.Context, tx *sql.Tx, branchID string, d *possync.Deltas, now time.Time) (applyCounts, error) {
	var counts applyCounts
	tally := func(changed bool, err error) error {
		if err != nil {
			return err
		}
		if changed {
			counts.Applied++
		} else {
			counts.Skipped++
		}
		return nil
	}
	invalid := func(kind, id string, err error) {
		counts.Skipped++
		c.logger.Warn("skipping invalid record", "branch_id", branchID, "kind", kind, "id", id, "error", err)
	}

	for i := range d.CatalogProducts {
		p := &d.CatalogProducts[i]
		if err := validateRecord(p); err != nil {
			invalid("catalog_product", p.Ref, err)
			continue
		}
		if err := tally(upsertCatalogProductTx(ctx, tx, branchID, p)); err != nil {
			return counts, err
		}
	}
	for i := range d.CatalogSections {
		s := &d.CatalogSections[i]
		if err := validateRecord(s); err != nil {
			invalid("catalog_section", s.Ref, err)
			continue
		}
		if err := tally(upsertCatalogSectionTx(ctx, tx, branchID, s)); err != nil {
			return counts, err
		}
	}
	for i := range d.Orders {
		o := &d.Orders[i]
		if err := validateRecord(o); err != nil {
			invalid("order", o.ClientOrderID, err)
			continue
		}
		if err := tally(applyOrderDeltaTx(ctx, tx, branchID, o, now)); err != nil {
			return counts, err
		}
	}
	for i := range d.Inventory {
		inv := &d.Inventory[i]
		if err := validateRecord(inv); err != nil {
			invalid("inventory", inv.ProductUID, err)
			continue
		}
		if err := tally(applyInventoryDelta(ctx, tx, branchID, inv, now)); err != nil {
			return counts, err
		}
	}
	for i := range d.Conflicts {
		cf := &d.Conflicts[i]
		if err := validateRecord(cf); err != nil {
			invalid("conflict", cf.ConflictID, err)
			continue
		}
		if err := tally(true, upsertConflictTx(ctx, tx, branchID, cf, now)); err != nil {
			return counts, err
		}
	}
	return counts, nil
}
