// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const orderColumns = `client_order_id, branch_id, device_id, order_number, status_local, status_server,
	sync_state, total, payload, server_order_id, created_at, updated_at`

func scanOrder(scan func(dest ...any) error) (*LocalOrder, error) {
	var (
		o                      LocalOrder
		statusServer, serverID sql.NullString
		payload                string
		createdAt, updatedAt   string
	)
	if err := scan(&o.ClientOrderID, &o.BranchID, &o.DeviceID, &o.OrderNumber, &o.StatusLocal, &statusServer,
		&o.SyncState, &o.Total, &payload, &serverID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	o.StatusServer = stringPtr(statusServer)
	o.ServerOrderID = stringPtr(serverID)
	o.Payload = json.RawMessage(payload)
	var err error
	if o.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if o.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &o, nil
}

// GetOrder loads an order with its items.
func (c *Client) GetOrder(ctx context.Context, clientOrderID string) (*LocalOrder, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	row := c.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM local_orders WHERE client_order_id = ?`, clientOrderID)
	o, err := scanOrder(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", clientOrderID, ErrNotFound)
	}
	if err != nil {
		return nil, classifyStorage(fmt.Errorf("failed to read order: %w", err))
	}

	rows, err := c.DB.QueryContext(ctx, `
		SELECT client_order_item_id, client_order_id, product_uid, name, qty, unit_price, line_total, payload
		FROM local_order_items WHERE client_order_id = ? ORDER BY rowid`, clientOrderID)
	if err != nil {
		return nil, classifyStorage(fmt.Errorf("failed to query order items: %w", err))
	}
	defer rows.Close()
	for rows.Next() {
		var it LocalOrderItem
		var payload string
		if err := rows.Scan(&it.ClientOrderItemID, &it.ClientOrderID, &it.ProductUID, &it.Name, &it.Qty,
			&it.UnitPrice, &it.LineTotal, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		it.Payload = json.RawMessage(payload)
		o.Items = append(o.Items, it)
	}
	return o, rows.Err()
}

// ListOrders returns the newest orders of a branch, optionally only those in one sync state.
func (c *Client) ListOrders(ctx context.Context, branchID, syncState string, limit int) ([]LocalOrder, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + orderColumns + ` FROM local_orders WHERE branch_id = ?`
	args := []any{branchID}
	if syncState != "" {
		query += ` AND sync_state = ?`
		args = append(args, syncState)
	}
	args = append(args, limit)
	rows, err := c.DB.QueryContext(ctx, query+` ORDER BY created_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, classifyStorage(fmt.Errorf("failed to query orders: %w", err))
	}
	defer rows.Close()
	var out []LocalOrder
	for rows.Next() {
		o, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// GetCatalogProduct returns a cached product, or ErrNotFound.
func (c *Client) GetCatalogProduct(ctx context.Context, branchID, ref string) (*CatalogProduct, error) {
	products, err := c.catalogProducts(ctx, `WHERE branch_id = ? AND ref = ?`, branchID, ref)
	if err != nil {
		return nil, err
	}
	if len(products) == 0 {
		return nil, fmt.Errorf("catalog product %s/%s: %w", branchID, ref, ErrNotFound)
	}
	return &products[0], nil
}

// ListCatalogProducts returns live products of a branch ordered by ref.
func (c *Client) ListCatalogProducts(ctx context.Context, branchID string) ([]CatalogProduct, error) {
	return c.catalogProducts(ctx, `WHERE branch_id = ? AND deleted = 0 ORDER BY ref`, branchID)
}

func (c *Client) catalogProducts(ctx context.Context, where string, args ...any) ([]CatalogProduct, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := c.DB.QueryContext(ctx, `
		SELECT branch_id, ref, name, price, section_ref, payload, deleted, updated_at
		FROM catalog_products `+where, args...)
	if err != nil {
		return nil, classifyStorage(fmt.Errorf("failed to query catalog: %w", err))
	}
	defer rows.Close()
	var out []CatalogProduct
	for rows.Next() {
		var (
			p         CatalogProduct
			payload   sql.NullString
			deleted   int
			updatedAt string
		)
		if err := rows.Scan(&p.BranchID, &p.Ref, &p.Name, &p.Price, &p.SectionRef, &payload, &deleted, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan catalog product: %w", err)
		}
		if payload.Valid {
			p.Data = json.RawMessage(payload.String)
		}
		p.Deleted = deleted != 0
		if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListCatalogSections returns live sections of a branch in display order.
func (c *Client) ListCatalogSections(ctx context.Context, branchID string) ([]CatalogSection, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := c.DB.QueryContext(ctx, `
		SELECT branch_id, ref, name, position, payload, deleted, updated_at
		FROM catalog_sections WHERE branch_id = ? AND deleted = 0 ORDER BY position, ref`, branchID)
	if err != nil {
		return nil, classifyStorage(fmt.Errorf("failed to query sections: %w", err))
	}
	defer rows.Close()
	var out []CatalogSection
	for rows.Next() {
		var (
			s         CatalogSection
			payload   sql.NullString
			deleted   int
			updatedAt string
		)
		if err := rows.Scan(&s.BranchID, &s.Ref, &s.Name, &s.Position, &payload, &deleted, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan section: %w", err)
		}
		if payload.Valid {
			s.Data = json.RawMessage(payload.String)
		}
		s.Deleted = deleted != 0
		if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
