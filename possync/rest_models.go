// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"encoding/json"
	"time"
)

// REST/JSON models exchanged between a terminal and the sync server.

// RegisterRequest is sent once per device and branch to obtain a signing secret
type RegisterRequest struct {
	BranchID       string            `json:"branch_id" validate:"required"`
	DeviceID       string            `json:"device_id" validate:"required"`
	InstallationID string            `json:"installation_id" validate:"required"`
	TerminalCode   string            `json:"terminal_code" validate:"required"`
	Label          string            `json:"label,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// RegisterResponse carries the device secret issued by the server
type RegisterResponse struct {
	KeyVersion   int    `json:"key_version"`
	DeviceSecret string `json:"device_secret"`
}

// EventEnvelope is the signed unit pushed to the server as-is
type EventEnvelope struct {
	EventID         string          `json:"event_id" validate:"required"`
	IdempotencyKey  string          `json:"idempotency_key" validate:"required"`
	DeviceID        string          `json:"device_id" validate:"required"`
	TerminalCode    string          `json:"terminal_code" validate:"required"`
	BranchID        string          `json:"branch_id" validate:"required"`
	DeviceSeq       int64           `json:"device_seq" validate:"gte=1"`
	EventType       string          `json:"event_type" validate:"required"`
	AggregateType   string          `json:"aggregate_type" validate:"required"`
	AggregateID     string          `json:"aggregate_id" validate:"required"`
	ClientCreatedAt time.Time       `json:"client_created_at"`
	ClientHLC       string          `json:"client_hlc"`
	Payload         json.RawMessage `json:"payload" validate:"required"`
	PayloadHash     string          `json:"payload_hash" validate:"required,len=64,hexadecimal"`
	PrevHash        *string         `json:"prev_hash"`
	Signature       *string         `json:"signature"`
}

// PushRequest is a batch of signed events
type PushRequest struct {
	Events []EventEnvelope `json:"events"`
}

// ServerRefs holds identifiers the server assigned while processing an event
type ServerRefs struct {
	OrderID    string `json:"order_id,omitempty"`
	ConflictID string `json:"conflict_id,omitempty"`
}

// PushResult is the per-event acknowledgment
type PushResult struct {
	EventID     string      `json:"event_id"`
	Status      string      `json:"status"` // "accepted", "duplicate", "conflict", "rejected"
	Code        string      `json:"code,omitempty"`
	Message     string      `json:"message,omitempty"`
	ServerRefs  *ServerRefs `json:"server_refs,omitempty"`
	OrderStatus string      `json:"order_status,omitempty"`
}

// PushResponse lists one result per processed event
type PushResponse struct {
	Results []PushResult `json:"results"`
}

// Cursors holds the opaque pull position of every stream
type Cursors struct {
	Catalog   string `json:"catalog,omitempty"`
	Sections  string `json:"sections,omitempty"`
	Orders    string `json:"orders,omitempty"`
	Inventory string `json:"inventory,omitempty"`
	Conflicts string `json:"conflicts,omitempty"`
}

// Get returns the cursor for a stream name.
func (c Cursors) Get(stream string) string {
	switch stream {
	case StreamCatalog:
		return c.Catalog
	case StreamSections:
		return c.Sections
	case StreamOrders:
		return c.Orders
	case StreamInventory:
		return c.Inventory
	case StreamConflicts:
		return c.Conflicts
	}
	return ""
}

// Set stores the cursor for a stream name.
func (c *Cursors) Set(stream, value string) {
	switch stream {
	case StreamCatalog:
		c.Catalog = value
	case StreamSections:
		c.Sections = value
	case StreamOrders:
		c.Orders = value
	case StreamInventory:
		c.Inventory = value
	case StreamConflicts:
		c.Conflicts = value
	}
}

// CatalogProduct is a product row as served by the catalog stream
type CatalogProduct struct {
	Ref        string          `json:"ref" validate:"required"`
	Name       string          `json:"name"`
	Price      float64         `json:"price"`
	SectionRef string          `json:"section_ref,omitempty"`
	Deleted    bool            `json:"deleted,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// CatalogSection is a menu/catalog section row
type CatalogSection struct {
	Ref       string          `json:"ref" validate:"required"`
	Name      string          `json:"name"`
	Position  int             `json:"position"`
	Deleted   bool            `json:"deleted,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// OrderDelta reports the server-side state of an order
type OrderDelta struct {
	ClientOrderID string          `json:"client_order_id" validate:"required"`
	ServerOrderID string          `json:"server_order_id,omitempty"`
	DeviceID      string          `json:"device_id,omitempty"`
	OrderNumber   string          `json:"order_number,omitempty"`
	Status        string          `json:"status,omitempty"`
	Total         float64         `json:"total"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// InventoryDelta is an authoritative stock movement
type InventoryDelta struct {
	ProductUID   string   `json:"product_uid" validate:"required"`
	Version      int64    `json:"version"`
	DeltaQty     float64  `json:"delta_qty"`
	BalanceAfter *float64 `json:"balance_after,omitempty"`
}

// ConflictRecord describes a server-detected conflict
type ConflictRecord struct {
	ConflictID      string          `json:"conflict_id" validate:"required"`
	EventID         string          `json:"event_id,omitempty"`
	AggregateType   string          `json:"aggregate_type,omitempty"`
	AggregateID     string          `json:"aggregate_id,omitempty"`
	ResolutionState string          `json:"resolution_state" validate:"omitempty,oneof=open resolved"`
	Details         json.RawMessage `json:"details,omitempty"`
	Resolution      json.RawMessage `json:"resolution,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Deltas groups the changed records of every stream
type Deltas struct {
	CatalogProducts []CatalogProduct `json:"catalog_products,omitempty"`
	CatalogSections []CatalogSection `json:"catalog_sections,omitempty"`
	Orders          []OrderDelta     `json:"orders,omitempty"`
	Inventory       []InventoryDelta `json:"inventory,omitempty"`
	Conflicts       []ConflictRecord `json:"conflicts,omitempty"`
}

// Count returns the number of records across all streams.
func (d *Deltas) Count() int {
	return len(d.CatalogProducts) + len(d.CatalogSections) + len(d.Orders) + len(d.Inventory) + len(d.Conflicts)
}

// PullResponse is the answer to GET /sync/pull
type PullResponse struct {
	Deltas      Deltas    `json:"deltas"`
	NextCursors Cursors   `json:"next_cursors"`
	ServerTime  time.Time `json:"server_time"`
	HasMore     bool      `json:"has_more,omitempty"`
}

// Snapshot is the full state served by GET /sync/bootstrap
type Snapshot struct {
	CatalogProducts []CatalogProduct `json:"catalog_products"`
	CatalogSections []CatalogSection `json:"catalog_sections"`
	OpenConflicts   []ConflictRecord `json:"open_conflicts"`
}

// BootstrapResponse carries the snapshot plus the cursor set to continue from
type BootstrapResponse struct {
	Snapshot   Snapshot  `json:"snapshot"`
	Cursors    Cursors   `json:"cursors"`
	ServerTime time.Time `json:"server_time"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
