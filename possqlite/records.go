// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possqlite

import (
	"encoding/json"
	"math"
	"time"

	"github.com/mobiletoly/go-possync/possync"
)

// Order sync states
const (
	SyncPending  = "pending"
	SyncSynced   = "synced"
	SyncConflict = "conflict"
	SyncRejected = "rejected"
)

// Outbox event statuses
const (
	OutboxPending  = "pending"
	OutboxRetry    = "retry"
	OutboxAcked    = "acked"
	OutboxConflict = "conflict"
	OutboxRejected = "rejected"
)

// Conflict resolution states
const (
	ConflictOpen     = "open"
	ConflictResolved = "resolved"
)

// DeviceContext is the terminal identity for one branch
type DeviceContext struct {
	BranchID       string     `json:"branch_id"`
	DeviceID       string     `json:"device_id"`
	InstallationID string     `json:"installation_id"`
	TerminalCode   string     `json:"terminal_code"`
	KeyVersion     int        `json:"key_version"`
	DeviceSecret   *string    `json:"device_secret,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	RegisteredAt   *time.Time `json:"registered_at,omitempty"`
}

// Registered reports whether the server issued a signing secret.
func (d *DeviceContext) Registered() bool {
	return d != nil && d.DeviceSecret != nil && *d.DeviceSecret != ""
}

// SyncState holds the pull cursors and bookkeeping timestamps of a branch
type SyncState struct {
	BranchID   string          `json:"branch_id"`
	Cursors    possync.Cursors `json:"cursors"`
	LastPushAt *time.Time      `json:"last_push_at,omitempty"`
	LastPullAt *time.Time      `json:"last_pull_at,omitempty"`
	ServerTime *time.Time      `json:"server_time,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// SaleItem is one line of a sale
type SaleItem struct {
	ProductUID string  `json:"product_uid" validate:"required"`
	Name       string  `json:"name,omitempty"`
	Qty        float64 `json:"qty" validate:"gt=0"`
	UnitPrice  float64 `json:"unit_price" validate:"gte=0"`
	Discount   float64 `json:"discount,omitempty" validate:"gte=0"`
	Notes      string  `json:"notes,omitempty"`
}

// LineTotal is qty·unit_price minus the line discount.
func (i SaleItem) LineTotal() float64 {
	return roundMoney(i.Qty*i.UnitPrice - i.Discount)
}

// SalePayload is what the register hands to CommitSale
type SalePayload struct {
	Items         []SaleItem        `json:"items" validate:"required,min=1,dive"`
	Discount      float64           `json:"discount,omitempty" validate:"gte=0"`
	Tax           float64           `json:"tax,omitempty" validate:"gte=0"`
	PaymentMethod string            `json:"payment_method,omitempty"`
	CustomerRef   string            `json:"customer_ref,omitempty"`
	Note          string            `json:"note,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Total is Σ line totals − order discount + tax.
func (p *SalePayload) Total() float64 {
	var sum float64
	for _, it := range p.Items {
		sum += it.LineTotal()
	}
	return roundMoney(sum - p.Discount + p.Tax)
}

func roundMoney(v float64) float64 {
	return math.Round(v*100) / 100
}

// CommitResult is returned to the register after a sale is durably stored
type CommitResult struct {
	ClientOrderID string    `json:"client_order_id"`
	OrderNumber   string    `json:"order_number"`
	Status        string    `json:"status"`
	SyncState     string    `json:"sync_state"`
	Total         float64   `json:"total"`
	CreatedAt     time.Time `json:"created_at"`
}

// LocalOrder is a sale as stored on the terminal
type LocalOrder struct {
	ClientOrderID string           `json:"client_order_id"`
	BranchID      string           `json:"branch_id"`
	DeviceID      string           `json:"device_id"`
	OrderNumber   string           `json:"order_number"`
	StatusLocal   string           `json:"status_local"`
	StatusServer  *string          `json:"status_server,omitempty"`
	SyncState     string           `json:"sync_state"`
	Total         float64          `json:"total"`
	Payload       json.RawMessage  `json:"payload"`
	ServerOrderID *string          `json:"server_order_id,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	Items         []LocalOrderItem `json:"items,omitempty"`
}

// LocalOrderItem is one stored order line
type LocalOrderItem struct {
	ClientOrderItemID string          `json:"client_order_item_id"`
	ClientOrderID     string          `json:"client_order_id"`
	ProductUID        string          `json:"product_uid"`
	Name              string          `json:"name"`
	Qty               float64         `json:"qty"`
	UnitPrice         float64         `json:"unit_price"`
	LineTotal         float64         `json:"line_total"`
	Payload           json.RawMessage `json:"payload"`
}

// InventoryProjection is the local stock view of one product
type InventoryProjection struct {
	BranchID          string    `json:"branch_id"`
	ProductUID        string    `json:"product_uid"`
	AvailableQty      *float64  `json:"available_qty,omitempty"`
	PendingDeltaQty   float64   `json:"pending_delta_qty"`
	LastServerVersion int64     `json:"last_server_version"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Effective is the server balance adjusted by unsynced local sales, nil while unknown.
func (p InventoryProjection) Effective() *float64 {
	if p.AvailableQty == nil {
		return nil
	}
	v := *p.AvailableQty + p.PendingDeltaQty
	return &v
}

// OutboxEvent is a queued signed event
type OutboxEvent struct {
	EventID        string                `json:"event_id"`
	BranchID       string                `json:"branch_id"`
	DeviceID       string                `json:"device_id"`
	DeviceSeq      int64                 `json:"device_seq"`
	EventType      string                `json:"event_type"`
	AggregateType  string                `json:"aggregate_type"`
	AggregateID    string                `json:"aggregate_id"`
	IdempotencyKey string                `json:"idempotency_key"`
	Envelope       possync.EventEnvelope `json:"envelope"`
	Status         string                `json:"status"`
	Attempts       int                   `json:"attempts"`
	NextAttemptAt  time.Time             `json:"next_attempt_at"`
	LastError      *string               `json:"last_error,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
	AckedAt        *time.Time            `json:"acked_at,omitempty"`
}

// AuditChainEntry links one event into the branch hash chain
type AuditChainEntry struct {
	BranchID    string    `json:"branch_id"`
	ChainSeq    int64     `json:"chain_seq"`
	EventID     string    `json:"event_id"`
	PayloadHash string    `json:"payload_hash"`
	PrevHash    *string   `json:"prev_hash,omitempty"`
	Signed      bool      `json:"signed"`
	CreatedAt   time.Time `json:"created_at"`
}

// Conflict is a server-detected conflict awaiting an operator
type Conflict struct {
	ConflictID      string          `json:"conflict_id"`
	BranchID        string          `json:"branch_id"`
	EventID         string          `json:"event_id,omitempty"`
	AggregateType   string          `json:"aggregate_type,omitempty"`
	AggregateID     string          `json:"aggregate_id,omitempty"`
	ResolutionState string          `json:"resolution_state"`
	Details         json.RawMessage `json:"details,omitempty"`
	Resolution      json.RawMessage `json:"resolution,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// CatalogProduct is a locally cached catalog row
type CatalogProduct struct {
	BranchID   string          `json:"branch_id"`
	Ref        string          `json:"ref"`
	Name       string          `json:"name"`
	Price      float64         `json:"price"`
	SectionRef string          `json:"section_ref,omitempty"`
	Deleted    bool            `json:"deleted"`
	Data       json.RawMessage `json:"data,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// CatalogSection is a locally cached section row
type CatalogSection struct {
	BranchID  string          `json:"branch_id"`
	Ref       string          `json:"ref"`
	Name      string          `json:"name"`
	Position  int             `json:"position"`
	Deleted   bool            `json:"deleted"`
	Data      json.RawMessage `json:"data,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}
