// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possync

// Event type and aggregate constants
const (
	EventSaleCreated = "sale.created"
	AggregateOrder   = "order"
	DefaultPullLimit = 500
	MaxPullLimit     = 1000
)

// Push result statuses returned by the server per event
const (
	StAccepted  = "accepted"
	StDuplicate = "duplicate"
	StConflict  = "conflict"
	StRejected  = "rejected"
)

// Delta streams, each with an independent pull cursor
const (
	StreamCatalog   = "catalog"
	StreamSections  = "sections"
	StreamOrders    = "orders"
	StreamInventory = "inventory"
	StreamConflicts = "conflicts"
)

// Streams lists every pull stream in the order they are applied.
var Streams = []string{StreamCatalog, StreamSections, StreamOrders, StreamInventory, StreamConflicts}

// Signed request headers required on every /sync endpoint
const (
	HeaderDeviceID       = "X-Device-Id"
	HeaderTerminalCode   = "X-Terminal-Code"
	HeaderTimestamp      = "X-Request-Timestamp"
	HeaderIdempotencyKey = "X-Idempotency-Key"
	HeaderSignature      = "X-Signature"
)

// Rejection codes used by servers (and the in-memory test server)
const (
	CodeBadSignature    = "bad_signature"
	CodeBadPayload      = "bad_payload"
	CodeOutOfStock      = "out_of_stock"
	CodeVersionMismatch = "version_mismatch"
)
