// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possync

// Accepted creates a result for an event the server applied, with the server order id
func Accepted(eventID, serverOrderID, orderStatus string) PushResult {
	return PushResult{
		EventID:     eventID,
		Status:      StAccepted,
		ServerRefs:  &ServerRefs{OrderID: serverOrderID},
		OrderStatus: orderStatus,
	}
}

// Duplicate creates a result for an event whose idempotency key the server already saw
func Duplicate(eventID, serverOrderID string) PushResult {
	return PushResult{
		EventID:    eventID,
		Status:     StDuplicate,
		ServerRefs: &ServerRefs{OrderID: serverOrderID},
	}
}

// Conflict creates a result for an event the server parked for resolution
func Conflict(eventID, conflictID, code, message string) PushResult {
	return PushResult{
		EventID:    eventID,
		Status:     StConflict,
		Code:       code,
		Message:    message,
		ServerRefs: &ServerRefs{ConflictID: conflictID},
	}
}

// Rejected creates a terminal rejection result
func Rejected(eventID, code, message string) PushResult {
	return PushResult{
		EventID: eventID,
		Status:  StRejected,
		Code:    code,
		Message: message,
	}
}

// IsTerminal reports whether a push status ends the event's delivery.
func IsTerminal(status string) bool {
	switch status {
	case StAccepted, StDuplicate, StConflict, StRejected:
		return true
	default:
		return false
	}
}
