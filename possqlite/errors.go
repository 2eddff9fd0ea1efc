// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possqlite

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/mattn/go-sqlite3"

	"github.com/mobiletoly/go-possync/possync"
)

// Error taxonomy of the engine. Storage and chain errors abort the operation and reach the
// caller; transport errors are absorbed into outbox retry state.
var (
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrRegistrationFailed = errors.New("device registration failed")
	ErrTransportFailure   = errors.New("transport failure")
	ErrServerRejected     = errors.New("server rejected event")
	ErrServerConflict     = errors.New("server reported conflict")
	ErrChainIntegrity     = errors.New("audit chain integrity violation")

	ErrInvalidPayload   = errors.New("invalid payload")
	ErrNotRegistered    = errors.New("device not registered")
	ErrBootstrapPending = errors.New("bootstrap not completed")
	ErrNotFound         = errors.New("not found")
)

// StatusError is returned when the server answers with a non-2xx status
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Body)
}

func isUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && (se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden)
}

// classifyStorage marks errors that mean the database itself cannot be used.
func classifyStorage(err error) error {
	if err == nil || errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrCantOpen, sqlite3.ErrIoErr, sqlite3.ErrReadonly, sqlite3.ErrCorrupt,
			sqlite3.ErrNotADB, sqlite3.ErrFull, sqlite3.ErrPerm, sqlite3.ErrAuth:
			return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
		}
	}
	return err
}

// outcomeError maps a terminal push status to its sentinel, or nil for success.
func outcomeError(status string) error {
	switch status {
	case possync.StConflict:
		return ErrServerConflict
	case possync.StRejected:
		return ErrServerRejected
	default:
		return nil
	}
}
