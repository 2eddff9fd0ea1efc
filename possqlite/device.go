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

// terminalCode renders "POS-<branch>-<NN>".
func terminalCode(branchID string, terminal int) string {
	return fmt.Sprintf("POS-%s-%02d", branchID, terminal)
}

// EnsureDeviceContext returns the device identity for branchID, creating it on first use.
func (c *Client) EnsureDeviceContext(ctx context.Context, branchID string) (*DeviceContext, error) {
	if err := requireBranch(branchID); err != nil {
		return nil, err
	}
	var dc *DeviceContext
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		dc, err = c.ensureDeviceContextTx(ctx, tx, branchID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return dc, nil
}

// DeviceContext loads the stored identity for branchID or returns ErrNotFound.
func (c *Client) DeviceContext(ctx context.Context, branchID string) (*DeviceContext, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	dc, err := loadDeviceContext(ctx, c.DB, branchID)
	if err != nil {
		return nil, classifyStorage(err)
	}
	if dc == nil {
		return nil, fmt.Errorf("device context for branch %s: %w", branchID, ErrNotFound)
	}
	return dc, nil
}

func (c *Client) ensureDeviceContextTx(ctx context.Context, tx *sql.Tx, branchID string) (*DeviceContext, error) {
	dc, err := loadDeviceContext(ctx, tx, branchID)
	if err != nil || dc != nil {
		return dc, err
	}

	dc = &DeviceContext{
		BranchID:       branchID,
		DeviceID:       c.signer.Crypto.RandomUUID(),
		InstallationID: c.signer.Crypto.RandomUUID(),
		TerminalCode:   terminalCode(branchID, c.config.TerminalNumber),
		CreatedAt:      c.now(),
	}
	if err := saveDeviceContext(ctx, tx, dc, c.now()); err != nil {
		return nil, err
	}
	c.logger.Info("created device context", "branch_id", branchID, "device_id", dc.DeviceID, "terminal_code", dc.TerminalCode)
	return dc, nil
}

func loadDeviceContext(ctx context.Context, q queryer, branchID string) (*DeviceContext, error) {
	raw, ok, err := getMeta(ctx, q, nsDeviceContext, branchID)
	if err != nil || !ok {
		return nil, err
	}
	var dc DeviceContext
	if err := json.Unmarshal([]byte(raw), &dc); err != nil {
		return nil, fmt.Errorf("failed to decode device context for branch %s: %w", branchID, err)
	}
	return &dc, nil
}

func saveDeviceContext(ctx context.Context, q queryer, dc *DeviceContext, now time.Time) error {
	raw, err := json.Marshal(dc)
	if err != nil {
		return fmt.Errorf("failed to encode device context: %w", err)
	}
	return setMeta(ctx, q, nsDeviceContext, dc.BranchID, string(raw), now)
}

// EnsureRegistered registers the device with the server unless a secret is already stored.
// Failures return ErrRegistrationFailed and leave local data untouched.
func (c *Client) EnsureRegistered(ctx context.Context, branchID string) (*DeviceContext, error) {
	dc, err := c.EnsureDeviceContext(ctx, branchID)
	if err != nil {
		return nil, err
	}
	if dc.Registered() {
		return dc, nil
	}

	start := time.Now()
	req := &possync.RegisterRequest{
		BranchID:       dc.BranchID,
		DeviceID:       dc.DeviceID,
		InstallationID: dc.InstallationID,
		TerminalCode:   dc.TerminalCode,
		Label:          c.config.DeviceLabel,
		Metadata:       c.config.DeviceMetadata,
	}
	resp, err := c.sendRegister(ctx, req)
	if err == nil && resp.DeviceSecret == "" {
		err = errors.New("server returned an empty device secret")
	}
	c.observeStage(ctx, possync.MetricsOpRegister, possync.MetricsStageTotal, branchID, start, 1, err)
	if err != nil {
		c.logger.Warn("device registration failed", "branch_id", branchID, "device_id", dc.DeviceID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
	}

	err = c.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := loadDeviceContext(ctx, tx, branchID)
		if err != nil {
			return err
		}
		if cur == nil || cur.DeviceID != dc.DeviceID {
			return fmt.Errorf("device context for branch %s changed during registration", branchID)
		}
		now := c.now()
		secret := resp.DeviceSecret
		cur.DeviceSecret = &secret
		cur.KeyVersion = resp.KeyVersion
		cur.RegisteredAt = &now
		dc = cur
		return saveDeviceContext(ctx, tx, cur, now)
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("device registered", "branch_id", branchID, "device_id", dc.DeviceID, "key_version", dc.KeyVersion)
	return dc, nil
}

// RotateSecret forgets the stored secret so the next sync cycle registers again.
func (c *Client) RotateSecret(ctx context.Context, branchID string) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		dc, err := loadDeviceContext(ctx, tx, branchID)
		if err != nil {
			return err
		}
		if dc == nil {
			return fmt.Errorf("device context for branch %s: %w", branchID, ErrNotFound)
		}
		dc.DeviceSecret = nil
		dc.RegisteredAt = nil
		return saveDeviceContext(ctx, tx, dc, c.now())
	})
}

// registeredContext returns the device context or ErrNotRegistered.
func (c *Client) registeredContext(ctx context.Context, branchID string) (*DeviceContext, error) {
	dc, err := c.DeviceContext(ctx, branchID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("branch %s: %w", branchID, ErrNotRegistered)
	}
	if err != nil {
		return nil, err
	}
	if !dc.Registered() {
		return nil, fmt.Errorf("branch %s: %w", branchID, ErrNotRegistered)
	}
	return dc, nil
}
