// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mobiletoly/go-possync/possync"
)

// BootstrapDone reports whether the initial snapshot of branchID was applied.
func (c *Client) BootstrapDone(ctx context.Context, branchID string) (bool, error) {
	if err := c.checkOpen(); err != nil {
		return false, err
	}
	_, ok, err := getMeta(ctx, c.DB, nsBootstrap, branchID)
	return ok, classifyStorage(err)
}

// Bootstrap loads the full snapshot of a branch once. It returns false when the branch was
// already bootstrapped. On failure the flag stays unset and the next cycle tries again.
func (c *Client) Bootstrap(ctx context.Context, branchID string) (bool, error) {
	done, err := c.BootstrapDone(ctx, branchID)
	if err != nil || done {
		return false, err
	}
	dc, err := c.registeredContext(ctx, branchID)
	if err != nil {
		return false, err
	}

	start := time.Now()
	resp, err := c.sendBootstrap(ctx, dc)
	c.observeStage(ctx, possync.MetricsOpBootstrap, possync.MetricsStageFetch, branchID, start, 0, err)
	if err != nil {
		if isUnauthorized(err) {
			c.logger.Warn("server refused device credentials, re-registering next cycle", "branch_id", branchID)
			if rerr := c.RotateSecret(ctx, branchID); rerr != nil {
				return false, rerr
			}
		}
		return false, fmt.Errorf("%w: bootstrap: %w", ErrTransportFailure, err)
	}

	applyStart := time.Now()
	var counts applyCounts
	err = c.withTx(ctx, func(tx *sql.Tx) error {
		now := c.now()
		d := possync.Deltas{
			CatalogProducts: resp.Snapshot.CatalogProducts,
			CatalogSections: resp.Snapshot.CatalogSections,
			Conflicts:       resp.Snapshot.OpenConflicts,
		}
		var err error
		if counts, err = c.applyDeltasTx(ctx, tx, branchID, &d, now); err != nil {
			return err
		}

		st, err := loadSyncState(ctx, tx, branchID)
		if err != nil {
			return err
		}
		st.Cursors = resp.Cursors
		if !resp.ServerTime.IsZero() {
			serverTime := resp.ServerTime.UTC()
			st.ServerTime = &serverTime
		}
		st.LastPullAt = &now
		if err := saveSyncState(ctx, tx, st, now); err != nil {
			return err
		}
		return setMeta(ctx, tx, nsBootstrap, branchID, formatTime(now), now)
	})
	c.observeStage(ctx, possync.MetricsOpBootstrap, possync.MetricsStageApply, branchID, applyStart, counts.Applied, err)
	if err != nil {
		return false, err
	}
	c.logger.Info("bootstrap applied", "branch_id", branchID, "products", len(resp.Snapshot.CatalogProducts),
		"sections", len(resp.Snapshot.CatalogSections), "open_conflicts", len(resp.Snapshot.OpenConflicts))
	return true, nil
}
