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

// PullReport summarizes one or more pulled pages
type PullReport struct {
	Pages      int
	Received   int
	Applied    int
	Skipped    int
	HasMore    bool
	Cursors    possync.Cursors
	ServerTime *time.Time
}

// PullOnce fetches and applies a single page of deltas.
func (c *Client) PullOnce(ctx context.Context, branchID string) (*PullReport, error) {
	report := &PullReport{}
	err := c.pullPage(ctx, branchID, report)
	return report, err
}

// Pull follows has_more up to MaxPullPages pages.
func (c *Client) Pull(ctx context.Context, branchID string) (*PullReport, error) {
	start := time.Now()
	report := &PullReport{}
	var err error
	for i := 0; i < c.config.MaxPullPages; i++ {
		if err = c.pullPage(ctx, branchID, report); err != nil || !report.HasMore {
			break
		}
	}
	c.observeStage(ctx, possync.MetricsOpPull, possync.MetricsStageTotal, branchID, start, report.Received, err)
	return report, err
}

func (c *Client) pullPage(ctx context.Context, branchID string, report *PullReport) error {
	done, err := c.BootstrapDone(ctx, branchID)
	if err != nil {
		return err
	}
	if !done {
		return fmt.Errorf("branch %s: %w", branchID, ErrBootstrapPending)
	}
	dc, err := c.registeredContext(ctx, branchID)
	if err != nil {
		return err
	}
	st, err := c.SyncState(ctx, branchID)
	if err != nil {
		return err
	}

	fetchStart := time.Now()
	resp, err := c.sendPull(ctx, dc, st.Cursors, c.config.PullLimit)
	c.observeStage(ctx, possync.MetricsOpPull, possync.MetricsStageFetch, branchID, fetchStart, 0, err)
	if err != nil {
		if isUnauthorized(err) {
			c.logger.Warn("server refused device credentials, re-registering next cycle", "branch_id", branchID)
			if rerr := c.RotateSecret(ctx, branchID); rerr != nil {
				return rerr
			}
		}
		return fmt.Errorf("%w: pull: %w", ErrTransportFailure, err)
	}

	applyStart := time.Now()
	var counts applyCounts
	var cursors possync.Cursors
	err = c.withTx(ctx, func(tx *sql.Tx) error {
		now := c.now()
		var err error
		if counts, err = c.applyDeltasTx(ctx, tx, branchID, &resp.Deltas, now); err != nil {
			return err
		}
		cur, err := loadSyncState(ctx, tx, branchID)
		if err != nil {
			return err
		}
		for _, s := range possync.Streams {
			if next := resp.NextCursors.Get(s); next != "" {
				cur.Cursors.Set(s, next)
			}
		}
		if !resp.ServerTime.IsZero() {
			serverTime := resp.ServerTime.UTC()
			cur.ServerTime = &serverTime
		}
		cur.LastPullAt = &now
		cursors = cur.Cursors
		report.ServerTime = cur.ServerTime
		return saveSyncState(ctx, tx, cur, now)
	})
	c.observeStage(ctx, possync.MetricsOpPull, possync.MetricsStageApply, branchID, applyStart, counts.Applied, err)
	if err != nil {
		return err
	}

	report.Pages++
	report.Received += resp.Deltas.Count()
	report.Applied += counts.Applied
	report.Skipped += counts.Skipped
	report.HasMore = resp.HasMore
	report.Cursors = cursors
	c.logger.Debug("pull page applied", "branch_id", branchID, "received", resp.Deltas.Count(),
		"applied", counts.Applied, "skipped", counts.Skipped, "has_more", resp.HasMore)
	return nil
}
