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

// PushReport summarizes one or more push batches
type PushReport struct {
	Batches    int
	Sent       int
	Accepted   int
	Duplicates int
	Conflicts  int
	Rejected   int
	Retried    int
	Skipped    int // results already applied earlier
}

func (r *PushReport) count(status string) {
	switch status {
	case possync.StAccepted:
		r.Accepted++
	case possync.StDuplicate:
		r.Duplicates++
	case possync.StConflict:
		r.Conflicts++
	case possync.StRejected:
		r.Rejected++
	}
}

// PushOnce sends a single batch of due outbox events.
func (c *Client) PushOnce(ctx context.Context, branchID string) (*PushReport, error) {
	report := &PushReport{}
	_, err := c.pushBatch(ctx, branchID, report)
	return report, err
}

// Push drains due events batch by batch, up to MaxPushBatches. Transport failures stop the
// drain and come back wrapped in ErrTransportFailure after the batch was rescheduled.
func (c *Client) Push(ctx context.Context, branchID string) (*PushReport, error) {
	start := time.Now()
	report := &PushReport{}
	var err error
	for i := 0; i < c.config.MaxPushBatches; i++ {
		var sent int
		sent, err = c.pushBatch(ctx, branchID, report)
		if err != nil || sent == 0 {
			break
		}
	}
	c.observeStage(ctx, possync.MetricsOpPush, possync.MetricsStageTotal, branchID, start, report.Sent, err)
	return report, err
}

// pushBatch returns the number of events sent.
func (c *Client) pushBatch(ctx context.Context, branchID string, report *PushReport) (int, error) {
	dc, err := c.registeredContext(ctx, branchID)
	if err != nil {
		return 0, err
	}

	selStart := time.Now()
	due, err := dueEvents(ctx, c.DB, branchID, c.now(), c.config.PushMaxEvents)
	c.observeStage(ctx, possync.MetricsOpPush, possync.MetricsStageSelect, branchID, selStart, len(due), err)
	if err != nil {
		return 0, classifyStorage(err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	batch, body, err := c.buildPushBody(due, *dc.DeviceSecret)
	if err != nil {
		return 0, err
	}
	report.Batches++
	report.Sent += len(batch)

	sendStart := time.Now()
	resp, sendErr := c.sendPush(ctx, dc, body)
	c.observeStage(ctx, possync.MetricsOpPush, possync.MetricsStageSend, branchID, sendStart, len(batch), sendErr)
	if sendErr != nil {
		if err := c.retryBatch(ctx, batch, sendErr); err != nil {
			return len(batch), err
		}
		report.Retried += len(batch)
		if isUnauthorized(sendErr) {
			c.logger.Warn("server refused device credentials, re-registering next cycle", "branch_id", branchID)
			if err := c.RotateSecret(ctx, branchID); err != nil {
				return len(batch), err
			}
		}
		return len(batch), fmt.Errorf("%w: push: %w", ErrTransportFailure, sendErr)
	}

	ackStart := time.Now()
	err = c.applyPushResults(ctx, branchID, batch, resp.Results, report)
	c.observeStage(ctx, possync.MetricsOpPush, possync.MetricsStageAck, branchID, ackStart, len(resp.Results), err)
	if err != nil {
		return len(batch), err
	}
	return len(batch), nil
}

// buildPushBody re-signs due events with the current secret and packs them into a batch bounded
// by PushMaxEvents and PushMaxBytes. The first event always goes, however large.
// Re-signed envelopes are not written back; the stored envelope keeps its creation-time signature.
func (c *Client) buildPushBody(due []OutboxEvent, secret string) ([]OutboxEvent, []byte, error) {
	var (
		batch []OutboxEvent
		envs  []json.RawMessage
		size  int
	)
	for i := range due {
		env := due[i].Envelope
		c.signer.SignEnvelope(&env, secret)
		raw, err := json.Marshal(&env)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode envelope %s: %w", env.EventID, err)
		}
		if len(batch) > 0 && (len(batch) >= c.config.PushMaxEvents || size+len(raw) > c.config.PushMaxBytes) {
			break
		}
		batch = append(batch, due[i])
		envs = append(envs, raw)
		size += len(raw)
	}
	body, err := json.Marshal(struct {
		Events []json.RawMessage `json:"events"`
	}{Events: envs})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode push request: %w", err)
	}
	return batch, body, nil
}

// retryBatch reschedules every event of a batch after a transport failure.
func (c *Client) retryBatch(ctx context.Context, batch []OutboxEvent, cause error) error {
	now := c.now()
	return c.withTx(ctx, func(tx *sql.Tx) error {
		for i := range batch {
			attempts, next, err := c.markRetryTx(ctx, tx, batch[i].EventID, cause.Error(), now)
			if err != nil {
				return err
			}
			c.logger.Debug("event scheduled for retry", "event_id", batch[i].EventID,
				"device_seq", batch[i].DeviceSeq, "attempts", attempts, "next_attempt_at", next)
		}
		return nil
	})
}

// applyPushResults applies every result of a batch in one transaction. Events the server did not
// answer for are rescheduled.
func (c *Client) applyPushResults(ctx context.Context, branchID string, batch []OutboxEvent, results []possync.PushResult, report *PushReport) error {
	now := c.now()
	answered := make(map[string]bool, len(results))
	inBatch := make(map[string]bool, len(batch))
	for i := range batch {
		inBatch[batch[i].EventID] = true
	}

	err := c.withTx(ctx, func(tx *sql.Tx) error {
		for i := range results {
			res := &results[i]
			if !inBatch[res.EventID] {
				c.logger.Warn("ignoring push result for event outside batch", "event_id", res.EventID, "status", res.Status)
				continue
			}
			outcome, err := c.applyAckTx(ctx, tx, res, now)
			if errors.Is(err, ErrNotFound) {
				c.logger.Warn("push result for unknown event", "event_id", res.EventID)
				continue
			}
			if err != nil {
				return err
			}
			answered[res.EventID] = true
			switch outcome {
			case ackApplied:
				report.count(res.Status)
			case ackSkipped:
				report.Skipped++
			case ackRetry:
				report.Retried++
			}
		}
		for i := range batch {
			if answered[batch[i].EventID] {
				continue
			}
			if _, _, err := c.markRetryTx(ctx, tx, batch[i].EventID, "no result returned by server", now); err != nil {
				return err
			}
			report.Retried++
		}
		return touchSyncState(ctx, tx, branchID, "last_push_at", now)
	})
	if err != nil {
		return err
	}
	c.logger.Debug("push batch applied", "branch_id", branchID, "sent", len(batch), "results", len(results),
		"accepted", report.Accepted, "duplicates", report.Duplicates, "conflicts", report.Conflicts,
		"rejected", report.Rejected, "retried", report.Retried)
	return nil
}
