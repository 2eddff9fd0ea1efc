// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const chainColumns = `branch_id, chain_seq, event_id, payload_hash, prev_hash, signed, created_at`

func scanChainEntry(scan func(dest ...any) error) (*AuditChainEntry, error) {
	var (
		e         AuditChainEntry
		prev      sql.NullString
		signed    int
		createdAt string
	)
	if err := scan(&e.BranchID, &e.ChainSeq, &e.EventID, &e.PayloadHash, &prev, &signed, &createdAt); err != nil {
		return nil, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	e.PrevHash = stringPtr(prev)
	e.Signed = signed != 0
	e.CreatedAt = t
	return &e, nil
}

func chainEntryAt(ctx context.Context, q queryer, branchID string, seq int64) (*AuditChainEntry, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+chainColumns+` FROM audit_chain WHERE branch_id = ? AND chain_seq = ?`, branchID, seq)
	e, err := scanChainEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read audit chain entry %d: %w", seq, err)
	}
	return e, nil
}

// chainTail returns the newest entry of the branch chain, or nil for an empty chain.
func chainTail(ctx context.Context, q queryer, branchID string) (*AuditChainEntry, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+chainColumns+` FROM audit_chain WHERE branch_id = ? ORDER BY chain_seq DESC LIMIT 1`, branchID)
	e, err := scanChainEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read audit chain tail: %w", err)
	}
	return e, nil
}

func chainViolation(branchID, format string, args ...any) error {
	return fmt.Errorf("%w: branch %s: %s", ErrChainIntegrity, branchID, fmt.Sprintf(format, args...))
}

// checkChainTail verifies that the tail links to its predecessor and to the outbox event it names.
func checkChainTail(ctx context.Context, q queryer, branchID string, tail *AuditChainEntry) error {
	if tail == nil {
		var events int
		if err := q.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM outbox_events WHERE branch_id = ?`, branchID).Scan(&events); err != nil {
			return fmt.Errorf("failed to count outbox events: %w", err)
		}
		if events > 0 {
			return chainViolation(branchID, "chain is empty but %d outbox events exist", events)
		}
		return nil
	}

	if tail.ChainSeq == 1 {
		if tail.PrevHash != nil {
			return chainViolation(branchID, "first entry has prev_hash")
		}
	} else {
		pred, err := chainEntryAt(ctx, q, branchID, tail.ChainSeq-1)
		if err != nil {
			return err
		}
		if pred == nil {
			return chainViolation(branchID, "entry %d has no predecessor", tail.ChainSeq)
		}
		if tail.PrevHash == nil || *tail.PrevHash != pred.PayloadHash {
			return chainViolation(branchID, "entry %d does not link to entry %d", tail.ChainSeq, pred.ChainSeq)
		}
	}

	var envelope string
	err := q.QueryRowContext(ctx,
		`SELECT envelope FROM outbox_events WHERE event_id = ? AND branch_id = ?`, tail.EventID, branchID).Scan(&envelope)
	if errors.Is(err, sql.ErrNoRows) {
		return chainViolation(branchID, "entry %d references missing event %s", tail.ChainSeq, tail.EventID)
	}
	if err != nil {
		return fmt.Errorf("failed to read outbox event %s: %w", tail.EventID, err)
	}
	env, err := decodeEnvelope(envelope)
	if err != nil {
		return chainViolation(branchID, "event %s envelope unreadable: %v", tail.EventID, err)
	}
	if env.PayloadHash != tail.PayloadHash {
		return chainViolation(branchID, "entry %d payload hash differs from event %s", tail.ChainSeq, tail.EventID)
	}
	return nil
}

func appendChainEntry(ctx context.Context, tx *sql.Tx, e *AuditChainEntry) error {
	signed := 0
	if e.Signed {
		signed = 1
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO audit_chain (`+chainColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.BranchID, e.ChainSeq, e.EventID, e.PayloadHash, nullString(e.PrevHash), signed, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append audit chain entry %d: %w", e.ChainSeq, err)
	}
	return nil
}

// ChainHalt returns the recorded integrity violation for branchID, if any.
func (c *Client) ChainHalt(ctx context.Context, branchID string) (string, bool, error) {
	if err := c.checkOpen(); err != nil {
		return "", false, err
	}
	reason, ok, err := getMeta(ctx, c.DB, nsChainHalt, branchID)
	return reason, ok, classifyStorage(err)
}

func (c *Client) haltChain(ctx context.Context, branchID string, cause error) {
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		return setMeta(ctx, tx, nsChainHalt, branchID, cause.Error(), c.now())
	})
	c.logger.Error("audit chain halted", "branch_id", branchID, "reason", cause, "persist_error", err)
}

// ClearChainHalt lifts a halt after an operator has repaired or accepted the chain.
func (c *Client) ClearChainHalt(ctx context.Context, branchID string) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		return deleteMeta(ctx, tx, nsChainHalt, branchID)
	})
}

// ChainReport summarizes a full chain walk
type ChainReport struct {
	BranchID string
	Entries  int
	HeadHash string
}

// VerifyChain walks the whole branch chain: contiguous sequence numbers, hash links, and payload
// hashes recomputed from the stored envelopes. A violation halts further commits for the branch.
func (c *Client) VerifyChain(ctx context.Context, branchID string) (*ChainReport, error) {
	if err := requireBranch(branchID); err != nil {
		return nil, err
	}
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	report, err := c.walkChain(ctx, branchID)
	if errors.Is(err, ErrChainIntegrity) {
		c.haltChain(ctx, branchID, err)
	}
	return report, err
}

type chainRow struct {
	entry    *AuditChainEntry
	envelope sql.NullString
}

func (c *Client) walkChain(ctx context.Context, branchID string) (*ChainReport, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT a.branch_id, a.chain_seq, a.event_id, a.payload_hash, a.prev_hash, a.signed, a.created_at, o.envelope
		FROM audit_chain a LEFT JOIN outbox_events o ON o.event_id = a.event_id
		WHERE a.branch_id = ? ORDER BY a.chain_seq`, branchID)
	if err != nil {
		return nil, classifyStorage(fmt.Errorf("failed to query audit chain: %w", err))
	}
	var entries []chainRow
	for rows.Next() {
		var envelope sql.NullString
		e, err := scanChainEntry(func(dest ...any) error {
			return rows.Scan(append(dest, &envelope)...)
		})
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan audit chain: %w", err)
		}
		entries = append(entries, chainRow{entry: e, envelope: envelope})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	report := &ChainReport{BranchID: branchID, Entries: len(entries)}
	var prev *AuditChainEntry
	for i, r := range entries {
		e := r.entry
		if e.ChainSeq != int64(i+1) {
			return report, chainViolation(branchID, "expected entry %d, found %d", i+1, e.ChainSeq)
		}
		switch {
		case prev == nil && e.PrevHash != nil:
			return report, chainViolation(branchID, "first entry has prev_hash")
		case prev != nil && (e.PrevHash == nil || *e.PrevHash != prev.PayloadHash):
			return report, chainViolation(branchID, "entry %d does not link to entry %d", e.ChainSeq, prev.ChainSeq)
		}
		if !r.envelope.Valid {
			return report, chainViolation(branchID, "entry %d references missing event %s", e.ChainSeq, e.EventID)
		}
		env, err := decodeEnvelope(r.envelope.String)
		if err != nil {
			return report, chainViolation(branchID, "event %s envelope unreadable: %v", e.EventID, err)
		}
		if env.PayloadHash != e.PayloadHash || c.signer.PayloadHash(env.Payload) != e.PayloadHash {
			return report, chainViolation(branchID, "entry %d payload hash mismatch", e.ChainSeq)
		}
		prev = e
	}
	if prev != nil {
		report.HeadHash = prev.PayloadHash
	}
	return report, nil
}

// AuditChain returns the branch chain in order.
func (c *Client) AuditChain(ctx context.Context, branchID string) ([]AuditChainEntry, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := c.DB.QueryContext(ctx,
		`SELECT `+chainColumns+` FROM audit_chain WHERE branch_id = ? ORDER BY chain_seq`, branchID)
	if err != nil {
		return nil, classifyStorage(fmt.Errorf("failed to query audit chain: %w", err))
	}
	defer rows.Close()
	var out []AuditChainEntry
	for rows.Next() {
		e, err := scanChainEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit chain: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}
