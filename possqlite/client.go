// Package possqlite is the offline-first point-of-sale engine: a SQLite local store, device
// identity, local sale commits with an audit hash chain, an outbox pushed to the sync server
// and a delta puller that keeps catalog, orders, inventory and conflicts current.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mobiletoly/go-possync/possync"
)

// Client owns the local SQLite store and talks to one sync server
type Client struct {
	DB      *sql.DB
	BaseURL string
	Token   func(ctx context.Context, branchID string) (string, error) // optional bearer token source
	HTTP    *http.Client
	config  *Config
	logger  *slog.Logger
	signer  *possync.Signer
	now     func() time.Time

	closed   atomic.Bool
	hooksMu  sync.RWMutex
	onCommit []func(branchID string)
}

// Config holds configuration for the engine
type Config struct {
	TerminalNumber int               // printed in terminal_code, e.g. 1 -> "POS-<branch>-01"
	DeviceLabel    string            // sent on registration
	DeviceMetadata map[string]string // sent on registration

	PushMaxEvents  int // events per push batch (50)
	PushMaxBytes   int // serialized envelope bytes per batch (256 KiB)
	MaxPushBatches int // batches drained per cycle (20)
	PullLimit      int // page size requested from /sync/pull (500)
	MaxPullPages   int // pages followed per cycle while has_more (20)

	Backoff     possync.Backoff
	HTTPTimeout time.Duration // 30s

	Crypto          possync.Crypto
	StageMetrics    possync.StageMetricsRecorder
	LogStageTimings bool
	Now             func() time.Time
}

// DefaultConfig returns the standard terminal configuration.
func DefaultConfig() *Config {
	return &Config{
		TerminalNumber: 1,
		PushMaxEvents:  50,
		PushMaxBytes:   256 * 1024,
		MaxPushBatches: 20,
		PullLimit:      possync.DefaultPullLimit,
		MaxPullPages:   20,
		Backoff:        possync.DefaultBackoff(),
		HTTPTimeout:    30 * time.Second,
	}
}

// Open opens (or creates) the SQLite file at path and returns a ready client.
// Use ":memory:" for a throwaway store.
func Open(ctx context.Context, path, baseURL string, config *Config) (*Client, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrStorageUnavailable, path, err)
	}
	// One connection: writers are serialized and ":memory:" stays a single database.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping %s: %w", ErrStorageUnavailable, path, err)
	}

	client, err := NewClient(ctx, db, baseURL, config)
	if err != nil {
		db.Close()
		return nil, err
	}
	return client, nil
}

// NewClient wraps an already opened database. The caller should keep MaxOpenConns at 1.
func NewClient(ctx context.Context, db *sql.DB, baseURL string, config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	normalizeConfig(config)

	if err := initializeDatabase(ctx, db); err != nil {
		return nil, classifyStorage(fmt.Errorf("failed to initialize database: %w", err))
	}

	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		DB:      db,
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: config.HTTPTimeout},
		config:  config,
		logger:  slog.Default(),
		signer:  possync.NewSigner(config.Crypto),
		now:     func() time.Time { return now().UTC() },
	}, nil
}

func normalizeConfig(c *Config) {
	d := DefaultConfig()
	if c.TerminalNumber <= 0 {
		c.TerminalNumber = d.TerminalNumber
	}
	if c.PushMaxEvents <= 0 {
		c.PushMaxEvents = d.PushMaxEvents
	}
	if c.PushMaxBytes <= 0 {
		c.PushMaxBytes = d.PushMaxBytes
	}
	if c.MaxPushBatches <= 0 {
		c.MaxPushBatches = d.MaxPushBatches
	}
	if c.PullLimit <= 0 {
		c.PullLimit = d.PullLimit
	}
	if c.PullLimit > possync.MaxPullLimit {
		c.PullLimit = possync.MaxPullLimit
	}
	if c.MaxPullPages <= 0 {
		c.MaxPullPages = d.MaxPullPages
	}
	if c.Backoff.Base <= 0 || c.Backoff.Max <= 0 {
		c.Backoff = d.Backoff
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = d.HTTPTimeout
	}
}

// SetLogger replaces the client logger (slog.Default by default).
func (c *Client) SetLogger(l *slog.Logger) {
	if l != nil {
		c.logger = l
	}
}

// Config returns the effective configuration.
func (c *Client) Config() Config { return *c.config }

// Close releases the database. Later calls fail with ErrStorageUnavailable.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.DB.Close()
}

// OnCommit registers a hook called after every successful local commit. Hooks must not block.
func (c *Client) OnCommit(fn func(branchID string)) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.onCommit = append(c.onCommit, fn)
}

func (c *Client) notifyCommitted(branchID string) {
	c.hooksMu.RLock()
	hooks := c.onCommit
	c.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(branchID)
	}
}

func (c *Client) checkOpen() error {
	if c.closed.Load() {
		return fmt.Errorf("%w: database is closed", ErrStorageUnavailable)
	}
	return nil
}

// withTx runs fn inside one SQLite transaction. All reads and writes in fn must go through tx.
func (c *Client) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return classifyStorage(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return classifyStorage(err)
	}
	if err := tx.Commit(); err != nil {
		return classifyStorage(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

func (c *Client) observeStage(ctx context.Context, op, stage, branchID string, start time.Time, count int, err error) {
	d := time.Since(start)
	if c.config.StageMetrics != nil {
		c.config.StageMetrics.ObserveStage(ctx, possync.StageTiming{
			Operation: op,
			Stage:     stage,
			Branch:    branchID,
			Duration:  d,
			Count:     count,
			Error:     err != nil,
		})
	}
	if c.config.LogStageTimings {
		c.logger.Debug("stage timing", "op", op, "stage", stage, "branch_id", branchID,
			"duration_ms", d.Milliseconds(), "count", count, "error", err != nil)
	}
}
