// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"time"

	"github.com/mobiletoly/go-possync/possqlite"
	"github.com/mobiletoly/go-possync/possync"
)

const sessionTokenTTL = time.Hour

// openClient opens the terminal database configured in opts.
func openClient(ctx context.Context, opts *RootOptions) (*possqlite.Client, error) {
	s := opts.Settings
	client, err := possqlite.Open(ctx, s.DB, s.Server, s.EngineConfig())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open "+s.DB, err)
	}
	client.SetLogger(opts.Logger)
	if s.JWTSecret != "" {
		client.Token = possync.NewJWTAuth(s.JWTSecret).TokenSource("posync", sessionTokenTTL)
	}
	opts.Logger.Debug("terminal database opened", "path", s.DB, "server", s.Server)
	return client, nil
}

// requireBranch returns the configured branch or a command error.
func requireBranch(opts *RootOptions) (string, error) {
	if opts.Settings.Branch == "" {
		return "", NewExitError(ExitCommandError, "branch is required (--branch or POSYNC_BRANCH)")
	}
	return opts.Settings.Branch, nil
}

// withBranchClient runs fn with the configured branch and an open client.
func withBranchClient(ctx context.Context, opts *RootOptions, fn func(client *possqlite.Client, branchID string) error) error {
	branchID, err := requireBranch(opts)
	if err != nil {
		return err
	}
	client, err := openClient(ctx, opts)
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(client, branchID)
}
