// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-possync/possqlite"
)

// CycleView is the printable form of one sync cycle
type CycleView struct {
	BranchID     string                `json:"branch_id"`
	Skipped      bool                  `json:"skipped"`
	Bootstrapped bool                  `json:"bootstrapped"`
	BootstrapErr string                `json:"bootstrap_error,omitempty"`
	Push         *possqlite.PushReport `json:"push,omitempty"`
	PushError    string                `json:"push_error,omitempty"`
	Pull         *possqlite.PullReport `json:"pull,omitempty"`
	DurationMs   int64                 `json:"duration_ms"`
}

func cycleView(r *possqlite.CycleReport) CycleView {
	v := CycleView{
		BranchID:     r.BranchID,
		Skipped:      r.Skipped,
		Bootstrapped: r.Bootstrapped,
		Push:         r.Push,
		Pull:         r.Pull,
		DurationMs:   r.FinishedAt.Sub(r.StartedAt).Milliseconds(),
	}
	if r.BootstrapErr != nil {
		v.BootstrapErr = r.BootstrapErr.Error()
	}
	if r.PushErr != nil {
		v.PushError = r.PushErr.Error()
	}
	return v
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle for the branch",
		Long: `Run a single sync cycle: register the terminal if needed, load the branch
snapshot on first contact, push queued events and pull deltas.

A push or bootstrap that cannot reach the server does not fail the command: events
stay queued with backoff, the pull waits for a later bootstrap, and the failure is
reported.

Example:
  posync sync --branch b1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withBranchClient(ctx, opts, func(client *possqlite.Client, branchID string) error {
				s := possqlite.NewScheduler(client, opts.Settings.Interval, nil, branchID)
				report, err := s.Sync(ctx, branchID)
				if err != nil {
					return engineError("sync failed", err)
				}
				if report.BootstrapErr != nil {
					opts.Logger.Warn("bootstrap deferred", "branch_id", branchID, "error", report.BootstrapErr)
				}
				if report.PushErr != nil {
					opts.Logger.Warn("push deferred", "branch_id", branchID, "error", report.PushErr)
				}
				view := cycleView(report)
				return newFormatter(opts, cmd.OutOrStdout()).Success(view, func(w io.Writer) {
					writeCycle(w, view)
				})
			})
		},
	}
	return cmd
}

func writeCycle(w io.Writer, v CycleView) {
	fmt.Fprintf(w, "branch:\t%s\n", v.BranchID)
	if v.Skipped {
		fmt.Fprintln(w, "skipped:\toffline")
		return
	}
	fmt.Fprintf(w, "bootstrapped:\t%t\n", v.Bootstrapped)
	if v.BootstrapErr != "" {
		fmt.Fprintf(w, "bootstrap error:\t%s\n", v.BootstrapErr)
	}
	if p := v.Push; p != nil {
		fmt.Fprintf(w, "pushed:\t%d (accepted %d, duplicate %d, conflict %d, rejected %d, retry %d)\n",
			p.Sent, p.Accepted, p.Duplicates, p.Conflicts, p.Rejected, p.Retried)
	}
	if v.PushError != "" {
		fmt.Fprintf(w, "push error:\t%s\n", v.PushError)
	}
	if p := v.Pull; p != nil {
		fmt.Fprintf(w, "pulled:\t%d records in %d pages (applied %d, skipped %d)\n",
			p.Received, p.Pages, p.Applied, p.Skipped)
	}
	fmt.Fprintf(w, "duration:\t%dms\n", v.DurationMs)
}

// NewRunCommand creates the run command.
func NewRunCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Keep the terminal in sync until interrupted",
		Long: `Run the sync scheduler in the foreground. Every configured branch is synced on
the interval; SIGINT or SIGTERM stops the scheduler after the current cycle.

Example:
  posync run --branch b1 --interval 30s
  POSYNC_BRANCHES=b1,b2 posync run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			branches := opts.Settings.AllBranches()
			if len(branches) == 0 {
				return NewExitError(ExitCommandError, "at least one branch is required (--branch or POSYNC_BRANCHES)")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := openClient(ctx, opts)
			if err != nil {
				return err
			}
			defer client.Close()

			s := possqlite.NewScheduler(client, opts.Settings.Interval, nil, branches...)
			opts.Logger.Info("sync scheduler running", "branches", branches, "interval", s.Interval())
			runScheduler(ctx, s)
			opts.Logger.Info("sync scheduler stopped")
			return nil
		},
	}
	cmd.Flags().Duration(keyInterval, possqlite.DefaultSyncInterval, "sync interval")
	return cmd
}

// runScheduler blocks until ctx is done, then waits for the in-progress cycle.
func runScheduler(ctx context.Context, s *possqlite.Scheduler) {
	s.Start(ctx)
	<-ctx.Done()
	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(30 * time.Second):
	}
}
