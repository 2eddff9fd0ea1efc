// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-possync/possqlite"
)

// VerifyView is printed by `posync verify`
type VerifyView struct {
	BranchID string `json:"branch_id"`
	Entries  int    `json:"entries"`
	HeadHash string `json:"head_hash,omitempty"`
	Cleared  bool   `json:"cleared"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(opts *RootOptions) *cobra.Command {
	var clearHalt bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit hash chain of the branch",
		Long: `Walk the whole audit chain of the branch, recomputing every payload hash and
link. A broken chain halts further sales on the branch and exits with code 1.

After the store has been repaired, --clear lifts the halt once the chain verifies.

Example:
  posync verify --branch b1
  posync verify --branch b1 --clear`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withBranchClient(ctx, opts, func(client *possqlite.Client, branchID string) error {
				report, err := client.VerifyChain(ctx, branchID)
				if errors.Is(err, possqlite.ErrChainIntegrity) {
					return WrapExitError(ExitFailure, "audit chain broken on branch "+branchID, err)
				}
				if err != nil {
					return engineError("failed to verify chain", err)
				}
				view := VerifyView{BranchID: branchID, Entries: report.Entries, HeadHash: report.HeadHash}
				if clearHalt {
					if err := client.ClearChainHalt(ctx, branchID); err != nil {
						return engineError("failed to clear chain halt", err)
					}
					view.Cleared = true
					opts.Logger.Info("chain halt cleared", "branch_id", branchID)
				}
				return newFormatter(opts, cmd.OutOrStdout()).Success(view, func(w io.Writer) {
					fmt.Fprintf(w, "branch:\t%s\n", view.BranchID)
					fmt.Fprintf(w, "entries:\t%d\n", view.Entries)
					if view.HeadHash != "" {
						fmt.Fprintf(w, "head:\t%s\n", view.HeadHash)
					}
					fmt.Fprintln(w, "chain:\tok")
				})
			})
		},
	}
	cmd.Flags().BoolVar(&clearHalt, "clear", false, "lift a recorded halt after a successful verification")
	return cmd
}
