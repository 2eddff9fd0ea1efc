// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-possync/possqlite"
)

// InitResult is printed by `posync init`
type InitResult struct {
	Device       *possqlite.DeviceContext `json:"device"`
	Registered   bool                     `json:"registered"`
	Bootstrapped bool                     `json:"bootstrapped"`
}

// NewInitCommand creates the init command.
func NewInitCommand(opts *RootOptions) *cobra.Command {
	var register bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the terminal database and device identity for a branch",
		Long: `Create (or migrate) the terminal database and the device identity of the branch.

With --register the terminal also registers with the sync server and loads the
initial branch snapshot. Without it the terminal works offline and registers on
the first sync.

Example:
  posync init --branch b1 --terminal 3
  posync init --branch b1 --register`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withBranchClient(ctx, opts, func(client *possqlite.Client, branchID string) error {
				dc, err := client.EnsureDeviceContext(ctx, branchID)
				if err != nil {
					return engineError("failed to create device identity", err)
				}
				res := InitResult{}
				if register {
					if dc, err = client.EnsureRegistered(ctx, branchID); err != nil {
						return engineError("failed to register terminal", err)
					}
					if res.Bootstrapped, err = client.Bootstrap(ctx, branchID); err != nil {
						return engineError("failed to load branch snapshot", err)
					}
				}
				res.Registered = dc.Registered()
				res.Device = redacted(dc)
				return newFormatter(opts, cmd.OutOrStdout()).Success(res, func(w io.Writer) {
					fmt.Fprintf(w, "branch:\t%s\n", dc.BranchID)
					fmt.Fprintf(w, "device:\t%s\n", dc.DeviceID)
					fmt.Fprintf(w, "terminal:\t%s\n", dc.TerminalCode)
					fmt.Fprintf(w, "registered:\t%t\n", res.Registered)
					if register {
						fmt.Fprintf(w, "bootstrapped:\t%t\n", res.Bootstrapped)
					}
				})
			})
		},
	}

	cmd.Flags().BoolVar(&register, "register", false, "register with the server and load the branch snapshot")
	return cmd
}

// redacted drops the device secret before a context is printed.
func redacted(dc *possqlite.DeviceContext) *possqlite.DeviceContext {
	if dc == nil {
		return nil
	}
	out := *dc
	out.DeviceSecret = nil
	return &out
}
