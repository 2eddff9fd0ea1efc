// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-possync/possqlite"
)

const timeLayout = time.RFC3339

// StatusView is printed by `posync status`
type StatusView struct {
	BranchID     string                   `json:"branch_id"`
	Device       *possqlite.DeviceContext `json:"device,omitempty"`
	Registered   bool                     `json:"registered"`
	Bootstrapped bool                     `json:"bootstrapped"`
	ChainHalted  string                   `json:"chain_halted,omitempty"`
	Outbox       map[string]int           `json:"outbox"`
	Sync         *possqlite.SyncState     `json:"sync"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show device identity, queue depth and sync cursors of the branch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withBranchClient(ctx, opts, func(client *possqlite.Client, branchID string) error {
				view := StatusView{BranchID: branchID}
				dc, err := client.DeviceContext(ctx, branchID)
				if err != nil && !errors.Is(err, possqlite.ErrNotFound) {
					return engineError("failed to load device identity", err)
				}
				view.Device = redacted(dc)
				view.Registered = dc.Registered()
				if view.Bootstrapped, err = client.BootstrapDone(ctx, branchID); err != nil {
					return engineError("failed to load bootstrap state", err)
				}
				reason, halted, err := client.ChainHalt(ctx, branchID)
				if err != nil {
					return engineError("failed to load chain state", err)
				}
				if halted {
					view.ChainHalted = reason
				}
				if view.Outbox, err = client.OutboxStats(ctx, branchID); err != nil {
					return engineError("failed to count outbox", err)
				}
				if view.Sync, err = client.SyncState(ctx, branchID); err != nil {
					return engineError("failed to load sync state", err)
				}
				return newFormatter(opts, cmd.OutOrStdout()).Success(view, func(w io.Writer) {
					writeStatus(w, view)
				})
			})
		},
	}
}

func writeStatus(w io.Writer, v StatusView) {
	fmt.Fprintf(w, "branch:\t%s\n", v.BranchID)
	if v.Device != nil {
		fmt.Fprintf(w, "terminal:\t%s (%s)\n", v.Device.TerminalCode, v.Device.DeviceID)
	} else {
		fmt.Fprintln(w, "terminal:\tnot initialized")
	}
	fmt.Fprintf(w, "registered:\t%t\n", v.Registered)
	fmt.Fprintf(w, "bootstrapped:\t%t\n", v.Bootstrapped)
	if v.ChainHalted != "" {
		fmt.Fprintf(w, "chain:\tHALTED: %s\n", v.ChainHalted)
	}
	for _, st := range []string{possqlite.OutboxPending, possqlite.OutboxRetry, possqlite.OutboxAcked,
		possqlite.OutboxConflict, possqlite.OutboxRejected} {
		fmt.Fprintf(w, "outbox %s:\t%d\n", st, v.Outbox[st])
	}
	if s := v.Sync; s != nil {
		c := s.Cursors
		fmt.Fprintf(w, "cursors:\tcatalog=%s sections=%s orders=%s inventory=%s conflicts=%s\n",
			c.Catalog, c.Sections, c.Orders, c.Inventory, c.Conflicts)
		if s.LastPushAt != nil {
			fmt.Fprintf(w, "last push:\t%s\n", s.LastPushAt.Format(timeLayout))
		}
		if s.LastPullAt != nil {
			fmt.Fprintf(w, "last pull:\t%s\n", s.LastPullAt.Format(timeLayout))
		}
	}
}

// NewOrdersCommand creates the orders command.
func NewOrdersCommand(opts *RootOptions) *cobra.Command {
	var (
		state string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "orders [client_order_id]",
		Short: "List orders of the branch, or show one order with its items",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := newFormatter(opts, cmd.OutOrStdout())
			if len(args) == 1 {
				client, err := openClient(ctx, opts)
				if err != nil {
					return err
				}
				defer client.Close()
				order, err := client.GetOrder(ctx, args[0])
				if err != nil {
					return engineError("failed to load order", err)
				}
				return out.Success(order, func(w io.Writer) { writeOrder(w, order) })
			}
			return withBranchClient(ctx, opts, func(client *possqlite.Client, branchID string) error {
				orders, err := client.ListOrders(ctx, branchID, state, limit)
				if err != nil {
					return engineError("failed to list orders", err)
				}
				return out.Success(orders, func(w io.Writer) {
					fmt.Fprintln(w, "ORDER\tTOTAL\tLOCAL\tSERVER\tSYNC\tCREATED")
					for _, o := range orders {
						fmt.Fprintf(w, "%s\t%.2f\t%s\t%v\t%s\t%s\n", o.OrderNumber, o.Total, o.StatusLocal,
							deref(o.StatusServer), o.SyncState, o.CreatedAt.Format(timeLayout))
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by sync state (pending|synced|conflict|rejected)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum orders listed")
	return cmd
}

func writeOrder(w io.Writer, o *possqlite.LocalOrder) {
	fmt.Fprintf(w, "order:\t%s\n", o.OrderNumber)
	fmt.Fprintf(w, "id:\t%s\n", o.ClientOrderID)
	fmt.Fprintf(w, "branch:\t%s\n", o.BranchID)
	fmt.Fprintf(w, "status:\t%s (server %v)\n", o.StatusLocal, deref(o.StatusServer))
	fmt.Fprintf(w, "sync:\t%s\n", o.SyncState)
	fmt.Fprintf(w, "server order:\t%v\n", deref(o.ServerOrderID))
	fmt.Fprintf(w, "total:\t%.2f\n", o.Total)
	for _, it := range o.Items {
		fmt.Fprintf(w, "  %s\t%g x %.2f\t%.2f\n", it.ProductUID, it.Qty, it.UnitPrice, it.LineTotal)
	}
}

// NewOutboxCommand creates the outbox command.
func NewOutboxCommand(opts *RootOptions) *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "List queued events of the branch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withBranchClient(ctx, opts, func(client *possqlite.Client, branchID string) error {
				events, err := client.ListOutbox(ctx, branchID, statuses...)
				if err != nil {
					return engineError("failed to list outbox", err)
				}
				return newFormatter(opts, cmd.OutOrStdout()).Success(events, func(w io.Writer) {
					fmt.Fprintln(w, "SEQ\tEVENT\tSTATUS\tATTEMPTS\tNEXT\tERROR")
					for _, ev := range events {
						fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%v\n", ev.DeviceSeq, ev.EventID, ev.Status,
							ev.Attempts, ev.NextAttemptAt.Format(timeLayout), deref(ev.LastError))
					}
				})
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (pending,retry,acked,conflict,rejected)")
	return cmd
}

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand(opts *RootOptions) *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List conflicts reported by the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if state != "" && !slices.Contains([]string{possqlite.ConflictOpen, possqlite.ConflictResolved}, state) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid state %q", state))
			}
			ctx := cmd.Context()
			return withBranchClient(ctx, opts, func(client *possqlite.Client, branchID string) error {
				conflicts, err := client.ListConflicts(ctx, branchID, state)
				if err != nil {
					return engineError("failed to list conflicts", err)
				}
				return newFormatter(opts, cmd.OutOrStdout()).Success(conflicts, func(w io.Writer) {
					fmt.Fprintln(w, "CONFLICT\tSTATE\tEVENT\tAGGREGATE\tDETAILS")
					for _, cf := range conflicts {
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", cf.ConflictID, cf.ResolutionState, cf.EventID,
							cf.AggregateID, string(cf.Details))
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", possqlite.ConflictOpen, "filter by state (open|resolved, empty for all)")
	return cmd
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <conflict_id> [resolution-json]",
		Short: "Record an operator resolution for a conflict",
		Long: `Mark a conflict resolved locally, optionally storing a JSON resolution note.

Example:
  posync resolve C-7 '{"action":"refund"}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resolution json.RawMessage
			if len(args) == 2 {
				resolution = json.RawMessage(args[1])
			}
			ctx := cmd.Context()
			client, err := openClient(ctx, opts)
			if err != nil {
				return err
			}
			defer client.Close()
			if err := client.ResolveConflict(ctx, args[0], resolution); err != nil {
				return engineError("failed to resolve conflict", err)
			}
			cf, err := client.GetConflict(ctx, args[0])
			if err != nil {
				return engineError("failed to load conflict", err)
			}
			return newFormatter(opts, cmd.OutOrStdout()).Success(cf, func(w io.Writer) {
				fmt.Fprintf(w, "conflict:\t%s\n", cf.ConflictID)
				fmt.Fprintf(w, "state:\t%s\n", cf.ResolutionState)
			})
		},
	}
}

// NewInventoryCommand creates the inventory command.
func NewInventoryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inventory [product_uid]",
		Short: "Show the local stock projection of the branch",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withBranchClient(ctx, opts, func(client *possqlite.Client, branchID string) error {
				var rows []possqlite.InventoryProjection
				if len(args) == 1 {
					p, err := client.Inventory(ctx, branchID, args[0])
					if err != nil {
						return engineError("failed to load inventory", err)
					}
					rows = append(rows, *p)
				} else {
					var err error
					if rows, err = client.ListInventory(ctx, branchID); err != nil {
						return engineError("failed to list inventory", err)
					}
				}
				return newFormatter(opts, cmd.OutOrStdout()).Success(rows, func(w io.Writer) {
					fmt.Fprintln(w, "PRODUCT\tSERVER\tPENDING\tEFFECTIVE\tVERSION")
					for _, p := range rows {
						fmt.Fprintf(w, "%s\t%v\t%g\t%v\t%d\n", p.ProductUID, deref(p.AvailableQty),
							p.PendingDeltaQty, deref(p.Effective()), p.LastServerVersion)
					}
				})
			})
		},
	}
}
