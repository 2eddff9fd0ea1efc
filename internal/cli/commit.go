// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-possync/possqlite"
)

// CommitOptions holds flags for the commit command.
type CommitOptions struct {
	*RootOptions
	PayloadFile string
	Discount    float64
	Tax         float64
	Payment     string
	Customer    string
	Note        string
}

// NewCommitCommand creates the commit command.
func NewCommitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CommitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "commit [product:qty:price ...]",
		Short: "Commit a sale locally",
		Long: `Commit a sale into the local store. The sale is durable immediately and is
queued for the sync server.

Items are given as product:qty:price arguments, or the whole sale payload is read
as JSON with --payload (use "-" for stdin).

Example:
  posync commit --branch b1 p-coffee:2:3.50 p-cake:1:4.25 --payment cash
  posync commit --branch b1 --payload sale.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := opts.salePayload(cmd.InOrStdin(), args)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid sale", err)
			}
			ctx := cmd.Context()
			return withBranchClient(ctx, opts.RootOptions, func(client *possqlite.Client, branchID string) error {
				res, err := client.CommitSale(ctx, branchID, *payload)
				if err != nil {
					return engineError("failed to commit sale", err)
				}
				return newFormatter(opts.RootOptions, cmd.OutOrStdout()).Success(res, func(w io.Writer) {
					fmt.Fprintf(w, "order:\t%s\n", res.OrderNumber)
					fmt.Fprintf(w, "id:\t%s\n", res.ClientOrderID)
					fmt.Fprintf(w, "total:\t%.2f\n", res.Total)
					fmt.Fprintf(w, "sync:\t%s\n", res.SyncState)
				})
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.PayloadFile, "payload", "", "read the sale payload as JSON from a file or - for stdin")
	f.Float64Var(&opts.Discount, "discount", 0, "order discount")
	f.Float64Var(&opts.Tax, "tax", 0, "order tax")
	f.StringVar(&opts.Payment, "payment", "", "payment method")
	f.StringVar(&opts.Customer, "customer", "", "customer reference")
	f.StringVar(&opts.Note, "note", "", "order note")
	return cmd
}

func (o *CommitOptions) salePayload(stdin io.Reader, args []string) (*possqlite.SalePayload, error) {
	var p possqlite.SalePayload
	if o.PayloadFile != "" {
		if len(args) > 0 {
			return nil, fmt.Errorf("item arguments cannot be combined with --payload")
		}
		raw, err := readInput(stdin, o.PayloadFile)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("failed to decode payload: %w", err)
		}
		return &p, nil
	}

	if len(args) == 0 {
		return nil, fmt.Errorf("at least one item is required")
	}
	for _, arg := range args {
		item, err := parseItem(arg)
		if err != nil {
			return nil, err
		}
		p.Items = append(p.Items, item)
	}
	p.Discount = o.Discount
	p.Tax = o.Tax
	p.PaymentMethod = o.Payment
	p.CustomerRef = o.Customer
	p.Note = o.Note
	return &p, nil
}

// parseItem parses product:qty:price.
func parseItem(s string) (possqlite.SaleItem, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 || parts[0] == "" {
		return possqlite.SaleItem{}, fmt.Errorf("item %q: want product:qty:price", s)
	}
	qty, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return possqlite.SaleItem{}, fmt.Errorf("item %q: bad qty: %w", s, err)
	}
	price, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return possqlite.SaleItem{}, fmt.Errorf("item %q: bad price: %w", s, err)
	}
	return possqlite.SaleItem{ProductUID: parts[0], Qty: qty, UnitPrice: price}, nil
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}
