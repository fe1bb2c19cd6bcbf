package main

import (
	"fmt"
	"io"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/brojonat/txprompt/client"
)

// mustJQFlag filters listings client-side. Each expression sees one transfer as JSON.
func mustJQFlag() cli.Flag {
	return &cli.StringSliceFlag{
		Name:    "must-jq",
		Aliases: []string{"jq"},
		Usage:   "jq filter expression that must evaluate to true (can be specified multiple times, all must match)",
	}
}

func transfersCommands() *cli.Command {
	return &cli.Command{
		Name:  "transfers",
		Usage: "Transfer history commands against the HTTP API",
		Subcommands: []*cli.Command{
			{
				Name:    "list",
				Aliases: []string{"ls"},
				Usage:   "List recorded transfers",
				Description: `List transfers recorded by the server, newest first.

Without --wallet or --session the server lists transfers from its own wallet.

Example:
  txprompt transfers list --jq '.status == "failed"' --jq '.is_erc20'`,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "wallet",
						Aliases: []string{"w"},
						Usage:   "Filter by sending wallet address",
					},
					&cli.StringFlag{
						Name:  "session",
						Usage: "Filter by session id",
					},
					&cli.IntFlag{
						Name:    "limit",
						Aliases: []string{"n"},
						Usage:   "Limit number of transfers",
						Value:   50,
					},
					&cli.IntFlag{
						Name:  "offset",
						Usage: "Skip this many transfers",
					},
					mustJQFlag(),
				},
				Action: func(c *cli.Context) error {
					codes, err := compileJQFilters(c.StringSlice("must-jq"))
					if err != nil {
						return err
					}

					cl, err := apiClient(c)
					if err != nil {
						return err
					}

					transfers, err := cl.ListTransfers(c.Context, client.ListTransfersParams{
						WalletAddress: c.String("wallet"),
						SessionID:     c.String("session"),
						Limit:         c.Int("limit"),
						Offset:        c.Int("offset"),
					})
					if err != nil {
						return fmt.Errorf("failed to list transfers: %w", err)
					}

					transfers, err = filterJQ(transfers, codes)
					if err != nil {
						return err
					}

					if c.Bool("json") {
						return outputJSON(c.App.Writer, transfers)
					}
					if len(transfers) == 0 {
						fmt.Fprintln(c.App.Writer, "No transfers found")
						return nil
					}
					for i := range transfers {
						if i > 0 {
							fmt.Fprintln(c.App.Writer, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
						}
						printTransfer(c.App.Writer, &transfers[i])
					}
					fmt.Fprintf(c.App.ErrWriter, "\nTotal: %d transfers\n", len(transfers))
					return nil
				},
			},
			{
				Name:      "get",
				Usage:     "Show one recorded transfer",
				ArgsUsage: "TRANSFER_ID",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("requires exactly one argument: transfer id")
					}
					id, err := parseID(c.Args().First())
					if err != nil {
						return err
					}

					cl, err := apiClient(c)
					if err != nil {
						return err
					}
					t, err := cl.GetTransfer(c.Context, id)
					if err != nil {
						return fmt.Errorf("failed to get transfer: %w", err)
					}

					if c.Bool("json") {
						return outputJSON(c.App.Writer, t)
					}
					printTransfer(c.App.Writer, t)
					return nil
				},
			},
		},
	}
}

func printTransfer(w io.Writer, t *client.Transfer) {
	fmt.Fprintf(w, "ID:         %d\n", t.ID)
	fmt.Fprintf(w, "Session:    %s\n", t.SessionID)
	fmt.Fprintf(w, "From:       %s\n", t.WalletAddress)
	fmt.Fprintf(w, "To:         %s\n", t.RecipientAddress)
	if t.IsErc20 {
		fmt.Fprintf(w, "Amount:     %s (token %s)\n", t.Amount, formatOptional(t.TokenAddress, "unknown"))
	} else {
		fmt.Fprintf(w, "Amount:     %s (native)\n", t.Amount)
	}
	if t.AmountMinorUnits != nil {
		fmt.Fprintf(w, "Base Units: %s\n", *t.AmountMinorUnits)
	}
	fmt.Fprintf(w, "Status:     %s\n", t.Status)
	fmt.Fprintf(w, "Tx Hash:    %s\n", formatOptional(t.TxHash, "(none)"))
	if t.ErrorMessage != nil {
		fmt.Fprintf(w, "Error:      %s [%s]\n", *t.ErrorMessage, formatOptional(t.ErrorKind, "unknown"))
	}
	fmt.Fprintf(w, "Created At: %s\n", t.CreatedAt.Format(time.RFC3339))
}
