package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/txprompt/service/db"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply the transfers schema (idempotent)",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			if err := store.Migrate(c.Context); err != nil {
				return err
			}
			fmt.Fprintln(c.App.ErrWriter, "✓ Schema applied")
			return nil
		},
	}
}

func listTransfersCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-transfers",
		Usage:   "List recorded transfers straight from the database",
		Aliases: []string{"txs"},
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
			walletAddr := c.String("wallet")
			sessionID := c.String("session")
			if walletAddr == "" && sessionID == "" {
				return fmt.Errorf("please specify --wallet or --session to list transfers")
			}

			codes, err := compileJQFilters(c.StringSlice("must-jq"))
			if err != nil {
				return err
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			var transfers []*db.Transfer
			var total int64 = -1
			if sessionID != "" {
				transfers, err = store.ListTransfersBySession(c.Context, sessionID)
			} else {
				transfers, err = store.ListTransfersByWallet(c.Context, db.ListTransfersByWalletParams{
					WalletAddress: walletAddr,
					Limit:         int32(c.Int("limit")),
					Offset:        int32(c.Int("offset")),
				})
				if err == nil {
					total, err = store.CountTransfersByWallet(c.Context, walletAddr)
				}
			}
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

			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSESSION\tTO\tAMOUNT\tASSET\tSTATUS\tTX HASH\tCREATED")
			for _, t := range transfers {
				asset := "native"
				if t.IsErc20 {
					asset = formatOptional(t.TokenAddress, "erc20")
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					t.ID,
					t.SessionID,
					t.RecipientAddress,
					t.Amount,
					asset,
					t.Status,
					formatOptional(t.TxHash, "-"),
					t.CreatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			if total >= 0 {
				fmt.Fprintf(c.App.ErrWriter, "\nShowing %d of %d transfers\n", len(transfers), total)
			} else {
				fmt.Fprintf(c.App.ErrWriter, "\nTotal: %d transfers\n", len(transfers))
			}
			return nil
		},
	}
}

func getTransferCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-transfer",
		Usage:     "Get transfer details",
		Aliases:   []string{"get"},
		ArgsUsage: "<id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transfer id")
			}
			id, err := parseID(c.Args().First())
			if err != nil {
				return err
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			t, err := store.GetTransfer(c.Context, id)
			if err != nil {
				return fmt.Errorf("failed to get transfer: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, t)
			}

			w := c.App.Writer
			fmt.Fprintf(w, "ID:          %d\n", t.ID)
			fmt.Fprintf(w, "Session:     %s\n", t.SessionID)
			fmt.Fprintf(w, "From:        %s\n", t.WalletAddress)
			fmt.Fprintf(w, "To:          %s\n", t.RecipientAddress)
			fmt.Fprintf(w, "Amount:      %s\n", t.Amount)
			fmt.Fprintf(w, "Token:       %s\n", formatOptional(t.TokenAddress, "(native)"))
			fmt.Fprintf(w, "Status:      %s\n", t.Status)
			fmt.Fprintf(w, "Tx Hash:     %s\n", formatOptional(t.TxHash, "(none)"))
			if t.ErrorMessage != nil {
				fmt.Fprintf(w, "Error:       %s\n", *t.ErrorMessage)
				fmt.Fprintf(w, "Error Kind:  %s\n", formatOptional(t.ErrorKind, "unknown"))
			}
			fmt.Fprintf(w, "Created:     %s\n", t.CreatedAt.Format(time.RFC3339))
			return nil
		},
	}
}

// Helper function to connect to database
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		// Try environment variable directly if flag not found
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := db.NewStore(pool, nil)
	closer := func() { pool.Close() }

	return store, closer, nil
}
