package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/brojonat/txprompt/service/evm"
	"github.com/brojonat/txprompt/service/temporal"
	"github.com/brojonat/txprompt/service/transfer"
)

func sendTransferCommand() *cli.Command {
	return &cli.Command{
		Name:  "send",
		Usage: "Run a transfer workflow directly, bypassing the LLM",
		Description: `Start a SubmitTransferWorkflow on the worker's task queue and wait for it.

The worker signs with its own key. This is useful for checking the worker and
RPC setup without going through the HTTP server.

Example:
  txprompt temporal send --to 0xAbC... --amount 0.01
  txprompt temporal send --to 0xAbC... --amount 25 --token 0x41E9...`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "to",
				Usage:    "Recipient address",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "amount",
				Aliases:  []string{"a"},
				Usage:    "Decimal amount to send",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "token",
				Usage: "ERC-20 token contract address (omit for the native asset)",
			},
			&cli.StringFlag{
				Name:  "session",
				Usage: "Session id to record on the workflow",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "How long to wait for the workflow",
				Value: 3 * time.Minute,
			},
		},
		Action: func(c *cli.Context) error {
			d, err := descriptorFromFlags(c.String("to"), c.String("amount"), c.String("token"))
			if err != nil {
				return err
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			ctx, cancel := interruptContext(c.Context)
			defer cancel()
			ctx, timeoutCancel := contextWithTimeout(ctx, c.Duration("timeout"))
			defer timeoutCancel()

			fmt.Fprintf(c.App.ErrWriter, "Sending %s %s to %s via task queue %s...\n", d.Amount, d.Asset(), d.RecipientAddress, tc.TaskQueue())

			result, err := tc.ExecuteTransfer(ctx, temporal.SubmitTransferInput{
				SessionID:  c.String("session"),
				Descriptor: d,
			})
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, result)
			}
			printTransferResult(c.App.Writer, result)
			if !result.Result.Success {
				return fmt.Errorf("transfer failed")
			}
			return nil
		},
	}
}

func transferResultCommand() *cli.Command {
	return &cli.Command{
		Name:      "result",
		Usage:     "Wait for a transfer workflow and print its result",
		ArgsUsage: "WORKFLOW_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: workflow id")
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			ctx, cancel := interruptContext(c.Context)
			defer cancel()

			result, err := tc.GetTransferResult(ctx, c.Args().First())
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, result)
			}
			printTransferResult(c.App.Writer, result)
			return nil
		},
	}
}

func describeTransferCommand() *cli.Command {
	return &cli.Command{
		Name:      "describe",
		Usage:     "Show the execution status of a transfer workflow",
		ArgsUsage: "WORKFLOW_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: workflow id")
			}
			workflowID := c.Args().First()

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			status, err := tc.DescribeTransfer(c.Context, workflowID)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, map[string]string{
					"workflow_id": workflowID,
					"status":      status,
				})
			}
			fmt.Fprintf(c.App.Writer, "Workflow: %s\n", workflowID)
			fmt.Fprintf(c.App.Writer, "Status:   %s\n", status)
			return nil
		},
	}
}

// descriptorFromFlags validates command-line transfer arguments.
func descriptorFromFlags(to, amount, token string) (transfer.Descriptor, error) {
	if !evm.IsAddress(to) {
		return transfer.Descriptor{}, fmt.Errorf("--to must be a 0x-prefixed 40 hex character address")
	}
	if err := transfer.ValidateAmount(amount); err != nil {
		return transfer.Descriptor{}, fmt.Errorf("--amount: %w", err)
	}

	d := transfer.Descriptor{
		RecipientAddress: to,
		Amount:           amount,
	}
	if token != "" {
		if !evm.IsAddress(token) {
			return transfer.Descriptor{}, fmt.Errorf("--token must be a 0x-prefixed 40 hex character address")
		}
		d.IsErc20 = true
		d.TokenAddress = &token
	}
	return d, nil
}

func printTransferResult(w io.Writer, r *temporal.SubmitTransferResult) {
	res := r.Result
	if res.Success {
		fmt.Fprintln(w, "✓ Transfer submitted")
	} else {
		fmt.Fprintln(w, "✗ Transfer failed")
	}
	if r.SessionID != "" {
		fmt.Fprintf(w, "Session:    %s\n", r.SessionID)
	}
	fmt.Fprintf(w, "Wallet:     %s\n", r.WalletAddress)
	fmt.Fprintf(w, "Tx Hash:    %s\n", formatOptional(res.TxHash, "(none)"))
	if res.AmountMinorUnits != "" {
		fmt.Fprintf(w, "Base Units: %s (%d decimals)\n", res.AmountMinorUnits, res.Decimals)
	}
	if res.ErrorMessage != nil {
		fmt.Fprintf(w, "Error:      %s [%s]\n", *res.ErrorMessage, res.Kind)
	}
	if !r.CompletedAt.IsZero() {
		fmt.Fprintf(w, "Completed:  %s\n", r.CompletedAt.Format(time.RFC3339))
	}
}

// Helper function to connect to Temporal
func getTemporalClient(c *cli.Context) (*temporal.Client, error) {
	host := c.String("temporal-host")
	if host == "" {
		host = "localhost:7233"
	}
	namespace := c.String("temporal-namespace")
	if namespace == "" {
		namespace = "default"
	}
	taskQueue := c.String("temporal-task-queue")
	if taskQueue == "" {
		taskQueue = "txprompt-transfers"
	}

	logger := slog.New(slog.NewJSONHandler(c.App.ErrWriter, &slog.HandlerOptions{Level: slog.LevelError}))
	return temporal.NewClient(host, namespace, taskQueue, logger)
}
