package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "txprompt",
		Usage: "Natural-language token transfer service CLI",
		Description: `A command-line tool for driving and debugging the txprompt service.

Use this CLI to parse instructions, run conversations against the HTTP API,
inspect recorded transfers, follow NATS conversation streams, and run transfer
workflows directly on Temporal.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			// HTTP API commands
			parseCommand(),
			sessionCommands(),
			transfersCommands(),
			paymentRequestCommand(),
			// Database inspection commands
			{
				Name:  "db",
				Usage: "Database inspection commands",
				Subcommands: []*cli.Command{
					migrateCommand(),
					listTransfersCommand(),
					getTransferCommand(),
				},
			},
			// Temporal workflow commands
			{
				Name:  "temporal",
				Usage: "Temporal transfer workflow commands",
				Subcommands: []*cli.Command{
					sendTransferCommand(),
					transferResultCommand(),
					describeTransferCommand(),
				},
			},
			// NATS conversation streaming commands
			{
				Name:  "nats",
				Usage: "NATS conversation streaming commands",
				Subcommands: []*cli.Command{
					subscribeCommand(),
					inspectStreamCommand(),
				},
			},
			// Server utility commands
			{
				Name:  "server",
				Usage: "Server utility commands",
				Subcommands: []*cli.Command{
					healthCommand(),
					versionCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "temporal-host",
				Usage:   "Temporal server address",
				EnvVars: []string{"TEMPORAL_HOST"},
				Value:   "localhost:7233",
			},
			&cli.StringFlag{
				Name:    "temporal-namespace",
				Usage:   "Temporal namespace",
				EnvVars: []string{"TEMPORAL_NAMESPACE"},
				Value:   "default",
			},
			&cli.StringFlag{
				Name:    "temporal-task-queue",
				Usage:   "Temporal task queue the transfer worker listens on",
				EnvVars: []string{"TEMPORAL_TASK_QUEUE"},
				Value:   "txprompt-transfers",
			},
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "txprompt server URL",
				EnvVars: []string{"SERVER_URL", "TXPROMPT_SERVER_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
				Value:   "nats://localhost:4222",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
		},
	}
}
