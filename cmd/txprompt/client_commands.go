package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/brojonat/txprompt/client"
)

// streamMessage is the payload of a "message" SSE event.
type streamMessage struct {
	Sequence  int     `json:"sequence"`
	Text      string  `json:"text"`
	Timestamp string  `json:"timestamp"`
	URL       *string `json:"url"`
	Final     bool    `json:"final"`
}

func parseCommand() *cli.Command {
	return &cli.Command{
		Name:      "parse",
		Usage:     "Parse an instruction into a transfer descriptor without submitting it",
		ArgsUsage: "INSTRUCTION...",
		Action: func(c *cli.Context) error {
			input := strings.Join(c.Args().Slice(), " ")
			if strings.TrimSpace(input) == "" {
				return fmt.Errorf("instruction is required")
			}

			cl, err := apiClient(c)
			if err != nil {
				return err
			}

			d, err := cl.Parse(c.Context, input)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, d)
			}

			w := c.App.Writer
			fmt.Fprintf(w, "Recipient: %s\n", d.RecipientAddress)
			fmt.Fprintf(w, "Amount:    %s\n", d.Amount)
			if d.IsErc20 && d.TokenAddress != nil {
				fmt.Fprintf(w, "Token:     %s\n", *d.TokenAddress)
			} else {
				fmt.Fprintf(w, "Token:     (native)\n")
			}
			return nil
		},
	}
}

func sessionCommands() *cli.Command {
	return &cli.Command{
		Name:  "session",
		Usage: "Conversation commands against the HTTP API",
		Subcommands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Start a new conversation",
				Action: func(c *cli.Context) error {
					cl, err := apiClient(c)
					if err != nil {
						return err
					}
					s, err := cl.CreateSession(c.Context)
					if err != nil {
						return err
					}
					if c.Bool("json") {
						return outputJSON(c.App.Writer, s)
					}
					fmt.Fprintf(c.App.Writer, "%s\n", s.ID)
					return nil
				},
			},
			{
				Name:    "list",
				Aliases: []string{"ls"},
				Usage:   "List live conversations",
				Action: func(c *cli.Context) error {
					cl, err := apiClient(c)
					if err != nil {
						return err
					}
					sessions, err := cl.ListSessions(c.Context)
					if err != nil {
						return err
					}
					if c.Bool("json") {
						return outputJSON(c.App.Writer, sessions)
					}
					for _, s := range sessions {
						state := "idle"
						if s.IsLoading {
							state = "loading"
						}
						fmt.Fprintf(c.App.Writer, "%s\t%s\t%d messages\t%s\n", s.ID, state, len(s.Messages), s.CreatedAt.Format(time.RFC3339))
					}
					fmt.Fprintf(c.App.ErrWriter, "\nTotal: %d sessions\n", len(sessions))
					return nil
				},
			},
			{
				Name:      "get",
				Usage:     "Show a conversation",
				ArgsUsage: "SESSION_ID",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("requires exactly one argument: session id")
					}
					cl, err := apiClient(c)
					if err != nil {
						return err
					}
					s, err := cl.GetSession(c.Context, c.Args().First())
					if err != nil {
						return err
					}
					if c.Bool("json") {
						return outputJSON(c.App.Writer, s)
					}
					printSession(c.App.Writer, s)
					return nil
				},
			},
			{
				Name:      "delete",
				Usage:     "End a conversation",
				ArgsUsage: "SESSION_ID",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("requires exactly one argument: session id")
					}
					cl, err := apiClient(c)
					if err != nil {
						return err
					}
					if err := cl.DeleteSession(c.Context, c.Args().First()); err != nil {
						return err
					}
					fmt.Fprintf(c.App.ErrWriter, "Deleted session %s\n", c.Args().First())
					return nil
				},
			},
			submitCommand(),
			watchCommand(),
		},
	}
}

func submitCommand() *cli.Command {
	return &cli.Command{
		Name:      "submit",
		Usage:     "Submit an instruction to a conversation",
		ArgsUsage: "SESSION_ID INSTRUCTION...",
		Description: `Submit runs one instruction through a conversation.

By default it blocks until the transfer finishes and prints the conversation.
With --follow it submits asynchronously and prints messages as they arrive
over the SSE stream.

Example:
  txprompt session submit $(txprompt session create) send 0.01 ETH to 0xAbC...`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "follow",
				Aliases: []string{"f"},
				Usage:   "Stream messages while the transfer runs",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return fmt.Errorf("session id and instruction are required")
			}
			id := c.Args().First()
			input := strings.Join(c.Args().Tail(), " ")

			cl, err := apiClient(c)
			if err != nil {
				return err
			}

			if !c.Bool("follow") {
				s, err := cl.Submit(c.Context, id, input)
				if err != nil {
					return err
				}
				if c.Bool("json") {
					return outputJSON(c.App.Writer, s)
				}
				printSession(c.App.Writer, s)
				return nil
			}

			ctx, cancel := interruptContext(c.Context)
			defer cancel()

			// Submit once the stream is open so no messages are missed.
			submitted := false
			return cl.Watch(ctx, id, func(ev client.Event) error {
				switch ev.Type {
				case "snapshot":
					if submitted {
						return nil
					}
					submitted = true
					_, err := cl.SubmitAsync(ctx, id, input)
					return err
				case "message":
					var msg streamMessage
					if err := json.Unmarshal(ev.Data, &msg); err != nil {
						return fmt.Errorf("failed to decode message: %w", err)
					}
					if err := printStreamMessage(c.App.Writer, msg, c.Bool("json")); err != nil {
						return err
					}
					if msg.Final {
						return client.ErrStopWatching
					}
				}
				return nil
			})
		},
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Stream a conversation's messages via SSE",
		ArgsUsage: "SESSION_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: session id")
			}
			id := c.Args().First()
			jsonOutput := c.Bool("json")

			cl, err := apiClient(c)
			if err != nil {
				return err
			}

			ctx, cancel := interruptContext(c.Context)
			defer cancel()

			if !jsonOutput {
				fmt.Fprintf(c.App.ErrWriter, "Connected to SSE stream for session: %s\n", id)
				fmt.Fprintf(c.App.ErrWriter, "Streaming messages... (Ctrl+C to stop)\n\n")
			}

			err = cl.Watch(ctx, id, func(ev client.Event) error {
				if jsonOutput {
					fmt.Fprintf(c.App.Writer, "{\"event\":%q,\"data\":%s}\n", ev.Type, string(ev.Data))
					return nil
				}
				switch ev.Type {
				case "snapshot":
					var s client.Session
					if err := json.Unmarshal(ev.Data, &s); err != nil {
						return fmt.Errorf("failed to decode snapshot: %w", err)
					}
					printSession(c.App.Writer, &s)
				case "reset":
					fmt.Fprintln(c.App.Writer, "─── new submission ───")
				case "message":
					var msg streamMessage
					if err := json.Unmarshal(ev.Data, &msg); err != nil {
						return fmt.Errorf("failed to decode message: %w", err)
					}
					return printStreamMessage(c.App.Writer, msg, false)
				}
				return nil
			})
			if err != nil {
				return err
			}
			if !jsonOutput {
				fmt.Fprintf(c.App.ErrWriter, "\nDisconnected\n")
			}
			return nil
		},
	}
}

func paymentRequestCommand() *cli.Command {
	return &cli.Command{
		Name:  "payment-request",
		Usage: "Create an EIP-681 payment request to the service wallet",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "amount",
				Aliases:  []string{"a"},
				Usage:    "Decimal amount to request",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "token",
				Usage: "ERC-20 token contract address (omit for the native asset)",
			},
			&cli.UintFlag{
				Name:  "decimals",
				Usage: "Token decimals (defaults to 18 on the server)",
			},
			&cli.StringFlag{
				Name:  "qr-out",
				Usage: "Write the QR code PNG to this file",
			},
		},
		Action: func(c *cli.Context) error {
			if c.Uint("decimals") > 36 {
				return fmt.Errorf("decimals must be between 0 and 36")
			}

			cl, err := apiClient(c)
			if err != nil {
				return err
			}

			pr, err := cl.PaymentRequest(c.Context, c.String("amount"), c.String("token"), uint8(c.Uint("decimals")))
			if err != nil {
				return err
			}

			if path := c.String("qr-out"); path != "" {
				if err := writeQRCode(path, pr.QRCodeData); err != nil {
					return err
				}
				fmt.Fprintf(c.App.ErrWriter, "QR code written to %s\n", path)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, pr)
			}
			fmt.Fprintf(c.App.Writer, "%s\n", pr.PaymentURL)
			return nil
		},
	}
}

// apiClient builds an HTTP client for the global --server-url.
func apiClient(c *cli.Context) (*client.Client, error) {
	serverURL := c.String("server-url")
	if serverURL == "" {
		return nil, fmt.Errorf("server-url is required (set SERVER_URL env var or use --server-url)")
	}

	logger := slog.New(slog.NewJSONHandler(c.App.ErrWriter, &slog.HandlerOptions{
		Level: slog.LevelError, // Only errors to stderr
	}))
	return client.NewClient(serverURL, nil, logger), nil
}

// interruptContext returns a context that is cancelled on SIGINT or SIGTERM.
func interruptContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// contextWithTimeout is context.WithTimeout where a non-positive timeout means none.
func contextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}

func printSession(w io.Writer, s *client.Session) {
	fmt.Fprintf(w, "Session: %s\n", s.ID)
	fmt.Fprintf(w, "Wallet:  %s\n", s.WalletAddress)
	if s.IsLoading {
		fmt.Fprintf(w, "Status:  loading\n")
	} else {
		fmt.Fprintf(w, "Status:  idle\n")
	}
	for i, m := range s.Messages {
		printStreamMessage(w, streamMessage{Sequence: i + 1, Text: m.Text, Timestamp: m.Timestamp, URL: m.URL}, false)
	}
}

func printStreamMessage(w io.Writer, msg streamMessage, jsonOutput bool) error {
	if jsonOutput {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
		return nil
	}
	fmt.Fprintf(w, "[%s] %s\n", msg.Timestamp, msg.Text)
	if msg.URL != nil {
		fmt.Fprintf(w, "    View it on Scan: %s\n", *msg.URL)
	}
	return nil
}

// parseID parses a numeric record id argument.
func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q: must be a positive integer", raw)
	}
	return id, nil
}
