package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"

	natspkg "github.com/brojonat/txprompt/service/nats"
)

// subscribeCommand subscribes to conversation events for a session.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Subscribe to conversation events for a session",
		ArgsUsage: "SESSION_ID",
		Description: `Subscribe to conversation events published to NATS JetStream.

Events are published to the subject: sessions.{session_id}
Use "*" as the session id to follow every conversation.

Example:
  txprompt nats subscribe 2f1c... --json`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "replay",
				Usage: "Deliver events already in the stream before new ones",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Stop after this long (0 waits until interrupted)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("session id is required")
			}

			ctx, cancel := interruptContext(c.Context)
			defer cancel()
			ctx, timeoutCancel := contextWithTimeout(ctx, c.Duration("timeout"))
			defer timeoutCancel()

			return streamConversation(ctx, c.App.Writer, c.String("nats-url"), c.Args().First(), c.Bool("replay"), c.Bool("json"))
		},
	}
}

// streamConversation connects to NATS and prints conversation events until ctx is done.
func streamConversation(ctx context.Context, w io.Writer, natsURL, sessionID string, replay, jsonOutput bool) error {
	nc, err := natspkg.Connect(natsURL, "txprompt-cli")
	if err != nil {
		return err
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	subject := natspkg.Subject(sessionID)

	if !jsonOutput {
		fmt.Fprintf(w, "📡 Subscribing to: %s\n", subject)
		fmt.Fprintf(w, "   NATS: %s\n", natsURL)
		fmt.Fprintf(w, "\nWaiting for events... (Ctrl-C to exit)\n\n")
	}

	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject:     subject,
		AckPolicy:         jetstream.AckExplicitPolicy,
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		InactiveThreshold: time.Minute,
	}
	if replay {
		consumerConfig.DeliverPolicy = jetstream.DeliverAllPolicy
	}

	cons, err := js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, consumerConfig)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	msgChan := make(chan jetstream.Msg, 10)
	consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
		select {
		case msgChan <- msg:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	defer consumeCtx.Stop()

	count := 0
	for {
		select {
		case msg := <-msgChan:
			var event natspkg.MessageEvent
			if err := json.Unmarshal(msg.Data(), &event); err != nil {
				fmt.Fprintf(w, "Error parsing event: %v\n", err)
				msg.Ack()
				continue
			}
			count++
			printConversationEvent(w, &event, jsonOutput)
			msg.Ack()

		case <-ctx.Done():
			if !jsonOutput {
				fmt.Fprintf(w, "\n✅ Received %d events\n", count)
			}
			return nil
		}
	}
}

func printConversationEvent(w io.Writer, event *natspkg.MessageEvent, jsonOutput bool) {
	if jsonOutput {
		data, _ := json.Marshal(event)
		fmt.Fprintln(w, string(data))
		return
	}

	switch event.Type {
	case natspkg.EventReset:
		fmt.Fprintf(w, "─── %s: new submission (%s) ───\n", event.SessionID, event.PublishedAt.Format(time.RFC3339))
	case natspkg.EventMessage:
		fmt.Fprintf(w, "%s #%d [%s] %s\n", event.SessionID, event.Sequence, event.Timestamp, event.Text)
		if event.URL != nil {
			fmt.Fprintf(w, "    View it on Scan: %s\n", *event.URL)
		}
	default:
		fmt.Fprintf(w, "%s: unknown event type %q\n", event.SessionID, event.Type)
	}
}

// inspectStreamCommand shows information about the NATS JetStream stream.
func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect-stream",
		Usage: "Inspect the CONVERSATIONS JetStream stream",
		Description: `Show information about the JetStream stream including:
- Message count
- Consumers
- Storage usage

Example:
  txprompt nats inspect-stream`,
		Action: func(c *cli.Context) error {
			nc, err := natspkg.Connect(c.String("nats-url"), "txprompt-cli")
			if err != nil {
				return err
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			stream, err := js.Stream(c.Context, natspkg.StreamName)
			if err != nil {
				return fmt.Errorf("failed to get stream: %w", err)
			}

			info, err := stream.Info(c.Context)
			if err != nil {
				return fmt.Errorf("failed to get stream info: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, info)
			}

			w := c.App.Writer
			fmt.Fprintf(w, "Stream: %s\n", info.Config.Name)
			fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
			fmt.Fprintf(w, "Description:  %s\n", info.Config.Description)
			fmt.Fprintf(w, "Subjects:     %v\n", info.Config.Subjects)
			fmt.Fprintf(w, "Messages:     %d\n", info.State.Msgs)
			fmt.Fprintf(w, "Bytes:        %d\n", info.State.Bytes)
			fmt.Fprintf(w, "First Seq:    %d\n", info.State.FirstSeq)
			fmt.Fprintf(w, "Last Seq:     %d\n", info.State.LastSeq)
			fmt.Fprintf(w, "Consumers:    %d\n", info.State.Consumers)
			fmt.Fprintf(w, "Max Age:      %s\n", info.Config.MaxAge)
			fmt.Fprintf(w, "Storage:      %s\n", info.Config.Storage)
			return nil
		},
	}
}
