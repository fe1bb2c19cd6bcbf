package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/brojonat/txprompt/service/metrics"
)

// Publisher defines the interface for publishing conversation events to NATS.
type Publisher interface {
	// PublishMessage publishes a single event to the subject "sessions.{session_id}".
	PublishMessage(ctx context.Context, event *MessageEvent) error

	// Close closes the connection to NATS.
	Close() error
}

// JetStreamPublisher publishes conversation events to NATS JetStream.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	metrics *metrics.Metrics
	logger  *slog.Logger
}

const (
	// StreamName is the name of the JetStream stream for conversations.
	StreamName = "CONVERSATIONS"

	// SubjectPrefix prefixes every session subject.
	SubjectPrefix = "sessions."

	// StreamSubjects is the subject pattern for the stream.
	StreamSubjects = SubjectPrefix + "*"

	// StreamRetention is how long messages are retained. Sessions are short-lived.
	StreamRetention = 24 * time.Hour
)

// Connect opens a NATS connection with the reconnect settings shared by
// publishers and subscribers.
func Connect(natsURL, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name(name),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1), // Unlimited reconnects
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// NewPublisher creates a new JetStream publisher.
// It connects to NATS and ensures the stream exists.
// If metrics is nil, no metrics will be recorded.
func NewPublisher(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*JetStreamPublisher, error) {
	nc, err := Connect(natsURL, "txprompt-publisher")
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	publisher := &JetStreamPublisher{
		nc:      nc,
		js:      js,
		metrics: m,
		logger:  logger,
	}

	if err := EnsureStream(context.Background(), js, logger); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}

	logger.Info("NATS publisher initialized",
		"url", natsURL,
		"stream", StreamName,
	)

	return publisher, nil
}

// EnsureStream creates the JetStream stream if it doesn't exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	stream, err := js.Stream(ctx, StreamName)
	if err == nil {
		info, err := stream.Info(ctx)
		if err == nil {
			logger.Debug("JetStream stream already exists",
				"stream", StreamName,
				"messages", info.State.Msgs,
			)
		}
		return nil
	}

	logger.Info("creating JetStream stream", "stream", StreamName)

	streamConfig := jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Conversation messages from transfer sessions",
		Subjects:    []string{StreamSubjects},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	}

	if _, err := js.CreateStream(ctx, streamConfig); err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	logger.Info("JetStream stream created successfully", "stream", StreamName)
	return nil
}

// PublishMessage publishes a single conversation event.
func (p *JetStreamPublisher) PublishMessage(ctx context.Context, event *MessageEvent) error {
	start := time.Now()
	subject := Subject(event.SessionID)

	data, err := json.Marshal(event)
	if err != nil {
		p.recordPublish("error", start)
		return fmt.Errorf("failed to marshal message event: %w", err)
	}

	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		p.recordPublish("error", start)
		return fmt.Errorf("failed to publish message event: %w", err)
	}
	p.recordPublish("success", start)

	p.logger.Debug("published message event",
		"subject", subject,
		"type", event.Type,
		"sequence", event.Sequence,
	)

	return nil
}

func (p *JetStreamPublisher) recordPublish(status string, start time.Time) {
	if p.metrics != nil {
		p.metrics.RecordNATSPublish(StreamName, status, time.Since(start).Seconds())
	}
}

// Close closes the connection to NATS.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}

// NoopPublisher discards every event. Used when NATS is not configured.
type NoopPublisher struct{}

func (NoopPublisher) PublishMessage(ctx context.Context, event *MessageEvent) error { return nil }

func (NoopPublisher) Close() error { return nil }
