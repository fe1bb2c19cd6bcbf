package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/brojonat/txprompt/service/metrics"
	natspkg "github.com/brojonat/txprompt/service/nats"
	"github.com/brojonat/txprompt/service/session"
)

const sseStream = "sessions"

// EventSource delivers conversation events for one session until ctx is done.
type EventSource interface {
	Subscribe(ctx context.Context, sessionID string) (<-chan *natspkg.MessageEvent, error)
	Close() error
}

// SSEPublisher reads conversation events from JetStream for Server-Sent Events clients.
type SSEPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewSSEPublisher creates a new SSE publisher that subscribes to NATS internally.
func NewSSEPublisher(natsURL string, logger *slog.Logger) (*SSEPublisher, error) {
	nc, err := natspkg.Connect(natsURL, "txprompt-sse-publisher")
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	logger.Info("SSE publisher initialized", "nats_url", natsURL)

	return &SSEPublisher{
		nc:     nc,
		js:     js,
		logger: logger,
	}, nil
}

// Subscribe creates an ephemeral consumer that delivers new events for sessionID.
// The returned channel is closed after ctx is done and the consumer has stopped.
func (p *SSEPublisher) Subscribe(ctx context.Context, sessionID string) (<-chan *natspkg.MessageEvent, error) {
	cons, err := p.js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, jetstream.ConsumerConfig{
		FilterSubject: natspkg.Subject(sessionID),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy, // Only deliver new messages after consumer creation
		// Ephemeral: removed after the connection goes away
		InactiveThreshold: time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	out := make(chan *natspkg.MessageEvent, 16)
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		defer msg.Ack()

		var event natspkg.MessageEvent
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			p.logger.WarnContext(ctx, "failed to unmarshal event", "error", err)
			return
		}
		select {
		case out <- &event:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming messages: %w", err)
	}

	go func() {
		<-ctx.Done()
		closeWhenStopped(cc, out, consumerStopTimeout, p.logger)
	}()

	return out, nil
}

// consumerStopTimeout bounds the wait for in-flight consume callbacks.
const consumerStopTimeout = 5 * time.Second

// stoppable is the part of jetstream.ConsumeContext used to shut a consumer down.
type stoppable interface {
	Stop()
	Closed() <-chan struct{}
}

// closeWhenStopped stops cc and closes out once no callback can send on it.
// If the consumer does not report closed within timeout, out is left open.
func closeWhenStopped(cc stoppable, out chan *natspkg.MessageEvent, timeout time.Duration, logger *slog.Logger) {
	cc.Stop()
	select {
	case <-cc.Closed():
		close(out)
	case <-time.After(timeout):
		logger.Warn("consumer did not stop in time, leaving event channel open", "timeout", timeout)
	}
}

// Close closes the NATS connection.
func (p *SSEPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("SSE publisher closed")
	}
	return nil
}

// handleStreamSession streams a session's conversation events.
// GET /api/v1/stream/sessions/{id}
//
// The first event is "snapshot" with the current state, then one "message"
// or "reset" event per conversation update.
func handleStreamSession(sessions *session.Manager, source EventSource, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		s, ok := sessions.Get(id)
		if !ok {
			writeError(w, "session not found", http.StatusNotFound)
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		events, err := source.Subscribe(ctx, id)
		if err != nil {
			logger.ErrorContext(ctx, "failed to subscribe", "session_id", id, "error", err)
			writeError(w, "failed to subscribe", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		if m != nil {
			m.RecordSSEConnectionChange(sseStream, 1)
			defer m.RecordSSEConnectionChange(sseStream, -1)
		}

		logger.DebugContext(ctx, "SSE client connected", "session_id", id, "remote_addr", r.RemoteAddr)

		send := func(eventType string, v interface{}) bool {
			data, err := json.Marshal(v)
			if err != nil {
				logger.WarnContext(ctx, "failed to marshal event", "error", err)
				return true
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data); err != nil {
				return false
			}
			if flusher, ok := w.(http.Flusher); ok {
				flusher.Flush()
			}
			if m != nil {
				m.RecordSSEEventSent(sseStream, eventType)
			}
			return true
		}

		if !send("snapshot", s.Snapshot()) {
			return
		}

		// Keepalive comments stop proxies from closing idle streams.
		keepalive := time.NewTicker(10 * time.Second)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				if flusher, ok := w.(http.Flusher); ok {
					flusher.Flush()
				}

			case event, ok := <-events:
				if !ok {
					return
				}
				if !send(event.Type, event) {
					return
				}

			case <-ctx.Done():
				logger.DebugContext(ctx, "SSE client disconnected", "session_id", id, "remote_addr", r.RemoteAddr)
				return
			}
		}
	})
}
