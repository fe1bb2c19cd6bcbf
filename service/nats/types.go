package nats

import (
	"time"
)

// Event types carried on a conversation stream.
const (
	// EventMessage is a DisplayMessage appended to the conversation.
	EventMessage = "message"
	// EventReset means the message list was cleared for a new submission.
	EventReset = "reset"
)

// MessageEvent is one conversation update.
// This is published to the subject "sessions.{session_id}" in JetStream.
type MessageEvent struct {
	Type          string `json:"type"`
	SessionID     string `json:"session_id"`
	WalletAddress string `json:"wallet_address"`

	// Position of the message in the conversation, starting at 1. Zero for resets.
	Sequence int `json:"sequence"`

	Text      string  `json:"text,omitempty"`
	Timestamp string  `json:"timestamp,omitempty"`
	URL       *string `json:"url,omitempty"`

	// Final is set on the last message of a submission.
	Final bool `json:"final,omitempty"`

	PublishedAt time.Time `json:"published_at"`
}

// Subject returns the JetStream subject for a session's events.
func Subject(sessionID string) string {
	return SubjectPrefix + sessionID
}
