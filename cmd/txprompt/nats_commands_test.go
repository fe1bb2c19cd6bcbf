package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	natspkg "github.com/brojonat/txprompt/service/nats"
)

func TestPrintConversationEvent(t *testing.T) {
	url := "https://scan.test/tx/0xHASH"
	published := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name     string
		event    natspkg.MessageEvent
		contains []string
	}{
		{
			name:     "reset",
			event:    natspkg.MessageEvent{Type: natspkg.EventReset, SessionID: "sess-1", PublishedAt: published},
			contains: []string{"sess-1: new submission (2025-01-02T03:04:05Z)"},
		},
		{
			name: "message with link",
			event: natspkg.MessageEvent{
				Type:      natspkg.EventMessage,
				SessionID: "sess-1",
				Sequence:  2,
				Text:      "Transfer completed successfully.",
				Timestamp: "Thu Jan 2 03:04",
				URL:       &url,
			},
			contains: []string{"sess-1 #2 [Thu Jan 2 03:04] Transfer completed successfully.", "View it on Scan: " + url},
		},
		{
			name:     "unknown",
			event:    natspkg.MessageEvent{Type: "mystery", SessionID: "sess-1"},
			contains: []string{`unknown event type "mystery"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			printConversationEvent(&out, &tt.event, false)
			for _, s := range tt.contains {
				assert.Contains(t, out.String(), s)
			}
		})
	}
}

func TestPrintConversationEvent_JSON(t *testing.T) {
	var out bytes.Buffer
	printConversationEvent(&out, &natspkg.MessageEvent{
		Type:      natspkg.EventMessage,
		SessionID: "sess-1",
		Sequence:  1,
		Text:      "hello",
		Final:     true,
	}, true)

	var decoded natspkg.MessageEvent
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, "sess-1", decoded.SessionID)
	assert.Equal(t, 1, decoded.Sequence)
	assert.True(t, decoded.Final)
}
