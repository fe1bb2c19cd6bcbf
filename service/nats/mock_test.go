package nats

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockPublisher(t *testing.T) {
	m := NewMockPublisher()
	ctx := context.Background()

	require.NoError(t, m.PublishMessage(ctx, &MessageEvent{Type: EventReset, SessionID: "a"}))
	require.NoError(t, m.PublishMessage(ctx, &MessageEvent{Type: EventMessage, SessionID: "a", Sequence: 1, Text: "hi"}))
	require.NoError(t, m.PublishMessage(ctx, &MessageEvent{Type: EventMessage, SessionID: "b", Sequence: 1, Text: "yo"}))

	assert.Equal(t, 3, m.GetPublishedEventCount())
	assert.Len(t, m.GetPublishedEventsForSession("a"), 2)
	assert.Len(t, m.GetPublishedEventsForSession("b"), 1)

	m.SetPublishError(errors.New("nats down"))
	assert.Error(t, m.PublishMessage(ctx, &MessageEvent{SessionID: "a"}))
	assert.Equal(t, 3, m.GetPublishedEventCount())

	require.NoError(t, m.Close())
	assert.True(t, m.IsClosed())

	m.Reset()
	assert.Equal(t, 0, m.GetPublishedEventCount())
	assert.False(t, m.IsClosed())
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "sessions.abc-123", Subject("abc-123"))
}

func TestMessageEventJSON(t *testing.T) {
	url := "https://amoy.polygonscan.com/tx/0xHASH"
	data, err := json.Marshal(&MessageEvent{
		Type:      EventMessage,
		SessionID: "s1",
		Sequence:  2,
		Text:      "Transfer completed successfully.",
		Timestamp: "19 Oct 2026 03:04 PM",
		URL:       &url,
	})
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "message", decoded["type"])
	assert.Equal(t, "s1", decoded["session_id"])
	assert.Equal(t, url, decoded["url"])
}

func TestNoopPublisher(t *testing.T) {
	var p Publisher = NoopPublisher{}
	assert.NoError(t, p.PublishMessage(context.Background(), &MessageEvent{}))
	assert.NoError(t, p.Close())
}
