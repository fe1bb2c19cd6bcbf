package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/txprompt/client"
)

const testRecipient = "0xAbCdEf0123456789aBcDeF0123456789AbCdEf01"

// runApp runs the full CLI against serverURL and returns stdout.
func runApp(t *testing.T, serverURL string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = io.Discard
	err := app.Run(append([]string{"txprompt", "--server-url", serverURL}, args...))
	return out.String(), err
}

func TestParseCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/parse", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "send 0.5 ETH to "+testRecipient, body["input"])
		fmt.Fprintf(w, `{"success":true,"data":{"recipientAddress":%q,"amount":"0.5","isErc20":false,"tokenAddress":null}}`, testRecipient)
	}))
	defer server.Close()

	out, err := runApp(t, server.URL, "parse", "send", "0.5", "ETH", "to", testRecipient)
	require.NoError(t, err)
	assert.Contains(t, out, "Recipient: "+testRecipient)
	assert.Contains(t, out, "Amount:    0.5")
	assert.Contains(t, out, "(native)")
}

func TestParseCommand_MissingInstruction(t *testing.T) {
	_, err := runApp(t, "http://unused", "parse")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "instruction is required")
}

func TestSessionCreateCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"sess-1","messages":[]}`))
	}))
	defer server.Close()

	out, err := runApp(t, server.URL, "session", "create")
	require.NoError(t, err)
	assert.Equal(t, "sess-1\n", out)
}

func TestSessionSubmitCommand_Sync(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/sessions/sess-1/submit", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "send 1 ETH to "+testRecipient, body["input"])
		w.Write([]byte(`{"id":"sess-1","messages":[
			{"text":"Please wait while we initiate the ETH transfer","timestamp":"Mon Jan 1 12:00"},
			{"text":"Transfer completed successfully.","timestamp":"Mon Jan 1 12:00","url":"https://scan.test/tx/0xHASH"}
		]}`))
	}))
	defer server.Close()

	out, err := runApp(t, server.URL, "session", "submit", "sess-1", "send", "1", "ETH", "to", testRecipient)
	require.NoError(t, err)
	assert.Contains(t, out, "[Mon Jan 1 12:00] Transfer completed successfully.")
	assert.Contains(t, out, "View it on Scan: https://scan.test/tx/0xHASH")
}

func TestSessionSubmitCommand_Follow(t *testing.T) {
	submitted := make(chan string, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/sessions/{id}/submit", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("async"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		submitted <- body["input"]
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"id":"sess-1","is_loading":true,"messages":[]}`))
	})
	mux.HandleFunc("GET /api/v1/stream/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: snapshot\ndata: {\"id\":\"sess-1\",\"messages\":[]}\n\n")
		w.(http.Flusher).Flush()

		select {
		case input := <-submitted:
			assert.Equal(t, "send 1 ETH", input)
		case <-time.After(2 * time.Second):
			t.Error("submit was never called")
			return
		}

		fmt.Fprint(w, "event: reset\ndata: {\"type\":\"reset\"}\n\n")
		fmt.Fprint(w, "event: message\ndata: {\"sequence\":1,\"text\":\"Please wait\",\"timestamp\":\"t1\"}\n\n")
		fmt.Fprint(w, "event: message\ndata: {\"sequence\":2,\"text\":\"Transfer completed successfully.\",\"timestamp\":\"t2\",\"url\":\"https://scan.test/tx/0xHASH\",\"final\":true}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	out, err := runApp(t, server.URL, "session", "submit", "--follow", "sess-1", "send", "1", "ETH")
	require.NoError(t, err)
	assert.Contains(t, out, "[t1] Please wait")
	assert.Contains(t, out, "[t2] Transfer completed successfully.")
	assert.Contains(t, out, "View it on Scan: https://scan.test/tx/0xHASH")
}

func TestSessionSubmitCommand_Conflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"a submission is already in progress"}`))
	}))
	defer server.Close()

	_, err := runApp(t, server.URL, "session", "submit", "sess-1", "send")
	assert.ErrorIs(t, err, client.ErrSubmissionInFlight)
}

func TestTransfersListCommand_JQ(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/transfers", r.URL.Path)
		assert.Equal(t, "sess-1", r.URL.Query().Get("session_id"))
		w.Write([]byte(`{"transfers":[
			{"id":1,"status":"submitted","amount":"1","tx_hash":"0xA"},
			{"id":2,"status":"failed","amount":"2","error_message":"boom","error_kind":"network_failure"}
		],"count":2}`))
	}))
	defer server.Close()

	out, err := runApp(t, server.URL, "--json", "transfers", "list", "--session", "sess-1", "--jq", `.status == "failed"`)
	require.NoError(t, err)

	var transfers []client.Transfer
	require.NoError(t, json.Unmarshal([]byte(out), &transfers))
	require.Len(t, transfers, 1)
	assert.Equal(t, int64(2), transfers[0].ID)
}

func TestTransfersGetCommand_InvalidID(t *testing.T) {
	_, err := runApp(t, "http://unused", "transfers", "get", "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be a positive integer")
}

func TestPaymentRequestCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "0.5", r.URL.Query().Get("amount"))
		w.Write([]byte(`{"id":"pr-1","payment_url":"ethereum:0xabc@80002?value=500000000000000000"}`))
	}))
	defer server.Close()

	out, err := runApp(t, server.URL, "payment-request", "--amount", "0.5")
	require.NoError(t, err)
	assert.Equal(t, "ethereum:0xabc@80002?value=500000000000000000\n", out)
}
