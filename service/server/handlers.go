package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/brojonat/txprompt/service/db"
	"github.com/brojonat/txprompt/service/evm"
	"github.com/brojonat/txprompt/service/llm"
	"github.com/brojonat/txprompt/service/session"
	"github.com/brojonat/txprompt/service/transfer"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB - instructions are a sentence or two
	defaultListLimit   = 100
	maxListLimit       = 1000
)

// HistoryReader reads recorded transfers. *db.Store implements it.
type HistoryReader interface {
	GetTransfer(ctx context.Context, id int64) (*db.Transfer, error)
	ListTransfersByWallet(ctx context.Context, params db.ListTransfersByWalletParams) ([]*db.Transfer, error)
	ListTransfersBySession(ctx context.Context, sessionID string) ([]*db.Transfer, error)
}

// parseResponse is the body of the parse endpoints.
type parseResponse struct {
	Success bool                 `json:"success"`
	Data    *transfer.Descriptor `json:"data,omitempty"`
	Message string               `json:"message,omitempty"`
	Kind    llm.ErrorKind        `json:"kind,omitempty"`
}

// handleParse returns a handler that turns an instruction into a transfer descriptor.
// POST /api/gemini and POST /api/v1/parse
func handleParse(parser session.Parser, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, parseResponse{Message: "Method Not Allowed"}, http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
		if err != nil {
			writeJSON(w, parseResponse{Message: "Invalid Input"}, http.StatusBadRequest)
			return
		}

		input := gjson.GetBytes(body, "input")
		if input.Type != gjson.String || input.Str == "" {
			logger.Debug("rejected parse request", "input_type", input.Type.String())
			writeJSON(w, parseResponse{Message: "Invalid Input"}, http.StatusBadRequest)
			return
		}

		d, err := parser.ParseInstruction(r.Context(), input.Str)
		if err != nil {
			msg := "Internal Server Error"
			var pe *llm.ParseError
			if errors.As(err, &pe) {
				msg = pe.Msg
			}
			writeJSON(w, parseResponse{Message: msg, Kind: llm.KindOf(err)}, http.StatusInternalServerError)
			return
		}

		writeJSON(w, parseResponse{Success: true, Data: d}, http.StatusOK)
	})
}

// handleCreateSession returns a handler that starts a new conversation.
// POST /api/v1/sessions
func handleCreateSession(sessions *session.Manager, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := sessions.Create()
		logger.Info("session created", "session_id", s.ID())
		writeJSON(w, s.Snapshot(), http.StatusCreated)
	})
}

// handleListSessions returns a handler that lists live conversations.
// GET /api/v1/sessions
func handleListSessions(sessions *session.Manager, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		states := sessions.List()
		writeJSON(w, map[string]interface{}{
			"sessions": states,
			"count":    len(states),
		}, http.StatusOK)
	})
}

// handleGetSession returns a handler that returns one conversation.
// GET /api/v1/sessions/{id}
func handleGetSession(sessions *session.Manager, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, ok := sessions.Get(r.PathValue("id"))
		if !ok {
			writeError(w, "session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, s.Snapshot(), http.StatusOK)
	})
}

// handleUpdateSessionInput returns a handler that edits the input field of an idle conversation.
// PATCH /api/v1/sessions/{id}
func handleUpdateSessionInput(sessions *session.Manager, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, ok := sessions.Get(r.PathValue("id"))
		if !ok {
			writeError(w, "session not found", http.StatusNotFound)
			return
		}

		input, ok := decodeInput(w, r)
		if !ok {
			return
		}

		if !s.SetInput(input) {
			writeError(w, session.ErrSubmissionInFlight.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, s.Snapshot(), http.StatusOK)
	})
}

// handleDeleteSession returns a handler that ends a conversation.
// DELETE /api/v1/sessions/{id}
func handleDeleteSession(sessions *session.Manager, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if !sessions.Delete(id) {
			writeError(w, "session not found", http.StatusNotFound)
			return
		}
		logger.Info("session deleted", "session_id", id)
		w.WriteHeader(http.StatusNoContent)
	})
}

// handleSubmitSession returns a handler that runs one submission.
// POST /api/v1/sessions/{id}/submit[?async=true]
//
// Synchronous requests return the snapshot once the session is idle again.
// Async requests return 202 with the loading snapshot; progress arrives over SSE.
func handleSubmitSession(sessions *session.Manager, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, ok := sessions.Get(r.PathValue("id"))
		if !ok {
			writeError(w, "session not found", http.StatusNotFound)
			return
		}

		input, ok := decodeInput(w, r)
		if !ok {
			return
		}

		async, _ := strconv.ParseBool(r.URL.Query().Get("async"))
		if async {
			if _, err := s.Start(r.Context(), input); err != nil {
				writeSubmitError(w, err)
				return
			}
			writeJSON(w, s.Snapshot(), http.StatusAccepted)
			return
		}

		state, err := s.Submit(r.Context(), input)
		if err != nil {
			writeSubmitError(w, err)
			return
		}
		logger.Debug("submission finished", "session_id", state.ID, "messages", len(state.Messages))
		writeJSON(w, state, http.StatusOK)
	})
}

// handleListTransfers returns a handler that lists recorded transfers.
// GET /api/v1/transfers?wallet_address={address}&limit={n}&offset={n}
// GET /api/v1/transfers?session_id={id}
// wallet_address defaults to the service wallet.
func handleListTransfers(history HistoryReader, defaultWallet string, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if history == nil {
			writeError(w, "transfer history is not configured", http.StatusServiceUnavailable)
			return
		}

		query := r.URL.Query()

		if sessionID := query.Get("session_id"); sessionID != "" {
			transfers, err := history.ListTransfersBySession(r.Context(), sessionID)
			if err != nil {
				logger.Error("failed to list transfers", "session_id", sessionID, "error", err)
				writeError(w, "internal server error", http.StatusInternalServerError)
				return
			}
			writeJSON(w, map[string]interface{}{
				"transfers": nonNil(transfers),
				"count":     len(transfers),
			}, http.StatusOK)
			return
		}

		walletAddress := query.Get("wallet_address")
		if walletAddress == "" {
			walletAddress = defaultWallet
		}
		if !evm.IsAddress(walletAddress) {
			writeError(w, "wallet_address must be a 0x-prefixed 40 hex character address", http.StatusBadRequest)
			return
		}

		limit, err := parseIntParam(query.Get("limit"), defaultListLimit, 1, maxListLimit, "limit")
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		offset, err := parseIntParam(query.Get("offset"), 0, 0, -1, "offset")
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		transfers, err := history.ListTransfersByWallet(r.Context(), db.ListTransfersByWalletParams{
			WalletAddress: walletAddress,
			Limit:         int32(limit),
			Offset:        int32(offset),
		})
		if err != nil {
			logger.Error("failed to list transfers", "wallet", walletAddress, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		logger.Debug("transfers listed", "wallet", walletAddress, "count", len(transfers))

		writeJSON(w, map[string]interface{}{
			"transfers": nonNil(transfers),
			"count":     len(transfers),
			"limit":     limit,
			"offset":    offset,
		}, http.StatusOK)
	})
}

// handleGetTransfer returns a handler that returns one recorded transfer.
// GET /api/v1/transfers/{id}
func handleGetTransfer(history HistoryReader, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if history == nil {
			writeError(w, "transfer history is not configured", http.StatusServiceUnavailable)
			return
		}

		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil || id < 1 {
			writeError(w, "invalid transfer id", http.StatusBadRequest)
			return
		}

		t, err := history.GetTransfer(r.Context(), id)
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, "transfer not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Error("failed to get transfer", "id", id, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, t, http.StatusOK)
	})
}

// decodeInput reads {"input": "..."} from the request body. On failure it
// writes a 400 and returns false.
func decodeInput(w http.ResponseWriter, r *http.Request) (string, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req struct {
		Input string `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if strings.Contains(err.Error(), "http: request body too large") {
			writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
			return "", false
		}
		writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
		return "", false
	}
	return req.Input, true
}

func writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrBlankInput):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, session.ErrSubmissionInFlight):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		writeError(w, "internal server error", http.StatusInternalServerError)
	}
}

// parseIntParam parses an optional integer query parameter. max < 0 means unbounded.
func parseIntParam(raw string, def, min, max int, name string) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errorf("invalid %s parameter: must be an integer", name)
	}
	if v < min {
		if min == 0 {
			return 0, errorf("%s cannot be negative", name)
		}
		return 0, errorf("%s must be at least %d", name, min)
	}
	if max >= 0 && v > max {
		return 0, errorf("%s cannot exceed %d", name, max)
	}
	return v, nil
}

func nonNil(transfers []*db.Transfer) []*db.Transfer {
	if transfers == nil {
		return []*db.Transfer{}
	}
	return transfers
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// errorf creates a validation error with a formatted message.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
