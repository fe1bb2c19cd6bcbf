package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrSubmissionInFlight is returned by Submit when the session is already processing a request.
	ErrSubmissionInFlight = errors.New("a submission is already in progress")

	// ErrStopWatching can be returned from a Watch callback to end the stream cleanly.
	ErrStopWatching = errors.New("stop watching")
)

// Descriptor is a parsed transfer instruction.
type Descriptor struct {
	RecipientAddress string  `json:"recipientAddress"`
	Amount           string  `json:"amount"`
	IsErc20          bool    `json:"isErc20"`
	TokenAddress     *string `json:"tokenAddress"`
}

// Message is one entry in a conversation.
type Message struct {
	Text      string  `json:"text"`
	Timestamp string  `json:"timestamp"`
	URL       *string `json:"url"`
}

// Session is a conversation snapshot.
type Session struct {
	ID            string    `json:"id"`
	WalletAddress string    `json:"wallet_address"`
	InputText     string    `json:"input_text"`
	IsLoading     bool      `json:"is_loading"`
	Messages      []Message `json:"messages"`
	CreatedAt     time.Time `json:"created_at"`
}

// Transfer is a recorded submission attempt.
type Transfer struct {
	ID               int64     `json:"id"`
	SessionID        string    `json:"session_id"`
	WalletAddress    string    `json:"wallet_address"`
	RecipientAddress string    `json:"recipient_address"`
	TokenAddress     *string   `json:"token_address"`
	IsErc20          bool      `json:"is_erc20"`
	Amount           string    `json:"amount"`
	AmountMinorUnits *string   `json:"amount_minor_units"`
	Decimals         *int16    `json:"decimals"`
	Status           string    `json:"status"`
	TxHash           *string   `json:"tx_hash"`
	ErrorMessage     *string   `json:"error_message"`
	ErrorKind        *string   `json:"error_kind"`
	CreatedAt        time.Time `json:"created_at"`
}

// PaymentRequest is an EIP-681 request to pay the service wallet.
type PaymentRequest struct {
	ID               string    `json:"id"`
	PayToAddress     string    `json:"pay_to_address"`
	ChainID          int64     `json:"chain_id"`
	Amount           string    `json:"amount"`
	AmountMinorUnits string    `json:"amount_minor_units"`
	Decimals         uint8     `json:"decimals"`
	TokenAddress     *string   `json:"token_address,omitempty"`
	PaymentURL       string    `json:"payment_url"`
	QRCodeData       string    `json:"qr_code_data"`
	CreatedAt        time.Time `json:"created_at"`
}

// Event is one Server-Sent Event from a session stream. Data is the raw JSON payload.
type Event struct {
	Type string
	Data json.RawMessage
}

// ListTransfersParams filters a transfer listing. Zero values use server defaults.
type ListTransfersParams struct {
	WalletAddress string
	SessionID     string
	Limit         int
	Offset        int
}

// Client is the HTTP client for the txprompt service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new txprompt client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Parse asks the server to turn an instruction into a transfer descriptor without submitting it.
func (c *Client) Parse(ctx context.Context, input string) (*Descriptor, error) {
	var resp struct {
		Success bool        `json:"success"`
		Data    *Descriptor `json:"data"`
		Message string      `json:"message"`
	}
	status, err := c.doJSON(ctx, http.MethodPost, "/api/v1/parse", map[string]string{"input": input}, &resp)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK || !resp.Success || resp.Data == nil {
		return nil, fmt.Errorf("parse failed: %s", resp.Message)
	}
	c.logger.Debug("instruction parsed", "recipient", resp.Data.RecipientAddress, "amount", resp.Data.Amount)
	return resp.Data, nil
}

// CreateSession starts a new conversation.
func (c *Client) CreateSession(ctx context.Context) (*Session, error) {
	var s Session
	if err := c.expect(ctx, http.MethodPost, "/api/v1/sessions", nil, http.StatusCreated, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSession retrieves a conversation snapshot.
func (c *Client) GetSession(ctx context.Context, id string) (*Session, error) {
	var s Session
	if err := c.expect(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(id), nil, http.StatusOK, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSessions returns all live conversations.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var resp struct {
		Sessions []Session `json:"sessions"`
	}
	if err := c.expect(ctx, http.MethodGet, "/api/v1/sessions", nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// DeleteSession ends a conversation.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.expect(ctx, http.MethodDelete, "/api/v1/sessions/"+url.PathEscape(id), nil, http.StatusNoContent, nil)
}

// Submit runs one instruction through a session and returns the snapshot once it is idle.
func (c *Client) Submit(ctx context.Context, sessionID, input string) (*Session, error) {
	return c.submit(ctx, sessionID, input, false)
}

// SubmitAsync starts an instruction and returns immediately; follow progress with Watch.
func (c *Client) SubmitAsync(ctx context.Context, sessionID, input string) (*Session, error) {
	return c.submit(ctx, sessionID, input, true)
}

func (c *Client) submit(ctx context.Context, sessionID, input string, async bool) (*Session, error) {
	path := "/api/v1/sessions/" + url.PathEscape(sessionID) + "/submit"
	want := http.StatusOK
	if async {
		path += "?async=true"
		want = http.StatusAccepted
	}

	var s Session
	err := c.expect(ctx, http.MethodPost, path, map[string]string{"input": input}, want, &s)
	var se *statusError
	if errors.As(err, &se) && se.code == http.StatusConflict {
		return nil, ErrSubmissionInFlight
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListTransfers lists recorded transfers.
func (c *Client) ListTransfers(ctx context.Context, params ListTransfersParams) ([]Transfer, error) {
	q := url.Values{}
	if params.WalletAddress != "" {
		q.Set("wallet_address", params.WalletAddress)
	}
	if params.SessionID != "" {
		q.Set("session_id", params.SessionID)
	}
	if params.Limit > 0 {
		q.Set("limit", strconv.Itoa(params.Limit))
	}
	if params.Offset > 0 {
		q.Set("offset", strconv.Itoa(params.Offset))
	}

	path := "/api/v1/transfers"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Transfers []Transfer `json:"transfers"`
	}
	if err := c.expect(ctx, http.MethodGet, path, nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Transfers, nil
}

// GetTransfer retrieves one recorded transfer.
func (c *Client) GetTransfer(ctx context.Context, id int64) (*Transfer, error) {
	var t Transfer
	if err := c.expect(ctx, http.MethodGet, fmt.Sprintf("/api/v1/transfers/%d", id), nil, http.StatusOK, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// PaymentRequest asks the server for an EIP-681 payment request to its wallet.
// token may be empty for the native asset; decimals of 0 uses the server default.
func (c *Client) PaymentRequest(ctx context.Context, amount, token string, decimals uint8) (*PaymentRequest, error) {
	q := url.Values{}
	q.Set("amount", amount)
	if token != "" {
		q.Set("token", token)
	}
	if decimals > 0 {
		q.Set("decimals", strconv.Itoa(int(decimals)))
	}

	var pr PaymentRequest
	if err := c.expect(ctx, http.MethodGet, "/api/v1/payment-requests?"+q.Encode(), nil, http.StatusOK, &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// Watch streams a session's events until ctx is done, the server closes the
// stream, or fn returns an error. A nil return from fn keeps watching;
// returning ErrStopWatching ends the stream without error.
func (c *Client) Watch(ctx context.Context, sessionID string, fn func(Event) error) error {
	u := c.baseURL + "/api/v1/stream/sessions/" + url.PathEscape(sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// Streams have no overall deadline; ctx bounds them.
	streaming := *c.httpClient
	streaming.Timeout = 0

	resp, err := streaming.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to SSE endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var currentEvent, currentData string

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line indicates end of event
		if line == "" {
			if currentEvent != "" && currentData != "" {
				if err := fn(Event{Type: currentEvent, Data: json.RawMessage(currentData)}); err != nil {
					if errors.Is(err, ErrStopWatching) {
						return nil
					}
					return err
				}
			}
			currentEvent = ""
			currentData = ""
			continue
		}

		if strings.HasPrefix(line, "event:") {
			currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			currentData = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("error reading SSE stream: %w", err)
	}
	return nil
}

type statusError struct {
	code int
	msg  string
}

func (e *statusError) Error() string {
	return e.msg
}

// expect performs a JSON request and decodes the response into out when the
// status matches want. out may be nil.
func (c *Client) expect(ctx context.Context, method, path string, in interface{}, want int, out interface{}) error {
	resp, err := c.do(ctx, method, path, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return c.parseErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// doJSON performs a JSON request and decodes the body into out whatever the status.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) (int, error) {
	resp, err := c.do(ctx, method, path, in)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response (status %d): %w", resp.StatusCode, err)
	}
	return resp.StatusCode, nil
}

func (c *Client) do(ctx context.Context, method, path string, in interface{}) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("sending request", "method", method, "path", path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// parseErrorResponse extracts error message from HTTP error response.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &statusError{code: resp.StatusCode, msg: fmt.Sprintf("request failed with status %d", resp.StatusCode)}
	}

	var errResp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		return &statusError{code: resp.StatusCode, msg: fmt.Sprintf("request failed: %s", errResp.Error)}
	}

	return &statusError{code: resp.StatusCode, msg: fmt.Sprintf("request failed with status %d: %s", resp.StatusCode, string(body))}
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code == http.StatusNotFound
}
