package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/brojonat/txprompt/service/db"
	"github.com/brojonat/txprompt/service/evm"
	"github.com/brojonat/txprompt/service/llm"
	"github.com/brojonat/txprompt/service/metrics"
	"github.com/brojonat/txprompt/service/nats"
	"github.com/brojonat/txprompt/service/timefmt"
	"github.com/brojonat/txprompt/service/transfer"
)

// User-facing conversation messages.
const (
	MsgInvalidInput    = "Invalid input or error processing your request."
	MsgServiceError    = "An error occurred while processing your request."
	MsgSelfTransfer    = "You cannot transfer funds to your own wallet address."
	MsgCompleted       = "Transfer completed successfully."
	MsgUnknownError    = "An unknown error occurred."
	msgPendingTemplate = "Please wait while we initiate the %s transfer to %s"
	msgFailedTemplate  = "Transaction failed: %s"
)

var (
	// ErrBlankInput is returned when Submit is called with empty or whitespace-only text.
	ErrBlankInput = errors.New("input is blank")

	// ErrSubmissionInFlight is returned when Submit is called while another submission is running.
	ErrSubmissionInFlight = errors.New("a submission is already in progress")
)

// Parser turns free text into a transfer descriptor. *llm.Bridge implements it.
type Parser interface {
	ParseInstruction(ctx context.Context, text string) (*transfer.Descriptor, error)
}

// Submitter performs one transfer attempt. *transfer.BoundSubmitter and
// *temporal.RemoteSubmitter implement it.
type Submitter interface {
	Submit(ctx context.Context, d transfer.Descriptor) transfer.Result
}

// sessionSubmitter is implemented by submitters that can tag a transfer with
// the conversation that started it.
type sessionSubmitter interface {
	SubmitForSession(ctx context.Context, sessionID string, d transfer.Descriptor) transfer.Result
}

// HistoryStore records submission attempts. *db.Store implements it.
type HistoryStore interface {
	CreateTransfer(ctx context.Context, params db.CreateTransferParams) (*db.Transfer, error)
}

// Message is one entry in the conversation log.
type Message struct {
	Text      string  `json:"text"`
	Timestamp string  `json:"timestamp"`
	URL       *string `json:"url"`
}

// State is a point-in-time copy of a conversation.
type State struct {
	ID            string    `json:"id"`
	WalletAddress string    `json:"wallet_address"`
	InputText     string    `json:"input_text"`
	IsLoading     bool      `json:"is_loading"`
	Messages      []Message `json:"messages"`
	CreatedAt     time.Time `json:"created_at"`
}

// Config holds per-deployment settings.
type Config struct {
	ExplorerBaseURL string
	Clock           timefmt.Clock
}

// Deps are the collaborators a conversation drives. History, Publisher and
// Metrics are optional.
type Deps struct {
	Parser    Parser
	Submitter Submitter
	History   HistoryStore
	Publisher nats.Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Session is one conversation. Only one submission runs at a time.
type Session struct {
	id            string
	walletAddress string
	createdAt     time.Time
	cfg           Config
	deps          Deps
	logger        *slog.Logger

	mu        sync.Mutex
	inputText string
	isLoading bool
	messages  []Message
}

// New creates an idle session with an empty conversation.
func New(id, walletAddress string, cfg Config, deps Deps) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Session{
		id:            id,
		walletAddress: walletAddress,
		createdAt:     cfg.Clock(),
		cfg:           cfg,
		deps:          deps,
		logger:        logger.With("session_id", id),
		messages:      make([]Message, 0),
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	messages := make([]Message, len(s.messages))
	copy(messages, s.messages)
	return State{
		ID:            s.id,
		WalletAddress: s.walletAddress,
		InputText:     s.inputText,
		IsLoading:     s.isLoading,
		Messages:      messages,
		CreatedAt:     s.createdAt,
	}
}

// SetInput updates the input field. Ignored while a submission is running.
func (s *Session) SetInput(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isLoading {
		return false
	}
	s.inputText = text
	return true
}

// Submit runs one submission to completion and returns the resulting state.
// Blank input and submissions while loading are no-ops that return
// ErrBlankInput and ErrSubmissionInFlight.
func (s *Session) Submit(ctx context.Context, text string) (State, error) {
	done, err := s.Start(ctx, text)
	if err != nil {
		return s.Snapshot(), err
	}
	<-done
	return s.Snapshot(), nil
}

// Start begins a submission in the background. The returned channel is
// closed once the session is idle again. The pipeline is detached from ctx
// cancellation: once started, a submission always runs to completion.
func (s *Session) Start(ctx context.Context, text string) (<-chan struct{}, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrBlankInput
	}

	s.mu.Lock()
	if s.isLoading {
		s.mu.Unlock()
		return nil, ErrSubmissionInFlight
	}
	s.isLoading = true
	s.inputText = text
	s.messages = make([]Message, 0)
	s.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	s.publish(ctx, &nats.MessageEvent{Type: nats.EventReset})

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer s.finish()
		outcome := s.run(ctx, text)
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordSessionSubmission(outcome)
		}
	}()
	return done, nil
}

// run executes parse, self-transfer check and submit, appending messages as
// it goes. Returns the outcome label.
func (s *Session) run(ctx context.Context, text string) string {
	d, err := s.deps.Parser.ParseInstruction(ctx, text)
	if err != nil {
		kind := llm.KindOf(err)
		s.logger.InfoContext(ctx, "instruction rejected", "kind", kind, "error", err)
		if kind == llm.KindServiceError {
			s.append(ctx, MsgServiceError, nil, true)
			return "service_error"
		}
		s.append(ctx, MsgInvalidInput, nil, true)
		return "invalid_input"
	}

	if evm.SameAddress(d.RecipientAddress, s.walletAddress) {
		s.logger.InfoContext(ctx, "self transfer rejected", "recipient", d.RecipientAddress)
		s.append(ctx, MsgSelfTransfer, nil, true)
		msg, kind := MsgSelfTransfer, "self_transfer"
		s.recordHistory(ctx, d, db.StatusRejected, transfer.Result{ErrorMessage: &msg, Kind: transfer.ErrorKind(kind)})
		return "rejected"
	}

	s.append(ctx, fmt.Sprintf(msgPendingTemplate, d.Asset(), d.RecipientAddress), nil, false)

	var res transfer.Result
	if ss, ok := s.deps.Submitter.(sessionSubmitter); ok {
		res = ss.SubmitForSession(ctx, s.id, *d)
	} else {
		res = s.deps.Submitter.Submit(ctx, *d)
	}
	if res.Success && res.TxHash != nil {
		url := s.explorerURL(*res.TxHash)
		s.append(ctx, MsgCompleted, &url, true)
		s.recordHistory(ctx, d, db.StatusSubmitted, res)
		return "success"
	}

	reason := MsgUnknownError
	if res.ErrorMessage != nil && *res.ErrorMessage != "" {
		reason = *res.ErrorMessage
	}
	s.append(ctx, fmt.Sprintf(msgFailedTemplate, reason), nil, true)
	s.recordHistory(ctx, d, db.StatusFailed, res)
	return "failed"
}

func (s *Session) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isLoading = false
	s.inputText = ""
}

// append adds a message. final marks the last message of a submission.
func (s *Session) append(ctx context.Context, text string, url *string, final bool) {
	msg := Message{
		Text:      text,
		Timestamp: timefmt.Now(s.cfg.Clock),
		URL:       url,
	}

	s.mu.Lock()
	s.messages = append(s.messages, msg)
	seq := len(s.messages)
	s.mu.Unlock()

	s.publish(ctx, &nats.MessageEvent{
		Type:      nats.EventMessage,
		Sequence:  seq,
		Text:      msg.Text,
		Timestamp: msg.Timestamp,
		URL:       msg.URL,
		Final:     final,
	})
}

// publish is best effort: failures are logged, never surfaced.
func (s *Session) publish(ctx context.Context, event *nats.MessageEvent) {
	if s.deps.Publisher == nil {
		return
	}
	event.SessionID = s.id
	event.WalletAddress = s.walletAddress
	event.PublishedAt = s.cfg.Clock().UTC()

	if err := s.deps.Publisher.PublishMessage(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "failed to publish conversation event",
			"type", event.Type,
			"sequence", event.Sequence,
			"error", err,
		)
	}
}

// recordHistory is best effort: failures are logged, never surfaced.
func (s *Session) recordHistory(ctx context.Context, d *transfer.Descriptor, status string, res transfer.Result) {
	if s.deps.History == nil {
		return
	}

	params := db.CreateTransferParams{
		SessionID:        s.id,
		WalletAddress:    s.walletAddress,
		RecipientAddress: d.RecipientAddress,
		TokenAddress:     d.TokenAddress,
		IsErc20:          d.IsErc20,
		Amount:           d.Amount,
		Status:           status,
		TxHash:           res.TxHash,
		ErrorMessage:     res.ErrorMessage,
	}
	if res.AmountMinorUnits != "" {
		minor := res.AmountMinorUnits
		decimals := int16(res.Decimals)
		params.AmountMinorUnits = &minor
		params.Decimals = &decimals
	}
	if res.Kind != "" {
		kind := string(res.Kind)
		params.ErrorKind = &kind
	}

	if _, err := s.deps.History.CreateTransfer(ctx, params); err != nil {
		s.logger.ErrorContext(ctx, "failed to record transfer history", "status", status, "error", err)
	}
}

func (s *Session) explorerURL(txHash string) string {
	return strings.TrimRight(s.cfg.ExplorerBaseURL, "/") + "/tx/" + txHash
}
