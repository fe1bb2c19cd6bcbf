package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/brojonat/txprompt/service/db"
	"github.com/brojonat/txprompt/service/llm"
	"github.com/brojonat/txprompt/service/nats"
	"github.com/brojonat/txprompt/service/transfer"
)

func TestMain(m *testing.M) {
	// genai's auth transport pulls in opencensus, whose view worker starts in init and never exits.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

const (
	walletAddr    = "0x9999999999999999999999999999999999999999"
	recipientAddr = "0xAAAaaaAAAaaaAAAaaaAAAaaaAAAaaaAAAaaaAAAa"
	tokenAddr     = "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582"
	explorerBase  = "https://amoy.polygonscan.com"
)

var fixedTime = time.Date(2026, time.October, 19, 15, 4, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedTime }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeParser returns a canned descriptor or error. If gate is set, it blocks
// until the gate is closed.
type fakeParser struct {
	mu      sync.Mutex
	d       *transfer.Descriptor
	err     error
	gate    chan struct{}
	entered chan struct{}
	calls   int
}

func (f *fakeParser) ParseInstruction(ctx context.Context, text string) (*transfer.Descriptor, error) {
	f.mu.Lock()
	f.calls++
	gate, entered := f.gate, f.entered
	f.mu.Unlock()

	if entered != nil {
		close(entered)
	}
	if gate != nil {
		<-gate
	}
	return f.d, f.err
}

func (f *fakeParser) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeSubmitter returns a canned result and counts calls.
type fakeSubmitter struct {
	mu     sync.Mutex
	result transfer.Result
	calls  []transfer.Descriptor
}

func (f *fakeSubmitter) Submit(ctx context.Context, d transfer.Descriptor) transfer.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, d)
	return f.result
}

func (f *fakeSubmitter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// sessionAwareSubmitter records the session id it was handed.
type sessionAwareSubmitter struct {
	fakeSubmitter
	sessionID string
}

func (f *sessionAwareSubmitter) SubmitForSession(ctx context.Context, sessionID string, d transfer.Descriptor) transfer.Result {
	f.mu.Lock()
	f.sessionID = sessionID
	f.mu.Unlock()
	return f.Submit(ctx, d)
}

// fakeHistory records CreateTransfer calls.
type fakeHistory struct {
	mu      sync.Mutex
	records []db.CreateTransferParams
	err     error
}

func (f *fakeHistory) CreateTransfer(ctx context.Context, params db.CreateTransferParams) (*db.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.records = append(f.records, params)
	return &db.Transfer{ID: int64(len(f.records)), Status: params.Status}, nil
}

func (f *fakeHistory) Records() []db.CreateTransferParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]db.CreateTransferParams, len(f.records))
	copy(out, f.records)
	return out
}

// fakeGenerator feeds a canned model reply into a real llm.Bridge.
type fakeGenerator struct {
	reply string
}

func (f fakeGenerator) Generate(ctx context.Context, system, prompt string) (string, error) {
	return f.reply, nil
}

func (f fakeGenerator) Model() string { return "fake" }

func strPtr(s string) *string { return &s }

func nativeDescriptor() *transfer.Descriptor {
	return &transfer.Descriptor{RecipientAddress: recipientAddr, Amount: "0.1"}
}

func newTestSession(p Parser, sub Submitter, deps Deps) *Session {
	deps.Parser = p
	deps.Submitter = sub
	if deps.Logger == nil {
		deps.Logger = testLogger()
	}
	return New("session-1", walletAddr, Config{ExplorerBaseURL: explorerBase, Clock: fixedClock}, deps)
}

func TestSubmit_Success(t *testing.T) {
	parser := &fakeParser{d: nativeDescriptor()}
	sub := &fakeSubmitter{result: transfer.Result{Success: true, TxHash: strPtr("0xHASH")}}
	s := newTestSession(parser, sub, Deps{})

	state, err := s.Submit(context.Background(), "send 0.1 to "+recipientAddr)
	require.NoError(t, err)

	assert.False(t, state.IsLoading)
	assert.Empty(t, state.InputText)
	require.Len(t, state.Messages, 2)

	assert.Equal(t, "Please wait while we initiate the ETH transfer to "+recipientAddr, state.Messages[0].Text)
	assert.Nil(t, state.Messages[0].URL)
	assert.Equal(t, "19 Oct 2026 03:04 PM", state.Messages[0].Timestamp)

	assert.Equal(t, MsgCompleted, state.Messages[1].Text)
	require.NotNil(t, state.Messages[1].URL)
	assert.Equal(t, explorerBase+"/tx/0xHASH", *state.Messages[1].URL)

	assert.Equal(t, 1, sub.Calls())
}

func TestSubmit_PassesSessionIDToSessionAwareSubmitter(t *testing.T) {
	sub := &sessionAwareSubmitter{fakeSubmitter: fakeSubmitter{result: transfer.Result{Success: true, TxHash: strPtr("0xHASH")}}}
	s := newTestSession(&fakeParser{d: nativeDescriptor()}, sub, Deps{})

	_, err := s.Submit(context.Background(), "send 0.1 to "+recipientAddr)
	require.NoError(t, err)

	assert.Equal(t, "session-1", sub.sessionID)
	assert.Equal(t, 1, sub.Calls())
}

func TestSubmit_ERC20PendingLabel(t *testing.T) {
	parser := &fakeParser{d: &transfer.Descriptor{
		RecipientAddress: recipientAddr,
		Amount:           "5",
		IsErc20:          true,
		TokenAddress:     strPtr(tokenAddr),
	}}
	sub := &fakeSubmitter{result: transfer.Result{Success: true, TxHash: strPtr("0x1")}}
	s := newTestSession(parser, sub, Deps{})

	state, err := s.Submit(context.Background(), "send 5 tokens")
	require.NoError(t, err)
	assert.Equal(t, "Please wait while we initiate the ERC20 transfer to "+recipientAddr, state.Messages[0].Text)
}

func TestSubmit_SubmitterFailure(t *testing.T) {
	tests := []struct {
		name    string
		result  transfer.Result
		wantMsg string
	}{
		{
			name:    "with message",
			result:  transfer.Result{ErrorMessage: strPtr("insufficient funds")},
			wantMsg: "Transaction failed: insufficient funds",
		},
		{
			name:    "without message",
			result:  transfer.Result{},
			wantMsg: "Transaction failed: An unknown error occurred.",
		},
		{
			name:    "empty message",
			result:  transfer.Result{ErrorMessage: strPtr("")},
			wantMsg: "Transaction failed: An unknown error occurred.",
		},
		{
			name:    "success without hash",
			result:  transfer.Result{Success: true},
			wantMsg: "Transaction failed: An unknown error occurred.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession(&fakeParser{d: nativeDescriptor()}, &fakeSubmitter{result: tt.result}, Deps{})

			state, err := s.Submit(context.Background(), "send")
			require.NoError(t, err)
			require.Len(t, state.Messages, 2)
			assert.Equal(t, tt.wantMsg, state.Messages[1].Text)
			assert.Nil(t, state.Messages[1].URL)
			assert.False(t, state.IsLoading)
			assert.Empty(t, state.InputText)
		})
	}
}

func TestSubmit_ParseFailures(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{name: "service", err: &llm.ParseError{Kind: llm.KindServiceError, Msg: "down"}, wantMsg: MsgServiceError},
		{name: "unparseable", err: &llm.ParseError{Kind: llm.KindUnparseableInput, Msg: "INVALID"}, wantMsg: MsgInvalidInput},
		{name: "invalid descriptor", err: &llm.ParseError{Kind: llm.KindInvalidDescriptor, Msg: "bad"}, wantMsg: MsgInvalidInput},
		{name: "foreign error", err: errors.New("boom"), wantMsg: MsgServiceError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &fakeSubmitter{}
			s := newTestSession(&fakeParser{err: tt.err}, sub, Deps{})

			state, err := s.Submit(context.Background(), "gibberish")
			require.NoError(t, err)
			require.Len(t, state.Messages, 1)
			assert.Equal(t, tt.wantMsg, state.Messages[0].Text)
			assert.False(t, state.IsLoading)
			assert.Empty(t, state.InputText)
			assert.Equal(t, 0, sub.Calls())
		})
	}
}

func TestSubmit_SelfTransferNeverSubmits(t *testing.T) {
	for _, recipient := range []string{walletAddr, " " + walletAddr + " "} {
		history := &fakeHistory{}
		sub := &fakeSubmitter{}
		parser := &fakeParser{d: &transfer.Descriptor{RecipientAddress: recipient, Amount: "1"}}
		s := newTestSession(parser, sub, Deps{History: history})

		state, err := s.Submit(context.Background(), "send to myself")
		require.NoError(t, err)

		require.Len(t, state.Messages, 1)
		assert.Equal(t, MsgSelfTransfer, state.Messages[0].Text)
		assert.Equal(t, 0, sub.Calls())

		records := history.Records()
		require.Len(t, records, 1)
		assert.Equal(t, db.StatusRejected, records[0].Status)
	}
}

func TestSubmit_SelfTransferIgnoresCase(t *testing.T) {
	sub := &fakeSubmitter{}
	parser := &fakeParser{d: &transfer.Descriptor{RecipientAddress: "0xabcdef0123456789abcdef0123456789abcdef01", Amount: "1"}}
	s := New("s", "0xABCDEF0123456789ABCDEF0123456789ABCDEF01", Config{Clock: fixedClock},
		Deps{Parser: parser, Submitter: sub, Logger: testLogger()})

	state, err := s.Submit(context.Background(), "send")
	require.NoError(t, err)
	assert.Equal(t, MsgSelfTransfer, state.Messages[0].Text)
	assert.Equal(t, 0, sub.Calls())
}

func TestSubmit_BlankInputIsNoop(t *testing.T) {
	parser := &fakeParser{d: nativeDescriptor()}
	sub := &fakeSubmitter{result: transfer.Result{Success: true, TxHash: strPtr("0xHASH")}}
	s := newTestSession(parser, sub, Deps{})

	// leave a prior conversation in place
	_, err := s.Submit(context.Background(), "send")
	require.NoError(t, err)
	before := s.Snapshot()

	for _, input := range []string{"", "   ", "\t\n"} {
		state, err := s.Submit(context.Background(), input)
		assert.ErrorIs(t, err, ErrBlankInput)
		assert.Equal(t, before, state)
	}
	assert.Equal(t, 1, parser.Calls())
}

func TestSubmit_ConcurrentSubmitIsNoop(t *testing.T) {
	parser := &fakeParser{
		d:       nativeDescriptor(),
		gate:    make(chan struct{}),
		entered: make(chan struct{}),
	}
	sub := &fakeSubmitter{result: transfer.Result{Success: true, TxHash: strPtr("0xHASH")}}
	s := newTestSession(parser, sub, Deps{})

	done, err := s.Start(context.Background(), "first")
	require.NoError(t, err)
	<-parser.entered

	inFlight := s.Snapshot()
	assert.True(t, inFlight.IsLoading)
	assert.Equal(t, "first", inFlight.InputText)

	state, err := s.Submit(context.Background(), "second")
	assert.ErrorIs(t, err, ErrSubmissionInFlight)
	assert.Equal(t, inFlight, state)
	assert.False(t, s.SetInput("typing"))

	close(parser.gate)
	<-done

	final := s.Snapshot()
	assert.False(t, final.IsLoading)
	assert.Empty(t, final.InputText)
	assert.Len(t, final.Messages, 2)
	assert.Equal(t, 1, parser.Calls())
	assert.Equal(t, 1, sub.Calls())
}

func TestSubmit_ClearsPreviousMessages(t *testing.T) {
	parser := &fakeParser{d: nativeDescriptor()}
	sub := &fakeSubmitter{result: transfer.Result{Success: true, TxHash: strPtr("0xHASH")}}
	s := newTestSession(parser, sub, Deps{})

	_, err := s.Submit(context.Background(), "one")
	require.NoError(t, err)
	state, err := s.Submit(context.Background(), "two")
	require.NoError(t, err)

	assert.Len(t, state.Messages, 2)
}

func TestSubmit_SurvivesCancelledContext(t *testing.T) {
	parser := &fakeParser{d: nativeDescriptor()}
	sub := &fakeSubmitter{result: transfer.Result{Success: true, TxHash: strPtr("0xHASH")}}
	s := newTestSession(parser, sub, Deps{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	state, err := s.Submit(ctx, "send")
	require.NoError(t, err)
	assert.Len(t, state.Messages, 2)
	assert.Equal(t, MsgCompleted, state.Messages[1].Text)
}

func TestSetInput(t *testing.T) {
	s := newTestSession(&fakeParser{}, &fakeSubmitter{}, Deps{})
	assert.True(t, s.SetInput("send 1"))
	assert.Equal(t, "send 1", s.Snapshot().InputText)
}

func TestSubmit_PublishesEvents(t *testing.T) {
	pub := nats.NewMockPublisher()
	parser := &fakeParser{d: nativeDescriptor()}
	sub := &fakeSubmitter{result: transfer.Result{Success: true, TxHash: strPtr("0xHASH")}}
	s := newTestSession(parser, sub, Deps{Publisher: pub})

	_, err := s.Submit(context.Background(), "send")
	require.NoError(t, err)

	events := pub.GetPublishedEventsForSession("session-1")
	require.Len(t, events, 3)

	assert.Equal(t, nats.EventReset, events[0].Type)
	assert.Equal(t, nats.EventMessage, events[1].Type)
	assert.Equal(t, 1, events[1].Sequence)
	assert.False(t, events[1].Final)
	assert.Equal(t, 2, events[2].Sequence)
	assert.True(t, events[2].Final)
	assert.Equal(t, MsgCompleted, events[2].Text)
	assert.Equal(t, explorerBase+"/tx/0xHASH", *events[2].URL)
	for _, e := range events {
		assert.Equal(t, walletAddr, e.WalletAddress)
		assert.Equal(t, fixedTime, e.PublishedAt)
	}
}

func TestSubmit_PublishFailureIsIgnored(t *testing.T) {
	pub := nats.NewMockPublisher()
	pub.SetPublishError(errors.New("nats down"))
	s := newTestSession(&fakeParser{d: nativeDescriptor()},
		&fakeSubmitter{result: transfer.Result{Success: true, TxHash: strPtr("0xHASH")}},
		Deps{Publisher: pub})

	state, err := s.Submit(context.Background(), "send")
	require.NoError(t, err)
	assert.Len(t, state.Messages, 2)
}

func TestSubmit_RecordsHistory(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		history := &fakeHistory{}
		sub := &fakeSubmitter{result: transfer.Result{
			Success:          true,
			TxHash:           strPtr("0xHASH"),
			AmountMinorUnits: "100000000000000000",
			Decimals:         18,
		}}
		s := newTestSession(&fakeParser{d: nativeDescriptor()}, sub, Deps{History: history})

		_, err := s.Submit(context.Background(), "send")
		require.NoError(t, err)

		records := history.Records()
		require.Len(t, records, 1)
		r := records[0]
		assert.Equal(t, "session-1", r.SessionID)
		assert.Equal(t, walletAddr, r.WalletAddress)
		assert.Equal(t, db.StatusSubmitted, r.Status)
		assert.Equal(t, "0xHASH", *r.TxHash)
		assert.Equal(t, "100000000000000000", *r.AmountMinorUnits)
		assert.Equal(t, int16(18), *r.Decimals)
		assert.Nil(t, r.ErrorKind)
	})

	t.Run("failure", func(t *testing.T) {
		history := &fakeHistory{}
		sub := &fakeSubmitter{result: transfer.Result{
			ErrorMessage: strPtr("boom"),
			Kind:         transfer.KindNetworkFailure,
		}}
		s := newTestSession(&fakeParser{d: nativeDescriptor()}, sub, Deps{History: history})

		_, err := s.Submit(context.Background(), "send")
		require.NoError(t, err)

		records := history.Records()
		require.Len(t, records, 1)
		assert.Equal(t, db.StatusFailed, records[0].Status)
		assert.Equal(t, "network_failure", *records[0].ErrorKind)
		assert.Nil(t, records[0].AmountMinorUnits)
	})

	t.Run("parse failure records nothing", func(t *testing.T) {
		history := &fakeHistory{}
		s := newTestSession(&fakeParser{err: &llm.ParseError{Kind: llm.KindUnparseableInput}}, &fakeSubmitter{}, Deps{History: history})

		_, err := s.Submit(context.Background(), "send")
		require.NoError(t, err)
		assert.Empty(t, history.Records())
	})

	t.Run("store failure is ignored", func(t *testing.T) {
		history := &fakeHistory{err: errors.New("db down")}
		s := newTestSession(&fakeParser{d: nativeDescriptor()},
			&fakeSubmitter{result: transfer.Result{Success: true, TxHash: strPtr("0xHASH")}},
			Deps{History: history})

		state, err := s.Submit(context.Background(), "send")
		require.NoError(t, err)
		assert.Equal(t, MsgCompleted, state.Messages[1].Text)
	})
}

func TestPipeline_RoundTripWithMockWallet(t *testing.T) {
	reply := `{"recipientAddress":"` + recipientAddr + `","amount":"0.1","isErc20":false,"tokenAddress":null}`
	bridge := llm.NewBridge(fakeGenerator{reply: reply}, nil, testLogger())
	wallet := transfer.NewMockWallet(walletAddr, "0xHASH")
	submitter := transfer.NewSubmitter(nil, testLogger()).Bind(wallet)

	s := newTestSession(bridge, submitter, Deps{})

	state, err := s.Submit(context.Background(), "send 0.1 ETH to "+recipientAddr)
	require.NoError(t, err)

	require.Len(t, state.Messages, 2)
	assert.Contains(t, *state.Messages[1].URL, explorerBase+"/tx/0xHASH")

	sends := wallet.GetNativeSends()
	require.Len(t, sends, 1)
	assert.Equal(t, "100000000000000000", sends[0].Value.String())
}

func TestPipeline_InvalidAddressSentinel(t *testing.T) {
	bridge := llm.NewBridge(fakeGenerator{reply: "INVALID_ADDRESS"}, nil, testLogger())
	sub := &fakeSubmitter{}
	s := newTestSession(bridge, sub, Deps{})

	state, err := s.Submit(context.Background(), "send 1 ETH to 0xnotanaddress")
	require.NoError(t, err)

	require.Len(t, state.Messages, 1)
	assert.Equal(t, MsgInvalidInput, state.Messages[0].Text)
	assert.Equal(t, 0, sub.Calls())
	assert.False(t, state.IsLoading)
}
