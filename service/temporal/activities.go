package temporal

import (
	"context"
	"log/slog"
	"time"

	"github.com/brojonat/txprompt/service/metrics"
	"github.com/brojonat/txprompt/service/transfer"
)

// SubmitTransferInput contains the input parameters for a transfer workflow.
type SubmitTransferInput struct {
	SessionID  string              `json:"session_id"`
	Descriptor transfer.Descriptor `json:"descriptor"`
}

// SubmitTransferResult is what the workflow hands back to the caller.
type SubmitTransferResult struct {
	SessionID     string          `json:"session_id"`
	WalletAddress string          `json:"wallet_address"`
	Result        transfer.Result `json:"result"`
	CompletedAt   time.Time       `json:"completed_at"`
}

// Activities holds the dependencies the transfer activities need.
// The wallet lives in the worker process; the signing key never leaves it.
type Activities struct {
	submitter *transfer.Submitter
	wallet    transfer.Wallet
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewActivities creates a new Activities instance with the given dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(wallet transfer.Wallet, m *metrics.Metrics, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		submitter: transfer.NewSubmitter(m, logger),
		wallet:    wallet,
		metrics:   m,
		logger:    logger,
	}
}

// SubmitTransfer performs one transfer attempt with the worker's wallet.
// Failures are reported in the result, not as an activity error, so the
// workflow never retries a broadcast.
func (a *Activities) SubmitTransfer(ctx context.Context, input SubmitTransferInput) (*SubmitTransferResult, error) {
	a.logger.InfoContext(ctx, "submitting transfer",
		"session_id", input.SessionID,
		"recipient", input.Descriptor.RecipientAddress,
		"amount", input.Descriptor.Amount,
		"asset", input.Descriptor.Asset(),
	)

	start := time.Now()
	res := a.submitter.Submit(ctx, input.Descriptor, a.wallet)
	if a.metrics != nil {
		status := "success"
		if !res.Success {
			status = string(res.Kind)
		}
		a.metrics.RecordActivityDuration("SubmitTransfer", status, time.Since(start).Seconds())
	}

	out := &SubmitTransferResult{
		SessionID:   input.SessionID,
		Result:      res,
		CompletedAt: time.Now().UTC(),
	}
	if a.wallet != nil {
		out.WalletAddress = a.wallet.CurrentAddress()
	}
	return out, nil
}
