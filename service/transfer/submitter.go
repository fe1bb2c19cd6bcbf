package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/brojonat/txprompt/service/evm"
	"github.com/brojonat/txprompt/service/metrics"
)

// Submitter resolves and submits transfers through a wallet.
type Submitter struct {
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewSubmitter creates a Submitter.
// If metrics is nil, no metrics will be recorded.
func NewSubmitter(m *metrics.Metrics, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{metrics: m, logger: logger.With("component", "transfer_submitter")}
}

// Submit performs one submission attempt. It never returns an error: every
// failure is reported in the Result.
func (s *Submitter) Submit(ctx context.Context, d Descriptor, w Wallet) Result {
	start := time.Now()

	plan, err := s.Resolve(ctx, d, w)
	if err != nil {
		return s.fail(ctx, d, nil, err, start)
	}

	hash, err := s.send(ctx, plan, w)
	if err != nil {
		return s.fail(ctx, d, plan, err, start)
	}

	s.logger.InfoContext(ctx, "transfer submitted",
		"asset", d.AssetKind(),
		"recipient", d.RecipientAddress,
		"amount", d.Amount,
		"amount_minor_units", plan.AmountMinorUnits.String(),
		"tx_hash", hash,
	)
	s.record(d, "success", start)

	return Result{
		Success:          true,
		TxHash:           &hash,
		AmountMinorUnits: plan.AmountMinorUnits.String(),
		Decimals:         plan.Decimals,
	}
}

// Resolve connects the wallet if needed, looks up token decimals and computes
// the minor-unit amount, without submitting anything.
func (s *Submitter) Resolve(ctx context.Context, d Descriptor, w Wallet) (*Plan, error) {
	if w == nil {
		return nil, newSubmissionError(KindWalletUnavailable, "no wallet configured")
	}
	if w.Status() != evm.StatusConnected {
		if err := w.Connect(ctx); err != nil {
			return nil, &SubmissionError{Kind: KindWalletUnavailable, Err: fmt.Errorf("failed to connect wallet: %w", err)}
		}
	}

	decimals := NativeDecimals
	if d.IsErc20 {
		if d.TokenAddress == nil {
			return nil, newSubmissionError(KindInvalidTransfer, "token transfer without a token address")
		}
		var err error
		decimals, err = s.tokenDecimals(ctx, *d.TokenAddress, w)
		if err != nil {
			return nil, err
		}
	}

	amount, err := ToMinorUnits(d.Amount, decimals)
	if err != nil {
		return nil, &SubmissionError{Kind: KindInvalidTransfer, Err: err}
	}

	return &Plan{Descriptor: d, Decimals: decimals, AmountMinorUnits: amount}, nil
}

// Bind fixes the wallet, giving a submitter that takes only a descriptor.
func (s *Submitter) Bind(w Wallet) *BoundSubmitter {
	return &BoundSubmitter{submitter: s, wallet: w}
}

func (s *Submitter) tokenDecimals(ctx context.Context, token string, w Wallet) (uint8, error) {
	out, err := w.CallContract(ctx, token, evm.ERC20ABI, "decimals")
	if err != nil {
		return 0, &SubmissionError{Kind: KindContractReadFailure, Err: fmt.Errorf("failed to read token decimals: %w", err)}
	}
	if len(out) != 1 {
		return 0, newSubmissionError(KindContractReadFailure, "decimals() returned %d values", len(out))
	}

	switch v := out[0].(type) {
	case uint8:
		return v, nil
	case *big.Int:
		if !v.IsUint64() || v.Uint64() > 255 {
			return 0, newSubmissionError(KindContractReadFailure, "decimals() out of range: %s", v)
		}
		return uint8(v.Uint64()), nil
	default:
		return 0, newSubmissionError(KindContractReadFailure, "unexpected decimals() type %T", out[0])
	}
}

func (s *Submitter) send(ctx context.Context, plan *Plan, w Wallet) (string, error) {
	d := plan.Descriptor

	var (
		hash string
		err  error
	)
	if d.IsErc20 {
		recipient, perr := evm.ParseAddress(d.RecipientAddress)
		if perr != nil {
			return "", &SubmissionError{Kind: KindInvalidTransfer, Err: perr}
		}
		hash, err = w.SignAndSendContractCall(ctx, *d.TokenAddress, evm.ERC20ABI, "transfer", recipient, plan.AmountMinorUnits)
	} else {
		hash, err = w.SendNativeTransfer(ctx, d.RecipientAddress, plan.AmountMinorUnits)
	}
	if err != nil {
		return "", &SubmissionError{Kind: classifySendError(err), Err: err}
	}
	if hash == "" {
		return "", newSubmissionError(KindNetworkFailure, "wallet returned no transaction hash")
	}
	return hash, nil
}

func (s *Submitter) fail(ctx context.Context, d Descriptor, plan *Plan, err error, start time.Time) Result {
	kind := KindNetworkFailure
	var subErr *SubmissionError
	if errors.As(err, &subErr) {
		kind = subErr.Kind
	}

	s.logger.WarnContext(ctx, "transfer submission failed",
		"asset", d.AssetKind(),
		"recipient", d.RecipientAddress,
		"amount", d.Amount,
		"kind", kind,
		"error", err,
	)
	s.record(d, string(kind), start)

	msg := err.Error()
	res := Result{Success: false, ErrorMessage: &msg, Kind: kind}
	if plan != nil {
		res.AmountMinorUnits = plan.AmountMinorUnits.String()
		res.Decimals = plan.Decimals
	}
	return res
}

func (s *Submitter) record(d Descriptor, outcome string, start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordTransferSubmission(d.AssetKind(), outcome, time.Since(start).Seconds())
	}
}

// BoundSubmitter is a Submitter with a fixed wallet.
type BoundSubmitter struct {
	submitter *Submitter
	wallet    Wallet
}

// Submit submits d through the bound wallet.
func (b *BoundSubmitter) Submit(ctx context.Context, d Descriptor) Result {
	return b.submitter.Submit(ctx, d, b.wallet)
}

// Resolve resolves d against the bound wallet.
func (b *BoundSubmitter) Resolve(ctx context.Context, d Descriptor) (*Plan, error) {
	return b.submitter.Resolve(ctx, d, b.wallet)
}
